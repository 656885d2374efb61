package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/figpoint/backend/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	MethodBank     = "bank"
	MethodGiftCard = "gift_card"
)

// WithdrawalService converts points to cash-outs. A request debits the
// balance immediately and opens a pending ledger row; admin review then
// completes it or fails it with a refund.
type WithdrawalService struct {
	db        *sql.DB
	ledger    *LedgerService
	payout    *PayoutService
	notifier  *Notifier
	validator *ValidationHelper
}

func NewWithdrawalService(db *sql.DB, ledger *LedgerService, payout *PayoutService, notifier *Notifier) *WithdrawalService {
	return &WithdrawalService{
		db:        db,
		ledger:    ledger,
		payout:    payout,
		notifier:  notifier,
		validator: NewValidationHelper(),
	}
}

type WithdrawalRequest struct {
	Points        int64  `json:"points" validate:"required,gt=0"`
	Method        string `json:"method" validate:"required,oneof=bank gift_card"`
	BankName      string `json:"bank_name"`
	AccountName   string `json:"account_name"`
	AccountNumber string `json:"account_number"`
	GiftCardType  string `json:"gift_card_type"`
	DeliveryEmail string `json:"delivery_email" validate:"omitempty,email"`
}

// RequestWithdrawal debits the caller's balance and records a pending
// withdrawal, all in one transaction. The debit is conditional on
// sufficient balance so a stale client cannot overdraw. Bank details sent
// with the request are saved back to the profile; otherwise the stored
// profile is used.
func (s *WithdrawalService) RequestWithdrawal(user *models.User, req *WithdrawalRequest) (*models.Transaction, error) {
	if GetTierLevel(user.PointsBalance) == TierNone {
		return nil, fmt.Errorf("%w: reach at least %d points to unlock withdrawals", models.ErrTierIneligible, TierBronzeThreshold)
	}

	updateProfile := false
	meta := models.Metadata{"method": req.Method}
	switch req.Method {
	case MethodBank:
		if req.BankName != "" || req.AccountName != "" || req.AccountNumber != "" {
			updateProfile = true
			if req.BankName != "" {
				user.BankName = req.BankName
			}
			if req.AccountName != "" {
				user.AccountName = req.AccountName
			}
			if req.AccountNumber != "" {
				user.AccountNumber = req.AccountNumber
			}
		}
		if user.BankName == "" || user.AccountNumber == "" || user.AccountName == "" {
			return nil, fmt.Errorf("%w: bank details are required for a bank withdrawal", models.ErrInvalidInput)
		}
		meta["bank_name"] = user.BankName
		meta["account_name"] = user.AccountName
		meta["account_number"] = user.AccountNumber
	case MethodGiftCard:
		if req.GiftCardType == "" {
			return nil, fmt.Errorf("%w: gift_card_type is required for gift card withdrawals", models.ErrInvalidInput)
		}
		email := req.DeliveryEmail
		if email == "" {
			email = user.Email
		}
		meta["gift_card_type"] = req.GiftCardType
		meta["delivery_email"] = email
	default:
		return nil, fmt.Errorf("%w: unsupported withdrawal method", models.ErrInvalidInput)
	}

	amountCents := PointsToCents(req.Points)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if updateProfile {
		if _, err := tx.Exec(`
			UPDATE users SET bank_name = $1, account_name = $2, account_number = $3, updated_at = NOW()
			WHERE id = $4`,
			user.BankName, user.AccountName, user.AccountNumber, user.ID); err != nil {
			return nil, err
		}
	}

	if err := s.ledger.DebitWithdrawalTx(tx, user.ID, req.Points, amountCents); err != nil {
		return nil, err
	}

	// Withdrawal rows carry negative amounts: the ledger sums to the
	// balance delta it describes.
	wd := &models.Transaction{
		UserID:       user.ID,
		Type:         models.TxPointWithdrawal,
		Status:       models.TxPending,
		PointsAmount: -req.Points,
		AmountCents:  -amountCents,
		Currency:     "USD",
		Description:  fmt.Sprintf("Withdrawal of %d points via %s", req.Points, req.Method),
		ReferenceID:  uuid.New().String(),
		Metadata:     meta,
	}
	wdID, err := s.ledger.InsertTransactionTx(tx, wd)
	if err != nil {
		return nil, err
	}
	wd.ID = wdID

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	go s.notifier.WithdrawalRequested(user, wd)
	return wd, nil
}

func (s *WithdrawalService) lockWithdrawal(tx *sql.Tx, id int64) (*models.Transaction, error) {
	var wd models.Transaction
	err := tx.QueryRow(`
		SELECT id, user_id, type, status, points_amount, amount_cents,
		       currency, COALESCE(description, ''), COALESCE(reference_id, ''), metadata
		FROM transactions
		WHERE id = $1 AND type = $2
		FOR UPDATE`,
		id, models.TxPointWithdrawal).Scan(
		&wd.ID, &wd.UserID, &wd.Type, &wd.Status, &wd.PointsAmount,
		&wd.AmountCents, &wd.Currency, &wd.Description, &wd.ReferenceID, &wd.Metadata)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: withdrawal not found", models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if wd.Status != models.TxPending {
		return nil, fmt.Errorf("%w: withdrawal is already %s", models.ErrStateConflict, wd.Status)
	}
	return &wd, nil
}

// ApproveWithdrawal flips a pending withdrawal to completed. The points
// were debited at request time, so approval changes status only. Bank
// withdrawals are dispatched to the payment processor after commit.
func (s *WithdrawalService) ApproveWithdrawal(adminID, withdrawalID int64) (*models.Transaction, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	wd, err := s.lockWithdrawal(tx, withdrawalID)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`
		UPDATE transactions SET status = $1, reviewed_by = $2, updated_at = NOW()
		WHERE id = $3`,
		models.TxCompleted, adminID, wd.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	wd.Status = models.TxCompleted

	if method, _ := wd.Metadata["method"].(string); method == MethodBank {
		bank := BankDetails{
			AccountName:   stringField(wd.Metadata, "account_name"),
			AccountNumber: stringField(wd.Metadata, "account_number"),
			BankCode:      stringField(wd.Metadata, "bank_name"),
		}
		if doc, err := s.payout.CreatePacs008(wd, bank); err != nil {
			log.Printf("[WITHDRAWALS] Payout message for %d not built: %v", wd.ID, err)
		} else if err := s.payout.SendToProcessor(wd, doc); err != nil {
			log.Printf("[WITHDRAWALS] Payout dispatch for %d failed: %v", wd.ID, err)
		}
	}

	go s.notifier.WithdrawalResolved(wd, "")
	return wd, nil
}

// RejectWithdrawal fails a pending withdrawal and refunds the debit in
// the same transaction, so the points reappear exactly when the failure
// becomes visible.
func (s *WithdrawalService) RejectWithdrawal(adminID, withdrawalID int64, reason string) (*models.Transaction, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	wd, err := s.lockWithdrawal(tx, withdrawalID)
	if err != nil {
		return nil, err
	}

	if err := s.ledger.RefundWithdrawalTx(tx, wd.UserID, wd.PointsAmount, wd.AmountCents); err != nil {
		return nil, err
	}

	if wd.Metadata == nil {
		wd.Metadata = models.Metadata{}
	}
	wd.Metadata["reject_reason"] = reason

	if _, err := tx.Exec(`
		UPDATE transactions SET status = $1, reviewed_by = $2, metadata = $3, updated_at = NOW()
		WHERE id = $4`,
		models.TxFailed, adminID, wd.Metadata, wd.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	wd.Status = models.TxFailed

	go s.notifier.WithdrawalResolved(wd, reason)
	return wd, nil
}

func stringField(m models.Metadata, key string) string {
	if m == nil {
		return ""
	}
	v, _ := m[key].(string)
	return v
}

// HTTP handlers

// Request handles POST /withdrawals.
func (s *WithdrawalService) Request(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(s.db, r)
	if err != nil {
		SendEngineError(w, err)
		return
	}

	var req WithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	wd, err := s.RequestWithdrawal(user, &req)
	if err != nil {
		SendEngineError(w, err)
		return
	}

	SendJSON(w, http.StatusCreated, map[string]any{
		"message":       "Withdrawal request submitted",
		"withdrawal_id": wd.ID,
		"points":        req.Points,
		"amount_cents":  PointsToCents(req.Points),
		"status":        wd.Status,
	})
}

// History handles GET /withdrawals: the caller's withdrawal requests.
func (s *WithdrawalService) History(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(s.db, r)
	if err != nil {
		SendEngineError(w, err)
		return
	}

	page, perPage := parsePagination(r)
	s.listWithdrawals(w, `WHERE type = $1 AND user_id = $2`,
		[]any{models.TxPointWithdrawal, user.ID}, page, perPage)
}

// Pending handles GET /admin/withdrawals/pending.
func (s *WithdrawalService) Pending(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(s.db, r)
	if err != nil {
		SendEngineError(w, err)
		return
	}
	if !user.CanApproveWithdrawals() {
		SendEngineError(w, models.ErrPermissionDenied)
		return
	}

	page, perPage := parsePagination(r)
	s.listWithdrawals(w, `WHERE type = $1 AND status = $2`,
		[]any{models.TxPointWithdrawal, models.TxPending}, page, perPage)
}

func (s *WithdrawalService) listWithdrawals(w http.ResponseWriter, where string, args []any, page, perPage int) {
	query := fmt.Sprintf(`
		SELECT id, user_id, type, status, points_amount, amount_cents,
		       currency, COALESCE(description, ''), COALESCE(reference_id, ''), metadata, created_at
		FROM transactions
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`,
		where, len(args)+1, len(args)+2)
	args = append(args, perPage, (page-1)*perPage)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		SendEngineError(w, err)
		return
	}
	defer rows.Close()

	withdrawals := []models.Transaction{}
	for rows.Next() {
		var wd models.Transaction
		if err := rows.Scan(&wd.ID, &wd.UserID, &wd.Type, &wd.Status,
			&wd.PointsAmount, &wd.AmountCents, &wd.Currency, &wd.Description,
			&wd.ReferenceID, &wd.Metadata, &wd.CreatedAt); err != nil {
			SendEngineError(w, err)
			return
		}
		withdrawals = append(withdrawals, wd)
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"withdrawals":  withdrawals,
		"count":        len(withdrawals),
		"current_page": page,
	})
}

// Approve handles POST /admin/withdrawals/{id}/approve.
func (s *WithdrawalService) Approve(w http.ResponseWriter, r *http.Request) {
	s.resolve(w, r, true)
}

// Reject handles POST /admin/withdrawals/{id}/reject.
func (s *WithdrawalService) Reject(w http.ResponseWriter, r *http.Request) {
	s.resolve(w, r, false)
}

func (s *WithdrawalService) resolve(w http.ResponseWriter, r *http.Request, approve bool) {
	user, err := currentUser(s.db, r)
	if err != nil {
		SendEngineError(w, err)
		return
	}
	if !user.CanApproveWithdrawals() {
		SendEngineError(w, models.ErrPermissionDenied)
		return
	}

	withdrawalID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid withdrawal id", http.StatusBadRequest, nil)
		return
	}

	var wd *models.Transaction
	if approve {
		wd, err = s.ApproveWithdrawal(user.ID, withdrawalID)
	} else {
		var req struct {
			Reason string `json:"reason" validate:"required"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
			return
		}
		if err := s.validator.ValidateStruct(&req); err != nil {
			SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
			return
		}
		wd, err = s.RejectWithdrawal(user.ID, withdrawalID, req.Reason)
	}
	if err != nil {
		SendEngineError(w, err)
		return
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"message":       fmt.Sprintf("Withdrawal %s", wd.Status),
		"withdrawal_id": wd.ID,
		"status":        wd.Status,
	})
}
