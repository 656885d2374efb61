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
)

// AdminService covers account administration: user listing, suspension,
// partner approval and manual balance adjustments.
type AdminService struct {
	db        *sql.DB
	ledger    *LedgerService
	audit     *AuditLogger
	validator *ValidationHelper
}

func NewAdminService(db *sql.DB, ledger *LedgerService) *AdminService {
	return &AdminService{
		db:        db,
		ledger:    ledger,
		audit:     NewAuditLogger(),
		validator: NewValidationHelper(),
	}
}

func (s *AdminService) requireAdmin(w http.ResponseWriter, r *http.Request) *models.User {
	user, err := currentUser(s.db, r)
	if err != nil {
		SendEngineError(w, err)
		return nil
	}
	if !user.IsAdmin() {
		SendEngineError(w, models.ErrPermissionDenied)
		return nil
	}
	return user
}

// AdjustPoints applies a signed manual correction to a user's balance.
// Negative adjustments are conditional on sufficient balance; both
// directions leave an admin_adjustment ledger row naming the operator.
func (s *AdminService) AdjustPoints(adminID, userID, delta int64, reason string) (int64, error) {
	if delta == 0 {
		return 0, fmt.Errorf("%w: adjustment cannot be zero", models.ErrInvalidInput)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	meta := models.Metadata{"admin_id": adminID, "reason": reason}
	var txID int64

	if delta > 0 {
		txID, err = s.ledger.CreditPointsTx(tx, userID, delta, PointsToCents(delta),
			models.TxAdminAdjustment, fmt.Sprintf("Admin adjustment: %s", reason),
			strconv.FormatInt(adminID, 10), meta)
		if err != nil {
			return 0, err
		}
	} else {
		remove := -delta
		result, err := tx.Exec(`
			UPDATE users
			SET points_balance = points_balance - $1, updated_at = NOW()
			WHERE id = $2 AND points_balance >= $1`,
			remove, userID)
		if err != nil {
			return 0, err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return 0, err
		}
		if rows == 0 {
			var exists bool
			if err := tx.QueryRow(`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
				return 0, err
			}
			if !exists {
				return 0, models.ErrNotFound
			}
			return 0, models.ErrInsufficientBalance
		}

		txID, err = s.ledger.InsertTransactionTx(tx, &models.Transaction{
			UserID:       userID,
			Type:         models.TxAdminAdjustment,
			Status:       models.TxCompleted,
			Description:  fmt.Sprintf("Admin adjustment: %s", reason),
			PointsAmount: delta,
			AmountCents:  -PointsToCents(remove),
			ReferenceID:  strconv.FormatInt(adminID, 10),
			Metadata:     meta,
		})
		if err != nil {
			return 0, err
		}
		s.audit.LogLedger(txID, userID, string(models.TxAdminAdjustment), delta, -PointsToCents(remove), "COMPLETED")
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return txID, nil
}

// HTTP handlers

// ListUsers handles GET /admin/users with optional ?search= and ?role=.
func (s *AdminService) ListUsers(w http.ResponseWriter, r *http.Request) {
	if s.requireAdmin(w, r) == nil {
		return
	}

	page, perPage := parsePagination(r)

	query := `SELECT ` + userColumns + ` FROM users WHERE TRUE`
	args := []any{}

	if search := r.URL.Query().Get("search"); search != "" {
		query += fmt.Sprintf(" AND (full_name ILIKE $%d OR email ILIKE $%d)", len(args)+1, len(args)+1)
		args = append(args, "%"+search+"%")
	}
	if role := r.URL.Query().Get("role"); role != "" {
		query += fmt.Sprintf(" AND role = $%d", len(args)+1)
		args = append(args, role)
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, perPage, (page-1)*perPage)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		SendEngineError(w, err)
		return
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.FullName, &u.Email, &u.Role, &u.Phone, &u.BankName,
			&u.AccountName, &u.AccountNumber, &u.ReferralCode, &u.ReferredBy,
			&u.PointsBalance, &u.TotalPointsEarned, &u.TotalPointsWithdrawn,
			&u.TotalEarningsCents, &u.TotalWithdrawnCents,
			&u.IsSuspended, &u.IsApproved, &u.IsVerified, &u.CreatedAt, &u.UpdatedAt); err != nil {
			SendEngineError(w, err)
			return
		}
		users = append(users, u)
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"users":        users,
		"count":        len(users),
		"current_page": page,
	})
}

// GetUser handles GET /admin/users/{id}.
func (s *AdminService) GetUser(w http.ResponseWriter, r *http.Request) {
	if s.requireAdmin(w, r) == nil {
		return
	}

	userID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid user id", http.StatusBadRequest, nil)
		return
	}

	user, err := loadUser(s.db, userID)
	if err != nil {
		SendEngineError(w, err)
		return
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"user": user,
		"tier": GetTierLevel(user.PointsBalance),
	})
}

// SetSuspension handles POST /admin/users/{id}/suspend and /unsuspend.
func (s *AdminService) SetSuspension(suspend bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		admin := s.requireAdmin(w, r)
		if admin == nil {
			return
		}

		userID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			SendErrorResponse(w, "Invalid user id", http.StatusBadRequest, nil)
			return
		}
		if suspend && userID == admin.ID {
			SendErrorResponse(w, "Cannot suspend your own account", http.StatusBadRequest, nil)
			return
		}

		result, err := s.db.Exec(`UPDATE users SET is_suspended = $1, updated_at = NOW() WHERE id = $2`,
			suspend, userID)
		if err != nil {
			SendEngineError(w, err)
			return
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			SendEngineError(w, models.ErrNotFound)
			return
		}

		action := "unsuspended"
		if suspend {
			action = "suspended"
		}
		log.Printf("[ADMIN] User %d %s by admin %d", userID, action, admin.ID)

		SendJSON(w, http.StatusOK, map[string]any{
			"message": fmt.Sprintf("User %s", action),
			"user_id": userID,
		})
	}
}

// ApprovePartner handles POST /admin/users/{id}/approve-partner.
func (s *AdminService) ApprovePartner(w http.ResponseWriter, r *http.Request) {
	admin := s.requireAdmin(w, r)
	if admin == nil {
		return
	}

	userID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid user id", http.StatusBadRequest, nil)
		return
	}

	result, err := s.db.Exec(`
		UPDATE users SET role = $1, is_approved = TRUE, updated_at = NOW()
		WHERE id = $2`,
		models.RolePartner, userID)
	if err != nil {
		SendEngineError(w, err)
		return
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		SendEngineError(w, models.ErrNotFound)
		return
	}

	log.Printf("[ADMIN] User %d approved as partner by admin %d", userID, admin.ID)
	SendJSON(w, http.StatusOK, map[string]any{
		"message": "Partner approved",
		"user_id": userID,
	})
}

// Adjust handles POST /admin/users/{id}/points.
func (s *AdminService) Adjust(w http.ResponseWriter, r *http.Request) {
	admin := s.requireAdmin(w, r)
	if admin == nil {
		return
	}

	userID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid user id", http.StatusBadRequest, nil)
		return
	}

	var req struct {
		Points int64  `json:"points" validate:"required"`
		Reason string `json:"reason" validate:"required,min=3"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	txID, err := s.AdjustPoints(admin.ID, userID, req.Points, req.Reason)
	if err != nil {
		SendEngineError(w, err)
		return
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"message":        "Points adjusted",
		"transaction_id": txID,
	})
}

// Stats handles GET /admin/stats.
func (s *AdminService) Stats(w http.ResponseWriter, r *http.Request) {
	if s.requireAdmin(w, r) == nil {
		return
	}

	var stats struct {
		TotalUsers          int64 `json:"total_users"`
		SuspendedUsers      int64 `json:"suspended_users"`
		TotalPointsInFlight int64 `json:"total_points_in_circulation"`
		PendingWithdrawals  int64 `json:"pending_withdrawals"`
		PendingTaskReviews  int64 `json:"pending_task_reviews"`
		UnusedCodes         int64 `json:"unused_codes"`
	}

	err := s.db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM users WHERE is_suspended),
			(SELECT COALESCE(SUM(points_balance), 0) FROM users),
			(SELECT COUNT(*) FROM transactions WHERE type = $1 AND status = $2),
			(SELECT COUNT(*) FROM user_tasks WHERE status = $3),
			(SELECT COUNT(*) FROM reward_codes WHERE NOT is_used)`,
		models.TxPointWithdrawal, models.TxPending, models.TaskPendingReview).Scan(
		&stats.TotalUsers, &stats.SuspendedUsers, &stats.TotalPointsInFlight,
		&stats.PendingWithdrawals, &stats.PendingTaskReviews, &stats.UnusedCodes)
	if err != nil {
		SendEngineError(w, err)
		return
	}

	SendJSON(w, http.StatusOK, stats)
}
