package services

import (
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/figpoint/backend/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// CodeService implements reward-code generation and one-time redemption.
type CodeService struct {
	db        *sql.DB
	ledger    *LedgerService
	validator *ValidationHelper
}

func NewCodeService(db *sql.DB, ledger *LedgerService) *CodeService {
	return &CodeService{
		db:        db,
		ledger:    ledger,
		validator: NewValidationHelper(),
	}
}

type GenerateCodesRequest struct {
	Count      int   `json:"count" validate:"required,gt=0,lte=10000"`
	PointValue int64 `json:"point_value" validate:"required,gt=0"`
}

type RedeemResult struct {
	PointsAdded   int64 `json:"points_added"`
	NewBalance    int64 `json:"new_balance"`
	TransactionID int64 `json:"transaction_id"`
}

// GenerateCodes creates count unique codes under a fresh batch id. Code
// collisions surface as unique violations and are retried with a new
// draw rather than aborting the batch.
func (s *CodeService) GenerateCodes(count int, pointValue int64) (string, []string, error) {
	if count <= 0 || count > 10000 {
		return "", nil, fmt.Errorf("%w: count must be between 1 and 10,000", models.ErrInvalidInput)
	}
	if pointValue <= 0 {
		return "", nil, fmt.Errorf("%w: point value must be greater than 0", models.ErrInvalidInput)
	}

	pointValue = NormalizeReward(pointValue)
	batchID := generateBatchID()

	codes := make([]string, 0, count)
	for i := 0; i < count; i++ {
		inserted := false
		for attempt := 0; attempt < 10; attempt++ {
			code := generateRewardCode()
			_, err := s.db.Exec(`
				INSERT INTO reward_codes (code, point_value, batch_id, created_at, updated_at)
				VALUES ($1, $2, $3, NOW(), NOW())`,
				code, pointValue, batchID)
			if err == nil {
				codes = append(codes, code)
				inserted = true
				break
			}
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
				continue
			}
			return "", nil, err
		}
		if !inserted {
			return "", nil, fmt.Errorf("code generation exhausted retries for batch %s", batchID)
		}
	}

	log.Printf("[CODES] Generated %d codes in batch %s", count, batchID)
	return batchID, codes, nil
}

// RedeemCode claims an unused code and credits its point value, both in
// one database transaction. The claim is a conditional update so two
// concurrent redemptions of the same code cannot both succeed.
func (s *CodeService) RedeemCode(userID int64, codeValue string) (*RedeemResult, error) {
	codeValue = strings.ToUpper(strings.TrimSpace(codeValue))
	if !codePattern.MatchString(codeValue) {
		return nil, fmt.Errorf("%w: code must be 5 letters followed by 3 digits", models.ErrInvalidInput)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var codeID, pointValue int64
	err = tx.QueryRow(`
		UPDATE reward_codes
		SET is_used = TRUE, used_by = $2, used_at = NOW(), updated_at = NOW()
		WHERE code = $1 AND is_used = FALSE
		RETURNING id, point_value`,
		codeValue, userID).Scan(&codeID, &pointValue)
	if err == sql.ErrNoRows {
		var used bool
		if lookupErr := tx.QueryRow(`SELECT is_used FROM reward_codes WHERE code = $1`, codeValue).Scan(&used); lookupErr == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: invalid code", models.ErrNotFound)
		} else if lookupErr != nil {
			return nil, lookupErr
		}
		return nil, models.ErrCodeAlreadyUsed
	}
	if err != nil {
		return nil, err
	}

	txID, err := s.ledger.CreditPointsTx(tx, userID, pointValue, 0,
		models.TxCodeRedemption, fmt.Sprintf("Redeemed code %s", codeValue),
		strconv.FormatInt(codeID, 10), nil)
	if err != nil {
		return nil, err
	}

	var newBalance int64
	if err := tx.QueryRow(`SELECT points_balance FROM users WHERE id = $1`, userID).Scan(&newBalance); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &RedeemResult{
		PointsAdded:   pointValue,
		NewBalance:    newBalance,
		TransactionID: txID,
	}, nil
}

// LookupCode returns a code without touching its state.
func (s *CodeService) LookupCode(codeValue string) (*models.RewardCode, error) {
	codeValue = strings.ToUpper(strings.TrimSpace(codeValue))

	var code models.RewardCode
	err := s.db.QueryRow(`
		SELECT id, code, point_value, is_used, used_by, used_at, COALESCE(batch_id, ''), created_at, updated_at
		FROM reward_codes WHERE code = $1`,
		codeValue).Scan(&code.ID, &code.Code, &code.PointValue, &code.IsUsed,
		&code.UsedBy, &code.UsedAt, &code.BatchID, &code.CreatedAt, &code.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: invalid code", models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &code, nil
}

type DailyUploadResult struct {
	ValidCodes   int           `json:"valid_codes"`
	InvalidCodes []InvalidCode `json:"invalid_codes"`
	PointsEarned int64         `json:"points_earned"`
	ExtraPoints  int64         `json:"extra_points"`
	NewBalance   int64         `json:"new_balance"`
}

type InvalidCode struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// UploadDailyCodes bulk-redeems a day's worth of codes and pays the
// daily bonus once the per-user requirement is met. Invalid entries are
// reported, not fatal; the batch commits as one transaction.
func (s *CodeService) UploadDailyCodes(userID int64, codes []string) (*DailyUploadResult, error) {
	if len(codes) == 0 {
		return nil, fmt.Errorf("%w: codes array is required", models.ErrInvalidInput)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	result := &DailyUploadResult{InvalidCodes: []InvalidCode{}}

	for _, raw := range codes {
		codeValue := strings.ToUpper(strings.TrimSpace(raw))
		if !codePattern.MatchString(codeValue) {
			result.InvalidCodes = append(result.InvalidCodes, InvalidCode{Code: raw, Reason: "Invalid format"})
			continue
		}

		var codeID, pointValue int64
		err := tx.QueryRow(`
			UPDATE reward_codes
			SET is_used = TRUE, used_by = $2, used_at = NOW(), updated_at = NOW()
			WHERE code = $1 AND is_used = FALSE
			RETURNING id, point_value`,
			codeValue, userID).Scan(&codeID, &pointValue)
		if err == sql.ErrNoRows {
			result.InvalidCodes = append(result.InvalidCodes, InvalidCode{Code: codeValue, Reason: "Code not found or already used"})
			continue
		}
		if err != nil {
			return nil, err
		}

		if _, err := s.ledger.CreditPointsTx(tx, userID, pointValue, 0,
			models.TxCodeRedemption, fmt.Sprintf("Redeemed code %s", codeValue),
			strconv.FormatInt(codeID, 10), nil); err != nil {
			return nil, err
		}

		result.ValidCodes++
		result.PointsEarned += pointValue
	}

	if result.ValidCodes >= DailyCodeRequirement() {
		bonus := DailyBonusPoints()
		if _, err := s.ledger.CreditPointsTx(tx, userID, bonus, 0,
			models.TxEarning, fmt.Sprintf("Daily code upload bonus for %d codes", result.ValidCodes), "", nil); err != nil {
			return nil, err
		}
		result.ExtraPoints = bonus
	}

	if err := tx.QueryRow(`SELECT points_balance FROM users WHERE id = $1`, userID).Scan(&result.NewBalance); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return result, nil
}

// DeleteUsedCodes removes already-redeemed codes by id; unused codes are
// never deleted through this path.
func (s *CodeService) DeleteUsedCodes(ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: code ids are required", models.ErrInvalidInput)
	}

	result, err := s.db.Exec(`DELETE FROM reward_codes WHERE id = ANY($1) AND is_used = TRUE`, pq.Array(ids))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// HTTP handlers

// Redeem handles POST /codes/redeem.
func (s *CodeService) Redeem(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(s.db, r)
	if err != nil {
		SendEngineError(w, err)
		return
	}
	if !user.CanEarn() {
		SendEngineError(w, fmt.Errorf("%w: partners cannot redeem codes", models.ErrPermissionDenied))
		return
	}

	var req struct {
		Code string `json:"code" validate:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := s.RedeemCode(user.ID, req.Code)
	if err != nil {
		log.Printf("[CODES] Redemption failed for user %d: %v", user.ID, err)
		SendEngineError(w, err)
		return
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"message":        fmt.Sprintf("Successfully redeemed code for %d points", result.PointsAdded),
		"points_added":   result.PointsAdded,
		"new_balance":    result.NewBalance,
		"transaction_id": result.TransactionID,
	})
}

// Validate handles GET /codes/validate/{code}.
func (s *CodeService) Validate(w http.ResponseWriter, r *http.Request) {
	code, err := s.LookupCode(chi.URLParam(r, "code"))
	if err != nil {
		SendEngineError(w, err)
		return
	}
	if code.IsUsed {
		SendEngineError(w, models.ErrCodeAlreadyUsed)
		return
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"valid":       true,
		"code":        code.Code,
		"point_value": code.PointValue,
		"created_at":  code.CreatedAt,
	})
}

// History handles GET /codes/history: codes redeemed by the caller.
func (s *CodeService) History(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(s.db, r)
	if err != nil {
		SendEngineError(w, err)
		return
	}

	page, perPage := parsePagination(r)

	rows, err := s.db.Query(`
		SELECT id, code, point_value, is_used, used_by, used_at, COALESCE(batch_id, ''), created_at, updated_at
		FROM reward_codes
		WHERE used_by = $1
		ORDER BY used_at DESC
		LIMIT $2 OFFSET $3`,
		user.ID, perPage, (page-1)*perPage)
	if err != nil {
		SendEngineError(w, err)
		return
	}
	defer rows.Close()

	codes := []models.RewardCode{}
	for rows.Next() {
		var c models.RewardCode
		if err := rows.Scan(&c.ID, &c.Code, &c.PointValue, &c.IsUsed, &c.UsedBy,
			&c.UsedAt, &c.BatchID, &c.CreatedAt, &c.UpdatedAt); err != nil {
			SendEngineError(w, err)
			return
		}
		codes = append(codes, c)
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"codes":        codes,
		"count":        len(codes),
		"current_page": page,
	})
}

// UploadDaily handles POST /codes/daily.
func (s *CodeService) UploadDaily(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(s.db, r)
	if err != nil {
		SendEngineError(w, err)
		return
	}
	if !user.CanEarn() {
		SendEngineError(w, fmt.Errorf("%w: partners cannot upload daily codes", models.ErrPermissionDenied))
		return
	}

	var req struct {
		Codes []string `json:"codes" validate:"required,min=1"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := s.UploadDailyCodes(user.ID, req.Codes)
	if err != nil {
		SendEngineError(w, err)
		return
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"message":       fmt.Sprintf("Successfully processed %d codes", result.ValidCodes),
		"valid_codes":   result.ValidCodes,
		"invalid_codes": result.InvalidCodes,
		"points_earned": result.PointsEarned,
		"extra_points":  result.ExtraPoints,
		"total_points":  result.PointsEarned + result.ExtraPoints,
		"new_balance":   result.NewBalance,
	})
}

// Generate handles POST /admin/codes/generate.
func (s *CodeService) Generate(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(s.db, r)
	if err != nil {
		SendEngineError(w, err)
		return
	}
	if !user.CanManageCodes() {
		SendEngineError(w, models.ErrPermissionDenied)
		return
	}

	var req GenerateCodesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	batchID, codes, err := s.GenerateCodes(req.Count, req.PointValue)
	if err != nil {
		SendEngineError(w, err)
		return
	}

	sample := codes
	if len(sample) > 10 {
		sample = sample[:10]
	}

	SendJSON(w, http.StatusCreated, map[string]any{
		"message":         fmt.Sprintf("Successfully generated %d codes", len(codes)),
		"batch_id":        batchID,
		"codes":           sample,
		"total_generated": len(codes),
	})
}

// ExportBatch handles GET /admin/codes/export/{batchId} as CSV.
func (s *CodeService) ExportBatch(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(s.db, r)
	if err != nil {
		SendEngineError(w, err)
		return
	}
	if !user.CanManageCodes() {
		SendEngineError(w, models.ErrPermissionDenied)
		return
	}

	batchID := chi.URLParam(r, "batchId")

	rows, err := s.db.Query(`
		SELECT code, point_value, is_used, created_at
		FROM reward_codes WHERE batch_id = $1
		ORDER BY code`, batchID)
	if err != nil {
		SendEngineError(w, err)
		return
	}
	defer rows.Close()

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.csv"`, batchID))

	cw := csv.NewWriter(w)
	cw.Write([]string{"code", "point_value", "is_used", "created_at"})

	found := false
	for rows.Next() {
		var code string
		var pointValue int64
		var isUsed bool
		var createdAt time.Time
		if err := rows.Scan(&code, &pointValue, &isUsed, &createdAt); err != nil {
			SendEngineError(w, err)
			return
		}
		found = true
		cw.Write([]string{code, strconv.FormatInt(pointValue, 10), strconv.FormatBool(isUsed), createdAt.Format(time.RFC3339)})
	}
	cw.Flush()

	if !found {
		log.Printf("[CODES] Export requested for empty batch %s", batchID)
	}
}

// ListBatches handles GET /admin/codes/batches.
func (s *CodeService) ListBatches(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(s.db, r)
	if err != nil {
		SendEngineError(w, err)
		return
	}
	if !user.CanManageCodes() {
		SendEngineError(w, models.ErrPermissionDenied)
		return
	}

	rows, err := s.db.Query(`
		SELECT batch_id, COUNT(*), COUNT(*) FILTER (WHERE is_used), MIN(created_at)
		FROM reward_codes
		WHERE batch_id IS NOT NULL
		GROUP BY batch_id
		ORDER BY MIN(created_at) DESC`)
	if err != nil {
		SendEngineError(w, err)
		return
	}
	defer rows.Close()

	type batchSummary struct {
		BatchID   string    `json:"batch_id"`
		Total     int64     `json:"total"`
		Used      int64     `json:"used"`
		CreatedAt time.Time `json:"created_at"`
	}

	batches := []batchSummary{}
	for rows.Next() {
		var b batchSummary
		if err := rows.Scan(&b.BatchID, &b.Total, &b.Used, &b.CreatedAt); err != nil {
			SendEngineError(w, err)
			return
		}
		batches = append(batches, b)
	}

	SendJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

// DeleteUsed handles POST /admin/codes/delete-used.
func (s *CodeService) DeleteUsed(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(s.db, r)
	if err != nil {
		SendEngineError(w, err)
		return
	}
	if !user.IsAdmin() {
		SendEngineError(w, models.ErrPermissionDenied)
		return
	}

	var req struct {
		CodeIDs []int64 `json:"code_ids" validate:"required,min=1"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	deleted, err := s.DeleteUsedCodes(req.CodeIDs)
	if err != nil {
		SendEngineError(w, err)
		return
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"message":       fmt.Sprintf("Successfully deleted %d used codes", deleted),
		"deleted_count": deleted,
	})
}
