package services

import (
	"bytes"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/figpoint/backend/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/viper"
)

// ReferralService links new accounts to their referrers, pays referral
// bonuses, and serves referral links and their QR images.
type ReferralService struct {
	db        *sql.DB
	redis     *redis.Client
	ledger    *LedgerService
	validator *ValidationHelper
}

func NewReferralService(db *sql.DB, redisClient *redis.Client, ledger *LedgerService) *ReferralService {
	viper.SetDefault("app.base_url", "http://localhost:8080")
	return &ReferralService{
		db:        db,
		redis:     redisClient,
		ledger:    ledger,
		validator: NewValidationHelper(),
	}
}

// LinkReferralTx resolves a referral code to its owner, records the new
// user as referred, and credits the owner's bonus. It runs inside the
// registration transaction so a failed signup never pays out.
func (s *ReferralService) LinkReferralTx(tx *sql.Tx, newUserID int64, referralCode string) (int64, error) {
	var referrerID int64
	err := tx.QueryRow(`SELECT id FROM users WHERE referral_code = $1`, referralCode).Scan(&referrerID)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: invalid referral code", models.ErrNotFound)
	}
	if err != nil {
		return 0, err
	}
	if referrerID == newUserID {
		return 0, fmt.Errorf("%w: cannot refer yourself", models.ErrInvalidInput)
	}

	if _, err := tx.Exec(`UPDATE users SET referred_by = $1, updated_at = NOW() WHERE id = $2`,
		referrerID, newUserID); err != nil {
		return 0, err
	}

	if _, err := s.ledger.CreditPointsTx(tx, referrerID, ReferralBonusPoints(), ReferralBonusCents(),
		models.TxReferralBonus, "Referral bonus",
		strconv.FormatInt(newUserID, 10), models.Metadata{"referred_user_id": newUserID}); err != nil {
		return 0, err
	}

	return referrerID, nil
}

// AwardBonus lets an admin pay a referral bonus manually, for referrals
// that were reported outside the normal signup flow. Points and cents of
// zero fall back to the configured bonus.
func (s *ReferralService) AwardBonus(referrerID, referredID, points, cents int64, reason string) (int64, error) {
	if points <= 0 {
		points = ReferralBonusPoints()
		cents = ReferralBonusCents()
	}
	if cents < 0 {
		return 0, fmt.Errorf("%w: bonus amount cannot be negative", models.ErrInvalidInput)
	}

	meta := models.Metadata{"referred_user_id": referredID}
	if reason != "" {
		meta["reason"] = reason
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	txID, err := s.ledger.CreditPointsTx(tx, referrerID, points, cents,
		models.TxReferralBonus, "Referral bonus (admin award)",
		strconv.FormatInt(referredID, 10), meta)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return txID, nil
}

func (s *ReferralService) referralLink(code string) string {
	return fmt.Sprintf("%s/register?ref=%s", viper.GetString("app.base_url"), code)
}

// HTTP handlers

// MyReferrals handles GET /referrals: link, stats, and referred users.
func (s *ReferralService) MyReferrals(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(s.db, r)
	if err != nil {
		SendEngineError(w, err)
		return
	}

	rows, err := s.db.Query(`
		SELECT id, full_name, created_at FROM users
		WHERE referred_by = $1
		ORDER BY created_at DESC`,
		user.ID)
	if err != nil {
		SendEngineError(w, err)
		return
	}
	defer rows.Close()

	type referredUser struct {
		ID       int64     `json:"id"`
		FullName string    `json:"full_name"`
		JoinedAt time.Time `json:"joined_at"`
	}

	referred := []referredUser{}
	for rows.Next() {
		var u referredUser
		if err := rows.Scan(&u.ID, &u.FullName, &u.JoinedAt); err != nil {
			SendEngineError(w, err)
			return
		}
		referred = append(referred, u)
	}

	var bonusPoints int64
	if err := s.db.QueryRow(`
		SELECT COALESCE(SUM(points_amount), 0) FROM transactions
		WHERE user_id = $1 AND type = $2 AND status = $3`,
		user.ID, models.TxReferralBonus, models.TxCompleted).Scan(&bonusPoints); err != nil {
		SendEngineError(w, err)
		return
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"referral_code":       user.ReferralCode,
		"referral_link":       s.referralLink(user.ReferralCode),
		"total_referrals":     len(referred),
		"total_points_earned": bonusPoints,
		"referred_users":      referred,
	})
}

// QRCode handles GET /referrals/qr: a PNG QR image of the caller's
// referral link, base64-encoded, cached in redis for a day.
func (s *ReferralService) QRCode(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(s.db, r)
	if err != nil {
		SendEngineError(w, err)
		return
	}

	link := s.referralLink(user.ReferralCode)
	cacheKey := fmt.Sprintf("referral_qr:%s", user.ReferralCode)

	if s.redis != nil {
		if cached, err := s.redis.Get(r.Context(), cacheKey).Result(); err == nil {
			SendJSON(w, http.StatusOK, map[string]any{
				"referral_link": link,
				"qr_image":      cached,
			})
			return
		}
	}

	qr, err := qrcode.New(link, qrcode.Medium)
	if err != nil {
		SendEngineError(w, err)
		return
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		SendEngineError(w, err)
		return
	}
	qrImage := base64.StdEncoding.EncodeToString(buf.Bytes())

	if s.redis != nil {
		if err := s.redis.Set(r.Context(), cacheKey, qrImage, 24*time.Hour).Err(); err != nil {
			log.Printf("[REFERRALS] Failed to cache QR image: %v", err)
		}
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"referral_link": link,
		"qr_image":      qrImage,
	})
}

// AdminAward handles POST /admin/referrals/award.
func (s *ReferralService) AdminAward(w http.ResponseWriter, r *http.Request) {
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
		ReferrerID  int64  `json:"referrer_id" validate:"required,gt=0"`
		ReferredID  int64  `json:"referred_id" validate:"required,gt=0"`
		Points      int64  `json:"points" validate:"omitempty,gt=0"`
		AmountCents int64  `json:"amount_cents" validate:"omitempty,gte=0"`
		Reason      string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	txID, err := s.AwardBonus(req.ReferrerID, req.ReferredID, req.Points, req.AmountCents, req.Reason)
	if err != nil {
		SendEngineError(w, err)
		return
	}

	points := req.Points
	if points <= 0 {
		points = ReferralBonusPoints()
	}
	SendJSON(w, http.StatusOK, map[string]any{
		"message":        fmt.Sprintf("Awarded %d referral points", points),
		"transaction_id": txID,
	})
}

// Lookup handles GET /referrals/lookup/{code}: public check used by the
// registration form.
func (s *ReferralService) Lookup(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	var fullName string
	err := s.db.QueryRow(`SELECT full_name FROM users WHERE referral_code = $1`, code).Scan(&fullName)
	if err == sql.ErrNoRows {
		SendEngineError(w, fmt.Errorf("%w: invalid referral code", models.ErrNotFound))
		return
	}
	if err != nil {
		SendEngineError(w, err)
		return
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"valid":       true,
		"referred_by": fullName,
	})
}
