package services

import (
	"database/sql"
	"fmt"
	"net/http"

	"github.com/figpoint/backend/internal/models"
	"github.com/spf13/viper"
)

// LedgerService owns the accounting primitives shared by every engine:
// balance mutations paired with append-only transaction rows, executed on
// a caller-supplied sql.Tx so that engine state changes and ledger writes
// commit or roll back together.
type LedgerService struct {
	db    *sql.DB
	audit *AuditLogger
}

func NewLedgerService(db *sql.DB) *LedgerService {
	viper.SetDefault("rewards.rate_cents_per_point", 10)
	viper.SetDefault("rewards.referral_bonus_points", 100)
	viper.SetDefault("rewards.referral_bonus_cents", 0)
	viper.SetDefault("rewards.min_reward_points", 1)
	viper.SetDefault("rewards.daily_code_requirement", 5)
	viper.SetDefault("rewards.daily_bonus_points", 2)

	return &LedgerService{
		db:    db,
		audit: NewAuditLogger(),
	}
}

// Reward constants are single-sourced here; nothing else reads the viper
// keys directly.

func RateCentsPerPoint() int64 {
	return viper.GetInt64("rewards.rate_cents_per_point")
}

func ReferralBonusPoints() int64 {
	return viper.GetInt64("rewards.referral_bonus_points")
}

func ReferralBonusCents() int64 {
	return viper.GetInt64("rewards.referral_bonus_cents")
}

func MinRewardPoints() int64 {
	return viper.GetInt64("rewards.min_reward_points")
}

func DailyCodeRequirement() int {
	return viper.GetInt("rewards.daily_code_requirement")
}

func DailyBonusPoints() int64 {
	return viper.GetInt64("rewards.daily_bonus_points")
}

// PointsToCents converts whole points to currency cents at the configured
// rate. Integer arithmetic only; no float drift.
func PointsToCents(points int64) int64 {
	return points * RateCentsPerPoint()
}

// NormalizeReward applies the minimum-reward policy: any positive reward
// is floored at MinRewardPoints so no task or code pays out zero.
func NormalizeReward(points int64) int64 {
	if points <= 0 {
		return 0
	}
	if min := MinRewardPoints(); points < min {
		return min
	}
	return points
}

// Withdrawal tiers by current points balance.
const (
	TierNone     = "None"
	TierBronze   = "Bronze"
	TierSilver   = "Silver"
	TierGold     = "Gold"
	TierPlatinum = "Platinum"
)

const (
	TierBronzeThreshold   int64 = 50
	TierSilverThreshold   int64 = 500
	TierGoldThreshold     int64 = 8000
	TierPlatinumThreshold int64 = 15000
)

func GetTierLevel(points int64) string {
	switch {
	case points >= TierPlatinumThreshold:
		return TierPlatinum
	case points >= TierGoldThreshold:
		return TierGold
	case points >= TierSilverThreshold:
		return TierSilver
	case points >= TierBronzeThreshold:
		return TierBronze
	default:
		return TierNone
	}
}

// CreditPointsTx adds points to the balance and lifetime-earned counters
// and appends the justifying ledger row. Returns the ledger row id.
func (s *LedgerService) CreditPointsTx(tx *sql.Tx, userID, points, cents int64, txType models.TransactionType, desc, refID string, meta models.Metadata) (int64, error) {
	result, err := tx.Exec(`
		UPDATE users
		SET points_balance = points_balance + $1,
		    total_points_earned = total_points_earned + $1,
		    total_earnings_cents = total_earnings_cents + $2,
		    updated_at = NOW()
		WHERE id = $3`,
		points, cents, userID)
	if err != nil {
		return 0, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if rows == 0 {
		return 0, models.ErrNotFound
	}

	txID, err := s.InsertTransactionTx(tx, &models.Transaction{
		UserID:       userID,
		Type:         txType,
		Status:       models.TxCompleted,
		Description:  desc,
		AmountCents:  cents,
		PointsAmount: points,
		ReferenceID:  refID,
		Metadata:     meta,
	})
	if err != nil {
		return 0, err
	}

	s.audit.LogLedger(txID, userID, string(txType), points, cents, "COMPLETED")
	return txID, nil
}

// DebitWithdrawalTx reserves points for a withdrawal: the balance check
// and the deduction are one conditional statement so concurrent requests
// cannot overdraw the account.
func (s *LedgerService) DebitWithdrawalTx(tx *sql.Tx, userID, points, cents int64) error {
	result, err := tx.Exec(`
		UPDATE users
		SET points_balance = points_balance - $1,
		    total_points_withdrawn = total_points_withdrawn + $1,
		    total_withdrawn_cents = total_withdrawn_cents + $2,
		    updated_at = NOW()
		WHERE id = $3 AND points_balance >= $1`,
		points, cents, userID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return models.ErrInsufficientBalance
	}

	return nil
}

// RefundWithdrawalTx reverses a pending withdrawal's deduction. It takes
// the signed values stored on the withdrawal row (negative for
// withdrawals): subtracting them restores the balance, and adding them
// unwinds both cumulative withdrawn counters. The refund is refused if it
// would somehow leave the balance negative.
func (s *LedgerService) RefundWithdrawalTx(tx *sql.Tx, userID, points, cents int64) error {
	result, err := tx.Exec(`
		UPDATE users
		SET points_balance = points_balance - $1,
		    total_points_withdrawn = total_points_withdrawn + $1,
		    total_withdrawn_cents = total_withdrawn_cents + $2,
		    updated_at = NOW()
		WHERE id = $3 AND points_balance - $1 >= 0`,
		points, cents, userID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := tx.QueryRow(`SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: refund would leave a negative balance", models.ErrStateConflict)
		}
		return models.ErrNotFound
	}

	return nil
}

// HTTP handlers

// Balance handles GET /points/balance.
func (s *LedgerService) Balance(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(s.db, r)
	if err != nil {
		SendEngineError(w, err)
		return
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"points_balance":         user.PointsBalance,
		"balance_cents":          PointsToCents(user.PointsBalance),
		"total_points_earned":    user.TotalPointsEarned,
		"total_points_withdrawn": user.TotalPointsWithdrawn,
		"total_earnings_cents":   user.TotalEarningsCents,
		"total_withdrawn_cents":  user.TotalWithdrawnCents,
		"tier":                   GetTierLevel(user.PointsBalance),
	})
}

// Transactions handles GET /points/transactions: the caller's ledger,
// newest first, optionally filtered by type.
func (s *LedgerService) Transactions(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(s.db, r)
	if err != nil {
		SendEngineError(w, err)
		return
	}

	page, perPage := parsePagination(r)

	query := `
		SELECT id, user_id, type, status, COALESCE(description, ''), amount_cents,
		       points_amount, currency, COALESCE(reference_id, ''), metadata, created_at, updated_at
		FROM transactions
		WHERE user_id = $1`
	args := []any{user.ID}

	if txType := r.URL.Query().Get("type"); txType != "" {
		query += fmt.Sprintf(" AND type = $%d", len(args)+1)
		args = append(args, txType)
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, perPage, (page-1)*perPage)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		SendEngineError(w, err)
		return
	}
	defer rows.Close()

	transactions := []models.Transaction{}
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Status, &t.Description,
			&t.AmountCents, &t.PointsAmount, &t.Currency, &t.ReferenceID,
			&t.Metadata, &t.CreatedAt, &t.UpdatedAt); err != nil {
			SendEngineError(w, err)
			return
		}
		transactions = append(transactions, t)
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"transactions": transactions,
		"count":        len(transactions),
		"current_page": page,
	})
}

// InsertTransactionTx appends a ledger row and returns its id.
func (s *LedgerService) InsertTransactionTx(tx *sql.Tx, t *models.Transaction) (int64, error) {
	if t.Currency == "" {
		t.Currency = "USD"
	}

	var id int64
	err := tx.QueryRow(`
		INSERT INTO transactions (user_id, type, status, description, amount_cents, points_amount, currency, reference_id, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		RETURNING id`,
		t.UserID, t.Type, t.Status, t.Description, t.AmountCents, t.PointsAmount,
		t.Currency, t.ReferenceID, t.Metadata).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert transaction: %w", err)
	}
	return id, nil
}
