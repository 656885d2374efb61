package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

type TransactionType string

const (
	TxEarning         TransactionType = "earning"
	TxPointWithdrawal TransactionType = "point_withdrawal"
	TxDeposit         TransactionType = "deposit"
	TxReferralBonus   TransactionType = "referral_bonus"
	TxCodeRedemption  TransactionType = "code_redemption"
	TxAdminAdjustment TransactionType = "admin_adjustment"
)

type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
)

// Transaction is the append-only ledger row backing every balance change.
// Only Status and UpdatedAt are ever mutated after insert (withdrawal
// resolution); everything else is immutable.
type Transaction struct {
	ID           int64             `json:"id" db:"id"`
	UserID       int64             `json:"user_id" db:"user_id"`
	Type         TransactionType   `json:"type" db:"type"`
	Status       TransactionStatus `json:"status" db:"status"`
	Description  string            `json:"description" db:"description"`
	AmountCents  int64             `json:"amount_cents" db:"amount_cents"`
	PointsAmount int64             `json:"points_amount" db:"points_amount"`
	Currency     string            `json:"currency" db:"currency"`
	ReferenceID  string            `json:"reference_id,omitempty" db:"reference_id"`
	Metadata     Metadata          `json:"metadata,omitempty" db:"metadata"`
	CreatedAt    time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at" db:"updated_at"`
}

// Metadata type for JSONB fields
type Metadata map[string]any

// Value implements driver.Valuer for Metadata
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for Metadata
func (m *Metadata) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}

	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(b, m)
}
