package models

import "time"

// RewardCode is a one-time redeemable code: 5 uppercase letters followed
// by 3 digits. Once is_used flips to true the code is terminal.
type RewardCode struct {
	ID         int64      `json:"id" db:"id"`
	Code       string     `json:"code" db:"code"`
	PointValue int64      `json:"point_value" db:"point_value"`
	IsUsed     bool       `json:"is_used" db:"is_used"`
	UsedBy     *int64     `json:"used_by" db:"used_by"`
	UsedAt     *time.Time `json:"used_at" db:"used_at"`
	BatchID    string     `json:"batch_id" db:"batch_id"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}
