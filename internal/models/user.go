package models

import "time"

type Role string

const (
	RoleUser    Role = "user"
	RolePartner Role = "partner"
	RoleAdmin   Role = "admin"
)

// User is the account entity shared by every engine. Points are whole
// points, currency fields are integer cents.
type User struct {
	ID                   int64      `json:"id" db:"id"`
	FullName             string     `json:"full_name" db:"full_name"`
	Email                string     `json:"email" db:"email"`
	Role                 Role       `json:"role" db:"role"`
	Phone                string     `json:"phone" db:"phone"`
	BankName             string     `json:"bank_name" db:"bank_name"`
	AccountName          string     `json:"account_name" db:"account_name"`
	AccountNumber        string     `json:"account_number" db:"account_number"`
	ReferralCode         string     `json:"referral_code" db:"referral_code"`
	ReferredBy           *int64     `json:"referred_by" db:"referred_by"`
	PointsBalance        int64      `json:"points_balance" db:"points_balance"`
	TotalPointsEarned    int64      `json:"total_points_earned" db:"total_points_earned"`
	TotalPointsWithdrawn int64      `json:"total_points_withdrawn" db:"total_points_withdrawn"`
	TotalEarningsCents   int64      `json:"total_earnings_cents" db:"total_earnings_cents"`
	TotalWithdrawnCents  int64      `json:"total_withdrawn_cents" db:"total_withdrawn_cents"`
	IsSuspended          bool       `json:"is_suspended" db:"is_suspended"`
	IsApproved           bool       `json:"is_approved" db:"is_approved"`
	IsVerified           bool       `json:"is_verified" db:"is_verified"`
	LastLogin            *time.Time `json:"last_login" db:"last_login"`
	CreatedAt            time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at" db:"updated_at"`
}

// Capability predicates. Every privileged operation goes through one of
// these instead of re-deriving role checks at the call site.

func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

func (u *User) IsApprovedPartner() bool {
	return u.Role == RolePartner && u.IsApproved
}

// CanEarn reports whether the account may redeem codes, work tasks and
// collect referral bonuses. Partners are administrative accounts and are
// excluded from regular earning activity.
func (u *User) CanEarn() bool {
	return !u.IsSuspended && u.Role != RolePartner
}

func (u *User) CanManageCodes() bool {
	return u.IsAdmin() || u.IsApprovedPartner()
}

func (u *User) CanApproveWithdrawals() bool {
	return u.IsAdmin()
}
