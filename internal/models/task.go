package models

import "time"

type Task struct {
	ID                 int64     `json:"id" db:"id"`
	Title              string    `json:"title" db:"title"`
	Description        string    `json:"description" db:"description"`
	RewardCents        int64     `json:"reward_cents" db:"reward_cents"`
	PointsReward       int64     `json:"points_reward" db:"points_reward"`
	Category           string    `json:"category" db:"category"`
	TimeRequired       int       `json:"time_required" db:"time_required"`
	IsActive           bool      `json:"is_active" db:"is_active"`
	RequiresAdminCheck bool      `json:"requires_admin_verification" db:"requires_admin_verification"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

// UserTask status values. completed is terminal; rejected may be
// restarted back to in_progress.
const (
	TaskAvailable     = "available"
	TaskInProgress    = "in_progress"
	TaskPendingReview = "pending_review"
	TaskCompleted     = "completed"
	TaskRejected      = "rejected"
)

type UserTask struct {
	ID           int64      `json:"id" db:"id"`
	UserID       int64      `json:"user_id" db:"user_id"`
	TaskID       int64      `json:"task_id" db:"task_id"`
	Status       string     `json:"status" db:"status"`
	Proof        string     `json:"proof,omitempty" db:"proof"`
	RejectReason string     `json:"reject_reason,omitempty" db:"reject_reason"`
	CompletedAt  *time.Time `json:"completed_at" db:"completed_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}
