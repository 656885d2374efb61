package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/figpoint/backend/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/lib/pq"
)

// TaskService manages the task catalog and the per-user completion
// lifecycle, including the admin review queue for proof-gated tasks.
type TaskService struct {
	db        *sql.DB
	ledger    *LedgerService
	validator *ValidationHelper
}

func NewTaskService(db *sql.DB, ledger *LedgerService) *TaskService {
	return &TaskService{
		db:        db,
		ledger:    ledger,
		validator: NewValidationHelper(),
	}
}

type CreateTaskRequest struct {
	Title              string `json:"title" validate:"required,min=3,max=200"`
	Description        string `json:"description" validate:"required"`
	Category           string `json:"category"`
	TimeRequired       int    `json:"time_required" validate:"gte=0"`
	PointsReward       int64  `json:"points_reward" validate:"required,gt=0"`
	RewardCents        int64  `json:"reward_cents" validate:"gte=0"`
	RequiresAdminCheck bool   `json:"requires_admin_verification"`
	IsActive           *bool  `json:"is_active"`
}

const taskColumns = `id, title, description, COALESCE(category, ''), time_required, points_reward, reward_cents, requires_admin_verification, is_active, created_at, updated_at`

func scanTask(scanner interface{ Scan(...any) error }) (*models.Task, error) {
	var t models.Task
	err := scanner.Scan(&t.ID, &t.Title, &t.Description, &t.Category, &t.TimeRequired,
		&t.PointsReward, &t.RewardCents, &t.RequiresAdminCheck, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *TaskService) loadTask(taskID int64) (*models.Task, error) {
	task, err := scanTask(s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: task not found", models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// StartTask records that a user has picked up a task. A task can only
// be in flight once per user; finished-and-rejected tasks may be
// restarted.
func (s *TaskService) StartTask(userID, taskID int64) (*models.UserTask, error) {
	task, err := s.loadTask(taskID)
	if err != nil {
		return nil, err
	}
	if !task.IsActive {
		return nil, fmt.Errorf("%w: task is not active", models.ErrNotFound)
	}

	var existing string
	err = s.db.QueryRow(`
		SELECT status FROM user_tasks
		WHERE user_id = $1 AND task_id = $2
		ORDER BY id DESC LIMIT 1`,
		userID, taskID).Scan(&existing)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	if err == nil {
		switch existing {
		case models.TaskCompleted:
			return nil, models.ErrTaskAlreadyComplete
		case models.TaskInProgress, models.TaskPendingReview:
			return nil, fmt.Errorf("%w: task already started", models.ErrStateConflict)
		}
	}

	var ut models.UserTask
	err = s.db.QueryRow(`
		INSERT INTO user_tasks (user_id, task_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		RETURNING id, user_id, task_id, status, created_at, updated_at`,
		userID, taskID, models.TaskInProgress).Scan(
		&ut.ID, &ut.UserID, &ut.TaskID, &ut.Status, &ut.CreatedAt, &ut.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &ut, nil
}

type CompleteResult struct {
	Status       string `json:"status"`
	PointsEarned int64  `json:"points_earned"`
	NewBalance   int64  `json:"new_balance"`
}

// CompleteTask finishes an in-progress task. Proof-gated tasks go to
// the review queue; everything else is rewarded immediately, at most
// once per user per task.
func (s *TaskService) CompleteTask(userID, taskID int64, proof string) (*CompleteResult, error) {
	task, err := s.loadTask(taskID)
	if err != nil {
		return nil, err
	}
	if task.RequiresAdminCheck && proof == "" {
		return nil, fmt.Errorf("%w: proof is required for this task", models.ErrInvalidInput)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var userTaskID int64
	err = tx.QueryRow(`
		SELECT id FROM user_tasks
		WHERE user_id = $1 AND task_id = $2 AND status = $3
		ORDER BY id DESC LIMIT 1
		FOR UPDATE`,
		userID, taskID, models.TaskInProgress).Scan(&userTaskID)
	if err == sql.ErrNoRows {
		var done bool
		if lookupErr := tx.QueryRow(`
			SELECT EXISTS (SELECT 1 FROM user_tasks WHERE user_id = $1 AND task_id = $2 AND status = $3)`,
			userID, taskID, models.TaskCompleted).Scan(&done); lookupErr != nil {
			return nil, lookupErr
		}
		if done {
			return nil, models.ErrTaskAlreadyComplete
		}
		return nil, fmt.Errorf("%w: task has not been started", models.ErrStateConflict)
	}
	if err != nil {
		return nil, err
	}

	result := &CompleteResult{}

	if task.RequiresAdminCheck {
		if _, err := tx.Exec(`
			UPDATE user_tasks SET status = $1, proof = $2, updated_at = NOW()
			WHERE id = $3`,
			models.TaskPendingReview, proof, userTaskID); err != nil {
			return nil, err
		}
		result.Status = models.TaskPendingReview
	} else {
		if _, err := tx.Exec(`
			UPDATE user_tasks SET status = $1, completed_at = NOW(), updated_at = NOW()
			WHERE id = $2`,
			models.TaskCompleted, userTaskID); err != nil {
			return nil, err
		}
		if _, err := s.ledger.CreditPointsTx(tx, userID, task.PointsReward, task.RewardCents,
			models.TxEarning, fmt.Sprintf("Completed task: %s", task.Title),
			strconv.FormatInt(task.ID, 10), nil); err != nil {
			return nil, err
		}
		result.Status = models.TaskCompleted
		result.PointsEarned = task.PointsReward
	}

	if err := tx.QueryRow(`SELECT points_balance FROM users WHERE id = $1`, userID).Scan(&result.NewBalance); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

// ResolveReview approves or rejects a pending-review submission. The
// reward for an approved submission is credited in the same transaction
// that flips the status, so a submission can never pay twice.
func (s *TaskService) ResolveReview(adminID, userTaskID int64, approve bool, reason string) (string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var userID, taskID int64
	var status string
	err = tx.QueryRow(`
		SELECT user_id, task_id, status FROM user_tasks WHERE id = $1 FOR UPDATE`,
		userTaskID).Scan(&userID, &taskID, &status)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: submission not found", models.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	if status != models.TaskPendingReview {
		return "", fmt.Errorf("%w: submission is not pending review", models.ErrStateConflict)
	}

	if approve {
		task, err := scanTask(tx.QueryRow(`SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`, taskID))
		if err != nil {
			return "", err
		}
		if _, err := tx.Exec(`
			UPDATE user_tasks SET status = $1, completed_at = NOW(), reviewed_by = $2, updated_at = NOW()
			WHERE id = $3`,
			models.TaskCompleted, adminID, userTaskID); err != nil {
			return "", err
		}
		if _, err := s.ledger.CreditPointsTx(tx, userID, task.PointsReward, task.RewardCents,
			models.TxEarning, fmt.Sprintf("Completed task: %s", task.Title),
			strconv.FormatInt(task.ID, 10), nil); err != nil {
			return "", err
		}
		status = models.TaskCompleted
	} else {
		if _, err := tx.Exec(`
			UPDATE user_tasks SET status = $1, reject_reason = $2, reviewed_by = $3, updated_at = NOW()
			WHERE id = $4`,
			models.TaskRejected, reason, adminID, userTaskID); err != nil {
			return "", err
		}
		status = models.TaskRejected
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}

	log.Printf("[TASKS] Admin %d resolved submission %d as %s", adminID, userTaskID, status)
	return status, nil
}

// HTTP handlers

// List handles GET /tasks: active tasks with the caller's status on each.
func (s *TaskService) List(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(s.db, r)
	if err != nil {
		SendEngineError(w, err)
		return
	}

	rows, err := s.db.Query(`
		SELECT t.id, t.title, t.description, COALESCE(t.category, ''), t.time_required,
		       t.points_reward, t.reward_cents, t.requires_admin_verification,
		       t.is_active, t.created_at, t.updated_at, COALESCE(ut.status, '')
		FROM tasks t
		LEFT JOIN LATERAL (
			SELECT status FROM user_tasks
			WHERE user_id = $1 AND task_id = t.id
			ORDER BY id DESC LIMIT 1
		) ut ON TRUE
		WHERE t.is_active = TRUE
		ORDER BY t.created_at DESC`,
		user.ID)
	if err != nil {
		SendEngineError(w, err)
		return
	}
	defer rows.Close()

	type taskWithStatus struct {
		models.Task
		UserStatus string `json:"user_status"`
	}

	tasks := []taskWithStatus{}
	for rows.Next() {
		var t taskWithStatus
		if err := rows.Scan(&t.ID, &t.Title, &t.Description, &t.Category, &t.TimeRequired,
			&t.PointsReward, &t.RewardCents, &t.RequiresAdminCheck, &t.IsActive,
			&t.CreatedAt, &t.UpdatedAt, &t.UserStatus); err != nil {
			SendEngineError(w, err)
			return
		}
		if t.UserStatus == "" {
			t.UserStatus = models.TaskAvailable
		}
		tasks = append(tasks, t)
	}

	SendJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// Start handles POST /tasks/{id}/start.
func (s *TaskService) Start(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(s.db, r)
	if err != nil {
		SendEngineError(w, err)
		return
	}
	if !user.CanEarn() {
		SendEngineError(w, fmt.Errorf("%w: partners cannot complete tasks", models.ErrPermissionDenied))
		return
	}

	taskID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid task id", http.StatusBadRequest, nil)
		return
	}

	ut, err := s.StartTask(user.ID, taskID)
	if err != nil {
		SendEngineError(w, err)
		return
	}

	SendJSON(w, http.StatusCreated, map[string]any{
		"message": "Task started",
		"task":    ut,
	})
}

// Complete handles POST /tasks/{id}/complete.
func (s *TaskService) Complete(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(s.db, r)
	if err != nil {
		SendEngineError(w, err)
		return
	}
	if !user.CanEarn() {
		SendEngineError(w, fmt.Errorf("%w: partners cannot complete tasks", models.ErrPermissionDenied))
		return
	}

	taskID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid task id", http.StatusBadRequest, nil)
		return
	}

	var req struct {
		Proof string `json:"proof"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	result, err := s.CompleteTask(user.ID, taskID, req.Proof)
	if err != nil {
		SendEngineError(w, err)
		return
	}

	resp := map[string]any{
		"status":      result.Status,
		"new_balance": result.NewBalance,
	}
	if result.Status == models.TaskPendingReview {
		resp["message"] = "Task submitted for review"
	} else {
		resp["message"] = fmt.Sprintf("Task completed, %d points earned", result.PointsEarned)
		resp["points_earned"] = result.PointsEarned
	}
	SendJSON(w, http.StatusOK, resp)
}

// MyTasks handles GET /tasks/mine: the caller's task history.
func (s *TaskService) MyTasks(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(s.db, r)
	if err != nil {
		SendEngineError(w, err)
		return
	}

	rows, err := s.db.Query(`
		SELECT ut.id, ut.task_id, t.title, t.points_reward, ut.status,
		       COALESCE(ut.proof, ''), COALESCE(ut.reject_reason, ''),
		       ut.completed_at, ut.created_at
		FROM user_tasks ut
		JOIN tasks t ON t.id = ut.task_id
		WHERE ut.user_id = $1
		ORDER BY ut.created_at DESC`,
		user.ID)
	if err != nil {
		SendEngineError(w, err)
		return
	}
	defer rows.Close()

	type taskEntry struct {
		ID           int64      `json:"id"`
		TaskID       int64      `json:"task_id"`
		Title        string     `json:"title"`
		PointsReward int64      `json:"points_reward"`
		Status       string     `json:"status"`
		Proof        string     `json:"proof,omitempty"`
		RejectReason string     `json:"reject_reason,omitempty"`
		CompletedAt  *time.Time `json:"completed_at"`
		CreatedAt    time.Time  `json:"created_at"`
	}

	entries := []taskEntry{}
	for rows.Next() {
		var e taskEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Title, &e.PointsReward, &e.Status,
			&e.Proof, &e.RejectReason, &e.CompletedAt, &e.CreatedAt); err != nil {
			SendEngineError(w, err)
			return
		}
		entries = append(entries, e)
	}

	SendJSON(w, http.StatusOK, map[string]any{"tasks": entries})
}

// Admin handlers

// CreateTask handles POST /admin/tasks.
func (s *TaskService) CreateTask(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(s.db, r)
	if err != nil {
		SendEngineError(w, err)
		return
	}
	if !user.IsAdmin() {
		SendEngineError(w, models.ErrPermissionDenied)
		return
	}

	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	task, err := scanTask(s.db.QueryRow(`
		INSERT INTO tasks (title, description, category, time_required, points_reward, reward_cents, requires_admin_verification, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		RETURNING `+taskColumns,
		req.Title, req.Description, req.Category, req.TimeRequired,
		NormalizeReward(req.PointsReward), req.RewardCents, req.RequiresAdminCheck, active))
	if err != nil {
		SendEngineError(w, err)
		return
	}

	SendJSON(w, http.StatusCreated, map[string]any{"message": "Task created", "task": task})
}

// UpdateTask handles PUT /admin/tasks/{id}.
func (s *TaskService) UpdateTask(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(s.db, r)
	if err != nil {
		SendEngineError(w, err)
		return
	}
	if !user.IsAdmin() {
		SendEngineError(w, models.ErrPermissionDenied)
		return
	}

	taskID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid task id", http.StatusBadRequest, nil)
		return
	}

	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	task, err := scanTask(s.db.QueryRow(`
		UPDATE tasks
		SET title = $1, description = $2, category = $3, time_required = $4,
		    points_reward = $5, reward_cents = $6, requires_admin_verification = $7,
		    is_active = $8, updated_at = NOW()
		WHERE id = $9
		RETURNING `+taskColumns,
		req.Title, req.Description, req.Category, req.TimeRequired,
		NormalizeReward(req.PointsReward), req.RewardCents, req.RequiresAdminCheck, active, taskID))
	if err == sql.ErrNoRows {
		SendEngineError(w, fmt.Errorf("%w: task not found", models.ErrNotFound))
		return
	}
	if err != nil {
		SendEngineError(w, err)
		return
	}

	SendJSON(w, http.StatusOK, map[string]any{"message": "Task updated", "task": task})
}

// PendingReviews handles GET /admin/tasks/pending.
func (s *TaskService) PendingReviews(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(s.db, r)
	if err != nil {
		SendEngineError(w, err)
		return
	}
	if !user.IsAdmin() {
		SendEngineError(w, models.ErrPermissionDenied)
		return
	}

	s.listSubmissions(w, r, []string{models.TaskPendingReview})
}

// ReviewHistory handles GET /admin/tasks/reviewed.
func (s *TaskService) ReviewHistory(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(s.db, r)
	if err != nil {
		SendEngineError(w, err)
		return
	}
	if !user.IsAdmin() {
		SendEngineError(w, models.ErrPermissionDenied)
		return
	}

	s.listSubmissions(w, r, []string{models.TaskCompleted, models.TaskRejected})
}

func (s *TaskService) listSubmissions(w http.ResponseWriter, r *http.Request, statuses []string) {
	page, perPage := parsePagination(r)

	rows, err := s.db.Query(`
		SELECT ut.id, ut.user_id, u.full_name, ut.task_id, t.title, t.points_reward,
		       ut.status, COALESCE(ut.proof, ''), COALESCE(ut.reject_reason, ''), ut.updated_at
		FROM user_tasks ut
		JOIN users u ON u.id = ut.user_id
		JOIN tasks t ON t.id = ut.task_id
		WHERE ut.status = ANY($1)
		ORDER BY ut.updated_at DESC
		LIMIT $2 OFFSET $3`,
		pq.Array(statuses), perPage, (page-1)*perPage)
	if err != nil {
		SendEngineError(w, err)
		return
	}
	defer rows.Close()

	type submission struct {
		ID           int64     `json:"id"`
		UserID       int64     `json:"user_id"`
		FullName     string    `json:"full_name"`
		TaskID       int64     `json:"task_id"`
		Title        string    `json:"title"`
		PointsReward int64     `json:"points_reward"`
		Status       string    `json:"status"`
		Proof        string    `json:"proof,omitempty"`
		RejectReason string    `json:"reject_reason,omitempty"`
		UpdatedAt    time.Time `json:"updated_at"`
	}

	submissions := []submission{}
	for rows.Next() {
		var sub submission
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.FullName, &sub.TaskID, &sub.Title,
			&sub.PointsReward, &sub.Status, &sub.Proof, &sub.RejectReason, &sub.UpdatedAt); err != nil {
			SendEngineError(w, err)
			return
		}
		submissions = append(submissions, sub)
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"submissions":  submissions,
		"count":        len(submissions),
		"current_page": page,
	})
}

// Review handles POST /admin/tasks/review/{id}.
func (s *TaskService) Review(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(s.db, r)
	if err != nil {
		SendEngineError(w, err)
		return
	}
	if !user.IsAdmin() {
		SendEngineError(w, models.ErrPermissionDenied)
		return
	}

	userTaskID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid submission id", http.StatusBadRequest, nil)
		return
	}

	var req struct {
		Approve bool   `json:"approve"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if !req.Approve && req.Reason == "" {
		SendErrorResponse(w, "A reason is required when rejecting", http.StatusBadRequest, nil)
		return
	}

	status, err := s.ResolveReview(user.ID, userTaskID, req.Approve, req.Reason)
	if err != nil {
		SendEngineError(w, err)
		return
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("Submission %s", status),
		"status":  status,
	})
}
