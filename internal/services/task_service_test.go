package services

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/figpoint/backend/internal/models"
	"github.com/stretchr/testify/assert"
)

func taskRow(id int64, title string, points, cents int64, requiresCheck, active bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "title", "description", "category", "time_required",
		"points_reward", "reward_cents", "requires_admin_verification", "is_active", "created_at", "updated_at"}).
		AddRow(id, title, "desc", "social", 5, points, cents, requiresCheck, active, time.Now(), time.Now())
}

func TestTaskService_StartTask(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewTaskService(db, NewLedgerService(db))

	t.Run("starts an available task", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM tasks").
			WithArgs(int64(3)).
			WillReturnRows(taskRow(3, "Survey", 20, 200, false, true))

		mock.ExpectQuery("SELECT status FROM user_tasks").
			WithArgs(int64(7), int64(3)).
			WillReturnRows(sqlmock.NewRows([]string{"status"}))

		mock.ExpectQuery("INSERT INTO user_tasks").
			WithArgs(int64(7), int64(3), models.TaskInProgress).
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "task_id", "status", "created_at", "updated_at"}).
				AddRow(41, 7, 3, models.TaskInProgress, time.Now(), time.Now()))

		ut, err := service.StartTask(7, 3)
		assert.NoError(t, err)
		assert.Equal(t, models.TaskInProgress, ut.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("completed task cannot be restarted", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM tasks").
			WithArgs(int64(3)).
			WillReturnRows(taskRow(3, "Survey", 20, 200, false, true))

		mock.ExpectQuery("SELECT status FROM user_tasks").
			WithArgs(int64(7), int64(3)).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(models.TaskCompleted))

		_, err := service.StartTask(7, 3)
		assert.ErrorIs(t, err, models.ErrTaskAlreadyComplete)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("in-flight task cannot be started twice", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM tasks").
			WithArgs(int64(3)).
			WillReturnRows(taskRow(3, "Survey", 20, 200, false, true))

		mock.ExpectQuery("SELECT status FROM user_tasks").
			WithArgs(int64(7), int64(3)).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(models.TaskInProgress))

		_, err := service.StartTask(7, 3)
		assert.ErrorIs(t, err, models.ErrStateConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("inactive task", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM tasks").
			WithArgs(int64(4)).
			WillReturnRows(taskRow(4, "Old promo", 20, 200, false, false))

		_, err := service.StartTask(7, 4)
		assert.ErrorIs(t, err, models.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTaskService_CompleteTask(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewTaskService(db, NewLedgerService(db))

	t.Run("auto-rewarded task pays immediately", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM tasks").
			WithArgs(int64(3)).
			WillReturnRows(taskRow(3, "Survey", 20, 200, false, true))

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id FROM user_tasks").
			WithArgs(int64(7), int64(3), models.TaskInProgress).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(41))

		mock.ExpectExec("UPDATE user_tasks").
			WithArgs(models.TaskCompleted, int64(41)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("UPDATE users").
			WithArgs(int64(20), int64(200), int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO transactions").
			WithArgs(int64(7), models.TxEarning, models.TxCompleted, "Completed task: Survey",
				int64(200), int64(20), "USD", "3", nil).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(601))

		mock.ExpectQuery("SELECT points_balance FROM users").
			WithArgs(int64(7)).
			WillReturnRows(sqlmock.NewRows([]string{"points_balance"}).AddRow(220))

		mock.ExpectCommit()

		result, err := service.CompleteTask(7, 3, "")
		assert.NoError(t, err)
		assert.Equal(t, models.TaskCompleted, result.Status)
		assert.Equal(t, int64(20), result.PointsEarned)
		assert.Equal(t, int64(220), result.NewBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("proof-gated task goes to review without reward", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM tasks").
			WithArgs(int64(5)).
			WillReturnRows(taskRow(5, "App review", 100, 1000, true, true))

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id FROM user_tasks").
			WithArgs(int64(7), int64(5), models.TaskInProgress).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

		mock.ExpectExec("UPDATE user_tasks").
			WithArgs(models.TaskPendingReview, "https://example.com/screenshot.png", int64(42)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectQuery("SELECT points_balance FROM users").
			WithArgs(int64(7)).
			WillReturnRows(sqlmock.NewRows([]string{"points_balance"}).AddRow(220))

		mock.ExpectCommit()

		result, err := service.CompleteTask(7, 5, "https://example.com/screenshot.png")
		assert.NoError(t, err)
		assert.Equal(t, models.TaskPendingReview, result.Status)
		assert.Zero(t, result.PointsEarned)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("proof-gated task requires proof", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM tasks").
			WithArgs(int64(5)).
			WillReturnRows(taskRow(5, "App review", 100, 1000, true, true))

		_, err := service.CompleteTask(7, 5, "")
		assert.ErrorIs(t, err, models.ErrInvalidInput)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("completed task cannot be completed again", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM tasks").
			WithArgs(int64(3)).
			WillReturnRows(taskRow(3, "Survey", 20, 200, false, true))

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id FROM user_tasks").
			WithArgs(int64(7), int64(3), models.TaskInProgress).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		mock.ExpectQuery("SELECT EXISTS").
			WithArgs(int64(7), int64(3), models.TaskCompleted).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		mock.ExpectRollback()

		_, err := service.CompleteTask(7, 3, "")
		assert.ErrorIs(t, err, models.ErrTaskAlreadyComplete)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTaskService_ResolveReview(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewTaskService(db, NewLedgerService(db))

	t.Run("approval credits the reward once", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT user_id, task_id, status FROM user_tasks").
			WithArgs(int64(42)).
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "task_id", "status"}).
				AddRow(7, 5, models.TaskPendingReview))

		mock.ExpectQuery("SELECT (.+) FROM tasks").
			WithArgs(int64(5)).
			WillReturnRows(taskRow(5, "App review", 100, 1000, true, true))

		mock.ExpectExec("UPDATE user_tasks").
			WithArgs(models.TaskCompleted, int64(99), int64(42)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("UPDATE users").
			WithArgs(int64(100), int64(1000), int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO transactions").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(602))

		mock.ExpectCommit()

		status, err := service.ResolveReview(99, 42, true, "")
		assert.NoError(t, err)
		assert.Equal(t, models.TaskCompleted, status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejection records the reason and pays nothing", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT user_id, task_id, status FROM user_tasks").
			WithArgs(int64(43)).
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "task_id", "status"}).
				AddRow(7, 5, models.TaskPendingReview))

		mock.ExpectExec("UPDATE user_tasks").
			WithArgs(models.TaskRejected, "blurred screenshot", int64(99), int64(43)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectCommit()

		status, err := service.ResolveReview(99, 43, false, "blurred screenshot")
		assert.NoError(t, err)
		assert.Equal(t, models.TaskRejected, status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already resolved submission", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT user_id, task_id, status FROM user_tasks").
			WithArgs(int64(42)).
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "task_id", "status"}).
				AddRow(7, 5, models.TaskCompleted))
		mock.ExpectRollback()

		_, err := service.ResolveReview(99, 42, true, "")
		assert.ErrorIs(t, err, models.ErrStateConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
