package services

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/figpoint/backend/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestAdminService_AdjustPoints(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewAdminService(db, NewLedgerService(db))

	t.Run("positive adjustment credits", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE users").
			WithArgs(int64(50), int64(500), int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO transactions").
			WithArgs(int64(7), models.TxAdminAdjustment, models.TxCompleted,
				"Admin adjustment: promo correction", int64(500), int64(50), "USD", "99", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(801))
		mock.ExpectCommit()

		txID, err := service.AdjustPoints(99, 7, 50, "promo correction")
		assert.NoError(t, err)
		assert.Equal(t, int64(801), txID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("negative adjustment is conditional on balance", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE users").
			WithArgs(int64(30), int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO transactions").
			WithArgs(int64(7), models.TxAdminAdjustment, models.TxCompleted,
				"Admin adjustment: duplicate credit", int64(-300), int64(-30), "USD", "99", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(802))
		mock.ExpectCommit()

		txID, err := service.AdjustPoints(99, 7, -30, "duplicate credit")
		assert.NoError(t, err)
		assert.Equal(t, int64(802), txID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("negative adjustment exceeding balance", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE users").
			WithArgs(int64(9999), int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs(int64(7)).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectRollback()

		_, err := service.AdjustPoints(99, 7, -9999, "too much")
		assert.ErrorIs(t, err, models.ErrInsufficientBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown user", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE users").
			WithArgs(int64(10), int64(404)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs(int64(404)).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectRollback()

		_, err := service.AdjustPoints(99, 404, -10, "missing user")
		assert.ErrorIs(t, err, models.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("zero adjustment rejected", func(t *testing.T) {
		_, err := service.AdjustPoints(99, 7, 0, "noop")
		assert.ErrorIs(t, err, models.ErrInvalidInput)
	})
}
