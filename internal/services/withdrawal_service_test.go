package services

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/figpoint/backend/internal/models"
	"github.com/stretchr/testify/assert"
)

func newWithdrawalFixture(t *testing.T) (*WithdrawalService, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	// The notifier runs after commit on its own connection; its queries
	// must not consume expectations from the service mock.
	notifDB, _, err := sqlmock.New()
	assert.NoError(t, err)

	ledger := NewLedgerService(db)
	service := NewWithdrawalService(db, ledger, NewPayoutService(NewAuditLogger()), NewNotifier(notifDB))

	return service, mock, func() {
		db.Close()
		notifDB.Close()
	}
}

func bankUser() *models.User {
	return &models.User{
		ID:                7,
		FullName:          "Ada Obi",
		Email:             "ada@example.com",
		Role:              models.RoleUser,
		BankName:          "044",
		AccountName:       "Ada Obi",
		AccountNumber:     "0123456789",
		PointsBalance:     1000,
		TotalPointsEarned: 1200,
	}
}

func TestWithdrawalService_RequestWithdrawal(t *testing.T) {
	service, mock, cleanup := newWithdrawalFixture(t)
	defer cleanup()

	t.Run("successful bank request", func(t *testing.T) {
		user := bankUser()

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE users").
			WithArgs(int64(200), int64(2000), user.ID).
			WillReturnResult(sqlmock.NewResult(0, 1))
		// The pending ledger row is signed
		mock.ExpectQuery("INSERT INTO transactions").
			WithArgs(user.ID, models.TxPointWithdrawal, models.TxPending,
				"Withdrawal of 200 points via bank", int64(-2000), int64(-200), "USD",
				sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(501))
		mock.ExpectCommit()

		wd, err := service.RequestWithdrawal(user, &WithdrawalRequest{Points: 200, Method: MethodBank})
		assert.NoError(t, err)
		assert.Equal(t, int64(501), wd.ID)
		assert.Equal(t, models.TxPending, wd.Status)
		assert.Equal(t, int64(-200), wd.PointsAmount)
		assert.Equal(t, int64(-2000), wd.AmountCents)
		assert.Equal(t, "bank", wd.Metadata["method"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("request bank details are saved to the profile", func(t *testing.T) {
		user := bankUser()
		user.BankName, user.AccountName, user.AccountNumber = "", "", ""

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE users SET bank_name").
			WithArgs("058", "Ada Obi", "9876543210", user.ID).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE users").
			WithArgs(int64(100), int64(1000), user.ID).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO transactions").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(503))
		mock.ExpectCommit()

		wd, err := service.RequestWithdrawal(user, &WithdrawalRequest{
			Points:        100,
			Method:        MethodBank,
			BankName:      "058",
			AccountName:   "Ada Obi",
			AccountNumber: "9876543210",
		})
		assert.NoError(t, err)
		assert.Equal(t, "058", wd.Metadata["bank_name"])
		assert.Equal(t, "9876543210", wd.Metadata["account_number"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient balance", func(t *testing.T) {
		user := bankUser()

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE users").
			WithArgs(int64(5000), int64(50000), user.ID).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		_, err := service.RequestWithdrawal(user, &WithdrawalRequest{Points: 5000, Method: MethodBank})
		assert.ErrorIs(t, err, models.ErrInsufficientBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("tier gate uses the current balance", func(t *testing.T) {
		user := bankUser()
		user.PointsBalance = 20
		user.TotalPointsEarned = 5000 // lifetime earnings do not count

		_, err := service.RequestWithdrawal(user, &WithdrawalRequest{Points: 10, Method: MethodBank})
		assert.ErrorIs(t, err, models.ErrTierIneligible)
	})

	t.Run("bank details required", func(t *testing.T) {
		user := bankUser()
		user.AccountNumber = ""

		_, err := service.RequestWithdrawal(user, &WithdrawalRequest{Points: 100, Method: MethodBank})
		assert.ErrorIs(t, err, models.ErrInvalidInput)
	})

	t.Run("gift card needs a type", func(t *testing.T) {
		user := bankUser()

		_, err := service.RequestWithdrawal(user, &WithdrawalRequest{Points: 100, Method: MethodGiftCard})
		assert.ErrorIs(t, err, models.ErrInvalidInput)
	})
}

func lockColumns() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "user_id", "type", "status", "points_amount",
		"amount_cents", "currency", "description", "reference_id", "metadata"})
}

func TestWithdrawalService_ApproveWithdrawal(t *testing.T) {
	service, mock, cleanup := newWithdrawalFixture(t)
	defer cleanup()

	t.Run("pending becomes completed without touching the balance", func(t *testing.T) {
		meta := []byte(`{"method":"bank","bank_name":"044","account_name":"Ada Obi","account_number":"0123456789"}`)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM transactions").
			WithArgs(int64(501), models.TxPointWithdrawal).
			WillReturnRows(lockColumns().
				AddRow(501, 7, models.TxPointWithdrawal, models.TxPending, -200, -2000, "USD", "", "ref-1", meta))
		mock.ExpectExec("UPDATE transactions").
			WithArgs(models.TxCompleted, int64(99), int64(501)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		wd, err := service.ApproveWithdrawal(99, 501)
		assert.NoError(t, err)
		assert.Equal(t, models.TxCompleted, wd.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already completed", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM transactions").
			WithArgs(int64(501), models.TxPointWithdrawal).
			WillReturnRows(lockColumns().
				AddRow(501, 7, models.TxPointWithdrawal, models.TxCompleted, -200, -2000, "USD", "", "ref-1", nil))
		mock.ExpectRollback()

		_, err := service.ApproveWithdrawal(99, 501)
		assert.ErrorIs(t, err, models.ErrStateConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM transactions").
			WithArgs(int64(888), models.TxPointWithdrawal).
			WillReturnRows(lockColumns())
		mock.ExpectRollback()

		_, err := service.ApproveWithdrawal(99, 888)
		assert.ErrorIs(t, err, models.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestWithdrawalService_RejectWithdrawal(t *testing.T) {
	service, mock, cleanup := newWithdrawalFixture(t)
	defer cleanup()

	t.Run("rejection refunds in the same transaction", func(t *testing.T) {
		meta := []byte(`{"method":"gift_card","gift_card_type":"amazon"}`)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM transactions").
			WithArgs(int64(502), models.TxPointWithdrawal).
			WillReturnRows(lockColumns().
				AddRow(502, 7, models.TxPointWithdrawal, models.TxPending, -150, -1500, "USD", "", "ref-2", meta))

		// Refund consumes the signed row values
		mock.ExpectExec("UPDATE users").
			WithArgs(int64(-150), int64(-1500), int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("UPDATE transactions").
			WithArgs(models.TxFailed, int64(99), sqlmock.AnyArg(), int64(502)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		wd, err := service.RejectWithdrawal(99, 502, "unverified account")
		assert.NoError(t, err)
		assert.Equal(t, models.TxFailed, wd.Status)
		assert.Equal(t, "unverified account", wd.Metadata["reject_reason"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already failed cannot be rejected again", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM transactions").
			WithArgs(int64(502), models.TxPointWithdrawal).
			WillReturnRows(lockColumns().
				AddRow(502, 7, models.TxPointWithdrawal, models.TxFailed, -150, -1500, "USD", "", "ref-2", nil))
		mock.ExpectRollback()

		_, err := service.RejectWithdrawal(99, 502, "again")
		assert.ErrorIs(t, err, models.ErrStateConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

// A request followed by a rejection must move the balance and both
// withdrawn counters by exactly mirrored amounts.
func TestWithdrawalService_RequestThenRejectRoundTrip(t *testing.T) {
	service, mock, cleanup := newWithdrawalFixture(t)
	defer cleanup()

	user := bankUser()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE users").
		WithArgs(int64(150), int64(1500), user.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO transactions").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(601))
	mock.ExpectCommit()

	wd, err := service.RequestWithdrawal(user, &WithdrawalRequest{Points: 150, Method: MethodBank})
	assert.NoError(t, err)
	assert.Equal(t, int64(-150), wd.PointsAmount)
	assert.Equal(t, int64(-1500), wd.AmountCents)

	meta := []byte(`{"method":"bank","bank_name":"044","account_name":"Ada Obi","account_number":"0123456789"}`)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM transactions").
		WithArgs(int64(601), models.TxPointWithdrawal).
		WillReturnRows(lockColumns().
			AddRow(601, user.ID, models.TxPointWithdrawal, models.TxPending, wd.PointsAmount, wd.AmountCents, "USD", "", "ref-rt", meta))
	// Exact mirror of the debit: same magnitudes, opposite sign
	mock.ExpectExec("UPDATE users").
		WithArgs(int64(-150), int64(-1500), user.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE transactions").
		WithArgs(models.TxFailed, int64(99), sqlmock.AnyArg(), int64(601)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rejected, err := service.RejectWithdrawal(99, 601, "manual review")
	assert.NoError(t, err)
	assert.Equal(t, models.TxFailed, rejected.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
