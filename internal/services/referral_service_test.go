package services

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/figpoint/backend/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestReferralService_LinkReferralTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewReferralService(db, nil, NewLedgerService(db))

	t.Run("links and pays the referrer", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectQuery("SELECT id FROM users WHERE referral_code").
			WithArgs("FRIEND01").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))

		mock.ExpectExec("UPDATE users SET referred_by").
			WithArgs(int64(3), int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		// Referrer bonus: 100 points at zero cents
		mock.ExpectExec("UPDATE users").
			WithArgs(int64(100), int64(0), int64(3)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO transactions").
			WithArgs(int64(3), models.TxReferralBonus, models.TxCompleted, "Referral bonus",
				int64(0), int64(100), "USD", "7", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(701))

		referrerID, err := service.LinkReferralTx(tx, 7, "FRIEND01")
		assert.NoError(t, err)
		assert.Equal(t, int64(3), referrerID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown referral code", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectQuery("SELECT id FROM users WHERE referral_code").
			WithArgs("NOPE0000").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := service.LinkReferralTx(tx, 7, "NOPE0000")
		assert.ErrorIs(t, err, models.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("self referral rejected", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectQuery("SELECT id FROM users WHERE referral_code").
			WithArgs("MYOWN001").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

		_, err := service.LinkReferralTx(tx, 7, "MYOWN001")
		assert.ErrorIs(t, err, models.ErrInvalidInput)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestReferralService_AwardBonus(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewReferralService(db, nil, NewLedgerService(db))

	t.Run("defaults to the configured bonus", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE users").
			WithArgs(int64(100), int64(0), int64(3)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO transactions").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(702))
		mock.ExpectCommit()

		txID, err := service.AwardBonus(3, 8, 0, 0, "")
		assert.NoError(t, err)
		assert.Equal(t, int64(702), txID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("explicit points, amount and reason", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE users").
			WithArgs(int64(250), int64(500), int64(3)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO transactions").
			WithArgs(int64(3), models.TxReferralBonus, models.TxCompleted, "Referral bonus (admin award)",
				int64(500), int64(250), "USD", "8", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(703))
		mock.ExpectCommit()

		txID, err := service.AwardBonus(3, 8, 250, 500, "offline signup drive")
		assert.NoError(t, err)
		assert.Equal(t, int64(703), txID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("negative amount rejected", func(t *testing.T) {
		_, err := service.AwardBonus(3, 8, 250, -10, "")
		assert.ErrorIs(t, err, models.ErrInvalidInput)
	})
}

func TestReferralService_referralLink(t *testing.T) {
	service := NewReferralService(nil, nil, nil)

	link := service.referralLink("FRIEND01")
	assert.Contains(t, link, "/register?ref=FRIEND01")
}
