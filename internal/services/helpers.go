package services

import (
	"database/sql"
	"fmt"
	"math/rand"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/figpoint/backend/internal/middleware"
	"github.com/figpoint/backend/internal/models"
)

var codePattern = regexp.MustCompile(`^[A-Z]{5}[0-9]{3}$`)

const (
	letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digits  = "0123456789"
)

// generateRewardCode produces a code of 5 uppercase letters + 3 digits.
func generateRewardCode() string {
	var b strings.Builder
	for i := 0; i < 5; i++ {
		b.WriteByte(letters[rand.Intn(len(letters))])
	}
	for i := 0; i < 3; i++ {
		b.WriteByte(digits[rand.Intn(len(digits))])
	}
	return b.String()
}

func generateBatchID() string {
	suffix := make([]byte, 4)
	for i := range suffix {
		suffix[i] = letters[rand.Intn(len(letters))]
	}
	return fmt.Sprintf("BATCH-%s-%s", time.Now().Format("20060102150405"), suffix)
}

func generateReferralCode() string {
	const alphabet = letters + digits
	b := make([]byte, 8)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(b)
}

const userColumns = `id, full_name, email, role, COALESCE(phone, ''), COALESCE(bank_name, ''),
	COALESCE(account_name, ''), COALESCE(account_number, ''), COALESCE(referral_code, ''), referred_by,
	points_balance, total_points_earned, total_points_withdrawn, total_earnings_cents, total_withdrawn_cents,
	is_suspended, is_approved, is_verified, created_at, updated_at`

func scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.FullName, &u.Email, &u.Role, &u.Phone, &u.BankName,
		&u.AccountName, &u.AccountNumber, &u.ReferralCode, &u.ReferredBy,
		&u.PointsBalance, &u.TotalPointsEarned, &u.TotalPointsWithdrawn,
		&u.TotalEarningsCents, &u.TotalWithdrawnCents,
		&u.IsSuspended, &u.IsApproved, &u.IsVerified, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func loadUser(db *sql.DB, id int64) (*models.User, error) {
	query := fmt.Sprintf("SELECT %s FROM users WHERE id = $1", userColumns)
	return scanUser(db.QueryRow(query, id))
}

// currentUser resolves the authenticated user for a request, applying the
// suspension gate shared by every engine operation.
func currentUser(db *sql.DB, r *http.Request) (*models.User, error) {
	userID, ok := middleware.UserID(r)
	if !ok {
		return nil, models.ErrPermissionDenied
	}

	user, err := loadUser(db, userID)
	if err != nil {
		return nil, err
	}

	if user.IsSuspended {
		return nil, fmt.Errorf("%w: account suspended", models.ErrPermissionDenied)
	}

	return user, nil
}

func parsePagination(r *http.Request) (page, perPage int) {
	page, perPage = 1, 10
	if v := r.URL.Query().Get("page"); v != "" {
		fmt.Sscanf(v, "%d", &page)
	}
	if v := r.URL.Query().Get("per_page"); v != "" {
		fmt.Sscanf(v, "%d", &perPage)
	}
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 10
	}
	return page, perPage
}
