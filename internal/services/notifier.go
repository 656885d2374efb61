package services

import (
	"bytes"
	"database/sql"
	"fmt"
	"log"
	"net/smtp"
	"text/template"

	"github.com/figpoint/backend/internal/models"
	"github.com/spf13/viper"
)

var withdrawalRequestedTmpl = template.Must(template.New("withdrawal_requested").Parse(
	`Subject: Withdrawal request received

Hi {{.Name}},

We received your request to withdraw {{.Points}} points ({{printf "%.2f" .Amount}} {{.Currency}}) via {{.Method}}.
You will be notified once it has been reviewed.
`))

var withdrawalResolvedTmpl = template.Must(template.New("withdrawal_resolved").Parse(
	`Subject: Withdrawal {{.Status}}

Your withdrawal of {{.Points}} points has been {{.Status}}.
{{if .Reason}}Reason: {{.Reason}}
The points have been returned to your balance.
{{end}}`))

// Notifier sends transactional email. Delivery is best effort: a dead
// SMTP relay must never fail a withdrawal, so errors are logged and
// swallowed. Callers invoke it in a goroutine after commit.
type Notifier struct {
	db *sql.DB
}

func NewNotifier(db *sql.DB) *Notifier {
	viper.SetDefault("smtp.host", "localhost")
	viper.SetDefault("smtp.port", 25)
	viper.SetDefault("smtp.from", "rewards@figpoint.local")
	return &Notifier{db: db}
}

func (n *Notifier) send(to string, tmpl *template.Template, data any) {
	if to == "" {
		return
	}

	var body bytes.Buffer
	from := viper.GetString("smtp.from")
	fmt.Fprintf(&body, "From: %s\r\nTo: %s\r\n", from, to)
	if err := tmpl.Execute(&body, data); err != nil {
		log.Printf("[NOTIFY] Template %s failed: %v", tmpl.Name(), err)
		return
	}

	addr := fmt.Sprintf("%s:%d", viper.GetString("smtp.host"), viper.GetInt("smtp.port"))

	var auth smtp.Auth
	if user := viper.GetString("smtp.username"); user != "" {
		auth = smtp.PlainAuth("", user, viper.GetString("smtp.password"), viper.GetString("smtp.host"))
	}

	if err := smtp.SendMail(addr, auth, from, []string{to}, body.Bytes()); err != nil {
		log.Printf("[NOTIFY] Send to %s failed: %v", to, err)
	}
}

// WithdrawalRequested mails the requester a receipt. Withdrawal rows are
// signed; emails show magnitudes.
func (n *Notifier) WithdrawalRequested(user *models.User, wd *models.Transaction) {
	n.send(user.Email, withdrawalRequestedTmpl, map[string]any{
		"Name":     user.FullName,
		"Points":   absInt64(wd.PointsAmount),
		"Amount":   float64(absInt64(wd.AmountCents)) / 100,
		"Currency": wd.Currency,
		"Method":   stringField(wd.Metadata, "method"),
	})
}

// WithdrawalResolved mails the outcome of a review.
func (n *Notifier) WithdrawalResolved(wd *models.Transaction, reason string) {
	var email string
	if err := n.db.QueryRow(`SELECT email FROM users WHERE id = $1`, wd.UserID).Scan(&email); err != nil {
		log.Printf("[NOTIFY] Lookup for user %d failed: %v", wd.UserID, err)
		return
	}

	n.send(email, withdrawalResolvedTmpl, map[string]any{
		"Points": absInt64(wd.PointsAmount),
		"Status": wd.Status,
		"Reason": reason,
	})
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
