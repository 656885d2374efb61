package services

import (
	"encoding/json"
	"log"
	"time"
)

type AuditEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	EventType     string    `json:"event_type"`
	TransactionID int64     `json:"transaction_id"`
	UserID        int64     `json:"user_id"`
	Points        int64     `json:"points"`
	AmountCents   int64     `json:"amount_cents"`
	Status        string    `json:"status"`
	Details       any       `json:"details,omitempty"`
}

// AuditLogger emits one structured line per ledger mutation. The database
// transaction log is the source of truth; this is the operational trail.
type AuditLogger struct{}

func NewAuditLogger() *AuditLogger {
	return &AuditLogger{}
}

func (a *AuditLogger) LogLedger(txID, userID int64, eventType string, points, cents int64, status string) {
	a.log(AuditEvent{
		Timestamp:     time.Now(),
		EventType:     eventType,
		TransactionID: txID,
		UserID:        userID,
		Points:        points,
		AmountCents:   cents,
		Status:        status,
	})
}

func (a *AuditLogger) LogError(userID int64, operation string, err error) {
	a.log(AuditEvent{
		Timestamp: time.Now(),
		EventType: operation,
		UserID:    userID,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	})
}

func (a *AuditLogger) log(event AuditEvent) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
