package security

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/meshpay/connector/internal/clock"
	"github.com/meshpay/connector/internal/store"
)

// Audit result values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

const maxAuditResults = 1000

// AuditLogger records security-relevant operations. With a store backend
// every record is persisted append-only; without one, records only reach
// the structured logger.
type AuditLogger struct {
	store  store.EventStore // nil = log-only mode
	clock  clock.Clock
	logger *slog.Logger
}

// NewAuditLogger creates an audit logger. store may be nil.
func NewAuditLogger(st store.EventStore, clk clock.Clock) *AuditLogger {
	return &AuditLogger{
		store:  st,
		clock:  clk,
		logger: slog.With("component", "audit"),
	}
}

// Log appends one audit record. details is serialized to JSON; a failed
// serialization degrades to an empty details field rather than dropping
// the record.
func (al *AuditLogger) Log(operation, subjectID string, details map[string]interface{}, result, ip, userAgent string) error {
	if result == "" {
		result = ResultSuccess
	}

	detailsJSON := ""
	if details != nil {
		if raw, err := json.Marshal(details); err == nil {
			detailsJSON = string(raw)
		} else {
			al.logger.Warn("audit details not serializable", "operation", operation, "error", err)
		}
	}

	al.logger.Info("audit",
		"operation", operation,
		"subject", subjectID,
		"result", result,
		"ip", ip,
		"user_agent", userAgent,
	)

	if al.store == nil {
		return nil
	}
	return al.store.AppendAudit(store.AuditRecord{
		Operation:   operation,
		SubjectID:   subjectID,
		DetailsJSON: detailsJSON,
		Result:      result,
		IP:          ip,
		UserAgent:   userAgent,
		Timestamp:   al.clock.Now(),
	})
}

// Query returns matching records newest-first, capped at 1000. Empty
// subject/operation match everything; zero times leave that bound open.
func (al *AuditLogger) Query(subjectID, operation string, start, end time.Time) ([]store.AuditRecord, error) {
	if al.store == nil {
		return nil, nil
	}
	return al.store.QueryAudit(subjectID, operation, start, end, maxAuditResults)
}

// Clear removes all audit records. Testing only.
func (al *AuditLogger) Clear() error {
	if al.store == nil {
		return nil
	}
	return al.store.ClearAudit()
}
