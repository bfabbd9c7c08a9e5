// Package audit records an append-only trail of mutating actions.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/oar-cd/conductor/domain"
	"github.com/oar-cd/conductor/metrics"
	"github.com/oar-cd/conductor/repository"
)

const (
	ActionRunCreate         = "run_create"
	ActionRunStart          = "run_start"
	ActionRunFinish         = "run_finish"
	ActionRunCancel         = "run_cancel"
	ActionRunRecovered      = "run_recovered"
	ActionWebhookTrigger    = "webhook_trigger"
	ActionWebhookAuthFailed = "webhook_auth_failed"
	ActionVaultAccess       = "vault_access"
	ActionScheduleDispatch  = "schedule_dispatch"
	ActionScheduleDisabled  = "schedule_disabled"
	ActionConfigChange      = "config_change"
	ActionRemoteCleanup     = "remote_cleanup"
)

// IsSecuritySensitive reports whether a lost entry for action must reach an operator
func IsSecuritySensitive(action string) bool {
	switch action {
	case ActionWebhookAuthFailed, ActionVaultAccess, ActionRemoteCleanup:
		return true
	default:
		return false
	}
}

type Entry struct {
	Actor      domain.Actor
	Action     string
	Resource   string
	ResourceID string
	Details    map[string]any
}

// Sink accepts audit entries. Implementations never fail the caller.
type Sink interface {
	Record(ctx context.Context, entry Entry)
}

// Alerter surfaces security-sensitive entries that could not be persisted
type Alerter interface {
	Alert(ctx context.Context, entry Entry, err error)
}

// LogAlerter reports lost entries as error logs tagged for alert routing
type LogAlerter struct{}

func (LogAlerter) Alert(ctx context.Context, entry Entry, err error) {
	slog.ErrorContext(ctx, "Security audit entry lost",
		"layer", "audit",
		"alert", true,
		"action", entry.Action,
		"resource", entry.Resource,
		"resource_id", entry.ResourceID,
		"username", entry.Actor.Username,
		"ip", entry.Actor.IP,
		"error", err)
}

type Recorder struct {
	repo    repository.AuditRepository
	alerter Alerter
	metrics *metrics.Metrics
	retries int
	backoff time.Duration
}

func NewRecorder(repo repository.AuditRepository, alerter Alerter, m *metrics.Metrics, retries int) *Recorder {
	if alerter == nil {
		alerter = LogAlerter{}
	}
	if retries < 1 {
		retries = 1
	}
	return &Recorder{
		repo:    repo,
		alerter: alerter,
		metrics: m,
		retries: retries,
		backoff: 50 * time.Millisecond,
	}
}

// Record persists entry with a bounded number of attempts. Failures are logged,
// counted and, for security-sensitive actions, forwarded to the alerter.
func (r *Recorder) Record(ctx context.Context, entry Entry) {
	row := &domain.AuditLog{
		UserID:     entry.Actor.UserID,
		Username:   entry.Actor.Username,
		Action:     entry.Action,
		Resource:   entry.Resource,
		ResourceID: entry.ResourceID,
		Details:    entry.Details,
		IP:         entry.Actor.IP,
	}

	err := r.write(ctx, row)
	if err == nil {
		return
	}

	slog.Error("Failed to write audit entry",
		"layer", "audit",
		"operation", "record",
		"action", entry.Action,
		"resource", entry.Resource,
		"resource_id", entry.ResourceID,
		"attempts", r.retries,
		"error", err)
	if r.metrics != nil {
		r.metrics.AuditWriteFailures.WithLabelValues(entry.Action).Inc()
	}
	if IsSecuritySensitive(entry.Action) {
		r.alerter.Alert(ctx, entry, err)
	}
}

func (r *Recorder) write(ctx context.Context, row *domain.AuditLog) error {
	var err error
	for attempt := 1; attempt <= r.retries; attempt++ {
		row.ID = uuid.Nil
		if err = r.repo.Create(row); err == nil {
			return nil
		}
		if attempt == r.retries {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(r.backoff * time.Duration(attempt)):
		}
	}
	return err
}

func (r *Recorder) List(limit, offset int) ([]*domain.AuditLog, int64, error) {
	return r.repo.List(limit, offset)
}
