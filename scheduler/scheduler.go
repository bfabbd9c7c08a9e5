// Package scheduler fires scheduled forms and accepts webhook triggers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/oar-cd/conductor/audit"
	"github.com/oar-cd/conductor/domain"
	"github.com/oar-cd/conductor/metrics"
	"github.com/oar-cd/conductor/orchestrator"
	"github.com/oar-cd/conductor/repository"
)

const defaultPollInterval = 30 * time.Second

// cronParser accepts standard five-field expressions and descriptors such as @daily
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateCron reports whether expr is a schedule the scheduler can evaluate
func ValidateCron(expr string) error {
	if expr == "" {
		return errors.New("empty cron expression")
	}
	_, err := cronParser.Parse(expr)
	return err
}

type Submitter interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*orchestrator.Submission, error)
}

type Options struct {
	PollInterval time.Duration
	Location     *time.Location
	WebhookRate  float64 // requests per second per client IP
	WebhookBurst int
}

// Scheduler is the only writer of Form.NextRunAt
type Scheduler struct {
	forms     repository.FormRepository
	submitter Submitter
	audit     audit.Sink
	metrics   *metrics.Metrics
	interval  time.Duration
	location  *time.Location
	limiter   *ipLimiter
	now       func() time.Time

	mu sync.Mutex
}

func New(forms repository.FormRepository, submitter Submitter, auditSink audit.Sink, m *metrics.Metrics, opts Options) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Scheduler{
		forms:     forms,
		submitter: submitter,
		audit:     auditSink,
		metrics:   m,
		interval:  opts.PollInterval,
		location:  opts.Location,
		limiter:   newIPLimiter(opts.WebhookRate, opts.WebhookBurst),
		now:       time.Now,
	}
}

// Start syncs all schedules and then ticks until ctx is done
func (s *Scheduler) Start(ctx context.Context) error {
	slog.Info("Scheduler starting",
		"layer", "scheduler",
		"poll_interval", s.interval,
		"timezone", s.location.String())

	if err := s.Sync(ctx); err != nil {
		return fmt.Errorf("failed to sync schedules: %w", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Scheduler shutting down", "layer", "scheduler")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Sync recomputes NextRunAt for every form. Fire times missed while the
// engine was down are skipped.
func (s *Scheduler) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	forms, err := s.forms.List()
	if err != nil {
		return err
	}

	now := s.now()
	for _, form := range forms {
		if err := s.plan(ctx, form, now); err != nil {
			return err
		}
	}

	slog.Debug("Schedules synced", "layer", "scheduler", "forms", len(forms))
	return nil
}

// Reschedule recomputes one form after its schedule changed
func (s *Scheduler) Reschedule(ctx context.Context, formID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	form, err := s.forms.FindByID(formID)
	if err != nil {
		return err
	}
	return s.plan(ctx, form, s.now())
}

// plan must be called with s.mu held
func (s *Scheduler) plan(ctx context.Context, form *domain.Form, now time.Time) error {
	if !form.IsScheduled() {
		if form.NextRunAt == nil {
			return nil
		}
		return s.forms.SetNextRunAt(form.ID, nil)
	}

	next, err := s.nextFireTime(form.ScheduleCron, now)
	if err != nil {
		return s.disable(ctx, form, err)
	}
	return s.forms.SetNextRunAt(form.ID, &next)
}

// Tick dispatches every due form once and returns how many were submitted
func (s *Scheduler) Tick(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics.SchedulerTicks.Inc()
	now := s.now()

	due, err := s.forms.ListDue(now.UTC())
	if err != nil {
		slog.Error("Failed to list due forms", "layer", "scheduler", "operation", "tick", "error", err)
		return 0
	}

	dispatched := 0
	for _, form := range due {
		if ctx.Err() != nil {
			break
		}
		if s.fire(ctx, form, now) {
			dispatched++
		}
	}
	return dispatched
}

func (s *Scheduler) fire(ctx context.Context, form *domain.Form, now time.Time) bool {
	logger := slog.With("layer", "scheduler", "operation", "fire", "form_id", form.ID)

	next, err := s.nextFireTime(form.ScheduleCron, now)
	if err != nil {
		if err := s.disable(ctx, form, err); err != nil {
			logger.Error("Failed to disable schedule", "error", err)
		}
		s.metrics.SchedulerDispatches.WithLabelValues("disabled").Inc()
		return false
	}

	// Persisting the next fire time first means a crash can skip a run but never repeat one
	if err := s.forms.SetNextRunAt(form.ID, &next); err != nil {
		logger.Error("Failed to persist next run time", "error", err)
		s.metrics.SchedulerDispatches.WithLabelValues("error").Inc()
		return false
	}

	actor := domain.SystemActor("scheduler", "")
	sub, err := s.submitter.Submit(ctx, orchestrator.SubmitRequest{
		FormID:  form.ID,
		Actor:   actor,
		Trigger: domain.TriggerSchedule,
	})

	details := map[string]any{"next_run_at": next.Format(time.RFC3339)}
	if err != nil {
		logger.Error("Scheduled submission failed", "error", err)
		details["error"] = err.Error()
		s.metrics.SchedulerDispatches.WithLabelValues("error").Inc()
	} else {
		logger.Info("Scheduled form dispatched", "runs", len(sub.Runs), "next_run_at", next)
		details["runs"] = len(sub.Runs)
		s.metrics.SchedulerDispatches.WithLabelValues("dispatched").Inc()
	}

	s.audit.Record(ctx, audit.Entry{
		Actor:      actor,
		Action:     audit.ActionScheduleDispatch,
		Resource:   "form",
		ResourceID: form.ID.String(),
		Details:    details,
	})
	return err == nil
}

// disable turns off a schedule whose expression cannot be evaluated. It is not retried.
func (s *Scheduler) disable(ctx context.Context, form *domain.Form, cause error) error {
	slog.Warn("Disabling schedule with invalid cron expression",
		"layer", "scheduler",
		"form_id", form.ID,
		"cron", form.ScheduleCron,
		"error", cause)

	if err := s.forms.DisableSchedule(form.ID); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.Entry{
		Actor:      domain.SystemActor("scheduler", ""),
		Action:     audit.ActionScheduleDisabled,
		Resource:   "form",
		ResourceID: form.ID.String(),
		Details: map[string]any{
			"cron":  form.ScheduleCron,
			"error": cause.Error(),
		},
	})
	return nil
}

// nextFireTime evaluates expr in the configured zone and returns the next fire time in UTC
func (s *Scheduler) nextFireTime(expr string, after time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := schedule.Next(after.In(s.location))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron expression %q never fires", expr)
	}
	return next.UTC(), nil
}
