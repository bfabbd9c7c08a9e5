package scheduler

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/oar-cd/conductor/audit"
	"github.com/oar-cd/conductor/domain"
	"github.com/oar-cd/conductor/orchestrator"
	"github.com/oar-cd/conductor/variables"
)

var ErrRateLimited = errors.New("webhook rate limit exceeded")

type WebhookRequest struct {
	// FormID narrows the lookup; when nil the token alone identifies the form
	FormID  *uuid.UUID
	Token   string
	Payload map[string]any
	IP      string
}

type WebhookResult struct {
	Form       *domain.Form
	Submission *orchestrator.Submission
}

// TriggerWebhook authenticates a webhook call by form token and submits the
// form with the payload merged over the field defaults.
func (s *Scheduler) TriggerWebhook(ctx context.Context, req WebhookRequest) (*WebhookResult, error) {
	if !s.limiter.allow(req.IP) {
		s.metrics.WebhookRequests.WithLabelValues("rate_limited").Inc()
		slog.Warn("Webhook rate limited", "layer", "scheduler", "ip", req.IP)
		return nil, ErrRateLimited
	}

	form, err := s.matchToken(req)
	if err != nil {
		s.metrics.WebhookRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	if form == nil {
		s.metrics.WebhookRequests.WithLabelValues("rejected").Inc()
		resourceID := ""
		if req.FormID != nil {
			resourceID = req.FormID.String()
		}
		slog.Warn("Webhook token rejected", "layer", "scheduler", "ip", req.IP, "form_id", resourceID)
		s.audit.Record(ctx, audit.Entry{
			Actor:      domain.SystemActor("webhook", req.IP),
			Action:     audit.ActionWebhookAuthFailed,
			Resource:   "form",
			ResourceID: resourceID,
			Details:    map[string]any{"reason": "token mismatch"},
		})
		return nil, &domain.AuthorizationError{Reason: "invalid webhook token"}
	}

	actor := domain.SystemActor("webhook", req.IP)
	sub, err := s.submitter.Submit(ctx, orchestrator.SubmitRequest{
		FormID:    form.ID,
		Variables: variables.Merge(form.Fields, req.Payload),
		Actor:     actor,
		Trigger:   domain.TriggerWebhook,
	})
	if err != nil {
		s.metrics.WebhookRequests.WithLabelValues("error").Inc()
		return nil, err
	}

	s.metrics.WebhookRequests.WithLabelValues("accepted").Inc()
	s.audit.Record(ctx, audit.Entry{
		Actor:      actor,
		Action:     audit.ActionWebhookTrigger,
		Resource:   "form",
		ResourceID: form.ID.String(),
		Details:    map[string]any{"runs": len(sub.Runs)},
	})
	return &WebhookResult{Form: form, Submission: sub}, nil
}

// matchToken returns the form whose token equals req.Token, or nil
func (s *Scheduler) matchToken(req WebhookRequest) (*domain.Form, error) {
	if req.Token == "" {
		return nil, nil
	}

	if req.FormID != nil {
		form, err := s.forms.FindByID(*req.FormID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, nil
			}
			return nil, err
		}
		if tokenMatches(form.WebhookToken, req.Token) {
			return form, nil
		}
		return nil, nil
	}

	forms, err := s.forms.ListWithWebhook()
	if err != nil {
		return nil, err
	}
	var match *domain.Form
	for _, form := range forms {
		// every candidate is compared so timing does not reveal the position of a match
		if tokenMatches(form.WebhookToken, req.Token) && match == nil {
			match = form
		}
	}
	return match, nil
}

// tokenMatches compares in constant time. A form without a token never matches.
func tokenMatches(expected, given string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(given)) == 1
}

const visitorTTL = 3 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiter keeps one token bucket per client IP
type ipLimiter struct {
	limit     rate.Limit
	burst     int
	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
	now       func() time.Time
}

func newIPLimiter(perSecond float64, burst int) *ipLimiter {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &ipLimiter{
		limit:    limit,
		burst:    burst,
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > time.Minute {
		for key, v := range l.visitors {
			if now.Sub(v.lastSeen) > visitorTTL {
				delete(l.visitors, key)
			}
		}
		l.lastSweep = now
	}

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}
