package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oar-cd/conductor/audit"
	"github.com/oar-cd/conductor/domain"
	"github.com/oar-cd/conductor/metrics"
	"github.com/oar-cd/conductor/repository"
)

const subscriberBuffer = 256

// tracker is the only writer of run status. It checks every transition
// against the state machine before the conditional update in storage and
// fans output out to live subscribers.
type tracker struct {
	runs    repository.RunRepository
	audit   audit.Sink
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.Mutex
	states map[uuid.UUID]*runState
}

type runState struct {
	mu        sync.Mutex
	status    domain.RunStatus
	startedAt time.Time
	hasOutput bool
	newline   bool // output so far ends with a newline
	subs      map[int]chan string
	nextSub   int
	done      bool
}

func newTracker(runs repository.RunRepository, auditSink audit.Sink, m *metrics.Metrics) *tracker {
	return &tracker{
		runs:    runs,
		audit:   auditSink,
		metrics: m,
		now:     time.Now,
		states:  make(map[uuid.UUID]*runState),
	}
}

// track registers a freshly created pending run
func (t *tracker) track(runID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[runID] = &runState{status: domain.RunStatusPending, subs: make(map[int]chan string)}
}

func (t *tracker) state(runID uuid.UUID) (*runState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[runID]
	return st, ok
}

func (t *tracker) tracked(runID uuid.UUID) bool {
	_, ok := t.state(runID)
	return ok
}

func (t *tracker) Start(runID uuid.UUID) error {
	st, ok := t.state(runID)
	if !ok {
		return fmt.Errorf("run %s is not tracked: %w", runID, repository.ErrTransitionRejected)
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.status.CanTransitionTo(domain.RunStatusRunning) {
		return fmt.Errorf("run %s is %s: %w", runID, st.status, repository.ErrTransitionRejected)
	}
	now := t.now().UTC()
	if err := t.runs.MarkRunning(runID, now); err != nil {
		return err
	}
	st.status = domain.RunStatusRunning
	st.startedAt = now

	t.audit.Record(context.Background(), audit.Entry{
		Actor:      domain.SystemActor("engine", ""),
		Action:     audit.ActionRunStart,
		Resource:   "run",
		ResourceID: runID.String(),
	})
	return nil
}

func (t *tracker) Append(runID uuid.UUID, chunk string) error {
	if chunk == "" {
		return nil
	}
	st, ok := t.state(runID)
	if !ok {
		return fmt.Errorf("run %s is not tracked: %w", runID, repository.ErrTransitionRejected)
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.status != domain.RunStatusRunning {
		return fmt.Errorf("run %s is %s: %w", runID, st.status, repository.ErrTransitionRejected)
	}
	if err := t.runs.AppendOutput(runID, chunk); err != nil {
		return err
	}
	st.hasOutput = true
	st.newline = strings.HasSuffix(chunk, "\n")
	st.publish(chunk)
	return nil
}

func (t *tracker) Finish(runID uuid.UUID, status domain.RunStatus, trailer string) error {
	st, ok := t.state(runID)
	if !ok {
		// Left over from another process; storage still enforces the transition
		return t.finishUntracked(runID, status, trailer, audit.ActionRunFinish)
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if !status.IsTerminal() || !st.status.CanTransitionTo(status) {
		return fmt.Errorf("run %s cannot move from %s to %s: %w", runID, st.status, status, repository.ErrTransitionRejected)
	}

	if trailer != "" {
		if st.hasOutput && !st.newline {
			trailer = "\n" + trailer
		}
		trailer += "\n"
	}

	now := t.now().UTC()
	if err := t.runs.Finish(runID, status, now, trailer); err != nil {
		return err
	}
	st.status = status
	if trailer != "" {
		st.publish(trailer)
	}
	st.closeAll()

	t.metrics.RunsFinished.WithLabelValues(status.String()).Inc()
	if !st.startedAt.IsZero() {
		t.metrics.RunDuration.WithLabelValues(status.String()).Observe(now.Sub(st.startedAt).Seconds())
	}
	t.audit.Record(context.Background(), audit.Entry{
		Actor:      domain.SystemActor("engine", ""),
		Action:     audit.ActionRunFinish,
		Resource:   "run",
		ResourceID: runID.String(),
		Details:    map[string]any{"status": status.String()},
	})
	return nil
}

func (t *tracker) finishUntracked(runID uuid.UUID, status domain.RunStatus, trailer, action string) error {
	if trailer != "" {
		trailer = "\n" + trailer + "\n"
	}
	if err := t.runs.Finish(runID, status, t.now().UTC(), trailer); err != nil {
		return err
	}
	t.metrics.RunsFinished.WithLabelValues(status.String()).Inc()
	t.audit.Record(context.Background(), audit.Entry{
		Actor:      domain.SystemActor("engine", ""),
		Action:     action,
		Resource:   "run",
		ResourceID: runID.String(),
		Details:    map[string]any{"status": status.String()},
	})
	return nil
}

// untrack forgets a run once its goroutine has exited
func (t *tracker) untrack(runID uuid.UUID) {
	t.mu.Lock()
	st, ok := t.states[runID]
	delete(t.states, runID)
	t.mu.Unlock()

	if ok {
		st.mu.Lock()
		st.closeAll()
		st.mu.Unlock()
	}
}

// subscribe returns a channel of output chunks produced from now on. The
// channel is closed when the run finishes or the subscriber falls behind.
func (t *tracker) subscribe(runID uuid.UUID) (<-chan string, func()) {
	ch := make(chan string, subscriberBuffer)

	st, ok := t.state(runID)
	if !ok {
		close(ch)
		return ch, func() {}
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done {
		close(ch)
		return ch, func() {}
	}
	id := st.nextSub
	st.nextSub++
	st.subs[id] = ch

	return ch, func() {
		st.mu.Lock()
		defer st.mu.Unlock()
		if c, ok := st.subs[id]; ok {
			delete(st.subs, id)
			close(c)
		}
	}
}

// follow returns the run as stored together with a subscription to every
// chunk appended after that snapshot. Runs that are not in flight come back
// with a closed channel.
func (t *tracker) follow(runID uuid.UUID) (*domain.Run, <-chan string, func(), error) {
	ch := make(chan string, subscriberBuffer)

	st, ok := t.state(runID)
	if !ok {
		close(ch)
		run, err := t.runs.FindByID(runID)
		return run, ch, func() {}, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	// Appends hold st.mu, so no chunk can land between the read and the subscription
	run, err := t.runs.FindByID(runID)
	if err != nil || st.done {
		close(ch)
		return run, ch, func() {}, err
	}
	id := st.nextSub
	st.nextSub++
	st.subs[id] = ch

	return run, ch, func() {
		st.mu.Lock()
		defer st.mu.Unlock()
		if c, ok := st.subs[id]; ok {
			delete(st.subs, id)
			close(c)
		}
	}, nil
}

// publish must be called with st.mu held
func (st *runState) publish(chunk string) {
	for id, ch := range st.subs {
		select {
		case ch <- chunk:
		default:
			slog.Debug("Dropping slow output subscriber", "layer", "orchestrator")
			delete(st.subs, id)
			close(ch)
		}
	}
}

// closeAll must be called with st.mu held
func (st *runState) closeAll() {
	st.done = true
	for id, ch := range st.subs {
		delete(st.subs, id)
		close(ch)
	}
}
