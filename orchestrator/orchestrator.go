// Package orchestrator turns form submissions into runs and drives them to completion.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"

	"github.com/oar-cd/conductor/audit"
	"github.com/oar-cd/conductor/domain"
	"github.com/oar-cd/conductor/metrics"
	"github.com/oar-cd/conductor/repository"
	"github.com/oar-cd/conductor/runner"
	"github.com/oar-cd/conductor/variables"
)

var (
	ErrShuttingDown  = errors.New("engine is shutting down")
	ErrRunFinished   = errors.New("run already finished")
	ErrBatchNotFound = errors.New("batch not found")
)

const (
	defaultMaxRuns   = 10
	defaultLockWait  = 10 * time.Minute
	defaultHeartbeat = 10 * time.Second
	notifyTimeout    = 30 * time.Second

	// A run or lease is abandoned after this many missed heartbeats
	staleHeartbeats = 3

	restartedMarker = "[engine restarted]"
	cancelledMarker = "[cancelled]"
)

// Executor runs one job to a terminal status
type Executor interface {
	Execute(ctx context.Context, job runner.Job, rec runner.Recorder) domain.RunStatus
	// Cleanup removes remote files of a run whose process died mid-run
	Cleanup(ctx context.Context, server *domain.Server, runID uuid.UUID) error
}

type Notifier interface {
	NotifyRun(ctx context.Context, form *domain.Form, run *domain.Run)
	NotifyBatch(ctx context.Context, form *domain.Form, batch *domain.Batch)
}

type TargetResolver interface {
	Resolve(form *domain.Form) ([]*domain.Server, error)
	ResolveServer(id uuid.UUID) (*domain.Server, error)
}

type Deps struct {
	Forms     repository.FormRepository
	Playbooks repository.PlaybookRepository
	Runs      repository.RunRepository
	Leases    repository.ServerLeaseRepository
	Targets   TargetResolver
	Executor  Executor
	Audit     audit.Sink
	Notifier  Notifier
	Metrics   *metrics.Metrics
}

type Options struct {
	MaxConcurrentRuns int
	ServerLockWait    time.Duration
	RunTimeout        time.Duration
	// HeartbeatInterval paces run heartbeats and lease renewals. Other
	// processes treat a run as abandoned after staleHeartbeats intervals.
	HeartbeatInterval time.Duration
}

type SubmitRequest struct {
	FormID    uuid.UUID
	Variables map[string]any
	Actor     domain.Actor
	Trigger   domain.Trigger
}

type AdHocRequest struct {
	PlaybookID uuid.UUID
	ServerID   uuid.UUID
	VaultID    *uuid.UUID
	Variables  map[string]any
	Actor      domain.Actor
}

// Submission is what a caller gets back once runs are persisted and dispatched
type Submission struct {
	BatchID *uuid.UUID
	Runs    []*domain.Run
}

func (s *Submission) RunIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(s.Runs))
	for i, r := range s.Runs {
		ids[i] = r.ID
	}
	return ids
}

type Orchestrator struct {
	forms     repository.FormRepository
	playbooks repository.PlaybookRepository
	runs      repository.RunRepository
	targets   TargetResolver
	executor  Executor
	audit     audit.Sink
	notifier  Notifier
	metrics   *metrics.Metrics
	opts      Options

	instanceID string
	now        func() time.Time
	pool       *semaphore.Weighted
	locks      *serverLocks
	tracker    *tracker

	baseCtx context.Context
	stop    context.CancelCauseFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	cancels map[uuid.UUID]context.CancelCauseFunc
	batches map[uuid.UUID]*batchState
}

type batchState struct {
	runIDs    []uuid.UUID
	remaining int
	aborted   bool
}

func New(deps Deps, opts Options) *Orchestrator {
	if opts.MaxConcurrentRuns <= 0 {
		opts.MaxConcurrentRuns = defaultMaxRuns
	}
	if opts.ServerLockWait == 0 {
		opts.ServerLockWait = defaultLockWait
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeat
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}

	instanceID := uuid.NewString()
	baseCtx, stop := context.WithCancelCause(context.Background())
	return &Orchestrator{
		forms:      deps.Forms,
		playbooks:  deps.Playbooks,
		runs:       deps.Runs,
		targets:    deps.Targets,
		executor:   deps.Executor,
		audit:      deps.Audit,
		notifier:   deps.Notifier,
		metrics:    deps.Metrics,
		opts:       opts,
		instanceID: instanceID,
		now:        time.Now,
		pool:       semaphore.NewWeighted(int64(opts.MaxConcurrentRuns)),
		locks: &serverLocks{
			local:  newLockTable(),
			leases: deps.Leases,
			owner:  instanceID,
			ttl:    staleHeartbeats * opts.HeartbeatInterval,
			poll:   max(opts.HeartbeatInterval/10, 10*time.Millisecond),
			now:    time.Now,
		},
		tracker: newTracker(deps.Runs, deps.Audit, deps.Metrics),
		baseCtx: baseCtx,
		stop:    stop,
		cancels: make(map[uuid.UUID]context.CancelCauseFunc),
		batches: make(map[uuid.UUID]*batchState),
	}
}

func (o *Orchestrator) staleAfter() time.Duration {
	return staleHeartbeats * o.opts.HeartbeatInterval
}

// Submit validates a form submission, persists one run per target and
// dispatches them. Nothing is persisted when validation fails.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	form, err := o.forms.FindByID(req.FormID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewConfigurationError("form %s does not exist", req.FormID)
		}
		return nil, fmt.Errorf("failed to load form: %w", err)
	}
	if !req.Actor.CanSubmit(form) {
		return nil, &domain.AuthorizationError{Reason: fmt.Sprintf("role %s may not run form %q", req.Actor.Role, form.Name)}
	}

	playbook, err := o.loadPlaybook(form.PlaybookID)
	if err != nil {
		return nil, err
	}

	servers, err := o.targets.Resolve(form)
	if err != nil {
		return nil, err
	}

	vars, err := variables.Bind(form.Fields, req.Variables)
	if err != nil {
		return nil, err
	}

	trigger := req.Trigger
	if trigger == domain.TriggerUnknown {
		trigger = domain.TriggerManual
	}

	runs := make([]*domain.Run, len(servers))
	for i, server := range servers {
		runs[i] = domain.NewRun(&form.ID, playbook.ID, server.ID, vars, trigger)
	}

	sub, err := o.persist(ctx, runs, req.Actor, form.ID.String())
	if err != nil {
		return nil, err
	}

	slog.Info("Runs submitted",
		"layer", "orchestrator",
		"operation", "submit",
		"form_id", form.ID,
		"runs", len(runs),
		"trigger", trigger)

	o.dispatch(form, playbook, servers, form.VaultID, sub)
	return sub, nil
}

// SubmitAdHoc runs a playbook on one server outside any form
func (o *Orchestrator) SubmitAdHoc(ctx context.Context, req AdHocRequest) (*Submission, error) {
	if !req.Actor.CanRunAdHoc() {
		return nil, &domain.AuthorizationError{Reason: fmt.Sprintf("role %s may not run ad hoc playbooks", req.Actor.Role)}
	}

	playbook, err := o.loadPlaybook(req.PlaybookID)
	if err != nil {
		return nil, err
	}
	server, err := o.targets.ResolveServer(req.ServerID)
	if err != nil {
		return nil, err
	}

	vars := req.Variables
	if vars == nil {
		vars = map[string]any{}
	}
	if _, err := json.Marshal(vars); err != nil {
		return nil, &domain.ValidationError{Field: "variables", Reason: "not serializable"}
	}

	run := domain.NewRun(nil, playbook.ID, server.ID, vars, domain.TriggerAdHoc)
	sub, err := o.persist(ctx, []*domain.Run{run}, req.Actor, "")
	if err != nil {
		return nil, err
	}

	slog.Info("Ad hoc run submitted",
		"layer", "orchestrator",
		"operation", "submit_adhoc",
		"run_id", run.ID,
		"server_id", server.ID,
		"playbook_id", playbook.ID)

	o.dispatch(nil, playbook, []*domain.Server{server}, req.VaultID, sub)
	return sub, nil
}

func (o *Orchestrator) loadPlaybook(id uuid.UUID) (*domain.Playbook, error) {
	playbook, err := o.playbooks.FindByID(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewConfigurationError("playbook %s does not exist or was deleted", id)
		}
		return nil, fmt.Errorf("failed to load playbook: %w", err)
	}
	return playbook, nil
}

// persist stores all runs in one transaction, assigning a batch id when there is more than one
func (o *Orchestrator) persist(ctx context.Context, runs []*domain.Run, actor domain.Actor, formID string) (*Submission, error) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return nil, ErrShuttingDown
	}

	now := o.now().UTC()
	for _, r := range runs {
		r.OwnerID = o.instanceID
		r.HeartbeatAt = &now
	}

	sub := &Submission{Runs: runs}
	if len(runs) > 1 {
		batchID := uuid.New()
		sub.BatchID = &batchID
		for _, r := range runs {
			r.BatchID = &batchID
		}
	}

	if err := o.runs.CreateBatch(runs); err != nil {
		return nil, fmt.Errorf("failed to create runs: %w", err)
	}

	trigger := runs[0].Trigger.String()
	o.metrics.RunsCreated.WithLabelValues(trigger).Add(float64(len(runs)))

	entry := audit.Entry{
		Actor:  actor,
		Action: audit.ActionRunCreate,
		Details: map[string]any{
			"trigger": trigger,
			"run_ids": idStrings(sub.RunIDs()),
		},
	}
	if formID != "" {
		entry.Details["form_id"] = formID
	}
	if sub.BatchID != nil {
		entry.Resource, entry.ResourceID = "batch", sub.BatchID.String()
	} else {
		entry.Resource, entry.ResourceID = "run", runs[0].ID.String()
	}
	o.audit.Record(ctx, entry)

	return sub, nil
}

// dispatch starts one goroutine per run. Every run is registered before
// any of them starts so a failing sibling can always reach the others.
func (o *Orchestrator) dispatch(form *domain.Form, playbook *domain.Playbook, servers []*domain.Server, vaultID *uuid.UUID, sub *Submission) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var batch *batchState
	if sub.BatchID != nil {
		batch = &batchState{runIDs: sub.RunIDs(), remaining: len(sub.Runs)}
		o.batches[*sub.BatchID] = batch
	}

	for i, run := range sub.Runs {
		ctx, cancel := context.WithCancelCause(o.baseCtx)
		o.cancels[run.ID] = cancel
		o.tracker.track(run.ID)

		job := runner.Job{
			Run:       run,
			Server:    servers[i],
			Playbook:  playbook,
			Variables: run.Variables,
			VaultID:   vaultID,
		}
		o.wg.Add(1)
		go o.execute(ctx, cancel, job, form, batch)
	}
}

func (o *Orchestrator) execute(ctx context.Context, cancel context.CancelCauseFunc, job runner.Job, form *domain.Form, batch *batchState) {
	defer o.wg.Done()
	defer cancel(nil)

	stopBeat := make(chan struct{})
	beatDone := make(chan struct{})
	go func() {
		defer close(beatDone)
		o.heartbeat(job.Run.ID, cancel, stopBeat)
	}()

	o.metrics.RunsInFlight.Inc()
	status := o.run(ctx, cancel, job)
	o.metrics.RunsInFlight.Dec()

	close(stopBeat)
	<-beatDone

	o.mu.Lock()
	delete(o.cancels, job.Run.ID)
	o.mu.Unlock()
	o.tracker.untrack(job.Run.ID)

	o.finished(form, batch, job.Run, status)
}

// heartbeat tells other processes the run is alive until stop is closed. A
// run that reached a terminal status elsewhere (cancelled from another
// process, or recovered as stale) is cancelled here.
func (o *Orchestrator) heartbeat(runID uuid.UUID, cancel context.CancelCauseFunc, stop <-chan struct{}) {
	ticker := time.NewTicker(o.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		err := o.runs.Heartbeat(runID, o.now())
		if errors.Is(err, repository.ErrTransitionRejected) {
			cancel(runner.ErrRunCancelled)
			return
		}
		if err != nil {
			slog.Warn("Failed to send run heartbeat",
				"layer", "orchestrator",
				"run_id", runID,
				"error", err)
		}
	}
}

func (o *Orchestrator) run(ctx context.Context, cancel context.CancelCauseFunc, job runner.Job) domain.RunStatus {
	runID := job.Run.ID

	// The server comes first: a run queued behind a busy server must not
	// hold a pool slot that a run for an idle server could use.
	release, err := o.locks.acquire(ctx, job.Server.ID, runID, o.opts.ServerLockWait, func() {
		cancel(runner.ErrLeaseLost)
	})
	if err != nil {
		if ctx.Err() != nil {
			return o.failPending(runID, runner.CancelMarker(ctx))
		}
		o.metrics.LockWaits.WithLabelValues("timeout").Inc()
		slog.Warn("Server busy, run not started",
			"layer", "orchestrator",
			"run_id", runID,
			"server_id", job.Server.ID,
			"error", err)
		return o.failPending(runID, "[error] "+err.Error())
	}
	defer release()
	o.metrics.LockWaits.WithLabelValues("acquired").Inc()

	if err := o.pool.Acquire(ctx, 1); err != nil {
		return o.failPending(runID, runner.CancelMarker(ctx))
	}
	defer o.pool.Release(1)

	runCtx := ctx
	if o.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeoutCause(ctx, o.opts.RunTimeout, runner.ErrRunTimeout)
		defer cancel()
	}
	return o.executor.Execute(runCtx, job, o.tracker)
}

func (o *Orchestrator) failPending(runID uuid.UUID, trailer string) domain.RunStatus {
	if err := o.tracker.Finish(runID, domain.RunStatusFailed, trailer); err != nil {
		slog.Error("Failed to fail run",
			"layer", "orchestrator",
			"run_id", runID,
			"error", err)
	}
	return domain.RunStatusFailed
}

// finished handles batch abort and notifications after a run's goroutine is done
func (o *Orchestrator) finished(form *domain.Form, batch *batchState, run *domain.Run, status domain.RunStatus) {
	if batch != nil {
		var siblings []context.CancelCauseFunc
		o.mu.Lock()
		batch.remaining--
		if status == domain.RunStatusFailed && form != nil && form.AbortOnFailure && !batch.aborted {
			batch.aborted = true
			for _, id := range batch.runIDs {
				if cancel, ok := o.cancels[id]; ok && id != run.ID {
					siblings = append(siblings, cancel)
				}
			}
		}
		batchDone := batch.remaining == 0
		if batchDone {
			delete(o.batches, *run.BatchID)
		}
		o.mu.Unlock()

		if len(siblings) > 0 {
			slog.Warn("Aborting batch after run failure",
				"layer", "orchestrator",
				"batch_id", run.BatchID,
				"run_id", run.ID,
				"cancelled", len(siblings))
		}
		for _, cancel := range siblings {
			cancel(runner.ErrBatchAborted)
		}

		if batchDone {
			o.notifyBatch(form, *run.BatchID)
		}
	}

	o.notifyRun(form, run.ID)
}

func (o *Orchestrator) notifyRun(form *domain.Form, runID uuid.UUID) {
	if form == nil {
		return
	}
	run, err := o.runs.FindByID(runID)
	if err != nil {
		slog.Error("Failed to load run for notification", "layer", "orchestrator", "run_id", runID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	o.notifier.NotifyRun(ctx, form, run)
}

func (o *Orchestrator) notifyBatch(form *domain.Form, batchID uuid.UUID) {
	if form == nil {
		return
	}
	batch, err := o.BatchStatus(context.Background(), batchID)
	if err != nil {
		slog.Error("Failed to load batch for notification", "layer", "orchestrator", "batch_id", batchID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	o.notifier.NotifyBatch(ctx, form, batch)
}

func (o *Orchestrator) GetRun(_ context.Context, id uuid.UUID) (*domain.Run, error) {
	return o.runs.FindByID(id)
}

func (o *Orchestrator) ListRuns(_ context.Context, filter repository.RunFilter) ([]*domain.Run, int64, error) {
	return o.runs.List(filter)
}

// BatchStatus derives the aggregate status of a batch from its runs
func (o *Orchestrator) BatchStatus(_ context.Context, batchID uuid.UUID) (*domain.Batch, error) {
	runs, err := o.runs.ListByBatchID(batchID)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrBatchNotFound
	}
	return domain.NewBatch(batchID, runs), nil
}

// CancelRun stops a pending or running run. The run ends failed with a
// cancellation marker once its goroutine observes the cancellation.
func (o *Orchestrator) CancelRun(ctx context.Context, id uuid.UUID, actor domain.Actor) error {
	if !actor.CanCancel() {
		return &domain.AuthorizationError{Reason: fmt.Sprintf("role %s may not cancel runs", actor.Role)}
	}

	run, err := o.runs.FindByID(id)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return ErrRunFinished
	}

	o.mu.Lock()
	cancel, ok := o.cancels[id]
	o.mu.Unlock()

	if ok {
		cancel(runner.ErrRunCancelled)
	} else if err := o.tracker.finishUntracked(id, domain.RunStatusFailed, cancelledMarker, audit.ActionRunFinish); err != nil {
		if errors.Is(err, repository.ErrTransitionRejected) {
			return ErrRunFinished
		}
		return fmt.Errorf("failed to cancel run: %w", err)
	}

	slog.Info("Run cancelled",
		"layer", "orchestrator",
		"operation", "cancel",
		"run_id", id,
		"username", actor.Username)
	o.audit.Record(ctx, audit.Entry{
		Actor:      actor,
		Action:     audit.ActionRunCancel,
		Resource:   "run",
		ResourceID: id.String(),
	})
	return nil
}

// Subscribe streams output chunks of an in-flight run. The channel is closed
// when the run finishes; for runs not in flight it is closed immediately.
func (o *Orchestrator) Subscribe(runID uuid.UUID) (<-chan string, func()) {
	return o.tracker.subscribe(runID)
}

// Follow returns a snapshot of the run and a channel of the output appended
// after it, so a reader sees every byte exactly once.
func (o *Orchestrator) Follow(runID uuid.UUID) (*domain.Run, <-chan string, func(), error) {
	return o.tracker.follow(runID)
}

// Recover fails pending or running runs whose owning process stopped sending
// heartbeats, releases their server leases and removes the files they left on
// their servers. Runs of live processes, this one included, are left alone, so
// it is safe to call periodically.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	stale, err := o.runs.ListStale(o.now().Add(-o.staleAfter()))
	if err != nil {
		return 0, fmt.Errorf("failed to list stale runs: %w", err)
	}

	recovered := 0
	var cleanups errgroup.Group
	cleanups.SetLimit(o.opts.MaxConcurrentRuns)
	for _, run := range stale {
		if o.tracker.tracked(run.ID) {
			continue
		}
		err := o.tracker.finishUntracked(run.ID, domain.RunStatusFailed, restartedMarker, audit.ActionRunRecovered)
		if err != nil {
			if errors.Is(err, repository.ErrTransitionRejected) {
				continue
			}
			return recovered, fmt.Errorf("failed to recover run %s: %w", run.ID, err)
		}
		recovered++
		o.locks.forget(run.ServerID, run.ID)

		// Only a started run can have uploaded anything
		if run.Status == domain.RunStatusRunning {
			cleanups.Go(func() error {
				o.cleanupRemote(ctx, run)
				return nil
			})
		}
	}
	_ = cleanups.Wait()

	if recovered > 0 {
		slog.Warn("Failed runs left over from a previous process",
			"layer", "orchestrator",
			"operation", "recover",
			"count", recovered)
	}
	return recovered, nil
}

// cleanupRemote removes files an abandoned run may have left on its server,
// vault secrets included
func (o *Orchestrator) cleanupRemote(ctx context.Context, run *domain.Run) {
	entry := audit.Entry{
		Actor:      domain.SystemActor("engine", ""),
		Action:     audit.ActionRemoteCleanup,
		Resource:   "run",
		ResourceID: run.ID.String(),
		Details:    map[string]any{"server_id": run.ServerID.String()},
	}

	server, err := o.targets.ResolveServer(run.ServerID)
	if err == nil {
		err = o.executor.Cleanup(ctx, server, run.ID)
	}
	entry.Details["removed"] = err == nil
	if err != nil {
		entry.Details["error"] = err.Error()
		slog.Error("Failed to remove files of abandoned run",
			"layer", "orchestrator",
			"operation", "recover",
			"run_id", run.ID,
			"server_id", run.ServerID,
			"error", err)
	}
	o.audit.Record(ctx, entry)
}

// IsActive reports whether a run is pending or running in any process.
// Lookup failures count as active so callers never discard live material.
func (o *Orchestrator) IsActive(runID uuid.UUID) bool {
	if o.tracker.tracked(runID) {
		return true
	}
	run, err := o.runs.FindByID(runID)
	if err != nil {
		return !errors.Is(err, gorm.ErrRecordNotFound)
	}
	return !run.Status.IsTerminal()
}

// Wait blocks until every dispatched run has finished
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown stops accepting submissions and waits for in-flight runs. When ctx
// ends first, the remaining runs are cancelled and awaited.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		slog.Warn("Cancelling in-flight runs", "layer", "orchestrator", "operation", "shutdown")
		o.stop(runner.ErrEngineStopped)
		<-done
		return ctx.Err()
	}
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

type nopNotifier struct{}

func (nopNotifier) NotifyRun(context.Context, *domain.Form, *domain.Run)     {}
func (nopNotifier) NotifyBatch(context.Context, *domain.Form, *domain.Batch) {}
