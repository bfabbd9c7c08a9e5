package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oar-cd/conductor/domain"
	"github.com/oar-cd/conductor/repository"
)

// lockTable holds one exclusive lock per server. Entries are dropped once no
// run holds or waits for them.
type lockTable struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*serverLock
}

type serverLock struct {
	slot chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[uuid.UUID]*serverLock)}
}

// acquire blocks until the server is free, ctx ends, or wait elapses.
// A non-positive wait only gives up when ctx ends. The returned release
// func is safe to call more than once.
func (t *lockTable) acquire(ctx context.Context, serverID uuid.UUID, wait time.Duration) (func(), error) {
	t.mu.Lock()
	l, ok := t.locks[serverID]
	if !ok {
		l = &serverLock{slot: make(chan struct{}, 1)}
		t.locks[serverID] = l
	}
	l.refs++
	t.mu.Unlock()

	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case l.slot <- struct{}{}:
		return sync.OnceFunc(func() {
			<-l.slot
			t.unref(serverID, l)
		}), nil
	case <-ctx.Done():
		t.unref(serverID, l)
		return nil, context.Cause(ctx)
	case <-timeout:
		t.unref(serverID, l)
		return nil, &domain.ConcurrencyError{ServerID: serverID.String(), Wait: wait.String()}
	}
}

func (t *lockTable) unref(serverID uuid.UUID, l *serverLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, serverID)
	}
}

func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

// serverLocks adds database leases on top of the in-process table so that
// engines sharing a database never run two sessions on one server. Waiters of
// this process queue on the table; the lease is polled once the table is won.
type serverLocks struct {
	local  *lockTable
	leases repository.ServerLeaseRepository // nil keeps locking in-process
	owner  string
	ttl    time.Duration
	poll   time.Duration
	now    func() time.Time
}

// acquire waits at most wait for the server. lost is called when a held
// lease is taken over by another process. The returned release func is safe
// to call more than once.
func (s *serverLocks) acquire(ctx context.Context, serverID, runID uuid.UUID, wait time.Duration, lost func()) (func(), error) {
	start := s.now()
	releaseLocal, err := s.local.acquire(ctx, serverID, wait)
	if err != nil {
		return nil, err
	}
	if s.leases == nil {
		return releaseLocal, nil
	}

	for {
		ok, err := s.leases.TryAcquire(serverID, runID, s.owner, s.now(), s.ttl)
		if err != nil {
			releaseLocal()
			return nil, fmt.Errorf("failed to acquire server lease: %w", err)
		}
		if ok {
			break
		}

		delay := s.poll
		if wait > 0 {
			remaining := wait - s.now().Sub(start)
			if remaining <= 0 {
				releaseLocal()
				return nil, &domain.ConcurrencyError{ServerID: serverID.String(), Wait: wait.String()}
			}
			delay = min(delay, remaining)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			releaseLocal()
			return nil, context.Cause(ctx)
		case <-timer.C:
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go s.renew(serverID, runID, stop, done, lost)

	return sync.OnceFunc(func() {
		close(stop)
		<-done
		if err := s.leases.Release(serverID, runID); err != nil {
			slog.Error("Failed to release server lease",
				"layer", "orchestrator",
				"server_id", serverID,
				"run_id", runID,
				"error", err)
		}
		releaseLocal()
	}), nil
}

// renew keeps the lease alive until stop is closed
func (s *serverLocks) renew(serverID, runID uuid.UUID, stop <-chan struct{}, done chan<- struct{}, lost func()) {
	defer close(done)
	ticker := time.NewTicker(s.ttl / staleHeartbeats)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		held, err := s.leases.Renew(serverID, runID, s.now().Add(s.ttl))
		if err != nil {
			slog.Warn("Failed to renew server lease",
				"layer", "orchestrator",
				"server_id", serverID,
				"run_id", runID,
				"error", err)
			continue
		}
		if !held {
			slog.Error("Server lease lost",
				"layer", "orchestrator",
				"server_id", serverID,
				"run_id", runID)
			if lost != nil {
				lost()
			}
			return
		}
	}
}

// forget drops the lease of a run that no process is executing any more
func (s *serverLocks) forget(serverID, runID uuid.UUID) {
	if s.leases == nil {
		return
	}
	if err := s.leases.Release(serverID, runID); err != nil {
		slog.Warn("Failed to release server lease",
			"layer", "orchestrator",
			"server_id", serverID,
			"run_id", runID,
			"error", err)
	}
}
