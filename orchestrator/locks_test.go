package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oar-cd/conductor/domain"
	"github.com/oar-cd/conductor/repository"
)

func TestLockTable_ExclusivePerServer(t *testing.T) {
	locks := newLockTable()
	server := uuid.New()

	release, err := locks.acquire(context.Background(), server, time.Second)
	require.NoError(t, err)

	// A different server is independent
	other, err := locks.acquire(context.Background(), uuid.New(), 10*time.Millisecond)
	require.NoError(t, err)
	other()

	_, err = locks.acquire(context.Background(), server, 20*time.Millisecond)
	var concurrencyErr *domain.ConcurrencyError
	require.True(t, errors.As(err, &concurrencyErr))
	assert.Equal(t, server.String(), concurrencyErr.ServerID)

	release()
	release() // idempotent

	again, err := locks.acquire(context.Background(), server, 10*time.Millisecond)
	require.NoError(t, err)
	again()
	assert.Equal(t, 0, locks.size())
}

func TestLockTable_WaiterGetsLockOnRelease(t *testing.T) {
	locks := newLockTable()
	server := uuid.New()

	release, err := locks.acquire(context.Background(), server, 0)
	require.NoError(t, err)

	acquired := make(chan func())
	go func() {
		r, err := locks.acquire(context.Background(), server, time.Second)
		assert.NoError(t, err)
		acquired <- r
	}()

	time.Sleep(20 * time.Millisecond)
	release()

	select {
	case r := <-acquired:
		r()
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}

func TestLockTable_ContextCancel(t *testing.T) {
	locks := newLockTable()
	server := uuid.New()

	release, err := locks.acquire(context.Background(), server, 0)
	require.NoError(t, err)
	defer release()

	cause := errors.New("stop")
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(cause)

	_, err = locks.acquire(ctx, server, 0)
	assert.ErrorIs(t, err, cause)
}

func newServerLocks(t *testing.T, owner string) (*serverLocks, repository.ServerLeaseRepository) {
	t.Helper()
	leases := repository.NewServerLeaseRepository(openDB(t, ":memory:"))
	return &serverLocks{
		local:  newLockTable(),
		leases: leases,
		owner:  owner,
		ttl:    60 * time.Millisecond,
		poll:   5 * time.Millisecond,
		now:    time.Now,
	}, leases
}

func TestServerLocks_WaitsForForeignLease(t *testing.T) {
	locks, leases := newServerLocks(t, "engine-a")
	server := uuid.New()

	held, err := leases.TryAcquire(server, uuid.New(), "engine-b", time.Now(), time.Hour)
	require.NoError(t, err)
	require.True(t, held)

	_, err = locks.acquire(context.Background(), server, uuid.New(), 30*time.Millisecond, nil)
	var concurrency *domain.ConcurrencyError
	assert.ErrorAs(t, err, &concurrency)
	assert.Equal(t, 0, locks.local.size(), "local lock released after a lease timeout")

	// A lease whose owner stopped renewing is taken over
	foreign := uuid.New()
	other := uuid.New()
	held, err = leases.TryAcquire(other, foreign, "engine-b", time.Now().Add(-time.Hour), time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	release, err := locks.acquire(context.Background(), other, uuid.New(), time.Second, nil)
	require.NoError(t, err)
	release()
	release()
}

func TestServerLocks_LostLeaseNotifiesHolder(t *testing.T) {
	locks, leases := newServerLocks(t, "engine-a")
	server, runID := uuid.New(), uuid.New()

	lost := make(chan struct{})
	release, err := locks.acquire(context.Background(), server, runID, time.Second, func() { close(lost) })
	require.NoError(t, err)
	defer release()

	// Renewals keep the lease past its TTL
	time.Sleep(150 * time.Millisecond)
	held, err := leases.TryAcquire(server, uuid.New(), "engine-b", time.Now(), time.Minute)
	require.NoError(t, err)
	assert.False(t, held)

	require.NoError(t, leases.Release(server, runID))
	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("holder was not told its lease was lost")
	}
}
