package repository

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oar-cd/conductor/domain"
)

func newBatch(formID uuid.UUID, n int) []*domain.Run {
	batchID := uuid.New()
	playbookID := uuid.New()
	runs := make([]*domain.Run, n)
	for i := range runs {
		runs[i] = domain.NewRun(&formID, playbookID, uuid.New(), map[string]any{"env": "prod", "count": 3}, domain.TriggerManual)
		runs[i].BatchID = &batchID
	}
	return runs
}

func TestRunRepository_CreateBatchAndList(t *testing.T) {
	repo := NewRunRepository(setupTestDB(t))
	formID := uuid.New()

	runs := newBatch(formID, 3)
	require.NoError(t, repo.CreateBatch(runs))
	require.NoError(t, repo.CreateBatch(newBatch(uuid.New(), 2)))

	members, err := repo.ListByBatchID(*runs[0].BatchID)
	require.NoError(t, err)
	assert.Len(t, members, 3)
	for _, m := range members {
		assert.Equal(t, domain.RunStatusPending, m.Status)
		assert.Equal(t, "prod", m.Variables["env"])
		assert.Equal(t, float64(3), m.Variables["count"])
		assert.Equal(t, domain.TriggerManual, m.Trigger)
	}

	page, total, err := repo.List(RunFilter{FormID: &formID, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, page, 2)

	page, total, err = repo.List(RunFilter{FormID: &formID, Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, page, 1)

	all, total, err := repo.List(RunFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	assert.Len(t, all, 5)
}

func TestRunRepository_CreateBatchIsAtomic(t *testing.T) {
	repo := NewRunRepository(setupTestDB(t))

	runs := newBatch(uuid.New(), 3)
	runs[2].ID = runs[0].ID // duplicate primary key fails the last insert

	require.Error(t, repo.CreateBatch(runs))

	_, total, err := repo.List(RunFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}

func TestRunRepository_Transitions(t *testing.T) {
	repo := NewRunRepository(setupTestDB(t))
	runs := newBatch(uuid.New(), 1)
	require.NoError(t, repo.CreateBatch(runs))
	id := runs[0].ID

	// output is only accepted while running
	require.NoError(t, repo.AppendOutput(id, "ignored"))

	now := time.Now()
	require.NoError(t, repo.MarkRunning(id, now))
	assert.ErrorIs(t, repo.MarkRunning(id, now), ErrTransitionRejected)

	require.NoError(t, repo.AppendOutput(id, "PLAY [all]\n"))
	require.NoError(t, repo.AppendOutput(id, "ok: [host]\n"))

	active, err := repo.ListActive()
	require.NoError(t, err)
	assert.Len(t, active, 1)

	require.NoError(t, repo.Finish(id, domain.RunStatusSuccess, now.Add(time.Second), ""))
	assert.ErrorIs(t, repo.Finish(id, domain.RunStatusFailed, now, "late"), ErrTransitionRejected)
	assert.ErrorIs(t, repo.Finish(id, domain.RunStatusRunning, now, ""), ErrTransitionRejected)

	run, err := repo.FindByID(id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSuccess, run.Status)
	assert.Equal(t, "PLAY [all]\nok: [host]\n", run.Output)
	require.NotNil(t, run.StartedAt)
	require.NotNil(t, run.FinishedAt)

	active, err = repo.ListActive()
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestRunRepository_PendingCanFail(t *testing.T) {
	repo := NewRunRepository(setupTestDB(t))
	runs := newBatch(uuid.New(), 1)
	require.NoError(t, repo.CreateBatch(runs))

	require.NoError(t, repo.Finish(runs[0].ID, domain.RunStatusFailed, time.Now(), "server busy\n"))

	run, err := repo.FindByID(runs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, "server busy\n", run.Output)
	assert.Nil(t, run.StartedAt)
}

func TestRunRepository_FilterByStatus(t *testing.T) {
	repo := NewRunRepository(setupTestDB(t))
	runs := newBatch(uuid.New(), 2)
	require.NoError(t, repo.CreateBatch(runs))
	require.NoError(t, repo.Finish(runs[0].ID, domain.RunStatusFailed, time.Now(), ""))

	failed := domain.RunStatusFailed
	list, total, err := repo.List(RunFilter{Status: &failed})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, list, 1)
	assert.Equal(t, runs[0].ID, list[0].ID)
}

func TestRunRepository_HeartbeatAndStale(t *testing.T) {
	repo := NewRunRepository(setupTestDB(t))
	now := time.Now().UTC()
	old := now.Add(-time.Minute)

	orphan := newBatch(uuid.New(), 1)[0] // never sent a heartbeat
	live := newBatch(uuid.New(), 1)[0]
	live.OwnerID, live.HeartbeatAt = "engine-a", &old
	done := newBatch(uuid.New(), 1)[0]
	require.NoError(t, repo.CreateBatch([]*domain.Run{orphan}))
	require.NoError(t, repo.CreateBatch([]*domain.Run{live}))
	require.NoError(t, repo.CreateBatch([]*domain.Run{done}))
	require.NoError(t, repo.Finish(done.ID, domain.RunStatusFailed, now, ""))

	stale, err := repo.ListStale(now.Add(-10 * time.Second))
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{orphan.ID, live.ID}, runIDs(stale))

	require.NoError(t, repo.Heartbeat(live.ID, now))
	stale, err = repo.ListStale(now.Add(-10 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{orphan.ID}, runIDs(stale))

	stored, err := repo.FindByID(live.ID)
	require.NoError(t, err)
	assert.Equal(t, "engine-a", stored.OwnerID)
	require.NotNil(t, stored.HeartbeatAt)
	assert.WithinDuration(t, now, *stored.HeartbeatAt, time.Millisecond)

	assert.ErrorIs(t, repo.Heartbeat(done.ID, now), ErrTransitionRejected)
}

func runIDs(runs []*domain.Run) []uuid.UUID {
	ids := make([]uuid.UUID, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	return ids
}
