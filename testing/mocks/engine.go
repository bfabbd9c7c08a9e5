// Package mocks provides mock implementations for testing.
package mocks

import (
	"context"

	"github.com/google/uuid"

	"github.com/oar-cd/conductor/domain"
	"github.com/oar-cd/conductor/orchestrator"
	"github.com/oar-cd/conductor/repository"
)

// MockEngine implements the run engine interface consumed by the API
type MockEngine struct {
	SubmitFunc      func(ctx context.Context, req orchestrator.SubmitRequest) (*orchestrator.Submission, error)
	SubmitAdHocFunc func(ctx context.Context, req orchestrator.AdHocRequest) (*orchestrator.Submission, error)
	GetRunFunc      func(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	ListRunsFunc    func(ctx context.Context, filter repository.RunFilter) ([]*domain.Run, int64, error)
	CancelRunFunc   func(ctx context.Context, id uuid.UUID, actor domain.Actor) error
	BatchStatusFunc func(ctx context.Context, batchID uuid.UUID) (*domain.Batch, error)
	FollowFunc      func(runID uuid.UUID) (*domain.Run, <-chan string, func(), error)
	RecoverFunc     func(ctx context.Context) (int, error)
	IsActiveFunc    func(runID uuid.UUID) bool
	WaitFunc        func()
	ShutdownFunc    func(ctx context.Context) error
}

func (m *MockEngine) Submit(ctx context.Context, req orchestrator.SubmitRequest) (*orchestrator.Submission, error) {
	if m.SubmitFunc != nil {
		return m.SubmitFunc(ctx, req)
	}
	run := domain.NewRun(&req.FormID, uuid.New(), uuid.New(), req.Variables, req.Trigger)
	return &orchestrator.Submission{Runs: []*domain.Run{run}}, nil
}

func (m *MockEngine) SubmitAdHoc(ctx context.Context, req orchestrator.AdHocRequest) (*orchestrator.Submission, error) {
	if m.SubmitAdHocFunc != nil {
		return m.SubmitAdHocFunc(ctx, req)
	}
	run := domain.NewRun(nil, req.PlaybookID, req.ServerID, req.Variables, domain.TriggerAdHoc)
	return &orchestrator.Submission{Runs: []*domain.Run{run}}, nil
}

func (m *MockEngine) GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	if m.GetRunFunc != nil {
		return m.GetRunFunc(ctx, id)
	}
	return &domain.Run{ID: id, Status: domain.RunStatusPending}, nil
}

func (m *MockEngine) ListRuns(ctx context.Context, filter repository.RunFilter) ([]*domain.Run, int64, error) {
	if m.ListRunsFunc != nil {
		return m.ListRunsFunc(ctx, filter)
	}
	return []*domain.Run{}, 0, nil
}

func (m *MockEngine) CancelRun(ctx context.Context, id uuid.UUID, actor domain.Actor) error {
	if m.CancelRunFunc != nil {
		return m.CancelRunFunc(ctx, id, actor)
	}
	return nil
}

func (m *MockEngine) BatchStatus(ctx context.Context, batchID uuid.UUID) (*domain.Batch, error) {
	if m.BatchStatusFunc != nil {
		return m.BatchStatusFunc(ctx, batchID)
	}
	return domain.NewBatch(batchID, nil), nil
}

func (m *MockEngine) Follow(runID uuid.UUID) (*domain.Run, <-chan string, func(), error) {
	if m.FollowFunc != nil {
		return m.FollowFunc(runID)
	}
	ch := make(chan string)
	close(ch)
	return &domain.Run{ID: runID, Status: domain.RunStatusSuccess}, ch, func() {}, nil
}

func (m *MockEngine) Recover(ctx context.Context) (int, error) {
	if m.RecoverFunc != nil {
		return m.RecoverFunc(ctx)
	}
	return 0, nil
}

func (m *MockEngine) IsActive(runID uuid.UUID) bool {
	if m.IsActiveFunc != nil {
		return m.IsActiveFunc(runID)
	}
	return false
}

func (m *MockEngine) Wait() {
	if m.WaitFunc != nil {
		m.WaitFunc()
	}
}

func (m *MockEngine) Shutdown(ctx context.Context) error {
	if m.ShutdownFunc != nil {
		return m.ShutdownFunc(ctx)
	}
	return nil
}
