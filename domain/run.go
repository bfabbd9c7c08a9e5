package domain

import (
	"time"

	"github.com/google/uuid"
)

// Run is one execution of a playbook against one server.
type Run struct {
	ID         uuid.UUID
	FormID     *uuid.UUID
	PlaybookID uuid.UUID
	ServerID   uuid.UUID
	BatchID    *uuid.UUID
	Variables  map[string]any
	Status     RunStatus
	Trigger    Trigger
	Output     string
	StartedAt  *time.Time
	FinishedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time

	// OwnerID names the engine process executing the run. The owner refreshes
	// HeartbeatAt while the run is pending or running.
	OwnerID     string
	HeartbeatAt *time.Time
}

func NewRun(formID *uuid.UUID, playbookID, serverID uuid.UUID, variables map[string]any, trigger Trigger) *Run {
	return &Run{
		ID:         uuid.New(),
		FormID:     formID,
		PlaybookID: playbookID,
		ServerID:   serverID,
		Variables:  variables,
		Status:     RunStatusPending,
		Trigger:    trigger,
	}
}

// Duration returns the wall time between start and finish, or zero if the run has not finished.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

// Batch is the derived view of sibling runs created by one dispatch.
type Batch struct {
	ID     uuid.UUID
	FormID *uuid.UUID
	Status RunStatus
	Runs   []*Run
}

func NewBatch(id uuid.UUID, runs []*Run) *Batch {
	statuses := make([]RunStatus, len(runs))
	var formID *uuid.UUID
	for i, r := range runs {
		statuses[i] = r.Status
		if formID == nil {
			formID = r.FormID
		}
	}
	return &Batch{
		ID:     id,
		FormID: formID,
		Status: AggregateStatus(statuses),
		Runs:   runs,
	}
}
