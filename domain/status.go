package domain

import (
	"fmt"
	"strings"
)

// RunStatus represents the lifecycle state of a run
type RunStatus int

const (
	RunStatusUnknown RunStatus = iota
	RunStatusPending
	RunStatusRunning
	RunStatusSuccess
	RunStatusFailed
)

func (s RunStatus) String() string {
	switch s {
	case RunStatusPending:
		return "pending"
	case RunStatusRunning:
		return "running"
	case RunStatusSuccess:
		return "success"
	case RunStatusFailed:
		return "failed"
	case RunStatusUnknown:
		return "unknown"
	default:
		return "unknown"
	}
}

func ParseRunStatus(s string) (RunStatus, error) {
	switch s {
	case "pending":
		return RunStatusPending, nil
	case "running":
		return RunStatusRunning, nil
	case "success":
		return RunStatusSuccess, nil
	case "failed":
		return RunStatusFailed, nil
	case "unknown":
		return RunStatusUnknown, nil
	default:
		return RunStatusUnknown, fmt.Errorf("invalid run status: %q", s)
	}
}

// IsTerminal reports whether no further transitions are allowed
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed
}

// CanTransitionTo reports whether s -> next is a legal edge of the run state machine.
// pending -> failed is allowed for runs that never got dispatched.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	switch s {
	case RunStatusPending:
		return next == RunStatusRunning || next == RunStatusFailed
	case RunStatusRunning:
		return next == RunStatusSuccess || next == RunStatusFailed
	default:
		return false
	}
}

// AggregateStatus derives the status of a batch from the statuses of its members.
func AggregateStatus(statuses []RunStatus) RunStatus {
	if len(statuses) == 0 {
		return RunStatusUnknown
	}

	var pending, running, failed bool
	for _, s := range statuses {
		switch s {
		case RunStatusPending:
			pending = true
		case RunStatusRunning:
			running = true
		case RunStatusFailed:
			failed = true
		}
	}

	switch {
	case pending:
		return RunStatusPending
	case running:
		return RunStatusRunning
	case failed:
		return RunStatusFailed
	}

	for _, s := range statuses {
		if s != RunStatusSuccess {
			return RunStatusUnknown
		}
	}
	return RunStatusSuccess
}

// FieldType is the declared type of a form field
type FieldType int

const (
	FieldTypeUnknown FieldType = iota
	FieldTypeText
	FieldTypeNumber
	FieldTypeBool
	FieldTypeSelect
)

func (t FieldType) String() string {
	switch t {
	case FieldTypeText:
		return "text"
	case FieldTypeNumber:
		return "number"
	case FieldTypeBool:
		return "bool"
	case FieldTypeSelect:
		return "select"
	default:
		return "unknown"
	}
}

func ParseFieldType(s string) (FieldType, error) {
	switch strings.ToLower(s) {
	case "text":
		return FieldTypeText, nil
	case "number":
		return FieldTypeNumber, nil
	case "bool":
		return FieldTypeBool, nil
	case "select":
		return FieldTypeSelect, nil
	default:
		return FieldTypeUnknown, fmt.Errorf("invalid field type: %q", s)
	}
}

// Role is the permission level of an actor
type Role int

const (
	RoleUnknown Role = iota
	RoleViewer
	RoleEditor
	RoleAdmin
	RoleSystem
)

func (r Role) String() string {
	switch r {
	case RoleViewer:
		return "viewer"
	case RoleEditor:
		return "editor"
	case RoleAdmin:
		return "admin"
	case RoleSystem:
		return "system"
	default:
		return "unknown"
	}
}

func ParseRole(s string) (Role, error) {
	switch s {
	case "viewer":
		return RoleViewer, nil
	case "editor":
		return RoleEditor, nil
	case "admin":
		return RoleAdmin, nil
	case "system":
		return RoleSystem, nil
	default:
		return RoleUnknown, fmt.Errorf("invalid role: %q", s)
	}
}

// Trigger records what caused a run to be created
type Trigger int

const (
	TriggerUnknown Trigger = iota
	TriggerManual
	TriggerSchedule
	TriggerWebhook
	TriggerAdHoc
)

func (t Trigger) String() string {
	switch t {
	case TriggerManual:
		return "manual"
	case TriggerSchedule:
		return "schedule"
	case TriggerWebhook:
		return "webhook"
	case TriggerAdHoc:
		return "adhoc"
	default:
		return "unknown"
	}
}

func ParseTrigger(s string) (Trigger, error) {
	switch s {
	case "manual":
		return TriggerManual, nil
	case "schedule":
		return TriggerSchedule, nil
	case "webhook":
		return TriggerWebhook, nil
	case "adhoc":
		return TriggerAdHoc, nil
	case "unknown":
		return TriggerUnknown, nil
	default:
		return TriggerUnknown, fmt.Errorf("invalid trigger: %q", s)
	}
}
