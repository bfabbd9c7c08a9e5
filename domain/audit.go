package domain

import (
	"time"

	"github.com/google/uuid"
)

// AuditLog is an append-only record of a mutating action.
type AuditLog struct {
	ID         uuid.UUID
	UserID     *uuid.UUID
	Username   string
	Action     string
	Resource   string
	ResourceID string
	Details    map[string]any
	IP         string
	CreatedAt  time.Time
}

// Actor identifies who performed an action.
type Actor struct {
	UserID   *uuid.UUID
	Username string
	Role     Role
	IP       string
}

// SystemActor is used for runs started by the scheduler and webhooks.
func SystemActor(name, ip string) Actor {
	return Actor{Username: name, Role: RoleSystem, IP: ip}
}

// CanSubmit reports whether the actor may start runs of the given form.
// Viewers are limited to quick actions.
func (a Actor) CanSubmit(form *Form) bool {
	switch a.Role {
	case RoleAdmin, RoleEditor, RoleSystem:
		return true
	case RoleViewer:
		return form.IsQuickAction
	default:
		return false
	}
}

// CanRunAdHoc reports whether the actor may run a playbook outside any form.
func (a Actor) CanRunAdHoc() bool {
	return a.Role == RoleAdmin
}

// CanCancel reports whether the actor may cancel in-flight runs.
func (a Actor) CanCancel() bool {
	return a.Role == RoleAdmin || a.Role == RoleEditor || a.Role == RoleSystem
}

// CanAdminister reports whether the actor may change inventory and vaults.
func (a Actor) CanAdminister() bool {
	return a.Role == RoleAdmin
}
