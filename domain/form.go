package domain

import (
	"time"

	"github.com/google/uuid"
)

type FormField struct {
	ID           uuid.UUID
	FormID       uuid.UUID
	Name         string
	Label        string
	FieldType    FieldType
	DefaultValue string
	Options      []string
	Required     bool
	SortOrder    int
}

// HasDefault reports whether an empty submission can fall back to DefaultValue.
func (f *FormField) HasDefault() bool {
	return f.DefaultValue != ""
}

// Form binds a playbook to a target with a typed variable schema.
type Form struct {
	ID              uuid.UUID
	Name            string
	Description     string
	PlaybookID      uuid.UUID
	ServerID        *uuid.UUID
	ServerGroupID   *uuid.UUID
	VaultID         *uuid.UUID
	IsQuickAction   bool
	ScheduleCron    string
	ScheduleEnabled bool
	WebhookToken    string
	NotifyWebhook   string
	NotifyEmail     string
	AbortOnFailure  bool
	NextRunAt       *time.Time
	Fields          []FormField
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsScheduled reports whether the scheduler should track this form.
func (f *Form) IsScheduled() bool {
	return f.ScheduleEnabled && f.ScheduleCron != ""
}

// HasWebhook reports whether the form can be triggered through its webhook token.
func (f *Form) HasWebhook() bool {
	return f.WebhookToken != ""
}
