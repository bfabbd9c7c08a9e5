// Package db provides database models and utilities for conductor.
package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type BaseModel struct {
	ID        uuid.UUID `gorm:"type:char(36);primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type MigrationModel struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Name      string `gorm:"not null;unique"`
	AppliedAt time.Time
}

func (MigrationModel) TableName() string {
	return "schema_migrations"
}

type ServerModel struct {
	BaseModel
	Name       string  `gorm:"not null;unique;check:name <> ''"`
	Host       string  `gorm:"not null;check:host <> ''"`
	Port       int     `gorm:"not null;default:22"`
	Username   string  `gorm:"not null;check:username <> ''"`
	PrivateKey *string `gorm:"type:text"` // fernet token of the PEM key
	Password   *string `gorm:"type:text"` // fernet token
	PreCommand string  `gorm:"type:text"`
}

func (ServerModel) TableName() string {
	return "servers"
}

type ServerGroupModel struct {
	BaseModel
	Name        string `gorm:"not null;unique;check:name <> ''"`
	Description string

	Servers []ServerModel `gorm:"many2many:server_group_members;joinForeignKey:GroupID;joinReferences:ServerID"`
}

func (ServerGroupModel) TableName() string {
	return "server_groups"
}

// PlaybookModel is soft-deleted so runs can keep resolving the playbook they executed.
type PlaybookModel struct {
	BaseModel
	Name        string `gorm:"not null;check:name <> ''"`
	Description string
	FilePath    string         `gorm:"not null;check:file_path <> ''"`
	DeletedAt   gorm.DeletedAt `gorm:"index"`
}

func (PlaybookModel) TableName() string {
	return "playbooks"
}

type VaultModel struct {
	BaseModel
	Name        string `gorm:"not null;unique;check:name <> ''"`
	Description string
	PasswordEnc string `gorm:"not null;type:text"` // fernet token of the vault password
	Blob        []byte // password-sealed secrets; empty when no file was uploaded
	FileName    string
}

func (VaultModel) TableName() string {
	return "vaults"
}

type FormModel struct {
	BaseModel
	Name            string     `gorm:"not null;check:name <> ''"`
	Description     string
	PlaybookID      uuid.UUID  `gorm:"type:char(36);not null;index"`
	ServerID        *uuid.UUID `gorm:"type:char(36);index"`
	ServerGroupID   *uuid.UUID `gorm:"type:char(36);index"`
	VaultID         *uuid.UUID `gorm:"type:char(36)"`
	IsQuickAction   bool       `gorm:"not null;default:false"`
	ScheduleCron    string
	ScheduleEnabled bool `gorm:"not null;default:false;index"`
	WebhookToken    string
	NotifyWebhook   string
	NotifyEmail     string
	AbortOnFailure  bool       `gorm:"not null;default:false"`
	NextRunAt       *time.Time `gorm:"index"`

	Fields []FormFieldModel `gorm:"foreignKey:FormID;constraint:OnDelete:CASCADE"`
}

func (FormModel) TableName() string {
	return "forms"
}

type FormFieldModel struct {
	BaseModel
	FormID       uuid.UUID `gorm:"type:char(36);not null;index"`
	Name         string    `gorm:"not null;check:name <> ''"`
	Label        string
	FieldType    string `gorm:"not null;check:field_type <> ''"` // text, number, bool, select
	DefaultValue string
	Options      datatypes.JSON // ordered list of strings
	Required     bool `gorm:"not null;default:false"`
	SortOrder    int  `gorm:"not null;default:0"`
}

func (FormFieldModel) TableName() string {
	return "form_fields"
}

type RunModel struct {
	BaseModel
	FormID      *uuid.UUID     `gorm:"type:char(36);index"`
	PlaybookID  uuid.UUID      `gorm:"type:char(36);not null"`
	ServerID    uuid.UUID      `gorm:"type:char(36);not null;index"`
	BatchID     *uuid.UUID     `gorm:"type:char(36);index"`
	Variables   datatypes.JSON // bound variable set
	Status      string         `gorm:"not null;index;check:status <> ''"` // pending, running, success, failed
	TriggeredBy string         `gorm:"not null;default:'manual'"`         // manual, schedule, webhook, adhoc
	Output      string         `gorm:"type:text;not null;default:''"`
	StartedAt   *time.Time
	FinishedAt  *time.Time
	OwnerID     string     `gorm:"not null;default:''"`
	HeartbeatAt *time.Time `gorm:"index"`
}

func (RunModel) TableName() string {
	return "runs"
}

// ServerLeaseModel is the cross-process lock on a server. A row exists while
// one run holds the server; an expired row belongs to a dead process.
type ServerLeaseModel struct {
	ServerID  uuid.UUID `gorm:"type:char(36);primaryKey"`
	RunID     uuid.UUID `gorm:"type:char(36);not null"`
	OwnerID   string    `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null;index"`
	CreatedAt time.Time
}

func (ServerLeaseModel) TableName() string {
	return "server_leases"
}

// AuditLogModel rows are never updated or deleted.
type AuditLogModel struct {
	BaseModel
	UserID     *uuid.UUID `gorm:"type:char(36)"`
	Username   string
	Action     string `gorm:"not null;index;check:action <> ''"`
	Resource   string
	ResourceID string
	Details    datatypes.JSON
	IP         string
}

func (AuditLogModel) TableName() string {
	return "audit_logs"
}
