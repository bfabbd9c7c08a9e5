// Package repository provides the data access layer for the run engine.
package repository

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"gorm.io/datatypes"

	"github.com/oar-cd/conductor/db"
	"github.com/oar-cd/conductor/domain"
	"github.com/oar-cd/conductor/encryption"
)

type ServerMapper struct {
	encryption *encryption.EncryptionService
}

func NewServerMapper(encryptionSvc *encryption.EncryptionService) *ServerMapper {
	return &ServerMapper{encryption: encryptionSvc}
}

func (m *ServerMapper) ToDomain(s *db.ServerModel) *domain.Server {
	server := &domain.Server{
		ID:         s.ID,
		Name:       s.Name,
		Host:       s.Host,
		Port:       s.Port,
		Username:   s.Username,
		PreCommand: s.PreCommand,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}

	// A server whose credentials cannot be decrypted stays listable;
	// the connection attempt fails later with an authentication error.
	if key, err := m.encryption.DecryptOptional(s.PrivateKey); err != nil {
		slog.Error("Failed to decrypt server private key",
			"layer", "repository",
			"server_id", s.ID,
			"server_name", s.Name,
			"error", err)
	} else {
		server.PrivateKey = key
	}
	if password, err := m.encryption.DecryptOptional(s.Password); err != nil {
		slog.Error("Failed to decrypt server password",
			"layer", "repository",
			"server_id", s.ID,
			"server_name", s.Name,
			"error", err)
	} else {
		server.Password = password
	}

	return server
}

func (m *ServerMapper) ToModel(s *domain.Server) (*db.ServerModel, error) {
	privateKey, err := m.encryption.EncryptOptional(s.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt private key: %w", err)
	}
	password, err := m.encryption.EncryptOptional(s.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt password: %w", err)
	}

	port := s.Port
	if port == 0 {
		port = 22
	}

	return &db.ServerModel{
		BaseModel: db.BaseModel{
			ID:        s.ID,
			CreatedAt: s.CreatedAt,
			UpdatedAt: s.UpdatedAt,
		},
		Name:       s.Name,
		Host:       s.Host,
		Port:       port,
		Username:   s.Username,
		PrivateKey: privateKey,
		Password:   password,
		PreCommand: s.PreCommand,
	}, nil
}

type VaultMapper struct {
	encryption *encryption.EncryptionService
}

func (m *VaultMapper) ToDomain(v *db.VaultModel) (*domain.Vault, error) {
	password, err := m.encryption.Decrypt(v.PasswordEnc)
	if err != nil {
		return nil, &domain.DecryptionError{Reason: "stored vault password: " + err.Error()}
	}
	return &domain.Vault{
		ID:          v.ID,
		Name:        v.Name,
		Description: v.Description,
		Password:    password,
		Blob:        v.Blob,
		FileName:    v.FileName,
		CreatedAt:   v.CreatedAt,
		UpdatedAt:   v.UpdatedAt,
	}, nil
}

func (m *VaultMapper) ToModel(v *domain.Vault) (*db.VaultModel, error) {
	passwordEnc, err := m.encryption.Encrypt(v.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt vault password: %w", err)
	}
	return &db.VaultModel{
		BaseModel: db.BaseModel{
			ID:        v.ID,
			CreatedAt: v.CreatedAt,
			UpdatedAt: v.UpdatedAt,
		},
		Name:        v.Name,
		Description: v.Description,
		PasswordEnc: passwordEnc,
		Blob:        v.Blob,
		FileName:    v.FileName,
	}, nil
}

type FormMapper struct{}

func (m *FormMapper) ToDomain(f *db.FormModel) (*domain.Form, error) {
	form := &domain.Form{
		ID:              f.ID,
		Name:            f.Name,
		Description:     f.Description,
		PlaybookID:      f.PlaybookID,
		ServerID:        f.ServerID,
		ServerGroupID:   f.ServerGroupID,
		VaultID:         f.VaultID,
		IsQuickAction:   f.IsQuickAction,
		ScheduleCron:    f.ScheduleCron,
		ScheduleEnabled: f.ScheduleEnabled,
		WebhookToken:    f.WebhookToken,
		NotifyWebhook:   f.NotifyWebhook,
		NotifyEmail:     f.NotifyEmail,
		AbortOnFailure:  f.AbortOnFailure,
		NextRunAt:       f.NextRunAt,
		CreatedAt:       f.CreatedAt,
		UpdatedAt:       f.UpdatedAt,
	}

	form.Fields = make([]domain.FormField, 0, len(f.Fields))
	for i := range f.Fields {
		field, err := m.fieldToDomain(&f.Fields[i])
		if err != nil {
			return nil, err
		}
		form.Fields = append(form.Fields, *field)
	}
	return form, nil
}

func (m *FormMapper) fieldToDomain(f *db.FormFieldModel) (*domain.FormField, error) {
	fieldType, err := domain.ParseFieldType(f.FieldType)
	if err != nil {
		return nil, fmt.Errorf("form field %q: %w", f.Name, err)
	}

	var options []string
	if len(f.Options) > 0 {
		if err := json.Unmarshal(f.Options, &options); err != nil {
			return nil, fmt.Errorf("form field %q: invalid options: %w", f.Name, err)
		}
	}

	return &domain.FormField{
		ID:           f.ID,
		FormID:       f.FormID,
		Name:         f.Name,
		Label:        f.Label,
		FieldType:    fieldType,
		DefaultValue: f.DefaultValue,
		Options:      options,
		Required:     f.Required,
		SortOrder:    f.SortOrder,
	}, nil
}

func (m *FormMapper) ToModel(f *domain.Form) (*db.FormModel, error) {
	model := &db.FormModel{
		BaseModel: db.BaseModel{
			ID:        f.ID,
			CreatedAt: f.CreatedAt,
			UpdatedAt: f.UpdatedAt,
		},
		Name:            f.Name,
		Description:     f.Description,
		PlaybookID:      f.PlaybookID,
		ServerID:        f.ServerID,
		ServerGroupID:   f.ServerGroupID,
		VaultID:         f.VaultID,
		IsQuickAction:   f.IsQuickAction,
		ScheduleCron:    f.ScheduleCron,
		ScheduleEnabled: f.ScheduleEnabled,
		WebhookToken:    f.WebhookToken,
		NotifyWebhook:   f.NotifyWebhook,
		NotifyEmail:     f.NotifyEmail,
		AbortOnFailure:  f.AbortOnFailure,
		NextRunAt:       f.NextRunAt,
	}

	for i := range f.Fields {
		field := &f.Fields[i]
		if field.FieldType == domain.FieldTypeUnknown {
			return nil, fmt.Errorf("form field %q: unknown field type", field.Name)
		}
		options, err := json.Marshal(field.Options)
		if err != nil {
			return nil, fmt.Errorf("form field %q: %w", field.Name, err)
		}
		model.Fields = append(model.Fields, db.FormFieldModel{
			BaseModel:    db.BaseModel{ID: field.ID},
			FormID:       f.ID,
			Name:         field.Name,
			Label:        field.Label,
			FieldType:    field.FieldType.String(),
			DefaultValue: field.DefaultValue,
			Options:      datatypes.JSON(options),
			Required:     field.Required,
			SortOrder:    field.SortOrder,
		})
	}
	return model, nil
}

type RunMapper struct{}

func (m *RunMapper) ToDomain(r *db.RunModel) *domain.Run {
	status, err := domain.ParseRunStatus(r.Status)
	if err != nil {
		status = domain.RunStatusUnknown
	}
	trigger, err := domain.ParseTrigger(r.TriggeredBy)
	if err != nil {
		trigger = domain.TriggerUnknown
	}

	var variables map[string]any
	if len(r.Variables) > 0 {
		if err := json.Unmarshal(r.Variables, &variables); err != nil {
			slog.Error("Failed to decode run variables",
				"layer", "repository",
				"run_id", r.ID,
				"error", err)
		}
	}

	return &domain.Run{
		ID:         r.ID,
		FormID:     r.FormID,
		PlaybookID: r.PlaybookID,
		ServerID:   r.ServerID,
		BatchID:    r.BatchID,
		Variables:  variables,
		Status:     status,
		Trigger:    trigger,
		Output:     r.Output,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,

		OwnerID:     r.OwnerID,
		HeartbeatAt: r.HeartbeatAt,
	}
}

func (m *RunMapper) ToModel(r *domain.Run) (*db.RunModel, error) {
	variables := r.Variables
	if variables == nil {
		variables = map[string]any{}
	}
	encoded, err := json.Marshal(variables)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run variables: %w", err)
	}

	return &db.RunModel{
		BaseModel: db.BaseModel{
			ID:        r.ID,
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
		},
		FormID:      r.FormID,
		PlaybookID:  r.PlaybookID,
		ServerID:    r.ServerID,
		BatchID:     r.BatchID,
		Variables:   datatypes.JSON(encoded),
		Status:      r.Status.String(),
		TriggeredBy: r.Trigger.String(),
		Output:      r.Output,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
		OwnerID:     r.OwnerID,
		HeartbeatAt: r.HeartbeatAt,
	}, nil
}

func auditToDomain(a *db.AuditLogModel) *domain.AuditLog {
	var details map[string]any
	if len(a.Details) > 0 {
		_ = json.Unmarshal(a.Details, &details)
	}
	return &domain.AuditLog{
		ID:         a.ID,
		UserID:     a.UserID,
		Username:   a.Username,
		Action:     a.Action,
		Resource:   a.Resource,
		ResourceID: a.ResourceID,
		Details:    details,
		IP:         a.IP,
		CreatedAt:  a.CreatedAt,
	}
}

func auditToModel(a *domain.AuditLog) (*db.AuditLogModel, error) {
	details := a.Details
	if details == nil {
		details = map[string]any{}
	}
	encoded, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit details: %w", err)
	}
	return &db.AuditLogModel{
		BaseModel:  db.BaseModel{ID: a.ID, CreatedAt: a.CreatedAt},
		UserID:     a.UserID,
		Username:   a.Username,
		Action:     a.Action,
		Resource:   a.Resource,
		ResourceID: a.ResourceID,
		Details:    datatypes.JSON(encoded),
		IP:         a.IP,
	}, nil
}
