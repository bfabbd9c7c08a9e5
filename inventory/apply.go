package inventory

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/oar-cd/conductor/audit"
	"github.com/oar-cd/conductor/domain"
	"github.com/oar-cd/conductor/repository"
)

const (
	ActionCreated = "created"
	ActionUpdated = "updated"
)

type Repositories struct {
	Servers   repository.ServerRepository
	Groups    repository.ServerGroupRepository
	Playbooks repository.PlaybookRepository
	Vaults    repository.VaultRepository
	Forms     repository.FormRepository
}

// Rescheduler recomputes a form's next fire time after its schedule changed
type Rescheduler interface {
	Reschedule(ctx context.Context, formID uuid.UUID) error
}

// Change describes one upserted object
type Change struct {
	Kind   string
	Name   string
	ID     uuid.UUID
	Action string
}

type Result struct {
	Changes []Change
	// WebhookTokens holds tokens generated during this apply, keyed by form name
	WebhookTokens map[string]string
}

type Applier struct {
	repos       Repositories
	audit       audit.Sink
	rescheduler Rescheduler
}

func NewApplier(repos Repositories, auditSink audit.Sink, rescheduler Rescheduler) *Applier {
	return &Applier{
		repos:       repos,
		audit:       auditSink,
		rescheduler: rescheduler,
	}
}

// plan holds everything read from disk and the store before the first write
type plan struct {
	credentials map[string][2]string // server name -> private key, password
	existing    map[string]uuid.UUID // "kind/name" -> id of objects already stored
}

// Apply upserts every object of doc by name. References are checked before
// anything is written; a failure part way through leaves earlier objects applied.
func (a *Applier) Apply(ctx context.Context, actor domain.Actor, doc *Document) (*Result, error) {
	if !actor.CanAdminister() {
		return nil, &domain.AuthorizationError{Reason: "only admins may apply inventory"}
	}

	p, err := a.prepare(doc)
	if err != nil {
		return nil, err
	}

	result := &Result{WebhookTokens: map[string]string{}}
	ids := make(map[string]uuid.UUID, len(p.existing))
	for k, v := range p.existing {
		ids[k] = v
	}

	for _, spec := range doc.Servers {
		creds := p.credentials[spec.Name]
		server := &domain.Server{
			ID:         p.existing[key("server", spec.Name)],
			Name:       spec.Name,
			Host:       spec.Host,
			Port:       spec.Port,
			Username:   spec.Username,
			PrivateKey: creds[0],
			Password:   creds[1],
			PreCommand: spec.PreCommand,
		}
		change, err := a.upsertServer(server)
		if err != nil {
			return result, err
		}
		ids[key("server", spec.Name)] = change.ID
		a.record(ctx, actor, result, change)
	}

	for _, spec := range doc.Groups {
		group := &domain.ServerGroup{
			ID:          p.existing[key("group", spec.Name)],
			Name:        spec.Name,
			Description: spec.Description,
		}
		change, err := a.upsertGroup(group)
		if err != nil {
			return result, err
		}
		members := make([]uuid.UUID, 0, len(spec.Servers))
		for _, name := range spec.Servers {
			members = append(members, ids[key("server", name)])
		}
		if err := a.repos.Groups.SetMembers(change.ID, members); err != nil {
			return result, fmt.Errorf("failed to set members of group %q: %w", spec.Name, err)
		}
		ids[key("group", spec.Name)] = change.ID
		a.record(ctx, actor, result, change)
	}

	for _, spec := range doc.Playbooks {
		playbook := &domain.Playbook{
			ID:          p.existing[key("playbook", spec.Name)],
			Name:        spec.Name,
			Description: spec.Description,
			FilePath:    doc.resolve(spec.Path),
		}
		change, err := a.upsertPlaybook(playbook)
		if err != nil {
			return result, err
		}
		ids[key("playbook", spec.Name)] = change.ID
		a.record(ctx, actor, result, change)
	}

	for _, spec := range doc.Forms {
		form, err := a.buildForm(spec, ids)
		if err != nil {
			return result, err
		}
		change, token, err := a.upsertForm(form, spec.Webhook)
		if err != nil {
			return result, err
		}
		if token != "" {
			result.WebhookTokens[spec.Name] = token
		}
		a.record(ctx, actor, result, change)

		if a.rescheduler != nil {
			if err := a.rescheduler.Reschedule(ctx, change.ID); err != nil {
				return result, fmt.Errorf("failed to reschedule form %q: %w", spec.Name, err)
			}
		}
	}

	slog.Info("Inventory applied",
		"layer", "inventory",
		"operation", "apply",
		"changes", len(result.Changes))
	return result, nil
}

// prepare reads credential files and checks every cross-reference
func (a *Applier) prepare(doc *Document) (*plan, error) {
	p := &plan{
		credentials: make(map[string][2]string, len(doc.Servers)),
		existing:    map[string]uuid.UUID{},
	}
	var errs []error

	defined := map[string]bool{}
	for _, s := range doc.Servers {
		defined[key("server", s.Name)] = true
	}
	for _, g := range doc.Groups {
		defined[key("group", g.Name)] = true
	}
	for _, pb := range doc.Playbooks {
		defined[key("playbook", pb.Name)] = true
	}

	// lookup records the stored id of kind/name and reports whether it exists anywhere
	lookup := func(kind, name string) bool {
		k := key(kind, name)
		if _, ok := p.existing[k]; ok {
			return true
		}
		id, err := a.findID(kind, name)
		switch {
		case err == nil:
			p.existing[k] = id
			return true
		case errors.Is(err, gorm.ErrRecordNotFound):
			return defined[k]
		default:
			errs = append(errs, fmt.Errorf("failed to look up %s %q: %w", kind, name, err))
			return true
		}
	}

	for _, s := range doc.Servers {
		lookup("server", s.Name)
		privateKey, err := readSecretFile(doc.resolve(s.PrivateKeyFile), false)
		if err != nil {
			errs = append(errs, fmt.Errorf("server %q: %w", s.Name, err))
		}
		password, err := readSecretFile(doc.resolve(s.PasswordFile), true)
		if err != nil {
			errs = append(errs, fmt.Errorf("server %q: %w", s.Name, err))
		}
		p.credentials[s.Name] = [2]string{privateKey, password}
	}

	for _, g := range doc.Groups {
		lookup("group", g.Name)
		for _, member := range g.Servers {
			if !lookup("server", member) {
				errs = append(errs, fmt.Errorf("group %q: unknown server %q", g.Name, member))
			}
		}
	}

	for _, pb := range doc.Playbooks {
		lookup("playbook", pb.Name)
		if _, err := os.Stat(doc.resolve(pb.Path)); err != nil {
			errs = append(errs, fmt.Errorf("playbook %q: %w", pb.Name, err))
		}
	}

	for _, f := range doc.Forms {
		lookup("form", f.Name)
		if !lookup("playbook", f.Playbook) {
			errs = append(errs, fmt.Errorf("form %q: unknown playbook %q", f.Name, f.Playbook))
		}
		if f.Server != "" && !lookup("server", f.Server) {
			errs = append(errs, fmt.Errorf("form %q: unknown server %q", f.Name, f.Server))
		}
		if f.Group != "" && !lookup("group", f.Group) {
			errs = append(errs, fmt.Errorf("form %q: unknown group %q", f.Name, f.Group))
		}
		if f.Vault != "" && !lookup("vault", f.Vault) {
			errs = append(errs, fmt.Errorf("form %q: unknown vault %q (import it first)", f.Name, f.Vault))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return p, nil
}

func (a *Applier) findID(kind, name string) (uuid.UUID, error) {
	switch kind {
	case "server":
		s, err := a.repos.Servers.FindByName(name)
		if err != nil {
			return uuid.Nil, err
		}
		return s.ID, nil
	case "group":
		g, err := a.repos.Groups.FindByName(name)
		if err != nil {
			return uuid.Nil, err
		}
		return g.ID, nil
	case "playbook":
		pb, err := a.repos.Playbooks.FindByName(name)
		if err != nil {
			return uuid.Nil, err
		}
		return pb.ID, nil
	case "vault":
		v, err := a.repos.Vaults.FindByName(name)
		if err != nil {
			return uuid.Nil, err
		}
		return v.ID, nil
	case "form":
		f, err := a.repos.Forms.FindByName(name)
		if err != nil {
			return uuid.Nil, err
		}
		return f.ID, nil
	default:
		return uuid.Nil, fmt.Errorf("unknown kind %q", kind)
	}
}

func (a *Applier) upsertServer(server *domain.Server) (Change, error) {
	change := Change{Kind: "server", Name: server.Name, ID: server.ID, Action: ActionUpdated}
	if server.ID != uuid.Nil {
		if err := a.repos.Servers.Update(server); err != nil {
			return change, fmt.Errorf("failed to update server %q: %w", server.Name, err)
		}
		return change, nil
	}
	created, err := a.repos.Servers.Create(server)
	if err != nil {
		return change, fmt.Errorf("failed to create server %q: %w", server.Name, err)
	}
	change.ID, change.Action = created.ID, ActionCreated
	return change, nil
}

func (a *Applier) upsertGroup(group *domain.ServerGroup) (Change, error) {
	change := Change{Kind: "group", Name: group.Name, ID: group.ID, Action: ActionUpdated}
	if group.ID != uuid.Nil {
		if err := a.repos.Groups.Update(group); err != nil {
			return change, fmt.Errorf("failed to update group %q: %w", group.Name, err)
		}
		return change, nil
	}
	created, err := a.repos.Groups.Create(group)
	if err != nil {
		return change, fmt.Errorf("failed to create group %q: %w", group.Name, err)
	}
	change.ID, change.Action = created.ID, ActionCreated
	return change, nil
}

func (a *Applier) upsertPlaybook(playbook *domain.Playbook) (Change, error) {
	change := Change{Kind: "playbook", Name: playbook.Name, ID: playbook.ID, Action: ActionUpdated}
	if playbook.ID != uuid.Nil {
		if err := a.repos.Playbooks.Update(playbook); err != nil {
			return change, fmt.Errorf("failed to update playbook %q: %w", playbook.Name, err)
		}
		return change, nil
	}
	created, err := a.repos.Playbooks.Create(playbook)
	if err != nil {
		return change, fmt.Errorf("failed to create playbook %q: %w", playbook.Name, err)
	}
	change.ID, change.Action = created.ID, ActionCreated
	return change, nil
}

func (a *Applier) buildForm(spec FormSpec, ids map[string]uuid.UUID) (*domain.Form, error) {
	fields, err := spec.fields()
	if err != nil {
		return nil, fmt.Errorf("form %q: %w", spec.Name, err)
	}

	form := &domain.Form{
		Name:            spec.Name,
		Description:     spec.Description,
		PlaybookID:      ids[key("playbook", spec.Playbook)],
		IsQuickAction:   spec.QuickAction,
		ScheduleCron:    spec.Schedule,
		ScheduleEnabled: spec.Schedule != "" && !spec.Paused,
		NotifyWebhook:   spec.NotifyWebhook,
		NotifyEmail:     spec.NotifyEmail,
		AbortOnFailure:  spec.AbortOnFailure,
		Fields:          fields,
	}
	if spec.Server != "" {
		id := ids[key("server", spec.Server)]
		form.ServerID = &id
	}
	if spec.Group != "" {
		id := ids[key("group", spec.Group)]
		form.ServerGroupID = &id
	}
	if spec.Vault != "" {
		id := ids[key("vault", spec.Vault)]
		form.VaultID = &id
	}
	return form, nil
}

// upsertForm keeps an existing webhook token and returns a token only when it generated one
func (a *Applier) upsertForm(form *domain.Form, webhook bool) (Change, string, error) {
	change := Change{Kind: "form", Name: form.Name, Action: ActionUpdated}

	existing, err := a.repos.Forms.FindByName(form.Name)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return change, "", fmt.Errorf("failed to look up form %q: %w", form.Name, err)
	}

	var generated string
	switch {
	case !webhook:
	case existing != nil && existing.HasWebhook():
		form.WebhookToken = existing.WebhookToken
	default:
		token, err := newWebhookToken()
		if err != nil {
			return change, "", err
		}
		form.WebhookToken, generated = token, token
	}

	if existing != nil {
		form.ID = existing.ID
		change.ID = existing.ID
		if err := a.repos.Forms.Update(form); err != nil {
			return change, "", fmt.Errorf("failed to update form %q: %w", form.Name, err)
		}
		return change, generated, nil
	}

	created, err := a.repos.Forms.Create(form)
	if err != nil {
		return change, "", fmt.Errorf("failed to create form %q: %w", form.Name, err)
	}
	change.ID, change.Action = created.ID, ActionCreated
	return change, generated, nil
}

func (a *Applier) record(ctx context.Context, actor domain.Actor, result *Result, change Change) {
	result.Changes = append(result.Changes, change)
	a.audit.Record(ctx, audit.Entry{
		Actor:      actor,
		Action:     audit.ActionConfigChange,
		Resource:   change.Kind,
		ResourceID: change.ID.String(),
		Details: map[string]any{
			"operation": change.Action,
			"name":      change.Name,
			"source":    "inventory",
		},
	})
}

func key(kind, name string) string {
	return kind + "/" + name
}

// readSecretFile returns the content of path, or "" for an empty path
func readSecretFile(path string, trimNewline bool) (string, error) {
	if path == "" {
		return "", nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read credential file: %w", err)
	}
	if trimNewline {
		return strings.TrimRight(string(content), "\r\n"), nil
	}
	return string(content), nil
}

func newWebhookToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate webhook token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
