// Package targets expands a form's target binding into concrete servers.
package targets

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/oar-cd/conductor/domain"
	"github.com/oar-cd/conductor/repository"
)

type Resolver struct {
	servers repository.ServerRepository
	groups  repository.ServerGroupRepository
}

func NewResolver(servers repository.ServerRepository, groups repository.ServerGroupRepository) *Resolver {
	return &Resolver{servers: servers, groups: groups}
}

// Resolve returns the ordered, deduplicated servers a form targets
func (r *Resolver) Resolve(form *domain.Form) ([]*domain.Server, error) {
	switch {
	case form.ServerID != nil && form.ServerGroupID != nil:
		return nil, domain.NewConfigurationError("form %q targets both a server and a server group", form.Name)
	case form.ServerID != nil:
		server, err := r.ResolveServer(*form.ServerID)
		if err != nil {
			return nil, err
		}
		return []*domain.Server{server}, nil
	case form.ServerGroupID != nil:
		return r.resolveGroup(form, *form.ServerGroupID)
	default:
		return nil, domain.NewConfigurationError("form %q has no target server or server group", form.Name)
	}
}

// ResolveServer loads a single target, mapping a missing row to ConfigurationError
func (r *Resolver) ResolveServer(id uuid.UUID) (*domain.Server, error) {
	server, err := r.servers.FindByID(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewConfigurationError("server %s does not exist", id)
		}
		return nil, fmt.Errorf("failed to load server: %w", err)
	}
	return server, nil
}

func (r *Resolver) resolveGroup(form *domain.Form, groupID uuid.UUID) ([]*domain.Server, error) {
	group, err := r.groups.FindByID(groupID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewConfigurationError("server group %s does not exist", groupID)
		}
		return nil, fmt.Errorf("failed to load server group: %w", err)
	}

	members, err := r.groups.Members(groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to load members of group %q: %w", group.Name, err)
	}

	seen := make(map[uuid.UUID]struct{}, len(members))
	servers := make([]*domain.Server, 0, len(members))
	for _, s := range members {
		if _, dup := seen[s.ID]; dup {
			continue
		}
		seen[s.ID] = struct{}{}
		servers = append(servers, s)
	}

	if len(servers) == 0 {
		return nil, domain.NewConfigurationError("server group %q used by form %q resolves to no servers", group.Name, form.Name)
	}
	return servers, nil
}
