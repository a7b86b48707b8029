package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"venturegate/internal/config"
	"venturegate/internal/repo"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Principal is the authenticated caller of an operation.
type Principal struct {
	ActorID string
	// Roles and Permissions carried by the credential itself (JWT claims).
	Roles       []string
	Permissions []string
	// System marks service-internal callers such as ingestion and sweeps.
	System bool
}

// System is the principal for service-originated transitions.
func System() Principal {
	return Principal{ActorID: "system", System: true}
}

// Service resolves permissions from config roles plus DB grants.
type Service struct {
	Repo  repo.Repo
	Roles map[string]config.RBACRole
}

func NewService(r repo.Repo, cfg *config.Config) Service {
	s := Service{Repo: r}
	if cfg != nil {
		s.Roles = cfg.RBAC.Roles
	}
	return s
}

// ActorRoles returns granted roles plus roles carried by the principal.
func (s Service) ActorRoles(ctx context.Context, tx *sql.Tx, p Principal) ([]string, error) {
	seen := map[string]bool{}
	for _, r := range p.Roles {
		seen[r] = true
	}
	if p.ActorID != "" {
		granted, err := s.Repo.ActorRoles(ctx, tx, p.ActorID)
		if err != nil {
			return nil, err
		}
		for _, r := range granted {
			seen[r] = true
		}
	}
	roles := make([]string, 0, len(seen))
	for r := range seen {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles, nil
}

func (s Service) ActorPermissions(ctx context.Context, tx *sql.Tx, p Principal) ([]string, error) {
	roles, err := s.ActorRoles(ctx, tx, p)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for _, perm := range p.Permissions {
		seen[perm] = true
	}
	for _, r := range roles {
		for _, perm := range s.Roles[r].Permissions {
			seen[perm] = true
		}
	}
	perms := make([]string, 0, len(seen))
	for perm := range seen {
		perms = append(perms, perm)
	}
	sort.Strings(perms)
	return perms, nil
}

func (s Service) ActorHasPermission(ctx context.Context, tx *sql.Tx, p Principal, perm string) (bool, error) {
	if p.System {
		return true, nil
	}
	perms, err := s.ActorPermissions(ctx, tx, p)
	if err != nil {
		return false, err
	}
	for _, have := range perms {
		if have == perm {
			return true, nil
		}
	}
	return false, nil
}

// Require returns ForbiddenError unless p holds perm.
func (s Service) Require(ctx context.Context, tx *sql.Tx, p Principal, perm string) error {
	if p.ActorID == "" && !p.System {
		return errors.New("actor_id required")
	}
	ok, err := s.ActorHasPermission(ctx, tx, p, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: perm}
	}
	return nil
}
