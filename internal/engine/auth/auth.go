// Package auth maps workspace roles onto permissions.
package auth

import (
	"context"
	"fmt"
	"sort"

	"escalator/internal/domain"
)

const (
	PermWorkspacesWrite = "workspaces:write"
	PermRulesRead       = "rules:read"
	PermRulesWrite      = "rules:write"
	PermItemsRead       = "items:read"
	PermItemsWrite      = "items:write"
	PermEventsIngest    = "events:ingest"
	PermActivityRead    = "activity:read"
	PermStatesRead      = "states:read"
	PermStatesReset     = "states:reset"
	PermScanRun         = "scan:run"
)

// Wildcard grants every permission.
const Wildcard = "*"

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission  string
	WorkspaceID string
}

func (e ForbiddenError) Error() string {
	if e.WorkspaceID == "" {
		return fmt.Sprintf("permission %s required", e.Permission)
	}
	return fmt.Sprintf("permission %s required in workspace %s", e.Permission, e.WorkspaceID)
}

// Principal is an authenticated caller. Permissions are global grants carried
// by the credential itself.
type Principal struct {
	ActorID     string
	Permissions []string
}

type Members interface {
	ListMembers(ctx context.Context, workspaceID string) ([]domain.Member, error)
}

// Service resolves workspace permissions from memberships and the configured
// role table.
type Service struct {
	Members Members
	Roles   map[string][]string
}

func (s Service) ActorRoles(ctx context.Context, workspaceID, actorID string) ([]string, error) {
	members, err := s.Members.ListMembers(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	var roles []string
	for _, m := range members {
		if m.ActorID == actorID {
			roles = append(roles, m.Role)
		}
	}
	sort.Strings(roles)
	return roles, nil
}

func (s Service) ActorPermissions(ctx context.Context, workspaceID, actorID string) ([]string, error) {
	roles, err := s.ActorRoles(ctx, workspaceID, actorID)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var perms []string
	for _, role := range roles {
		for _, p := range s.Roles[role] {
			if !seen[p] {
				seen[p] = true
				perms = append(perms, p)
			}
		}
	}
	sort.Strings(perms)
	return perms, nil
}

func (s Service) ActorHasPermission(ctx context.Context, workspaceID, actorID, perm string) (bool, error) {
	perms, err := s.ActorPermissions(ctx, workspaceID, actorID)
	if err != nil {
		return false, err
	}
	return HasPermission(perms, perm), nil
}

// Require returns a ForbiddenError unless p holds perm globally or through a
// role in workspaceID. An empty workspaceID checks global grants only.
func (s Service) Require(ctx context.Context, p Principal, workspaceID, perm string) error {
	if HasPermission(p.Permissions, perm) {
		return nil
	}
	if workspaceID == "" || s.Members == nil {
		return ForbiddenError{Permission: perm}
	}
	ok, err := s.ActorHasPermission(ctx, workspaceID, p.ActorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: perm, WorkspaceID: workspaceID}
	}
	return nil
}

func HasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm || p == Wildcard {
			return true
		}
	}
	return false
}
