package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"escalator/internal/domain"
)

// maxHierarchyDepth bounds ancestor walks so a corrupted parent chain cannot
// loop forever.
const maxHierarchyDepth = 64

// resolveTarget picks the workspace an item escalates to and the actors it is
// assigned to there: the workspace lead, or the members holding one of the
// policy's notify roles when there is no lead.
//
// With an escalation path the hops are tried in order, starting after the
// item's current workspace when it appears in the path; hops that are missing
// or have nobody to notify are skipped. Without a path, EscalateTo walks the
// workspace hierarchy.
func (e *Engine) resolveTarget(ctx context.Context, item domain.Item, p domain.EscalationPolicy) (domain.Workspace, []string, error) {
	current, err := e.workspace(ctx, item.WorkspaceID)
	if isNotFound(err) {
		return domain.Workspace{}, nil, resolutionErr(p, "workspace %s not found", item.WorkspaceID)
	}
	if err != nil {
		return domain.Workspace{}, nil, err
	}

	if len(p.EscalationPath) > 0 {
		return e.walkPath(ctx, current, p)
	}

	var target domain.Workspace
	switch p.EscalateTo {
	case domain.EscalateParent:
		if current.ParentID == nil {
			return domain.Workspace{}, nil, resolutionErr(p, "no parent workspace")
		}
		target, err = e.workspace(ctx, *current.ParentID)
		if isNotFound(err) {
			return domain.Workspace{}, nil, resolutionErr(p, "parent workspace %s not found", *current.ParentID)
		}
	case domain.EscalateDepartment:
		target, err = e.ancestor(ctx, current, p, func(ws domain.Workspace) bool { return ws.Kind == domain.WorkspaceDepartment })
	case domain.EscalateRoot:
		if current.ParentID == nil {
			return domain.Workspace{}, nil, resolutionErr(p, "item is already in the root workspace")
		}
		target, err = e.ancestor(ctx, current, p, func(ws domain.Workspace) bool { return ws.ParentID == nil })
	default:
		return domain.Workspace{}, nil, resolutionErr(p, "unknown escalation target %q", p.EscalateTo)
	}
	if err != nil {
		return domain.Workspace{}, nil, err
	}

	assignees, err := e.notifiable(ctx, target, p.NotifyRoles)
	if err != nil {
		return domain.Workspace{}, nil, err
	}
	if len(assignees) == 0 {
		return domain.Workspace{}, nil, resolutionErr(p, "workspace %s has no lead or members to notify", target.ID)
	}
	return target, assignees, nil
}

func (e *Engine) walkPath(ctx context.Context, current domain.Workspace, p domain.EscalationPolicy) (domain.Workspace, []string, error) {
	start := 0
	for i, id := range p.EscalationPath {
		if id == current.ID {
			start = i + 1
		}
	}
	for _, id := range p.EscalationPath[start:] {
		ws, err := e.workspace(ctx, id)
		if isNotFound(err) {
			e.Logger.Warn("escalation path hop not found", zap.String("workspace_id", id))
			continue
		}
		if err != nil {
			return domain.Workspace{}, nil, err
		}
		assignees, err := e.notifiable(ctx, ws, p.NotifyRoles)
		if err != nil {
			return domain.Workspace{}, nil, err
		}
		if len(assignees) == 0 {
			e.Logger.Debug("escalation path hop has nobody to notify", zap.String("workspace_id", id))
			continue
		}
		return ws, assignees, nil
	}
	return domain.Workspace{}, nil, resolutionErr(p, "escalation path exhausted")
}

// ancestor returns the nearest proper ancestor of ws satisfying match.
func (e *Engine) ancestor(ctx context.Context, ws domain.Workspace, p domain.EscalationPolicy, match func(domain.Workspace) bool) (domain.Workspace, error) {
	seen := map[string]bool{ws.ID: true}
	for depth := 0; ws.ParentID != nil && depth < maxHierarchyDepth; depth++ {
		parentID := *ws.ParentID
		if seen[parentID] {
			break
		}
		seen[parentID] = true
		parent, err := e.workspace(ctx, parentID)
		if isNotFound(err) {
			return domain.Workspace{}, resolutionErr(p, "parent workspace %s not found", parentID)
		}
		if err != nil {
			return domain.Workspace{}, err
		}
		if match(parent) {
			return parent, nil
		}
		ws = parent
	}
	return domain.Workspace{}, resolutionErr(p, "no %s workspace above %s", p.EscalateTo, ws.ID)
}

// notifiable lists who an escalation lands on in ws: its lead, or failing
// that the members holding one of roles.
func (e *Engine) notifiable(ctx context.Context, ws domain.Workspace, roles []string) ([]string, error) {
	if ws.LeadID != nil && *ws.LeadID != "" {
		return []string{*ws.LeadID}, nil
	}
	if len(roles) == 0 {
		return nil, nil
	}
	return retryValue(ctx, e.Config.Retry, func() ([]string, error) {
		return e.Directory.ActorsWithRoles(ctx, ws.ID, roles)
	})
}

func (e *Engine) workspace(ctx context.Context, id string) (domain.Workspace, error) {
	return retryValue(ctx, e.Config.Retry, func() (domain.Workspace, error) {
		return e.Directory.GetWorkspace(ctx, id)
	})
}

func resolutionErr(p domain.EscalationPolicy, format string, args ...any) *domain.TargetResolutionError {
	return &domain.TargetResolutionError{EscalateTo: p.EscalateTo, Reason: fmt.Sprintf(format, args...)}
}
