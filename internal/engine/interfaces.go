package engine

import (
	"context"
	"time"

	"escalator/internal/domain"
)

// RuleStore is the engine's read-only view of rules.
type RuleStore interface {
	GetRule(ctx context.Context, id string) (domain.Rule, error)
	ListRules(ctx context.Context, f domain.RuleFilter) ([]domain.Rule, error)
}

// ItemStore is the item source of truth. The engine reads status and
// timestamps and writes status, priority, tags and assignment back.
type ItemStore interface {
	GetItem(ctx context.Context, id string) (domain.Item, error)
	ListOpenItems(ctx context.Context, q domain.ItemQuery) ([]domain.Item, error)
	SetItemStatus(ctx context.Context, id, status string, at time.Time) error
	SetItemPriority(ctx context.Context, id, priority string) error
	AddItemTag(ctx context.Context, id, tag string) (bool, error)
	ReassignItem(ctx context.Context, id, workspaceID string, assignees []string) error
}

// Directory resolves workspaces and role memberships for recipients and
// escalation targets.
type Directory interface {
	GetWorkspace(ctx context.Context, id string) (domain.Workspace, error)
	ActorsWithRoles(ctx context.Context, workspaceID string, roles []string) ([]string, error)
}

type StateStore interface {
	GetState(ctx context.Context, itemID, ruleID string) (domain.EscalationState, error)
	ClaimState(ctx context.Context, c domain.Claim) (*domain.EscalationState, bool, error)
	ReleaseState(ctx context.Context, c domain.Claim, prev *domain.EscalationState) error
	ResolveStates(ctx context.Context, itemID string) error
	// ListOpenStates returns the rule's states that are not RESOLVED.
	ListOpenStates(ctx context.Context, ruleID string) ([]domain.EscalationState, error)
}

type AuditLog interface {
	AppendActivity(ctx context.Context, e domain.ActivityEntry) (domain.ActivityEntry, error)
}

type Journal interface {
	Record(ctx context.Context, evt domain.Event) error
}

// Notifier hands a notification to the delivery collaborator. It must not
// block on delivery.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
