package domain

import (
	"fmt"
	"strings"
	"time"
)

type ItemType string

const (
	ItemTask            ItemType = "TASK"
	ItemBudgetRequest   ItemType = "BUDGET_REQUEST"
	ItemResourceRequest ItemType = "RESOURCE_REQUEST"
)

// ParseItemType accepts any casing and surrounding whitespace.
func ParseItemType(s string) (ItemType, error) {
	t := ItemType(strings.ToUpper(strings.TrimSpace(s)))
	switch t {
	case ItemTask, ItemBudgetRequest, ItemResourceRequest:
		return t, nil
	}
	return "", fmt.Errorf("invalid item type %q", s)
}

type EventKind string

const (
	EventCreated             EventKind = "CREATED"
	EventStatusChanged       EventKind = "STATUS_CHANGED"
	EventDueDateApproaching  EventKind = "DUE_DATE_APPROACHING"
	EventEscalationTriggered EventKind = "ESCALATION_TRIGGERED"
	EventSLABreached         EventKind = "SLA_BREACHED"
)

func ParseEventKind(s string) (EventKind, error) {
	k := EventKind(strings.ToUpper(strings.TrimSpace(s)))
	switch k {
	case EventCreated, EventStatusChanged, EventDueDateApproaching, EventEscalationTriggered, EventSLABreached:
		return k, nil
	}
	return "", fmt.Errorf("invalid event kind %q", s)
}

// Timer reports whether the kind is only ever raised by the scanner.
func (k EventKind) Timer() bool {
	return k == EventDueDateApproaching || k == EventEscalationTriggered || k == EventSLABreached
}

type EventSource string

const (
	SourceIngest  EventSource = "INGEST"
	SourceScanner EventSource = "SCANNER"
)

type Outcome string

const (
	OutcomeApplied Outcome = "APPLIED"
	OutcomeSkipped Outcome = "SKIPPED"
	OutcomeFailed  Outcome = "FAILED"
)

type EscalationTarget string

const (
	EscalateParent     EscalationTarget = "PARENT"
	EscalateDepartment EscalationTarget = "DEPARTMENT"
	EscalateRoot       EscalationTarget = "ROOT"
)

type WorkspaceKind string

const (
	WorkspaceRoot       WorkspaceKind = "ROOT"
	WorkspaceDepartment WorkspaceKind = "DEPARTMENT"
	WorkspaceTeam       WorkspaceKind = "TEAM"
)

// NormalizeStatus canonicalizes status names so "in progress", "in_progress" and
// "IN_PROGRESS" compare equal.
func NormalizeStatus(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "_")
	return strings.Join(strings.Fields(s), "_")
}

type Workspace struct {
	ID        string        `json:"id"`
	ParentID  *string       `json:"parent_id,omitempty"`
	Name      string        `json:"name"`
	Kind      WorkspaceKind `json:"kind"`
	LeadID    *string       `json:"lead_id,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

type Member struct {
	WorkspaceID string `json:"workspace_id"`
	ActorID     string `json:"actor_id"`
	Role        string `json:"role"`
}

type Item struct {
	ID              string     `json:"id"`
	WorkspaceID     string     `json:"workspace_id"`
	Type            ItemType   `json:"type"`
	Title           string     `json:"title"`
	Status          string     `json:"status"`
	Priority        string     `json:"priority,omitempty"`
	Tags            []string   `json:"tags"`
	Assignees       []string   `json:"assignees"`
	CreatorID       string     `json:"creator_id"`
	CreatedAt       time.Time  `json:"created_at"`
	StatusChangedAt time.Time  `json:"status_changed_at"`
	DueAt           *time.Time `json:"due_at,omitempty"`
}

// Anchor is the timestamp the escalation clock runs from: the moment the item
// entered its current status.
func (i Item) Anchor() time.Time {
	if i.StatusChangedAt.IsZero() {
		return i.CreatedAt
	}
	return i.StatusChangedAt
}

func (i Item) HasTag(tag string) bool {
	for _, t := range i.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Rule is an automation rule owned by one workspace and one item type.
type Rule struct {
	ID          string            `json:"id"`
	WorkspaceID string            `json:"workspace_id"`
	ItemType    ItemType          `json:"item_type"`
	Trigger     Trigger           `json:"-"`
	Action      Action            `json:"-"`
	Escalation  *EscalationPolicy `json:"escalation,omitempty"`
	IsActive    bool              `json:"is_active"`
	CreatedBy   string            `json:"created_by"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// EscalationPolicy turns a rule into a timer-driven escalation rule.
type EscalationPolicy struct {
	TriggerAfterHours    int              `json:"trigger_after_hours" yaml:"trigger_after_hours"`
	SLAHours             *int             `json:"sla_hours,omitempty" yaml:"sla_hours,omitempty"`
	EscalateTo           EscalationTarget `json:"escalate_to" yaml:"escalate_to"`
	EscalationPath       []string         `json:"escalation_path,omitempty" yaml:"escalation_path,omitempty"`
	NotifyRoles          []string         `json:"notify_roles,omitempty" yaml:"notify_roles,omitempty"`
	NotificationChannels []string         `json:"notification_channels,omitempty" yaml:"notification_channels,omitempty"`
	AutoReassign         bool             `json:"auto_reassign" yaml:"auto_reassign"`
}

// LevelThreshold returns the age in hours at which the given escalation level
// fires. Level 1 is the trigger, level 2 the SLA breach.
func (p EscalationPolicy) LevelThreshold(level int) (int, bool) {
	switch level {
	case 1:
		return p.TriggerAfterHours, true
	case 2:
		if p.SLAHours != nil {
			return *p.SLAHours, true
		}
	}
	return 0, false
}

// Timer reports whether the rule is evaluated by the scanner rather than by
// ingested events.
func (r Rule) Timer() bool {
	switch r.Trigger.(type) {
	case EscalationTimer, DueDateApproaching:
		return true
	}
	return false
}

type Event struct {
	ID          string         `json:"id"`
	ItemID      string         `json:"item_id"`
	ItemType    ItemType       `json:"item_type"`
	WorkspaceID string         `json:"workspace_id"`
	Kind        EventKind      `json:"kind"`
	FromStatus  string         `json:"from_status,omitempty"`
	ToStatus    string         `json:"to_status,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at"`
	Source      EventSource    `json:"source"`
	RuleID      string         `json:"rule_id,omitempty"`
	Level       int            `json:"level,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

type StateStatus string

const (
	StateIdle      StateStatus = "IDLE"
	StateTriggered StateStatus = "TRIGGERED"
	StateEscalated StateStatus = "ESCALATED"
	StateResolved  StateStatus = "RESOLVED"
)

// StatusForLevel maps an escalation level onto the state machine.
func StatusForLevel(level int) StateStatus {
	switch {
	case level <= 0:
		return StateIdle
	case level == 1:
		return StateTriggered
	default:
		return StateEscalated
	}
}

// EscalationState tracks firings for one (item, rule) pair.
type EscalationState struct {
	ItemID          string      `json:"item_id"`
	RuleID          string      `json:"rule_id"`
	Status          StateStatus `json:"status"`
	Level           int         `json:"level"`
	LastTriggeredAt *time.Time  `json:"last_triggered_at,omitempty"`
	AnchorAt        time.Time   `json:"anchor_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Claim is a request to move an (item, rule) state to Level. It succeeds only
// if the stored state is exactly one level below (or stale w.r.t. AnchorAt)
// and the cooldown since the last firing has elapsed.
type Claim struct {
	ItemID   string
	RuleID   string
	Level    int
	AnchorAt time.Time
	Now      time.Time
	Cooldown time.Duration
}

type ActivityEntry struct {
	ID          string    `json:"id"`
	RuleID      string    `json:"rule_id"`
	ItemID      string    `json:"item_id"`
	EventID     string    `json:"event_id,omitempty"`
	EventKind   EventKind `json:"event_kind"`
	Level       int       `json:"level,omitempty"`
	FiredAt     time.Time `json:"fired_at"`
	ActionTaken string    `json:"action_taken"`
	Outcome     Outcome   `json:"outcome"`
	Reason      string    `json:"reason,omitempty"`
}

type ActivityFilter struct {
	RuleID  string
	ItemID  string
	Outcome Outcome
	Limit   int
}

// Notification is the payload handed to the notification collaborator.
type Notification struct {
	Recipients []string `json:"recipients"`
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	Priority   string   `json:"priority"`
	Channels   []string `json:"channels,omitempty"`
	ItemID     string   `json:"item_id"`
	RuleID     string   `json:"rule_id"`
}

// RuleFilter narrows a rule listing. Zero fields match everything.
type RuleFilter struct {
	WorkspaceID string
	ItemType    ItemType
	ActiveOnly  bool
	// TimerOnly keeps rules evaluated by the scanner.
	TimerOnly bool
}

// ItemQuery selects the open items of one workspace and type.
type ItemQuery struct {
	WorkspaceID     string
	Type            ItemType
	ExcludeStatuses []string
}
