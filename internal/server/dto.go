package server

import (
	"time"

	"escalator/internal/domain"
	"escalator/internal/engine"
	"escalator/internal/events"
)

// Request payloads

type CreateWorkspaceRequest struct {
	ID       string  `json:"id,omitempty"`
	Name     string  `json:"name"`
	Kind     string  `json:"kind,omitempty" enum:"ROOT,DEPARTMENT,TEAM"`
	ParentID *string `json:"parent_id,omitempty"`
	LeadID   *string `json:"lead_id,omitempty"`
}

type SetLeadRequest struct {
	LeadID string `json:"lead_id"`
}

type AddMemberRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
}

// CreateRuleRequest is a rule spec without its workspace, which comes from
// the path.
type CreateRuleRequest struct {
	ID            string                   `json:"id,omitempty"`
	ItemType      string                   `json:"item_type" enum:"TASK,BUDGET_REQUEST,RESOURCE_REQUEST"`
	TriggerType   string                   `json:"trigger_type"`
	TriggerConfig map[string]any           `json:"trigger_config,omitempty"`
	ActionType    string                   `json:"action_type"`
	ActionConfig  map[string]any           `json:"action_config,omitempty"`
	Escalation    *domain.EscalationPolicy `json:"escalation,omitempty"`
	IsActive      *bool                    `json:"is_active,omitempty"`
}

// UpdateRuleRequest patches a rule. A trigger or action is replaced only when
// its type is given.
type UpdateRuleRequest struct {
	TriggerType     *string                  `json:"trigger_type,omitempty"`
	TriggerConfig   map[string]any           `json:"trigger_config,omitempty"`
	ActionType      *string                  `json:"action_type,omitempty"`
	ActionConfig    map[string]any           `json:"action_config,omitempty"`
	Escalation      *domain.EscalationPolicy `json:"escalation,omitempty"`
	ClearEscalation bool                     `json:"clear_escalation,omitempty"`
	IsActive        *bool                    `json:"is_active,omitempty"`
}

type CreateItemRequest struct {
	ID        string     `json:"id,omitempty"`
	Type      string     `json:"type" enum:"TASK,BUDGET_REQUEST,RESOURCE_REQUEST"`
	Title     string     `json:"title"`
	Status    string     `json:"status,omitempty"`
	Priority  string     `json:"priority,omitempty"`
	Tags      []string   `json:"tags,omitempty"`
	Assignees []string   `json:"assignees,omitempty"`
	DueAt     *time.Time `json:"due_at,omitempty"`
}

type SetStatusRequest struct {
	Status string `json:"status"`
}

type SetPriorityRequest struct {
	Priority string `json:"priority"`
}

type ResetStatesRequest struct {
	RuleID string `json:"rule_id,omitempty"`
}

// Responses

type WorkspaceResponse struct {
	ID        string    `json:"id"`
	ParentID  *string   `json:"parent_id,omitempty"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	LeadID    *string   `json:"lead_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type MemberResponse struct {
	WorkspaceID string `json:"workspace_id"`
	ActorID     string `json:"actor_id"`
	Role        string `json:"role"`
}

type RuleResponse struct {
	ID            string                   `json:"id"`
	WorkspaceID   string                   `json:"workspace_id"`
	ItemType      string                   `json:"item_type"`
	TriggerType   string                   `json:"trigger_type"`
	TriggerConfig map[string]any           `json:"trigger_config"`
	ActionType    string                   `json:"action_type"`
	ActionConfig  map[string]any           `json:"action_config"`
	Escalation    *domain.EscalationPolicy `json:"escalation,omitempty"`
	IsActive      bool                     `json:"is_active"`
	CreatedBy     string                   `json:"created_by"`
	CreatedAt     time.Time                `json:"created_at"`
	UpdatedAt     time.Time                `json:"updated_at"`
}

type ItemResponse struct {
	ID              string     `json:"id"`
	WorkspaceID     string     `json:"workspace_id"`
	Type            string     `json:"type"`
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

type ActivityResponse struct {
	ID          string    `json:"id"`
	RuleID      string    `json:"rule_id"`
	ItemID      string    `json:"item_id"`
	EventID     string    `json:"event_id,omitempty"`
	EventKind   string    `json:"event_kind"`
	Level       int       `json:"level,omitempty"`
	FiredAt     time.Time `json:"fired_at"`
	ActionTaken string    `json:"action_taken"`
	Outcome     string    `json:"outcome"`
	Reason      string    `json:"reason,omitempty"`
}

type EventResponse struct {
	ID          string         `json:"id"`
	ItemID      string         `json:"item_id"`
	ItemType    string         `json:"item_type"`
	WorkspaceID string         `json:"workspace_id"`
	Kind        string         `json:"kind"`
	FromStatus  string         `json:"from_status,omitempty"`
	ToStatus    string         `json:"to_status,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at"`
	Source      string         `json:"source"`
	RuleID      string         `json:"rule_id,omitempty"`
	Level       int            `json:"level,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// IngestResponse reports the canonical event and one activity entry per
// matched rule.
type IngestResponse struct {
	Event    EventResponse      `json:"event"`
	Activity []ActivityResponse `json:"activity"`
}

// ItemChangeResponse is returned by item mutations that raise an event.
type ItemChangeResponse struct {
	Item     ItemResponse       `json:"item"`
	Activity []ActivityResponse `json:"activity"`
}

type StateResponse struct {
	ItemID          string     `json:"item_id"`
	RuleID          string     `json:"rule_id"`
	Status          string     `json:"status"`
	Level           int        `json:"level"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	AnchorAt        time.Time  `json:"anchor_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type ResetStatesResponse struct {
	Reset int `json:"reset"`
}

type ScanResponse struct {
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	Rules      int       `json:"rules"`
	Items      int       `json:"items"`
	Evaluated  int       `json:"evaluated"`
	Fired      int       `json:"fired"`
	Failed     int       `json:"failed"`
	ClaimsLost int       `json:"claims_lost"`
	Released   int       `json:"released"`
}

type JournalEntryResponse struct {
	Seq   int64         `json:"seq"`
	Event EventResponse `json:"event"`
}

type paginatedJournal struct {
	Items      []JournalEntryResponse `json:"items"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

type PermissionsResponse struct {
	ActorID     string   `json:"actor_id"`
	WorkspaceID string   `json:"workspace_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

func workspaceResponse(ws domain.Workspace) WorkspaceResponse {
	return WorkspaceResponse{
		ID:        ws.ID,
		ParentID:  ws.ParentID,
		Name:      ws.Name,
		Kind:      string(ws.Kind),
		LeadID:    ws.LeadID,
		CreatedAt: ws.CreatedAt,
	}
}

func mapMembers(in []domain.Member) []MemberResponse {
	out := make([]MemberResponse, 0, len(in))
	for _, m := range in {
		out = append(out, MemberResponse{WorkspaceID: m.WorkspaceID, ActorID: m.ActorID, Role: m.Role})
	}
	return out
}

func ruleResponse(r domain.Rule) RuleResponse {
	spec := r.Spec()
	return RuleResponse{
		ID:            r.ID,
		WorkspaceID:   r.WorkspaceID,
		ItemType:      string(r.ItemType),
		TriggerType:   spec.TriggerType,
		TriggerConfig: nonNilMap(spec.TriggerConfig),
		ActionType:    spec.ActionType,
		ActionConfig:  nonNilMap(spec.ActionConfig),
		Escalation:    r.Escalation,
		IsActive:      r.IsActive,
		CreatedBy:     r.CreatedBy,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func mapRules(in []domain.Rule) []RuleResponse {
	out := make([]RuleResponse, 0, len(in))
	for _, r := range in {
		out = append(out, ruleResponse(r))
	}
	return out
}

func itemResponse(it domain.Item) ItemResponse {
	return ItemResponse{
		ID:              it.ID,
		WorkspaceID:     it.WorkspaceID,
		Type:            string(it.Type),
		Title:           it.Title,
		Status:          it.Status,
		Priority:        it.Priority,
		Tags:            nonNilSlice(it.Tags),
		Assignees:       nonNilSlice(it.Assignees),
		CreatorID:       it.CreatorID,
		CreatedAt:       it.CreatedAt,
		StatusChangedAt: it.StatusChangedAt,
		DueAt:           it.DueAt,
	}
}

func activityResponse(e domain.ActivityEntry) ActivityResponse {
	return ActivityResponse{
		ID:          e.ID,
		RuleID:      e.RuleID,
		ItemID:      e.ItemID,
		EventID:     e.EventID,
		EventKind:   string(e.EventKind),
		Level:       e.Level,
		FiredAt:     e.FiredAt,
		ActionTaken: e.ActionTaken,
		Outcome:     string(e.Outcome),
		Reason:      e.Reason,
	}
}

func mapActivity(in []domain.ActivityEntry) []ActivityResponse {
	out := make([]ActivityResponse, 0, len(in))
	for _, e := range in {
		out = append(out, activityResponse(e))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:          e.ID,
		ItemID:      e.ItemID,
		ItemType:    string(e.ItemType),
		WorkspaceID: e.WorkspaceID,
		Kind:        string(e.Kind),
		FromStatus:  e.FromStatus,
		ToStatus:    e.ToStatus,
		OccurredAt:  e.OccurredAt,
		Source:      string(e.Source),
		RuleID:      e.RuleID,
		Level:       e.Level,
		Payload:     e.Payload,
	}
}

func mapJournal(in []events.Entry) []JournalEntryResponse {
	out := make([]JournalEntryResponse, 0, len(in))
	for _, e := range in {
		out = append(out, JournalEntryResponse{Seq: e.Seq, Event: eventResponse(e.Event)})
	}
	return out
}

func mapStates(in []domain.EscalationState) []StateResponse {
	out := make([]StateResponse, 0, len(in))
	for _, s := range in {
		out = append(out, StateResponse{
			ItemID:          s.ItemID,
			RuleID:          s.RuleID,
			Status:          string(s.Status),
			Level:           s.Level,
			LastTriggeredAt: s.LastTriggeredAt,
			AnchorAt:        s.AnchorAt,
			UpdatedAt:       s.UpdatedAt,
		})
	}
	return out
}

func scanResponse(r engine.ScanReport) ScanResponse {
	return ScanResponse{
		StartedAt:  r.StartedAt,
		DurationMS: r.Duration.Milliseconds(),
		Rules:      r.Rules,
		Items:      r.Items,
		Evaluated:  r.Evaluated,
		Fired:      r.Fired,
		Failed:     r.Failed,
		ClaimsLost: r.ClaimsLost,
		Released:   r.Released,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func nonNilMap(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	return in
}
