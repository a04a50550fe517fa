package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks the rule as a whole. Trigger/action shape is already fixed by
// their types; this covers the cross-field constraints.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.WorkspaceID) == "" {
		return configErr("workspace_id", "required")
	}
	if _, err := ParseItemType(string(r.ItemType)); err != nil {
		return configErr("item_type", "%v", err)
	}
	switch t := r.Trigger.(type) {
	case nil:
		return configErr("trigger_type", "required")
	case InvalidTrigger:
		return t.Err
	case EscalationTimer:
		if r.Escalation == nil {
			return configErr("escalation", "required for %s trigger", TriggerEscalationTimer)
		}
	}
	switch a := r.Action.(type) {
	case nil:
		return configErr("action_type", "required")
	case InvalidAction:
		return a.Err
	case Reassign:
		if r.Escalation == nil || !r.Escalation.AutoReassign {
			return configErr("action_type", "%s requires an escalation policy with auto_reassign", ActionReassign)
		}
	}
	if r.Escalation != nil {
		if err := r.Escalation.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// MaxThresholdHours caps every hour-valued rule threshold at ten years so the
// scanner's duration arithmetic cannot overflow.
const MaxThresholdHours = 10 * 365 * 24

// Validate enforces threshold ordering: a rule cannot breach its SLA before it
// has triggered.
func (p EscalationPolicy) Validate() error {
	if p.TriggerAfterHours < 1 {
		return configErr("trigger_after_hours", "must be >= 1")
	}
	if p.TriggerAfterHours > MaxThresholdHours {
		return configErr("trigger_after_hours", "must be <= %d", MaxThresholdHours)
	}
	if p.SLAHours != nil {
		if *p.SLAHours < 1 {
			return configErr("sla_hours", "must be >= 1")
		}
		if *p.SLAHours > MaxThresholdHours {
			return configErr("sla_hours", "must be <= %d", MaxThresholdHours)
		}
		if *p.SLAHours < p.TriggerAfterHours {
			return configErr("sla_hours", "must be >= trigger_after_hours (%d)", p.TriggerAfterHours)
		}
	}
	switch p.EscalateTo {
	case EscalateParent, EscalateDepartment, EscalateRoot:
	default:
		return configErr("escalate_to", "must be one of PARENT, DEPARTMENT, ROOT")
	}
	for _, id := range p.EscalationPath {
		if strings.TrimSpace(id) == "" {
			return configErr("escalation_path", "contains empty workspace id")
		}
	}
	for _, role := range p.NotifyRoles {
		if strings.TrimSpace(role) == "" {
			return configErr("notify_roles", "contains empty role")
		}
	}
	return nil
}

// Normalize canonicalizes the set-valued fields in place.
func (p *EscalationPolicy) Normalize() {
	p.EscalateTo = EscalationTarget(strings.ToUpper(strings.TrimSpace(string(p.EscalateTo))))
	p.NotifyRoles = uniqueStrings(p.NotifyRoles)
	p.NotificationChannels = uniqueStrings(p.NotificationChannels)
}

func (r Rule) String() string {
	return fmt.Sprintf("rule %s [%s %s on %s -> %s]", r.ID, r.WorkspaceID, r.ItemType, describeTrigger(r.Trigger), Describe(r.Action))
}

// RulePatch carries the mutable fields of a rule. Nil fields are left alone.
type RulePatch struct {
	Trigger         Trigger
	Action          Action
	Escalation      *EscalationPolicy
	ClearEscalation bool
	IsActive        *bool
}

// Apply returns the patched copy of r, validated.
func (p RulePatch) Apply(r Rule) (Rule, error) {
	if p.Trigger != nil {
		r.Trigger = p.Trigger
	}
	if p.Action != nil {
		r.Action = p.Action
	}
	if p.ClearEscalation {
		r.Escalation = nil
	}
	if p.Escalation != nil {
		esc := *p.Escalation
		esc.Normalize()
		r.Escalation = &esc
	}
	if p.IsActive != nil {
		r.IsActive = *p.IsActive
	}
	if err := r.Validate(); err != nil {
		var ce *ConfigurationError
		if errors.As(err, &ce) && ce.RuleID == "" {
			ce.RuleID = r.ID
		}
		return r, err
	}
	return r, nil
}

func uniqueStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// RuleSpec is the wire and file form of a rule: trigger and action travel as a
// type tag plus a config object.
type RuleSpec struct {
	ID            string            `json:"id,omitempty" yaml:"id,omitempty"`
	WorkspaceID   string            `json:"workspace_id" yaml:"workspace_id"`
	ItemType      string            `json:"item_type" yaml:"item_type"`
	TriggerType   string            `json:"trigger_type" yaml:"trigger_type"`
	TriggerConfig map[string]any    `json:"trigger_config,omitempty" yaml:"trigger_config,omitempty"`
	ActionType    string            `json:"action_type" yaml:"action_type"`
	ActionConfig  map[string]any    `json:"action_config,omitempty" yaml:"action_config,omitempty"`
	Escalation    *EscalationPolicy `json:"escalation,omitempty" yaml:"escalation,omitempty"`
	IsActive      *bool             `json:"is_active,omitempty" yaml:"is_active,omitempty"`
	CreatedBy     string            `json:"created_by,omitempty" yaml:"created_by,omitempty"`
}

// Rule parses the spec into a validated rule. Timestamps are left to the store.
func (s RuleSpec) Rule() (Rule, error) {
	itemType, err := ParseItemType(s.ItemType)
	if err != nil {
		return Rule{}, configErr("item_type", "%v", err)
	}
	trigger, err := ParseTrigger(s.TriggerType, s.TriggerConfig)
	if err != nil {
		return Rule{}, err
	}
	action, err := ParseAction(s.ActionType, s.ActionConfig)
	if err != nil {
		return Rule{}, err
	}
	r := Rule{
		ID:          s.ID,
		WorkspaceID: strings.TrimSpace(s.WorkspaceID),
		ItemType:    itemType,
		Trigger:     trigger,
		Action:      action,
		IsActive:    true,
		CreatedBy:   s.CreatedBy,
	}
	if s.IsActive != nil {
		r.IsActive = *s.IsActive
	}
	if s.Escalation != nil {
		esc := *s.Escalation
		esc.Normalize()
		r.Escalation = &esc
	}
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

// Spec renders the rule back into its wire form.
func (r Rule) Spec() RuleSpec {
	active := r.IsActive
	s := RuleSpec{
		ID:          r.ID,
		WorkspaceID: r.WorkspaceID,
		ItemType:    string(r.ItemType),
		Escalation:  r.Escalation,
		IsActive:    &active,
		CreatedBy:   r.CreatedBy,
	}
	if r.Trigger != nil {
		s.TriggerType = r.Trigger.TriggerType()
		s.TriggerConfig = r.Trigger.Config()
	}
	if r.Action != nil {
		s.ActionType = r.Action.ActionType()
		s.ActionConfig = r.Action.Config()
	}
	return s
}

type ruleJSON struct {
	RuleSpec
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r Rule) MarshalJSON() ([]byte, error) {
	spec := r.Spec()
	spec.IsActive = nil
	return json.Marshal(ruleJSON{RuleSpec: spec, IsActive: r.IsActive, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt})
}
