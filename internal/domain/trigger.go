package domain

import (
	"fmt"
	"math"
	"strings"
)

const (
	TriggerStatusChanged      = "STATUS_CHANGED"
	TriggerItemCreated        = "ITEM_CREATED"
	TriggerDueDateApproaching = "DUE_DATE_APPROACHING"
	TriggerEscalationTimer    = "ESCALATION_TIMER"
)

// Trigger is the closed set of conditions a rule can fire on.
type Trigger interface {
	TriggerType() string
	Config() map[string]any
	isTrigger()
}

type StatusChanged struct {
	FromStatus string
	ToStatus   string
}

type ItemCreated struct{}

type DueDateApproaching struct {
	HoursBeforeDue int
}

// EscalationTimer fires off the rule's EscalationPolicy thresholds.
type EscalationTimer struct{}

// InvalidTrigger carries a stored trigger that could not be decoded. It never
// matches an event.
type InvalidTrigger struct {
	Type string
	Err  error
}

func (StatusChanged) TriggerType() string      { return TriggerStatusChanged }
func (ItemCreated) TriggerType() string        { return TriggerItemCreated }
func (DueDateApproaching) TriggerType() string { return TriggerDueDateApproaching }
func (EscalationTimer) TriggerType() string    { return TriggerEscalationTimer }
func (t InvalidTrigger) TriggerType() string   { return t.Type }

func (t StatusChanged) Config() map[string]any {
	cfg := map[string]any{"toStatus": t.ToStatus}
	if t.FromStatus != "" {
		cfg["fromStatus"] = t.FromStatus
	}
	return cfg
}
func (ItemCreated) Config() map[string]any { return map[string]any{} }
func (t DueDateApproaching) Config() map[string]any {
	return map[string]any{"hoursBeforeDue": t.HoursBeforeDue}
}
func (EscalationTimer) Config() map[string]any { return map[string]any{} }
func (InvalidTrigger) Config() map[string]any  { return map[string]any{} }

func (StatusChanged) isTrigger()      {}
func (ItemCreated) isTrigger()        {}
func (DueDateApproaching) isTrigger() {}
func (EscalationTimer) isTrigger()    {}
func (InvalidTrigger) isTrigger()     {}

// ParseTrigger builds a typed trigger from its wire form.
func ParseTrigger(typ string, cfg map[string]any) (Trigger, error) {
	switch strings.ToUpper(strings.TrimSpace(typ)) {
	case TriggerStatusChanged:
		to, err := stringField(cfg, "toStatus", true)
		if err != nil {
			return nil, err
		}
		from, err := stringField(cfg, "fromStatus", false)
		if err != nil {
			return nil, err
		}
		return StatusChanged{FromStatus: NormalizeStatus(from), ToStatus: NormalizeStatus(to)}, nil
	case TriggerItemCreated:
		return ItemCreated{}, nil
	case TriggerDueDateApproaching:
		hours, err := intField(cfg, "hoursBeforeDue", true)
		if err != nil {
			return nil, err
		}
		if hours < 1 {
			return nil, configErr("hoursBeforeDue", "must be >= 1")
		}
		if hours > MaxThresholdHours {
			return nil, configErr("hoursBeforeDue", "must be <= %d", MaxThresholdHours)
		}
		return DueDateApproaching{HoursBeforeDue: hours}, nil
	case TriggerEscalationTimer:
		return EscalationTimer{}, nil
	case "":
		return nil, configErr("trigger_type", "required")
	default:
		return nil, configErr("trigger_type", "unknown trigger type %q", typ)
	}
}

// DecodeTrigger is the lenient form of ParseTrigger used when reading stored
// rules: failures become an InvalidTrigger instead of an error.
func DecodeTrigger(typ string, cfg map[string]any) Trigger {
	t, err := ParseTrigger(typ, cfg)
	if err != nil {
		return InvalidTrigger{Type: typ, Err: err}
	}
	return t
}

func stringField(cfg map[string]any, key string, required bool) (string, error) {
	raw, ok := cfg[key]
	if !ok || raw == nil {
		if required {
			return "", configErr(key, "required")
		}
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", configErr(key, "must be a string")
	}
	s = strings.TrimSpace(s)
	if s == "" && required {
		return "", configErr(key, "required")
	}
	return s, nil
}

func intField(cfg map[string]any, key string, required bool) (int, error) {
	raw, ok := cfg[key]
	if !ok || raw == nil {
		if required {
			return 0, configErr(key, "required")
		}
		return 0, nil
	}
	switch v := raw.(type) {
	case int:
		if v < math.MinInt32 || v > math.MaxInt32 {
			return 0, configErr(key, "out of range")
		}
		return v, nil
	case int64:
		if v < math.MinInt32 || v > math.MaxInt32 {
			return 0, configErr(key, "out of range")
		}
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, configErr(key, "must be an integer")
		}
		if v < math.MinInt32 || v > math.MaxInt32 {
			return 0, configErr(key, "out of range")
		}
		return int(v), nil
	default:
		return 0, configErr(key, "must be a number")
	}
}

func boolField(cfg map[string]any, key string) (bool, error) {
	raw, ok := cfg[key]
	if !ok || raw == nil {
		return false, nil
	}
	b, ok := raw.(bool)
	if !ok {
		return false, configErr(key, "must be a boolean")
	}
	return b, nil
}

func describeTrigger(t Trigger) string {
	switch v := t.(type) {
	case StatusChanged:
		if v.FromStatus != "" {
			return fmt.Sprintf("status %s -> %s", v.FromStatus, v.ToStatus)
		}
		return fmt.Sprintf("status -> %s", v.ToStatus)
	case DueDateApproaching:
		return fmt.Sprintf("%dh before due", v.HoursBeforeDue)
	case nil:
		return "none"
	default:
		return strings.ToLower(t.TriggerType())
	}
}
