package engine

import (
	"go.uber.org/zap"

	"escalator/internal/domain"
)

// Matcher selects the rules an event fires. It is a pure function of its
// inputs and safe for concurrent use.
type Matcher struct {
	Logger *zap.Logger
}

// Match returns the active rules of rules whose trigger accepts evt, in input
// order. Rules of another item type, inactive rules and rules with invalid
// triggers never match; invalid triggers are logged.
func (m Matcher) Match(evt domain.Event, rules []domain.Rule) []domain.Rule {
	var out []domain.Rule
	for _, r := range rules {
		if !r.IsActive || r.ItemType != evt.ItemType {
			continue
		}
		if m.matches(evt, r) {
			out = append(out, r)
		}
	}
	return out
}

func (m Matcher) matches(evt domain.Event, r domain.Rule) bool {
	switch t := r.Trigger.(type) {
	case domain.StatusChanged:
		if evt.Kind != domain.EventStatusChanged {
			return false
		}
		if t.ToStatus != domain.NormalizeStatus(evt.ToStatus) {
			return false
		}
		return t.FromStatus == "" || t.FromStatus == domain.NormalizeStatus(evt.FromStatus)
	case domain.ItemCreated:
		return evt.Kind == domain.EventCreated
	case domain.DueDateApproaching:
		return evt.Kind == domain.EventDueDateApproaching && scannerTargets(evt, r)
	case domain.EscalationTimer:
		return (evt.Kind == domain.EventEscalationTriggered || evt.Kind == domain.EventSLABreached) && scannerTargets(evt, r)
	case domain.InvalidTrigger:
		m.warn("skipping rule with invalid trigger", r, zap.Error(t.Err))
		return false
	default:
		m.warn("skipping rule with unknown trigger", r)
		return false
	}
}

// scannerTargets holds for timer events raised by the scanner for this rule.
func scannerTargets(evt domain.Event, r domain.Rule) bool {
	return evt.Source == domain.SourceScanner && evt.RuleID == r.ID
}

func (m Matcher) warn(msg string, r domain.Rule, fields ...zap.Field) {
	if m.Logger == nil {
		return
	}
	fields = append(fields, zap.String("rule_id", r.ID))
	if r.Trigger != nil {
		fields = append(fields, zap.String("trigger_type", r.Trigger.TriggerType()))
	}
	m.Logger.Warn(msg, fields...)
}
