package engine

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"escalator/internal/domain"
	"escalator/internal/observability"
)

// Execute applies rule's action for evt and writes exactly one activity entry,
// which it returns. Failures, including panics, are recorded in the entry and
// never escape.
func (e *Engine) Execute(ctx context.Context, rule domain.Rule, evt domain.Event) domain.ActivityEntry {
	entry, _ := e.execute(ctx, rule, evt)
	return entry
}

// execute is Execute that also surfaces the underlying error, so the scanner
// can tell transient failures apart.
func (e *Engine) execute(ctx context.Context, rule domain.Rule, evt domain.Event) (domain.ActivityEntry, error) {
	ctx, span := observability.StartSpan(ctx, "engine.execute",
		attribute.String("rule.id", rule.ID),
		attribute.String("item.id", evt.ItemID),
	)
	defer span.End()

	entry := domain.ActivityEntry{
		RuleID:      rule.ID,
		ItemID:      evt.ItemID,
		EventID:     evt.ID,
		EventKind:   evt.Kind,
		Level:       evt.Level,
		ActionTaken: domain.Describe(rule.Action),
	}
	err := e.apply(ctx, rule, evt, &entry)
	entry.FiredAt = e.now()
	if err != nil {
		span.RecordError(err)
	}
	e.Metrics.RuleFired(actionLabel(rule.Action), string(entry.Outcome))

	log := e.Logger.With(zap.String("rule_id", rule.ID), zap.String("item_id", evt.ItemID),
		zap.String("event_kind", string(evt.Kind)), zap.String("outcome", string(entry.Outcome)))
	if entry.Outcome == domain.OutcomeFailed {
		log.Warn("rule firing failed", zap.String("reason", entry.Reason))
	} else {
		log.Info("rule fired", zap.String("action", entry.ActionTaken), zap.String("reason", entry.Reason))
	}

	stored, aerr := retryValue(ctx, e.Config.Retry, func() (domain.ActivityEntry, error) {
		return e.Audit.AppendActivity(ctx, entry)
	})
	if aerr != nil {
		log.Error("append activity", zap.Error(aerr))
		if err == nil {
			err = aerr
		}
		return entry, err
	}
	return stored, err
}

func (e *Engine) apply(ctx context.Context, rule domain.Rule, evt domain.Event, entry *domain.ActivityEntry) (err error) {
	defer func() {
		if p := recover(); p != nil {
			entry.Outcome = domain.OutcomeFailed
			entry.Reason = fmt.Sprintf("panic: %v", p)
			err = fmt.Errorf("panic executing rule %s: %v", rule.ID, p)
		}
	}()

	unlock, err := e.Locker.Lock(ctx, "item:"+evt.ItemID)
	if err != nil {
		return fail(entry, &domain.TransientStorageError{Op: "lock item", Err: err})
	}
	defer unlock()

	current, err := retryValue(ctx, e.Config.Retry, func() (domain.Rule, error) { return e.Rules.GetRule(ctx, rule.ID) })
	switch {
	case isNotFound(err):
		return skip(entry, "rule deleted")
	case err != nil:
		return fail(entry, err)
	case !current.IsActive:
		return skip(entry, "rule inactive")
	}
	entry.ActionTaken = domain.Describe(current.Action)

	item, err := retryValue(ctx, e.Config.Retry, func() (domain.Item, error) { return e.Items.GetItem(ctx, evt.ItemID) })
	switch {
	case isNotFound(err):
		entry.Outcome, entry.Reason = domain.OutcomeFailed, "item not found"
		return nil
	case err != nil:
		return fail(entry, err)
	}

	switch a := current.Action.(type) {
	case domain.ChangeStatus:
		return e.changeStatus(ctx, item, a, entry)
	case domain.UpdatePriority:
		if item.Priority == a.NewPriority {
			return skip(entry, "priority already "+a.NewPriority)
		}
		if err := e.Config.Retry.do(ctx, func() error { return e.Items.SetItemPriority(ctx, item.ID, a.NewPriority) }); err != nil {
			return fail(entry, err)
		}
		return applied(entry, "priority set to "+a.NewPriority)
	case domain.AddTag:
		added, err := retryValue(ctx, e.Config.Retry, func() (bool, error) { return e.Items.AddItemTag(ctx, item.ID, a.Tag) })
		if err != nil {
			return fail(entry, err)
		}
		if !added {
			return skip(entry, "tag already present")
		}
		return applied(entry, "tag added")
	case domain.SendNotification:
		return e.sendNotification(ctx, current, evt, item, a, entry)
	case domain.Reassign:
		return e.reassign(ctx, current, evt, item, entry)
	case domain.InvalidAction:
		return fail(entry, a.Err)
	default:
		return fail(entry, &domain.ConfigurationError{RuleID: current.ID, Field: "action_type", Reason: "unsupported action"})
	}
}

func (e *Engine) changeStatus(ctx context.Context, item domain.Item, a domain.ChangeStatus, entry *domain.ActivityEntry) error {
	if item.Status == a.NewStatus {
		return skip(entry, "already in status "+a.NewStatus)
	}
	if err := e.Config.Retry.do(ctx, func() error { return e.Items.SetItemStatus(ctx, item.ID, a.NewStatus, e.now()) }); err != nil {
		return fail(entry, err)
	}
	if e.IsClosed(a.NewStatus) {
		if err := e.Config.Retry.do(ctx, func() error { return e.States.ResolveStates(ctx, item.ID) }); err != nil {
			e.Logger.Warn("resolve escalation states", zap.String("item_id", item.ID), zap.Error(err))
		}
	}
	return applied(entry, fmt.Sprintf("status %s -> %s", item.Status, a.NewStatus))
}

func (e *Engine) sendNotification(ctx context.Context, rule domain.Rule, evt domain.Event, item domain.Item, a domain.SendNotification, entry *domain.ActivityEntry) error {
	set := map[string]struct{}{}
	if a.NotifyAssignees {
		for _, id := range item.Assignees {
			set[id] = struct{}{}
		}
	}
	if a.NotifyCreator && item.CreatorID != "" {
		set[item.CreatorID] = struct{}{}
	}
	var channels []string
	if rule.Escalation != nil {
		channels = rule.Escalation.NotificationChannels
		if len(rule.Escalation.NotifyRoles) > 0 {
			actors, err := retryValue(ctx, e.Config.Retry, func() ([]string, error) {
				return e.Directory.ActorsWithRoles(ctx, item.WorkspaceID, rule.Escalation.NotifyRoles)
			})
			if err != nil {
				return fail(entry, err)
			}
			for _, id := range actors {
				set[id] = struct{}{}
			}
		}
	}
	if len(set) == 0 {
		return skip(entry, "no recipients")
	}
	recipients := make([]string, 0, len(set))
	for id := range set {
		recipients = append(recipients, id)
	}
	sort.Strings(recipients)

	n := domain.Notification{
		Recipients: recipients,
		Title:      a.Title,
		Body:       a.Message,
		Priority:   notificationPriority(item, evt),
		Channels:   channels,
		ItemID:     item.ID,
		RuleID:     rule.ID,
	}
	if err := e.Notifier.Notify(ctx, n); err != nil {
		return fail(entry, &domain.NotificationDispatchError{Err: err})
	}
	return applied(entry, fmt.Sprintf("notified %d recipient(s)", len(recipients)))
}

func (e *Engine) reassign(ctx context.Context, rule domain.Rule, evt domain.Event, item domain.Item, entry *domain.ActivityEntry) error {
	p := rule.Escalation
	if p == nil || !p.AutoReassign {
		return fail(entry, &domain.ConfigurationError{RuleID: rule.ID, Field: "escalation", Reason: "REASSIGN requires auto_reassign"})
	}
	target, recipients, err := e.resolveTarget(ctx, item, *p)
	if err != nil {
		return fail(entry, err)
	}
	if err := e.Config.Retry.do(ctx, func() error { return e.Items.ReassignItem(ctx, item.ID, target.ID, recipients) }); err != nil {
		return fail(entry, err)
	}

	// Delivery is fire-and-forget; the reassignment above stands regardless.
	n := domain.Notification{
		Recipients: recipients,
		Title:      "Escalated: " + item.Title,
		Body:       fmt.Sprintf("%s %s was escalated from %s to %s", item.Type, item.ID, item.WorkspaceID, target.Name),
		Priority:   notificationPriority(item, evt),
		Channels:   p.NotificationChannels,
		ItemID:     item.ID,
		RuleID:     rule.ID,
	}
	if err := e.Notifier.Notify(ctx, n); err != nil {
		e.Logger.Warn("escalation notification", zap.String("item_id", item.ID), zap.Error(&domain.NotificationDispatchError{Err: err}))
	}
	return applied(entry, fmt.Sprintf("reassigned to %s (%s)", target.Name, target.ID))
}

func notificationPriority(item domain.Item, evt domain.Event) string {
	if evt.Kind == domain.EventSLABreached {
		return "URGENT"
	}
	if item.Priority != "" {
		return item.Priority
	}
	return "NORMAL"
}

func actionLabel(a domain.Action) string {
	if a == nil {
		return "NONE"
	}
	return a.ActionType()
}

func applied(entry *domain.ActivityEntry, reason string) error {
	entry.Outcome, entry.Reason = domain.OutcomeApplied, reason
	return nil
}

func skip(entry *domain.ActivityEntry, reason string) error {
	entry.Outcome, entry.Reason = domain.OutcomeSkipped, reason
	return nil
}

func fail(entry *domain.ActivityEntry, err error) error {
	entry.Outcome, entry.Reason = domain.OutcomeFailed, err.Error()
	return err
}
