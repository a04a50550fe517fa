package engine

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"escalator/internal/domain"
	"escalator/internal/lock"
	"escalator/internal/observability"
)

// Config carries the engine's tunables.
type Config struct {
	// ClosedStatuses end an item's escalation life. Items in these statuses are
	// never scanned and their states are resolved.
	ClosedStatuses []string
	// Cooldown is the minimum gap between two firings of the same (item, rule).
	Cooldown time.Duration
	Retry    RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		ClosedStatuses: []string{"DONE", "CLOSED", "CANCELED", "APPROVED", "REJECTED"},
		Cooldown:       time.Hour,
		Retry:          DefaultRetryPolicy(),
	}
}

// Deps are the collaborators the engine is wired with. Journal, Notifier,
// Locker, Logger and Metrics are optional.
type Deps struct {
	Rules     RuleStore
	Items     ItemStore
	Directory Directory
	States    StateStore
	Audit     AuditLog
	Journal   Journal
	Notifier  Notifier
	Locker    Locker
	Logger    *zap.Logger
	Metrics   *observability.Metrics
}

type Engine struct {
	Rules     RuleStore
	Items     ItemStore
	Directory Directory
	States    StateStore
	Audit     AuditLog
	Journal   Journal
	Notifier  Notifier
	Locker    Locker
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Config    Config
	Matcher   Matcher
	Now       func() time.Time

	closed map[string]bool
}

func New(deps Deps, cfg Config) *Engine {
	logger := observability.OrNop(deps.Logger)
	e := &Engine{
		Rules:     deps.Rules,
		Items:     deps.Items,
		Directory: deps.Directory,
		States:    deps.States,
		Audit:     deps.Audit,
		Journal:   deps.Journal,
		Notifier:  deps.Notifier,
		Locker:    deps.Locker,
		Logger:    logger,
		Metrics:   deps.Metrics,
		Config:    cfg,
		Matcher:   Matcher{Logger: logger.Named("matcher")},
		Now:       time.Now,
		closed:    map[string]bool{},
	}
	if e.Locker == nil {
		e.Locker = lock.NewMemory()
	}
	if e.Notifier == nil {
		e.Notifier = discardNotifier{}
	}
	for _, s := range cfg.ClosedStatuses {
		e.closed[domain.NormalizeStatus(s)] = true
	}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now().UTC()
}

// IsClosed reports whether status ends escalation for an item.
func (e *Engine) IsClosed(status string) bool {
	return e.closed[domain.NormalizeStatus(status)]
}

// Process runs one canonical event through the pipeline: journal, resolve on
// close, match against the item scope's active rules, execute each match.
// It returns one activity entry per matched rule, and none for an event ID
// the journal already holds.
func (e *Engine) Process(ctx context.Context, evt domain.Event) ([]domain.ActivityEntry, error) {
	ctx, span := observability.StartSpan(ctx, "engine.process",
		attribute.String("event.kind", string(evt.Kind)),
		attribute.String("item.id", evt.ItemID),
	)
	defer span.End()

	e.Metrics.EventProcessed(string(evt.Kind), string(evt.Source))
	if e.Journal != nil {
		err := e.Journal.Record(ctx, evt)
		switch {
		case errors.Is(err, domain.ErrDuplicateEvent):
			e.Logger.Debug("event already processed", zap.String("event_id", evt.ID))
			return nil, nil
		case err != nil:
			e.Logger.Warn("journal event", zap.String("event_id", evt.ID), zap.Error(err))
		}
	}
	if evt.Kind == domain.EventStatusChanged && e.IsClosed(evt.ToStatus) {
		if err := e.Config.Retry.do(ctx, func() error { return e.States.ResolveStates(ctx, evt.ItemID) }); err != nil {
			e.Logger.Warn("resolve escalation states", zap.String("item_id", evt.ItemID), zap.Error(err))
		}
	}
	rules, err := retryValue(ctx, e.Config.Retry, func() ([]domain.Rule, error) {
		return e.Rules.ListRules(ctx, domain.RuleFilter{WorkspaceID: evt.WorkspaceID, ItemType: evt.ItemType, ActiveOnly: true})
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	matched := e.Matcher.Match(evt, rules)
	entries := make([]domain.ActivityEntry, 0, len(matched))
	for _, rule := range matched {
		entries = append(entries, e.Execute(ctx, rule, evt))
	}
	return entries, nil
}

type discardNotifier struct{}

func (discardNotifier) Notify(context.Context, domain.Notification) error { return nil }

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
