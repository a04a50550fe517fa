package engine

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"escalator/internal/domain"
	"escalator/internal/observability"
)

const (
	DefaultScanInterval = 5 * time.Minute
	DefaultScanWorkers  = 4
)

// Scanner sweeps open items for elapsed escalation timers and approaching due
// dates and fires the matching timer rules. Several scanners, in one process
// or many, may run against the same store: the state claim makes sure each
// (item, rule, level) fires once.
type Scanner struct {
	Engine   *Engine
	Interval time.Duration
	Workers  int
	Logger   *zap.Logger
}

// ScanReport summarizes one pass.
type ScanReport struct {
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Rules      int           `json:"rules"`
	Items      int           `json:"items"`
	Evaluated  int           `json:"evaluated"`
	Fired      int           `json:"fired"`
	Failed     int           `json:"failed"`
	ClaimsLost int           `json:"claims_lost"`
	Released   int           `json:"released"`
}

type scanScope struct {
	workspaceID string
	itemType    domain.ItemType
}

type scanCounters struct {
	mu sync.Mutex
	ScanReport
}

func (c *scanCounters) add(f func(r *ScanReport)) {
	c.mu.Lock()
	f(&c.ScanReport)
	c.mu.Unlock()
}

func (s *Scanner) logger() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return s.Engine.Logger
}

// Scan runs a single pass and returns once every due pair has been handled.
// Per-pair failures are counted, not returned; the error is reserved for
// failures that prevent the pass itself.
func (s *Scanner) Scan(ctx context.Context) (ScanReport, error) {
	e := s.Engine
	ctx, span := observability.StartSpan(ctx, "engine.scan")
	defer span.End()

	start := time.Now()
	now := e.now()
	c := &scanCounters{}
	c.StartedAt = now

	rules, err := retryValue(ctx, e.Config.Retry, func() ([]domain.Rule, error) {
		return e.Rules.ListRules(ctx, domain.RuleFilter{ActiveOnly: true, TimerOnly: true})
	})
	if err != nil {
		span.RecordError(err)
		return c.ScanReport, err
	}
	c.Rules = len(rules)

	scopes := map[scanScope][]domain.Rule{}
	var order []scanScope
	for _, r := range rules {
		k := scanScope{r.WorkspaceID, r.ItemType}
		if _, ok := scopes[k]; !ok {
			order = append(order, k)
		}
		scopes[k] = append(scopes[k], r)
	}

	workers := s.Workers
	if workers <= 0 {
		workers = DefaultScanWorkers
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, k := range order {
		items, err := retryValue(ctx, e.Config.Retry, func() ([]domain.Item, error) {
			return e.Items.ListOpenItems(ctx, domain.ItemQuery{WorkspaceID: k.workspaceID, Type: k.itemType, ExcludeStatuses: e.Config.ClosedStatuses})
		})
		if err != nil {
			s.logger().Error("list open items", zap.String("workspace_id", k.workspaceID), zap.String("item_type", string(k.itemType)), zap.Error(err))
			continue
		}
		c.add(func(r *ScanReport) { r.Items += len(items) })
		listed := make(map[string]bool, len(items))
		for _, item := range items {
			listed[item.ID] = true
			if e.IsClosed(item.Status) {
				continue
			}
			for _, rule := range scopes[k] {
				g.Go(func() error {
					s.evaluate(gctx, item, rule, now, c)
					return nil
				})
			}
		}
		for _, rule := range scopes[k] {
			moved := s.movedItems(ctx, rule, listed)
			c.add(func(r *ScanReport) { r.Items += len(moved) })
			for _, item := range moved {
				g.Go(func() error {
					s.evaluate(gctx, item, rule, now, c)
					return nil
				})
			}
		}
	}
	_ = g.Wait()

	c.Duration = time.Since(start)
	e.Metrics.ScanFinished(c.Duration, c.Evaluated)
	span.SetAttributes(attribute.Int("scan.evaluated", c.Evaluated), attribute.Int("scan.fired", c.Fired))
	s.logger().Info("scan finished",
		zap.Int("rules", c.Rules), zap.Int("items", c.Items), zap.Int("evaluated", c.Evaluated),
		zap.Int("fired", c.Fired), zap.Int("failed", c.Failed), zap.Int("claims_lost", c.ClaimsLost))
	return c.ScanReport, ctx.Err()
}

// movedItems returns the open items that hold an unresolved state for rule
// but have left its workspace, typically through a REASSIGN escalation. The
// escalation that rule started keeps climbing levels wherever the item is.
func (s *Scanner) movedItems(ctx context.Context, rule domain.Rule, listed map[string]bool) []domain.Item {
	e := s.Engine
	states, err := retryValue(ctx, e.Config.Retry, func() ([]domain.EscalationState, error) { return e.States.ListOpenStates(ctx, rule.ID) })
	if err != nil {
		s.logger().Error("list open states", zap.String("rule_id", rule.ID), zap.Error(err))
		return nil
	}
	var out []domain.Item
	for _, st := range states {
		if listed[st.ItemID] {
			continue
		}
		item, err := retryValue(ctx, e.Config.Retry, func() (domain.Item, error) { return e.Items.GetItem(ctx, st.ItemID) })
		if err != nil {
			if !isNotFound(err) {
				s.logger().Error("load item", zap.String("item_id", st.ItemID), zap.Error(err))
			}
			continue
		}
		if item.Type != rule.ItemType || e.IsClosed(item.Status) {
			continue
		}
		out = append(out, item)
	}
	return out
}

// Run scans every Interval until ctx is done.
func (s *Scanner) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.Scan(ctx); err != nil && ctx.Err() == nil {
			s.logger().Error("scan", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// due describes the firing an (item, rule) pair is ready for.
type due struct {
	kind      domain.EventKind
	level     int
	anchor    time.Time
	threshold int
	age       time.Duration
}

// nextFiring reports whether the pair has a level ready to fire at now given
// its stored state (nil if none).
func nextFiring(item domain.Item, rule domain.Rule, state *domain.EscalationState, now time.Time) (due, bool) {
	switch t := rule.Trigger.(type) {
	case domain.EscalationTimer:
		if rule.Escalation == nil {
			return due{}, false
		}
		anchor := item.Anchor()
		level := 1
		if state != nil && state.AnchorAt.Equal(anchor) {
			if state.Status == domain.StateResolved {
				return due{}, false
			}
			level = state.Level + 1
		}
		hours, ok := rule.Escalation.LevelThreshold(level)
		if !ok {
			return due{}, false
		}
		age := now.Sub(anchor)
		if age < hoursDuration(hours) {
			return due{}, false
		}
		kind := domain.EventEscalationTriggered
		if level > 1 {
			kind = domain.EventSLABreached
		}
		return due{kind: kind, level: level, anchor: anchor, threshold: hours, age: age}, true
	case domain.DueDateApproaching:
		if item.DueAt == nil {
			return due{}, false
		}
		anchor := *item.DueAt
		if state != nil && state.AnchorAt.Equal(anchor) {
			return due{}, false
		}
		if now.Before(anchor.Add(-hoursDuration(t.HoursBeforeDue))) {
			return due{}, false
		}
		return due{kind: domain.EventDueDateApproaching, level: 1, anchor: anchor, threshold: t.HoursBeforeDue, age: now.Sub(anchor)}, true
	}
	return due{}, false
}

// hoursDuration converts a threshold to a Duration, saturating instead of
// overflowing.
func hoursDuration(h int) time.Duration {
	if int64(h) > math.MaxInt64/int64(time.Hour) {
		return math.MaxInt64
	}
	return time.Duration(h) * time.Hour
}

func (s *Scanner) evaluate(ctx context.Context, item domain.Item, rule domain.Rule, now time.Time, c *scanCounters) {
	e := s.Engine
	log := s.logger().With(zap.String("item_id", item.ID), zap.String("rule_id", rule.ID))
	if ctx.Err() != nil {
		return
	}

	var state *domain.EscalationState
	st, err := retryValue(ctx, e.Config.Retry, func() (domain.EscalationState, error) { return e.States.GetState(ctx, item.ID, rule.ID) })
	switch {
	case isNotFound(err):
	case err != nil:
		log.Error("load escalation state", zap.Error(err))
		c.add(func(r *ScanReport) { r.Failed++ })
		return
	default:
		state = &st
	}
	c.add(func(r *ScanReport) { r.Evaluated++ })

	d, ok := nextFiring(item, rule, state, now)
	if !ok {
		return
	}

	// Rules deactivated since the pass started get no new firings.
	current, err := retryValue(ctx, e.Config.Retry, func() (domain.Rule, error) { return e.Rules.GetRule(ctx, rule.ID) })
	if err != nil || !current.IsActive {
		log.Debug("rule no longer active", zap.Error(err))
		return
	}

	claim := domain.Claim{ItemID: item.ID, RuleID: rule.ID, Level: d.level, AnchorAt: d.anchor, Now: now, Cooldown: e.Config.Cooldown}
	var (
		prev *domain.EscalationState
		won  bool
	)
	err = e.Config.Retry.do(ctx, func() error {
		var err error
		prev, won, err = e.States.ClaimState(ctx, claim)
		return err
	})
	if err != nil {
		log.Error("claim escalation state", zap.Error(err))
		c.add(func(r *ScanReport) { r.Failed++ })
		return
	}
	if !won {
		e.Metrics.ClaimLost()
		c.add(func(r *ScanReport) { r.ClaimsLost++ })
		log.Debug("claim lost", zap.Int("level", d.level))
		return
	}

	evt := domain.Event{
		ID:          uuid.NewString(),
		ItemID:      item.ID,
		ItemType:    item.Type,
		WorkspaceID: item.WorkspaceID,
		Kind:        d.kind,
		OccurredAt:  now,
		Source:      domain.SourceScanner,
		RuleID:      rule.ID,
		Level:       d.level,
		Payload: map[string]any{
			"age_hours":       d.age.Hours(),
			"threshold_hours": d.threshold,
			"status":          item.Status,
		},
	}
	e.Metrics.EventProcessed(string(evt.Kind), string(evt.Source))
	if e.Journal != nil {
		if err := e.Journal.Record(ctx, evt); err != nil {
			log.Warn("journal event", zap.String("event_id", evt.ID), zap.Error(err))
		}
	}
	if len(e.Matcher.Match(evt, []domain.Rule{current})) == 0 {
		s.release(ctx, claim, prev, log)
		return
	}

	entry, err := e.execute(ctx, current, evt)
	if domain.IsTransient(err) {
		s.release(ctx, claim, prev, log)
		c.add(func(r *ScanReport) { r.Released++ })
	}
	if entry.Outcome == domain.OutcomeFailed {
		c.add(func(r *ScanReport) { r.Failed++ })
		return
	}
	c.add(func(r *ScanReport) { r.Fired++ })
}

// release gives a won claim back so a later pass can fire it again.
func (s *Scanner) release(ctx context.Context, claim domain.Claim, prev *domain.EscalationState, log *zap.Logger) {
	// The pass context may already be canceled; the release must still land.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.Engine.States.ReleaseState(ctx, claim, prev); err != nil {
		log.Error("release escalation state", zap.Error(err))
	}
}
