package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escalator/internal/domain"
	"escalator/internal/engine"
	"escalator/internal/memstore"
)

type recordingNotifier struct {
	mu    sync.Mutex
	sent  []domain.Notification
	err   error
	panic bool
}

func (n *recordingNotifier) Notify(_ context.Context, msg domain.Notification) error {
	if n.panic {
		panic("boom")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) Sent() []domain.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.Notification(nil), n.sent...)
}

type testEnv struct {
	Ctx      context.Context
	Store    *memstore.Store
	Engine   *engine.Engine
	Scanner  *engine.Scanner
	Notifier *recordingNotifier

	mu  sync.Mutex
	now time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		Ctx:      context.Background(),
		Notifier: &recordingNotifier{},
		now:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	env.Store = memstore.New(env.clock)
	cfg := engine.DefaultConfig()
	cfg.Retry = engine.RetryPolicy{Attempts: 2, Base: time.Millisecond, Max: time.Millisecond}
	env.Engine = engine.New(engine.Deps{
		Rules:     env.Store,
		Items:     env.Store,
		Directory: env.Store,
		States:    env.Store,
		Audit:     env.Store,
		Journal:   env.Store,
		Notifier:  env.Notifier,
	}, cfg)
	env.Engine.Now = env.clock
	env.Scanner = &engine.Scanner{Engine: env.Engine, Workers: 4}

	for _, ws := range []domain.Workspace{
		{ID: "root", Name: "Company", Kind: domain.WorkspaceRoot},
		{ID: "eng", Name: "Engineering", Kind: domain.WorkspaceDepartment, ParentID: ptr("root"), LeadID: ptr("vp-eng")},
		{ID: "team", Name: "Platform", Kind: domain.WorkspaceTeam, ParentID: ptr("eng"), LeadID: ptr("team-lead")},
		{ID: "squad", Name: "Storage", Kind: domain.WorkspaceTeam, ParentID: ptr("team")},
		{ID: "solo", Name: "Standalone", Kind: domain.WorkspaceRoot},
	} {
		_, err := env.Store.CreateWorkspace(env.Ctx, ws)
		require.NoError(t, err)
	}
	return env
}

func (env *testEnv) clock() time.Time {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.now
}

func (env *testEnv) advance(d time.Duration) {
	env.mu.Lock()
	env.now = env.now.Add(d)
	env.mu.Unlock()
}

func (env *testEnv) item(t *testing.T, it domain.Item) domain.Item {
	t.Helper()
	if it.Type == "" {
		it.Type = domain.ItemTask
	}
	if it.Status == "" {
		it.Status = "OPEN"
	}
	if it.CreatorID == "" {
		it.CreatorID = "creator"
	}
	out, err := env.Store.CreateItem(env.Ctx, it)
	require.NoError(t, err)
	return out
}

func (env *testEnv) rule(t *testing.T, r domain.Rule) domain.Rule {
	t.Helper()
	if r.ItemType == "" {
		r.ItemType = domain.ItemTask
	}
	r.IsActive = true
	r.CreatedBy = "tester"
	out, err := env.Store.CreateRule(env.Ctx, r)
	require.NoError(t, err)
	return out
}

func (env *testEnv) activity(t *testing.T) []domain.ActivityEntry {
	t.Helper()
	entries, err := env.Store.ListActivity(env.Ctx, domain.ActivityFilter{})
	require.NoError(t, err)
	return entries
}

func ptr[T any](v T) *T { return &v }

func escalation(after int, to domain.EscalationTarget) *domain.EscalationPolicy {
	return &domain.EscalationPolicy{TriggerAfterHours: after, EscalateTo: to, AutoReassign: true}
}

func TestScanFiresOnceWithinCooldown(t *testing.T) {
	env := newTestEnv(t)
	env.item(t, domain.Item{WorkspaceID: "team", Title: "stale", CreatedAt: env.clock().Add(-30 * time.Hour)})
	env.rule(t, domain.Rule{WorkspaceID: "team", Trigger: domain.EscalationTimer{}, Action: domain.UpdatePriority{NewPriority: "HIGH"}, Escalation: escalation(24, domain.EscalateParent)})

	first, err := env.Scanner.Scan(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Fired)

	env.advance(10 * time.Minute)
	second, err := env.Scanner.Scan(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Fired)

	entries := env.activity(t)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.OutcomeApplied, entries[0].Outcome)
	assert.Equal(t, domain.EventEscalationTriggered, entries[0].EventKind)
	assert.Equal(t, 1, entries[0].Level)
}

func TestConcurrentScannersFireOnce(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		env.item(t, domain.Item{WorkspaceID: "team", Title: "stale", CreatedAt: env.clock().Add(-30 * time.Hour)})
	}
	env.rule(t, domain.Rule{WorkspaceID: "team", Trigger: domain.EscalationTimer{}, Action: domain.AddTag{Tag: "overdue"}, Escalation: escalation(24, domain.EscalateParent)})

	other := &engine.Scanner{Engine: env.Engine, Workers: 2}
	var wg sync.WaitGroup
	for _, s := range []*engine.Scanner{env.Scanner, other} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Scan(env.Ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entries := env.activity(t)
	assert.Len(t, entries, 5)
	seen := map[string]bool{}
	for _, e := range entries {
		assert.False(t, seen[e.ItemID], "item %s fired twice", e.ItemID)
		seen[e.ItemID] = true
	}
}

func TestSLABreachIsSecondLevel(t *testing.T) {
	env := newTestEnv(t)
	it := env.item(t, domain.Item{WorkspaceID: "team", Title: "late", CreatedAt: env.clock().Add(-50 * time.Hour)})
	p := escalation(24, domain.EscalateParent)
	p.SLAHours = ptr(48)
	r := env.rule(t, domain.Rule{WorkspaceID: "team", Trigger: domain.EscalationTimer{}, Action: domain.AddTag{Tag: "escalated"}, Escalation: p})

	report, err := env.Scanner.Scan(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Fired)

	// Level 2 is due too but the cooldown holds it back.
	report, err = env.Scanner.Scan(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Fired)
	assert.Equal(t, 1, report.ClaimsLost)

	env.advance(2 * time.Hour)
	report, err = env.Scanner.Scan(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Fired)

	st, err := env.Store.GetState(env.Ctx, it.ID, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateEscalated, st.Status)
	assert.Equal(t, 2, st.Level)

	entries := env.activity(t)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.EventSLABreached, entries[0].EventKind)
	// The tag was added at level 1.
	assert.Equal(t, domain.OutcomeSkipped, entries[0].Outcome)

	env.advance(24 * time.Hour)
	report, err = env.Scanner.Scan(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Fired, "no level beyond the SLA")
}

func TestSLABreachFollowsReassignedItem(t *testing.T) {
	env := newTestEnv(t)
	it := env.item(t, domain.Item{WorkspaceID: "squad", Title: "orphaned", CreatedAt: env.clock().Add(-30 * time.Hour)})
	p := escalation(24, domain.EscalateParent)
	p.SLAHours = ptr(48)
	r := env.rule(t, domain.Rule{WorkspaceID: "squad", Trigger: domain.EscalationTimer{}, Action: domain.Reassign{}, Escalation: p})

	report, err := env.Scanner.Scan(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Fired)
	got, err := env.Store.GetItem(env.Ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, "team", got.WorkspaceID)

	env.advance(24 * time.Hour)
	report, err = env.Scanner.Scan(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Fired)

	st, err := env.Store.GetState(env.Ctx, it.ID, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateEscalated, st.Status)
	assert.Equal(t, 2, st.Level)

	got, err = env.Store.GetItem(env.Ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, "eng", got.WorkspaceID)
	assert.Equal(t, []string{"vp-eng"}, got.Assignees)

	entries := env.activity(t)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.EventSLABreached, entries[0].EventKind)
	assert.Equal(t, domain.OutcomeApplied, entries[0].Outcome)
}

func TestClosedMovedItemIsNotRevisited(t *testing.T) {
	env := newTestEnv(t)
	it := env.item(t, domain.Item{WorkspaceID: "squad", Title: "retyped", CreatedAt: env.clock().Add(-50 * time.Hour)})
	p := escalation(24, domain.EscalateParent)
	p.SLAHours = ptr(48)
	env.rule(t, domain.Rule{WorkspaceID: "squad", Trigger: domain.EscalationTimer{}, Action: domain.Reassign{}, Escalation: p})

	_, err := env.Scanner.Scan(env.Ctx)
	require.NoError(t, err)
	// Keep the anchor so only the closed status holds level 2 back.
	require.NoError(t, env.Store.SetItemStatus(env.Ctx, it.ID, "DONE", it.CreatedAt))

	env.advance(2 * time.Hour)
	report, err := env.Scanner.Scan(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Fired)
	assert.Zero(t, report.Evaluated)
}

func TestStatusChangeRestartsEscalationClock(t *testing.T) {
	env := newTestEnv(t)
	it := env.item(t, domain.Item{WorkspaceID: "team", Title: "bouncing", CreatedAt: env.clock().Add(-30 * time.Hour)})
	r := env.rule(t, domain.Rule{WorkspaceID: "team", Trigger: domain.EscalationTimer{}, Action: domain.UpdatePriority{NewPriority: "HIGH"}, Escalation: escalation(24, domain.EscalateParent)})

	_, err := env.Scanner.Scan(env.Ctx)
	require.NoError(t, err)
	require.NoError(t, env.Store.SetItemStatus(env.Ctx, it.ID, "IN_REVIEW", env.clock()))

	env.advance(23 * time.Hour)
	report, err := env.Scanner.Scan(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Fired)

	env.advance(2 * time.Hour)
	report, err = env.Scanner.Scan(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Fired)

	st, err := env.Store.GetState(env.Ctx, it.ID, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Level)
	assert.True(t, st.AnchorAt.Equal(env.clock().Add(-25*time.Hour)))
}

func TestResetAllowsRefire(t *testing.T) {
	env := newTestEnv(t)
	it := env.item(t, domain.Item{WorkspaceID: "team", Title: "stale", CreatedAt: env.clock().Add(-30 * time.Hour)})
	env.rule(t, domain.Rule{WorkspaceID: "team", Trigger: domain.EscalationTimer{}, Action: domain.UpdatePriority{NewPriority: "HIGH"}, Escalation: escalation(24, domain.EscalateParent)})

	_, err := env.Scanner.Scan(env.Ctx)
	require.NoError(t, err)
	n, err := env.Store.ResetStates(env.Ctx, it.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	report, err := env.Scanner.Scan(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Fired)
	entries := env.activity(t)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.OutcomeSkipped, entries[0].Outcome, "priority already HIGH")
}

func TestClosedItemsAreNotScanned(t *testing.T) {
	env := newTestEnv(t)
	env.item(t, domain.Item{WorkspaceID: "team", Title: "done", Status: "DONE", CreatedAt: env.clock().Add(-30 * time.Hour)})
	env.rule(t, domain.Rule{WorkspaceID: "team", Trigger: domain.EscalationTimer{}, Action: domain.UpdatePriority{NewPriority: "HIGH"}, Escalation: escalation(24, domain.EscalateParent)})

	report, err := env.Scanner.Scan(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Items)
	assert.Empty(t, env.activity(t))
}

func TestClosingItemResolvesStates(t *testing.T) {
	env := newTestEnv(t)
	it := env.item(t, domain.Item{WorkspaceID: "team", Title: "stale", CreatedAt: env.clock().Add(-30 * time.Hour)})
	r := env.rule(t, domain.Rule{WorkspaceID: "team", Trigger: domain.EscalationTimer{}, Action: domain.UpdatePriority{NewPriority: "HIGH"}, Escalation: escalation(24, domain.EscalateParent)})
	_, err := env.Scanner.Scan(env.Ctx)
	require.NoError(t, err)

	require.NoError(t, env.Store.SetItemStatus(env.Ctx, it.ID, "DONE", env.clock()))
	_, _, err = env.Engine.Ingest(env.Ctx, engine.RawEvent{ItemID: it.ID, Kind: "status_changed", FromStatus: "open", ToStatus: "done"})
	require.NoError(t, err)

	st, err := env.Store.GetState(env.Ctx, it.ID, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateResolved, st.Status)
}

func TestDeactivatedRuleIsNotMatched(t *testing.T) {
	env := newTestEnv(t)
	it := env.item(t, domain.Item{WorkspaceID: "team", Title: "t", Assignees: []string{"alice"}})
	r := env.rule(t, domain.Rule{WorkspaceID: "team", Trigger: domain.StatusChanged{ToStatus: "BLOCKED"}, Action: domain.AddTag{Tag: "blocked"}})
	require.NoError(t, env.Store.SetRuleActive(env.Ctx, r.ID, false))

	_, entries, err := env.Engine.Ingest(env.Ctx, engine.RawEvent{ItemID: it.ID, Kind: "STATUS_CHANGED", ToStatus: "BLOCKED"})
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Empty(t, env.activity(t))
}

func TestRuleDeactivatedBeforeCommitIsSkipped(t *testing.T) {
	env := newTestEnv(t)
	it := env.item(t, domain.Item{WorkspaceID: "team", Title: "t"})
	r := env.rule(t, domain.Rule{WorkspaceID: "team", Trigger: domain.StatusChanged{ToStatus: "BLOCKED"}, Action: domain.AddTag{Tag: "blocked"}})
	evt := domain.Event{ID: "evt-1", ItemID: it.ID, ItemType: it.Type, WorkspaceID: "team", Kind: domain.EventStatusChanged, ToStatus: "BLOCKED", Source: domain.SourceIngest}

	// The caller matched r while it was active; it is deactivated before commit.
	require.NoError(t, env.Store.SetRuleActive(env.Ctx, r.ID, false))
	entry := env.Engine.Execute(env.Ctx, r, evt)
	assert.Equal(t, domain.OutcomeSkipped, entry.Outcome)
	assert.Equal(t, "rule inactive", entry.Reason)

	require.NoError(t, env.Store.DeleteRule(env.Ctx, r.ID))
	entry = env.Engine.Execute(env.Ctx, r, evt)
	assert.Equal(t, domain.OutcomeSkipped, entry.Outcome)
	assert.Equal(t, "rule deleted", entry.Reason)

	got, err := env.Store.GetItem(env.Ctx, it.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Tags)
	assert.Len(t, env.activity(t), 2)
}

func TestMisconfiguredRuleIsIsolated(t *testing.T) {
	env := newTestEnv(t)
	it := env.item(t, domain.Item{WorkspaceID: "team", Title: "t"})
	badAction := env.Store.PutRule(domain.Rule{
		WorkspaceID: "team", ItemType: domain.ItemTask, IsActive: true,
		Trigger: domain.StatusChanged{ToStatus: "BLOCKED"},
		Action:  domain.DecodeAction("CHANGE_STATUS", map[string]any{"newStatus": 7}),
	})
	env.Store.PutRule(domain.Rule{
		WorkspaceID: "team", ItemType: domain.ItemTask, IsActive: true,
		Trigger: domain.DecodeTrigger("STATUS_CHANGED", map[string]any{}),
		Action:  domain.AddTag{Tag: "never"},
	})
	good := env.rule(t, domain.Rule{WorkspaceID: "team", Trigger: domain.StatusChanged{ToStatus: "BLOCKED"}, Action: domain.AddTag{Tag: "blocked"}})

	_, entries, err := env.Engine.Ingest(env.Ctx, engine.RawEvent{ItemID: it.ID, Kind: "STATUS_CHANGED", ToStatus: "BLOCKED"})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byRule := map[string]domain.ActivityEntry{}
	for _, e := range entries {
		byRule[e.RuleID] = e
	}
	assert.Equal(t, domain.OutcomeFailed, byRule[badAction.ID].Outcome)
	assert.Contains(t, byRule[badAction.ID].Reason, "invalid rule configuration")
	assert.Equal(t, domain.OutcomeApplied, byRule[good.ID].Outcome)

	got, err := env.Store.GetItem(env.Ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"blocked"}, got.Tags)
}

func TestAddTagIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	it := env.item(t, domain.Item{WorkspaceID: "team", Title: "t"})
	r := env.rule(t, domain.Rule{WorkspaceID: "team", Trigger: domain.ItemCreated{}, Action: domain.AddTag{Tag: "urgent"}})
	evt := domain.Event{ID: "evt-1", ItemID: it.ID, ItemType: it.Type, WorkspaceID: "team", Kind: domain.EventCreated, Source: domain.SourceIngest}

	first := env.Engine.Execute(env.Ctx, r, evt)
	second := env.Engine.Execute(env.Ctx, r, evt)
	assert.Equal(t, domain.OutcomeApplied, first.Outcome)
	assert.Equal(t, domain.OutcomeSkipped, second.Outcome)

	got, err := env.Store.GetItem(env.Ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"urgent"}, got.Tags)
}

func TestSLABeforeTriggerIsRejected(t *testing.T) {
	env := newTestEnv(t)
	p := escalation(24, domain.EscalateParent)
	p.SLAHours = ptr(12)
	_, err := env.Store.CreateRule(env.Ctx, domain.Rule{WorkspaceID: "team", ItemType: domain.ItemTask, Trigger: domain.EscalationTimer{}, Action: domain.Reassign{}, Escalation: p})
	require.Error(t, err)
	assert.True(t, domain.IsConfiguration(err))
}

func TestReassignWithoutParentFails(t *testing.T) {
	env := newTestEnv(t)
	it := env.item(t, domain.Item{WorkspaceID: "solo", Title: "orphan", Assignees: []string{"alice"}, CreatedAt: env.clock().Add(-30 * time.Hour)})
	env.rule(t, domain.Rule{WorkspaceID: "solo", Trigger: domain.EscalationTimer{}, Action: domain.Reassign{}, Escalation: escalation(24, domain.EscalateParent)})

	report, err := env.Scanner.Scan(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	entries := env.activity(t)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.OutcomeFailed, entries[0].Outcome)
	assert.Equal(t, "no parent workspace", entries[0].Reason)

	got, err := env.Store.GetItem(env.Ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, got.Assignees)
	assert.Equal(t, "solo", got.WorkspaceID)
}

func TestReassignToParentLead(t *testing.T) {
	env := newTestEnv(t)
	it := env.item(t, domain.Item{WorkspaceID: "team", Title: "stuck", Assignees: []string{"alice"}, CreatedAt: env.clock().Add(-30 * time.Hour)})
	env.rule(t, domain.Rule{WorkspaceID: "team", Trigger: domain.EscalationTimer{}, Action: domain.Reassign{}, Escalation: escalation(24, domain.EscalateParent)})

	_, err := env.Scanner.Scan(env.Ctx)
	require.NoError(t, err)

	got, err := env.Store.GetItem(env.Ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, "eng", got.WorkspaceID)
	assert.Equal(t, []string{"vp-eng"}, got.Assignees)

	entries := env.activity(t)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.OutcomeApplied, entries[0].Outcome)
	sent := env.Notifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"vp-eng"}, sent[0].Recipients)
}

func TestReassignNotificationFailureKeepsReassignment(t *testing.T) {
	env := newTestEnv(t)
	env.Notifier.err = errors.New("queue full")
	it := env.item(t, domain.Item{WorkspaceID: "team", Title: "stuck", CreatedAt: env.clock().Add(-30 * time.Hour)})
	env.rule(t, domain.Rule{WorkspaceID: "team", Trigger: domain.EscalationTimer{}, Action: domain.Reassign{}, Escalation: escalation(24, domain.EscalateParent)})

	_, err := env.Scanner.Scan(env.Ctx)
	require.NoError(t, err)

	got, err := env.Store.GetItem(env.Ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, "eng", got.WorkspaceID)
	assert.Equal(t, domain.OutcomeApplied, env.activity(t)[0].Outcome)
}

func TestReassignTargets(t *testing.T) {
	cases := []struct {
		name      string
		from      string
		policy    domain.EscalationPolicy
		members   []domain.Member
		wantWS    string
		wantAssgn []string
		wantFail  string
	}{
		{name: "department skips teams", from: "squad", policy: domain.EscalationPolicy{EscalateTo: domain.EscalateDepartment}, wantWS: "eng", wantAssgn: []string{"vp-eng"}},
		{name: "root without lead uses roles", from: "squad", policy: domain.EscalationPolicy{EscalateTo: domain.EscalateRoot, NotifyRoles: []string{"admin"}},
			members: []domain.Member{{WorkspaceID: "root", ActorID: "ceo", Role: "admin"}, {WorkspaceID: "root", ActorID: "intern", Role: "viewer"}},
			wantWS:  "root", wantAssgn: []string{"ceo"}},
		{name: "root from root", from: "root", policy: domain.EscalationPolicy{EscalateTo: domain.EscalateRoot}, wantFail: "item is already in the root workspace"},
		{name: "no department", from: "solo", policy: domain.EscalationPolicy{EscalateTo: domain.EscalateDepartment}, wantFail: "no DEPARTMENT workspace above solo"},
		{name: "parent lead", from: "squad", policy: domain.EscalationPolicy{EscalateTo: domain.EscalateParent}, wantWS: "team", wantAssgn: []string{"team-lead"}},
		{name: "parent nobody to notify", from: "eng", policy: domain.EscalationPolicy{EscalateTo: domain.EscalateParent}, wantFail: "workspace root has no lead or members to notify"},
		{name: "path skips unnotifiable hops", from: "squad", policy: domain.EscalationPolicy{EscalateTo: domain.EscalateParent, EscalationPath: []string{"squad", "missing", "root", "eng"}}, wantWS: "eng", wantAssgn: []string{"vp-eng"}},
		{name: "path exhausted", from: "team", policy: domain.EscalationPolicy{EscalateTo: domain.EscalateParent, EscalationPath: []string{"eng", "team"}}, wantFail: "escalation path exhausted"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			for _, m := range tc.members {
				require.NoError(t, env.Store.AddMember(env.Ctx, m))
			}
			it := env.item(t, domain.Item{WorkspaceID: tc.from, Title: "x", Assignees: []string{"alice"}})
			p := tc.policy
			p.TriggerAfterHours = 1
			p.AutoReassign = true
			r := env.rule(t, domain.Rule{WorkspaceID: tc.from, Trigger: domain.ItemCreated{}, Action: domain.Reassign{}, Escalation: &p})

			entry := env.Engine.Execute(env.Ctx, r, domain.Event{ID: "e", ItemID: it.ID, ItemType: it.Type, WorkspaceID: tc.from, Kind: domain.EventCreated, Source: domain.SourceIngest})
			got, err := env.Store.GetItem(env.Ctx, it.ID)
			require.NoError(t, err)
			if tc.wantFail != "" {
				assert.Equal(t, domain.OutcomeFailed, entry.Outcome)
				assert.Contains(t, entry.Reason, tc.wantFail)
				assert.Equal(t, tc.from, got.WorkspaceID)
				assert.Equal(t, []string{"alice"}, got.Assignees)
				return
			}
			assert.Equal(t, domain.OutcomeApplied, entry.Outcome, entry.Reason)
			assert.Equal(t, tc.wantWS, got.WorkspaceID)
			assert.Equal(t, tc.wantAssgn, got.Assignees)
		})
	}
}

func TestStatusChangedNotifiesAssignees(t *testing.T) {
	env := newTestEnv(t)
	it := env.item(t, domain.Item{WorkspaceID: "team", Title: "blocked work", Priority: "HIGH", Assignees: []string{"bob", "alice"}})
	p := &domain.EscalationPolicy{TriggerAfterHours: 1, EscalateTo: domain.EscalateParent, NotificationChannels: []string{"webhook"}}
	env.rule(t, domain.Rule{
		WorkspaceID: "team",
		Trigger:     domain.StatusChanged{ToStatus: "BLOCKED"},
		Action:      domain.SendNotification{Title: "Task blocked", Message: "needs attention", NotifyAssignees: true},
		Escalation:  p,
	})

	require.NoError(t, env.Store.SetItemStatus(env.Ctx, it.ID, "BLOCKED", env.clock()))
	evt, entries, err := env.Engine.Ingest(env.Ctx, engine.RawEvent{ItemID: it.ID, Kind: "status_changed", FromStatus: "open", ToStatus: "blocked"})
	require.NoError(t, err)
	assert.Equal(t, domain.SourceIngest, evt.Source)
	assert.Equal(t, "OPEN", evt.FromStatus)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.OutcomeApplied, entries[0].Outcome)

	sent := env.Notifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"alice", "bob"}, sent[0].Recipients)
	assert.Equal(t, "Task blocked", sent[0].Title)
	assert.Equal(t, "HIGH", sent[0].Priority)
	assert.Equal(t, []string{"webhook"}, sent[0].Channels)

	journal := env.Store.Events()
	require.Len(t, journal, 1)
	assert.Equal(t, evt.ID, journal[0].ID)
}

func TestNotificationWithoutRecipientsIsSkipped(t *testing.T) {
	env := newTestEnv(t)
	it := env.item(t, domain.Item{WorkspaceID: "team", Title: "t"})
	r := env.rule(t, domain.Rule{WorkspaceID: "team", Trigger: domain.ItemCreated{}, Action: domain.SendNotification{Title: "hi", NotifyAssignees: true}})
	entry := env.Engine.Execute(env.Ctx, r, domain.Event{ID: "e", ItemID: it.ID, ItemType: it.Type, WorkspaceID: "team", Kind: domain.EventCreated})
	assert.Equal(t, domain.OutcomeSkipped, entry.Outcome)
	assert.Equal(t, "no recipients", entry.Reason)
}

func TestNotificationEnqueueFailureIsFailed(t *testing.T) {
	env := newTestEnv(t)
	env.Notifier.err = errors.New("queue full")
	it := env.item(t, domain.Item{WorkspaceID: "team", Title: "t"})
	r := env.rule(t, domain.Rule{WorkspaceID: "team", Trigger: domain.ItemCreated{}, Action: domain.SendNotification{Title: "hi", NotifyCreator: true}})
	entry := env.Engine.Execute(env.Ctx, r, domain.Event{ID: "e", ItemID: it.ID, ItemType: it.Type, WorkspaceID: "team", Kind: domain.EventCreated})
	assert.Equal(t, domain.OutcomeFailed, entry.Outcome)
	assert.Contains(t, entry.Reason, "queue full")
}

func TestPanickingActionIsContained(t *testing.T) {
	env := newTestEnv(t)
	env.Notifier.panic = true
	it := env.item(t, domain.Item{WorkspaceID: "team", Title: "t"})
	r := env.rule(t, domain.Rule{WorkspaceID: "team", Trigger: domain.ItemCreated{}, Action: domain.SendNotification{Title: "hi", NotifyCreator: true}})
	entry := env.Engine.Execute(env.Ctx, r, domain.Event{ID: "e", ItemID: it.ID, ItemType: it.Type, WorkspaceID: "team", Kind: domain.EventCreated})
	assert.Equal(t, domain.OutcomeFailed, entry.Outcome)
	assert.Equal(t, "panic: boom", entry.Reason)
	assert.Len(t, env.activity(t), 1)

	// The item lock was released.
	entry = env.Engine.Execute(env.Ctx, r, domain.Event{ID: "e2", ItemID: it.ID, ItemType: it.Type, WorkspaceID: "team", Kind: domain.EventCreated})
	assert.Equal(t, domain.OutcomeFailed, entry.Outcome)
}

func TestChangeStatusToClosedResolves(t *testing.T) {
	env := newTestEnv(t)
	it := env.item(t, domain.Item{WorkspaceID: "team", Title: "t", CreatedAt: env.clock().Add(-30 * time.Hour)})
	r := env.rule(t, domain.Rule{WorkspaceID: "team", Trigger: domain.EscalationTimer{}, Action: domain.ChangeStatus{NewStatus: "CANCELED"}, Escalation: escalation(24, domain.EscalateParent)})

	_, err := env.Scanner.Scan(env.Ctx)
	require.NoError(t, err)
	got, err := env.Store.GetItem(env.Ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, "CANCELED", got.Status)
	st, err := env.Store.GetState(env.Ctx, it.ID, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateResolved, st.Status)

	entry := env.Engine.Execute(env.Ctx, r, domain.Event{ID: "e", ItemID: it.ID, ItemType: it.Type, WorkspaceID: "team", Kind: domain.EventEscalationTriggered})
	assert.Equal(t, domain.OutcomeSkipped, entry.Outcome)
}

func TestTransientFailureReleasesClaim(t *testing.T) {
	env := newTestEnv(t)
	it := env.item(t, domain.Item{WorkspaceID: "team", Title: "t", CreatedAt: env.clock().Add(-30 * time.Hour)})
	r := env.rule(t, domain.Rule{WorkspaceID: "team", Trigger: domain.EscalationTimer{}, Action: domain.UpdatePriority{NewPriority: "HIGH"}, Escalation: escalation(24, domain.EscalateParent)})

	calls := 0
	env.Store.FailNext = func(op string) error {
		if op != "set item priority" {
			return nil
		}
		calls++
		return &domain.TransientStorageError{Op: op, Err: errors.New("database is locked")}
	}
	report, err := env.Scanner.Scan(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Released)
	assert.Equal(t, 2, calls, "retried up to the policy's attempts")

	_, err = env.Store.GetState(env.Ctx, it.ID, r.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	env.Store.FailNext = nil
	report, err = env.Scanner.Scan(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Fired)

	entries := env.activity(t)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.OutcomeApplied, entries[0].Outcome)
	assert.Equal(t, domain.OutcomeFailed, entries[1].Outcome)
}

func TestDueDateApproaching(t *testing.T) {
	env := newTestEnv(t)
	soon := env.clock().Add(6 * time.Hour)
	later := env.clock().Add(72 * time.Hour)
	near := env.item(t, domain.Item{WorkspaceID: "team", Title: "near", DueAt: &soon})
	env.item(t, domain.Item{WorkspaceID: "team", Title: "far", DueAt: &later})
	env.item(t, domain.Item{WorkspaceID: "team", Title: "none"})
	env.rule(t, domain.Rule{WorkspaceID: "team", Trigger: domain.DueDateApproaching{HoursBeforeDue: 24}, Action: domain.AddTag{Tag: "due-soon"}})

	report, err := env.Scanner.Scan(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Fired)
	entries := env.activity(t)
	require.Len(t, entries, 1)
	assert.Equal(t, near.ID, entries[0].ItemID)
	assert.Equal(t, domain.EventDueDateApproaching, entries[0].EventKind)

	env.advance(2 * time.Hour)
	report, err = env.Scanner.Scan(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Fired)
}

func TestIngestRejectsTimerKinds(t *testing.T) {
	env := newTestEnv(t)
	it := env.item(t, domain.Item{WorkspaceID: "team", Title: "t"})
	for _, kind := range []string{"ESCALATION_TRIGGERED", "SLA_BREACHED", "DUE_DATE_APPROACHING", "bogus"} {
		_, _, err := env.Engine.Ingest(env.Ctx, engine.RawEvent{ItemID: it.ID, Kind: kind})
		assert.ErrorIs(t, err, engine.ErrInvalidEvent, kind)
	}
	_, _, err := env.Engine.Ingest(env.Ctx, engine.RawEvent{ItemID: "missing", Kind: "CREATED"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreatedEventMatchesItemCreatedRules(t *testing.T) {
	env := newTestEnv(t)
	it := env.item(t, domain.Item{WorkspaceID: "team", Title: "t"})
	env.rule(t, domain.Rule{WorkspaceID: "team", Trigger: domain.ItemCreated{}, Action: domain.UpdatePriority{NewPriority: "LOW"}})
	env.rule(t, domain.Rule{WorkspaceID: "team", ItemType: domain.ItemBudgetRequest, Trigger: domain.ItemCreated{}, Action: domain.UpdatePriority{NewPriority: "HIGH"}})
	env.rule(t, domain.Rule{WorkspaceID: "eng", Trigger: domain.ItemCreated{}, Action: domain.UpdatePriority{NewPriority: "HIGH"}})

	_, entries, err := env.Engine.Ingest(env.Ctx, engine.RawEvent{ItemID: it.ID, Kind: "created"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	got, err := env.Store.GetItem(env.Ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, "LOW", got.Priority)
}

func TestRedeliveredEventRunsOnce(t *testing.T) {
	env := newTestEnv(t)
	it := env.item(t, domain.Item{WorkspaceID: "team", Title: "blocked work", Assignees: []string{"alice"}})
	env.rule(t, domain.Rule{
		WorkspaceID: "team",
		Trigger:     domain.StatusChanged{ToStatus: "BLOCKED"},
		Action:      domain.SendNotification{Title: "Task blocked", NotifyAssignees: true},
	})

	raw := engine.RawEvent{ID: "hook-42", ItemID: it.ID, Kind: "status_changed", ToStatus: "BLOCKED"}
	_, entries, err := env.Engine.Ingest(env.Ctx, raw)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	_, entries, err = env.Engine.Ingest(env.Ctx, raw)
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.Len(t, env.Notifier.Sent(), 1)
	assert.Len(t, env.activity(t), 1)
	assert.Len(t, env.Store.Events(), 1)
}
