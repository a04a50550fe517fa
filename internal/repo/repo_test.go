package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escalator/internal/db"
	"escalator/internal/domain"
	"escalator/internal/migrate"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestRepo(t *testing.T) (Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))
	return Repo{DB: conn, Now: func() time.Time { return t0 }}, ctx
}

func seedItem(t *testing.T, r Repo, ctx context.Context) domain.Item {
	t.Helper()
	_, err := r.CreateWorkspace(ctx, domain.Workspace{ID: "ws-1", Name: "Ops"})
	require.NoError(t, err)
	it, err := r.CreateItem(ctx, domain.Item{
		ID: "item-1", WorkspaceID: "ws-1", Type: domain.ItemTask, Title: "Fix build",
		Status: "in progress", CreatorID: "carol", Assignees: []string{"alice", "bob"}, Tags: []string{"infra"},
		CreatedAt: t0.Add(-30 * time.Hour),
	})
	require.NoError(t, err)
	return it
}

func escalationRule(t *testing.T, r Repo, ctx context.Context) domain.Rule {
	t.Helper()
	sla := 48
	rule, err := r.CreateRule(ctx, domain.Rule{
		WorkspaceID: "ws-1", ItemType: domain.ItemTask,
		Trigger: domain.EscalationTimer{}, Action: domain.Reassign{},
		Escalation: &domain.EscalationPolicy{TriggerAfterHours: 24, SLAHours: &sla, EscalateTo: domain.EscalateParent, AutoReassign: true},
		IsActive:   true, CreatedBy: "carol",
	})
	require.NoError(t, err)
	return rule
}

func TestItemRoundTrip(t *testing.T) {
	r, ctx := newTestRepo(t)
	it := seedItem(t, r, ctx)
	assert.Equal(t, "IN_PROGRESS", it.Status)
	assert.Equal(t, []string{"alice", "bob"}, it.Assignees)
	assert.Equal(t, []string{"infra"}, it.Tags)
	assert.True(t, it.StatusChangedAt.Equal(it.CreatedAt))

	added, err := r.AddItemTag(ctx, it.ID, "urgent")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = r.AddItemTag(ctx, it.ID, "urgent")
	require.NoError(t, err)
	assert.False(t, added)

	got, err := r.GetItem(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"infra", "urgent"}, got.Tags)

	_, err = r.AddItemTag(ctx, "missing", "urgent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListOpenItemsExcludesClosed(t *testing.T) {
	r, ctx := newTestRepo(t)
	it := seedItem(t, r, ctx)
	q := domain.ItemQuery{WorkspaceID: "ws-1", Type: domain.ItemTask, ExcludeStatuses: []string{"done"}}

	items, err := r.ListOpenItems(ctx, q)
	require.NoError(t, err)
	require.Len(t, items, 1)

	require.NoError(t, r.SetItemStatus(ctx, it.ID, "DONE", t0))
	items, err = r.ListOpenItems(ctx, q)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRuleCRUD(t *testing.T) {
	r, ctx := newTestRepo(t)
	rule := escalationRule(t, r, ctx)

	got, err := r.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscalationTimer{}, got.Trigger)
	assert.Equal(t, domain.Reassign{}, got.Action)
	require.NotNil(t, got.Escalation)
	assert.Equal(t, 48, *got.Escalation.SLAHours)

	timers, err := r.ListRules(ctx, domain.RuleFilter{TimerOnly: true, ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, timers, 1)

	require.NoError(t, r.SetRuleActive(ctx, rule.ID, false))
	timers, err = r.ListRules(ctx, domain.RuleFilter{TimerOnly: true, ActiveOnly: true})
	require.NoError(t, err)
	assert.Empty(t, timers)

	short := 1
	_, err = r.UpdateRule(ctx, rule.ID, domain.RulePatch{Escalation: &domain.EscalationPolicy{
		TriggerAfterHours: 24, SLAHours: &short, EscalateTo: domain.EscalateParent, AutoReassign: true,
	}})
	assert.True(t, domain.IsConfiguration(err))

	require.NoError(t, r.DeleteRule(ctx, rule.ID))
	_, err = r.GetRule(ctx, rule.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.DeleteRule(ctx, rule.ID), ErrNotFound)
}

func TestStoredRuleWithBadConfigDecodesAsInvalid(t *testing.T) {
	r, ctx := newTestRepo(t)
	_, err := r.DB.ExecContext(ctx, `INSERT INTO rules(id,workspace_id,item_type,trigger_type,trigger_config,action_type,action_config,is_active,created_by,created_at,updated_at)
VALUES ('bad','ws-1','TASK','STATUS_CHANGED','{"toStatus":"BLOCKED"}','CHANGE_STATUS','{}',1,'x',?,?)`, ts(t0), ts(t0))
	require.NoError(t, err)

	rule, err := r.GetRule(ctx, "bad")
	require.NoError(t, err)
	inv, ok := rule.Action.(domain.InvalidAction)
	require.True(t, ok)
	assert.True(t, domain.IsConfiguration(inv.Err))
}

func TestClaimStateFiresOncePerLevel(t *testing.T) {
	r, ctx := newTestRepo(t)
	it := seedItem(t, r, ctx)
	rule := escalationRule(t, r, ctx)
	claim := domain.Claim{ItemID: it.ID, RuleID: rule.ID, Level: 1, AnchorAt: it.Anchor(), Now: t0, Cooldown: time.Hour}

	prev, won, err := r.ClaimState(ctx, claim)
	require.NoError(t, err)
	assert.True(t, won)
	assert.Nil(t, prev)

	_, won, err = r.ClaimState(ctx, claim)
	require.NoError(t, err)
	assert.False(t, won, "same level cannot be claimed twice")

	level2 := claim
	level2.Level = 2
	level2.Now = t0.Add(30 * time.Minute)
	_, won, err = r.ClaimState(ctx, level2)
	require.NoError(t, err)
	assert.False(t, won, "cooldown still running")

	level2.Now = t0.Add(2 * time.Hour)
	prev, won, err = r.ClaimState(ctx, level2)
	require.NoError(t, err)
	assert.True(t, won)
	require.NotNil(t, prev)
	assert.Equal(t, 1, prev.Level)

	st, err := r.GetState(ctx, it.ID, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateEscalated, st.Status)
	assert.Equal(t, 2, st.Level)
}

func TestClaimStateRestartsOnNewAnchor(t *testing.T) {
	r, ctx := newTestRepo(t)
	it := seedItem(t, r, ctx)
	rule := escalationRule(t, r, ctx)
	claim := domain.Claim{ItemID: it.ID, RuleID: rule.ID, Level: 1, AnchorAt: it.Anchor(), Now: t0, Cooldown: time.Hour}
	_, won, err := r.ClaimState(ctx, claim)
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, r.ResolveStates(ctx, it.ID))

	claim.Now = t0.Add(3 * time.Hour)
	_, won, err = r.ClaimState(ctx, claim)
	require.NoError(t, err)
	assert.False(t, won, "resolved state on the same anchor stays resolved")

	claim.AnchorAt = t0.Add(time.Hour)
	_, won, err = r.ClaimState(ctx, claim)
	require.NoError(t, err)
	assert.True(t, won)
}

func TestReleaseStateRestoresPrevious(t *testing.T) {
	r, ctx := newTestRepo(t)
	it := seedItem(t, r, ctx)
	rule := escalationRule(t, r, ctx)
	claim := domain.Claim{ItemID: it.ID, RuleID: rule.ID, Level: 1, AnchorAt: it.Anchor(), Now: t0, Cooldown: time.Hour}

	prev, won, err := r.ClaimState(ctx, claim)
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, r.ReleaseState(ctx, claim, prev))

	_, err = r.GetState(ctx, it.ID, rule.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, won, err = r.ClaimState(ctx, claim)
	require.NoError(t, err)
	assert.True(t, won, "released claim can be taken again")
}

func TestStatesCascadeWithRule(t *testing.T) {
	r, ctx := newTestRepo(t)
	it := seedItem(t, r, ctx)
	rule := escalationRule(t, r, ctx)
	_, _, err := r.ClaimState(ctx, domain.Claim{ItemID: it.ID, RuleID: rule.ID, Level: 1, AnchorAt: it.Anchor(), Now: t0})
	require.NoError(t, err)

	require.NoError(t, r.DeleteRule(ctx, rule.ID))
	states, err := r.ListStates(ctx, it.ID)
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestListOpenStatesSkipsResolved(t *testing.T) {
	r, ctx := newTestRepo(t)
	it := seedItem(t, r, ctx)
	rule := escalationRule(t, r, ctx)
	_, won, err := r.ClaimState(ctx, domain.Claim{ItemID: it.ID, RuleID: rule.ID, Level: 1, AnchorAt: it.Anchor(), Now: t0})
	require.NoError(t, err)
	require.True(t, won)

	open, err := r.ListOpenStates(ctx, rule.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, it.ID, open[0].ItemID)
	assert.Equal(t, domain.StateTriggered, open[0].Status)

	require.NoError(t, r.ResolveStates(ctx, it.ID))
	open, err = r.ListOpenStates(ctx, rule.ID)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestResetStates(t *testing.T) {
	r, ctx := newTestRepo(t)
	it := seedItem(t, r, ctx)
	rule := escalationRule(t, r, ctx)
	claim := domain.Claim{ItemID: it.ID, RuleID: rule.ID, Level: 1, AnchorAt: it.Anchor(), Now: t0, Cooldown: time.Hour}
	_, _, err := r.ClaimState(ctx, claim)
	require.NoError(t, err)

	n, err := r.ResetStates(ctx, it.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, won, err := r.ClaimState(ctx, claim)
	require.NoError(t, err)
	assert.True(t, won, "reset bypasses cooldown")
}

func TestActivityNewestFirst(t *testing.T) {
	r, ctx := newTestRepo(t)
	for i, outcome := range []domain.Outcome{domain.OutcomeApplied, domain.OutcomeFailed, domain.OutcomeSkipped} {
		_, err := r.AppendActivity(ctx, domain.ActivityEntry{
			RuleID: "rule-1", ItemID: "item-1", EventKind: domain.EventStatusChanged,
			FiredAt: t0.Add(time.Duration(i) * time.Minute), ActionTaken: "ADD_TAG(x)", Outcome: outcome,
		})
		require.NoError(t, err)
	}
	all, err := r.ListActivity(ctx, domain.ActivityFilter{RuleID: "rule-1"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, domain.OutcomeSkipped, all[0].Outcome)

	failed, err := r.ListActivity(ctx, domain.ActivityFilter{Outcome: domain.OutcomeFailed, Limit: 5})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Empty(t, failed[0].Reason)
}

func TestActorsWithRoles(t *testing.T) {
	r, ctx := newTestRepo(t)
	_, err := r.CreateWorkspace(ctx, domain.Workspace{ID: "ws-1", Name: "Ops"})
	require.NoError(t, err)
	for _, m := range []domain.Member{
		{WorkspaceID: "ws-1", ActorID: "zed", Role: "manager"},
		{WorkspaceID: "ws-1", ActorID: "amy", Role: "lead"},
		{WorkspaceID: "ws-1", ActorID: "amy", Role: "manager"},
		{WorkspaceID: "ws-1", ActorID: "bo", Role: "member"},
	} {
		require.NoError(t, r.AddMember(ctx, m))
	}
	actors, err := r.ActorsWithRoles(ctx, "ws-1", []string{"manager", "lead"})
	require.NoError(t, err)
	assert.Equal(t, []string{"amy", "zed"}, actors)

	none, err := r.ActorsWithRoles(ctx, "ws-1", nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}
