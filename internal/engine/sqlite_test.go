package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escalator/internal/db"
	"escalator/internal/domain"
	"escalator/internal/engine"
	"escalator/internal/events"
	"escalator/internal/migrate"
	"escalator/internal/repo"
)

func newSQLiteEngine(t *testing.T, now time.Time) (*engine.Engine, repo.Repo, events.Writer) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))

	clock := func() time.Time { return now }
	r := repo.Repo{DB: conn, Now: clock}
	journal := events.Writer{DB: conn, Now: clock}
	e := engine.New(engine.Deps{Rules: r, Items: r, Directory: r, States: r, Audit: r, Journal: journal}, engine.DefaultConfig())
	e.Now = clock
	return e, r, journal
}

func TestSQLiteScanAndReassign(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	e, r, journal := newSQLiteEngine(t, now)
	ctx := context.Background()

	_, err := r.CreateWorkspace(ctx, domain.Workspace{ID: "dept", Name: "Ops", Kind: domain.WorkspaceDepartment, LeadID: ptr("dana")})
	require.NoError(t, err)
	_, err = r.CreateWorkspace(ctx, domain.Workspace{ID: "team", Name: "On-call", ParentID: ptr("dept")})
	require.NoError(t, err)
	it, err := r.CreateItem(ctx, domain.Item{WorkspaceID: "team", Type: domain.ItemTask, Title: "pager", Status: "OPEN",
		CreatorID: "carl", Assignees: []string{"alice"}, CreatedAt: now.Add(-26 * time.Hour)})
	require.NoError(t, err)
	rule, err := r.CreateRule(ctx, domain.Rule{WorkspaceID: "team", ItemType: domain.ItemTask, IsActive: true, CreatedBy: "carl",
		Trigger: domain.EscalationTimer{}, Action: domain.Reassign{},
		Escalation: &domain.EscalationPolicy{TriggerAfterHours: 24, EscalateTo: domain.EscalateParent, AutoReassign: true}})
	require.NoError(t, err)

	scanner := &engine.Scanner{Engine: e, Workers: 2}
	report, err := scanner.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Fired)

	report, err = scanner.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Fired)

	got, err := r.GetItem(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, "dept", got.WorkspaceID)
	assert.Equal(t, []string{"dana"}, got.Assignees)

	st, err := r.GetState(ctx, it.ID, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateTriggered, st.Status)

	entries, err := r.ListActivity(ctx, domain.ActivityFilter{ItemID: it.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.OutcomeApplied, entries[0].Outcome)

	journaled, err := journal.List(ctx, it.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, journaled, 1)
	assert.Equal(t, domain.EventEscalationTriggered, journaled[0].Event.Kind)
	assert.Equal(t, rule.ID, journaled[0].Event.RuleID)
}

func TestSQLiteRedeliveredEventRunsOnce(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	e, r, journal := newSQLiteEngine(t, now)
	ctx := context.Background()

	_, err := r.CreateWorkspace(ctx, domain.Workspace{ID: "team", Name: "On-call"})
	require.NoError(t, err)
	it, err := r.CreateItem(ctx, domain.Item{WorkspaceID: "team", Type: domain.ItemTask, Title: "pager", Status: "OPEN", CreatorID: "carl"})
	require.NoError(t, err)
	_, err = r.CreateRule(ctx, domain.Rule{WorkspaceID: "team", ItemType: domain.ItemTask, IsActive: true, CreatedBy: "carl",
		Trigger: domain.ItemCreated{}, Action: domain.UpdatePriority{NewPriority: "HIGH"}})
	require.NoError(t, err)

	raw := engine.RawEvent{ID: "created-1", ItemID: it.ID, Kind: "created"}
	_, entries, err := e.Ingest(ctx, raw)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	_, entries, err = e.Ingest(ctx, raw)
	require.NoError(t, err)
	assert.Empty(t, entries)

	activity, err := r.ListActivity(ctx, domain.ActivityFilter{ItemID: it.ID})
	require.NoError(t, err)
	assert.Len(t, activity, 1)
	journaled, err := journal.List(ctx, it.ID, 0, 10)
	require.NoError(t, err)
	assert.Len(t, journaled, 1)
}
