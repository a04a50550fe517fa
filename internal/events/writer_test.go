package events

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

func TestRecordAndList(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(ctx, conn))

	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	w := Writer{DB: conn}
	require.NoError(t, w.Record(ctx, domain.Event{
		ID: "evt-1", ItemID: "item-1", ItemType: domain.ItemTask, WorkspaceID: "ws-1",
		Kind: domain.EventStatusChanged, FromStatus: "IN_PROGRESS", ToStatus: "BLOCKED",
		OccurredAt: at, Source: domain.SourceIngest, Payload: map[string]any{"actor": "alice"},
	}))
	require.NoError(t, w.Record(ctx, domain.Event{
		ID: "evt-2", ItemID: "item-2", ItemType: domain.ItemTask, WorkspaceID: "ws-1",
		Kind: domain.EventSLABreached, OccurredAt: at, Source: domain.SourceScanner, RuleID: "rule-1", Level: 2,
	}))

	all, err := w.List(ctx, "", 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "BLOCKED", all[0].Event.ToStatus)
	assert.Equal(t, "alice", all[0].Event.Payload["actor"])
	assert.True(t, all[0].Event.OccurredAt.Equal(at))
	assert.Equal(t, 2, all[1].Event.Level)

	after, err := w.List(ctx, "", all[0].Seq, 10)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "evt-2", after[0].Event.ID)

	one, err := w.List(ctx, "item-1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestRecordRejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(ctx, conn))

	w := Writer{DB: conn}
	evt := domain.Event{ID: "evt-1", ItemID: "item-1", ItemType: domain.ItemTask, WorkspaceID: "ws-1",
		Kind: domain.EventCreated, Source: domain.SourceIngest}
	require.NoError(t, w.Record(ctx, evt))

	err = w.Record(ctx, evt)
	require.ErrorIs(t, err, ErrDuplicate)

	all, err := w.List(ctx, "", 0, 10)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
