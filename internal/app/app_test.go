package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"escalator/internal/config"
	"escalator/internal/domain"
	"escalator/internal/engine"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

func TestOpenWiresEngine(t *testing.T) {
	ctx := context.Background()
	a, err := Open(ctx, Options{Workspace: t.TempDir(), Logger: zap.NewNop()})
	require.NoError(t, err)
	a.Dispatcher.Start(ctx)
	defer a.Close(ctx)

	_, err = a.Repo.CreateWorkspace(ctx, domain.Workspace{ID: "ops", Name: "Ops", Kind: domain.WorkspaceRoot})
	require.NoError(t, err)
	it, err := a.Repo.CreateItem(ctx, domain.Item{WorkspaceID: "ops", Type: domain.ItemTask, Title: "rotate keys",
		Status: "OPEN", CreatorID: "carl", CreatedAt: time.Now().UTC()})
	require.NoError(t, err)
	_, err = a.Repo.CreateRule(ctx, domain.Rule{WorkspaceID: "ops", ItemType: domain.ItemTask, IsActive: true, CreatedBy: "carl",
		Trigger: domain.ItemCreated{}, Action: domain.AddTag{Tag: "new"}})
	require.NoError(t, err)

	_, entries, err := a.Engine.Ingest(ctx, engine.RawEvent{ItemID: it.ID, Kind: string(domain.EventCreated)})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.OutcomeApplied, entries[0].Outcome)

	got, err := a.Repo.GetItem(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, got.Tags)

	journal, err := a.Journal.List(ctx, it.ID, 0, 10)
	require.NoError(t, err)
	assert.Len(t, journal, 1)

	h, err := a.Handler()
	require.NoError(t, err)
	assert.NotNil(t, h)
}

func TestOpenRejectsUnreachableRedis(t *testing.T) {
	cfg := config.Default()
	cfg.Locks.Backend = "redis"
	cfg.Locks.Redis.Addr = "127.0.0.1:1"
	_, err := Open(context.Background(), Options{Workspace: t.TempDir(), Config: cfg, Logger: zap.NewNop()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect redis 127.0.0.1:1")
}

func TestEngineConfigFromFile(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
engine:
  closed_statuses: [SHIPPED]
  retry:
    attempts: 5
    base_delay: 10ms
    max_delay: 100ms
scanner:
  cooldown: 15m
`))
	require.NoError(t, err)
	ec := EngineConfig(cfg)
	assert.Equal(t, []string{"SHIPPED"}, ec.ClosedStatuses)
	assert.Equal(t, 15*time.Minute, ec.Cooldown)
	assert.Equal(t, engine.RetryPolicy{Attempts: 5, Base: 10 * time.Millisecond, Max: 100 * time.Millisecond}, ec.Retry)
}

func TestResolveConfig(t *testing.T) {
	ws := t.TempDir()
	cfg, err := ResolveConfig(ws, "")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Locks.Backend)

	path := filepath.Join(ws, "custom.yml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  base_path: /api\n"), 0o644))
	cfg, err = ResolveConfig(ws, path)
	require.NoError(t, err)
	assert.Equal(t, "/api", cfg.Server.BasePath)

	_, err = ResolveConfig(ws, filepath.Join(ws, "missing.yml"))
	assert.Error(t, err)
}

func TestJWTSecretFromEnv(t *testing.T) {
	cfg := config.Default()
	cfg.Server.JWTSecretEnv = "ESCALATOR_TEST_SECRET"
	t.Setenv("ESCALATOR_TEST_SECRET", "s3cret")
	assert.Equal(t, "s3cret", JWTSecret(cfg))
	cfg.Server.JWTSecretEnv = ""
	assert.Empty(t, JWTSecret(cfg))
}
