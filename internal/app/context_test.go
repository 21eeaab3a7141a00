package app

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/repo"
)

func openWorkspace(t *testing.T, workspace string) *Runtime {
	t.Helper()
	rt, err := Open(context.Background(), Options{Workspace: workspace, Logger: zap.NewNop()})
	require.NoError(t, err)
	return rt
}

func TestOpenBootstrapsSystemAccounts(t *testing.T) {
	rt := openWorkspace(t, t.TempDir())
	defer rt.Close()

	for _, id := range []string{rt.Config.Ledger.TreasuryAccount, rt.Config.Ledger.FeePoolAccount} {
		_, err := rt.Engine.Ledger.Account(id)
		assert.NoError(t, err, id)
	}
	assert.Nil(t, rt.Relay)
	loops := rt.Loops()
	require.Len(t, loops, 1)
	assert.Equal(t, "lease", loops[0].Name)
	assert.Equal(t, 10*time.Second, loops[0].Interval)
}

func TestReopenRestoresState(t *testing.T) {
	ctx := context.Background()
	ws := t.TempDir()

	rt := openWorkspace(t, ws)
	_, err := rt.Engine.Mint(ctx, "", 2000, "ops")
	require.NoError(t, err)
	task, err := rt.Engine.CreateTask(ctx, engine.TaskCreateOptions{
		OrchestratorID: "orch",
		Description:    "label images",
		Tags:           []string{"vision"},
		Reward:         300,
		Priority:       domain.PriorityHigh,
	})
	require.NoError(t, err)
	_, err = rt.Engine.RegisterWorker(ctx, "w1", []string{"vision"})
	require.NoError(t, err)
	_, err = rt.Engine.Claim(ctx, task.ID, "w1")
	require.NoError(t, err)
	require.NoError(t, rt.Close())

	rt = openWorkspace(t, ws)
	defer rt.Close()

	treasury, err := rt.Engine.Ledger.Account(rt.Config.Ledger.TreasuryAccount)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), treasury.Balance)

	got, err := rt.Engine.Board.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskClaimed, got.Status)
	assert.Equal(t, "w1", got.ClaimedBy)
	assert.Equal(t, domain.PriorityHigh, got.Priority)

	w, err := rt.Engine.Router.Worker("w1")
	require.NoError(t, err)
	assert.False(t, w.Idle)

	assert.True(t, rt.Engine.Audit(ctx).OK())
	assert.False(t, rt.Engine.Ledger.Halted())
}

func TestOpenWithRedisRelaysEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	ws := t.TempDir()
	_, err := db.EnsureWorkspace(ws)
	require.NoError(t, err)
	cfg := fmt.Sprintf("redis:\n  addr: %s\n  stream: test:events\nscheduler:\n  relay_interval: 1s\n", mr.Addr())
	require.NoError(t, os.WriteFile(config.Path(ws), []byte(cfg), 0o644))

	rt := openWorkspace(t, ws)
	defer rt.Close()
	require.NotNil(t, rt.Relay)

	loops := rt.Loops()
	require.Len(t, loops, 2)
	assert.Equal(t, "relay", loops[1].Name)
	assert.Equal(t, time.Second, loops[1].Interval)

	_, err = rt.Engine.Mint(context.Background(), "", 100, "ops")
	require.NoError(t, err)
	n, err := rt.Relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Positive(t, n)

	entries, err := mr.Stream("test:events")
	require.NoError(t, err)
	assert.Len(t, entries, n)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	ws := t.TempDir()
	_, err := db.EnsureWorkspace(ws)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(config.Path(ws), []byte("redis:\n  addr: localhost:6379\n  stream: \"\"\n"), 0o644))

	_, err = Open(context.Background(), Options{Workspace: ws, Logger: zap.NewNop()})
	require.Error(t, err)
}

func TestSecondWriterIsRefusedWhileLeaseHeld(t *testing.T) {
	ctx := context.Background()
	ws := t.TempDir()

	serve := openWorkspace(t, ws)
	_, err := serve.Engine.Mint(ctx, "", 2000, "ops")
	require.NoError(t, err)

	_, err = Open(ctx, Options{Workspace: ws, Logger: zap.NewNop()})
	require.ErrorIs(t, err, repo.ErrLeaseHeld)
	require.ErrorIs(t, err, domain.ErrConflict)

	reader, err := Open(ctx, Options{Workspace: ws, Logger: zap.NewNop(), ReadOnly: true})
	require.NoError(t, err)
	assert.True(t, reader.ReadOnly())
	assert.Empty(t, reader.Loops())
	treasury, err := reader.Engine.Ledger.Account(reader.Config.Ledger.TreasuryAccount)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), treasury.Balance)

	// A read-only runtime never writes, so its in-memory changes vanish.
	_, err = reader.Engine.Mint(ctx, "", 500, "ops")
	require.NoError(t, err)
	require.NoError(t, reader.Close())

	_, err = serve.Engine.Mint(ctx, "", 100, "ops")
	require.NoError(t, err)
	require.NoError(t, serve.Close())

	next := openWorkspace(t, ws)
	defer next.Close()
	treasury, err = next.Engine.Ledger.Account(next.Config.Ledger.TreasuryAccount)
	require.NoError(t, err)
	assert.Equal(t, int64(2100), treasury.Balance)
	assert.True(t, next.Engine.Audit(ctx).OK())
	assert.False(t, next.Engine.Ledger.Halted())
}

func TestExpiredLeaseIsTakenOver(t *testing.T) {
	ctx := context.Background()
	ws := t.TempDir()
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	stale, err := Open(ctx, Options{Workspace: ws, Logger: zap.NewNop(), Holder: "stale", LeaseTTL: 10 * time.Second,
		Now: func() time.Time { return start }})
	require.NoError(t, err)
	defer stale.Close()

	fresh, err := Open(ctx, Options{Workspace: ws, Logger: zap.NewNop(), Holder: "fresh", LeaseTTL: 10 * time.Second,
		Now: func() time.Time { return start.Add(time.Minute) }})
	require.NoError(t, err)
	defer fresh.Close()

	require.ErrorIs(t, stale.RenewLease(ctx), repo.ErrLeaseLost)
	select {
	case <-stale.Done():
	default:
		t.Fatal("Done not closed after the lease was lost")
	}
	require.NoError(t, fresh.RenewLease(ctx))

	lease, err := repo.Repo{DB: fresh.DB}.CurrentLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fresh", lease.Holder)
	assert.Equal(t, os.Getpid(), lease.PID)
}
