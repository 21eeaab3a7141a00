package engine_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/migrate"
	"bountyline/internal/repo"
	"bountyline/internal/taskboard"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
	Clock  *clock
	Dir    string
	Config *config.Config
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	return newTestEnvWith(t, config.Default())
}

func newTestEnvWith(t *testing.T, cfg *config.Config) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)

	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	eng := engine.New(engine.Options{Config: cfg, DB: conn, Now: clk.Now})
	ctx := context.Background()
	require.NoError(t, eng.Bootstrap(ctx))
	_, err = eng.Mint(ctx, "", 100000, "tester")
	require.NoError(t, err)
	return testEnv{Engine: eng, Ctx: ctx, Clock: clk, Dir: dir, Config: cfg}
}

func (env testEnv) completed(t *testing.T, orch, worker string, reward int64) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		OrchestratorID: orch, Description: "summarize logs", Tags: []string{"go"}, Reward: reward, Priority: domain.PriorityNormal,
	})
	require.NoError(t, err)
	_, err = env.Engine.Claim(env.Ctx, task.ID, worker)
	require.NoError(t, err)
	task, err = env.Engine.Complete(env.Ctx, task.ID, worker)
	require.NoError(t, err)
	return task
}

func (env testEnv) rate(t *testing.T, task domain.Task, orchScore, workerScore float64) engine.RateResult {
	t.Helper()
	first, err := env.Engine.Rate(env.Ctx, task.ID, task.OrchestratorID, orchScore)
	require.NoError(t, err)
	require.Nil(t, first.Finalized)
	res, err := env.Engine.Rate(env.Ctx, task.ID, task.ClaimedBy, workerScore)
	require.NoError(t, err)
	require.NotNil(t, res.Finalized)
	return res
}

func (env testEnv) balance(t *testing.T, id string) int64 {
	t.Helper()
	a, err := env.Engine.Ledger.Account(id)
	require.NoError(t, err)
	return a.Balance
}

// makeTrusted gives an account enough concordant completions to vote in disputes.
func (env testEnv) makeTrusted(t *testing.T, id string) {
	t.Helper()
	for i := 0; i < 5; i++ {
		task := env.completed(t, "seed-orch", id, 10)
		// The worker's lower self-score keeps seed-orch ranked below the workers it seeds.
		env.rate(t, task, 3, 2.5)
	}
	require.Equal(t, domain.TierTrusted, env.Engine.Bank.TrustTier(id))
}

func TestPayoutScalesWithRatings(t *testing.T) {
	cases := []struct {
		name         string
		orch, worker float64
		want         int64
	}{
		{"bonus", 5, 4.5, 750},
		{"penalty", 2, 1.5, 400},
		{"plain", 3, 3, 500},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			task := env.completed(t, "orch", "w1", 500)
			res := env.rate(t, task, tc.orch, tc.worker)

			assert.Equal(t, domain.TaskPaid, res.Task.Status)
			assert.Equal(t, domain.ReasonPaid, res.Task.Reason)
			assert.Equal(t, tc.want, env.balance(t, "w1"))
			tx, err := env.Engine.Ledger.Transaction(res.Task.PayoutTxID)
			require.NoError(t, err)
			assert.Equal(t, domain.TxCommitted, tx.Status)
			assert.Equal(t, task.ID, tx.Reference)
		})
	}
}

func TestScalePayoutTruncates(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, int64(1), env.Engine.ScalePayout(1, 5))
	assert.Equal(t, int64(4), env.Engine.ScalePayout(3, 5))
	assert.Equal(t, int64(2), env.Engine.ScalePayout(3, 0))
	assert.Equal(t, int64(3), env.Engine.ScalePayout(3, 4.49))
}

func TestLargePayoutWaitsForApproval(t *testing.T) {
	env := newTestEnv(t)
	task := env.completed(t, "orch", "w1", 1000)
	res := env.rate(t, task, 5, 5)

	require.Equal(t, domain.TaskCompleted, res.Task.Status)
	assert.Equal(t, domain.ReasonAwaitingApproval, res.Task.Reason)
	assert.Equal(t, int64(0), env.balance(t, "w1"))

	req, err := env.Engine.Gate.ForTransaction(res.Task.PayoutTxID)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionPending, req.Decision)
	assert.Equal(t, 1, env.Engine.Gate.PendingCount())

	_, tx, err := env.Engine.Decide(env.Ctx, req.ID, true, "approver")
	require.NoError(t, err)
	assert.Equal(t, domain.TxCommitted, tx.Status)
	assert.Equal(t, int64(1500), env.balance(t, "w1"))

	paid, err := env.Engine.Board.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPaid, paid.Status)
	assert.Equal(t, 0, env.Engine.Gate.PendingCount())
}

func TestDeniedPayoutCanBeRetried(t *testing.T) {
	env := newTestEnv(t)
	task := env.completed(t, "orch", "w1", 1000)
	res := env.rate(t, task, 5, 5)
	req, err := env.Engine.Gate.ForTransaction(res.Task.PayoutTxID)
	require.NoError(t, err)

	_, _, err = env.Engine.Decide(env.Ctx, req.ID, false, "approver")
	require.NoError(t, err)
	denied, err := env.Engine.Board.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, denied.Status)
	assert.Equal(t, domain.ReasonApprovalDenied, denied.Reason)

	tx, err := env.Engine.RetryPayout(env.Ctx, task.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, domain.TxPending, tx.Status)
	assert.Equal(t, int64(1500), tx.Amount)

	_, err = env.Engine.RetryPayout(env.Ctx, task.ID, "admin")
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestExpiredApprovalRecordsReason(t *testing.T) {
	env := newTestEnv(t)
	task := env.completed(t, "orch", "w1", 1000)
	env.rate(t, task, 5, 5)

	env.Clock.Advance(25 * time.Hour)
	expired, err := env.Engine.ExpireApprovals(env.Ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	got, err := env.Engine.Board.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonApprovalExpired, got.Reason)
	tx, err := env.Engine.Ledger.Transaction(got.PayoutTxID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxExpired, tx.Status)
}

func TestUnfundedPayoutRecordsReason(t *testing.T) {
	cfg := config.Default()
	cfg.Ledger.AutoApproveThreshold = 1000000
	env := newTestEnvWith(t, cfg)
	_, _, err := env.Engine.Transfer(env.Ctx, "treasury", "reserve", 99700, "drain", "tester")
	require.NoError(t, err)
	require.Equal(t, int64(300), env.balance(t, "treasury"))
	task := env.completed(t, "orch", "w1", 500)
	res := env.rate(t, task, 3, 3)

	assert.Equal(t, domain.TaskCompleted, res.Task.Status)
	assert.Equal(t, domain.ReasonInsufficientFunds, res.Task.Reason)
	tx, err := env.Engine.Ledger.Transaction(res.Task.PayoutTxID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxDenied, tx.Status)
}

func TestDiscordantRatingsOpenDispute(t *testing.T) {
	env := newTestEnv(t)
	task := env.completed(t, "orch", "w1", 500)
	res := env.rate(t, task, 4, 1)

	require.NotNil(t, res.Dispute)
	assert.Equal(t, domain.ReasonDiscordant, res.Dispute.Reason)
	assert.Equal(t, domain.TaskDisputed, res.Task.Status)
	// nobody is trusted yet, so no voters are solicited
	assert.Equal(t, domain.DisputeOpen, res.Dispute.Status)
	assert.Empty(t, res.Dispute.Voters)

	env.Clock.Advance(48 * time.Hour)
	resolved, err := env.Engine.ResolveDueDisputes(env.Ctx)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	d := resolved[0]
	assert.True(t, d.ResolvedByDefault)
	assert.Equal(t, domain.VerdictPartial, d.Resolution.Verdict)
	assert.Equal(t, int64(250), d.Resolution.Payout)

	paid, err := env.Engine.Board.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPaid, paid.Status)
	assert.Equal(t, int64(250), env.balance(t, "w1"))
}

func TestSettledOrchestratorWinsDefaultResolution(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		task := env.completed(t, "orch", fmt.Sprintf("w%d", i), 100)
		env.rate(t, task, 3, 3)
	}
	require.Equal(t, 5, env.Engine.Bank.Record("orch").Completed)
	require.Equal(t, domain.TierTrusted, env.Engine.Bank.TrustTier("orch"))

	task := env.completed(t, "orch", "newcomer", 500)
	res := env.rate(t, task, 4, 1)
	require.NotNil(t, res.Dispute)
	assert.Empty(t, res.Dispute.Voters)

	env.Clock.Advance(48 * time.Hour)
	resolved, err := env.Engine.ResolveDueDisputes(env.Ctx)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.True(t, resolved[0].ResolvedByDefault)
	assert.Equal(t, domain.VerdictNone, resolved[0].Resolution.Verdict)
	assert.Zero(t, resolved[0].Resolution.Payout)

	got, err := env.Engine.Board.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskResolved, got.Status)
	assert.Equal(t, domain.ReasonDisputeNoPayout, got.Reason)
	assert.Zero(t, env.balance(t, "newcomer"))
}

func TestDisputeMajorityPaysAndPenalizes(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"v1", "v2", "v3"} {
		env.makeTrusted(t, id)
	}
	task := env.completed(t, "orch", "w1", 500)
	res := env.rate(t, task, 1, 5)
	require.NotNil(t, res.Dispute)
	d := *res.Dispute
	assert.Equal(t, domain.DisputeVoting, d.Status)
	assert.Equal(t, []string{"v1", "v2", "v3"}, d.Voters)

	_, err := env.Engine.Vote(env.Ctx, d.ID, "w1", domain.VerdictFull)
	require.ErrorIs(t, err, domain.ErrForbidden)

	d, err = env.Engine.Vote(env.Ctx, d.ID, "v1", domain.VerdictFull)
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeVoting, d.Status)
	d, err = env.Engine.Vote(env.Ctx, d.ID, "v3", domain.VerdictFull)
	require.NoError(t, err)
	require.Equal(t, domain.DisputeResolved, d.Status)
	assert.False(t, d.ResolvedByDefault)
	assert.Equal(t, "orch", d.Resolution.PenalizedAccount)

	paid, err := env.Engine.Board.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPaid, paid.Status)
	assert.Equal(t, int64(500), env.balance(t, "w1"))
	assert.InDelta(t, 2.0, env.Engine.Bank.Record("orch").Average, 1e-9)

	_, err = env.Engine.Vote(env.Ctx, d.ID, "v2", domain.VerdictNone)
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	task := env.completed(t, "orch", "w1", 500)
	env.rate(t, task, 3, 3)
	before := env.Engine.Ledger.Transactions("w1")

	again, err := env.Engine.Finalize(env.Ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, again.Finalized)
	assert.True(t, again.Finalized.AlreadyFinalized)
	assert.Equal(t, int64(500), env.balance(t, "w1"))
	assert.Len(t, env.Engine.Ledger.Transactions("w1"), len(before))
	assert.Equal(t, 1, env.Engine.Bank.Record("w1").Completed)
}

func TestMissingRatingDisputesAfterDeadline(t *testing.T) {
	env := newTestEnv(t)
	task := env.completed(t, "orch", "w1", 500)
	_, err := env.Engine.Rate(env.Ctx, task.ID, "orch", 4)
	require.NoError(t, err)

	results, err := env.Engine.FinalizeDueRatings(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, results)

	env.Clock.Advance(time.Hour)
	results, err = env.Engine.FinalizeDueRatings(env.Ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, domain.ReasonMissingRating, results[0].Reason)

	got, err := env.Engine.Board.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskDisputed, got.Status)
}

func TestRateRejectsOutsiders(t *testing.T) {
	env := newTestEnv(t)
	task := env.completed(t, "orch", "w1", 500)
	_, err := env.Engine.Rate(env.Ctx, task.ID, "mallory", 5)
	require.ErrorIs(t, err, domain.ErrForbidden)

	open, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{OrchestratorID: "orch", Description: "x", Reward: 5, Priority: domain.PriorityLow})
	require.NoError(t, err)
	_, err = env.Engine.Rate(env.Ctx, open.ID, "orch", 5)
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestContest(t *testing.T) {
	env := newTestEnv(t)
	task := env.completed(t, "orch", "w1", 500)

	_, err := env.Engine.Contest(env.Ctx, task.ID, "mallory", "")
	require.ErrorIs(t, err, domain.ErrForbidden)

	d, err := env.Engine.Contest(env.Ctx, task.ID, "orch", "output is empty")
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonContested, d.Reason)

	got, err := env.Engine.Board.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskDisputed, got.Status)
	assert.Equal(t, d.ID, got.DisputeID)

	_, err = env.Engine.Contest(env.Ctx, task.ID, "w1", "")
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestCancelDeniesPendingPayout(t *testing.T) {
	env := newTestEnv(t)
	task := env.completed(t, "orch", "w1", 1000)
	res := env.rate(t, task, 5, 5)

	cancelled, err := env.Engine.Cancel(env.Ctx, task.ID, "orch")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCancelled, cancelled.Status)

	assert.False(t, cancelled.PayoutInFlight)

	tx, err := env.Engine.Ledger.Transaction(res.Task.PayoutTxID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxDenied, tx.Status)
	assert.Equal(t, 0, env.Engine.Gate.PendingCount())
}

func TestCancelRefusedWhilePayoutIsProposed(t *testing.T) {
	env := newTestEnv(t)
	task := env.completed(t, "orch", "w1", 500)
	_, err := env.Engine.Board.BeginPayout(env.Ctx, task.ID)
	require.NoError(t, err)

	_, err = env.Engine.Cancel(env.Ctx, task.ID, "orch")
	require.ErrorIs(t, err, taskboard.ErrPayoutInFlight)
	got, err := env.Engine.Board.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, got.Status)

	_, err = env.Engine.Contest(env.Ctx, task.ID, "orch", "")
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestCancelRacingPayoutNeverPaysCancelledTask(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 20; i++ {
		worker := fmt.Sprintf("w%d", i)
		task := env.completed(t, "orch", worker, 500)
		_, err := env.Engine.Rate(env.Ctx, task.ID, "orch", 3)
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = env.Engine.Rate(env.Ctx, task.ID, worker, 3)
		}()
		go func() {
			defer wg.Done()
			_, _ = env.Engine.Cancel(env.Ctx, task.ID, "orch")
		}()
		wg.Wait()

		got, err := env.Engine.Board.Get(task.ID)
		require.NoError(t, err)
		assert.False(t, got.PayoutInFlight, worker)
		switch got.Status {
		case domain.TaskPaid:
			assert.Equal(t, int64(500), env.balance(t, worker))
		case domain.TaskCancelled:
			for _, tx := range env.Engine.Ledger.Transactions(worker) {
				assert.NotEqual(t, domain.TxCommitted, tx.Status, worker)
			}
		default:
			t.Fatalf("%s ended %s", task.ID, got.Status)
		}
	}
	assert.True(t, env.Engine.Audit(env.Ctx).OK())
}

func TestApprovalStoreFailureDeniesPayout(t *testing.T) {
	env := newTestEnv(t)
	task := env.completed(t, "orch", "w1", 1000)
	_, err := env.Engine.Repo.DB.ExecContext(env.Ctx, `DROP TABLE approvals`)
	require.NoError(t, err)

	res := env.rate(t, task, 5, 5)
	assert.Equal(t, domain.TaskCompleted, res.Task.Status)

	got, err := env.Engine.Board.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonApprovalFailed, got.Reason)
	assert.False(t, got.PayoutInFlight)
	require.NotEmpty(t, got.PayoutTxID)
	tx, err := env.Engine.Ledger.Transaction(got.PayoutTxID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxDenied, tx.Status)
	assert.Zero(t, env.Engine.Gate.PendingCount())

	before := len(env.Engine.Ledger.Transactions("w1"))
	_, err = env.Engine.FinalizeDueRatings(env.Ctx)
	require.NoError(t, err)
	assert.Len(t, env.Engine.Ledger.Transactions("w1"), before)
}

func TestRestoreSettlesPayoutLeftInFlight(t *testing.T) {
	env := newTestEnv(t)
	committed := env.completed(t, "orch", "w1", 500)
	_, err := env.Engine.Board.BeginPayout(env.Ctx, committed.ID)
	require.NoError(t, err)
	tx, _, err := env.Engine.Gate.Propose(env.Ctx, "treasury", "w1", 500, committed.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TxCommitted, tx.Status)

	orphan := env.completed(t, "orch", "w2", 500)
	_, err = env.Engine.Board.BeginPayout(env.Ctx, orphan.ID)
	require.NoError(t, err)

	restored := engine.New(engine.Options{Config: env.Config, DB: env.Engine.Repo.DB, Now: env.Clock.Now})
	_, err = restored.Restore(env.Ctx)
	require.NoError(t, err)

	paid, err := restored.Board.Get(committed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPaid, paid.Status)
	assert.Equal(t, tx.ID, paid.PayoutTxID)
	assert.False(t, paid.PayoutInFlight)

	failed, err := restored.Board.Get(orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, failed.Status)
	assert.Equal(t, domain.ReasonPayoutFailed, failed.Reason)
	assert.False(t, failed.PayoutInFlight)
}

func TestMatchIdleWorkers(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RegisterWorker(env.Ctx, "w1", []string{"go", "sql"})
	require.NoError(t, err)
	_, err = env.Engine.RegisterWorker(env.Ctx, "w2", []string{"python"})
	require.NoError(t, err)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		OrchestratorID: "orch", Description: "migrate schema", Tags: []string{"sql"}, Reward: 50, Priority: domain.PriorityHigh,
	})
	require.NoError(t, err)

	report, err := env.Engine.MatchIdleWorkers(env.Ctx)
	require.NoError(t, err)
	require.Len(t, report.Assignments, 1)
	assert.Equal(t, "w1", report.Assignments[0].AccountID)

	got, err := env.Engine.Board.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskClaimed, got.Status)
	assert.Equal(t, "w1", got.ClaimedBy)
}

func TestExpireTasks(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{OrchestratorID: "orch", Description: "x", Reward: 5, Priority: domain.PriorityLow})
	require.NoError(t, err)

	expired, err := env.Engine.ExpireTasks(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)

	env.Clock.Advance(72 * time.Hour)
	expired, err = env.Engine.ExpireTasks(env.Ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, task.ID, expired[0].ID)
	assert.Equal(t, domain.ReasonExpiredTTL, expired[0].Reason)
}

func TestCreateRecurring(t *testing.T) {
	cfg := config.Default()
	cfg.Orchestrator.Recurring = []config.Template{{
		Name: "nightly", Description: "rotate keys", Tags: []string{"ops"}, Reward: 20, Priority: "high",
		Every: config.Duration(time.Hour),
	}}
	env := newTestEnvWith(t, cfg)

	created, err := env.Engine.CreateRecurring(env.Ctx)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "orchestrator", created[0].OrchestratorID)
	assert.Equal(t, domain.PriorityHigh, created[0].Priority)

	created, err = env.Engine.CreateRecurring(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, created)

	env.Clock.Advance(time.Hour)
	created, err = env.Engine.CreateRecurring(env.Ctx)
	require.NoError(t, err)
	assert.Len(t, created, 1)
}

func TestRunSweeps(t *testing.T) {
	env := newTestEnv(t)
	summary, err := env.Engine.RunSweeps(env.Ctx)
	require.NoError(t, err)
	assert.True(t, summary.LedgerOK)
}

func TestRestoreRebuildsState(t *testing.T) {
	env := newTestEnv(t)
	paid := env.completed(t, "orch", "w1", 500)
	env.rate(t, paid, 3, 3)
	held := env.completed(t, "orch", "w2", 1000)
	env.rate(t, held, 5, 5)
	_, err := env.Engine.RegisterWorker(env.Ctx, "w3", []string{"go"})
	require.NoError(t, err)

	restored := engine.New(engine.Options{Config: env.Config, DB: env.Engine.Repo.DB, Now: env.Clock.Now})
	report, err := restored.Restore(env.Ctx)
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.False(t, restored.Ledger.Halted())

	for _, id := range []string{"treasury", "w1", "w2"} {
		want, err := env.Engine.Ledger.Account(id)
		require.NoError(t, err)
		got, err := restored.Ledger.Account(id)
		require.NoError(t, err)
		assert.Equal(t, want.Balance, got.Balance, id)
	}
	got, err := restored.Board.Get(paid.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPaid, got.Status)
	assert.Equal(t, 1, restored.Gate.PendingCount())
	assert.Equal(t, 1, restored.Bank.Record("w1").Completed)
	_, err = restored.Router.Worker("w3")
	require.NoError(t, err)

	// the held payout can still be approved after a restart
	heldTask, err := restored.Board.Get(held.ID)
	require.NoError(t, err)
	req, err := restored.Gate.ForTransaction(heldTask.PayoutTxID)
	require.NoError(t, err)
	_, _, err = restored.Decide(env.Ctx, req.ID, true, "approver")
	require.NoError(t, err)
	heldTask, err = restored.Board.Get(held.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPaid, heldTask.Status)
}

func TestRestoreHaltsOnTamperedBalance(t *testing.T) {
	env := newTestEnv(t)
	task := env.completed(t, "orch", "w1", 500)
	env.rate(t, task, 3, 3)

	_, err := env.Engine.Repo.DB.ExecContext(env.Ctx, `UPDATE accounts SET balance = balance + 7 WHERE id = ?`, "w1")
	require.NoError(t, err)

	restored := engine.New(engine.Options{Config: env.Config, DB: env.Engine.Repo.DB, Now: env.Clock.Now})
	report, err := restored.Restore(env.Ctx)
	require.NoError(t, err)
	assert.False(t, report.OK())
	assert.True(t, restored.Ledger.Halted())

	_, _, err = restored.Transfer(env.Ctx, "treasury", "w2", 10, "manual", "admin")
	require.Error(t, err)

	_, err = restored.Reconcile(env.Ctx, "admin")
	require.NoError(t, err)
	assert.False(t, restored.Ledger.Halted())
	assert.True(t, restored.Audit(env.Ctx).OK())
}

func TestEventsAreRecorded(t *testing.T) {
	env := newTestEnv(t)
	task := env.completed(t, "orch", "w1", 500)
	env.rate(t, task, 3, 3)

	evts, err := env.Engine.Repo.ListEvents(env.Ctx, repo.EventFilter{EntityKind: "task", EntityID: task.ID})
	require.NoError(t, err)
	var types []string
	for _, e := range evts {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{"task.created", "task.claimed", "task.completed", "rating.submitted", "rating.submitted", "rating.finalized", "task.paid"}, types)
}

func TestExplain(t *testing.T) {
	env := newTestEnv(t)
	task := env.completed(t, "orch", "w1", 1000)
	env.rate(t, task, 5, 5)

	ex, err := env.Engine.Explain(task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonAwaitingApproval, ex.Reason)
	require.NotNil(t, ex.Ratings)
	assert.True(t, ex.Ratings.Finalized)
	require.NotNil(t, ex.Payout)
	assert.Equal(t, domain.TxPending, ex.Payout.Status)
	require.NotNil(t, ex.Approval)
	assert.Nil(t, ex.Dispute)
}
