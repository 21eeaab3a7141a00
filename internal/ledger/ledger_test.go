package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"bountyline/internal/domain"
	"bountyline/internal/ledger"
)

func fixedNow() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) }

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	return ledger.New(ledger.Options{
		AutoApproveThreshold: 1000,
		Treasury:             "treasury",
		FeePool:              "pool",
		Now:                  fixedNow,
	})
}

func mint(t *testing.T, l *ledger.Ledger, id string, amount int64) {
	t.Helper()
	_, err := l.Mint(context.Background(), id, amount, "seed")
	require.NoError(t, err)
}

func balance(t *testing.T, l *ledger.Ledger, id string) int64 {
	t.Helper()
	a, err := l.Account(id)
	require.NoError(t, err)
	return a.Balance
}

func TestProposeBelowThresholdCommits(t *testing.T) {
	l := newLedger(t)
	mint(t, l, "treasury", 2000)

	tx, err := l.Propose(context.Background(), "treasury", "w1", 500, "task-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TxCommitted, tx.Status)
	assert.Equal(t, int64(1500), balance(t, l, "treasury"))
	assert.Equal(t, int64(500), balance(t, l, "w1"))
}

func TestProposeAboveThresholdStaysPending(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	mint(t, l, "treasury", 10000)

	tx, err := l.Propose(ctx, "treasury", "w1", 5000, "task-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TxPending, tx.Status)
	assert.Equal(t, int64(0), balance(t, l, "w1"))

	committed, err := l.Commit(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxCommitted, committed.Status)
	assert.Equal(t, int64(5000), balance(t, l, "w1"))

	_, err = l.Commit(ctx, tx.ID)
	require.ErrorIs(t, err, ledger.ErrNotPending)
}

func TestThresholdIsInclusive(t *testing.T) {
	l := newLedger(t)
	mint(t, l, "treasury", 1000)
	tx, err := l.Propose(context.Background(), "treasury", "w1", 1000, "task-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TxCommitted, tx.Status)
}

func TestInsufficientFundsDeniesWithoutStateChange(t *testing.T) {
	l := newLedger(t)
	mint(t, l, "treasury", 100)

	tx, err := l.Propose(context.Background(), "treasury", "w1", 500, "task-1")
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	require.ErrorIs(t, err, domain.ErrInsufficient)
	assert.Equal(t, domain.TxDenied, tx.Status)
	assert.Equal(t, domain.ReasonInsufficientFunds, tx.Reason)
	assert.Equal(t, int64(100), balance(t, l, "treasury"))
	assert.Equal(t, int64(0), balance(t, l, "w1"))
}

func TestCommitOfPendingChecksFundsAtCommitTime(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	mint(t, l, "treasury", 6000)
	pending, err := l.Propose(ctx, "treasury", "w1", 5000, "task-1")
	require.NoError(t, err)
	_, err = l.Propose(ctx, "treasury", "w2", 900, "task-2")
	require.NoError(t, err)
	_, err = l.Propose(ctx, "treasury", "w3", 900, "task-3")
	require.NoError(t, err)

	tx, err := l.Commit(ctx, pending.ID)
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.Equal(t, domain.TxDenied, tx.Status)
	assert.Equal(t, int64(4200), balance(t, l, "treasury"))
}

func TestDenyAndExpireLeaveBalances(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	mint(t, l, "treasury", 10000)
	a, err := l.Propose(ctx, "treasury", "w1", 2000, "task-1")
	require.NoError(t, err)
	b, err := l.Propose(ctx, "treasury", "w1", 3000, "task-2")
	require.NoError(t, err)

	denied, err := l.Deny(ctx, a.ID, domain.ReasonApprovalDenied)
	require.NoError(t, err)
	assert.Equal(t, domain.TxDenied, denied.Status)
	expired, err := l.Expire(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxExpired, expired.Status)

	assert.Equal(t, int64(10000), balance(t, l, "treasury"))
	_, err = l.Deny(ctx, b.ID, "late")
	require.ErrorIs(t, err, ledger.ErrNotPending)
}

func TestValidation(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	_, err := l.Propose(ctx, "a", "b", 0, "")
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = l.Propose(ctx, "a", "a", 10, "")
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = l.Mint(ctx, "a", -5, "")
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)
	_, err = l.Commit(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFrozenAccountRejectsCommit(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	mint(t, l, "treasury", 1000)
	_, err := l.SetFrozen(ctx, "w1", true)
	require.NoError(t, err)

	_, err = l.Propose(ctx, "treasury", "w1", 10, "task-1")
	require.ErrorIs(t, err, ledger.ErrAccountFrozen)
	assert.Empty(t, l.Transactions("w1"))

	_, err = l.SetFrozen(ctx, "w1", false)
	require.NoError(t, err)
	_, err = l.Propose(ctx, "treasury", "w1", 10, "task-1")
	require.NoError(t, err)
}

func TestConcurrentTransfersPreserveConservation(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	accounts := []string{"a", "b", "c", "d"}
	for _, id := range accounts {
		mint(t, l, id, 1000)
	}
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from := accounts[i%len(accounts)]
			to := accounts[(i+1)%len(accounts)]
			_, err := l.Propose(ctx, from, to, int64(1+i%50), fmt.Sprintf("r-%d", i))
			if err != nil && !errors.Is(err, ledger.ErrInsufficientFunds) {
				t.Errorf("propose: %v", err)
			}
		}(i)
	}
	wg.Wait()

	report := l.Audit()
	require.True(t, report.OK(), "%+v", report)
	assert.Equal(t, int64(4000), report.Minted)
	assert.False(t, l.Halted())
}

func TestRestoreDetectsCorruptionAndReconciles(t *testing.T) {
	src := newLedger(t)
	ctx := context.Background()
	mint(t, src, "treasury", 1000)
	_, err := src.Propose(ctx, "treasury", "w1", 300, "task-1")
	require.NoError(t, err)

	accounts := src.Accounts()
	for i := range accounts {
		if accounts[i].ID == "w1" {
			accounts[i].Balance = 999
		}
	}
	restored := newLedger(t)
	report := restored.Restore(accounts, src.Transactions(""))
	require.False(t, report.OK())
	require.Len(t, report.Mismatches, 1)
	assert.Equal(t, "w1", report.Mismatches[0].AccountID)
	assert.True(t, restored.Halted())

	_, err = restored.Propose(ctx, "treasury", "w1", 10, "task-2")
	require.ErrorIs(t, err, ledger.ErrHalted)
	require.ErrorIs(t, err, domain.ErrIntegrity)

	_, err = restored.Reconcile(ctx)
	require.NoError(t, err)
	assert.False(t, restored.Halted())
	assert.Equal(t, int64(300), balance(t, restored, "w1"))
	assert.True(t, restored.Audit().OK())
}

func TestReplayPropertyReproducesBalances(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		l := ledger.New(ledger.Options{AutoApproveThreshold: 50, Treasury: "treasury", FeePool: "pool", Now: fixedNow})
		ctx := context.Background()
		ids := []string{"treasury", "w1", "w2", "w3"}
		var pending []string
		steps := rapid.IntRange(1, 60).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 3).Draw(rt, "op") {
			case 0:
				acct := rapid.SampledFrom(ids).Draw(rt, "mintTo")
				_, err := l.Mint(ctx, acct, int64(rapid.IntRange(1, 200).Draw(rt, "mintAmt")), "m")
				if err != nil {
					rt.Fatalf("mint: %v", err)
				}
			case 1, 2:
				from := rapid.SampledFrom(ids).Draw(rt, "from")
				to := rapid.SampledFrom(ids).Draw(rt, "to")
				if from == to {
					continue
				}
				tx, err := l.Propose(ctx, from, to, int64(rapid.IntRange(1, 100).Draw(rt, "amt")), "t")
				if err != nil && !errors.Is(err, ledger.ErrInsufficientFunds) {
					rt.Fatalf("propose: %v", err)
				}
				if tx.Status == domain.TxPending {
					pending = append(pending, tx.ID)
				}
			case 3:
				if len(pending) == 0 {
					continue
				}
				id := pending[0]
				pending = pending[1:]
				if _, err := l.Commit(ctx, id); err != nil && !errors.Is(err, ledger.ErrInsufficientFunds) {
					rt.Fatalf("commit: %v", err)
				}
			}
		}

		replayed := l.Replay()
		var total, minted int64
		for _, a := range l.Accounts() {
			if a.Balance < 0 {
				rt.Fatalf("negative balance on %s", a.ID)
			}
			if replayed[a.ID] != a.Balance {
				rt.Fatalf("replay mismatch on %s: live %d replayed %d", a.ID, a.Balance, replayed[a.ID])
			}
			total += a.Balance
		}
		var credits, debits int64
		for _, tx := range l.Transactions("") {
			if tx.Status != domain.TxCommitted {
				continue
			}
			if tx.Kind == domain.TxMint {
				minted += tx.Amount
				continue
			}
			credits += tx.Amount
			debits += tx.Amount
		}
		if credits != debits || total != minted {
			rt.Fatalf("conservation violated: credits %d debits %d total %d minted %d", credits, debits, total, minted)
		}
	})
}
