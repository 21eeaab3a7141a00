package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"bountyline/internal/domain"
	"bountyline/internal/events"
	"bountyline/internal/ledger"
	"bountyline/internal/taskboard"
)

// Restore rebuilds every component from the database. The ledger's stored
// balances are checked against a replay of its history; a disagreement halts
// transfers until an operator reconciles.
func (e *Engine) Restore(ctx context.Context) (ledger.Report, error) {
	if e.Repo == nil {
		return ledger.Report{}, nil
	}
	snap, err := e.Repo.Load(ctx)
	if err != nil {
		return ledger.Report{}, fmt.Errorf("load snapshot: %w", err)
	}
	rep := e.Ledger.Restore(snap.Accounts, snap.Transactions)
	e.Board.Restore(snap.Tasks)
	e.Bank.Restore(snap.Ratings)
	e.Router.Restore(snap.Workers, snap.Tasks)
	e.Arbitrator.Restore(snap.Disputes)
	e.Gate.Restore(snap.Approvals)

	e.recoverPayouts(ctx)

	e.Metrics.SetPendingApprovals(e.Gate.PendingCount())
	e.Metrics.SetOpenTasks(len(e.Board.OpenByPriority()))
	if !rep.OK() {
		e.Logger.Error("restored ledger does not match its history; transfers halted",
			zap.Int("mismatches", len(rep.Mismatches)), zap.Int64("minted", rep.Minted), zap.Int64("circulating", rep.Circulating))
		e.Metrics.Alert("ledger_integrity")
		e.Events.Append(ctx, events.LedgerIntegrity, "ledger", "", "", "restore", events.Payload{
			"mismatches": rep.Mismatches,
		})
	}
	e.Logger.Info("state restored",
		zap.Int("accounts", len(snap.Accounts)), zap.Int("transactions", len(snap.Transactions)),
		zap.Int("tasks", len(snap.Tasks)), zap.Int("workers", len(snap.Workers)),
		zap.Int("disputes", len(snap.Disputes)), zap.Int("approvals", len(snap.Approvals)))
	return rep, nil
}

// recoverPayouts settles tasks left with a payout in flight by a process that
// stopped between reserving the task and recording the outcome. The ledger is
// the source of truth: the newest treasury transfer referencing the task wins.
func (e *Engine) recoverPayouts(ctx context.Context) {
	for _, t := range e.Board.List(taskboard.Filters{}) {
		if !t.PayoutInFlight {
			continue
		}
		tx, found := e.lastPayout(t)
		switch {
		case !found:
			e.markPayoutFailed(ctx, t.ID, "", domain.ReasonPayoutFailed)
		case tx.Status == domain.TxCommitted:
			e.markPaid(ctx, t.ID, tx)
		case tx.Status == domain.TxPending:
			if _, err := e.Gate.Request(ctx, tx.ID); err != nil {
				e.Logger.Error("reopen approval for held payout", zap.String("task_id", t.ID), zap.String("tx_id", tx.ID), zap.Error(err))
				continue
			}
			if t.PayoutTxID != tx.ID {
				e.markHeld(ctx, t.ID, tx, "restore")
			}
		default:
			reason := tx.Reason
			if reason == "" {
				reason = domain.ReasonPayoutFailed
			}
			e.markPayoutFailed(ctx, t.ID, tx.ID, reason)
		}
		e.Logger.Warn("recovered payout left in flight", zap.String("task_id", t.ID), zap.String("tx_id", tx.ID),
			zap.String("tx_status", string(tx.Status)))
	}
}

func (e *Engine) lastPayout(t domain.Task) (domain.Transaction, bool) {
	if t.PayoutTxID != "" {
		if tx, err := e.Ledger.Transaction(t.PayoutTxID); err == nil {
			return tx, true
		}
	}
	var (
		last  domain.Transaction
		found bool
	)
	for _, tx := range e.Ledger.Transactions(t.ClaimedBy) {
		if tx.Reference == t.ID && tx.Debit == e.Config.Ledger.TreasuryAccount && tx.Credit == t.ClaimedBy {
			last, found = tx, true
		}
	}
	return last, found
}
