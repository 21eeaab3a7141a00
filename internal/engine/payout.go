package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"bountyline/internal/domain"
	"bountyline/internal/events"
	"bountyline/internal/ledger"
	"bountyline/internal/reputation"
)

// ScalePayout applies the rating multiplier to a reward. Fractions are
// truncated toward zero.
func (e *Engine) ScalePayout(reward int64, average float64) int64 {
	p := e.Config.Payout
	switch {
	case average >= p.BonusThreshold:
		return int64(math.Floor(float64(reward) * p.BonusMultiplier))
	case average <= p.PenaltyThreshold:
		return int64(math.Floor(float64(reward) * p.PenaltyMultiplier))
	}
	return reward
}

// Payout pays a task's claimant from the treasury. The task is marked as
// having a payout in flight before anything reaches the ledger, which keeps it
// from being cancelled or disputed until the payout settles. Large amounts
// wait for a human decision; the task records the pending transaction and
// moves to paid when the approval commits. The ledger reference is always the
// task id so a closed approval can find its way back to the task. cause names
// what triggered the payout (the task or a dispute).
func (e *Engine) Payout(ctx context.Context, task domain.Task, amount int64, cause string) (domain.Transaction, error) {
	logger := e.Logger.With(zap.String("task_id", task.ID), zap.String("cause", cause), zap.Int64("amount", amount))
	task, err := e.Board.BeginPayout(ctx, task.ID)
	if err != nil {
		return domain.Transaction{}, err
	}
	tx, req, err := e.Gate.Propose(ctx, e.Config.Ledger.TreasuryAccount, task.ClaimedBy, amount, task.ID)
	if tx.ID != "" {
		e.Metrics.Transaction(string(tx.Kind), string(tx.Status))
	}
	if err != nil {
		reason := domain.ReasonPayoutFailed
		switch {
		case errors.Is(err, ledger.ErrInsufficientFunds):
			reason = domain.ReasonInsufficientFunds
		case errors.Is(err, ledger.ErrHalted):
			reason = domain.ReasonLedgerHalted
			e.Metrics.Alert("ledger_halted")
		case tx.Status == domain.TxDenied && tx.Reason != "":
			reason = tx.Reason
		}
		e.markPayoutFailed(ctx, task.ID, tx.ID, reason)
		logger.Warn("payout failed", zap.String("reason", reason), zap.Error(err))
		return tx, err
	}

	switch tx.Status {
	case domain.TxCommitted:
		e.markPaid(ctx, task.ID, tx)
	case domain.TxPending:
		e.markHeld(ctx, task.ID, tx, cause)
		if req != nil {
			e.approvalRequested(ctx, *req, tx)
		}
		logger.Info("payout awaiting approval", zap.String("tx_id", tx.ID))
	}
	return tx, nil
}

// markHeld points the task at its pending payout. The task stays in flight.
func (e *Engine) markHeld(ctx context.Context, taskID string, tx domain.Transaction, cause string) {
	if _, err := e.Board.Update(ctx, taskID, "", func(t *domain.Task) error {
		t.PayoutTxID = tx.ID
		t.Reason = domain.ReasonAwaitingApproval
		return nil
	}); err != nil {
		// the approval still finds the task by reference
		e.Logger.Error("record held payout", zap.String("task_id", taskID), zap.String("tx_id", tx.ID), zap.Error(err))
		e.Metrics.Alert("task_state_lag")
	}
	e.Events.Append(ctx, events.TaskPayoutHeld, "task", taskID, "", domain.ReasonAwaitingApproval, events.Payload{
		"tx_id": tx.ID, "amount": tx.Amount, "cause": cause,
	})
}

// CollectFee moves an arbitration fee from the treasury to the fee pool.
func (e *Engine) CollectFee(ctx context.Context, amount int64, reference string) (domain.Transaction, error) {
	tx, req, err := e.Gate.Propose(ctx, e.Config.Ledger.TreasuryAccount, e.Config.Ledger.FeePoolAccount, amount, reference)
	if tx.ID != "" {
		e.Metrics.Transaction(string(tx.Kind), string(tx.Status))
		e.Events.Append(ctx, events.LedgerTransfer, "transaction", tx.ID, "", "arbitration_fee", events.Payload{
			"reference": reference, "amount": amount, "status": tx.Status,
		})
	}
	if req != nil {
		e.approvalRequested(ctx, *req, tx)
	}
	return tx, err
}

func (e *Engine) markPaid(ctx context.Context, taskID string, tx domain.Transaction) {
	if _, err := e.Board.Update(ctx, taskID, domain.TaskPaid, func(t *domain.Task) error {
		t.PayoutTxID = tx.ID
		t.PayoutInFlight = false
		t.Reason = domain.ReasonPaid
		return nil
	}); err != nil {
		// the transfer is committed; the task only lags behind the ledger
		e.Logger.Error("mark task paid", zap.String("task_id", taskID), zap.String("tx_id", tx.ID), zap.Error(err))
		e.Metrics.Alert("task_state_lag")
		return
	}
	e.Metrics.TaskTransition(string(domain.TaskPaid))
	e.Metrics.Payout(tx.Amount)
	e.Events.Append(ctx, events.TaskPaid, "task", taskID, "", domain.ReasonPaid, events.Payload{
		"tx_id": tx.ID, "amount": tx.Amount, "worker": tx.Credit,
	})
}

func (e *Engine) markPayoutFailed(ctx context.Context, taskID, txID, reason string) {
	if _, err := e.Board.Update(ctx, taskID, "", func(t *domain.Task) error {
		if txID != "" {
			t.PayoutTxID = txID
		}
		t.PayoutInFlight = false
		t.Reason = reason
		return nil
	}); err != nil {
		e.Logger.Error("record payout failure", zap.String("task_id", taskID), zap.Error(err))
		e.Metrics.Alert("task_state_lag")
	}
	e.Events.Append(ctx, events.TaskPayoutFailed, "task", taskID, "", reason, events.Payload{"tx_id": txID})
}

func (e *Engine) approvalRequested(ctx context.Context, req domain.ApprovalRequest, tx domain.Transaction) {
	e.Metrics.SetPendingApprovals(e.Gate.PendingCount())
	e.Events.Append(ctx, events.ApprovalRequested, "approval", req.ID, "", "", events.Payload{
		"tx_id": tx.ID, "amount": tx.Amount, "debit": tx.Debit, "credit": tx.Credit, "expires_at": req.ExpiresAt,
	})
}

// onApprovalClosed settles the task behind a payout once its approval is
// decided or expires.
func (e *Engine) onApprovalClosed(ctx context.Context, req domain.ApprovalRequest, tx domain.Transaction) {
	e.Metrics.ApprovalClosed(string(req.Decision))
	e.Metrics.SetPendingApprovals(e.Gate.PendingCount())
	if tx.Status != "" {
		e.Metrics.Transaction(string(tx.Kind), string(tx.Status))
	}
	evt := events.ApprovalDecided
	if req.Decision == domain.DecisionExpired {
		evt = events.ApprovalExpired
	}
	e.Events.Append(ctx, evt, "approval", req.ID, req.DecidedBy, tx.Reason, events.Payload{
		"tx_id": req.TransactionID, "decision": req.Decision, "tx_status": tx.Status,
	})

	task, err := e.Board.Get(tx.Reference)
	if err != nil || !payoutOf(task, tx) {
		return
	}
	if tx.Status == domain.TxCommitted {
		e.markPaid(ctx, task.ID, tx)
		return
	}
	reason := domain.ReasonApprovalDenied
	switch {
	case tx.Status == domain.TxExpired:
		reason = domain.ReasonApprovalExpired
	case tx.Reason == domain.ReasonInsufficientFunds:
		reason = domain.ReasonInsufficientFunds
	}
	if task.Status.Terminal() {
		return
	}
	e.markPayoutFailed(ctx, task.ID, tx.ID, reason)
}

// payoutOf reports whether tx is the payout the task is waiting on. A task
// whose held payout was never recorded still claims it while in flight.
func payoutOf(t domain.Task, tx domain.Transaction) bool {
	if t.PayoutTxID == tx.ID {
		return true
	}
	return t.PayoutTxID == "" && t.PayoutInFlight && tx.Credit == t.ClaimedBy
}

// RetryPayout proposes a fresh payout for a task whose last attempt was
// denied, expired or unfunded.
func (e *Engine) RetryPayout(ctx context.Context, taskID, actorID string) (domain.Transaction, error) {
	t, err := e.Board.Get(taskID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if t.PayoutTxID != "" {
		prev, err := e.Ledger.Transaction(t.PayoutTxID)
		if err == nil && (prev.Status == domain.TxPending || prev.Status == domain.TxCommitted) {
			return prev, fmt.Errorf("%w: payout %s is %s", ErrNoPayout, prev.ID, prev.Status)
		}
	}
	var amount int64
	cause := taskID
	switch t.Status {
	case domain.TaskResolved:
		d, err := e.Arbitrator.ForTask(taskID)
		if err != nil {
			return domain.Transaction{}, err
		}
		if d.Resolution == nil || d.Resolution.Payout == 0 {
			return domain.Transaction{}, fmt.Errorf("%w: dispute %s awarded nothing", ErrNoPayout, d.ID)
		}
		amount = d.Resolution.Payout
		cause = d.ID
	case domain.TaskCompleted:
		p, err := e.Bank.Pair(taskID)
		if err != nil {
			return domain.Transaction{}, err
		}
		if p.Result == nil || p.Result.Outcome != reputation.OutcomeConcordant {
			return domain.Transaction{}, fmt.Errorf("%w: ratings for %s are not settled", ErrNoPayout, taskID)
		}
		amount = e.ScalePayout(t.Reward, p.Result.Average)
	default:
		return domain.Transaction{}, fmt.Errorf("%w: %s is %s", ErrNoPayout, taskID, t.Status)
	}
	e.Logger.Info("payout retried", zap.String("task_id", taskID), zap.String("actor", actorID), zap.Int64("amount", amount))
	return e.Payout(ctx, t, amount, cause)
}
