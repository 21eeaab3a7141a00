package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"bountyline/internal/domain"
	"bountyline/internal/events"
	"bountyline/internal/ledger"
	"bountyline/internal/reputation"
	"bountyline/internal/router"
	"bountyline/internal/taskboard"
)

func (e *Engine) observe(name string, start time.Time) {
	e.Metrics.ObserveSweep(name, time.Since(start))
}

// ExpireTasks moves open and claimed tasks past their TTL to expired.
func (e *Engine) ExpireTasks(ctx context.Context) ([]domain.Task, error) {
	defer e.observe("expiry", time.Now())
	expired, err := e.Board.SweepExpired(ctx)
	for _, t := range expired {
		if t.ClaimedBy != "" {
			e.Router.NoteRelease(t.ClaimedBy, false)
		}
		e.Metrics.TaskTransition(string(domain.TaskExpired))
		e.Events.Append(ctx, events.TaskExpired, "task", t.ID, "", domain.ReasonExpiredTTL, events.Payload{
			"claimed_by": t.ClaimedBy,
		})
	}
	if len(expired) > 0 {
		e.Logger.Info("tasks expired", zap.Int("count", len(expired)))
	}
	return expired, err
}

// MatchIdleWorkers runs one routing round.
func (e *Engine) MatchIdleWorkers(ctx context.Context) (router.Report, error) {
	defer e.observe("match", time.Now())
	report, err := e.Router.MatchIdleWorkers(ctx)
	e.Metrics.Assignments(len(report.Assignments))
	e.Metrics.ClaimConflicts(report.Conflicts)
	for _, a := range report.Assignments {
		e.Metrics.TaskTransition(string(domain.TaskClaimed))
		e.Events.Append(ctx, events.TaskClaimed, "task", a.TaskID, actorRouter, "", events.Payload{
			"account_id": a.AccountID, "score": a.Score,
		})
	}
	if report.Exhausted {
		e.Logger.Error("routing round gave up after repeated claim conflicts",
			zap.Int("conflicts", report.Conflicts), zap.Int("assigned", len(report.Assignments)))
		e.Metrics.Alert("router_exhausted")
		e.Events.Append(ctx, events.RouterExhausted, "router", "", actorRouter, "", events.Payload{
			"conflicts": report.Conflicts,
		})
	}
	e.Metrics.SetOpenTasks(len(e.Board.OpenByPriority()))
	return report, err
}

// FinalizeDueRatings settles rating pairs whose deadline passed. A missing
// rating counts as a dispute. It also picks up concordant pairs whose payout
// was never proposed, which happens when the process stopped in between.
func (e *Engine) FinalizeDueRatings(ctx context.Context) ([]reputation.Result, error) {
	defer e.observe("ratings", time.Now())
	var (
		out  []reputation.Result
		errs []error
	)
	for _, taskID := range e.Bank.Due() {
		res, _, err := e.settleRatings(ctx, taskID)
		if err != nil {
			errs = append(errs, fmt.Errorf("finalize %s: %w", taskID, err))
			continue
		}
		if res != nil && !res.AlreadyFinalized {
			out = append(out, *res)
		}
	}
	for _, t := range e.Board.List(taskboard.Filters{Status: domain.TaskCompleted}) {
		// a failed attempt waits for an explicit retry
		if t.PayoutTxID != "" || t.PayoutInFlight || t.Reason == domain.ReasonPayoutFailed {
			continue
		}
		p, err := e.Bank.Pair(t.ID)
		if err != nil || p.Result == nil {
			continue
		}
		if _, err := e.applyRatingOutcome(ctx, t.ID, *p.Result); err != nil {
			errs = append(errs, fmt.Errorf("settle %s: %w", t.ID, err))
		}
	}
	return out, errors.Join(errs...)
}

// ResolveDueDisputes resolves every dispute whose voting deadline passed.
func (e *Engine) ResolveDueDisputes(ctx context.Context) ([]domain.Dispute, error) {
	defer e.observe("disputes", time.Now())
	resolved, err := e.Arbitrator.SweepDeadlines(ctx)
	for _, d := range resolved {
		e.disputeResolved(ctx, d)
	}
	return resolved, err
}

// ExpireApprovals closes approval requests left undecided past their window.
func (e *Engine) ExpireApprovals(ctx context.Context) ([]domain.ApprovalRequest, error) {
	defer e.observe("approvals", time.Now())
	return e.Gate.SweepExpired(ctx)
}

// Decay pulls idle reputations toward neutral.
func (e *Engine) Decay(ctx context.Context) ([]string, error) {
	defer e.observe("decay", time.Now())
	changed, err := e.Bank.Decay(ctx)
	for _, id := range changed {
		e.Events.Append(ctx, events.ReputationDecayed, "account", id, "", "", events.Payload{
			"average": e.Bank.Record(id).Average,
		})
	}
	return changed, err
}

// Audit replays committed history against live balances. A mismatch halts
// the ledger and raises an alert.
func (e *Engine) Audit(ctx context.Context) ledger.Report {
	defer e.observe("audit", time.Now())
	rep := e.Ledger.Audit()
	if !rep.OK() {
		e.Logger.Error("ledger integrity check failed", zap.Int("mismatches", len(rep.Mismatches)),
			zap.Int64("minted", rep.Minted), zap.Int64("circulating", rep.Circulating))
		e.Metrics.Alert("ledger_integrity")
		e.Events.Append(ctx, events.LedgerIntegrity, "ledger", "", "", "", events.Payload{
			"mismatches": rep.Mismatches, "minted": rep.Minted, "circulating": rep.Circulating,
		})
	}
	return rep
}

// CreateRecurring posts every recurring template whose interval has elapsed.
// A template that has never run is posted on the first call.
func (e *Engine) CreateRecurring(ctx context.Context) ([]domain.Task, error) {
	defer e.observe("recurring", time.Now())
	orch := e.Config.Orchestrator
	now := e.now()
	var (
		created []domain.Task
		errs    []error
	)
	e.recurringMu.Lock()
	defer e.recurringMu.Unlock()
	for _, tpl := range orch.Recurring {
		last, ok := e.lastCreated[tpl.Name]
		if ok && now.Sub(last) < tpl.Every.Std() {
			continue
		}
		priority := domain.Priority(tpl.Priority)
		if priority == "" {
			priority = domain.PriorityNormal
		}
		t, err := e.CreateTask(ctx, TaskCreateOptions{
			OrchestratorID: orch.Account,
			Description:    tpl.Description,
			Tags:           tpl.Tags,
			Reward:         tpl.Reward,
			Priority:       priority,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("recurring %s: %w", tpl.Name, err))
			continue
		}
		e.lastCreated[tpl.Name] = now
		e.Events.Append(ctx, events.RecurringScheduled, "task", t.ID, orch.Account, "", events.Payload{"template": tpl.Name})
		created = append(created, t)
	}
	return created, errors.Join(errs...)
}

// SweepSummary counts what a full sweep changed.
type SweepSummary struct {
	Expired   int  `json:"expired"`
	Assigned  int  `json:"assigned"`
	Finalized int  `json:"finalized"`
	Resolved  int  `json:"resolved"`
	Approvals int  `json:"approvals_expired"`
	Decayed   int  `json:"decayed"`
	Created   int  `json:"created"`
	LedgerOK  bool `json:"ledger_ok"`
	Exhausted bool `json:"router_exhausted"`
}

// RunSweeps runs every periodic job once, in dependency order. Errors are
// collected so one failing job does not starve the rest.
func (e *Engine) RunSweeps(ctx context.Context) (SweepSummary, error) {
	var (
		s    SweepSummary
		errs []error
	)
	created, err := e.CreateRecurring(ctx)
	s.Created = len(created)
	errs = append(errs, err)

	expired, err := e.ExpireTasks(ctx)
	s.Expired = len(expired)
	errs = append(errs, err)

	report, err := e.MatchIdleWorkers(ctx)
	s.Assigned = len(report.Assignments)
	s.Exhausted = report.Exhausted
	errs = append(errs, err)

	finalized, err := e.FinalizeDueRatings(ctx)
	s.Finalized = len(finalized)
	errs = append(errs, err)

	resolved, err := e.ResolveDueDisputes(ctx)
	s.Resolved = len(resolved)
	errs = append(errs, err)

	approvals, err := e.ExpireApprovals(ctx)
	s.Approvals = len(approvals)
	errs = append(errs, err)

	decayed, err := e.Decay(ctx)
	s.Decayed = len(decayed)
	errs = append(errs, err)

	s.LedgerOK = e.Audit(ctx).OK()
	return s, errors.Join(errs...)
}
