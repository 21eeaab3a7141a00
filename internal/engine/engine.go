// Package engine composes the ledger, task board, reputation bank, router,
// arbitrator and approval gate into the marketplace operations exposed by the
// API and the CLI.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"bountyline/internal/approval"
	"bountyline/internal/arbitrator"
	"bountyline/internal/config"
	"bountyline/internal/domain"
	"bountyline/internal/events"
	"bountyline/internal/ledger"
	"bountyline/internal/metrics"
	"bountyline/internal/repo"
	"bountyline/internal/reputation"
	"bountyline/internal/router"
	"bountyline/internal/taskboard"
)

const actorRouter = "router"

var (
	ErrNotParty   = fmt.Errorf("%w: account is not a party to the task", domain.ErrForbidden)
	ErrNotRatable = fmt.Errorf("%w: task is not awaiting ratings", domain.ErrConflict)
	ErrNoPayout   = fmt.Errorf("%w: task has nothing to pay", domain.ErrConflict)
)

type Options struct {
	Config *config.Config
	// DB enables write-through persistence; nil keeps everything in memory.
	DB *sql.DB
	// ReadOnly restores from DB but never writes back to it.
	ReadOnly bool
	Logger   *zap.Logger
	Metrics  *metrics.Collector
	Now      func() time.Time
}

type Engine struct {
	Config     *config.Config
	Repo       *repo.Repo
	Ledger     *ledger.Ledger
	Board      *taskboard.Board
	Bank       *reputation.Bank
	Router     *router.Router
	Arbitrator *arbitrator.Arbitrator
	Gate       *approval.Gate
	Events     events.Writer
	Metrics    *metrics.Collector
	Logger     *zap.Logger
	Now        func() time.Time

	recurringMu sync.Mutex
	lastCreated map[string]time.Time
}

func New(opts Options) *Engine {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewCollector()
	}
	e := &Engine{
		Config:      cfg,
		Metrics:     m,
		Logger:      logger.With(zap.String("component", "engine")),
		Now:         now,
		lastCreated: make(map[string]time.Time),
	}

	var (
		ledgerStore   ledger.Store
		boardStore    taskboard.Store
		bankStore     reputation.Store
		routerStore   router.Store
		disputeStore  arbitrator.Store
		approvalStore approval.Store
	)
	switch {
	case opts.DB != nil && opts.ReadOnly:
		e.Repo = &repo.Repo{DB: opts.DB}
		e.Events = events.Writer{Logger: logger, Now: now}
	case opts.DB != nil:
		r := &repo.Repo{DB: opts.DB}
		e.Repo = r
		ledgerStore, boardStore, bankStore, routerStore, disputeStore, approvalStore = r, r, r, r, r, r
		e.Events = events.Writer{Store: r, Logger: logger, Now: now}
	default:
		e.Events = events.Writer{Logger: logger, Now: now}
	}

	e.Ledger = ledger.New(ledger.Options{
		AutoApproveThreshold: cfg.Ledger.AutoApproveThreshold,
		Treasury:             cfg.Ledger.TreasuryAccount,
		FeePool:              cfg.Ledger.FeePoolAccount,
		Store:                ledgerStore,
		Logger:               logger,
		Now:                  now,
	})
	e.Board = taskboard.New(taskboard.Options{TTL: cfg.Tasks.TTL.Std(), Store: boardStore, Logger: logger, Now: now})
	e.Bank = reputation.New(reputation.Options{
		Tolerance:          cfg.Reputation.RatingTolerance,
		OrchestratorWeight: cfg.Reputation.OrchestratorWeight,
		DecayRate:          cfg.Reputation.DecayRate,
		DecayPeriod:        cfg.Reputation.DecayPeriod.Std(),
		Store:              bankStore,
		Logger:             logger,
		Now:                now,
	})
	e.Router = router.New(e.Board, e.Bank, router.Options{
		MaxConflicts: cfg.Router.MaxConflicts,
		Store:        routerStore,
		Logger:       logger,
		Now:          now,
	})
	e.Gate = approval.New(e.Ledger, approval.Options{
		TTL:      cfg.Approval.TTL.Std(),
		Store:    approvalStore,
		Logger:   logger,
		Now:      now,
		OnClosed: e.onApprovalClosed,
	})
	e.Arbitrator = arbitrator.New(e.Board, e.Bank, e, arbitrator.Options{
		Quorum:             cfg.Arbitration.Quorum,
		Deadline:           cfg.Arbitration.Deadline.Std(),
		Penalty:            cfg.Arbitration.Penalty,
		PartialPayoutRatio: cfg.Arbitration.PartialPayoutRatio,
		Fee:                cfg.Arbitration.Fee,
		Store:              disputeStore,
		Logger:             logger,
		Now:                now,
	})
	return e
}

func (e *Engine) now() time.Time { return e.Now().UTC() }

// Bootstrap creates the treasury and fee pool accounts.
func (e *Engine) Bootstrap(ctx context.Context) error {
	for _, id := range []string{e.Config.Ledger.TreasuryAccount, e.Config.Ledger.FeePoolAccount} {
		if _, err := e.Ledger.EnsureAccount(ctx, id); err != nil {
			return fmt.Errorf("ensure account %s: %w", id, err)
		}
	}
	return nil
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	OrchestratorID string
	Description    string
	Tags           []string
	Reward         int64
	Priority       domain.Priority
}

func (e *Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	t, err := e.Board.Create(ctx, taskboard.CreateInput{
		OrchestratorID: opts.OrchestratorID,
		Description:    opts.Description,
		Tags:           opts.Tags,
		Reward:         opts.Reward,
		Priority:       opts.Priority,
	})
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := e.Ledger.EnsureAccount(ctx, opts.OrchestratorID); err != nil {
		return t, err
	}
	e.Metrics.TaskTransition(string(domain.TaskOpen))
	e.Events.Append(ctx, events.TaskCreated, "task", t.ID, opts.OrchestratorID, "", events.Payload{
		"reward": t.Reward, "priority": t.Priority, "tags": t.Tags,
	})
	return t, nil
}

// Claim assigns an open task to an account directly, outside the router.
func (e *Engine) Claim(ctx context.Context, taskID, accountID string) (domain.Task, error) {
	t, err := e.Board.Claim(ctx, taskID, accountID)
	if err != nil {
		if errors.Is(err, taskboard.ErrAlreadyClaimed) {
			e.Metrics.ClaimConflicts(1)
		}
		return t, err
	}
	e.Router.NoteClaim(accountID)
	if _, err := e.Ledger.EnsureAccount(ctx, accountID); err != nil {
		return t, err
	}
	e.Metrics.TaskTransition(string(domain.TaskClaimed))
	e.Events.Append(ctx, events.TaskClaimed, "task", t.ID, accountID, "", nil)
	return t, nil
}

// Release gives a claim back so the task can be matched again.
func (e *Engine) Release(ctx context.Context, taskID, accountID string) (domain.Task, error) {
	t, err := e.Board.Release(ctx, taskID, accountID)
	if err != nil {
		return t, err
	}
	e.Router.NoteRelease(accountID, false)
	e.Metrics.TaskTransition(string(domain.TaskOpen))
	e.Events.Append(ctx, events.TaskReleased, "task", t.ID, accountID, domain.ReasonReleased, nil)
	return t, nil
}

// Complete marks the claimant's work done and opens the rating window.
func (e *Engine) Complete(ctx context.Context, taskID, accountID string) (domain.Task, error) {
	t, err := e.Board.MarkComplete(ctx, taskID, accountID)
	if err != nil {
		return t, err
	}
	e.Router.NoteRelease(accountID, true)
	deadline := e.now().Add(e.Config.Reputation.RatingDeadline.Std())
	if err := e.Bank.Expect(ctx, t.ID, t.ClaimedBy, t.OrchestratorID, deadline); err != nil {
		return t, err
	}
	e.Metrics.TaskTransition(string(domain.TaskCompleted))
	e.Events.Append(ctx, events.TaskCompleted, "task", t.ID, accountID, domain.ReasonAwaitingRatings, events.Payload{
		"rating_deadline": deadline,
	})
	return t, nil
}

// Cancel withdraws a task. A payout still waiting for approval is denied
// first; a task whose payout is being proposed right now cannot be cancelled.
func (e *Engine) Cancel(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	before, err := e.Board.Get(taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if before.OrchestratorID != actorID {
		return before, fmt.Errorf("%w: %s", taskboard.ErrNotOrchestrator, actorID)
	}
	if before.PayoutInFlight && before.PayoutTxID != "" {
		if req, err := e.Gate.ForTransaction(before.PayoutTxID); err == nil && req.Decision == domain.DecisionPending {
			if _, _, err := e.Gate.Decide(ctx, req.ID, false, actorID); err != nil && !errors.Is(err, approval.ErrRequestExpired) {
				return before, fmt.Errorf("deny held payout %s: %w", before.PayoutTxID, err)
			}
		}
	}
	t, err := e.Board.Cancel(ctx, taskID, actorID)
	if err != nil {
		return t, err
	}
	if before.Status == domain.TaskClaimed {
		e.Router.NoteRelease(before.ClaimedBy, false)
	}
	e.Metrics.TaskTransition(string(domain.TaskCancelled))
	e.Events.Append(ctx, events.TaskCancelled, "task", t.ID, actorID, domain.ReasonCancelled, events.Payload{"from": before.Status})
	return t, nil
}

// RateResult reports what a rating submission set in motion.
type RateResult struct {
	Task      domain.Task        `json:"task"`
	Finalized *reputation.Result `json:"finalized,omitempty"`
	Dispute   *domain.Dispute    `json:"dispute,omitempty"`
}

// Rate records one side of a task's rating pair. The claimant is always the
// ratee; once both sides are in, the pair is finalized and either paid out or
// sent to arbitration.
func (e *Engine) Rate(ctx context.Context, taskID, raterID string, score float64) (RateResult, error) {
	t, err := e.Board.Get(taskID)
	if err != nil {
		return RateResult{}, err
	}
	if t.Status != domain.TaskCompleted {
		return RateResult{Task: t}, fmt.Errorf("%w: %s is %s", ErrNotRatable, taskID, t.Status)
	}
	if raterID != t.OrchestratorID && raterID != t.ClaimedBy {
		return RateResult{Task: t}, fmt.Errorf("%w: %s", ErrNotParty, raterID)
	}
	both, err := e.Bank.SubmitRating(ctx, raterID, t.ClaimedBy, taskID, score)
	if err != nil {
		return RateResult{Task: t}, err
	}
	e.Events.Append(ctx, events.RatingSubmitted, "task", taskID, raterID, "", events.Payload{"score": score})
	res := RateResult{Task: t}
	if !both {
		return res, nil
	}
	fin, dispute, err := e.settleRatings(ctx, taskID)
	if err != nil {
		return res, err
	}
	res.Finalized = fin
	res.Dispute = dispute
	if latest, err := e.Board.Get(taskID); err == nil {
		res.Task = latest
	}
	return res, nil
}

// Finalize settles a task's rating pair on demand. Calling it again after
// the pair is settled changes nothing.
func (e *Engine) Finalize(ctx context.Context, taskID string) (RateResult, error) {
	fin, dispute, err := e.settleRatings(ctx, taskID)
	if err != nil {
		return RateResult{}, err
	}
	t, err := e.Board.Get(taskID)
	if err != nil {
		return RateResult{}, err
	}
	return RateResult{Task: t, Finalized: fin, Dispute: dispute}, nil
}

func (e *Engine) settleRatings(ctx context.Context, taskID string) (*reputation.Result, *domain.Dispute, error) {
	res, err := e.Bank.Finalize(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	if res.AlreadyFinalized {
		return &res, nil, nil
	}
	e.Metrics.RatingFinalized(string(res.Outcome))
	e.Events.Append(ctx, events.RatingFinalized, "task", taskID, "", res.Reason, events.Payload{
		"outcome": res.Outcome, "average": res.Average,
	})
	d, err := e.applyRatingOutcome(ctx, taskID, res)
	return &res, d, err
}

// applyRatingOutcome pays a concordant pair or disputes a discordant one. A
// task that left the completed state meanwhile (contested, cancelled) is left alone.
func (e *Engine) applyRatingOutcome(ctx context.Context, taskID string, res reputation.Result) (*domain.Dispute, error) {
	t, err := e.Board.Get(taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != domain.TaskCompleted || t.PayoutTxID != "" || t.PayoutInFlight {
		return nil, nil
	}
	if res.Outcome == reputation.OutcomeConcordant {
		amount := e.ScalePayout(t.Reward, res.Average)
		if _, err := e.Payout(ctx, t, amount, taskID); err != nil {
			// the reason code on the task explains the failure; the rating itself succeeded
			e.Logger.Warn("payout not committed", zap.String("task_id", taskID), zap.Error(err))
		}
		return nil, nil
	}
	d, err := e.Arbitrator.OpenDispute(ctx, taskID, res.Reason)
	if err != nil {
		return nil, err
	}
	e.disputeOpened(ctx, d, "")
	return &d, nil
}

// Contest lets either party send a completed task to arbitration.
func (e *Engine) Contest(ctx context.Context, taskID, actorID, note string) (domain.Dispute, error) {
	t, err := e.Board.Get(taskID)
	if err != nil {
		return domain.Dispute{}, err
	}
	if actorID != t.OrchestratorID && actorID != t.ClaimedBy {
		return domain.Dispute{}, fmt.Errorf("%w: %s", ErrNotParty, actorID)
	}
	if t.PayoutTxID != "" {
		if tx, err := e.Ledger.Transaction(t.PayoutTxID); err == nil && tx.Status == domain.TxPending {
			return domain.Dispute{}, fmt.Errorf("%w: payout %s is awaiting approval", arbitrator.ErrNotDisputable, tx.ID)
		}
	}
	d, err := e.Arbitrator.OpenDispute(ctx, taskID, domain.ReasonContested)
	if err != nil {
		return domain.Dispute{}, err
	}
	e.disputeOpened(ctx, d, actorID, note)
	return d, nil
}

func (e *Engine) disputeOpened(ctx context.Context, d domain.Dispute, actorID string, note ...string) {
	e.Metrics.TaskTransition(string(domain.TaskDisputed))
	payload := events.Payload{"task_id": d.TaskID, "voters": d.Voters, "deadline": d.Deadline}
	if len(note) > 0 && note[0] != "" {
		payload["note"] = note[0]
	}
	e.Events.Append(ctx, events.DisputeOpened, "dispute", d.ID, actorID, d.Reason, payload)
}

// Vote records an arbitration vote.
func (e *Engine) Vote(ctx context.Context, disputeID, voterID string, verdict domain.Verdict) (domain.Dispute, error) {
	before, err := e.Arbitrator.Get(disputeID)
	if err != nil {
		return domain.Dispute{}, err
	}
	d, err := e.Arbitrator.CastVote(ctx, disputeID, voterID, verdict)
	if err != nil {
		if before.Status != domain.DisputeResolved && d.Status == domain.DisputeResolved {
			// a vote after the deadline closed the dispute by default
			e.disputeResolved(ctx, d)
		}
		return d, err
	}
	e.Events.Append(ctx, events.DisputeVoted, "dispute", d.ID, voterID, "", events.Payload{"verdict": verdict})
	if d.Status == domain.DisputeResolved {
		e.disputeResolved(ctx, d)
	}
	return d, nil
}

func (e *Engine) disputeResolved(ctx context.Context, d domain.Dispute) {
	if d.Resolution == nil {
		return
	}
	e.Metrics.DisputeResolved(string(d.Resolution.Verdict), d.ResolvedByDefault)
	e.Metrics.TaskTransition(string(domain.TaskResolved))
	if d.ResolvedByDefault {
		e.Logger.Info("dispute resolved by default, flagged for audit", zap.String("dispute_id", d.ID),
			zap.String("task_id", d.TaskID), zap.String("verdict", string(d.Resolution.Verdict)))
	}
	e.Events.Append(ctx, events.DisputeResolved, "dispute", d.ID, "", d.Resolution.Reason, events.Payload{
		"task_id":             d.TaskID,
		"verdict":             d.Resolution.Verdict,
		"payout":              d.Resolution.Payout,
		"penalized":           d.Resolution.PenalizedAccount,
		"resolved_by_default": d.ResolvedByDefault,
	})
}

// Decide forwards a human decision to the approval gate.
func (e *Engine) Decide(ctx context.Context, requestID string, approve bool, decidedBy string) (domain.ApprovalRequest, domain.Transaction, error) {
	return e.Gate.Decide(ctx, requestID, approve, decidedBy)
}

// RegisterWorker adds a worker to the router's registry.
func (e *Engine) RegisterWorker(ctx context.Context, accountID string, tags []string) (domain.Worker, error) {
	w, err := e.Router.Register(ctx, accountID, tags)
	if err != nil {
		return w, err
	}
	if _, err := e.Ledger.EnsureAccount(ctx, accountID); err != nil {
		return w, err
	}
	e.Events.Append(ctx, events.WorkerRegistered, "worker", accountID, accountID, "", events.Payload{"tags": w.Tags})
	return w, nil
}

// Mint credits new value to an account, normally the treasury.
func (e *Engine) Mint(ctx context.Context, accountID string, amount int64, actorID string) (domain.Transaction, error) {
	if accountID == "" {
		accountID = e.Config.Ledger.TreasuryAccount
	}
	tx, err := e.Ledger.Mint(ctx, accountID, amount, "mint:"+actorID)
	if err != nil {
		return tx, err
	}
	e.Metrics.Transaction(string(tx.Kind), string(tx.Status))
	e.Events.Append(ctx, events.LedgerMinted, "account", accountID, actorID, "", events.Payload{"amount": amount, "tx_id": tx.ID})
	return tx, nil
}

// Transfer moves value between accounts, through approval when it is large.
func (e *Engine) Transfer(ctx context.Context, debit, credit string, amount int64, reference, actorID string) (domain.Transaction, *domain.ApprovalRequest, error) {
	tx, req, err := e.Gate.Propose(ctx, debit, credit, amount, reference)
	if tx.ID != "" {
		e.Metrics.Transaction(string(tx.Kind), string(tx.Status))
		e.Events.Append(ctx, events.LedgerTransfer, "transaction", tx.ID, actorID, tx.Reason, events.Payload{
			"debit": debit, "credit": credit, "amount": amount, "status": tx.Status,
		})
	}
	if req != nil {
		e.approvalRequested(ctx, *req, tx)
	}
	return tx, req, err
}

// SetFrozen freezes or unfreezes an account.
func (e *Engine) SetFrozen(ctx context.Context, accountID string, frozen bool, actorID string) (domain.Account, error) {
	a, err := e.Ledger.SetFrozen(ctx, accountID, frozen)
	if err != nil {
		return a, err
	}
	e.Events.Append(ctx, events.AccountFrozen, "account", accountID, actorID, "", events.Payload{"frozen": frozen})
	return a, nil
}

// Reconcile adopts replayed balances and lifts an integrity halt.
func (e *Engine) Reconcile(ctx context.Context, actorID string) (ledger.Report, error) {
	rep, err := e.Ledger.Reconcile(ctx)
	if err != nil {
		return rep, err
	}
	e.Logger.Warn("ledger reconciled", zap.String("actor", actorID), zap.Int("transactions", rep.Transactions))
	e.Events.Append(ctx, events.LedgerReconciled, "ledger", "", actorID, "", events.Payload{
		"minted": rep.Minted, "circulating": rep.Circulating,
	})
	return rep, nil
}

// Explanation says where a task stands and why.
type Explanation struct {
	Task     domain.Task             `json:"task"`
	Reason   string                  `json:"reason,omitempty"`
	Ratings  *reputation.PairView    `json:"ratings,omitempty"`
	Dispute  *domain.Dispute         `json:"dispute,omitempty"`
	Payout   *domain.Transaction     `json:"payout,omitempty"`
	Approval *domain.ApprovalRequest `json:"approval,omitempty"`
}

// Explain gathers everything that bears on whether a task paid out.
func (e *Engine) Explain(taskID string) (Explanation, error) {
	t, err := e.Board.Get(taskID)
	if err != nil {
		return Explanation{}, err
	}
	ex := Explanation{Task: t, Reason: t.Reason}
	if p, err := e.Bank.Pair(taskID); err == nil {
		ex.Ratings = &p
	}
	if d, err := e.Arbitrator.ForTask(taskID); err == nil {
		ex.Dispute = &d
	}
	if t.PayoutTxID != "" {
		if tx, err := e.Ledger.Transaction(t.PayoutTxID); err == nil {
			ex.Payout = &tx
			if req, err := e.Gate.ForTransaction(tx.ID); err == nil {
				ex.Approval = &req
			}
		}
	}
	return ex, nil
}
