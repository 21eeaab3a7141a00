// Package arbitrator resolves disputed completions by majority vote of
// trusted third parties, falling back to a trust-tier default when the voting
// window closes without a majority.
package arbitrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bountyline/internal/domain"
)

var (
	ErrDisputeNotFound = fmt.Errorf("%w: dispute", domain.ErrNotFound)
	ErrDisputeExists   = fmt.Errorf("%w: task already disputed", domain.ErrConflict)
	ErrDisputeClosed   = fmt.Errorf("%w: dispute already resolved", domain.ErrConflict)
	ErrAlreadyVoted    = fmt.Errorf("%w: voter already voted", domain.ErrConflict)
	ErrNoQuorum        = fmt.Errorf("%w: no quorum yet", domain.ErrConflict)
	ErrNotEligible     = fmt.Errorf("%w: voter not solicited for this dispute", domain.ErrForbidden)
	ErrInvalidVerdict  = fmt.Errorf("%w: verdict must be full, partial or none", domain.ErrValidation)
	ErrNotDisputable   = fmt.Errorf("%w: task cannot be disputed", domain.ErrConflict)
)

// Board is the slice of the task board the arbitrator drives.
type Board interface {
	Get(taskID string) (domain.Task, error)
	Update(ctx context.Context, taskID string, to domain.TaskStatus, mutate func(t *domain.Task) error) (domain.Task, error)
}

// Reputation supplies voter eligibility and receives penalties.
type Reputation interface {
	TrustTier(accountID string) domain.TrustTier
	Records() []domain.ReputationRecord
	Penalize(ctx context.Context, accountID string, amount float64, reference string) (domain.ReputationRecord, error)
}

// Payments moves value for a ruling. Payout pays the task's worker and is
// expected to route through approval when the amount requires it.
type Payments interface {
	Payout(ctx context.Context, task domain.Task, amount int64, reference string) (domain.Transaction, error)
	CollectFee(ctx context.Context, amount int64, reference string) (domain.Transaction, error)
}

type Store interface {
	SaveDispute(ctx context.Context, d domain.Dispute) error
}

type Options struct {
	Quorum             int
	Deadline           time.Duration
	Penalty            float64
	PartialPayoutRatio float64
	Fee                int64
	Store              Store
	Logger             *zap.Logger
	Now                func() time.Time
}

type entry struct {
	mu   sync.Mutex
	data domain.Dispute
}

type Arbitrator struct {
	board    Board
	rep      Reputation
	payments Payments
	opts     Options
	logger   *zap.Logger

	mu       sync.RWMutex
	disputes map[string]*entry
	byTask   map[string]string
}

func New(board Board, rep Reputation, payments Payments, opts Options) *Arbitrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Store == nil {
		opts.Store = nopStore{}
	}
	if opts.Quorum < 1 {
		opts.Quorum = 3
	}
	if opts.Deadline <= 0 {
		opts.Deadline = 48 * time.Hour
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Arbitrator{
		board:    board,
		rep:      rep,
		payments: payments,
		opts:     opts,
		logger:   logger.With(zap.String("component", "arbitrator")),
		disputes: make(map[string]*entry),
		byTask:   make(map[string]string),
	}
}

func (a *Arbitrator) now() time.Time { return a.opts.Now().UTC() }

// majority is the number of matching votes that settles a dispute.
func (a *Arbitrator) majority() int { return a.opts.Quorum/2 + 1 }

// OpenDispute moves a completed task to disputed and solicits voters: up to
// Quorum accounts of tier trusted or better that are not parties, best
// reputation first.
func (a *Arbitrator) OpenDispute(ctx context.Context, taskID, reason string) (domain.Dispute, error) {
	task, err := a.board.Get(taskID)
	if err != nil {
		return domain.Dispute{}, err
	}
	if task.Status != domain.TaskCompleted || task.ClaimedBy == "" {
		return domain.Dispute{}, fmt.Errorf("%w: %s is %s", ErrNotDisputable, taskID, task.Status)
	}
	if task.PayoutInFlight {
		return domain.Dispute{}, fmt.Errorf("%w: %s has a payout in flight", ErrNotDisputable, taskID)
	}

	a.mu.Lock()
	if id, ok := a.byTask[taskID]; ok {
		a.mu.Unlock()
		return domain.Dispute{}, fmt.Errorf("%w: %s (dispute %s)", ErrDisputeExists, taskID, id)
	}
	now := a.now()
	e := &entry{data: domain.Dispute{
		ID:             uuid.NewString(),
		TaskID:         taskID,
		OrchestratorID: task.OrchestratorID,
		WorkerID:       task.ClaimedBy,
		Reason:         reason,
		Status:         domain.DisputeOpen,
		Votes:          []domain.Vote{},
		Deadline:       now.Add(a.opts.Deadline),
		CreatedAt:      now,
	}}
	a.byTask[taskID] = e.data.ID
	a.disputes[e.data.ID] = e
	e.mu.Lock()
	a.mu.Unlock()
	defer e.mu.Unlock()

	e.data.Voters = a.selectVoters(task.OrchestratorID, task.ClaimedBy)
	if len(e.data.Voters) > 0 {
		e.data.Status = domain.DisputeVoting
	}
	rollback := func() {
		a.mu.Lock()
		delete(a.byTask, taskID)
		delete(a.disputes, e.data.ID)
		a.mu.Unlock()
	}
	if err := a.opts.Store.SaveDispute(ctx, e.data); err != nil {
		rollback()
		return domain.Dispute{}, fmt.Errorf("save dispute: %w", err)
	}
	if _, err := a.board.Update(ctx, taskID, domain.TaskDisputed, func(t *domain.Task) error {
		t.DisputeID = e.data.ID
		t.Reason = reason
		return nil
	}); err != nil {
		rollback()
		return domain.Dispute{}, err
	}
	a.logger.Info("dispute opened", zap.String("dispute_id", e.data.ID), zap.String("task_id", taskID),
		zap.String("reason", reason), zap.Strings("voters", e.data.Voters), zap.Time("deadline", e.data.Deadline))
	return e.data, nil
}

func (a *Arbitrator) selectVoters(parties ...string) []string {
	excluded := make(map[string]struct{}, len(parties))
	for _, p := range parties {
		excluded[p] = struct{}{}
	}
	type cand struct {
		id   string
		tier domain.TrustTier
		avg  float64
	}
	var cands []cand
	for _, rec := range a.rep.Records() {
		if _, ok := excluded[rec.AccountID]; ok {
			continue
		}
		tier := a.rep.TrustTier(rec.AccountID)
		if tier.Rank() < domain.TierTrusted.Rank() {
			continue
		}
		cands = append(cands, cand{id: rec.AccountID, tier: tier, avg: rec.Average})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].tier.Rank() != cands[j].tier.Rank() {
			return cands[i].tier.Rank() > cands[j].tier.Rank()
		}
		if cands[i].avg != cands[j].avg {
			return cands[i].avg > cands[j].avg
		}
		return cands[i].id < cands[j].id
	})
	voters := make([]string, 0, a.opts.Quorum)
	for i := 0; i < len(cands) && i < a.opts.Quorum; i++ {
		voters = append(voters, cands[i].id)
	}
	return voters
}

// CastVote records one solicited vote and resolves the dispute as soon as a
// verdict reaches a majority. A vote arriving after the deadline triggers the
// default resolution instead of being counted.
func (a *Arbitrator) CastVote(ctx context.Context, disputeID, voterID string, verdict domain.Verdict) (domain.Dispute, error) {
	if !verdict.Valid() {
		return domain.Dispute{}, fmt.Errorf("%w: %q", ErrInvalidVerdict, verdict)
	}
	e, err := a.entry(disputeID)
	if err != nil {
		return domain.Dispute{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.data
	if d.Status == domain.DisputeResolved {
		return d, fmt.Errorf("%w: %s", ErrDisputeClosed, disputeID)
	}
	if !contains(d.Voters, voterID) {
		return d, fmt.Errorf("%w: %s", ErrNotEligible, voterID)
	}
	for _, v := range d.Votes {
		if v.VoterID == voterID {
			return d, fmt.Errorf("%w: %s", ErrAlreadyVoted, voterID)
		}
	}
	now := a.now()
	if !now.Before(d.Deadline) {
		if _, err := a.resolveLocked(ctx, e); err != nil {
			return e.data, err
		}
		return e.data, fmt.Errorf("%w: voting closed at %s", ErrDisputeClosed, d.Deadline.Format(time.RFC3339))
	}
	next := d
	next.Votes = append(append([]domain.Vote(nil), d.Votes...), domain.Vote{VoterID: voterID, Verdict: verdict, At: now})
	if err := a.opts.Store.SaveDispute(ctx, next); err != nil {
		return d, fmt.Errorf("save dispute: %w", err)
	}
	e.data = next
	a.logger.Info("vote cast", zap.String("dispute_id", disputeID), zap.String("voter", voterID), zap.String("verdict", string(verdict)))
	if _, ok := a.majorityVerdict(next.Votes); ok {
		return a.resolveLocked(ctx, e)
	}
	return next, nil
}

func (a *Arbitrator) majorityVerdict(votes []domain.Vote) (domain.Verdict, bool) {
	counts := make(map[domain.Verdict]int)
	for _, v := range votes {
		counts[v.Verdict]++
		if counts[v.Verdict] >= a.majority() {
			return v.Verdict, true
		}
	}
	return "", false
}

// Resolve settles a dispute that has a majority or whose deadline has passed.
func (a *Arbitrator) Resolve(ctx context.Context, disputeID string) (domain.Dispute, error) {
	e, err := a.entry(disputeID)
	if err != nil {
		return domain.Dispute{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.data.Status == domain.DisputeResolved {
		return e.data, fmt.Errorf("%w: %s", ErrDisputeClosed, disputeID)
	}
	if _, ok := a.majorityVerdict(e.data.Votes); !ok && a.now().Before(e.data.Deadline) {
		return e.data, fmt.Errorf("%w: %s", ErrNoQuorum, disputeID)
	}
	return a.resolveLocked(ctx, e)
}

// SweepDeadlines resolves every unresolved dispute whose deadline has passed.
func (a *Arbitrator) SweepDeadlines(ctx context.Context) ([]domain.Dispute, error) {
	now := a.now()
	var due []string
	for _, d := range a.List(false) {
		if !now.Before(d.Deadline) {
			due = append(due, d.ID)
		}
	}
	var resolved []domain.Dispute
	for _, id := range due {
		d, err := a.Resolve(ctx, id)
		if err != nil {
			if isClosed(err) {
				continue
			}
			return resolved, err
		}
		resolved = append(resolved, d)
	}
	return resolved, nil
}

// resolveLocked applies the ruling. The caller holds e.mu.
func (a *Arbitrator) resolveLocked(ctx context.Context, e *entry) (domain.Dispute, error) {
	d := e.data
	task, err := a.board.Get(d.TaskID)
	if err != nil {
		return d, err
	}
	res := domain.Resolution{Reason: domain.ReasonMajority}
	verdict, ok := a.majorityVerdict(d.Votes)
	byDefault := !ok
	if byDefault {
		verdict = a.defaultVerdict(d)
		res.Reason = domain.ReasonDefaultVerdict
	}
	res.Verdict = verdict
	res.Payout = a.payoutFor(task.Reward, verdict)
	if !byDefault {
		switch verdict {
		case domain.VerdictFull:
			res.PenalizedAccount = d.OrchestratorID
		case domain.VerdictNone:
			res.PenalizedAccount = d.WorkerID
		}
		if res.PenalizedAccount != "" && a.opts.Penalty > 0 {
			res.Penalty = a.opts.Penalty
		} else {
			res.PenalizedAccount = ""
		}
	}

	now := a.now()
	next := d
	next.Status = domain.DisputeResolved
	next.ResolvedByDefault = byDefault
	next.ResolvedAt = &now
	next.Resolution = &res
	if err := a.opts.Store.SaveDispute(ctx, next); err != nil {
		return d, fmt.Errorf("save dispute: %w", err)
	}
	e.data = next

	taskReason := res.Reason
	if res.Payout == 0 {
		taskReason = domain.ReasonDisputeNoPayout
	}
	if _, err := a.board.Update(ctx, d.TaskID, domain.TaskResolved, func(t *domain.Task) error {
		t.Reason = taskReason
		return nil
	}); err != nil {
		return next, err
	}
	if res.Penalty > 0 {
		// The ruling stands even when the penalty cannot be recorded.
		if _, err := a.rep.Penalize(ctx, res.PenalizedAccount, res.Penalty, d.ID); err != nil {
			a.logger.Error("dispute penalty not applied", zap.String("dispute_id", d.ID),
				zap.String("account", res.PenalizedAccount), zap.Float64("penalty", res.Penalty), zap.Error(err))
		}
	}
	if res.Payout > 0 {
		resolvedTask, _ := a.board.Get(d.TaskID)
		tx, err := a.payments.Payout(ctx, resolvedTask, res.Payout, d.ID)
		if tx.ID != "" {
			res.PayoutTxID = tx.ID
		}
		if err != nil {
			a.logger.Warn("dispute payout not committed", zap.String("dispute_id", d.ID), zap.Error(err))
		}
	}
	if a.opts.Fee > 0 {
		tx, err := a.payments.CollectFee(ctx, a.opts.Fee, d.ID)
		if tx.ID != "" {
			res.FeeTxID = tx.ID
		}
		if err != nil {
			a.logger.Warn("arbitration fee not collected", zap.String("dispute_id", d.ID), zap.Error(err))
		}
	}
	if res.PayoutTxID != "" || res.FeeTxID != "" {
		withTx := next
		withTx.Resolution = &res
		if err := a.opts.Store.SaveDispute(ctx, withTx); err != nil {
			return next, fmt.Errorf("save dispute: %w", err)
		}
		e.data = withTx
	}

	fields := []zap.Field{
		zap.String("dispute_id", d.ID), zap.String("task_id", d.TaskID), zap.String("verdict", string(verdict)),
		zap.Int64("payout", res.Payout), zap.Bool("resolved_by_default", byDefault),
	}
	if byDefault {
		a.logger.Info("dispute resolved by default", fields...)
	} else {
		a.logger.Info("dispute resolved", fields...)
	}
	return e.data, nil
}

// defaultVerdict favors the party with the higher trust tier; equal tiers split.
func (a *Arbitrator) defaultVerdict(d domain.Dispute) domain.Verdict {
	worker := a.rep.TrustTier(d.WorkerID).Rank()
	orch := a.rep.TrustTier(d.OrchestratorID).Rank()
	switch {
	case worker > orch:
		return domain.VerdictFull
	case orch > worker:
		return domain.VerdictNone
	default:
		return domain.VerdictPartial
	}
}

func (a *Arbitrator) payoutFor(reward int64, v domain.Verdict) int64 {
	switch v {
	case domain.VerdictFull:
		return reward
	case domain.VerdictPartial:
		return int64(math.Floor(float64(reward) * a.opts.PartialPayoutRatio))
	}
	return 0
}

func (a *Arbitrator) entry(id string) (*entry, error) {
	a.mu.RLock()
	e, ok := a.disputes[id]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDisputeNotFound, id)
	}
	return e, nil
}

// Get returns a snapshot of one dispute.
func (a *Arbitrator) Get(id string) (domain.Dispute, error) {
	e, err := a.entry(id)
	if err != nil {
		return domain.Dispute{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.data, nil
}

// ForTask returns the dispute opened for a task.
func (a *Arbitrator) ForTask(taskID string) (domain.Dispute, error) {
	a.mu.RLock()
	id, ok := a.byTask[taskID]
	a.mu.RUnlock()
	if !ok {
		return domain.Dispute{}, fmt.Errorf("%w: for task %s", ErrDisputeNotFound, taskID)
	}
	return a.Get(id)
}

// List returns disputes oldest first; resolved ones only when includeResolved.
func (a *Arbitrator) List(includeResolved bool) []domain.Dispute {
	a.mu.RLock()
	entries := make([]*entry, 0, len(a.disputes))
	for _, e := range a.disputes {
		entries = append(entries, e)
	}
	a.mu.RUnlock()
	var out []domain.Dispute
	for _, e := range entries {
		e.mu.Lock()
		d := e.data
		e.mu.Unlock()
		if !includeResolved && d.Status == domain.DisputeResolved {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Restore loads persisted disputes.
func (a *Arbitrator) Restore(disputes []domain.Dispute) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disputes = make(map[string]*entry, len(disputes))
	a.byTask = make(map[string]string, len(disputes))
	for _, d := range disputes {
		a.disputes[d.ID] = &entry{data: d}
		a.byTask[d.TaskID] = d.ID
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func isClosed(err error) bool {
	return errors.Is(err, ErrDisputeClosed)
}

type nopStore struct{}

func (nopStore) SaveDispute(context.Context, domain.Dispute) error { return nil }
