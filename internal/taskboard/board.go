package taskboard

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bountyline/internal/domain"
)

var (
	ErrInvalidReward     = fmt.Errorf("%w: reward must be positive", domain.ErrValidation)
	ErrInvalidPriority   = fmt.Errorf("%w: unknown priority", domain.ErrValidation)
	ErrInvalidTask       = fmt.Errorf("%w: invalid task", domain.ErrValidation)
	ErrAlreadyClaimed    = fmt.Errorf("%w: task already claimed", domain.ErrConflict)
	ErrNotClaimant       = fmt.Errorf("%w: account is not the claimant", domain.ErrConflict)
	ErrInvalidTransition = fmt.Errorf("%w: invalid task transition", domain.ErrConflict)
	ErrNotOrchestrator   = fmt.Errorf("%w: only the orchestrator may do this", domain.ErrForbidden)
	ErrSelfClaim         = fmt.Errorf("%w: the orchestrator cannot claim its own task", domain.ErrForbidden)
	ErrPayoutInFlight    = fmt.Errorf("%w: payout in progress", domain.ErrConflict)
	ErrTaskNotFound      = fmt.Errorf("%w: task", domain.ErrNotFound)
)

type Store interface {
	SaveTask(ctx context.Context, t domain.Task) error
}

type Options struct {
	TTL    time.Duration
	Store  Store
	Logger *zap.Logger
	Now    func() time.Time
}

type entry struct {
	mu   sync.Mutex
	data domain.Task
}

// Board holds tasks. Each task carries its own lock; the map lock is only held
// to look entries up or insert them.
type Board struct {
	opts   Options
	logger *zap.Logger

	mu    sync.RWMutex
	tasks map[string]*entry
	seq   atomic.Int64
}

func New(opts Options) *Board {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Store == nil {
		opts.Store = nopStore{}
	}
	if opts.TTL <= 0 {
		opts.TTL = 72 * time.Hour
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Board{
		opts:   opts,
		logger: logger.With(zap.String("component", "taskboard")),
		tasks:  make(map[string]*entry),
	}
}

func (b *Board) now() time.Time { return b.opts.Now().UTC() }

type CreateInput struct {
	OrchestratorID string
	Description    string
	Tags           []string
	Reward         int64
	Priority       domain.Priority
}

// Create adds a new open task.
func (b *Board) Create(ctx context.Context, in CreateInput) (domain.Task, error) {
	if in.Reward <= 0 {
		return domain.Task{}, ErrInvalidReward
	}
	if in.Priority == "" {
		in.Priority = domain.PriorityNormal
	}
	if !in.Priority.Valid() {
		return domain.Task{}, fmt.Errorf("%w: %s", ErrInvalidPriority, in.Priority)
	}
	if strings.TrimSpace(in.Description) == "" {
		return domain.Task{}, fmt.Errorf("%w: description is required", ErrInvalidTask)
	}
	if in.OrchestratorID == "" {
		return domain.Task{}, fmt.Errorf("%w: orchestrator is required", ErrInvalidTask)
	}
	now := b.now()
	e := &entry{data: domain.Task{
		ID:             uuid.NewString(),
		Seq:            b.seq.Add(1),
		OrchestratorID: in.OrchestratorID,
		Description:    strings.TrimSpace(in.Description),
		Tags:           NormalizeTags(in.Tags),
		Reward:         in.Reward,
		Priority:       in.Priority,
		Status:         domain.TaskOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(b.opts.TTL),
	}}
	if err := b.opts.Store.SaveTask(ctx, e.data); err != nil {
		return domain.Task{}, fmt.Errorf("save task: %w", err)
	}
	b.mu.Lock()
	b.tasks[e.data.ID] = e
	b.mu.Unlock()
	b.logger.Info("task created", zap.String("task_id", e.data.ID), zap.Int64("reward", in.Reward),
		zap.String("priority", string(in.Priority)), zap.Strings("tags", e.data.Tags))
	return e.data, nil
}

// Claim transitions open -> claimed iff the task is still open. Concurrent
// callers serialize on the task lock; exactly one observes the open state.
func (b *Board) Claim(ctx context.Context, taskID, accountID string) (domain.Task, error) {
	if accountID == "" {
		return domain.Task{}, fmt.Errorf("%w: account is required", ErrInvalidTask)
	}
	e, err := b.entry(taskID)
	if err != nil {
		return domain.Task{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.data.Status != domain.TaskOpen {
		return e.data, fmt.Errorf("%w: %s is %s", ErrAlreadyClaimed, taskID, e.data.Status)
	}
	if accountID == e.data.OrchestratorID {
		return e.data, fmt.Errorf("%w: %s", ErrSelfClaim, taskID)
	}
	return b.applyLocked(ctx, e, domain.TaskClaimed, func(t *domain.Task) error {
		now := b.now()
		t.ClaimedBy = accountID
		t.ClaimedAt = &now
		t.Reason = ""
		return nil
	})
}

// Release hands a claim back to the pool.
func (b *Board) Release(ctx context.Context, taskID, accountID string) (domain.Task, error) {
	e, err := b.entry(taskID)
	if err != nil {
		return domain.Task{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.data.Status != domain.TaskClaimed {
		return e.data, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, taskID, e.data.Status)
	}
	if e.data.ClaimedBy != accountID {
		return e.data, fmt.Errorf("%w: %s", ErrNotClaimant, accountID)
	}
	return b.applyLocked(ctx, e, domain.TaskOpen, func(t *domain.Task) error {
		t.ClaimedBy = ""
		t.ClaimedAt = nil
		t.Reason = domain.ReasonReleased
		return nil
	})
}

// MarkComplete moves claimed -> completed; only the claimant may do so.
func (b *Board) MarkComplete(ctx context.Context, taskID, accountID string) (domain.Task, error) {
	e, err := b.entry(taskID)
	if err != nil {
		return domain.Task{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.data.Status == domain.TaskClaimed && e.data.ClaimedBy != accountID {
		return e.data, fmt.Errorf("%w: %s", ErrNotClaimant, accountID)
	}
	if e.data.Status != domain.TaskClaimed {
		return e.data, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, taskID, e.data.Status)
	}
	return b.applyLocked(ctx, e, domain.TaskCompleted, func(t *domain.Task) error {
		now := b.now()
		t.CompletedAt = &now
		t.Reason = domain.ReasonAwaitingRatings
		return nil
	})
}

// Expire moves an open or claimed task past its TTL to expired. It reports
// whether the task was expired by this call.
func (b *Board) Expire(ctx context.Context, taskID string) (domain.Task, bool, error) {
	e, err := b.entry(taskID)
	if err != nil {
		return domain.Task{}, false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.data.Status != domain.TaskOpen && e.data.Status != domain.TaskClaimed {
		return e.data, false, nil
	}
	if b.now().Before(e.data.ExpiresAt) {
		return e.data, false, nil
	}
	t, err := b.applyLocked(ctx, e, domain.TaskExpired, func(t *domain.Task) error {
		t.ClaimedBy = ""
		t.ClaimedAt = nil
		t.Reason = domain.ReasonExpiredTTL
		return nil
	})
	if err != nil {
		return t, false, err
	}
	return t, true, nil
}

// Cancel is restricted to the task's orchestrator and allowed from any
// non-terminal state the state machine permits, unless a payout is in flight.
func (b *Board) Cancel(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	e, err := b.entry(taskID)
	if err != nil {
		return domain.Task{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.data.OrchestratorID != actorID {
		return e.data, fmt.Errorf("%w: %s", ErrNotOrchestrator, actorID)
	}
	return b.applyLocked(ctx, e, domain.TaskCancelled, func(t *domain.Task) error {
		t.Reason = domain.ReasonCancelled
		return nil
	})
}

// BeginPayout marks a completed or resolved task as having a payout in flight.
// Until the flag is cleared the task can only move to paid.
func (b *Board) BeginPayout(ctx context.Context, taskID string) (domain.Task, error) {
	e, err := b.entry(taskID)
	if err != nil {
		return domain.Task{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if s := e.data.Status; s != domain.TaskCompleted && s != domain.TaskResolved {
		return e.data, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, taskID, s)
	}
	if e.data.PayoutInFlight {
		return e.data, fmt.Errorf("%w: %s", ErrPayoutInFlight, taskID)
	}
	return b.applyLocked(ctx, e, "", func(t *domain.Task) error {
		t.PayoutInFlight = true
		return nil
	})
}

// Update applies mutate under the task lock and, when to is non-empty, moves the
// task to that status. The transition is checked against the state machine.
func (b *Board) Update(ctx context.Context, taskID string, to domain.TaskStatus, mutate func(t *domain.Task) error) (domain.Task, error) {
	e, err := b.entry(taskID)
	if err != nil {
		return domain.Task{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if mutate == nil {
		mutate = func(*domain.Task) error { return nil }
	}
	return b.applyLocked(ctx, e, to, mutate)
}

// applyLocked validates the transition, persists the mutated copy and swaps it
// in. Nothing changes in memory if persistence fails.
func (b *Board) applyLocked(ctx context.Context, e *entry, to domain.TaskStatus, mutate func(t *domain.Task) error) (domain.Task, error) {
	from := e.data.Status
	if from.Terminal() {
		return e.data, fmt.Errorf("%w: %s is terminal (%s)", ErrInvalidTransition, e.data.ID, from)
	}
	// Only the payout itself may move a task whose payout is in flight.
	if e.data.PayoutInFlight && to != "" && to != from && to != domain.TaskPaid {
		return e.data, fmt.Errorf("%w: %s cannot move to %s", ErrPayoutInFlight, e.data.ID, to)
	}
	if to != "" && to != from && !CanTransition(from, to) {
		return e.data, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	next := e.data
	next.Tags = append([]string(nil), e.data.Tags...)
	if err := mutate(&next); err != nil {
		return e.data, err
	}
	if to != "" {
		next.Status = to
	}
	next.UpdatedAt = b.now()
	if err := b.opts.Store.SaveTask(ctx, next); err != nil {
		return e.data, fmt.Errorf("save task: %w", err)
	}
	e.data = next
	if to != "" && to != from {
		b.logger.Info("task transition", zap.String("task_id", next.ID), zap.String("from", string(from)),
			zap.String("to", string(to)), zap.String("reason", next.Reason), zap.String("claimed_by", next.ClaimedBy))
	}
	return next, nil
}

// CanTransition reports whether the task state machine allows from -> to.
func CanTransition(from, to domain.TaskStatus) bool {
	switch from {
	case domain.TaskOpen:
		return to == domain.TaskClaimed || to == domain.TaskExpired || to == domain.TaskCancelled
	case domain.TaskClaimed:
		return to == domain.TaskOpen || to == domain.TaskCompleted || to == domain.TaskExpired || to == domain.TaskCancelled
	case domain.TaskCompleted:
		return to == domain.TaskPaid || to == domain.TaskDisputed || to == domain.TaskCancelled
	case domain.TaskDisputed:
		return to == domain.TaskResolved
	case domain.TaskResolved:
		return to == domain.TaskPaid
	}
	return false
}

func (b *Board) entry(taskID string) (*entry, error) {
	b.mu.RLock()
	e, ok := b.tasks[taskID]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return e, nil
}

// Get returns a snapshot of one task.
func (b *Board) Get(taskID string) (domain.Task, error) {
	e, err := b.entry(taskID)
	if err != nil {
		return domain.Task{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.data, nil
}

type Filters struct {
	Status    domain.TaskStatus
	ClaimedBy string
	Limit     int
}

// List returns tasks in insertion order.
func (b *Board) List(f Filters) []domain.Task {
	out := b.snapshot(func(t domain.Task) bool {
		if f.Status != "" && t.Status != f.Status {
			return false
		}
		if f.ClaimedBy != "" && t.ClaimedBy != f.ClaimedBy {
			return false
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// OpenByPriority returns open tasks, critical first, then insertion order.
func (b *Board) OpenByPriority() []domain.Task {
	out := b.snapshot(func(t domain.Task) bool { return t.Status == domain.TaskOpen })
	sort.Slice(out, func(i, j int) bool {
		if ri, rj := out[i].Priority.Rank(), out[j].Priority.Rank(); ri != rj {
			return ri > rj
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// SweepExpired expires every open or claimed task past its TTL.
func (b *Board) SweepExpired(ctx context.Context) ([]domain.Task, error) {
	now := b.now()
	candidates := b.snapshot(func(t domain.Task) bool {
		return (t.Status == domain.TaskOpen || t.Status == domain.TaskClaimed) && !now.Before(t.ExpiresAt)
	})
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Seq < candidates[j].Seq })
	var expired []domain.Task
	for _, c := range candidates {
		t, ok, err := b.Expire(ctx, c.ID)
		if err != nil {
			return expired, err
		}
		if ok {
			// the claimant is carried for callers that track worker load
			t.ClaimedBy = c.ClaimedBy
			expired = append(expired, t)
		}
	}
	return expired, nil
}

func (b *Board) snapshot(keep func(domain.Task) bool) []domain.Task {
	b.mu.RLock()
	entries := make([]*entry, 0, len(b.tasks))
	for _, e := range b.tasks {
		entries = append(entries, e)
	}
	b.mu.RUnlock()
	var out []domain.Task
	for _, e := range entries {
		e.mu.Lock()
		t := e.data
		e.mu.Unlock()
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

// Restore replaces the board contents with persisted tasks.
func (b *Board) Restore(tasks []domain.Task) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasks = make(map[string]*entry, len(tasks))
	var maxSeq int64
	for _, t := range tasks {
		b.tasks[t.ID] = &entry{data: t}
		if t.Seq > maxSeq {
			maxSeq = t.Seq
		}
	}
	b.seq.Store(maxSeq)
}

// NormalizeTags lowercases, trims, dedupes and sorts capability tags.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

type nopStore struct{}

func (nopStore) SaveTask(context.Context, domain.Task) error { return nil }
