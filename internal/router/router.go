package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"bountyline/internal/domain"
	"bountyline/internal/taskboard"
)

var (
	ErrInvalidWorker  = fmt.Errorf("%w: invalid worker", domain.ErrValidation)
	ErrWorkerNotFound = fmt.Errorf("%w: worker", domain.ErrNotFound)
)

// Board is the slice of the task board the router needs.
type Board interface {
	OpenByPriority() []domain.Task
	Claim(ctx context.Context, taskID, accountID string) (domain.Task, error)
}

// Ranker supplies trust tiers. Reads may be slightly stale.
type Ranker interface {
	TrustTier(accountID string) domain.TrustTier
}

type Store interface {
	SaveWorker(ctx context.Context, w domain.Worker) error
}

type Options struct {
	MaxConflicts int
	Store        Store
	Logger       *zap.Logger
	Now          func() time.Time
}

type worker struct {
	mu        sync.Mutex
	data      domain.Worker
	active    int
	assigned  int
	completed int
}

// Router assigns idle workers to open tasks.
type Router struct {
	board  Board
	ranker Ranker
	opts   Options
	logger *zap.Logger

	mu      sync.RWMutex
	workers map[string]*worker
	seq     atomic.Int64
}

func New(board Board, ranker Ranker, opts Options) *Router {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Store == nil {
		opts.Store = nopStore{}
	}
	if opts.MaxConflicts < 1 {
		opts.MaxConflicts = 5
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		board:   board,
		ranker:  ranker,
		opts:    opts,
		logger:  logger.With(zap.String("component", "router")),
		workers: make(map[string]*worker),
	}
}

// Register adds a worker or replaces its capability tags. Registration order
// is kept across re-registration.
func (r *Router) Register(ctx context.Context, accountID string, tags []string) (domain.Worker, error) {
	if accountID == "" {
		return domain.Worker{}, fmt.Errorf("%w: account is required", ErrInvalidWorker)
	}
	r.mu.Lock()
	w, ok := r.workers[accountID]
	if !ok {
		w = &worker{data: domain.Worker{AccountID: accountID, Seq: r.seq.Add(1), RegisteredAt: r.opts.Now().UTC()}}
		r.workers[accountID] = w
	}
	r.mu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	next := w.data
	next.Tags = taskboard.NormalizeTags(tags)
	if err := r.opts.Store.SaveWorker(ctx, next); err != nil {
		if !ok {
			r.mu.Lock()
			delete(r.workers, accountID)
			r.mu.Unlock()
		}
		return domain.Worker{}, fmt.Errorf("save worker: %w", err)
	}
	w.data = next
	r.logger.Info("worker registered", zap.String("account", accountID), zap.Strings("tags", next.Tags))
	return next, nil
}

// WorkerStatus is a worker with its load and history.
type WorkerStatus struct {
	domain.Worker
	Idle           bool             `json:"idle"`
	Active         int              `json:"active"`
	Assigned       int              `json:"assigned"`
	Completed      int              `json:"completed"`
	CompletionRate float64          `json:"completion_rate"`
	Tier           domain.TrustTier `json:"tier"`
}

func (r *Router) status(w *worker) WorkerStatus {
	w.mu.Lock()
	st := WorkerStatus{
		Worker:         w.data,
		Idle:           w.active == 0,
		Active:         w.active,
		Assigned:       w.assigned,
		Completed:      w.completed,
		CompletionRate: completionRate(w.assigned, w.completed),
	}
	w.mu.Unlock()
	st.Tier = r.ranker.TrustTier(st.AccountID)
	return st
}

// Worker returns one worker's status.
func (r *Router) Worker(accountID string) (WorkerStatus, error) {
	r.mu.RLock()
	w, ok := r.workers[accountID]
	r.mu.RUnlock()
	if !ok {
		return WorkerStatus{}, fmt.Errorf("%w: %s", ErrWorkerNotFound, accountID)
	}
	return r.status(w), nil
}

// Workers lists workers in registration order.
func (r *Router) Workers() []WorkerStatus {
	r.mu.RLock()
	list := make([]*worker, 0, len(r.workers))
	for _, w := range r.workers {
		list = append(list, w)
	}
	r.mu.RUnlock()
	out := make([]WorkerStatus, 0, len(list))
	for _, w := range list {
		out = append(out, r.status(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// NoteClaim records a claim made outside the router.
func (r *Router) NoteClaim(accountID string) {
	r.mu.RLock()
	w, ok := r.workers[accountID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	w.mu.Lock()
	w.active++
	w.assigned++
	w.mu.Unlock()
}

// NoteRelease records that a worker no longer holds a claim on a task.
func (r *Router) NoteRelease(accountID string, completed bool) {
	r.mu.RLock()
	w, ok := r.workers[accountID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	w.mu.Lock()
	if w.active > 0 {
		w.active--
	}
	if completed {
		w.completed++
	}
	w.mu.Unlock()
}

// completionRate is Laplace smoothed so unproven workers sit at 0.5.
func completionRate(assigned, completed int) float64 {
	return float64(completed+1) / float64(assigned+2)
}

// PriorityWeight scales a match score by task priority.
func PriorityWeight(p domain.Priority) float64 {
	return 1 + float64(p.Rank())*0.5
}

// Candidate is an eligible worker for a task.
type Candidate struct {
	AccountID      string           `json:"account_id"`
	Tier           domain.TrustTier `json:"tier"`
	CompletionRate float64          `json:"completion_rate"`
	Score          float64          `json:"score"`
	seq            int64
	w              *worker
}

// Candidates ranks idle workers whose tags cover the task's tags: trust tier,
// then completion rate, then registration order. The task's orchestrator is
// never a candidate.
func (r *Router) Candidates(task domain.Task) []Candidate {
	r.mu.RLock()
	list := make([]*worker, 0, len(r.workers))
	for _, w := range r.workers {
		list = append(list, w)
	}
	r.mu.RUnlock()

	weight := PriorityWeight(task.Priority)
	var out []Candidate
	for _, w := range list {
		w.mu.Lock()
		idle := w.active == 0
		data := w.data
		rate := completionRate(w.assigned, w.completed)
		w.mu.Unlock()
		if !idle || data.AccountID == task.OrchestratorID || !covers(data.Tags, task.Tags) {
			continue
		}
		tier := r.ranker.TrustTier(data.AccountID)
		out = append(out, Candidate{
			AccountID:      data.AccountID,
			Tier:           tier,
			CompletionRate: rate,
			Score:          weight * (float64(tier.Rank()) + rate),
			seq:            data.Seq,
			w:              w,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if ri, rj := out[i].Tier.Rank(), out[j].Tier.Rank(); ri != rj {
			return ri > rj
		}
		if out[i].CompletionRate != out[j].CompletionRate {
			return out[i].CompletionRate > out[j].CompletionRate
		}
		return out[i].seq < out[j].seq
	})
	return out
}

func covers(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

type Assignment struct {
	TaskID    string  `json:"task_id"`
	AccountID string  `json:"account_id"`
	Score     float64 `json:"score"`
}

type Report struct {
	Assignments []Assignment `json:"assignments"`
	Conflicts   int          `json:"conflicts"`
	Unmatched   int          `json:"unmatched"`
	// Exhausted is set when the round stopped after too many consecutive claim conflicts.
	Exhausted bool `json:"exhausted"`
}

// MatchIdleWorkers walks open tasks in priority order and claims each for its
// best idle candidate. A claim lost to a concurrent caller skips the task.
func (r *Router) MatchIdleWorkers(ctx context.Context) (Report, error) {
	var report Report
	consecutive := 0
	for _, task := range r.board.OpenByPriority() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		matched := false
		for _, c := range r.Candidates(task) {
			if !reserve(c.w) {
				continue
			}
			_, err := r.board.Claim(ctx, task.ID, c.AccountID)
			if err == nil {
				c.w.mu.Lock()
				c.w.assigned++
				c.w.mu.Unlock()
				report.Assignments = append(report.Assignments, Assignment{TaskID: task.ID, AccountID: c.AccountID, Score: c.Score})
				r.logger.Info("task assigned", zap.String("task_id", task.ID), zap.String("account", c.AccountID),
					zap.String("tier", string(c.Tier)), zap.Float64("score", c.Score))
				matched = true
				consecutive = 0
				break
			}
			unreserve(c.w)
			if errors.Is(err, taskboard.ErrAlreadyClaimed) {
				report.Conflicts++
				consecutive++
				r.logger.Debug("claim lost to concurrent caller", zap.String("task_id", task.ID), zap.String("account", c.AccountID))
				if consecutive >= r.opts.MaxConflicts {
					report.Exhausted = true
					return report, nil
				}
				matched = true
				break
			}
			return report, fmt.Errorf("claim %s for %s: %w", task.ID, c.AccountID, err)
		}
		if !matched {
			report.Unmatched++
		}
	}
	return report, nil
}

// reserve marks an idle worker busy; it fails if the worker picked up work meanwhile.
func reserve(w *worker) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active != 0 {
		return false
	}
	w.active = 1
	return true
}

func unreserve(w *worker) {
	w.mu.Lock()
	if w.active > 0 {
		w.active--
	}
	w.mu.Unlock()
}

// Restore loads registered workers and derives load and history from tasks.
func (r *Router) Restore(workers []domain.Worker, tasks []domain.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers = make(map[string]*worker, len(workers))
	var maxSeq int64
	for _, w := range workers {
		r.workers[w.AccountID] = &worker{data: w}
		if w.Seq > maxSeq {
			maxSeq = w.Seq
		}
	}
	r.seq.Store(maxSeq)
	for _, t := range tasks {
		w, ok := r.workers[t.ClaimedBy]
		if !ok {
			continue
		}
		w.assigned++
		if t.Status == domain.TaskClaimed {
			w.active++
		}
		if t.CompletedAt != nil {
			w.completed++
		}
	}
}

type nopStore struct{}

func (nopStore) SaveWorker(context.Context, domain.Worker) error { return nil }
