package reputation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"bountyline/internal/domain"
)

const (
	Neutral  = 2.5
	MaxScore = 5.0

	// emaKeep is the weight of the previous average when a finalized pair is applied.
	emaKeep = 0.8

	veteranTasks   = 5
	veteranAverage = 4.0
)

var (
	ErrInvalidScore     = fmt.Errorf("%w: score must be within [0,5]", domain.ErrValidation)
	ErrInvalidRating    = fmt.Errorf("%w: invalid rating", domain.ErrValidation)
	ErrRatingFinalized  = fmt.Errorf("%w: rating pair already finalized", domain.ErrConflict)
	ErrPairIncomplete   = fmt.Errorf("%w: rating pair incomplete", domain.ErrConflict)
	ErrPairNotFound     = fmt.Errorf("%w: rating pair", domain.ErrNotFound)
	ErrRaterNotInvolved = fmt.Errorf("%w: rater is not a party to the task", domain.ErrForbidden)
)

type Store interface {
	AppendRatingEvent(ctx context.Context, evt domain.RatingEvent) (int64, error)
}

type Options struct {
	Tolerance          float64
	OrchestratorWeight float64
	DecayRate          float64
	DecayPeriod        time.Duration
	Store              Store
	Logger             *zap.Logger
	Now                func() time.Time
}

type Outcome string

const (
	OutcomeConcordant Outcome = "concordant"
	OutcomeDisputed   Outcome = "disputed"
)

// Result is the outcome of finalizing a rating pair.
type Result struct {
	TaskID            string   `json:"task_id"`
	RateeID           string   `json:"ratee_id"`
	OrchestratorID    string   `json:"orchestrator_id,omitempty"`
	Outcome           Outcome  `json:"outcome"`
	Reason            string   `json:"reason,omitempty"`
	Average           float64  `json:"average"`
	OrchestratorScore *float64 `json:"orchestrator_score,omitempty"`
	WorkerScore       *float64 `json:"worker_score,omitempty"`
	AlreadyFinalized  bool     `json:"already_finalized"`
}

type pair struct {
	mu             sync.Mutex
	taskID         string
	rateeID        string
	orchestratorID string
	deadline       time.Time
	orchestrator   *float64
	worker         *float64
	finalized      bool
	result         Result
}

type record struct {
	mu   sync.Mutex
	data domain.ReputationRecord
}

type pairKey struct{ rater, ratee string }

type pairStat struct {
	sum   float64
	count int
}

// Bank stores reputation records and pending rating pairs. Pairs and records
// are locked individually.
type Bank struct {
	opts   Options
	logger *zap.Logger

	mu      sync.RWMutex
	pairs   map[string]*pair
	records map[string]*record

	pairwiseMu sync.Mutex
	pairwise   map[pairKey]pairStat
}

func New(opts Options) *Bank {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Store == nil {
		opts.Store = nopStore{}
	}
	if opts.DecayPeriod <= 0 {
		opts.DecayPeriod = 24 * time.Hour
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bank{
		opts:     opts,
		logger:   logger.With(zap.String("component", "reputation")),
		pairs:    make(map[string]*pair),
		records:  make(map[string]*record),
		pairwise: make(map[pairKey]pairStat),
	}
}

func (b *Bank) now() time.Time { return b.opts.Now().UTC() }

// Expect registers the parties of a completed task and the deadline after
// which a missing rating sends the task to arbitration.
func (b *Bank) Expect(ctx context.Context, taskID, workerID, orchestratorID string, deadline time.Time) error {
	if taskID == "" || workerID == "" || orchestratorID == "" {
		return fmt.Errorf("%w: task, worker and orchestrator are required", ErrInvalidRating)
	}
	p, err := b.pairFor(taskID, workerID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finalized {
		return fmt.Errorf("%w: %s", ErrRatingFinalized, taskID)
	}
	if _, err := b.opts.Store.AppendRatingEvent(ctx, domain.RatingEvent{
		Kind: domain.RatingExpected, TaskID: taskID, RaterID: orchestratorID, RateeID: workerID,
		Detail: deadline.UTC().Format(time.RFC3339Nano), At: b.now(),
	}); err != nil {
		return fmt.Errorf("append rating event: %w", err)
	}
	p.orchestratorID = orchestratorID
	p.deadline = deadline.UTC()
	return nil
}

// SubmitRating records a score for the task's ratee. A rater rating themselves
// is the worker's side of the pair; any other rater is the orchestrator's.
// Resubmission overwrites until the pair is finalized. It reports whether both
// sides are now present.
func (b *Bank) SubmitRating(ctx context.Context, raterID, rateeID, taskID string, score float64) (bool, error) {
	if math.IsNaN(score) || score < 0 || score > MaxScore {
		return false, fmt.Errorf("%w: got %v", ErrInvalidScore, score)
	}
	if raterID == "" || rateeID == "" || taskID == "" {
		return false, fmt.Errorf("%w: rater, ratee and task are required", ErrInvalidRating)
	}
	p, err := b.pairFor(taskID, rateeID)
	if err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finalized {
		return false, fmt.Errorf("%w: %s", ErrRatingFinalized, taskID)
	}
	selfRating := raterID == rateeID
	if !selfRating {
		if p.orchestratorID != "" && p.orchestratorID != raterID {
			return false, fmt.Errorf("%w: %s", ErrRaterNotInvolved, raterID)
		}
	}
	if _, err := b.opts.Store.AppendRatingEvent(ctx, domain.RatingEvent{
		Kind: domain.RatingSubmitted, TaskID: taskID, RaterID: raterID, RateeID: rateeID, Score: score, At: b.now(),
	}); err != nil {
		return false, fmt.Errorf("append rating event: %w", err)
	}
	p.record(raterID, score)
	return p.orchestrator != nil && p.worker != nil, nil
}

func (p *pair) record(raterID string, score float64) {
	s := score
	if raterID == p.rateeID {
		p.worker = &s
		return
	}
	p.orchestratorID = raterID
	p.orchestrator = &s
}

// pairFor returns the pair for taskID, creating it on first use.
func (b *Bank) pairFor(taskID, rateeID string) (*pair, error) {
	b.mu.RLock()
	p, ok := b.pairs[taskID]
	b.mu.RUnlock()
	if !ok {
		b.mu.Lock()
		if p, ok = b.pairs[taskID]; !ok {
			p = &pair{taskID: taskID, rateeID: rateeID}
			b.pairs[taskID] = p
		}
		b.mu.Unlock()
	}
	if p.rateeID != rateeID {
		return nil, fmt.Errorf("%w: task %s rates %s, not %s", ErrInvalidRating, taskID, p.rateeID, rateeID)
	}
	return p, nil
}

// Finalize settles a rating pair exactly once. Concordant pairs update the
// ratee's record; discordant or incomplete pairs past their deadline come back
// as disputed. Finalizing an already finalized pair returns the original
// result with AlreadyFinalized set and changes nothing.
func (b *Bank) Finalize(ctx context.Context, taskID string) (Result, error) {
	b.mu.RLock()
	p, ok := b.pairs[taskID]
	b.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrPairNotFound, taskID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finalized {
		res := p.result
		res.AlreadyFinalized = true
		return res, nil
	}
	now := b.now()
	res := Result{
		TaskID:            taskID,
		RateeID:           p.rateeID,
		OrchestratorID:    p.orchestratorID,
		OrchestratorScore: p.orchestrator,
		WorkerScore:       p.worker,
	}
	complete := p.orchestrator != nil && p.worker != nil
	switch {
	case complete && math.Abs(*p.orchestrator-*p.worker) < b.opts.Tolerance:
		res.Outcome = OutcomeConcordant
		res.Average = b.weighted(*p.orchestrator, *p.worker)
	case complete:
		res.Outcome = OutcomeDisputed
		res.Reason = domain.ReasonDiscordant
	case !p.deadline.IsZero() && !now.Before(p.deadline):
		res.Outcome = OutcomeDisputed
		res.Reason = domain.ReasonMissingRating
	default:
		return Result{}, fmt.Errorf("%w: %s", ErrPairIncomplete, taskID)
	}

	if _, err := b.opts.Store.AppendRatingEvent(ctx, domain.RatingEvent{
		Kind: domain.RatingFinalized, TaskID: taskID, RaterID: p.orchestratorID, RateeID: p.rateeID,
		Score: res.Average, Detail: string(res.Outcome), At: now,
	}); err != nil {
		return Result{}, fmt.Errorf("append rating event: %w", err)
	}
	b.applyFinalized(p.rateeID, p.orchestratorID, res, now)
	p.finalized = true
	p.result = res
	b.logger.Info("rating pair finalized", zap.String("task_id", taskID), zap.String("ratee", p.rateeID),
		zap.String("outcome", string(res.Outcome)), zap.String("reason", res.Reason), zap.Float64("average", res.Average))
	return res, nil
}

func (b *Bank) weighted(orchestrator, worker float64) float64 {
	w := b.opts.OrchestratorWeight
	return orchestrator*w + worker*(1-w)
}

func (b *Bank) applyFinalized(rateeID, orchestratorID string, res Result, at time.Time) {
	if res.Outcome != OutcomeConcordant {
		b.update(rateeID, at, func(r *domain.ReputationRecord) { r.Disputes++ })
		return
	}
	b.update(rateeID, at, func(r *domain.ReputationRecord) { credit(r, res.Average) })

	// The orchestrator settled a task too. The worker's score is the only
	// outside view of how that went.
	if orchestratorID != "" && orchestratorID != rateeID && res.WorkerScore != nil {
		b.update(orchestratorID, at, func(r *domain.ReputationRecord) { credit(r, *res.WorkerScore) })
	}

	if orchestratorID != "" && res.OrchestratorScore != nil {
		b.pairwiseMu.Lock()
		st := b.pairwise[pairKey{orchestratorID, rateeID}]
		st.sum += *res.OrchestratorScore
		st.count++
		b.pairwise[pairKey{orchestratorID, rateeID}] = st
		b.pairwiseMu.Unlock()
	}
}

func (b *Bank) update(accountID string, at time.Time, fn func(*domain.ReputationRecord)) {
	rec := b.recordFor(accountID, at)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	fn(&rec.data)
	rec.data.LastActivity = at
	rec.data.DecayedUntil = at
	rec.data.Tier = tierOf(rec.data)
}

func credit(r *domain.ReputationRecord, score float64) {
	r.Average = clamp(r.Average*emaKeep + score*(1-emaKeep))
	r.Completed++
}

// Penalize lowers an account's average by amount, clamped to [0,5].
func (b *Bank) Penalize(ctx context.Context, accountID string, amount float64, reference string) (domain.ReputationRecord, error) {
	if accountID == "" || amount < 0 || math.IsNaN(amount) {
		return domain.ReputationRecord{}, fmt.Errorf("%w: penalty for %q of %v", ErrInvalidRating, accountID, amount)
	}
	now := b.now()
	rec := b.recordFor(accountID, now)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if _, err := b.opts.Store.AppendRatingEvent(ctx, domain.RatingEvent{
		Kind: domain.RatingPenalty, TaskID: reference, RateeID: accountID, Score: amount, At: now,
	}); err != nil {
		return domain.ReputationRecord{}, fmt.Errorf("append rating event: %w", err)
	}
	rec.data.Average = clamp(rec.data.Average - amount)
	rec.data.Tier = tierOf(rec.data)
	b.logger.Info("reputation penalty", zap.String("account", accountID), zap.Float64("amount", amount),
		zap.String("reference", reference), zap.Float64("average", rec.data.Average))
	return rec.data, nil
}

// Decay pulls every record toward Neutral by DecayRate per whole DecayPeriod of
// inactivity. It returns the ids of the records it changed.
func (b *Bank) Decay(ctx context.Context) ([]string, error) {
	now := b.now()
	b.mu.RLock()
	recs := make([]*record, 0, len(b.records))
	for _, r := range b.records {
		recs = append(recs, r)
	}
	b.mu.RUnlock()

	var changed []string
	for _, rec := range recs {
		rec.mu.Lock()
		periods := int(now.Sub(rec.data.DecayedUntil) / b.opts.DecayPeriod)
		if periods < 1 {
			rec.mu.Unlock()
			continue
		}
		factor := math.Pow(1-b.opts.DecayRate, float64(periods))
		until := rec.data.DecayedUntil.Add(time.Duration(periods) * b.opts.DecayPeriod)
		if _, err := b.opts.Store.AppendRatingEvent(ctx, domain.RatingEvent{
			Kind: domain.RatingDecay, RateeID: rec.data.AccountID, Score: factor,
			Detail: until.Format(time.RFC3339Nano), At: now,
		}); err != nil {
			rec.mu.Unlock()
			return changed, fmt.Errorf("append rating event: %w", err)
		}
		applyDecay(&rec.data, factor, until)
		changed = append(changed, rec.data.AccountID)
		rec.mu.Unlock()
	}
	sort.Strings(changed)
	return changed, nil
}

func applyDecay(r *domain.ReputationRecord, factor float64, until time.Time) {
	r.Average = clamp(Neutral + (r.Average-Neutral)*factor)
	r.DecayedUntil = until
	r.Tier = tierOf(*r)
}

func (b *Bank) recordFor(accountID string, at time.Time) *record {
	b.mu.RLock()
	rec, ok := b.records[accountID]
	b.mu.RUnlock()
	if ok {
		return rec
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if rec, ok := b.records[accountID]; ok {
		return rec
	}
	rec = &record{data: domain.ReputationRecord{
		AccountID: accountID, Average: Neutral, Tier: domain.TierNovice, LastActivity: at, DecayedUntil: at,
	}}
	b.records[accountID] = rec
	return rec
}

// Record returns the account's reputation. Unknown accounts read as a neutral novice.
func (b *Bank) Record(accountID string) domain.ReputationRecord {
	b.mu.RLock()
	rec, ok := b.records[accountID]
	b.mu.RUnlock()
	if !ok {
		return domain.ReputationRecord{AccountID: accountID, Average: Neutral, Tier: domain.TierNovice}
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.data
}

// Records returns every known record sorted by account id.
func (b *Bank) Records() []domain.ReputationRecord {
	b.mu.RLock()
	recs := make([]*record, 0, len(b.records))
	for _, r := range b.records {
		recs = append(recs, r)
	}
	b.mu.RUnlock()
	out := make([]domain.ReputationRecord, 0, len(recs))
	for _, r := range recs {
		r.mu.Lock()
		out = append(out, r.data)
		r.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// TrustTier derives the account's tier from its completed count and average.
func (b *Bank) TrustTier(accountID string) domain.TrustTier {
	return tierOf(b.Record(accountID))
}

func tierOf(r domain.ReputationRecord) domain.TrustTier {
	switch {
	case r.Completed < veteranTasks:
		return domain.TierNovice
	case r.Average >= veteranAverage:
		return domain.TierVeteran
	default:
		return domain.TierTrusted
	}
}

// Pairwise returns the mean score rater has given ratee on concordant pairs.
func (b *Bank) Pairwise(raterID, rateeID string) (float64, int) {
	b.pairwiseMu.Lock()
	defer b.pairwiseMu.Unlock()
	st := b.pairwise[pairKey{raterID, rateeID}]
	if st.count == 0 {
		return 0, 0
	}
	return st.sum / float64(st.count), st.count
}

// Due lists unfinalized pairs whose deadline has passed.
func (b *Bank) Due() []string {
	now := b.now()
	b.mu.RLock()
	pairs := make([]*pair, 0, len(b.pairs))
	for _, p := range b.pairs {
		pairs = append(pairs, p)
	}
	b.mu.RUnlock()
	var due []string
	for _, p := range pairs {
		p.mu.Lock()
		if !p.finalized && !p.deadline.IsZero() && !now.Before(p.deadline) {
			due = append(due, p.taskID)
		}
		p.mu.Unlock()
	}
	sort.Strings(due)
	return due
}

// PairView is a read-only snapshot of a rating pair.
type PairView struct {
	TaskID            string    `json:"task_id"`
	RateeID           string    `json:"ratee_id"`
	OrchestratorID    string    `json:"orchestrator_id,omitempty"`
	Deadline          time.Time `json:"deadline,omitempty"`
	OrchestratorScore *float64  `json:"orchestrator_score,omitempty"`
	WorkerScore       *float64  `json:"worker_score,omitempty"`
	Finalized         bool      `json:"finalized"`
	Result            *Result   `json:"result,omitempty"`
}

func (b *Bank) Pair(taskID string) (PairView, error) {
	b.mu.RLock()
	p, ok := b.pairs[taskID]
	b.mu.RUnlock()
	if !ok {
		return PairView{}, fmt.Errorf("%w: %s", ErrPairNotFound, taskID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	v := PairView{
		TaskID: p.taskID, RateeID: p.rateeID, OrchestratorID: p.orchestratorID, Deadline: p.deadline,
		OrchestratorScore: p.orchestrator, WorkerScore: p.worker, Finalized: p.finalized,
	}
	if p.finalized {
		res := p.result
		v.Result = &res
	}
	return v, nil
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(MaxScore, v))
}

type nopStore struct{}

func (nopStore) AppendRatingEvent(context.Context, domain.RatingEvent) (int64, error) { return 0, nil }
