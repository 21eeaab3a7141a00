// Package approval holds ledger transfers above the auto-approve threshold
// until an approver decides or the request times out.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bountyline/internal/domain"
)

var (
	ErrRequestNotFound = fmt.Errorf("%w: approval request", domain.ErrNotFound)
	ErrAlreadyDecided  = fmt.Errorf("%w: approval already decided", domain.ErrConflict)
	ErrRequestExpired  = fmt.Errorf("%w: approval request expired", domain.ErrConflict)
	ErrNotPendingTx    = fmt.Errorf("%w: transaction is not pending approval", domain.ErrConflict)
	ErrInvalidDecider  = fmt.Errorf("%w: decider is required", domain.ErrValidation)
)

// Ledger is the part of the ledger the gate drives.
type Ledger interface {
	Propose(ctx context.Context, debit, credit string, amount int64, reference string) (domain.Transaction, error)
	Commit(ctx context.Context, txID string) (domain.Transaction, error)
	Deny(ctx context.Context, txID, reason string) (domain.Transaction, error)
	Expire(ctx context.Context, txID string) (domain.Transaction, error)
	Transaction(txID string) (domain.Transaction, error)
}

type Store interface {
	SaveApproval(ctx context.Context, req domain.ApprovalRequest) error
}

// ClosedFunc observes a request that left the pending state together with the
// final state of its transaction.
type ClosedFunc func(ctx context.Context, req domain.ApprovalRequest, tx domain.Transaction)

type Options struct {
	TTL      time.Duration
	Store    Store
	Logger   *zap.Logger
	Now      func() time.Time
	OnClosed ClosedFunc
}

type entry struct {
	mu   sync.Mutex
	data domain.ApprovalRequest
}

type Gate struct {
	ledger Ledger
	opts   Options
	logger *zap.Logger

	mu       sync.RWMutex
	requests map[string]*entry
	byTx     map[string]string
}

func New(ledger Ledger, opts Options) *Gate {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Store == nil {
		opts.Store = nopStore{}
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		ledger:   ledger,
		opts:     opts,
		logger:   logger.With(zap.String("component", "approval")),
		requests: make(map[string]*entry),
		byTx:     make(map[string]string),
	}
}

func (g *Gate) now() time.Time { return g.opts.Now().UTC() }

// Propose submits a transfer to the ledger and, when the ledger leaves it
// pending, opens an approval request for it. A pending transfer whose request
// cannot be opened is denied, so no transfer waits without a request.
func (g *Gate) Propose(ctx context.Context, debit, credit string, amount int64, reference string) (domain.Transaction, *domain.ApprovalRequest, error) {
	tx, err := g.ledger.Propose(ctx, debit, credit, amount, reference)
	if err != nil || tx.Status != domain.TxPending {
		return tx, nil, err
	}
	req, err := g.Request(ctx, tx.ID)
	if err != nil {
		denied, derr := g.ledger.Deny(ctx, tx.ID, domain.ReasonApprovalFailed)
		if derr != nil {
			g.logger.Error("pending transfer has no approval request", zap.String("tx_id", tx.ID), zap.Error(derr))
			return tx, nil, errors.Join(err, derr)
		}
		g.logger.Warn("approval request failed; transfer denied", zap.String("tx_id", tx.ID), zap.Error(err))
		return denied, nil, err
	}
	return tx, &req, nil
}

// Request opens an approval request for a pending transaction. Requesting the
// same transaction twice returns the existing request.
func (g *Gate) Request(ctx context.Context, txID string) (domain.ApprovalRequest, error) {
	tx, err := g.ledger.Transaction(txID)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	g.mu.Lock()
	if id, ok := g.byTx[txID]; ok {
		e := g.requests[id]
		g.mu.Unlock()
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.data, nil
	}
	if tx.Status != domain.TxPending {
		g.mu.Unlock()
		return domain.ApprovalRequest{}, fmt.Errorf("%w: %s is %s", ErrNotPendingTx, txID, tx.Status)
	}
	now := g.now()
	e := &entry{data: domain.ApprovalRequest{
		ID:            uuid.NewString(),
		TransactionID: txID,
		Decision:      domain.DecisionPending,
		RequestedAt:   now,
		ExpiresAt:     now.Add(g.opts.TTL),
	}}
	if err := g.opts.Store.SaveApproval(ctx, e.data); err != nil {
		g.mu.Unlock()
		return domain.ApprovalRequest{}, fmt.Errorf("save approval: %w", err)
	}
	g.requests[e.data.ID] = e
	g.byTx[txID] = e.data.ID
	g.mu.Unlock()
	g.logger.Info("approval requested", zap.String("request_id", e.data.ID), zap.String("tx_id", txID),
		zap.Int64("amount", tx.Amount), zap.Time("expires_at", e.data.ExpiresAt))
	return e.data, nil
}

// Decide approves or denies a pending request. Approval commits the
// transaction; when the debit account can no longer fund it the ledger denies
// it and the error is returned alongside the closed request.
func (g *Gate) Decide(ctx context.Context, requestID string, approve bool, decidedBy string) (domain.ApprovalRequest, domain.Transaction, error) {
	if decidedBy == "" {
		return domain.ApprovalRequest{}, domain.Transaction{}, ErrInvalidDecider
	}
	e, err := g.entry(requestID)
	if err != nil {
		return domain.ApprovalRequest{}, domain.Transaction{}, err
	}
	e.mu.Lock()
	if e.data.Decision != domain.DecisionPending {
		req := e.data
		e.mu.Unlock()
		return req, domain.Transaction{}, fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, requestID, req.Decision)
	}
	if !g.now().Before(e.data.ExpiresAt) {
		req, tx, err := g.expireLocked(ctx, e)
		e.mu.Unlock()
		if err != nil {
			return req, tx, err
		}
		g.notify(ctx, req, tx)
		return req, tx, fmt.Errorf("%w: %s", ErrRequestExpired, requestID)
	}

	var (
		tx     domain.Transaction
		ledErr error
	)
	decision := domain.DecisionDeny
	if approve {
		decision = domain.DecisionApprove
		tx, ledErr = g.ledger.Commit(ctx, e.data.TransactionID)
		if ledErr != nil && tx.Status == domain.TxPending {
			// nothing was decided; the request stays open
			e.mu.Unlock()
			return e.data, tx, ledErr
		}
	} else {
		tx, ledErr = g.ledger.Deny(ctx, e.data.TransactionID, domain.ReasonApprovalDenied)
		if ledErr != nil && !errors.Is(ledErr, domain.ErrConflict) {
			e.mu.Unlock()
			return e.data, tx, ledErr
		}
	}
	req, err := g.closeLocked(ctx, e, decision, decidedBy)
	e.mu.Unlock()
	if err != nil {
		return req, tx, err
	}
	g.logger.Info("approval decided", zap.String("request_id", requestID), zap.String("tx_id", req.TransactionID),
		zap.String("decision", string(decision)), zap.String("decided_by", decidedBy), zap.String("tx_status", string(tx.Status)))
	g.notify(ctx, req, tx)
	return req, tx, ledErr
}

// SweepExpired closes every pending request whose window has elapsed and
// expires its transaction.
func (g *Gate) SweepExpired(ctx context.Context) ([]domain.ApprovalRequest, error) {
	now := g.now()
	var expired []domain.ApprovalRequest
	for _, e := range g.entries() {
		e.mu.Lock()
		if e.data.Decision != domain.DecisionPending || now.Before(e.data.ExpiresAt) {
			e.mu.Unlock()
			continue
		}
		req, tx, err := g.expireLocked(ctx, e)
		e.mu.Unlock()
		if err != nil {
			return expired, err
		}
		g.notify(ctx, req, tx)
		expired = append(expired, req)
	}
	return expired, nil
}

func (g *Gate) expireLocked(ctx context.Context, e *entry) (domain.ApprovalRequest, domain.Transaction, error) {
	tx, err := g.ledger.Expire(ctx, e.data.TransactionID)
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		return e.data, tx, err
	}
	req, err := g.closeLocked(ctx, e, domain.DecisionExpired, "")
	if err != nil {
		return req, tx, err
	}
	g.logger.Warn("approval expired", zap.String("request_id", req.ID), zap.String("tx_id", req.TransactionID))
	return req, tx, nil
}

func (g *Gate) closeLocked(ctx context.Context, e *entry, decision domain.Decision, decidedBy string) (domain.ApprovalRequest, error) {
	now := g.now()
	next := e.data
	next.Decision = decision
	next.DecidedBy = decidedBy
	next.DecidedAt = &now
	if err := g.opts.Store.SaveApproval(ctx, next); err != nil {
		return e.data, fmt.Errorf("save approval: %w", err)
	}
	e.data = next
	return next, nil
}

func (g *Gate) notify(ctx context.Context, req domain.ApprovalRequest, tx domain.Transaction) {
	if g.opts.OnClosed != nil {
		g.opts.OnClosed(ctx, req, tx)
	}
}

func (g *Gate) entry(id string) (*entry, error) {
	g.mu.RLock()
	e, ok := g.requests[id]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	return e, nil
}

func (g *Gate) entries() []*entry {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*entry, 0, len(g.requests))
	for _, e := range g.requests {
		out = append(out, e)
	}
	return out
}

func (g *Gate) Get(id string) (domain.ApprovalRequest, error) {
	e, err := g.entry(id)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.data, nil
}

// ForTransaction returns the request guarding a transaction.
func (g *Gate) ForTransaction(txID string) (domain.ApprovalRequest, error) {
	g.mu.RLock()
	id, ok := g.byTx[txID]
	g.mu.RUnlock()
	if !ok {
		return domain.ApprovalRequest{}, fmt.Errorf("%w: for transaction %s", ErrRequestNotFound, txID)
	}
	return g.Get(id)
}

// List returns requests oldest first, only pending ones when pendingOnly.
func (g *Gate) List(pendingOnly bool) []domain.ApprovalRequest {
	var out []domain.ApprovalRequest
	for _, e := range g.entries() {
		e.mu.Lock()
		req := e.data
		e.mu.Unlock()
		if pendingOnly && req.Decision != domain.DecisionPending {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// PendingCount is the number of open requests.
func (g *Gate) PendingCount() int {
	return len(g.List(true))
}

func (g *Gate) Restore(reqs []domain.ApprovalRequest) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = make(map[string]*entry, len(reqs))
	g.byTx = make(map[string]string, len(reqs))
	for _, r := range reqs {
		g.requests[r.ID] = &entry{data: r}
		g.byTx[r.TransactionID] = r.ID
	}
}

type nopStore struct{}

func (nopStore) SaveApproval(context.Context, domain.ApprovalRequest) error { return nil }
