// Package ledger keeps balances as a fold over an append-only history of
// committed transactions. Balance mutation is serialized per account; there is
// no lock shared by unrelated accounts on the commit path.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bountyline/internal/domain"
)

var (
	ErrInvalidAmount     = fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	ErrInvalidAccount    = fmt.Errorf("%w: invalid account", domain.ErrValidation)
	ErrInsufficientFunds = fmt.Errorf("%w: insufficient funds", domain.ErrInsufficient)
	ErrAccountFrozen     = fmt.Errorf("%w: account frozen", domain.ErrConflict)
	ErrNotPending        = fmt.Errorf("%w: transaction is not pending approval", domain.ErrConflict)
	ErrTxNotFound        = fmt.Errorf("%w: transaction", domain.ErrNotFound)
	ErrAccountNotFound   = fmt.Errorf("%w: account", domain.ErrNotFound)
	ErrHalted            = fmt.Errorf("%w: ledger halted until reconciled", domain.ErrIntegrity)
)

// Store persists ledger rows. SaveTransaction must write the transaction and
// the given account snapshots atomically.
type Store interface {
	SaveAccount(ctx context.Context, a domain.Account) error
	SaveTransaction(ctx context.Context, tx domain.Transaction, accounts ...domain.Account) error
}

type Options struct {
	AutoApproveThreshold int64
	Treasury             string
	FeePool              string
	Store                Store
	Logger               *zap.Logger
	Now                  func() time.Time
}

type account struct {
	id   string
	mu   sync.Mutex
	data domain.Account
}

type txEntry struct {
	mu   sync.Mutex
	data domain.Transaction
}

type Ledger struct {
	opts   Options
	logger *zap.Logger

	mu       sync.RWMutex
	accounts map[string]*account
	txs      map[string]*txEntry

	seq       atomic.Int64
	journalMu sync.Mutex
	journal   []domain.Transaction

	halted atomic.Bool
}

func New(opts Options) *Ledger {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Store == nil {
		opts.Store = nopStore{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		opts:     opts,
		logger:   logger.With(zap.String("component", "ledger")),
		accounts: make(map[string]*account),
		txs:      make(map[string]*txEntry),
	}
}

func (l *Ledger) now() time.Time { return l.opts.Now().UTC() }

// Threshold is the largest amount committed without approval.
func (l *Ledger) Threshold() int64 { return l.opts.AutoApproveThreshold }

// Treasury returns the mint account id.
func (l *Ledger) Treasury() string { return l.opts.Treasury }

// FeePool returns the arbitration fee pool account id.
func (l *Ledger) FeePool() string { return l.opts.FeePool }

func (l *Ledger) kindOf(id string) domain.AccountKind {
	switch id {
	case l.opts.Treasury:
		return domain.AccountTreasury
	case l.opts.FeePool:
		return domain.AccountFeePool
	}
	return domain.AccountStandard
}

// getOrCreate returns the in-memory account and whether it was just created.
func (l *Ledger) getOrCreate(id string) (*account, bool) {
	l.mu.RLock()
	a, ok := l.accounts[id]
	l.mu.RUnlock()
	if ok {
		return a, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.accounts[id]; ok {
		return a, false
	}
	now := l.now()
	a = &account{id: id, data: domain.Account{ID: id, Kind: l.kindOf(id), CreatedAt: now, UpdatedAt: now}}
	l.accounts[id] = a
	return a, true
}

// EnsureAccount creates the account on first reference and persists it.
func (l *Ledger) EnsureAccount(ctx context.Context, id string) (domain.Account, error) {
	if id == "" {
		return domain.Account{}, ErrInvalidAccount
	}
	a, created := l.getOrCreate(id)
	a.mu.Lock()
	defer a.mu.Unlock()
	if created {
		if err := l.opts.Store.SaveAccount(ctx, a.data); err != nil {
			return domain.Account{}, fmt.Errorf("save account %s: %w", id, err)
		}
	}
	return a.data, nil
}

// Account returns a snapshot of the account.
func (l *Ledger) Account(id string) (domain.Account, error) {
	l.mu.RLock()
	a, ok := l.accounts[id]
	l.mu.RUnlock()
	if !ok {
		return domain.Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.data, nil
}

// Accounts returns snapshots of every account sorted by id.
func (l *Ledger) Accounts() []domain.Account {
	l.mu.RLock()
	list := make([]*account, 0, len(l.accounts))
	for _, a := range l.accounts {
		list = append(list, a)
	}
	l.mu.RUnlock()
	out := make([]domain.Account, 0, len(list))
	for _, a := range list {
		a.mu.Lock()
		out = append(out, a.data)
		a.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetFrozen freezes or unfreezes an account. Frozen accounts reject commits on either leg.
func (l *Ledger) SetFrozen(ctx context.Context, id string, frozen bool) (domain.Account, error) {
	if _, err := l.EnsureAccount(ctx, id); err != nil {
		return domain.Account{}, err
	}
	a, _ := l.getOrCreate(id)
	a.mu.Lock()
	defer a.mu.Unlock()
	next := a.data
	next.Frozen = frozen
	next.UpdatedAt = l.now()
	if err := l.opts.Store.SaveAccount(ctx, next); err != nil {
		return domain.Account{}, fmt.Errorf("save account %s: %w", id, err)
	}
	a.data = next
	return next, nil
}

// Propose records a transfer. Amounts above the auto-approve threshold are left
// pending approval; everything else commits immediately. A transfer that cannot
// be funded is recorded as denied and ErrInsufficientFunds is returned.
func (l *Ledger) Propose(ctx context.Context, debit, credit string, amount int64, reference string) (domain.Transaction, error) {
	if amount <= 0 {
		return domain.Transaction{}, ErrInvalidAmount
	}
	if debit == "" || credit == "" || debit == credit {
		return domain.Transaction{}, fmt.Errorf("%w: debit %q credit %q", ErrInvalidAccount, debit, credit)
	}
	if l.halted.Load() {
		return domain.Transaction{}, ErrHalted
	}
	for _, id := range []string{debit, credit} {
		if _, err := l.EnsureAccount(ctx, id); err != nil {
			return domain.Transaction{}, err
		}
	}
	entry := &txEntry{data: domain.Transaction{
		ID:        uuid.NewString(),
		Kind:      domain.TxTransfer,
		Debit:     debit,
		Credit:    credit,
		Amount:    amount,
		Reference: reference,
		Status:    domain.TxPending,
		CreatedAt: l.now(),
	}}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	l.mu.Lock()
	l.txs[entry.data.ID] = entry
	l.mu.Unlock()

	if amount > l.opts.AutoApproveThreshold {
		if err := l.opts.Store.SaveTransaction(ctx, entry.data); err != nil {
			l.forget(entry.data.ID)
			return domain.Transaction{}, fmt.Errorf("save transaction: %w", err)
		}
		l.logger.Info("transaction pending approval",
			zap.String("tx_id", entry.data.ID), zap.Int64("amount", amount), zap.String("reference", reference))
		return entry.data, nil
	}
	if err := l.commitLocked(ctx, entry); err != nil {
		if entry.data.Status == domain.TxPending {
			// persistence failed before anything was recorded
			l.forget(entry.data.ID)
		}
		return entry.data, err
	}
	return entry.data, nil
}

// Mint credits an account with newly created value. Mint entries have no
// counter-account and are exempt from the approval threshold.
func (l *Ledger) Mint(ctx context.Context, credit string, amount int64, reference string) (domain.Transaction, error) {
	if amount <= 0 {
		return domain.Transaction{}, ErrInvalidAmount
	}
	if l.halted.Load() {
		return domain.Transaction{}, ErrHalted
	}
	if _, err := l.EnsureAccount(ctx, credit); err != nil {
		return domain.Transaction{}, err
	}
	entry := &txEntry{data: domain.Transaction{
		ID:        uuid.NewString(),
		Kind:      domain.TxMint,
		Credit:    credit,
		Amount:    amount,
		Reference: reference,
		Status:    domain.TxPending,
		CreatedAt: l.now(),
	}}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	l.mu.Lock()
	l.txs[entry.data.ID] = entry
	l.mu.Unlock()
	if err := l.commitLocked(ctx, entry); err != nil {
		if entry.data.Status == domain.TxPending {
			l.forget(entry.data.ID)
		}
		return entry.data, err
	}
	return entry.data, nil
}

// Commit applies a pending transaction.
func (l *Ledger) Commit(ctx context.Context, txID string) (domain.Transaction, error) {
	entry, err := l.entry(txID)
	if err != nil {
		return domain.Transaction{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.data.Status != domain.TxPending {
		return entry.data, fmt.Errorf("%w: %s is %s", ErrNotPending, txID, entry.data.Status)
	}
	err = l.commitLocked(ctx, entry)
	return entry.data, err
}

// Deny closes a pending transaction without touching balances.
func (l *Ledger) Deny(ctx context.Context, txID, reason string) (domain.Transaction, error) {
	return l.close(ctx, txID, domain.TxDenied, reason)
}

// Expire closes a pending transaction whose approval window elapsed.
func (l *Ledger) Expire(ctx context.Context, txID string) (domain.Transaction, error) {
	return l.close(ctx, txID, domain.TxExpired, domain.ReasonApprovalExpired)
}

func (l *Ledger) close(ctx context.Context, txID string, status domain.TxStatus, reason string) (domain.Transaction, error) {
	entry, err := l.entry(txID)
	if err != nil {
		return domain.Transaction{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.data.Status != domain.TxPending {
		return entry.data, fmt.Errorf("%w: %s is %s", ErrNotPending, txID, entry.data.Status)
	}
	next := entry.data
	now := l.now()
	next.Status = status
	next.Reason = reason
	next.DecidedAt = &now
	if err := l.opts.Store.SaveTransaction(ctx, next); err != nil {
		return entry.data, fmt.Errorf("save transaction: %w", err)
	}
	entry.data = next
	l.logger.Info("transaction closed", zap.String("tx_id", txID), zap.String("status", string(status)), zap.String("reason", reason))
	return next, nil
}

// commitLocked applies entry to balances. The caller holds entry.mu.
func (l *Ledger) commitLocked(ctx context.Context, entry *txEntry) error {
	if l.halted.Load() {
		return ErrHalted
	}
	tx := entry.data
	credit, _ := l.getOrCreate(tx.Credit)
	var debit *account
	if tx.Kind != domain.TxMint {
		debit, _ = l.getOrCreate(tx.Debit)
	}
	unlock := lockAccounts(debit, credit)
	defer unlock()

	now := l.now()
	var denyReason string
	switch {
	case credit.data.Frozen || (debit != nil && debit.data.Frozen):
		return fmt.Errorf("%w: transaction %s", ErrAccountFrozen, tx.ID)
	case debit != nil && debit.data.Balance < tx.Amount:
		denyReason = domain.ReasonInsufficientFunds
	}
	if denyReason != "" {
		denied := tx
		denied.Status = domain.TxDenied
		denied.Reason = denyReason
		denied.DecidedAt = &now
		if err := l.opts.Store.SaveTransaction(ctx, denied); err != nil {
			return fmt.Errorf("save transaction: %w", err)
		}
		entry.data = denied
		l.logger.Info("transaction denied", zap.String("tx_id", tx.ID), zap.String("debit", tx.Debit),
			zap.Int64("amount", tx.Amount), zap.String("reason", denyReason))
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientFunds, tx.Debit, debit.data.Balance, tx.Amount)
	}

	committed := tx
	committed.Status = domain.TxCommitted
	committed.DecidedAt = &now
	committed.CommitSeq = l.seq.Add(1)

	nextCredit := credit.data
	nextCredit.Balance += tx.Amount
	nextCredit.UpdatedAt = now
	snapshots := []domain.Account{nextCredit}
	var nextDebit domain.Account
	if debit != nil {
		nextDebit = debit.data
		nextDebit.Balance -= tx.Amount
		nextDebit.UpdatedAt = now
		snapshots = append(snapshots, nextDebit)
	}
	if err := l.opts.Store.SaveTransaction(ctx, committed, snapshots...); err != nil {
		return fmt.Errorf("save transaction: %w", err)
	}
	credit.data = nextCredit
	if debit != nil {
		debit.data = nextDebit
	}
	entry.data = committed

	l.journalMu.Lock()
	l.journal = append(l.journal, committed)
	l.journalMu.Unlock()

	l.logger.Debug("transaction committed", zap.String("tx_id", tx.ID), zap.String("kind", string(tx.Kind)),
		zap.String("debit", tx.Debit), zap.String("credit", tx.Credit), zap.Int64("amount", tx.Amount),
		zap.Int64("seq", committed.CommitSeq))
	return nil
}

// lockAccounts locks the non-nil accounts in id order and returns the unlock func.
func lockAccounts(accts ...*account) func() {
	var list []*account
	for _, a := range accts {
		if a != nil {
			list = append(list, a)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
	for _, a := range list {
		a.mu.Lock()
	}
	return func() {
		for i := len(list) - 1; i >= 0; i-- {
			list[i].mu.Unlock()
		}
	}
}

func (l *Ledger) entry(txID string) (*txEntry, error) {
	l.mu.RLock()
	entry, ok := l.txs[txID]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTxNotFound, txID)
	}
	return entry, nil
}

func (l *Ledger) forget(txID string) {
	l.mu.Lock()
	delete(l.txs, txID)
	l.mu.Unlock()
}

// Transaction returns a snapshot of one transaction.
func (l *Ledger) Transaction(txID string) (domain.Transaction, error) {
	entry, err := l.entry(txID)
	if err != nil {
		return domain.Transaction{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.data, nil
}

// Transactions lists transactions touching account (all when empty), oldest first.
func (l *Ledger) Transactions(accountID string) []domain.Transaction {
	l.mu.RLock()
	entries := make([]*txEntry, 0, len(l.txs))
	for _, e := range l.txs {
		entries = append(entries, e)
	}
	l.mu.RUnlock()
	out := make([]domain.Transaction, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		tx := e.data
		e.mu.Unlock()
		if accountID != "" && tx.Debit != accountID && tx.Credit != accountID {
			continue
		}
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Halted reports whether commits are blocked by an integrity failure.
func (l *Ledger) Halted() bool { return l.halted.Load() }

type nopStore struct{}

func (nopStore) SaveAccount(context.Context, domain.Account) error { return nil }

func (nopStore) SaveTransaction(context.Context, domain.Transaction, ...domain.Account) error {
	return nil
}
