package ledger

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"bountyline/internal/domain"
)

// Mismatch describes an account whose live balance differs from the replayed one.
type Mismatch struct {
	AccountID string `json:"account_id"`
	Live      int64  `json:"live"`
	Replayed  int64  `json:"replayed"`
}

// Report summarizes an audit.
type Report struct {
	Transactions int        `json:"transactions"`
	Minted       int64      `json:"minted"`
	Circulating  int64      `json:"circulating"`
	Mismatches   []Mismatch `json:"mismatches,omitempty"`
}

func (r Report) OK() bool { return len(r.Mismatches) == 0 && r.Minted == r.Circulating }

// Fold reconstructs balances from committed transactions, applied in commit order.
func Fold(history []domain.Transaction) map[string]int64 {
	ordered := make([]domain.Transaction, 0, len(history))
	for _, tx := range history {
		if tx.Status == domain.TxCommitted {
			ordered = append(ordered, tx)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].CommitSeq < ordered[j].CommitSeq })
	balances := make(map[string]int64)
	for _, tx := range ordered {
		balances[tx.Credit] += tx.Amount
		if tx.Kind != domain.TxMint {
			balances[tx.Debit] -= tx.Amount
		}
	}
	return balances
}

func (l *Ledger) history() []domain.Transaction {
	l.journalMu.Lock()
	defer l.journalMu.Unlock()
	out := make([]domain.Transaction, len(l.journal))
	copy(out, l.journal)
	return out
}

// Replay folds the committed history from zero.
func (l *Ledger) Replay() map[string]int64 {
	return Fold(l.history())
}

// Audit compares live balances with a replay of the history. Any mismatch, or
// circulating value that differs from the minted total, halts further commits
// until Reconcile is called.
func (l *Ledger) Audit() Report {
	l.mu.RLock()
	accts := make([]*account, 0, len(l.accounts))
	for _, a := range l.accounts {
		accts = append(accts, a)
	}
	l.mu.RUnlock()

	// With every known account locked no commit touching them is in flight,
	// so the journal and the balances describe the same instant.
	unlock := lockAccounts(accts...)
	history := l.history()
	live := make(map[string]int64, len(accts))
	for _, a := range accts {
		live[a.id] = a.data.Balance
	}
	unlock()

	report := Report{Transactions: len(history)}
	for _, tx := range history {
		if tx.Kind == domain.TxMint {
			report.Minted += tx.Amount
		}
	}
	replayed := Fold(history)
	for id, bal := range live {
		report.Circulating += bal
		if replayed[id] != bal {
			report.Mismatches = append(report.Mismatches, Mismatch{AccountID: id, Live: bal, Replayed: replayed[id]})
		}
	}
	for id, bal := range replayed {
		if _, ok := live[id]; !ok && bal != 0 {
			report.Mismatches = append(report.Mismatches, Mismatch{AccountID: id, Replayed: bal})
		}
	}
	sort.Slice(report.Mismatches, func(i, j int) bool { return report.Mismatches[i].AccountID < report.Mismatches[j].AccountID })
	if !report.OK() {
		if l.halted.CompareAndSwap(false, true) {
			l.logger.Error("ledger integrity violation, commits halted",
				zap.Int("mismatches", len(report.Mismatches)),
				zap.Int64("minted", report.Minted), zap.Int64("circulating", report.Circulating))
		}
	}
	return report
}

// Reconcile adopts the replayed balances as the live state and lifts a halt.
func (l *Ledger) Reconcile(ctx context.Context) (Report, error) {
	l.mu.RLock()
	accts := make([]*account, 0, len(l.accounts))
	for _, a := range l.accounts {
		accts = append(accts, a)
	}
	l.mu.RUnlock()

	unlock := lockAccounts(accts...)
	defer unlock()
	replayed := Fold(l.history())
	now := l.now()
	for _, a := range accts {
		want := replayed[a.id]
		if a.data.Balance == want {
			continue
		}
		next := a.data
		next.Balance = want
		next.UpdatedAt = now
		if err := l.opts.Store.SaveAccount(ctx, next); err != nil {
			return Report{}, fmt.Errorf("save account %s: %w", a.id, err)
		}
		l.logger.Warn("balance reconciled", zap.String("account", a.id),
			zap.Int64("from", a.data.Balance), zap.Int64("to", want))
		a.data = next
	}
	l.halted.Store(false)
	report := Report{Transactions: len(l.history())}
	for _, a := range accts {
		report.Circulating += a.data.Balance
	}
	for _, tx := range l.history() {
		if tx.Kind == domain.TxMint {
			report.Minted += tx.Amount
		}
	}
	return report, nil
}

// Restore loads persisted accounts and transactions and audits the stored
// balance snapshots against a replay of the committed history. Disagreement
// halts the ledger; Reconcile then adopts the replayed balances.
func (l *Ledger) Restore(accounts []domain.Account, history []domain.Transaction) Report {
	l.mu.Lock()
	l.accounts = make(map[string]*account, len(accounts))
	l.txs = make(map[string]*txEntry, len(history))
	for _, a := range accounts {
		l.accounts[a.ID] = &account{id: a.ID, data: a}
	}
	var maxSeq int64
	var committed []domain.Transaction
	for _, tx := range history {
		l.txs[tx.ID] = &txEntry{data: tx}
		if tx.Status == domain.TxCommitted {
			committed = append(committed, tx)
			if tx.CommitSeq > maxSeq {
				maxSeq = tx.CommitSeq
			}
		}
	}
	l.mu.Unlock()

	sort.SliceStable(committed, func(i, j int) bool { return committed[i].CommitSeq < committed[j].CommitSeq })
	l.journalMu.Lock()
	l.journal = committed
	l.journalMu.Unlock()
	l.seq.Store(maxSeq)
	l.halted.Store(false)

	return l.Audit()
}
