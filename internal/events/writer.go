// Package events records the audit trail of every state change.
package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"bountyline/internal/domain"
)

// Event types.
const (
	TaskCreated        = "task.created"
	TaskClaimed        = "task.claimed"
	TaskReleased       = "task.released"
	TaskCompleted      = "task.completed"
	TaskCancelled      = "task.cancelled"
	TaskExpired        = "task.expired"
	TaskPaid           = "task.paid"
	TaskPayoutHeld     = "task.payout_held"
	TaskPayoutFailed   = "task.payout_failed"
	RatingSubmitted    = "rating.submitted"
	RatingFinalized    = "rating.finalized"
	ReputationDecayed  = "reputation.decayed"
	DisputeOpened      = "dispute.opened"
	DisputeVoted       = "dispute.voted"
	DisputeResolved    = "dispute.resolved"
	ApprovalRequested  = "approval.requested"
	ApprovalDecided    = "approval.decided"
	ApprovalExpired    = "approval.expired"
	LedgerMinted       = "ledger.minted"
	LedgerTransfer     = "ledger.transfer"
	LedgerIntegrity    = "ledger.integrity_failure"
	LedgerReconciled   = "ledger.reconciled"
	WorkerRegistered   = "worker.registered"
	RouterExhausted    = "router.exhausted"
	AccountFrozen      = "account.frozen"
	RecurringScheduled = "task.recurring_created"
)

type Payload map[string]any

// Appender persists one event and returns its id.
type Appender interface {
	AppendEvent(ctx context.Context, evt domain.Event) (int64, error)
}

// Writer stamps and persists events. A failed write is logged and does not
// fail the operation that produced the event.
type Writer struct {
	Store  Appender
	Logger *zap.Logger
	Now    func() time.Time
}

func (w Writer) Append(ctx context.Context, evtType, entityKind, entityID, actorID, reason string, payload Payload) domain.Event {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	evt := domain.Event{
		At:         now().UTC(),
		Type:       evtType,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actorID,
		Reason:     reason,
		Payload:    payload,
	}
	if w.Store == nil {
		return evt
	}
	id, err := w.Store.AppendEvent(ctx, evt)
	if err != nil {
		if w.Logger != nil {
			w.Logger.Error("append event failed", zap.String("type", evtType), zap.String("entity_id", entityID), zap.Error(err))
		}
		return evt
	}
	evt.ID = id
	return evt
}
