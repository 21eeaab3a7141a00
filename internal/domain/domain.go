package domain

import "time"

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank orders priorities; higher ranks are matched first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	}
	return -1
}

func (p Priority) Valid() bool { return p.Rank() >= 0 }

type TaskStatus string

const (
	TaskOpen      TaskStatus = "open"
	TaskClaimed   TaskStatus = "claimed"
	TaskCompleted TaskStatus = "completed"
	TaskDisputed  TaskStatus = "disputed"
	TaskResolved  TaskStatus = "resolved"
	TaskPaid      TaskStatus = "paid"
	TaskExpired   TaskStatus = "expired"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskPaid || s == TaskExpired || s == TaskCancelled
}

type Task struct {
	ID             string     `json:"id"`
	Seq            int64      `json:"seq"`
	OrchestratorID string     `json:"orchestrator_id"`
	Description    string     `json:"description"`
	Tags           []string   `json:"tags"`
	Reward         int64      `json:"reward"`
	Priority       Priority   `json:"priority" enum:"low,normal,high,critical"`
	Status         TaskStatus `json:"status" enum:"open,claimed,completed,disputed,resolved,paid,expired,cancelled"`
	Reason         string     `json:"reason,omitempty"`
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	PayoutTxID     string     `json:"payout_tx_id,omitempty"`
	// PayoutInFlight is set while a payout is being proposed or awaits approval.
	PayoutInFlight bool       `json:"payout_in_flight,omitempty"`
	DisputeID      string     `json:"dispute_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
}

type AccountKind string

const (
	AccountTreasury AccountKind = "treasury"
	AccountFeePool  AccountKind = "fee_pool"
	AccountStandard AccountKind = "standard"
)

type Account struct {
	ID        string      `json:"id"`
	Kind      AccountKind `json:"kind"`
	Balance   int64       `json:"balance"`
	Frozen    bool        `json:"frozen"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

type TxKind string

const (
	TxTransfer TxKind = "transfer"
	TxMint     TxKind = "mint"
)

type TxStatus string

const (
	TxPending   TxStatus = "pending-approval"
	TxCommitted TxStatus = "committed"
	TxDenied    TxStatus = "denied"
	TxExpired   TxStatus = "expired"
)

type Transaction struct {
	ID        string     `json:"id"`
	Kind      TxKind     `json:"kind" enum:"transfer,mint"`
	Debit     string     `json:"debit,omitempty"`
	Credit    string     `json:"credit"`
	Amount    int64      `json:"amount"`
	Reference string     `json:"reference,omitempty"`
	Status    TxStatus   `json:"status" enum:"pending-approval,committed,denied,expired"`
	Reason    string     `json:"reason,omitempty"`
	CommitSeq int64      `json:"commit_seq,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
}

// RatingEventKind distinguishes the entries of the reputation journal.
type RatingEventKind string

const (
	RatingSubmitted RatingEventKind = "submitted"
	RatingExpected  RatingEventKind = "expected"
	RatingFinalized RatingEventKind = "finalized"
	RatingPenalty   RatingEventKind = "penalty"
	RatingDecay     RatingEventKind = "decay"
)

type RatingEvent struct {
	ID      int64           `json:"id"`
	Kind    RatingEventKind `json:"kind"`
	TaskID  string          `json:"task_id,omitempty"`
	RaterID string          `json:"rater_id,omitempty"`
	RateeID string          `json:"ratee_id,omitempty"`
	Score   float64         `json:"score"`
	Detail  string          `json:"detail,omitempty"`
	At      time.Time       `json:"at"`
}

type TrustTier string

const (
	TierNovice  TrustTier = "novice"
	TierTrusted TrustTier = "trusted"
	TierVeteran TrustTier = "veteran"
)

func (t TrustTier) Rank() int {
	switch t {
	case TierVeteran:
		return 2
	case TierTrusted:
		return 1
	}
	return 0
}

type ReputationRecord struct {
	AccountID    string    `json:"account_id"`
	Average      float64   `json:"average"`
	Completed    int       `json:"completed"`
	Disputes     int       `json:"disputes"`
	Tier         TrustTier `json:"tier" enum:"novice,trusted,veteran"`
	LastActivity time.Time `json:"last_activity"`
	DecayedUntil time.Time `json:"decayed_until"`
}

type Worker struct {
	AccountID    string    `json:"account_id"`
	Tags         []string  `json:"tags"`
	Seq          int64     `json:"seq"`
	RegisteredAt time.Time `json:"registered_at"`
}

type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeVoting   DisputeStatus = "voting"
	DisputeResolved DisputeStatus = "resolved"
)

type Verdict string

const (
	VerdictFull    Verdict = "full"
	VerdictPartial Verdict = "partial"
	VerdictNone    Verdict = "none"
)

func (v Verdict) Valid() bool {
	return v == VerdictFull || v == VerdictPartial || v == VerdictNone
}

type Vote struct {
	VoterID string    `json:"voter_id"`
	Verdict Verdict   `json:"verdict" enum:"full,partial,none"`
	At      time.Time `json:"at"`
}

type Resolution struct {
	Verdict          Verdict `json:"verdict" enum:"full,partial,none"`
	Payout           int64   `json:"payout"`
	PayoutTxID       string  `json:"payout_tx_id,omitempty"`
	FeeTxID          string  `json:"fee_tx_id,omitempty"`
	PenalizedAccount string  `json:"penalized_account,omitempty"`
	Penalty          float64 `json:"penalty,omitempty"`
	Reason           string  `json:"reason"`
}

type Dispute struct {
	ID                string        `json:"id"`
	TaskID            string        `json:"task_id"`
	OrchestratorID    string        `json:"orchestrator_id"`
	WorkerID          string        `json:"worker_id"`
	Reason            string        `json:"reason"`
	Status            DisputeStatus `json:"status" enum:"open,voting,resolved"`
	Voters            []string      `json:"voters"`
	Votes             []Vote        `json:"votes"`
	Resolution        *Resolution   `json:"resolution,omitempty"`
	ResolvedByDefault bool          `json:"resolved_by_default"`
	Deadline          time.Time     `json:"deadline"`
	CreatedAt         time.Time     `json:"created_at"`
	ResolvedAt        *time.Time    `json:"resolved_at,omitempty"`
}

type Decision string

const (
	DecisionPending Decision = "pending"
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
	DecisionExpired Decision = "expired"
)

type ApprovalRequest struct {
	ID            string     `json:"id"`
	TransactionID string     `json:"transaction_id"`
	Decision      Decision   `json:"decision" enum:"pending,approve,deny,expired"`
	DecidedBy     string     `json:"decided_by,omitempty"`
	RequestedAt   time.Time  `json:"requested_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	DecidedAt     *time.Time `json:"decided_at,omitempty"`
}

type Event struct {
	ID         int64          `json:"id"`
	At         time.Time      `json:"at"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Reason codes attached to tasks, disputes and approvals that ended without a payout
// or are waiting on external input.
const (
	ReasonExpiredTTL        = "expired_ttl"
	ReasonCancelled         = "cancelled_by_orchestrator"
	ReasonReleased          = "released_by_claimant"
	ReasonAwaitingRatings   = "awaiting_ratings"
	ReasonAwaitingApproval  = "awaiting_approval"
	ReasonApprovalDenied    = "approval_denied"
	ReasonApprovalExpired   = "approval_expired"
	ReasonInsufficientFunds = "insufficient_funds"
	ReasonLedgerHalted      = "ledger_halted"
	ReasonPayoutFailed      = "payout_failed"
	ReasonApprovalFailed    = "approval_request_failed"
	ReasonDiscordant        = "ratings_discordant"
	ReasonMissingRating     = "rating_missing"
	ReasonContested         = "completion_contested"
	ReasonDisputeNoPayout   = "dispute_no_payout"
	ReasonPaid              = "paid"
	ReasonMajority          = "majority_verdict"
	ReasonDefaultVerdict    = "resolved_by_default"
)
