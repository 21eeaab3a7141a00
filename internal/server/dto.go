package server

import (
	"bountyline/internal/domain"
	"bountyline/internal/ledger"
	"bountyline/internal/reputation"
)

// Request payloads

type CreateTaskRequest struct {
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
	Reward      int64    `json:"reward"`
	Priority    string   `json:"priority,omitempty" enum:"low,normal,high,critical"`
	// OrchestratorID posts on behalf of another account; admin only.
	OrchestratorID string `json:"orchestrator_id,omitempty"`
}

// AccountRequest names the account acting on a task. Empty means the caller.
type AccountRequest struct {
	AccountID string `json:"account_id,omitempty"`
}

type RateRequest struct {
	Score   float64 `json:"score" minimum:"0" maximum:"5"`
	RaterID string  `json:"rater_id,omitempty"`
}

type ContestRequest struct {
	Note string `json:"note,omitempty"`
}

type RegisterWorkerRequest struct {
	AccountID string   `json:"account_id,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

type VoteRequest struct {
	Verdict string `json:"verdict" enum:"full,partial,none"`
}

type DecideRequest struct {
	Approve bool `json:"approve"`
}

type TransferRequest struct {
	To        string `json:"to"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference,omitempty"`
}

type MintRequest struct {
	AccountID string `json:"account_id,omitempty"`
	Amount    int64  `json:"amount"`
}

type FreezeRequest struct {
	Frozen bool `json:"frozen"`
}

// Responses

type BalanceResponse struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
	Frozen    bool   `json:"frozen"`
}

type RateResponse struct {
	Task      domain.Task        `json:"task"`
	Finalized *reputation.Result `json:"finalized,omitempty"`
	Dispute   *domain.Dispute    `json:"dispute,omitempty"`
}

// TransferResponse carries the approval request when the amount needed one.
type TransferResponse struct {
	Transaction domain.Transaction      `json:"transaction"`
	Approval    *domain.ApprovalRequest `json:"approval,omitempty"`
}

type DecisionResponse struct {
	Approval    domain.ApprovalRequest `json:"approval"`
	Transaction domain.Transaction     `json:"transaction"`
}

type AuditResponse struct {
	ledger.Report
	OK     bool `json:"ok"`
	Halted bool `json:"halted"`
}

type paginatedTasks struct {
	Items      []domain.Task `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func auditResponse(r ledger.Report, halted bool) AuditResponse {
	return AuditResponse{Report: r, OK: r.OK(), Halted: halted}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
