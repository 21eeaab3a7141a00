package bountylinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Bountyline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v1",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID             string    `json:"id"`
	OrchestratorID string    `json:"orchestrator_id"`
	Description    string    `json:"description"`
	Tags           []string  `json:"tags"`
	Reward         int64     `json:"reward"`
	Priority       string    `json:"priority"`
	Status         string    `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	ClaimedBy      string    `json:"claimed_by,omitempty"`
	PayoutTxID     string    `json:"payout_tx_id,omitempty"`
	PayoutInFlight bool      `json:"payout_in_flight,omitempty"`
	DisputeID      string    `json:"dispute_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

type Transaction struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Debit     string `json:"debit,omitempty"`
	Credit    string `json:"credit"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference,omitempty"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

type ApprovalRequest struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transaction_id"`
	Decision      string    `json:"decision"`
	DecidedBy     string    `json:"decided_by,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type Dispute struct {
	ID         string      `json:"id"`
	TaskID     string      `json:"task_id"`
	Status     string      `json:"status"`
	Reason     string      `json:"reason"`
	Voters     []string    `json:"voters"`
	Deadline   time.Time   `json:"deadline"`
	Resolution *Resolution `json:"resolution,omitempty"`
}

type Resolution struct {
	Verdict string `json:"verdict"`
	Payout  int64  `json:"payout"`
	Reason  string `json:"reason"`
}

type Reputation struct {
	AccountID string  `json:"account_id"`
	Average   float64 `json:"average"`
	Completed int     `json:"completed"`
	Disputes  int     `json:"disputes"`
	Tier      string  `json:"tier"`
}

// RateResult reports whether the rating closed the pair and what it led to.
type RateResult struct {
	Task      Task           `json:"task"`
	Finalized *RatingOutcome `json:"finalized,omitempty"`
	Dispute   *Dispute       `json:"dispute,omitempty"`
}

type RatingOutcome struct {
	Outcome string  `json:"outcome"`
	Average float64 `json:"average"`
}

// Event represents an audit log entry.
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

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateTask posts a task. Priority may be empty for normal.
func (c *Client) CreateTask(ctx context.Context, description string, tags []string, reward int64, priority string) (Task, error) {
	body := map[string]any{
		"description": description,
		"tags":        tags,
		"reward":      reward,
	}
	if priority != "" {
		body["priority"] = priority
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", body, &resp)
	return resp, err
}

// Task fetches a task by id.
func (c *Client) Task(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Claim takes an open task for the caller.
func (c *Client) Claim(ctx context.Context, taskID string) (Task, error) {
	return c.taskAction(ctx, taskID, "claim")
}

func (c *Client) Release(ctx context.Context, taskID string) (Task, error) {
	return c.taskAction(ctx, taskID, "release")
}

func (c *Client) Complete(ctx context.Context, taskID string) (Task, error) {
	return c.taskAction(ctx, taskID, "complete")
}

func (c *Client) Cancel(ctx context.Context, taskID string) (Task, error) {
	return c.taskAction(ctx, taskID, "cancel")
}

func (c *Client) taskAction(ctx context.Context, taskID, action string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/%s", url.PathEscape(taskID), action), nil, &resp)
	return resp, err
}

// Rate scores the counterparty of a completed task.
func (c *Client) Rate(ctx context.Context, taskID string, score float64) (RateResult, error) {
	var resp RateResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/rate", url.PathEscape(taskID)), map[string]any{"score": score}, &resp)
	return resp, err
}

// Contest disputes a completion.
func (c *Client) Contest(ctx context.Context, taskID, note string) (Dispute, error) {
	var resp Dispute
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/contest", url.PathEscape(taskID)), map[string]any{"note": note}, &resp)
	return resp, err
}

// RegisterWorker registers the caller as a worker with capability tags.
func (c *Client) RegisterWorker(ctx context.Context, tags []string) error {
	return c.do(ctx, http.MethodPost, "workers", map[string]any{"tags": tags}, nil)
}

// Balance returns an account's balance.
func (c *Client) Balance(ctx context.Context, accountID string) (int64, error) {
	var resp struct {
		Balance int64 `json:"balance"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("accounts/%s/balance", url.PathEscape(accountID)), nil, &resp)
	return resp.Balance, err
}

func (c *Client) Reputation(ctx context.Context, accountID string) (Reputation, error) {
	var resp Reputation
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("accounts/%s/reputation", url.PathEscape(accountID)), nil, &resp)
	return resp, err
}

// Vote casts the caller's verdict on a dispute.
func (c *Client) Vote(ctx context.Context, disputeID, verdict string) (Dispute, error) {
	var resp Dispute
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("disputes/%s/vote", url.PathEscape(disputeID)), map[string]any{"verdict": verdict}, &resp)
	return resp, err
}

// PendingApprovals lists approval requests waiting for a decision.
func (c *Client) PendingApprovals(ctx context.Context) ([]ApprovalRequest, error) {
	var resp []ApprovalRequest
	err := c.do(ctx, http.MethodGet, "approvals?pending=true", nil, &resp)
	return resp, err
}

// Decide approves or denies a held transaction.
func (c *Client) Decide(ctx context.Context, requestID string, approve bool) (ApprovalRequest, Transaction, error) {
	var resp struct {
		Approval    ApprovalRequest `json:"approval"`
		Transaction Transaction     `json:"transaction"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("approvals/%s/decide", url.PathEscape(requestID)), map[string]any{"approve": approve}, &resp)
	return resp.Approval, resp.Transaction, err
}

// Transfer moves value from the caller to another account.
func (c *Client) Transfer(ctx context.Context, to string, amount int64, reference string) (Transaction, *ApprovalRequest, error) {
	var resp struct {
		Transaction Transaction      `json:"transaction"`
		Approval    *ApprovalRequest `json:"approval"`
	}
	body := map[string]any{"to": to, "amount": amount}
	if reference != "" {
		body["reference"] = reference
	}
	err := c.do(ctx, http.MethodPost, "transfers", body, &resp)
	return resp.Transaction, resp.Approval, err
}

// Events returns the oldest events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
