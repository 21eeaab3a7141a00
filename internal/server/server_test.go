package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
}

type serverOptions struct {
	rateLimit   float64
	burst       int
	actorHeader bool
}

func newTestServer(t *testing.T, opts ...func(*serverOptions)) *testServer {
	t.Helper()
	so := serverOptions{}
	for _, o := range opts {
		o(&so)
	}
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)

	e := engine.New(engine.Options{Config: config.Default(), DB: conn})
	require.NoError(t, e.Bootstrap(context.Background()))
	handler, err := New(Config{
		Engine:    e,
		BasePath:  "/v1",
		Auth:      AuthConfig{JWTSecret: testSecret, AllowActorHeader: so.actorHeader},
		RateLimit: so.rateLimit,
		Burst:     so.burst,
	})
	require.NoError(t, err)

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return &testServer{URL: "http://" + ln.Addr().String(), Engine: e, client: &http.Client{Timeout: 5 * time.Second}}
}

func token(t *testing.T, subject string, roles ...string) map[string]string {
	t.Helper()
	tok, err := IssueToken(testSecret, subject, roles, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + tok}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := s.client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

// expect performs a request, checks the status and decodes the body into out.
func (s *testServer) expect(t *testing.T, status int, method, path string, body any, headers map[string]string, out any) {
	t.Helper()
	res, data := s.do(t, method, path, body, headers)
	require.Equal(t, status, res.StatusCode, string(data))
	if out != nil {
		require.NoError(t, json.Unmarshal(data, out), string(data))
	}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error.Code
}

func (s *testServer) fundTreasury(t *testing.T, amount int64) {
	t.Helper()
	s.expect(t, http.StatusCreated, http.MethodPost, "/v1/admin/mint", map[string]any{"amount": amount}, token(t, "ops", RoleAdmin), nil)
}

func (s *testServer) postTask(t *testing.T, orch string, reward int64) domain.Task {
	t.Helper()
	var task domain.Task
	s.expect(t, http.StatusCreated, http.MethodPost, "/v1/tasks", map[string]any{
		"description": "translate release notes",
		"tags":        []string{"docs"},
		"reward":      reward,
	}, token(t, orch, RoleOrchestrator), &task)
	return task
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t)
	var h healthStatus
	srv.expect(t, http.StatusOK, http.MethodGet, "/v1/health", nil, nil, &h)
	assert.Equal(t, "ok", h.Status)
	assert.False(t, h.LedgerHalted)
}

func TestRequestsWithoutCredentialsAreRejected(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.do(t, http.MethodGet, "/v1/tasks", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, data))

	res, data = srv.do(t, http.MethodGet, "/v1/tasks", nil, map[string]string{"Authorization": "Bearer not-a-jwt"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", errorCode(t, data))

	res, _ = srv.do(t, http.MethodGet, "/v1/tasks", nil, map[string]string{"X-Actor-Id": "w1"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestActorHeaderWhenAllowed(t *testing.T) {
	srv := newTestServer(t, func(o *serverOptions) { o.actorHeader = true })
	srv.expect(t, http.StatusOK, http.MethodGet, "/v1/tasks", nil, map[string]string{"X-Actor-Id": "w1"}, nil)

	// Header principals carry no roles.
	res, data := srv.do(t, http.MethodPost, "/v1/tasks", map[string]any{"description": "x", "reward": 10}, map[string]string{"X-Actor-Id": "w1"})
	require.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "forbidden", errorCode(t, data))
}

func TestTaskLifecyclePaysWorker(t *testing.T) {
	srv := newTestServer(t)
	srv.fundTreasury(t, 10000)
	task := srv.postTask(t, "orch", 500)
	assert.Equal(t, domain.TaskOpen, task.Status)
	assert.Equal(t, domain.PriorityNormal, task.Priority)

	worker := token(t, "w1")
	var claimed domain.Task
	srv.expect(t, http.StatusOK, http.MethodPost, "/v1/tasks/"+task.ID+"/claim", nil, worker, &claimed)
	assert.Equal(t, "w1", claimed.ClaimedBy)
	srv.expect(t, http.StatusOK, http.MethodPost, "/v1/tasks/"+task.ID+"/complete", nil, worker, nil)

	var first RateResponse
	srv.expect(t, http.StatusOK, http.MethodPost, "/v1/tasks/"+task.ID+"/rate", map[string]any{"score": 5}, token(t, "orch", RoleOrchestrator), &first)
	assert.Nil(t, first.Finalized)
	var second RateResponse
	srv.expect(t, http.StatusOK, http.MethodPost, "/v1/tasks/"+task.ID+"/rate", map[string]any{"score": 5}, worker, &second)
	require.NotNil(t, second.Finalized)
	assert.Nil(t, second.Dispute)

	var fetched domain.Task
	srv.expect(t, http.StatusOK, http.MethodGet, "/v1/tasks/"+task.ID, nil, worker, &fetched)
	assert.Equal(t, domain.TaskPaid, fetched.Status)

	var bal BalanceResponse
	srv.expect(t, http.StatusOK, http.MethodGet, "/v1/accounts/w1/balance", nil, worker, &bal)
	assert.Equal(t, int64(750), bal.Balance)

	var rep domain.ReputationRecord
	srv.expect(t, http.StatusOK, http.MethodGet, "/v1/accounts/w1/reputation", nil, worker, &rep)
	assert.Equal(t, 1, rep.Completed)

	var ex engine.Explanation
	srv.expect(t, http.StatusOK, http.MethodGet, "/v1/tasks/"+task.ID+"/explain", nil, worker, &ex)
	require.NotNil(t, ex.Payout)
	assert.Equal(t, domain.TxCommitted, ex.Payout.Status)
}

func TestSecondClaimConflicts(t *testing.T) {
	srv := newTestServer(t)
	task := srv.postTask(t, "orch", 100)

	srv.expect(t, http.StatusOK, http.MethodPost, "/v1/tasks/"+task.ID+"/claim", nil, token(t, "w1"), nil)
	res, data := srv.do(t, http.MethodPost, "/v1/tasks/"+task.ID+"/claim", nil, token(t, "w2"))
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "already_claimed", errorCode(t, data))

	res, data = srv.do(t, http.MethodPost, "/v1/tasks/"+task.ID+"/complete", nil, token(t, "w2"))
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "not_claimant", errorCode(t, data))
}

func TestOrchestratorCannotClaimOwnTask(t *testing.T) {
	srv := newTestServer(t)
	task := srv.postTask(t, "orch", 100)

	res, data := srv.do(t, http.MethodPost, "/v1/tasks/"+task.ID+"/claim", nil, token(t, "orch"))
	require.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "self_claim", errorCode(t, data))
}

func TestActingForAnotherAccountNeedsAdmin(t *testing.T) {
	srv := newTestServer(t)
	task := srv.postTask(t, "orch", 100)

	res, _ := srv.do(t, http.MethodPost, "/v1/tasks/"+task.ID+"/claim", map[string]any{"account_id": "w2"}, token(t, "w1"))
	require.Equal(t, http.StatusForbidden, res.StatusCode)

	var claimed domain.Task
	srv.expect(t, http.StatusOK, http.MethodPost, "/v1/tasks/"+task.ID+"/claim", map[string]any{"account_id": "w2"}, token(t, "ops", RoleAdmin), &claimed)
	assert.Equal(t, "w2", claimed.ClaimedBy)
}

func TestCreateTaskValidation(t *testing.T) {
	srv := newTestServer(t)
	orch := token(t, "orch", RoleOrchestrator)

	res, data := srv.do(t, http.MethodPost, "/v1/tasks", map[string]any{"description": "free work", "reward": 0}, orch)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "invalid_reward", errorCode(t, data))

	res, _ = srv.do(t, http.MethodPost, "/v1/tasks", map[string]any{"description": "x", "reward": 10, "priority": "urgent"}, orch)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, _ = srv.do(t, http.MethodPost, "/v1/tasks", map[string]any{"description": "x", "reward": 10}, token(t, "w1"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestRateRejectsOutOfRangeScore(t *testing.T) {
	srv := newTestServer(t)
	task := srv.postTask(t, "orch", 100)
	worker := token(t, "w1")
	srv.expect(t, http.StatusOK, http.MethodPost, "/v1/tasks/"+task.ID+"/claim", nil, worker, nil)
	srv.expect(t, http.StatusOK, http.MethodPost, "/v1/tasks/"+task.ID+"/complete", nil, worker, nil)

	res, _ := srv.do(t, http.MethodPost, "/v1/tasks/"+task.ID+"/rate", map[string]any{"score": 7}, worker)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, _ = srv.do(t, http.MethodPost, "/v1/tasks/"+task.ID+"/rate", map[string]any{"score": 3}, token(t, "bystander"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestLargePayoutWaitsForApprover(t *testing.T) {
	srv := newTestServer(t)
	srv.fundTreasury(t, 10000)
	task := srv.postTask(t, "orch", 1000)
	worker := token(t, "w1")
	srv.expect(t, http.StatusOK, http.MethodPost, "/v1/tasks/"+task.ID+"/claim", nil, worker, nil)
	srv.expect(t, http.StatusOK, http.MethodPost, "/v1/tasks/"+task.ID+"/complete", nil, worker, nil)
	srv.expect(t, http.StatusOK, http.MethodPost, "/v1/tasks/"+task.ID+"/rate", map[string]any{"score": 5}, token(t, "orch", RoleOrchestrator), nil)
	srv.expect(t, http.StatusOK, http.MethodPost, "/v1/tasks/"+task.ID+"/rate", map[string]any{"score": 5}, worker, nil)

	var held domain.Task
	srv.expect(t, http.StatusOK, http.MethodGet, "/v1/tasks/"+task.ID, nil, worker, &held)
	assert.Equal(t, domain.TaskCompleted, held.Status)
	assert.Equal(t, domain.ReasonAwaitingApproval, held.Reason)

	res, _ := srv.do(t, http.MethodGet, "/v1/approvals", nil, worker)
	require.Equal(t, http.StatusForbidden, res.StatusCode)

	approver := token(t, "alice", RoleApprover)
	var pending []domain.ApprovalRequest
	srv.expect(t, http.StatusOK, http.MethodGet, "/v1/approvals", nil, approver, &pending)
	require.Len(t, pending, 1)

	res, _ = srv.do(t, http.MethodPost, "/v1/approvals/"+pending[0].ID+"/decide", map[string]any{"approve": true}, worker)
	require.Equal(t, http.StatusForbidden, res.StatusCode)

	var decided DecisionResponse
	srv.expect(t, http.StatusOK, http.MethodPost, "/v1/approvals/"+pending[0].ID+"/decide", map[string]any{"approve": true}, approver, &decided)
	assert.Equal(t, domain.DecisionApprove, decided.Approval.Decision)
	assert.Equal(t, "alice", decided.Approval.DecidedBy)
	assert.Equal(t, domain.TxCommitted, decided.Transaction.Status)
	assert.Equal(t, int64(1500), decided.Transaction.Amount)

	var paid domain.Task
	srv.expect(t, http.StatusOK, http.MethodGet, "/v1/tasks/"+task.ID, nil, worker, &paid)
	assert.Equal(t, domain.TaskPaid, paid.Status)

	res, data := srv.do(t, http.MethodPost, "/v1/approvals/"+pending[0].ID+"/decide", map[string]any{"approve": false}, approver)
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "already_decided", errorCode(t, data))
}

func TestTransferInsufficientFunds(t *testing.T) {
	srv := newTestServer(t)
	srv.fundTreasury(t, 1000)
	srv.expect(t, http.StatusCreated, http.MethodPost, "/v1/admin/mint", map[string]any{"account_id": "w1", "amount": 50}, token(t, "ops", RoleAdmin), nil)

	var out TransferResponse
	srv.expect(t, http.StatusCreated, http.MethodPost, "/v1/transfers", map[string]any{"to": "w2", "amount": 20}, token(t, "w1"), &out)
	assert.Equal(t, domain.TxCommitted, out.Transaction.Status)
	assert.Nil(t, out.Approval)

	res, data := srv.do(t, http.MethodPost, "/v1/transfers", map[string]any{"to": "w2", "amount": 40}, token(t, "w1"))
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	assert.Equal(t, "insufficient_funds", errorCode(t, data))

	var txs []domain.Transaction
	srv.expect(t, http.StatusOK, http.MethodGet, "/v1/accounts/w1/transactions", nil, token(t, "w1"), &txs)
	assert.NotEmpty(t, txs)
	res, _ = srv.do(t, http.MethodGet, "/v1/accounts/w1/transactions", nil, token(t, "w2"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestAdminAuditAndFreeze(t *testing.T) {
	srv := newTestServer(t)
	srv.fundTreasury(t, 500)
	admin := token(t, "ops", RoleAdmin)

	res, _ := srv.do(t, http.MethodGet, "/v1/admin/audit", nil, token(t, "w1"))
	require.Equal(t, http.StatusForbidden, res.StatusCode)

	var audit AuditResponse
	srv.expect(t, http.StatusOK, http.MethodGet, "/v1/admin/audit", nil, admin, &audit)
	assert.True(t, audit.OK)
	assert.Equal(t, int64(500), audit.Minted)

	var acct domain.Account
	srv.expect(t, http.StatusOK, http.MethodPost, "/v1/admin/accounts/treasury/freeze", map[string]any{"frozen": true}, admin, &acct)
	assert.True(t, acct.Frozen)

	var summary engine.SweepSummary
	srv.expect(t, http.StatusOK, http.MethodPost, "/v1/admin/sweep", nil, admin, &summary)
	assert.True(t, summary.LedgerOK)
}

func TestEventsPaginate(t *testing.T) {
	srv := newTestServer(t)
	for i := 0; i < 3; i++ {
		srv.postTask(t, "orch", 10)
	}
	reader := token(t, "w1")
	var page paginatedEvents
	srv.expect(t, http.StatusOK, http.MethodGet, "/v1/events?entity_kind=task&limit=2", nil, reader, &page)
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)

	var rest paginatedEvents
	srv.expect(t, http.StatusOK, http.MethodGet, "/v1/events?entity_kind=task&limit=2&cursor="+page.NextCursor, nil, reader, &rest)
	require.Len(t, rest.Items, 1)
	assert.Empty(t, rest.NextCursor)
	assert.Greater(t, rest.Items[0].ID, page.Items[1].ID)

	res, _ := srv.do(t, http.MethodGet, "/v1/events?cursor=abc", nil, reader)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestTaskListFiltersAndPaginates(t *testing.T) {
	srv := newTestServer(t)
	a := srv.postTask(t, "orch", 10)
	srv.postTask(t, "orch", 20)
	srv.postTask(t, "orch", 30)
	reader := token(t, "w1")
	srv.expect(t, http.StatusOK, http.MethodPost, "/v1/tasks/"+a.ID+"/claim", nil, reader, nil)

	var open paginatedTasks
	srv.expect(t, http.StatusOK, http.MethodGet, "/v1/tasks?status=open&limit=1", nil, reader, &open)
	require.Len(t, open.Items, 1)
	assert.Equal(t, int64(20), open.Items[0].Reward)
	require.NotEmpty(t, open.NextCursor)

	var next paginatedTasks
	srv.expect(t, http.StatusOK, http.MethodGet, "/v1/tasks?status=open&limit=1&cursor="+open.NextCursor, nil, reader, &next)
	require.Len(t, next.Items, 1)
	assert.Equal(t, int64(30), next.Items[0].Reward)

	var mine paginatedTasks
	srv.expect(t, http.StatusOK, http.MethodGet, "/v1/tasks?claimed_by=w1", nil, reader, &mine)
	require.Len(t, mine.Items, 1)
	assert.Equal(t, a.ID, mine.Items[0].ID)
}

func TestUnknownResourcesAreNotFound(t *testing.T) {
	srv := newTestServer(t)
	reader := token(t, "w1")
	for _, path := range []string{"/v1/tasks/nope", "/v1/disputes/nope", "/v1/accounts/nope/balance"} {
		res, data := srv.do(t, http.MethodGet, path, nil, reader)
		require.Equal(t, http.StatusNotFound, res.StatusCode, path)
		assert.Equal(t, "not_found", errorCode(t, data), path)
	}
}

func TestRateLimitPerPrincipal(t *testing.T) {
	srv := newTestServer(t, func(o *serverOptions) { o.rateLimit = 0.001; o.burst = 1 })
	srv.expect(t, http.StatusOK, http.MethodGet, "/v1/tasks", nil, token(t, "w1"), nil)
	res, data := srv.do(t, http.MethodGet, "/v1/tasks", nil, token(t, "w1"))
	require.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Equal(t, "rate_limited", errorCode(t, data))

	// Another principal has its own bucket.
	srv.expect(t, http.StatusOK, http.MethodGet, "/v1/tasks", nil, token(t, "w2"), nil)
}

func TestMetricsAndOpenAPI(t *testing.T) {
	srv := newTestServer(t)
	srv.expect(t, http.StatusOK, http.MethodGet, "/v1/health", nil, nil, nil)

	// The request is recorded after the response is written.
	require.Eventually(t, func() bool {
		res, data := srv.do(t, http.MethodGet, "/metrics", nil, nil)
		return res.StatusCode == http.StatusOK &&
			strings.Contains(string(data), `bountyline_http_requests_total{method="GET",route="/v1/health",status="2xx"}`)
	}, 2*time.Second, 20*time.Millisecond)

	var spec map[string]any
	srv.expect(t, http.StatusOK, http.MethodGet, "/v1/openapi.json", nil, nil, &spec)
	paths, ok := spec["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/v1/tasks/{id}/rate")

	res, data := srv.do(t, http.MethodGet, "/docs", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, strings.Contains(string(data), "/v1/openapi.json"))
}
