package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsAreIndependent(t *testing.T) {
	a := NewCollector()
	b := NewCollector()
	a.Alert("integrity")
	a.Alert("integrity")
	assert.Equal(t, 2.0, testutil.ToFloat64(a.alertsTotal.WithLabelValues("integrity")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.alertsTotal.WithLabelValues("integrity")))
}

func TestRecorders(t *testing.T) {
	c := NewCollector()
	c.TaskTransition("paid")
	c.ClaimConflicts(3)
	c.Assignments(2)
	c.RatingFinalized("concordant")
	c.DisputeResolved("partial", true)
	c.ApprovalClosed("approve")
	c.Transaction("transfer", "committed")
	c.Payout(150)
	c.SetPendingApprovals(4)
	c.SetOpenTasks(7)
	c.ObserveSweep("expiry", 3*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksTotal.WithLabelValues("paid")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.claimConflicts))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.matchAssignments))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.disputesTotal.WithLabelValues("partial", "true")))
	assert.Equal(t, 150.0, testutil.ToFloat64(c.payoutAmount))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.pendingApprovals))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.openTasks))
	assert.Equal(t, 1, testutil.CollectAndCount(c.sweepDuration))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector()
	c.HTTPRequest("GET", "/v1/tasks", 404, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `bountyline_http_requests_total{method="GET",route="/v1/tasks",status="4xx"} 1`))
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(201))
	assert.Equal(t, "5xx", statusClass(503))
	assert.Equal(t, "unknown", statusClass(99))
}
