package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("GET", "/v0/health", 200, 12*time.Millisecond)
	RecordOperation("claim_file", "", "")
	RecordOperation("claim_file", "ConflictError", "AlreadyClaimed")
	RecordReaped(1)
	RecordRelay("redis", true)
}

func TestHandlerExposesCounters(t *testing.T) {
	RecordOperation("send", "PreconditionFailed", "InboxNotClear")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "raidline_engine_rejections_total"))
	assert.True(t, strings.Contains(body, `code="InboxNotClear"`))
}
