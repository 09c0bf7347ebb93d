package observability

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/duplexrpc/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordPoolCall("obs", "echo")
	RecordPoolCompletion("obs", "echo", false, 12*time.Millisecond)
	RecordCorrelationFault("obs")
	RecordWorkerExit("obs", "exit")
	RecordSocketEpisode("open")
	RecordInteractiveCoalesced()

	if got := testutil.ToFloat64(poolCalls.WithLabelValues("obs", "echo")); got != 1 {
		t.Fatalf("pool calls = %v", got)
	}
	if got := testutil.ToFloat64(correlationFaults.WithLabelValues("obs")); got != 1 {
		t.Fatalf("correlation faults = %v", got)
	}
	if got := testutil.ToFloat64(workerExits.WithLabelValues("obs", "exit")); got != 1 {
		t.Fatalf("worker exits = %v", got)
	}
}

func TestRequestLoggerRecordsStatus(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	h := RequestLogger(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rpc", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if !strings.Contains(buf.String(), `"status":418`) || !strings.Contains(buf.String(), `"level":"warn"`) {
		t.Fatalf("unexpected log: %s", buf.String())
	}
}
