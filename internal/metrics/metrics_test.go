package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordDispatch(t *testing.T) {
	before := testutil.ToFloat64(dispatchTotal.WithLabelValues("http", OutcomeDuplicate))

	RecordDispatch("http", OutcomeDuplicate, 0)
	RecordDispatch("http", OutcomeDuplicate, 0)
	RecordDispatch("sqs", OutcomePersisted, 120*time.Millisecond)

	after := testutil.ToFloat64(dispatchTotal.WithLabelValues("http", OutcomeDuplicate))
	if after-before != 2 {
		t.Errorf("expected 2 duplicate outcomes recorded, got %v", after-before)
	}
}

func TestRecordDedupRejection(t *testing.T) {
	before := testutil.ToFloat64(dedupRejections.WithLabelValues("claim"))
	RecordDedupRejection("claim")
	if got := testutil.ToFloat64(dedupRejections.WithLabelValues("claim")) - before; got != 1 {
		t.Errorf("expected 1 claim rejection, got %v", got)
	}
}

func TestGauges(t *testing.T) {
	AddRealtimeSubscribers(3)
	AddRealtimeSubscribers(-1)
	AddInboxSessions(1)
	AddInboxSessions(-1)
	SetSQSMessagesInFlight(4)
	SetDBConnections(7)

	if got := testutil.ToFloat64(sqsMessagesInFlight); got != 4 {
		t.Errorf("expected 4 in flight, got %v", got)
	}
	if got := testutil.ToFloat64(dbConnectionsActive); got != 7 {
		t.Errorf("expected 7 connections, got %v", got)
	}
}

func TestCounters(t *testing.T) {
	RecordPushAttempt("web", "ok")
	RecordPushAttempt("sns", "gone")
	RecordChannelRetry()
	RecordChannelFailure()
	RecordRateLimitRejection("store")

	before := testutil.ToFloat64(notificationsSwept)
	RecordSwept(12)
	if got := testutil.ToFloat64(notificationsSwept) - before; got != 12 {
		t.Errorf("expected 12 swept, got %v", got)
	}
}

func TestHandler(t *testing.T) {
	RecordRequest("GET", "/health", 200, time.Millisecond)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "bellhop_http_requests_total") {
		t.Error("metrics output should include bellhop_http_requests_total")
	}
}

func TestMiddlewareLabelsRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Patch("/v1/notifications/{id}/read", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("PATCH", "/v1/notifications/{id}/read", "204"))

	req := httptest.NewRequest("PATCH", "/v1/notifications/abc/read", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("PATCH", "/v1/notifications/{id}/read", "204"))
	if after-before != 1 {
		t.Errorf("expected request labelled by route pattern, delta %v", after-before)
	}
}

func TestResponseWriter_ExplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)

	if rw.status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rw.status)
	}
}

func TestResponseWriter_Flush(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.Flush()

	if !rec.Flushed {
		t.Error("Flush should reach the underlying writer")
	}
}
