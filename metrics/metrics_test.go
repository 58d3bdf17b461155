package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-session-gateway/sessions"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSessionSink(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SessionCreated()
	m.SessionCreated()
	m.SessionRemoved(sessions.ReasonExpired)

	if got := testutil.ToFloat64(m.SessionsCreated); got != 2 {
		t.Fatalf("want 2 created got %v", got)
	}
	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Fatalf("want 1 active got %v", got)
	}
	if got := testutil.ToFloat64(m.SessionsRemoved.WithLabelValues("expired")); got != 1 {
		t.Fatalf("want 1 expired removal got %v", got)
	}
}

func TestOutcome(t *testing.T) {
	cases := map[int]string{
		200: "ok",
		202: "ok",
		204: "ok",
		400: "client_error",
		401: "client_error",
		503: "server_error",
	}
	for status, want := range cases {
		if got := Outcome(status); got != want {
			t.Fatalf("status %d: want %q got %q", status, want, got)
		}
	}
}

func TestMiddlewareRecordsStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
	}))

	for _, method := range []string{http.MethodPost, http.MethodPost, http.MethodDelete} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(method, "/mcp", nil))
	}

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("POST", "client_error")); got != 2 {
		t.Fatalf("want 2 POST client errors got %v", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("DELETE", "ok")); got != 1 {
		t.Fatalf("want 1 DELETE ok got %v", got)
	}
	if n := testutil.CollectAndCount(m.RequestDuration); n != 2 {
		t.Fatalf("want 2 duration series got %d", n)
	}
}

func TestHandlerExposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ObserveRequest(http.MethodGet, http.StatusOK, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200 got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `mcpgateway_requests_total{method="GET",outcome="ok"} 1`) {
		t.Fatalf("want requests_total series in exposition, got:\n%s", rec.Body.String())
	}
}
