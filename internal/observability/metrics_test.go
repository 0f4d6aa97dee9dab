package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestMiddlewareRecordsRouteAndStatus(t *testing.T) {
	m := NewMetrics()

	router := chi.NewRouter()
	router.Use(m.Middleware)
	router.Get("/users", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	body := scrape(t, m)
	require.Contains(t, body, `authd_http_requests_total{code="401",route="/users"} 1`)
	require.Contains(t, body, "authd_http_request_duration_seconds")
}

func TestAuthorityAndFanoutCounters(t *testing.T) {
	m := NewMetrics()

	m.AuthorityRequest("getbyid", "ok")
	m.AuthorityRequest("getbyid", "ok")
	m.AuthorityRequest("getallusers", "timeout")
	m.FanoutEvent("updateuser")

	body := scrape(t, m)
	require.Contains(t, body, `authd_authority_requests_total{op="getbyid",outcome="ok"} 2`)
	require.Contains(t, body, `authd_authority_requests_total{op="getallusers",outcome="timeout"} 1`)
	require.Contains(t, body, `authd_fanout_events_total{event="updateuser"} 1`)
}

func TestNilMetricsAreInert(t *testing.T) {
	var m *Metrics

	m.AuthorityRequest("getbyid", "ok")
	m.FanoutEvent("deleteuser")

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	rec := httptest.NewRecorder()
	m.Middleware(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRoutePatternFallsBackOutsideChi(t *testing.T) {
	require.Equal(t, "unknown", routePattern(httptest.NewRequest(http.MethodGet, "/x", nil)))
}
