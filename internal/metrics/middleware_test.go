package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareRecordsStatusAndRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/crawls/{job_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Get("/v1/sources/{source_id}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	teapots := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "418"))
	before := testutil.CollectAndCount(httpRequestDurationSeconds)

	for _, path := range []string{"/v1/crawls/a", "/v1/crawls/b", "/v1/sources/c"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.InDelta(t, teapots+2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "418")), 0)
	// One series per route pattern, not per concrete path.
	require.Equal(t, before+2, testutil.CollectAndCount(httpRequestDurationSeconds))
}
