package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()
	require.NotNil(t, Handler())
}

func TestObserveHelpersAfterInit(t *testing.T) {
	Init()

	ObserveStateTransition("running", "paused")
	ObserveSignalSent("pause")
	ObserveSignalDropped("resume")
	ObserveSignalCheck(2 * time.Millisecond)
	ObserveCleanupFailure("temp_file")
	ObserveLockEviction()
	ObservePageCrawled("general", "ok")
	SetCrawlActive(true)
	SetCrawlActive(false)
	ObserveHTTPRequest(http.MethodGet, "/v1/control/state", http.StatusOK, 5*time.Millisecond)
}

func TestMiddlewareRecordsRequests(t *testing.T) {
	Init()

	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpointServes(t *testing.T) {
	Init()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Body.String())
}
