package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if tasksTotal == nil || proxyRequestsTotal == nil || rateLimitDegradedTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestHelpersUpdateCollectors(t *testing.T) {
	Init()

	before := testutil.ToFloat64(tasksTotal.WithLabelValues("completed"))
	ObserveTask("completed", 2*time.Second)
	require.Equal(t, before+1, testutil.ToFloat64(tasksTotal.WithLabelValues("completed")))

	SetActiveTasks(7)
	require.Equal(t, float64(7), testutil.ToFloat64(tasksActive))

	ResetActiveBrowsers()
	IncActiveBrowsers()
	IncActiveBrowsers()
	DecActiveBrowsers()
	require.Equal(t, float64(1), testutil.ToFloat64(browsersActive))

	SetProxyHealth("proxy-a:8080", 0.75)
	require.Equal(t, 0.75, testutil.ToFloat64(proxyHealthScore.WithLabelValues("proxy-a:8080")))

	degraded := testutil.ToFloat64(rateLimitDegradedTotal)
	IncRateLimitDegraded()
	require.Equal(t, degraded+1, testutil.ToFloat64(rateLimitDegradedTotal))

	SetBreakerState("scheduler", 1)
	require.Equal(t, float64(1), testutil.ToFloat64(breakerState.WithLabelValues("scheduler")))
}

func TestMiddleware(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/test", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/notfound", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	okBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200"))
	missBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "404"))

	for _, path := range []string{"/test", "/notfound"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.Equal(t, okBefore+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200")))
	require.Equal(t, missBefore+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "404")))
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
