package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape returned status %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestRecorder(t *testing.T) {
	m := New()

	m.CacheHit("posts")
	m.CacheHit("posts")
	m.CacheMiss("doctor_status")
	m.Recompute("posts", 20*time.Millisecond, nil)
	m.Recompute("posts", time.Millisecond, errors.New("boom"))
	m.ChangeReceived("posts", "insert")

	body := scrape(t, m)
	for _, want := range []string{
		`nearby_feeds_cache_lookups_total{feed="posts",result="hit"} 2`,
		`nearby_feeds_cache_lookups_total{feed="doctor_status",result="miss"} 1`,
		`nearby_feeds_recompute_duration_seconds_count{feed="posts"} 2`,
		`nearby_feeds_recompute_errors_total{feed="posts"} 1`,
		`nearby_feeds_changes_received_total{operation="insert",table="posts"} 1`,
		`go_goroutines`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected scrape to contain %q", want)
		}
	}
}

func TestWrapHandler(t *testing.T) {
	m := New()
	h := m.WrapHandler("nearby", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/feeds/posts/nearby", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected wrapped status 503, got %d", rec.Code)
	}

	body := scrape(t, m)
	if !strings.Contains(body, `nearby_feeds_http_requests_total{route="nearby",status="503"} 1`) {
		t.Errorf("expected request counted, got:\n%s", body)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.CacheHit("posts")
	m.CacheMiss("posts")
	m.Recompute("posts", time.Second, nil)
	m.ChangeReceived("posts", "delete")

	rec := httptest.NewRecorder()
	m.WrapHandler("health", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
}
