package obsv

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetricsServesRegisteredCollectors(t *testing.T) {
	m := New()
	m.CacheHits.WithLabelValues("osm", "webmercator").Inc()
	m.BuildDuration.WithLabelValues("osm").Observe(0.25)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}

	body := rr.Body.String()
	if !strings.Contains(body, "go_goroutines") {
		t.Fatalf("expected go_goroutines in payload; got:\n%s", body)
	}
	if !strings.Contains(body, "tileproxy_cache_hits_total") {
		t.Fatalf("expected tileproxy_cache_hits_total in payload; got:\n%s", body)
	}
	if !strings.Contains(body, "tileproxy_metatile_build_seconds") {
		t.Fatalf("expected tileproxy_metatile_build_seconds in payload; got:\n%s", body)
	}
}
