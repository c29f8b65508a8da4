package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, r *Recorder) string {
	t.Helper()
	rr := httptest.NewRecorder()
	r.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	return string(body)
}

func TestRecorderExposesServiceMetrics(t *testing.T) {
	r := New()
	r.ObserveRequest("get", "/api/v1/chapters/0123456789abcdef0123456789abcdef", http.StatusOK, 20*time.Millisecond)
	r.CacheHit("listing")
	r.CacheMiss("listing")
	r.CacheMiss("item")
	r.CacheError("invalidate")
	r.IngestStage("validated")
	r.IngestRecords("inserted", 3)
	r.IngestRecords("invalid", 0)
	r.ObserveIngestBatch(time.Second)
	r.RateLimited()

	body := scrape(t, r)
	assert.Contains(t, body, `chapterhub_http_requests_total{method="GET",path="/api/v1/chapters/:id",status="200"} 1`)
	assert.Contains(t, body, `chapterhub_cache_lookups_total{kind="listing",result="hit"} 1`)
	assert.Contains(t, body, `chapterhub_cache_lookups_total{kind="item",result="miss"} 1`)
	assert.Contains(t, body, `chapterhub_cache_errors_total{operation="invalidate"} 1`)
	assert.Contains(t, body, `chapterhub_ingest_stage_transitions_total{stage="validated"} 1`)
	assert.Contains(t, body, `chapterhub_ingest_records_total{outcome="inserted"} 3`)
	assert.NotContains(t, body, `outcome="invalid"`)
	assert.Contains(t, body, `chapterhub_ingest_batch_duration_seconds_count 1`)
	assert.Contains(t, body, `chapterhub_rate_limited_requests_total 1`)
	assert.Contains(t, body, `go_goroutines`)
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.ObserveRequest("GET", "/", 200, time.Millisecond)
		r.CacheHit("item")
		r.IngestStage("parsed")
		r.RateLimited()
	})
}

func TestSetDefault(t *testing.T) {
	original := Default()
	t.Cleanup(func() { SetDefault(original) })

	fresh := New()
	SetDefault(fresh)
	ObserveRequest("POST", "/api/v1/chapters", http.StatusCreated, time.Millisecond)
	assert.Contains(t, scrape(t, fresh), `chapterhub_http_requests_total{method="POST",path="/api/v1/chapters",status="201"} 1`)

	SetDefault(nil)
	assert.NotSame(t, fresh, Default())
}

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{input: "", want: "/"},
		{input: "/", want: "/"},
		{input: "/api/v1/chapters", want: "/api/v1/chapters"},
		{input: "/api/v1/chapters/", want: "/api/v1/chapters"},
		{input: "/api/v1/chapters/abc123ff", want: "/api/v1/chapters/:id"},
		{input: "/api/v1/chapters/0123456789abcdef0123456789abcdef", want: "/api/v1/chapters/:id"},
		{input: "healthz", want: "/healthz"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, normalizePath(tc.input), "input %q", tc.input)
	}
}
