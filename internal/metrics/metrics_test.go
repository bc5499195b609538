package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetricsExposure(t *testing.T) {
	Passes.Inc()
	RepliesSent.Inc()
	IncAPIRetry("/test")
	IncAccountFailure("rate_limited")
	IncTokensSpent("free")
	ObservePassDuration(time.Now().Add(-1500 * time.Millisecond))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status: %d", rec.Code)
	}
	body := rec.Body.String()
	for _, m := range []string{
		"zenflow_passes_total",
		"zenflow_replies_sent_total",
		"zenflow_pass_duration_seconds",
		"zenflow_api_retries_total",
		`zenflow_account_failures_total{kind="rate_limited"}`,
		`zenflow_tokens_spent_total{tier="free"}`,
	} {
		if !strings.Contains(body, m) {
			t.Fatalf("expected metric %s in body", m)
		}
	}
}
