package metrics

import (
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Passes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zenflow_passes_total",
		Help: "Total scheduler passes",
	})
	PassDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "zenflow_pass_duration_seconds",
		Help:    "Scheduler pass duration seconds",
		Buckets: prometheus.DefBuckets,
	})
	AccountFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zenflow_account_failures_total",
		Help: "Per-account failures by kind",
	}, []string{"kind"})
	EventsDiscovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zenflow_events_discovered_total",
		Help: "Comments and mentions discovered",
	})
	RepliesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zenflow_replies_sent_total",
		Help: "Automated replies posted",
	})
	PostFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zenflow_post_failures_total",
		Help: "Reply posts that failed",
	})
	TokensSpent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zenflow_tokens_spent_total",
		Help: "Tokens committed by tier",
	}, []string{"tier"})
	ExhaustedSkips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zenflow_exhausted_skips_total",
		Help: "Matched events skipped for lack of tokens",
	})
	APIRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zenflow_api_retries_total",
		Help: "Total API retry attempts",
	}, []string{"endpoint"})
	WebhookEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zenflow_webhook_events_total",
		Help: "Webhook changes received by field",
	}, []string{"field"})
	CommandRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zenflow_command_runs_total",
		Help: "CLI command runs",
	}, []string{"command"})
	CommandErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zenflow_command_errors_total",
		Help: "CLI command errors",
	}, []string{"command"})
)

func init() {
	prometheus.MustRegister(Passes, PassDuration, AccountFailures, EventsDiscovered, RepliesSent,
		PostFailures, TokensSpent, ExhaustedSkips, APIRetries, WebhookEvents, CommandRuns, CommandErrors)
}

// Handler exposes the default registry for mounting on an existing router.
func Handler() http.Handler { return promhttp.Handler() }

// StartServer starts a standalone metrics HTTP server on addr (e.g., ":9090").
func StartServer(addr string) {
	if addr == "" {
		addr = os.Getenv("METRICS_ADDR")
	}
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	go func() { _ = http.ListenAndServe(addr, mux) }()
}

// ObservePassDuration records a pass duration.
func ObservePassDuration(start time.Time) {
	PassDuration.Observe(time.Since(start).Seconds())
}

// IncAPIRetry increments the retry counter for an endpoint.
func IncAPIRetry(endpoint string) { APIRetries.WithLabelValues(endpoint).Inc() }

// IncAccountFailure counts a skipped account by failure kind.
func IncAccountFailure(kind string) { AccountFailures.WithLabelValues(kind).Inc() }

// IncTokensSpent counts a committed token by tier.
func IncTokensSpent(tier string) { TokensSpent.WithLabelValues(tier).Inc() }

func IncCommandRun(cmd string)   { CommandRuns.WithLabelValues(cmd).Inc() }
func IncCommandError(cmd string) { CommandErrors.WithLabelValues(cmd).Inc() }
