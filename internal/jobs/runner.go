package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zenflow/internal/auth"
	"zenflow/internal/engage"
	"zenflow/internal/igclient"
	"zenflow/internal/ingest"
	"zenflow/internal/logging"
	"zenflow/internal/metrics"
	"zenflow/internal/model"
	"zenflow/internal/notify"
	"zenflow/internal/schedule"
	"zenflow/internal/store"
)

const (
	DefaultInterval       = 5 * time.Minute
	DefaultAccountTimeout = 2 * time.Minute
)

// Authenticator yields a live session for an account.
type Authenticator interface {
	Authenticate(ctx context.Context, acct *model.Account) (igclient.Session, *auth.Failure)
}

// PassStats summarizes one pass over all automatable accounts.
type PassStats struct {
	Accounts int
	Failed   int
	Events   int
	Outcomes map[engage.Outcome]int
}

type Options struct {
	Store    store.Store
	Auth     Authenticator
	Engine   *engage.Engine
	Notifier notify.Notifier
	Clock    schedule.Clock
	// MediaLimit is the number of recent posts scanned per account.
	MediaLimit     int
	AccountTimeout time.Duration
}

// Runner drives the automation cycle. Accounts are processed one at a time.
type Runner struct {
	store          store.Store
	auth           Authenticator
	engine         *engage.Engine
	notifier       notify.Notifier
	clock          schedule.Clock
	mediaLimit     int
	accountTimeout time.Duration
}

func NewRunner(o Options) *Runner {
	if o.Clock == nil {
		o.Clock = schedule.System
	}
	if o.Notifier == nil {
		o.Notifier = notify.Nop{}
	}
	if o.MediaLimit <= 0 {
		o.MediaLimit = ingest.DefaultMediaLimit
	}
	if o.AccountTimeout <= 0 {
		o.AccountTimeout = DefaultAccountTimeout
	}
	return &Runner{
		store:          o.Store,
		auth:           o.Auth,
		engine:         o.Engine,
		notifier:       o.Notifier,
		clock:          o.Clock,
		mediaLimit:     o.MediaLimit,
		accountTimeout: o.AccountTimeout,
	}
}

// RunOnce performs one pass. A failing account is logged and skipped; only a
// failure to list accounts or ctx cancellation ends the pass early.
func (r *Runner) RunOnce(ctx context.Context) (PassStats, error) {
	start := time.Now()
	metrics.Passes.Inc()
	defer metrics.ObservePassDuration(start)

	stats := PassStats{Outcomes: map[engage.Outcome]int{}}
	accounts, err := r.store.ListAutomatable(ctx)
	if err != nil {
		return stats, fmt.Errorf("list accounts: %w", err)
	}
	for _, acct := range accounts {
		if ctx.Err() != nil {
			logging.Info("pass_interrupted", map[string]any{"done": stats.Accounts, "total": len(accounts)})
			return stats, ctx.Err()
		}
		stats.Accounts++
		if err := r.processAccount(ctx, acct, &stats); err != nil {
			stats.Failed++
			logging.Error("account_failed", map[string]any{"account_id": acct.ID, "username": acct.Username, "error": err.Error()})
		}
	}
	logging.Info("pass_done", map[string]any{
		"accounts": stats.Accounts, "failed": stats.Failed, "events": stats.Events,
		"replied": stats.Outcomes[engage.OutcomeReplied], "duration_ms": time.Since(start).Milliseconds(),
	})
	return stats, nil
}

func (r *Runner) processAccount(parent context.Context, acct model.Account, stats *PassStats) (err error) {
	ctx, cancel := context.WithTimeout(parent, r.accountTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			metrics.IncAccountFailure("panic")
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	s, f := r.auth.Authenticate(ctx, &acct)
	if f != nil {
		r.authFailed(ctx, acct, f)
		return f
	}

	rule, err := r.store.GetRule(ctx, acct.ID)
	if errors.Is(err, store.ErrNotFound) {
		rule = model.DefaultRule(acct.ID)
	} else if err != nil {
		metrics.IncAccountFailure("store")
		return fmt.Errorf("load rule: %w", err)
	}
	if !rule.Active {
		logging.Debug("rule_inactive", map[string]any{"account_id": acct.ID})
		return nil
	}

	events, derr := ingest.ListRecentMentions(ctx, s, r.mediaLimit)
	if derr != nil {
		metrics.IncAccountFailure("discovery")
		logging.Warn("discovery_partial", map[string]any{"account_id": acct.ID, "events": len(events), "error": derr.Error()})
	}
	events, err = r.engine.FilterActiveMedia(ctx, acct.ID, events)
	if err != nil {
		metrics.IncAccountFailure("store")
		return fmt.Errorf("load active media: %w", err)
	}
	stats.Events += len(events)
	for _, ev := range events {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		out, err := r.engine.HandleEvent(ctx, acct, rule, s, ev)
		stats.Outcomes[out]++
		if err != nil && out != engage.OutcomePostFailed {
			logging.Error("event_failed", map[string]any{"account_id": acct.ID, "comment_id": ev.CommentID, "error": err.Error()})
		}
	}
	var df *ingest.DiscoveryFailure
	if errors.As(derr, &df) {
		if _, whole := df.Failed[""]; whole {
			return derr
		}
	}
	return nil
}

func (r *Runner) authFailed(ctx context.Context, acct model.Account, f *auth.Failure) {
	metrics.IncAccountFailure(string(f.Kind))
	logging.Warn("auth_failed", map[string]any{"account_id": acct.ID, "username": acct.Username, "kind": string(f.Kind), "terminal": f.Terminal()})
	if err := r.store.LogActivity(ctx, model.ActivityEntry{AccountID: acct.ID, Action: model.ActionAuthFailed, Details: string(f.Kind), Timestamp: r.clock.Now()}); err != nil {
		logging.Error("activity_log_failed", map[string]any{"account_id": acct.ID, "error": err.Error()})
	}
	if !f.Terminal() {
		return
	}
	// Parked until new credentials arrive, so the operator hears about it once.
	if _, err := r.store.UpdateAccount(ctx, acct.ID, func(a *model.Account) error {
		a.NeedsReconnect = true
		return nil
	}); err != nil {
		logging.Error("reconnect_flag_failed", map[string]any{"account_id": acct.ID, "error": err.Error()})
	}
	if err := r.notifier.ReconnectRequired(ctx, notify.Notice{AccountID: acct.ID, Username: acct.Username}); err != nil {
		logging.Warn("notify_failed", map[string]any{"account_id": acct.ID, "error": err.Error()})
	}
}

// Run performs a pass immediately and then every interval until ctx is cancelled.
func (r *Runner) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			logging.Error("pass_error", map[string]any{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			logging.Info("scheduler_stop", nil)
			return ctx.Err()
		case <-r.clock.After(interval):
		}
	}
}
