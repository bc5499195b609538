package engage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"zenflow/internal/igclient"
	"zenflow/internal/ledger"
	"zenflow/internal/logging"
	"zenflow/internal/metrics"
	"zenflow/internal/model"
	"zenflow/internal/schedule"
	"zenflow/internal/store"
	"zenflow/internal/util"
)

// Outcome is what happened to one event.
type Outcome string

const (
	OutcomeSkipped    Outcome = "skipped"
	OutcomeNoMatch    Outcome = "no_match"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeExhausted  Outcome = "exhausted"
	OutcomeReplied    Outcome = "replied"
	OutcomePostFailed Outcome = "post_failed"
)

// Engine runs match, reserve, respond and commit for one event. Polling and
// webhooks share it.
type Engine struct {
	store     store.Store
	ledger    *ledger.Ledger
	responder Responder
	clock     schedule.Clock

	// per-account locks; polling and webhooks may race on one comment
	locks sync.Map
}

func NewEngine(st store.Store, l *ledger.Ledger, r Responder, clock schedule.Clock) *Engine {
	if clock == nil {
		clock = schedule.System
	}
	return &Engine{store: st, ledger: l, responder: r, clock: clock}
}

// HandleEvent never charges for a reply that was not delivered.
func (e *Engine) HandleEvent(ctx context.Context, acct model.Account, rule model.AutomationRule, s igclient.Session, ev model.MentionEvent) (Outcome, error) {
	if ev.CommentID == "" || ev.SourcePostID == "" || strings.EqualFold(ev.Commenter, acct.Username) {
		return OutcomeSkipped, nil
	}
	if !Matches(rule, ev) {
		return OutcomeNoMatch, nil
	}
	mu, _ := e.locks.LoadOrStore(acct.ID, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()
	seen, err := e.store.WasReplied(ctx, acct.ID, ev.CommentID)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("dedup lookup: %w", err)
	}
	if seen {
		return OutcomeDuplicate, nil
	}

	res, err := e.ledger.Reserve(ctx, acct.ID)
	if errors.Is(err, ledger.ErrExhausted) {
		metrics.ExhaustedSkips.Inc()
		logging.Info("tokens_exhausted", map[string]any{"account_id": acct.ID, "comment_id": ev.CommentID})
		return OutcomeExhausted, nil
	}
	if err != nil {
		return OutcomeSkipped, err
	}

	if err := e.responder.Respond(ctx, s, rule, ev); err != nil {
		e.ledger.Release(ctx, res)
		metrics.PostFailures.Inc()
		logging.Warn("post_failed", map[string]any{"account_id": acct.ID, "post_id": ev.SourcePostID, "comment_id": ev.CommentID, "error": err.Error()})
		e.logActivity(ctx, acct.ID, model.ActionPostFailed, "comment "+ev.CommentID+": "+util.Snippet(err.Error(), 200))
		return OutcomePostFailed, err
	}

	// Delivered: from here on failures are logged but the reply stands.
	now := e.clock.Now()
	if err := e.store.MarkReplied(ctx, acct.ID, ev.CommentID, now); err != nil {
		logging.Error("mark_replied_failed", map[string]any{"account_id": acct.ID, "comment_id": ev.CommentID, "error": err.Error()})
	}
	charged, err := e.ledger.Commit(ctx, res)
	switch {
	case errors.Is(err, ledger.ErrExhausted):
		logging.Warn("reply_uncharged", map[string]any{"account_id": acct.ID, "comment_id": ev.CommentID})
	case err != nil:
		logging.Error("commit_failed", map[string]any{"account_id": acct.ID, "comment_id": ev.CommentID, "error": err.Error()})
	default:
		metrics.IncTokensSpent(string(charged.Tier))
	}
	metrics.RepliesSent.Inc()
	e.logActivity(ctx, acct.ID, model.ActionReplied, fmt.Sprintf("@%s on %s: %s", ev.Commenter, ev.SourcePostID, util.Snippet(ev.Text, 80)))
	logging.Info("replied", map[string]any{"account_id": acct.ID, "post_id": ev.SourcePostID, "comment_id": ev.CommentID, "tier": string(charged.Tier)})
	return OutcomeReplied, nil
}

func (e *Engine) logActivity(ctx context.Context, id int64, action, details string) {
	err := e.store.LogActivity(ctx, model.ActivityEntry{AccountID: id, Action: action, Details: details, Timestamp: e.clock.Now()})
	if err != nil {
		logging.Error("activity_log_failed", map[string]any{"account_id": id, "action": action, "error": err.Error()})
	}
}
