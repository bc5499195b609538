// Package server exposes the webhook receiver, health, metrics and the admin API.
package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"zenflow/internal/auth"
	"zenflow/internal/engage"
	"zenflow/internal/igclient"
	"zenflow/internal/ingest"
	"zenflow/internal/ledger"
	"zenflow/internal/logging"
	"zenflow/internal/metrics"
	"zenflow/internal/model"
	"zenflow/internal/schedule"
	"zenflow/internal/store"
)

const (
	maxBody        = 1 << 20
	webhookTimeout = 30 * time.Second
)

// Authenticator yields a live session for an account.
type Authenticator interface {
	Authenticate(ctx context.Context, acct *model.Account) (igclient.Session, *auth.Failure)
}

type Options struct {
	Store  store.Store
	Ledger *ledger.Ledger
	Engine *engage.Engine
	Auth   Authenticator
	Clock  schedule.Clock

	// VerifyToken answers Meta's subscription handshake.
	VerifyToken string
	// AppSecret checks X-Hub-Signature-256. Empty skips the check.
	AppSecret string
	// JWTSecret signs admin bearer tokens. Empty disables the admin API.
	JWTSecret string
	// MediaCap is the number of posts a plan may pin. Nil allows none.
	MediaCap func(plan string) int
}

type Server struct {
	opts Options
}

func New(o Options) *Server {
	if o.Clock == nil {
		o.Clock = schedule.System
	}
	return &Server{opts: o}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/webhook", s.handleVerify)
	r.Post("/webhook", s.handleWebhook)
	if s.opts.JWTSecret != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/accounts/{id}", s.handleAccount)
			r.Get("/accounts/{id}/activity", s.handleActivity)
			r.Post("/accounts/{id}/grant", s.handleGrant)
			r.Put("/accounts/{id}/rule", s.handleRule)
			r.Get("/accounts/{id}/media", s.handleMedia)
			r.Put("/accounts/{id}/media/{media}", s.handleSetMedia)
		})
	}
	return r
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logging.Info("http_listen", map[string]any{"addr": addr})
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	}
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || s.opts.VerifyToken == "" ||
		!hmac.Equal([]byte(q.Get("hub.verify_token")), []byte(s.opts.VerifyToken)) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, q.Get("hub.challenge"))
}

func verifySignature(header string, body []byte, secret string) error {
	const prefix = "sha256="
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, prefix) {
		return errors.New("missing sha256 signature")
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return fmt.Errorf("signature encoding: %w", err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return errors.New("signature mismatch")
	}
	return nil
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if s.opts.AppSecret != "" {
		if err := verifySignature(r.Header.Get("X-Hub-Signature-256"), body, s.opts.AppSecret); err != nil {
			logging.Warn("webhook_signature_rejected", map[string]any{"error": err.Error()})
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}
	events, err := ingest.ParseWebhookPayload(body)
	if err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), webhookTimeout)
	defer cancel()
	outcomes := s.dispatch(ctx, events)
	writeJSON(w, http.StatusOK, map[string]any{"events": len(events), "outcomes": outcomes})
}

// dispatch feeds webhook events through the engine, one account at a time.
func (s *Server) dispatch(ctx context.Context, events []ingest.WebhookEvent) map[engage.Outcome]int {
	outcomes := map[engage.Outcome]int{}
	byUser := map[string][]model.MentionEvent{}
	var order []string
	for _, e := range events {
		if _, ok := byUser[e.IGUserID]; !ok {
			order = append(order, e.IGUserID)
		}
		byUser[e.IGUserID] = append(byUser[e.IGUserID], e.Event)
	}
	for _, igUserID := range order {
		acct, err := s.opts.Store.GetAccountByIGUserID(ctx, igUserID)
		if err != nil {
			logging.Warn("webhook_account_unknown", map[string]any{"ig_user_id": igUserID, "error": err.Error()})
			continue
		}
		// Password accounts log in from the scheduler only, where logins are paced.
		if acct.CredentialKind != model.CredentialOAuth || !acct.HasCredential() || acct.NeedsReconnect {
			logging.Debug("webhook_account_skipped", map[string]any{"account_id": acct.ID, "kind": string(acct.CredentialKind), "needs_reconnect": acct.NeedsReconnect})
			continue
		}
		rule, err := s.opts.Store.GetRule(ctx, acct.ID)
		if errors.Is(err, store.ErrNotFound) {
			rule = model.DefaultRule(acct.ID)
		} else if err != nil {
			logging.Error("webhook_rule_failed", map[string]any{"account_id": acct.ID, "error": err.Error()})
			continue
		}
		if !rule.Active {
			continue
		}
		evs, err := s.opts.Engine.FilterActiveMedia(ctx, acct.ID, byUser[igUserID])
		if err != nil {
			logging.Error("webhook_active_media_failed", map[string]any{"account_id": acct.ID, "error": err.Error()})
			continue
		}
		if len(evs) == 0 {
			continue
		}
		sess, f := s.opts.Auth.Authenticate(ctx, &acct)
		if f != nil {
			metrics.IncAccountFailure(string(f.Kind))
			logging.Warn("webhook_auth_failed", map[string]any{"account_id": acct.ID, "kind": string(f.Kind)})
			continue
		}
		for _, ev := range evs {
			out, err := s.opts.Engine.HandleEvent(ctx, acct, rule, sess, ev)
			outcomes[out]++
			if err != nil && out != engage.OutcomePostFailed {
				logging.Error("webhook_event_failed", map[string]any{"account_id": acct.ID, "comment_id": ev.CommentID, "error": err.Error()})
			}
		}
	}
	return outcomes
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
