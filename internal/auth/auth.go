// Package auth turns a stored account credential into a live session.
package auth

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"zenflow/internal/igclient"
	"zenflow/internal/logging"
	"zenflow/internal/model"
	"zenflow/internal/proxy"
	"zenflow/internal/schedule"
	"zenflow/internal/store"
)

// Kind classifies an authentication failure.
type Kind string

const (
	TwoFactorRequired  Kind = "two_factor_required"
	InvalidCredentials Kind = "invalid_credentials"
	ChallengeRequired  Kind = "challenge_required"
	RateLimited        Kind = "rate_limited"
	TokenExpired       Kind = "token_expired"
	RetriesExhausted   Kind = "retries_exhausted"
	Transient          Kind = "transient"
	Unknown            Kind = "unknown"
)

// Failure is the typed result of a failed authentication.
type Failure struct {
	Kind Kind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return "auth: " + string(f.Kind)
	}
	return fmt.Sprintf("auth: %s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Terminal reports whether a human must re-connect the account.
func (f *Failure) Terminal() bool {
	switch f.Kind {
	case TwoFactorRequired, InvalidCredentials, TokenExpired:
		return true
	}
	return false
}

func kindOf(err error) Kind {
	switch igclient.KindOf(err) {
	case igclient.KindTwoFactorRequired:
		return TwoFactorRequired
	case igclient.KindInvalidCredentials:
		return InvalidCredentials
	case igclient.KindChallengeRequired:
		return ChallengeRequired
	case igclient.KindRateLimited:
		return RateLimited
	case igclient.KindTokenExpired:
		return TokenExpired
	case igclient.KindTransient:
		return Transient
	}
	return Unknown
}

// TokenRefresher is the OAuth side of the platform client.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, token string) (igclient.Token, error)
	Session(token, userID string) igclient.Session
}

// Loginer performs one direct login attempt.
type Loginer interface {
	Login(ctx context.Context, req igclient.LoginRequest) (igclient.Session, error)
}

// Decrypter opens a stored password.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// CredentialWriter persists refreshed credentials.
type CredentialWriter interface {
	UpdateCredentials(ctx context.Context, id int64, c store.Credentials) error
}

// Policy is the direct-login retry budget and pacing.
type Policy struct {
	MaxRetries int
	MinDelay   time.Duration
	MaxDelay   time.Duration
	RetryPause time.Duration
}

// DefaultPolicy retries three times with 2-5s between attempts.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, MinDelay: 2 * time.Second, MaxDelay: 5 * time.Second, RetryPause: 2 * time.Second}
}

// Options wires a Manager. Proxies may be nil for direct connections.
type Options struct {
	Graph   TokenRefresher
	Mobile  Loginer
	Vault   Decrypter
	Store   CredentialWriter
	Proxies *proxy.Pool
	Clock   schedule.Clock
	// Rand drives login delays. Nil seeds from the clock. The Manager
	// serializes its own draws; do not share it with other goroutines.
	Rand   *rand.Rand
	Policy Policy
}

// Manager authenticates accounts. It owns its proxy pool and random source.
type Manager struct {
	graph   TokenRefresher
	mobile  Loginer
	vault   Decrypter
	store   CredentialWriter
	proxies *proxy.Pool
	clock   schedule.Clock
	policy  Policy

	mu  sync.Mutex // guards rng
	rng *rand.Rand
}

func NewManager(o Options) *Manager {
	if o.Clock == nil {
		o.Clock = schedule.System
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if o.Policy == (Policy{}) {
		o.Policy = DefaultPolicy()
	}
	return &Manager{
		graph:   o.Graph,
		mobile:  o.Mobile,
		vault:   o.Vault,
		store:   o.Store,
		proxies: o.Proxies,
		clock:   o.Clock,
		rng:     o.Rand,
		policy:  o.Policy,
	}
}

// Authenticate returns a session for acct. A refreshed OAuth token is
// persisted and written back to acct.
func (m *Manager) Authenticate(ctx context.Context, acct *model.Account) (igclient.Session, *Failure) {
	switch acct.CredentialKind {
	case model.CredentialOAuth:
		return m.authenticateOAuth(ctx, acct)
	case model.CredentialPassword:
		password, err := m.vault.Decrypt(acct.EncryptedPassword)
		if err != nil {
			return nil, &Failure{Kind: Unknown, Err: err}
		}
		return m.login(ctx, acct.Username, password)
	}
	return nil, &Failure{Kind: Unknown, Err: errors.New("account has no credential")}
}

func (m *Manager) authenticateOAuth(ctx context.Context, acct *model.Account) (igclient.Session, *Failure) {
	if acct.AccessToken == "" {
		return nil, &Failure{Kind: TokenExpired, Err: errors.New("no access token")}
	}
	if acct.TokenExpiresAt != nil && m.clock.Now().After(*acct.TokenExpiresAt) {
		tok, err := m.graph.RefreshToken(ctx, acct.AccessToken)
		if err != nil {
			// The stored token stays for manual re-link.
			return nil, &Failure{Kind: TokenExpired, Err: err}
		}
		exp := tok.ExpiresAt
		if err := m.store.UpdateCredentials(ctx, acct.ID, store.Credentials{Kind: model.CredentialOAuth, AccessToken: tok.AccessToken, ExpiresAt: &exp}); err != nil {
			return nil, &Failure{Kind: Unknown, Err: fmt.Errorf("persist refreshed token: %w", err)}
		}
		acct.AccessToken = tok.AccessToken
		acct.TokenExpiresAt = &exp
		logging.Info("token_refreshed", map[string]any{"account_id": acct.ID, "expires_at": exp})
	}
	return m.graph.Session(acct.AccessToken, acct.IGUserID), nil
}

func (m *Manager) delay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	m.mu.Lock()
	n := m.rng.Int63n(int64(max-min) + 1)
	m.mu.Unlock()
	return min + time.Duration(n)
}

func (m *Manager) login(ctx context.Context, username, password string) (igclient.Session, *Failure) {
	attempts := 1 + m.policy.MaxRetries
	unknownSeen := false
	var last error
	var lastKind Kind
	for i := 0; i < attempts; i++ {
		addr, haveProxy := m.proxies.Next()
		if i > 0 {
			if !haveProxy {
				logging.Warn("login_no_proxy_for_retry", map[string]any{"username": username})
				break
			}
			if err := schedule.Sleep(ctx, m.clock, m.policy.RetryPause); err != nil {
				return nil, &Failure{Kind: Unknown, Err: err}
			}
		}
		if err := schedule.Sleep(ctx, m.clock, m.delay(m.policy.MinDelay, m.policy.MaxDelay)); err != nil {
			return nil, &Failure{Kind: Unknown, Err: err}
		}
		s, err := m.mobile.Login(ctx, igclient.LoginRequest{Username: username, Password: password, ProxyURL: addr})
		if err == nil {
			return s, nil
		}
		last, lastKind = err, kindOf(err)
		logging.Warn("login_attempt_failed", map[string]any{"username": username, "attempt": i + 1, "kind": string(lastKind), "via_proxy": haveProxy})
		switch lastKind {
		case TwoFactorRequired, InvalidCredentials:
			return nil, &Failure{Kind: lastKind, Err: err}
		case Unknown:
			if unknownSeen {
				return nil, &Failure{Kind: RetriesExhausted, Err: err}
			}
			unknownSeen = true
		}
		if ctx.Err() != nil {
			return nil, &Failure{Kind: Unknown, Err: ctx.Err()}
		}
	}
	return nil, &Failure{Kind: RetriesExhausted, Err: fmt.Errorf("last %s: %w", lastKind, last)}
}

// LoginWithCode completes a login that needs a second factor. One attempt.
func (m *Manager) LoginWithCode(ctx context.Context, username, password, code string) (igclient.Session, *Failure) {
	addr, _ := m.proxies.Next()
	if err := schedule.Sleep(ctx, m.clock, m.delay(time.Second, 3*time.Second)); err != nil {
		return nil, &Failure{Kind: Unknown, Err: err}
	}
	s, err := m.mobile.Login(ctx, igclient.LoginRequest{Username: username, Password: password, TwoFactorCode: code, ProxyURL: addr})
	if err != nil {
		return nil, &Failure{Kind: kindOf(err), Err: err}
	}
	return s, nil
}

// Login performs a direct login with the retry policy, for linking new accounts.
func (m *Manager) Login(ctx context.Context, username, password string) (igclient.Session, *Failure) {
	return m.login(ctx, username, password)
}
