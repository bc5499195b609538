// Package store defines persistence for accounts, rules, reply dedup and the
// activity log. Implementations live in sqlitestore and pgstore.
package store

import (
	"context"
	"errors"
	"time"

	"zenflow/internal/model"
)

var ErrNotFound = errors.New("store: not found")

// ErrMediaLimit means the account already has as many active posts as its plan allows.
var ErrMediaLimit = errors.New("store: active media limit reached")

// Store is the persistence contract of the engine.
type Store interface {
	// CreateAccount inserts a, sets its ID and timestamps, and attaches the default rule.
	CreateAccount(ctx context.Context, a *model.Account) error
	GetAccount(ctx context.Context, id int64) (model.Account, error)
	GetAccountByIGUserID(ctx context.Context, igUserID string) (model.Account, error)
	GetAccountByUsername(ctx context.Context, username string) (model.Account, error)
	// ListAutomatable returns accounts holding a usable credential and not
	// waiting on a re-connect, ordered by id.
	ListAutomatable(ctx context.Context) ([]model.Account, error)
	// UpdateAccount runs fn on the current row inside one row-scoped transaction
	// and writes the result back. An error from fn aborts without change.
	UpdateAccount(ctx context.Context, id int64, fn func(*model.Account) error) (model.Account, error)
	UpdateCredentials(ctx context.Context, id int64, c Credentials) error
	DeleteAccount(ctx context.Context, id int64) error

	GetRule(ctx context.Context, accountID int64) (model.AutomationRule, error)
	SaveRule(ctx context.Context, r model.AutomationRule) error

	MarkReplied(ctx context.Context, accountID int64, commentID string, at time.Time) error
	WasReplied(ctx context.Context, accountID int64, commentID string) (bool, error)

	// ActivateMedia pins a post for automation unless limit posts are already
	// pinned. Re-activating a pinned post is a no-op.
	ActivateMedia(ctx context.Context, accountID int64, mediaID string, limit int) error
	DeactivateMedia(ctx context.Context, accountID int64, mediaID string) error
	// ListActiveMedia returns pinned post ids in pin order. Empty means all posts.
	ListActiveMedia(ctx context.Context, accountID int64) ([]string, error)

	LogActivity(ctx context.Context, e model.ActivityEntry) error
	// ListActivity returns entries at or after since, oldest first.
	ListActivity(ctx context.Context, accountID int64, since time.Time) ([]model.ActivityEntry, error)

	Close() error
}

// Credentials replaces an account's credential. Exactly one secret is kept.
type Credentials struct {
	Kind              model.CredentialKind
	AccessToken       string
	EncryptedPassword string
	ExpiresAt         *time.Time
}

// Apply writes c onto a, clearing the other credential kind and any pending
// re-connect flag.
func (c Credentials) Apply(a *model.Account) {
	a.CredentialKind = c.Kind
	a.NeedsReconnect = false
	switch c.Kind {
	case model.CredentialOAuth:
		a.AccessToken = c.AccessToken
		a.EncryptedPassword = ""
		a.TokenExpiresAt = c.ExpiresAt
	case model.CredentialPassword:
		a.AccessToken = ""
		a.EncryptedPassword = c.EncryptedPassword
		a.TokenExpiresAt = nil
	default:
		a.AccessToken = ""
		a.EncryptedPassword = ""
		a.TokenExpiresAt = nil
	}
}
