package model

import (
	"strings"
	"time"
)

// CredentialKind tells how an account authenticates to Instagram.
type CredentialKind string

const (
	CredentialOAuth    CredentialKind = "oauth"
	CredentialPassword CredentialKind = "password"
)

// Tier is the token balance a reservation draws from.
type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

// Account is one Instagram identity under automation. NeedsReconnect is set
// after a terminal auth failure and cleared when credentials are replaced;
// flagged accounts are not scheduled.
type Account struct {
	ID                int64
	Username          string
	IGUserID          string
	CredentialKind    CredentialKind
	AccessToken       string
	EncryptedPassword string
	TokenExpiresAt    *time.Time
	NeedsReconnect    bool
	Plan              string
	FreeTokens        int
	PaidTokens        int
	TokensResetAt     *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HasCredential reports whether the account can be driven by the scheduler.
func (a Account) HasCredential() bool {
	switch a.CredentialKind {
	case CredentialOAuth:
		return a.AccessToken != ""
	case CredentialPassword:
		return a.EncryptedPassword != ""
	}
	return false
}

// Validate checks the credential and balance invariants.
func (a Account) Validate() error {
	switch a.CredentialKind {
	case CredentialOAuth:
		if a.EncryptedPassword != "" {
			return ErrInvalidAccount("oauth account carries a stored password")
		}
	case CredentialPassword:
		if a.AccessToken != "" {
			return ErrInvalidAccount("password account carries an access token")
		}
	case "":
		if a.AccessToken != "" || a.EncryptedPassword != "" {
			return ErrInvalidAccount("credential present without a kind")
		}
	default:
		return ErrInvalidAccount("unknown credential kind " + string(a.CredentialKind))
	}
	if a.FreeTokens < 0 || a.PaidTokens < 0 {
		return ErrInvalidAccount("negative token balance")
	}
	return nil
}

// ErrInvalidAccount is returned when an account breaks a model invariant.
type ErrInvalidAccount string

func (e ErrInvalidAccount) Error() string { return "invalid account: " + string(e) }

const (
	DefaultWakeWord = "GROW"
	DefaultScript   = "Hey! Thanks for commenting. Here is the link you requested: {link}"
	DefaultLink     = "https://zenflow.agency/demo"
	LinkPlaceholder = "{link}"
)

// AutomationRule is the single wake-word rule attached to an account.
type AutomationRule struct {
	AccountID int64
	WakeWord  string
	Script    string
	Link      string
	Active    bool
}

// DefaultRule is created alongside every new account.
func DefaultRule(accountID int64) AutomationRule {
	return AutomationRule{
		AccountID: accountID,
		WakeWord:  DefaultWakeWord,
		Script:    DefaultScript,
		Link:      DefaultLink,
		Active:    true,
	}
}

// Normalize uppercases and trims the wake word.
func (r *AutomationRule) Normalize() {
	r.WakeWord = strings.ToUpper(strings.TrimSpace(r.WakeWord))
}

// Validate enforces a non-empty wake word on active rules.
func (r AutomationRule) Validate() error {
	if r.Active && strings.TrimSpace(r.WakeWord) == "" {
		return ErrInvalidRule("active rule needs a wake word")
	}
	return nil
}

// ErrInvalidRule is returned when a rule breaks a model invariant.
type ErrInvalidRule string

func (e ErrInvalidRule) Error() string { return "invalid rule: " + string(e) }

// EventKind separates comments on our posts from mentions elsewhere.
type EventKind string

const (
	EventComment EventKind = "comment"
	EventMention EventKind = "mention"
)

// MentionEvent is a comment or mention discovered during one cycle. Not persisted.
type MentionEvent struct {
	Kind         EventKind
	SourcePostID string
	CommentID    string
	Commenter    string
	Text         string
	Timestamp    time.Time
}

// ActivityEntry is one audit log line for an account.
type ActivityEntry struct {
	AccountID int64
	Action    string
	Details   string
	Timestamp time.Time
}

// Activity actions written by the engine.
const (
	ActionReplied     = "replied"
	ActionPostFailed  = "post_failed"
	ActionAuthFailed  = "auth_failed"
	ActionTokensGrant = "tokens_granted"
)
