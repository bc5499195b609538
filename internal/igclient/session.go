package igclient

import (
	"context"
	"time"
)

// Session is an authenticated handle for one account, valid for one pass.
type Session interface {
	UserID() string
	ListMedia(ctx context.Context, limit int) ([]Media, error)
	ListComments(ctx context.Context, mediaID string) ([]Comment, error)
	PostComment(ctx context.Context, mediaID, text string) error
}

type Media struct {
	ID        string
	Caption   string
	Permalink string
	Timestamp time.Time
}

type Comment struct {
	ID        string
	Text      string
	Username  string
	Timestamp time.Time
}

type Profile struct {
	ID             string
	Username       string
	AccountType    string
	MediaCount     int
	FollowersCount int
	FollowsCount   int
}

// Token is a long-lived Graph access token.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}
