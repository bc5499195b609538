package igclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"zenflow/internal/config"
)

const (
	graphTimeLayout       = "2006-01-02T15:04:05-0700"
	defaultTokenExpiresIn = 5184000 // 60 days
)

// GraphClient talks to the Instagram Graph API with a bearer token per call.
type GraphClient struct {
	baseURL   string
	appID     string
	appSecret string
	doer
	now func() time.Time
}

func NewGraphClient(cfg config.InstagramConfig) *GraphClient {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	d := newDoer(&http.Client{Timeout: timeout})
	if cfg.RPS > 0 || cfg.Burst > 0 {
		d.limiter = newLimiter(cfg.RPS, cfg.Burst)
	}
	base := strings.TrimRight(cfg.GraphBaseURL, "/")
	if base == "" {
		base = "https://graph.instagram.com"
	}
	return &GraphClient{baseURL: base, appID: cfg.AppID, appSecret: cfg.AppSecret, doer: d, now: time.Now}
}

func (c *GraphClient) get(ctx context.Context, path string, q url.Values, endpoint string, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	body, err := c.do(ctx, req, endpoint, classifyGraph)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &Error{Kind: KindUnknown, Message: "decode " + endpoint, Err: err}
	}
	return nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (c *GraphClient) token(raw tokenResponse) (Token, error) {
	if raw.AccessToken == "" {
		return Token{}, &Error{Kind: KindUnknown, Message: "token response without access_token"}
	}
	if raw.ExpiresIn <= 0 {
		raw.ExpiresIn = defaultTokenExpiresIn
	}
	return Token{AccessToken: raw.AccessToken, ExpiresAt: c.now().Add(time.Duration(raw.ExpiresIn) * time.Second)}, nil
}

// ExchangeToken trades a short-lived token for a long-lived one.
func (c *GraphClient) ExchangeToken(ctx context.Context, shortToken string) (Token, error) {
	if c.appSecret == "" {
		return Token{}, errors.New("instagram app secret is not configured")
	}
	q := url.Values{
		"grant_type":    {"ig_exchange_token"},
		"client_secret": {c.appSecret},
		"access_token":  {shortToken},
	}
	var raw tokenResponse
	if err := c.get(ctx, "/access_token", q, "/access_token", &raw); err != nil {
		return Token{}, err
	}
	return c.token(raw)
}

// RefreshToken extends a long-lived token that has not yet fully expired.
func (c *GraphClient) RefreshToken(ctx context.Context, token string) (Token, error) {
	q := url.Values{"grant_type": {"ig_refresh_token"}, "access_token": {token}}
	var raw tokenResponse
	if err := c.get(ctx, "/refresh_access_token", q, "/refresh_access_token", &raw); err != nil {
		return Token{}, err
	}
	return c.token(raw)
}

func (c *GraphClient) GetProfile(ctx context.Context, token string) (Profile, error) {
	q := url.Values{
		"fields":       {"id,username,account_type,media_count,followers_count,follows_count"},
		"access_token": {token},
	}
	var raw struct {
		ID             string `json:"id"`
		Username       string `json:"username"`
		AccountType    string `json:"account_type"`
		MediaCount     int    `json:"media_count"`
		FollowersCount int    `json:"followers_count"`
		FollowsCount   int    `json:"follows_count"`
	}
	if err := c.get(ctx, "/me", q, "/me", &raw); err != nil {
		return Profile{}, err
	}
	return Profile{
		ID:             raw.ID,
		Username:       raw.Username,
		AccountType:    raw.AccountType,
		MediaCount:     raw.MediaCount,
		FollowersCount: raw.FollowersCount,
		FollowsCount:   raw.FollowsCount,
	}, nil
}

// ValidateToken reports whether token still authenticates. Only an expired
// or revoked token yields false with a nil error.
func (c *GraphClient) ValidateToken(ctx context.Context, token string) (bool, error) {
	_, err := c.GetProfile(ctx, token)
	if err == nil {
		return true, nil
	}
	if KindOf(err) == KindTokenExpired {
		return false, nil
	}
	return false, err
}

// ListMedia returns the newest media of the token owner, newest first.
func (c *GraphClient) ListMedia(ctx context.Context, token string, limit int) ([]Media, error) {
	q := url.Values{
		"fields":       {"id,caption,media_type,permalink,timestamp"},
		"limit":        {fmt.Sprint(clamp(limit, 1, 100))},
		"access_token": {token},
	}
	var raw struct {
		Data []struct {
			ID        string `json:"id"`
			Caption   string `json:"caption"`
			Permalink string `json:"permalink"`
			Timestamp string `json:"timestamp"`
		} `json:"data"`
	}
	if err := c.get(ctx, "/me/media", q, "/me/media", &raw); err != nil {
		return nil, err
	}
	out := make([]Media, 0, len(raw.Data))
	for _, d := range raw.Data {
		ts, _ := time.Parse(graphTimeLayout, d.Timestamp)
		out = append(out, Media{ID: d.ID, Caption: d.Caption, Permalink: d.Permalink, Timestamp: ts})
	}
	if len(out) > limit && limit > 0 {
		out = out[:limit]
	}
	return out, nil
}

// ListComments returns the comments of a media in platform order.
func (c *GraphClient) ListComments(ctx context.Context, token, mediaID string) ([]Comment, error) {
	q := url.Values{"fields": {"id,text,timestamp,username"}, "access_token": {token}}
	var raw struct {
		Data []struct {
			ID        string `json:"id"`
			Text      string `json:"text"`
			Username  string `json:"username"`
			Timestamp string `json:"timestamp"`
		} `json:"data"`
	}
	if err := c.get(ctx, "/"+url.PathEscape(mediaID)+"/comments", q, "/comments", &raw); err != nil {
		return nil, err
	}
	out := make([]Comment, 0, len(raw.Data))
	for _, d := range raw.Data {
		ts, _ := time.Parse(graphTimeLayout, d.Timestamp)
		out = append(out, Comment{ID: d.ID, Text: d.Text, Username: d.Username, Timestamp: ts})
	}
	return out, nil
}

// PostComment publishes message as a comment on mediaID and returns its id.
func (c *GraphClient) PostComment(ctx context.Context, token, mediaID, message string) (string, error) {
	form := url.Values{"message": {message}, "access_token": {token}}
	u := c.baseURL + "/" + url.PathEscape(mediaID) + "/comments"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	body, err := c.do(ctx, req, "/comments:post", classifyGraph)
	if err != nil {
		return "", err
	}
	var raw struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(body, &raw)
	return raw.ID, nil
}

// Session binds a token to the Session interface.
func (c *GraphClient) Session(token, userID string) Session {
	return &graphSession{c: c, token: token, userID: userID}
}

type graphSession struct {
	c      *GraphClient
	token  string
	userID string
}

func (s *graphSession) UserID() string { return s.userID }

func (s *graphSession) ListMedia(ctx context.Context, limit int) ([]Media, error) {
	return s.c.ListMedia(ctx, s.token, limit)
}

func (s *graphSession) ListComments(ctx context.Context, mediaID string) ([]Comment, error) {
	return s.c.ListComments(ctx, s.token, mediaID)
}

func (s *graphSession) PostComment(ctx context.Context, mediaID, text string) error {
	_, err := s.c.PostComment(ctx, s.token, mediaID, text)
	return err
}
