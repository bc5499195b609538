package igclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"zenflow/internal/config"
)

func newTestGraph(t *testing.T, h http.Handler) *GraphClient {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	c := NewGraphClient(config.InstagramConfig{GraphBaseURL: ts.URL, AppSecret: "secret", HTTPTimeout: 5 * time.Second, RPS: 1000, Burst: 1000})
	c.baseBackoff = time.Millisecond
	c.now = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	return c
}

func TestRefreshTokenDefaultsExpiry(t *testing.T) {
	c := newTestGraph(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/refresh_access_token" || r.URL.Query().Get("grant_type") != "ig_refresh_token" {
			t.Errorf("unexpected request %s", r.URL)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "new"})
	}))
	tok, err := c.RefreshToken(context.Background(), "old")
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Add(60 * 24 * time.Hour)
	if tok.AccessToken != "new" || !tok.ExpiresAt.Equal(want) {
		t.Fatalf("unexpected token %+v", tok)
	}
}

func TestExchangeTokenSendsSecret(t *testing.T) {
	c := newTestGraph(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("client_secret") != "secret" || q.Get("grant_type") != "ig_exchange_token" {
			t.Errorf("unexpected query %v", q)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "long", "expires_in": 3600})
	}))
	tok, err := c.ExchangeToken(context.Background(), "short")
	if err != nil || tok.AccessToken != "long" {
		t.Fatalf("got %+v %v", tok, err)
	}
}

func TestExpiredTokenIsClassified(t *testing.T) {
	c := newTestGraph(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Session has expired","type":"OAuthException","code":190}}`))
	}))
	_, err := c.RefreshToken(context.Background(), "old")
	if KindOf(err) != KindTokenExpired {
		t.Fatalf("expected token expired, got %v", err)
	}
	ok, err := c.ValidateToken(context.Background(), "old")
	if ok || err != nil {
		t.Fatalf("validate: %v %v", ok, err)
	}
}

func TestSessionListsAndPosts(t *testing.T) {
	var posted string
	mux := http.NewServeMux()
	mux.HandleFunc("/me/media", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "2" {
			t.Errorf("limit not forwarded: %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"m1","caption":"hello","timestamp":"2025-01-01T10:00:00+0000"},{"id":"m2"}]}`))
	})
	mux.HandleFunc("/m1/comments", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_ = r.ParseForm()
			posted = r.PostForm.Get("message")
			_, _ = w.Write([]byte(`{"id":"c9"}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"c1","text":"grow please","username":"ann","timestamp":"2025-01-01T11:00:00+0000"}]}`))
	})
	c := newTestGraph(t, mux)
	s := c.Session("tok", "42")

	media, err := s.ListMedia(context.Background(), 2)
	if err != nil || len(media) != 2 || media[0].ID != "m1" || media[0].Timestamp.Hour() != 10 {
		t.Fatalf("media: %+v %v", media, err)
	}
	comments, err := s.ListComments(context.Background(), "m1")
	if err != nil || len(comments) != 1 || comments[0].Username != "ann" {
		t.Fatalf("comments: %+v %v", comments, err)
	}
	if err := s.PostComment(context.Background(), "m1", "here you go"); err != nil {
		t.Fatal(err)
	}
	if posted != "here you go" || s.UserID() != "42" {
		t.Fatalf("posted %q", posted)
	}
}
