// Package igtest provides an in-memory igclient.Session for tests.
package igtest

import (
	"context"
	"sync"

	"zenflow/internal/igclient"
)

// Post is one recorded PostComment call.
type Post struct {
	MediaID string
	Text    string
}

// Session serves canned media and comments and records posts.
type Session struct {
	ID       string
	Media    []igclient.Media
	Comments map[string][]igclient.Comment

	MediaErr    error
	CommentErrs map[string]error
	PostErr     error

	mu    sync.Mutex
	posts []Post
}

func (s *Session) UserID() string { return s.ID }

func (s *Session) ListMedia(ctx context.Context, limit int) ([]igclient.Media, error) {
	if s.MediaErr != nil {
		return nil, s.MediaErr
	}
	out := s.Media
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Session) ListComments(ctx context.Context, mediaID string) ([]igclient.Comment, error) {
	if err := s.CommentErrs[mediaID]; err != nil {
		return nil, err
	}
	return s.Comments[mediaID], nil
}

func (s *Session) PostComment(ctx context.Context, mediaID, text string) error {
	if s.PostErr != nil {
		return s.PostErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posts = append(s.posts, Post{MediaID: mediaID, Text: text})
	return nil
}

// Posts returns the successful posts so far.
func (s *Session) Posts() []Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Post(nil), s.posts...)
}
