package engage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"zenflow/internal/igclient"
	"zenflow/internal/model"
)

// PostFailure means the reply was not delivered.
type PostFailure struct {
	PostID string
	Err    error
}

func (e *PostFailure) Error() string { return fmt.Sprintf("post reply on %s: %v", e.PostID, e.Err) }
func (e *PostFailure) Unwrap() error { return e.Err }

var errEmptyReply = errors.New("formatted reply is empty")

// Format substitutes the link placeholder in the rule script.
func Format(rule model.AutomationRule) string {
	return strings.ReplaceAll(rule.Script, model.LinkPlaceholder, rule.Link)
}

// Responder posts the formatted script under the event's source post.
type Responder struct {
	// Timeout bounds one post call. Zero leaves it to the session.
	Timeout time.Duration
}

func (r Responder) Respond(ctx context.Context, s igclient.Session, rule model.AutomationRule, ev model.MentionEvent) error {
	text := strings.TrimSpace(Format(rule))
	if text == "" {
		return &PostFailure{PostID: ev.SourcePostID, Err: errEmptyReply}
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	if err := s.PostComment(ctx, ev.SourcePostID, text); err != nil {
		return &PostFailure{PostID: ev.SourcePostID, Err: err}
	}
	return nil
}
