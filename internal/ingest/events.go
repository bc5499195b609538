package ingest

import (
	"context"
	"fmt"

	"zenflow/internal/igclient"
	"zenflow/internal/logging"
	"zenflow/internal/metrics"
	"zenflow/internal/model"
)

const DefaultMediaLimit = 10

// DiscoveryFailure reports fetches that were skipped. Events gathered before
// and after the failures are still returned alongside it.
type DiscoveryFailure struct {
	// Failed maps media id to its error. The empty key means listing media failed.
	Failed map[string]error
}

func (e *DiscoveryFailure) Error() string {
	if err, ok := e.Failed[""]; ok {
		return fmt.Sprintf("discovery: list media: %v", err)
	}
	return fmt.Sprintf("discovery: %d media skipped", len(e.Failed))
}

func (e *DiscoveryFailure) Unwrap() []error {
	out := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		out = append(out, err)
	}
	return out
}

// ListRecentMentions walks the newest limit posts and flattens their comments
// in post order, then platform order. An empty result is not an error.
func ListRecentMentions(ctx context.Context, s igclient.Session, limit int) ([]model.MentionEvent, error) {
	if limit <= 0 {
		limit = DefaultMediaLimit
	}
	media, err := s.ListMedia(ctx, limit)
	if err != nil {
		logging.Warn("discovery_media_failed", map[string]any{"ig_user_id": s.UserID(), "error": err.Error()})
		return nil, &DiscoveryFailure{Failed: map[string]error{"": err}}
	}
	var out []model.MentionEvent
	var failed map[string]error
	for _, m := range media {
		if ctx.Err() != nil {
			break
		}
		comments, err := s.ListComments(ctx, m.ID)
		if err != nil {
			logging.Warn("discovery_comments_failed", map[string]any{"ig_user_id": s.UserID(), "media_id": m.ID, "error": err.Error()})
			if failed == nil {
				failed = map[string]error{}
			}
			failed[m.ID] = err
			continue
		}
		for _, c := range comments {
			out = append(out, model.MentionEvent{
				Kind:         model.EventComment,
				SourcePostID: m.ID,
				CommentID:    c.ID,
				Commenter:    c.Username,
				Text:         c.Text,
				Timestamp:    c.Timestamp,
			})
		}
	}
	metrics.EventsDiscovered.Add(float64(len(out)))
	if failed != nil {
		return out, &DiscoveryFailure{Failed: failed}
	}
	return out, ctx.Err()
}
