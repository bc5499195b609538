package engage

import (
	"context"

	"zenflow/internal/model"
)

// FilterActiveMedia drops events on posts the account has not pinned. An
// account with no pinned posts keeps every event.
func (e *Engine) FilterActiveMedia(ctx context.Context, accountID int64, events []model.MentionEvent) ([]model.MentionEvent, error) {
	ids, err := e.store.ListActiveMedia(ctx, accountID)
	if err != nil || len(ids) == 0 {
		return events, err
	}
	active := make(map[string]bool, len(ids))
	for _, id := range ids {
		active[id] = true
	}
	out := events[:0:0]
	for _, ev := range events {
		if active[ev.SourcePostID] {
			out = append(out, ev)
		}
	}
	return out, nil
}
