package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"zenflow/internal/logging"
	"zenflow/internal/metrics"
	"zenflow/internal/model"
)

// WebhookEvent is a mention event addressed to the account owning IGUserID.
type WebhookEvent struct {
	IGUserID string
	Field    string
	Event    model.MentionEvent
}

type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Time    int64  `json:"time"`
		Changes []struct {
			Field string      `json:"field"`
			Value changeValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// changeValue accepts both the comment and the mention shapes Meta sends.
type changeValue struct {
	ID        string `json:"id"`
	CommentID string `json:"comment_id"`
	MediaID   string `json:"media_id"`
	Text      string `json:"text"`
	Username  string `json:"username"`
	UserName  string `json:"user_name"`
	From      struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"from"`
	Media struct {
		ID string `json:"id"`
	} `json:"media"`
}

// ParseWebhookPayload turns a webhook body into events for the same pipeline
// polling feeds. Story and reel changes are ignored.
func ParseWebhookPayload(body []byte) ([]WebhookEvent, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("webhook payload: %w", err)
	}
	var out []WebhookEvent
	for _, e := range p.Entry {
		ts := time.Now().UTC()
		if e.Time > 0 {
			ts = time.Unix(e.Time, 0).UTC()
		}
		for _, ch := range e.Changes {
			metrics.WebhookEvents.WithLabelValues(ch.Field).Inc()
			var kind model.EventKind
			switch ch.Field {
			case "comments", "instagram_comments":
				kind = model.EventComment
			case "mentions", "instagram_mentions":
				kind = model.EventMention
			default:
				logging.Debug("webhook_field_ignored", map[string]any{"field": ch.Field, "ig_user_id": e.ID})
				continue
			}
			v := ch.Value
			ev := model.MentionEvent{
				Kind:         kind,
				SourcePostID: firstNonEmpty(v.Media.ID, v.MediaID),
				CommentID:    firstNonEmpty(v.CommentID, v.ID),
				Commenter:    firstNonEmpty(v.From.Username, v.Username, v.UserName),
				Text:         v.Text,
				Timestamp:    ts,
			}
			out = append(out, WebhookEvent{IGUserID: e.ID, Field: ch.Field, Event: ev})
		}
	}
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
