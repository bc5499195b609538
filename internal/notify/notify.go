// Package notify tells an operator when an account needs a human to re-connect it.
package notify

import (
	"context"
	"fmt"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Notice carries only generic status. Failure details stay in the logs.
type Notice struct {
	AccountID int64
	Username  string
}

func (n Notice) Text() string {
	return fmt.Sprintf("⏸ Automation paused for @%s (account %d): re-connect required.", n.Username, n.AccountID)
}

type Notifier interface {
	ReconnectRequired(ctx context.Context, n Notice) error
}

// Nop drops notices. Used when no channel is configured.
type Nop struct{}

func (Nop) ReconnectRequired(context.Context, Notice) error { return nil }

// Telegram posts notices to one chat.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

func NewTelegram(token string, chatID int64) (*Telegram, error) {
	return NewTelegramWithEndpoint(token, tgbotapi.APIEndpoint, chatID, &http.Client{})
}

// NewTelegramWithEndpoint points the bot at another API endpoint, e.g. a test server.
func NewTelegramWithEndpoint(token, endpoint string, chatID int64, hc *http.Client) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, hc)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &Telegram{bot: bot, chatID: chatID}, nil
}

func (t *Telegram) ReconnectRequired(ctx context.Context, n Notice) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, n.Text()))
	return err
}

// FromConfig returns a Telegram notifier when both token and chat are set, else Nop.
func FromConfig(token string, chatID int64) (Notifier, error) {
	if token == "" || chatID == 0 {
		return Nop{}, nil
	}
	t, err := NewTelegram(token, chatID)
	if err != nil {
		return nil, err
	}
	return t, nil
}
