package notifier

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"

	"memorable/internal/model"
)

// Telegram posts messages to a chat through the Bot API. Recipients are
// numeric chat IDs.
type Telegram struct {
	bot *tele.Bot
}

// NewTelegram builds the bot without contacting the API; the token is
// first exercised by the first send.
func NewTelegram(cfg TelegramConfig, client *http.Client) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.Wrap(ErrNotConfigured, "telegram: token is required")
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Client:  client,
		Offline: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "telegram bot")
	}
	return &Telegram{bot: b}, nil
}

func (t *Telegram) Send(ctx context.Context, p model.Payload) error {
	id, err := strconv.ParseInt(strings.TrimSpace(p.Recipient), 10, 64)
	if err != nil {
		return errors.Wrapf(err, "telegram: chat id %q", p.Recipient)
	}
	text := p.Body
	if p.Subject != "" {
		text = p.Subject + "\n\n" + p.Body
	}

	// telebot has no context support; bound the call from outside.
	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(&tele.Chat{ID: id}, text, &tele.SendOptions{DisableWebPagePreview: true})
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return errors.Wrap(err, "telegram send")
		}
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "telegram send")
	}
}
