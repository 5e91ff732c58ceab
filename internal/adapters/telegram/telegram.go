package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "goalbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Adapter is the telebot-backed notifier transport. Outbound-only: the bot
// never polls for updates, it just sends run summaries.
type Adapter struct {
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
		// Synchronous mode: no handler goroutines for an outbound-only bot.
		Synchronous: true,
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{log: log.With(logx.String("comp", "telegram")), bot: b}, nil
}

// SendText implements notifier.Sender.
func (a *Adapter) SendText(ctx context.Context, chatID int64, text string) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	_, err := a.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{
		DisableWebPagePreview: true,
	})
	if err != nil {
		a.log.Debug("send failed", logx.Int64("chat", chatID), logx.Err(err))
	}
	return err
}
