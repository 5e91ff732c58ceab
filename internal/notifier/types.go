package notifier

import (
	"context"
	"time"
)

// Sender is the delivery transport.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// Config controls the async notification pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// DefaultChatID receives summaries for bots without their own chat.
	DefaultChatID int64
}

type HistoryItem struct {
	At     time.Time
	ChatID int64
	Text   string
}
