package notifier

import (
	"context"
	"time"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	Telegram      TelegramConfig
}

type TelegramConfig struct {
	Enabled bool
	Token   string
	ChatID  int64
}

// Message is one user-facing notice.
type Message struct {
	Title          string
	Text           string
	SubscriptionID int64
	At             time.Time
}

// Sink delivers messages somewhere a user will see them.
type Sink interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

type HistoryItem struct {
	At   time.Time
	Sink string
	Text string
}

// Event is the payload of eventbus.TypeNotifySent and eventbus.TypeNotifyFailed.
type Event struct {
	Sink           string    `json:"sink"`
	SubscriptionID int64     `json:"subscription_id,omitempty"`
	Attempts       int       `json:"attempts"`
	At             time.Time `json:"at"`
	Error          string    `json:"error,omitempty"`
}
