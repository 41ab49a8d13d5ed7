package notifier

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	logx "finrecur/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

// LogSink writes messages to the application log. It never fails.
type LogSink struct {
	log logx.Logger
}

func NewLogSink(log logx.Logger) *LogSink {
	return &LogSink{log: log.With(logx.String("sink", "log"))}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, m Message) error {
	s.log.Info(m.Title, logx.String("text", m.Text), logx.Int64("subscription", m.SubscriptionID))
	return nil
}

// sender is the slice of *tele.Bot the Telegram sink needs.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// TelegramSink posts messages to one chat through the Bot API. It does not
// poll for updates.
type TelegramSink struct {
	bot  sender
	chat tele.ChatID
}

func NewTelegramSink(cfg TelegramConfig) (*TelegramSink, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		Offline: true,
		Client:  &http.Client{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSink{bot: b, chat: tele.ChatID(cfg.ChatID)}, nil
}

func (s *TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text := m.Text
	if m.Title != "" {
		text = m.Title + "\n" + m.Text
	}
	_, err := s.bot.Send(s.chat, text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}
