package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"finrecur/internal/eventbus"
	"finrecur/internal/recurrence"
	logx "finrecur/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"
)

type recordSink struct {
	mu    sync.Mutex
	fails int
	calls int
	got   []Message
	sent  chan Message
}

func newRecordSink(fails int) *recordSink {
	return &recordSink{fails: fails, sent: make(chan Message, 8)}
}

func (r *recordSink) Name() string { return "record" }

func (r *recordSink) Send(_ context.Context, m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.fails {
		return errors.New("sink unavailable")
	}
	r.got = append(r.got, m)
	r.sent <- m
	return nil
}

func (r *recordSink) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		QueueSize:     4,
		RatePerSec:    100,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
	}
}

func startService(t *testing.T, cfg Config, bus eventbus.Bus, sinks ...Sink) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), bus, sinks...)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitMessage(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
		return Message{}
	}
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
			return eventbus.Event{}
		}
	}
}

func TestChangeEventBecomesMessage(t *testing.T) {
	bus := eventbus.New()
	sink := newRecordSink(0)
	startService(t, testConfig(), bus, sink)

	next := time.Date(2024, 1, 6, 9, 0, 0, 0, time.UTC)
	bus.Publish(eventbus.Event{Type: eventbus.TypeRecurrenceChanged, Data: recurrence.ChangeEvent{
		SubscriptionID: 7,
		Category:       "Streaming",
		Interval:       recurrence.Daily,
		Spawned:        4,
		NextDue:        next,
	}})

	m := waitMessage(t, sink.sent)
	assert.Equal(t, int64(7), m.SubscriptionID)
	assert.Equal(t, defaultTitle, m.Title)
	assert.Contains(t, m.Text, "A subscription transaction occurred!")
	assert.Contains(t, m.Text, "added 4 entries")
	assert.Contains(t, m.Text, "06/01/2024 09:00")
}

func TestOtherEventsIgnored(t *testing.T) {
	bus := eventbus.New()
	sink := newRecordSink(0)
	startService(t, testConfig(), bus, sink)

	bus.Publish(eventbus.Event{Type: eventbus.TypeLedgerChanged, Data: recurrence.LedgerEvent{Op: "delete", ID: 1}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeRecurrenceChanged, Data: "not a change event"})

	select {
	case m := <-sink.sent:
		t.Fatalf("unexpected delivery: %+v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRetryThenSent(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	sink := newRecordSink(2)
	s := startService(t, testConfig(), bus, sink)

	require.NoError(t, s.Notify(context.Background(), Message{Text: "hello", SubscriptionID: 3}))
	waitMessage(t, sink.sent)

	e := waitEvent(t, events, eventbus.TypeNotifySent)
	ev, ok := e.Data.(Event)
	require.True(t, ok)
	assert.Equal(t, 3, ev.Attempts)
	assert.Equal(t, "record", ev.Sink)
	require.Len(t, s.Snapshot(), 1)
}

func TestGiveUpPublishesFailure(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	sink := newRecordSink(10)
	s := startService(t, testConfig(), bus, sink)

	require.NoError(t, s.Notify(context.Background(), Message{Text: "hello", SubscriptionID: 9}))

	e := waitEvent(t, events, eventbus.TypeNotifyFailed)
	ev := e.Data.(Event)
	assert.Equal(t, int64(9), ev.SubscriptionID)
	assert.Equal(t, "sink unavailable", ev.Error)
	assert.Equal(t, 3, sink.Calls())
	assert.Empty(t, s.Snapshot())
}

func TestNotifyDisabledAndStopped(t *testing.T) {
	off := New(Config{}, logx.Nop(), nil)
	assert.ErrorIs(t, off.Notify(context.Background(), Message{Text: "x"}), ErrDisabled)

	s := New(testConfig(), logx.Nop(), nil, newRecordSink(0))
	assert.ErrorIs(t, s.Notify(context.Background(), Message{Text: "x"}), ErrStopped)

	s.Start(context.Background())
	s.Stop(context.Background())
	assert.ErrorIs(t, s.Notify(context.Background(), Message{Text: "x"}), ErrStopped)
}

func TestStopDrainsQueue(t *testing.T) {
	sink := newRecordSink(0)
	s := New(testConfig(), logx.Nop(), nil, sink)
	s.Start(context.Background())
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Notify(context.Background(), Message{Text: "x", SubscriptionID: int64(i)}))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	assert.Equal(t, 3, sink.Calls())
}

func TestMessageForWithoutSpawn(t *testing.T) {
	m := MessageFor(recurrence.ChangeEvent{SubscriptionID: 1})
	assert.Equal(t, defaultText, m.Text)

	one := MessageFor(recurrence.ChangeEvent{SubscriptionID: 1, Category: "Rent", Interval: recurrence.Monthly, Spawned: 1})
	assert.Contains(t, one.Text, "added 1 entry.")
}

func TestRetryDelayBounds(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.LessOrEqual(t, d, time.Second)
		assert.Greater(t, d, time.Duration(0))
	}
	assert.GreaterOrEqual(t, retryDelay(cfg, 1), 70*time.Millisecond)
}

type fakeBot struct {
	to   tele.Recipient
	text string
	err  error
}

func (f *fakeBot) Send(to tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	f.to = to
	f.text, _ = what.(string)
	return &tele.Message{}, f.err
}

func TestTelegramSink(t *testing.T) {
	_, err := NewTelegramSink(TelegramConfig{Token: " "})
	require.Error(t, err)
	_, err = NewTelegramSink(TelegramConfig{Token: "123:abc"})
	require.Error(t, err)

	bot := &fakeBot{}
	s := &TelegramSink{bot: bot, chat: tele.ChatID(42)}
	require.NoError(t, s.Send(context.Background(), Message{Title: "T", Text: "body"}))
	assert.Equal(t, "42", bot.to.Recipient())
	assert.Equal(t, "T\nbody", bot.text)

	bot.err = errors.New("bad gateway")
	assert.Error(t, s.Send(context.Background(), Message{Text: "body"}))
}
