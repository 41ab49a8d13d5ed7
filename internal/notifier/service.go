package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"finrecur/internal/eventbus"
	"finrecur/internal/recurrence"
	rtsup "finrecur/internal/runtime/supervisor"
	logx "finrecur/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const (
	defaultTitle = "Subscription Notification"
	defaultText  = "A subscription transaction occurred!"
)

// Service turns recurrence changes into user messages and delivers them to
// every sink: queue + worker pool + rate limit + retry.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	sinks []Sink

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan Message
	unsub    func()
	sup      *rtsup.Supervisor
	stopDone chan struct{}

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, sinks ...Sink) *Service {
	s := &Service{
		log:   log.With(logx.String("comp", "notifier")),
		bus:   bus,
		sinks: sinks,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps limits at runtime. Sinks and the worker count stay as started.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

// SetSinks replaces the delivery targets for messages not yet sent.
func (s *Service) SetSinks(sinks ...Sink) {
	s.mu.Lock()
	s.sinks = sinks
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	s.cfg = cfg
	// Burst = rate per sec so a pass that spawns several children is not throttled one by one.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the workers and the bus consumer. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan Message, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup := s.sup
	q := s.queue
	workers := s.cfg.Workers
	var events <-chan eventbus.Event
	if s.bus != nil {
		events, s.unsub = s.bus.Subscribe(64)
	}
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			return s.workerLoop(c, q)
		})
	}
	if events != nil {
		sup.Go("consume", func(c context.Context) error {
			s.consume(c, events)
			return nil
		})
	}
	s.log.Info("notifier started", logx.Int("workers", workers), logx.Int("sinks", len(s.sinks)))
}

// Stop stops intake and drains the queue until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	unsub := s.unsub
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		if unsub != nil {
			unsub()
		}
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.unsub = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Notify queues m without blocking.
func (s *Service) Notify(ctx context.Context, m Message) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if m.At.IsZero() {
		m.At = time.Now()
	}
	select {
	case q <- m:
		return nil
	default:
		s.log.Warn("notification dropped", logx.Int64("subscription", m.SubscriptionID), logx.Err(ErrQueueFull))
		return ErrQueueFull
	}
}

// MessageFor renders a recurrence change for the user.
func MessageFor(ev recurrence.ChangeEvent) Message {
	text := defaultText
	if ev.Spawned > 0 {
		text = fmt.Sprintf("%s %s (%s) added %d %s. Next due %s.",
			defaultText, ev.Category, ev.Interval, ev.Spawned, plural(ev.Spawned, "entry", "entries"),
			ev.NextDue.Format(recurrence.Layout))
	}
	return Message{Title: defaultTitle, Text: text, SubscriptionID: ev.SubscriptionID}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// Snapshot returns recently delivered messages, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(sink, text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Sink: sink, Text: text})
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.hmu.Unlock()
}

func (s *Service) consume(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Type != eventbus.TypeRecurrenceChanged {
				continue
			}
			ev, ok := e.Data.(recurrence.ChangeEvent)
			if !ok {
				continue
			}
			if err := s.Notify(ctx, MessageFor(ev)); err != nil && !errors.Is(err, ErrStopped) {
				s.log.Debug("notify skipped", logx.Err(err))
			}
		}
	}
}

// workerLoop returns nil once the queue is closed.
func (s *Service) workerLoop(ctx context.Context, q <-chan Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-q:
			if !ok {
				return nil
			}
			s.mu.Lock()
			sinks := append([]Sink(nil), s.sinks...)
			s.mu.Unlock()
			for _, sink := range sinks {
				s.sendWithRetry(ctx, sink, m)
			}
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, sink Sink, m Message) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := sink.Send(callCtx, m)
		cancel()
		if err == nil {
			s.appendHistory(sink.Name(), m.Text)
			s.publish(eventbus.TypeNotifySent, Event{Sink: sink.Name(), SubscriptionID: m.SubscriptionID, Attempts: attempt})
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.String("sink", sink.Name()), logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if attempt == maxAttempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	s.log.Warn("notification failed", logx.String("sink", sink.Name()), logx.Int64("subscription", m.SubscriptionID), logx.Err(lastErr))
	s.publish(eventbus.TypeNotifyFailed, Event{Sink: sink.Name(), SubscriptionID: m.SubscriptionID, Attempts: maxAttempts, Error: lastErr.Error()})
}

func (s *Service) publish(typ string, ev Event) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev.At = now
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

// retryDelay is the wait before attempt+1: exponential from RetryBase, capped
// at RetryMaxDelay, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
