package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// snapshotTimeout bounds the read a subscription performs before each delivery.
const snapshotTimeout = 10 * time.Second

// Watcher decorates a Store with per-conversation change subscriptions.
// Subscribers are notified after every successful Append made through the Watcher.
type Watcher struct {
	Store

	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
}

// NewWatcher wraps s.
func NewWatcher(s Store) *Watcher {
	return &Watcher{Store: s, subs: make(map[string]map[*Subscription]struct{})}
}

// Outbox returns the underlying store's outbox when the backend has one.
func (w *Watcher) Outbox() (OutboxRepo, bool) {
	ob, ok := w.Store.(OutboxRepo)
	return ob, ok
}

// Append appends through the wrapped store and then signals the key's subscribers.
func (w *Watcher) Append(ctx context.Context, sessionKey string, msg models.Message) error {
	if err := w.Store.Append(ctx, sessionKey, msg); err != nil {
		return err
	}
	w.mu.Lock()
	for sub := range w.subs[sessionKey] {
		sub.notify()
	}
	w.mu.Unlock()
	return nil
}

// Subscription is a live registration created by Watcher.Subscribe.
type Subscription struct {
	w        *Watcher
	key      string
	onChange func([]models.Message)

	signal   chan struct{}
	done     chan struct{}
	finished chan struct{}
	once     sync.Once
	stopped  atomic.Bool
}

// Subscribe delivers the current messages of sessionKey to onChange before returning, and
// again after each change until Unsubscribe. Deliveries for one subscription never overlap.
func (w *Watcher) Subscribe(sessionKey string, onChange func([]models.Message)) *Subscription {
	sub := &Subscription{
		w:        w,
		key:      sessionKey,
		onChange: onChange,
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		sub.stopped.Store(true)
		close(sub.done)
		close(sub.finished)
		return sub
	}
	if w.subs[sessionKey] == nil {
		w.subs[sessionKey] = make(map[*Subscription]struct{})
	}
	w.subs[sessionKey][sub] = struct{}{}
	w.mu.Unlock()

	sub.deliver()
	go sub.loop()
	slog.Debug("Watcher.Subscribe: subscription started", "sessionKey", sessionKey)
	return sub
}

// notify coalesces change signals; one pending signal is enough to trigger a fresh read.
func (s *Subscription) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) loop() {
	defer close(s.finished)
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
			s.deliver()
		}
	}
}

func (s *Subscription) deliver() {
	if s.stopped.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	msgs, err := s.w.Store.Read(ctx, s.key)
	cancel()
	if err != nil {
		slog.Error("Subscription.deliver: read failed", "sessionKey", s.key, "error", err)
		return
	}
	if s.stopped.Load() {
		return
	}
	s.onChange(msgs)
}

// Unsubscribe stops deliveries. It is safe to call more than once and from inside onChange.
// It does not wait: a delivery that was already under way may still reach onChange after it
// returns. Wait on Done when onChange must not run again.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.stopped.Store(true)
		s.w.mu.Lock()
		if set := s.w.subs[s.key]; set != nil {
			delete(set, s)
			if len(set) == 0 {
				delete(s.w.subs, s.key)
			}
		}
		s.w.mu.Unlock()
		close(s.done)
		slog.Debug("Subscription.Unsubscribe: subscription stopped", "sessionKey", s.key)
	})
}

// Done is closed once the subscription's delivery goroutine has exited. After Unsubscribe,
// no onChange call is running or will start once Done is closed. Do not wait on it from
// inside onChange.
func (s *Subscription) Done() <-chan struct{} {
	return s.finished
}

// Subscribers reports the number of live subscriptions for sessionKey.
func (w *Watcher) Subscribers(sessionKey string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.subs[sessionKey])
}

// Close cancels every subscription, waits for their goroutines, and closes the wrapped store.
// It must not be called from inside an onChange callback, since it waits for that callback.
func (w *Watcher) Close() error {
	w.mu.Lock()
	w.closed = true
	var all []*Subscription
	for _, set := range w.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	w.mu.Unlock()
	for _, sub := range all {
		sub.Unsubscribe()
		<-sub.finished
	}
	return w.Store.Close()
}
