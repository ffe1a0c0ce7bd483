package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

type snapshotRecorder struct {
	mu    sync.Mutex
	snaps [][]models.Message
	ch    chan int
}

func newRecorder() *snapshotRecorder {
	return &snapshotRecorder{ch: make(chan int, 64)}
}

func (r *snapshotRecorder) onChange(msgs []models.Message) {
	r.mu.Lock()
	r.snaps = append(r.snaps, msgs)
	r.mu.Unlock()
	r.ch <- len(msgs)
}

func (r *snapshotRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func waitForLen(t *testing.T, ch <-chan int, want int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-ch:
			if n == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a snapshot with %d messages", want)
		}
	}
}

func TestWatcher_SubscribeDeliversImmediately(t *testing.T) {
	defer goleak.VerifyNone(t)
	w := NewWatcher(NewInMemoryStore())
	defer w.Close()
	ctx := context.Background()

	require.NoError(t, w.Append(ctx, "guest-1", visitorMsg("guest-1", "hello", time.Now())))

	rec := newRecorder()
	sub := w.Subscribe("guest-1", rec.onChange)
	defer sub.Unsubscribe()

	require.Equal(t, 1, rec.count(), "initial snapshot must be delivered before Subscribe returns")
	assert.Equal(t, "hello", rec.snaps[0][0].Text)
}

func TestWatcher_DeliversAfterEachChange(t *testing.T) {
	defer goleak.VerifyNone(t)
	w := NewWatcher(NewInMemoryStore())
	defer w.Close()
	ctx := context.Background()

	rec := newRecorder()
	sub := w.Subscribe("guest-2", rec.onChange)
	defer sub.Unsubscribe()
	waitForLen(t, rec.ch, 0)

	require.NoError(t, w.Append(ctx, "guest-2", visitorMsg("guest-2", "one", time.Now())))
	waitForLen(t, rec.ch, 1)
	require.NoError(t, w.Append(ctx, "guest-2", botMsg("two", time.Now())))
	waitForLen(t, rec.ch, 2)

	// Appends on other keys do not wake this subscriber.
	before := rec.count()
	require.NoError(t, w.Append(ctx, "guest-other", visitorMsg("guest-other", "x", time.Now())))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, rec.count())
}

func TestWatcher_UnsubscribeIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)
	w := NewWatcher(NewInMemoryStore())
	defer w.Close()
	ctx := context.Background()

	rec := newRecorder()
	sub := w.Subscribe("guest-3", rec.onChange)
	assert.Equal(t, 1, w.Subscribers("guest-3"))

	sub.Unsubscribe()
	sub.Unsubscribe()
	<-sub.Done()
	assert.Equal(t, 0, w.Subscribers("guest-3"))

	delivered := rec.count()
	require.NoError(t, w.Append(ctx, "guest-3", visitorMsg("guest-3", "late", time.Now())))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, delivered, rec.count(), "no delivery may start after Unsubscribe returns")
}

func TestWatcher_UnsubscribeFromCallback(t *testing.T) {
	defer goleak.VerifyNone(t)
	w := NewWatcher(NewInMemoryStore())
	defer w.Close()
	ctx := context.Background()

	var calls atomic.Int32
	var sub *Subscription
	ready := make(chan struct{})
	sub = w.Subscribe("guest-4", func(msgs []models.Message) {
		if calls.Add(1) == 2 {
			<-ready
			sub.Unsubscribe()
		}
	})
	close(ready)

	require.NoError(t, w.Append(ctx, "guest-4", visitorMsg("guest-4", "a", time.Now())))
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not stop after unsubscribing from its own callback")
	}
	require.NoError(t, w.Append(ctx, "guest-4", visitorMsg("guest-4", "b", time.Now())))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestWatcher_DoneWaitsForRunningDelivery(t *testing.T) {
	defer goleak.VerifyNone(t)
	w := NewWatcher(NewInMemoryStore())
	defer w.Close()
	ctx := context.Background()

	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	sub := w.Subscribe("guest-8", func([]models.Message) {
		if calls.Add(1) == 2 {
			close(entered)
			<-release
		}
	})

	require.NoError(t, w.Append(ctx, "guest-8", visitorMsg("guest-8", "a", time.Now())))
	<-entered

	// Unsubscribe returns while the delivery is still inside onChange.
	sub.Unsubscribe()
	select {
	case <-sub.Done():
		t.Fatal("Done closed while onChange was still running")
	default:
	}

	close(release)
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after the running delivery returned")
	}
	require.NoError(t, w.Append(ctx, "guest-8", visitorMsg("guest-8", "b", time.Now())))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestWatcher_NoDeliveryAfterDoneUnderConcurrentAppends(t *testing.T) {
	defer goleak.VerifyNone(t)
	w := NewWatcher(NewInMemoryStore())
	defer w.Close()
	ctx := context.Background()

	var calls atomic.Int32
	sub := w.Subscribe("guest-9", func([]models.Message) { calls.Add(1) })

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			_ = w.Append(ctx, "guest-9", visitorMsg("guest-9", "m", time.Now()))
		}
	}()

	time.Sleep(20 * time.Millisecond)
	sub.Unsubscribe()
	<-sub.Done()
	after := calls.Load()

	time.Sleep(30 * time.Millisecond)
	close(stop)
	wg.Wait()
	assert.Equal(t, after, calls.Load(), "onChange ran after Done was closed")
}

func TestWatcher_CloseStopsSubscriptions(t *testing.T) {
	defer goleak.VerifyNone(t)
	w := NewWatcher(NewInMemoryStore())

	subs := []*Subscription{
		w.Subscribe("guest-5", func([]models.Message) {}),
		w.Subscribe("guest-5", func([]models.Message) {}),
		w.Subscribe("guest-6", func([]models.Message) {}),
	}
	require.NoError(t, w.Close())
	for _, s := range subs {
		<-s.Done()
		s.Unsubscribe()
	}

	late := w.Subscribe("guest-7", func([]models.Message) { t.Error("closed watcher must not deliver") })
	<-late.Done()
}

func TestWatcher_ExposesOutbox(t *testing.T) {
	w := NewWatcher(NewInMemoryStore())
	defer w.Close()
	_, ok := w.Outbox()
	assert.True(t, ok)

	b := NewWatcher(newTestBoltStore(t))
	_, ok = b.Outbox()
	assert.False(t, ok)
}
