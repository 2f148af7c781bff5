package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/termsync/internal/model"
)

type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) HandleEvent(_ context.Context, ev model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.ID)
	}
	return out
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func stop(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
}

func TestDispatcher_SequentialPreservesOrder(t *testing.T) {
	d := New(DefaultConfig(), nil)
	rec := &recorder{}
	d.AddListener("", rec)

	var want []string
	for i := 0; i < 50; i++ {
		id := string(rune('a' + i%26))
		want = append(want, id)
		d.Dispatch(model.Event{Type: model.EventPriceUpdated, AccountID: "acc-1", ID: id})
	}
	stop(t, d)

	assert.Equal(t, want, rec.ids())
}

func TestDispatcher_SequentialWaitsForEveryListener(t *testing.T) {
	d := New(DefaultConfig(), nil)

	var (
		mu    sync.Mutex
		trace []string
	)
	slow := ListenerFunc(func(_ context.Context, ev model.Event) error {
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		trace = append(trace, "slow:"+ev.ID)
		mu.Unlock()
		return nil
	})
	fast := ListenerFunc(func(_ context.Context, ev model.Event) error {
		mu.Lock()
		trace = append(trace, "fast:"+ev.ID)
		mu.Unlock()
		return nil
	})
	d.AddListener("acc-1", slow)
	d.AddListener("acc-1", fast)

	d.Dispatch(model.Event{AccountID: "acc-1", ID: "1"})
	d.Dispatch(model.Event{AccountID: "acc-1", ID: "2"})
	stop(t, d)

	assert.Equal(t, []string{"slow:1", "fast:1", "slow:2", "fast:2"}, trace)
}

func TestDispatcher_AccountScopedListeners(t *testing.T) {
	d := New(DefaultConfig(), nil)
	all := &recorder{}
	one := &recorder{}
	d.AddListener("", all)
	d.AddListener("acc-1", one)

	d.Dispatch(model.Event{AccountID: "acc-1", ID: "x"})
	d.Dispatch(model.Event{AccountID: "acc-2", ID: "y"})
	stop(t, d)

	assert.ElementsMatch(t, []string{"x", "y"}, all.ids())
	assert.Equal(t, []string{"x"}, one.ids())
}

func TestDispatcher_ListenerFailuresIsolated(t *testing.T) {
	d := New(DefaultConfig(), nil)
	rec := &recorder{}

	d.AddListener("", ListenerFunc(func(context.Context, model.Event) error {
		return errors.New("boom")
	}))
	d.AddListener("", ListenerFunc(func(context.Context, model.Event) error {
		panic("listener bug")
	}))
	d.AddListener("", rec)

	d.Dispatch(model.Event{AccountID: "acc-1", ID: "1"})
	d.Dispatch(model.Event{AccountID: "acc-1", ID: "2"})
	stop(t, d)

	assert.Equal(t, []string{"1", "2"}, rec.ids())
	stats := d.Stats()
	assert.Equal(t, int64(4), stats.ListenerErrors)
	assert.Equal(t, int64(2), stats.Panics)
	assert.Equal(t, int64(2), stats.Delivered)
}

func TestDispatcher_RemoveListener(t *testing.T) {
	d := New(DefaultConfig(), nil)
	rec := &recorder{}
	remove := d.AddListener("", rec)
	remove()

	d.Dispatch(model.Event{AccountID: "acc-1"})
	stop(t, d)

	assert.Equal(t, 0, rec.len())
}

func TestDispatcher_RemoveAccount(t *testing.T) {
	d := New(DefaultConfig(), nil)
	rec := &recorder{}
	d.AddListener("acc-1", rec)

	d.Dispatch(model.Event{AccountID: "acc-1", ID: "1"})
	d.RemoveAccount("acc-1")
	d.Dispatch(model.Event{AccountID: "acc-1", ID: "2"})
	stop(t, d)

	// Pending events are delivered, later ones find no listener.
	assert.Equal(t, []string{"1"}, rec.ids())
}

func TestDispatcher_Concurrent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeConcurrent
	d := New(cfg, nil)

	var count atomic.Int64
	for i := 0; i < 3; i++ {
		d.AddListener("", ListenerFunc(func(context.Context, model.Event) error {
			count.Add(1)
			return nil
		}))
	}

	for i := 0; i < 10; i++ {
		d.Dispatch(model.Event{AccountID: "acc-1"})
	}
	stop(t, d)

	assert.Equal(t, int64(30), count.Load())
	assert.Equal(t, 0, d.Stats().Lanes)
}

func TestDispatcher_SlowListenerCounted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SlowListenerThreshold = 5 * time.Millisecond
	d := New(cfg, nil)

	d.AddListener("", ListenerFunc(func(context.Context, model.Event) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	}))
	d.Dispatch(model.Event{AccountID: "acc-1"})
	stop(t, d)

	assert.Equal(t, int64(1), d.Stats().SlowListeners)
}

func TestDispatcher_DispatchAfterStop(t *testing.T) {
	d := New(DefaultConfig(), nil)
	rec := &recorder{}
	d.AddListener("", rec)
	stop(t, d)

	d.Dispatch(model.Event{AccountID: "acc-1"})
	assert.Equal(t, 0, rec.len())
}

func TestDispatcher_BacklogStats(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LaneBufferSize = 4
	d := New(cfg, nil)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	d.AddListener("", ListenerFunc(func(context.Context, model.Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}))

	for i := 0; i < 10; i++ {
		d.Dispatch(model.Event{AccountID: "acc-1"})
	}
	<-started
	require.Eventually(t, func() bool { return d.Stats().Backlog.Len == 9 }, time.Second, time.Millisecond)

	st := d.Stats()
	assert.Equal(t, 1, st.Lanes)
	assert.Greater(t, st.Backlog.Grows, 0)
	assert.GreaterOrEqual(t, st.Backlog.Capacity, 10)

	close(release)
	stop(t, d)
	assert.Equal(t, int64(10), d.Stats().Delivered)
	assert.Equal(t, 0, d.Stats().Backlog.Len)
}
