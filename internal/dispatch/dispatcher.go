package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/termsync/internal/model"
	"github.com/rickgao/termsync/internal/queue"
)

// Mode selects how events reach listeners.
type Mode string

const (
	// ModeSequential delivers each account's events one at a time, in
	// emission order, to every listener before the next event.
	ModeSequential Mode = "sequential"

	// ModeConcurrent delivers events without ordering guarantees.
	ModeConcurrent Mode = "concurrent"
)

// Listener observes account events.
type Listener interface {
	HandleEvent(ctx context.Context, ev model.Event) error
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(ctx context.Context, ev model.Event) error

// HandleEvent calls f(ctx, ev).
func (f ListenerFunc) HandleEvent(ctx context.Context, ev model.Event) error {
	return f(ctx, ev)
}

// Config configures a Dispatcher.
type Config struct {
	Mode                  Mode
	SlowListenerThreshold time.Duration // Warn when a listener takes longer
	MaxConcurrency        int           // Per event, concurrent mode only
	LaneBufferSize        int           // Initial per-account queue capacity
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                  ModeSequential,
		SlowListenerThreshold: time.Second,
		MaxConcurrency:        16,
		LaneBufferSize:        64,
	}
}

// Stats contains dispatcher counters.
type Stats struct {
	Dispatched     int64
	Delivered      int64
	ListenerErrors int64
	Panics         int64
	SlowListeners  int64
	Lanes          int
	Backlog        queue.Stats // summed over lanes
}

type registration struct {
	id        int64
	accountID string // empty = all accounts
	listener  Listener
}

// delivery pairs an event with the listeners registered when it was emitted.
type delivery struct {
	ev   model.Event
	regs []*registration
}

type lane struct {
	events *queue.Queue[delivery]
}

// Dispatcher fans account events out to registered listeners. Listener
// failures are logged and counted, never returned to the emitter.
type Dispatcher struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	listeners []*registration
	lanes     map[string]*lane
	stopped   bool
	nextID    int64

	dispatched     atomic.Int64
	delivered      atomic.Int64
	listenerErrors atomic.Int64
	panics         atomic.Int64
	slow           atomic.Int64
}

// New creates a Dispatcher. Listeners receive a context that is cancelled by Stop.
func New(cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeSequential
	}
	if cfg.LaneBufferSize <= 0 {
		cfg.LaneBufferSize = DefaultConfig().LaneBufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		lanes:  make(map[string]*lane),
	}
}

// Mode returns the delivery mode.
func (d *Dispatcher) Mode() Mode {
	return d.cfg.Mode
}

// AddListener registers a listener for one account, or for all accounts when
// accountID is empty. The returned function removes it.
func (d *Dispatcher) AddListener(accountID string, l Listener) func() {
	d.mu.Lock()
	d.nextID++
	reg := &registration{id: d.nextID, accountID: accountID, listener: l}
	d.listeners = append(d.listeners, reg)
	d.mu.Unlock()

	return func() { d.removeListener(reg.id) }
}

func (d *Dispatcher) removeListener(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, reg := range d.listeners {
		if reg.id == id {
			d.listeners = append(d.listeners[:i:i], d.listeners[i+1:]...)
			return
		}
	}
}

// Dispatch queues an event for delivery. It never blocks on listeners.
func (d *Dispatcher) Dispatch(ev model.Event) {
	d.dispatched.Add(1)

	if d.cfg.Mode == ModeConcurrent {
		d.dispatchConcurrent(ev)
		return
	}

	regs := d.listenersFor(ev.AccountID)
	if len(regs) == 0 {
		return
	}
	l := d.lane(ev.AccountID)
	if l == nil || !l.events.Push(delivery{ev: ev, regs: regs}) {
		d.logger.Debug("dropping event after stop", "account", ev.AccountID, "type", ev.Type)
	}
}

// RemoveAccount drains and closes the account's lane and drops its
// account-specific listeners.
func (d *Dispatcher) RemoveAccount(accountID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if l, ok := d.lanes[accountID]; ok {
		l.events.Close()
		delete(d.lanes, accountID)
	}

	kept := d.listeners[:0:0]
	for _, reg := range d.listeners {
		if reg.accountID != accountID {
			kept = append(kept, reg)
		}
	}
	d.listeners = kept
}

// Stop closes every lane, waits for pending deliveries and cancels the
// listener context.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	d.stopped = true
	for id, l := range d.lanes {
		l.events.Close()
		delete(d.lanes, id)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("dispatcher stop timed out")
		err = ctx.Err()
	}

	d.cancel()
	return err
}

// Stats returns current counters.
func (d *Dispatcher) Stats() Stats {
	var backlog queue.Stats
	d.mu.RLock()
	lanes := len(d.lanes)
	for _, l := range d.lanes {
		backlog = backlog.Add(l.events.Stats())
	}
	d.mu.RUnlock()

	return Stats{
		Dispatched:     d.dispatched.Load(),
		Delivered:      d.delivered.Load(),
		ListenerErrors: d.listenerErrors.Load(),
		Panics:         d.panics.Load(),
		SlowListeners:  d.slow.Load(),
		Lanes:          lanes,
		Backlog:        backlog,
	}
}

// lane returns the account's lane, starting it on first use.
func (d *Dispatcher) lane(accountID string) *lane {
	d.mu.RLock()
	l, ok := d.lanes[accountID]
	stopped := d.stopped
	d.mu.RUnlock()
	if ok {
		return l
	}
	if stopped {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return nil
	}
	if l, ok := d.lanes[accountID]; ok {
		return l
	}

	l = &lane{events: queue.New[delivery](d.cfg.LaneBufferSize)}
	d.lanes[accountID] = l

	d.wg.Add(1)
	go d.runLane(l)
	return l
}

// runLane delivers one account's events in order until the lane is closed.
func (d *Dispatcher) runLane(l *lane) {
	defer d.wg.Done()

	for {
		item, ok := l.events.Pop()
		if !ok {
			return
		}
		for _, reg := range item.regs {
			d.call(reg, item.ev)
		}
	}
}

func (d *Dispatcher) dispatchConcurrent(ev model.Event) {
	regs := d.listenersFor(ev.AccountID)
	if len(regs) == 0 {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		var g errgroup.Group
		if d.cfg.MaxConcurrency > 0 {
			g.SetLimit(d.cfg.MaxConcurrency)
		}
		for _, reg := range regs {
			g.Go(func() error {
				d.call(reg, ev)
				return nil
			})
		}
		_ = g.Wait()
	}()
}

func (d *Dispatcher) listenersFor(accountID string) []*registration {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*registration, 0, len(d.listeners))
	for _, reg := range d.listeners {
		if reg.accountID == "" || reg.accountID == accountID {
			out = append(out, reg)
		}
	}
	return out
}

// call invokes one listener, isolating its failures.
func (d *Dispatcher) call(reg *registration, ev model.Event) {
	start := time.Now()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				d.panics.Add(1)
				err = fmt.Errorf("listener panic: %v", r)
			}
		}()
		return reg.listener.HandleEvent(d.ctx, ev)
	}()

	elapsed := time.Since(start)
	if d.cfg.SlowListenerThreshold > 0 && elapsed > d.cfg.SlowListenerThreshold {
		d.slow.Add(1)
		d.logger.Warn("slow listener",
			"account", ev.AccountID,
			"event", ev.Type,
			"listener", reg.id,
			"duration", elapsed,
		)
	}

	if err != nil {
		d.listenerErrors.Add(1)
		d.logger.Error("listener failed",
			"account", ev.AccountID,
			"event", ev.Type,
			"listener", reg.id,
			"error", err,
		)
		return
	}
	d.delivered.Add(1)
}
