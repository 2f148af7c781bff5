package throttle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rickgao/termsync/internal/model"
)

// ErrStopped is returned by Enqueue after Stop.
var ErrStopped = errors.New("throttler stopped")

// Sender delivers a synchronization request to the gateway.
type Sender interface {
	Send(ctx context.Context, req model.Request) error
}

// CapFunc maps the number of subscribed accounts to the number of
// synchronizations allowed to run at once. It must be non-decreasing.
type CapFunc func(accounts int) int

// FailedError reports a request whose delivery failed MaxAttempts times.
type FailedError struct {
	AccountID string
	SyncID    string
	Attempts  int
	Err       error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("synchronize %s for account %s failed after %d attempts: %v",
		e.SyncID, e.AccountID, e.Attempts, e.Err)
}

func (e *FailedError) Unwrap() error {
	return e.Err
}

// Config configures a Throttler.
type Config struct {
	BaseConcurrency int // Cap floor
	AccountsPerSlot int // One extra slot per this many subscribed accounts
	MaxConcurrency  int // Cap ceiling, 0 = unbounded

	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	SlotTimeout   time.Duration // Free slots of attempts without progress
	CheckInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseConcurrency: 2,
		AccountsPerSlot: 10,
		MaxConcurrency:  15,
		MaxAttempts:     5,
		InitialBackoff:  time.Second,
		MaxBackoff:      30 * time.Second,
		SlotTimeout:     10 * time.Second,
		CheckInterval:   time.Second,
	}
}

// DefaultCap returns the cap function derived from cfg:
// max(BaseConcurrency, ceil(accounts/AccountsPerSlot)) clamped to MaxConcurrency.
func DefaultCap(cfg Config) CapFunc {
	return func(accounts int) int {
		limit := cfg.BaseConcurrency
		if cfg.AccountsPerSlot > 0 {
			if scaled := (accounts + cfg.AccountsPerSlot - 1) / cfg.AccountsPerSlot; scaled > limit {
				limit = scaled
			}
		}
		if cfg.MaxConcurrency > 0 && limit > cfg.MaxConcurrency {
			limit = cfg.MaxConcurrency
		}
		if limit < 1 {
			limit = 1
		}
		return limit
	}
}

// Stats contains throttler counters.
type Stats struct {
	Cap        int
	Active     int
	Queued     int
	Admitted   int64
	Completed  int64
	Failed     int64
	Superseded int64
	TimedOut   int64
	Retries    int64
}

type entry struct {
	req          model.Request
	enqueuedAt   time.Time
	startedAt    time.Time
	lastProgress time.Time
	cancel       context.CancelFunc
}

// Throttler admits synchronization requests up to a cap that grows with the
// number of subscribed accounts. Requests over the cap wait in arrival order.
type Throttler struct {
	cfg      Config
	capFunc  CapFunc
	sender   Sender
	logger   *slog.Logger
	onFailed func(req model.Request, err error)
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	accounts int
	queue    []*entry
	active   map[string]*entry // by sync id
	stopped  bool

	admitted   int64
	completed  int64
	failed     int64
	superseded int64
	timedOut   int64
	retries    int64
}

// New creates a Throttler. A nil capFunc selects DefaultCap(cfg).
func New(cfg Config, capFunc CapFunc, sender Sender, logger *slog.Logger) *Throttler {
	if logger == nil {
		logger = slog.Default()
	}
	if capFunc == nil {
		capFunc = DefaultCap(cfg)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Throttler{
		cfg:     cfg,
		capFunc: capFunc,
		sender:  sender,
		logger:  logger,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		active:  make(map[string]*entry),
	}
}

// OnFailed sets the callback invoked when a request exhausts its retries.
// The error is a *FailedError. Must be set before Start.
func (t *Throttler) OnFailed(fn func(req model.Request, err error)) {
	t.onFailed = fn
}

// Start runs the slot timeout check until ctx is cancelled or Stop is called.
func (t *Throttler) Start(ctx context.Context) {
	if t.cfg.SlotTimeout <= 0 {
		return
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		ticker := time.NewTicker(t.cfg.CheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.ctx.Done():
				return
			case <-ticker.C:
				t.CheckTimeouts(t.now())
			}
		}
	}()
}

// Stop cancels in-flight sends and waits for them to return.
func (t *Throttler) Stop(ctx context.Context) error {
	t.mu.Lock()
	t.stopped = true
	t.queue = nil
	t.mu.Unlock()

	t.cancel()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		t.logger.Warn("throttler stop timed out")
		return ctx.Err()
	}
}

// SetAccounts updates the subscribed account count the cap is derived from.
func (t *Throttler) SetAccounts(n int) {
	t.mu.Lock()
	t.accounts = n
	t.admitLocked()
	t.mu.Unlock()
}

// Cap returns the current concurrency cap.
func (t *Throttler) Cap() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.capFunc(t.accounts)
}

// Enqueue schedules a synchronize request. A queued request of the same
// account is replaced in place; an active one is superseded and its slot freed.
func (t *Throttler) Enqueue(req model.Request) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return ErrStopped
	}

	for id, e := range t.active {
		if e.req.AccountID == req.AccountID {
			e.cancel()
			delete(t.active, id)
			t.superseded++
			t.logger.Debug("superseded active synchronization",
				"account", req.AccountID, "old", id, "new", req.SyncID)
		}
	}

	now := t.now()
	replaced := false
	for i, e := range t.queue {
		if e.req.AccountID == req.AccountID {
			t.queue[i] = &entry{req: req, enqueuedAt: now}
			t.superseded++
			replaced = true
			break
		}
	}
	if !replaced {
		t.queue = append(t.queue, &entry{req: req, enqueuedAt: now})
	}

	t.admitLocked()
	return nil
}

// Touch records progress on an active attempt, postponing its slot timeout.
func (t *Throttler) Touch(syncID string) {
	t.mu.Lock()
	if e, ok := t.active[syncID]; ok {
		e.lastProgress = t.now()
	}
	t.mu.Unlock()
}

// Complete frees the slot of a finished attempt.
func (t *Throttler) Complete(syncID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.active[syncID]
	if !ok {
		return
	}
	e.cancel()
	delete(t.active, syncID)
	t.completed++
	t.logger.Debug("synchronization slot released",
		"account", e.req.AccountID, "sync_id", syncID, "held", t.now().Sub(e.startedAt))
	t.admitLocked()
}

// Cancel drops queued and active requests of an account.
func (t *Throttler) Cancel(accountID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.queue[:0]
	for _, e := range t.queue {
		if e.req.AccountID != accountID {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(t.queue); i++ {
		t.queue[i] = nil
	}
	t.queue = kept

	for id, e := range t.active {
		if e.req.AccountID == accountID {
			e.cancel()
			delete(t.active, id)
		}
	}
	t.admitLocked()
}

// CheckTimeouts frees the slots of active attempts that made no progress
// within SlotTimeout. Pending send retries of those attempts are abandoned;
// the attempt itself is left to the subscription's own timeout.
func (t *Throttler) CheckTimeouts(now time.Time) {
	if t.cfg.SlotTimeout <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	freed := false
	for id, e := range t.active {
		if now.Sub(e.lastProgress) > t.cfg.SlotTimeout {
			e.cancel()
			delete(t.active, id)
			t.timedOut++
			freed = true
			t.logger.Info("synchronization slot timed out",
				"account", e.req.AccountID,
				"sync_id", id,
				"idle", now.Sub(e.lastProgress),
			)
		}
	}
	if freed {
		t.admitLocked()
	}
}

// Active returns the sync ids currently holding a slot.
func (t *Throttler) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.active))
	for id := range t.active {
		ids = append(ids, id)
	}
	return ids
}

// Queued returns the sync ids waiting for a slot, in admission order.
func (t *Throttler) Queued() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.queue))
	for _, e := range t.queue {
		ids = append(ids, e.req.SyncID)
	}
	return ids
}

// Stats returns current counters.
func (t *Throttler) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	return Stats{
		Cap:        t.capFunc(t.accounts),
		Active:     len(t.active),
		Queued:     len(t.queue),
		Admitted:   t.admitted,
		Completed:  t.completed,
		Failed:     t.failed,
		Superseded: t.superseded,
		TimedOut:   t.timedOut,
		Retries:    t.retries,
	}
}

// admitLocked moves queued requests into free slots. Caller holds t.mu.
func (t *Throttler) admitLocked() {
	if t.stopped {
		return
	}

	limit := t.capFunc(t.accounts)
	for len(t.active) < limit && len(t.queue) > 0 {
		e := t.queue[0]
		t.queue[0] = nil
		t.queue = t.queue[1:]

		now := t.now()
		ctx, cancel := context.WithCancel(t.ctx)
		e.cancel = cancel
		e.startedAt = now
		e.lastProgress = now
		t.active[e.req.SyncID] = e
		t.admitted++

		t.logger.Debug("admitted synchronization",
			"account", e.req.AccountID,
			"sync_id", e.req.SyncID,
			"waited", now.Sub(e.enqueuedAt),
			"active", len(t.active),
			"cap", limit,
		)

		t.wg.Add(1)
		go t.send(ctx, e)
	}
}

// send delivers the request with exponential backoff.
func (t *Throttler) send(ctx context.Context, e *entry) {
	defer t.wg.Done()

	b := backoff.NewExponentialBackOff()
	if t.cfg.InitialBackoff > 0 {
		b.InitialInterval = t.cfg.InitialBackoff
	}
	if t.cfg.MaxBackoff > 0 {
		b.MaxInterval = t.cfg.MaxBackoff
	}
	b.MaxElapsedTime = 0

	var err error
	attempts := 0
	for attempts < t.cfg.MaxAttempts {
		attempts++
		if err = t.sender.Send(ctx, e.req); err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if attempts == t.cfg.MaxAttempts {
			break
		}

		t.mu.Lock()
		t.retries++
		t.mu.Unlock()

		t.logger.Warn("synchronize request failed, retrying",
			"account", e.req.AccountID,
			"sync_id", e.req.SyncID,
			"attempt", attempts,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(b.NextBackOff()):
		}
	}

	t.mu.Lock()
	if current, ok := t.active[e.req.SyncID]; ok && current == e {
		delete(t.active, e.req.SyncID)
		t.admitLocked()
	}
	t.failed++
	t.mu.Unlock()
	e.cancel()

	ferr := &FailedError{
		AccountID: e.req.AccountID,
		SyncID:    e.req.SyncID,
		Attempts:  attempts,
		Err:       err,
	}
	t.logger.Error("synchronization failed", "account", e.req.AccountID, "sync_id", e.req.SyncID, "error", err)

	if t.onFailed != nil {
		t.onFailed(e.req, ferr)
	}
}
