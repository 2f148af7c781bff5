package subscription

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/termsync/internal/dispatch"
	"github.com/rickgao/termsync/internal/health"
	"github.com/rickgao/termsync/internal/model"
	"github.com/rickgao/termsync/internal/orderer"
	"github.com/rickgao/termsync/internal/queue"
	"github.com/rickgao/termsync/internal/terminal"
	"github.com/rickgao/termsync/internal/throttle"
)

// Errors
var (
	ErrNotFound = errors.New("account not subscribed")
	ErrTimeout  = errors.New("timed out waiting for synchronization")
	ErrClosed   = errors.New("subscription manager closed")
)

// Sender delivers subscribe and unsubscribe requests to the gateway.
type Sender interface {
	Send(ctx context.Context, req model.Request) error
}

// Config configures a Manager.
type Config struct {
	Orderer orderer.Config

	GapCheckInterval  time.Duration // How often gaps and attempt timeouts are checked
	AttemptTimeout    time.Duration // Max time an attempt may go without progress
	RetryCooldown     time.Duration // Wait after a failed synchronization before retrying
	SubscribeRetryMin time.Duration // First subscribe retry interval
	SubscribeRetryMax time.Duration // Subscribe retry interval cap
	RequestTimeout    time.Duration // Per subscribe/unsubscribe send
	QueueSize         int           // Initial per-account command queue capacity
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Orderer:           orderer.DefaultConfig(),
		GapCheckInterval:  time.Second,
		AttemptTimeout:    5 * time.Minute,
		RetryCooldown:     10 * time.Second,
		SubscribeRetryMin: 3 * time.Second,
		SubscribeRetryMax: 5 * time.Minute,
		RequestTimeout:    10 * time.Second,
		QueueSize:         64,
	}
}

// AccountStatus summarizes one subscribed account.
type AccountStatus struct {
	AccountID    string                  `json:"accountId"`
	State        model.SubscriptionState `json:"state"`
	Synchronized bool                    `json:"synchronized"`
	Attempt      model.Attempt           `json:"attempt"`
	Queued       int                     `json:"queued"`
}

// Stats contains manager counters.
type Stats struct {
	Accounts     int
	ByState      map[model.SubscriptionState]int
	Packets      int64
	Applied      int64
	Duplicates   int64
	Stale        int64
	Stalls       int64
	DataErrors   int64
	Unknown      int64
	Attempts     int64
	SyncFailures int64
	Resyncs      map[string]int64
	Commands     queue.Stats // account command queues, summed
}

// Manager owns the subscription lifecycle of every account. Each account is
// driven by one goroutine fed through a command queue; the account map is
// only locked for structural changes.
type Manager struct {
	cfg        Config
	sender     Sender
	throttler  *throttle.Throttler
	dispatcher *dispatch.Dispatcher
	health     *health.Monitor
	logger     *slog.Logger
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	accounts map[string]*account
	closed   bool

	packets      atomic.Int64
	applied      atomic.Int64
	duplicates   atomic.Int64
	stale        atomic.Int64
	stalls       atomic.Int64
	dataErrors   atomic.Int64
	unknown      atomic.Int64
	attempts     atomic.Int64
	syncFailures atomic.Int64

	resyncMu sync.Mutex
	resyncs  map[string]int64
}

// New creates a Manager. monitor may be nil.
func New(cfg Config, sender Sender, throttler *throttle.Throttler, dispatcher *dispatch.Dispatcher, monitor *health.Monitor, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.GapCheckInterval <= 0 {
		cfg.GapCheckInterval = def.GapCheckInterval
	}
	if cfg.RetryCooldown <= 0 {
		cfg.RetryCooldown = def.RetryCooldown
	}
	if cfg.SubscribeRetryMin <= 0 {
		cfg.SubscribeRetryMin = def.SubscribeRetryMin
	}
	if cfg.SubscribeRetryMax < cfg.SubscribeRetryMin {
		cfg.SubscribeRetryMax = cfg.SubscribeRetryMin
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		sender:     sender,
		throttler:  throttler,
		dispatcher: dispatcher,
		health:     monitor,
		logger:     logger,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		accounts:   make(map[string]*account),
		resyncs:    make(map[string]int64),
	}

	throttler.OnFailed(m.syncFailed)
	if monitor != nil {
		monitor.OnSilent(func(accountID string) {
			m.push(accountID, command{kind: cmdDisconnected, reason: "heartbeats silent"})
		})
		monitor.OnResumed(func(accountID string) {
			m.push(accountID, command{kind: cmdReconnected, reason: "heartbeats resumed"})
		})
	}
	return m
}

// Start runs the periodic gap and attempt timeout check.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.cfg.GapCheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.CheckTimeouts(m.now())
			}
		}
	}()
}

// Close unsubscribes every account and waits for their pipelines to exit.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	accounts := make([]*account, 0, len(m.accounts))
	for id, a := range m.accounts {
		accounts = append(accounts, a)
		delete(m.accounts, id)
	}
	m.mu.Unlock()

	for _, a := range accounts {
		a.close()
	}

	done := make(chan struct{})
	go func() {
		for _, a := range accounts {
			<-a.done
		}
		m.cancel()
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("subscription manager closed", "accounts", len(accounts))
		return nil
	case <-ctx.Done():
		m.cancel()
		m.logger.Warn("subscription manager close timed out")
		return ctx.Err()
	}
}

// Subscribe starts mirroring an account. Subscribing twice is a no-op.
func (m *Manager) Subscribe(accountID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, ok := m.accounts[accountID]; ok {
		m.mu.Unlock()
		return nil
	}
	a := newAccount(m, accountID)
	m.accounts[accountID] = a
	n := len(m.accounts)
	m.wg.Add(1)
	go a.run()
	m.mu.Unlock()

	m.throttler.SetAccounts(n)
	if m.health != nil {
		m.health.Track(accountID)
	}
	m.dispatcher.Dispatch(model.Event{
		Type:      model.EventStateChanged,
		AccountID: accountID,
		At:        m.now(),
		State:     model.StateSubscribing,
		PrevState: model.StateUnsubscribed,
		Reason:    "subscribe requested",
	})
	a.push(command{kind: cmdSubscribe})
	return nil
}

// Unsubscribe stops mirroring an account, cancelling its attempt. It
// returns once the account pipeline has exited.
func (m *Manager) Unsubscribe(accountID string) error {
	m.mu.Lock()
	a, ok := m.accounts[accountID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.accounts, accountID)
	n := len(m.accounts)
	m.mu.Unlock()

	a.close()
	<-a.done

	m.throttler.SetAccounts(n)
	if m.health != nil {
		m.health.Remove(accountID)
	}
	return nil
}

// WaitSynchronized blocks until the account is synchronized. A zero timeout
// checks once and fails with ErrTimeout when it is not.
func (m *Manager) WaitSynchronized(ctx context.Context, accountID string, timeout time.Duration) error {
	a, err := m.account(accountID)
	if err != nil {
		return err
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		state, changed := a.watch()
		if state == model.StateSynchronized {
			return nil
		}
		if state == model.StateUnsubscribed {
			return ErrNotFound
		}
		if deadline == nil {
			return ErrTimeout
		}

		select {
		case <-changed:
		case <-deadline:
			return ErrTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// IsSynchronized reports whether the account's current attempt completed.
func (m *Manager) IsSynchronized(accountID string) bool {
	state, err := m.State(accountID)
	return err == nil && state == model.StateSynchronized
}

// State returns the subscription state of an account.
func (m *Manager) State(accountID string) (model.SubscriptionState, error) {
	a, err := m.account(accountID)
	if err != nil {
		return model.StateUnsubscribed, err
	}
	state, _ := a.watch()
	return state, nil
}

// TerminalState returns the live terminal state of an account.
func (m *Manager) TerminalState(accountID string) (*terminal.State, error) {
	a, err := m.account(accountID)
	if err != nil {
		return nil, err
	}
	return a.store, nil
}

// Account returns the status of one account.
func (m *Manager) Account(accountID string) (AccountStatus, error) {
	a, err := m.account(accountID)
	if err != nil {
		return AccountStatus{}, err
	}
	return a.status(), nil
}

// Accounts returns the status of every subscribed account, ordered by id.
func (m *Manager) Accounts() []AccountStatus {
	m.mu.RLock()
	list := make([]*account, 0, len(m.accounts))
	for _, a := range m.accounts {
		list = append(list, a)
	}
	m.mu.RUnlock()

	out := make([]AccountStatus, 0, len(list))
	for _, a := range list {
		out = append(out, a.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// AddListener registers a listener for one account, or for every account
// when accountID is empty. The returned function removes it.
func (m *Manager) AddListener(accountID string, l dispatch.Listener) func() {
	return m.dispatcher.AddListener(accountID, l)
}

// HandlePacket feeds one decoded packet into its account pipeline. Status
// and disconnect packets are also recorded by the health monitor.
func (m *Manager) HandlePacket(p model.Packet) error {
	m.packets.Add(1)
	if p.ReceivedAt.IsZero() {
		p.ReceivedAt = m.now()
	}

	m.mu.RLock()
	a, ok := m.accounts[p.AccountID]
	m.mu.RUnlock()
	if !ok {
		m.unknown.Add(1)
		m.logger.Debug("packet for unknown account", "account", p.AccountID, "type", p.Type)
		return ErrNotFound
	}

	if m.health != nil {
		switch p.Type {
		case model.PacketStatus:
			m.health.Heartbeat(p.AccountID, p.Host, p.Status, p.ReceivedAt)
		case model.PacketAuthenticated:
			m.health.Heartbeat(p.AccountID, p.Host, nil, p.ReceivedAt)
		case model.PacketDisconnected:
			m.health.Disconnected(p.AccountID, p.Host)
		}
	}

	a.push(command{kind: cmdPacket, packet: p})
	return nil
}

// OnReconnected forces a resynchronization of accounts whose transport
// connection was restored.
func (m *Manager) OnReconnected(accountIDs []string) {
	for _, id := range accountIDs {
		m.push(id, command{kind: cmdReconnected, reason: "transport reconnected"})
	}
}

// OnDisconnected invalidates the attempts of accounts whose transport
// connection dropped.
func (m *Manager) OnDisconnected(accountIDs []string) {
	for _, id := range accountIDs {
		m.push(id, command{kind: cmdDisconnected, reason: "transport disconnected"})
	}
}

// CheckTimeouts asks every account to check for stalled gaps and attempts.
func (m *Manager) CheckTimeouts(now time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.accounts {
		a.push(command{kind: cmdTick, at: now})
	}
}

// Stats returns current counters.
func (m *Manager) Stats() Stats {
	s := Stats{
		ByState:      make(map[model.SubscriptionState]int),
		Packets:      m.packets.Load(),
		Applied:      m.applied.Load(),
		Duplicates:   m.duplicates.Load(),
		Stale:        m.stale.Load(),
		Stalls:       m.stalls.Load(),
		DataErrors:   m.dataErrors.Load(),
		Unknown:      m.unknown.Load(),
		Attempts:     m.attempts.Load(),
		SyncFailures: m.syncFailures.Load(),
		Resyncs:      make(map[string]int64),
	}

	m.mu.RLock()
	s.Accounts = len(m.accounts)
	for _, a := range m.accounts {
		state, _ := a.watch()
		s.ByState[state]++
		s.Commands = s.Commands.Add(a.cmds.Stats())
	}
	m.mu.RUnlock()

	m.resyncMu.Lock()
	for k, v := range m.resyncs {
		s.Resyncs[k] = v
	}
	m.resyncMu.Unlock()
	return s
}

func (m *Manager) account(accountID string) (*account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	return a, nil
}

func (m *Manager) push(accountID string, cmd command) {
	a, err := m.account(accountID)
	if err != nil {
		return
	}
	a.push(cmd)
}

func (m *Manager) syncFailed(req model.Request, err error) {
	m.syncFailures.Add(1)
	m.push(req.AccountID, command{kind: cmdSyncFailed, syncID: req.SyncID, err: err})
}

func (m *Manager) countResync(reason string) {
	m.attempts.Add(1)
	m.resyncMu.Lock()
	m.resyncs[reason]++
	m.resyncMu.Unlock()
}

// sendAsync delivers a request without blocking the account pipeline.
func (m *Manager) sendAsync(req model.Request) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.RequestTimeout)
		defer cancel()

		if err := m.sender.Send(ctx, req); err != nil {
			m.logger.Warn("request failed",
				"account", req.AccountID,
				"type", req.Type,
				"error", err,
			)
		}
	}()
}
