package subscription

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/termsync/internal/model"
	"github.com/rickgao/termsync/internal/orderer"
	"github.com/rickgao/termsync/internal/queue"
	"github.com/rickgao/termsync/internal/terminal"
)

type commandKind int

const (
	cmdSubscribe commandKind = iota
	cmdSubscribeRetry
	cmdPacket
	cmdTick
	cmdReconnected
	cmdDisconnected
	cmdSyncFailed
	cmdRetry
	cmdStop
)

type command struct {
	kind   commandKind
	packet model.Packet
	at     time.Time
	reason string
	syncID string
	gen    uint64
	err    error
}

// account is the single owner of one account's pipeline. Every field below
// the mutex is touched only by the run goroutine.
type account struct {
	id     string
	m      *Manager
	logger *slog.Logger

	cmds  *queue.Queue[command]
	store *terminal.State
	done  chan struct{}

	mu      sync.RWMutex
	state   model.SubscriptionState
	attempt model.Attempt
	changed chan struct{}

	orderer        *orderer.Orderer
	host           string
	instanceIndex  int
	awaitingAuth   bool
	subscribeGen   uint64
	subscribeDelay time.Duration
	subscribeTimer *time.Timer
	retryTimer     *time.Timer
	lastProgress   time.Time
}

func newAccount(m *Manager, id string) *account {
	logger := m.logger.With("account", id)
	return &account{
		id:      id,
		m:       m,
		logger:  logger,
		cmds:    queue.New[command](m.cfg.QueueSize),
		store:   terminal.NewState(id, m.logger),
		done:    make(chan struct{}),
		state:   model.StateSubscribing,
		changed: make(chan struct{}),
		orderer: orderer.New(id, m.cfg.Orderer, m.logger),
	}
}

func (a *account) push(cmd command) {
	if !a.cmds.Push(cmd) {
		a.logger.Debug("dropping command for closed account", "kind", cmd.kind)
	}
}

// close asks the pipeline to stop after the commands already queued.
func (a *account) close() {
	a.cmds.Push(command{kind: cmdStop})
	a.cmds.Close()
}

func (a *account) run() {
	defer a.m.wg.Done()
	defer close(a.done)

	for {
		cmd, ok := a.cmds.Pop()
		if !ok {
			return
		}
		if !a.handle(cmd) {
			return
		}
	}
}

func (a *account) handle(cmd command) bool {
	switch cmd.kind {
	case cmdSubscribe:
		a.restartSubscribe()

	case cmdSubscribeRetry:
		if cmd.gen == a.subscribeGen && a.awaitingAuth {
			a.sendSubscribe()
		}

	case cmdPacket:
		a.packet(cmd.packet)

	case cmdTick:
		a.tick(cmd.at)

	case cmdReconnected:
		a.interrupted(cmd.reason, true)

	case cmdDisconnected:
		a.interrupted(cmd.reason, false)

	case cmdSyncFailed:
		a.syncFailed(cmd.syncID, cmd.err)

	case cmdRetry:
		if cur := a.currentAttempt(); cur.ID == cmd.syncID && cur.Status == model.AttemptFailed {
			a.startAttempt("retry after failure")
		}

	case cmdStop:
		a.stop()
		return false
	}
	return true
}

// -----------------------------------------------------------------------------
// Subscribe loop
// -----------------------------------------------------------------------------

func (a *account) restartSubscribe() {
	a.awaitingAuth = true
	a.subscribeDelay = a.m.cfg.SubscribeRetryMin
	a.sendSubscribe()
}

// sendSubscribe sends a subscribe request and schedules the next one until
// the server acknowledges with an authenticated packet.
func (a *account) sendSubscribe() {
	a.stopSubscribeTimer()
	a.subscribeGen++
	gen := a.subscribeGen

	a.m.sendAsync(model.Request{
		Type:          model.RequestSubscribe,
		AccountID:     a.id,
		InstanceIndex: a.instanceIndex,
	})

	delay := a.subscribeDelay
	a.subscribeTimer = time.AfterFunc(delay, func() {
		a.push(command{kind: cmdSubscribeRetry, gen: gen})
	})

	a.subscribeDelay *= 2
	if a.subscribeDelay > a.m.cfg.SubscribeRetryMax {
		a.subscribeDelay = a.m.cfg.SubscribeRetryMax
	}
}

func (a *account) stopSubscribe() {
	a.awaitingAuth = false
	a.subscribeGen++
	a.stopSubscribeTimer()
}

func (a *account) stopSubscribeTimer() {
	if a.subscribeTimer != nil {
		a.subscribeTimer.Stop()
		a.subscribeTimer = nil
	}
}

// -----------------------------------------------------------------------------
// Packets
// -----------------------------------------------------------------------------

func (a *account) packet(p model.Packet) {
	if a.state == model.StateUnsubscribed {
		return
	}

	if p.Type == model.PacketAuthenticated {
		a.authenticated(p)
	}

	cur := a.currentAttempt()
	if p.SyncID != "" && !p.Sequenced() && (cur.ID == "" || p.SyncID != cur.ID || !attemptLive(cur)) {
		a.m.stale.Add(1)
		a.logger.Debug("dropping packet of superseded attempt", "type", p.Type, "sync_id", p.SyncID)
		return
	}

	released, err := a.orderer.Accept(p, p.ReceivedAt)
	if err != nil {
		a.ordererError(p, err)
		return
	}

	if cur.ID != "" && p.SyncID == cur.ID {
		a.progress(p)
	}

	for _, rp := range released {
		a.apply(rp)
	}
}

func (a *account) authenticated(p model.Packet) {
	a.host = p.Host
	a.instanceIndex = p.InstanceIndex

	cur := a.currentAttempt()
	switch {
	case a.awaitingAuth:
		a.stopSubscribe()
		a.startAttempt("authenticated")
	case a.state == model.StateSynchronized:
		// The terminal restarted on the server side.
		a.startAttempt("terminal reauthenticated")
	case !attemptLive(cur):
		a.startAttempt("authenticated")
	default:
		a.logger.Debug("authenticated during attempt", "sync_id", cur.ID)
	}
}

func (a *account) ordererError(p model.Packet, err error) {
	var stall *orderer.StallError
	switch {
	case errors.As(err, &stall):
		a.m.stalls.Add(1)
		a.startAttempt("wait list overflow")
	case errors.Is(err, orderer.ErrDuplicate):
		a.m.duplicates.Add(1)
	case errors.Is(err, orderer.ErrStaleAttempt):
		a.m.stale.Add(1)
	case errors.Is(err, orderer.ErrStalled), errors.Is(err, orderer.ErrNoAttempt):
		a.m.stale.Add(1)
		a.logger.Debug("dropping packet without live attempt", "type", p.Type, "sync_id", p.SyncID)
	default:
		a.logger.Warn("orderer rejected packet", "type", p.Type, "error", err)
	}
}

func (a *account) progress(p model.Packet) {
	a.lastProgress = p.ReceivedAt
	a.m.throttler.Touch(p.SyncID)

	if p.Type != model.PacketSynchronizationStarted {
		return
	}
	a.updateAttempt(func(at *model.Attempt) {
		at.Status = model.AttemptInProgress
		at.StartSequence = p.Seq()
	})
}

// apply feeds one ordered packet to the terminal state and dispatches the
// resulting events.
func (a *account) apply(p model.Packet) {
	events, err := a.store.Apply(p)
	a.m.applied.Add(1)
	if err != nil {
		a.m.dataErrors.Add(1)
		a.logger.Warn("data error", "type", p.Type, "sync_id", p.SyncID, "error", err)
	}

	for _, ev := range events {
		a.m.dispatcher.Dispatch(ev)
		if ev.Type == model.EventSynchronized && ev.SyncID == a.currentAttempt().ID {
			a.synchronized()
		}
	}
}

func (a *account) synchronized() {
	cur := a.currentAttempt()
	a.updateAttempt(func(at *model.Attempt) { at.Status = model.AttemptCompleted })
	a.m.throttler.Complete(cur.ID)
	a.setState(model.StateSynchronized, "all substreams synchronized")

	a.logger.Info("account synchronized",
		"sync_id", cur.ID,
		"reason", cur.Reason,
		"took", a.m.now().Sub(cur.StartedAt),
	)
}

// -----------------------------------------------------------------------------
// Attempts
// -----------------------------------------------------------------------------

// startAttempt supersedes any live attempt and requests a new
// synchronization through the throttler. It is the only place attempts are
// created, so concurrent resync triggers collapse into one attempt.
func (a *account) startAttempt(reason string) {
	a.stopRetryTimer()

	prev := a.currentAttempt()
	if attemptLive(prev) {
		a.logger.Info("superseding synchronization attempt", "sync_id", prev.ID, "reason", reason)
	}

	id := uuid.NewString()
	now := a.m.now()

	a.orderer.Start(id)
	ordersFrom, dealsFrom := a.store.HistoryStart()
	a.store.BeginAttempt(id, model.AllUpdated())

	a.mu.Lock()
	a.attempt = model.Attempt{
		ID:        id,
		AccountID: a.id,
		StartedAt: now,
		Status:    model.AttemptPending,
		Reason:    reason,
	}
	a.mu.Unlock()
	a.lastProgress = now
	a.m.countResync(reason)

	switch a.state {
	case model.StateSubscribing:
		a.setState(model.StateSynchronizing, reason)
	case model.StateSynchronized:
		a.setState(model.StateResynchronizing, reason)
	}

	err := a.m.throttler.Enqueue(model.Request{
		Type:                     model.RequestSynchronize,
		AccountID:                a.id,
		InstanceIndex:            a.instanceIndex,
		Host:                     a.host,
		SyncID:                   id,
		StartingHistoryOrderTime: ordersFrom,
		StartingDealTime:         dealsFrom,
	})
	if err != nil {
		a.logger.Warn("synchronization not scheduled", "sync_id", id, "error", err)
		return
	}

	a.logger.Info("synchronization attempt started", "sync_id", id, "reason", reason)
}

// abandon drops the live attempt without starting a new one.
func (a *account) abandon(status model.AttemptStatus, reason string) {
	a.stopRetryTimer()

	cur := a.currentAttempt()
	if cur.ID == "" || cur.Status == model.AttemptCompleted || cur.Status == model.AttemptSuperseded {
		a.orderer.Reset()
		return
	}

	a.m.throttler.Cancel(a.id)
	a.orderer.Reset()
	a.updateAttempt(func(at *model.Attempt) {
		at.Status = status
		at.Reason = reason
	})
	a.logger.Info("synchronization attempt abandoned", "sync_id", cur.ID, "reason", reason)
}

// interrupted handles a lost or restored connection: the live attempt is
// dropped and the next authenticated packet starts exactly one new one.
func (a *account) interrupted(reason string, resubscribe bool) {
	if a.state == model.StateUnsubscribed {
		return
	}

	a.abandon(model.AttemptSuperseded, reason)
	if a.state == model.StateSynchronized {
		a.setState(model.StateResynchronizing, reason)
	}

	if resubscribe || !a.awaitingAuth {
		a.restartSubscribe()
	}
}

func (a *account) tick(now time.Time) {
	if stall := a.orderer.CheckGap(now); stall != nil {
		a.m.stalls.Add(1)
		a.startAttempt("gap timeout")
		return
	}

	cur := a.currentAttempt()
	if !attemptLive(cur) || cur.Status == model.AttemptFailed || a.m.cfg.AttemptTimeout <= 0 {
		return
	}
	if now.Sub(a.lastProgress) > a.m.cfg.AttemptTimeout {
		a.logger.Warn("synchronization attempt timed out", "sync_id", cur.ID, "idle", now.Sub(a.lastProgress))
		a.startAttempt("attempt timeout")
	}
}

// syncFailed keeps the account in its current state and retries after the
// cooldown. Failures of superseded attempts are ignored.
func (a *account) syncFailed(syncID string, err error) {
	cur := a.currentAttempt()
	if cur.ID != syncID || !attemptLive(cur) {
		return
	}

	a.orderer.Reset()
	a.updateAttempt(func(at *model.Attempt) { at.Status = model.AttemptFailed })
	a.m.dispatcher.Dispatch(model.Event{
		Type:      model.EventSynchronizationFailed,
		AccountID: a.id,
		SyncID:    syncID,
		At:        a.m.now(),
		Err:       err,
	})
	a.logger.Warn("synchronization failed, retrying after cooldown",
		"sync_id", syncID,
		"cooldown", a.m.cfg.RetryCooldown,
		"error", err,
	)

	a.stopRetryTimer()
	a.retryTimer = time.AfterFunc(a.m.cfg.RetryCooldown, func() {
		a.push(command{kind: cmdRetry, syncID: syncID})
	})
}

func (a *account) stopRetryTimer() {
	if a.retryTimer != nil {
		a.retryTimer.Stop()
		a.retryTimer = nil
	}
}

func (a *account) stop() {
	a.stopSubscribe()
	a.abandon(model.AttemptSuperseded, "unsubscribed")
	a.m.throttler.Cancel(a.id)
	a.setState(model.StateUnsubscribed, "unsubscribe requested")
	a.m.sendAsync(model.Request{
		Type:          model.RequestUnsubscribe,
		AccountID:     a.id,
		InstanceIndex: a.instanceIndex,
	})
	a.m.dispatcher.RemoveAccount(a.id)
}

// -----------------------------------------------------------------------------
// Shared state
// -----------------------------------------------------------------------------

func attemptLive(at model.Attempt) bool {
	return at.ID != "" && (at.Status == model.AttemptPending || at.Status == model.AttemptInProgress || at.Status == model.AttemptFailed)
}

func (a *account) currentAttempt() model.Attempt {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.attempt
}

func (a *account) updateAttempt(fn func(at *model.Attempt)) {
	a.mu.Lock()
	fn(&a.attempt)
	a.mu.Unlock()
}

func (a *account) setState(state model.SubscriptionState, reason string) {
	a.mu.Lock()
	prev := a.state
	if prev == state {
		a.mu.Unlock()
		return
	}
	a.state = state
	close(a.changed)
	a.changed = make(chan struct{})
	a.mu.Unlock()

	a.logger.Info("subscription state changed", "from", prev, "to", state, "reason", reason)
	a.m.dispatcher.Dispatch(model.Event{
		Type:      model.EventStateChanged,
		AccountID: a.id,
		SyncID:    a.currentAttempt().ID,
		At:        a.m.now(),
		State:     state,
		PrevState: prev,
		Reason:    reason,
	})
}

// watch returns the current state and a channel closed on the next change.
func (a *account) watch() (model.SubscriptionState, <-chan struct{}) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state, a.changed
}

func (a *account) status() AccountStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return AccountStatus{
		AccountID:    a.id,
		State:        a.state,
		Synchronized: a.state == model.StateSynchronized,
		Attempt:      a.attempt,
		Queued:       a.cmds.Len(),
	}
}
