package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/termsync/internal/connection"
	"github.com/rickgao/termsync/internal/model"
	"github.com/rickgao/termsync/internal/subscription"
)

// Handler consumes decoded packets.
type Handler interface {
	HandlePacket(p model.Packet) error
}

// Sender issues gateway requests. Used to unsubscribe stray accounts.
type Sender interface {
	Send(ctx context.Context, req model.Request) error
}

// Tap observes every decoded packet before it is handled.
type Tap interface {
	Log(p model.Packet, raw []byte)
}

// RouterStats contains runtime statistics.
type RouterStats struct {
	MessagesReceived int64
	MessagesRouted   int64
	ParseErrors      int64
	UnknownTypes     int64
	StrayPackets     int64
	Unsubscribes     int64
	HandlerErrors    int64
}

// Router decodes raw gateway payloads and hands packets to the subscription
// manager.
type Router struct {
	cfg    RouterConfig
	logger *slog.Logger

	// Input from the gateway
	input <-chan connection.RawMessage

	handler Handler
	sender  Sender
	tap     Tap

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.Mutex
	received        int64
	routed          int64
	parseErrors     int64
	unknownTypes    int64
	strays          int64
	unsubscribes    int64
	handlerErrors   int64
	lastUnsubscribe map[string]time.Time
	lastPrune       time.Time

	now func() time.Time
}

// NewRouter creates a new packet router. sender and tap may be nil.
func NewRouter(cfg RouterConfig, input <-chan connection.RawMessage, handler Handler, sender Sender, tap Tap, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}

	return &Router{
		cfg:             cfg,
		logger:          logger,
		input:           input,
		handler:         handler,
		sender:          sender,
		tap:             tap,
		lastUnsubscribe: make(map[string]time.Time),
		now:             time.Now,
	}
}

// Start begins routing messages.
func (r *Router) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.routeLoop()

	r.logger.Info("packet router started")
	return nil
}

// Stop gracefully shuts down the router.
func (r *Router) Stop(ctx context.Context) error {
	r.logger.Info("stopping packet router")

	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("packet router stopped")
	case <-ctx.Done():
		r.logger.Warn("packet router stop timed out")
	}

	return nil
}

// Stats returns current statistics.
func (r *Router) Stats() RouterStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return RouterStats{
		MessagesReceived: r.received,
		MessagesRouted:   r.routed,
		ParseErrors:      r.parseErrors,
		UnknownTypes:     r.unknownTypes,
		StrayPackets:     r.strays,
		Unsubscribes:     r.unsubscribes,
		HandlerErrors:    r.handlerErrors,
	}
}

// routeLoop is the main routing goroutine.
func (r *Router) routeLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case raw, ok := <-r.input:
			if !ok {
				r.logger.Info("input channel closed")
				return
			}
			r.Route(raw)
		}
	}
}

// Route decodes and dispatches a single message.
func (r *Router) Route(raw connection.RawMessage) {
	r.mu.Lock()
	r.received++
	r.mu.Unlock()

	p, err := Decode(raw.Data, raw.ReceivedAt)
	if err != nil {
		r.logger.Warn("failed to decode packet", "socket", raw.SocketID, "error", err)
		r.mu.Lock()
		r.parseErrors++
		r.mu.Unlock()
		return
	}

	if !Known(p.Type) {
		// Still handled: sequenced packets of any type advance ordering.
		r.logger.Debug("unknown packet type", "type", p.Type, "account", p.AccountID)
		r.mu.Lock()
		r.unknownTypes++
		r.mu.Unlock()
	}

	if r.tap != nil {
		r.tap.Log(p, raw.Data)
	}

	err = r.handler.HandlePacket(p)
	switch {
	case err == nil:
		r.mu.Lock()
		r.routed++
		r.mu.Unlock()

	case errors.Is(err, subscription.ErrNotFound):
		r.stray(p)

	default:
		r.logger.Warn("packet rejected", "account", p.AccountID, "type", p.Type, "error", err)
		r.mu.Lock()
		r.handlerErrors++
		r.mu.Unlock()
	}
}

// stray unsubscribes an account the server still streams but nobody
// subscribed to, at most once per UnsubscribeInterval.
func (r *Router) stray(p model.Packet) {
	now := r.now()

	r.mu.Lock()
	r.strays++
	r.pruneLocked(now)
	last, seen := r.lastUnsubscribe[p.AccountID]
	send := r.sender != nil && p.Type != model.PacketDisconnected &&
		(!seen || now.Sub(last) >= r.cfg.UnsubscribeInterval)
	if send {
		r.lastUnsubscribe[p.AccountID] = now
		r.unsubscribes++
	}
	r.mu.Unlock()

	if !send {
		return
	}

	r.logger.Debug("unsubscribing stray account", "account", p.AccountID)
	req := model.Request{
		Type:          model.RequestUnsubscribe,
		AccountID:     p.AccountID,
		InstanceIndex: p.InstanceIndex,
	}
	parent := r.ctx
	if parent == nil {
		parent = context.Background()
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(parent, r.cfg.RequestTimeout)
		defer cancel()
		if err := r.sender.Send(ctx, req); err != nil {
			r.logger.Warn("failed to unsubscribe stray account", "account", req.AccountID, "error", err)
		}
	}()
}

// pruneLocked forgets unsubscribes older than UnsubscribeInterval, at most
// once per interval. Caller holds r.mu.
func (r *Router) pruneLocked(now time.Time) {
	if now.Sub(r.lastPrune) < r.cfg.UnsubscribeInterval {
		return
	}
	for id, at := range r.lastUnsubscribe {
		if now.Sub(at) >= r.cfg.UnsubscribeInterval {
			delete(r.lastUnsubscribe, id)
		}
	}
	r.lastPrune = now
}
