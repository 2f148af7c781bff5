package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/rickgao/termsync/internal/model"
)

const wireTimeFormat = "2006-01-02T15:04:05.000Z"

// GatewayStats provides statistics about the gateway.
type GatewayStats struct {
	Sockets          int
	Connected        int
	Accounts         int
	Requests         int64
	Responses        int64
	ProcessingErrors int64
	Timeouts         int64
	Packets          int64
	Dropped          int64
	Reconnects       int64
	Unknown          int64
}

// socket is one multiplexed connection and the accounts assigned to it.
type socket struct {
	id int

	mu        sync.Mutex
	client    Client        // nil while down
	up        chan struct{} // closed while client != nil
	sessionID string
	accounts  map[string]struct{}

	pendingMu sync.Mutex
	pending   map[string]chan error
}

func newSocket(id int) *socket {
	return &socket{
		id:       id,
		up:       make(chan struct{}),
		accounts: make(map[string]struct{}),
		pending:  make(map[string]chan error),
	}
}

func (s *socket) setClient(c Client) {
	s.mu.Lock()
	s.client = c
	s.sessionID = uuid.NewString()
	close(s.up)
	s.mu.Unlock()
}

func (s *socket) clearClient() {
	s.mu.Lock()
	if s.client != nil {
		s.client = nil
		s.up = make(chan struct{})
	}
	s.mu.Unlock()
}

func (s *socket) accountIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	return ids
}

func (s *socket) resolve(requestID string, err error) bool {
	s.pendingMu.Lock()
	ch, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
	}
	s.pendingMu.Unlock()

	if ok {
		ch <- err
	}
	return ok
}

func (s *socket) failPending(err error) {
	s.pendingMu.Lock()
	pending := s.pending
	s.pending = make(map[string]chan error)
	s.pendingMu.Unlock()

	for _, ch := range pending {
		ch <- err
	}
}

// Gateway multiplexes accounts over a pool of WebSocket connections. Each
// account is pinned to one socket; new sockets are opened once every
// existing one serves MaxAccountsPerSocket accounts.
type Gateway struct {
	cfg    GatewayConfig
	logger *slog.Logger

	messages chan RawMessage

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sockets  []*socket
	assigned map[string]*socket
	stopped  bool

	onReconnected  func(accountIDs []string)
	onDisconnected func(accountIDs []string)

	requests         atomic.Int64
	responses        atomic.Int64
	processingErrors atomic.Int64
	timeouts         atomic.Int64
	packets          atomic.Int64
	reconnects       atomic.Int64
	unknown          atomic.Int64
	dropped          atomic.Int64
}

// NewGateway creates a new Gateway. Sockets are opened on demand by Send.
func NewGateway(cfg GatewayConfig, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAccountsPerSocket <= 0 {
		cfg.MaxAccountsPerSocket = 100
	}
	if cfg.Application == "" {
		cfg.Application = "MetaApi"
	}

	return &Gateway{
		cfg:      cfg,
		logger:   logger,
		messages: make(chan RawMessage, cfg.MessageBufferSize),
		assigned: make(map[string]*socket),
	}
}

// OnReconnected sets the callback invoked with the accounts of a socket that
// came back after a disconnect.
func (g *Gateway) OnReconnected(fn func(accountIDs []string)) {
	g.onReconnected = fn
}

// OnDisconnected sets the callback invoked with the accounts of a socket
// that went down.
func (g *Gateway) OnDisconnected(fn func(accountIDs []string)) {
	g.onDisconnected = fn
}

// Start prepares the gateway. Must be called before Send.
func (g *Gateway) Start(ctx context.Context) error {
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.logger.Info("gateway started", "url", g.cfg.URL, "max_accounts_per_socket", g.cfg.MaxAccountsPerSocket)
	return nil
}

// Stop closes every socket and fails pending requests.
func (g *Gateway) Stop(ctx context.Context) error {
	g.logger.Info("stopping gateway")

	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return nil
	}
	g.stopped = true
	sockets := append([]*socket(nil), g.sockets...)
	g.mu.Unlock()

	if g.cancel != nil {
		g.cancel()
	}

	for _, s := range sockets {
		s.mu.Lock()
		c := s.client
		s.mu.Unlock()
		if c != nil {
			c.Close()
		}
		s.failPending(ErrGatewayStopped)
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		close(g.messages)
	case <-ctx.Done():
		g.logger.Warn("shutdown timeout, forcing close")
	}

	g.logger.Info("gateway stopped")
	return nil
}

// Messages returns synchronization payloads for the packet router.
func (g *Gateway) Messages() <-chan RawMessage {
	return g.messages
}

// Send delivers a request on the account's socket and waits for the
// matching response. A processingError reply is returned as *RequestError.
func (g *Gateway) Send(ctx context.Context, req model.Request) error {
	s, err := g.assign(req.AccountID)
	if err != nil {
		return err
	}
	if req.Type == model.RequestUnsubscribe {
		defer g.release(req.AccountID)
	}

	c, sessionID, err := g.await(ctx, s)
	if err != nil {
		return err
	}

	wire := g.wireRequest(req, sessionID)
	ch := make(chan error, 1)
	s.pendingMu.Lock()
	s.pending[wire.RequestID] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, wire.RequestID)
		s.pendingMu.Unlock()
	}()

	g.requests.Add(1)
	g.logger.Debug("sending request",
		"account", req.AccountID,
		"type", req.Type,
		"request_id", wire.RequestID,
		"socket", s.id,
	)
	if err := c.Request(wire); err != nil {
		return fmt.Errorf("send %s: %w", req.Type, err)
	}

	timer := time.NewTimer(g.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case err := <-ch:
		return err
	case <-timer.C:
		g.timeouts.Add(1)
		return fmt.Errorf("%s request %s of account %s: %w", req.Type, wire.RequestID, req.AccountID, ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-g.ctx.Done():
		return ErrGatewayStopped
	}
}

// Stats returns current statistics.
func (g *Gateway) Stats() GatewayStats {
	g.mu.Lock()
	sockets := append([]*socket(nil), g.sockets...)
	accounts := len(g.assigned)
	g.mu.Unlock()

	st := GatewayStats{
		Sockets:          len(sockets),
		Accounts:         accounts,
		Requests:         g.requests.Load(),
		Responses:        g.responses.Load(),
		ProcessingErrors: g.processingErrors.Load(),
		Timeouts:         g.timeouts.Load(),
		Packets:          g.packets.Load(),
		Reconnects:       g.reconnects.Load(),
		Unknown:          g.unknown.Load(),
		Dropped:          g.dropped.Load(),
	}
	for _, s := range sockets {
		s.mu.Lock()
		if s.client != nil {
			st.Connected++
			st.Dropped += s.client.Dropped()
			st.Unknown += s.client.Malformed()
		}
		s.mu.Unlock()
	}
	return st
}

// assign returns the account's socket, opening a new one when every
// existing socket is full.
func (g *Gateway) assign(accountID string) (*socket, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopped || g.ctx == nil {
		return nil, ErrGatewayStopped
	}
	if s, ok := g.assigned[accountID]; ok {
		return s, nil
	}

	var target *socket
	for _, s := range g.sockets {
		s.mu.Lock()
		n := len(s.accounts)
		s.mu.Unlock()
		if n < g.cfg.MaxAccountsPerSocket {
			target = s
			break
		}
	}
	if target == nil {
		target = newSocket(len(g.sockets) + 1)
		g.sockets = append(g.sockets, target)
		g.wg.Add(1)
		go g.maintain(target)
	}

	target.mu.Lock()
	target.accounts[accountID] = struct{}{}
	target.mu.Unlock()
	g.assigned[accountID] = target
	return target, nil
}

func (g *Gateway) release(accountID string) {
	g.mu.Lock()
	s, ok := g.assigned[accountID]
	delete(g.assigned, accountID)
	g.mu.Unlock()

	if ok {
		s.mu.Lock()
		delete(s.accounts, accountID)
		s.mu.Unlock()
	}
}

// await blocks until the socket is connected or ConnectTimeout passes.
func (g *Gateway) await(ctx context.Context, s *socket) (Client, string, error) {
	timer := time.NewTimer(g.cfg.ConnectTimeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		c, up, sessionID := s.client, s.up, s.sessionID
		s.mu.Unlock()
		if c != nil {
			return c, sessionID, nil
		}

		select {
		case <-up:
		case <-timer.C:
			return nil, "", fmt.Errorf("socket %d failed to connect: %w", s.id, ErrNotConnected)
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-g.ctx.Done():
			return nil, "", ErrGatewayStopped
		}
	}
}

func (g *Gateway) wireRequest(req model.Request, sessionID string) WireRequest {
	w := WireRequest{
		RequestID:     uuid.NewString(),
		Type:          string(req.Type),
		AccountID:     req.AccountID,
		Application:   g.cfg.Application,
		InstanceIndex: req.InstanceIndex,
		Host:          req.Host,
	}
	switch req.Type {
	case model.RequestSubscribe:
		w.SessionID = sessionID
	case model.RequestSynchronize:
		w.RequestID = req.SyncID
		w.StartingHistoryOrderTime = formatWireTime(req.StartingHistoryOrderTime)
		w.StartingDealTime = formatWireTime(req.StartingDealTime)
	}
	return w
}

func formatWireTime(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := t.UTC().Format(wireTimeFormat)
	return &s
}

// maintain keeps a socket connected until the gateway stops.
func (g *Gateway) maintain(s *socket) {
	defer g.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.cfg.ReconnectBaseWait
	b.MaxInterval = g.cfg.ReconnectMaxWait
	b.MaxElapsedTime = 0

	logger := g.logger.With("socket", s.id)
	connectedBefore := false

	for {
		cfg := g.cfg.Client
		cfg.URL = g.cfg.URL
		cfg.Token = g.cfg.Token
		cfg.ClientID = strconv.FormatFloat(rand.Float64(), 'f', 10, 64)

		c := NewClient(cfg, logger)
		if err := c.Connect(g.ctx); err != nil {
			c.Close()
			if g.ctx.Err() != nil {
				return
			}
			wait := b.NextBackOff()
			logger.Warn("connect failed", "error", err, "retry_in", wait)
			select {
			case <-g.ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()

		s.setClient(c)
		if connectedBefore {
			g.reconnects.Add(1)
			logger.Info("reconnected")
			if g.onReconnected != nil {
				if ids := s.accountIDs(); len(ids) > 0 {
					g.onReconnected(ids)
				}
			}
		} else {
			logger.Info("socket connected")
		}
		connectedBefore = true

		err := g.readLoop(s, c)

		s.clearClient()
		g.dropped.Add(c.Dropped())
		g.unknown.Add(c.Malformed())
		c.Close()
		s.failPending(ErrNotConnected)

		if g.ctx.Err() != nil {
			return
		}
		logger.Warn("socket disconnected", "error", err)
		if g.onDisconnected != nil {
			if ids := s.accountIDs(); len(ids) > 0 {
				g.onDisconnected(ids)
			}
		}
	}
}

// readLoop routes frames from one client until it fails.
func (g *Gateway) readLoop(s *socket, c Client) error {
	for {
		select {
		case <-g.ctx.Done():
			return g.ctx.Err()

		case <-c.Done():
			// Frames read before the failure still count
			for {
				select {
				case f := <-c.Frames():
					if !g.route(s, f) {
						return g.ctx.Err()
					}
					continue
				default:
				}
				break
			}
			return c.Err()

		case f := <-c.Frames():
			if !g.route(s, f) {
				return g.ctx.Err()
			}
		}
	}
}

// route handles one frame. It returns false once the gateway is stopping.
func (g *Gateway) route(s *socket, f Frame) bool {
	switch f.Event {
	case EventResponse:
		var resp Response
		if err := json.Unmarshal(f.Data, &resp); err != nil {
			g.unknown.Add(1)
			return true
		}
		g.responses.Add(1)
		s.resolve(resp.RequestID, nil)

	case EventProcessingError:
		reqErr := &RequestError{}
		if err := json.Unmarshal(f.Data, reqErr); err != nil {
			g.unknown.Add(1)
			return true
		}
		g.processingErrors.Add(1)
		s.resolve(reqErr.RequestID, reqErr)

	case EventSynchronization:
		g.packets.Add(1)
		raw := RawMessage{
			Data:       f.Data,
			SocketID:   s.id,
			ReceivedAt: f.ReceivedAt,
		}
		// Blocks: a dropped packet costs the account a full resynchronization.
		select {
		case g.messages <- raw:
		case <-g.ctx.Done():
			return false
		}

	default:
		g.unknown.Add(1)
		g.logger.Debug("unknown event", "socket", s.id, "event", f.Event)
	}
	return true
}
