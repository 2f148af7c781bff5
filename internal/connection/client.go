package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Client is one gateway socket speaking the envelope protocol.
type Client interface {
	// Connect dials the gateway with the auth query and starts reading.
	Connect(ctx context.Context) error

	// Close sends a close frame and tears the socket down.
	Close() error

	// Request writes a request envelope.
	Request(req WireRequest) error

	// Frames returns decoded envelopes in arrival order. Synchronization
	// frames are dropped when the buffer is full; responses and
	// processing errors never are.
	Frames() <-chan Frame

	// Done is closed once the socket is down. Err reports why.
	Done() <-chan struct{}
	Err() error

	IsConnected() bool
	Dropped() int64
	Malformed() int64
}

type client struct {
	cfg    ClientConfig
	logger *slog.Logger

	writeMu sync.Mutex

	frames chan Frame
	done   chan struct{}
	once   sync.Once

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	err       error

	// unix nanos of the last inbound frame, ping or pong
	lastSeen  atomic.Int64
	dropped   atomic.Int64
	malformed atomic.Int64
}

// NewClient creates a gateway socket client.
func NewClient(cfg ClientConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &client{
		cfg:    cfg,
		logger: logger,
		frames: make(chan Frame, cfg.BufferSize),
		done:   make(chan struct{}),
	}
}

// DialURL appends the authentication query parameters to the gateway URL.
func DialURL(base, token, clientID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	q := u.Query()
	q.Set("auth-token", token)
	q.Set("clientId", clientID)
	q.Set("protocol", "2")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *client) Connect(ctx context.Context) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	target, err := DialURL(c.cfg.URL, c.cfg.Token, c.cfg.ClientID)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Accept", "application/json")
	if c.cfg.ClientID != "" {
		header.Set("Client-Id", c.cfg.ClientID)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	c.touch(time.Now())

	conn.SetPingHandler(func(data string) error {
		c.touch(time.Now())
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.WriteTimeout))
	})
	conn.SetPongHandler(func(string) error {
		c.touch(time.Now())
		return nil
	})

	go c.readLoop(conn)
	if c.cfg.PingInterval > 0 {
		go c.heartbeatLoop(conn)
	}

	c.logger.Debug("gateway socket connected", "url", c.cfg.URL, "client_id", c.cfg.ClientID)
	return nil
}

func (c *client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn, connected := c.conn, c.connected
	c.mu.Unlock()

	if conn != nil && connected {
		c.writeMu.Lock()
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
	}
	c.shutdown(ErrClosed)
	return nil
}

func (c *client) Request(req WireRequest) error {
	c.mu.RLock()
	conn, connected := c.conn, c.connected
	c.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	frame, err := json.Marshal(Envelope{Event: EventRequest, Data: data})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *client) Frames() <-chan Frame { return c.frames }

func (c *client) Done() <-chan struct{} { return c.done }

func (c *client) Dropped() int64 { return c.dropped.Load() }

func (c *client) Malformed() int64 { return c.malformed.Load() }

func (c *client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

func (c *client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *client) touch(t time.Time) {
	c.lastSeen.Store(t.UnixNano())
}

func (c *client) idle(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastSeen.Load()))
}

// shutdown records the first failure and releases the connection.
func (c *client) shutdown(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.connected = false
		conn := c.conn
		c.mu.Unlock()

		close(c.done)
		if conn != nil {
			conn.Close()
		}
	})
}

func (c *client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		now := time.Now()
		c.touch(now)

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.malformed.Add(1)
			c.logger.Warn("undecodable frame", "error", err)
			continue
		}
		if env.Event == "" {
			c.malformed.Add(1)
			c.logger.Warn("frame without event")
			continue
		}

		f := Frame{Event: env.Event, Data: env.Data, ReceivedAt: now}
		if env.Event == EventSynchronization {
			select {
			case c.frames <- f:
			case <-c.done:
				return
			default:
				c.dropped.Add(1)
				c.logger.Warn("frame buffer full, dropping synchronization frame")
			}
			continue
		}

		// Pending requests wait on these.
		select {
		case c.frames <- f:
		case <-c.done:
			return
		}
	}
}

// heartbeatLoop pings the gateway and fails the socket once nothing has
// been heard for PingTimeout.
func (c *client) heartbeatLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			if idle := c.idle(now); c.cfg.PingTimeout > 0 && idle > c.cfg.PingTimeout {
				c.logger.Warn("gateway socket silent, closing",
					"idle", idle,
					"timeout", c.cfg.PingTimeout,
				)
				c.shutdown(ErrStaleConnection)
				return
			}

			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("ping failed", "error", err)
			}
		}
	}
}
