package connection

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (nothing received)")
	ErrTimeout         = errors.New("request timeout")
	ErrClosed          = errors.New("client closed")
	ErrGatewayStopped  = errors.New("gateway stopped")
)

// Socket event names. Every frame on the wire is an Envelope carrying one
// of these.
const (
	EventRequest         = "request"
	EventResponse        = "response"
	EventProcessingError = "processingError"
	EventSynchronization = "synchronization"
)

// Frame is one decoded envelope read from a socket.
type Frame struct {
	Event      string
	Data       json.RawMessage
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// RawMessage is a synchronization payload handed from the Gateway to the
// packet router.
type RawMessage struct {
	Data       []byte    // Envelope data, one packet
	SocketID   int       // Which socket this came from
	ReceivedAt time.Time // Local timestamp when WS Client received message
}

// Envelope is a single frame exchanged with the gateway.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// WireRequest is the payload of a "request" frame.
type WireRequest struct {
	RequestID                string  `json:"requestId"`
	Type                     string  `json:"type"`
	AccountID                string  `json:"accountId"`
	Application              string  `json:"application"`
	InstanceIndex            int     `json:"instanceIndex"`
	Host                     string  `json:"host,omitempty"`
	SessionID                string  `json:"sessionId,omitempty"`
	StartingHistoryOrderTime *string `json:"startingHistoryOrderTime,omitempty"`
	StartingDealTime         *string `json:"startingDealTime,omitempty"`
}

// Response is the payload of a "response" frame.
type Response struct {
	RequestID string `json:"requestId"`
	AccountID string `json:"accountId"`
	Type      string `json:"type,omitempty"`
}

// RequestError is a "processingError" reply to a request.
type RequestError struct {
	RequestID string          `json:"requestId"`
	Code      string          `json:"error"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details,omitempty"`
}

func (e *RequestError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // Gateway URL (e.g., wss://mt-client-api-v1.new-york.agiliumtrade.ai/ws)
	Token            string        // Sent as the auth-token query parameter
	ClientID         string        // Sent as clientId and the Client-Id header
	PingInterval     time.Duration // How often we ping the server
	PingTimeout      time.Duration // Max time without any inbound frame, ping or pong
	WriteTimeout     time.Duration // Write deadline for sends
	HandshakeTimeout time.Duration // Dial handshake deadline
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PingInterval:     30 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		BufferSize:       10000,
	}
}

// GatewayConfig configures the Gateway.
type GatewayConfig struct {
	URL                  string        // Gateway WebSocket URL
	Token                string        // Account access token
	Application          string        // Application name stamped on every request
	MaxAccountsPerSocket int           // Accounts served by one socket before another is opened
	RequestTimeout       time.Duration // Wait for a response or processingError
	ConnectTimeout       time.Duration // Wait for a socket to come up before a request fails
	ReconnectBaseWait    time.Duration // Base wait time for reconnection
	ReconnectMaxWait     time.Duration // Max wait time for reconnection
	MessageBufferSize    int           // Buffer size for output message channel
	Client               ClientConfig  // Per-socket client settings; URL, Token and ClientID are filled in
}

// DefaultGatewayConfig returns sensible defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Application:          "MetaApi",
		MaxAccountsPerSocket: 100,
		RequestTimeout:       60 * time.Second,
		ConnectTimeout:       60 * time.Second,
		ReconnectBaseWait:    1 * time.Second,
		ReconnectMaxWait:     60 * time.Second,
		MessageBufferSize:    100000,
		Client:               DefaultClientConfig(),
	}
}
