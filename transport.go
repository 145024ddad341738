package abaichat

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Event Names
// ============================================================================

// Inbound events pushed by the server.
const (
	EventNewMessage     = "new-message"
	EventMessageSent    = "message-sent"
	EventTyping         = "typing"
	EventUserJoined     = "user-joined"
	EventUserLeft       = "user-left"
	EventNewChat        = "new-chat"
	EventJoinedChat     = "joined-chat"
	EventLeftChat       = "left-chat"
	EventSessionAck     = "session-acknowledged"
	EventTransportError = "transport-error"
)

// Outbound events emitted by the client.
const (
	EventSendMessage = "send-message"
	EventJoinChat    = "join-chat"
	EventLeaveChat   = "leave-chat"
)

// envelope is the wire format for events in both directions.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ============================================================================
// Transport
// ============================================================================

// EventHandler receives the raw payload of a named inbound event.
type EventHandler func(data json.RawMessage)

// Transport is a persistent duplex channel to the chat namespace.
//
// Handler registration uses set semantics: registering a handler for an event
// name replaces any previous one, so re-registration after a reconnect is
// idempotent. Implementations deliver inbound events in arrival order and
// must not call handlers concurrently.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Emit(event string, payload interface{}) error
	On(event string, h EventHandler)
	OnStateChange(h func(connected bool))
	Connected() bool
}

// ============================================================================
// Configuration
// ============================================================================

// TransportConfig configures the websocket transport.
type TransportConfig struct {
	Token                string
	Namespace            string // logical namespace path, default "/chat"
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
}

func (c *TransportConfig) defaults() {
	if c.Namespace == "" {
		c.Namespace = "/chat"
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// TransportState represents the connection state.
type TransportState string

const (
	StateDisconnected TransportState = "disconnected"
	StateConnecting   TransportState = "connecting"
	StateConnected    TransportState = "connected"
	StateReconnecting TransportState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *TransportConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// WSTransport
// ============================================================================

// WSTransport implements Transport over a websocket with auto-reconnect and
// heartbeat. Inbound events are dispatched synchronously from the read loop
// so the delivery order the server chose is the order handlers observe.
type WSTransport struct {
	baseURL string
	config  *TransportConfig

	mu               sync.Mutex
	conn             *websocket.Conn
	state            TransportState
	intentionalClose bool
	cancelFn         context.CancelFunc

	handlerMu     sync.RWMutex
	handlers      map[string]EventHandler
	stateHandlers []func(bool)
}

// NewWSTransport creates a websocket transport for the chat namespace.
// Call Connect to establish the connection.
func NewWSTransport(baseURL string, config *TransportConfig) *WSTransport {
	cfg := *config
	cfg.defaults()
	return &WSTransport{
		baseURL:  strings.TrimRight(baseURL, "/"),
		config:   &cfg,
		state:    StateDisconnected,
		handlers: make(map[string]EventHandler),
	}
}

// On registers the handler for a named inbound event, replacing any previous
// registration for that name.
func (ws *WSTransport) On(event string, h EventHandler) {
	ws.handlerMu.Lock()
	ws.handlers[event] = h
	ws.handlerMu.Unlock()
}

// OnStateChange registers a handler invoked with true after each successful
// (re)connect and false after each loss of connection.
func (ws *WSTransport) OnStateChange(h func(connected bool)) {
	ws.handlerMu.Lock()
	ws.stateHandlers = append(ws.stateHandlers, h)
	ws.handlerMu.Unlock()
}

// State returns the current connection state.
func (ws *WSTransport) State() TransportState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connected reports whether the transport currently has a live connection.
func (ws *WSTransport) Connected() bool {
	return ws.State() == StateConnected
}

func (ws *WSTransport) wsURL() string {
	u := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + ws.config.Namespace + "?token=" + ws.config.Token
}

// Connect establishes the websocket connection.
func (ws *WSTransport) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, ws.wsURL(), nil)
	if err != nil {
		ws.mu.Lock()
		ws.state = StateDisconnected
		ws.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	ws.mu.Lock()
	ws.conn = conn
	ws.state = StateConnected
	ws.cancelFn = cancel
	ws.mu.Unlock()

	ws.notifyState(true)

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx, conn)

	return nil
}

// Disconnect gracefully closes the connection and disables reconnection.
func (ws *WSTransport) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	wasConnected := ws.state == StateConnected
	ws.state = StateDisconnected
	ws.mu.Unlock()

	if wasConnected {
		ws.notifyState(false)
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Emit sends a named event to the server. Fire-and-forget: no acknowledgement
// is awaited.
func (ws *WSTransport) Emit(event string, payload interface{}) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		data = b
	}
	b, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, b)
}

func (ws *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			if ws.conn == conn {
				ws.conn = nil
				ws.state = StateDisconnected
			}
			ws.mu.Unlock()

			if intentional {
				return
			}

			ws.notifyState(false)
			if ws.config.AutoReconnect {
				go ws.reconnectLoop()
			}
			return
		}

		var env envelope
		if json.Unmarshal(data, &env) != nil || env.Event == "" {
			continue
		}

		ws.handlerMu.RLock()
		h := ws.handlers[env.Event]
		ws.handlerMu.RUnlock()
		if h != nil {
			h(env.Data)
		}
	}
}

func (ws *WSTransport) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (ws *WSTransport) reconnectLoop() {
	recon := newReconnector(ws.config)
	for recon.shouldReconnect() {
		time.Sleep(recon.nextDelay())

		ws.mu.Lock()
		if ws.intentionalClose {
			ws.mu.Unlock()
			return
		}
		ws.state = StateReconnecting
		ws.mu.Unlock()

		if err := ws.Connect(context.Background()); err == nil {
			recon.markConnected()
			return
		}
	}
}

func (ws *WSTransport) notifyState(connected bool) {
	ws.handlerMu.RLock()
	handlers := append([]func(bool){}, ws.stateHandlers...)
	ws.handlerMu.RUnlock()
	for _, h := range handlers {
		h(connected)
	}
}
