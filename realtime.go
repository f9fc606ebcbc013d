package parley

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime client.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
}

// ConnState represents the connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ============================================================================
// Transport
// ============================================================================

// Transport is the abstract push channel the sync components build on: typed
// event subscription plus join/leave commands. Handler registration is keyed,
// so registering under the same key twice replaces the previous handler
// instead of double-delivering.
type Transport interface {
	OnMessageCreated(key string, h func(Message))
	OnConversationTouched(key string, h func(Conversation))
	OnStateChange(key string, h func(ConnState))
	RemoveHandler(key string)

	JoinConversation(ctx context.Context, id ConvID) error
	JoinConversations(ctx context.Context, ids []ConvID) error
	LeaveConversation(ctx context.Context, id ConvID) error
}

// ============================================================================
// Event Dispatcher
// ============================================================================

type dispatcher struct {
	mu             sync.RWMutex
	onMessage      map[string]func(Message)
	onConversation map[string]func(Conversation)
	onState        map[string]func(ConnState)
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		onMessage:      make(map[string]func(Message)),
		onConversation: make(map[string]func(Conversation)),
		onState:        make(map[string]func(ConnState)),
	}
}

// dispatch decodes an envelope and delivers it to registered handlers.
// Delivery is synchronous so that events for one conversation are applied in
// the order they arrived on the wire.
func (d *dispatcher) dispatch(env Envelope) {
	switch env.Type {
	case EventMessageCreated:
		var m Message
		if json.Unmarshal(env.Payload, &m) != nil {
			return
		}
		d.mu.RLock()
		handlers := make([]func(Message), 0, len(d.onMessage))
		for _, h := range d.onMessage {
			handlers = append(handlers, h)
		}
		d.mu.RUnlock()
		for _, h := range handlers {
			h(m)
		}
	case EventConversationTouched:
		var c Conversation
		if json.Unmarshal(env.Payload, &c) != nil {
			return
		}
		d.mu.RLock()
		handlers := make([]func(Conversation), 0, len(d.onConversation))
		for _, h := range d.onConversation {
			handlers = append(handlers, h)
		}
		d.mu.RUnlock()
		for _, h := range handlers {
			h(c)
		}
	}
}

func (d *dispatcher) emitState(s ConnState) {
	d.mu.RLock()
	handlers := make([]func(ConnState), 0, len(d.onState))
	for _, h := range d.onState {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()
	for _, h := range handlers {
		h(s)
	}
}

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

func newReconnector(config *RealtimeConfig) *reconnector {
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
	// A connection that held for a while resets the attempt budget.
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

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is the WebSocket push channel with auto-reconnect. Create
// one via Client.Realtime.
type RealtimeClient struct {
	baseURL string
	config  *RealtimeConfig
	logger  *zap.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	intentionalClose bool
	cancelFn         context.CancelFunc

	dispatcher *dispatcher
	recon      *reconnector
}

// OnMessageCreated registers a handler for new-message events under key.
func (rt *RealtimeClient) OnMessageCreated(key string, h func(Message)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onMessage[key] = h
	rt.dispatcher.mu.Unlock()
}

// OnConversationTouched registers a handler for conversation-updated events
// under key.
func (rt *RealtimeClient) OnConversationTouched(key string, h func(Conversation)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onConversation[key] = h
	rt.dispatcher.mu.Unlock()
}

// OnStateChange registers a handler for connection-state transitions under
// key.
func (rt *RealtimeClient) OnStateChange(key string, h func(ConnState)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onState[key] = h
	rt.dispatcher.mu.Unlock()
}

// RemoveHandler removes every handler registered under key. Removing an
// unknown key is a no-op.
func (rt *RealtimeClient) RemoveHandler(key string) {
	rt.dispatcher.mu.Lock()
	delete(rt.dispatcher.onMessage, key)
	delete(rt.dispatcher.onConversation, key)
	delete(rt.dispatcher.onState, key)
	rt.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (rt *RealtimeClient) State() ConnState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

func (rt *RealtimeClient) setState(s ConnState) {
	rt.mu.Lock()
	if rt.state == s {
		rt.mu.Unlock()
		return
	}
	rt.state = s
	rt.mu.Unlock()
	rt.dispatcher.emitState(s)
}

// Connect establishes the WebSocket connection. It is idempotent: when
// already connected or connecting it returns without dialing a second
// connection. On dial failure it retries with capped-exponential backoff
// (when AutoReconnect is set) and returns an error once the attempt budget is
// exhausted, leaving the client in the disconnected state.
func (rt *RealtimeClient) Connect(ctx context.Context) error {
	rt.mu.Lock()
	if rt.state == StateConnected || rt.state == StateConnecting {
		rt.mu.Unlock()
		return nil
	}
	rt.state = StateConnecting
	rt.intentionalClose = false
	rt.mu.Unlock()
	rt.dispatcher.emitState(StateConnecting)

	for {
		err := rt.dial(ctx)
		if err == nil {
			return nil
		}
		if !rt.config.AutoReconnect || !rt.recon.shouldReconnect() {
			rt.setState(StateDisconnected)
			return fmt.Errorf("realtime connect: %w", err)
		}
		delay := rt.recon.nextDelay()
		rt.logger.Warn("realtime connect failed, retrying",
			zap.Error(err),
			zap.Duration("delay", delay),
			zap.Int("attempt", rt.recon.attempt))
		select {
		case <-ctx.Done():
			rt.setState(StateDisconnected)
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (rt *RealtimeClient) dial(ctx context.Context) error {
	wsURL := strings.Replace(rt.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + rt.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	rt.mu.Lock()
	rt.conn = conn
	rt.state = StateConnected
	rt.cancelFn = cancel
	rt.mu.Unlock()
	rt.recon.markConnected()

	// Subscribers rejoin their conversation set on every transition into
	// connected; the server forgets membership across connections.
	rt.dispatcher.emitState(StateConnected)

	go rt.readLoop(connCtx, conn)
	return nil
}

// Disconnect tears down the connection and stops reconnecting. Safe to call
// when not connected.
func (rt *RealtimeClient) Disconnect() error {
	rt.mu.Lock()
	rt.intentionalClose = true
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	conn := rt.conn
	rt.conn = nil
	wasDisconnected := rt.state == StateDisconnected
	rt.state = StateDisconnected
	rt.mu.Unlock()

	rt.recon.reset()

	if conn != nil {
		err := conn.Close(websocket.StatusNormalClosure, "client disconnect")
		rt.dispatcher.emitState(StateDisconnected)
		return err
	}
	if !wasDisconnected {
		rt.dispatcher.emitState(StateDisconnected)
	}
	return nil
}

// JoinConversation asks the server to deliver push events for one
// conversation.
func (rt *RealtimeClient) JoinConversation(ctx context.Context, id ConvID) error {
	id, err := NormalizeConvID(id)
	if err != nil {
		return err
	}
	return rt.send(ctx, &Command{
		Type:    CommandJoinConversation,
		Payload: map[string]string{"conversationId": id.String()},
	})
}

// JoinConversations joins a batch of conversations in one command.
func (rt *RealtimeClient) JoinConversations(ctx context.Context, ids []ConvID) error {
	if len(ids) == 0 {
		return nil
	}
	scalars := make([]string, 0, len(ids))
	for _, id := range ids {
		norm, err := NormalizeConvID(id)
		if err != nil {
			return err
		}
		scalars = append(scalars, norm.String())
	}
	return rt.send(ctx, &Command{
		Type:    CommandJoinConversations,
		Payload: map[string][]string{"conversationIds": scalars},
	})
}

// LeaveConversation stops push delivery for one conversation.
func (rt *RealtimeClient) LeaveConversation(ctx context.Context, id ConvID) error {
	id, err := NormalizeConvID(id)
	if err != nil {
		return err
	}
	return rt.send(ctx, &Command{
		Type:    CommandLeaveConversation,
		Payload: map[string]string{"conversationId": id.String()},
	})
}

func (rt *RealtimeClient) send(ctx context.Context, cmd *Command) error {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (rt *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.mu.Lock()
			intentional := rt.intentionalClose
			if rt.conn == conn {
				rt.conn = nil
				rt.state = StateDisconnected
			}
			rt.mu.Unlock()

			if intentional {
				return
			}

			rt.logger.Warn("realtime connection lost", zap.Error(err))
			rt.dispatcher.emitState(StateDisconnected)

			if rt.config.AutoReconnect && rt.recon.shouldReconnect() {
				rt.scheduleReconnect()
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		rt.dispatcher.dispatch(env)
	}
}

func (rt *RealtimeClient) scheduleReconnect() {
	delay := rt.recon.nextDelay()
	rt.setState(StateReconnecting)
	rt.logger.Info("realtime reconnecting",
		zap.Duration("delay", delay),
		zap.Int("attempt", rt.recon.attempt))

	time.Sleep(delay)

	rt.mu.Lock()
	if rt.intentionalClose {
		rt.mu.Unlock()
		return
	}
	rt.state = StateDisconnected
	rt.mu.Unlock()

	if err := rt.Connect(context.Background()); err != nil {
		rt.logger.Error("realtime reconnect exhausted", zap.Error(err))
		rt.setState(StateDisconnected)
	}
}
