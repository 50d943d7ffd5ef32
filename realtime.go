package chatkit

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Types
// ============================================================================

// Event and command names on the channel.
const (
	EventAuthenticated   = "authenticated"
	EventMessageReceived = "message-received"
	EventReadReceipt     = "messages-read"
	EventAck             = "ack"
	EventPong            = "pong"
	EventError           = "error"

	CommandSendMessage  = "send-message"
	CommandMessagesRead = "messages-read"
	CommandPing         = "ping"
)

// AuthenticatedPayload is the first frame the server sends after the handshake.
type AuthenticatedPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// RealtimeErrorPayload is sent when a server-side error occurs.
type RealtimeErrorPayload struct {
	Message string `json:"message"`
}

// RealtimeEnvelope is the wire format for all real-time events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the WebSocket transport.
type RealtimeConfig struct {
	Token         string
	AutoReconnect bool
	// MaxReconnectAttempts defaults to 10; negative means no limit.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	PingTimeout          time.Duration
	HTTPClient           *http.Client
	Logger               *zerolog.Logger
}

func (c *RealtimeConfig) defaults() {
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
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// RealtimeEventHandler is the generic event callback type.
type RealtimeEventHandler func(eventType string, payload json.RawMessage)

type handlerEntry[T any] struct {
	id uint64
	fn func(T)
}

type handlerSet[T any] struct {
	items []handlerEntry[T]
}

func (h *handlerSet[T]) add(id uint64, fn func(T)) {
	h.items = append(h.items, handlerEntry[T]{id: id, fn: fn})
}

func (h *handlerSet[T]) remove(id uint64) {
	for i, e := range h.items {
		if e.id == id {
			h.items = append(h.items[:i:i], h.items[i+1:]...)
			return
		}
	}
}

func (h *handlerSet[T]) snapshot() []func(T) {
	out := make([]func(T), len(h.items))
	for i, e := range h.items {
		out[i] = e.fn
	}
	return out
}

type eventDispatcher struct {
	mu              sync.RWMutex
	nextID          uint64
	generic         map[string]*handlerSet[RealtimeEnvelope]
	onAuthenticated handlerSet[AuthenticatedPayload]
	onMessage       handlerSet[Message]
	onRead          handlerSet[ReadReceipt]
	onError         handlerSet[RealtimeErrorPayload]
	onState         handlerSet[RealtimeState]
	onConnected     []func()
	onDisconnected  []func(int, string)
	onReconnecting  []func(int, time.Duration)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		generic: make(map[string]*handlerSet[RealtimeEnvelope]),
	}
}

func subscribe[T any](d *eventDispatcher, set *handlerSet[T], fn func(T)) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	set.add(id, fn)
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			set.remove(id)
			d.mu.Unlock()
		})
	}
}

func deliver[T any](d *eventDispatcher, set *handlerSet[T], raw json.RawMessage) {
	var p T
	if json.Unmarshal(raw, &p) != nil {
		return
	}
	d.mu.RLock()
	handlers := set.snapshot()
	d.mu.RUnlock()
	for _, h := range handlers {
		h(p)
	}
}

// dispatch runs handlers on the caller's goroutine so events are seen in
// arrival order.
func (d *eventDispatcher) dispatch(env RealtimeEnvelope) {
	switch env.Type {
	case EventAuthenticated:
		deliver(d, &d.onAuthenticated, env.Payload)
	case EventMessageReceived:
		deliver(d, &d.onMessage, env.Payload)
	case EventReadReceipt:
		deliver(d, &d.onRead, env.Payload)
	case EventError:
		deliver(d, &d.onError, env.Payload)
	}

	d.mu.RLock()
	set := d.generic[env.Type]
	var handlers []func(RealtimeEnvelope)
	if set != nil {
		handlers = set.snapshot()
	}
	d.mu.RUnlock()
	for _, h := range handlers {
		h(env)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(code, reason)
	}
}

// emitState runs state handlers asynchronously, so they may observe
// transitions out of order and should re-read State.
func (d *eventDispatcher) emitState(s RealtimeState) {
	d.mu.RLock()
	handlers := d.onState.snapshot()
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(s)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
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
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

// nextDelay returns the backoff for the next attempt and the attempt number.
func (r *reconnector) nextDelay() (time.Duration, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay, r.attempt
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}

// ============================================================================
// RealtimeWSClient
// ============================================================================

// RealtimeWSClient is the WebSocket transport with heartbeat and auto-reconnect.
// It carries events only; it never holds message state.
type RealtimeWSClient struct {
	url              string
	config           *RealtimeConfig
	log              zerolog.Logger
	conn             *websocket.Conn
	mu               sync.Mutex
	state            RealtimeState
	self             AuthenticatedPayload
	intentionalClose bool
	dispatcher       *eventDispatcher
	recon            *reconnector
	lifetime         context.Context
	cancelLife       context.CancelFunc
	cancelConn       context.CancelFunc
	reqCounter       atomic.Uint64
	pending          map[string]chan json.RawMessage
	pendingMu        sync.Mutex
}

// NewRealtimeClient creates a WebSocket transport for wsURL. Call Connect to
// open it.
func NewRealtimeClient(wsURL string, config *RealtimeConfig) *RealtimeWSClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &RealtimeWSClient{
		url:        wsURL,
		config:     &cfg,
		log:        cfg.Logger.With().Str("component", "realtime").Logger(),
		state:      StateDisconnected,
		dispatcher: newEventDispatcher(),
		recon:      newReconnector(&cfg),
		pending:    make(map[string]chan json.RawMessage),
	}
}

// OnAuthenticated registers a handler for the authenticated event.
func (ws *RealtimeWSClient) OnAuthenticated(h func(AuthenticatedPayload)) func() {
	return subscribe(ws.dispatcher, &ws.dispatcher.onAuthenticated, h)
}

// OnMessageReceived registers a handler for inbound messages.
func (ws *RealtimeWSClient) OnMessageReceived(h func(Message)) func() {
	return subscribe(ws.dispatcher, &ws.dispatcher.onMessage, h)
}

// OnMessagesRead registers a handler for read receipts.
func (ws *RealtimeWSClient) OnMessagesRead(h func(ReadReceipt)) func() {
	return subscribe(ws.dispatcher, &ws.dispatcher.onRead, h)
}

// OnError registers a handler for server errors.
func (ws *RealtimeWSClient) OnError(h func(RealtimeErrorPayload)) func() {
	return subscribe(ws.dispatcher, &ws.dispatcher.onError, h)
}

// OnStateChange registers a handler for every connection state transition.
func (ws *RealtimeWSClient) OnStateChange(h func(RealtimeState)) func() {
	return subscribe(ws.dispatcher, &ws.dispatcher.onState, h)
}

// OnConnected registers a handler for the connected meta-event.
func (ws *RealtimeWSClient) OnConnected(h func()) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onConnected = append(ws.dispatcher.onConnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (ws *RealtimeWSClient) OnDisconnected(h func(code int, reason string)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onDisconnected = append(ws.dispatcher.onDisconnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (ws *RealtimeWSClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onReconnecting = append(ws.dispatcher.onReconnecting, h)
	ws.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (ws *RealtimeWSClient) On(eventType string, h RealtimeEventHandler) func() {
	ws.dispatcher.mu.Lock()
	set := ws.dispatcher.generic[eventType]
	if set == nil {
		set = &handlerSet[RealtimeEnvelope]{}
		ws.dispatcher.generic[eventType] = set
	}
	ws.dispatcher.mu.Unlock()
	return subscribe(ws.dispatcher, set, func(env RealtimeEnvelope) { h(env.Type, env.Payload) })
}

// State returns the current connection state.
func (ws *RealtimeWSClient) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Self returns the identity the server authenticated.
func (ws *RealtimeWSClient) Self() AuthenticatedPayload {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.self
}

// Connect dials the channel and waits for the authenticated frame. ctx only
// bounds the handshake; the connection lives until Close.
func (ws *RealtimeWSClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	if ws.lifetime == nil || ws.lifetime.Err() != nil {
		ws.lifetime, ws.cancelLife = context.WithCancel(context.Background())
	}
	ws.mu.Unlock()

	return ws.connect(ctx)
}

func (ws *RealtimeWSClient) connect(ctx context.Context) error {
	header := http.Header{}
	if ws.config.Token != "" {
		header.Set("Authorization", "Bearer "+ws.config.Token)
	}

	conn, _, err := websocket.Dial(ctx, ws.url, &websocket.DialOptions{
		HTTPClient: ws.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		ws.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	// First frame must be "authenticated".
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}

	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != EventAuthenticated {
		conn.Close(websocket.StatusPolicyViolation, "expected authenticated")
		ws.setState(StateDisconnected)
		return fmt.Errorf("expected '%s', got '%s'", EventAuthenticated, env.Type)
	}
	var self AuthenticatedPayload
	_ = json.Unmarshal(env.Payload, &self)

	ws.mu.Lock()
	if ws.intentionalClose {
		ws.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return ErrConnectionClosed
	}
	connCtx, cancel := context.WithCancel(ws.lifetime)
	ws.conn = conn
	ws.self = self
	ws.state = StateConnected
	ws.cancelConn = cancel
	ws.mu.Unlock()
	ws.recon.markConnected()

	ws.log.Info().Str("user_id", self.UserID).Msg("realtime connected")
	ws.dispatcher.dispatch(env)
	ws.dispatcher.emitConnected()
	ws.dispatcher.emitState(StateConnected)

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx, conn)

	return nil
}

// Disconnect closes the connection and stops reconnecting. Requests still
// waiting for a reply fail with ErrConnectionClosed.
func (ws *RealtimeWSClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelConn != nil {
		ws.cancelConn()
		ws.cancelConn = nil
	}
	if ws.cancelLife != nil {
		ws.cancelLife()
		ws.cancelLife = nil
	}
	conn := ws.conn
	ws.conn = nil
	wasConnected := ws.state != StateDisconnected
	ws.state = StateDisconnected
	ws.mu.Unlock()

	ws.clearPending()
	ws.recon.reset()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if wasConnected {
		ws.dispatcher.emitDisconnected(int(websocket.StatusNormalClosure), "client disconnect")
		ws.dispatcher.emitState(StateDisconnected)
	}
	return err
}

// Close implements Transport.
func (ws *RealtimeWSClient) Close() error {
	return ws.Disconnect()
}

// SendMessage sends a message and waits for its ack. The request id is the
// temp id so the ack can be paired with the optimistic record. There is no
// built-in timeout; ctx decides how long to wait.
func (ws *RealtimeWSClient) SendMessage(ctx context.Context, req SendRequest) (*Ack, error) {
	raw, err := ws.request(ctx, CommandSendMessage, req, req.TempID)
	if err != nil {
		return nil, err
	}
	var ack Ack
	if err := json.Unmarshal(raw, &ack); err != nil {
		return nil, fmt.Errorf("decode ack: %w", err)
	}
	return &ack, nil
}

// EmitMessagesRead tells the server the reader has seen the conversation.
func (ws *RealtimeWSClient) EmitMessagesRead(ctx context.Context, receipt ReadReceipt) error {
	return ws.Send(ctx, &RealtimeCommand{Type: CommandMessagesRead, Payload: receipt})
}

// Send sends a raw command over the WebSocket.
func (ws *RealtimeWSClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for pong.
func (ws *RealtimeWSClient) Ping(ctx context.Context) (*PongPayload, error) {
	requestID := fmt.Sprintf("ping-%d", ws.reqCounter.Add(1))

	ctx, cancel := context.WithTimeout(ctx, ws.config.PingTimeout)
	defer cancel()

	raw, err := ws.request(ctx, CommandPing, PongPayload{RequestID: requestID}, requestID)
	if err != nil {
		return nil, err
	}
	var pong PongPayload
	if err := json.Unmarshal(raw, &pong); err != nil {
		return nil, fmt.Errorf("decode pong: %w", err)
	}
	return &pong, nil
}

func (ws *RealtimeWSClient) request(ctx context.Context, typ string, payload interface{}, requestID string) (json.RawMessage, error) {
	ch := make(chan json.RawMessage, 1)
	ws.pendingMu.Lock()
	ws.pending[requestID] = ch
	ws.pendingMu.Unlock()

	err := ws.Send(ctx, &RealtimeCommand{Type: typ, Payload: payload, RequestID: requestID})
	if err != nil {
		ws.dropPending(requestID)
		return nil, err
	}

	select {
	case raw, ok := <-ch:
		if !ok {
			return nil, ErrConnectionClosed
		}
		return raw, nil
	case <-ctx.Done():
		ws.dropPending(requestID)
		return nil, ctx.Err()
	}
}

func (ws *RealtimeWSClient) dropPending(requestID string) {
	ws.pendingMu.Lock()
	delete(ws.pending, requestID)
	ws.pendingMu.Unlock()
}

func (ws *RealtimeWSClient) resolvePending(payload json.RawMessage) {
	var ref struct {
		RequestID string `json:"requestId"`
	}
	if json.Unmarshal(payload, &ref) != nil || ref.RequestID == "" {
		return
	}
	ws.pendingMu.Lock()
	ch, ok := ws.pending[ref.RequestID]
	if ok {
		delete(ws.pending, ref.RequestID)
	}
	ws.pendingMu.Unlock()
	if ok {
		ch <- payload
	}
}

func (ws *RealtimeWSClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			current := ws.conn == conn
			if current {
				ws.conn = nil
				ws.state = StateDisconnected
			}
			ws.mu.Unlock()
			ws.clearPending()
			if intentional {
				return
			}
			if current {
				ws.dispatcher.emitState(StateDisconnected)
			}

			ws.log.Warn().Err(err).Msg("realtime connection lost")
			ws.dispatcher.emitDisconnected(int(websocket.CloseStatus(err)), err.Error())

			if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
				ws.scheduleReconnect()
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			ws.log.Debug().Msg("malformed frame skipped")
			continue
		}

		if env.Type == EventAck || env.Type == EventPong {
			ws.resolvePending(env.Payload)
		}

		ws.dispatcher.dispatch(env)
	}
}

func (ws *RealtimeWSClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ws.State() != StateConnected {
				return
			}
			if _, err := ws.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				ws.log.Warn().Err(err).Msg("heartbeat failed")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (ws *RealtimeWSClient) scheduleReconnect() {
	for {
		ws.mu.Lock()
		life := ws.lifetime
		if ws.intentionalClose || life == nil {
			ws.mu.Unlock()
			return
		}
		ws.state = StateReconnecting
		ws.mu.Unlock()
		ws.dispatcher.emitState(StateReconnecting)

		delay, attempt := ws.recon.nextDelay()
		ws.dispatcher.emitReconnecting(attempt, delay)
		ws.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("realtime reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-life.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(life, 30*time.Second)
		err := ws.connect(ctx)
		cancel()
		if err == nil {
			return
		}
		if !ws.recon.shouldReconnect() {
			ws.log.Error().Err(err).Msg("realtime reconnect gave up")
			ws.setState(StateDisconnected)
			return
		}
	}
}

func (ws *RealtimeWSClient) setState(s RealtimeState) {
	ws.mu.Lock()
	changed := ws.state != s
	ws.state = s
	ws.mu.Unlock()
	if changed {
		ws.dispatcher.emitState(s)
	}
}

func (ws *RealtimeWSClient) clearPending() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pending {
		close(ch)
		delete(ws.pending, k)
	}
	ws.pendingMu.Unlock()
}

// wsURL converts an http(s) base URL into the channel endpoint.
func wsURL(baseURL string) string {
	u := strings.Replace(baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return strings.TrimRight(u, "/") + "/ws"
}
