package chatkit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Transport
// ============================================================================

// Transport is a bidirectional real-time channel. It carries events; it never
// holds message state. RealtimeWSClient is the production implementation.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	OnMessageReceived(func(Message)) (unsubscribe func())
	OnMessagesRead(func(ReadReceipt)) (unsubscribe func())
	// OnStateChange reports transitions the transport makes on its own, such
	// as a dropped connection. Handlers may run asynchronously.
	OnStateChange(func(RealtimeState)) (unsubscribe func())
	State() RealtimeState
	// SendMessage blocks until the server acks req or ctx is done.
	SendMessage(ctx context.Context, req SendRequest) (*Ack, error)
	EmitMessagesRead(ctx context.Context, receipt ReadReceipt) error
}

// Dialer builds a transport carrying the identity's credential.
type Dialer func(id Identity) Transport

// ============================================================================
// PendingSend
// ============================================================================

// PendingSend is the future for one outbound message, keyed by its temp id.
type PendingSend struct {
	TempID string

	done chan struct{}
	msg  *Message
	err  error
}

func newPendingSend(tempID string) *PendingSend {
	return &PendingSend{TempID: tempID, done: make(chan struct{})}
}

func (p *PendingSend) resolve(msg *Message, err error) {
	p.msg, p.err = msg, err
	close(p.done)
}

// Done is closed once the send is acknowledged, fails, or is discarded.
func (p *PendingSend) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the send resolves or ctx is done. On success it returns
// the confirmed message. Giving up on ctx leaves the message in sending.
func (p *PendingSend) Wait(ctx context.Context) (*Message, error) {
	select {
	case <-p.done:
		return p.msg, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ============================================================================
// ChannelAdapter
// ============================================================================

// ChannelAdapter ties one transport to the signed-in identity and turns its
// events into MessageStore mutations.
//
// Store event handlers run on the goroutine that delivered the event and must
// not call SetIdentity or Close synchronously.
type ChannelAdapter struct {
	store   *MessageStore
	dial    Dialer
	log     zerolog.Logger
	metrics *Metrics
	newID   func() string
	now     func() time.Time

	// gate is held for reading while a transport event mutates the store and
	// for writing while the session changes. Lock order is gate, then mu.
	gate    sync.RWMutex
	session atomic.Uint64

	mu        sync.Mutex
	state     RealtimeState
	identity  *Identity
	transport Transport
	unsubs    []func()

	// afterSessionCheck runs between the session check and the store
	// mutation. Tests only.
	afterSessionCheck func()
}

// AdapterOption configures a ChannelAdapter.
type AdapterOption func(*ChannelAdapter)

// WithAdapterLogger sets the adapter logger.
func WithAdapterLogger(log zerolog.Logger) AdapterOption {
	return func(a *ChannelAdapter) { a.log = log.With().Str("component", "channel-adapter").Logger() }
}

// WithAdapterMetrics attaches metrics collectors.
func WithAdapterMetrics(m *Metrics) AdapterOption {
	return func(a *ChannelAdapter) { a.metrics = m }
}

// WithTempIDGenerator replaces the temp id generator.
func WithTempIDGenerator(fn func() string) AdapterOption {
	return func(a *ChannelAdapter) { a.newID = fn }
}

// NewChannelAdapter creates a disconnected adapter writing into store.
func NewChannelAdapter(store *MessageStore, dial Dialer, opts ...AdapterOption) *ChannelAdapter {
	a := &ChannelAdapter{
		store: store,
		dial:  dial,
		log:   zerolog.Nop(),
		newID: newTempID,
		now:   time.Now,
		state: StateDisconnected,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func newTempID() string {
	return "tmp-" + uuid.NewString()
}

// State returns the adapter's connection state.
func (a *ChannelAdapter) State() RealtimeState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Identity returns the identity the channel is open for, if any.
func (a *ChannelAdapter) Identity() (Identity, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.identity == nil {
		return Identity{}, false
	}
	return *a.identity, true
}

// SetIdentity drives the connection lifecycle. nil tears the channel down and
// clears the store. A different identity replaces the channel, and the store
// is cleared when the user changes. The same identity on a connected channel
// is a no-op; on a dropped one it dials again.
func (a *ChannelAdapter) SetIdentity(ctx context.Context, id *Identity) error {
	a.gate.Lock()
	defer a.gate.Unlock()
	a.mu.Lock()
	defer a.mu.Unlock()

	if id == nil {
		if a.identity != nil {
			a.log.Info().Str("user_id", a.identity.UserID).Msg("identity cleared, closing channel")
		}
		a.teardownLocked()
		a.identity = nil
		a.store.Clear()
		return nil
	}

	if a.identity != nil && *a.identity == *id && a.state == StateConnected {
		return nil
	}

	if a.identity != nil && a.identity.UserID != id.UserID {
		a.teardownLocked()
		a.store.Clear()
	} else {
		a.teardownLocked()
	}

	cp := *id
	a.identity = &cp
	return a.connectLocked(ctx)
}

// Close tears the channel down without forgetting the store contents.
func (a *ChannelAdapter) Close() error {
	a.gate.Lock()
	defer a.gate.Unlock()
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.teardownLocked()
}

func (a *ChannelAdapter) connectLocked(ctx context.Context) error {
	a.state = StateConnecting
	session := a.session.Add(1)

	t := a.dial(*a.identity)
	a.unsubs = []func(){
		t.OnMessageReceived(func(m Message) { a.handleMessage(session, m) }),
		t.OnMessagesRead(func(r ReadReceipt) { a.handleRead(session, r) }),
		t.OnStateChange(func(RealtimeState) { a.handleTransportState(session) }),
	}
	a.transport = t

	if err := t.Connect(ctx); err != nil {
		a.log.Warn().Err(err).Str("user_id", a.identity.UserID).Msg("channel connect failed")
		a.teardownLocked()
		return fmt.Errorf("connect channel: %w", err)
	}

	a.state = StateConnected
	a.metrics.setConnected(true)
	a.log.Info().Str("user_id", a.identity.UserID).Msg("channel connected")
	return nil
}

// teardownLocked unsubscribes every handler before closing the transport, so
// no event is delivered for a stale identity. The caller holds gate and mu.
func (a *ChannelAdapter) teardownLocked() error {
	if a.transport == nil {
		a.state = StateDisconnected
		return nil
	}
	for _, unsub := range a.unsubs {
		unsub()
	}
	a.unsubs = nil

	t := a.transport
	a.transport = nil
	a.session.Add(1)
	a.state = StateDisconnected
	a.metrics.setConnected(false)

	if err := t.Close(); err != nil {
		a.log.Debug().Err(err).Msg("transport close")
		return fmt.Errorf("close channel: %w", err)
	}
	return nil
}

// applyCurrent runs fn only while session is still the live one. Teardown
// waits for fn to return, so a stale event never reaches a cleared store.
func (a *ChannelAdapter) applyCurrent(session uint64, fn func()) bool {
	a.gate.RLock()
	defer a.gate.RUnlock()
	if a.session.Load() != session {
		return false
	}
	if a.afterSessionCheck != nil {
		a.afterSessionCheck()
	}
	fn()
	return true
}

func (a *ChannelAdapter) handleMessage(session uint64, m Message) {
	a.applyCurrent(session, func() { a.store.IngestInbound(m) })
}

func (a *ChannelAdapter) handleRead(session uint64, r ReadReceipt) {
	a.applyCurrent(session, func() {
		a.metrics.incReadReceipt("inbound")
		a.store.MarkRead(r.ConversationID, r.ReaderID)
	})
}

// handleTransportState follows transitions the transport makes by itself.
// Notifications may arrive out of order, so the transport's current state is
// read rather than the reported one.
func (a *ChannelAdapter) handleTransportState(session uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session.Load() != session || a.transport == nil {
		return
	}

	var next RealtimeState
	switch a.transport.State() {
	case StateConnected:
		next = StateConnected
	case StateConnecting, StateReconnecting:
		next = StateConnecting
	default:
		next = StateDisconnected
	}
	if next == a.state {
		return
	}
	a.log.Info().Str("from", string(a.state)).Str("to", string(next)).Msg("channel state changed")
	a.state = next
	a.metrics.setConnected(next == StateConnected)
}

func (a *ChannelAdapter) snapshot() (Transport, *Identity, uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.transport == nil || a.state != StateConnected {
		return nil, nil, 0
	}
	id := *a.identity
	return a.transport, &id, a.session.Load()
}

// Send appends an optimistic message and sends it. The returned future
// resolves with the confirmed message once the server acks. On failure the
// message stays in sending and the future carries the error; retrying is up
// to the caller.
func (a *ChannelAdapter) Send(ctx context.Context, conversationID, recipientID, content string) (*PendingSend, error) {
	t, self, session := a.snapshot()
	if t == nil {
		return nil, ErrNotConnected
	}

	tempID := a.newID()
	a.store.AppendOptimistic(Message{
		TempID:         tempID,
		ConversationID: conversationID,
		SenderID:       self.UserID,
		Content:        content,
		Status:         StatusSending,
		CreatedAt:      a.now(),
	})

	p := newPendingSend(tempID)
	req := SendRequest{
		RecipientID:    recipientID,
		ConversationID: conversationID,
		Content:        content,
		TempID:         tempID,
	}
	go a.awaitAck(ctx, t, session, req, p)
	return p, nil
}

func (a *ChannelAdapter) awaitAck(ctx context.Context, t Transport, session uint64, req SendRequest, p *PendingSend) {
	ack, err := t.SendMessage(ctx, req)

	var msg *Message
	if !a.applyCurrent(session, func() { msg, err = a.settle(req, ack, err) }) {
		a.log.Debug().Str("temp_id", req.TempID).Msg("ack after teardown discarded")
		p.resolve(nil, ErrChannelClosed)
		return
	}
	p.resolve(msg, err)
}

// settle applies an ack or a send error to the store.
func (a *ChannelAdapter) settle(req SendRequest, ack *Ack, err error) (*Message, error) {
	if err == nil && (ack == nil || !ack.Success || ack.Message == nil) {
		reason := ""
		if ack != nil {
			reason = ack.Error
		}
		err = &SendError{TempID: req.TempID, Reason: reason}
	}
	if err != nil {
		a.metrics.incSendFailure()
		a.log.Warn().Err(err).Str("temp_id", req.TempID).Str("conversation", req.ConversationID).Msg("send failed")
		a.store.emit(EventMessageFailed, FailedEvent{TempID: req.TempID, ConversationID: req.ConversationID, Err: err})
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("send message: %w", err)
		}
		return nil, err
	}

	confirmed := *ack.Message
	confirmed.TempID = req.TempID
	if confirmed.ConversationID == "" {
		confirmed.ConversationID = req.ConversationID
	}
	rec, ok := a.store.Reconcile(confirmed)
	if !ok {
		// Store was cleared while the send was in flight.
		rec = confirmed
		rec.TempID = ""
		rec.Status = StatusSent
	}
	return &rec, nil
}

// MarkConversationRead tells the peer we have read the conversation and marks
// their messages read locally. It does nothing when there is nothing unread.
func (a *ChannelAdapter) MarkConversationRead(ctx context.Context, conversationID string) error {
	t, self, _ := a.snapshot()
	if t == nil {
		return ErrNotConnected
	}
	if a.store.UnreadFrom(conversationID, self.UserID) == 0 {
		return nil
	}

	receipt := ReadReceipt{ConversationID: conversationID, ReaderID: self.UserID}
	if err := t.EmitMessagesRead(ctx, receipt); err != nil {
		return fmt.Errorf("emit messages-read: %w", err)
	}
	a.metrics.incReadReceipt("outbound")
	a.store.MarkRead(conversationID, self.UserID)
	return nil
}
