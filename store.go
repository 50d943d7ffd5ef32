// Package chatkit is the client-side chat state layer for the campus portal.
//
// It keeps per-conversation message sequences with optimistic placeholders,
// reconciles them with server-confirmed messages, and drives a real-time
// channel whose lifecycle follows the signed-in identity.
//
// Usage:
//
//	store := chatkit.NewMessageStore(chatkit.WithStoreLogger(log))
//	client := chatkit.NewClient(token, chatkit.WithBaseURL("https://campus.example.edu"))
//	adapter := chatkit.NewChannelAdapter(store, client.Realtime(nil))
//	defer adapter.Close()
//
//	_ = adapter.SetIdentity(ctx, &identity)
//	pending, _ := adapter.Send(ctx, conv.ID, peer.ID, "hello")
//	msg, err := pending.Wait(ctx)
package chatkit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Events
// ============================================================================

// Store change events, delivered to handlers registered with On.
const (
	EventMessageLocal       = "message.local"
	EventMessageConfirmed   = "message.confirmed"
	EventMessageNew         = "message.new"
	EventMessageFailed      = "message.failed"
	EventMessagesRead       = "messages.read"
	EventConversationsOrder = "conversations.order"
)

// ConfirmedEvent is the payload of EventMessageConfirmed.
type ConfirmedEvent struct {
	TempID  string
	Message Message
	Index   int
}

// FailedEvent is the payload of EventMessageFailed.
type FailedEvent struct {
	TempID         string
	ConversationID string
	Err            error
}

// ReadEvent is the payload of EventMessagesRead.
type ReadEvent struct {
	ReadReceipt
	Changed int
}

// StoreEventHandler handles store change events.
type StoreEventHandler func(event string, payload any)

type storeEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]StoreEventHandler
}

// On registers a handler for a store event.
func (e *storeEmitter) On(event string, handler StoreEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *storeEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // a broken view must not break the store
			h(event, payload)
		}()
	}
}

type storeEvent struct {
	name    string
	payload any
}

// ============================================================================
// MessageStore
// ============================================================================

// MessageStore owns every message record. It is the only place message state
// is mutated; all operations are serialized by one mutex and never fail.
type MessageStore struct {
	storeEmitter

	mu            sync.RWMutex
	messages      map[string][]Message
	conversations map[string]*Conversation
	order         []string

	log     zerolog.Logger
	metrics *Metrics
	now     func() time.Time
}

// StoreOption configures a MessageStore.
type StoreOption func(*MessageStore)

// WithStoreLogger sets the store logger.
func WithStoreLogger(log zerolog.Logger) StoreOption {
	return func(s *MessageStore) { s.log = log.With().Str("component", "message-store").Logger() }
}

// WithStoreMetrics attaches metrics collectors.
func WithStoreMetrics(m *Metrics) StoreOption {
	return func(s *MessageStore) { s.metrics = m }
}

// NewMessageStore creates an empty store.
func NewMessageStore(opts ...StoreOption) *MessageStore {
	s := &MessageStore{
		storeEmitter:  storeEmitter{listeners: make(map[string][]StoreEventHandler)},
		messages:      make(map[string][]Message),
		conversations: make(map[string]*Conversation),
		log:           zerolog.Nop(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MessageStore) flush(events []storeEvent) {
	for _, ev := range events {
		s.emit(ev.name, ev.payload)
	}
}

// ── Messages ─────────────────────────────────────────────

// LoadMessages replaces the sequence for a conversation. msgs must already be
// ordered oldest to newest.
func (s *MessageStore) LoadMessages(conversationID string, msgs []Message) {
	seq := make([]Message, len(msgs))
	copy(seq, msgs)

	s.mu.Lock()
	s.messages[conversationID] = seq
	s.mu.Unlock()

	s.log.Debug().Str("conversation", conversationID).Int("count", len(seq)).Msg("messages loaded")
}

// AppendOptimistic appends a pending message to the end of its conversation.
// It returns false when msg has no temp id or the temp id is already present.
func (s *MessageStore) AppendOptimistic(msg Message) bool {
	if msg.TempID == "" {
		s.log.Warn().Str("conversation", msg.ConversationID).Msg("optimistic message without temp id ignored")
		return false
	}
	msg.ID = ""
	if msg.Status == "" {
		msg.Status = StatusSending
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}

	s.mu.Lock()
	seq := s.messages[msg.ConversationID]
	if indexByTempID(seq, msg.TempID) >= 0 {
		s.mu.Unlock()
		return false
	}
	s.messages[msg.ConversationID] = append(seq, msg)
	events := []storeEvent{{EventMessageLocal, msg}}
	if moved := s.bumpLocked(msg.ConversationID, msg); moved != nil {
		events = append(events, storeEvent{EventConversationsOrder, moved})
	}
	s.mu.Unlock()

	s.metrics.incOptimistic()
	s.flush(events)
	return true
}

// Reconcile replaces the placeholder whose temp id matches confirmed.TempID
// with the confirmed record at the same position, forcing status sent.
// An unknown temp id is a no-op. The stored record is returned.
func (s *MessageStore) Reconcile(confirmed Message) (Message, bool) {
	s.mu.Lock()
	rec, events, ok := s.reconcileLocked(confirmed)
	s.mu.Unlock()

	if !ok {
		s.metrics.incReconcileMiss()
		s.log.Debug().Str("temp_id", confirmed.TempID).Str("id", confirmed.ID).Msg("reconcile: no pending message")
		return Message{}, false
	}
	s.metrics.incReconciled()
	s.flush(events)
	return rec, true
}

func (s *MessageStore) reconcileLocked(confirmed Message) (Message, []storeEvent, bool) {
	convID := confirmed.ConversationID
	if convID == "" || indexByTempID(s.messages[convID], confirmed.TempID) < 0 {
		convID = s.findTempLocked(confirmed.TempID)
		if convID == "" {
			return Message{}, nil, false
		}
	}

	out, idx, ok := reconcileSequence(s.messages[convID], confirmed)
	if !ok {
		return Message{}, nil, false
	}
	s.messages[convID] = out
	rec := out[idx]

	if c := s.conversations[convID]; c != nil && c.LastMessage != nil && c.LastMessage.Pending() && c.LastMessage.TempID == confirmed.TempID {
		last := rec
		c.LastMessage = &last
	}
	return rec, []storeEvent{{EventMessageConfirmed, ConfirmedEvent{TempID: confirmed.TempID, Message: rec, Index: idx}}}, true
}

func (s *MessageStore) findTempLocked(tempID string) string {
	if tempID == "" {
		return ""
	}
	for convID, seq := range s.messages {
		if indexByTempID(seq, tempID) >= 0 {
			return convID
		}
	}
	return ""
}

// IngestInbound appends a message received from the channel unless its
// permanent id is already stored. The owning conversation gets it as last
// message and moves to the front of the display order. A message echoing the
// temp id of one of our placeholders reconciles that placeholder instead.
func (s *MessageStore) IngestInbound(msg Message) bool {
	if msg.ID == "" {
		s.log.Warn().Str("conversation", msg.ConversationID).Msg("inbound message without id dropped")
		return false
	}

	s.mu.Lock()
	seq := s.messages[msg.ConversationID]
	if indexByID(seq, msg.ID) >= 0 {
		s.mu.Unlock()
		s.metrics.incInboundDuplicate()
		s.log.Debug().Str("id", msg.ID).Msg("duplicate inbound message dropped")
		return false
	}

	if msg.TempID != "" && indexByTempID(seq, msg.TempID) >= 0 {
		rec, events, _ := s.reconcileLocked(msg)
		if moved := s.bumpLocked(rec.ConversationID, rec); moved != nil {
			events = append(events, storeEvent{EventConversationsOrder, moved})
		}
		s.mu.Unlock()
		s.metrics.incReconciled()
		s.flush(events)
		return true
	}

	msg.TempID = ""
	if msg.Status == "" || msg.Status == StatusSending {
		msg.Status = StatusSent
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	s.messages[msg.ConversationID] = append(seq, msg)
	events := []storeEvent{{EventMessageNew, msg}}
	if moved := s.bumpLocked(msg.ConversationID, msg); moved != nil {
		events = append(events, storeEvent{EventConversationsOrder, moved})
	}
	s.mu.Unlock()

	s.metrics.incInbound()
	s.flush(events)
	return true
}

// MarkRead sets status read on every message in the conversation that was not
// sent by readerID. It returns the number of messages that changed.
func (s *MessageStore) MarkRead(conversationID, readerID string) int {
	s.mu.Lock()
	n := markReadSequence(s.messages[conversationID], readerID)
	if n > 0 {
		if c := s.conversations[conversationID]; c != nil && c.LastMessage != nil &&
			c.LastMessage.SenderID != readerID && c.LastMessage.Status != StatusRead {
			last := *c.LastMessage
			last.Status = StatusRead
			c.LastMessage = &last
		}
	}
	s.mu.Unlock()

	if n > 0 {
		s.emit(EventMessagesRead, ReadEvent{
			ReadReceipt: ReadReceipt{ConversationID: conversationID, ReaderID: readerID},
			Changed:     n,
		})
	}
	return n
}

// Messages returns a copy of the conversation's sequence.
func (s *MessageStore) Messages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq := s.messages[conversationID]
	out := make([]Message, len(seq))
	copy(out, seq)
	return out
}

// Pending returns the messages still waiting for confirmation.
func (s *MessageStore) Pending(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Message
	for _, m := range s.messages[conversationID] {
		if m.Status == StatusSending {
			out = append(out, m)
		}
	}
	return out
}

// UnreadFrom counts messages in the conversation not sent by selfID and not yet read.
func (s *MessageStore) UnreadFrom(conversationID, selfID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.messages[conversationID] {
		if m.SenderID != selfID && m.Status != StatusRead {
			n++
		}
	}
	return n
}

// ── Conversations ────────────────────────────────────────

// LoadConversations replaces the conversation list, keeping the given order.
func (s *MessageStore) LoadConversations(convs []Conversation) {
	s.mu.Lock()
	s.conversations = make(map[string]*Conversation, len(convs))
	s.order = s.order[:0]
	for _, c := range convs {
		if _, dup := s.conversations[c.ID]; dup {
			continue
		}
		cp := cloneConversation(c)
		s.conversations[c.ID] = &cp
		s.order = append(s.order, c.ID)
	}
	order := append([]string(nil), s.order...)
	s.mu.Unlock()

	s.emit(EventConversationsOrder, order)
}

// UpsertConversation adds a conversation at the front of the list, or updates
// it in place when already known.
func (s *MessageStore) UpsertConversation(c Conversation) {
	s.mu.Lock()
	if existing := s.conversations[c.ID]; existing != nil {
		last := existing.LastMessage
		*existing = cloneConversation(c)
		if existing.LastMessage == nil {
			existing.LastMessage = last
		}
		s.mu.Unlock()
		return
	}
	cp := cloneConversation(c)
	s.conversations[c.ID] = &cp
	s.order = append([]string{c.ID}, s.order...)
	order := append([]string(nil), s.order...)
	s.mu.Unlock()

	s.emit(EventConversationsOrder, order)
}

// Conversation returns a copy of a single conversation.
func (s *MessageStore) Conversation(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.conversations[id]
	if c == nil {
		return Conversation{}, false
	}
	return cloneConversation(*c), true
}

// Conversations returns the conversations in display order.
func (s *MessageStore) Conversations() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conversation, 0, len(s.order))
	for _, id := range s.order {
		if c := s.conversations[id]; c != nil {
			out = append(out, cloneConversation(*c))
		}
	}
	return out
}

// ConversationOrder returns the ids in display order.
func (s *MessageStore) ConversationOrder() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// Clear drops all messages and conversations.
func (s *MessageStore) Clear() {
	s.mu.Lock()
	s.messages = make(map[string][]Message)
	s.conversations = make(map[string]*Conversation)
	s.order = nil
	s.mu.Unlock()

	s.log.Debug().Msg("store cleared")
}

// bumpLocked records last as the conversation's last message and moves the
// conversation to the front. Unknown conversations get a stub entry. It
// returns the new order when the order changed.
func (s *MessageStore) bumpLocked(conversationID string, last Message) []string {
	c := s.conversations[conversationID]
	if c == nil {
		c = &Conversation{ID: conversationID}
		s.conversations[conversationID] = c
	}
	c.LastMessage = &last
	c.UpdatedAt = last.CreatedAt

	pos := -1
	for i, id := range s.order {
		if id == conversationID {
			pos = i
			break
		}
	}
	if pos == 0 {
		return nil
	}
	if pos > 0 {
		copy(s.order[1:pos+1], s.order[:pos])
		s.order[0] = conversationID
	} else {
		s.order = append([]string{conversationID}, s.order...)
	}
	return append([]string(nil), s.order...)
}

func cloneConversation(c Conversation) Conversation {
	out := c
	out.Participants = append([]Participant(nil), c.Participants...)
	if c.LastMessage != nil {
		last := *c.LastMessage
		out.LastMessage = &last
	}
	return out
}
