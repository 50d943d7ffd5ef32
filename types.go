package chatkit

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a failed REST call.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Code, e.Message, e.Status)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

// SendError is returned when the server acknowledged a send with success=false.
type SendError struct {
	TempID string
	Reason string
}

func (e *SendError) Error() string {
	if e.Reason == "" {
		return "send rejected for " + e.TempID
	}
	return "send rejected for " + e.TempID + ": " + e.Reason
}

var (
	// ErrNotConnected is returned by adapter operations that need a live channel.
	ErrNotConnected = errors.New("chatkit: channel not connected")
	// ErrChannelClosed resolves sends whose channel was torn down before the ack arrived.
	ErrChannelClosed = errors.New("chatkit: channel closed")
	// ErrConnectionClosed is returned by transport requests interrupted by a disconnect.
	ErrConnectionClosed = errors.New("chatkit: connection closed")
)

// ============================================================================
// Chat Types
// ============================================================================

// MessageStatus is the delivery state rendered as ticks by the UI.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Message is a single chat message. A pending message carries only TempID,
// a confirmed one only ID.
type Message struct {
	ID             string        `json:"_id,omitempty"`
	TempID         string        `json:"tempId,omitempty"`
	ConversationID string        `json:"conversation"`
	SenderID       string        `json:"sender"`
	Content        string        `json:"content"`
	Status         MessageStatus `json:"status"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// Key returns the identifier the message is currently known by.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}

// Pending reports whether the message is still an optimistic placeholder.
func (m Message) Pending() bool {
	return m.ID == "" && m.TempID != ""
}

// Participant is a user reference inside a conversation.
type Participant struct {
	ID   string `json:"_id"`
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

// Conversation is a direct-message thread between exactly two participants.
type Conversation struct {
	ID           string        `json:"_id"`
	Participants []Participant `json:"participants"`
	LastMessage  *Message      `json:"lastMessage,omitempty"`
	UpdatedAt    time.Time     `json:"updatedAt,omitempty"`
}

// Peer returns the participant that is not selfID.
func (c Conversation) Peer(selfID string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.ID != selfID {
			return p, true
		}
	}
	return Participant{}, false
}

// Identity is the signed-in user whose credential opens the channel.
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Token    string `json:"-"`
}

// ReadReceipt is the payload of a messages-read event in either direction.
type ReadReceipt struct {
	ConversationID string `json:"conversationId"`
	ReaderID       string `json:"readerId"`
}

// SendRequest is the outbound send-message payload.
type SendRequest struct {
	RecipientID    string `json:"recipientId"`
	ConversationID string `json:"conversationId,omitempty"`
	Content        string `json:"content"`
	TempID         string `json:"tempId"`
}

// Ack is the server's answer to a send-message request.
type Ack struct {
	RequestID string   `json:"requestId"`
	Success   bool     `json:"success"`
	Message   *Message `json:"message,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// ============================================================================
// REST Types
// ============================================================================

// LoginResult is returned by Client.Login.
type LoginResult struct {
	Token     string      `json:"token"`
	User      Participant `json:"user"`
	ExpiresAt string      `json:"expiresAt,omitempty"`
}

// Identity converts a login result into the channel identity.
func (r *LoginResult) Identity() Identity {
	return Identity{UserID: r.User.ID, Username: r.User.Name, Token: r.Token}
}

// Result is the generic REST response envelope.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}
