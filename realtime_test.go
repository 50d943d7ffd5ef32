package chatkit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ============================================================================
// Test server
// ============================================================================

type wireFrame struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"requestId,omitempty"`
}

type serverConn struct {
	c      *websocket.Conn
	ctx    context.Context
	drop   context.CancelFunc
	frames chan wireFrame
}

func (s *serverConn) send(t *testing.T, typ string, payload interface{}) {
	t.Helper()
	require.NoError(t, wsjson.Write(s.ctx, s.c, map[string]interface{}{"type": typ, "payload": payload}))
}

func (s *serverConn) recv(t *testing.T) wireFrame {
	t.Helper()
	select {
	case f := <-s.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame from client")
		return wireFrame{}
	}
}

type chatServer struct {
	*httptest.Server
	conns chan *serverConn
	// firstFrame overrides the authenticated greeting when set.
	firstFrame interface{}
}

func newChatServer(t *testing.T, token string) *chatServer {
	t.Helper()
	s := &chatServer{conns: make(chan *serverConn, 4)}
	done := make(chan struct{})

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-done:
				cancel()
			case <-ctx.Done():
			}
		}()

		greeting := s.firstFrame
		if greeting == nil {
			greeting = map[string]interface{}{
				"type":    EventAuthenticated,
				"payload": AuthenticatedPayload{UserID: "u1", Username: "alice"},
			}
		}
		if err := wsjson.Write(ctx, c, greeting); err != nil {
			return
		}
		sc := &serverConn{c: c, ctx: ctx, drop: cancel, frames: make(chan wireFrame, 16)}
		s.conns <- sc

		// Keep reading so close handshakes complete promptly.
		for {
			var f wireFrame
			if err := wsjson.Read(ctx, c, &f); err != nil {
				return
			}
			sc.frames <- f
		}
	}))
	t.Cleanup(func() {
		close(done)
		s.Server.Close()
	})
	return s
}

func (s *chatServer) accept(t *testing.T) *serverConn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no client connected")
		return nil
	}
}

func newTestRealtime(t *testing.T, srv *chatServer, token string) *RealtimeWSClient {
	t.Helper()
	ws := NewRealtimeClient(wsURL(srv.URL), &RealtimeConfig{Token: token})
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// ============================================================================
// Connect
// ============================================================================

func TestRealtimeConnect(t *testing.T) {
	t.Run("authenticates with bearer token", func(t *testing.T) {
		srv := newChatServer(t, "tok")
		ws := newTestRealtime(t, srv, "tok")

		var got AuthenticatedPayload
		ws.OnAuthenticated(func(p AuthenticatedPayload) { got = p })

		require.NoError(t, ws.Connect(context.Background()))
		srv.accept(t)

		assert.Equal(t, StateConnected, ws.State())
		assert.Equal(t, "u1", ws.Self().UserID)
		assert.Equal(t, "alice", got.Username, "authenticated handler runs before Connect returns")
	})

	t.Run("rejected credential", func(t *testing.T) {
		srv := newChatServer(t, "tok")
		ws := newTestRealtime(t, srv, "wrong")

		err := ws.Connect(context.Background())
		require.Error(t, err)
		assert.Equal(t, StateDisconnected, ws.State())
	})

	t.Run("first frame must be authenticated", func(t *testing.T) {
		srv := newChatServer(t, "tok")
		srv.firstFrame = map[string]interface{}{"type": EventError, "payload": RealtimeErrorPayload{Message: "nope"}}
		ws := newTestRealtime(t, srv, "tok")

		err := ws.Connect(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), EventAuthenticated)
		assert.Equal(t, StateDisconnected, ws.State())
	})

	t.Run("connect while connected is a no-op", func(t *testing.T) {
		srv := newChatServer(t, "tok")
		ws := newTestRealtime(t, srv, "tok")
		require.NoError(t, ws.Connect(context.Background()))
		srv.accept(t)
		require.NoError(t, ws.Connect(context.Background()))

		select {
		case <-srv.conns:
			t.Fatal("second dial")
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("handshake context does not bound the connection", func(t *testing.T) {
		srv := newChatServer(t, "tok")
		ws := newTestRealtime(t, srv, "tok")

		ctx, cancel := context.WithCancel(context.Background())
		require.NoError(t, ws.Connect(ctx))
		cancel()
		sc := srv.accept(t)

		got := make(chan Message, 1)
		ws.OnMessageReceived(func(m Message) { got <- m })
		sc.send(t, EventMessageReceived, Message{ID: "m1", ConversationID: "c1"})

		select {
		case m := <-got:
			assert.Equal(t, "m1", m.ID)
		case <-time.After(2 * time.Second):
			t.Fatal("connection died with the handshake context")
		}
	})
}

// ============================================================================
// Requests
// ============================================================================

func TestRealtimeSendMessageAck(t *testing.T) {
	srv := newChatServer(t, "tok")
	ws := newTestRealtime(t, srv, "tok")
	require.NoError(t, ws.Connect(context.Background()))
	sc := srv.accept(t)

	type result struct {
		ack *Ack
		err error
	}
	done := make(chan result, 1)
	go func() {
		ack, err := ws.SendMessage(context.Background(), SendRequest{RecipientID: "u2", ConversationID: "c1", Content: "hi", TempID: "tmp-1"})
		done <- result{ack, err}
	}()

	f := sc.recv(t)
	assert.Equal(t, CommandSendMessage, f.Type)
	assert.Equal(t, "tmp-1", f.RequestID)
	var req SendRequest
	require.NoError(t, json.Unmarshal(f.Payload, &req))
	assert.Equal(t, "tmp-1", req.TempID)
	assert.Equal(t, "u2", req.RecipientID)

	// An ack for someone else's request must not resolve ours.
	sc.send(t, EventAck, Ack{RequestID: "tmp-other", Success: true})
	sc.send(t, EventAck, Ack{RequestID: "tmp-1", Success: true, Message: &Message{ID: "srv1", ConversationID: "c1", Content: "hi"}})

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.NotNil(t, r.ack.Message)
		assert.True(t, r.ack.Success)
		assert.Equal(t, "srv1", r.ack.Message.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no ack")
	}
}

func TestRealtimePendingFailsOnDisconnect(t *testing.T) {
	t.Run("server drops the connection", func(t *testing.T) {
		srv := newChatServer(t, "tok")
		ws := newTestRealtime(t, srv, "tok")
		require.NoError(t, ws.Connect(context.Background()))
		sc := srv.accept(t)

		done := make(chan error, 1)
		go func() {
			_, err := ws.SendMessage(context.Background(), SendRequest{TempID: "tmp-1"})
			done <- err
		}()
		sc.recv(t)
		sc.drop()

		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrConnectionClosed)
		case <-time.After(3 * time.Second):
			t.Fatal("pending send not released")
		}
		assert.Eventually(t, func() bool { return ws.State() == StateDisconnected }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("client closes", func(t *testing.T) {
		srv := newChatServer(t, "tok")
		ws := newTestRealtime(t, srv, "tok")
		require.NoError(t, ws.Connect(context.Background()))
		sc := srv.accept(t)

		done := make(chan error, 1)
		go func() {
			_, err := ws.SendMessage(context.Background(), SendRequest{TempID: "tmp-1"})
			done <- err
		}()
		sc.recv(t)
		require.NoError(t, ws.Close())

		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrConnectionClosed)
		case <-time.After(3 * time.Second):
			t.Fatal("pending send not released")
		}
	})

	t.Run("send without connection", func(t *testing.T) {
		ws := NewRealtimeClient("ws://127.0.0.1:1/ws", nil)
		_, err := ws.SendMessage(context.Background(), SendRequest{TempID: "tmp-1"})
		assert.ErrorIs(t, err, ErrNotConnected)
	})
}

func TestRealtimePing(t *testing.T) {
	srv := newChatServer(t, "tok")
	ws := newTestRealtime(t, srv, "tok")
	require.NoError(t, ws.Connect(context.Background()))
	sc := srv.accept(t)

	go func() {
		f := <-sc.frames
		if f.Type == CommandPing {
			_ = wsjson.Write(sc.ctx, sc.c, map[string]interface{}{
				"type":    EventPong,
				"payload": PongPayload{RequestID: f.RequestID},
			})
		}
	}()

	pong, err := ws.Ping(context.Background())
	require.NoError(t, err)
	assert.Contains(t, pong.RequestID, "ping-")
}

func TestRealtimeEmitMessagesRead(t *testing.T) {
	srv := newChatServer(t, "tok")
	ws := newTestRealtime(t, srv, "tok")
	require.NoError(t, ws.Connect(context.Background()))
	sc := srv.accept(t)

	require.NoError(t, ws.EmitMessagesRead(context.Background(), ReadReceipt{ConversationID: "c1", ReaderID: "u1"}))

	f := sc.recv(t)
	assert.Equal(t, CommandMessagesRead, f.Type)
	var r ReadReceipt
	require.NoError(t, json.Unmarshal(f.Payload, &r))
	assert.Equal(t, ReadReceipt{ConversationID: "c1", ReaderID: "u1"}, r)
}

// ============================================================================
// Inbound events
// ============================================================================

func TestRealtimeInboundOrder(t *testing.T) {
	srv := newChatServer(t, "tok")
	ws := newTestRealtime(t, srv, "tok")

	var mu sync.Mutex
	var seen []string
	const n = 50
	all := make(chan struct{})
	ws.OnMessageReceived(func(m Message) {
		mu.Lock()
		seen = append(seen, m.ID)
		if len(seen) == n {
			close(all)
		}
		mu.Unlock()
	})
	reads := make(chan ReadReceipt, 1)
	ws.OnMessagesRead(func(r ReadReceipt) { reads <- r })

	require.NoError(t, ws.Connect(context.Background()))
	sc := srv.accept(t)

	for i := 0; i < n; i++ {
		sc.send(t, EventMessageReceived, Message{ID: fmt.Sprintf("m%02d", i), ConversationID: "c1"})
	}
	sc.send(t, EventReadReceipt, ReadReceipt{ConversationID: "c1", ReaderID: "u2"})

	select {
	case <-all:
	case <-time.After(3 * time.Second):
		t.Fatal("not all messages delivered")
	}
	mu.Lock()
	for i, id := range seen {
		assert.Equal(t, fmt.Sprintf("m%02d", i), id)
	}
	mu.Unlock()

	select {
	case r := <-reads:
		assert.Equal(t, "u2", r.ReaderID)
	case <-time.After(2 * time.Second):
		t.Fatal("no read receipt")
	}
}

func TestRealtimeUnsubscribe(t *testing.T) {
	srv := newChatServer(t, "tok")
	ws := newTestRealtime(t, srv, "tok")

	var mu sync.Mutex
	var first, second int
	unsub := ws.OnMessageReceived(func(Message) { mu.Lock(); first++; mu.Unlock() })
	probe := make(chan struct{}, 4)
	ws.OnMessageReceived(func(Message) { mu.Lock(); second++; mu.Unlock(); probe <- struct{}{} })

	require.NoError(t, ws.Connect(context.Background()))
	sc := srv.accept(t)

	sc.send(t, EventMessageReceived, Message{ID: "m1"})
	<-probe
	unsub()
	unsub()
	sc.send(t, EventMessageReceived, Message{ID: "m2"})
	<-probe

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
}

func TestRealtimeGenericHandler(t *testing.T) {
	srv := newChatServer(t, "tok")
	ws := newTestRealtime(t, srv, "tok")

	got := make(chan string, 1)
	ws.On("typing", func(eventType string, payload json.RawMessage) { got <- string(payload) })

	require.NoError(t, ws.Connect(context.Background()))
	sc := srv.accept(t)
	sc.send(t, "typing", map[string]string{"conversationId": "c1"})

	select {
	case p := <-got:
		assert.JSONEq(t, `{"conversationId":"c1"}`, p)
	case <-time.After(2 * time.Second):
		t.Fatal("generic handler not called")
	}
}

// ============================================================================
// Adapter over the real transport
// ============================================================================

func TestChannelAdapterOverWebSocket(t *testing.T) {
	srv := newChatServer(t, "tok")
	store := NewMessageStore()
	client := NewClient("tok", WithBaseURL(srv.URL))
	a := NewChannelAdapter(store, client.Realtime(nil))
	t.Cleanup(func() { _ = a.Close() })

	self := Identity{UserID: "u1", Token: "tok"}
	require.NoError(t, a.SetIdentity(context.Background(), &self))
	sc := srv.accept(t)

	p, err := a.Send(context.Background(), "c1", "u2", "hello")
	require.NoError(t, err)

	f := sc.recv(t)
	require.Equal(t, CommandSendMessage, f.Type)
	sc.send(t, EventAck, Ack{RequestID: f.RequestID, Success: true, Message: &Message{
		ID: "srv1", ConversationID: "c1", SenderID: "u1", Content: "hello", Status: StatusSent,
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "srv1", msg.ID)

	sc.send(t, EventMessageReceived, Message{ID: "srv2", ConversationID: "c1", SenderID: "u2", Content: "hey"})
	assert.Eventually(t, func() bool { return len(store.Messages("c1")) == 2 }, 2*time.Second, 10*time.Millisecond)

	msgs := store.Messages("c1")
	assert.Equal(t, "srv1", msgs[0].ID)
	assert.Equal(t, "srv2", msgs[1].ID)
}

func TestChannelAdapterFollowsServerDrop(t *testing.T) {
	srv := newChatServer(t, "tok")
	store := NewMessageStore()
	client := NewClient("tok", WithBaseURL(srv.URL))
	a := NewChannelAdapter(store, client.Realtime(nil))
	t.Cleanup(func() { _ = a.Close() })

	self := Identity{UserID: "u1", Token: "tok"}
	require.NoError(t, a.SetIdentity(context.Background(), &self))
	sc := srv.accept(t)
	require.Equal(t, StateConnected, a.State())

	sc.drop()
	assert.Eventually(t, func() bool { return a.State() == StateDisconnected }, 2*time.Second, 10*time.Millisecond)

	_, err := a.Send(context.Background(), "c1", "u2", "lost")
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, a.SetIdentity(context.Background(), &self))
	sc = srv.accept(t)
	assert.Equal(t, StateConnected, a.State())

	p, err := a.Send(context.Background(), "c1", "u2", "hello again")
	require.NoError(t, err)
	f := sc.recv(t)
	sc.send(t, EventAck, Ack{RequestID: f.RequestID, Success: true, Message: &Message{ID: "srv1", ConversationID: "c1", SenderID: "u1"}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "srv1", msg.ID)
}

func TestRealtimeStateChangeOnServerDrop(t *testing.T) {
	srv := newChatServer(t, "tok")
	ws := newTestRealtime(t, srv, "tok")

	states := make(chan RealtimeState, 8)
	ws.OnStateChange(func(s RealtimeState) { states <- s })

	require.NoError(t, ws.Connect(context.Background()))
	sc := srv.accept(t)
	sc.drop()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-states:
			if s == StateDisconnected {
				assert.Equal(t, StateDisconnected, ws.State())
				return
			}
		case <-deadline:
			t.Fatal("no disconnected transition after the server dropped")
		}
	}
}

func TestWSURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"http://localhost:5000", "ws://localhost:5000/ws"},
		{"https://campus.example.edu/", "wss://campus.example.edu/ws"},
		{"https://campus.example.edu/portal", "wss://campus.example.edu/portal/ws"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, wsURL(tt.in))
		})
	}
}

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    time.Second,
		MaxReconnectAttempts: 3,
	})

	d1, a1 := r.nextDelay()
	d2, a2 := r.nextDelay()
	assert.Equal(t, 1, a1)
	assert.Equal(t, 2, a2)
	assert.GreaterOrEqual(t, d1, 100*time.Millisecond)
	assert.GreaterOrEqual(t, d2, 200*time.Millisecond)
	assert.True(t, r.shouldReconnect())

	d3, _ := r.nextDelay()
	assert.LessOrEqual(t, d3, time.Second)
	assert.False(t, r.shouldReconnect())

	r.reset()
	assert.True(t, r.shouldReconnect())

	unlimited := newReconnector(&RealtimeConfig{ReconnectBaseDelay: time.Millisecond, ReconnectMaxDelay: time.Millisecond, MaxReconnectAttempts: -1})
	for i := 0; i < 100; i++ {
		unlimited.nextDelay()
	}
	assert.True(t, unlimited.shouldReconnect())
}
