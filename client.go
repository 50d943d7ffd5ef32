package chatkit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "http://localhost:5000"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the portal's REST API.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log.With().Str("component", "rest-client").Logger() }
}

// NewClient creates a new client. token may be empty before Login.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	c.log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).Msg("api request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var env Result
		if json.Unmarshal(data, &env) == nil && env.Message != "" {
			apiErr.Message = env.Message
			apiErr.Code = env.Code
		}
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// do unwraps the {success, data, message} envelope into T.
func do[T any](ctx context.Context, c *Client, method, path string, body interface{}) (*T, error) {
	data, err := c.doRequest(ctx, method, path, body, nil)
	if err != nil {
		return nil, err
	}
	env, err := decodeJSON[Result](data)
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, &APIError{Status: http.StatusOK, Code: env.Code, Message: env.Message}
	}
	var out T
	if err := env.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode data: %w", err)
	}
	return &out, nil
}

// ============================================================================
// Auth
// ============================================================================

// Login exchanges credentials for a token and stores it on the client.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	res, err := do[LoginResult](ctx, c, "POST", "/api/auth/login", map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, err
	}
	c.SetToken(res.Token)
	return res, nil
}

// Health checks API availability.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.doRequest(ctx, "GET", "/api/health", nil, nil)
	return err
}

// ============================================================================
// Chat
// ============================================================================

// Conversations lists the signed-in user's conversations, most recent first.
func (c *Client) Conversations(ctx context.Context) ([]Conversation, error) {
	res, err := do[[]Conversation](ctx, c, "GET", "/api/chat/conversations", nil)
	if err != nil {
		return nil, err
	}
	return *res, nil
}

// Messages returns a conversation's history, oldest first.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	res, err := do[[]Message](ctx, c, "GET", "/api/chat/messages/"+url.PathEscape(conversationID), nil)
	if err != nil {
		return nil, err
	}
	return *res, nil
}

// FindOrCreateConversation returns the direct conversation with recipientID,
// creating it if needed.
func (c *Client) FindOrCreateConversation(ctx context.Context, recipientID string) (*Conversation, error) {
	return do[Conversation](ctx, c, "POST", "/api/chat/conversations", map[string]string{
		"recipientId": recipientID,
	})
}

// SyncConversations fetches the conversation list into store.
func (c *Client) SyncConversations(ctx context.Context, store *MessageStore) ([]Conversation, error) {
	convs, err := c.Conversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch conversations: %w", err)
	}
	store.LoadConversations(convs)
	return convs, nil
}

// SyncConversation fetches one conversation's history into store.
func (c *Client) SyncConversation(ctx context.Context, store *MessageStore, conversationID string) ([]Message, error) {
	msgs, err := c.Messages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	store.LoadMessages(conversationID, msgs)
	return msgs, nil
}

// ============================================================================
// Realtime
// ============================================================================

// WSURL returns the channel endpoint derived from the base URL.
func (c *Client) WSURL() string {
	return wsURL(c.baseURL)
}

// Realtime returns a Dialer building WebSocket transports for this API.
// cfg may be nil; its Token is replaced by the identity's token.
func (c *Client) Realtime(cfg *RealtimeConfig) Dialer {
	var base RealtimeConfig
	if cfg != nil {
		base = *cfg
	}
	if base.HTTPClient == nil {
		base.HTTPClient = c.httpClient
	}
	endpoint := c.WSURL()
	return func(id Identity) Transport {
		rc := base
		rc.Token = id.Token
		return NewRealtimeClient(endpoint, &rc)
	}
}
