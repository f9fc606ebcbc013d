// Package parley provides the Go client SDK for the Parley messaging API.
//
// The SDK keeps a local view of a user's conversations and message timelines
// consistent across REST fetches, optimistic local writes, and push events
// delivered over a realtime channel.
//
// Example:
//
//	client := parley.NewClient(token)
//	store := parley.NewStore(nil)
//	rt := client.Realtime(nil)
//	engine := parley.NewEngine(client, store, rt, nil)
//
//	rt.Connect(ctx)
//	engine.Bootstrap(ctx)
//	engine.OpenConversation(ctx, "conv-123")
//
//	gw := parley.NewGateway(client, store, nil)
//	gw.Send(ctx, "conv-123", "hello", parley.KindText, nil)
package parley

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://api.parley.chat"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST client for the Parley API.
type Client struct {
	baseURL    string
	token      string
	userID     string
	httpClient *http.Client
	logger     *zap.Logger
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

// WithLogger sets the structured logger used by the client and every
// component built from it. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new Parley client authenticated with a bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.userID = subjectFromToken(token)
	return c
}

// SetToken updates the bearer token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
	c.userID = subjectFromToken(token)
}

// UserID returns the authenticated user's id, derived from the token claims.
// Empty when the token carries no recognizable subject.
func (c *Client) UserID() string {
	return c.userID
}

// subjectFromToken extracts the user id from the JWT claims without
// verification — the server verifies signatures; the client only needs the
// subject for optimistic sender references.
func subjectFromToken(token string) string {
	if token == "" {
		return ""
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return ""
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return ""
	}
	if sub, ok := claims["sub"].(string); ok && sub != "" {
		return sub
	}
	if uid, ok := claims["userId"].(string); ok {
		return uid
	}
	return ""
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
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return nil, apiErrorFrom(resp.StatusCode, data)
	}
	return data, nil
}

// apiErrorFrom decodes a server error body when present, falling back to a
// status-code error.
func apiErrorFrom(status int, body []byte) error {
	var wrapped struct {
		Error *APIError `json:"error"`
	}
	if json.Unmarshal(body, &wrapped) == nil && wrapped.Error != nil && wrapped.Error.Message != "" {
		return wrapped.Error
	}
	var direct APIError
	if json.Unmarshal(body, &direct) == nil && direct.Message != "" {
		return &direct
	}
	return &APIError{Code: fmt.Sprintf("HTTP_%d", status), Message: http.StatusText(status)}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Conversations API
// ============================================================================

// ListConversations fetches the full conversation list.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	data, err := c.doRequest(ctx, "GET", "/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	var convs []Conversation
	if err := json.Unmarshal(data, &convs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return convs, nil
}

// CreateConversation creates (or returns the existing) direct conversation
// with another user. Creation is idempotent per participant pair.
func (c *Client) CreateConversation(ctx context.Context, otherUserID string) (*Conversation, error) {
	data, err := c.doRequest(ctx, "POST", "/conversations", map[string]string{"otherUserId": otherUserID}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](data)
}

// FetchConversation fetches one conversation and a page of its messages.
func (c *Client) FetchConversation(ctx context.Context, id ConvID, page, limit int) (*ConversationPage, error) {
	id, err := NormalizeConvID(id)
	if err != nil {
		return nil, err
	}
	query := map[string]string{}
	if page > 0 {
		query["page"] = strconv.Itoa(page)
	}
	if limit > 0 {
		query["limit"] = strconv.Itoa(limit)
	}
	if len(query) == 0 {
		query = nil
	}
	data, err := c.doRequest(ctx, "GET", "/conversations/"+url.PathEscape(id.String()), nil, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[ConversationPage](data)
}

// DeleteConversation deletes a conversation.
func (c *Client) DeleteConversation(ctx context.Context, id ConvID) error {
	id, err := NormalizeConvID(id)
	if err != nil {
		return err
	}
	_, err = c.doRequest(ctx, "DELETE", "/conversations/"+url.PathEscape(id.String()), nil, nil)
	return err
}

// ============================================================================
// Messages API
// ============================================================================

// SendMessage posts a new message to a conversation and returns the
// authoritative record.
func (c *Client) SendMessage(ctx context.Context, id ConvID, req SendMessageRequest) (*Message, error) {
	id, err := NormalizeConvID(id)
	if err != nil {
		return nil, err
	}
	if req.Kind == "" {
		req.Kind = KindText
	}
	data, err := c.doRequest(ctx, "POST", "/conversations/"+url.PathEscape(id.String())+"/messages", req, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}

// EditMessage replaces the content of an existing message.
func (c *Client) EditMessage(ctx context.Context, messageID, content string) (*Message, error) {
	if messageID == "" {
		return nil, fmt.Errorf("empty message id")
	}
	data, err := c.doRequest(ctx, "PUT", "/conversations/messages/"+url.PathEscape(messageID), EditMessageRequest{Content: content}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}

// DeleteMessage deletes a message.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	if messageID == "" {
		return fmt.Errorf("empty message id")
	}
	_, err := c.doRequest(ctx, "DELETE", "/conversations/messages/"+url.PathEscape(messageID), nil, nil)
	return err
}

// ============================================================================
// Realtime factory
// ============================================================================

// Realtime creates a realtime client bound to this client's server and token.
// Call Connect to establish the connection.
func (c *Client) Realtime(config *RealtimeConfig) *RealtimeClient {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = c.token
	}
	cfg.defaults()
	return &RealtimeClient{
		baseURL:    c.baseURL,
		config:     &cfg,
		state:      StateDisconnected,
		dispatcher: newDispatcher(),
		recon:      newReconnector(&cfg),
		logger:     c.logger,
	}
}
