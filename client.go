// Package chatsync keeps a lead console's conversation views consistent
// across socket push events, REST fetches and a local fallback cache.
//
// Example:
//
//	client := chatsync.NewClient(token, chatsync.WithBaseURL("https://console.example.com"))
//	session := chatsync.NewSession(chatsync.SessionConfig{BaseURL: "https://console.example.com", Token: token})
//	coord := chatsync.NewCoordinator(session, client, renderer)
//	go coord.Run(ctx)
//	coord.Bootstrap(ctx)
//	coord.Activate(ctx, "conv-123")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultTimeout = 15 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// API is the REST collaborator the coordinator depends on.
type API interface {
	FetchHistory(ctx context.Context, conversationID string) ([]Message, error)
	FetchConversation(ctx context.Context, conversationID string) (*ConversationDetail, error)
	FetchConversationList(ctx context.Context) ([]ConversationSummary, error)
	SendMessage(ctx context.Context, conversationID, content string) (*Message, error)
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
	MarkRead(ctx context.Context, conversationID string) error
}

// Client talks to the console's REST backend.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a REST client. token may be empty for unauthenticated
// deployments.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: "http://localhost:3000",
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) do(ctx context.Context, op, method, path string, body interface{}, query map[string]string) (*Result, error) {
	start := time.Now()
	defer func() { RESTLatency.WithLabelValues(op).Observe(time.Since(start).Seconds()) }()

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

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}

	var result Result
	decodeErr := json.Unmarshal(data, &result)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		msg := ""
		if decodeErr == nil && result.Error != nil {
			msg = result.Error.Message
		}
		return nil, &AuthError{Status: resp.StatusCode, Message: msg}
	}
	if resp.StatusCode >= 300 {
		fe := &FetchError{Op: op, Status: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
		if decodeErr == nil && result.Error != nil {
			fe.Code = result.Error.Code
			fe.Err = result.Error
		}
		return nil, fe
	}
	if decodeErr != nil {
		return nil, &ParseError{Source: op, Err: decodeErr}
	}
	if !result.OK {
		fe := &FetchError{Op: op, Status: resp.StatusCode, Err: errors.New("request failed")}
		if result.Error != nil {
			fe.Code = result.Error.Code
			fe.Err = result.Error
		}
		return nil, fe
	}
	return &result, nil
}

func decodeData[T any](op string, r *Result) (T, error) {
	var v T
	if err := r.Decode(&v); err != nil {
		return v, &ParseError{Source: op, Err: err}
	}
	return v, nil
}

func conversationPath(id string, rest ...string) string {
	p := "/api/conversations/" + url.PathEscape(id)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

// ============================================================================
// Conversation API
// ============================================================================

// FetchConversationList returns the conversation list summaries.
func (c *Client) FetchConversationList(ctx context.Context) ([]ConversationSummary, error) {
	r, err := c.do(ctx, "list_conversations", "GET", "/api/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[[]ConversationSummary]("list_conversations", r)
}

// FetchConversation returns one conversation's detail.
func (c *Client) FetchConversation(ctx context.Context, conversationID string) (*ConversationDetail, error) {
	r, err := c.do(ctx, "get_conversation", "GET", conversationPath(conversationID), nil, nil)
	if err != nil {
		return nil, err
	}
	d, err := decodeData[ConversationDetail]("get_conversation", r)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// MarkRead tells the backend the conversation was opened.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	_, err := c.do(ctx, "mark_read", "POST", conversationPath(conversationID, "read"), nil, nil)
	return err
}

// ============================================================================
// Message API
// ============================================================================

// FetchHistory returns the conversation's messages. The order is whatever the
// backend produced; callers sort.
func (c *Client) FetchHistory(ctx context.Context, conversationID string) ([]Message, error) {
	r, err := c.do(ctx, "fetch_history", "GET", conversationPath(conversationID, "messages"), nil, nil)
	if err != nil {
		return nil, err
	}
	msgs, err := decodeData[[]Message]("fetch_history", r)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		if msgs[i].ConversationID == "" {
			msgs[i].ConversationID = conversationID
		}
	}
	return msgs, nil
}

// SendMessage persists a user message and returns it with its server id.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string) (*Message, error) {
	payload := map[string]interface{}{"content": content, "role": RoleUser}
	r, err := c.do(ctx, "send_message", "POST", conversationPath(conversationID, "messages"), payload, nil)
	if err != nil {
		return nil, err
	}
	m, err := decodeData[Message]("send_message", r)
	if err != nil {
		return nil, err
	}
	if m.ID == "" {
		return nil, &ParseError{Source: "send_message", Err: errors.New("response carries no message id")}
	}
	if m.ConversationID == "" {
		m.ConversationID = conversationID
	}
	if m.Role == "" {
		m.Role = RoleUser
	}
	return &m, nil
}

// DeleteMessage removes a message on the backend.
func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	_, err := c.do(ctx, "delete_message", "DELETE", conversationPath(conversationID, "messages", url.PathEscape(messageID)), nil, nil)
	return err
}
