// Package abaichat is the chat client core for the Abai school platform.
//
// It keeps a local view of conversations and messages consistent with a
// backend that pushes events over a persistent websocket channel, while the
// caller also performs optimistic writes before server confirmation arrives.
//
// Example:
//
//	client := abaichat.NewClient("https://abai.example", token)
//	transport := abaichat.NewWSTransport(client.BaseURL(), &abaichat.TransportConfig{Token: token})
//	sync := abaichat.NewChatSync(client, transport, abaichat.Session{UserID: 7, Token: token})
//	sync.Start(ctx)
//	defer sync.Close()
//
//	sync.Open(ctx, chat)
//	sync.Send(ctx, "hello", nil)
package abaichat

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

	"github.com/google/uuid"
)

const (
	DefaultBaseURL = "https://abai.example"
	DefaultTimeout = 30 * time.Second
)

// API is the request/response collaborator the sync controller depends on.
// *Client is the production implementation; tests substitute fakes.
type API interface {
	ListChats(ctx context.Context) ([]Chat, error)
	GetMessages(ctx context.Context, chatID int64, opts *PageOptions) ([]Message, error)
	CreateChat(ctx context.Context, participantIDs []int64, name string, isGroup bool) (*Chat, error)
	CreateDirectChat(ctx context.Context, userID int64) (*Chat, error)
	SendMessage(ctx context.Context, chatID int64, content string, replyToID *int64) (*Message, error)
	UpdateMessage(ctx context.Context, messageID int64, content string) (*Message, error)
	DeleteMessage(ctx context.Context, messageID int64) error
	MarkRead(ctx context.Context, chatID int64) error
	SearchUsers(ctx context.Context, query string) ([]ChatUser, error)
}

// PageOptions selects a message page.
type PageOptions struct {
	Limit  int
	Offset int
}

// ============================================================================
// Client
// ============================================================================

// Client talks to the platform's chat REST endpoints.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client

	Chats    *ChatsClient
	Messages *MessagesClient
	Users    *UsersClient
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

// NewClient creates a chat REST client authenticated with a bearer token.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	if baseURL != "" {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Chats = &ChatsClient{client: c}
	c.Messages = &MessagesClient{client: c}
	c.Users = &UsersClient{client: c}
	return c
}

// BaseURL returns the configured backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetToken updates the auth token after a session refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string, headers map[string]string) ([]byte, error) {
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
	for k, v := range headers {
		req.Header.Set(k, v)
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
	if resp.StatusCode >= 400 {
		return nil, apiErrorFromResponse(resp.StatusCode, data)
	}
	return data, nil
}

func apiErrorFromResponse(status int, body []byte) error {
	apiErr := &APIError{Code: strconv.Itoa(status)}
	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.Message != "" {
			apiErr.Message = parsed.Message
		} else if parsed.Error != "" {
			apiErr.Message = parsed.Error
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

// ============================================================================
// Sub-Clients
// ============================================================================

// ChatsClient handles conversation management.
type ChatsClient struct{ client *Client }

func (cc *ChatsClient) List(ctx context.Context) ([]Chat, error) {
	data, err := cc.client.doRequest(ctx, "GET", "/chat", nil, nil, nil)
	if err != nil {
		return nil, err
	}
	wires, err := decodeJSON[[]wireChat](data)
	if err != nil {
		return nil, err
	}
	chats := make([]Chat, 0, len(*wires))
	for i := range *wires {
		c, err := (*wires)[i].normalize()
		if err != nil {
			continue
		}
		chats = append(chats, c)
	}
	return chats, nil
}

func (cc *ChatsClient) Create(ctx context.Context, participantIDs []int64, name string, isGroup bool) (*Chat, error) {
	payload := map[string]interface{}{
		"participantIds": participantIDs,
		"isGroup":        isGroup,
	}
	if name != "" {
		payload["name"] = name
	}
	data, err := cc.client.doRequest(ctx, "POST", "/chat", payload, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeChat(data)
}

// CreateDirect resolves an existing direct chat with the user or creates one.
func (cc *ChatsClient) CreateDirect(ctx context.Context, userID int64) (*Chat, error) {
	data, err := cc.client.doRequest(ctx, "POST", "/chat/direct", map[string]int64{"userId": userID}, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeChat(data)
}

func (cc *ChatsClient) MarkRead(ctx context.Context, chatID int64) error {
	_, err := cc.client.doRequest(ctx, "POST", "/chat/"+strconv.FormatInt(chatID, 10)+"/read", nil, nil, nil)
	return err
}

// MessagesClient handles message operations.
type MessagesClient struct{ client *Client }

func (mc *MessagesClient) GetPage(ctx context.Context, chatID int64, opts *PageOptions) ([]Message, error) {
	var query map[string]string
	if opts != nil {
		query = map[string]string{}
		if opts.Limit > 0 {
			query["limit"] = strconv.Itoa(opts.Limit)
		}
		if opts.Offset > 0 {
			query["offset"] = strconv.Itoa(opts.Offset)
		}
		if len(query) == 0 {
			query = nil
		}
	}
	data, err := mc.client.doRequest(ctx, "GET", "/chat/"+strconv.FormatInt(chatID, 10)+"/messages", nil, query, nil)
	if err != nil {
		return nil, err
	}
	wires, err := decodeJSON[[]wireMessage](data)
	if err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(*wires))
	for i := range *wires {
		m, err := (*wires)[i].normalize()
		if err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (mc *MessagesClient) Send(ctx context.Context, chatID int64, content string, replyToID *int64) (*Message, error) {
	payload := map[string]interface{}{"content": content}
	if replyToID != nil {
		payload["replyToId"] = *replyToID
	}
	data, err := mc.client.doRequest(ctx, "POST", "/chat/"+strconv.FormatInt(chatID, 10)+"/messages",
		payload, nil, idempotencyHeader())
	if err != nil {
		return nil, err
	}
	return decodeMessage(data)
}

func (mc *MessagesClient) Update(ctx context.Context, messageID int64, content string) (*Message, error) {
	data, err := mc.client.doRequest(ctx, "PATCH", "/chat/messages/"+strconv.FormatInt(messageID, 10),
		map[string]string{"content": content}, nil, idempotencyHeader())
	if err != nil {
		return nil, err
	}
	return decodeMessage(data)
}

func (mc *MessagesClient) Delete(ctx context.Context, messageID int64) error {
	_, err := mc.client.doRequest(ctx, "DELETE", "/chat/messages/"+strconv.FormatInt(messageID, 10), nil, nil, nil)
	return err
}

// UsersClient handles user lookup.
type UsersClient struct{ client *Client }

func (uc *UsersClient) Search(ctx context.Context, query string) ([]ChatUser, error) {
	data, err := uc.client.doRequest(ctx, "GET", "/chat/users/search", nil, map[string]string{"query": query}, nil)
	if err != nil {
		return nil, err
	}
	users, err := decodeJSON[[]ChatUser](data)
	if err != nil {
		return nil, err
	}
	return *users, nil
}

// Duplicate suppression for retried writes is the server's half of the
// reconciliation story; the client half lives in sync.go.
func idempotencyHeader() map[string]string {
	return map[string]string{"Idempotency-Key": uuid.NewString()}
}

func decodeChat(data []byte) (*Chat, error) {
	wire, err := decodeJSON[wireChat](data)
	if err != nil {
		return nil, err
	}
	c, err := wire.normalize()
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func decodeMessage(data []byte) (*Message, error) {
	wire, err := decodeJSON[wireMessage](data)
	if err != nil {
		return nil, err
	}
	m, err := wire.normalize()
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ============================================================================
// API interface glue
// ============================================================================

func (c *Client) ListChats(ctx context.Context) ([]Chat, error) {
	return c.Chats.List(ctx)
}

func (c *Client) GetMessages(ctx context.Context, chatID int64, opts *PageOptions) ([]Message, error) {
	return c.Messages.GetPage(ctx, chatID, opts)
}

func (c *Client) CreateChat(ctx context.Context, participantIDs []int64, name string, isGroup bool) (*Chat, error) {
	return c.Chats.Create(ctx, participantIDs, name, isGroup)
}

func (c *Client) CreateDirectChat(ctx context.Context, userID int64) (*Chat, error) {
	return c.Chats.CreateDirect(ctx, userID)
}

func (c *Client) SendMessage(ctx context.Context, chatID int64, content string, replyToID *int64) (*Message, error) {
	return c.Messages.Send(ctx, chatID, content, replyToID)
}

func (c *Client) UpdateMessage(ctx context.Context, messageID int64, content string) (*Message, error) {
	return c.Messages.Update(ctx, messageID, content)
}

func (c *Client) DeleteMessage(ctx context.Context, messageID int64) error {
	return c.Messages.Delete(ctx, messageID)
}

func (c *Client) MarkRead(ctx context.Context, chatID int64) error {
	return c.Chats.MarkRead(ctx, chatID)
}

func (c *Client) SearchUsers(ctx context.Context, query string) ([]ChatUser, error) {
	return c.Users.Search(ctx, query)
}
