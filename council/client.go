package council

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultRequestTimeout bounds the non-streaming endpoints
const DefaultRequestTimeout = 30 * time.Second

// Client talks to the council backend API.
type Client struct {
	baseURL string
	token   string

	// http is used for the streaming endpoint and carries no overall timeout;
	// request contexts bound it instead.
	http           *http.Client
	requestTimeout time.Duration

	// OnDecodeError receives malformed frames that were skipped. May be nil.
	OnDecodeError func(*DecodeError)

	logger *slog.Logger
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithSessionToken sends the token as a bearer credential on every request.
func WithSessionToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithRequestTimeout sets the timeout for non-streaming requests.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.requestTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a client for the backend at baseURL (e.g. http://localhost:8001).
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		http:           &http.Client{},
		requestTimeout: DefaultRequestTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("module", "council-client"))
	return c
}

// ListConversations returns conversation summaries, newest first.
func (c *Client) ListConversations(ctx context.Context) ([]ConversationSummary, error) {
	var out []ConversationSummary
	if err := c.doJSON(ctx, http.MethodGet, "/api/conversations", nil, &out); err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return out, nil
}

// CreateConversation creates an empty conversation.
func (c *Client) CreateConversation(ctx context.Context) (*Conversation, error) {
	var out Conversation
	if err := c.doJSON(ctx, http.MethodPost, "/api/conversations", struct{}{}, &out); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return &out, nil
}

// GetConversation loads a conversation with all its messages.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	var out Conversation
	if err := c.doJSON(ctx, http.MethodGet, conversationPath(conversationID), nil, &out); err != nil {
		return nil, fmt.Errorf("failed to get conversation %s: %w", conversationID, err)
	}
	return &out, nil
}

// SendMessage uses the non-streaming endpoint. Follow-up turns take this path.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string, duplicateModels []string) (*SendMessageResponse, error) {
	body := newSendMessageRequest(content, duplicateModels)

	var out SendMessageResponse
	if err := c.doJSON(ctx, http.MethodPost, conversationPath(conversationID)+"/message", body, &out); err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	return &out, nil
}

// Models returns the council models the backend is configured with.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	var out struct {
		Models []string `json:"models"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/config/models", nil, &out); err != nil {
		return nil, fmt.Errorf("failed to get models: %w", err)
	}
	return out.Models, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	resp, err := c.do(ctx, method, path, body, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// do sends the request and checks the status. On success the caller owns resp.Body.
func (c *Client) do(ctx context.Context, method, path string, body any, accept string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", accept)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &TransportError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(bodyBytes))}
	}

	return resp, nil
}

func conversationPath(conversationID string) string {
	return "/api/conversations/" + url.PathEscape(conversationID)
}

func newSendMessageRequest(content string, duplicateModels []string) SendMessageRequest {
	if duplicateModels == nil {
		duplicateModels = []string{}
	}
	return SendMessageRequest{Content: content, DuplicateModels: duplicateModels}
}
