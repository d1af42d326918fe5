package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/app/client"
	"github.com/cloudwego/hertz/pkg/protocol"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/mbeoliero/kit/log"
)

// Client is the REST client for the marketplace chat API
type Client struct {
	baseURL        string
	prefix         string
	httpClient     *client.Client
	mu             sync.RWMutex
	token          string
	onUnauthorized func()
}

// ClientOption is a function to configure the client
type ClientOption func(*Client)

// WithHertzClient sets a custom Hertz client
func WithHertzClient(httpClient *client.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithToken sets the authentication token
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// WithPrefix sets the path prefix every endpoint is mounted under, e.g. "/api"
func WithPrefix(prefix string) ClientOption {
	return func(c *Client) {
		c.prefix = "/" + strings.Trim(prefix, "/")
		if c.prefix == "/" {
			c.prefix = ""
		}
	}
}

// WithUnauthorizedHandler sets the hook called on every 401 answer
func WithUnauthorizedHandler(fn func()) ClientOption {
	return func(c *Client) {
		c.onUnauthorized = fn
	}
}

// WithTimeouts overrides the dial, read and write timeouts of the default Hertz client
func WithTimeouts(dial, read, write time.Duration) ClientOption {
	return func(c *Client) {
		httpClient, err := newHertzClient(dial, read, write)
		if err != nil {
			log.Warn("failed to apply client timeouts: %v", err)
			return
		}
		c.httpClient = httpClient
	}
}

// NewClient creates a new REST client
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	httpClient, err := newHertzClient(10*time.Second, 30*time.Second, 30*time.Second)
	if err != nil {
		return nil, err
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		prefix:     "/api",
		httpClient: httpClient,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

func newHertzClient(dial, read, write time.Duration) (*client.Client, error) {
	httpClient, err := client.NewClient(
		client.WithDialTimeout(dial),
		client.WithClientReadTimeout(read),
		client.WithWriteTimeout(write),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http client: %w", err)
	}
	return httpClient, nil
}

// SetToken sets the authentication token
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// GetToken returns the current token
func (c *Client) GetToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetUnauthorizedHandler replaces the 401 hook
func (c *Client) SetUnauthorizedHandler(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUnauthorized = fn
}

// request makes an HTTP request and decodes the JSON answer into result
func (c *Client) request(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	token := c.GetToken()
	if token == "" {
		return ErrTokenMissing
	}

	req := &protocol.Request{}
	resp := &protocol.Response{}

	req.SetMethod(method)
	req.SetRequestURI(c.baseURL + c.prefix + path)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.SetBody(jsonBody)
	}

	if err := c.httpClient.Do(ctx, req, resp); err != nil {
		log.CtxDebug(ctx, "request failed: method=%s, path=%s, error=%v", method, path, err)
		return ErrNetwork.Wrap(err)
	}

	status := resp.StatusCode()
	if status < consts.StatusOK || status >= consts.StatusMultipleChoices {
		apiErr := errorFromStatus(status, resp.Body())
		if status == consts.StatusUnauthorized {
			c.unauthorized(ctx)
		}
		return apiErr
	}

	if result == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), result); err != nil {
		return ErrBadResponse.Wrap(err)
	}
	return nil
}

func (c *Client) unauthorized(ctx context.Context) {
	c.mu.RLock()
	fn := c.onUnauthorized
	c.mu.RUnlock()

	log.CtxWarn(ctx, "credential rejected by server, triggering logout")
	if fn != nil {
		fn()
	}
}

// get makes a GET request
func (c *Client) get(ctx context.Context, path string, result interface{}) error {
	return c.request(ctx, consts.MethodGet, path, nil, result)
}

// post makes a POST request
func (c *Client) post(ctx context.Context, path string, body interface{}, result interface{}) error {
	return c.request(ctx, consts.MethodPost, path, body, result)
}
