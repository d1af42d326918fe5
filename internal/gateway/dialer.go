package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/mbeoliero/marketchat/internal/config"
	"github.com/mbeoliero/marketchat/pkg/errcode"
)

// Dialer opens the channel connection
type Dialer interface {
	Dial(ctx context.Context, rawURL string, header http.Header) (ClientConn, error)
}

// WebSocketDialer dials the channel with gorilla/websocket
type WebSocketDialer struct {
	dialer *websocket.Dialer
	cfg    config.GatewayConfig
}

// NewWebSocketDialer creates a dialer using the gateway settings
func NewWebSocketDialer(cfg config.GatewayConfig) *WebSocketDialer {
	return &WebSocketDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		cfg: cfg,
	}
}

// Dial performs the websocket handshake. A 401 handshake response is reported as ErrUnauthorized.
func (d *WebSocketDialer) Dial(ctx context.Context, rawURL string, header http.Header) (ClientConn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, errcode.ErrUnauthorized.Wrap(err)
		}
		return nil, errcode.ErrNetwork.Wrap(fmt.Errorf("dial %s: %w", redactToken(rawURL), err))
	}
	return NewWebSocketClientConn(conn, d.cfg), nil
}

// channelURL appends the credential to the gateway url
func channelURL(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid gateway url: %w", err)
	}
	q := u.Query()
	q.Set(QueryToken, token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func redactToken(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	if q.Has(QueryToken) {
		q.Set(QueryToken, "***")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
