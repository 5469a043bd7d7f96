package backend

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/teslashibe/voicebridge/internal/httpc"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// OAuthConfig enables a client-credentials bearer token on the handshake.
type OAuthConfig struct {
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// Config configures one backend connection.
type Config struct {
	Kind Kind

	// URL is the websocket endpoint, ws:// or wss://.
	URL string

	// DialTimeout bounds the handshake.
	// Default: 10s
	DialTimeout time.Duration

	// EventBuffer bounds queued inbound events.
	// Default: 64
	EventBuffer int

	// OAuth is optional.
	OAuth *OAuthConfig

	// HTTPClient is used for the token exchange.
	HTTPClient *http.Client

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
	if c.HTTPClient == nil {
		c.HTTPClient = httpc.Client
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client is one live connection to a delegated backend.
type Client struct {
	kind   Kind
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	events  chan Event

	done     chan struct{}
	doneOnce sync.Once
	mu       sync.Mutex
	err      error
}

// Dial opens a connection. Failures are *ConnectionError.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cfg.defaults()
	if cfg.URL == "" {
		return nil, &ConnectionError{Backend: cfg.Kind, Cause: ErrNoURL}
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	headers := http.Header{}
	if cfg.OAuth != nil {
		tok, err := fetchToken(ctx, cfg)
		if err != nil {
			return nil, &ConnectionError{Backend: cfg.Kind, Cause: err}
		}
		tok.SetAuthHeader(&http.Request{Header: headers})
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	conn, resp, err := dialer.DialContext(ctx, cfg.URL, headers)
	if err != nil {
		ce := &ConnectionError{Backend: cfg.Kind, Cause: err}
		if resp != nil {
			ce.StatusCode = resp.StatusCode
		}
		return nil, ce
	}

	c := &Client{
		kind:   cfg.Kind,
		conn:   conn,
		logger: cfg.Logger.With("component", "backend.client", "backend", cfg.Kind),
		events: make(chan Event, cfg.EventBuffer),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	go c.keepAlive()
	c.logger.Info("backend connected", "url", cfg.URL)
	return c, nil
}

func fetchToken(ctx context.Context, cfg Config) (*oauth2.Token, error) {
	cc := clientcredentials.Config{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		TokenURL:     cfg.OAuth.TokenURL,
		Scopes:       cfg.OAuth.Scopes,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, cfg.HTTPClient)
	return cc.Token(ctx)
}

// Kind returns the backend identifier.
func (c *Client) Kind() Kind { return c.kind }

// SendUserMessage submits a new unit of work.
func (c *Client) SendUserMessage(ctx context.Context, text string) error {
	return c.writeJSON(ctx, userMessage{Type: TypeUserMessage, Text: text})
}

// SendControl sends a payload-free control signal.
func (c *Client) SendControl(ctx context.Context, action Action) error {
	return c.writeJSON(ctx, controlMessage{Type: TypeControl, Action: action})
}

func (c *Client) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		err = &ConnectionError{Backend: c.kind, Cause: err}
		c.fail(err)
		return err
	}
	return nil
}

// Events delivers inbound progress events in receipt order. It is never
// closed; select on Done as well.
func (c *Client) Events() <-chan Event { return c.events }

// Done is closed when the connection is lost or closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why Done was closed.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.fail(ErrClosed)
	return c.conn.Close()
}

func (c *Client) fail(err error) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !errors.Is(c.Err(), ErrClosed) {
				c.logger.Warn("backend connection lost", "error", err)
			}
			c.fail(&ConnectionError{Backend: c.kind, Cause: err})
			return
		}
		ev, err := ParseEvent(data)
		if err != nil {
			c.logger.Debug("ignoring frame", "error", err)
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

func (c *Client) keepAlive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.fail(&ConnectionError{Backend: c.kind, Cause: err})
				return
			}
		}
	}
}
