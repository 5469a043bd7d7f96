// Package realtime is the speech model client: it negotiates a session,
// streams audio both ways, surfaces normalized events and returns function
// results exactly once.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/voicebridge/pkg/audio"
)

// Client is a connection to the speech model that survives transport drops
// by redialing with exponential backoff.
type Client struct {
	cfg    *Config
	logger *slog.Logger
	dialer Dialer
	auth   Authenticator

	mu      sync.Mutex
	link    Link
	state   ConnectionState
	session *SessionOptions
	pending map[string]string // call id -> tool name
	started bool

	events chan Event
	audio  chan audio.Frame

	closed    chan struct{}
	closeOnce sync.Once
	failed    chan struct{}
	failOnce  sync.Once
	err       error

	wg sync.WaitGroup
}

// New creates a client for the configured transport.
func New(opts ...Option) (*Client, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dialer, err := NewDialer(cfg)
	if err != nil {
		return nil, err
	}
	auth := &SessionAuth{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
		Voice:   cfg.Voice,
		Client:  cfg.HTTPClient,
	}
	return newClient(cfg, dialer, auth), nil
}

// NewWithDialer creates a client over an explicit dialer and authenticator.
// A nil authenticator skips the credential exchange.
func NewWithDialer(dialer Dialer, auth Authenticator, opts ...Option) (*Client, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if auth != nil || cfg.APIKey != "" {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	} else if err := cfg.Format.Validate(); err != nil {
		return nil, err
	}
	return newClient(cfg, dialer, auth), nil
}

func newClient(cfg *Config, dialer Dialer, auth Authenticator) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		logger:  logger.With("component", "realtime.client"),
		dialer:  dialer,
		auth:    auth,
		pending: make(map[string]string),
		events:  make(chan Event, cfg.EventBuffer),
		audio:   make(chan audio.Frame, cfg.AudioBuffer),
		closed:  make(chan struct{}),
		failed:  make(chan struct{}),
	}
}

// Connect exchanges credentials and negotiates the first link. Auth and
// negotiation failures are fatal and returned as is.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case StateDisconnected:
	default:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = StateConnecting
	c.mu.Unlock()

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	link, err := c.dial(ctx)
	if err != nil {
		c.setState(StateFailed)
		c.logger.Error("connect failed", "error", err)
		return err
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		_ = link.Close()
		return ErrClosed
	}
	c.link = link
	c.state = StateConnected
	c.started = true
	c.mu.Unlock()

	c.logger.Info("connected",
		"transport", c.cfg.Transport,
		"model", c.cfg.Model,
		"latency", time.Since(start))

	c.wg.Add(1)
	go c.run(link)
	return nil
}

func (c *Client) dial(ctx context.Context) (Link, error) {
	var cred Credentials
	if c.auth != nil {
		var err error
		cred, err = c.auth.Exchange(ctx)
		if err != nil {
			return nil, err
		}
	}
	return c.dialer.Dial(ctx, cred)
}

// ConfigureSession sends the session options. They are kept and re-sent
// after every reconnect.
func (c *Client) ConfigureSession(ctx context.Context, opts SessionOptions) error {
	opts.Normalize(c.cfg.Voice)
	if err := opts.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	stored := opts
	c.session = &stored
	c.mu.Unlock()

	return c.send(ctx, buildSessionUpdate(opts, c.cfg.Voice))
}

// Session returns the last configured options.
func (c *Client) Session() (SessionOptions, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return SessionOptions{}, false
	}
	return *c.session, true
}

// SendAudio forwards one frame of user audio. Frames in another format are
// rejected with an *audio.FormatError.
func (c *Client) SendAudio(fr audio.Frame) error {
	if err := fr.Check(c.cfg.Format); err != nil {
		return err
	}
	link, err := c.activeLink()
	if err != nil {
		return err
	}
	return link.SendAudio(fr)
}

// CommitTurn ends the user's turn and asks for a response. It is the only
// way to obtain a response in manual turn mode.
func (c *Client) CommitTurn(ctx context.Context) error {
	if !c.configured() {
		return ErrSessionNotConfigured
	}
	if err := c.send(ctx, map[string]any{"type": typeInputCommit}); err != nil {
		return err
	}
	return c.send(ctx, map[string]any{"type": typeResponseCreate})
}

// ClearInput discards buffered user audio.
func (c *Client) ClearInput(ctx context.Context) error {
	if !c.configured() {
		return ErrSessionNotConfigured
	}
	return c.send(ctx, map[string]any{"type": typeInputClear})
}

// SendFunctionResult answers an outstanding function call. Each call is
// answered at most once; a second result returns ErrUnknownCall.
func (c *Client) SendFunctionResult(ctx context.Context, callID string, res FunctionResult) error {
	c.mu.Lock()
	name, ok := c.pending[callID]
	if ok {
		delete(c.pending, callID)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}

	output, err := json.Marshal(res)
	if err != nil {
		c.restorePending(callID, name)
		return fmt.Errorf("realtime: encode function result: %w", err)
	}
	if err := c.send(ctx, buildFunctionOutput(callID, string(output))); err != nil {
		c.restorePending(callID, name)
		return err
	}
	if !c.manual() {
		return c.send(ctx, map[string]any{"type": typeResponseCreate})
	}
	return nil
}

func (c *Client) restorePending(callID, name string) {
	c.mu.Lock()
	c.pending[callID] = name
	c.mu.Unlock()
}

// PendingCalls returns the number of function calls awaiting a result.
func (c *Client) PendingCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// InjectText adds a message to the model's conversation. When respond is
// set and the turn mode is not manual, a response is requested.
func (c *Client) InjectText(ctx context.Context, role, text string, respond bool) error {
	switch role {
	case "user", "assistant", "system":
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidOptions, role)
	}
	if err := c.send(ctx, buildMessageItem(role, text)); err != nil {
		return err
	}
	if respond && !c.manual() {
		return c.send(ctx, map[string]any{"type": typeResponseCreate})
	}
	return nil
}

// Events delivers normalized inbound events. It is closed when the client
// closes or fails.
func (c *Client) Events() <-chan Event { return c.events }

// Audio delivers model audio frames. It is closed with Events.
func (c *Client) Audio() <-chan audio.Frame { return c.audio }

// Failed is closed when reconnection is exhausted.
func (c *Client) Failed() <-chan struct{} { return c.failed }

// Err reports why the client failed.
func (c *Client) Err() error {
	select {
	case <-c.failed:
		return c.err
	default:
		return nil
	}
}

// State returns the connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Format returns the negotiated audio format.
func (c *Client) Format() audio.Format { return c.cfg.Format }

// Close tears down the link and stops reconnecting.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		link := c.link
		started := c.started
		c.mu.Unlock()

		close(c.closed)
		if link != nil {
			err = link.Close()
		}
		c.wg.Wait()
		if !started {
			close(c.events)
			close(c.audio)
		}
		c.logger.Info("closed")
	})
	return err
}

func (c *Client) configured() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

func (c *Client) manual() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil && c.session.TurnDetection.Mode == TurnManual
}

func (c *Client) setState(s ConnectionState) {
	c.mu.Lock()
	if c.state != StateClosed {
		c.state = s
	}
	c.mu.Unlock()
}

func (c *Client) activeLink() (Link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateClosed:
		return nil, ErrClosed
	case StateConnected:
		return c.link, nil
	default:
		return nil, ErrNotConnected
	}
}

func (c *Client) send(ctx context.Context, msg map[string]any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("realtime: encode event: %w", err)
	}
	link, err := c.activeLink()
	if err != nil {
		return err
	}
	if err := link.SendEvent(ctx, data); err != nil {
		return err
	}
	c.observe(Outbound, data)
	return nil
}

func (c *Client) observe(dir Direction, data []byte) {
	if c.cfg.Observer == nil {
		return
	}
	c.cfg.Observer.Observe(dir, CanonicalType(dir, data), json.RawMessage(data))
}

// run pumps one link after another until the client closes or fails.
func (c *Client) run(link Link) {
	defer c.wg.Done()
	defer close(c.audio)
	defer close(c.events)

	for {
		if !c.pump(link) {
			return
		}
		next, err := c.reconnect(link.Err())
		if err != nil {
			c.fail(err)
			return
		}
		link = next
	}
}

// pump forwards a link's traffic. It returns true when the link dropped
// while the client is still open.
func (c *Client) pump(link Link) bool {
	for {
		select {
		case <-c.closed:
			return false
		case data := <-link.Events():
			c.handle(data)
		case fr := <-link.Audio():
			deliverFrame(c.audio, fr)
		case <-link.Done():
			// Drain what arrived before the drop.
		drain:
			for {
				select {
				case data := <-link.Events():
					c.handle(data)
				default:
					break drain
				}
			}
			select {
			case <-c.closed:
				return false
			default:
				return true
			}
		}
	}
}

func (c *Client) handle(data []byte) {
	ev, err := ParseEvent(data)
	if err != nil {
		c.logger.Debug("dropping malformed event", "error", err)
		return
	}
	c.observe(Inbound, data)

	switch ev.Kind {
	case KindFunctionCall:
		if ev.CallID == "" {
			c.logger.Warn("function call without call id", "name", ev.Name)
			return
		}
		c.mu.Lock()
		c.pending[ev.CallID] = ev.Name
		c.mu.Unlock()
	case KindError:
		c.logger.Warn("model error", "code", ev.Err.Code, "message", ev.Err.Message)
	}

	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

func deliverFrame(ch chan audio.Frame, fr audio.Frame) {
	for {
		select {
		case ch <- fr:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (c *Client) reconnect(cause error) (Link, error) {
	c.setState(StateReconnecting)

	c.mu.Lock()
	dropped := len(c.pending)
	c.pending = make(map[string]string)
	c.mu.Unlock()

	c.logger.Warn("link lost, reconnecting", "error", cause, "abandoned_calls", dropped)

	b := c.cfg.Backoff()
	lastErr := cause
	for attempt := 1; attempt <= b.MaxAttempts; attempt++ {
		delay := b.Delay(attempt)
		select {
		case <-c.closed:
			return nil, ErrClosed
		case <-time.After(delay):
		}

		ctx, cancel := c.attemptContext()
		link, err := c.dial(ctx)
		if err != nil {
			cancel()
			lastErr = err
			c.logger.Warn("reconnect attempt failed", "attempt", attempt, "delay", delay, "error", err)
			if !IsRetryable(err) {
				break
			}
			continue
		}

		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			cancel()
			_ = link.Close()
			return nil, ErrClosed
		}
		c.link = link
		c.state = StateConnected
		session := c.session
		c.mu.Unlock()

		if session != nil {
			if err := c.send(ctx, buildSessionUpdate(*session, c.cfg.Voice)); err != nil {
				c.logger.Warn("re-sending session options failed", "error", err)
			}
		}
		cancel()
		c.logger.Info("reconnected", "attempt", attempt)
		return link, nil
	}

	return nil, fmt.Errorf("%w: %w", ErrReconnectExhausted, lastErr)
}

// attemptContext bounds one reconnect attempt and is cancelled by Close.
func (c *Client) attemptContext() (context.Context, context.CancelFunc) {
	timeout := c.cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (c *Client) fail(err error) {
	c.failOnce.Do(func() {
		if errors.Is(err, ErrClosed) {
			return
		}
		c.mu.Lock()
		if c.state != StateClosed {
			c.state = StateFailed
		}
		c.err = err
		c.mu.Unlock()
		c.logger.Error("speech model unavailable", "error", err)
		close(c.failed)
	})
}
