package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/teslashibe/voicebridge/pkg/audio"
)

// Link is one negotiated connection to the speech model. A Link is never
// reused after Done is closed; the client dials a new one.
type Link interface {
	// SendEvent writes one JSON event on the side channel.
	SendEvent(ctx context.Context, data []byte) error

	// SendAudio writes one frame on the media transport.
	SendAudio(fr audio.Frame) error

	// Events delivers raw inbound JSON events, in receipt order.
	Events() <-chan []byte

	// Audio delivers decoded inbound audio, in receipt order.
	Audio() <-chan audio.Frame

	// Done is closed when the transport is lost or closed.
	Done() <-chan struct{}

	// Err reports why Done was closed.
	Err() error

	// Close tears the link down.
	Close() error
}

// Dialer negotiates new Links.
type Dialer interface {
	Dial(ctx context.Context, cred Credentials) (Link, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, cred Credentials) (Link, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, cred Credentials) (Link, error) {
	return f(ctx, cred)
}

// Credentials are the short-lived session credentials.
type Credentials struct {
	Token     string
	ExpiresAt time.Time
}

// Authenticator exchanges credentials before each negotiation.
type Authenticator interface {
	Exchange(ctx context.Context) (Credentials, error)
}

// SessionAuth exchanges the long-lived API key for an ephemeral client
// secret over HTTP.
type SessionAuth struct {
	BaseURL string
	APIKey  string
	Model   string
	Voice   string
	Client  *http.Client
}

// Exchange implements Authenticator.
func (a *SessionAuth) Exchange(ctx context.Context) (Credentials, error) {
	body, err := json.Marshal(map[string]string{
		"model": a.Model,
		"voice": a.Voice,
	})
	if err != nil {
		return Credentials{}, &AuthError{Message: "encode request", Cause: err}
	}

	url := strings.TrimRight(a.BaseURL, "/") + "/v1/realtime/sessions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Credentials{}, &AuthError{Message: "build request", Cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+a.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.Client.Do(req)
	if err != nil {
		// No response means the endpoint was unreachable, not that the key
		// was rejected.
		cause := NewConnectionError("session exchange", err, ctx.Err() == nil)
		return Credentials{}, &AuthError{Message: "request failed", Cause: cause}
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Credentials{}, &AuthError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}

	var out struct {
		ClientSecret struct {
			Value     string `json:"value"`
			ExpiresAt int64  `json:"expires_at"`
		} `json:"client_secret"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return Credentials{}, &AuthError{Message: "decode response", Cause: err}
	}
	if out.ClientSecret.Value == "" {
		return Credentials{}, &AuthError{Message: "response carried no client secret"}
	}

	cred := Credentials{Token: out.ClientSecret.Value}
	if out.ClientSecret.ExpiresAt > 0 {
		cred.ExpiresAt = time.Unix(out.ClientSecret.ExpiresAt, 0)
	}
	return cred, nil
}

// NewDialer returns the dialer for the configured transport.
func NewDialer(cfg *Config) (Dialer, error) {
	switch cfg.Transport {
	case TransportWebRTC:
		return &WebRTCDialer{Config: cfg}, nil
	case TransportWebSocket:
		return &WebSocketDialer{Config: cfg}, nil
	default:
		return nil, fmt.Errorf("realtime: unknown transport %q", cfg.Transport)
	}
}

// linkBase carries the channels and failure signaling shared by links.
type linkBase struct {
	events chan []byte
	audio  chan audio.Frame
	done   chan struct{}

	closeOnce chan struct{}
	err       error
}

func newLinkBase(eventBuf, audioBuf int) linkBase {
	return linkBase{
		events:    make(chan []byte, eventBuf),
		audio:     make(chan audio.Frame, audioBuf),
		done:      make(chan struct{}),
		closeOnce: make(chan struct{}, 1),
	}
}

// fail closes done once, recording err.
func (l *linkBase) fail(err error) bool {
	select {
	case l.closeOnce <- struct{}{}:
		l.err = err
		close(l.done)
		return true
	default:
		return false
	}
}

func (l *linkBase) Events() <-chan []byte     { return l.events }
func (l *linkBase) Audio() <-chan audio.Frame { return l.audio }
func (l *linkBase) Done() <-chan struct{}     { return l.done }

func (l *linkBase) Err() error {
	select {
	case <-l.done:
		return l.err
	default:
		return nil
	}
}

// deliverEvent queues an inbound event, giving up once the link is done.
func (l *linkBase) deliverEvent(data []byte) {
	select {
	case l.events <- data:
	case <-l.done:
	}
}

// deliverAudio queues inbound audio, dropping the oldest frame when full.
func (l *linkBase) deliverAudio(fr audio.Frame) {
	for {
		select {
		case l.audio <- fr:
			return
		default:
		}
		select {
		case <-l.audio:
		default:
		}
	}
}
