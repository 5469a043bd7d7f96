package realtime

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/teslashibe/voicebridge/internal/httpc"
	"github.com/teslashibe/voicebridge/pkg/audio"
)

// Defaults for the speech model connection.
const (
	DefaultBaseURL = "https://api.openai.com"
	DefaultModel   = "gpt-4o-realtime-preview-2024-12-17"

	DefaultReconnectAttempts = 5
	DefaultReconnectBase     = time.Second
	DefaultReconnectFactor   = 2.0
	DefaultReconnectMaxDelay = 30 * time.Second
)

// Transport selects how audio and events reach the speech model.
type Transport string

const (
	// TransportWebRTC negotiates a peer connection: events on a data channel,
	// audio as RTP L16 on a media track.
	TransportWebRTC Transport = "webrtc"
	// TransportWebSocket carries events and base64 PCM16 audio on one socket.
	TransportWebSocket Transport = "websocket"
)

// Supported voices.
const (
	VoiceAlloy   = "alloy"
	VoiceAsh     = "ash"
	VoiceBallad  = "ballad"
	VoiceCoral   = "coral"
	VoiceEcho    = "echo"
	VoiceSage    = "sage"
	VoiceShimmer = "shimmer"
	VoiceVerse   = "verse"
)

var voices = map[string]bool{
	VoiceAlloy: true, VoiceAsh: true, VoiceBallad: true, VoiceCoral: true,
	VoiceEcho: true, VoiceSage: true, VoiceShimmer: true, VoiceVerse: true,
}

// ValidVoice reports whether v is a supported voice.
func ValidVoice(v string) bool {
	return voices[v]
}

// Config holds configuration for the speech model client.
type Config struct {
	// APIKey is the long-lived key exchanged for session credentials.
	APIKey string

	// BaseURL is the HTTP endpoint of the speech model service.
	BaseURL string

	// Model is the realtime model to use.
	Model string

	// Voice is the default voice when SessionOptions leave it empty.
	Voice string

	// Transport selects the media transport.
	Transport Transport

	// Format is the audio format every leg must match.
	Format audio.Format

	// ICEServers are STUN/TURN URLs for the WebRTC transport.
	ICEServers []string

	// Timeout bounds credential exchange and negotiation.
	Timeout time.Duration

	// ReadTimeout is the websocket read deadline, reset on every message.
	ReadTimeout time.Duration

	// Reconnect policy after a transport-level disconnect.
	ReconnectAttempts int
	ReconnectBase     time.Duration
	ReconnectFactor   float64
	ReconnectMaxDelay time.Duration

	// EventBuffer and AudioBuffer size the inbound queues.
	EventBuffer int
	AudioBuffer int

	// HTTPClient is used for credential and session description exchange.
	HTTPClient *http.Client

	// Logger is the structured logger to use.
	Logger *slog.Logger

	// Observer sees every event sent and received.
	Observer Observer
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:           DefaultBaseURL,
		Model:             DefaultModel,
		Voice:             VoiceShimmer,
		Transport:         TransportWebRTC,
		Format:            audio.DefaultFormat(),
		Timeout:           30 * time.Second,
		ReadTimeout:       2 * time.Minute,
		ReconnectAttempts: DefaultReconnectAttempts,
		ReconnectBase:     DefaultReconnectBase,
		ReconnectFactor:   DefaultReconnectFactor,
		ReconnectMaxDelay: DefaultReconnectMaxDelay,
		EventBuffer:       256,
		AudioBuffer:       64,
		HTTPClient:        httpc.Client,
		Logger:            slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks the configuration for required fields.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}
	if c.Transport != TransportWebRTC && c.Transport != TransportWebSocket {
		return fmt.Errorf("realtime: unknown transport %q", c.Transport)
	}
	if c.Voice != "" && !ValidVoice(c.Voice) {
		return fmt.Errorf("realtime: unknown voice %q", c.Voice)
	}
	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("realtime: reconnect attempts must not be negative")
	}
	return c.Format.Validate()
}

// Backoff returns the reconnect policy.
func (c *Config) Backoff() Backoff {
	return Backoff{
		Base:        c.ReconnectBase,
		Factor:      c.ReconnectFactor,
		MaxDelay:    c.ReconnectMaxDelay,
		MaxAttempts: c.ReconnectAttempts,
	}
}

// Option is a functional option for configuring the client.
type Option func(*Config)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(c *Config) {
		c.APIKey = key
	}
}

// WithBaseURL sets the API base URL.
func WithBaseURL(url string) Option {
	return func(c *Config) {
		c.BaseURL = url
	}
}

// WithModel sets the realtime model.
func WithModel(model string) Option {
	return func(c *Config) {
		c.Model = model
	}
}

// WithVoice sets the default voice.
func WithVoice(voice string) Option {
	return func(c *Config) {
		c.Voice = voice
	}
}

// WithTransport selects the media transport.
func WithTransport(t Transport) Option {
	return func(c *Config) {
		c.Transport = t
	}
}

// WithFormat sets the negotiated audio format.
func WithFormat(f audio.Format) Option {
	return func(c *Config) {
		c.Format = f
	}
}

// WithICEServers sets STUN/TURN servers for the WebRTC transport.
func WithICEServers(urls ...string) Option {
	return func(c *Config) {
		c.ICEServers = urls
	}
}

// WithTimeout sets the connection timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.Timeout = d
	}
}

// WithReconnect configures reconnection behavior.
func WithReconnect(attempts int, base time.Duration) Option {
	return func(c *Config) {
		c.ReconnectAttempts = attempts
		c.ReconnectBase = base
	}
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Config) {
		c.HTTPClient = hc
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithObserver sets the event observer.
func WithObserver(o Observer) Option {
	return func(c *Config) {
		c.Observer = o
	}
}
