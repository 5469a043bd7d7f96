// Package config loads voicebridge settings from an optional YAML file
// overlaid by environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teslashibe/voicebridge/internal/log"
	"github.com/teslashibe/voicebridge/pkg/audio"
	"github.com/teslashibe/voicebridge/pkg/backend"
	"github.com/teslashibe/voicebridge/pkg/dispatch"
	"github.com/teslashibe/voicebridge/pkg/realtime"
	"github.com/teslashibe/voicebridge/pkg/recorder"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "VOICEBRIDGE_"

// ErrInvalid is matched by every ConfigError.
var ErrInvalid = errors.New("config: invalid")

// ConfigError reports one invalid field.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// Is reports whether target is ErrInvalid.
func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalid
}

// Config is the root configuration.
type Config struct {
	Server   ServerConfig                   `yaml:"server"`
	Log      log.Options                    `yaml:"log"`
	Speech   SpeechConfig                   `yaml:"speech"`
	Backends map[backend.Kind]BackendConfig `yaml:"backends"`
	Dispatch DispatchConfig                 `yaml:"dispatch"`
	Store    recorder.StoreConfig           `yaml:"store"`
	Session  SessionConfig                  `yaml:"session"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// Addr to listen on.
	// Default: ":8080"
	Addr string `yaml:"addr"`

	// AllowOrigins enables CORS when set, e.g. "*".
	AllowOrigins string `yaml:"allow_origins"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 10s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SpeechConfig configures the speech model connection.
type SpeechConfig struct {
	APIKey            string             `yaml:"api_key"`
	BaseURL           string             `yaml:"base_url"`
	Model             string             `yaml:"model"`
	Voice             string             `yaml:"voice"`
	Transport         realtime.Transport `yaml:"transport"`
	SampleRate        int                `yaml:"sample_rate"`
	ICEServers        []string           `yaml:"ice_servers"`
	ReconnectAttempts int                `yaml:"reconnect_attempts"`
	ReconnectBase     time.Duration      `yaml:"reconnect_base"`
}

// BackendConfig configures one delegated backend.
type BackendConfig struct {
	URL         string               `yaml:"url"`
	DialTimeout time.Duration        `yaml:"dial_timeout"`
	OAuth       *backend.OAuthConfig `yaml:"oauth"`
}

// DispatchConfig tunes tool dispatch and narration.
type DispatchConfig struct {
	ToolTimeout     time.Duration `yaml:"tool_timeout"`
	NarrationBudget int           `yaml:"narration_budget"`
	NarrationRate   float64       `yaml:"narration_rate"`
	NarrationBurst  int           `yaml:"narration_burst"`
	Verbosity       string        `yaml:"verbosity"`
	QueueSize       int           `yaml:"queue_size"`
}

// SessionConfig tunes session lifecycle.
type SessionConfig struct {
	// IdleTimeout closes a session without peers. Negative disables it.
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	TeardownDeadline time.Duration `yaml:"teardown_deadline"`
	MaxPeers         int           `yaml:"max_peers"`
	MaxSessions      int           `yaml:"max_sessions"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	rt := realtime.DefaultConfig()
	d := dispatch.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Log: log.Options{Level: "info"},
		Speech: SpeechConfig{
			BaseURL:           rt.BaseURL,
			Model:             rt.Model,
			Voice:             rt.Voice,
			Transport:         rt.Transport,
			SampleRate:        audio.DefaultSampleRate,
			ReconnectAttempts: rt.ReconnectAttempts,
			ReconnectBase:     rt.ReconnectBase,
		},
		Backends: map[backend.Kind]BackendConfig{},
		Dispatch: DispatchConfig{
			ToolTimeout:     d.ToolTimeout,
			NarrationBudget: d.NarrationBudget,
			NarrationRate:   d.NarrationRate,
			NarrationBurst:  d.NarrationBurst,
			Verbosity:       string(d.Verbosity),
			QueueSize:       d.QueueSize,
		},
		Store: recorder.StoreConfig{Driver: recorder.DriverMemory},
		Session: SessionConfig{
			IdleTimeout:      5 * time.Minute,
			TeardownDeadline: 5 * time.Second,
			MaxPeers:         8,
		},
	}
}

// Load reads path when non-empty, applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Read is Load without validation, for commands that need only part of
// the configuration.
func Read(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return &ConfigError{Field: key, Message: "must be an integer"}
		}
		*dst = n
		return nil
	}
	duration := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return &ConfigError{Field: key, Message: "must be a duration"}
		}
		*dst = d
		return nil
	}

	str("OPENAI_API_KEY", &c.Speech.APIKey)
	str(EnvPrefix+"SPEECH_API_KEY", &c.Speech.APIKey)
	str(EnvPrefix+"ADDR", &c.Server.Addr)
	str(EnvPrefix+"ALLOW_ORIGINS", &c.Server.AllowOrigins)
	str(EnvPrefix+"LOG_LEVEL", &c.Log.Level)
	str(EnvPrefix+"LOG_FORMAT", &c.Log.Format)
	str(EnvPrefix+"SPEECH_BASE_URL", &c.Speech.BaseURL)
	str(EnvPrefix+"SPEECH_MODEL", &c.Speech.Model)
	str(EnvPrefix+"SPEECH_VOICE", &c.Speech.Voice)
	var transport string
	str(EnvPrefix+"SPEECH_TRANSPORT", &transport)
	if transport != "" {
		c.Speech.Transport = realtime.Transport(transport)
	}
	if v, ok := lookup(EnvPrefix + "ICE_SERVERS"); ok && v != "" {
		c.Speech.ICEServers = splitList(v)
	}
	str(EnvPrefix+"STORE_DRIVER", &c.Store.Driver)
	str(EnvPrefix+"STORE_DSN", &c.Store.DSN)
	str(EnvPrefix+"REDIS_ADDR", &c.Store.RedisAddr)
	str(EnvPrefix+"REDIS_PASSWORD", &c.Store.RedisPassword)
	str(EnvPrefix+"NARRATION_VERBOSITY", &c.Dispatch.Verbosity)

	for _, kind := range backend.Kinds {
		key := EnvPrefix + strings.ToUpper(string(kind)) + "_URL"
		if v, ok := lookup(key); ok && v != "" {
			if c.Backends == nil {
				c.Backends = map[backend.Kind]BackendConfig{}
			}
			b := c.Backends[kind]
			b.URL = v
			c.Backends[kind] = b
		}
	}

	for _, err := range []error{
		integer(EnvPrefix+"SAMPLE_RATE", &c.Speech.SampleRate),
		integer(EnvPrefix+"MAX_SESSIONS", &c.Session.MaxSessions),
		duration(EnvPrefix+"IDLE_TIMEOUT", &c.Session.IdleTimeout),
		duration(EnvPrefix+"TOOL_TIMEOUT", &c.Dispatch.ToolTimeout),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return &ConfigError{Field: "server.addr", Message: "is required"}
	}
	if c.Speech.APIKey == "" {
		return &ConfigError{Field: "speech.api_key", Message: "is required (or set OPENAI_API_KEY)"}
	}
	if c.Speech.Transport != realtime.TransportWebRTC && c.Speech.Transport != realtime.TransportWebSocket {
		return &ConfigError{Field: "speech.transport", Message: fmt.Sprintf("unknown transport %q", c.Speech.Transport)}
	}
	if c.Speech.Voice != "" && !realtime.ValidVoice(c.Speech.Voice) {
		return &ConfigError{Field: "speech.voice", Message: fmt.Sprintf("unknown voice %q", c.Speech.Voice)}
	}
	if err := c.Format().Validate(); err != nil {
		return &ConfigError{Field: "speech.sample_rate", Message: err.Error()}
	}
	if c.Speech.ReconnectAttempts < 0 {
		return &ConfigError{Field: "speech.reconnect_attempts", Message: "must not be negative"}
	}
	for kind, b := range c.Backends {
		field := "backends." + string(kind)
		if _, err := backend.ParseKind(string(kind)); err != nil {
			return &ConfigError{Field: field, Message: "unknown backend"}
		}
		if !strings.HasPrefix(b.URL, "ws://") && !strings.HasPrefix(b.URL, "wss://") {
			return &ConfigError{Field: field + ".url", Message: "must be a ws:// or wss:// URL"}
		}
		if b.OAuth != nil && (b.OAuth.TokenURL == "" || b.OAuth.ClientID == "") {
			return &ConfigError{Field: field + ".oauth", Message: "token_url and client_id are required"}
		}
	}
	if _, err := dispatch.ParseVerbosity(c.Dispatch.Verbosity); err != nil {
		return &ConfigError{Field: "dispatch.verbosity", Message: err.Error()}
	}
	if c.Dispatch.NarrationRate < 0 {
		return &ConfigError{Field: "dispatch.narration_rate", Message: "must not be negative"}
	}
	switch c.Store.Driver {
	case "", recorder.DriverMemory, recorder.DriverRedis:
	case recorder.DriverSQLite, recorder.DriverPostgres, recorder.DriverMySQL:
		if c.Store.DSN == "" {
			return &ConfigError{Field: "store.dsn", Message: "is required for " + c.Store.Driver}
		}
	default:
		return &ConfigError{Field: "store.driver", Message: fmt.Sprintf("unknown driver %q", c.Store.Driver)}
	}
	if c.Store.Driver == recorder.DriverRedis && c.Store.RedisAddr == "" {
		return &ConfigError{Field: "store.redis_addr", Message: "is required for redis"}
	}
	if c.Session.MaxSessions < 0 {
		return &ConfigError{Field: "session.max_sessions", Message: "must not be negative"}
	}
	return nil
}

// Format returns the session audio format.
func (c Config) Format() audio.Format {
	f := audio.DefaultFormat()
	if c.Speech.SampleRate != 0 {
		f.SampleRate = c.Speech.SampleRate
	}
	return f
}

// BackendKinds returns the configured backends in canonical order.
func (c Config) BackendKinds() []backend.Kind {
	kinds := []backend.Kind{}
	for _, k := range backend.Kinds {
		if _, ok := c.Backends[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// BackendConfigs converts the backends section for dispatch.BackendDialer.
func (c Config) BackendConfigs() map[backend.Kind]backend.Config {
	out := make(map[backend.Kind]backend.Config, len(c.Backends))
	for kind, b := range c.Backends {
		out[kind] = backend.Config{
			Kind:        kind,
			URL:         b.URL,
			DialTimeout: b.DialTimeout,
			OAuth:       b.OAuth,
		}
	}
	return out
}

// RealtimeOptions converts the speech section into client options.
func (c Config) RealtimeOptions() []realtime.Option {
	opts := []realtime.Option{
		realtime.WithAPIKey(c.Speech.APIKey),
		realtime.WithTransport(c.Speech.Transport),
		realtime.WithReconnect(c.Speech.ReconnectAttempts, c.Speech.ReconnectBase),
	}
	if c.Speech.BaseURL != "" {
		opts = append(opts, realtime.WithBaseURL(c.Speech.BaseURL))
	}
	if c.Speech.Model != "" {
		opts = append(opts, realtime.WithModel(c.Speech.Model))
	}
	if c.Speech.Voice != "" {
		opts = append(opts, realtime.WithVoice(c.Speech.Voice))
	}
	if len(c.Speech.ICEServers) > 0 {
		opts = append(opts, realtime.WithICEServers(c.Speech.ICEServers...))
	}
	return opts
}

// Verbosity returns the parsed default narration verbosity.
func (c Config) Verbosity() dispatch.Verbosity {
	v, err := dispatch.ParseVerbosity(c.Dispatch.Verbosity)
	if err != nil {
		return dispatch.VerbositySummary
	}
	return v
}
