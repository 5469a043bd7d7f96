package session

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/teslashibe/voicebridge/pkg/audio"
	"github.com/teslashibe/voicebridge/pkg/backend"
	"github.com/teslashibe/voicebridge/pkg/dispatch"
	"github.com/teslashibe/voicebridge/pkg/peer"
	"github.com/teslashibe/voicebridge/pkg/realtime"
	"github.com/teslashibe/voicebridge/pkg/recorder"
)

// VoiceConfig is the per-session configuration sent with POST /session.
type VoiceConfig struct {
	Voice              string                 `json:"voice,omitempty"`
	Instructions       string                 `json:"instructions,omitempty"`
	TurnDetection      realtime.TurnDetection `json:"turn_detection"`
	Transcription      *bool                  `json:"transcription,omitempty"`
	NarrationVerbosity string                 `json:"narration_verbosity,omitempty"`
	Backends           []string               `json:"backends,omitempty"`
	SampleRate         int                    `json:"sample_rate,omitempty"`
}

// Request creates a session.
type Request struct {
	ConversationID string      `json:"conversation_id"`
	PeerOffer      string      `json:"peer_offer"`
	PeerRole       string      `json:"peer_role,omitempty"`
	VoiceConfig    VoiceConfig `json:"voice_config"`
}

// plan is a validated Request.
type plan struct {
	conversationID string
	offer          string
	role           peer.Role
	options        realtime.SessionOptions
	verbosity      dispatch.Verbosity
	backends       []backend.Kind
	format         audio.Format
}

// validate checks req against the configured backends and audio format.
func validate(req Request, cfg Config) (plan, error) {
	p := plan{conversationID: req.ConversationID, offer: req.PeerOffer, format: cfg.Format}
	if req.ConversationID == "" {
		return plan{}, &ValidationError{Field: "conversation_id", Message: "is required"}
	}

	role, err := peer.ParseRole(req.PeerRole, peer.RolePrimary)
	if err != nil {
		return plan{}, &ValidationError{Field: "peer_role", Message: err.Error()}
	}
	p.role = role

	vc := req.VoiceConfig
	transcription := true
	if vc.Transcription != nil {
		transcription = *vc.Transcription
	}
	p.options = realtime.SessionOptions{
		Voice:         vc.Voice,
		Instructions:  vc.Instructions,
		TurnDetection: vc.TurnDetection,
		Transcription: transcription,
	}
	if err := p.options.Validate(); err != nil {
		return plan{}, &ValidationError{Field: "voice_config", Message: err.Error()}
	}

	if p.verbosity, err = dispatch.ParseVerbosity(vc.NarrationVerbosity); err != nil {
		return plan{}, &ValidationError{Field: "narration_verbosity", Message: err.Error()}
	}

	if vc.Backends == nil {
		p.backends = slices.Clone(cfg.Backends)
	} else {
		p.backends = []backend.Kind{}
		for _, name := range vc.Backends {
			k, err := backend.ParseKind(name)
			if err != nil {
				return plan{}, &ValidationError{Field: "backends", Message: err.Error()}
			}
			if !slices.Contains(cfg.Backends, k) {
				return plan{}, &ValidationError{Field: "backends", Message: fmt.Sprintf("%s is not configured", k)}
			}
			if !slices.Contains(p.backends, k) {
				p.backends = append(p.backends, k)
			}
		}
	}

	if vc.SampleRate != 0 && vc.SampleRate != cfg.Format.SampleRate {
		return plan{}, &ValidationError{
			Field:   "sample_rate",
			Message: fmt.Sprintf("%d Hz does not match the speech model's %d Hz; no resampling is performed", vc.SampleRate, cfg.Format.SampleRate),
		}
	}
	p.options.Tools = dispatch.Manifest(p.backends)
	return p, nil
}

// Model is the speech model leg. *realtime.Client implements it.
type Model interface {
	Connect(ctx context.Context) error
	ConfigureSession(ctx context.Context, opts realtime.SessionOptions) error
	SendAudio(fr audio.Frame) error
	CommitTurn(ctx context.Context) error
	ClearInput(ctx context.Context) error
	SendFunctionResult(ctx context.Context, callID string, res realtime.FunctionResult) error
	InjectText(ctx context.Context, role, text string, respond bool) error
	Events() <-chan realtime.Event
	Audio() <-chan audio.Frame
	Failed() <-chan struct{}
	Err() error
	Close() error
}

// ModelFactory builds the speech model leg for one session. The observer
// must be installed so every model event is recorded.
type ModelFactory func(format audio.Format, observer realtime.Observer, logger *slog.Logger) (Model, error)

// Deps are the collaborators shared by every session.
type Deps struct {
	Model      ModelFactory
	Negotiator peer.Negotiator
	Backends   dispatch.DialFunc
	Recorder   *recorder.Recorder
}

// Leg names a connection of a session.
type Leg string

const (
	LegPeer    Leg = "peer"
	LegBackend Leg = "backend"
	LegModel   Leg = "speech_model"
)

// LegFunc is called once per leg when it closes.
type LegFunc func(leg Leg, id string, err error)

// Config holds session settings.
type Config struct {
	// Format every leg must use.
	Format audio.Format

	// Backends configured for the process. Sessions may enable a subset.
	Backends []backend.Kind

	// IdleTimeout closes a session that has had no peers for this long.
	// Zero disables it.
	// Default: 5m
	IdleTimeout time.Duration

	// TeardownDeadline bounds Close.
	// Default: 5s
	TeardownDeadline time.Duration

	// AudioRecordInterval coalesces audio metadata events.
	// Default: 1s
	AudioRecordInterval time.Duration

	// MaxSessions bounds concurrent sessions in a Registry. Zero is unlimited.
	MaxSessions int

	Peer     peer.Config
	Dispatch dispatch.Config

	// OnLegClosed observes every leg closing.
	OnLegClosed LegFunc

	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Format:              audio.DefaultFormat(),
		Backends:            backend.Kinds,
		IdleTimeout:         5 * time.Minute,
		TeardownDeadline:    5 * time.Second,
		AudioRecordInterval: time.Second,
		Peer:                peer.DefaultConfig(),
		Dispatch:            dispatch.DefaultConfig(),
		Logger:              slog.Default(),
	}
}

func (c *Config) defaults() {
	def := DefaultConfig()
	if c.Format.SampleRate == 0 {
		c.Format = def.Format
	}
	if c.Backends == nil {
		c.Backends = def.Backends
	}
	if c.TeardownDeadline <= 0 {
		c.TeardownDeadline = def.TeardownDeadline
	}
	if c.AudioRecordInterval <= 0 {
		c.AudioRecordInterval = def.AudioRecordInterval
	}
	if c.Logger == nil {
		c.Logger = def.Logger
	}
}
