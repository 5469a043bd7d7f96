package realtime

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// ConnectionState represents the client connection state.
type ConnectionState int

const (
	// StateDisconnected indicates no active connection.
	StateDisconnected ConnectionState = iota
	// StateConnecting indicates connection is being established.
	StateConnecting
	// StateConnected indicates an active connection.
	StateConnected
	// StateReconnecting indicates reconnection is in progress.
	StateReconnecting
	// StateFailed indicates reconnection was exhausted.
	StateFailed
	// StateClosed indicates Close was called.
	StateClosed
)

// String returns a human-readable connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TurnMode selects how the model decides the user has finished speaking.
type TurnMode string

const (
	// TurnAutomatic uses server-side voice activity detection.
	TurnAutomatic TurnMode = "automatic"
	// TurnSemantic uses the model's semantic end-of-turn classifier.
	TurnSemantic TurnMode = "semantic"
	// TurnManual disables end-of-speech detection; the caller commits turns.
	TurnManual TurnMode = "manual"
)

// TurnDetection configures turn-taking.
type TurnDetection struct {
	Mode TurnMode `json:"mode" yaml:"mode"`

	// Sensitivity in [0, 1]; higher reacts to quieter speech (automatic)
	// or ends turns more eagerly (semantic). Ignored in manual mode.
	// Nil means DefaultSensitivity; 0 is the least sensitive setting.
	Sensitivity *float64 `json:"sensitivity,omitempty" yaml:"sensitivity,omitempty"`

	// PrefixPadding and SilenceDuration tune automatic mode.
	PrefixPadding   time.Duration `json:"prefix_padding,omitempty" yaml:"prefix_padding"`
	SilenceDuration time.Duration `json:"silence_duration,omitempty" yaml:"silence_duration"`
}

// DefaultSensitivity applies when TurnDetection.Sensitivity is unset.
const DefaultSensitivity = 0.5

// WithSensitivity returns a copy of td with the sensitivity set to v.
func (td TurnDetection) WithSensitivity(v float64) TurnDetection {
	td.Sensitivity = &v
	return td
}

// Level returns the effective sensitivity.
func (td TurnDetection) Level() float64 {
	if td.Sensitivity == nil {
		return DefaultSensitivity
	}
	return *td.Sensitivity
}

// ToolDescriptor describes one function the model may call.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Required    []string       `json:"required,omitempty"`
}

// SessionOptions is the recognized configuration set for a model session.
type SessionOptions struct {
	// Voice is the output voice.
	Voice string `json:"voice"`

	// Instructions is the system prompt.
	Instructions string `json:"instructions,omitempty"`

	// TurnDetection selects turn-taking. The zero value means automatic.
	TurnDetection TurnDetection `json:"turn_detection"`

	// Transcription enables transcripts of the user's speech.
	Transcription bool `json:"transcription"`

	// Tools is the tool manifest offered to the model.
	Tools []ToolDescriptor `json:"tool_manifest,omitempty"`
}

// Normalize fills defaults in place.
func (o *SessionOptions) Normalize(defaultVoice string) {
	if o.Voice == "" {
		o.Voice = defaultVoice
	}
	if o.TurnDetection.Mode == "" {
		o.TurnDetection.Mode = TurnAutomatic
	}
	if o.TurnDetection.Sensitivity == nil && o.TurnDetection.Mode != TurnManual {
		o.TurnDetection = o.TurnDetection.WithSensitivity(DefaultSensitivity)
	}
}

// Validate checks the options for errors.
func (o SessionOptions) Validate() error {
	if o.Voice != "" && !ValidVoice(o.Voice) {
		return fmt.Errorf("%w: unknown voice %q", ErrInvalidOptions, o.Voice)
	}
	switch o.TurnDetection.Mode {
	case "", TurnAutomatic, TurnSemantic, TurnManual:
	default:
		return fmt.Errorf("%w: unknown turn detection mode %q", ErrInvalidOptions, o.TurnDetection.Mode)
	}
	if s := o.TurnDetection.Level(); s < 0 || s > 1 || math.IsNaN(s) {
		return fmt.Errorf("%w: sensitivity %v outside [0, 1]", ErrInvalidOptions, s)
	}
	seen := make(map[string]bool, len(o.Tools))
	for _, t := range o.Tools {
		if t.Name == "" {
			return fmt.Errorf("%w: tool without a name", ErrInvalidOptions)
		}
		if seen[t.Name] {
			return fmt.Errorf("%w: duplicate tool %q", ErrInvalidOptions, t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

// EventKind classifies inbound model events.
type EventKind int

const (
	KindOther EventKind = iota
	KindSessionCreated
	KindSessionUpdated
	KindSpeechStarted
	KindSpeechStopped
	KindTranscriptDelta
	KindTranscriptDone
	KindFunctionCall
	KindResponseDone
	KindError
)

// String returns the canonical event name.
func (k EventKind) String() string {
	switch k {
	case KindSessionCreated:
		return "session.created"
	case KindSessionUpdated:
		return "session.updated"
	case KindSpeechStarted:
		return "input_audio.speech_started"
	case KindSpeechStopped:
		return "input_audio.speech_stopped"
	case KindTranscriptDelta:
		return "response.text.delta"
	case KindTranscriptDone:
		return "transcript.done"
	case KindFunctionCall:
		return "response.function_call.requested"
	case KindResponseDone:
		return "response.done"
	case KindError:
		return "error"
	default:
		return "other"
	}
}

// Event is a normalized inbound model event.
type Event struct {
	Kind EventKind

	// Type is the wire event type as received.
	Type string

	// Role is "user" or "assistant" for transcript events.
	Role string

	// Text carries transcript text.
	Text string

	// CallID, Name and Arguments describe a function call request.
	CallID    string
	Name      string
	Arguments json.RawMessage

	// Err is set for KindError.
	Err *APIError

	// Raw is the full wire event.
	Raw json.RawMessage
}

// FunctionStatus is the outcome reported for a function call.
type FunctionStatus string

const (
	FunctionSuccess FunctionStatus = "success"
	FunctionFailure FunctionStatus = "failure"
)

// FunctionResult is the payload delivered for a function call.
type FunctionResult struct {
	Status FunctionStatus `json:"status"`
	Output any            `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Direction of an observed event.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// Observer receives every event crossing the speech model link, with its
// canonical type. Audio events are not observed. Implementations must not
// block.
type Observer interface {
	Observe(dir Direction, eventType string, payload json.RawMessage)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(dir Direction, eventType string, payload json.RawMessage)

// Observe implements Observer.
func (f ObserverFunc) Observe(dir Direction, eventType string, payload json.RawMessage) {
	f(dir, eventType, payload)
}

// Backoff is an exponential reconnect schedule.
type Backoff struct {
	Base        time.Duration
	Factor      float64
	MaxDelay    time.Duration
	MaxAttempts int
}

// Delay returns the wait before the given attempt, counting from 1:
// Base * Factor^(attempt-1), capped at MaxDelay.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(b.Base) * math.Pow(factor, float64(attempt-1))
	if b.MaxDelay > 0 && d > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	return time.Duration(d)
}
