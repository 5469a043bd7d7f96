// Package recorder implements the append-only, per-conversation event log.
//
// Every inbound and outbound event of a session is appended here. The
// recorder assigns sequence numbers, which are strictly increasing and
// gap-free per conversation, and hands events to a Store for durability.
package recorder

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Source identifies which party produced an event.
type Source string

const (
	SourceBrowser     Source = "browser"
	SourceSpeechModel Source = "speech_model"
	SourceNestedTeam  Source = "nested_team"
	SourceCodeSession Source = "code_session"
	SourceSystem      Source = "system"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceBrowser, SourceSpeechModel, SourceNestedTeam, SourceCodeSession, SourceSystem:
		return true
	}
	return false
}

// Event is one immutable log entry.
type Event struct {
	Sequence       uint64          `json:"sequence"`
	ConversationID string          `json:"conversation_id"`
	SessionID      string          `json:"session_id,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Source         Source          `json:"source"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an unsequenced event, marshaling payload to JSON.
// A nil payload produces an event without one.
func NewEvent(source Source, eventType string, payload any) (Event, error) {
	ev := Event{Source: source, Type: eventType}
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		ev.Payload = p
	case []byte:
		if !json.Valid(p) {
			return Event{}, fmt.Errorf("recorder: payload for %s is not valid JSON", eventType)
		}
		ev.Payload = json.RawMessage(p)
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("recorder: marshal payload for %s: %w", eventType, err)
		}
		ev.Payload = data
	}
	return ev, nil
}

// MustEvent is NewEvent for payloads that always marshal.
func MustEvent(source Source, eventType string, payload any) Event {
	ev, err := NewEvent(source, eventType, payload)
	if err != nil {
		panic(err)
	}
	return ev
}

// DecodePayload unmarshals the payload into v.
func (e Event) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// Sentinel errors for the recorder package.
var (
	// ErrClosed indicates the recorder no longer accepts events.
	ErrClosed = errors.New("recorder: closed")

	// ErrMissingConversation indicates an event without a conversation id.
	ErrMissingConversation = errors.New("recorder: conversation id is required")

	// ErrInvalidSource indicates an event with an unknown source.
	ErrInvalidSource = errors.New("recorder: invalid source")

	// ErrSequenceConflict indicates the store already holds the sequence.
	ErrSequenceConflict = errors.New("recorder: sequence already stored")
)

// PersistenceError is returned when the store fails to append an event.
type PersistenceError struct {
	ConversationID string
	Sequence       uint64
	Cause          error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("recorder: persist %s#%d: %v", e.ConversationID, e.Sequence, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *PersistenceError) Unwrap() error {
	return e.Cause
}
