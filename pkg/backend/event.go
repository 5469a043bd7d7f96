// Package backend speaks the JSON-over-WebSocket contract of the delegated
// execution backends: the multi-agent task team and the code-editing
// session. One Client is one connection for one session.
package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind identifies a delegated backend.
type Kind string

const (
	TaskTeam    Kind = "task_team"
	CodeSession Kind = "code_session"
)

// Kinds lists every known backend.
var Kinds = []Kind{TaskTeam, CodeSession}

// ParseKind validates a backend identifier.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownBackend, s)
}

// Action is a control signal with no payload.
type Action string

const (
	ActionPause Action = "pause"
	ActionReset Action = "reset"
)

// Outbound message types.
const (
	TypeUserMessage = "user_message"
	TypeControl     = "control"
)

// Inbound progress event types.
const (
	TypeTextMessage     = "text_message"
	TypeToolCallRequest = "tool_call_request"
	TypeToolCallResult  = "tool_call_result"
	TypeTaskResult      = "task_result"
)

// Task outcomes carried by task_result.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// ErrInvalidEvent indicates an inbound frame that is not a progress event.
var ErrInvalidEvent = errors.New("backend: invalid event")

// Event is one progress event from a backend.
type Event struct {
	Type   string `json:"type"`
	Source string `json:"source"`

	// Text is the message body for text_message.
	Text string `json:"text,omitempty"`

	// Name and Arguments describe a sub-agent tool call.
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// Result is the sub-agent tool output or the task's final result.
	Result json.RawMessage `json:"result,omitempty"`

	// Outcome is set on task_result.
	Outcome string `json:"outcome,omitempty"`

	// Raw is the frame as received.
	Raw json.RawMessage `json:"-"`
}

// ParseEvent decodes an inbound frame. Unknown types are kept so they can
// still be recorded.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrInvalidEvent)
	}
	ev.Raw = append(json.RawMessage(nil), data...)
	return ev, nil
}

// Terminal reports whether the event ends a unit of work.
func (e Event) Terminal() bool {
	return e.Type == TypeTaskResult
}

// Succeeded reports whether a task_result carries a successful outcome.
func (e Event) Succeeded() bool {
	switch strings.ToLower(e.Outcome) {
	case OutcomeSuccess, "succeeded", "completed", "ok":
		return true
	}
	return false
}

// ResultText returns Result as plain text, unquoting JSON strings.
func (e Event) ResultText() string {
	if len(e.Result) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(e.Result, &s) == nil {
		return s
	}
	return string(e.Result)
}

type userMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type controlMessage struct {
	Type   string `json:"type"`
	Action Action `json:"action"`
}
