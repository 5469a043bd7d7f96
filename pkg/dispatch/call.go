package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/teslashibe/voicebridge/pkg/backend"
	"github.com/teslashibe/voicebridge/pkg/realtime"
)

// Status is a ToolCall state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimedOut
}

// ErrInvalidTransition indicates a state change the call lifecycle forbids.
var ErrInvalidTransition = errors.New("dispatch: invalid tool call transition")

// ToolCall is one function call requested by the speech model.
type ToolCall struct {
	ID        string                   `json:"call_id"`
	Name      string                   `json:"name"`
	Tool      Tool                     `json:"-"`
	Backend   backend.Kind             `json:"backend,omitempty"`
	Arguments json.RawMessage          `json:"arguments,omitempty"`
	Status    Status                   `json:"status"`
	Result    *realtime.FunctionResult `json:"result,omitempty"`
	Created   time.Time                `json:"created_at"`
	Updated   time.Time                `json:"updated_at"`

	timer *time.Timer
}

func newToolCall(id, name string, args json.RawMessage) *ToolCall {
	now := time.Now()
	return &ToolCall{
		ID:        id,
		Name:      name,
		Arguments: args,
		Status:    StatusPending,
		Created:   now,
		Updated:   now,
	}
}

// transition moves the call to next. Terminal states are final.
func (c *ToolCall) transition(next Status) error {
	ok := false
	switch c.Status {
	case StatusPending:
		ok = next == StatusRunning || next == StatusFailed
	case StatusRunning:
		ok = next.Terminal()
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, next)
	}
	c.Status = next
	c.Updated = time.Now()
	return nil
}

func (c *ToolCall) snapshot() ToolCall {
	cp := *c
	cp.timer = nil
	return cp
}
