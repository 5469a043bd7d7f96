package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/teslashibe/voicebridge/pkg/backend"
	"github.com/teslashibe/voicebridge/pkg/realtime"
)

// Tool is a known function the speech model may call.
type Tool int

const (
	DelegateTask Tool = iota
	DelegateCodeEdit
	Pause
	Reset
	PauseCodeSession
	numTools
)

// route binds a tool to its backend and handler.
type route struct {
	name        string
	backend     backend.Kind
	description string
	// delegates is set for tools that submit work and wait for a task_result.
	delegates bool
	run       func(ctx context.Context, conn Conn, args Arguments) error
}

var routes = [...]route{
	DelegateTask: {
		name:        "delegate_task",
		backend:     backend.TaskTeam,
		description: "Hand a task to the multi-agent team. Progress is narrated as it arrives.",
		delegates:   true,
		run:         sendText,
	},
	DelegateCodeEdit: {
		name:        "delegate_code_edit",
		backend:     backend.CodeSession,
		description: "Ask the code-editing session to make a change to the codebase.",
		delegates:   true,
		run:         sendText,
	},
	Pause: {
		name:        "pause",
		backend:     backend.TaskTeam,
		description: "Pause the multi-agent team.",
		run:         sendAction(backend.ActionPause),
	},
	Reset: {
		name:        "reset",
		backend:     backend.TaskTeam,
		description: "Reset the multi-agent team, discarding its current task.",
		run:         sendAction(backend.ActionReset),
	},
	PauseCodeSession: {
		name:        "pause_code_session",
		backend:     backend.CodeSession,
		description: "Pause the code-editing session.",
		run:         sendAction(backend.ActionPause),
	},
}

// Every Tool must have a route.
var _ = [1]struct{}{}[len(routes)-int(numTools)]

// ErrUnknownTool indicates a function name outside the tool set.
var ErrUnknownTool = errors.New("dispatch: unknown tool")

// ParseTool resolves a function name at the protocol boundary.
func ParseTool(name string) (Tool, error) {
	for t := Tool(0); t < numTools; t++ {
		if routes[t].name == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownTool, name)
}

// String returns the wire name.
func (t Tool) String() string {
	if t < 0 || t >= numTools {
		return fmt.Sprintf("tool(%d)", int(t))
	}
	return routes[t].name
}

// Backend returns the backend the tool is routed to.
func (t Tool) Backend() backend.Kind { return routes[t].backend }

// Delegates reports whether the tool waits for a task result.
func (t Tool) Delegates() bool { return routes[t].delegates }

// Arguments are the decoded function-call arguments.
type Arguments struct {
	Text string `json:"text"`
}

// ParseArguments decodes raw arguments. Delegating tools accept "text" or
// the older "task" and "instruction" keys.
func ParseArguments(raw json.RawMessage) (Arguments, error) {
	if len(raw) == 0 {
		return Arguments{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return Arguments{}, fmt.Errorf("dispatch: invalid arguments: %w", err)
	}
	for _, key := range []string{"text", "task", "instruction"} {
		if s, ok := m[key].(string); ok && strings.TrimSpace(s) != "" {
			return Arguments{Text: strings.TrimSpace(s)}, nil
		}
	}
	return Arguments{}, nil
}

func sendText(ctx context.Context, conn Conn, args Arguments) error {
	if args.Text == "" {
		return errors.New("dispatch: text argument is required")
	}
	return conn.SendUserMessage(ctx, args.Text)
}

func sendAction(a backend.Action) func(context.Context, Conn, Arguments) error {
	return func(ctx context.Context, conn Conn, _ Arguments) error {
		return conn.SendControl(ctx, a)
	}
}

// Manifest returns the descriptors of the tools routed to enabled backends.
func Manifest(enabled []backend.Kind) []realtime.ToolDescriptor {
	on := make(map[backend.Kind]bool, len(enabled))
	for _, k := range enabled {
		on[k] = true
	}
	var out []realtime.ToolDescriptor
	for t := Tool(0); t < numTools; t++ {
		r := routes[t]
		if !on[r.backend] {
			continue
		}
		d := realtime.ToolDescriptor{Name: r.name, Description: r.description}
		if r.delegates {
			d.Parameters = map[string]any{
				"text": map[string]any{
					"type":        "string",
					"description": "What to do, in plain language.",
				},
			}
			d.Required = []string{"text"}
		}
		out = append(out, d)
	}
	return out
}
