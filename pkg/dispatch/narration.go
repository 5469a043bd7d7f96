package dispatch

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/teslashibe/voicebridge/pkg/backend"
)

// Verbosity selects how much backend progress is narrated.
type Verbosity string

const (
	VerbosityOff     Verbosity = "off"
	VerbositySummary Verbosity = "summary"
	VerbosityVerbose Verbosity = "verbose"
)

// ParseVerbosity validates a verbosity name. Empty means summary.
func ParseVerbosity(s string) (Verbosity, error) {
	switch v := Verbosity(strings.ToLower(s)); v {
	case "":
		return VerbositySummary, nil
	case VerbosityOff, VerbositySummary, VerbosityVerbose:
		return v, nil
	}
	return "", fmt.Errorf("dispatch: unknown narration verbosity %q", s)
}

// Summarize turns a progress event into one narration line of at most
// budget characters. It returns "" for events not narrated at v.
func Summarize(kind backend.Kind, ev backend.Event, v Verbosity, budget int) string {
	if v == VerbosityOff {
		return ""
	}
	who := ev.Source
	if who == "" {
		who = string(kind)
	}

	var line string
	switch ev.Type {
	case backend.TypeTextMessage:
		if ev.Text == "" {
			return ""
		}
		line = who + ": " + ev.Text
	case backend.TypeToolCallRequest:
		if v != VerbosityVerbose {
			return ""
		}
		line = fmt.Sprintf("%s is running %s", who, orUnnamed(ev.Name))
		if len(ev.Arguments) > 0 {
			line += " " + string(ev.Arguments)
		}
	case backend.TypeToolCallResult:
		line = fmt.Sprintf("%s finished %s", who, orUnnamed(ev.Name))
		if r := ev.ResultText(); v == VerbosityVerbose && r != "" {
			line += ": " + r
		}
	case backend.TypeTaskResult:
		outcome := "failed"
		if ev.Succeeded() {
			outcome = "succeeded"
		}
		line = fmt.Sprintf("%s task %s", who, outcome)
		if r := ev.ResultText(); r != "" {
			line += ": " + r
		}
	default:
		if v != VerbosityVerbose {
			return ""
		}
		line = who + ": " + ev.Type
	}
	return Truncate(line, budget)
}

func orUnnamed(name string) string {
	if name == "" {
		return "a tool"
	}
	return name
}

// Truncate collapses whitespace and cuts s to at most n runes, marking a
// cut with "...".
func Truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	if n <= 3 {
		return string(r[:n])
	}
	return strings.TrimSpace(string(r[:n-3])) + "..."
}
