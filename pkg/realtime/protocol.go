package realtime

import (
	"encoding/json"
	"fmt"
)

// Wire event types.
const (
	typeSessionUpdate      = "session.update"
	typeResponseCreate     = "response.create"
	typeItemCreate         = "conversation.item.create"
	typeInputAppend        = "input_audio_buffer.append"
	typeInputCommit        = "input_audio_buffer.commit"
	typeInputClear         = "input_audio_buffer.clear"
	typeResponseAudioDelta = "response.audio.delta"
)

// FunctionResultEvent is the canonical name recorded for a function result.
const FunctionResultEvent = "function_call.result"

// inboundKinds maps wire event types, in either dialect, to their kind.
var inboundKinds = map[string]EventKind{
	"session.created":                                       KindSessionCreated,
	"session.updated":                                       KindSessionUpdated,
	"input_audio_buffer.speech_started":                     KindSpeechStarted,
	"input_audio.speech_started":                            KindSpeechStarted,
	"input_audio_buffer.speech_stopped":                     KindSpeechStopped,
	"input_audio.speech_stopped":                            KindSpeechStopped,
	"response.text.delta":                                   KindTranscriptDelta,
	"response.audio_transcript.delta":                       KindTranscriptDelta,
	"response.audio_transcript.done":                        KindTranscriptDone,
	"response.text.done":                                    KindTranscriptDone,
	"conversation.item.input_audio_transcription.completed": KindTranscriptDone,
	"response.function_call_arguments.done":                 KindFunctionCall,
	"response.function_call.requested":                      KindFunctionCall,
	"response.done":                                         KindResponseDone,
	"error":                                                 KindError,
}

// wireEvent is the union of inbound fields the bridge reads.
type wireEvent struct {
	Type       string          `json:"type"`
	EventID    string          `json:"event_id,omitempty"`
	Delta      string          `json:"delta,omitempty"`
	Text       string          `json:"text,omitempty"`
	Transcript string          `json:"transcript,omitempty"`
	CallID     string          `json:"call_id,omitempty"`
	Name       string          `json:"name,omitempty"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Error      *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
		EventID string `json:"event_id"`
	} `json:"error,omitempty"`
}

// ParseEvent decodes and normalizes one inbound wire event.
func ParseEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("realtime: invalid event: %w", err)
	}
	if w.Type == "" {
		return Event{}, fmt.Errorf("realtime: event without type")
	}

	ev := Event{
		Kind: inboundKinds[w.Type],
		Type: w.Type,
		Raw:  json.RawMessage(data),
	}

	switch ev.Kind {
	case KindTranscriptDelta:
		ev.Role = "assistant"
		ev.Text = firstNonEmpty(w.Delta, w.Text)
	case KindTranscriptDone:
		ev.Role = "assistant"
		if w.Type == "conversation.item.input_audio_transcription.completed" {
			ev.Role = "user"
		}
		ev.Text = firstNonEmpty(w.Transcript, w.Text)
	case KindFunctionCall:
		ev.CallID = w.CallID
		ev.Name = w.Name
		ev.Arguments = normalizeArguments(w.Arguments)
	case KindError:
		ev.Err = &APIError{Message: "unknown error"}
		if w.Error != nil {
			ev.Err = &APIError{
				Code:    w.Error.Code,
				Message: w.Error.Message,
				Type:    w.Error.Type,
				EventID: w.Error.EventID,
			}
		}
	}
	return ev, nil
}

// normalizeArguments accepts arguments either as a JSON object or as a
// string containing one, as the realtime API sends them.
func normalizeArguments(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" || !json.Valid([]byte(s)) {
			return json.RawMessage(`{}`)
		}
		return json.RawMessage(s)
	}
	return raw
}

// CanonicalType returns the name an event is recorded under. Inbound events
// use their normalized kind; outbound function outputs become
// function_call.result.
func CanonicalType(dir Direction, data []byte) string {
	var head struct {
		Type string `json:"type"`
		Item struct {
			Type string `json:"type"`
		} `json:"item"`
	}
	_ = json.Unmarshal(data, &head)
	if dir == Outbound {
		if head.Type == typeItemCreate && head.Item.Type == "function_call_output" {
			return FunctionResultEvent
		}
		return head.Type
	}
	if k, ok := inboundKinds[head.Type]; ok && k != KindTranscriptDone {
		return k.String()
	}
	return head.Type
}

func buildSessionUpdate(opts SessionOptions, cfgVoice string) map[string]any {
	voice := opts.Voice
	if voice == "" {
		voice = cfgVoice
	}

	tools := make([]map[string]any, len(opts.Tools))
	for i, t := range opts.Tools {
		props := t.Parameters
		if props == nil {
			props = map[string]any{}
		}
		required := t.Required
		if required == nil {
			required = []string{}
		}
		tools[i] = map[string]any{
			"type":        "function",
			"name":        t.Name,
			"description": t.Description,
			"parameters": map[string]any{
				"type":       "object",
				"properties": props,
				"required":   required,
			},
		}
	}

	session := map[string]any{
		"modalities":          []string{"text", "audio"},
		"voice":               voice,
		"input_audio_format":  "pcm16",
		"output_audio_format": "pcm16",
		"turn_detection":      turnDetectionWire(opts.TurnDetection),
		"tools":               tools,
		"tool_choice":         "auto",
	}
	if opts.Instructions != "" {
		session["instructions"] = opts.Instructions
	}
	if opts.Transcription {
		session["input_audio_transcription"] = map[string]any{"model": "whisper-1"}
	} else {
		session["input_audio_transcription"] = nil
	}

	return map[string]any{
		"type":    typeSessionUpdate,
		"session": session,
	}
}

// turnDetectionWire maps turn detection to the wire object. Manual mode
// sends null, which disables end-of-speech detection and automatic
// responses entirely.
func turnDetectionWire(td TurnDetection) any {
	switch td.Mode {
	case TurnManual:
		return nil
	case TurnSemantic:
		eagerness := "medium"
		switch {
		case td.Level() < 1.0/3:
			eagerness = "low"
		case td.Level() > 2.0/3:
			eagerness = "high"
		}
		return map[string]any{
			"type":               "semantic_vad",
			"eagerness":          eagerness,
			"create_response":    true,
			"interrupt_response": true,
		}
	default:
		prefix := td.PrefixPadding.Milliseconds()
		if prefix <= 0 {
			prefix = 300
		}
		silence := td.SilenceDuration.Milliseconds()
		if silence <= 0 {
			silence = 500
		}
		return map[string]any{
			"type":                "server_vad",
			"threshold":           clamp(1-td.Level(), 0.05, 0.95),
			"prefix_padding_ms":   prefix,
			"silence_duration_ms": silence,
			"create_response":     true,
		}
	}
}

func buildMessageItem(role, text string) map[string]any {
	contentType := "input_text"
	if role == "assistant" {
		contentType = "text"
	}
	return map[string]any{
		"type": typeItemCreate,
		"item": map[string]any{
			"type": "message",
			"role": role,
			"content": []map[string]any{
				{"type": contentType, "text": text},
			},
		},
	}
}

func buildFunctionOutput(callID, output string) map[string]any {
	return map[string]any{
		"type": typeItemCreate,
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
