// Package protocol defines the control messages exchanged with browser
// peers. Audio travels separately as binary PCM16LE frames; these JSON
// envelopes carry everything else.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the type of control message
type MessageType string

const (
	// Server → browser messages
	TypeState      MessageType = "state"      // Session lifecycle state
	TypeRejected   MessageType = "rejected"   // Join refused
	TypeTranscript MessageType = "transcript" // Transcript text
	TypeTool       MessageType = "tool"       // Tool call progress
	TypeNarration  MessageType = "narration"  // Background task update
	TypeError      MessageType = "error"      // Non-fatal error

	// Browser → server messages
	TypeTurnComplete MessageType = "turn_complete" // End of turn in manual mode
	TypeClear        MessageType = "clear"         // Discard buffered user audio
	TypeText         MessageType = "text"          // Typed user message
	TypeAudio        MessageType = "audio"         // Base64 audio for peers without binary frames

	// Bidirectional
	TypePing MessageType = "ping" // Health check
	TypePong MessageType = "pong" // Health check response
)

// Message is the base wrapper for all control messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"` // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data any) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v any) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("failed to parse message: missing type")
	}
	return &msg, nil
}

// =============================================================================
// Server → Browser Message Types
// =============================================================================

// StateData reports the session lifecycle state
type StateData struct {
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
	State          string `json:"state"`          // "connecting", "active", "failed", "closed"
	Role           string `json:"role,omitempty"` // "primary", "secondary"
	Reason         string `json:"reason,omitempty"`
}

// RejectedData explains why a join was refused
type RejectedData struct {
	Reason string `json:"reason"`
	Role   string `json:"role,omitempty"`
}

// TranscriptData carries transcript text
type TranscriptData struct {
	Role  string `json:"role"` // "user", "assistant"
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// ToolData reports tool call progress
type ToolData struct {
	CallID string `json:"call_id"`
	Name   string `json:"name"`
	Status string `json:"status"` // "pending", "running", "completed", "failed", "timed_out"
	Detail string `json:"detail,omitempty"`
}

// NarrationData carries a background task update
type NarrationData struct {
	Source string `json:"source"`
	Text   string `json:"text"`
}

// ErrorData carries a non-fatal error
type ErrorData struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// =============================================================================
// Browser → Server Message Types
// =============================================================================

// TextData is a typed user message
type TextData struct {
	Text string `json:"text"`
}

// AudioData carries base64 audio
type AudioData struct {
	Format     string `json:"format"`      // "pcm16"
	SampleRate int    `json:"sample_rate"` // e.g., 24000
	Channels   int    `json:"channels"`    // 1 for mono
	Data       string `json:"data"`        // base64 encoded
}

// =============================================================================
// Bidirectional Message Types
// =============================================================================

// PingData contains ping information
type PingData struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"ts"`
}

// PongData contains pong response
type PongData struct {
	ID        string `json:"id"`
	PingTS    int64  `json:"ping_ts"`
	PongTS    int64  `json:"pong_ts"`
	LatencyMs int64  `json:"latency_ms"`
}
