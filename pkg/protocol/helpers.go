package protocol

import (
	"encoding/base64"
	"time"
)

// =============================================================================
// Helper functions for creating messages
// =============================================================================

// NewStateMessage creates a state message
func NewStateMessage(sessionID, conversationID, state, role string) (*Message, error) {
	return NewMessage(TypeState, StateData{
		SessionID:      sessionID,
		ConversationID: conversationID,
		State:          state,
		Role:           role,
	})
}

// NewRejectedMessage creates a rejected message
func NewRejectedMessage(reason, role string) (*Message, error) {
	return NewMessage(TypeRejected, RejectedData{Reason: reason, Role: role})
}

// NewTranscriptMessage creates a transcript message
func NewTranscriptMessage(role, text string, final bool) (*Message, error) {
	return NewMessage(TypeTranscript, TranscriptData{Role: role, Text: text, Final: final})
}

// NewToolMessage creates a tool progress message
func NewToolMessage(callID, name, status, detail string) (*Message, error) {
	return NewMessage(TypeTool, ToolData{CallID: callID, Name: name, Status: status, Detail: detail})
}

// NewNarrationMessage creates a narration message
func NewNarrationMessage(source, text string) (*Message, error) {
	return NewMessage(TypeNarration, NarrationData{Source: source, Text: text})
}

// NewErrorMessage creates an error message
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorData{Code: code, Message: message})
}

// NewAudioMessage creates a base64 audio message from PCM16LE bytes
func NewAudioMessage(pcm []byte, sampleRate, channels int) (*Message, error) {
	return NewMessage(TypeAudio, AudioData{
		Format:     "pcm16",
		SampleRate: sampleRate,
		Channels:   channels,
		Data:       base64.StdEncoding.EncodeToString(pcm),
	})
}

// DecodeAudio returns the raw PCM bytes of an audio message
func (d AudioData) DecodeAudio() ([]byte, error) {
	return base64.StdEncoding.DecodeString(d.Data)
}

// NewPingMessage creates a ping message
func NewPingMessage(id string) (*Message, error) {
	return NewMessage(TypePing, PingData{ID: id, Timestamp: time.Now().UnixMilli()})
}

// NewPongMessage answers a ping
func NewPongMessage(ping PingData) (*Message, error) {
	now := time.Now().UnixMilli()
	return NewMessage(TypePong, PongData{
		ID:        ping.ID,
		PingTS:    ping.Timestamp,
		PongTS:    now,
		LatencyMs: now - ping.Timestamp,
	})
}

// MustBytes encodes a message built by one of the helpers, returning nil
// when construction failed.
func MustBytes(m *Message, err error) []byte {
	if err != nil || m == nil {
		return nil
	}
	b, err := m.Bytes()
	if err != nil {
		return nil
	}
	return b
}

// =============================================================================
// Helper functions for parsing messages
// =============================================================================

// GetStateData extracts StateData from a message
func (m *Message) GetStateData() (*StateData, error) {
	var data StateData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetRejectedData extracts RejectedData from a message
func (m *Message) GetRejectedData() (*RejectedData, error) {
	var data RejectedData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetTranscriptData extracts TranscriptData from a message
func (m *Message) GetTranscriptData() (*TranscriptData, error) {
	var data TranscriptData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetToolData extracts ToolData from a message
func (m *Message) GetToolData() (*ToolData, error) {
	var data ToolData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetTextData extracts TextData from a message
func (m *Message) GetTextData() (*TextData, error) {
	var data TextData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetAudioData extracts AudioData from a message
func (m *Message) GetAudioData() (*AudioData, error) {
	var data AudioData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPingData extracts PingData from a message
func (m *Message) GetPingData() (*PingData, error) {
	var data PingData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPongData extracts PongData from a message
func (m *Message) GetPongData() (*PongData, error) {
	var data PongData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}
