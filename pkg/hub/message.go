// Package hub streams recorded conversation events to websocket
// subscribers using the channel-based fan-out pattern.
package hub

import (
	"encoding/json"

	"github.com/teslashibe/voicebridge/pkg/recorder"
)

// Message is one encoded event queued for a subscriber.
type Message struct {
	ConversationID string
	Sequence       uint64
	Data           []byte
}

// NewEventMessage encodes a recorded event.
func NewEventMessage(ev recorder.Event) (Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Message{}, err
	}
	return Message{ConversationID: ev.ConversationID, Sequence: ev.Sequence, Data: data}, nil
}
