package hub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/teslashibe/voicebridge/pkg/recorder"
)

// Hub maintains the set of subscribers and routes each event to the
// subscribers of its conversation.
type Hub struct {
	// Name for logging
	name   string
	logger *slog.Logger

	// Subscribers per conversation
	clients map[string]map[*Client]bool

	// Inbound events to route
	broadcast chan Message

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Guards clients for read-only access from outside the loop
	mu sync.RWMutex

	done chan struct{}
}

// New creates a hub. A nil logger uses slog.Default.
func New(name string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		name:       name,
		logger:     logger.With("component", "hub", "hub", name),
		clients:    make(map[string]map[*Client]bool),
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run routes events until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conv, set := range h.clients {
				for client := range set {
					close(client.send)
				}
				delete(h.clients, conv)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			set := h.clients[client.conversationID]
			if set == nil {
				set = make(map[*Client]bool)
				h.clients[client.conversationID] = set
			}
			set[client] = true
			count := len(set)
			h.mu.Unlock()
			h.logger.Info("subscriber connected", "conversation_id", client.conversationID, "subscribers", count)

		case client := <-h.unregister:
			h.mu.Lock()
			count := h.remove(client)
			h.mu.Unlock()
			h.logger.Info("subscriber disconnected", "conversation_id", client.conversationID, "subscribers", count)

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients[message.ConversationID] {
				select {
				case client.send <- message:
				default:
					// Too slow to keep up; drop it so it can reconnect
					// with since= and catch up from the log.
					h.remove(client)
					h.logger.Warn("dropped slow subscriber", "conversation_id", client.conversationID)
				}
			}
			h.mu.Unlock()
		}
	}
}

// remove unregisters client and returns the remaining subscriber count of
// its conversation. Callers hold mu.
func (h *Hub) remove(client *Client) int {
	set := h.clients[client.conversationID]
	if set[client] {
		delete(set, client)
		close(client.send)
	}
	if len(set) == 0 {
		delete(h.clients, client.conversationID)
	}
	return len(set)
}

// Publish queues ev for its conversation's subscribers. It never blocks,
// so it is safe as a recorder subscription.
func (h *Hub) Publish(ev recorder.Event) {
	msg, err := NewEventMessage(ev)
	if err != nil {
		h.logger.Warn("event not encodable", "type", ev.Type, "error", err)
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("broadcast queue full, dropping event", "conversation_id", ev.ConversationID, "sequence", ev.Sequence)
	}
}

// Follow subscribes the hub to every event rec stores.
func (h *Hub) Follow(rec *recorder.Recorder) (unsubscribe func()) {
	return rec.Subscribe(h.Publish)
}

// ClientCount returns the number of subscribers of one conversation.
func (h *Hub) ClientCount(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[conversationID])
}

// Done is closed when Run returns.
func (h *Hub) Done() <-chan struct{} { return h.done }
