package peer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/teslashibe/voicebridge/pkg/audio"
)

// Role distinguishes the peer that owns a session from devices that join it.
type Role string

const (
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
)

// ParseRole parses a role name; empty yields def.
func ParseRole(s string, def Role) (Role, error) {
	switch Role(s) {
	case "":
		return def, nil
	case RolePrimary, RoleSecondary:
		return Role(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// Conn is one negotiated browser leg. Audio and control messages travel on
// separate queues so a slow consumer of one never blocks the other.
type Conn interface {
	// SendAudio writes one frame of speaker audio to the browser.
	SendAudio(fr audio.Frame) error

	// SendControl writes one JSON control message.
	SendControl(data []byte) error

	// Audio delivers microphone frames, in receipt order.
	Audio() <-chan audio.Frame

	// Control delivers inbound control messages, in receipt order.
	Control() <-chan []byte

	// Done is closed when the leg is lost or closed.
	Done() <-chan struct{}

	// Err reports why Done was closed.
	Err() error

	// Close tears the leg down.
	Close() error
}

// Negotiator answers a browser's session description offer.
type Negotiator interface {
	Negotiate(ctx context.Context, offer string) (Conn, string, error)
}

// connBase carries the queues and failure signaling shared by legs.
type connBase struct {
	audio   chan audio.Frame
	control chan []byte
	done    chan struct{}
	once    sync.Once
	err     error
	logger  *slog.Logger
}

func newConnBase(audioBuf, controlBuf int, logger *slog.Logger) connBase {
	if logger == nil {
		logger = slog.Default()
	}
	return connBase{
		audio:   make(chan audio.Frame, audioBuf),
		control: make(chan []byte, controlBuf),
		done:    make(chan struct{}),
		logger:  logger,
	}
}

func (c *connBase) fail(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

func (c *connBase) Audio() <-chan audio.Frame { return c.audio }
func (c *connBase) Control() <-chan []byte    { return c.control }
func (c *connBase) Done() <-chan struct{}     { return c.done }

func (c *connBase) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// deliverAudio queues a mic frame, dropping the oldest when full.
func (c *connBase) deliverAudio(fr audio.Frame) {
	for {
		select {
		case c.audio <- fr:
			return
		default:
		}
		select {
		case <-c.audio:
		default:
		}
	}
}

// deliverControl queues a control message, dropping it when full.
func (c *connBase) deliverControl(data []byte) {
	select {
	case c.control <- data:
	case <-c.done:
	default:
		c.logger.Warn("control queue full, dropping message", "bytes", len(data))
	}
}
