package peer

import (
	"context"
	"errors"
	"sync"

	"github.com/teslashibe/voicebridge/pkg/audio"
)

// MockConn is an in-memory Conn. Tests push microphone audio and control
// messages in and read what the gateway sent out.
type MockConn struct {
	connBase

	mu      sync.Mutex
	sent    []audio.Frame
	control [][]byte
	closes  int
}

// NewMockConn creates an open mock leg.
func NewMockConn() *MockConn {
	return &MockConn{connBase: newConnBase(32, 32, nil)}
}

// SendAudio implements Conn.
func (m *MockConn) SendAudio(fr audio.Frame) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	m.mu.Lock()
	m.sent = append(m.sent, fr)
	m.mu.Unlock()
	return nil
}

// SendControl implements Conn.
func (m *MockConn) SendControl(data []byte) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	m.mu.Lock()
	m.control = append(m.control, append([]byte(nil), data...))
	m.mu.Unlock()
	return nil
}

// Close implements Conn.
func (m *MockConn) Close() error {
	m.mu.Lock()
	m.closes++
	m.mu.Unlock()
	m.fail(ErrClosed)
	return nil
}

// PushAudio simulates a microphone frame from the browser.
func (m *MockConn) PushAudio(fr audio.Frame) { m.deliverAudio(fr) }

// PushControl simulates a control message from the browser.
func (m *MockConn) PushControl(data []byte) { m.deliverControl(data) }

// Disconnect simulates the browser going away.
func (m *MockConn) Disconnect() { m.fail(errors.New("peer: remote hung up")) }

// Received returns the speaker frames sent to this peer.
func (m *MockConn) Received() []audio.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audio.Frame(nil), m.sent...)
}

// ControlSent returns the control messages sent to this peer.
func (m *MockConn) ControlSent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.control...)
}

// Closed reports whether Close was called.
func (m *MockConn) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes > 0
}

// MockNegotiator answers every offer with a MockConn.
type MockNegotiator struct {
	// Err, when set, fails every negotiation.
	Err error

	mu    sync.Mutex
	conns []*MockConn
}

// Negotiate implements Negotiator.
func (n *MockNegotiator) Negotiate(_ context.Context, offer string) (Conn, string, error) {
	if n.Err != nil {
		return nil, "", n.Err
	}
	c := NewMockConn()
	n.mu.Lock()
	n.conns = append(n.conns, c)
	n.mu.Unlock()
	return c, "answer:" + offer, nil
}

// Conns returns every leg handed out.
func (n *MockNegotiator) Conns() []*MockConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*MockConn(nil), n.conns...)
}
