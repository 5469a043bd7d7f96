package backend

import (
	"context"
	"errors"
	"sync"
)

// Mock is an in-memory backend connection with the same method set as
// Client.
type Mock struct {
	kind   Kind
	events chan Event
	done   chan struct{}
	once   sync.Once

	mu       sync.Mutex
	err      error
	messages []string
	controls []Action
	closes   int
	sendErr  error
}

// NewMock creates an open mock connection.
func NewMock(kind Kind) *Mock {
	return &Mock{
		kind:   kind,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
}

// Kind returns the backend identifier.
func (m *Mock) Kind() Kind { return m.kind }

// SendUserMessage records the text.
func (m *Mock) SendUserMessage(_ context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkSend(); err != nil {
		return err
	}
	m.messages = append(m.messages, text)
	return nil
}

// SendControl records the action.
func (m *Mock) SendControl(_ context.Context, action Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkSend(); err != nil {
		return err
	}
	m.controls = append(m.controls, action)
	return nil
}

func (m *Mock) checkSend() error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	return m.sendErr
}

// FailSends makes every later send return err.
func (m *Mock) FailSends(err error) {
	m.mu.Lock()
	m.sendErr = err
	m.mu.Unlock()
}

// Events implements the client contract.
func (m *Mock) Events() <-chan Event { return m.events }

// Done implements the client contract.
func (m *Mock) Done() <-chan struct{} { return m.done }

// Err implements the client contract.
func (m *Mock) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Close implements the client contract.
func (m *Mock) Close() error {
	m.mu.Lock()
	m.closes++
	m.mu.Unlock()
	m.drop(ErrClosed)
	return nil
}

// Emit delivers a progress event as if read from the wire.
func (m *Mock) Emit(ev Event) {
	m.events <- ev
}

// Drop simulates the connection being lost.
func (m *Mock) Drop() {
	m.drop(&ConnectionError{Backend: m.kind, Cause: errors.New("connection reset")})
}

func (m *Mock) drop(err error) {
	m.once.Do(func() {
		m.mu.Lock()
		m.err = err
		m.mu.Unlock()
		close(m.done)
	})
}

// Messages returns the user messages sent.
func (m *Mock) Messages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.messages...)
}

// Controls returns the control actions sent.
func (m *Mock) Controls() []Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Action(nil), m.controls...)
}

// Closed reports whether Close was called.
func (m *Mock) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes > 0
}
