package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/teslashibe/voicebridge/pkg/audio"
)

// MockLink is an in-memory Link. Tests drive the model side with Emit and
// inspect what the client sent.
type MockLink struct {
	linkBase

	mu     sync.Mutex
	sent   [][]byte
	frames []audio.Frame
	notify chan struct{}
}

// NewMockLink creates an open mock link.
func NewMockLink() *MockLink {
	return &MockLink{
		linkBase: newLinkBase(64, 64),
		notify:   make(chan struct{}, 1),
	}
}

// SendEvent implements Link.
func (m *MockLink) SendEvent(_ context.Context, data []byte) error {
	select {
	case <-m.done:
		return ErrNotConnected
	default:
	}
	m.mu.Lock()
	m.sent = append(m.sent, append([]byte(nil), data...))
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

// SendAudio implements Link.
func (m *MockLink) SendAudio(fr audio.Frame) error {
	select {
	case <-m.done:
		return ErrNotConnected
	default:
	}
	m.mu.Lock()
	m.frames = append(m.frames, fr)
	m.mu.Unlock()
	return nil
}

// Close implements Link.
func (m *MockLink) Close() error {
	m.fail(ErrClosed)
	return nil
}

// Emit delivers an inbound event, encoding v as JSON unless it is already
// bytes.
func (m *MockLink) Emit(v any) {
	var data []byte
	switch t := v.(type) {
	case []byte:
		data = t
	case string:
		data = []byte(t)
	default:
		data, _ = json.Marshal(v)
	}
	m.deliverEvent(data)
}

// EmitAudio delivers an inbound audio frame.
func (m *MockLink) EmitAudio(fr audio.Frame) {
	m.deliverAudio(fr)
}

// Drop simulates losing the transport.
func (m *MockLink) Drop(err error) {
	if err == nil {
		err = NewConnectionError("dropped", nil, true)
	}
	m.fail(err)
}

// Frames returns the audio frames sent so far.
func (m *MockLink) Frames() []audio.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audio.Frame(nil), m.frames...)
}

// Sent returns the decoded events sent so far.
func (m *MockLink) Sent() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, 0, len(m.sent))
	for _, data := range m.sent {
		var v map[string]any
		if json.Unmarshal(data, &v) == nil {
			out = append(out, v)
		}
	}
	return out
}

// SentTypes returns the type of every event sent so far.
func (m *MockLink) SentTypes() []string {
	sent := m.Sent()
	types := make([]string, len(sent))
	for i, v := range sent {
		types[i], _ = v["type"].(string)
	}
	return types
}

// WaitSent waits until at least n events were sent.
func (m *MockLink) WaitSent(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		m.mu.Lock()
		got := len(m.sent)
		m.mu.Unlock()
		if got >= n {
			return true
		}
		select {
		case <-m.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			return false
		}
	}
}

// MockDialer hands out MockLinks.
type MockDialer struct {
	mu      sync.Mutex
	links   []*MockLink
	failErr error
	failN   int
	dials   int
}

// Dial implements Dialer.
func (d *MockDialer) Dial(ctx context.Context, _ Credentials) (Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failN != 0 {
		if d.failN > 0 {
			d.failN--
		}
		return nil, d.failErr
	}
	l := NewMockLink()
	d.links = append(d.links, l)
	return l, nil
}

// FailNext makes the next n dials return err. A negative n fails forever.
func (d *MockDialer) FailNext(n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failN = n
	d.failErr = err
}

// Dials returns the number of dial attempts.
func (d *MockDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Last returns the most recent link, or nil.
func (d *MockDialer) Last() *MockLink {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.links) == 0 {
		return nil
	}
	return d.links[len(d.links)-1]
}

// Links returns every link handed out.
func (d *MockDialer) Links() []*MockLink {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*MockLink(nil), d.links...)
}
