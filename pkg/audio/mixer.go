package audio

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Default queue depths, in frames.
const (
	DefaultSourceQueue = 8
	DefaultOutputQueue = 16
)

// MixerStats holds mixer counters.
type MixerStats struct {
	Sources       int
	Ticks         uint64
	FramesOut     uint64
	FramesMixed   uint64
	SourceDropped uint64
	OutputDropped uint64
	SilenceFilled uint64
}

// Mixer combines any number of sources into one stream. Each source feeds its
// own bounded queue; only the mixing goroutine drains queues and builds the
// per-tick buffer.
type Mixer struct {
	format Format
	logger *slog.Logger

	mu      sync.Mutex
	sources map[string]*Source
	order   []string

	out       chan Frame
	queueSize int

	ticks         atomic.Uint64
	framesOut     atomic.Uint64
	framesMixed   atomic.Uint64
	outputDropped atomic.Uint64
	silenceFilled atomic.Uint64
	sourceDropped atomic.Uint64
}

// MixerOption configures a Mixer.
type MixerOption func(*Mixer)

// WithMixerLogger sets the logger.
func WithMixerLogger(l *slog.Logger) MixerOption {
	return func(m *Mixer) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithSourceQueue sets the per-source queue depth.
func WithSourceQueue(n int) MixerOption {
	return func(m *Mixer) {
		if n > 0 {
			m.queueSize = n
		}
	}
}

// WithOutputQueue sets the output queue depth.
func WithOutputQueue(n int) MixerOption {
	return func(m *Mixer) {
		if n > 0 {
			m.out = make(chan Frame, n)
		}
	}
}

// NewMixer creates a mixer producing frames in format f.
func NewMixer(f Format, opts ...MixerOption) *Mixer {
	m := &Mixer{
		format:    f,
		logger:    slog.Default(),
		sources:   make(map[string]*Source),
		out:       make(chan Frame, DefaultOutputQueue),
		queueSize: DefaultSourceQueue,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "audio.mixer")
	return m
}

// Source is one input of the mixer.
type Source struct {
	id     string
	frames chan Frame
	mixer  *Mixer

	mu     sync.Mutex
	framer *Framer
}

// ID returns the source identifier.
func (s *Source) ID() string { return s.id }

// Push re-blocks fr into whole frames and queues them for the following
// ticks, one per tick. Samples short of a whole frame wait for the next
// Push. Frames that do not match the mixer format are rejected. When the
// queue is full the oldest frame is dropped so the source never blocks its
// producer.
func (s *Source) Push(fr Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	blocks, err := s.framer.Write(fr)
	if err != nil {
		return err
	}
	for _, b := range blocks {
		s.enqueue(b)
	}
	return nil
}

// Pending returns the number of samples waiting for a whole frame.
func (s *Source) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.framer.Pending()
}

func (s *Source) enqueue(fr Frame) {
	for {
		select {
		case s.frames <- fr:
			return
		default:
		}
		select {
		case <-s.frames:
			s.mixer.sourceDropped.Add(1)
		default:
		}
	}
}

// AddSource registers a new source. Adding an existing id returns the
// existing source.
func (m *Mixer) AddSource(id string) *Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sources[id]; ok {
		return s
	}
	s := &Source{
		id:     id,
		frames: make(chan Frame, m.queueSize),
		mixer:  m,
		framer: NewFramer(m.format),
	}
	m.sources[id] = s
	m.order = append(m.order, id)
	m.logger.Debug("source added", "source", id, "sources", len(m.sources))
	return s
}

// RemoveSource unregisters a source. Queued frames are discarded.
func (m *Mixer) RemoveSource(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sources[id]; !ok {
		return
	}
	delete(m.sources, id)
	for i, sid := range m.order {
		if sid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.logger.Debug("source removed", "source", id, "sources", len(m.sources))
}

// SourceCount returns the number of registered sources.
func (m *Mixer) SourceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sources)
}

// Format returns the mixer's frame format.
func (m *Mixer) Format() Format {
	return m.format
}

// Output returns the mixed stream. It is closed when Run returns.
func (m *Mixer) Output() <-chan Frame {
	return m.out
}

// Run ticks once per frame duration until ctx is cancelled.
func (m *Mixer) Run(ctx context.Context) {
	defer close(m.out)

	ticker := time.NewTicker(m.format.FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			fr, ok := m.Tick(now)
			if !ok {
				continue
			}
			select {
			case m.out <- fr:
				m.framesOut.Add(1)
			default:
				m.outputDropped.Add(1)
			}
		}
	}
}

// Tick takes at most one whole frame from every source and produces the
// outbound frame for this tick. With a single source the frame passes through
// untouched. With several, sources that produced nothing contribute silence.
// It reports false when no source produced a frame.
func (m *Mixer) Tick(now time.Time) (Frame, bool) {
	m.ticks.Add(1)

	m.mu.Lock()
	srcs := make([]*Source, 0, len(m.order))
	for _, id := range m.order {
		srcs = append(srcs, m.sources[id])
	}
	m.mu.Unlock()

	if len(srcs) == 0 {
		return Frame{}, false
	}

	inputs := make([][]float32, 0, len(srcs))
	captured := time.Time{}
	produced := 0
	for _, s := range srcs {
		select {
		case fr := <-s.frames:
			produced++
			inputs = append(inputs, fr.Samples)
			if fr.Captured.After(captured) {
				captured = fr.Captured
			}
			if len(srcs) == 1 {
				return fr, true
			}
		default:
			inputs = append(inputs, nil)
		}
	}
	if produced == 0 {
		return Frame{}, false
	}
	m.silenceFilled.Add(uint64(len(srcs) - produced))
	m.framesMixed.Add(1)

	if captured.IsZero() {
		captured = now
	}
	return NewFrame(Mix(inputs), m.format, captured), true
}

// Mix averages the inputs sample by sample. Shorter inputs, including nil
// ones, are zero-padded to the longest. Averaging keeps the result inside the
// range of the inputs, so normalized inputs never clip.
func Mix(inputs [][]float32) []float32 {
	longest := 0
	for _, in := range inputs {
		if len(in) > longest {
			longest = len(in)
		}
	}
	out := make([]float32, longest)
	if len(inputs) == 0 {
		return out
	}
	n := float32(len(inputs))
	for i := range out {
		var sum float32
		for _, in := range inputs {
			if i < len(in) {
				sum += in[i]
			}
		}
		out[i] = sum / n
	}
	return out
}

// Stats returns a snapshot of the mixer counters.
func (m *Mixer) Stats() MixerStats {
	return MixerStats{
		Sources:       m.SourceCount(),
		Ticks:         m.ticks.Load(),
		FramesOut:     m.framesOut.Load(),
		FramesMixed:   m.framesMixed.Load(),
		SourceDropped: m.sourceDropped.Load(),
		OutputDropped: m.outputDropped.Load(),
		SilenceFilled: m.silenceFilled.Load(),
	}
}
