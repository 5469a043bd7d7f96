package audio

import "time"

// Framer re-blocks a stream of arbitrarily sized frames into frames of
// exactly Format.SamplesPerFrame samples. Samples that do not fill a block
// are carried into the next Write. A Framer is not safe for concurrent use.
type Framer struct {
	format Format
	size   int
	buf    []float32

	// start is the capture time of buf[0].
	start time.Time
}

// NewFramer creates a framer producing blocks in format f.
func NewFramer(f Format) *Framer {
	size := f.SamplesPerFrame()
	return &Framer{format: f, size: size, buf: make([]float32, 0, size)}
}

// Write appends fr and returns every complete block now available, in
// order. Each block's capture time is derived from the capture time of its
// first sample.
func (f *Framer) Write(fr Frame) ([]Frame, error) {
	if err := fr.Check(f.format); err != nil {
		return nil, err
	}
	if len(fr.Samples) == 0 {
		return nil, nil
	}
	if f.size <= 0 || (len(f.buf) == 0 && len(fr.Samples) == f.size) {
		return []Frame{fr}, nil
	}

	if len(f.buf) == 0 {
		f.start = fr.Captured
	}
	var out []Frame
	samples := fr.Samples
	for len(samples) > 0 {
		n := min(f.size-len(f.buf), len(samples))
		f.buf = append(f.buf, samples[:n]...)
		samples = samples[n:]
		if len(f.buf) < f.size {
			break
		}
		out = append(out, NewFrame(f.buf, f.format, f.start))
		f.start = f.advance(f.start, f.size)
		f.buf = make([]float32, 0, f.size)
	}
	return out, nil
}

// Pending returns the number of carried samples.
func (f *Framer) Pending() int {
	return len(f.buf)
}

// Flush pads the carried samples with silence and returns them as one
// block. It reports false when nothing is pending.
func (f *Framer) Flush() (Frame, bool) {
	if len(f.buf) == 0 {
		return Frame{}, false
	}
	block := make([]float32, f.size)
	copy(block, f.buf)
	fr := NewFrame(block, f.format, f.start)
	f.Reset()
	return fr, true
}

// Reset discards carried samples.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.start = time.Time{}
}

func (f *Framer) advance(t time.Time, samples int) time.Time {
	if t.IsZero() || f.format.SampleRate <= 0 || f.format.Channels <= 0 {
		return t
	}
	perChannel := samples / f.format.Channels
	return t.Add(time.Duration(perChannel) * time.Second / time.Duration(f.format.SampleRate))
}
