package audio

import (
	"math"
	"time"
)

// Frame is a block of linear PCM samples in floating point, normalized to
// [-1, 1]. Frames are immutable once constructed; producers hand them off and
// never touch Samples again.
type Frame struct {
	Samples    []float32
	SampleRate int
	Channels   int

	// Captured is the monotonic capture time of the first sample.
	Captured time.Time
}

// NewFrame creates a frame from float samples in the given format.
func NewFrame(samples []float32, f Format, captured time.Time) Frame {
	return Frame{
		Samples:    samples,
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
		Captured:   captured,
	}
}

// Silence returns one frame of zeros in the given format.
func Silence(f Format, captured time.Time) Frame {
	return NewFrame(make([]float32, f.SamplesPerFrame()), f, captured)
}

// Format returns the sample layout of the frame.
func (fr Frame) Format() Format {
	return Format{SampleRate: fr.SampleRate, Channels: fr.Channels}
}

// Len returns the number of interleaved samples.
func (fr Frame) Len() int {
	return len(fr.Samples)
}

// Duration returns the playback duration of the frame.
func (fr Frame) Duration() time.Duration {
	if fr.SampleRate <= 0 || fr.Channels <= 0 {
		return 0
	}
	perChannel := len(fr.Samples) / fr.Channels
	return time.Duration(perChannel) * time.Second / time.Duration(fr.SampleRate)
}

// RMS returns the root mean square level of the frame.
func (fr Frame) RMS() float64 {
	if len(fr.Samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range fr.Samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(fr.Samples)))
}

// Check returns a *FormatError when the frame does not match want.
func (fr Frame) Check(want Format) error {
	if !fr.Format().Matches(want) {
		return &FormatError{Want: want, Got: fr.Format()}
	}
	if fr.Channels > 0 && len(fr.Samples)%fr.Channels != 0 {
		return &FormatError{Want: want, Got: fr.Format(), Reason: "sample count is not a multiple of the channel count"}
	}
	return nil
}
