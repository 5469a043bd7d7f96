// Package audio provides the internal audio frame type, the linear PCM codecs
// used on each leg of a session, and the mixer that folds several browser
// microphones into one outbound stream.
//
// No resampling is performed anywhere in this package. Every leg of a session
// negotiates the same Format; a mismatch is a configuration error.
package audio

import (
	"errors"
	"fmt"
	"time"
)

// Defaults match the speech model's native PCM format.
const (
	DefaultSampleRate    = 24000
	DefaultChannels      = 1
	DefaultFrameDuration = 20 * time.Millisecond
)

// ErrInvalidFormat indicates a Format that cannot carry audio.
var ErrInvalidFormat = errors.New("audio: invalid format")

// Format describes the negotiated shape of audio on a leg.
type Format struct {
	// SampleRate is the audio sample rate in Hz.
	// Default: 24000
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`

	// Channels is the number of interleaved channels.
	// Default: 1 (mono)
	Channels int `yaml:"channels" json:"channels"`

	// FrameDuration is the duration of one frame and the mixer tick.
	// Default: 20ms (480 samples at 24kHz)
	FrameDuration time.Duration `yaml:"frame_duration" json:"frame_duration"`
}

// DefaultFormat returns the default session audio format.
func DefaultFormat() Format {
	return Format{
		SampleRate:    DefaultSampleRate,
		Channels:      DefaultChannels,
		FrameDuration: DefaultFrameDuration,
	}
}

// Validate checks the format for errors.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate must be positive, got %d", ErrInvalidFormat, f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("%w: channels must be positive, got %d", ErrInvalidFormat, f.Channels)
	}
	if f.FrameDuration <= 0 {
		return fmt.Errorf("%w: frame duration must be positive", ErrInvalidFormat)
	}
	if f.SamplesPerFrame() == 0 {
		return fmt.Errorf("%w: frame duration %v holds no samples at %d Hz", ErrInvalidFormat, f.FrameDuration, f.SampleRate)
	}
	return nil
}

// SamplesPerFrame returns the number of interleaved samples in one frame.
func (f Format) SamplesPerFrame() int {
	return int(int64(f.SampleRate)*int64(f.FrameDuration)/int64(time.Second)) * f.Channels
}

// BytesPerFrame returns the size of one PCM16 frame in bytes.
func (f Format) BytesPerFrame() int {
	return f.SamplesPerFrame() * 2
}

// Matches reports whether two formats carry the same sample layout.
// Frame duration is not part of the wire shape and is ignored.
func (f Format) Matches(other Format) bool {
	return f.SampleRate == other.SampleRate && f.Channels == other.Channels
}

// String implements fmt.Stringer.
func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch", f.SampleRate, f.Channels)
}

// FormatError is returned when a frame does not match the negotiated format.
type FormatError struct {
	Want Format
	Got  Format
	// Reason is set when the payload itself is malformed.
	Reason string
}

// Error implements the error interface.
func (e *FormatError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("audio: format error: %s", e.Reason)
	}
	return fmt.Sprintf("audio: format mismatch: want %s, got %s", e.Want, e.Got)
}

// Is lets errors.Is match any FormatError against ErrInvalidFormat.
func (e *FormatError) Is(target error) bool {
	return target == ErrInvalidFormat
}
