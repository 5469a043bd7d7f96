package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
)

// Codec converts between a leg's wire audio and Frames.
// Implementations are stateless and safe for concurrent use.
type Codec interface {
	// Name is the codec identifier used in configuration and SDP.
	Name() string

	// Decode converts wire bytes in format f into a Frame.
	Decode(data []byte, f Format, captured time.Time) (Frame, error)

	// Encode converts a Frame into wire bytes.
	Encode(fr Frame) []byte
}

// Both legs carry 16-bit signed linear PCM. The browser leg uses little-endian
// samples; RTP L16 (RFC 3551) uses network byte order.
var (
	PCM16LE Codec = linearPCM{name: "pcm16", order: binary.LittleEndian}
	L16     Codec = linearPCM{name: "L16", order: binary.BigEndian}
)

var codecs = map[string]Codec{
	"pcm16": PCM16LE,
	"l16":   L16,
}

// Lookup returns the codec registered under name (case-insensitive).
func Lookup(name string) (Codec, bool) {
	c, ok := codecs[strings.ToLower(name)]
	return c, ok
}

type linearPCM struct {
	name  string
	order binary.ByteOrder
}

func (c linearPCM) Name() string { return c.name }

func (c linearPCM) Decode(data []byte, f Format, captured time.Time) (Frame, error) {
	if len(data)%2 != 0 {
		return Frame{}, &FormatError{Want: f, Got: f, Reason: fmt.Sprintf("odd payload length %d", len(data))}
	}
	n := len(data) / 2
	if f.Channels > 0 && n%f.Channels != 0 {
		return Frame{}, &FormatError{Want: f, Got: f, Reason: fmt.Sprintf("%d samples do not divide into %d channels", n, f.Channels)}
	}
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		samples[i] = Int16ToFloat(int16(c.order.Uint16(data[i*2:])))
	}
	return NewFrame(samples, f, captured), nil
}

func (c linearPCM) Encode(fr Frame) []byte {
	data := make([]byte, len(fr.Samples)*2)
	for i, s := range fr.Samples {
		c.order.PutUint16(data[i*2:], uint16(FloatToInt16(s)))
	}
	return data
}

// Int16ToFloat normalizes a PCM16 sample to [-1, 1).
func Int16ToFloat(s int16) float32 {
	return float32(s) / 32768.0
}

// FloatToInt16 converts a normalized sample back to PCM16, clamping to the
// representable range.
func FloatToInt16(s float32) int16 {
	if math.IsNaN(float64(s)) {
		return 0
	}
	v := s * 32768.0
	if v >= math.MaxInt16 {
		return math.MaxInt16
	}
	if v <= math.MinInt16 {
		return math.MinInt16
	}
	return int16(math.Round(float64(v)))
}
