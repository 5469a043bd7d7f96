package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"

	"github.com/teslashibe/voicebridge/pkg/audio"
	"github.com/teslashibe/voicebridge/pkg/realtime"
)

// Data channel labels a browser peer opens.
const (
	AudioChannel   = "audio"
	ControlChannel = "control"
)

// WebRTCNegotiator answers browser offers with a pion peer connection.
// Microphone and speaker audio travel as binary PCM16LE messages on the
// "audio" data channel; control envelopes as text on "control".
type WebRTCNegotiator struct {
	Format        audio.Format
	ICEServers    []string
	GatherTimeout time.Duration
	AudioBuffer   int
	ControlBuffer int
	Logger        *slog.Logger
}

// Negotiate implements Negotiator.
func (n *WebRTCNegotiator) Negotiate(ctx context.Context, offer string) (Conn, string, error) {
	if err := CheckOffer(offer); err != nil {
		return nil, "", &realtime.NegotiationError{Stage: "offer", Cause: err}
	}

	var ice []webrtc.ICEServer
	if len(n.ICEServers) > 0 {
		ice = []webrtc.ICEServer{{URLs: n.ICEServers}}
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: ice})
	if err != nil {
		return nil, "", &realtime.NegotiationError{Stage: "offer", Cause: err}
	}

	c := newRTCConn(pc, n.Format, orDefault(n.AudioBuffer, 32), orDefault(n.ControlBuffer, 32), n.Logger)

	err = pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer})
	if err != nil {
		_ = c.Close()
		return nil, "", &realtime.NegotiationError{Stage: "offer", Cause: err}
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = c.Close()
		return nil, "", &realtime.NegotiationError{Stage: "answer", Cause: err}
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = c.Close()
		return nil, "", &realtime.NegotiationError{Stage: "answer", Cause: err}
	}

	wait := n.GatherTimeout
	if wait <= 0 {
		wait = 10 * time.Second
	}
	select {
	case <-gathered:
	case <-time.After(wait):
		// Trickle-less answer with whatever was gathered.
	case <-ctx.Done():
		_ = c.Close()
		return nil, "", &realtime.NegotiationError{Stage: "answer", Cause: ctx.Err()}
	}
	return c, pc.LocalDescription().SDP, nil
}

// CheckOffer verifies that a browser offer carries a data channel section.
func CheckOffer(raw string) error {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(raw)); err != nil {
		return fmt.Errorf("parse offer: %w", err)
	}
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media == "application" {
			return nil
		}
	}
	return errors.New("offer has no data channel section")
}

type rtcConn struct {
	connBase
	pc     *webrtc.PeerConnection
	format audio.Format

	mu        sync.RWMutex
	audioDC   *webrtc.DataChannel
	controlDC *webrtc.DataChannel
}

func newRTCConn(pc *webrtc.PeerConnection, f audio.Format, audioBuf, controlBuf int, logger *slog.Logger) *rtcConn {
	c := &rtcConn{
		connBase: newConnBase(audioBuf, controlBuf, logger),
		pc:       pc,
		format:   f,
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		switch dc.Label() {
		case AudioChannel:
			c.mu.Lock()
			c.audioDC = dc
			c.mu.Unlock()
			dc.OnMessage(func(msg webrtc.DataChannelMessage) {
				if msg.IsString {
					return
				}
				fr, err := audio.PCM16LE.Decode(msg.Data, c.format, time.Now())
				if err != nil {
					c.logger.Debug("dropping malformed audio", "error", err)
					return
				}
				c.deliverAudio(fr)
			})
		case ControlChannel:
			c.mu.Lock()
			c.controlDC = dc
			c.mu.Unlock()
			dc.OnMessage(func(msg webrtc.DataChannelMessage) {
				data := make([]byte, len(msg.Data))
				copy(data, msg.Data)
				c.deliverControl(data)
			})
		default:
			c.logger.Debug("ignoring data channel", "label", dc.Label())
		}
		dc.OnClose(func() {
			c.fail(fmt.Errorf("peer: %s channel closed", dc.Label()))
		})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateFailed:
			c.fail(errors.New("peer: connection failed"))
		case webrtc.PeerConnectionStateClosed:
			c.fail(ErrClosed)
		}
	})
	return c
}

func (c *rtcConn) openChannel(dc *webrtc.DataChannel) bool {
	return dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (c *rtcConn) SendAudio(fr audio.Frame) error {
	c.mu.RLock()
	dc := c.audioDC
	c.mu.RUnlock()
	if !c.openChannel(dc) {
		return ErrNotReady
	}
	return dc.Send(audio.PCM16LE.Encode(fr))
}

func (c *rtcConn) SendControl(data []byte) error {
	c.mu.RLock()
	dc := c.controlDC
	c.mu.RUnlock()
	if !c.openChannel(dc) {
		return ErrNotReady
	}
	return dc.SendText(string(data))
}

func (c *rtcConn) Close() error {
	c.fail(ErrClosed)
	err := c.pc.Close()
	if err != nil && strings.Contains(err.Error(), "closed") {
		return nil
	}
	return err
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
