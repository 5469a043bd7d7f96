package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"

	"github.com/teslashibe/voicebridge/pkg/audio"
)

// MimeTypeL16 is linear 16-bit PCM in network byte order (RFC 3551).
const MimeTypeL16 = "audio/L16"

const (
	eventsChannelLabel = "oai-events"
	l16PayloadType     = 96
)

// WebRTCDialer negotiates a peer connection with the speech model: the
// session description offer is posted over HTTP, events flow on a data
// channel and audio as L16 RTP.
type WebRTCDialer struct {
	Config *Config
}

// Dial implements Dialer.
func (d *WebRTCDialer) Dial(ctx context.Context, cred Credentials) (Link, error) {
	cfg := d.Config

	pc, err := newPeerConnection(cfg)
	if err != nil {
		return nil, &NegotiationError{Stage: "offer", Cause: err}
	}

	l, err := newRTCLink(cfg, pc)
	if err != nil {
		_ = pc.Close()
		return nil, &NegotiationError{Stage: "offer", Cause: err}
	}

	offerSDP, err := gatherOffer(ctx, pc)
	if err != nil {
		_ = l.Close()
		return nil, &NegotiationError{Stage: "offer", Cause: err}
	}

	answerSDP, err := d.exchange(ctx, cred, offerSDP)
	if err != nil {
		_ = l.Close()
		return nil, err
	}

	if err := CheckAnswer(answerSDP, "audio", MimeTypeL16); err != nil {
		_ = l.Close()
		return nil, &NegotiationError{Stage: "answer", Cause: err}
	}
	err = pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP})
	if err != nil {
		_ = l.Close()
		return nil, &NegotiationError{Stage: "answer", Cause: err}
	}

	wait := cfg.Timeout
	if wait <= 0 {
		wait = 30 * time.Second
	}
	select {
	case <-l.ready:
		return l, nil
	case <-l.done:
		_ = l.Close()
		return nil, &NegotiationError{Stage: "connect", Cause: l.Err()}
	case <-time.After(wait):
		_ = l.Close()
		return nil, &NegotiationError{Stage: "connect", Cause: errors.New("event channel did not open")}
	case <-ctx.Done():
		_ = l.Close()
		return nil, &NegotiationError{Stage: "connect", Cause: ctx.Err()}
	}
}

// exchange posts the offer and returns the answer SDP.
func (d *WebRTCDialer) exchange(ctx context.Context, cred Credentials, offer string) (string, error) {
	cfg := d.Config
	target := strings.TrimRight(cfg.BaseURL, "/") + "/v1/realtime?model=" + url.QueryEscape(cfg.Model)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(offer))
	if err != nil {
		return "", &NegotiationError{Stage: "exchange", Cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := cfg.HTTPClient.Do(req)
	if err != nil {
		return "", &NegotiationError{Stage: "exchange", Cause: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &NegotiationError{
			Stage:      "exchange",
			StatusCode: resp.StatusCode,
			Cause:      fmt.Errorf("offer rejected: %s", strings.TrimSpace(string(body))),
		}
	}
	return string(body), nil
}

func newPeerConnection(cfg *Config) (*webrtc.PeerConnection, error) {
	m := &webrtc.MediaEngine{}
	err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: l16Capability(cfg.Format),
		PayloadType:        l16PayloadType,
	}, webrtc.RTPCodecTypeAudio)
	if err != nil {
		return nil, fmt.Errorf("register L16: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))
	var ice []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		ice = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: ice})
}

func l16Capability(f audio.Format) webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:  MimeTypeL16,
		ClockRate: uint32(f.SampleRate),
		Channels:  uint16(f.Channels),
	}
}

// gatherOffer creates an offer and waits for ICE gathering so the SDP
// carries every candidate.
func gatherOffer(ctx context.Context, pc *webrtc.PeerConnection) (string, error) {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return pc.LocalDescription().SDP, nil
}

// CheckAnswer verifies that a session description carries a media section
// of the given kind and, when mime is set, offers that codec.
func CheckAnswer(raw, media, mime string) error {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(raw)); err != nil {
		return fmt.Errorf("parse session description: %w", err)
	}
	codec := strings.ToLower(strings.TrimPrefix(mime, "audio/"))
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != media {
			continue
		}
		if codec == "" {
			return nil
		}
		for _, a := range md.Attributes {
			if a.Key == "rtpmap" && strings.Contains(strings.ToLower(a.Value), " "+codec+"/") {
				return nil
			}
		}
		return fmt.Errorf("%s section does not accept %s", media, mime)
	}
	return fmt.Errorf("no %s section", media)
}

type rtcLink struct {
	linkBase
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	track  *webrtc.TrackLocalStaticRTP
	format audio.Format

	ready     chan struct{}
	readyOnce sync.Once

	writeMu sync.Mutex
	seq     uint16
	ts      uint32
	ssrc    uint32
	started bool
}

func newRTCLink(cfg *Config, pc *webrtc.PeerConnection) (*rtcLink, error) {
	l := &rtcLink{
		linkBase: newLinkBase(cfg.EventBuffer, cfg.AudioBuffer),
		pc:       pc,
		format:   cfg.Format,
		ready:    make(chan struct{}),
		seq:      uint16(rand.Uint32()),
		ts:       rand.Uint32(),
		ssrc:     rand.Uint32(),
	}

	track, err := webrtc.NewTrackLocalStaticRTP(l16Capability(cfg.Format), "audio", "voicebridge")
	if err != nil {
		return nil, err
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	l.track = track
	go drainRTCP(sender)

	dc, err := pc.CreateDataChannel(eventsChannelLabel, nil)
	if err != nil {
		return nil, err
	}
	l.dc = dc
	dc.OnOpen(func() {
		l.readyOnce.Do(func() { close(l.ready) })
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		data := make([]byte, len(msg.Data))
		copy(data, msg.Data)
		l.deliverEvent(data)
	})
	dc.OnClose(func() {
		l.fail(NewConnectionError("event channel closed", nil, true))
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		go l.readTrack(remote)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateFailed:
			l.fail(NewConnectionError("peer connection failed", nil, true))
		case webrtc.PeerConnectionStateClosed:
			l.fail(NewConnectionError("peer connection closed", nil, true))
		}
	})
	return l, nil
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (l *rtcLink) readTrack(remote *webrtc.TrackRemote) {
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		fr, err := audio.L16.Decode(pkt.Payload, l.format, time.Now())
		if err != nil {
			continue
		}
		l.deliverAudio(fr)
	}
}

func (l *rtcLink) SendEvent(_ context.Context, data []byte) error {
	select {
	case <-l.done:
		return ErrNotConnected
	default:
	}
	if err := l.dc.SendText(string(data)); err != nil {
		return NewConnectionError("send event failed", err, true)
	}
	return nil
}

func (l *rtcLink) SendAudio(fr audio.Frame) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         !l.started,
			PayloadType:    l16PayloadType,
			SequenceNumber: l.seq,
			Timestamp:      l.ts,
			SSRC:           l.ssrc,
		},
		Payload: audio.L16.Encode(fr),
	}
	l.started = true
	l.seq++
	if fr.Channels > 0 {
		l.ts += uint32(fr.Len() / fr.Channels)
	}
	if err := l.track.WriteRTP(pkt); err != nil {
		return NewConnectionError("write audio failed", err, true)
	}
	return nil
}

func (l *rtcLink) Close() error {
	l.fail(ErrClosed)
	return l.pc.Close()
}
