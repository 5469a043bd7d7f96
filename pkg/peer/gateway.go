// Package peer terminates browser peer legs for a session: it negotiates
// them, enforces the single-primary rule, feeds their microphones into the
// session mixer and fans speech model audio back out.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/voicebridge/pkg/audio"
	"github.com/teslashibe/voicebridge/pkg/protocol"
)

// Config holds gateway settings.
type Config struct {
	// MaxPeers bounds concurrent peers per session.
	MaxPeers int

	// OutputQueue bounds buffered speaker frames per peer. Model audio
	// arrives in bursts faster than real time.
	OutputQueue int

	// ControlQueue bounds buffered inbound control messages across peers.
	ControlQueue int

	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxPeers:     8,
		OutputQueue:  128,
		ControlQueue: 64,
		Logger:       slog.Default(),
	}
}

// Info describes a connected peer.
type Info struct {
	ID       string    `json:"peer_id"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// Control is an inbound control message tagged with its peer.
type Control struct {
	PeerID  string
	Message *protocol.Message
}

// LeaveFunc is called once per peer when its leg closes, with the reason.
type LeaveFunc func(info Info, err error)

type member struct {
	info   Info
	conn   Conn
	source *audio.Source
	out    chan audio.Frame
	stop   chan struct{}
}

// Gateway manages every browser leg of one session.
type Gateway struct {
	cfg        Config
	logger     *slog.Logger
	negotiator Negotiator
	mixer      *audio.Mixer

	mu             sync.Mutex
	peers          map[string]*member
	primary        string
	primaryPending bool
	closed         bool
	onLeave        LeaveFunc

	control chan Control
	wg      sync.WaitGroup
}

// NewGateway creates a gateway feeding mic audio into mixer.
func NewGateway(mixer *audio.Mixer, negotiator Negotiator, cfg Config) *Gateway {
	def := DefaultConfig()
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = def.MaxPeers
	}
	if cfg.OutputQueue <= 0 {
		cfg.OutputQueue = def.OutputQueue
	}
	if cfg.ControlQueue <= 0 {
		cfg.ControlQueue = def.ControlQueue
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	return &Gateway{
		cfg:        cfg,
		logger:     cfg.Logger.With("component", "peer.gateway"),
		negotiator: negotiator,
		mixer:      mixer,
		peers:      make(map[string]*member),
		control:    make(chan Control, cfg.ControlQueue),
	}
}

// OnLeave registers the leg-closed callback.
func (g *Gateway) OnLeave(fn LeaveFunc) {
	g.mu.Lock()
	g.onLeave = fn
	g.mu.Unlock()
}

// Control delivers inbound control messages from every peer.
func (g *Gateway) Control() <-chan Control { return g.control }

// Accept validates the role, negotiates the offer and registers the peer.
// A second primary fails with *RoleConflictError before any negotiation,
// leaving the existing primary untouched.
func (g *Gateway) Accept(ctx context.Context, role Role, offer string) (Info, string, error) {
	if g.negotiator == nil {
		return Info{}, "", fmt.Errorf("peer: no negotiator configured")
	}
	if err := g.reserve(role); err != nil {
		return Info{}, "", err
	}

	conn, answer, err := g.negotiator.Negotiate(ctx, offer)
	if err != nil {
		g.release(role)
		return Info{}, "", err
	}
	info, err := g.register(role, conn)
	if err != nil {
		_ = conn.Close()
		return Info{}, "", err
	}
	return info, answer, nil
}

// Attach registers an already-established leg, such as a websocket.
func (g *Gateway) Attach(role Role, conn Conn) (Info, error) {
	if err := g.reserve(role); err != nil {
		return Info{}, err
	}
	return g.register(role, conn)
}

// reserve claims a slot for role.
func (g *Gateway) reserve(role Role) error {
	if role != RolePrimary && role != RoleSecondary {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	if len(g.peers) >= g.cfg.MaxPeers {
		return ErrTooManyPeers
	}
	if role == RolePrimary {
		if g.primary != "" || g.primaryPending {
			return &RoleConflictError{Role: role, ExistingPeer: g.primary}
		}
		g.primaryPending = true
	}
	return nil
}

func (g *Gateway) release(role Role) {
	if role != RolePrimary {
		return
	}
	g.mu.Lock()
	g.primaryPending = false
	g.mu.Unlock()
}

func (g *Gateway) register(role Role, conn Conn) (Info, error) {
	info := Info{ID: uuid.NewString(), Role: role, JoinedAt: time.Now()}

	g.mu.Lock()
	if role == RolePrimary {
		g.primaryPending = false
	}
	if g.closed {
		g.mu.Unlock()
		return Info{}, ErrClosed
	}
	m := &member{
		info:   info,
		conn:   conn,
		source: g.mixer.AddSource(info.ID),
		out:    make(chan audio.Frame, g.cfg.OutputQueue),
		stop:   make(chan struct{}),
	}
	g.peers[info.ID] = m
	if role == RolePrimary {
		g.primary = info.ID
	}
	count := len(g.peers)
	g.wg.Add(2)
	g.mu.Unlock()

	go g.readLoop(m)
	go g.writeLoop(m)

	g.logger.Info("peer joined", "peer_id", info.ID, "role", role, "peers", count)
	return info, nil
}

// readLoop forwards one peer's microphone to the mixer and its control
// messages to the session.
func (g *Gateway) readLoop(m *member) {
	defer g.wg.Done()
	for {
		select {
		case <-m.stop:
			return
		case <-m.conn.Done():
			g.leave(m, m.conn.Err())
			return
		case fr, ok := <-m.conn.Audio():
			if !ok {
				g.leave(m, ErrClosed)
				return
			}
			g.pushMic(m, fr)
		case data, ok := <-m.conn.Control():
			if !ok {
				g.leave(m, ErrClosed)
				return
			}
			g.handleControl(m, data)
		}
	}
}

func (g *Gateway) pushMic(m *member, fr audio.Frame) {
	if err := m.source.Push(fr); err != nil {
		g.logger.Debug("rejecting peer audio", "peer_id", m.info.ID, "error", err)
	}
}

func (g *Gateway) handleControl(m *member, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		g.logger.Debug("invalid control message", "peer_id", m.info.ID, "error", err)
		return
	}
	switch msg.Type {
	case protocol.TypePing:
		ping, err := msg.GetPingData()
		if err == nil {
			_ = m.conn.SendControl(protocol.MustBytes(protocol.NewPongMessage(*ping)))
		}
		return
	case protocol.TypeAudio:
		ad, err := msg.GetAudioData()
		if err != nil {
			return
		}
		pcm, err := ad.DecodeAudio()
		if err != nil {
			return
		}
		f := g.mixer.Format()
		if ad.SampleRate != 0 {
			f.SampleRate = ad.SampleRate
		}
		if ad.Channels != 0 {
			f.Channels = ad.Channels
		}
		fr, err := audio.PCM16LE.Decode(pcm, f, time.Now())
		if err == nil {
			g.pushMic(m, fr)
		}
		return
	}

	select {
	case g.control <- Control{PeerID: m.info.ID, Message: msg}:
	default:
		g.logger.Warn("control queue full, dropping message", "peer_id", m.info.ID, "type", msg.Type)
	}
}

// writeLoop drains one peer's speaker queue so a slow peer never stalls
// the others.
func (g *Gateway) writeLoop(m *member) {
	defer g.wg.Done()
	for {
		select {
		case <-m.stop:
			return
		case fr := <-m.out:
			if err := m.conn.SendAudio(fr); err != nil && !errors.Is(err, ErrNotReady) {
				g.logger.Debug("speaker write failed", "peer_id", m.info.ID, "error", err)
			}
		}
	}
}

// SendModelAudio fans a speech model frame out to every peer. It is the
// only path by which audio reaches a peer, so no peer ever hears its own or
// another peer's microphone.
func (g *Gateway) SendModelAudio(fr audio.Frame) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, m := range g.peers {
		enqueue(m.out, fr)
	}
}

func enqueue(ch chan audio.Frame, fr audio.Frame) {
	for {
		select {
		case ch <- fr:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// SendControl writes a control message to one peer.
func (g *Gateway) SendControl(peerID string, msg *protocol.Message) error {
	g.mu.Lock()
	m, ok := g.peers[peerID]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	data, err := msg.Bytes()
	if err != nil {
		return err
	}
	return m.conn.SendControl(data)
}

// BroadcastControl writes a control message to every peer.
func (g *Gateway) BroadcastControl(msg *protocol.Message) {
	data, err := msg.Bytes()
	if err != nil {
		return
	}
	g.mu.Lock()
	conns := make([]Conn, 0, len(g.peers))
	for _, m := range g.peers {
		conns = append(conns, m.conn)
	}
	g.mu.Unlock()
	for _, c := range conns {
		_ = c.SendControl(data)
	}
}

// Peers returns the connected peers.
func (g *Gateway) Peers() []Info {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Info, 0, len(g.peers))
	for _, m := range g.peers {
		out = append(out, m.info)
	}
	return out
}

// Count returns the number of connected peers.
func (g *Gateway) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.peers)
}

// Remove disconnects one peer.
func (g *Gateway) Remove(peerID string) error {
	g.mu.Lock()
	m, ok := g.peers[peerID]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	g.leave(m, ErrClosed)
	return nil
}

// leave unregisters a peer exactly once and fires the leave callback.
func (g *Gateway) leave(m *member, reason error) {
	g.mu.Lock()
	if _, ok := g.peers[m.info.ID]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.peers, m.info.ID)
	if g.primary == m.info.ID {
		g.primary = ""
	}
	remaining := len(g.peers)
	cb := g.onLeave
	g.mu.Unlock()

	close(m.stop)
	g.mixer.RemoveSource(m.info.ID)
	_ = m.conn.Close()

	g.logger.Info("peer left", "peer_id", m.info.ID, "role", m.info.Role, "reason", reason, "peers", remaining)
	if cb != nil {
		cb(m.info, reason)
	}
}

// Close disconnects every peer and waits for their loops, up to ctx.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	members := make([]*member, 0, len(g.peers))
	for _, m := range g.peers {
		members = append(members, m)
	}
	g.mu.Unlock()

	for _, m := range members {
		g.leave(m, ErrClosed)
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("peer: close: %w", ctx.Err())
	}
}
