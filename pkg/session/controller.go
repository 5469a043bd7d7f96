// Package session owns the lifecycle of one voice session. A Controller
// brings up the speech model, the browser peers and the delegated backends
// in that order, pumps audio and events between them, and tears them down
// consumers first.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/voicebridge/pkg/audio"
	"github.com/teslashibe/voicebridge/pkg/backend"
	"github.com/teslashibe/voicebridge/pkg/dispatch"
	"github.com/teslashibe/voicebridge/pkg/metrics"
	"github.com/teslashibe/voicebridge/pkg/peer"
	"github.com/teslashibe/voicebridge/pkg/protocol"
	"github.com/teslashibe/voicebridge/pkg/realtime"
	"github.com/teslashibe/voicebridge/pkg/recorder"
)

const tracerName = "github.com/teslashibe/voicebridge/pkg/session"

// maxReplayItems bounds how many prior transcript lines are restored into
// the model's context on create.
const maxReplayItems = 64

// Event types recorded by the controller.
const (
	EventState        = "session.state"
	EventPeerJoined   = "peer.joined"
	EventPeerLeft     = "peer.left"
	EventPeerRejected = "peer.rejected"
	EventAudioIn      = "audio.in"
	EventAudioOut     = "audio.out"
)

// State is a session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateActive
	StateDraining
	StateClosed
	StateFailed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether s is Closed or Failed.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// PeerState is the connection state shown to browser peers.
func (s State) PeerState() string {
	switch s {
	case StateActive:
		return "active"
	case StateFailed:
		return "failed"
	case StateDraining, StateClosed:
		return "closed"
	default:
		return "connecting"
	}
}

// Result is the outcome of a create request. PeerError is set when the
// session came up but the initial peer was rejected.
type Result struct {
	SessionID  string `json:"session_id"`
	PeerID     string `json:"peer_id,omitempty"`
	PeerAnswer string `json:"peer_answer,omitempty"`
	PeerError  string `json:"peer_error,omitempty"`
}

// Info is a point-in-time view of a session.
type Info struct {
	SessionID      string                   `json:"session_id"`
	ConversationID string                   `json:"conversation_id"`
	State          State                    `json:"state"`
	CreatedAt      time.Time                `json:"created_at"`
	Peers          []peer.Info              `json:"peers"`
	Backends       []dispatch.BackendStatus `json:"backends"`
	ToolCalls      []dispatch.ToolCall      `json:"tool_calls"`
	Error          string                   `json:"error,omitempty"`
}

// Controller runs one session.
type Controller struct {
	id     string
	plan   plan
	cfg    Config
	deps   Deps
	logger *slog.Logger
	tracer trace.Tracer

	model      Model
	mixer      *audio.Mixer
	gateway    *peer.Gateway
	dispatcher *dispatch.Dispatcher

	ctx    context.Context
	cancel context.CancelFunc
	loops  errgroup.Group

	mu      sync.Mutex
	state   State
	err     error
	created time.Time
	idle    *time.Timer
	active  bool

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// Create validates req and brings a session up. On a speech model failure
// the session is torn down and a *ModelError is returned. A rejected
// initial peer does not fail the session; it is reported in Result.PeerError.
func Create(ctx context.Context, req Request, deps Deps, cfg Config) (*Controller, Result, error) {
	cfg.defaults()
	if err := deps.validate(); err != nil {
		return nil, Result{}, err
	}
	p, err := validate(req, cfg)
	if err != nil {
		return nil, Result{}, err
	}

	id := uuid.NewString()
	sctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		id:   id,
		plan: p,
		cfg:  cfg,
		deps: deps,
		logger: cfg.Logger.With(
			"component", "session.controller",
			"session_id", id,
			"conversation_id", p.conversationID,
		),
		tracer:  otel.Tracer(tracerName),
		ctx:     sctx,
		cancel:  cancel,
		created: time.Now(),
		done:    make(chan struct{}),
	}

	res, err := c.create(ctx)
	if err != nil {
		return nil, res, err
	}
	return c, res, nil
}

func (d Deps) validate() error {
	if d.Model == nil {
		return errors.New("session: speech model factory is required")
	}
	if d.Negotiator == nil {
		return errors.New("session: peer negotiator is required")
	}
	if d.Recorder == nil {
		return errors.New("session: recorder is required")
	}
	return nil
}

func (c *Controller) create(ctx context.Context) (res Result, err error) {
	ctx, span := c.tracer.Start(ctx, "session.create", trace.WithAttributes(
		attribute.String("session.id", c.id),
		attribute.String("conversation.id", c.plan.conversationID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	start := time.Now()
	res = Result{SessionID: c.id}

	c.setState(StateNegotiating, nil)

	model, err := c.deps.Model(c.cfg.Format, realtime.ObserverFunc(c.observe), c.logger)
	if err != nil {
		return res, c.abort(&ModelError{Cause: err})
	}
	c.model = model
	if err := model.Connect(ctx); err != nil {
		return res, c.abort(&ModelError{Cause: err})
	}
	if err := model.ConfigureSession(ctx, c.plan.options); err != nil {
		return res, c.abort(&ModelError{Cause: err})
	}

	c.mixer = audio.NewMixer(c.cfg.Format, audio.WithMixerLogger(c.logger))
	pcfg := c.cfg.Peer
	pcfg.Logger = c.logger
	c.gateway = peer.NewGateway(c.mixer, c.deps.Negotiator, pcfg)
	c.gateway.OnLeave(c.peerLeft)

	if c.plan.offer != "" {
		info, answer, err := c.accept(ctx, c.plan.role, c.plan.offer)
		if err != nil {
			res.PeerError = err.Error()
		} else {
			res.PeerID = info.ID
			res.PeerAnswer = answer
		}
	}

	dial := c.deps.Backends
	if dial == nil {
		dial = func(context.Context, backend.Kind) (dispatch.Conn, error) {
			return nil, backend.ErrUnknownBackend
		}
	}
	dcfg := c.cfg.Dispatch
	dcfg.Backends = c.plan.backends
	dcfg.Verbosity = c.plan.verbosity
	dcfg.Logger = c.logger
	dcfg.OnBackendClosed = c.backendClosed
	dcfg.OnCallUpdate = c.callUpdated
	d, err := dispatch.New(model, dial, dispatch.RecorderFunc(c.record), dcfg)
	if err != nil {
		return res, c.abort(err)
	}
	c.dispatcher = d
	for kind, err := range d.Connect(ctx) {
		c.logger.Warn("backend unavailable, its tools are degraded", "backend", kind, "error", err)
	}

	if err := c.replay(ctx); err != nil {
		c.logger.Warn("conversation context not restored", "error", err)
	}

	c.startLoops()
	c.mu.Lock()
	c.active = true
	c.mu.Unlock()
	metrics.SessionsActive.Inc()
	c.setState(StateActive, nil)
	metrics.SessionCreateDuration.Observe(time.Since(start).Seconds())
	if c.gateway.Count() == 0 {
		c.armIdle()
	}
	c.logger.Info("session active", "peers", c.gateway.Count(), "backends", c.plan.backends, "latency", time.Since(start))
	return res, nil
}

// abort fails a session that never became active.
func (c *Controller) abort(err error) error {
	c.logger.Error("session create failed", "error", err)
	c.teardown(StateFailed, err)
	return err
}

// ID returns the session id.
func (c *Controller) ID() string { return c.id }

// ConversationID returns the conversation the session records into.
func (c *Controller) ConversationID() string { return c.plan.conversationID }

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err reports why the session failed.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed once teardown completes.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Info returns a snapshot of the session.
func (c *Controller) Info() Info {
	c.mu.Lock()
	info := Info{
		SessionID:      c.id,
		ConversationID: c.plan.conversationID,
		State:          c.state,
		CreatedAt:      c.created,
	}
	if c.err != nil {
		info.Error = c.err.Error()
	}
	c.mu.Unlock()

	if c.gateway != nil {
		info.Peers = c.gateway.Peers()
	}
	if c.dispatcher != nil {
		info.Backends = c.dispatcher.Status()
		info.ToolCalls = c.dispatcher.Calls()
	}
	return info
}

// Join negotiates an additional browser peer.
func (c *Controller) Join(ctx context.Context, role peer.Role, offer string) (peer.Info, string, error) {
	if st := c.State(); st != StateActive {
		return peer.Info{}, "", &StateError{Op: "join", State: st}
	}
	return c.accept(ctx, role, offer)
}

func (c *Controller) accept(ctx context.Context, role peer.Role, offer string) (peer.Info, string, error) {
	info, answer, err := c.gateway.Accept(ctx, role, offer)
	if err != nil {
		c.rejected(role, err)
		return peer.Info{}, "", err
	}
	c.joined(info)
	return info, answer, nil
}

// RemovePeer disconnects one peer. The session stays up, and with no peers
// left the idle timer starts.
func (c *Controller) RemovePeer(peerID string) error {
	if st := c.State(); st != StateActive {
		return &StateError{Op: "remove peer", State: st}
	}
	return c.gateway.Remove(peerID)
}

// AttachConn registers an established leg, such as a browser websocket. A
// rejected leg is told why and closed.
func (c *Controller) AttachConn(role peer.Role, conn peer.Conn) (peer.Info, error) {
	st := c.State()
	var err error
	if st != StateActive {
		err = &StateError{Op: "attach", State: st}
	} else {
		var info peer.Info
		if info, err = c.gateway.Attach(role, conn); err == nil {
			c.joined(info)
			return info, nil
		}
		c.rejected(role, err)
	}
	if msg, merr := protocol.NewRejectedMessage(err.Error(), string(role)); merr == nil {
		if data, merr := msg.Bytes(); merr == nil {
			_ = conn.SendControl(data)
		}
	}
	_ = conn.Close()
	return peer.Info{}, err
}

func (c *Controller) joined(info peer.Info) {
	c.disarmIdle()
	metrics.PeersActive.Inc()
	c.record(recorder.SourceSystem, EventPeerJoined, info)
	c.sendState(info, c.State(), nil)
}

func (c *Controller) rejected(role peer.Role, err error) {
	reason := rejectionReason(err)
	metrics.PeerRejections.WithLabelValues(reason).Inc()
	c.logger.Warn("peer rejected", "role", role, "reason", reason, "error", err)
	c.record(recorder.SourceSystem, EventPeerRejected, map[string]string{
		"role":   string(role),
		"reason": reason,
		"error":  err.Error(),
	})
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, peer.ErrRoleConflict):
		return "role_conflict"
	case errors.Is(err, peer.ErrTooManyPeers):
		return "too_many_peers"
	case errors.Is(err, peer.ErrInvalidRole):
		return "invalid_role"
	case errors.Is(err, peer.ErrClosed):
		return "closed"
	default:
		return "negotiation"
	}
}

func (c *Controller) peerLeft(info peer.Info, err error) {
	metrics.PeersActive.Dec()
	payload := map[string]string{"peer_id": info.ID, "role": string(info.Role)}
	if err != nil {
		payload["reason"] = err.Error()
	}
	c.record(recorder.SourceSystem, EventPeerLeft, payload)
	c.legClosed(LegPeer, info.ID, err)
	if c.gateway.Count() == 0 {
		c.armIdle()
	}
}

func (c *Controller) backendClosed(kind backend.Kind, err error) {
	if err != nil && !errors.Is(err, backend.ErrClosed) {
		metrics.Errors.WithLabelValues(string(LegBackend), "disconnected").Inc()
	}
	c.legClosed(LegBackend, string(kind), err)
}

func (c *Controller) callUpdated(call dispatch.ToolCall) {
	var detail string
	if call.Result != nil {
		detail = call.Result.Error
	}
	msg, err := protocol.NewToolMessage(call.ID, call.Name, string(call.Status), detail)
	if err != nil {
		return
	}
	c.gateway.BroadcastControl(msg)
}

func (c *Controller) legClosed(leg Leg, id string, err error) {
	if c.cfg.OnLegClosed != nil {
		c.cfg.OnLegClosed(leg, id, err)
	}
}

// CommitTurn ends the user's turn and asks the model to respond. It is how
// generation is triggered in manual turn-detection mode.
func (c *Controller) CommitTurn(ctx context.Context) error {
	if st := c.State(); st != StateActive {
		return &StateError{Op: "commit turn", State: st}
	}
	return c.model.CommitTurn(ctx)
}

// ClearInput discards the user audio the model has buffered but not yet
// committed.
func (c *Controller) ClearInput(ctx context.Context) error {
	if st := c.State(); st != StateActive {
		return &StateError{Op: "clear input", State: st}
	}
	return c.model.ClearInput(ctx)
}

// SendText adds a typed user message and asks the model to respond.
func (c *Controller) SendText(ctx context.Context, text string) error {
	if st := c.State(); st != StateActive {
		return &StateError{Op: "send text", State: st}
	}
	return c.model.InjectText(ctx, "user", text, true)
}

// replay restores the transcript of earlier sessions of the conversation
// into the model's context without asking it to respond.
func (c *Controller) replay(ctx context.Context) error {
	prior, err := c.deps.Recorder.Replay(ctx, c.plan.conversationID, 0)
	if err != nil {
		return err
	}

	type line struct{ role, text string }
	var lines []line
	for _, ev := range prior {
		if ev.Source != recorder.SourceSpeechModel || ev.SessionID == c.id {
			continue
		}
		mev, err := realtime.ParseEvent(ev.Payload)
		if err != nil || mev.Kind != realtime.KindTranscriptDone || strings.TrimSpace(mev.Text) == "" {
			continue
		}
		lines = append(lines, line{role: mev.Role, text: mev.Text})
	}
	if len(lines) > maxReplayItems {
		lines = lines[len(lines)-maxReplayItems:]
	}
	for _, l := range lines {
		if err := c.model.InjectText(ctx, l.role, l.text, false); err != nil {
			return err
		}
	}
	if len(lines) > 0 {
		c.logger.Info("conversation context restored", "items", len(lines), "events", len(prior))
	}
	return nil
}

func (c *Controller) startLoops() {
	c.loops.Go(func() error {
		c.mixer.Run(c.ctx)
		return nil
	})
	c.loops.Go(c.uplink)
	c.loops.Go(c.downlink)
	c.loops.Go(c.modelEvents)
	c.loops.Go(c.controlLoop)
	c.loops.Go(c.watchModel)
}

// uplink forwards the peers' mixed microphone audio to the model.
func (c *Controller) uplink() error {
	meter := newAudioMeter(EventAudioIn, "peers", c.cfg.Format.SampleRate, c.cfg.AudioRecordInterval)
	defer c.flushMeter(recorder.SourceBrowser, meter)
	for fr := range c.mixer.Output() {
		if err := c.model.SendAudio(fr); err != nil {
			c.logger.Debug("uplink frame dropped", "error", err)
			continue
		}
		metrics.AudioFrames.WithLabelValues("in").Inc()
		if p, ok := meter.add(fr, time.Now()); ok {
			c.record(recorder.SourceBrowser, meter.eventType, p)
		}
	}
	return nil
}

// downlink re-blocks the model's audio into whole frames and fans them out
// to every peer. A partial frame is padded and sent once the model pauses
// for a frame duration.
func (c *Controller) downlink() error {
	meter := newAudioMeter(EventAudioOut, "speech_model", c.cfg.Format.SampleRate, c.cfg.AudioRecordInterval)
	defer c.flushMeter(recorder.SourceSpeechModel, meter)

	send := func(fr audio.Frame) {
		c.gateway.SendModelAudio(fr)
		metrics.AudioFrames.WithLabelValues("out").Inc()
		if p, ok := meter.add(fr, time.Now()); ok {
			c.record(recorder.SourceSpeechModel, meter.eventType, p)
		}
	}
	flush := func(f *audio.Framer) {
		if tail, ok := f.Flush(); ok {
			send(tail)
		}
	}

	framer := audio.NewFramer(c.cfg.Format)
	idle := time.NewTimer(c.cfg.Format.FrameDuration)
	idle.Stop()
	defer idle.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return nil
		case <-idle.C:
			flush(framer)
		case fr, ok := <-c.model.Audio():
			if !ok {
				flush(framer)
				return nil
			}
			blocks, err := framer.Write(fr)
			if err != nil {
				c.logger.Debug("downlink frame dropped", "error", err)
				continue
			}
			for _, b := range blocks {
				send(b)
			}
			if framer.Pending() > 0 {
				idle.Reset(c.cfg.Format.FrameDuration)
			} else {
				idle.Stop()
			}
		}
	}
}

func (c *Controller) modelEvents() error {
	for {
		select {
		case <-c.ctx.Done():
			return nil
		case ev, ok := <-c.model.Events():
			if !ok {
				return nil
			}
			c.onModelEvent(ev)
		}
	}
}

func (c *Controller) onModelEvent(ev realtime.Event) {
	var msg *protocol.Message
	var err error
	switch ev.Kind {
	case realtime.KindFunctionCall:
		if err := c.dispatcher.DispatchEvent(ev); err != nil {
			c.logger.Warn("function call not queued", "call_id", ev.CallID, "name", ev.Name, "error", err)
		}
		msg, err = protocol.NewToolMessage(ev.CallID, ev.Name, string(dispatch.StatusPending), "")
	case realtime.KindTranscriptDelta:
		msg, err = protocol.NewTranscriptMessage(ev.Role, ev.Text, false)
	case realtime.KindTranscriptDone:
		msg, err = protocol.NewTranscriptMessage(ev.Role, ev.Text, true)
	case realtime.KindError:
		metrics.Errors.WithLabelValues(string(LegModel), "api").Inc()
		msg, err = protocol.NewErrorMessage(ev.Err.Code, ev.Err.Message)
	default:
		return
	}
	if err != nil {
		return
	}
	c.gateway.BroadcastControl(msg)
}

func (c *Controller) controlLoop() error {
	for {
		select {
		case <-c.ctx.Done():
			return nil
		case ctl := <-c.gateway.Control():
			c.onControl(ctl)
		}
	}
}

func (c *Controller) onControl(ctl peer.Control) {
	switch ctl.Message.Type {
	case protocol.TypeTurnComplete:
		c.applyControl(ctl, "turn commit", c.model.CommitTurn)
	case protocol.TypeClear:
		c.applyControl(ctl, "input clear", c.model.ClearInput)
	case protocol.TypeText:
		data, err := ctl.Message.GetTextData()
		if err != nil || strings.TrimSpace(data.Text) == "" {
			return
		}
		c.record(recorder.SourceBrowser, "text", data)
		if err := c.model.InjectText(c.ctx, "user", data.Text, true); err != nil {
			c.logger.Warn("typed message not delivered", "peer_id", ctl.PeerID, "error", err)
		}
	default:
		c.logger.Debug("ignoring control message", "peer_id", ctl.PeerID, "type", ctl.Message.Type)
	}
}

// applyControl runs a model operation on behalf of a peer and reports a
// failure back to that peer only.
func (c *Controller) applyControl(ctl peer.Control, op string, fn func(context.Context) error) {
	err := fn(c.ctx)
	if err == nil {
		return
	}
	code := "control_failed"
	if realtime.IsNotConnected(err) {
		code = "model_unavailable"
	}
	c.logger.Warn(op+" failed", "peer_id", ctl.PeerID, "code", code, "error", err)
	if msg, merr := protocol.NewErrorMessage(code, op+" failed"); merr == nil {
		_ = c.gateway.SendControl(ctl.PeerID, msg)
	}
}

// watchModel fails the session once the model's reconnects are exhausted.
func (c *Controller) watchModel() error {
	select {
	case <-c.ctx.Done():
	case <-c.model.Failed():
		err := &ModelError{Cause: c.model.Err()}
		metrics.Errors.WithLabelValues(string(LegModel), "unavailable").Inc()
		go c.teardown(StateFailed, err)
	}
	return nil
}

func (c *Controller) armIdle() {
	if c.cfg.IdleTimeout <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return
	}
	if c.idle != nil {
		c.idle.Stop()
	}
	c.idle = time.AfterFunc(c.cfg.IdleTimeout, func() {
		if c.gateway.Count() > 0 {
			return
		}
		c.logger.Info("closing idle session", "idle_timeout", c.cfg.IdleTimeout)
		_ = c.Close(context.Background())
	})
}

func (c *Controller) disarmIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idle != nil {
		c.idle.Stop()
		c.idle = nil
	}
}

// Close drains the session: audio stops, the recorder is flushed, then the
// peers, the backends and finally the speech model are closed. Close is
// idempotent and bounded by the teardown deadline.
func (c *Controller) Close(ctx context.Context) error {
	c.teardown(StateClosed, nil)
	select {
	case <-c.done:
		return c.closeErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) teardown(final State, cause error) {
	c.closeOnce.Do(func() {
		ctx, span := c.tracer.Start(context.Background(), "session.close", trace.WithAttributes(
			attribute.String("session.id", c.id),
			attribute.String("session.final_state", final.String()),
		))
		defer span.End()
		ctx, cancel := context.WithTimeout(ctx, c.cfg.TeardownDeadline)
		defer cancel()

		if final == StateFailed {
			c.setState(StateFailed, cause)
		} else {
			c.setState(StateDraining, nil)
		}
		c.disarmIdle()

		c.cancel()
		var errs []error
		if err := c.deps.Recorder.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush recorder: %w", err))
		}
		if c.gateway != nil {
			if err := c.gateway.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if c.dispatcher != nil {
			if err := c.dispatcher.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if c.model != nil {
			err := c.model.Close()
			if err != nil {
				errs = append(errs, fmt.Errorf("close speech model: %w", err))
			}
			c.legClosed(LegModel, c.id, err)
		}

		loopsDone := make(chan struct{})
		go func() {
			_ = c.loops.Wait()
			close(loopsDone)
		}()
		select {
		case <-loopsDone:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("session: teardown deadline exceeded: %w", ctx.Err()))
		}

		if final == StateClosed {
			c.setState(StateClosed, nil)
		}
		c.mu.Lock()
		wasActive := c.active
		c.active = false
		c.mu.Unlock()
		if wasActive {
			metrics.SessionsActive.Dec()
		}
		metrics.SessionsTotal.WithLabelValues(final.String()).Inc()

		c.closeErr = errors.Join(errs...)
		if c.closeErr != nil {
			span.RecordError(c.closeErr)
			span.SetStatus(codes.Error, c.closeErr.Error())
			c.logger.Warn("session teardown incomplete", "error", c.closeErr)
		}
		c.logger.Info("session closed", "state", final, "lifetime", time.Since(c.created))
		close(c.done)
	})
}

func (c *Controller) setState(s State, reason error) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	if reason != nil {
		c.err = reason
	}
	c.mu.Unlock()
	if prev == s {
		return
	}

	payload := map[string]string{"from": prev.String(), "to": s.String()}
	if reason != nil {
		payload["reason"] = reason.Error()
	}
	c.record(recorder.SourceSystem, EventState, payload)
	c.logger.Info("session state changed", "from", prev, "to", s)

	if c.gateway == nil {
		return
	}
	for _, p := range c.gateway.Peers() {
		c.sendState(p, s, reason)
	}
}

func (c *Controller) sendState(p peer.Info, s State, reason error) {
	data := protocol.StateData{
		SessionID:      c.id,
		ConversationID: c.plan.conversationID,
		State:          s.PeerState(),
		Role:           string(p.Role),
	}
	if reason != nil {
		data.Reason = reason.Error()
	}
	msg, err := protocol.NewMessage(protocol.TypeState, data)
	if err != nil {
		return
	}
	if err := c.gateway.SendControl(p.ID, msg); err != nil {
		c.logger.Debug("state not delivered", "peer_id", p.ID, "error", err)
	}
}

// observe records every event crossing the model link. Inbound events come
// from the model; outbound ones are the bridge's own.
func (c *Controller) observe(dir realtime.Direction, eventType string, payload json.RawMessage) {
	source := recorder.SourceSpeechModel
	if dir == realtime.Outbound {
		source = recorder.SourceSystem
	}
	c.record(source, eventType, payload)
}

// record queues an event without blocking.
func (c *Controller) record(source recorder.Source, eventType string, payload any) {
	ev, err := recorder.NewEvent(source, eventType, payload)
	if err != nil {
		c.logger.Warn("event not recordable", "type", eventType, "error", err)
		return
	}
	ev.ConversationID = c.plan.conversationID
	ev.SessionID = c.id
	ev.Timestamp = time.Now().UTC()
	if c.deps.Recorder.Record(ev) {
		metrics.EventsRecorded.WithLabelValues(string(source)).Inc()
		return
	}
	metrics.EventsDropped.Inc()
}

func (c *Controller) flushMeter(source recorder.Source, m *audioMeter) {
	if m.frames > 0 {
		c.record(source, m.eventType, m.take())
	}
}

// audioMeter coalesces audio frames into periodic metadata events. It is
// owned by a single loop.
type audioMeter struct {
	eventType string
	origin    string
	rate      int
	interval  time.Duration

	frames  int
	samples int
	peak    float64
	since   time.Time
}

func newAudioMeter(eventType, origin string, rate int, interval time.Duration) *audioMeter {
	return &audioMeter{eventType: eventType, origin: origin, rate: rate, interval: interval}
}

// add counts fr and returns a payload once the interval has elapsed.
func (m *audioMeter) add(fr audio.Frame, now time.Time) (map[string]any, bool) {
	if m.frames == 0 {
		m.since = now
	}
	m.frames++
	m.samples += fr.Len()
	m.peak = max(m.peak, fr.RMS())
	if now.Sub(m.since) < m.interval {
		return nil, false
	}
	return m.take(), true
}

func (m *audioMeter) take() map[string]any {
	p := map[string]any{
		"origin":      m.origin,
		"frames":      m.frames,
		"samples":     m.samples,
		"sample_rate": m.rate,
		"peak_rms":    m.peak,
	}
	m.frames, m.samples, m.peak = 0, 0, 0
	return p
}
