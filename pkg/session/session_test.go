package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/voicebridge/pkg/audio"
	"github.com/teslashibe/voicebridge/pkg/backend"
	"github.com/teslashibe/voicebridge/pkg/dispatch"
	"github.com/teslashibe/voicebridge/pkg/peer"
	"github.com/teslashibe/voicebridge/pkg/protocol"
	"github.com/teslashibe/voicebridge/pkg/realtime"
	"github.com/teslashibe/voicebridge/pkg/recorder"
)

const wait = 2 * time.Second

type legClose struct {
	leg Leg
	id  string
}

type harness struct {
	t      *testing.T
	dialer *realtime.MockDialer
	neg    *peer.MockNegotiator
	store  *recorder.MemoryStore
	rec    *recorder.Recorder
	legs   chan legClose

	mu       sync.Mutex
	backends map[backend.Kind]*backend.Mock

	deps Deps
	cfg  Config
}

func newHarness(t *testing.T, modelOpts ...realtime.Option) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := recorder.NewMemoryStore()
	rec, err := recorder.New(recorder.Config{Store: store, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rec.Close(context.Background()) })

	h := &harness{
		t:        t,
		dialer:   &realtime.MockDialer{},
		neg:      &peer.MockNegotiator{},
		store:    store,
		rec:      rec,
		legs:     make(chan legClose, 64),
		backends: make(map[backend.Kind]*backend.Mock),
	}
	h.deps = Deps{
		Model: func(f audio.Format, obs realtime.Observer, l *slog.Logger) (Model, error) {
			opts := append([]realtime.Option{
				realtime.WithFormat(f),
				realtime.WithObserver(obs),
				realtime.WithLogger(l),
			}, modelOpts...)
			c, err := realtime.NewWithDialer(h.dialer, nil, opts...)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		Negotiator: h.neg,
		Backends: func(_ context.Context, kind backend.Kind) (dispatch.Conn, error) {
			m := backend.NewMock(kind)
			h.mu.Lock()
			h.backends[kind] = m
			h.mu.Unlock()
			return m, nil
		},
		Recorder: rec,
	}
	h.cfg = DefaultConfig()
	h.cfg.Logger = logger
	h.cfg.IdleTimeout = 0
	h.cfg.OnLegClosed = func(leg Leg, id string, _ error) {
		h.legs <- legClose{leg: leg, id: id}
	}
	return h
}

func (h *harness) create(req Request) (*Controller, Result) {
	h.t.Helper()
	c, res, err := Create(context.Background(), req, h.deps, h.cfg)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c, res
}

func (h *harness) backend(kind backend.Kind) *backend.Mock {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.backends[kind]
}

func (h *harness) events(conv string) []recorder.Event {
	h.t.Helper()
	require.NoError(h.t, h.rec.Flush(context.Background()))
	evs, err := h.rec.Replay(context.Background(), conv, 0)
	require.NoError(h.t, err)
	return evs
}

func request(offer string) Request {
	return Request{ConversationID: "conv-1", PeerOffer: offer}
}

func sentOfType(link *realtime.MockLink, typ string) []map[string]any {
	var out []map[string]any
	for _, m := range link.Sent() {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func controlTypes(conn *peer.MockConn) []protocol.MessageType {
	var out []protocol.MessageType
	for _, data := range conn.ControlSent() {
		if msg, err := protocol.ParseMessage(data); err == nil {
			out = append(out, msg.Type)
		}
	}
	return out
}

func TestCreateBringsLegsUp(t *testing.T) {
	h := newHarness(t)
	c, res := h.create(request("offer-1"))

	assert.Equal(t, StateActive, c.State())
	assert.Equal(t, c.ID(), res.SessionID)
	assert.Equal(t, "answer:offer-1", res.PeerAnswer)
	assert.NotEmpty(t, res.PeerID)
	assert.Empty(t, res.PeerError)

	link := h.dialer.Last()
	require.NotNil(t, link)
	updates := sentOfType(link, "session.update")
	require.Len(t, updates, 1)

	info := c.Info()
	assert.Len(t, info.Peers, 1)
	require.Len(t, info.Backends, 2)
	for _, b := range info.Backends {
		assert.True(t, b.Enabled, b.Backend)
		assert.True(t, b.Connected, b.Backend)
	}

	conns := h.neg.Conns()
	require.Len(t, conns, 1)
	assert.Contains(t, controlTypes(conns[0]), protocol.TypeState)

	var states []string
	for _, ev := range h.events("conv-1") {
		assert.Equal(t, c.ID(), ev.SessionID)
		if ev.Type == EventState {
			var p map[string]string
			require.NoError(t, json.Unmarshal(ev.Payload, &p))
			states = append(states, p["to"])
		}
	}
	assert.Equal(t, []string{"negotiating", "active"}, states)
}

func TestCreateValidation(t *testing.T) {
	tests := []struct {
		name  string
		req   Request
		field string
	}{
		{"missing conversation", Request{}, "conversation_id"},
		{"bad role", Request{ConversationID: "c", PeerRole: "owner"}, "peer_role"},
		{"bad voice", Request{ConversationID: "c", VoiceConfig: VoiceConfig{Voice: "robot"}}, "voice_config"},
		{"bad turn mode", Request{ConversationID: "c", VoiceConfig: VoiceConfig{TurnDetection: realtime.TurnDetection{Mode: "eager"}}}, "voice_config"},
		{"bad verbosity", Request{ConversationID: "c", VoiceConfig: VoiceConfig{NarrationVerbosity: "loud"}}, "narration_verbosity"},
		{"unknown backend", Request{ConversationID: "c", VoiceConfig: VoiceConfig{Backends: []string{"shell"}}}, "backends"},
		{"unconfigured backend", Request{ConversationID: "c", VoiceConfig: VoiceConfig{Backends: []string{"code_session"}}}, "backends"},
		{"sample rate mismatch", Request{ConversationID: "c", VoiceConfig: VoiceConfig{SampleRate: 16000}}, "sample_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.cfg.Backends = []backend.Kind{backend.TaskTeam}
			_, _, err := Create(context.Background(), tt.req, h.deps, h.cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.Zero(t, h.dialer.Dials(), "nothing is dialed for an invalid request")
		})
	}
}

func TestValidateDefaults(t *testing.T) {
	cfg := DefaultConfig()
	p, err := validate(Request{ConversationID: "c", VoiceConfig: VoiceConfig{SampleRate: cfg.Format.SampleRate}}, cfg)
	require.NoError(t, err)
	assert.Equal(t, peer.RolePrimary, p.role)
	assert.True(t, p.options.Transcription)
	assert.Equal(t, dispatch.VerbositySummary, p.verbosity)
	assert.ElementsMatch(t, backend.Kinds, p.backends)
	assert.Len(t, p.options.Tools, 5)

	off := false
	p, err = validate(Request{ConversationID: "c", VoiceConfig: VoiceConfig{
		Transcription: &off,
		Backends:      []string{"task_team", "task_team"},
	}}, cfg)
	require.NoError(t, err)
	assert.False(t, p.options.Transcription)
	assert.Equal(t, []backend.Kind{backend.TaskTeam}, p.backends)
	for _, tool := range p.options.Tools {
		assert.NotEqual(t, "delegate_code_edit", tool.Name)
	}
}

func TestModelFailureFailsSession(t *testing.T) {
	h := newHarness(t)
	h.dialer.FailNext(-1, &realtime.AuthError{StatusCode: 401, Message: "bad key"})

	c, res, err := Create(context.Background(), request("offer-1"), h.deps, h.cfg)
	require.Error(t, err)
	assert.Nil(t, c)
	assert.NotEmpty(t, res.SessionID)

	var merr *ModelError
	require.ErrorAs(t, err, &merr)
	var aerr *realtime.AuthError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, 401, aerr.StatusCode)
	assert.Empty(t, h.neg.Conns(), "no peer is negotiated before the model is up")

	select {
	case lc := <-h.legs:
		assert.Equal(t, LegModel, lc.leg)
	case <-time.After(wait):
		t.Fatal("speech model leg not closed")
	}

	evs := h.events("conv-1")
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, EventState, last.Type)
	assert.Contains(t, string(last.Payload), `"to":"failed"`)
}

func TestInitialPeerFailureIsLocal(t *testing.T) {
	h := newHarness(t)
	h.neg.Err = &realtime.NegotiationError{Stage: "answer", Cause: errors.New("no audio section")}

	c, res := h.create(request("offer-1"))
	assert.Equal(t, StateActive, c.State())
	assert.NotEmpty(t, res.PeerError)
	assert.Empty(t, res.PeerAnswer)
	assert.Empty(t, c.Info().Peers)

	var rejected int
	for _, ev := range h.events("conv-1") {
		if ev.Type == EventPeerRejected {
			rejected++
		}
	}
	assert.Equal(t, 1, rejected)
}

func TestSecondPrimaryIsRejected(t *testing.T) {
	h := newHarness(t)
	c, res := h.create(request("offer-1"))
	first := h.neg.Conns()[0]

	_, _, err := c.Join(context.Background(), peer.RolePrimary, "offer-2")
	require.Error(t, err)
	assert.ErrorIs(t, err, peer.ErrRoleConflict)
	assert.False(t, first.Closed())
	assert.Len(t, h.neg.Conns(), 1, "a conflicting primary is never negotiated")

	info := c.Info()
	require.Len(t, info.Peers, 1)
	assert.Equal(t, res.PeerID, info.Peers[0].ID)

	second, answer, err := c.Join(context.Background(), peer.RoleSecondary, "offer-3")
	require.NoError(t, err)
	assert.Equal(t, "answer:offer-3", answer)
	assert.Equal(t, peer.RoleSecondary, second.Role)
	assert.Len(t, c.Info().Peers, 2)
}

func TestAttachConnRejection(t *testing.T) {
	h := newHarness(t)
	c, _ := h.create(request("offer-1"))

	conn := peer.NewMockConn()
	_, err := c.AttachConn(peer.RolePrimary, conn)
	require.ErrorIs(t, err, peer.ErrRoleConflict)
	assert.True(t, conn.Closed())
	assert.Equal(t, []protocol.MessageType{protocol.TypeRejected}, controlTypes(conn))

	ok := peer.NewMockConn()
	info, err := c.AttachConn(peer.RoleSecondary, ok)
	require.NoError(t, err)
	assert.Equal(t, peer.RoleSecondary, info.Role)
	assert.False(t, ok.Closed())
}

func TestAudioFlowsBothWays(t *testing.T) {
	h := newHarness(t)
	h.create(request("offer-1"))
	conn := h.neg.Conns()[0]
	link := h.dialer.Last()

	f := audio.DefaultFormat()
	samples := make([]float32, f.SamplesPerFrame())
	for i := range samples {
		samples[i] = 0.25
	}
	conn.PushAudio(audio.NewFrame(samples, f, time.Now()))
	require.Eventually(t, func() bool { return len(link.Frames()) > 0 }, wait, 5*time.Millisecond)

	link.EmitAudio(audio.NewFrame(samples, f, time.Now()))
	require.Eventually(t, func() bool { return len(conn.Received()) > 0 }, wait, 5*time.Millisecond)
}

func TestModelAudioIsReblocked(t *testing.T) {
	h := newHarness(t)
	h.create(request("offer-1"))
	conn := h.neg.Conns()[0]
	link := h.dialer.Last()

	f := audio.DefaultFormat()
	size := f.SamplesPerFrame()
	samples := make([]float32, size*2-60)
	for i := range samples {
		samples[i] = 0.5
	}
	link.EmitAudio(audio.NewFrame(samples, f, time.Now()))

	require.Eventually(t, func() bool { return len(conn.Received()) == 2 }, wait, 5*time.Millisecond)
	got := conn.Received()
	for i, fr := range got {
		assert.Equal(t, size, fr.Len(), "frame %d", i)
	}
	assert.Equal(t, float32(0.5), got[1].Samples[size-61])
	assert.Zero(t, got[1].Samples[size-1], "tail is padded with silence")
}

func TestReplayRestoresTranscript(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	prior := []struct {
		source  recorder.Source
		payload string
	}{
		{recorder.SourceSpeechModel, `{"type":"session.created"}`},
		{recorder.SourceSpeechModel, `{"type":"conversation.item.input_audio_transcription.completed","transcript":"list my files"}`},
		{recorder.SourceSpeechModel, `{"type":"response.audio_transcript.done","transcript":"Working on it."}`},
		{recorder.SourceSystem, `{"type":"response.create"}`},
	}
	for _, p := range prior {
		ev := recorder.MustEvent(p.source, "event", json.RawMessage(p.payload))
		ev.ConversationID = "conv-1"
		ev.SessionID = "earlier"
		_, err := h.rec.Append(ctx, ev)
		require.NoError(t, err)
	}

	h.create(request(""))
	link := h.dialer.Last()

	items := sentOfType(link, "conversation.item.create")
	require.Len(t, items, 2)
	roles := make([]string, 0, len(items))
	for _, it := range items {
		item := it["item"].(map[string]any)
		roles = append(roles, item["role"].(string))
	}
	assert.Equal(t, []string{"user", "assistant"}, roles)
	assert.Empty(t, sentOfType(link, "response.create"), "restored context never triggers a response")
}

func TestTurnCompleteCommitsInput(t *testing.T) {
	h := newHarness(t)
	req := request("offer-1")
	req.VoiceConfig.TurnDetection = realtime.TurnDetection{Mode: realtime.TurnManual}
	c, _ := h.create(req)
	conn := h.neg.Conns()[0]
	link := h.dialer.Last()

	assert.Empty(t, sentOfType(link, "response.create"))
	conn.PushControl(protocol.MustBytes(protocol.NewMessage(protocol.TypeTurnComplete, nil)))
	require.Eventually(t, func() bool {
		return len(sentOfType(link, "input_audio_buffer.commit")) == 1 &&
			len(sentOfType(link, "response.create")) == 1
	}, wait, 5*time.Millisecond)

	require.NoError(t, c.CommitTurn(context.Background()))
	assert.Len(t, sentOfType(link, "input_audio_buffer.commit"), 2)
}

func TestClearDiscardsBufferedInput(t *testing.T) {
	h := newHarness(t)
	c, _ := h.create(request("offer-1"))
	conn := h.neg.Conns()[0]
	link := h.dialer.Last()

	conn.PushControl(protocol.MustBytes(protocol.NewMessage(protocol.TypeClear, nil)))
	require.Eventually(t, func() bool {
		return len(sentOfType(link, "input_audio_buffer.clear")) == 1
	}, wait, 5*time.Millisecond)

	require.NoError(t, c.ClearInput(context.Background()))
	assert.Len(t, sentOfType(link, "input_audio_buffer.clear"), 2)
	assert.Empty(t, sentOfType(link, "response.create"))
}

func TestControlFailureIsReportedToPeer(t *testing.T) {
	h := newHarness(t, realtime.WithReconnect(3, time.Hour))
	h.create(request("offer-1"))
	conn := h.neg.Conns()[0]
	h.dialer.Last().Drop(nil)

	unavailable := func() bool {
		for _, data := range conn.ControlSent() {
			msg, err := protocol.ParseMessage(data)
			if err != nil || msg.Type != protocol.TypeError {
				continue
			}
			var ed protocol.ErrorData
			if msg.ParseData(&ed) == nil && ed.Code == "model_unavailable" {
				return true
			}
		}
		return false
	}
	require.Eventually(t, func() bool {
		conn.PushControl(protocol.MustBytes(protocol.NewMessage(protocol.TypeClear, nil)))
		return unavailable()
	}, wait, 10*time.Millisecond)
}

func TestTypedTextIsSent(t *testing.T) {
	h := newHarness(t)
	h.create(request("offer-1"))
	conn := h.neg.Conns()[0]
	link := h.dialer.Last()

	conn.PushControl(protocol.MustBytes(protocol.NewMessage(protocol.TypeText, protocol.TextData{Text: "hello"})))
	require.Eventually(t, func() bool {
		return len(sentOfType(link, "conversation.item.create")) == 1 &&
			len(sentOfType(link, "response.create")) == 1
	}, wait, 5*time.Millisecond)
}

func TestDelegatedCallRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.create(request("offer-1"))
	conn := h.neg.Conns()[0]
	link := h.dialer.Last()

	link.Emit(map[string]any{
		"type":      "response.function_call_arguments.done",
		"call_id":   "call-1",
		"name":      "delegate_task",
		"arguments": `{"text":"list files"}`,
	})
	team := h.backend(backend.TaskTeam)
	require.NotNil(t, team)
	require.Eventually(t, func() bool {
		return slices.Contains(team.Messages(), "list files")
	}, wait, 5*time.Millisecond)

	team.Emit(backend.Event{
		Type:    backend.TypeTaskResult,
		Source:  "planner",
		Outcome: backend.OutcomeSuccess,
		Result:  json.RawMessage(`"two files"`),
	})

	var output map[string]any
	require.Eventually(t, func() bool {
		for _, m := range sentOfType(link, "conversation.item.create") {
			item := m["item"].(map[string]any)
			if item["type"] == "function_call_output" && item["call_id"] == "call-1" {
				output = item
				return true
			}
		}
		return false
	}, wait, 5*time.Millisecond)
	assert.Contains(t, output["output"], "success")

	require.Eventually(t, func() bool {
		var statuses []string
		for _, data := range conn.ControlSent() {
			msg, err := protocol.ParseMessage(data)
			if err != nil || msg.Type != protocol.TypeTool {
				continue
			}
			td, err := msg.GetToolData()
			if err == nil {
				statuses = append(statuses, td.Status)
			}
		}
		return slices.Contains(statuses, "pending") && slices.Contains(statuses, "completed")
	}, wait, 5*time.Millisecond)
}

func TestCloseClosesEveryLeg(t *testing.T) {
	h := newHarness(t)
	c, _ := h.create(request("offer-1"))
	_, _, err := c.Join(context.Background(), peer.RoleSecondary, "offer-2")
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, c.Close(context.Background()))
	assert.Less(t, time.Since(start), h.cfg.TeardownDeadline)
	assert.Equal(t, StateClosed, c.State())

	counts := map[Leg]int{}
	deadline := time.After(wait)
	for counts[LegPeer]+counts[LegBackend]+counts[LegModel] < 5 {
		select {
		case lc := <-h.legs:
			counts[lc.leg]++
		case <-deadline:
			t.Fatalf("legs closed: %v", counts)
		}
	}
	assert.Equal(t, map[Leg]int{LegPeer: 2, LegBackend: 2, LegModel: 1}, counts)

	for _, conn := range h.neg.Conns() {
		assert.True(t, conn.Closed())
	}
	for _, k := range backend.Kinds {
		assert.True(t, h.backend(k).Closed(), k)
	}

	require.NoError(t, c.Close(context.Background()), "close is idempotent")
	_, _, err = c.Join(context.Background(), peer.RoleSecondary, "offer-3")
	assert.ErrorIs(t, err, ErrNotActive)
	assert.ErrorIs(t, c.CommitTurn(context.Background()), ErrNotActive)

	var states []string
	for _, ev := range h.events("conv-1") {
		if ev.Type == EventState {
			var p map[string]string
			require.NoError(t, json.Unmarshal(ev.Payload, &p))
			states = append(states, p["to"])
		}
	}
	assert.Equal(t, []string{"negotiating", "active", "draining", "closed"}, states)
}

func TestModelLossFailsSession(t *testing.T) {
	h := newHarness(t, realtime.WithReconnect(1, time.Millisecond))
	c, _ := h.create(request("offer-1"))
	conn := h.neg.Conns()[0]

	h.dialer.FailNext(-1, errors.New("network unreachable"))
	h.dialer.Last().Drop(errors.New("connection reset"))

	select {
	case <-c.Done():
	case <-time.After(wait):
		t.Fatal("session did not fail")
	}
	assert.Equal(t, StateFailed, c.State())
	var merr *ModelError
	assert.ErrorAs(t, c.Err(), &merr)
	assert.True(t, conn.Closed())

	var sawFailed bool
	for _, data := range conn.ControlSent() {
		msg, err := protocol.ParseMessage(data)
		if err != nil || msg.Type != protocol.TypeState {
			continue
		}
		if sd, err := msg.GetStateData(); err == nil && sd.State == "failed" {
			sawFailed = true
		}
	}
	assert.True(t, sawFailed, "peers are told the session failed")
}

func TestIdleTimeoutClosesSession(t *testing.T) {
	h := newHarness(t)
	h.cfg.IdleTimeout = 50 * time.Millisecond
	c, _ := h.create(request(""))

	select {
	case <-c.Done():
	case <-time.After(wait):
		t.Fatal("idle session was not closed")
	}
	assert.Equal(t, StateClosed, c.State())
}

func TestPeerPresenceKeepsSessionOpen(t *testing.T) {
	h := newHarness(t)
	h.cfg.IdleTimeout = 50 * time.Millisecond
	c, _ := h.create(request("offer-1"))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, StateActive, c.State())

	h.neg.Conns()[0].Disconnect()
	select {
	case <-c.Done():
	case <-time.After(wait):
		t.Fatal("session not closed after last peer left")
	}
}

func TestRegistry(t *testing.T) {
	h := newHarness(t)
	h.cfg.MaxSessions = 1
	reg, err := NewRegistry(h.deps, h.cfg)
	require.NoError(t, err)
	ctx := context.Background()

	res, err := reg.Create(ctx, request("offer-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Len())

	_, err = reg.Create(ctx, Request{ConversationID: "conv-2"})
	assert.ErrorIs(t, err, ErrTooManySessions)

	c, err := reg.Get(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "conv-1", c.ConversationID())

	list := reg.List()
	require.Len(t, list, 1)
	assert.Equal(t, res.SessionID, list[0].SessionID)
	assert.Equal(t, StateActive, list[0].State)

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, reg.Close(ctx, "missing"), ErrNotFound)

	require.NoError(t, reg.Close(ctx, res.SessionID))
	_, err = reg.Get(res.SessionID)
	assert.ErrorIs(t, err, ErrNotFound)

	res, err = reg.Create(ctx, Request{ConversationID: "conv-2"})
	require.NoError(t, err)
	c, err = reg.Get(res.SessionID)
	require.NoError(t, err)

	require.NoError(t, reg.Shutdown(ctx))
	assert.Equal(t, StateClosed, c.State())
	assert.Zero(t, reg.Len())
	_, err = reg.Create(ctx, Request{ConversationID: "conv-3"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRegistryForgetsFailedSessions(t *testing.T) {
	h := newHarness(t, realtime.WithReconnect(1, time.Millisecond))
	reg, err := NewRegistry(h.deps, h.cfg)
	require.NoError(t, err)

	res, err := reg.Create(context.Background(), request(""))
	require.NoError(t, err)
	h.dialer.FailNext(-1, errors.New("network unreachable"))
	h.dialer.Last().Drop(errors.New("connection reset"))

	require.Eventually(t, func() bool {
		_, err := reg.Get(res.SessionID)
		return errors.Is(err, ErrNotFound)
	}, wait, 5*time.Millisecond)
}

func TestRegistryRequiresDeps(t *testing.T) {
	_, err := NewRegistry(Deps{}, DefaultConfig())
	assert.Error(t, err)
}

func TestStatePeerState(t *testing.T) {
	tests := map[State]string{
		StateIdle:        "connecting",
		StateNegotiating: "connecting",
		StateActive:      "active",
		StateDraining:    "closed",
		StateClosed:      "closed",
		StateFailed:      "failed",
	}
	for s, want := range tests {
		if got := s.PeerState(); got != want {
			t.Errorf("%s.PeerState() = %q, want %q", s, got, want)
		}
	}
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateDraining.Terminal())
}

func TestAudioMeterCoalesces(t *testing.T) {
	m := newAudioMeter(EventAudioIn, "peers", 24000, time.Second)
	f := audio.DefaultFormat()
	fr := audio.Silence(f, time.Time{})
	now := time.Unix(100, 0)

	for i := 0; i < 49; i++ {
		_, ok := m.add(fr, now.Add(time.Duration(i)*20*time.Millisecond))
		require.False(t, ok, "frame %d", i)
	}
	p, ok := m.add(fr, now.Add(time.Second))
	require.True(t, ok)
	assert.Equal(t, 50, p["frames"])
	assert.Equal(t, 50*fr.Len(), p["samples"])
	assert.Equal(t, 24000, p["sample_rate"])
	assert.Equal(t, 0.0, p["peak_rms"])
	assert.Zero(t, m.frames)

	loud := make([]float32, f.SamplesPerFrame())
	for i := range loud {
		loud[i] = -0.5
	}
	m.add(audio.NewFrame(loud, f, time.Time{}), now.Add(2*time.Second))
	p, ok = m.add(fr, now.Add(4*time.Second))
	require.True(t, ok)
	assert.InDelta(t, 0.5, p["peak_rms"], 1e-6)
}
