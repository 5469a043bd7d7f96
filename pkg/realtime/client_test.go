package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/voicebridge/pkg/audio"
)

type authFunc func(ctx context.Context) (Credentials, error)

func (f authFunc) Exchange(ctx context.Context) (Credentials, error) { return f(ctx) }

type recordingObserver struct {
	mu   sync.Mutex
	seen []string
}

func (o *recordingObserver) Observe(dir Direction, eventType string, _ json.RawMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, dir.String()+":"+eventType)
}

func (o *recordingObserver) has(entry string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range o.seen {
		if s == entry {
			return true
		}
	}
	return false
}

func newTestClient(t *testing.T, opts ...Option) (*Client, *MockDialer) {
	t.Helper()
	d := &MockDialer{}
	base := []Option{
		WithReconnect(3, time.Millisecond),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	c, err := NewWithDialer(d, nil, append(base, opts...)...)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c, d
}

func nextEvent(t *testing.T, c *Client, kind EventKind) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			require.True(t, ok, "events closed")
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
		}
	}
}

func functionCall(callID, name, args string) map[string]any {
	return map[string]any{
		"type":      "response.function_call_arguments.done",
		"call_id":   callID,
		"name":      name,
		"arguments": args,
	}
}

func TestConnectTwice(t *testing.T) {
	c, _ := newTestClient(t)
	assert.Equal(t, StateConnected, c.State())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrAlreadyConnected)
}

func TestConnectAuthFailureIsFatal(t *testing.T) {
	d := &MockDialer{}
	auth := authFunc(func(context.Context) (Credentials, error) {
		return Credentials{}, &AuthError{StatusCode: 401, Message: "bad key"}
	})
	c, err := NewWithDialer(d, auth, WithAPIKey("k"), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	defer c.Close()

	err = c.Connect(context.Background())
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, 401, authErr.StatusCode)
	assert.True(t, IsFatal(err))
	assert.Equal(t, 0, d.Dials())
	assert.Equal(t, StateFailed, c.State())
}

func TestConfigureSessionRejectsInvalidOptions(t *testing.T) {
	c, d := newTestClient(t)
	err := c.ConfigureSession(context.Background(), SessionOptions{Voice: "robot"})
	assert.ErrorIs(t, err, ErrInvalidOptions)
	assert.Empty(t, d.Last().Sent())
}

func TestManualModeNeverRequestsResponse(t *testing.T) {
	c, d := newTestClient(t)
	ctx := context.Background()
	link := d.Last()

	err := c.ConfigureSession(ctx, SessionOptions{TurnDetection: TurnDetection{Mode: TurnManual}})
	require.NoError(t, err)

	sent := link.Sent()
	require.Len(t, sent, 1)
	session := sent[0]["session"].(map[string]any)
	assert.Nil(t, session["turn_detection"])

	link.Emit(functionCall("call-1", "pause", `{}`))
	nextEvent(t, c, KindFunctionCall)

	require.NoError(t, c.SendFunctionResult(ctx, "call-1", FunctionResult{Status: FunctionSuccess}))
	require.NoError(t, c.InjectText(ctx, "system", "working on it", true))

	assert.Equal(t, []string{typeSessionUpdate, typeItemCreate, typeItemCreate}, link.SentTypes())

	require.NoError(t, c.CommitTurn(ctx))
	types := link.SentTypes()
	assert.Equal(t, []string{typeInputCommit, typeResponseCreate}, types[len(types)-2:])
}

func TestFunctionResultExactlyOnce(t *testing.T) {
	c, d := newTestClient(t)
	ctx := context.Background()
	link := d.Last()
	require.NoError(t, c.ConfigureSession(ctx, SessionOptions{}))

	link.Emit(functionCall("call-7", "delegate_task", `{"task":"x"}`))
	ev := nextEvent(t, c, KindFunctionCall)
	assert.Equal(t, "delegate_task", ev.Name)
	assert.JSONEq(t, `{"task":"x"}`, string(ev.Arguments))
	assert.Equal(t, 1, c.PendingCalls())

	res := FunctionResult{Status: FunctionSuccess, Output: "done"}
	require.NoError(t, c.SendFunctionResult(ctx, "call-7", res))
	assert.ErrorIs(t, c.SendFunctionResult(ctx, "call-7", res), ErrUnknownCall)
	assert.ErrorIs(t, c.SendFunctionResult(ctx, "never", res), ErrUnknownCall)
	assert.Equal(t, 0, c.PendingCalls())

	sent := link.Sent()
	require.Len(t, sent, 3)
	item := sent[1]["item"].(map[string]any)
	assert.Equal(t, "function_call_output", item["type"])
	assert.Equal(t, "call-7", item["call_id"])
	assert.JSONEq(t, `{"status":"success","output":"done"}`, item["output"].(string))
	assert.Equal(t, typeResponseCreate, sent[2]["type"])
}

func TestTurnControlRequiresSession(t *testing.T) {
	c, d := newTestClient(t)
	ctx := context.Background()

	assert.ErrorIs(t, c.CommitTurn(ctx), ErrSessionNotConfigured)
	assert.ErrorIs(t, c.ClearInput(ctx), ErrSessionNotConfigured)
	assert.Empty(t, d.Last().Sent())

	require.NoError(t, c.ConfigureSession(ctx, SessionOptions{}))
	require.NoError(t, c.ClearInput(ctx))
	assert.Equal(t, []string{typeSessionUpdate, typeInputClear}, d.Last().SentTypes())
}

func TestNotConnectedErrors(t *testing.T) {
	c, d := newTestClient(t, WithReconnect(3, time.Hour))
	ctx := context.Background()
	require.NoError(t, c.ConfigureSession(ctx, SessionOptions{}))

	d.Last().Drop(nil)
	require.Eventually(t, func() bool { return c.State() == StateReconnecting }, time.Second, time.Millisecond)
	err := c.ClearInput(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.True(t, IsNotConnected(err))

	require.NoError(t, c.Close())
	assert.True(t, IsNotConnected(c.SendAudio(audio.Silence(c.Format(), time.Now()))))
	assert.False(t, IsNotConnected(ErrUnknownCall))
}

func TestSendAudioChecksFormat(t *testing.T) {
	c, d := newTestClient(t)
	now := time.Now()

	wrong := audio.Format{SampleRate: 16000, Channels: 1, FrameDuration: 20 * time.Millisecond}
	err := c.SendAudio(audio.Silence(wrong, now))
	assert.ErrorIs(t, err, audio.ErrInvalidFormat)

	require.NoError(t, c.SendAudio(audio.Silence(c.Format(), now)))
	assert.Len(t, d.Last().Frames(), 1)
}

func TestModelAudioIsForwarded(t *testing.T) {
	c, d := newTestClient(t)
	fr := audio.Silence(c.Format(), time.Now())
	d.Last().EmitAudio(fr)

	select {
	case got := <-c.Audio():
		assert.Equal(t, fr.Len(), got.Len())
	case <-time.After(2 * time.Second):
		t.Fatal("no audio")
	}
}

func TestObserverSeesCanonicalTypes(t *testing.T) {
	obs := &recordingObserver{}
	c, d := newTestClient(t, WithObserver(obs))
	ctx := context.Background()
	require.NoError(t, c.ConfigureSession(ctx, SessionOptions{}))

	d.Last().Emit(map[string]any{"type": "input_audio_buffer.speech_started"})
	d.Last().Emit(functionCall("c1", "pause", `{}`))
	nextEvent(t, c, KindFunctionCall)
	require.NoError(t, c.SendFunctionResult(ctx, "c1", FunctionResult{Status: FunctionFailure, Error: "nope"}))

	assert.True(t, obs.has("outbound:session.update"))
	assert.True(t, obs.has("inbound:input_audio.speech_started"))
	assert.True(t, obs.has("inbound:response.function_call.requested"))
	assert.True(t, obs.has("outbound:function_call.result"))
}

func TestReconnectResendsSession(t *testing.T) {
	c, d := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.ConfigureSession(ctx, SessionOptions{Instructions: "be brief"}))

	first := d.Last()
	first.Emit(functionCall("lost", "pause", `{}`))
	nextEvent(t, c, KindFunctionCall)
	first.Drop(nil)

	require.Eventually(t, func() bool {
		return d.Dials() == 2 && c.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	second := d.Last()
	require.True(t, second.WaitSent(1, time.Second))
	sent := second.Sent()
	assert.Equal(t, typeSessionUpdate, sent[0]["type"])
	assert.Equal(t, "be brief", sent[0]["session"].(map[string]any)["instructions"])

	// Calls from the lost session cannot be answered.
	assert.ErrorIs(t, c.SendFunctionResult(ctx, "lost", FunctionResult{}), ErrUnknownCall)
}

func TestReconnectExhausted(t *testing.T) {
	c, d := newTestClient(t)
	d.FailNext(-1, NewConnectionError("refused", nil, true))
	d.Last().Drop(nil)

	select {
	case <-c.Failed():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not fail")
	}
	assert.ErrorIs(t, c.Err(), ErrReconnectExhausted)
	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, 4, d.Dials())

	_, ok := <-c.Events()
	assert.False(t, ok)
}

func TestReconnectStopsOnFatalError(t *testing.T) {
	c, d := newTestClient(t)
	d.FailNext(-1, &AuthError{StatusCode: 403, Message: "revoked"})
	d.Last().Drop(nil)

	select {
	case <-c.Failed():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not fail")
	}
	var authErr *AuthError
	assert.True(t, errors.As(c.Err(), &authErr))
	assert.Equal(t, 2, d.Dials())
}

func TestReconnectRetriesUnreachableAuth(t *testing.T) {
	var exchanges atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"client_secret":{"value":"ek_1"}}`)
	}))
	auth := &SessionAuth{BaseURL: srv.URL, APIKey: "sk-test", Client: srv.Client()}
	counted := authFunc(func(ctx context.Context) (Credentials, error) {
		exchanges.Add(1)
		return auth.Exchange(ctx)
	})

	d := &MockDialer{}
	c, err := NewWithDialer(d, counted,
		WithAPIKey("sk-test"),
		WithReconnect(5, time.Millisecond),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	require.EqualValues(t, 1, exchanges.Load())

	srv.Close()
	d.Last().Drop(nil)

	select {
	case <-c.Failed():
	case <-time.After(5 * time.Second):
		t.Fatal("client did not fail")
	}
	assert.EqualValues(t, 6, exchanges.Load(), "one connect plus five reconnect attempts")
	assert.ErrorIs(t, c.Err(), ErrReconnectExhausted)
	var connErr *ConnectionError
	require.ErrorAs(t, c.Err(), &connErr)
	assert.True(t, connErr.Retryable)
	assert.Equal(t, 1, d.Dials())
}

func TestReconnectStopsOnRejectedAuth(t *testing.T) {
	var exchanges atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exchanges.Add(1) > 1 {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, "key revoked")
			return
		}
		_, _ = io.WriteString(w, `{"client_secret":{"value":"ek_1"}}`)
	}))
	defer srv.Close()

	d := &MockDialer{}
	c, err := NewWithDialer(d, &SessionAuth{BaseURL: srv.URL, APIKey: "sk-test", Client: srv.Client()},
		WithAPIKey("sk-test"),
		WithReconnect(5, time.Millisecond),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })

	d.Last().Drop(nil)
	select {
	case <-c.Failed():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not fail")
	}
	assert.EqualValues(t, 2, exchanges.Load())
	var authErr *AuthError
	require.ErrorAs(t, c.Err(), &authErr)
	assert.Equal(t, http.StatusUnauthorized, authErr.StatusCode)
}

func TestCloseStopsClient(t *testing.T) {
	c, d := newTestClient(t)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.Equal(t, StateClosed, c.State())
	assert.ErrorIs(t, c.SendAudio(audio.Silence(c.Format(), time.Now())), ErrClosed)
	assert.Error(t, d.Last().Err())

	_, ok := <-c.Events()
	assert.False(t, ok)
	select {
	case <-c.Failed():
		t.Fatal("close is not a failure")
	default:
	}
}

func TestCloseWithoutConnect(t *testing.T) {
	c, err := NewWithDialer(&MockDialer{}, nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	_, ok := <-c.Events()
	assert.False(t, ok)
}
