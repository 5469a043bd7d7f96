package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/voicebridge/pkg/audio"
)

func TestSessionAuthExchange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/realtime/sessions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, DefaultModel, body["model"])
		_, _ = io.WriteString(w, `{"client_secret":{"value":"ek_123","expires_at":1700000000}}`)
	}))
	defer srv.Close()

	auth := &SessionAuth{BaseURL: srv.URL, APIKey: "sk-test", Model: DefaultModel, Voice: VoiceAlloy, Client: srv.Client()}
	cred, err := auth.Exchange(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ek_123", cred.Token)
	assert.Equal(t, int64(1700000000), cred.ExpiresAt.Unix())
}

func TestSessionAuthErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
		retryable  bool
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":"bad key"}`, 401, false},
		{"throttled", http.StatusTooManyRequests, `slow down`, 429, true},
		{"no secret", http.StatusOK, `{}`, 0, false},
		{"garbage", http.StatusOK, `not json`, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			auth := &SessionAuth{BaseURL: srv.URL, APIKey: "k", Client: srv.Client()}
			_, err := auth.Exchange(context.Background())
			var authErr *AuthError
			require.ErrorAs(t, err, &authErr)
			assert.Equal(t, tt.wantStatus, authErr.StatusCode)
			assert.True(t, IsFatal(err))
			assert.Equal(t, tt.retryable, IsRetryable(err))
		})
	}
}

func TestSessionAuthUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	auth := &SessionAuth{BaseURL: url, APIKey: "k", Client: http.DefaultClient}
	_, err := auth.Exchange(context.Background())
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Zero(t, authErr.StatusCode)
	assert.True(t, IsRetryable(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = auth.Exchange(ctx)
	require.Error(t, err)
	assert.False(t, IsRetryable(err), "a cancelled exchange is not retried")
}

func TestWebsocketURL(t *testing.T) {
	got, err := websocketURL("https://api.openai.com/", "m1")
	require.NoError(t, err)
	assert.Equal(t, "wss://api.openai.com/v1/realtime?model=m1", got)

	got, err = websocketURL("http://localhost:8080", "m2")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/v1/realtime?model=m2", got)

	_, err = websocketURL("ftp://host", "m")
	assert.Error(t, err)
}

func TestWebSocketLink(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan map[string]any, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer ek_1", r.Header.Get("Authorization"))
		assert.Equal(t, "realtime=v1", r.Header.Get("OpenAI-Beta"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		pcm := audio.PCM16LE.Encode(audio.NewFrame([]float32{0.5, -0.5}, audio.DefaultFormat(), time.Now()))
		_ = conn.WriteJSON(map[string]any{"type": "response.audio.delta", "delta": base64.StdEncoding.EncodeToString(pcm)})
		_ = conn.WriteJSON(map[string]any{"type": "session.created"})

		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			received <- msg
		}
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	dialer := &WebSocketDialer{Config: cfg}
	link, err := dialer.Dial(context.Background(), Credentials{Token: "ek_1"})
	require.NoError(t, err)
	defer link.Close()

	select {
	case fr := <-link.Audio():
		require.Equal(t, 2, fr.Len())
		assert.InDelta(t, 0.5, fr.Samples[0], 1e-3)
	case <-time.After(2 * time.Second):
		t.Fatal("no audio")
	}
	select {
	case data := <-link.Events():
		assert.Contains(t, string(data), "session.created")
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}

	require.NoError(t, link.SendAudio(audio.Silence(audio.DefaultFormat(), time.Now())))
	select {
	case msg := <-received:
		assert.Equal(t, typeInputAppend, msg["type"])
		raw, err := base64.StdEncoding.DecodeString(msg["audio"].(string))
		require.NoError(t, err)
		assert.Len(t, raw, audio.DefaultFormat().BytesPerFrame())
	case <-time.After(2 * time.Second):
		t.Fatal("server got nothing")
	}

	require.NoError(t, link.Close())
	select {
	case <-link.Done():
	case <-time.After(time.Second):
		t.Fatal("link not done after close")
	}
	assert.ErrorIs(t, link.SendEvent(context.Background(), []byte(`{}`)), ErrNotConnected)
}

func TestWebSocketDialRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	_, err := (&WebSocketDialer{Config: cfg}).Dial(context.Background(), Credentials{Token: "x"})
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusUnauthorized, authErr.StatusCode)
}

func TestWebRTCOfferRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/sdp", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "m=audio")
		assert.Contains(t, string(body), "m=application")
		http.Error(w, "bad offer", http.StatusBadRequest)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	_, err := (&WebRTCDialer{Config: cfg}).Dial(context.Background(), Credentials{Token: "ek"})
	var negErr *NegotiationError
	require.ErrorAs(t, err, &negErr)
	assert.Equal(t, "exchange", negErr.Stage)
	assert.Equal(t, http.StatusBadRequest, negErr.StatusCode)
	assert.True(t, IsFatal(err))
}

func TestWebRTCInvalidAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, "this is not a session description")
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	_, err := (&WebRTCDialer{Config: cfg}).Dial(context.Background(), Credentials{Token: "ek"})
	var negErr *NegotiationError
	require.ErrorAs(t, err, &negErr)
	assert.Equal(t, "answer", negErr.Stage)
}

func TestCheckAnswer(t *testing.T) {
	sd := func(lines ...string) string {
		head := []string{"v=0", "o=- 1 1 IN IP4 127.0.0.1", "s=-", "t=0 0"}
		return strings.Join(append(head, lines...), "\r\n") + "\r\n"
	}

	withL16 := sd("m=audio 9 UDP/TLS/RTP/SAVPF 96", "a=rtpmap:96 L16/24000")
	assert.NoError(t, CheckAnswer(withL16, "audio", MimeTypeL16))

	opusOnly := sd("m=audio 9 UDP/TLS/RTP/SAVPF 111", "a=rtpmap:111 opus/48000/2")
	assert.Error(t, CheckAnswer(opusOnly, "audio", MimeTypeL16))
	assert.NoError(t, CheckAnswer(opusOnly, "audio", ""))

	dataOnly := sd("m=application 9 UDP/DTLS/SCTP webrtc-datachannel")
	assert.Error(t, CheckAnswer(dataOnly, "audio", ""))
	assert.NoError(t, CheckAnswer(dataOnly, "application", ""))

	assert.Error(t, CheckAnswer("garbage", "audio", ""))
}

func TestNewDialer(t *testing.T) {
	cfg := DefaultConfig()
	d, err := NewDialer(cfg)
	require.NoError(t, err)
	assert.IsType(t, &WebRTCDialer{}, d)

	cfg.Transport = TransportWebSocket
	d, err = NewDialer(cfg)
	require.NoError(t, err)
	assert.IsType(t, &WebSocketDialer{}, d)

	cfg.Transport = "carrier-pigeon"
	_, err = NewDialer(cfg)
	assert.Error(t, err)
}
