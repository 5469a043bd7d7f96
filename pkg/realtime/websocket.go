package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/voicebridge/pkg/audio"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// WebSocketDialer connects over a single websocket carrying JSON events and
// base64 PCM16 audio.
type WebSocketDialer struct {
	Config *Config
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, cred Credentials) (Link, error) {
	cfg := d.Config
	target, err := websocketURL(cfg.BaseURL, cfg.Model)
	if err != nil {
		return nil, &NegotiationError{Stage: "offer", Cause: err}
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+cred.Token)
	headers.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: cfg.Timeout}
	conn, resp, err := dialer.DialContext(ctx, target, headers)
	if err != nil {
		if resp != nil {
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, &AuthError{StatusCode: resp.StatusCode, Message: "websocket handshake rejected", Cause: err}
			}
			return nil, &NegotiationError{Stage: "exchange", StatusCode: resp.StatusCode, Cause: err}
		}
		return nil, &NegotiationError{Stage: "exchange", Cause: err}
	}

	l := &wsLink{
		linkBase:    newLinkBase(cfg.EventBuffer, cfg.AudioBuffer),
		conn:        conn,
		format:      cfg.Format,
		readTimeout: cfg.ReadTimeout,
	}
	conn.SetPingHandler(func(appData string) error {
		l.writeMu.Lock()
		defer l.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})
	go l.readLoop()
	go l.keepAlive()
	return l, nil
}

// websocketURL derives the realtime socket URL from the HTTP base URL.
func websocketURL(base, model string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/v1/realtime"
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type wsLink struct {
	linkBase
	conn        *websocket.Conn
	format      audio.Format
	readTimeout time.Duration

	writeMu sync.Mutex
}

func (l *wsLink) SendEvent(_ context.Context, data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	select {
	case <-l.done:
		return ErrNotConnected
	default:
	}
	_ = l.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		l.fail(NewConnectionError("write failed", err, true))
		return NewConnectionError("send event failed", err, true)
	}
	return nil
}

func (l *wsLink) SendAudio(fr audio.Frame) error {
	msg, err := json.Marshal(map[string]any{
		"type":  typeInputAppend,
		"audio": base64.StdEncoding.EncodeToString(audio.PCM16LE.Encode(fr)),
	})
	if err != nil {
		return err
	}
	return l.SendEvent(context.Background(), msg)
}

func (l *wsLink) readLoop() {
	for {
		if l.readTimeout > 0 {
			_ = l.conn.SetReadDeadline(time.Now().Add(l.readTimeout))
		}
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.fail(NewConnectionError("closed by remote", err, true))
			} else {
				l.fail(NewConnectionError("read failed", err, true))
			}
			return
		}

		var head struct {
			Type  string `json:"type"`
			Delta string `json:"delta"`
		}
		if json.Unmarshal(data, &head) == nil && head.Type == typeResponseAudioDelta {
			pcm, err := base64.StdEncoding.DecodeString(head.Delta)
			if err != nil {
				continue
			}
			fr, err := audio.PCM16LE.Decode(pcm, l.format, time.Now())
			if err != nil {
				continue
			}
			l.deliverAudio(fr)
			continue
		}
		l.deliverEvent(data)
	}
}

func (l *wsLink) keepAlive() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.writeMu.Lock()
			err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			l.writeMu.Unlock()
			if err != nil {
				l.fail(NewConnectionError("ping failed", err, true))
				return
			}
		}
	}
}

func (l *wsLink) Close() error {
	l.writeMu.Lock()
	_ = l.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	l.writeMu.Unlock()
	l.fail(ErrClosed)
	return l.conn.Close()
}
