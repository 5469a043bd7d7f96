package peer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/teslashibe/voicebridge/pkg/audio"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 256 * 1024
)

// WSConn is a browser leg over a fiber websocket, for clients without
// WebRTC. Binary messages are PCM16LE audio, text messages are control
// envelopes.
type WSConn struct {
	connBase
	conn   *websocket.Conn
	format audio.Format

	writeMu sync.Mutex
}

// NewWSConn wraps an upgraded websocket. Call Serve from the handler.
func NewWSConn(c *websocket.Conn, f audio.Format, logger *slog.Logger) *WSConn {
	return &WSConn{
		connBase: newConnBase(32, 32, logger),
		conn:     c,
		format:   f,
	}
}

// Serve reads until the socket closes. Fiber closes the socket when the
// handler returns, so Serve must run on the handler goroutine.
func (w *WSConn) Serve() {
	defer w.fail(ErrClosed)

	w.conn.SetReadLimit(wsMaxMessageSize)
	_ = w.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	go w.keepAlive()

	for {
		kind, data, err := w.conn.ReadMessage()
		if err != nil {
			w.logger.Debug("websocket peer read ended", "error", err)
			return
		}
		_ = w.conn.SetReadDeadline(time.Now().Add(wsPongWait))

		switch kind {
		case websocket.BinaryMessage:
			fr, err := audio.PCM16LE.Decode(data, w.format, time.Now())
			if err != nil {
				w.logger.Debug("dropping malformed audio", "error", err)
				continue
			}
			w.deliverAudio(fr)
		case websocket.TextMessage:
			w.deliverControl(data)
		}
	}
}

func (w *WSConn) keepAlive() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if err := w.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (w *WSConn) write(kind int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	select {
	case <-w.done:
		return ErrClosed
	default:
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return w.conn.WriteMessage(kind, data)
}

// SendAudio implements Conn.
func (w *WSConn) SendAudio(fr audio.Frame) error {
	return w.write(websocket.BinaryMessage, audio.PCM16LE.Encode(fr))
}

// SendControl implements Conn.
func (w *WSConn) SendControl(data []byte) error {
	return w.write(websocket.TextMessage, data)
}

// Close implements Conn.
func (w *WSConn) Close() error {
	w.writeMu.Lock()
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	w.writeMu.Unlock()
	w.fail(ErrClosed)
	return w.conn.Close()
}
