package hub

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	fws "github.com/gofiber/websocket/v2"
	"github.com/gorilla/websocket"

	"github.com/teslashibe/voicebridge/pkg/recorder"
)

func newRecorder(t *testing.T) *recorder.Recorder {
	t.Helper()
	rec, err := recorder.New(recorder.Config{Store: recorder.NewMemoryStore(), Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatalf("recorder.New: %v", err)
	}
	t.Cleanup(func() { _ = rec.Close(context.Background()) })
	return rec
}

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := New("events", slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.Done()
	})
	return h, cancel
}

func serve(t *testing.T, h *Hub, rec *recorder.Recorder) string {
	t.Helper()
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/ws/events/:conversation_id", fws.New(func(c *fws.Conn) {
		conv := c.Params("conversation_id")
		client, err := NewClient(h, c, conv)
		if err != nil {
			return
		}
		backlog, err := rec.Replay(context.Background(), conv, 0)
		if err != nil {
			return
		}
		client.Run(backlog)
	}))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go app.Listener(ln)
	t.Cleanup(func() { _ = app.Shutdown() })
	return "ws://" + ln.Addr().String()
}

func appendEvent(t *testing.T, rec *recorder.Recorder, conv, typ string) recorder.Event {
	t.Helper()
	ev := recorder.MustEvent(recorder.SourceSystem, typ, map[string]string{"n": typ})
	ev.ConversationID = conv
	stored, err := rec.Append(context.Background(), ev)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	return stored
}

func readEvent(t *testing.T, ws *websocket.Conn) recorder.Event {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var ev recorder.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return ev
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamsBacklogThenLive(t *testing.T) {
	rec := newRecorder(t)
	h, _ := startHub(t)
	unsubscribe := h.Follow(rec)
	defer unsubscribe()
	base := serve(t, h, rec)

	appendEvent(t, rec, "conv-1", "one")
	appendEvent(t, rec, "conv-1", "two")

	ws, _, err := websocket.DefaultDialer.Dial(base+"/ws/events/conv-1", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.Close()

	waitFor(t, func() bool { return h.ClientCount("conv-1") == 1 })
	appendEvent(t, rec, "conv-2", "elsewhere")
	appendEvent(t, rec, "conv-1", "three")
	appendEvent(t, rec, "conv-1", "four")

	want := []string{"one", "two", "three", "four"}
	for i, typ := range want {
		ev := readEvent(t, ws)
		if ev.Type != typ {
			t.Errorf("event %d type = %q, want %q", i, ev.Type, typ)
		}
		if ev.Sequence != uint64(i+1) {
			t.Errorf("event %d sequence = %d, want %d", i, ev.Sequence, i+1)
		}
		if ev.ConversationID != "conv-1" {
			t.Errorf("event %d conversation = %q", i, ev.ConversationID)
		}
	}
}

func TestDisconnectUnregisters(t *testing.T) {
	rec := newRecorder(t)
	h, _ := startHub(t)
	base := serve(t, h, rec)

	ws, _, err := websocket.DefaultDialer.Dial(base+"/ws/events/conv-1", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	waitFor(t, func() bool { return h.ClientCount("conv-1") == 1 })

	ws.Close()
	waitFor(t, func() bool { return h.ClientCount("conv-1") == 0 })
}

func TestHubStopClosesSubscribers(t *testing.T) {
	rec := newRecorder(t)
	h, cancel := startHub(t)
	base := serve(t, h, rec)

	ws, _, err := websocket.DefaultDialer.Dial(base+"/ws/events/conv-1", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.Close()
	waitFor(t, func() bool { return h.ClientCount("conv-1") == 1 })

	cancel()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatal("expected the connection to close")
	}

	if _, err := NewClient(h, nil, "conv-1"); err != ErrClosed {
		t.Errorf("NewClient after stop = %v, want ErrClosed", err)
	}
}

func TestPublishRoutesByConversation(t *testing.T) {
	h, _ := startHub(t)

	a, err := NewClient(h, nil, "a")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	b, err := NewClient(h, nil, "b")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	h.Publish(recorder.Event{ConversationID: "a", Sequence: 7, Type: "x"})

	select {
	case msg := <-a.send:
		if msg.Sequence != 7 {
			t.Errorf("sequence = %d, want 7", msg.Sequence)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber of a got nothing")
	}
	select {
	case msg := <-b.send:
		t.Fatalf("subscriber of b got %s", msg.Data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	h, _ := startHub(t)
	slow, err := NewClient(h, nil, "a")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	for i := 0; i <= sendQueue; i++ {
		h.Publish(recorder.Event{ConversationID: "a", Sequence: uint64(i + 1)})
		if i%64 == 0 {
			time.Sleep(5 * time.Millisecond)
		}
	}
	waitFor(t, func() bool { return h.ClientCount("a") == 0 })

	n := 0
	for range slow.send {
		n++
	}
	if n != sendQueue {
		t.Errorf("buffered %d events before drop, want %d", n, sendQueue)
	}
}
