package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func newTestRecorder(t *testing.T, store Store) *Recorder {
	t.Helper()
	r, err := New(Config{Store: store, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

func testEvent(conv, typ string) Event {
	ev := MustEvent(SourceSystem, typ, map[string]string{"k": "v"})
	ev.ConversationID = conv
	return ev
}

func TestAppendAssignsSequence(t *testing.T) {
	r := newTestRecorder(t, NewMemoryStore())
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		ev, err := r.Append(ctx, testEvent("c1", "test"))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if ev.Sequence != uint64(i) {
			t.Errorf("sequence = %d, want %d", ev.Sequence, i)
		}
		if ev.Timestamp.IsZero() {
			t.Error("timestamp not set")
		}
	}

	ev, err := r.Append(ctx, testEvent("c2", "test"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if ev.Sequence != 1 {
		t.Errorf("second conversation sequence = %d, want 1", ev.Sequence)
	}
}

func TestAppendValidation(t *testing.T) {
	r := newTestRecorder(t, NewMemoryStore())
	ctx := context.Background()

	if _, err := r.Append(ctx, MustEvent(SourceSystem, "x", nil)); !errors.Is(err, ErrMissingConversation) {
		t.Errorf("got %v, want ErrMissingConversation", err)
	}
	ev := testEvent("c", "x")
	ev.Source = "robot"
	if _, err := r.Append(ctx, ev); !errors.Is(err, ErrInvalidSource) {
		t.Errorf("got %v, want ErrInvalidSource", err)
	}
}

func TestAppendRetriesOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("one failure is retried", func(t *testing.T) {
		store := NewMemoryStore()
		r := newTestRecorder(t, store)
		store.FailNext(1)

		ev, err := r.Append(ctx, testEvent("c", "x"))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if ev.Sequence != 1 {
			t.Errorf("sequence = %d, want 1", ev.Sequence)
		}
	})

	t.Run("two failures lose the event but not the sequence", func(t *testing.T) {
		store := NewMemoryStore()
		r := newTestRecorder(t, store)
		store.FailNext(2)

		_, err := r.Append(ctx, testEvent("c", "lost"))
		var perr *PersistenceError
		if !errors.As(err, &perr) {
			t.Fatalf("got %v, want *PersistenceError", err)
		}
		if perr.ConversationID != "c" {
			t.Errorf("ConversationID = %q", perr.ConversationID)
		}

		ev, err := r.Append(ctx, testEvent("c", "kept"))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if ev.Sequence != 1 {
			t.Errorf("sequence after failure = %d, want 1", ev.Sequence)
		}
		if got := r.Stats().Failed; got != 1 {
			t.Errorf("Failed = %d, want 1", got)
		}
	})
}

func TestRecordAndFlush(t *testing.T) {
	r := newTestRecorder(t, NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if !r.Record(testEvent("c", fmt.Sprintf("e%d", i))) {
			t.Fatalf("record %d dropped", i)
		}
	}
	if err := r.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	evs, err := r.Replay(ctx, "c", 0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(evs) != 10 {
		t.Fatalf("replayed %d events, want 10", len(evs))
	}
	for i, ev := range evs {
		if want := fmt.Sprintf("e%d", i); ev.Type != want {
			t.Errorf("event %d type = %q, want %q", i, ev.Type, want)
		}
	}
}

func TestReplaySince(t *testing.T) {
	r := newTestRecorder(t, NewMemoryStore())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = r.Append(ctx, testEvent("c", "x"))
	}

	evs, err := r.Replay(ctx, "c", 3)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(evs) != 2 || evs[0].Sequence != 4 || evs[1].Sequence != 5 {
		t.Errorf("replay since 3 = %+v", evs)
	}

	again, _ := r.Replay(ctx, "c", 3)
	if len(again) != len(evs) {
		t.Error("replay is not restartable")
	}
}

func TestSequenceContinuesAcrossRecorders(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := newTestRecorder(t, store)
	_, _ = first.Append(ctx, testEvent("c", "x"))
	_, _ = first.Append(ctx, testEvent("c", "x"))
	_ = first.Close(ctx)

	second := newTestRecorder(t, store)
	ev, err := second.Append(ctx, testEvent("c", "x"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if ev.Sequence != 3 {
		t.Errorf("sequence = %d, want 3", ev.Sequence)
	}
}

func TestSubscribe(t *testing.T) {
	r := newTestRecorder(t, NewMemoryStore())
	ctx := context.Background()

	var got []uint64
	unsubscribe := r.Subscribe(func(ev Event) { got = append(got, ev.Sequence) })
	_, _ = r.Append(ctx, testEvent("c", "x"))
	_, _ = r.Append(ctx, testEvent("c", "x"))
	unsubscribe()
	_, _ = r.Append(ctx, testEvent("c", "x"))

	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("subscriber saw %v, want [1 2]", got)
	}
}

func TestRecordAfterClose(t *testing.T) {
	r, err := New(Config{Store: NewMemoryStore()})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if r.Record(testEvent("c", "x")) {
		t.Error("Record after Close should drop")
	}
	if err := r.Flush(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Flush after Close = %v, want ErrClosed", err)
	}
}

func TestPropertyGapFreeUnderConcurrency(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		workers := rapid.IntRange(1, 8).Draw(rt, "workers")
		perWorker := rapid.IntRange(1, 20).Draw(rt, "perWorker")
		convs := rapid.IntRange(1, 3).Draw(rt, "conversations")

		r, err := New(Config{Store: NewMemoryStore()})
		if err != nil {
			rt.Fatal(err)
		}
		defer r.Close(context.Background())

		var wg sync.WaitGroup
		var failures atomic.Int64
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					conv := fmt.Sprintf("c%d", (w+i)%convs)
					if _, err := r.Append(context.Background(), testEvent(conv, "x")); err != nil {
						failures.Add(1)
					}
				}
			}(w)
		}
		wg.Wait()
		if n := failures.Load(); n > 0 {
			rt.Fatalf("%d appends failed", n)
		}

		total := 0
		for c := 0; c < convs; c++ {
			evs, err := r.Replay(context.Background(), fmt.Sprintf("c%d", c), 0)
			if err != nil {
				rt.Fatal(err)
			}
			for i, ev := range evs {
				if ev.Sequence != uint64(i+1) {
					rt.Fatalf("conversation c%d event %d has sequence %d", c, i, ev.Sequence)
				}
			}
			total += len(evs)
		}
		if total != workers*perWorker {
			rt.Fatalf("stored %d events, want %d", total, workers*perWorker)
		}
	})
}
