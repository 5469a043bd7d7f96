package recorder

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Defaults for the recorder.
const (
	DefaultQueueSize    = 1024
	DefaultRetryDelay   = 100 * time.Millisecond
	DefaultWriteTimeout = 5 * time.Second
)

// Config configures a Recorder.
type Config struct {
	// Store is the durable backing store. Required.
	Store Store

	// QueueSize bounds the asynchronous Record queue.
	// Default: 1024
	QueueSize int

	// RetryDelay is the pause before the single retry of a failed append.
	// Default: 100ms
	RetryDelay time.Duration

	// WriteTimeout bounds each asynchronous append.
	// Default: 5s
	WriteTimeout time.Duration

	// Logger is the structured logger to use.
	Logger *slog.Logger
}

// Stats holds recorder counters.
type Stats struct {
	Appended uint64
	Failed   uint64
	Dropped  uint64
}

type queued struct {
	ev    Event
	flush chan struct{}
}

// Recorder assigns sequence numbers and persists events. Append is safe for
// concurrent use; the sequence counter is guarded by a single mutex, which is
// the only serialization point between components.
type Recorder struct {
	store        Store
	logger       *slog.Logger
	retryDelay   time.Duration
	writeTimeout time.Duration

	mu   sync.Mutex
	last map[string]uint64
	subs map[int]func(Event)
	next int

	qmu    sync.RWMutex
	queue  chan queued
	closed bool
	done   chan struct{}

	appended atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64
}

// New creates a recorder and starts its background writer.
func New(cfg Config) (*Recorder, error) {
	if cfg.Store == nil {
		return nil, errors.New("recorder: store is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := &Recorder{
		store:        cfg.Store,
		logger:       cfg.Logger.With("component", "recorder"),
		retryDelay:   cfg.RetryDelay,
		writeTimeout: cfg.WriteTimeout,
		last:         make(map[string]uint64),
		subs:         make(map[int]func(Event)),
		queue:        make(chan queued, cfg.QueueSize),
		done:         make(chan struct{}),
	}
	go r.writeLoop()
	return r, nil
}

// Append assigns the next sequence number for ev.ConversationID, persists the
// event and returns the stored copy. A failed persist is retried once after
// RetryDelay; if it fails again a *PersistenceError is returned and the
// sequence number is not consumed.
func (r *Recorder) Append(ctx context.Context, ev Event) (Event, error) {
	if ev.ConversationID == "" {
		return Event{}, ErrMissingConversation
	}
	if !ev.Source.Valid() {
		return Event{}, ErrInvalidSource
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored, err := r.appendLocked(ctx, ev)
	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warn("append failed, retrying",
			"conversation_id", ev.ConversationID,
			"type", ev.Type,
			"error", err,
		)
		select {
		case <-ctx.Done():
		case <-time.After(r.retryDelay):
			stored, err = r.appendLocked(ctx, ev)
		}
	}
	if err != nil {
		r.failed.Add(1)
		return Event{}, &PersistenceError{
			ConversationID: ev.ConversationID,
			Sequence:       r.last[ev.ConversationID] + 1,
			Cause:          err,
		}
	}

	r.appended.Add(1)
	for _, fn := range r.subs {
		fn(stored)
	}
	return stored, nil
}

// appendLocked must be called with r.mu held.
func (r *Recorder) appendLocked(ctx context.Context, ev Event) (Event, error) {
	last, ok := r.last[ev.ConversationID]
	if !ok {
		var err error
		last, err = r.store.LastSequence(ctx, ev.ConversationID)
		if err != nil {
			return Event{}, err
		}
		r.last[ev.ConversationID] = last
	}

	ev.Sequence = last + 1
	stored, err := r.store.AppendEvent(ctx, ev.ConversationID, ev)
	if errors.Is(err, ErrSequenceConflict) {
		// Another writer advanced the conversation; resync the counter.
		delete(r.last, ev.ConversationID)
	}
	if err != nil {
		return Event{}, err
	}
	r.last[ev.ConversationID] = ev.Sequence
	return stored, nil
}

// Record queues ev for asynchronous append and never blocks. It reports
// false when the event was dropped because the queue is full or the recorder
// is closed. Persistence failures on this path are logged and swallowed.
func (r *Recorder) Record(ev Event) bool {
	r.qmu.RLock()
	defer r.qmu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return false
	}
	select {
	case r.queue <- queued{ev: ev}:
		return true
	default:
		r.dropped.Add(1)
		r.logger.Warn("record queue full, dropping event",
			"conversation_id", ev.ConversationID,
			"type", ev.Type,
		)
		return false
	}
}

// Flush blocks until every event queued before the call has been written.
func (r *Recorder) Flush(ctx context.Context) error {
	marker := make(chan struct{})
	r.qmu.RLock()
	if r.closed {
		r.qmu.RUnlock()
		return ErrClosed
	}
	select {
	case r.queue <- queued{flush: marker}:
	case <-ctx.Done():
		r.qmu.RUnlock()
		return ctx.Err()
	}
	r.qmu.RUnlock()

	select {
	case <-marker:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) writeLoop() {
	defer close(r.done)
	for item := range r.queue {
		if item.flush != nil {
			close(item.flush)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
		if _, err := r.Append(ctx, item.ev); err != nil {
			r.logger.Warn("event lost",
				"conversation_id", item.ev.ConversationID,
				"type", item.ev.Type,
				"error", err,
			)
		}
		cancel()
	}
}

// Replay returns the events of a conversation with sequence > since, in order.
// It has no side effects and can be called any number of times.
func (r *Recorder) Replay(ctx context.Context, conversationID string, since uint64) ([]Event, error) {
	if conversationID == "" {
		return nil, ErrMissingConversation
	}
	return r.store.GetEvents(ctx, conversationID, since)
}

// Subscribe registers fn to receive every stored event, in sequence order.
// fn runs while the sequence lock is held and must not block or call back
// into the recorder.
func (r *Recorder) Subscribe(fn func(Event)) (unsubscribe func()) {
	r.mu.Lock()
	id := r.next
	r.next++
	r.subs[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// Stats returns a snapshot of the recorder counters.
func (r *Recorder) Stats() Stats {
	return Stats{
		Appended: r.appended.Load(),
		Failed:   r.failed.Load(),
		Dropped:  r.dropped.Load(),
	}
}

// Close stops accepting queued events and waits for the writer to drain.
// The store is owned by the caller and left open.
func (r *Recorder) Close(ctx context.Context) error {
	r.qmu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.qmu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
