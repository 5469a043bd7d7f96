package session

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/voicebridge/pkg/audio"
	"github.com/teslashibe/voicebridge/pkg/realtime"
)

// Registry owns every live session of the process. It is created explicitly
// and handed to the surface that accepts create requests.
type Registry struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Controller
	pending  int
	closed   bool
}

// NewRegistry creates an empty registry.
func NewRegistry(deps Deps, cfg Config) (*Registry, error) {
	cfg.defaults()
	if err := deps.validate(); err != nil {
		return nil, err
	}
	r := &Registry{
		deps:     deps,
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "session.registry"),
		sessions: make(map[string]*Controller),
	}
	return r, nil
}

// Create brings up a session and registers it until it closes.
func (r *Registry) Create(ctx context.Context, req Request) (Result, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Result{}, ErrClosed
	}
	if r.cfg.MaxSessions > 0 && len(r.sessions)+r.pending >= r.cfg.MaxSessions {
		r.mu.Unlock()
		return Result{}, ErrTooManySessions
	}
	r.pending++
	r.mu.Unlock()

	c, res, err := Create(ctx, req, r.deps, r.cfg)

	r.mu.Lock()
	r.pending--
	if err != nil {
		r.mu.Unlock()
		return res, err
	}
	if r.closed {
		r.mu.Unlock()
		_ = c.Close(context.Background())
		return Result{}, ErrClosed
	}
	r.sessions[c.ID()] = c
	n := len(r.sessions)
	r.mu.Unlock()

	go r.forgetWhenDone(c)
	r.logger.Info("session registered", "session_id", c.ID(), "conversation_id", c.ConversationID(), "sessions", n)
	return res, nil
}

func (r *Registry) forgetWhenDone(c *Controller) {
	<-c.Done()
	r.mu.Lock()
	if r.sessions[c.ID()] == c {
		delete(r.sessions, c.ID())
	}
	r.mu.Unlock()
}

// Get returns a live session.
func (r *Registry) Get(id string) (*Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, nil
}

// Close drains and removes one session.
func (r *Registry) Close(ctx context.Context, id string) error {
	c, err := r.Get(id)
	if err != nil {
		return err
	}
	err = c.Close(ctx)
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
	return err
}

// List returns a snapshot of every live session, oldest first.
func (r *Registry) List() []Info {
	r.mu.Lock()
	live := make([]*Controller, 0, len(r.sessions))
	for _, c := range r.sessions {
		live = append(live, c)
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(live))
	for _, c := range live {
		out = append(out, c.Info())
	}
	slices.SortFunc(out, func(a, b Info) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.SessionID, b.SessionID)
	})
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown refuses new sessions and closes every live one in parallel.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	live := make([]*Controller, 0, len(r.sessions))
	for _, c := range r.sessions {
		live = append(live, c)
	}
	r.sessions = make(map[string]*Controller)
	r.mu.Unlock()

	r.logger.Info("closing sessions", "sessions", len(live))
	var g errgroup.Group
	for _, c := range live {
		c := c
		g.Go(func() error { return c.Close(ctx) })
	}
	return g.Wait()
}

// RealtimeModel returns a ModelFactory that builds a realtime client from
// opts plus the session's format, observer and logger.
func RealtimeModel(opts ...realtime.Option) ModelFactory {
	return func(f audio.Format, observer realtime.Observer, logger *slog.Logger) (Model, error) {
		all := append(slices.Clone(opts),
			realtime.WithFormat(f),
			realtime.WithObserver(observer),
			realtime.WithLogger(logger),
		)
		c, err := realtime.New(all...)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}
