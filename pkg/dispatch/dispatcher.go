// Package dispatch executes speech model function calls against the
// delegated backends and narrates their progress back to the model.
//
// Each call moves pending -> running -> completed | failed | timed_out and
// receives exactly one function result. Results for delegated work are
// matched to calls in FIFO order per backend; a call that timed out keeps
// its place in the queue so later results stay aligned.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/teslashibe/voicebridge/pkg/backend"
	"github.com/teslashibe/voicebridge/pkg/metrics"
	"github.com/teslashibe/voicebridge/pkg/realtime"
	"github.com/teslashibe/voicebridge/pkg/recorder"
)

const tracerName = "github.com/teslashibe/voicebridge/pkg/dispatch"

// Model is the part of the speech model client the dispatcher writes to.
type Model interface {
	SendFunctionResult(ctx context.Context, callID string, res realtime.FunctionResult) error
	InjectText(ctx context.Context, role, text string, respond bool) error
}

// Conn is one backend connection. *backend.Client and *backend.Mock
// implement it.
type Conn interface {
	SendUserMessage(ctx context.Context, text string) error
	SendControl(ctx context.Context, action backend.Action) error
	Events() <-chan backend.Event
	Done() <-chan struct{}
	Err() error
	Close() error
}

// DialFunc opens a backend connection.
type DialFunc func(ctx context.Context, kind backend.Kind) (Conn, error)

// BackendDialer dials real backends from per-kind configs.
func BackendDialer(cfgs map[backend.Kind]backend.Config) DialFunc {
	return func(ctx context.Context, kind backend.Kind) (Conn, error) {
		cfg, ok := cfgs[kind]
		if !ok {
			return nil, fmt.Errorf("%w: %s", backend.ErrUnknownBackend, kind)
		}
		cfg.Kind = kind
		c, err := backend.Dial(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Recorder receives the events the dispatcher records.
type Recorder interface {
	Record(source recorder.Source, eventType string, payload any)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(source recorder.Source, eventType string, payload any)

// Record implements Recorder.
func (f RecorderFunc) Record(source recorder.Source, eventType string, payload any) {
	f(source, eventType, payload)
}

// Config holds dispatcher settings.
type Config struct {
	// Backends enabled for the session; nil enables all. Tools routed
	// elsewhere fail with BackendUnavailableError.
	Backends []backend.Kind

	// ToolTimeout is the ceiling for a delegated call.
	// Default: 10m
	ToolTimeout time.Duration

	// NarrationBudget is the maximum characters per narration line.
	// Default: 200
	NarrationBudget int

	// NarrationRate and NarrationBurst limit how often narration asks the
	// model to speak. Lines over the limit are still added to context.
	// Default: 0.5/s, burst 2
	NarrationRate  float64
	NarrationBurst int

	// Verbosity selects which progress events are narrated.
	// Default: summary
	Verbosity Verbosity

	// QueueSize bounds pending dispatch requests.
	// Default: 32
	QueueSize int

	// SendTimeout bounds each write toward the model or a backend.
	// Default: 10s
	SendTimeout time.Duration

	// OnBackendClosed is called once per backend connection when it closes.
	OnBackendClosed func(kind backend.Kind, err error)

	// OnCallUpdate is called when a call starts running and when it ends.
	OnCallUpdate func(call ToolCall)

	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backends:        backend.Kinds,
		ToolTimeout:     10 * time.Minute,
		NarrationBudget: 200,
		NarrationRate:   0.5,
		NarrationBurst:  2,
		Verbosity:       VerbositySummary,
		QueueSize:       32,
		SendTimeout:     10 * time.Second,
		Logger:          slog.Default(),
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	for _, k := range c.Backends {
		if _, err := backend.ParseKind(string(k)); err != nil {
			return err
		}
	}
	if c.ToolTimeout < 0 {
		return errors.New("dispatch: tool timeout must not be negative")
	}
	if c.NarrationBudget < 0 {
		return errors.New("dispatch: narration budget must not be negative")
	}
	if c.NarrationRate < 0 || c.NarrationBurst < 0 {
		return errors.New("dispatch: narration rate must not be negative")
	}
	if _, err := ParseVerbosity(string(c.Verbosity)); err != nil {
		return err
	}
	return nil
}

func (c *Config) defaults() {
	def := DefaultConfig()
	if c.Backends == nil {
		c.Backends = def.Backends
	}
	if c.ToolTimeout == 0 {
		c.ToolTimeout = def.ToolTimeout
	}
	if c.NarrationBudget == 0 {
		c.NarrationBudget = def.NarrationBudget
	}
	if c.NarrationRate == 0 {
		c.NarrationRate = def.NarrationRate
	}
	if c.NarrationBurst == 0 {
		c.NarrationBurst = def.NarrationBurst
	}
	if c.Verbosity == "" {
		c.Verbosity = def.Verbosity
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = def.SendTimeout
	}
	if c.Logger == nil {
		c.Logger = def.Logger
	}
}

type request struct {
	callID string
	name   string
	args   json.RawMessage
}

// link is one live backend connection and its queue of delegated calls.
type link struct {
	kind backend.Kind
	conn Conn
	fifo []*ToolCall
}

// BackendStatus reports one backend connection.
type BackendStatus struct {
	Backend   backend.Kind `json:"backend"`
	Enabled   bool         `json:"enabled"`
	Connected bool         `json:"connected"`
	Queued    int          `json:"queued"`
}

// Dispatcher routes function calls to backends for one session.
type Dispatcher struct {
	cfg     Config
	logger  *slog.Logger
	model   Model
	dial    DialFunc
	rec     Recorder
	limiter *rate.Limiter
	tracer  trace.Tracer
	enabled map[backend.Kind]bool

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	requests chan request
	links    map[backend.Kind]*link
	calls    map[string]*ToolCall
	closed   bool

	wg sync.WaitGroup
}

// New creates a dispatcher and starts its worker.
func New(model Model, dial DialFunc, rec Recorder, cfg Config) (*Dispatcher, error) {
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if model == nil || dial == nil {
		return nil, errors.New("dispatch: model and dialer are required")
	}
	if rec == nil {
		rec = RecorderFunc(func(recorder.Source, string, any) {})
	}

	enabled := make(map[backend.Kind]bool, len(cfg.Backends))
	for _, k := range cfg.Backends {
		enabled[k] = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "dispatch"),
		model:    model,
		dial:     dial,
		rec:      rec,
		limiter:  rate.NewLimiter(rate.Limit(cfg.NarrationRate), cfg.NarrationBurst),
		tracer:   otel.Tracer(tracerName),
		enabled:  enabled,
		ctx:      ctx,
		cancel:   cancel,
		requests: make(chan request, cfg.QueueSize),
		links:    make(map[backend.Kind]*link),
		calls:    make(map[string]*ToolCall),
	}
	d.wg.Add(1)
	go d.worker()
	return d, nil
}

// Connect warms up every enabled backend. Failures are recorded and
// returned per backend; they degrade only the affected tools.
func (d *Dispatcher) Connect(ctx context.Context) map[backend.Kind]error {
	var (
		mu   sync.Mutex
		errs = make(map[backend.Kind]error)
		g    errgroup.Group
	)
	for _, k := range d.cfg.Backends {
		k := k
		g.Go(func() error {
			if _, err := d.connection(ctx, k); err != nil {
				mu.Lock()
				errs[k] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// Dispatch queues a function call. It never blocks on the network. A call
// that cannot be queued is failed immediately.
func (d *Dispatcher) Dispatch(callID, name string, args json.RawMessage) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	select {
	case d.requests <- request{callID: callID, name: name, args: args}:
		d.mu.Unlock()
		return nil
	default:
	}
	d.mu.Unlock()

	call := d.track(callID, name, args)
	if call == nil {
		return nil
	}
	go d.finish(call, StatusFailed, failure(ErrBusy))
	return ErrBusy
}

// DispatchEvent queues a function-call event from the model.
func (d *Dispatcher) DispatchEvent(ev realtime.Event) error {
	return d.Dispatch(ev.CallID, ev.Name, ev.Arguments)
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for req := range d.requests {
		d.handle(req)
	}
}

// track registers a new call. It returns nil for a duplicate call id.
func (d *Dispatcher) track(callID, name string, args json.RawMessage) *ToolCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.calls[callID]; dup {
		return nil
	}
	call := newToolCall(callID, name, args)
	d.calls[callID] = call
	return call
}

func (d *Dispatcher) handle(req request) {
	ctx, span := d.tracer.Start(d.ctx, "dispatch.tool", trace.WithAttributes(
		attribute.String("tool.name", req.name),
		attribute.String("tool.call_id", req.callID),
	))
	defer span.End()

	call := d.track(req.callID, req.name, req.args)
	if call == nil {
		d.logger.Warn("ignoring duplicate function call", "call_id", req.callID)
		return
	}

	err := d.start(ctx, call)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.finish(call, StatusFailed, failure(err))
	}
}

// start validates and sends the call. A non-nil error fails it.
func (d *Dispatcher) start(ctx context.Context, call *ToolCall) error {
	tool, err := ParseTool(call.Name)
	if err != nil {
		return err
	}
	kind := tool.Backend()

	d.mu.Lock()
	call.Tool = tool
	call.Backend = kind
	d.mu.Unlock()

	if !d.enabled[kind] {
		return &BackendUnavailableError{Backend: kind, Cause: ErrBackendDisabled}
	}
	args, err := ParseArguments(call.Arguments)
	if err != nil {
		return err
	}
	if tool.Delegates() && args.Text == "" {
		return errors.New("dispatch: text argument is required")
	}

	// One lazy reconnect on a failed send before giving up.
	var sendErr error
	for attempt := 0; attempt < 2; attempt++ {
		l, err := d.connection(ctx, kind)
		if err != nil {
			return err
		}

		d.mu.Lock()
		if call.Status.Terminal() {
			d.mu.Unlock()
			return nil
		}
		if call.Status == StatusPending {
			_ = call.transition(StatusRunning)
		}
		if tool.Delegates() {
			l.fifo = append(l.fifo, call)
			if call.timer == nil {
				call.timer = time.AfterFunc(d.cfg.ToolTimeout, func() {
					d.finish(call, StatusTimedOut, failure(ErrToolTimeout))
				})
			}
		}
		d.mu.Unlock()

		sctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		sendErr = routes[tool].run(sctx, l.conn, args)
		cancel()
		if sendErr == nil {
			break
		}

		d.logger.Warn("backend send failed", "backend", kind, "call_id", call.ID, "attempt", attempt+1, "error", sendErr)
		d.dequeue(l, call)
		d.drop(l)
	}
	if sendErr != nil {
		return &BackendUnavailableError{Backend: kind, Cause: sendErr}
	}

	d.logger.Info("tool call dispatched", "tool", tool, "call_id", call.ID, "backend", kind)
	d.mu.Lock()
	snap := call.snapshot()
	d.mu.Unlock()
	d.notify(snap)
	if !tool.Delegates() {
		d.finish(call, StatusCompleted, realtime.FunctionResult{
			Status: realtime.FunctionSuccess,
			Output: fmt.Sprintf("%s sent to %s", tool, kind),
		})
	}
	return nil
}

// connection returns the live link for kind, dialing lazily. A failed dial
// is retried once.
func (d *Dispatcher) connection(ctx context.Context, kind backend.Kind) (*link, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	if l := d.links[kind]; l != nil {
		d.mu.Unlock()
		return l, nil
	}
	d.mu.Unlock()

	var conn Conn
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		conn, err = d.dial(ctx, kind)
		if err == nil {
			metrics.BackendDials.WithLabelValues(string(kind), "ok").Inc()
			break
		}
		metrics.BackendDials.WithLabelValues(string(kind), "error").Inc()
		d.logger.Warn("backend dial failed", "backend", kind, "attempt", attempt+1, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		unavailable := &BackendUnavailableError{Backend: kind, Cause: err}
		d.rec.Record(recorder.SourceSystem, "backend.unavailable", map[string]string{
			"backend": string(kind),
			"error":   err.Error(),
		})
		return nil, unavailable
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		_ = conn.Close()
		return nil, ErrClosed
	}
	if l := d.links[kind]; l != nil {
		// Lost a race with a concurrent dial.
		d.mu.Unlock()
		_ = conn.Close()
		return l, nil
	}
	l := &link{kind: kind, conn: conn}
	d.links[kind] = l
	d.wg.Add(1)
	d.mu.Unlock()

	go d.readLoop(l)
	d.rec.Record(recorder.SourceSystem, "backend.connected", map[string]string{"backend": string(kind)})
	return l, nil
}

func (d *Dispatcher) dequeue(l *link, call *ToolCall) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i := slices.Index(l.fifo, call); i >= 0 {
		l.fifo = slices.Delete(l.fifo, i, i+1)
	}
}

// drop forgets a link so the next use redials, and closes it.
func (d *Dispatcher) drop(l *link) {
	d.mu.Lock()
	if d.links[l.kind] == l {
		delete(d.links, l.kind)
	}
	d.mu.Unlock()
	_ = l.conn.Close()
}

func (d *Dispatcher) readLoop(l *link) {
	defer d.wg.Done()
	for {
		select {
		case ev := <-l.conn.Events():
			d.onBackendEvent(l, ev)
		case <-l.conn.Done():
		drain:
			for {
				select {
				case ev := <-l.conn.Events():
					d.onBackendEvent(l, ev)
				default:
					break drain
				}
			}
			d.linkLost(l, l.conn.Err())
			return
		}
	}
}

func sourceFor(kind backend.Kind) recorder.Source {
	if kind == backend.CodeSession {
		return recorder.SourceCodeSession
	}
	return recorder.SourceNestedTeam
}

// onBackendEvent records a progress event verbatim, completes the oldest
// outstanding call on a task result, and narrates everything else.
func (d *Dispatcher) onBackendEvent(l *link, ev backend.Event) {
	payload := any(ev.Raw)
	if len(ev.Raw) == 0 {
		payload = ev
	}
	d.rec.Record(sourceFor(l.kind), ev.Type, payload)

	if ev.Terminal() {
		d.mu.Lock()
		var head *ToolCall
		if len(l.fifo) > 0 {
			head = l.fifo[0]
			l.fifo = l.fifo[1:]
		}
		d.mu.Unlock()

		if head != nil {
			res := realtime.FunctionResult{Status: realtime.FunctionSuccess, Output: ev.ResultText()}
			status := StatusCompleted
			if !ev.Succeeded() {
				status = StatusFailed
				res = realtime.FunctionResult{
					Status: realtime.FunctionFailure,
					Output: ev.ResultText(),
					Error:  "task " + ev.Outcome,
				}
			}
			if d.finish(head, status, res) {
				return
			}
		}
	}
	d.narrate(l.kind, ev)
}

func (d *Dispatcher) narrate(kind backend.Kind, ev backend.Event) {
	text := Summarize(kind, ev, d.cfg.Verbosity, d.cfg.NarrationBudget)
	if text == "" {
		return
	}
	respond := d.limiter.Allow()
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
	defer cancel()
	if err := d.model.InjectText(ctx, "system", text, respond); err != nil {
		d.logger.Warn("narration not delivered", "backend", kind, "error", err)
		return
	}
	metrics.Narrations.WithLabelValues(string(kind), strconv.FormatBool(respond)).Inc()
	d.logger.Debug("narration injected", "backend", kind, "spoken", respond, "text", text)
}

// linkLost fails every live call waiting on the link.
func (d *Dispatcher) linkLost(l *link, cause error) {
	d.mu.Lock()
	if d.links[l.kind] == l {
		delete(d.links, l.kind)
	}
	waiting := l.fifo
	l.fifo = nil
	closing := d.closed
	d.mu.Unlock()

	if cause == nil {
		cause = backend.ErrClosed
	}
	for _, call := range waiting {
		d.finish(call, StatusFailed, failure(&BackendUnavailableError{Backend: l.kind, Cause: cause}))
	}
	if !closing {
		d.logger.Warn("backend connection lost", "backend", l.kind, "error", cause)
	}
	d.rec.Record(recorder.SourceSystem, "backend.disconnected", map[string]string{
		"backend": string(l.kind),
		"error":   cause.Error(),
	})
	if d.cfg.OnBackendClosed != nil {
		d.cfg.OnBackendClosed(l.kind, cause)
	}
}

// finish moves a call to its terminal state and sends its single function
// result. It reports false when the call was already terminal.
func (d *Dispatcher) finish(call *ToolCall, status Status, res realtime.FunctionResult) bool {
	d.mu.Lock()
	if call.Status.Terminal() {
		d.mu.Unlock()
		return false
	}
	if err := call.transition(status); err != nil {
		d.mu.Unlock()
		d.logger.Error("tool call transition rejected", "call_id", call.ID, "error", err)
		return false
	}
	call.Result = &res
	if call.timer != nil {
		call.timer.Stop()
	}
	delete(d.calls, call.ID)
	snap := call.snapshot()
	d.mu.Unlock()

	d.rec.Record(recorder.SourceSystem, "tool_call."+string(status), snap)
	metrics.ToolCalls.WithLabelValues(snap.Name, string(status)).Inc()
	metrics.ToolCallDuration.WithLabelValues(snap.Name).Observe(snap.Updated.Sub(snap.Created).Seconds())

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
	defer cancel()
	if err := d.model.SendFunctionResult(ctx, call.ID, res); err != nil {
		d.logger.Warn("function result not delivered", "call_id", call.ID, "error", err)
	}

	attrs := []any{"tool", snap.Name, "call_id", snap.ID, "status", status}
	if res.Error != "" {
		attrs = append(attrs, "error", res.Error)
	}
	d.logger.Info("tool call finished", attrs...)
	d.notify(snap)
	return true
}

func (d *Dispatcher) notify(call ToolCall) {
	if d.cfg.OnCallUpdate != nil {
		d.cfg.OnCallUpdate(call)
	}
}

func failure(err error) realtime.FunctionResult {
	return realtime.FunctionResult{Status: realtime.FunctionFailure, Error: err.Error()}
}

// Calls returns snapshots of the live calls.
func (d *Dispatcher) Calls() []ToolCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ToolCall, 0, len(d.calls))
	for _, c := range d.calls {
		out = append(out, c.snapshot())
	}
	slices.SortFunc(out, func(a, b ToolCall) int { return a.Created.Compare(b.Created) })
	return out
}

// Status reports every known backend.
func (d *Dispatcher) Status() []BackendStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]BackendStatus, 0, len(backend.Kinds))
	for _, k := range backend.Kinds {
		st := BackendStatus{Backend: k, Enabled: d.enabled[k]}
		if l := d.links[k]; l != nil {
			st.Connected = true
			st.Queued = len(l.fifo)
		}
		out = append(out, st)
	}
	return out
}

// Close fails every outstanding call, closes all backend connections in
// parallel and waits for their readers, up to ctx.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.requests)
	d.cancel()
	live := make([]*ToolCall, 0, len(d.calls))
	for _, c := range d.calls {
		live = append(live, c)
	}
	links := make([]*link, 0, len(d.links))
	for _, l := range d.links {
		links = append(links, l)
	}
	d.mu.Unlock()

	for _, c := range live {
		d.finish(c, StatusFailed, failure(ErrClosed))
	}

	var g errgroup.Group
	for _, l := range links {
		g.Go(l.conn.Close)
	}
	closeErr := g.Wait()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("dispatch: close: %w", ctx.Err())
	}
	return closeErr
}
