// Package server is the HTTP surface of the bridge: session lifecycle,
// conversation export, live event streams, health and metrics.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"

	cws "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teslashibe/voicebridge/pkg/audio"
	"github.com/teslashibe/voicebridge/pkg/hub"
	"github.com/teslashibe/voicebridge/pkg/peer"
	"github.com/teslashibe/voicebridge/pkg/recorder"
	"github.com/teslashibe/voicebridge/pkg/session"
)

// Config holds server settings.
type Config struct {
	// Addr to listen on.
	// Default: ":8080"
	Addr string

	// AllowOrigins enables CORS for the given origins when set.
	AllowOrigins string

	// Format of browser websocket audio.
	Format audio.Format

	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:   ":8080",
		Format: audio.DefaultFormat(),
		Logger: slog.Default(),
	}
}

// Server serves the bridge API.
type Server struct {
	app      *fiber.App
	cfg      Config
	logger   *slog.Logger
	sessions *session.Registry
	rec      *recorder.Recorder
	events   *hub.Hub
}

// New builds the fiber app. events may be nil, which disables the live
// event stream.
func New(sessions *session.Registry, rec *recorder.Recorder, events *hub.Hub, cfg Config) *Server {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.Format.SampleRate == 0 {
		cfg.Format = def.Format
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	logger := cfg.Logger.With("component", "server")

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		sessions: sessions,
		rec:      rec,
		events:   events,
	}

	app := fiber.New(fiber.Config{
		AppName:               "voicebridge",
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(logger),
	})
	app.Use(recover.New())
	if cfg.AllowOrigins != "" {
		app.Use(cors.New(cors.Config{AllowOrigins: cfg.AllowOrigins}))
	}

	app.Get("/health", s.handleHealth)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Post("/session", s.handleCreate)
	app.Get("/session", s.handleList)
	app.Get("/session/:id", s.handleGet)
	app.Delete("/session/:id", s.handleDelete)
	app.Post("/session/:id/peers", s.handleJoin)
	app.Delete("/session/:id/peers/:peer_id", s.handleRemovePeer)
	app.Post("/session/:id/turn", s.handleTurn)

	app.Get("/conversations/:id/events", s.handleEvents)

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/events/:conversation_id", s.prepareEvents, websocket.New(s.handleEventsWS))
	app.Get("/ws/peer/:session_id", s.preparePeer, cws.New(s.handlePeerWS))

	s.app = app
	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App { return s.app }

// Listen serves on the configured address until Shutdown.
func (s *Server) Listen() error {
	s.logger.Info("listening", "addr", s.cfg.Addr)
	return s.app.Listen(s.cfg.Addr)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("listening", "addr", ln.Addr().String())
	return s.app.Listener(ln)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":   "ok",
		"sessions": s.sessions.Len(),
	})
}

func (s *Server) handleCreate(c *fiber.Ctx) error {
	var req session.Request
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body: "+err.Error())
	}
	res, err := s.sessions.Create(c.UserContext(), req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

func (s *Server) handleList(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"sessions": s.sessions.List()})
}

func (s *Server) handleGet(c *fiber.Ctx) error {
	ctl, err := s.sessions.Get(c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(ctl.Info())
}

func (s *Server) handleDelete(c *fiber.Ctx) error {
	if err := s.sessions.Close(c.UserContext(), c.Params("id")); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return err
		}
		// The session is gone either way; an incomplete teardown is
		// only worth a log line.
		s.logger.Warn("session teardown incomplete", "session_id", c.Params("id"), "error", err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type joinRequest struct {
	PeerOffer string `json:"peer_offer"`
	PeerRole  string `json:"peer_role"`
}

type joinResponse struct {
	PeerID     string `json:"peer_id"`
	PeerAnswer string `json:"peer_answer"`
}

func (s *Server) handleJoin(c *fiber.Ctx) error {
	var req joinRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body: "+err.Error())
	}
	if req.PeerOffer == "" {
		return fiber.NewError(fiber.StatusBadRequest, "peer_offer is required")
	}
	role, err := peer.ParseRole(req.PeerRole, peer.RoleSecondary)
	if err != nil {
		return err
	}
	ctl, err := s.sessions.Get(c.Params("id"))
	if err != nil {
		return err
	}
	info, answer, err := ctl.Join(c.UserContext(), role, req.PeerOffer)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(joinResponse{PeerID: info.ID, PeerAnswer: answer})
}

func (s *Server) handleRemovePeer(c *fiber.Ctx) error {
	ctl, err := s.sessions.Get(c.Params("id"))
	if err != nil {
		return err
	}
	if err := ctl.RemovePeer(c.Params("peer_id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleTurn(c *fiber.Ctx) error {
	ctl, err := s.sessions.Get(c.Params("id"))
	if err != nil {
		return err
	}
	if err := ctl.CommitTurn(c.UserContext()); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func since(c *fiber.Ctx) (uint64, error) {
	raw := c.Query("since")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fiber.NewError(fiber.StatusBadRequest, "since must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) handleEvents(c *fiber.Ctx) error {
	from, err := since(c)
	if err != nil {
		return err
	}
	conv := c.Params("id")
	evs, err := s.rec.Replay(c.UserContext(), conv, from)
	if err != nil {
		return err
	}
	if evs == nil {
		evs = []recorder.Event{}
	}
	return c.JSON(fiber.Map{"conversation_id": conv, "events": evs})
}

func (s *Server) prepareEvents(c *fiber.Ctx) error {
	if s.events == nil {
		return fiber.NewError(fiber.StatusNotFound, "event stream disabled")
	}
	from, err := since(c)
	if err != nil {
		return err
	}
	c.Locals("since", from)
	return c.Next()
}

// handleEventsWS streams a conversation's events after since, then live.
func (s *Server) handleEventsWS(c *websocket.Conn) {
	conv := c.Params("conversation_id")
	from, _ := c.Locals("since").(uint64)

	client, err := hub.NewClient(s.events, c, conv)
	if err != nil {
		return
	}
	backlog, err := s.rec.Replay(context.Background(), conv, from)
	if err != nil {
		s.logger.Warn("event backlog unavailable", "conversation_id", conv, "error", err)
	}
	client.Run(backlog)
}

func (s *Server) preparePeer(c *fiber.Ctx) error {
	ctl, err := s.sessions.Get(c.Params("session_id"))
	if err != nil {
		return err
	}
	role, err := peer.ParseRole(c.Query("role"), peer.RoleSecondary)
	if err != nil {
		return err
	}
	c.Locals("session", ctl)
	c.Locals("role", role)
	return c.Next()
}

// handlePeerWS runs a browser leg over the websocket until it closes.
func (s *Server) handlePeerWS(c *cws.Conn) {
	ctl, _ := c.Locals("session").(*session.Controller)
	role, _ := c.Locals("role").(peer.Role)
	if ctl == nil {
		return
	}
	conn := peer.NewWSConn(c, s.cfg.Format, s.logger.With("session_id", ctl.ID()))
	if _, err := ctl.AttachConn(role, conn); err != nil {
		return
	}
	conn.Serve()
}
