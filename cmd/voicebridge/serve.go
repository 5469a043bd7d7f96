package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teslashibe/voicebridge/internal/config"
	"github.com/teslashibe/voicebridge/internal/log"
	"github.com/teslashibe/voicebridge/pkg/dispatch"
	"github.com/teslashibe/voicebridge/pkg/hub"
	"github.com/teslashibe/voicebridge/pkg/peer"
	"github.com/teslashibe/voicebridge/pkg/recorder"
	"github.com/teslashibe/voicebridge/pkg/server"
	"github.com/teslashibe/voicebridge/pkg/session"
)

var addr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&addr, "addr", "", "override listen address")
}

func loadConfig(validate bool) (config.Config, error) {
	load := config.Read
	if validate {
		load = config.Load
	}
	cfg, err := load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	log.Setup(cfg.Log)
	return cfg, nil
}

func sessionConfig(cfg config.Config) session.Config {
	sc := session.DefaultConfig()
	sc.Format = cfg.Format()
	sc.Backends = cfg.BackendKinds()
	sc.IdleTimeout = max(cfg.Session.IdleTimeout, 0)
	sc.TeardownDeadline = cfg.Session.TeardownDeadline
	sc.MaxSessions = cfg.Session.MaxSessions
	if cfg.Session.MaxPeers > 0 {
		sc.Peer.MaxPeers = cfg.Session.MaxPeers
	}

	d := cfg.Dispatch
	sc.Dispatch.ToolTimeout = d.ToolTimeout
	sc.Dispatch.NarrationBudget = d.NarrationBudget
	sc.Dispatch.NarrationRate = d.NarrationRate
	sc.Dispatch.NarrationBurst = d.NarrationBurst
	sc.Dispatch.Verbosity = cfg.Verbosity()
	sc.Dispatch.QueueSize = d.QueueSize

	sc.Logger = log.L()
	return sc
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	logger := log.L()
	mainLog := log.Component("cmd.serve")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := recorder.OpenStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	rec, err := recorder.New(recorder.Config{Store: store, Logger: logger})
	if err != nil {
		return err
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	events := hub.New("events", logger)
	go events.Run(hubCtx)
	unfollow := events.Follow(rec)

	format := cfg.Format()
	deps := session.Deps{
		Model: session.RealtimeModel(cfg.RealtimeOptions()...),
		Negotiator: &peer.WebRTCNegotiator{
			Format:     format,
			ICEServers: cfg.Speech.ICEServers,
			Logger:     logger,
		},
		Backends: dispatch.BackendDialer(cfg.BackendConfigs()),
		Recorder: rec,
	}
	sessions, err := session.NewRegistry(deps, sessionConfig(cfg))
	if err != nil {
		stopHub()
		return err
	}

	srv := server.New(sessions, rec, events, server.Config{
		Addr:         cfg.Server.Addr,
		AllowOrigins: cfg.Server.AllowOrigins,
		Format:       format,
		Logger:       logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Listen() }()
	mainLog.Info("voicebridge started",
		"addr", cfg.Server.Addr,
		"transport", cfg.Speech.Transport,
		"store", cfg.Store.Driver,
		"backends", cfg.BackendKinds())

	var serveErr error
	select {
	case <-ctx.Done():
		mainLog.Info("shutting down")
	case serveErr = <-errCh:
		mainLog.Error("server stopped", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	err = errors.Join(
		serveErr,
		srv.Shutdown(shutdownCtx),
		sessions.Shutdown(shutdownCtx),
		rec.Close(shutdownCtx),
	)
	unfollow()
	stopHub()
	<-events.Done()
	return err
}
