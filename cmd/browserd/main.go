// Command browserd serves remote-controllable headless browser sessions
// over HTTP/JSON with a live MJPEG preview stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/castview/browserd/internal/api"
	"github.com/castview/browserd/internal/clock/system"
	"github.com/castview/browserd/internal/config"
	"github.com/castview/browserd/internal/dispatcher"
	"github.com/castview/browserd/internal/engine"
	"github.com/castview/browserd/internal/events"
	"github.com/castview/browserd/internal/events/sinks"
	"github.com/castview/browserd/internal/id/uuid"
	"github.com/castview/browserd/internal/logging"
	"github.com/castview/browserd/internal/metrics"
	"github.com/castview/browserd/internal/registry"
	"github.com/castview/browserd/internal/session"
	"github.com/castview/browserd/internal/stream"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional, env vars apply either way)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck
	zap.ReplaceGlobals(logger)

	metrics.Init()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := events.NewHub(events.Config{
		BaseContext: ctx,
		Logger:      logger.Named("events"),
	}, sinks.NewLogSink(logger.Named("page")), sinks.NewMetricsSink())

	eng := engine.New(engine.Config{
		BrowserType:    cfg.Engine.BrowserType,
		Headless:       cfg.Engine.Headless,
		ViewportWidth:  cfg.Engine.ViewportWidth,
		ViewportHeight: cfg.Engine.ViewportHeight,
		UserAgent:      cfg.Engine.UserAgent,
	}, logger.Named("engine"))

	reg := registry.New(eng, hub, logger.Named("registry"))

	sessions := session.NewManager(reg, uuid.New(), system.New(), hub, session.Config{
		DefaultViewportWidth:  cfg.Engine.ViewportWidth,
		DefaultViewportHeight: cfg.Engine.ViewportHeight,
		IdleTimeout:           cfg.IdleTimeout(),
		ReapInterval:          time.Duration(cfg.Session.ReapIntervalSec) * time.Second,
	}, logger.Named("session"))
	go sessions.RunReaper(ctx)

	commands := dispatcher.New(sessions, dispatcher.Config{
		NavTimeout:        cfg.NavTimeout(),
		OpTimeout:         time.Duration(cfg.Engine.OpTimeoutSec) * time.Second,
		SettleDelay:       time.Duration(cfg.Engine.SettleDelayMs) * time.Millisecond,
		ScreenshotQuality: cfg.Engine.ScreenshotQual,
		DefaultWaitMode:   cfg.Engine.DefaultWaitMode,
	}, logger.Named("dispatcher"))

	slot := stream.NewSlot()
	loop := stream.NewLoop(slot, sessions.CurrentPageContext, stream.CaptureJPEG, stream.LoopConfig{
		CaptureTimeout: time.Duration(cfg.Stream.CaptureTimeoutSec) * time.Second,
	}, logger.Named("capture"))
	viewer := stream.NewMultiplexer(slot, time.Duration(cfg.Stream.ViewerYieldMs)*time.Millisecond, logger.Named("mjpeg"))

	stopGrace := time.Duration(cfg.Engine.StopGraceSec) * time.Second
	server := api.NewServer(eng, sessions, commands, loop, viewer, api.Config{
		BrowserType:    cfg.Engine.BrowserType,
		Headless:       cfg.Engine.Headless,
		AutoStartOnUse: cfg.Engine.AutoStartOnUse,
		DefaultFPS:     cfg.Stream.FPS,
		DefaultQuality: cfg.Stream.Quality,
		StopGrace:      stopGrace,
	}, logger.Named("api"))

	if cfg.Engine.StartOnBoot {
		if err := eng.Start(ctx, cfg.Engine.BrowserType, cfg.Engine.Headless); err != nil {
			return fmt.Errorf("start engine: %w", err)
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}

	// Capture stops before the sessions it reads; sessions close before
	// the engine that owns their pages.
	loop.Stop()
	sessions.CloseAll()
	if eng.Started() {
		if err := eng.Stop(shutdownCtx); err != nil {
			logger.Warn("engine stop failed", zap.Error(err))
		}
	}
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Warn("event hub close failed", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}
