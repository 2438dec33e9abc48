package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/cobot-link/internal/cobot"
	"github.com/shaunagostinho/cobot-link/internal/logging"
	"github.com/shaunagostinho/cobot-link/internal/server"
	"github.com/shaunagostinho/cobot-link/web"
)

func main() {
	configPath := flag.String("config", "/etc/cobot-link/config.yaml", "Path to config file (.yaml or .toml)")
	demo := flag.Bool("demo", false, "Run against the in-process arm simulator")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	cfg := server.LoadConfig(*configPath)
	applyFlags(cfg, *demo, *listenAddr)
	logging.ConfigureRuntime(cfg.Log)

	mlog := log.With().Str("component", "main").Logger()
	mlog.Info().Str("config", cfg.Path()).Msg("cobotd starting")

	armCfg, _, _ := cfg.Snapshot()
	engCfg, err := armCfg.EngineConfig()
	if err != nil {
		mlog.Fatal().Err(err).Msg("invalid arm config")
	}
	arm, err := cobot.New(engCfg)
	if err != nil {
		mlog.Fatal().Err(err).Msg("cannot create engine")
	}
	defer arm.Close()

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		mlog.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	var reconnecting atomic.Bool
	reconnect := func() {
		if !reconnecting.CompareAndSwap(false, true) {
			return
		}
		defer reconnecting.Store(false)
		connectWithRetry(ctx, arm, 10)
	}
	arm.OnDisconnect(func(err error) {
		mlog.Warn().Err(err).Msg("arm link lost, reconnecting")
		go reconnect()
	})

	if armCfg.PollMs > 0 {
		if err := arm.StartAutoPolling(time.Duration(armCfg.PollMs) * time.Millisecond); err != nil {
			mlog.Error().Err(err).Msg("auto-polling not started")
		}
	}

	// Non-blocking; the dashboard serves cached state while the arm connects.
	go reconnect()

	srv := server.New(cfg, arm, web.FS)
	if err := srv.Run(ctx); err != nil {
		mlog.Error().Err(err).Msg("server exited")
	}
}

// applyFlags lets command-line flags override the loaded config.
func applyFlags(cfg *server.Config, demo bool, listenAddr string) {
	if demo {
		cfg.Arm.Driver = cobot.DriverDemo
	}
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, arm *cobot.Engine, maxAttempts int) {
	l := log.With().Str("component", "main").Str("link", arm.Name()).Logger()
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := arm.Connect()
		if err == nil {
			l.Info().Int("attempt", attempt+1).Msg("connected")
			return
		}

		attempt++
		ev := l.Warn()
		if attempt > maxAttempts {
			ev = l.Debug()
		}
		ev.Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("connect failed")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
