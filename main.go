package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"mediaforge/api"
	"mediaforge/config"
	"mediaforge/engine"
	"mediaforge/ffmpeg"
	"mediaforge/resource"
	"mediaforge/task"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)

	// 2. External tool bindings
	runner, err := ffmpeg.NewRunner(cfg.FFBin, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize ffmpeg runner")
	}
	prober := ffmpeg.NewProber(cfg.FFProbeBin)

	// 3. Core services: registry, monitor, resolver, engine, janitor
	registry := task.NewRegistry(log)
	monitor := resource.NewMonitor(resource.Options{
		MemCeilingPct:  cfg.MemCeilingPct,
		MinFreeDisk:    cfg.MinFreeDisk,
		MaxConcurrency: cfg.MaxConcurrency,
		SampleInterval: cfg.SampleInterval,
		WatchPath:      cfg.TempRoot,
		TempRoot:       cfg.TempRoot,
		TempRetention:  cfg.TaskRetention,
	}, log)

	resolver := engine.NewSourceResolver(prober, cfg.MaxInputSize,
		cfg.MaxRemoteDuration, cfg.MaxLocalDuration, log)

	var transcriber engine.Transcriber
	if cfg.TranscriberCmd != "" {
		transcriber, err = engine.NewCommandTranscriber(cfg.TranscriberCmd, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize transcriber")
		}
	}

	eng := engine.New(cfg, registry, monitor, runner, resolver, transcriber, log)
	janitor := task.NewJanitor(registry, cfg.TaskRetention, cfg.TempRoot, cfg.ResultsRoot, log)

	// 4. Router and server
	handler := api.NewHandler(eng, registry, monitor, janitor, cfg, log)
	router := api.SetupRouter(handler, cfg)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// 5. Start background services and the HTTP server
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitor.Start(ctx)
	eng.Start(ctx)
	janitor.Start(ctx)

	go func() {
		log.Info().Str("port", cfg.Port).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen failed")
		}
	}()

	// 6. Wait for interrupt signal for graceful shutdown
	<-ctx.Done()

	stop()
	log.Info().Msg("shutting down gracefully, press Ctrl+C again to force")

	// In-flight requests get five seconds to finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server exiting")
}
