package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dgallion1/bookgest/internal/api"
	"github.com/dgallion1/bookgest/internal/config"
	"github.com/dgallion1/bookgest/internal/home"
	"github.com/dgallion1/bookgest/internal/inference"
	"github.com/dgallion1/bookgest/internal/observability"
	"github.com/dgallion1/bookgest/internal/pipeline"
)

var version = "dev"

func main() {
	cfgFile := flag.String("config", os.Getenv("BOOKGEST_CONFIG"), "config file")
	flag.Parse()

	level := new(slog.LevelVar)
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	mgr, err := config.NewManager(*cfgFile)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := mgr.Get()
	if err := cfg.ValidateServer(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if l, err := config.ParseLevel(cfg.LogLevel); err == nil {
		level.Set(l)
	}

	// Only the log level is applied on reload; everything else needs a restart.
	mgr.OnChange(func(c config.Config) {
		l, err := config.ParseLevel(c.LogLevel)
		if err != nil {
			log.Warn("ignoring invalid log level", "log_level", c.LogLevel)
			return
		}
		level.Set(l)
		log.Info("configuration reloaded", "file", mgr.ConfigFile(), "log_level", l.String())
	})
	mgr.WatchConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.Setup(ctx, observability.Config{
		ServiceName: "bookgest",
		Version:     version,
		Exporter:    cfg.TraceExporter,
		Endpoint:    cfg.OTLPEndpoint,
	}, log)
	if err != nil {
		log.Error("failed to set up tracing", "error", err)
		os.Exit(1)
	}

	backend := inference.NewClient(cfg.InferenceConfig())
	ingestor := pipeline.NewIngestor(home.New(cfg.DataDir, cfg.OutputDir), backend, backend, cfg.PipelineSettings(), log)

	orch := pipeline.NewOrchestrator(ingestor, cfg.OrchestratorOptions(), log)
	orch.Start(ctx)

	srv := api.NewServer(orch, backend, log, cfg)
	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streamed ingestion runs for the length of the document
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting bookgest", "port", cfg.Port, "version", version,
			"data_dir", cfg.DataDir, "output_dir", cfg.OutputDir)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)

		orch.Stop()
		backend.Close()
		if terr := shutdownTracing(shutdownCtx); terr != nil {
			log.Warn("tracer shutdown failed", "error", terr)
		}
		return err
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}
