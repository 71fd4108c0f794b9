package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andi/reportflow/backend/api"
	"github.com/andi/reportflow/backend/config"
	"github.com/andi/reportflow/backend/converter"
	"github.com/andi/reportflow/backend/database"
	"github.com/andi/reportflow/backend/filter"
	"github.com/andi/reportflow/backend/linkcodec"
	"github.com/andi/reportflow/backend/pipeline"
	"github.com/andi/reportflow/backend/publisher"
	"github.com/andi/reportflow/backend/scanner"
	"github.com/andi/reportflow/backend/stability"
	"github.com/andi/reportflow/backend/transform"
	"github.com/andi/reportflow/backend/watcher"
	"golang.org/x/sync/errgroup"
)

func run(cfgPath string, flags *settingsFlags, reset bool) error {
	if reset {
		if err := config.Reset(cfgPath); err != nil {
			return fmt.Errorf("failed to reset configuration: %w", err)
		}
	}

	// Load configuration
	cfg, err := config.LoadFromEnv(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	flags.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if reset {
		if err := config.Save(cfg, cfgPath); err != nil {
			return fmt.Errorf("failed to save configuration: %w", err)
		}
	}

	// Setup logging
	if err := os.MkdirAll(cfg.Logging.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	logFile, err := os.OpenFile(cfg.Logging.AppLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))

	log.Printf("=== ReportFlow %s Starting ===", version)
	log.Printf("Watching %s, publishing to %s", cfg.Watch.Dir, cfg.Output.Dir)

	// Initialize database
	// cfg.Database.Path is either a SQLite file or a MySQL DSN
	db, err := database.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()
	repo := database.NewRecordRepo(db)

	recovered, err := repo.RecoverInterrupted(time.Now())
	if err != nil {
		log.Printf("Warning: Failed to recover interrupted records: %v", err)
	} else if recovered.Completed+recovered.Interrupted > 0 {
		log.Printf("Recovered %d completed and %d interrupted record(s)", recovered.Completed, recovered.Interrupted)
	}

	pub, err := publisher.New(cfg.Output.Dir)
	if err != nil {
		return err
	}
	if n, err := pub.CleanStale(); err != nil {
		log.Printf("Warning: Failed to clean stale temp files: %v", err)
	} else if n > 0 {
		log.Printf("Removed %d stale temp file(s) from %s", n, cfg.Output.Dir)
	}

	engine := converter.NewCommandConverter(cfg.Converter.Command, cfg.Converter.Timeout)
	if err := engine.Available(); err != nil {
		log.Printf("Warning: %v; only files already in xlsx format can be processed", err)
	}

	filt := filter.New(cfg.Watch.Prefix, cfg.Watch.Extension, cfg.Watch.MaxAge)
	orch, err := pipeline.New(pipeline.Options{
		Filter:      filt,
		Converter:   converter.NewGate(&converter.Sniffing{Engine: engine}),
		Publisher:   pub,
		Transformer: transform.New(linkcodec.New(cfg.Transform.Separator, cfg.Transform.PlainURLs)),
		Store:       repo,
		Stability: stability.Settings{
			PollInterval: cfg.Stability.PollInterval,
			QuietPeriod:  cfg.Stability.QuietPeriod,
			Timeout:      cfg.Stability.Timeout,
		},
		StabilityAttempts: cfg.Stability.MaxAttempts,
		RetryBackoff:      cfg.Stability.RetryBackoff,
		Transform: transform.Options{
			Sheet:    cfg.Transform.Sheet,
			Column:   cfg.Transform.Column,
			StartRow: cfg.Transform.StartRow,
		},
		MaxWorkers:      cfg.Pipeline.MaxWorkers,
		QueueSize:       cfg.Pipeline.QueueSize,
		Retention:       cfg.Pipeline.Retention,
		PublishAttempts: cfg.Pipeline.PublishAttempts,
	})
	if err != nil {
		return err
	}

	hub := api.NewWebSocketHub()
	orch.SetNotifier(hub)
	orch.Start()
	log.Println("Pipeline initialized and started")

	// Initialize file watcher
	watch, err := watcher.New(cfg.Watch.Dir, cfg.Watch.Debounce, orch)
	if err != nil {
		orch.Shutdown(0)
		return fmt.Errorf("failed to initialize file watcher: %w", err)
	}
	if err := watch.Start(); err != nil {
		orch.Shutdown(0)
		return fmt.Errorf("failed to start file watcher: %w", err)
	}

	var server *api.Server
	if cfg.ServerEnabled() {
		server, err = api.New(repo, orch, hub, cfg.Logging.Dir)
		if err != nil {
			watch.Stop()
			orch.Shutdown(0)
			return fmt.Errorf("failed to initialize API server: %w", err)
		}
	}

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.StartupScanEnabled() {
		g.Go(func() error {
			if _, err := scanner.New(cfg.Watch.Dir, orch, filt.MatchesName).Scan(); err != nil {
				log.Printf("Warning: Startup scan failed: %v", err)
			}
			return nil
		})
	}

	if server != nil {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		g.Go(func() error {
			fmt.Printf("ReportFlow status page is available on http://%s\n", addr)
			if err := server.Start(addr); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down gracefully...")

		// Stop intake first so nothing new is admitted
		watch.Stop()

		if server != nil {
			log.Println("Stopping HTTP server...")
			if err := server.Shutdown(); err != nil {
				log.Printf("Error shutting down server: %v", err)
			}
		}

		if err := orch.Shutdown(cfg.Pipeline.ShutdownGrace); err != nil {
			log.Printf("Warning: %v", err)
		}
		hub.Stop()
		return nil
	})

	err = g.Wait()
	log.Println("Shutdown complete")
	return err
}
