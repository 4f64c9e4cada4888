package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lightnvr/lightnvr/pkg/catalog"
	"github.com/lightnvr/lightnvr/pkg/config"
	"github.com/lightnvr/lightnvr/pkg/logger"
	"github.com/lightnvr/lightnvr/pkg/shutdown"
	"github.com/lightnvr/lightnvr/pkg/supervisor"
)

// quiescenceDeadline bounds the whole-process graceful shutdown, not just
// a single Recorder's; it must comfortably exceed any one Recorder's own
// stop deadline since the Supervisor tears them down with some overlap.
const quiescenceDeadline = 10 * time.Second

func main() {
	fs := flag.NewFlagSet("lightnvr", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)

	configPath := fs.String("config", "lightnvr.conf", "Path to configuration file")
	faststart := fs.Bool("faststart", false, "Patch moov duration after each segment closes (small extra I/O per segment)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Network video recorder core: RTSP ingest, fragmented MP4 segments, sqlite catalog\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
		logger.PrintUsageExamples()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
		os.Exit(1)
	}

	logConfig, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error configuring logger: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()
	logger.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}
	log.Info("configuration loaded", "storage_path", cfg.StoragePath, "streams", len(cfg.Streams))

	if err := os.MkdirAll(cfg.StoragePath, 0o755); err != nil {
		log.Error("failed to create storage path", "path", cfg.StoragePath, "error", err)
		os.Exit(1)
	}

	dbPath := filepath.Join(cfg.StoragePath, "catalog.db")
	cat, err := catalog.Open(dbPath, log.With("component", "catalog"))
	if err != nil {
		log.Error("failed to open catalog", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer cat.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bootstrapStreams(ctx, cat, cfg.Streams); err != nil {
		log.Error("failed to bootstrap stream configuration", "error", err)
		os.Exit(1)
	}

	coord := shutdown.New()
	sup := supervisor.New(cat, coord, log.With("component", "supervisor"), *cfg, *faststart)

	if err := sup.Start(); err != nil {
		log.Error("failed to start supervisor", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	sig := <-sigCh
	log.Info("received shutdown signal, tearing down", "signal", sig)

	coord.InitiateShutdown()
	sup.Stop()
	cancel()

	if !coord.WaitForQuiescence(quiescenceDeadline) {
		log.Warn("quiescence deadline exceeded, exiting with components still outstanding", "deadline", quiescenceDeadline)
		for _, c := range coord.Snapshot() {
			if c.State != shutdown.StateStopped {
				log.Warn("component did not reach stopped state", "name", c.Name, "state", c.State.String())
			}
		}
	}

	log.Info("shutdown complete")
}

// bootstrapStreams inserts every stream from the configuration file's
// stream= lines that the catalog does not already hold. Subsequent changes
// to a stream's configuration go through the catalog directly (spec.md
// §4.6); this file only ever seeds the first run or reintroduces a stream
// that was removed from the catalog.
func bootstrapStreams(ctx context.Context, cat *catalog.Catalog, streams []config.StreamBootstrap) error {
	for _, s := range streams {
		sc := catalog.StreamConfig{
			Name:            s.Name,
			URL:             s.URL,
			SegmentDuration: s.SegmentDuration,
			RecordAudio:     s.RecordAudio,
			Enabled:         s.Enabled,
			OutputDir:       s.OutputDir,
		}
		if err := os.MkdirAll(sc.OutputDir, 0o755); err != nil {
			return fmt.Errorf("bootstrap stream %q: create output dir: %w", s.Name, err)
		}
		if _, err := cat.GetStreamConfig(ctx, s.Name); err == nil {
			continue // already seeded; the catalog row is authoritative
		}
		if err := cat.UpsertStream(ctx, sc); err != nil {
			return fmt.Errorf("bootstrap stream %q: %w", s.Name, err)
		}
	}
	return nil
}
