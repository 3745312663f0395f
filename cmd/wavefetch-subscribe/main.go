// Command wavefetch-subscribe is the long-running multi-source loop: it
// loads a manifest of Sources, Adds each to one Manager, and repeatedly
// Steps in quiet mode, standing in for the daemon's call pattern without
// owning process supervision or PID files
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"wavefetch/internal/core/manager"
	"wavefetch/internal/core/source"
	"wavefetch/internal/core/workerpool"
	"wavefetch/internal/platform/config"
	"wavefetch/internal/platform/logger"
	"wavefetch/internal/platform/store"
	"wavefetch/internal/services/availability"
	"wavefetch/internal/services/index"
	"wavefetch/internal/services/runconfig"
)

// manifestEntry is one line of the -sources JSON manifest: a named Source
// and the request file it polls for newly available data
type manifestEntry struct {
	Name            string `json:"name"`
	RequestPath     string `json:"request_path"`
	AvailabilityURL string `json:"availability_url"`
	DataselectURL   string `json:"dataselect_url"`
}

func loadManifest(path string) ([]manifestEntry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("subscribe: read manifest %s: %w", path, err)
	}
	var entries []manifestEntry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("subscribe: parse manifest %s: %w", path, err)
	}
	return entries, nil
}

func main() {
	fSources := flag.String("sources", "", "path to the JSON source manifest (required)")
	flag.Parse()

	l := logger.Get()
	if *fSources == "" {
		l.Fatal().Msg("-sources is required")
	}

	entries, err := loadManifest(*fSources)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to load source manifest")
	}
	if len(entries) == 0 {
		l.Fatal().Str("path", *fSources).Msg("source manifest is empty")
	}

	root := config.New()
	cfg := root.Prefix("WAVEFETCH_")
	dbPath := cfg.MayString("DBPATH", "./wavefetch.db")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, store.Config{
		AppName: "wavefetch-subscribe",
		DB: store.DBConfig{
			Enabled: true,
			Path:    dbPath,
		},
	}, store.WithLogger(*l))
	if err != nil {
		l.Fatal().Err(err).Msg("store.Open failed")
	}
	defer func() {
		if err := st.Close(context.Background()); err != nil {
			l.Error().Err(err).Msg("failed to close store")
		}
	}()

	repo := index.NewSQLite().Bind(st.DB)
	if err := repo.EnsureSchema(ctx); err != nil {
		l.Fatal().Err(err).Msg("failed to prepare local index schema")
	}

	tempDir := cfg.MayString("TEMPDIR", os.TempDir())
	httpTimeout := cfg.MayDuration("HTTPTIMEOUT", 30*time.Second)
	httpRetries := cfg.MayInt("HTTPRETRIES", 3)
	pollInterval := cfg.MayDuration("POLLINTERVAL", 60*time.Second)
	forceFailurePercent := cfg.MayInt("FORCEFAILURES", 0)

	exe, err := os.Executable()
	if err != nil {
		l.Fatal().Err(err).Msg("failed to resolve own executable path")
	}
	configPath := filepath.Join(tempDir, fmt.Sprintf("wavefetch_run_%d.conf", os.Getpid()))
	if err := runconfig.Write(configPath, runconfig.RunConfig{
		HTTPTimeout: httpTimeout,
		HTTPRetries: httpRetries,
		TempDir:     tempDir,
		DeleteFiles: cfg.MayBool("DELETEFILES", true),
		Ingest:      cfg.MayBool("INGEST", false),
		IngestCmd:   cfg.MayString("INGESTCMD", ""),
		DBPath:      dbPath,
	}); err != nil {
		l.Fatal().Err(err).Msg("failed to write run config")
	}

	pool := workerpool.New(cfg.MayInt("DOWNLOADWORKERS", 5), logger.Named("workerpool"))
	mgr := manager.New(pool, repo)

	dataselectURLs := make(map[string]string, len(entries))
	for _, e := range entries {
		avail := availability.New(availability.Config{
			URL:     e.AvailabilityURL,
			Timeout: httpTimeout,
			Retries: httpRetries,
		})
		err := mgr.Add(ctx, source.Config{
			Name:            e.Name,
			RequestPath:     e.RequestPath,
			AvailabilityURL: e.AvailabilityURL,
			DataselectURL:   e.DataselectURL,
			Fetch:           false,
			DownloadRetries: cfg.MayInt("DOWNLOADRETRIES", 3),
			Increment:       cfg.MayFloat64("TIMESPANINC", 0.05),
			Tolerance:       cfg.MayFloat64("TIMESPANTOL", 1.5),
			RoverCmd:        exe,
			ConfigPath:      configPath,
		}, avail, repo, func(err error) {
			l.Error().Err(err).Str("source", e.Name).Msg("source failed and was dropped")
		})
		if err != nil {
			l.Fatal().Err(err).Str("source", e.Name).Msg("failed to add source")
		}
		dataselectURLs[e.Name] = e.DataselectURL
	}

	spec := func(name string) manager.WorkerSpec {
		return manager.WorkerSpec{
			RoverCmd:            exe,
			ConfigPath:          configPath,
			DataselectURL:       dataselectURLs[name],
			ForceFailurePercent: forceFailurePercent,
		}
	}

	l.Info().Int("sources", len(entries)).Dur("interval", pollInterval).Msg("subscribe loop starting")

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if err := mgr.Step(ctx, true, spec); err != nil {
			l.Error().Err(err).Msg("step failed")
		}
		if mgr.IsIdle() {
			l.Info().Msg("all sources dropped, exiting")
			return
		}

		select {
		case <-ctx.Done():
			l.Info().Msg("shutdown requested, waiting for in-flight downloads")
			pool.WaitForAll()
			return
		case <-ticker.C:
		}
	}
}
