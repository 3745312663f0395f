// Command wavefetch-retrieve is the single-shot entrypoint: one Source, run
// via Manager.Download to completion, mirroring rover's `retrieve` command
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
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

func main() {
	var (
		fName     = flag.String("name", "default", "source name")
		fRequests = flag.String("requests", "", "path to the availability request body file (required)")
	)
	flag.Parse()

	l := logger.Get()
	if *fRequests == "" {
		l.Fatal().Msg("-requests is required")
	}

	root := config.New()
	cfg := root.Prefix("WAVEFETCH_")
	dbPath := cfg.MayString("DBPATH", "./wavefetch.db")

	st, err := store.Open(context.Background(), store.Config{
		AppName: "wavefetch-retrieve",
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
	ctx := context.Background()
	if err := repo.EnsureSchema(ctx); err != nil {
		l.Fatal().Err(err).Msg("failed to prepare local index schema")
	}

	tempDir := cfg.MayString("TEMPDIR", os.TempDir())
	httpTimeout := cfg.MayDuration("HTTPTIMEOUT", 30*time.Second)
	httpRetries := cfg.MayInt("HTTPRETRIES", 3)

	avail := availability.New(availability.Config{
		URL:     cfg.MustString("AVAILABILITYURL"),
		Timeout: httpTimeout,
		Retries: httpRetries,
	})

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
	forceFailurePercent := cfg.MayInt("FORCEFAILURES", 0)

	var finalErr error
	err = mgr.Add(ctx, source.Config{
		Name:            *fName,
		RequestPath:     *fRequests,
		AvailabilityURL: cfg.MustString("AVAILABILITYURL"),
		DataselectURL:   cfg.MustString("DATASELECTURL"),
		Fetch:           true,
		DownloadRetries: cfg.MayInt("DOWNLOADRETRIES", 3),
		Increment:       cfg.MayFloat64("TIMESPANINC", 0.05),
		Tolerance:       cfg.MayFloat64("TIMESPANTOL", 1.5),
		RoverCmd:        exe,
		ConfigPath:      configPath,
	}, avail, repo, func(err error) { finalErr = err })
	if err != nil {
		l.Fatal().Err(err).Msg("failed to add source")
	}

	spec := func(name string) manager.WorkerSpec {
		return manager.WorkerSpec{
			RoverCmd:            exe,
			ConfigPath:          configPath,
			DataselectURL:       cfg.MustString("DATASELECTURL"),
			ForceFailurePercent: forceFailurePercent,
		}
	}

	n, err := mgr.Download(ctx, spec)
	if err != nil {
		l.Fatal().Err(err).Msg("download failed")
	}
	if finalErr != nil {
		l.Error().Err(finalErr).Msg("source did not reach a consistent state")
		os.Exit(1)
	}
	l.Info().Int("downloads", n).Msg("retrieve complete")
}
