// Command wavefetch-download is the per-chunk worker the Manager spawns for
// every day-chunk: `wavefetch-download -f {configPath} download "{url}"`, per
// spec.md §6's worker invocation contract
package main

import (
	"context"
	"flag"
	"net/url"
	"os"
	"time"

	"wavefetch/internal/core/coverage"
	"wavefetch/internal/platform/logger"
	"wavefetch/internal/platform/store"
	"wavefetch/internal/services/downloader"
	"wavefetch/internal/services/index"
	"wavefetch/internal/services/runconfig"
)

func main() {
	l := logger.Named("wavefetch-download")

	var configPath = flag.String("f", "", "absolute path to the run config file written by the parent")
	flag.Parse()

	args := flag.Args()
	if len(args) != 2 || args[0] != "download" {
		l.Error().Strs("args", args).Msg("usage: wavefetch-download -f <configPath> download <url>")
		os.Exit(2)
	}
	chunkURL := args[1]

	if *configPath == "" {
		l.Error().Msg("missing -f <configPath>")
		os.Exit(2)
	}

	cfg, err := runconfig.Load(*configPath)
	if err != nil {
		l.Error().Err(err).Str("config", *configPath).Msg("failed to load run config")
		os.Exit(1)
	}

	ctx := context.Background()
	err = downloader.Run(ctx, downloader.Options{
		URL:       chunkURL,
		TempDir:   cfg.TempDir,
		Timeout:   cfg.HTTPTimeout,
		Retries:   cfg.HTTPRetries,
		Ingest:    cfg.Ingest,
		IngestCmd: cfg.IngestCmd,
		Delete:    cfg.DeleteFiles,
	})
	if err != nil {
		l.Error().Err(err).Str("url", chunkURL).Msg("download failed")
		os.Exit(1)
	}

	recordDownload(ctx, cfg, chunkURL, l)
}

// recordDownload indexes the chunk this worker just fetched against the
// shared local index database, so the next Source retrieval attempt sees it
// as already covered. Failures here are logged, not fatal: the download
// itself already succeeded, and a stale local index only costs a redundant
// re-fetch on the next retrieval, not data loss
func recordDownload(ctx context.Context, cfg runconfig.RunConfig, chunkURL string, l *logger.Logger) {
	stream, begin, end, err := parseChunkURL(chunkURL)
	if err != nil {
		l.Warn().Err(err).Str("url", chunkURL).Msg("could not parse chunk url, skipping local index update")
		return
	}

	st, err := store.Open(ctx, store.Config{
		AppName: "wavefetch-download",
		DB:      store.DBConfig{Enabled: true, Path: cfg.DBPath},
	})
	if err != nil {
		l.Warn().Err(err).Msg("could not open local index database, skipping local index update")
		return
	}
	defer func() { _ = st.Close(ctx) }()

	repo := index.NewSQLite().Bind(st.DB)
	if err := repo.RecordDownload(ctx, stream, begin, end, 0); err != nil {
		l.Warn().Err(err).Str("stream", stream.String()).Msg("failed to record download in local index")
	}
}

const chunkTimeLayout = "2006-01-02T15:04:05.000000"

// parseChunkURL recovers the stream and span retrieval.RenderDataselectURL
// encoded into the dataselect request, undoing its "--" empty-field
// convention
func parseChunkURL(raw string) (coverage.StreamID, float64, float64, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return coverage.StreamID{}, 0, 0, err
	}
	q := u.Query()
	undash := func(field string) string {
		if field == "--" {
			return ""
		}
		return field
	}
	stream := coverage.StreamID{
		Network:  undash(q.Get("net")),
		Station:  undash(q.Get("sta")),
		Location: undash(q.Get("loc")),
		Channel:  undash(q.Get("cha")),
	}
	begin, err := time.Parse(chunkTimeLayout, q.Get("start"))
	if err != nil {
		return coverage.StreamID{}, 0, 0, err
	}
	end, err := time.Parse(chunkTimeLayout, q.Get("end"))
	if err != nil {
		return coverage.StreamID{}, 0, 0, err
	}
	return stream, float64(begin.UTC().UnixNano()) / 1e9, float64(end.UTC().UnixNano()) / 1e9, nil
}
