// Package downloader implements the per-chunk download worker: the process
// spawned by `{roverCmd} -f {absConfigPath} download "{url}"`. It fetches one
// dataselect URL to a temp file, runs it through the ingester against a
// private SQLite database, and cleans up after itself
package downloader

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"wavefetch/internal/core/guardrails"
	perr "wavefetch/internal/platform/errors"
	"wavefetch/internal/platform/logger"
)

const blockSize = 1 << 20 // 1 MiB, per spec.md §4.6 step 3

// Options configures one chunk download
type Options struct {
	URL       string
	Path      string // optional explicit destination; empty means allocate a temp path
	TempDir   string
	Timeout   time.Duration
	Retries   int
	Ingest    bool
	IngestCmd string // ingester binary invoked as: {IngestCmd} -db {dbPath} {downloadedPath}
	Delete    bool   // unlink temp file, ingest DB, and empty log file on any exit path
	LogPath   string // child's own log file, unlinked on exit if zero-length and Delete is set
}

// Run executes one chunk download end to end, per spec.md §4.6. It returns a
// non-nil error on any uncaught failure; the caller (cmd/wavefetch-download)
// translates that into the subprocess's exit code
func Run(ctx context.Context, opts Options) error {
	log := logger.Named("downloader")

	path := opts.Path
	temp := path == ""
	if temp {
		name := fmt.Sprintf("rover_download_%s", uuid.New().String())
		path = filepath.Join(opts.TempDir, name)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return perr.Wrapf(err, perr.ErrorCodeUnknown, "downloader: create parent dir for %s", path)
	}
	if !temp {
		if _, err := os.Stat(path); err == nil {
			return perr.PathExistsf("downloader: target file already exists: %s", path)
		}
	}

	var dbPath string
	defer func() {
		if !opts.Delete {
			return
		}
		if temp {
			_ = os.Remove(path)
		}
		if dbPath != "" {
			_ = os.Remove(dbPath)
		}
		if opts.LogPath != "" {
			if fi, err := os.Stat(opts.LogPath); err == nil && fi.Size() == 0 {
				_ = os.Remove(opts.LogPath)
			}
		}
	}()

	if err := fetch(ctx, opts.URL, path, opts.Timeout, opts.Retries, log); err != nil {
		return err
	}

	if !opts.Ingest {
		return nil
	}

	dbPath = filepath.Join(opts.TempDir, ingestDBName(opts.URL))
	return ingest(ctx, opts.IngestCmd, dbPath, path)
}

// fetch streams the URL to path in blockSize chunks, retrying transport
// failures up to retries times
func fetch(ctx context.Context, url, path string, timeout time.Duration, retries int, log *logger.Logger) error {
	attempts := max(retries, 1)
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := fetchOnce(ctx, url, path, timeout); err != nil {
			lastErr = err
			log.Warn().Err(err).Int("attempt", i).Str("url", url).Msg("download attempt failed")
			continue
		}
		return nil
	}
	return perr.Wrapf(lastErr, perr.ErrorCodeUnavailable, "downloader: GET %s failed after %d attempts", url, attempts)
}

func fetchOnce(ctx context.Context, url, path string, timeout time.Duration) error {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, blockSize)
	_, err = io.CopyBuffer(f, resp.Body, buf)
	return err
}

// ingestDBName derives a per-process unique SQLite filename from the URL and
// PID so parallel ingesters never share a writer, per spec.md §4.6 step 4
func ingestDBName(url string) string {
	h := sha1.Sum([]byte(url))
	return fmt.Sprintf("rover_ingest_%s_%d.sqlite", hex.EncodeToString(h[:8]), os.Getpid())
}

// ingest invokes the ingester against its own private database, guarded by a
// file lease on that database path even though the database name is already
// PID-unique; the lease covers only dbPath, not the files the ingester writes
func ingest(ctx context.Context, ingestCmd, dbPath, downloadedPath string) error {
	return guardrails.FileLease(ctx, dbPath, func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, ingestCmd, "-db", dbPath, downloadedPath)
		cmd.Stdin = nil
		cmd.Stdout = nil
		cmd.Stderr = nil
		if err := cmd.Run(); err != nil {
			return perr.Wrapf(err, perr.ErrorCodeUnknown, "downloader: ingest %s", downloadedPath)
		}
		return nil
	})
}
