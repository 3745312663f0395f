// Package runconfig is the child config file format: the Manager writes one
// absolute-path file per run under the temp directory and passes its path to
// every worker, per spec.md §5's "Child config file" shared resource
package runconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	perr "wavefetch/internal/platform/errors"
)

// RunConfig is the full set of parameters a spawned `wavefetch-download`
// child needs to re-derive everything it cannot receive on its own command
// line (which carries only the URL, per spec.md §6's worker invocation)
type RunConfig struct {
	HTTPTimeout time.Duration `json:"http_timeout"`
	HTTPRetries int           `json:"http_retries"`
	TempDir     string        `json:"temp_dir"`
	DeleteFiles bool          `json:"delete_files"`
	Ingest      bool          `json:"ingest"`
	IngestCmd   string        `json:"ingest_cmd"`
	DBPath      string        `json:"db_path"` // shared local index database, for RecordDownload on success
}

// Write serialises cfg to path, creating parent directories as needed. It is
// written once per run and never rewritten while workers are outstanding
func Write(path string, cfg RunConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return perr.Wrapf(err, perr.ErrorCodeUnknown, "runconfig: create dir for %s", path)
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return perr.Wrapf(err, perr.ErrorCodeUnknown, "runconfig: marshal config")
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return perr.Wrapf(err, perr.ErrorCodeUnknown, "runconfig: write %s", path)
	}
	return nil
}

// Load reads and parses a RunConfig previously written by Write
func Load(path string) (RunConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return RunConfig{}, perr.Wrapf(err, perr.ErrorCodeUnknown, "runconfig: read %s", path)
	}
	var cfg RunConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return RunConfig{}, perr.Wrapf(err, perr.ErrorCodeUnknown, "runconfig: parse %s", path)
	}
	return cfg, nil
}
