package guardrails

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	perr "wavefetch/internal/platform/errors"
)

// lockPollInterval is how often FileLease retries the lock while ctx is live
const lockPollInterval = 50 * time.Millisecond

// FileLease acquires an exclusive advisory lock on a lock file derived from
// path, runs do while holding it, and releases it on return. It replaces the
// original's database-keyed advisory lock: a rover.db-append or a config
// rewrite and an ingest subprocess must never interleave on the same file
func FileLease(ctx context.Context, path string, do func(ctx context.Context) error) error {
	lockPath := path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return perr.Wrapf(err, perr.ErrorCodeUnknown, "guardrails: create lock dir for %s", lockPath)
	}

	lock := flock.New(lockPath)
	locked, err := lock.TryLockContext(ctx, lockPollInterval)
	if err != nil {
		return perr.Wrapf(err, perr.ErrorCodeUnknown, "guardrails: acquire lock %s", lockPath)
	}
	if !locked {
		return perr.PoolFullf("guardrails: could not acquire lock %s", lockPath)
	}
	defer func() { _ = lock.Unlock() }()

	return do(ctx)
}

// TryFileLease is the non-blocking variant: it returns immediately with
// acquired=false rather than polling if the lock is currently held
func TryFileLease(path string, do func() error) (acquired bool, err error) {
	lockPath := path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return false, perr.Wrapf(err, perr.ErrorCodeUnknown, "guardrails: create lock dir for %s", lockPath)
	}

	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return false, perr.Wrapf(err, perr.ErrorCodeUnknown, "guardrails: try-lock %s", lockPath)
	}
	if !locked {
		return false, nil
	}
	defer func() { _ = lock.Unlock() }()

	return true, do()
}
