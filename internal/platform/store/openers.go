package store

import (
	"context"
	"fmt"
	"time"

	"wavefetch/internal/platform/store/sqlite"
)

// openDB opens the embedded sqlite handle and wraps it with our sql adapter
func openDB(ctx context.Context, cfg Config, s *Store) (TxRunner, error) {
	var tracer sqlite.QueryTracer
	if cfg.DB.LogSQL {
		tracer = sqlite.Tracer(s.Log)
	}

	d, err := sqlite.Open(ctx, sqlite.Config{
		Path:          cfg.DB.Path,
		BusyTimeoutMs: cfg.DB.BusyTimeoutMs,
		SlowMs:        cfg.DB.SlowQueryMs,
	}, tracer)
	if err != nil {
		return nil, err
	}

	attempts := cfg.DB.ConnectRetries
	if attempts <= 0 {
		attempts = 10
	}
	timeout := cfg.DB.PingTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	if err := sqlite.Ping(ctx, d, attempts, timeout); err != nil {
		d.Close()
		return nil, fmt.Errorf("sqlite ping failed: %w", err)
	}

	a := newDBAdapter(d)
	s.DB = a
	return a, nil
}
