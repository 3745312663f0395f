// Package index is the local-store repo: it answers LocalIndex.Timespans
// queries for the Source state machine and persists the Manager's
// wavefetch_download_stats snapshot, against the embedded SQLite store
package index

import (
	"context"
	"fmt"

	"wavefetch/internal/core/coverage"
	"wavefetch/internal/core/manager"
	"wavefetch/internal/core/source"
	"wavefetch/internal/modkit/repokit"
	wfstrings "wavefetch/internal/platform/strings"
)

// Repo is what this package binds: both collaborator interfaces the core
// packages declare at their point of use
type Repo interface {
	source.LocalIndex
	manager.StatsSink
	EnsureSchema(ctx context.Context) error
	// RecordDownload indexes one successfully downloaded day-chunk, called
	// from cmd/wavefetch-download's success path, so later Timespans calls
	// see it as locally covered
	RecordDownload(ctx context.Context, stream coverage.StreamID, begin, end, samplePeriod float64) error
}

// SQLite is a repokit.Binder[Repo] against the embedded store
type SQLite struct{}

// NewSQLite returns a binder for Repo
func NewSQLite() repokit.Binder[Repo] { return SQLite{} }

// Bind implements repokit.Binder
func (SQLite) Bind(q repokit.Queryer) Repo { return &queries{q: q} }

type queries struct{ q repokit.Queryer }

const schemaDDL = `
CREATE TABLE IF NOT EXISTS wavefetch_local_index (
	network       TEXT NOT NULL,
	station       TEXT NOT NULL,
	location      TEXT NOT NULL,
	channel       TEXT NOT NULL,
	begin_epoch   REAL NOT NULL,
	end_epoch     REAL NOT NULL,
	sample_period REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_wavefetch_local_index_stream
	ON wavefetch_local_index (network, station, location, channel);

CREATE TABLE IF NOT EXISTS wavefetch_download_stats (
	name                TEXT PRIMARY KEY,
	initial_coverages   INTEGER NOT NULL,
	remaining_coverages INTEGER NOT NULL,
	initial_seconds     REAL NOT NULL,
	remaining_seconds   REAL NOT NULL,
	n_retries           INTEGER NOT NULL,
	download_retries    INTEGER NOT NULL
);
`

// EnsureSchema creates both tables if absent; safe to call on every startup
func (r *queries) EnsureSchema(ctx context.Context) error {
	_, err := r.q.Exec(ctx, schemaDDL)
	return err
}

// Timespans implements source.LocalIndex: the known on-disk coverage for one
// stream, and its sample period if every row agrees on one (0 otherwise,
// meaning "unknown" to the caller, per spec.md §3)
func (r *queries) Timespans(ctx context.Context, stream coverage.StreamID) ([]coverage.Timespan, float64, error) {
	rows, err := r.q.Query(ctx, `
		SELECT begin_epoch, end_epoch, sample_period
		FROM wavefetch_local_index
		WHERE network = ? AND station = ? AND location = ? AND channel = ?
		ORDER BY begin_epoch
	`, stream.Network, stream.Station, stream.Location, stream.Channel)
	if err != nil {
		return nil, 0, fmt.Errorf("index: query timespans for %s: %w", stream, err)
	}
	defer rows.Close()

	var spans []coverage.Timespan
	samplePeriod := -1.0
	for rows.Next() {
		var begin, end, sp float64
		if err := rows.Scan(&begin, &end, &sp); err != nil {
			return nil, 0, fmt.Errorf("index: scan timespan row for %s: %w", stream, err)
		}
		spans = append(spans, coverage.Timespan{Begin: begin, End: end})
		switch {
		case samplePeriod == -1.0:
			samplePeriod = sp
		case samplePeriod != sp:
			samplePeriod = 0 // disagreement across rows: unknown
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("index: iterate timespans for %s: %w", stream, err)
	}
	if samplePeriod < 0 {
		samplePeriod = 0
	}
	return wfstrings.IfEmpty(spans, []coverage.Timespan{}), samplePeriod, nil
}

// RecordDownload inserts one downloaded chunk's span into the local index
func (r *queries) RecordDownload(ctx context.Context, stream coverage.StreamID, begin, end, samplePeriod float64) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO wavefetch_local_index (network, station, location, channel, begin_epoch, end_epoch, sample_period)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, stream.Network, stream.Station, stream.Location, stream.Channel, begin, end, samplePeriod)
	if err != nil {
		return fmt.Errorf("index: record download for %s: %w", stream, err)
	}
	return nil
}

// ReplaceAll implements manager.StatsSink: the whole table is rewritten
// inside one transaction on every call, per spec.md §3/§9's "whole-table
// atomic replacement of stats per Step()"
func (r *queries) ReplaceAll(ctx context.Context, rows []manager.StatsRow) error {
	runner, ok := r.q.(repokit.TxRunner)
	if !ok {
		return r.replaceAllUnguarded(ctx, r.q, rows)
	}
	return runner.Tx(ctx, func(q repokit.Queryer) error {
		return r.replaceAllUnguarded(ctx, q, rows)
	})
}

func (r *queries) replaceAllUnguarded(ctx context.Context, q repokit.Queryer, rows []manager.StatsRow) error {
	if _, err := q.Exec(ctx, `DELETE FROM wavefetch_download_stats`); err != nil {
		return fmt.Errorf("index: clear stats: %w", err)
	}
	for _, row := range rows {
		_, err := q.Exec(ctx, `
			INSERT INTO wavefetch_download_stats (
				name, initial_coverages, remaining_coverages,
				initial_seconds, remaining_seconds, n_retries, download_retries
			) VALUES (?, ?, ?, ?, ?, ?, ?)
		`, row.Name, row.InitialCoverages, row.RemainingCoverages,
			row.InitialSeconds, row.RemainingSeconds, row.NRetries, row.DownloadRetries)
		if err != nil {
			return fmt.Errorf("index: insert stats row %s: %w", row.Name, err)
		}
	}
	return nil
}
