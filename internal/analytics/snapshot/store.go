// Package snapshot persists periodic copies of the running appearance
// totals to PostgreSQL.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/olyandrevn/FaceRecognition/internal/analytics"
	"github.com/olyandrevn/FaceRecognition/pkg/postgres"
)

const schema = `
CREATE TABLE IF NOT EXISTS appearance_snapshots (
    id          BIGSERIAL PRIMARY KEY,
    data        JSONB NOT NULL,
    stores      INTEGER NOT NULL,
    customers   INTEGER NOT NULL,
    captured_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// Aggregator is the part of *analytics.Aggregator the snapshotter reads.
type Aggregator interface {
	Aggregate(ctx context.Context, w *analytics.Window) (analytics.Totals, error)
}

type Store struct {
	db     *postgres.Client
	retain int
	logger *slog.Logger
}

// NewStore keeps the newest retain snapshots; retain <= 0 keeps them all.
func NewStore(db *postgres.Client, retain int) *Store {
	return &Store{
		db:     db,
		retain: retain,
		logger: slog.Default().With("component", "snapshot-store"),
	}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating snapshot schema: %w", err)
	}
	return nil
}

// SaveSnapshot inserts totals and prunes snapshots beyond the retention
// limit in one transaction.
func (s *Store) SaveSnapshot(ctx context.Context, totals analytics.Totals) error {
	data, err := json.Marshal(totals)
	if err != nil {
		return fmt.Errorf("marshaling totals: %w", err)
	}
	var pruned int64
	err = s.db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO appearance_snapshots (data, stores, customers, captured_at) VALUES ($1, $2, $3, $4)`,
			data, len(totals.Stores), len(totals.Customers), time.Now().UTC(),
		); err != nil {
			return fmt.Errorf("saving appearance snapshot: %w", err)
		}
		if s.retain <= 0 {
			return nil
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM appearance_snapshots
			 WHERE id NOT IN (SELECT id FROM appearance_snapshots ORDER BY id DESC LIMIT $1)`,
			s.retain,
		)
		if err != nil {
			return fmt.Errorf("pruning appearance snapshots: %w", err)
		}
		pruned, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("appearance snapshot saved",
		"stores", len(totals.Stores),
		"customers", len(totals.Customers),
		"total_appearances", totals.TotalAppearances,
		"pruned", pruned,
	)
	return nil
}

// LatestSnapshot returns the most recent snapshot, or nil if there is none.
func (s *Store) LatestSnapshot(ctx context.Context) (*analytics.Totals, error) {
	var data []byte
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT data FROM appearance_snapshots ORDER BY captured_at DESC LIMIT 1`,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest snapshot: %w", err)
	}
	var totals analytics.Totals
	if err := json.Unmarshal(data, &totals); err != nil {
		return nil, fmt.Errorf("unmarshaling snapshot: %w", err)
	}
	return &totals, nil
}

// ListSnapshots returns up to limit snapshots, newest first. Rows that no
// longer decode are skipped.
func (s *Store) ListSnapshots(ctx context.Context, limit int) ([]analytics.Totals, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT data FROM appearance_snapshots ORDER BY captured_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []analytics.Totals
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning snapshot row: %w", err)
		}
		var totals analytics.Totals
		if err := json.Unmarshal(data, &totals); err != nil {
			s.logger.Warn("skipping corrupt snapshot", "error", err)
			continue
		}
		snapshots = append(snapshots, totals)
	}
	return snapshots, rows.Err()
}

// StartPeriodicSave snapshots the running total every interval, and once
// more when ctx is cancelled.
func (s *Store) StartPeriodicSave(ctx context.Context, agg Aggregator, interval time.Duration) {
	save := func(ctx context.Context) {
		totals, err := agg.Aggregate(ctx, nil)
		if err != nil {
			s.logger.Error("reading running totals failed", "error", err)
			return
		}
		if err := s.SaveSnapshot(ctx, totals); err != nil {
			s.logger.Error("snapshot failed", "error", err)
		}
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				save(ctx)
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				save(shutdownCtx)
				cancel()
				return
			}
		}
	}()
	s.logger.Info("periodic snapshot started", "interval", interval)
}
