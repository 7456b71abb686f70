// Package store persists face appearance records and answers per-store
// appearance counts for the aggregator.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/lib/pq"

	"github.com/olyandrevn/FaceRecognition/internal/pipeline"
	apperrors "github.com/olyandrevn/FaceRecognition/pkg/errors"
	"github.com/olyandrevn/FaceRecognition/pkg/postgres"
)

// Schema creates the appearance table. An appearance is identified by where
// and when the face was seen, so a record written again after a retry or a
// pipeline restart is ignored rather than double-counted.
const Schema = `
CREATE TABLE IF NOT EXISTS face_appearances (
    id          BIGSERIAL PRIMARY KEY,
    item_id     BIGINT NOT NULL,
    parent_id   BIGINT NOT NULL,
    customer_id BIGINT NOT NULL,
    store_id    TEXT NOT NULL,
    captured_at TIMESTAMPTZ NOT NULL,
    x1          INTEGER NOT NULL,
    y1          INTEGER NOT NULL,
    x2          INTEGER NOT NULL,
    y2          INTEGER NOT NULL,
    confidence  DOUBLE PRECISION NOT NULL,
    source_ref  TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT face_appearances_unique
        UNIQUE (store_id, source_ref, captured_at, x1, y1, x2, y2)
);
CREATE INDEX IF NOT EXISTS face_appearances_store_time
    ON face_appearances (store_id, captured_at);
`

// PostgresStore implements pipeline.Store on top of PostgreSQL.
type PostgresStore struct {
	db     *postgres.Client
	logger *slog.Logger
}

func NewPostgresStore(db *postgres.Client) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: slog.Default().With("component", "appearance-store"),
	}
}

// EnsureSchema creates the table and index if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.DB.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("creating appearance schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Write(ctx context.Context, rec pipeline.Record) error {
	res, err := s.db.DB.ExecContext(ctx, `
		INSERT INTO face_appearances
			(item_id, parent_id, customer_id, store_id, captured_at, x1, y1, x2, y2, confidence, source_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT ON CONSTRAINT face_appearances_unique DO NOTHING`,
		int64(rec.ItemID), int64(rec.ParentID), rec.CustomerID, rec.StoreID, rec.CapturedAt.UTC(),
		rec.Detection.X1, rec.Detection.Y1, rec.Detection.X2, rec.Detection.Y2,
		rec.Confidence, rec.SourceRef,
	)
	if err != nil {
		return classify(fmt.Errorf("inserting appearance for item %d: %w", rec.ItemID, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Debug("appearance already stored", "item_id", rec.ItemID, "store_id", rec.StoreID)
	}
	return nil
}

// AppearanceCounts returns appearances per customer for storeID, limited to
// captures within [start, end]. A zero bound is open.
func (s *PostgresStore) AppearanceCounts(ctx context.Context, storeID string, start, end time.Time) (map[int64]int64, error) {
	rows, err := s.db.DB.QueryContext(ctx, `
		SELECT customer_id, COUNT(*)
		FROM face_appearances
		WHERE store_id = $1
		  AND ($2::timestamptz IS NULL OR captured_at >= $2)
		  AND ($3::timestamptz IS NULL OR captured_at <= $3)
		GROUP BY customer_id`,
		storeID, nullTime(start), nullTime(end),
	)
	if err != nil {
		return nil, classify(fmt.Errorf("counting appearances for %s: %w", storeID, err))
	}
	defer rows.Close()

	counts := make(map[int64]int64)
	for rows.Next() {
		var customerID, n int64
		if err := rows.Scan(&customerID, &n); err != nil {
			return nil, fmt.Errorf("scanning appearance count: %w", err)
		}
		counts[customerID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("reading appearance counts: %w", err))
	}
	return counts, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// transientCodes are SQLSTATEs after which the same statement may succeed.
var transientCodes = map[pq.ErrorCode]bool{
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"53300": true, // too_many_connections
	"53400": true, // configuration_limit_exceeded
}

// classify wraps connection-level and retryable server errors as transient
// and everything else as permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code.Class() == "08" || transientCodes[pqErr.Code] {
			return apperrors.Transient(err)
		}
		return apperrors.Permanent(err)
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF),
		errors.As(err, &netErr):
		return apperrors.Transient(err)
	default:
		return apperrors.Permanent(err)
	}
}
