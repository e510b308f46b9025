package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	_ "modernc.org/sqlite"             // SQLite driver

	"github.com/Frowell/Flowforge-sub002/internal/apperr"
)

// Backend selects the SQL dialect of a SQLStore.
type Backend string

const (
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
)

// SQLStore implements Store on database/sql. Timestamps are stored as Unix
// nanoseconds so both dialects share one schema.
type SQLStore struct {
	db      *sql.DB
	backend Backend
}

var _ Store = (*SQLStore)(nil)

// OpenSQL connects to the analytics database and creates the tables.
func OpenSQL(ctx context.Context, backend Backend, dsn string) (*SQLStore, error) {
	var driverName string
	switch backend {
	case BackendSQLite:
		driverName = "sqlite"
		if dsn == "" {
			dsn = "flowforge.db"
		}
	case BackendPostgres:
		driverName = "pgx"
		if dsn == "" {
			return nil, fmt.Errorf("postgres analytics store requires a DSN")
		}
	default:
		return nil, fmt.Errorf("unsupported analytics backend: %s. Must be sqlite or postgres", backend)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s analytics store: %w", backend, err)
	}
	if backend == BackendSQLite {
		// Avoid "database is locked" under concurrent writers.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s analytics store: %w", backend, err)
	}

	s := &SQLStore{db: db, backend: backend}
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create analytics schema: %w", err)
		}
	}
	return s, nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS raw_events (
		tenant_id     TEXT NOT NULL,
		series_key    TEXT NOT NULL,
		ingestion_seq BIGINT NOT NULL,
		event_time    BIGINT NOT NULL,
		price         DOUBLE PRECISION NOT NULL,
		quantity      DOUBLE PRECISION NOT NULL,
		notional      DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (tenant_id, series_key, ingestion_seq)
	)`,
	`CREATE INDEX IF NOT EXISTS raw_events_time_idx ON raw_events (tenant_id, series_key, event_time)`,
	`CREATE TABLE IF NOT EXISTS rollups (
		tenant_id      TEXT NOT NULL,
		series_key     TEXT NOT NULL,
		granularity    TEXT NOT NULL,
		bucket_start   BIGINT NOT NULL,
		open           DOUBLE PRECISION NOT NULL,
		high           DOUBLE PRECISION NOT NULL,
		low            DOUBLE PRECISION NOT NULL,
		close          DOUBLE PRECISION NOT NULL,
		vwap           DOUBLE PRECISION NOT NULL,
		total_volume   DOUBLE PRECISION NOT NULL,
		total_notional DOUBLE PRECISION NOT NULL,
		trade_count    BIGINT NOT NULL,
		open_time      BIGINT NOT NULL,
		close_time     BIGINT NOT NULL,
		open_seq       BIGINT NOT NULL,
		close_seq      BIGINT NOT NULL,
		PRIMARY KEY (tenant_id, series_key, granularity, bucket_start)
	)`,
}

// rebind rewrites ? placeholders for the backend.
func (s *SQLStore) rebind(query string) string {
	if s.backend != BackendPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func inClause(column string, values []string, args []any) (string, []any) {
	if len(values) == 0 {
		return "", args
	}
	marks := make([]string, len(values))
	for i, v := range values {
		marks[i] = "?"
		args = append(args, v)
	}
	return fmt.Sprintf(" AND %s IN (%s)", column, strings.Join(marks, ", ")), args
}

func (s *SQLStore) AppendEvents(ctx context.Context, scope Scope, events []RawEvent) (int, error) {
	if err := checkEvents(scope, "store.AppendEvents", events); err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO raw_events (tenant_id, series_key, ingestion_seq, event_time, price, quantity, notional)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, series_key, ingestion_seq) DO NOTHING`))
	if err != nil {
		return 0, fmt.Errorf("prepare append: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	inserted := 0
	for _, e := range events {
		res, err := stmt.ExecContext(ctx, scope.tenant.String(), e.SeriesKey, e.IngestionSeq,
			e.EventTime.UnixNano(), e.Price, e.Quantity, e.Notional)
		if err != nil {
			return 0, fmt.Errorf("insert event %s/%d: %w", e.SeriesKey, e.IngestionSeq, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return inserted, nil
}

func (s *SQLStore) ScanEvents(ctx context.Context, scope Scope, q EventQuery) ([]RawEvent, error) {
	if err := scope.check("store.ScanEvents"); err != nil {
		return nil, err
	}

	args := []any{scope.tenant.String(), q.From.UnixNano(), q.To.UnixNano()}
	filter, args := inClause("series_key", q.SeriesKeys, args)
	query := `SELECT tenant_id, series_key, ingestion_seq, event_time, price, quantity, notional
		FROM raw_events
		WHERE tenant_id = ? AND event_time >= ? AND event_time < ?` + filter + `
		ORDER BY series_key, event_time, ingestion_seq`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RawEvent
	for rows.Next() {
		var (
			e        RawEvent
			tenantID string
			ts       int64
		)
		if err := rows.Scan(&tenantID, &e.SeriesKey, &e.IngestionSeq, &ts, &e.Price, &e.Quantity, &e.Notional); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		if e.TenantID, err = uuid.Parse(tenantID); err != nil {
			return nil, fmt.Errorf("parse event tenant: %w", err)
		}
		e.EventTime = time.Unix(0, ts).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) ScanRollups(ctx context.Context, scope Scope, q RollupQuery) ([]RollupRow, error) {
	if err := scope.check("store.ScanRollups"); err != nil {
		return nil, err
	}

	args := []any{scope.tenant.String(), string(q.Granularity), q.From.UnixNano(), q.To.UnixNano()}
	filter, args := inClause("series_key", q.SeriesKeys, args)
	query := `SELECT tenant_id, series_key, granularity, bucket_start, open, high, low, close, vwap,
		       total_volume, total_notional, trade_count, open_time, close_time, open_seq, close_seq
		FROM rollups
		WHERE tenant_id = ? AND granularity = ? AND bucket_start >= ? AND bucket_start < ?` + filter + `
		ORDER BY series_key, bucket_start`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("scan rollups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RollupRow
	for rows.Next() {
		var (
			r                           RollupRow
			tenantID, gran              string
			bucket, openTime, closeTime int64
		)
		if err := rows.Scan(&tenantID, &r.SeriesKey, &gran, &bucket, &r.Open, &r.High, &r.Low, &r.Close, &r.VWAP,
			&r.TotalVolume, &r.TotalNotional, &r.TradeCount, &openTime, &closeTime, &r.OpenSeq, &r.CloseSeq); err != nil {
			return nil, fmt.Errorf("scan rollup row: %w", err)
		}
		if r.TenantID, err = uuid.Parse(tenantID); err != nil {
			return nil, fmt.Errorf("parse rollup tenant: %w", err)
		}
		r.Granularity = Granularity(gran)
		r.BucketStart = time.Unix(0, bucket).UTC()
		r.OpenTime = time.Unix(0, openTime).UTC()
		r.CloseTime = time.Unix(0, closeTime).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) ReplaceRollup(ctx context.Context, scope Scope, r RollupRow) error {
	if err := scope.check("store.ReplaceRollup"); err != nil {
		return err
	}
	if !scope.Owns(r.TenantID) {
		return apperr.IsolationViolation("store.ReplaceRollup", "rollup tenant does not match scope")
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO rollups (tenant_id, series_key, granularity, bucket_start, open, high, low, close, vwap,
		                     total_volume, total_notional, trade_count, open_time, close_time, open_seq, close_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, series_key, granularity, bucket_start) DO UPDATE SET
			open = excluded.open, high = excluded.high, low = excluded.low, close = excluded.close,
			vwap = excluded.vwap, total_volume = excluded.total_volume, total_notional = excluded.total_notional,
			trade_count = excluded.trade_count, open_time = excluded.open_time, close_time = excluded.close_time,
			open_seq = excluded.open_seq, close_seq = excluded.close_seq`),
		scope.tenant.String(), r.SeriesKey, string(r.Granularity), r.BucketStart.UnixNano(),
		r.Open, r.High, r.Low, r.Close, r.VWAP, r.TotalVolume, r.TotalNotional, r.TradeCount,
		r.OpenTime.UnixNano(), r.CloseTime.UnixNano(), r.OpenSeq, r.CloseSeq)
	if err != nil {
		return fmt.Errorf("replace rollup %s: %w", r.Key(), err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
