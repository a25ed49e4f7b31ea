// Package storage persists samples to SQLite or PostgreSQL/TimescaleDB.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/yutthachai69/cems2-2newupdate/internal/domain"
	"github.com/yutthachai69/cems2-2newupdate/internal/metrics"
	_ "modernc.org/sqlite"
)

// Dialect selects SQL syntax and column types.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds configuration for the SQL store.
type Config struct {
	Driver Dialect
	DSN    string
	Table  string
}

// SQLStore implements domain.SampleStore on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	table   string
	logger  zerolog.Logger
	metrics *metrics.Registry
	closed  atomic.Bool
}

// Open connects to the configured database and ensures the schema exists.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger, metricsReg *metrics.Registry) (*SQLStore, error) {
	if cfg.Driver != DialectSQLite && cfg.Driver != DialectPostgres {
		return nil, domain.NewConfigError("storage.driver", "unsupported driver %q", cfg.Driver)
	}
	if cfg.DSN == "" {
		return nil, domain.NewConfigError("storage.dsn", "is required")
	}

	if cfg.Driver == DialectSQLite {
		if dir := sqliteDir(cfg.DSN); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open(string(cfg.Driver), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if cfg.Driver == DialectSQLite {
		// SQLite allows one writer at a time.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}

	store, err := NewSQLStore(db, cfg.Driver, cfg.Table, logger, metricsReg)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// sqliteDir returns the directory holding a file-backed SQLite database.
func sqliteDir(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return ""
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return ""
	}
	return dir
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB, dialect Dialect, table string, logger zerolog.Logger, metricsReg *metrics.Registry) (*SQLStore, error) {
	if table == "" {
		table = "samples"
	}
	if !tableNamePattern.MatchString(table) {
		return nil, domain.NewConfigError("storage.table", "invalid table name %q", table)
	}
	return &SQLStore{
		db:      db,
		dialect: dialect,
		table:   table,
		logger:  logger.With().Str("component", "sample-store").Str("driver", string(dialect)).Logger(),
		metrics: metricsReg,
	}, nil
}

// EnsureSchema creates the samples table and its index if missing.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	var stmts []string
	switch s.dialect {
	case DialectPostgres:
		stmts = []string{
			"CREATE TABLE IF NOT EXISTS " + s.table + " (stack_id TEXT NOT NULL, stack_name TEXT, ts TIMESTAMPTZ NOT NULL, data JSONB NOT NULL, corrected JSONB, status TEXT NOT NULL)",
			"CREATE INDEX IF NOT EXISTS " + s.table + "_stack_ts_idx ON " + s.table + " (stack_id, ts DESC)",
		}
	default:
		stmts = []string{
			"CREATE TABLE IF NOT EXISTS " + s.table + " (id INTEGER PRIMARY KEY AUTOINCREMENT, stack_id TEXT NOT NULL, stack_name TEXT, ts INTEGER NOT NULL, data TEXT NOT NULL, corrected TEXT, status TEXT NOT NULL)",
			"CREATE INDEX IF NOT EXISTS " + s.table + "_stack_ts_idx ON " + s.table + " (stack_id, ts)",
		}
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// placeholders returns n bind parameters in the dialect's syntax.
func (s *SQLStore) placeholders(n int) []string {
	out := make([]string, n)
	for i := range out {
		if s.dialect == DialectPostgres {
			out[i] = fmt.Sprintf("$%d", i+1)
		} else {
			out[i] = "?"
		}
	}
	return out
}

func (s *SQLStore) encodeTime(t time.Time) any {
	if s.dialect == DialectPostgres {
		return t.UTC()
	}
	return t.UnixMilli()
}

func decodeTime(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v.UTC(), nil
	case int64:
		return time.UnixMilli(v).UTC(), nil
	case []byte:
		return time.Parse(time.RFC3339Nano, string(v))
	case string:
		return time.Parse(time.RFC3339Nano, v)
	default:
		return time.Time{}, fmt.Errorf("unexpected timestamp type %T", raw)
	}
}

// WriteSample inserts one sample.
func (s *SQLStore) WriteSample(ctx context.Context, sample domain.Sample) error {
	if s.closed.Load() {
		return domain.ErrStoreClosed
	}

	data, err := json.Marshal(sample.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}
	corrected, err := json.Marshal(sample.Corrected)
	if err != nil {
		return fmt.Errorf("marshal corrected data: %w", err)
	}

	query := "INSERT INTO " + s.table + " (stack_id, stack_name, ts, data, corrected, status) VALUES (" +
		strings.Join(s.placeholders(6), ",") + ")"

	start := time.Now()
	_, err = s.db.ExecContext(ctx, query,
		sample.StackID,
		sample.StackName,
		s.encodeTime(sample.Timestamp),
		string(data),
		string(corrected),
		sample.Status,
	)
	if s.metrics != nil {
		s.metrics.RecordStorageWrite(err == nil, time.Since(start).Seconds())
	}
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

const selectColumns = "SELECT stack_id, stack_name, ts, data, corrected, status FROM "

// ReadLatest returns the most recent sample for stackID.
func (s *SQLStore) ReadLatest(ctx context.Context, stackID string) (domain.Sample, error) {
	if s.closed.Load() {
		return domain.Sample{}, domain.ErrStoreClosed
	}

	ph := s.placeholders(1)
	query := selectColumns + s.table + " WHERE stack_id = " + ph[0] + " ORDER BY ts DESC LIMIT 1"

	row := s.db.QueryRowContext(ctx, query, stackID)
	sample, err := scanSample(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Sample{}, domain.ErrSampleNotFound
	}
	if err != nil {
		return domain.Sample{}, fmt.Errorf("read latest sample: %w", err)
	}
	return sample, nil
}

// ReadRange returns samples for stackID with from <= ts <= to, oldest first.
// A limit of zero or less returns every match.
func (s *SQLStore) ReadRange(ctx context.Context, stackID string, from, to time.Time, limit int) ([]domain.Sample, error) {
	if s.closed.Load() {
		return nil, domain.ErrStoreClosed
	}

	ph := s.placeholders(4)
	query := selectColumns + s.table + " WHERE stack_id = " + ph[0] + " AND ts >= " + ph[1] + " AND ts <= " + ph[2] + " ORDER BY ts ASC"
	args := []any{stackID, s.encodeTime(from), s.encodeTime(to)}
	if limit > 0 {
		query += " LIMIT " + ph[3]
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read sample range: %w", err)
	}
	defer rows.Close()

	var out []domain.Sample
	for rows.Next() {
		sample, err := scanSample(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		out = append(out, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read sample range: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSample(row scanner) (domain.Sample, error) {
	var (
		sample    domain.Sample
		stackName sql.NullString
		tsRaw     any
		data      []byte
		corrected []byte
	)
	if err := row.Scan(&sample.StackID, &stackName, &tsRaw, &data, &corrected, &sample.Status); err != nil {
		return domain.Sample{}, err
	}

	ts, err := decodeTime(tsRaw)
	if err != nil {
		return domain.Sample{}, err
	}
	sample.Timestamp = ts
	sample.StackName = stackName.String

	if err := json.Unmarshal(data, &sample.Data); err != nil {
		return domain.Sample{}, fmt.Errorf("decode data: %w", err)
	}
	if len(corrected) > 0 {
		if err := json.Unmarshal(corrected, &sample.Corrected); err != nil {
			return domain.Sample{}, fmt.Errorf("decode corrected data: %w", err)
		}
	}
	return sample, nil
}

// HealthCheck pings the database.
func (s *SQLStore) HealthCheck(ctx context.Context) error {
	if s.closed.Load() {
		return domain.ErrStoreClosed
	}
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *SQLStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info().Str("table", s.table).Msg("Closing sample store")
	return s.db.Close()
}

var _ domain.SampleStore = (*SQLStore)(nil)
