// Package sqlstore inserts measurements into a SQL table. PostgreSQL (and
// TimescaleDB) is reached through the pgx stdlib driver; SQLite through the
// pure-Go modernc driver. Inserts are idempotent on (signal_id, ts).
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/c360/tsstream/errors"
	"github.com/c360/tsstream/measurement"
	"github.com/c360/tsstream/output"
)

// Dialect selects placeholder style, column types and the database/sql driver.
type Dialect string

// Supported dialects
const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

func (d Dialect) driver() string {
	if d == Postgres {
		return "pgx"
	}
	return "sqlite"
}

func (d Dialect) placeholder(n int) string {
	if d == Postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

const columnsPerRow = 6

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Config holds configuration for the SQL sink
type Config struct {
	Dialect Dialect `json:"dialect" yaml:"dialect"`
	DSN     string  `json:"dsn" yaml:"dsn"`
	Table   string  `json:"table" yaml:"table"`
	// CreateTable runs CREATE TABLE IF NOT EXISTS on open.
	CreateTable bool `json:"create_table" yaml:"create_table"`
	// BatchSize caps the rows per INSERT statement.
	BatchSize    int `json:"batch_size" yaml:"batch_size"`
	MaxOpenConns int `json:"max_open_conns" yaml:"max_open_conns"`
}

// DefaultConfig returns default configuration for the SQL sink
func DefaultConfig() Config {
	return Config{
		Dialect:      Postgres,
		Table:        "measurements",
		CreateTable:  true,
		BatchSize:    500,
		MaxOpenConns: 4,
	}
}

// Validate checks the configuration for errors
func (c Config) Validate() error {
	if c.Dialect != Postgres && c.Dialect != SQLite {
		return errors.WrapInvalid(fmt.Errorf("%w: dialect %q", errors.ErrInvalidConfig, c.Dialect),
			"sqlstore.Config", "Validate", "dialect must be postgres or sqlite")
	}
	if c.DSN == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "sqlstore.Config", "Validate", "dsn is required")
	}
	if !tableName.MatchString(c.Table) {
		return errors.WrapInvalid(fmt.Errorf("%w: table %q", errors.ErrInvalidConfig, c.Table),
			"sqlstore.Config", "Validate", "table must be a plain identifier")
	}
	if c.BatchSize < 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: batch_size %d", errors.ErrInvalidConfig, c.BatchSize),
			"sqlstore.Config", "Validate", "batch_size cannot be negative")
	}
	return nil
}

// Sink writes measurement rows.
type Sink struct {
	db      *sql.DB
	dialect Dialect
	table   string
	batch   int
	ownsDB  bool
	logger  *slog.Logger

	inserted atomic.Int64
}

var _ output.Sink = (*Sink)(nil)

// Open connects with cfg, verifies the connection and creates the table when
// asked to.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open(cfg.Dialect.driver(), cfg.DSN)
	if err != nil {
		return nil, errors.WrapInvalid(err, "sqlstore.Sink", "Open", "open database")
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WrapTransient(err, "sqlstore.Sink", "Open", "ping database")
	}

	s := newSink(db, cfg, logger)
	s.ownsDB = true
	if cfg.CreateTable {
		if err := s.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	s.logger.Info("SQL sink opened")
	return s, nil
}

// New wraps an open database. The caller keeps ownership of db.
func New(db *sql.DB, cfg Config, logger *slog.Logger) (*Sink, error) {
	if cfg.DSN == "" {
		cfg.DSN = "external"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newSink(db, cfg, logger), nil
}

func newSink(db *sql.DB, cfg Config, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	batch := cfg.BatchSize
	if batch == 0 {
		batch = DefaultConfig().BatchSize
	}
	return &Sink{
		db:      db,
		dialect: cfg.Dialect,
		table:   cfg.Table,
		batch:   batch,
		logger:  logger.With("component", "sql-sink", "dialect", string(cfg.Dialect), "table", cfg.Table),
	}
}

// Name returns "sql".
func (s *Sink) Name() string { return "sql" }

// SchemaSQL returns the CREATE TABLE statement for the sink's table.
func (s *Sink) SchemaSQL() string {
	tsType, valueType := "TIMESTAMPTZ", "DOUBLE PRECISION"
	if s.dialect == SQLite {
		tsType, valueType = "TIMESTAMP", "REAL"
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s ("+
		"signal_id TEXT NOT NULL, "+
		"source TEXT NOT NULL, "+
		"point_id BIGINT NOT NULL, "+
		"ts %s NOT NULL, "+
		"value %s NOT NULL, "+
		"flags BIGINT NOT NULL, "+
		"PRIMARY KEY (signal_id, ts))", s.table, tsType, valueType)
}

// EnsureSchema creates the table if it does not exist.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.SchemaSQL()); err != nil {
		return errors.WrapTransient(err, "sqlstore.Sink", "EnsureSchema", "create table "+s.table)
	}
	return nil
}

// insertSQL builds a multi-row INSERT for rows rows.
func (s *Sink) insertSQL(rows int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(s.table)
	b.WriteString(" (signal_id, source, point_id, ts, value, flags) VALUES ")

	n := 0
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(")
		for c := 0; c < columnsPerRow; c++ {
			if c > 0 {
				b.WriteString(",")
			}
			n++
			b.WriteString(s.dialect.placeholder(n))
		}
		b.WriteString(")")
	}
	b.WriteString(" ON CONFLICT (signal_id, ts) DO NOTHING")
	return b.String()
}

func rowArgs(args []any, m measurement.Measurement) []any {
	return append(args,
		m.SignalID.String(),
		m.Source,
		int64(m.ID),
		m.Time(),
		float64(m.Value),
		int64(m.Flags),
	)
}

// Write inserts batch. Batches larger than the configured batch size are
// split into several statements inside one transaction.
func (s *Sink) Write(ctx context.Context, batch []measurement.Measurement) error {
	if len(batch) == 0 {
		return nil
	}

	if len(batch) <= s.batch {
		n, err := s.exec(ctx, s.db, batch)
		if err != nil {
			return errors.WrapTransient(err, "sqlstore.Sink", "Write", "insert rows")
		}
		s.inserted.Add(n)
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapTransient(err, "sqlstore.Sink", "Write", "begin transaction")
	}

	var total int64
	for start := 0; start < len(batch); start += s.batch {
		end := min(start+s.batch, len(batch))
		n, err := s.exec(ctx, tx, batch[start:end])
		if err != nil {
			_ = tx.Rollback()
			return errors.WrapTransient(err, "sqlstore.Sink", "Write", fmt.Sprintf("insert rows %d-%d", start, end-1))
		}
		total += n
	}
	if err := tx.Commit(); err != nil {
		return errors.WrapTransient(err, "sqlstore.Sink", "Write", "commit")
	}
	s.inserted.Add(total)
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Sink) exec(ctx context.Context, db execer, rows []measurement.Measurement) (int64, error) {
	args := make([]any, 0, len(rows)*columnsPerRow)
	for _, m := range rows {
		args = rowArgs(args, m)
	}

	start := time.Now()
	res, err := db.ExecContext(ctx, s.insertSQL(len(rows)), args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		// Driver does not report affected rows.
		n = int64(len(rows))
	}
	s.logger.Debug("Inserted measurements", "rows", len(rows), "inserted", n, "duration", time.Since(start))
	return n, nil
}

// Inserted returns the number of rows inserted (duplicates excluded when the
// driver reports affected rows).
func (s *Sink) Inserted() int64 { return s.inserted.Load() }

// Close closes the database when the sink opened it.
func (s *Sink) Close() error {
	if !s.ownsDB {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, "sqlstore.Sink", "Close", "close database")
	}
	s.logger.Info("SQL sink closed", "inserted", s.inserted.Load())
	return nil
}
