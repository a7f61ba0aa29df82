/*
Package sqlstore provides a SQL-backed implementation of ledger.TxStore.

PURPOSE:
  Persists items, batches, tasks, reservations, ingredient links and
  consumption events in SQLite or PostgreSQL. Both dialects share one
  set of queries; placeholders are written as ? and rebound to $n for
  PostgreSQL.

KEY TABLES:
  batches:            On-hand stock per lot (versioned)
  tasks, task_lines:  Task header and its fixed requirement lines
  task_usage:         Actual usage recorded before confirmation
  reservations:       One row per (task, batch), versioned
  ingredient_links:   One row per (task, line, reservation), versioned
  consumption_events: Append-only, unique idempotency_key

VERSIONED WRITES:
  Updates are issued as UPDATE ... WHERE id = ? AND version = ?. Zero
  affected rows means another writer won and the call returns
  ledger.ErrConcurrentModification, which the service retries.

CONCURRENCY:
  SQLite is opened with a single connection and BEGIN IMMEDIATE, so
  writers are serialized by the pool. PostgreSQL transactions run at
  SERIALIZABLE; serialization failures and deadlocks are reported as
  ledger.ErrConcurrentModification.

  Inside WithTx only the Store handed to fn may be used. Touching the
  outer Store from fn blocks forever on SQLite.

WAL MODE:
  SQLite files are opened with WAL so readers do not block the writer.

MIGRATION:
  Schema is versioned with goose; the SQL files are embedded under
  migrations/<dialect>/ and applied on Open.

USAGE:
  st, err := sqlstore.Open(ctx, "sqlite3", "./data/ledger.db", log)
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()

  svc := ledger.NewService(st, ledger.DefaultConfig())

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"

	"github.com/warp/lot-ledger/ledger"
)

// Dialect names the SQL flavour and doubles as the database/sql driver name.
type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "postgres"
)

func (d Dialect) driver() string {
	if d == Postgres {
		return "pgx"
	}
	return string(d)
}

//go:embed migrations/*/*.sql
var migrations embed.FS

// goose keeps its dialect and filesystem in package globals.
var migrateMu sync.Mutex

// Store implements ledger.TxStore on database/sql.
type Store struct {
	conn
	db  *sql.DB
	log logrus.FieldLogger
}

// Open connects and migrates. driver is "sqlite3" or "postgres"; for
// SQLite dsn is a file path or ":memory:".
func Open(ctx context.Context, driver, dsn string, log logrus.FieldLogger) (*Store, error) {
	switch Dialect(driver) {
	case SQLite:
		return OpenSQLite(ctx, dsn, log)
	case Postgres, "pgx":
		return OpenPostgres(ctx, dsn, log)
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}
}

// OpenSQLite opens (creating if needed) a SQLite database.
func OpenSQLite(ctx context.Context, path string, log logrus.FieldLogger) (*Store, error) {
	dsn := path + "?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"
	db, err := sql.Open(SQLite.driver(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: keeps :memory: databases alive and serializes writers.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	return open(ctx, db, SQLite, log)
}

// OpenPostgres connects through the pgx stdlib driver.
func OpenPostgres(ctx context.Context, dsn string, log logrus.FieldLogger) (*Store, error) {
	db, err := sql.Open(Postgres.driver(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return open(ctx, db, Postgres, log)
}

func open(ctx context.Context, db *sql.DB, d Dialect, log logrus.FieldLogger) (*Store, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if err := migrate(db, d, log); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return &Store{conn: conn{q: db, d: d}, db: db, log: log}, nil
}

func migrate(db *sql.DB, d Dialect, log logrus.FieldLogger) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	dir := "migrations/sqlite"
	if d == Postgres {
		dir = "migrations/postgres"
	}
	goose.SetBaseFS(migrations)
	goose.SetLogger(log.WithField("module", "sqlstore"))
	if err := goose.SetDialect(string(d)); err != nil {
		return err
	}
	return goose.Up(db, dir)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the pool for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect reports which database the store talks to.
func (s *Store) Dialect() Dialect { return s.d }

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	opts := &sql.TxOptions{}
	if s.d == Postgres {
		opts.Isolation = sql.LevelSerializable
	}
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return classify("begin", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(&conn{q: tx, d: s.d}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify("commit", err)
	}
	return nil
}

// =============================================================================
// CONNECTION - Shared by the pool and transaction views
// =============================================================================

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type conn struct {
	q queryer
	d Dialect
}

// rebind rewrites ? placeholders as $1, $2, ... for PostgreSQL.
func (c *conn) rebind(query string) string {
	if c.d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (c *conn) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	res, err := c.q.ExecContext(ctx, c.rebind(query), args...)
	if err != nil {
		return nil, classify(op, err)
	}
	return res, nil
}

// execVersioned runs an optimistic update and reports a lost race when no
// row matched.
func (c *conn) execVersioned(ctx context.Context, op, query string, args ...any) error {
	res, err := c.exec(ctx, op, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ledger.ErrConcurrentModification, op)
	}
	return nil
}

func (c *conn) query(ctx context.Context, op, query string, args ...any) (*sql.Rows, error) {
	rows, err := c.q.QueryContext(ctx, c.rebind(query), args...)
	if err != nil {
		return nil, classify(op, err)
	}
	return rows, nil
}

func (c *conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.rebind(query), args...)
}

// =============================================================================
// ERRORS
// =============================================================================

// classify maps driver errors onto ledger sentinels.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if isConflict(err) {
		return fmt.Errorf("%w: %s: %v", ledger.ErrConcurrentModification, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// serialization_failure, deadlock_detected
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}
	return false
}

func isUniqueConstraintError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// =============================================================================
// ENCODING
// =============================================================================

// Times are stored as fixed-width UTC text so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func qty(q ledger.Quantity) string { return q.StringFixed() }

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ ledger.TxStore = (*Store)(nil)
