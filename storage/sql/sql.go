// Package sqlstore implements windowquota.Store on database/sql for SQLite and
// MySQL. Every increment is a read-modify-write transaction: MySQL locks the
// row with SELECT ... FOR UPDATE, SQLite serializes writers on a single
// connection.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"

	"github.com/mihaimyh/windowquota/pkg/windowquota"
)

// Dialect selects the SQL flavour and the database/sql driver.
type Dialect string

const (
	DialectSQLite Dialect = "sqlite3"
	DialectMySQL  Dialect = "mysql"
)

// mysqlMaxKeyLength is the width of the VARCHAR primary key.
const mysqlMaxKeyLength = 255

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// Config holds database/sql store configuration
type Config struct {
	Dialect Dialect

	// DSN is the driver data source name (Open only)
	DSN string

	// TableName holds the counters. Only letters, digits and underscores.
	TableName string

	// NoCreate skips CREATE TABLE IF NOT EXISTS; the table must exist.
	NoCreate bool

	// MaxConns caps open connections for MySQL. SQLite always uses one.
	MaxConns int

	// MaxRetries bounds how often a transaction is retried after a
	// deadlock or a busy database.
	MaxRetries int

	Logger windowquota.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Dialect:    DialectSQLite,
		TableName:  "quotas",
		MaxConns:   10,
		MaxRetries: 10,
	}
}

func (c *Config) normalize() error {
	if c.Dialect != DialectSQLite && c.Dialect != DialectMySQL {
		return fmt.Errorf("%w: unsupported dialect %q (supported: sqlite3, mysql)",
			windowquota.ErrInvalidConfig, c.Dialect)
	}
	if c.TableName == "" {
		c.TableName = "quotas"
	}
	if !tableNamePattern.MatchString(c.TableName) {
		return fmt.Errorf("%w: table name %q must match %s",
			windowquota.ErrInvalidConfig, c.TableName, tableNamePattern)
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Logger == nil {
		c.Logger = &windowquota.NoopLogger{}
	}
	return nil
}

// Store implements windowquota.Store on a *sql.DB.
type Store struct {
	db     *sql.DB
	config Config
	logger windowquota.Logger
	ownsDB bool

	schemaMu    sync.Mutex
	schemaReady bool

	schemaSQL  []string
	selectSQL  string
	upsertSQL  string
	cleanupSQL string
}

// Open opens a database for config.Dialect and config.DSN.
// The returned store owns the connection pool; Close releases it.
func Open(ctx context.Context, config Config) (*Store, error) {
	if err := config.normalize(); err != nil {
		return nil, err
	}
	if config.DSN == "" {
		return nil, fmt.Errorf("%w: DSN is required", windowquota.ErrInvalidConfig)
	}

	var db *sql.DB
	switch config.Dialect {
	case DialectMySQL:
		mysqlConfig, err := mysql.ParseDSN(config.DSN)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", windowquota.ErrInvalidConfig, err)
		}
		connector, err := mysql.NewConnector(mysqlConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db = sql.OpenDB(connector)
		if config.MaxConns > 0 {
			db.SetMaxOpenConns(config.MaxConns)
			db.SetMaxIdleConns(config.MaxConns)
		}
		db.SetConnMaxLifetime(time.Hour)
	default:
		var err error
		db, err = sql.Open(string(DialectSQLite), config.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		// SQLite supports one writer at a time; a single connection also keeps
		// an in-memory database alive for the lifetime of the store.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if config.Dialect == DialectSQLite {
		if _, err := db.ExecContext(pingCtx, "PRAGMA journal_mode=WAL"); err != nil {
			config.Logger.Warn("failed to enable WAL mode", windowquota.Err(err))
		}
		if _, err := db.ExecContext(pingCtx, "PRAGMA busy_timeout=10000"); err != nil {
			config.Logger.Warn("failed to set busy timeout", windowquota.Err(err))
		}
	}

	s := newStore(db, config)
	s.ownsDB = true
	return s, nil
}

// New wraps an existing database. The caller keeps ownership of db.
func New(db *sql.DB, config Config) (*Store, error) {
	if err := config.normalize(); err != nil {
		return nil, err
	}
	if db == nil {
		return nil, fmt.Errorf("%w: db is required", windowquota.ErrInvalidConfig)
	}
	return newStore(db, config), nil
}

func newStore(db *sql.DB, config Config) *Store {
	table := config.TableName
	s := &Store{db: db, config: config, logger: config.Logger}

	switch config.Dialect {
	case DialectMySQL:
		s.schemaSQL = []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %[1]s ("+
			"`key` VARCHAR(%[2]d) NOT NULL PRIMARY KEY, "+
			"`count` INT NOT NULL, "+
			"expires_at BIGINT NOT NULL, "+
			"INDEX %[1]s_expires_at_idx (expires_at))", table, mysqlMaxKeyLength)}
		s.selectSQL = fmt.Sprintf("SELECT `count`, expires_at FROM %s WHERE `key` = ? FOR UPDATE", table)
		s.upsertSQL = fmt.Sprintf("INSERT INTO %s (`key`, `count`, expires_at) VALUES (?, ?, ?) "+
			"ON DUPLICATE KEY UPDATE `count` = VALUES(`count`), expires_at = VALUES(expires_at)", table)
	default:
		s.schemaSQL = []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				"key" TEXT PRIMARY KEY,
				"count" INTEGER NOT NULL,
				expires_at INTEGER NOT NULL
			)`, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_expires_at_idx ON %[1]s (expires_at)`, table),
		}
		s.selectSQL = fmt.Sprintf(`SELECT "count", expires_at FROM %s WHERE "key" = ?`, table)
		s.upsertSQL = fmt.Sprintf(`INSERT INTO %s ("key", "count", expires_at) VALUES (?, ?, ?)
			ON CONFLICT("key") DO UPDATE SET "count" = excluded."count", expires_at = excluded.expires_at`, table)
	}
	s.cleanupSQL = fmt.Sprintf("DELETE FROM %s WHERE expires_at <= ?", table)
	return s
}

// Close closes the database if the store opened it
func (s *Store) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureSchema creates the counters table unless Config.NoCreate is set.
// It runs at most once per store; a failed attempt is retried on the next call.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s.config.NoCreate {
		return nil
	}

	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.schemaReady {
		return nil
	}

	for _, stmt := range s.schemaSQL {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table %s: %w", s.config.TableName, err)
		}
	}
	s.schemaReady = true
	return nil
}

// Increment implements windowquota.Store
func (s *Store) Increment(ctx context.Context, req *windowquota.IncrementRequest) (int, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}
	if s.config.Dialect == DialectMySQL && len(req.Key) > mysqlMaxKeyLength {
		return 0, fmt.Errorf("%w: key longer than %d bytes", windowquota.ErrInvalidKey, mysqlMaxKeyLength)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return 0, err
	}

	for attempt := 0; ; attempt++ {
		usage, err := s.increment(ctx, req)
		if err == nil || !isRetryable(err) || attempt >= s.config.MaxRetries {
			return usage, err
		}

		s.logger.Debug("retrying quota transaction",
			windowquota.String("key", req.Key),
			windowquota.Int("attempt", attempt+1),
			windowquota.Err(err),
		)

		backoff := time.Duration(1+rand.Intn(5*(attempt+1))) * time.Millisecond
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func (s *Store) increment(ctx context.Context, req *windowquota.IncrementRequest) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback()
	}()

	var rec *windowquota.WindowRecord
	var count int
	var expiresAt int64
	err = tx.QueryRowContext(ctx, s.selectSQL, req.Key).Scan(&count, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, fmt.Errorf("failed to read quota: %w", err)
	default:
		rec = &windowquota.WindowRecord{
			Key:       req.Key,
			Count:     count,
			ExpiresAt: time.UnixMilli(expiresAt),
		}
	}

	out := windowquota.Resolve(rec, req, time.Now())
	if !out.Write {
		// Nothing to persist; the rollback releases any lock.
		return out.Usage, nil
	}

	if _, err := tx.ExecContext(ctx, s.upsertSQL,
		req.Key, out.Record.Count, out.Record.ExpiresAt.UnixMilli(),
	); err != nil {
		return 0, fmt.Errorf("failed to write quota: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return out.Usage, nil
}

// isRetryable reports whether the transaction lost a race and can run again.
func isRetryable(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		// 1213: deadlock, 1205: lock wait timeout
		return mysqlErr.Number == 1213 || mysqlErr.Number == 1205
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// Cleanup deletes expired windows and returns how many rows were removed.
func (s *Store) Cleanup(ctx context.Context) (int64, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, s.cleanupSQL, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired windows: %w", err)
	}
	return res.RowsAffected()
}
