// Package postgres provides a PostgreSQL implementation of windowquota.Store.
// Each increment is a single upsert inside a transaction; the row lock taken
// by ON CONFLICT makes concurrent increments of the same key serialize.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/windowquota/pkg/windowquota"
)

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// Store implements windowquota.Store using PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	config Config
	logger windowquota.Logger

	// ownsPool is set when the store created the pool and must close it
	ownsPool bool

	schemaMu    sync.Mutex
	schemaReady bool

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
	cleanupDone chan struct{}

	upsertSQL  string
	readSQL    string
	cleanupSQL string
}

// Config holds PostgreSQL store configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string (New only)
	ConnectionString string

	// TableName holds the counters. Only letters, digits and underscores.
	TableName string

	// NoCreate skips CREATE TABLE IF NOT EXISTS; the table must exist.
	NoCreate bool

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often expired rows are deleted

	Logger windowquota.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		TableName:       "quotas",
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
	}
}

func (c *Config) normalize() error {
	if c.TableName == "" {
		c.TableName = "quotas"
	}
	if !tableNamePattern.MatchString(c.TableName) {
		return fmt.Errorf("%w: table name %q must match %s",
			windowquota.ErrInvalidConfig, c.TableName, tableNamePattern)
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.Logger == nil {
		c.Logger = &windowquota.NoopLogger{}
	}
	return nil
}

// New connects to PostgreSQL using config.ConnectionString.
// The returned store owns the pool; Close releases it.
func New(ctx context.Context, config Config) (*Store, error) {
	if err := config.normalize(); err != nil {
		return nil, err
	}
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("%w: connection string is required", windowquota.ErrInvalidConfig)
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := newStore(pool, config)
	s.ownsPool = true
	return s, nil
}

// NewWithPool wraps an existing pool. The caller keeps ownership of pool.
func NewWithPool(pool *pgxpool.Pool, config Config) (*Store, error) {
	if err := config.normalize(); err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, fmt.Errorf("%w: pool is required", windowquota.ErrInvalidConfig)
	}
	return newStore(pool, config), nil
}

func newStore(pool *pgxpool.Pool, config Config) *Store {
	table := config.TableName
	s := &Store{
		pool:   pool,
		config: config,
		logger: config.Logger,
		upsertSQL: fmt.Sprintf(`
			INSERT INTO %[1]s AS q (key, count, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET
				count = CASE WHEN q.expires_at <= $4 THEN EXCLUDED.count ELSE q.count + EXCLUDED.count END,
				expires_at = CASE WHEN q.expires_at <= $4 THEN EXCLUDED.expires_at ELSE q.expires_at END
			WHERE $5::bigint IS NULL
				OR (CASE WHEN q.expires_at <= $4 THEN 0 ELSE q.count END) < $5::bigint
			RETURNING count`, table),
		readSQL: fmt.Sprintf(
			`SELECT CASE WHEN expires_at > $2 THEN count ELSE 0 END FROM %s WHERE key = $1`, table),
		cleanupSQL: fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= $1`, table),
	}

	if config.CleanupEnabled {
		cleanupCtx, cancel := context.WithCancel(context.Background())
		s.stopCleanup = cancel
		s.cleanupDone = make(chan struct{})
		go s.startCleanup(cleanupCtx)
	}
	return s
}

// Close stops background cleanup and closes the pool if the store owns it
func (s *Store) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
		<-s.cleanupDone
	}
	if s.ownsPool && s.pool != nil {
		s.pool.Close()
	}
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

	table := s.config.TableName
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			count INTEGER NOT NULL,
			expires_at BIGINT NOT NULL
		)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_expires_at_idx ON %[1]s (expires_at)`, table),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table %s: %w", table, err)
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
	if err := s.EnsureSchema(ctx); err != nil {
		return 0, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	now := time.Now()
	nowMs := now.UnixMilli()

	var usage int
	if req.Delta == 0 || (req.Limit != nil && *req.Limit == 0) {
		usage, err = s.readUsage(ctx, tx, req.Key, nowMs)
		if err != nil {
			return 0, err
		}
		usage += req.Delta
	} else {
		var limit *int64
		if req.Limit != nil {
			l := int64(*req.Limit)
			limit = &l
		}

		err = tx.QueryRow(ctx, s.upsertSQL,
			req.Key, req.Delta, now.Add(req.Window).UnixMilli(), nowMs, limit,
		).Scan(&usage)

		switch {
		case errors.Is(err, pgx.ErrNoRows):
			// The limit rejected the update; the row is locked by now.
			current, readErr := s.readUsage(ctx, tx, req.Key, nowMs)
			if readErr != nil {
				return 0, readErr
			}
			usage = current + req.Delta
		case err != nil:
			return 0, fmt.Errorf("failed to increment quota: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return usage, nil
}

func (s *Store) readUsage(ctx context.Context, tx pgx.Tx, key string, nowMs int64) (int, error) {
	var usage int
	err := tx.QueryRow(ctx, s.readSQL, key, nowMs).Scan(&usage)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read quota: %w", err)
	}
	return usage, nil
}

// startCleanup runs periodic cleanup of expired windows
func (s *Store) startCleanup(ctx context.Context) {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.Cleanup(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("quota cleanup failed",
						windowquota.String("table", s.config.TableName),
						windowquota.Err(err),
					)
				}
				continue
			}
			if deleted > 0 {
				s.logger.Debug("removed expired quota windows",
					windowquota.String("table", s.config.TableName),
					windowquota.Int("count", int(deleted)),
				)
			}
		}
	}
}

// Cleanup deletes expired windows and returns how many rows were removed.
// Expired rows are already ignored by Increment, so this only reclaims space.
func (s *Store) Cleanup(ctx context.Context) (int64, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, s.cleanupSQL, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired windows: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping checks the PostgreSQL connection
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
