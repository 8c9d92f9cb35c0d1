package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"llm_proxy/internal/config"
)

// DB wraps the database connection and provides health checks
type DB struct {
	conn *sqlx.DB

	// Hot-path lookup cache for synthetic key resolution
	credentialCache *LRUCache
}

// NewDB connects to Postgres and configures the pool from cfg.
func NewDB(cfg config.DatabaseConfig) (*DB, error) {
	conn, err := sqlx.Connect("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	db := &DB{
		conn:            conn,
		credentialCache: NewLRUCache(cfg.CredentialCacheSize, cfg.CredentialCacheTTL),
	}

	return db, nil
}

// Migrate applies pending schema migrations from the configured path.
func Migrate(cfg config.DatabaseConfig) error {
	m, err := migrate.New("file://"+cfg.MigrationsPath, cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to init migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Close closes the database connection and clears caches
func (db *DB) Close() error {
	db.credentialCache.Clear()
	return db.conn.Close()
}

// Ping checks if the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Health returns the health status of the database
func (db *DB) Health(ctx context.Context) error {
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	err := db.conn.GetContext(ctx, &result, "SELECT 1")
	if err != nil {
		return fmt.Errorf("health check query failed: %w", err)
	}

	return nil
}

// DBStats aggregates pool and cache statistics for diagnostics.
type DBStats struct {
	MaxOpenConnections int
	OpenConnections    int
	InUse              int
	Idle               int
	WaitCount          int64
	WaitDuration       time.Duration
	MaxIdleClosed      int64
	MaxLifetimeClosed  int64

	CredentialCacheStats CacheStats
}

// GetStats returns current database and cache statistics
func (db *DB) GetStats() DBStats {
	stats := db.conn.Stats()

	return DBStats{
		MaxOpenConnections: stats.MaxOpenConnections,
		OpenConnections:    stats.OpenConnections,
		InUse:              stats.InUse,
		Idle:               stats.Idle,
		WaitCount:          stats.WaitCount,
		WaitDuration:       stats.WaitDuration,
		MaxIdleClosed:      stats.MaxIdleClosed,
		MaxLifetimeClosed:  stats.MaxLifetimeClosed,

		CredentialCacheStats: db.credentialCache.GetStats(),
	}
}

// BeginTx starts a new transaction
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	return db.conn.BeginTxx(ctx, opts)
}

// Conn returns the underlying sqlx connection
// Use this for custom queries not covered by repositories
func (db *DB) Conn() *sqlx.DB {
	return db.conn
}

// CleanupExpiredCacheEntries removes expired entries from the credential
// cache. Should be called periodically.
func (db *DB) CleanupExpiredCacheEntries() int {
	return db.credentialCache.CleanupExpired()
}

// Repository factory methods

func (db *DB) NewCredentialRepository(enc *Encryption) *CredentialRepository {
	return NewCredentialRepository(db, enc)
}

func (db *DB) NewUserRepository() *UserRepository {
	return NewUserRepository(db)
}

func (db *DB) NewSessionRepository() *SessionRepository {
	return NewSessionRepository(db)
}

func (db *DB) NewRequestRepository() *RequestRepository {
	return NewRequestRepository(db)
}

func (db *DB) NewUsageRepository() *UsageRepository {
	return NewUsageRepository(db)
}

func (db *DB) NewPersonaRepository() *PersonaRepository {
	return NewPersonaRepository(db)
}

func (db *DB) NewAnalysisConfigRepository() *AnalysisConfigRepository {
	return NewAnalysisConfigRepository(db)
}

func (db *DB) NewAnalysisResultRepository() *AnalysisResultRepository {
	return NewAnalysisResultRepository(db)
}
