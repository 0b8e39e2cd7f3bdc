package gormengine

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/neos/Neos.EventSourcing-sub000/eventstore"
)

const (
	defaultTableName        = "events"
	defaultLedgerTableName  = "applied_events"
	defaultBatchSize        = 100
	defaultLockTimeout      = time.Second
	defaultReservationLease = 30 * time.Second
)

// ErrNoDatabaseConfigured is returned by Open if neither SQLitePath nor PostgresDSN is set.
var ErrNoDatabaseConfigured = fmt.Errorf("%w: either a postgres dsn or a sqlite path must be provided", eventstore.ErrInvalidConfiguration)

// Config selects the database and tunes the engine. Zero values fall back to defaults.
type Config struct {
	// PostgresDSN takes precedence over SQLitePath if both are set.
	PostgresDSN string
	SQLitePath  string

	TableName       string
	LedgerTableName string
	BatchSize       int

	// LockTimeout bounds how long committing and reserving wait for locks.
	LockTimeout time.Duration

	// ReservationLease is how long a SQLite reservation stays valid without a save. Unused on PostgreSQL.
	ReservationLease time.Duration

	Logger eventstore.Logger
}

func (c Config) withDefaults() (Config, error) {
	if c.PostgresDSN == "" && c.SQLitePath == "" {
		return c, ErrNoDatabaseConfigured
	}

	if c.TableName == "" {
		c.TableName = defaultTableName
	}

	if c.LedgerTableName == "" {
		c.LedgerTableName = defaultLedgerTableName
	}

	switch {
	case c.BatchSize == 0:
		c.BatchSize = defaultBatchSize
	case c.BatchSize < 0:
		return c, eventstore.ErrInvalidBatchSize
	}

	switch {
	case c.LockTimeout == 0:
		c.LockTimeout = defaultLockTimeout
	case c.LockTimeout < time.Millisecond:
		return c, eventstore.ErrInvalidLockTimeout
	}

	switch {
	case c.ReservationLease == 0:
		c.ReservationLease = defaultReservationLease
	case c.ReservationLease < 0:
		return c, eventstore.ErrInvalidLockTimeout
	}

	return c, nil
}

// Engine owns the gorm connection shared by its EventStorage and AppliedEventsStorage.
type Engine struct {
	db      *gorm.DB
	cfg     Config
	dialect dialect
}

// Open connects to the configured database. It does not create tables, call Setup for that.
func Open(cfg Config) (*Engine, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	var (
		dial gorm.Dialector
		dl   dialect
	)

	if cfg.PostgresDSN != "" {
		dial = postgres.Open(cfg.PostgresDSN)
		dl = postgresDialect{}
	} else {
		dial = sqlite.Open(sqliteDSN(cfg.SQLitePath, cfg.LockTimeout))
		dl = sqliteDialect{}
	}

	db, err := gorm.Open(dial, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, errors.Join(eventstore.ErrInvalidConfiguration, err)
	}

	if _, ok := dl.(sqliteDialect); ok {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}

		// one writer at a time, readers share the connection pool
		sqlDB.SetMaxOpenConns(4)
	}

	return &Engine{db: db, cfg: cfg, dialect: dl}, nil
}

// sqliteDSN makes every transaction take the write lock on BEGIN and wait for it up to timeout.
func sqliteDSN(path string, timeout time.Duration) string {
	query := url.Values{}
	query.Set("_txlock", "immediate")
	query.Set("_busy_timeout", fmt.Sprintf("%d", timeout.Milliseconds()))
	query.Set("_journal_mode", "WAL")

	return "file:" + path + "?" + query.Encode()
}

// EventStorage returns the engine's eventstore.EventStorage.
func (e *Engine) EventStorage() *EventStorage {
	return &EventStorage{engine: e}
}

// AppliedEventsStorage returns the engine's eventstore.AppliedEventsStorage.
func (e *Engine) AppliedEventsStorage() *AppliedEventsStorage {
	return &AppliedEventsStorage{engine: e}
}

// Close closes the underlying sql connection.
func (e *Engine) Close() error {
	sqlDB, err := e.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

func (e *Engine) logInfo(msg string, args ...any) {
	if e.cfg.Logger != nil {
		e.cfg.Logger.Info(msg, args...)
	}
}

func (e *Engine) logWarn(msg string, args ...any) {
	if e.cfg.Logger != nil {
		e.cfg.Logger.Warn(msg, args...)
	}
}
