package gormengine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"
)

const (
	pgUniqueViolation   = "23505"
	pgLockNotAvailable  = "55P03"
	uniqueEventIDSuffix = "_event_id_uq"
)

// dialect holds what differs between the supported databases.
type dialect interface {
	name() string

	// lockStream serializes commits to one stream inside tx.
	lockStream(tx *gorm.DB, streamName string) error

	// lockAppends serializes inserts into table, so sequence numbers become visible in ascending order.
	lockAppends(tx *gorm.DB, table string) error

	// prefixCondition matches column values starting with prefix, case-sensitively.
	prefixCondition(column, prefix string) (string, any)

	// classifyWriteError tells unique violations apart. duplicateID is true if the event ID index was hit.
	classifyWriteError(err error) (uniqueViolation bool, duplicateID bool)

	// isLockTimeout reports whether err means a lock could not be acquired in time.
	isLockTimeout(err error) bool

	// usesLeases selects lease based reservations instead of row locks.
	usesLeases() bool

	setLockTimeout(tx *gorm.DB, timeout time.Duration) error
}

type postgresDialect struct{}

func (postgresDialect) name() string {
	return "postgres"
}

func (postgresDialect) lockStream(tx *gorm.DB, streamName string) error {
	return tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", streamName).Error
}

// lockAppends uses the two-key form, which never collides with the stream locks.
func (postgresDialect) lockAppends(tx *gorm.DB, table string) error {
	return tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?), 1)", table).Error
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (postgresDialect) prefixCondition(column, prefix string) (string, any) {
	return column + ` LIKE ? ESCAPE '\'`, likeEscaper.Replace(prefix) + "%"
}

func (postgresDialect) classifyWriteError(err error) (bool, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return true, strings.HasSuffix(pgErr.ConstraintName, uniqueEventIDSuffix)
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true, false
	}

	return false, false
}

func (postgresDialect) isLockTimeout(err error) bool {
	var pgErr *pgconn.PgError

	return errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable
}

func (postgresDialect) usesLeases() bool {
	return false
}

func (postgresDialect) setLockTimeout(tx *gorm.DB, timeout time.Duration) error {
	return tx.Exec(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", timeout.Milliseconds())).Error
}

type sqliteDialect struct{}

func (sqliteDialect) name() string {
	return "sqlite"
}

// lockStream is a no-op: transactions begin immediately and hold the database write lock.
func (sqliteDialect) lockStream(_ *gorm.DB, _ string) error {
	return nil
}

// lockAppends is a no-op for the same reason as lockStream.
func (sqliteDialect) lockAppends(_ *gorm.DB, _ string) error {
	return nil
}

var globEscaper = strings.NewReplacer(`[`, `[[]`, `*`, `[*]`, `?`, `[?]`)

// prefixCondition uses GLOB because LIKE is case-insensitive in SQLite.
func (sqliteDialect) prefixCondition(column, prefix string) (string, any) {
	return column + " GLOB ?", globEscaper.Replace(prefix) + "*"
}

func (sqliteDialect) classifyWriteError(err error) (bool, bool) {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return true, strings.Contains(sqliteErr.Error(), "."+colEventID)
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true, false
	}

	return false, false
}

func (sqliteDialect) isLockTimeout(err error) bool {
	var sqliteErr sqlite3.Error

	return errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked)
}

func (sqliteDialect) usesLeases() bool {
	return true
}

// setLockTimeout is a no-op, the busy timeout is part of the DSN.
func (sqliteDialect) setLockTimeout(_ *gorm.DB, _ time.Duration) error {
	return nil
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
