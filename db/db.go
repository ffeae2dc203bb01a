package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/tusker/domain"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the database struct.
type DB struct {
	db *sql.DB
}

const (
	txTimeout      = 5 * time.Second
	maxBusyRetries = 5
)

// Open opens (and migrates) the sqlite database at path. ":memory:" is
// accepted for tests and pinned to a single connection so every caller
// sees the same database.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	if path == ":memory:" {
		sqlDB.SetMaxOpenConns(1)
	} else {
		// Configure connection pool for concurrent access
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(time.Hour)
		configurePragmas(sqlDB)
	}

	database := &DB{db: sqlDB}
	if err := database.RunMigrations(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return database, nil
}

func configurePragmas(db *sql.DB) {
	// Try to enable WAL2 mode, fall back to WAL if not supported
	var journalMode string
	err := db.QueryRow("PRAGMA journal_mode=WAL2").Scan(&journalMode)
	if err != nil || journalMode == "delete" {
		err = db.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode)
		if err != nil {
			log.Printf("Warning: Failed to enable WAL mode: %v", err)
		} else {
			log.Printf("Database journal mode: %s (WAL2 not supported, using WAL)", journalMode)
		}
	} else {
		log.Printf("Database journal mode: %s", journalMode)
	}

	db.Exec("PRAGMA synchronous = NORMAL")      // Reduces fsync calls
	db.Exec("PRAGMA cache_size = -64000")       // 64MB cache per connection
	db.Exec("PRAGMA temp_store = MEMORY")       // Store temp tables in RAM
	db.Exec("PRAGMA busy_timeout = 5000")       // Wait up to 5s for locks
	db.Exec("PRAGMA auto_vacuum = INCREMENTAL") // Better performance than FULL
}

// Close closes the underlying pool
func (db *DB) Close() error {
	return db.db.Close()
}

// Ping checks the pool is usable
func (db *DB) Ping(ctx context.Context) error {
	return db.db.PingContext(ctx)
}

// wrapTransaction runs the given function within a transaction, retrying
// the whole transaction when sqlite reports SQLITE_BUSY.
func (db *DB) wrapTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxBusyRetries; attempt++ {
		err = db.runTransaction(ctx, f)
		if !isBusy(err) {
			break
		}
		log.Debug("database busy, retrying transaction", "attempt", attempt+1)
		time.Sleep(time.Duration(attempt+1) * 20 * time.Millisecond)
	}
	return err
}

func (db *DB) runTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("error starting transaction: %s", err)
		return err
	}
	if err := f(tx); err != nil {
		tx.Rollback()
		if !errors.Is(err, domain.ErrDuplicate) && !errors.Is(err, domain.ErrNotFound) && !isBusy(err) {
			log.Printf("error in transaction: %s", err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		log.Printf("error committing transaction: %s", err)
		return err
	}
	return nil
}

func isBusy(err error) bool {
	var serr *sqlite.Error
	return errors.As(err, &serr) && serr.Code()&0xff == sqlitelib.SQLITE_BUSY
}

// mapErr converts driver errors into the domain sentinels
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	var serr *sqlite.Error
	if errors.As(err, &serr) && serr.Code()&0xff == sqlitelib.SQLITE_CONSTRAINT {
		return fmt.Errorf("%w: %v", domain.ErrDuplicate, err)
	}
	return err
}

// execOne runs a single statement and reports ErrNotFound if nothing matched
func (db *DB) execOne(ctx context.Context, query string, args ...any) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return mapErr(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

// exec runs a single statement inside a transaction
func (db *DB) exec(ctx context.Context, query string, args ...any) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, args...)
		return mapErr(err)
	})
}

func now() time.Time {
	return time.Now().UTC()
}

func utc(t time.Time) time.Time {
	return t.UTC()
}
