package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/arsenis-cmd/AirAware/internal/model"
)

// DB wraps the database connection
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// PoolConfig holds connection pool settings
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Connect establishes a connection to the database
func Connect(ctx context.Context, connectionString string, pool PoolConfig) (*DB, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, eris.Wrap(err, "database: open")
	}

	// Test the connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "database: ping")
	}

	// Set connection pool settings
	if pool.MaxOpenConns <= 0 {
		pool.MaxOpenConns = 25
	}
	if pool.MaxIdleConns <= 0 {
		pool.MaxIdleConns = 5
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	return New(db), nil
}

// New wraps an already opened handle, e.g. a sqlmock connection in tests
func New(db *sql.DB) *DB {
	return &DB{DB: db, logger: zap.L().With(zap.String("component", "database"))}
}

// RunMigrations executes all SQL migration files in order
func (db *DB) RunMigrations(ctx context.Context, migrationsDir string) error {
	files, err := os.ReadDir(migrationsDir)
	if err != nil {
		return eris.Wrapf(err, "database: read migrations directory %s", migrationsDir)
	}

	var sqlFiles []string
	for _, file := range files {
		if !file.IsDir() && strings.HasSuffix(file.Name(), ".sql") {
			sqlFiles = append(sqlFiles, file.Name())
		}
	}
	sort.Strings(sqlFiles)

	for _, filename := range sqlFiles {
		db.logger.Info("running migration", zap.String("file", filename))

		content, err := os.ReadFile(filepath.Join(migrationsDir, filename))
		if err != nil {
			return eris.Wrapf(err, "database: read migration %s", filename)
		}
		if _, err := db.ExecContext(ctx, string(content)); err != nil {
			return eris.Wrapf(classify("migrate", err), "database: execute migration %s", filename)
		}
	}

	db.logger.Info("migrations completed", zap.Int("files", len(sqlFiles)))
	return nil
}

// SQLSTATE codes with special handling
const (
	codeCheckViolation  = "23514"
	codeUniqueViolation = "23505"
	codeDuplicateTable  = "42P07"
)

// classify maps driver errors onto the store error taxonomy. Connection
// failures, serialization failures and pool exhaustion are transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if model.IsValidation(err) || model.IsConflict(err) || model.IsTransient(err) {
		return err
	}
	if errors.Is(err, driver.ErrBadConn) {
		return model.NewTransientStoreError(op, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		switch {
		case strings.HasPrefix(code, "08"), // connection exception
			code == "57P01", // admin shutdown
			code == "40001", // serialization failure
			code == "40P01", // deadlock detected
			code == "53300": // too many connections
			return model.NewTransientStoreError(op, err)
		}
	}
	return eris.Wrapf(err, "database: %s", op)
}

func hasCode(err error, codes ...string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	for _, c := range codes {
		if string(pqErr.Code) == c {
			return true
		}
	}
	return false
}
