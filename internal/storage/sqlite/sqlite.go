package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/techiepookie/arguxai/internal/storage/migrations"
)

// MemoryPath opens a private in-memory database
const MemoryPath = ":memory:"

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db  *sql.DB
	now func() time.Time
}

// New opens (creating if needed) the database at path and applies pending migrations
func New(ctx context.Context, path string) (*SQLiteStorage, error) {
	db, err := openDB(ctx, path)
	if err != nil {
		return nil, err
	}

	if _, err := migrations.NewManager(schemaMigrations...).ApplySQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{
		db:  db,
		now: time.Now,
	}, nil
}

// Rollback reverts the latest applied migration of the existing database at
// path and returns the resulting schema version. The next New re-applies it.
func Rollback(ctx context.Context, path string) (int, error) {
	if path == MemoryPath {
		return 0, fmt.Errorf("cannot roll back an in-memory database")
	}
	if _, err := os.Stat(path); err != nil {
		return 0, fmt.Errorf("database %s: %w", path, err)
	}

	db, err := openDB(ctx, path)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	if err := migrations.NewManager(schemaMigrations...).RollbackSQLite(ctx, db); err != nil {
		return 0, err
	}
	return migrations.SQLiteVersion(ctx, db)
}

func openDB(ctx context.Context, path string) (*sql.DB, error) {
	dsn := MemoryPath
	if path != MemoryPath {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		// WAL for concurrent readers, busy_timeout so writers queue instead of failing
		dsn = "file:" + path + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(wal)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == MemoryPath {
		// Every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// SchemaVersion returns the applied schema version
func (s *SQLiteStorage) SchemaVersion(ctx context.Context) (int, error) {
	return migrations.SQLiteVersion(ctx, s.db)
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}

func timePtr(ni sql.NullInt64) *time.Time {
	if !ni.Valid {
		return nil
	}
	t := timeFromMillis(ni.Int64)
	return &t
}

func timeFromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
