package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Database is the SQLite-backed Store.
type Database struct {
	DB     *sql.DB
	opener Opener
	now    func() time.Time
}

var _ Store = (*Database)(nil)

// New opens (and creates if needed) the SQLite database at path.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: SQLite has a single writer, and every transaction
	// below relies on holding it exclusively.
	db.SetMaxOpenConns(1)
	if path == ":memory:" {
		db.SetConnMaxLifetime(0)
	} else {
		db.SetConnMaxLifetime(time.Hour)
	}

	return &Database{DB: db, now: time.Now}, nil
}

// WithOpener sets the credential decrypter.
func (d *Database) WithOpener(o Opener) *Database {
	d.opener = o
	return d
}

// Close releases the underlying DB handle.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
