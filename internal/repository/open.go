// Package repository persists FileRecords in a SQL database or an embedded key-value store.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Options selects and configures a backend.
type Options struct {
	Driver string // mysql, postgres, sqlite or pebble
	DSN    string // connection string, or directory for pebble
	Table  string
}

// Open connects to the configured backend and prepares it for use.
func Open(ctx context.Context, opts Options) (Repository, error) {
	if opts.Driver == "pebble" {
		return OpenPebble(PebbleOptions{
			Path:      opts.DSN,
			InMemory:  opts.DSN == ":memory:",
			CacheSize: 8 << 20,
		})
	}

	dialect, err := DialectFor(opts.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(dialect.DriverName, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("repository: open %s: %w", dialect.Name, err)
	}

	// Connection pool tuning.
	if dialect.Name == SQLite.Name {
		// SQLite has a single writer, and each :memory: connection is its own database.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(25)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("repository: ping %s: %w", dialect.Name, err)
	}

	repo, err := NewSQLRepo(ctx, db, dialect, opts.Table)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &ownedSQLRepo{SQLRepo: repo, db: db}, nil
}

// ownedSQLRepo also closes the *sql.DB it was opened with.
type ownedSQLRepo struct {
	*SQLRepo
	db *sql.DB
}

func (o *ownedSQLRepo) Close() error {
	o.SQLRepo.Close()
	return o.db.Close()
}
