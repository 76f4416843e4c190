package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const dbTimeout = 2 * time.Second

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Dialect captures the SQL differences between the supported engines.
type Dialect struct {
	Name       string
	DriverName string
	schema     []string // %[1]s is the table name
	upsert     string
	dollar     bool // positional $n placeholders
}

const recordColumns = "filename, bucket, arrived_at, processed, status, attempts, claimed_by, claimed_at"

var (
	MySQL = Dialect{
		Name:       "mysql",
		DriverName: "mysql",
		schema: []string{`CREATE TABLE IF NOT EXISTS %[1]s (
	filename   VARCHAR(512) NOT NULL PRIMARY KEY,
	bucket     VARCHAR(255) NOT NULL,
	arrived_at VARCHAR(32)  NOT NULL,
	processed  BOOLEAN      NOT NULL DEFAULT FALSE,
	status     VARCHAR(16)  NOT NULL,
	attempts   INT          NOT NULL DEFAULT 0,
	claimed_by VARCHAR(64)  NOT NULL DEFAULT '',
	claimed_at VARCHAR(32)  NOT NULL DEFAULT '',
	INDEX idx_%[1]s_pending (status, processed, arrived_at, filename)
)`},
		upsert: `INSERT INTO %[1]s (` + recordColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE bucket = VALUES(bucket), arrived_at = VALUES(arrived_at),
	processed = VALUES(processed), status = VALUES(status), attempts = VALUES(attempts),
	claimed_by = VALUES(claimed_by), claimed_at = VALUES(claimed_at)`,
	}

	Postgres = Dialect{
		Name:       "postgres",
		DriverName: "pgx",
		schema:     portableSchema("VARCHAR(512)"),
		upsert:     portableUpsert,
		dollar:     true,
	}

	SQLite = Dialect{
		Name:       "sqlite",
		DriverName: "sqlite",
		schema:     portableSchema("TEXT"),
		upsert:     portableUpsert,
	}
)

const portableUpsert = `INSERT INTO %[1]s (` + recordColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (filename) DO UPDATE SET bucket = excluded.bucket, arrived_at = excluded.arrived_at,
	processed = excluded.processed, status = excluded.status, attempts = excluded.attempts,
	claimed_by = excluded.claimed_by, claimed_at = excluded.claimed_at`

func portableSchema(keyType string) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS %[1]s (
	filename   ` + keyType + ` NOT NULL PRIMARY KEY,
	bucket     TEXT    NOT NULL,
	arrived_at TEXT    NOT NULL,
	processed  BOOLEAN NOT NULL DEFAULT FALSE,
	status     TEXT    NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0,
	claimed_by TEXT    NOT NULL DEFAULT '',
	claimed_at TEXT    NOT NULL DEFAULT ''
)`,
		`CREATE INDEX IF NOT EXISTS idx_%[1]s_pending ON %[1]s (status, processed, arrived_at, filename)`,
	}
}

// DialectFor returns the dialect registered under name.
func DialectFor(name string) (Dialect, error) {
	switch name {
	case MySQL.Name:
		return MySQL, nil
	case Postgres.Name:
		return Postgres, nil
	case SQLite.Name:
		return SQLite, nil
	}
	return Dialect{}, fmt.Errorf("repository: unknown sql dialect %q", name)
}

// ValidTableName reports whether name is safe to interpolate as a table identifier.
func ValidTableName(name string) bool {
	return identRe.MatchString(name)
}

// rebind rewrites ? placeholders to $n for dialects that need it.
func (d Dialect) rebind(query string) string {
	if !d.dollar {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLRepo implements Repository using prepared statements and context timeouts.
type SQLRepo struct {
	db      *sql.DB
	dialect Dialect
	table   string

	stmtUpsert    *sql.Stmt
	stmtGet       *sql.Stmt
	stmtListAll   *sql.Stmt
	stmtPending   *sql.Stmt
	stmtClaim     *sql.Stmt
	stmtRelease   *sql.Stmt
	stmtReject    *sql.Stmt
	stmtProcessed *sql.Stmt
	stmtExpire    *sql.Stmt
}

// NewSQLRepo creates the table if needed and prepares all statements up front.
// The caller owns the *sql.DB lifetime.
func NewSQLRepo(ctx context.Context, db *sql.DB, dialect Dialect, table string) (*SQLRepo, error) {
	if !ValidTableName(table) {
		return nil, fmt.Errorf("repository: invalid table name %q", table)
	}

	for _, ddl := range dialect.schema {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(ddl, table)); err != nil {
			return nil, fmt.Errorf("repository: create schema: %w", err)
		}
	}

	r := &SQLRepo{db: db, dialect: dialect, table: table}

	queries := []struct {
		dst   **sql.Stmt
		name  string
		query string
	}{
		{&r.stmtUpsert, "upsert", dialect.upsert},
		{&r.stmtGet, "get", `SELECT ` + recordColumns + ` FROM %[1]s WHERE filename = ?`},
		{&r.stmtListAll, "listAll", `SELECT ` + recordColumns + ` FROM %[1]s ORDER BY arrived_at DESC, filename DESC LIMIT ?`},
		{&r.stmtPending, "listUnprocessed", `SELECT ` + recordColumns + ` FROM %[1]s
WHERE status = ? AND processed = ? ORDER BY arrived_at, filename`},
		{&r.stmtClaim, "claim", `UPDATE %[1]s SET status = ?, claimed_by = ?, claimed_at = ?
WHERE filename = ? AND status = ? AND processed = ?`},
		{&r.stmtRelease, "release", `UPDATE %[1]s SET status = ?, claimed_by = '', claimed_at = ''
WHERE filename = ? AND status = ? AND claimed_by = ?`},
		// status is assigned before attempts: MySQL evaluates SET left to right.
		{&r.stmtReject, "reject", `UPDATE %[1]s SET status = CASE WHEN attempts + 1 >= ? THEN ? ELSE ? END,
	attempts = attempts + 1, claimed_by = '', claimed_at = ''
WHERE filename = ? AND status = ? AND claimed_by = ?`},
		{&r.stmtProcessed, "markProcessed", `UPDATE %[1]s SET processed = ?, status = ?, claimed_by = '', claimed_at = ''
WHERE filename = ? AND status = ? AND claimed_by = ?`},
		{&r.stmtExpire, "expireClaims", `UPDATE %[1]s SET status = ?, claimed_by = '', claimed_at = ''
WHERE status = ? AND claimed_at < ?`},
	}

	for _, q := range queries {
		stmt, err := db.PrepareContext(ctx, dialect.rebind(fmt.Sprintf(q.query, table)))
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("prepare %s: %w", q.name, err)
		}
		*q.dst = stmt
	}
	return r, nil
}

// Put upserts rec keyed on filename.
func (r *SQLRepo) Put(ctx context.Context, rec *FileRecord) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	_, err := r.stmtUpsert.ExecContext(ctx,
		rec.Filename, rec.Bucket, FormatTime(rec.Timestamp), rec.Processed,
		string(rec.Status), rec.Attempts, rec.ClaimedBy, FormatTime(rec.ClaimedAt),
	)
	if err != nil {
		return fmt.Errorf("repo put: %w", err)
	}
	return nil
}

// Get retrieves a record by filename.
func (r *SQLRepo) Get(ctx context.Context, filename string) (*FileRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rec, err := scanRecord(r.stmtGet.QueryRowContext(ctx, filename))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("repo get %q: %w", filename, ErrNotFound)
		}
		return nil, fmt.Errorf("repo get: %w", err)
	}
	return rec, nil
}

// ListAll retrieves up to limit records, newest first.
func (r *SQLRepo) ListAll(ctx context.Context, limit int) ([]*FileRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := r.stmtListAll.QueryContext(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("repo listAll: %w", err)
	}
	return collect(rows, "listAll")
}

// ListUnprocessed uses the (status, processed, arrived_at, filename) index.
func (r *SQLRepo) ListUnprocessed(ctx context.Context) ([]*FileRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := r.stmtPending.QueryContext(ctx, string(StatusPending), false)
	if err != nil {
		return nil, fmt.Errorf("repo listUnprocessed: %w", err)
	}
	return collect(rows, "listUnprocessed")
}

// Claim is a conditional update: it only succeeds while the record is pending.
func (r *SQLRepo) Claim(ctx context.Context, filename, owner string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	res, err := r.stmtClaim.ExecContext(ctx,
		string(StatusClaimed), owner, FormatTime(at),
		filename, string(StatusPending), false,
	)
	if err != nil {
		return fmt.Errorf("repo claim: %w", err)
	}
	return expectOne(res, "claim", filename)
}

// Release returns a claimed record to pending.
func (r *SQLRepo) Release(ctx context.Context, filename, owner string) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	res, err := r.stmtRelease.ExecContext(ctx,
		string(StatusPending), filename, string(StatusClaimed), owner,
	)
	if err != nil {
		return fmt.Errorf("repo release: %w", err)
	}
	return expectOne(res, "release", filename)
}

// Reject releases a claim and counts a failed compatibility attempt.
func (r *SQLRepo) Reject(ctx context.Context, filename, owner string, maxAttempts int) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	if maxAttempts <= 0 {
		maxAttempts = math.MaxInt32
	}
	res, err := r.stmtReject.ExecContext(ctx,
		maxAttempts, string(StatusIncompatible), string(StatusPending),
		filename, string(StatusClaimed), owner,
	)
	if err != nil {
		return fmt.Errorf("repo reject: %w", err)
	}
	return expectOne(res, "reject", filename)
}

// MarkProcessed is a targeted update of the processed flag, conditional on
// the caller still holding the claim.
func (r *SQLRepo) MarkProcessed(ctx context.Context, filename, owner string) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	res, err := r.stmtProcessed.ExecContext(ctx,
		true, string(StatusDone),
		filename, string(StatusClaimed), owner,
	)
	if err != nil {
		return fmt.Errorf("repo markProcessed: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("repo markProcessed: %w", err)
	}
	if n == 0 {
		if _, err := r.Get(ctx, filename); err != nil {
			return fmt.Errorf("repo markProcessed: %w", err)
		}
		return fmt.Errorf("repo markProcessed %q: %w", filename, ErrClaimConflict)
	}
	return nil
}

// ExpireClaims returns stale claims to pending.
func (r *SQLRepo) ExpireClaims(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	res, err := r.stmtExpire.ExecContext(ctx,
		string(StatusPending), string(StatusClaimed), FormatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("repo expireClaims: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("repo expireClaims: %w", err)
	}
	return n, nil
}

// Ping checks the database connection.
func (r *SQLRepo) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()
	return r.db.PingContext(ctx)
}

// Close releases all prepared statements.
func (r *SQLRepo) Close() error {
	for _, s := range []*sql.Stmt{
		r.stmtUpsert, r.stmtGet, r.stmtListAll, r.stmtPending, r.stmtClaim,
		r.stmtRelease, r.stmtReject, r.stmtProcessed, r.stmtExpire,
	} {
		if s != nil {
			s.Close()
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*FileRecord, error) {
	var (
		rec       FileRecord
		status    string
		arrived   string
		claimedAt string
	)
	if err := row.Scan(
		&rec.Filename, &rec.Bucket, &arrived, &rec.Processed,
		&status, &rec.Attempts, &rec.ClaimedBy, &claimedAt,
	); err != nil {
		return nil, err
	}

	var err error
	rec.Status = Status(status)
	if rec.Timestamp, err = ParseTime(arrived); err != nil {
		return nil, err
	}
	if rec.ClaimedAt, err = ParseTime(claimedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

func collect(rows *sql.Rows, op string) ([]*FileRecord, error) {
	defer rows.Close()

	var records []*FileRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("repo %s scan: %w", op, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repo %s: %w", op, err)
	}
	return records, nil
}

func expectOne(res sql.Result, op, filename string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("repo %s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("repo %s %q: %w", op, filename, ErrClaimConflict)
	}
	return nil
}
