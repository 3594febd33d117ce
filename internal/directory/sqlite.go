package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite3 "modernc.org/sqlite"
)

const schemaVersion = 2

const schemaV1 = `
CREATE TABLE IF NOT EXISTS endpoints (
  handle TEXT PRIMARY KEY,
  name TEXT NOT NULL UNIQUE,
  address TEXT NOT NULL,
  pid INTEGER NOT NULL,
  published_at INTEGER NOT NULL
);
`

const schemaV2 = `
CREATE INDEX IF NOT EXISTS endpoints_pid_idx ON endpoints(pid);
`

// SQLiteDirectory shares entries between processes on one host through a
// sqlite file.
type SQLiteDirectory struct {
	db    *sql.DB
	nowFn func() time.Time
}

type SQLiteOption func(*SQLiteDirectory)

func WithSQLiteNowFunc(fn func() time.Time) SQLiteOption {
	return func(d *SQLiteDirectory) {
		if fn != nil {
			d.nowFn = fn
		}
	}
}

func NewSQLiteDirectory(dbPath string, opts ...SQLiteOption) (*SQLiteDirectory, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("empty db path")
	}
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	d := &SQLiteDirectory{db: db, nowFn: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *SQLiteDirectory) Close() error {
	return d.db.Close()
}

func (d *SQLiteDirectory) init() error {
	ctx := context.Background()

	var journalMode string
	if err := d.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}
	if _, err := d.db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	return d.migrate(ctx)
}

func (d *SQLiteDirectory) migrate(ctx context.Context) error {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(ctx, "ROLLBACK;")
		}
	}()

	if _, err := conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL);`); err != nil {
		return fmt.Errorf("sqlite: init migrations table: %w", err)
	}

	var current int
	err = conn.QueryRowContext(ctx, `SELECT version FROM schema_migrations LIMIT 1;`).Scan(&current)
	hasVersion := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite: read schema_version: %w", err)
	}
	if current > schemaVersion {
		return fmt.Errorf("sqlite: schema_version=%d, want <=%d", current, schemaVersion)
	}

	migrations := map[int]string{1: schemaV1, 2: schemaV2}
	for v := current + 1; v <= schemaVersion; v++ {
		if _, err := conn.ExecContext(ctx, migrations[v]); err != nil {
			return fmt.Errorf("sqlite: migrate v%d: %w", v, err)
		}
	}
	if !hasVersion || current != schemaVersion {
		if _, err := conn.ExecContext(ctx, `INSERT OR REPLACE INTO schema_migrations(rowid, version) VALUES (1, ?);`, schemaVersion); err != nil {
			return fmt.Errorf("sqlite: write schema_version: %w", err)
		}
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return err
	}
	committed = true
	return nil
}

func (d *SQLiteDirectory) Publish(ctx context.Context, e Entry) (Handle, error) {
	e, err := normalizeEntry(e, d.nowFn())
	if err != nil {
		return "", err
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO endpoints(handle, name, address, pid, published_at) VALUES (?, ?, ?, ?, ?);`,
		string(e.Handle), e.Name, e.Address, e.PID, e.PublishedAt.UnixNano(),
	)
	if err != nil {
		if isSQLiteConstraintError(err) {
			return "", ErrEntryExists
		}
		return "", err
	}
	return e.Handle, nil
}

func (d *SQLiteDirectory) Unpublish(ctx context.Context, h Handle) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM endpoints WHERE handle = ?;`, string(h))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *SQLiteDirectory) Lookup(ctx context.Context, name string) (Entry, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT handle, name, address, pid, published_at FROM endpoints WHERE name = ?;`, name)
	e, err := scanSQLiteEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

func (d *SQLiteDirectory) List(ctx context.Context) ([]Entry, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT handle, name, address, pid, published_at FROM endpoints ORDER BY name;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanSQLiteEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteEntry(row rowScanner) (Entry, error) {
	var (
		e         Entry
		handle    string
		published int64
	)
	if err := row.Scan(&handle, &e.Name, &e.Address, &e.PID, &published); err != nil {
		return Entry{}, err
	}
	e.Handle = Handle(handle)
	e.PublishedAt = time.Unix(0, published).UTC()
	return e, nil
}

func isSQLiteConstraintError(err error) bool {
	var sqliteErr *sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	// Extended result codes keep the base code in the lower 8 bits.
	const sqliteConstraintBase = 19
	return sqliteErr.Code()&0xff == sqliteConstraintBase
}
