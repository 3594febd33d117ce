package directory

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresSchemaV1 = `
CREATE TABLE IF NOT EXISTS mgmtagent_endpoints (
  handle TEXT PRIMARY KEY,
  name TEXT NOT NULL UNIQUE,
  address TEXT NOT NULL,
  pid INTEGER NOT NULL,
  published_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS mgmtagent_endpoints_pid_idx ON mgmtagent_endpoints(pid);
`

// PostgresDirectory shares entries between hosts through a postgres table.
type PostgresDirectory struct {
	db    *sql.DB
	nowFn func() time.Time
}

type PostgresOption func(*PostgresDirectory)

func WithPostgresNowFunc(fn func() time.Time) PostgresOption {
	return func(d *PostgresDirectory) {
		if fn != nil {
			d.nowFn = fn
		}
	}
}

func NewPostgresDirectory(dsn string, opts ...PostgresOption) (*PostgresDirectory, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	d := &PostgresDirectory{db: db, nowFn: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	if _, err := db.ExecContext(ctx, postgresSchemaV1); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *PostgresDirectory) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *PostgresDirectory) Publish(ctx context.Context, e Entry) (Handle, error) {
	e, err := normalizeEntry(e, d.nowFn())
	if err != nil {
		return "", err
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO mgmtagent_endpoints(handle, name, address, pid, published_at) VALUES ($1, $2, $3, $4, $5);`,
		string(e.Handle), e.Name, e.Address, e.PID, e.PublishedAt,
	)
	if err != nil {
		return "", mapPostgresInsertError(err)
	}
	return e.Handle, nil
}

func (d *PostgresDirectory) Unpublish(ctx context.Context, h Handle) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM mgmtagent_endpoints WHERE handle = $1;`, string(h))
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

func (d *PostgresDirectory) Lookup(ctx context.Context, name string) (Entry, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT handle, name, address, pid, published_at FROM mgmtagent_endpoints WHERE name = $1;`, name)
	e, err := scanPostgresEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

func (d *PostgresDirectory) List(ctx context.Context) ([]Entry, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT handle, name, address, pid, published_at FROM mgmtagent_endpoints ORDER BY name;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanPostgresEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanPostgresEntry(row rowScanner) (Entry, error) {
	var (
		e      Entry
		handle string
	)
	if err := row.Scan(&handle, &e.Name, &e.Address, &e.PID, &e.PublishedAt); err != nil {
		return Entry{}, err
	}
	e.Handle = Handle(handle)
	e.PublishedAt = e.PublishedAt.UTC()
	return e, nil
}

func mapPostgresInsertError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrEntryExists
	}
	return err
}
