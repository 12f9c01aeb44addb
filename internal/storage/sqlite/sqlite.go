// Package sqlite is a storage driver backed by a single SQLite database file.
//
// Every bucket shares two tables: records holds the encoded bodies and
// record_indexes the secondary keys. Unique index values are enforced by a
// partial unique index, so concurrent processes sharing the file cannot both
// claim the same value.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/drblury/creditflow/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	bucket TEXT NOT NULL,
	id TEXT NOT NULL,
	body BLOB NOT NULL,
	UNIQUE (bucket, id)
);

CREATE TABLE IF NOT EXISTS record_indexes (
	bucket TEXT NOT NULL,
	name TEXT NOT NULL,
	value TEXT NOT NULL,
	id TEXT NOT NULL,
	is_unique INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (bucket, name, value, id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_record_indexes_unique
	ON record_indexes(bucket, name, value) WHERE is_unique = 1;

CREATE INDEX IF NOT EXISTS idx_record_indexes_id ON record_indexes(bucket, id);
`

// Driver stores buckets in SQLite.
type Driver struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a private in-memory database.
func Open(path string) (*Driver, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite: path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path)
	}
	dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection keeps ":memory:" a single database and serialises writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Driver{db: db}, nil
}

func (d *Driver) Bucket(name string) storage.Bucket {
	return &bucket{db: d.db, name: name}
}

func (d *Driver) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

type bucket struct {
	db   *sql.DB
	name string
}

func (b *bucket) Insert(ctx context.Context, entries ...storage.Entry) error {
	return b.inTx(ctx, func(tx *sql.Tx) error {
		for _, e := range entries {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO records (bucket, id, body) VALUES (?, ?, ?)`,
				b.name, e.ID, e.Body,
			); err != nil {
				return classify(err)
			}
			if err := b.writeIndexes(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *bucket) Replace(ctx context.Context, e storage.Entry) error {
	return b.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE records SET body = ? WHERE bucket = ? AND id = ?`,
			e.Body, b.name, e.ID,
		)
		if err != nil {
			return classify(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return storage.ErrNotFound
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM record_indexes WHERE bucket = ? AND id = ?`,
			b.name, e.ID,
		); err != nil {
			return fmt.Errorf("clear indexes: %w", err)
		}
		return b.writeIndexes(ctx, tx, e)
	})
}

func (b *bucket) Get(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var body []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT body FROM records WHERE bucket = ? AND id = ?`,
		b.name, id,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select record: %w", err)
	}
	return body, nil
}

func (b *bucket) Find(ctx context.Context, name, value string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := b.db.QueryContext(ctx, `
SELECT r.body
FROM record_indexes i
JOIN records r ON r.bucket = i.bucket AND r.id = i.id
WHERE i.bucket = ? AND i.name = ? AND i.value = ?
ORDER BY r.seq`,
		b.name, name, value,
	)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}
	defer rows.Close()

	out := make([][]byte, 0)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, body)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

func (b *bucket) writeIndexes(ctx context.Context, tx *sql.Tx, e storage.Entry) error {
	seen := make(map[[2]string]struct{}, len(e.Indexes))
	for _, idx := range e.Indexes {
		key := [2]string{idx.Name, idx.Value}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique := 0
		if idx.Unique {
			unique = 1
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO record_indexes (bucket, name, value, id, is_unique) VALUES (?, ?, ?, ?, ?)`,
			b.name, idx.Name, idx.Value, e.ID, unique,
		); err != nil {
			return classify(err)
		}
	}
	return nil
}

func (b *bucket) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func classify(err error) error {
	if isConstraintError(err) {
		return fmt.Errorf("%w: %v", storage.ErrAlreadyExists, err)
	}
	return err
}

func isConstraintError(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
