package database

import (
	"context"
	"database/sql"
	"errors"

	_ "github.com/lib/pq"

	"quizmaster/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
    seq        BIGSERIAL,
    collection TEXT   NOT NULL,
    id         TEXT   NOT NULL,
    revision   BIGINT NOT NULL DEFAULT 1,
    data       JSONB  NOT NULL,
    PRIMARY KEY (collection, id)
)`

// DB is a Postgres-backed store.Store. Every collection lives in the single
// records table; row order follows insertion via seq.
type DB struct {
	*sql.DB
}

var _ store.Store = (*DB)(nil)

func NewDB(connStr string) (*DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &DB{db}, nil
}

func (db *DB) Migrate(ctx context.Context) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}

func (db *DB) List(ctx context.Context, collection string) ([]store.Record, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, revision, data FROM records WHERE collection = $1 ORDER BY seq", collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []store.Record{}
	for rows.Next() {
		var r store.Record
		if err := rows.Scan(&r.ID, &r.Revision, &r.Data); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (db *DB) Replace(ctx context.Context, collection string, records []store.Record) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM records WHERE collection = $1", collection); err != nil {
		return err
	}
	for _, r := range records {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO records (collection, id, revision, data)
			VALUES ($1, $2, 1, $3)
			ON CONFLICT (collection, id)
			DO UPDATE SET data = EXCLUDED.data, revision = records.revision + 1
		`, collection, r.ID, string(r.Data))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (db *DB) Get(ctx context.Context, collection, id string) (store.Record, error) {
	var r store.Record
	err := db.QueryRowContext(ctx,
		"SELECT id, revision, data FROM records WHERE collection = $1 AND id = $2", collection, id).
		Scan(&r.ID, &r.Revision, &r.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, err
	}
	return r, nil
}

func (db *DB) Create(ctx context.Context, collection string, rec store.Record) (store.Record, error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO records (collection, id, revision, data)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (collection, id) DO NOTHING
	`, collection, rec.ID, string(rec.Data))
	if err != nil {
		return store.Record{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.Record{}, err
	}
	if n == 0 {
		return store.Record{}, store.ErrConflict
	}
	rec.Revision = 1
	return rec, nil
}

func (db *DB) Put(ctx context.Context, collection string, rec store.Record) (store.Record, error) {
	var err error
	if rec.Revision == 0 {
		err = db.QueryRowContext(ctx, `
			INSERT INTO records (collection, id, revision, data)
			VALUES ($1, $2, 1, $3)
			ON CONFLICT (collection, id)
			DO UPDATE SET data = EXCLUDED.data, revision = records.revision + 1
			RETURNING revision
		`, collection, rec.ID, string(rec.Data)).Scan(&rec.Revision)
	} else {
		err = db.QueryRowContext(ctx, `
			UPDATE records SET data = $3, revision = revision + 1
			WHERE collection = $1 AND id = $2 AND revision = $4
			RETURNING revision
		`, collection, rec.ID, string(rec.Data), rec.Revision).Scan(&rec.Revision)
		if errors.Is(err, sql.ErrNoRows) {
			return store.Record{}, store.ErrConflict
		}
	}
	if err != nil {
		return store.Record{}, err
	}
	return rec, nil
}

func (db *DB) Delete(ctx context.Context, collection, id string) error {
	res, err := db.ExecContext(ctx, "DELETE FROM records WHERE collection = $1 AND id = $2", collection, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
