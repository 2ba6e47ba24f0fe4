package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// SQLStore implements TableStore using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open database handle and runs migrations.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rows (
		tbl TEXT NOT NULL,
		key TEXT NOT NULL,
		fields TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (tbl, key)
	);
	CREATE TABLE IF NOT EXISTS appends (
		tbl TEXT NOT NULL,
		seq INTEGER NOT NULL,
		fields TEXT NOT NULL,
		PRIMARY KEY (tbl, seq)
	);`
	_, err := s.db.ExecContext(context.Background(), schema)
	return err
}

func (s *SQLStore) ReadRow(ctx context.Context, table, key string) (Row, int64, error) {
	query := `SELECT fields, version FROM rows WHERE tbl = $1 AND key = $2`
	var raw string
	var version int64
	err := s.db.QueryRowContext(ctx, query, table, key).Scan(&raw, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read row %s/%s: %w", table, key, err)
	}
	var fields Row
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, 0, fmt.Errorf("decode row %s/%s: %w", table, key, err)
	}
	return fields, version, nil
}

func (s *SQLStore) WriteRow(ctx context.Context, table, key string, fields Row, expectedVersion int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	version, err := writeRowTx(ctx, tx, table, Write{Key: key, Fields: fields, ExpectedVersion: expectedVersion})
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return version, nil
}

func (s *SQLStore) WriteRows(ctx context.Context, table string, writes []Write) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, w := range writes {
		if _, err := writeRowTx(ctx, tx, table, w); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func writeRowTx(ctx context.Context, tx *sql.Tx, table string, w Write) (int64, error) {
	raw, err := json.Marshal(w.Fields)
	if err != nil {
		return 0, fmt.Errorf("encode row %s/%s: %w", table, w.Key, err)
	}

	if w.ExpectedVersion == 0 {
		insert := `INSERT INTO rows (tbl, key, fields, version) VALUES ($1, $2, $3, 1)`
		if _, err := tx.ExecContext(ctx, insert, table, w.Key, string(raw)); err != nil {
			// A unique-constraint failure means the row already
			// exists, i.e. the creator lost the race.
			return 0, ErrVersionConflict
		}
		return 1, nil
	}

	update := `UPDATE rows SET fields = $1, version = version + 1 WHERE tbl = $2 AND key = $3 AND version = $4`
	res, err := tx.ExecContext(ctx, update, string(raw), table, w.Key, w.ExpectedVersion)
	if err != nil {
		return 0, fmt.Errorf("write row %s/%s: %w", table, w.Key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		// Either the row is gone or another writer advanced the
		// version; distinguish so callers can react.
		var exists int
		probe := `SELECT 1 FROM rows WHERE tbl = $1 AND key = $2`
		if err := tx.QueryRowContext(ctx, probe, table, w.Key).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, ErrVersionConflict
	}
	return w.ExpectedVersion + 1, nil
}

func (s *SQLStore) AppendRows(ctx context.Context, table string, rows []Row) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var next int64
	seqQuery := `SELECT COALESCE(MAX(seq), 0) FROM appends WHERE tbl = $1`
	if err := tx.QueryRowContext(ctx, seqQuery, table).Scan(&next); err != nil {
		return fmt.Errorf("append seq %s: %w", table, err)
	}
	insert := `INSERT INTO appends (tbl, seq, fields) VALUES ($1, $2, $3)`
	for _, r := range rows {
		raw, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode append %s: %w", table, err)
		}
		next++
		if _, err := tx.ExecContext(ctx, insert, table, next, string(raw)); err != nil {
			return fmt.Errorf("append %s: %w", table, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) ReadAppends(ctx context.Context, table string) ([]Row, error) {
	query := `SELECT fields FROM appends WHERE tbl = $1 ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, query, table)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Row
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var fields Row
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			return nil, err
		}
		out = append(out, fields)
	}
	return out, rows.Err()
}

func (s *SQLStore) ScanPrefix(ctx context.Context, table, prefix string) ([]KeyedRow, error) {
	query := `SELECT key, fields, version FROM rows WHERE tbl = $1 AND key LIKE $2 ESCAPE '\' ORDER BY key ASC`
	rows, err := s.db.QueryContext(ctx, query, table, likePattern(prefix))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []KeyedRow
	for rows.Next() {
		var kr KeyedRow
		var raw string
		if err := rows.Scan(&kr.Key, &raw, &kr.Version); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &kr.Fields); err != nil {
			return nil, err
		}
		out = append(out, kr)
	}
	return out, rows.Err()
}

// likePattern escapes LIKE metacharacters so a prefix scan matches
// literally.
func likePattern(prefix string) string {
	escaped := make([]byte, 0, len(prefix)+2)
	for i := 0; i < len(prefix); i++ {
		c := prefix[i]
		if c == '%' || c == '_' || c == '\\' {
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, c)
	}
	return string(escaped) + "%"
}
