package store

import (
	"database/sql"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (creating if needed) a SQLite-backed store at path.
// Use ":memory:" for an ephemeral store.
func OpenSQLite(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite tolerates a single writer; serialize at the pool level so
	// concurrent batch writes queue instead of returning SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return NewSQLStore(db)
}
