package store

import (
	"database/sql"

	_ "github.com/lib/pq"
)

// OpenPostgres opens a Postgres-backed store from a connection URL.
func OpenPostgres(url string) (*SQLStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	return NewSQLStore(db)
}
