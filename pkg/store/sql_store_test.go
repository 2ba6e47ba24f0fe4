package store

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS rows").
		WillReturnResult(sqlmock.NewResult(0, 0))
	st, err := NewSQLStore(db)
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}
	return st, mock
}

func TestSQLStoreReadRow(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT fields, version FROM rows WHERE tbl = $1 AND key = $2`)).
		WithArgs("spools", "SP-1").
		WillReturnRows(sqlmock.NewRows([]string{"fields", "version"}).
			AddRow(`{"occupant":"worker-7"}`, int64(3)))

	fields, version, err := st.ReadRow(context.Background(), "spools", "SP-1")
	if err != nil {
		t.Fatalf("ReadRow: %v", err)
	}
	if version != 3 || fields["occupant"] != "worker-7" {
		t.Fatalf("got %v @%d", fields, version)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSQLStoreReadRowNotFound(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT fields, version FROM rows`)).
		WithArgs("spools", "SP-9").
		WillReturnRows(sqlmock.NewRows([]string{"fields", "version"}))

	_, _, err := st.ReadRow(context.Background(), "spools", "SP-9")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSQLStoreConditionalUpdateConflict(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE rows SET fields = $1, version = version + 1 WHERE tbl = $2 AND key = $3 AND version = $4`)).
		WithArgs(sqlmock.AnyArg(), "spools", "SP-1", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	// Zero rows affected: probe whether the row exists at all.
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM rows WHERE tbl = $1 AND key = $2`)).
		WithArgs("spools", "SP-1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectRollback()

	_, err := st.WriteRow(context.Background(), "spools", "SP-1", Row{"a": "1"}, 2)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("err = %v, want ErrVersionConflict", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSQLStoreConditionalUpdateSuccess(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE rows SET`)).
		WithArgs(sqlmock.AnyArg(), "spools", "SP-1", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	v, err := st.WriteRow(context.Background(), "spools", "SP-1", Row{"a": "1"}, 2)
	if err != nil {
		t.Fatalf("WriteRow: %v", err)
	}
	if v != 3 {
		t.Fatalf("new version = %d, want 3", v)
	}
}

func TestSQLStoreCreateLosesRace(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO rows`)).
		WithArgs("spools", "SP-1", sqlmock.AnyArg()).
		WillReturnError(errors.New("UNIQUE constraint failed: rows.tbl, rows.key"))
	mock.ExpectRollback()

	_, err := st.WriteRow(context.Background(), "spools", "SP-1", Row{"a": "1"}, 0)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("err = %v, want ErrVersionConflict", err)
	}
}

func TestLikePattern(t *testing.T) {
	cases := []struct{ in, want string }{
		{"SP-1#", `SP-1#%`},
		{"a%b", `a\%b%`},
		{"a_b", `a\_b%`},
		{`a\b`, `a\\b%`},
	}
	for _, tc := range cases {
		if got := likePattern(tc.in); got != tc.want {
			t.Fatalf("likePattern(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
