package dbopen

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "modernc.org/sqlite"
)

func TestIsBusyClassification(t *testing.T) {
	// WHAT: Only SQLite lock contention counts as busy.
	// WHY: RunTx must retry contention and nothing else.
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("SQLITE_BUSY: database is locked"), true},
		{errors.New("database is locked (5)"), true},
		{errors.New("database table is locked"), true},
		{errors.New("UNIQUE constraint failed: runs.job_id"), false},
		{context.Canceled, false},
	}
	for _, c := range cases {
		if got := IsBusy(c.err); got != c.want {
			t.Errorf("IsBusy(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestRunTxCommitsOnSuccess(t *testing.T) {
	// WHAT: A clean callback commits its writes.
	db := OpenMemory(t)
	ctx := context.Background()
	if _, err := db.Exec(`CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`); err != nil {
		t.Fatal(err)
	}
	err := RunTx(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO kv (k, v) VALUES ('a', '1')`)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	var v string
	if err := db.QueryRow(`SELECT v FROM kv WHERE k = 'a'`).Scan(&v); err != nil || v != "1" {
		t.Fatalf("committed row: %q, %v", v, err)
	}
}

func TestRunTxRollsBackOnError(t *testing.T) {
	// WHAT: A failing callback leaves no trace, and its error comes back
	// unwrapped so sentinel checks still work.
	db := OpenMemory(t)
	ctx := context.Background()
	if _, err := db.Exec(`CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`); err != nil {
		t.Fatal(err)
	}
	sentinel := errors.New("kv: refused")
	err := RunTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO kv (k, v) VALUES ('b', '2')`); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("got %v, want sentinel", err)
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(1) FROM kv`).Scan(&n); err != nil || n != 0 {
		t.Fatalf("rows after rollback: %d, %v", n, err)
	}
}
