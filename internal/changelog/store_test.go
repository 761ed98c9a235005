package changelog

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := sql.Open("sqlite", filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAppendAssignsGaplessSeq(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	s := New(db)
	if err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := s.AppendTx(ctx, tx, []Entry{
		{Table: "notes", RowID: "r1", Op: OpUpsert, PayloadJSON: "{}", CreatedAt: 1},
		{Table: "notes", RowID: "r2", Op: OpUpsert, PayloadJSON: "{}", CreatedAt: 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	if entries[1].ServerSeq != entries[0].ServerSeq+1 {
		t.Errorf("seq not gapless: %d then %d", entries[0].ServerSeq, entries[1].ServerSeq)
	}

	max, err := s.MaxSeq(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if max != entries[1].ServerSeq {
		t.Errorf("MaxSeq = %d, want %d", max, entries[1].ServerSeq)
	}
}

func TestRangeSinceAscending(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	s := New(db)
	if err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}

	tx, _ := db.BeginTx(ctx, nil)
	_, err := s.AppendTx(ctx, tx, []Entry{
		{Table: "notes", RowID: "r1", Op: OpUpsert, PayloadJSON: "{}", CreatedAt: 1},
		{Table: "notes", RowID: "r2", Op: OpUpsert, PayloadJSON: "{}", CreatedAt: 2},
		{Table: "notes", RowID: "r3", Op: OpDelete, PayloadJSON: "{}", CreatedAt: 3},
	})
	if err != nil {
		t.Fatal(err)
	}
	tx.Commit()

	got, err := s.RangeSince(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].ServerSeq <= got[i-1].ServerSeq {
			t.Errorf("not strictly ascending at %d", i)
		}
	}

	page, err := s.RangeSince(ctx, got[0].ServerSeq, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 {
		t.Fatalf("page len = %d, want 2", len(page))
	}
}

func TestLatestFor(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	s := New(db)
	if err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}

	if _, ok, err := s.LatestFor(ctx, "notes", "missing"); err != nil || ok {
		t.Fatalf("expected no entry, got ok=%v err=%v", ok, err)
	}

	tx, _ := db.BeginTx(ctx, nil)
	s.AppendTx(ctx, tx, []Entry{
		{Table: "notes", RowID: "r1", Op: OpUpsert, PayloadJSON: `{"v":1}`, CreatedAt: 1},
	})
	s.AppendTx(ctx, tx, []Entry{
		{Table: "notes", RowID: "r1", Op: OpUpsert, PayloadJSON: `{"v":2}`, CreatedAt: 2},
	})
	tx.Commit()

	latest, ok, err := s.LatestFor(ctx, "notes", "r1")
	if err != nil || !ok {
		t.Fatalf("expected entry, got ok=%v err=%v", ok, err)
	}
	if latest.PayloadJSON != `{"v":2}` {
		t.Errorf("payload = %q, want v=2", latest.PayloadJSON)
	}
}
