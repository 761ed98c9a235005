package ledger

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/relaycore/ledgersync/internal/changelog"
	"github.com/relaycore/ledgersync/internal/registry"

	_ "modernc.org/sqlite"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	db, err := sql.Open("sqlite", filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	log := changelog.New(db)
	if err := log.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	reg, err := registry.Default()
	if err != nil {
		t.Fatal(err)
	}
	signer, err := NewKeySigner([]byte("test-secret"), "test-log")
	if err != nil {
		t.Fatal(err)
	}
	e := New(db, log, reg, signer)
	if err := e.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return e
}

func noteRow(id string, ts int64) registry.Row {
	return registry.Row{
		"id":         id,
		"created_at": ts,
		"updated_at": ts,
		"title":      "hello",
	}
}

func TestSignAndAppendGaplessWithinBlock(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	res, err := e.SignAndAppend(ctx, []Tx{
		{Type: TxUpsert, Table: "notes", RowID: "00000000-0000-4000-8000-000000000001", Row: noteRow("00000000-0000-4000-8000-000000000001", 1000), Ts: 1000},
		{Type: TxUpsert, Table: "notes", RowID: "00000000-0000-4000-8000-000000000002", Row: noteRow("00000000-0000-4000-8000-000000000002", 1000), Ts: 1000},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Applied != 2 {
		t.Errorf("Applied = %d, want 2", res.Applied)
	}
	if res.Height != 1 {
		t.Errorf("Height = %d, want 1", res.Height)
	}
}

func TestSignAndAppendChainsHash(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	r1, err := e.SignAndAppend(ctx, []Tx{{Type: TxUpsert, Table: "notes", RowID: "00000000-0000-4000-8000-000000000001", Row: noteRow("00000000-0000-4000-8000-000000000001", 1000), Ts: 1000}})
	if err != nil {
		t.Fatal(err)
	}
	r2, err := e.SignAndAppend(ctx, []Tx{{Type: TxUpsert, Table: "notes", RowID: "00000000-0000-4000-8000-000000000002", Row: noteRow("00000000-0000-4000-8000-000000000002", 2000), Ts: 2000}})
	if err != nil {
		t.Fatal(err)
	}
	if r2.Height != r1.Height+1 {
		t.Errorf("height did not increment: %d -> %d", r1.Height, r2.Height)
	}

	blocks, err := e.ListBlocksSince(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 2 {
		t.Fatalf("len(blocks) = %d, want 2", len(blocks))
	}
	if blocks[1].PrevHash != blocks[0].Hash {
		t.Errorf("block 2 prev_hash %q != block 1 hash %q", blocks[1].PrevHash, blocks[0].Hash)
	}
	if blocks[0].PrevHash != genesisHash {
		t.Errorf("genesis block prev_hash = %q, want %q", blocks[0].PrevHash, genesisHash)
	}
}

func TestSignAndAppendRejectsInvalidRowAtomically(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.SignAndAppend(ctx, []Tx{
		{Type: TxUpsert, Table: "notes", RowID: "00000000-0000-4000-8000-000000000001", Row: noteRow("00000000-0000-4000-8000-000000000001", 1000), Ts: 1000},
		{Type: TxUpsert, Table: "notes", RowID: "00000000-0000-4000-8000-000000000002", Row: registry.Row{"id": "00000000-0000-4000-8000-000000000002"}, Ts: 1000}, // missing created_at/updated_at
	})
	if err == nil {
		t.Fatal("expected validation error")
	}

	max, err := e.log.MaxSeq(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if max != 0 {
		t.Errorf("expected nothing appended after failed batch, maxSeq = %d", max)
	}
}

func TestQueryStateFilterAndSort(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.SignAndAppend(ctx, []Tx{
		{Type: TxUpsert, Table: "notes", RowID: "00000000-0000-4000-8000-000000000001", Row: registry.Row{"id": "00000000-0000-4000-8000-000000000001", "created_at": int64(1), "updated_at": int64(1), "title": "b"}, Ts: 1},
		{Type: TxUpsert, Table: "notes", RowID: "00000000-0000-4000-8000-000000000002", Row: registry.Row{"id": "00000000-0000-4000-8000-000000000002", "created_at": int64(2), "updated_at": int64(2), "title": "a"}, Ts: 2},
	})
	if err != nil {
		t.Fatal(err)
	}

	rows, err := e.QueryState("notes", Options{SortBy: "title", Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0]["id"] != "00000000-0000-4000-8000-000000000002" {
		t.Fatalf("expected n2 first (title=a), got %+v", rows)
	}
}

func TestQueryStateRejectsEmptyFilter(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.QueryState("notes", Options{Filter: Clause{}})
	if err == nil {
		t.Fatal("expected rejection of empty filter")
	}
}

func TestQueryStateExcludesDeletedByDefault(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	row := registry.Row{"id": "00000000-0000-4000-8000-000000000001", "created_at": int64(1), "updated_at": int64(2), "deleted_at": int64(2), "title": "x"}
	_, err := e.SignAndAppend(ctx, []Tx{{Type: TxUpsert, Table: "notes", RowID: "00000000-0000-4000-8000-000000000001", Row: row, Ts: 2}})
	if err != nil {
		t.Fatal(err)
	}

	rows, err := e.QueryState("notes", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("expected tombstoned row excluded by default, got %d rows", len(rows))
	}

	rows, err = e.QueryState("notes", Options{IncludeDeleted: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Errorf("expected 1 row with IncludeDeleted, got %d", len(rows))
	}
}

func TestKeySignerDeterministicAndVerifies(t *testing.T) {
	s1, err := NewKeySigner([]byte("secret"), "log-a")
	if err != nil {
		t.Fatal(err)
	}
	s2, err := NewKeySigner([]byte("secret"), "log-a")
	if err != nil {
		t.Fatal(err)
	}
	if s1.SignerID() != s2.SignerID() {
		t.Errorf("expected same secret+logID to derive the same signer id")
	}
	sig, err := s1.Sign([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	if !s1.Verify([]byte("payload"), sig) {
		t.Error("expected signature to verify")
	}
	if s1.Verify([]byte("tampered"), sig) {
		t.Error("expected signature to fail on tampered payload")
	}
}
