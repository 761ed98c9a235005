package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/relaycore/ledgersync/internal/changelog"
)

// Block is a contiguous group of change-log entries produced by one signed
// transaction commit, per spec §3.
type Block struct {
	Height   int64
	PrevHash string
	Hash     string
	SignerID string
	Ts       int64
	Entries  []changelog.Entry
}

const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// canonicalEntries produces a deterministic byte representation of entries
// for hashing: field order is fixed, independent of map iteration, so the
// same entry set always hashes identically regardless of how it was built.
func canonicalEntries(entries []changelog.Entry) []byte {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(strconv.FormatInt(e.ServerSeq, 10))
		b.WriteByte('|')
		b.WriteString(e.Table)
		b.WriteByte('|')
		b.WriteString(e.RowID)
		b.WriteByte('|')
		b.WriteString(string(e.Op))
		b.WriteByte('|')
		b.WriteString(e.PayloadJSON)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// computeHash returns hex(sha256(prevHash || canonical(entries) || signerID || ts)),
// matching spec §3's hash = H(prev_hash || canonical(entries) || signer_id || ts).
func computeHash(prevHash string, entries []changelog.Entry, signerID string, ts int64) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonicalEntries(entries))
	h.Write([]byte(signerID))
	h.Write([]byte(strconv.FormatInt(ts, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// SignAndAppend validates every tx, builds one block, persists the block
// and its change-log entries inside a single DB transaction, and updates
// the materialized state. It is all-or-nothing per call (spec §4.3 failure
// model): any tx that fails validation or dependency check aborts the whole
// batch with nothing appended.
//
// Validation here is limited to what the Ledger Engine itself owns
// (registry schema validity); the Push Applier (C4) layers dependency and
// policy checks on top before ever calling SignAndAppend. Tx rows are
// DB-shaped (camelCase) and are validated in their wire form via ToSyncRow.
func (e *Engine) SignAndAppend(ctx context.Context, txs []Tx) (Result, error) {
	if len(txs) == 0 {
		return Result{}, nil
	}

	for _, tx := range txs {
		entry, ok := e.reg.Get(tx.Table)
		if !ok {
			return Result{}, fmt.Errorf("ledger: unknown table %q", tx.Table)
		}
		if tx.Type != TxDelete {
			if tx.Row == nil {
				return Result{}, fmt.Errorf("ledger: tx for %s/%s missing row payload", tx.Table, tx.RowID)
			}
			if field, err := entry.Validate(entry.ToSyncRow(tx.Row)); err != nil {
				return Result{}, fmt.Errorf("ledger: validate %s/%s field %s: %w", tx.Table, tx.RowID, field, err)
			}
		}
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	dbTx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer dbTx.Rollback()

	ts := txs[0].Ts
	entries := make([]changelog.Entry, 0, len(txs))
	for _, tx := range txs {
		op := changelog.OpUpsert
		if tx.Type == TxDelete {
			op = changelog.OpDelete
		}
		payload, err := json.Marshal(tx.Row)
		if err != nil {
			return Result{}, fmt.Errorf("ledger: marshal %s/%s: %w", tx.Table, tx.RowID, err)
		}
		entries = append(entries, changelog.Entry{
			Table:       tx.Table,
			RowID:       tx.RowID,
			Op:          op,
			PayloadJSON: string(payload),
			CreatedAt:   tx.Ts,
		})
	}

	appended, err := e.log.AppendTx(ctx, dbTx, entries)
	if err != nil {
		return Result{}, err
	}

	height := e.lastHeight + 1
	prevHash, err := e.prevHashTx(ctx, dbTx)
	if err != nil {
		return Result{}, err
	}
	signerID := ""
	if e.signer != nil {
		signerID = e.signer.SignerID()
	}
	hash := computeHash(prevHash, appended, signerID, ts)

	seqs := make([]string, len(appended))
	for i, en := range appended {
		seqs[i] = strconv.FormatInt(en.ServerSeq, 10)
	}
	if _, err := dbTx.ExecContext(ctx, `
INSERT INTO blocks (height, prev_hash, hash, signer_id, ts, entry_seqs) VALUES (?, ?, ?, ?, ?, ?)`,
		height, prevHash, hash, signerID, ts, strings.Join(seqs, ",")); err != nil {
		return Result{}, fmt.Errorf("ledger: insert block: %w", err)
	}

	if err := dbTx.Commit(); err != nil {
		return Result{}, fmt.Errorf("ledger: commit: %w", err)
	}

	e.lastHeight = height
	appliedRows := make([]AppliedRow, len(txs))
	for i, tx := range txs {
		seq := appended[i].ServerSeq
		appliedRows[i] = AppliedRow{Table: tx.Table, RowID: tx.RowID, ServerSeq: seq}
		if tx.Type == TxDelete && tx.Row == nil {
			// Tombstone with no payload supplied: mark deleted in state using
			// whatever row currently exists, leaving other fields untouched.
			e.stateMu.Lock()
			if existing, ok := e.state[tx.Table][tx.RowID]; ok {
				existing = cloneRow(existing)
				existing["deleted_at"] = tx.Ts
				existing["last_server_seq"] = seq
				e.state[tx.Table][tx.RowID] = existing
			}
			e.stateMu.Unlock()
			continue
		}
		tx.Row["last_server_seq"] = seq
		e.applyToState(tx.Table, tx.RowID, tx.Row)
	}

	return Result{
		Applied:     len(appended),
		LastSeq:     appended[len(appended)-1].ServerSeq,
		Height:      height,
		AppliedRows: appliedRows,
	}, nil
}

func (e *Engine) prevHashTx(ctx context.Context, tx *sql.Tx) (string, error) {
	var hash sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT hash FROM blocks ORDER BY height DESC LIMIT 1`).Scan(&hash)
	if err == sql.ErrNoRows {
		return genesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("ledger: read prev hash: %w", err)
	}
	return hash.String, nil
}

// ListBlocksSince returns blocks with height > since, in ascending order,
// up to limit.
func (e *Engine) ListBlocksSince(ctx context.Context, since int64, limit int) ([]Block, error) {
	rows, err := e.db.QueryContext(ctx, `
SELECT height, prev_hash, hash, signer_id, ts, entry_seqs
FROM blocks WHERE height > ? ORDER BY height ASC LIMIT ?`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: list blocks: %w", err)
	}
	defer rows.Close()

	var out []Block
	for rows.Next() {
		var b Block
		var seqsCSV string
		if err := rows.Scan(&b.Height, &b.PrevHash, &b.Hash, &b.SignerID, &b.Ts, &seqsCSV); err != nil {
			return nil, fmt.Errorf("ledger: scan block: %w", err)
		}
		if seqsCSV != "" {
			for _, s := range strings.Split(seqsCSV, ",") {
				seq, err := strconv.ParseInt(s, 10, 64)
				if err != nil {
					continue
				}
				entries, err := e.log.RangeSince(ctx, seq-1, 1)
				if err == nil && len(entries) == 1 {
					b.Entries = append(b.Entries, entries[0])
				}
			}
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
