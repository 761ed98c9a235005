package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/relaycore/ledgersync/internal/changelog"
	"github.com/relaycore/ledgersync/internal/clientstore"
	"github.com/relaycore/ledgersync/internal/registry"
)

// serveSnapshot serves a replayed snapshot database for projectID up to
// lastSeq, building and caching it on a cache miss. Adapted from the
// teacher's handleSyncSnapshot/buildSnapshot/serveSnapshotFile pipeline,
// which cached a td-events replay keyed by server_seq; here the replay
// source is the change log and the target schema is a clientstore database
// so a new client can open the download directly as its own store.
func (s *Server) serveSnapshot(w http.ResponseWriter, r *http.Request, projectID string, bundle *projectBundle, lastSeq int64) {
	cacheDir := filepath.Join(s.config.ProjectDataDir, "snapshots", projectID)
	cachePath := filepath.Join(cacheDir, fmt.Sprintf("%d.db", lastSeq))

	if _, err := os.Stat(cachePath); err == nil {
		slog.Info("snapshot cache hit", "project", projectID, "seq", lastSeq)
		serveSnapshotFile(w, r, cachePath, lastSeq)
		return
	}

	tmpDir, err := os.MkdirTemp("", "ledgersync-snapshot-*")
	if err != nil {
		logFor(r.Context()).Error("create snapshot temp dir", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create snapshot")
		return
	}
	defer os.RemoveAll(tmpDir)

	tmpDBPath, err := buildSnapshot(r.Context(), bundle.log, s.reg, tmpDir, lastSeq)
	if err != nil {
		logFor(r.Context()).Error("build snapshot", "project", projectID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to build snapshot")
		return
	}

	servePath := tmpDBPath
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		slog.Warn("snapshot cache mkdir failed", "dir", cacheDir, "err", err)
	} else {
		tmpCachePath := cachePath + fmt.Sprintf(".tmp.%d", os.Getpid())
		if err := copyFile(tmpDBPath, tmpCachePath); err == nil {
			if err := os.Rename(tmpCachePath, cachePath); err != nil {
				os.Remove(tmpCachePath)
				slog.Warn("snapshot cache rename failed", "err", err)
			} else {
				cleanSnapshotCache(cacheDir, lastSeq)
				slog.Info("snapshot cached", "project", projectID, "seq", lastSeq)
				servePath = cachePath
			}
		} else {
			slog.Warn("snapshot cache write failed", "err", err)
		}
	}

	serveSnapshotFile(w, r, servePath, lastSeq)
}

// buildSnapshot replays the change log up to upToSeq into a fresh
// clientstore database under tmpDir, returning the path to the resulting
// .db file.
func buildSnapshot(ctx context.Context, log *changelog.Store, reg *registry.Registry, tmpDir string, upToSeq int64) (string, error) {
	store, err := clientstore.Initialize(tmpDir, reg)
	if err != nil {
		return "", fmt.Errorf("init snapshot store: %w", err)
	}

	const batchSize = 2000
	afterSeq := int64(0)
	for {
		entries, err := log.RangeSince(ctx, afterSeq, batchSize)
		if err != nil {
			store.Close()
			return "", fmt.Errorf("range change log after %d: %w", afterSeq, err)
		}
		if len(entries) == 0 {
			break
		}

		fetched := len(entries)
		for _, e := range entries {
			if e.ServerSeq > upToSeq {
				afterSeq = upToSeq
				break
			}
			if e.Op == changelog.OpUpsert {
				var row registry.Row
				if err := json.Unmarshal([]byte(e.PayloadJSON), &row); err != nil {
					store.Close()
					return "", fmt.Errorf("decode payload for %s/%s: %w", e.Table, e.RowID, err)
				}
				if err := store.ApplyPulledRow(e.Table, row, e.ServerSeq); err != nil {
					store.Close()
					return "", fmt.Errorf("apply row %s/%s: %w", e.Table, e.RowID, err)
				}
			}
			afterSeq = e.ServerSeq
		}

		if fetched < batchSize || afterSeq >= upToSeq {
			break
		}
	}

	dbPath := filepath.Join(store.BaseDir(), ".ledgersync", "store.db")
	store.Conn().Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	store.Close()

	return dbPath, nil
}

// serveSnapshotFile streams a snapshot .db file as an HTTP response.
func serveSnapshotFile(w http.ResponseWriter, r *http.Request, path string, seq int64) {
	f, err := os.Open(path)
	if err != nil {
		logFor(r.Context()).Error("open snapshot", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read snapshot")
		return
	}
	defer f.Close()

	stat, _ := f.Stat()
	w.Header().Set("Content-Type", "application/x-sqlite3")
	w.Header().Set("X-Snapshot-Seq", strconv.FormatInt(seq, 10))
	w.Header().Set("Content-Length", strconv.FormatInt(stat.Size(), 10))
	w.WriteHeader(http.StatusOK)
	io.Copy(w, f)
}

// cleanSnapshotCache removes cached .db files that don't match the current seq.
func cleanSnapshotCache(cacheDir string, currentSeq int64) {
	entries, err := os.ReadDir(cacheDir)
	if err != nil {
		return
	}
	currentName := fmt.Sprintf("%d.db", currentSeq)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".db") {
			continue
		}
		if e.Name() != currentName {
			old := filepath.Join(cacheDir, e.Name())
			if err := os.Remove(old); err != nil {
				slog.Warn("snapshot cache cleanup failed", "file", old, "err", err)
			} else {
				slog.Info("snapshot cache evicted", "file", e.Name())
			}
		}
	}
}

// copyFile copies src to dst atomically via rename, falling back to a byte
// copy across filesystems.
func copyFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmpDst := dst + ".tmp"
	out, err := os.Create(tmpDst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmpDst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpDst)
		return err
	}
	return os.Rename(tmpDst, dst)
}
