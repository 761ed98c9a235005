package pushapplier

import (
	"github.com/relaycore/ledgersync/internal/ledgererr"
	"github.com/relaycore/ledgersync/internal/registry"
)

// resolveConflict implements spec §4.4 step 3c. Returns apply=true when the
// incoming row should be written, skip=true when the row should be silently
// dropped (idempotent resend or a last-writer-wins loss — neither is an
// error), or a non-nil *ledgererr.Error naming a hard sync_conflict.
func resolveConflict(existing registry.Row, hasExisting bool, incoming registry.Row) (apply bool, skip bool, err *ledgererr.Error) {
	if !hasExisting {
		return true, false, nil
	}

	existingLSS, hasExistingLSS := toInt64(existing["last_server_seq"])
	incomingLSS, hasIncomingLSS := toInt64(incoming["last_server_seq"])

	if hasExistingLSS && hasIncomingLSS {
		if incomingLSS < existingLSS {
			return false, false, ledgererr.New(ledgererr.KindConflict, "incoming last_server_seq is older than the stored row")
		}
		if incomingLSS == existingLSS {
			existingUpdated, _ := toInt64(existing["updated_at"])
			incomingUpdated, _ := toInt64(incoming["updated_at"])
			if existingUpdated == incomingUpdated {
				return false, true, nil // identical resend: idempotent no-op
			}
			return true, false, nil // spec: "equals existing, accept"
		}
		return true, false, nil // strictly newer last_server_seq always wins
	}

	existingTombstoned := existing["deleted_at"] != nil
	incomingIsUndelete := incoming["deleted_at"] == nil
	if existingTombstoned && hasExistingLSS && !hasIncomingLSS && incomingIsUndelete {
		return false, false, ledgererr.New(ledgererr.KindConflict, "undelete over a tombstone with a known last_server_seq requires pulling first")
	}

	// Last-writer-wins by updated_at; ties favor the existing row unless
	// incoming is a delete and existing is not, in which case the delete wins.
	existingUpdated, _ := toInt64(existing["updated_at"])
	incomingUpdated, _ := toInt64(incoming["updated_at"])
	existingIsDelete := existing["deleted_at"] != nil
	incomingIsDelete := incoming["deleted_at"] != nil

	switch {
	case incomingUpdated > existingUpdated:
		return true, false, nil
	case incomingUpdated < existingUpdated:
		return false, true, nil
	case incomingIsDelete && !existingIsDelete:
		return true, false, nil
	default:
		return false, true, nil
	}
}
