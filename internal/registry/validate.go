package registry

import (
	"fmt"
	"regexp"
)

// uuidPattern matches a canonical lowercase-or-mixed-case UUID; the teacher
// never validates UUID shape strictly (it treats any non-empty string id as
// valid), but §4.1 calls out "UUID... constraints" explicitly, so this
// registry enforces the standard 8-4-4-4-12 hex grouping.
var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// Validate checks a wire-shaped row against this entry's schema: required
// envelope fields, their types, table-specific columns, and
// numeric/UUID/string-length constraints, per §4.1. It returns the first
// offending field name so callers can build a sync_validation_error naming
// (table, row_id, field).
func (e *Entry) Validate(row Row) (field string, err error) {
	id, ok := row["id"]
	if !ok || !isNonEmptyString(id) {
		return "id", fmt.Errorf("missing or empty id")
	}
	idStr, _ := id.(string)
	if !uuidPattern.MatchString(idStr) {
		return "id", fmt.Errorf("id %q is not a valid UUID", idStr)
	}

	createdAt, hasCreated := asEpochMS(row["created_at"])
	if !hasCreated {
		return "created_at", fmt.Errorf("missing or invalid created_at")
	}
	updatedAt, hasUpdated := asEpochMS(row["updated_at"])
	if !hasUpdated {
		return "updated_at", fmt.Errorf("missing or invalid updated_at")
	}
	if updatedAt < createdAt {
		return "updated_at", fmt.Errorf("updated_at %d precedes created_at %d", updatedAt, createdAt)
	}

	if raw, ok := row["deleted_at"]; ok && raw != nil {
		deletedAt, ok := asEpochMS(raw)
		if !ok {
			return "deleted_at", fmt.Errorf("invalid deleted_at")
		}
		if deletedAt < updatedAt {
			return "deleted_at", fmt.Errorf("deleted_at %d precedes updated_at %d", deletedAt, updatedAt)
		}
	}

	if raw, ok := row["last_server_seq"]; ok && raw != nil {
		if _, ok := asInt(raw); !ok {
			return "last_server_seq", fmt.Errorf("invalid last_server_seq")
		}
	}

	if raw, ok := row["sync_status"]; ok && raw != nil {
		s, ok := raw.(string)
		if !ok || (s != "synced" && s != "pending" && s != "error") {
			return "sync_status", fmt.Errorf("invalid sync_status %v", raw)
		}
	}

	for _, f := range e.Fields {
		val, present := row[f.SyncField]
		if !present || val == nil {
			if f.Required {
				return f.SyncField, fmt.Errorf("missing required field %s", f.SyncField)
			}
			continue
		}
		if err := validateFieldValue(f, val); err != nil {
			return f.SyncField, err
		}
	}

	return "", nil
}

func validateFieldValue(f Field, val interface{}) error {
	switch f.Kind {
	case KindString:
		s, ok := val.(string)
		if !ok {
			return fmt.Errorf("field %s must be a string", f.SyncField)
		}
		if f.MaxLen > 0 && len(s) > f.MaxLen {
			return fmt.Errorf("field %s exceeds max length %d", f.SyncField, f.MaxLen)
		}
	case KindUUID:
		s, ok := val.(string)
		if !ok || !uuidPattern.MatchString(s) {
			return fmt.Errorf("field %s is not a valid UUID", f.SyncField)
		}
	case KindInt:
		if _, ok := asInt(val); !ok {
			return fmt.Errorf("field %s must be an integer", f.SyncField)
		}
	case KindFloat:
		if _, ok := asFloat(val); !ok {
			return fmt.Errorf("field %s must be numeric", f.SyncField)
		}
	case KindBool:
		if _, ok := val.(bool); !ok {
			return fmt.Errorf("field %s must be a boolean", f.SyncField)
		}
	case KindEpochMS:
		if _, ok := asEpochMS(val); !ok {
			return fmt.Errorf("field %s must be an epoch-millisecond integer", f.SyncField)
		}
	case KindJSON:
		// any JSON-decodable value is accepted: object, array, string, number, bool, null
	}
	return nil
}

func isNonEmptyString(v interface{}) bool {
	s, ok := v.(string)
	return ok && s != ""
}

func asInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

func asEpochMS(v interface{}) (int64, bool) {
	return asInt(v)
}
