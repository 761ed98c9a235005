// Package ledgererr defines the typed error taxonomy shared by the sync
// server and client: validation, policy, conflict, dependency, and protocol
// errors that must survive a JSON round trip with enough context (table,
// row, field) for the caller to act on without parsing strings.
package ledgererr

import "fmt"

// Kind is the wire-level error kind named in the external interface.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindSyncValidation     Kind = "sync_validation_error"
	KindDependencyMissing  Kind = "sync_dependency_missing"
	KindPolicyDenied       Kind = "sync_policy_denied"
	KindConflict           Kind = "sync_conflict"
	KindProtocolUpgrade    Kind = "protocol_upgrade_required"
	KindAuthRequired       Kind = "auth_required"
	KindPermissionDenied   Kind = "permission_denied"
	KindNotFound           Kind = "not_found"
	KindInternal           Kind = "internal"
)

// Error is the structured error type carried across component boundaries
// and serialized as the `error` field of a `{ok:false, error:{...}}` body.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Table   string `json:"table,omitempty"`
	RowID   string `json:"rowId,omitempty"`
	Field   string `json:"field,omitempty"`
}

func (e *Error) Error() string {
	if e.Table != "" || e.RowID != "" || e.Field != "" {
		return fmt.Sprintf("%s: %s (table=%s row_id=%s field=%s)", e.Kind, e.Message, e.Table, e.RowID, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New builds a plain Error with no row context.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds a plain Error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithRow annotates an error with the offending table/row/field.
func WithRow(kind Kind, message, table, rowID, field string) *Error {
	return &Error{Kind: kind, Message: message, Table: table, RowID: rowID, Field: field}
}

// HTTPStatus maps a Kind to its HTTP analogue per §6/§7 of the protocol.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation, KindSyncValidation:
		return 400
	case KindAuthRequired:
		return 401
	case KindPermissionDenied, KindPolicyDenied:
		return 403
	case KindNotFound:
		return 404
	case KindConflict, KindDependencyMissing:
		return 409
	case KindProtocolUpgrade:
		return 426
	default:
		return 500
	}
}

// As extracts a *Error from any error, mirroring errors.As without forcing
// callers to import the errors package just for this one check.
func As(err error) (*Error, bool) {
	le, ok := err.(*Error)
	return le, ok
}
