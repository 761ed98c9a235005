// Package registry is the single source of truth for sync table names, row
// schemas, snake/camel field maps, UPSERT conflict-target columns, and the
// dependency graph that orders every other component's work. It generalizes
// the teacher's internal/sync normalizeEntityType switch and
// internal/sync/events.go getTableColumns column-whitelisting into one
// declarative table list that push, pull, client apply, and autoheal diffing
// all read from instead of maintaining their own copies.
package registry

import "fmt"

// FieldKind constrains a column's accepted JSON shape during validation.
type FieldKind int

const (
	KindString FieldKind = iota
	KindInt
	KindFloat
	KindBool
	KindUUID
	KindEpochMS
	KindJSON
)

// Field describes one table-specific column and its db/sync name mapping.
// DBField is camelCase as stored in the client's local mirror; SyncField is
// snake_case as carried on the wire, matching the teacher's wire payloads.
type Field struct {
	DBField    string
	SyncField  string
	Kind       FieldKind
	Required   bool
	MaxLen     int  // string length ceiling, 0 = unbounded
	ForeignKey string // table this column references, "" if none
}

// Entry is one table registry record.
type Entry struct {
	// Name is the canonical sync name (snake_case, matches the wire table name).
	Name string
	// LedgerName is the name used by the Ledger Engine's materialized state;
	// equal to Name for every table in this registry (kept distinct in the
	// contract so a future table could multiplex ledger entries under a
	// different sync name without touching C3).
	LedgerName string
	// Fields lists the table-specific columns beyond the mandatory envelope.
	Fields []Field
	// ConflictTarget names the column(s) used for UPSERT on push.
	ConflictTarget []string
	// DependsOn lists other table names that must precede this one.
	DependsOn []string
}

// envelopeFields are present on every sync row and never listed in Fields.
var envelopeFields = []string{"id", "created_at", "updated_at", "deleted_at", "last_server_seq", "sync_status"}

// Registry is an ordered, validated, immutable-after-Build table list.
type Registry struct {
	order   []string
	byName  map[string]*Entry
}

// Build validates acyclicity and produces a Registry whose Entries() are in
// dependency-safe topological order: a parent table always precedes its
// dependents, mirroring the teacher's registry-as-truth design note.
func Build(entries []Entry) (*Registry, error) {
	byName := make(map[string]*Entry, len(entries))
	for i := range entries {
		e := &entries[i]
		if e.LedgerName == "" {
			e.LedgerName = e.Name
		}
		if _, dup := byName[e.Name]; dup {
			return nil, fmt.Errorf("registry: duplicate table %q", e.Name)
		}
		byName[e.Name] = e
	}
	for _, e := range entries {
		for _, dep := range e.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("registry: table %q depends on unknown table %q", e.Name, dep)
			}
		}
	}

	order, err := topoSort(entries, byName)
	if err != nil {
		return nil, err
	}

	return &Registry{order: order, byName: byName}, nil
}

func topoSort(entries []Entry, byName map[string]*Entry) ([]string, error) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(entries))
	var order []string

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("registry: dependency cycle detected at %q (path: %v)", name, append(path, name))
		}
		color[name] = gray
		for _, dep := range byName[name].DependsOn {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		color[name] = black
		order = append(order, name)
		return nil
	}

	// Iterate in declaration order so ties among independent tables are
	// deterministic rather than map-iteration-order dependent.
	for _, e := range entries {
		if err := visit(e.Name, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Entries returns every table entry in dependency-safe topological order.
func (r *Registry) Entries() []*Entry {
	out := make([]*Entry, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Get returns the entry for name, or ok=false if name is not a sync table.
func (r *Registry) Get(name string) (*Entry, bool) {
	e, ok := r.byName[name]
	return e, ok
}

// IsSyncTable reports whether name is registered.
func (r *Registry) IsSyncTable(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Order returns the table names in topological order, cheaper than Entries
// when callers only need names (e.g. iterating push groups).
func (r *Registry) Order() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
