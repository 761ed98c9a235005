package registry

import "testing"

func TestDefaultRegistryTopologicalOrder(t *testing.T) {
	r, err := Default()
	if err != nil {
		t.Fatalf("Default(): %v", err)
	}

	pos := map[string]int{}
	for i, e := range r.Entries() {
		pos[e.Name] = i
	}

	for _, e := range r.Entries() {
		for _, dep := range e.DependsOn {
			if pos[dep] >= pos[e.Name] {
				t.Errorf("table %q (pos %d) must follow dependency %q (pos %d)", e.Name, pos[e.Name], dep, pos[dep])
			}
		}
	}
}

func TestBuildRejectsCycle(t *testing.T) {
	_, err := Build([]Entry{
		{Name: "a", DependsOn: []string{"b"}},
		{Name: "b", DependsOn: []string{"a"}},
	})
	if err == nil {
		t.Fatal("expected cycle error, got nil")
	}
}

func TestBuildRejectsUnknownDependency(t *testing.T) {
	_, err := Build([]Entry{
		{Name: "a", DependsOn: []string{"ghost"}},
	})
	if err == nil {
		t.Fatal("expected unknown-dependency error, got nil")
	}
}

func TestEntriesRoundTripConversion(t *testing.T) {
	r, err := Default()
	if err != nil {
		t.Fatal(err)
	}
	entities, ok := r.Get("entities")
	if !ok {
		t.Fatal("entities table not found")
	}

	db := Row{
		"id":         "11111111-1111-1111-1111-111111111111",
		"created_at": int64(1000),
		"updated_at": int64(1000),
		"typeId":     "22222222-2222-2222-2222-222222222222",
		"label":      "widget",
	}
	wire := entities.ToSyncRow(db)
	if wire["type_id"] != db["typeId"] {
		t.Errorf("ToSyncRow: type_id = %v, want %v", wire["type_id"], db["typeId"])
	}
	if _, leaked := wire["typeId"]; leaked {
		t.Errorf("ToSyncRow leaked camelCase key typeId")
	}

	back := entities.ToDbRow(wire)
	if back["typeId"] != db["typeId"] {
		t.Errorf("ToDbRow: typeId = %v, want %v", back["typeId"], db["typeId"])
	}
}

func TestValidateRejectsUpdatedBeforeCreated(t *testing.T) {
	r, err := Default()
	if err != nil {
		t.Fatal(err)
	}
	notes, _ := r.Get("notes")
	row := Row{
		"id":         "11111111-1111-1111-1111-111111111111",
		"created_at": int64(2000),
		"updated_at": int64(1000),
	}
	field, err := notes.Validate(row)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if field != "updated_at" {
		t.Errorf("field = %q, want updated_at", field)
	}
}

func TestValidateRejectsMissingRequiredForeignKey(t *testing.T) {
	r, err := Default()
	if err != nil {
		t.Fatal(err)
	}
	entities, _ := r.Get("entities")
	row := Row{
		"id":         "11111111-1111-1111-1111-111111111111",
		"created_at": int64(1000),
		"updated_at": int64(1000),
	}
	field, err := entities.Validate(row)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if field != "type_id" {
		t.Errorf("field = %q, want type_id", field)
	}
}

func TestValidateDeletedAtBeforeUpdatedAt(t *testing.T) {
	r, _ := Default()
	notes, _ := r.Get("notes")
	row := Row{
		"id":         "11111111-1111-1111-1111-111111111111",
		"created_at": int64(1000),
		"updated_at": int64(2000),
		"deleted_at": int64(1500),
	}
	field, err := notes.Validate(row)
	if err == nil || field != "deleted_at" {
		t.Fatalf("expected deleted_at error, got field=%q err=%v", field, err)
	}
}

func TestForeignKeys(t *testing.T) {
	r, _ := Default()
	av, _ := r.Get("attribute_values")
	fks := av.ForeignKeys()
	if fks["entityId"] != "entities" || fks["defId"] != "attribute_defs" {
		t.Errorf("unexpected foreign keys: %+v", fks)
	}
}
