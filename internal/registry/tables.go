package registry

// Default builds the registry for the enterprise records entity-attribute
// domain named in §4.1: entity_types, entities, attribute_defs,
// attribute_values, operations, audit_log, chat_messages, chat_reads,
// user_presence, notes, note_shares. Declaration order does not need to be
// topological — Build() computes that — but entries are listed here parents
// first for readability, matching the teacher's allowedEntityTypes table.
func Default() (*Registry, error) {
	return Build([]Entry{
		{
			Name:           "entity_types",
			ConflictTarget: []string{"id"},
			Fields: []Field{
				{DBField: "name", SyncField: "name", Kind: KindString, Required: true, MaxLen: 200},
				{DBField: "schemaVersion", SyncField: "schema_version", Kind: KindInt},
			},
		},
		{
			Name:           "entities",
			ConflictTarget: []string{"id"},
			DependsOn:      []string{"entity_types"},
			Fields: []Field{
				{DBField: "typeId", SyncField: "type_id", Kind: KindUUID, Required: true, ForeignKey: "entity_types"},
				{DBField: "label", SyncField: "label", Kind: KindString, MaxLen: 500},
			},
		},
		{
			Name:           "attribute_defs",
			ConflictTarget: []string{"id"},
			DependsOn:      []string{"entity_types"},
			Fields: []Field{
				{DBField: "typeId", SyncField: "type_id", Kind: KindUUID, Required: true, ForeignKey: "entity_types"},
				{DBField: "name", SyncField: "name", Kind: KindString, Required: true, MaxLen: 200},
				{DBField: "valueType", SyncField: "value_type", Kind: KindString, Required: true, MaxLen: 40},
			},
		},
		{
			Name:           "attribute_values",
			ConflictTarget: []string{"id"},
			DependsOn:      []string{"entities", "attribute_defs"},
			Fields: []Field{
				{DBField: "entityId", SyncField: "entity_id", Kind: KindUUID, Required: true, ForeignKey: "entities"},
				{DBField: "defId", SyncField: "def_id", Kind: KindUUID, Required: true, ForeignKey: "attribute_defs"},
				{DBField: "value", SyncField: "value", Kind: KindJSON},
			},
		},
		{
			Name:           "operations",
			ConflictTarget: []string{"id"},
			DependsOn:      []string{"entities"},
			Fields: []Field{
				{DBField: "entityId", SyncField: "entity_id", Kind: KindUUID, Required: true, ForeignKey: "entities"},
				{DBField: "kind", SyncField: "kind", Kind: KindString, Required: true, MaxLen: 80},
				{DBField: "actorId", SyncField: "actor_id", Kind: KindUUID},
			},
		},
		{
			Name:           "audit_log",
			ConflictTarget: []string{"id"},
			Fields: []Field{
				{DBField: "action", SyncField: "action", Kind: KindString, Required: true, MaxLen: 120},
				{DBField: "actorId", SyncField: "actor_id", Kind: KindUUID},
				{DBField: "detail", SyncField: "detail", Kind: KindJSON},
			},
		},
		{
			Name:           "chat_messages",
			ConflictTarget: []string{"id"},
			Fields: []Field{
				{DBField: "senderUserId", SyncField: "sender_user_id", Kind: KindUUID, Required: true},
				{DBField: "recipientUserId", SyncField: "recipient_user_id", Kind: KindUUID},
				{DBField: "body", SyncField: "body", Kind: KindString, MaxLen: 8000},
			},
		},
		{
			Name:           "chat_reads",
			ConflictTarget: []string{"id"},
			DependsOn:      []string{"chat_messages"},
			Fields: []Field{
				{DBField: "messageId", SyncField: "message_id", Kind: KindUUID, Required: true, ForeignKey: "chat_messages"},
				{DBField: "readerUserId", SyncField: "reader_user_id", Kind: KindUUID, Required: true},
			},
		},
		{
			Name:           "user_presence",
			ConflictTarget: []string{"id"},
			Fields: []Field{
				{DBField: "userId", SyncField: "user_id", Kind: KindUUID, Required: true},
				{DBField: "status", SyncField: "status", Kind: KindString, MaxLen: 40},
				{DBField: "lastSeenAt", SyncField: "last_seen_at", Kind: KindEpochMS},
			},
		},
		{
			Name:           "notes",
			ConflictTarget: []string{"id"},
			Fields: []Field{
				{DBField: "ownerId", SyncField: "owner_id", Kind: KindUUID},
				{DBField: "title", SyncField: "title", Kind: KindString, MaxLen: 300},
				{DBField: "body", SyncField: "body", Kind: KindString},
			},
		},
		{
			Name:           "note_shares",
			ConflictTarget: []string{"id"},
			DependsOn:      []string{"notes"},
			Fields: []Field{
				{DBField: "noteId", SyncField: "note_id", Kind: KindUUID, Required: true, ForeignKey: "notes"},
				{DBField: "sharedWithUserId", SyncField: "shared_with_user_id", Kind: KindUUID, Required: true},
			},
		},
	})
}

// PrivacyTables lists the tables subject to the chat privacy filter in
// §4.5 step 2: readable only by sender, recipient, or an admin/superadmin.
var PrivacyTables = map[string]bool{
	"chat_messages": true,
	"chat_reads":    true,
}
