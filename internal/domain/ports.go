package domain

import (
	"context"
	"time"
)

// MailSource lists new messages addressed to the group inbox. The query
// string must filter by destination of the group address; the caller supplies
// the exact filter. IDs are opaque and stable.
type MailSource interface {
	ListNew(ctx context.Context, query string, limit int) ([]RawMessage, error)
}

// SchemaField describes one knowledge-base property.
type SchemaField struct {
	Name           string `json:"name"`
	Type           string `json:"type"`
	RelationTarget string `json:"relation_target,omitempty"`
}

// Schema is the discovered shape of a knowledge-base database. TypeTags is
// the authoritative set of classification type tags; the system never
// hard-codes these values.
type Schema struct {
	DatabaseID string        `json:"database_id"`
	Fields     []SchemaField `json:"fields"`
	TypeTags   []string      `json:"type_tags"`
	FetchedAt  time.Time     `json:"fetched_at"`
}

// Field returns the schema field with the given name, if present.
func (s Schema) Field(name string) (SchemaField, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return SchemaField{}, false
}

// Record is a knowledge-base row with flat field values and depth-1 relation
// IDs keyed by property name.
type Record struct {
	ID        string              `json:"id"`
	Fields    map[string]string   `json:"fields"`
	Relations map[string][]string `json:"relations,omitempty"`
}

// RecordFilter narrows a ListRecords call to rows whose property equals a
// value. The zero value matches everything.
type RecordFilter struct {
	Property string
	Equals   string
}

// OnDuplicate controls upsert behavior when the idempotency key already has a
// record.
type OnDuplicate string

// Duplicate policies.
const (
	DuplicateSkip   OnDuplicate = "skip"
	DuplicateUpdate OnDuplicate = "update"
)

// KnowledgeBase is the port to the external knowledge base (Notion-shaped).
// Implementations are rate-limited and cache schema (24h) and data (6h).
type KnowledgeBase interface {
	DiscoverSchema(ctx context.Context, dbID string, forceRefresh bool) (Schema, error)
	ListRecords(ctx context.Context, dbID string, filter *RecordFilter, limit int) ([]Record, error)
	CreateRecord(ctx context.Context, dbID string, fields map[string]string, relations map[string][]string) (Record, error)
	UpsertRecord(ctx context.Context, dbID, key string, fields map[string]string, relations map[string][]string, onDup OnDuplicate) (Record, error)
}

// UserDirectory lists workspace members for person resolution.
type UserDirectory interface {
	ListUsers(ctx context.Context) ([]WorkspaceUser, error)
}

// ProviderAdapter is the uniform call surface over one LLM vendor. Adapters
// own prompt construction, structured-output parsing, and token accounting;
// they are stateless and never retry. Failures are returned as *Classified.
type ProviderAdapter interface {
	Name() string
	Extract(ctx context.Context, in ExtractInput) (ExtractResult, error)
	Classify(ctx context.Context, in ClassifyInput) (ClassifyResult, error)
}

// SecretSource resolves secrets with service, cache, and env-file tiers.
// A missing key returns ErrSecretNotFound.
type SecretSource interface {
	Get(ctx context.Context, key string) (string, error)
}
