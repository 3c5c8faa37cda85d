// Package model defines the typed entities of the graph index: nodes,
// edges, embeddings, metadata, and the append-only logs that track queries
// and mutations against them.
//
// Every entity here is a plain value type. None of them hold a reference to
// storage or to each other directly — graphs are cyclic, so nodes and edges
// refer to one another only by string id, and the Storage Engine resolves
// those ids on demand. See package storage for the contract that owns
// persistence.
package model

import "time"

// RelationshipKind is the closed set of edge types the graph recognizes.
type RelationshipKind string

// The seven relationship kinds a workflow graph edge may carry.
const (
	CompatibleWith    RelationshipKind = "compatible_with"
	BelongsToCategory RelationshipKind = "belongs_to_category"
	UsedInPattern     RelationshipKind = "used_in_pattern"
	Solves            RelationshipKind = "solves"
	Requires          RelationshipKind = "requires"
	TriggeredBy       RelationshipKind = "triggered_by"
	SimilarTo         RelationshipKind = "similar_to"
)

// ValidRelationshipKind reports whether kind is one of the recognized values.
func ValidRelationshipKind(kind RelationshipKind) bool {
	switch kind {
	case CompatibleWith, BelongsToCategory, UsedInPattern, Solves, Requires, TriggeredBy, SimilarTo:
		return true
	default:
		return false
	}
}

// Metadata is a schema-less key/value bag attached to a Node or an Edge.
// Recognized keys (use_cases, agent_tips, keywords, and so on) are read by
// the search and explanation stages; everything else is preserved verbatim
// and returned unchanged. Metadata never infers new fields on write.
type Metadata map[string]any

// StringSlice reads key as an ordered sequence of strings. Accepts both
// []string and []any (the shape produced by decoding JSON) and returns nil
// if the key is absent or the value cannot be interpreted as a sequence.
func (m Metadata) StringSlice(key string) []string {
	if m == nil {
		return nil
	}
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// String reads key as a string, returning "" if absent or of another type.
func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// Clone returns a shallow copy of the bag, safe to mutate independently of
// the original.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Node is an entity in the graph: a workflow primitive such as an
// integration, trigger, or transform step.
type Node struct {
	ID          string    `json:"id"`
	Label       string    `json:"label"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category,omitempty"`
	Keywords    []string  `json:"keywords,omitempty"`
	Metadata    Metadata  `json:"metadata,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Edge is a directed relationship between two nodes. The triple
// (SourceID, TargetID, Kind) is unique; storage enforces this as an upsert
// key. Self-loops are permitted though discouraged.
type Edge struct {
	ID        string           `json:"id"`
	SourceID  string           `json:"source_id"`
	TargetID  string           `json:"target_id"`
	Kind      RelationshipKind `json:"type"`
	Strength  float64          `json:"strength"`
	Metadata  Metadata         `json:"metadata,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Embedding is a dense vector associated with exactly one node.
// Vectors are stored as packed little-endian float32, so the byte length of
// any stored embedding is always Dimension*4.
type Embedding struct {
	NodeID    string    `json:"node_id"`
	Vector    []float32 `json:"vector"`
	Model     string    `json:"model"`
	Dimension int       `json:"dimension"`
}

// GraphMetadata is a process-wide key/value mapping for build timestamps,
// version tags, the embedding model name, and counters. Written by the
// builder once and read by the service on each request for diagnostics.
type GraphMetadata map[string]string

// QueryLog is an append-only record of a single query for observability.
type QueryLog struct {
	ID        int64     `json:"id"`
	Query     string    `json:"query"`
	Kind      string    `json:"kind"`
	LatencyMs float64   `json:"latency_ms"`
	Results   int       `json:"results"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id,omitempty"`
}

// UpdateOperation names the kind of mutation an UpdateHistory entry recorded.
type UpdateOperation string

const (
	OpAdd        UpdateOperation = "add"
	OpDelete     UpdateOperation = "delete"
	OpAddEdge    UpdateOperation = "add_edge"
	OpDeleteEdge UpdateOperation = "delete_edge"
)

// UpdateHistory is an append-only audit trail entry. It is written inside
// the same transaction as the mutation it records, so the journal and the
// data it describes never drift apart.
type UpdateHistory struct {
	ID        int64           `json:"id"`
	EntityID  string          `json:"entity_id"`
	Kind      string          `json:"entity_kind"`
	Operation UpdateOperation `json:"operation"`
	OldValue  string          `json:"old_value,omitempty"`
	NewValue  string          `json:"new_value,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
}
