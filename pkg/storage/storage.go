// Package storage owns the on-disk database and every connection to it.
// Higher layers never hold a direct reference to persistent state; they
// call through the Engine contract, which guarantees that every mutation is
// transactional and that every node or edge mutation writes an audit row to
// the update history within the same transaction as the data it describes.
// Embedding, graph-metadata and query-log writes record no audit row.
package storage

import (
	"context"
	"errors"

	"github.com/n8n-mcp/graphindex/pkg/model"
)

// Failure is the typed kind of a storage error. Storage operations never
// panic on corrupt or malformed input; they return one of these instead.
type Failure string

const (
	FailureNotFound     Failure = "not_found"
	FailureConflict     Failure = "conflict"
	FailureInvalidInput Failure = "invalid_input"
	FailureIOError      Failure = "io_error"
	FailureCorruptState Failure = "corrupt_state"
)

// Error wraps a Failure kind with a human-readable message and, where
// applicable, the underlying cause. errors.Is matches against the sentinel
// Err* values below.
type Error struct {
	Kind    Failure
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is the sentinel error for e's Kind, so callers
// can write errors.Is(err, storage.ErrNotFound).
func (e *Error) Is(target error) bool {
	sentinel, ok := target.(*Error)
	return ok && sentinel.Kind == e.Kind && sentinel.Message == string(e.Kind)
}

func newError(kind Failure, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// Sentinel errors for errors.Is comparisons. Wrap a concrete *Error from an
// operation with one of these using errors.Is, not equality.
var (
	ErrNotFound     = &Error{Kind: FailureNotFound, Message: string(FailureNotFound)}
	ErrConflict     = &Error{Kind: FailureConflict, Message: string(FailureConflict)}
	ErrInvalidInput = &Error{Kind: FailureInvalidInput, Message: string(FailureInvalidInput)}
	ErrIOError      = &Error{Kind: FailureIOError, Message: string(FailureIOError)}
	ErrCorruptState = &Error{Kind: FailureCorruptState, Message: string(FailureCorruptState)}
)

// IsNotFound is a convenience wrapper around errors.Is(err, ErrNotFound).
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// Stats summarizes the contents and activity of the store, returned by
// Engine.GetStats for diagnostics. It is not part of the ping or
// query_graph responses.
type Stats struct {
	NodeCount          int64 `json:"node_count"`
	EdgeCount          int64 `json:"edge_count"`
	EmbeddingCount     int64 `json:"embedding_count"`
	QueryLogCount      int64 `json:"query_log_count"`
	UpdateHistoryCount int64 `json:"update_history_count"`
	SchemaVersion      string `json:"schema_version"`
}

// Engine is the contract every storage backend implements. All operations
// are safe for concurrent use; cross-goroutine access is expected.
type Engine interface {
	// Nodes
	AddNode(ctx context.Context, n *model.Node) error
	GetNode(ctx context.Context, id string) (*model.Node, error)
	GetNodes(ctx context.Context, limit, offset int) ([]*model.Node, error)
	GetNodesByCategory(ctx context.Context, category string) ([]*model.Node, error)
	DeleteNode(ctx context.Context, id string) error
	NodeCount(ctx context.Context) (int64, error)

	// Edges
	AddEdge(ctx context.Context, e *model.Edge) error
	GetEdgesFromNode(ctx context.Context, nodeID string) ([]*model.Edge, error)
	GetEdgesToNode(ctx context.Context, nodeID string) ([]*model.Edge, error)
	DeleteEdge(ctx context.Context, id string) error
	EdgeCount(ctx context.Context) (int64, error)

	// Embeddings
	AddEmbedding(ctx context.Context, e *model.Embedding) error
	GetEmbedding(ctx context.Context, nodeID string) (*model.Embedding, error)

	// Graph metadata
	SetMetadata(ctx context.Context, key, value string) error
	GetMetadata(ctx context.Context, key string) (string, error)
	GetAllMetadata(ctx context.Context) (model.GraphMetadata, error)

	// Observability
	LogQuery(ctx context.Context, q *model.QueryLog) error
	GetQueryLogs(ctx context.Context, limit int) ([]*model.QueryLog, error)
	GetUpdateHistory(ctx context.Context, limit int) ([]*model.UpdateHistory, error)

	// Diagnostics and maintenance
	GetStats(ctx context.Context) (Stats, error)
	Vacuum(ctx context.Context) error

	// Close releases the underlying database. Safe to call once.
	Close() error
}
