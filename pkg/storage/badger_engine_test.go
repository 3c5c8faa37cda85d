package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n8n-mcp/graphindex/pkg/model"
)

func newTestEngine(t *testing.T) *BadgerEngine {
	t.Helper()
	eng, err := NewBadgerEngineWithOptions(BadgerOptions{
		DataDir:  t.TempDir(),
		InMemory: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func TestAddAndGetNode(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	n := &model.Node{ID: "slack", Label: "Slack", Category: "Communication", Keywords: []string{"message", "chat"}}
	require.NoError(t, eng.AddNode(ctx, n))

	got, err := eng.GetNode(ctx, "slack")
	require.NoError(t, err)
	assert.Equal(t, "Slack", got.Label)
	assert.Equal(t, "Communication", got.Category)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestAddNodeIsIdempotentUpsert(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	n := &model.Node{ID: "slack", Label: "Slack"}
	require.NoError(t, eng.AddNode(ctx, n))
	require.NoError(t, eng.AddNode(ctx, n))

	count, err := eng.NodeCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestGetNodeNotFound(t *testing.T) {
	eng := newTestEngine(t)
	_, err := eng.GetNode(context.Background(), "missing")
	assert.True(t, IsNotFound(err))
}

func TestGetNodesByCategory(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.AddNode(ctx, &model.Node{ID: "slack", Label: "Slack", Category: "Communication"}))
	require.NoError(t, eng.AddNode(ctx, &model.Node{ID: "http", Label: "HTTP Request", Category: "Core"}))
	require.NoError(t, eng.AddNode(ctx, &model.Node{ID: "set", Label: "Set", Category: "Core"}))

	nodes, err := eng.GetNodesByCategory(ctx, "Communication")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "slack", nodes[0].ID)
}

func TestAddEdgeAndQueryByEndpoint(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.AddNode(ctx, &model.Node{ID: "httpRequest", Label: "HTTP Request"}))
	require.NoError(t, eng.AddNode(ctx, &model.Node{ID: "slack", Label: "Slack"}))

	edge := &model.Edge{ID: "e1", SourceID: "httpRequest", TargetID: "slack", Kind: model.CompatibleWith, Strength: 0.95}
	require.NoError(t, eng.AddEdge(ctx, edge))

	from, err := eng.GetEdgesFromNode(ctx, "httpRequest")
	require.NoError(t, err)
	require.Len(t, from, 1)
	assert.Equal(t, "slack", from[0].TargetID)

	to, err := eng.GetEdgesToNode(ctx, "slack")
	require.NoError(t, err)
	require.Len(t, to, 1)
	assert.Equal(t, "httpRequest", to[0].SourceID)
}

func TestAddEdgeEnforcesTripleUniqueness(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.AddNode(ctx, &model.Node{ID: "httpRequest", Label: "HTTP Request"}))
	require.NoError(t, eng.AddNode(ctx, &model.Node{ID: "slack", Label: "Slack"}))

	first := &model.Edge{ID: "e1", SourceID: "httpRequest", TargetID: "slack", Kind: model.CompatibleWith, Strength: 0.5}
	require.NoError(t, eng.AddEdge(ctx, first))

	second := &model.Edge{ID: "e2", SourceID: "httpRequest", TargetID: "slack", Kind: model.CompatibleWith, Strength: 0.9}
	require.NoError(t, eng.AddEdge(ctx, second))

	from, err := eng.GetEdgesFromNode(ctx, "httpRequest")
	require.NoError(t, err)
	require.Len(t, from, 1, "a second AddEdge with the same (source, target, kind) should replace, not duplicate")
	assert.Equal(t, "e2", from[0].ID)
	assert.Equal(t, 0.9, from[0].Strength)

	to, err := eng.GetEdgesToNode(ctx, "slack")
	require.NoError(t, err)
	require.Len(t, to, 1)
	assert.Equal(t, "e2", to[0].ID)
}

func TestAddEdgeRejectsUnknownKind(t *testing.T) {
	eng := newTestEngine(t)
	err := eng.AddEdge(context.Background(), &model.Edge{ID: "e1", SourceID: "a", TargetID: "b", Kind: "nonsense"})
	assert.Error(t, err)
}

func TestDeleteNodeCascadesEdgesAndEmbedding(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.AddNode(ctx, &model.Node{ID: "a", Label: "A"}))
	require.NoError(t, eng.AddNode(ctx, &model.Node{ID: "b", Label: "B"}))
	require.NoError(t, eng.AddEdge(ctx, &model.Edge{ID: "e1", SourceID: "a", TargetID: "b", Kind: model.Solves, Strength: 1}))
	require.NoError(t, eng.AddEmbedding(ctx, &model.Embedding{NodeID: "a", Vector: []float32{1, 2, 3}, Model: "test"}))

	require.NoError(t, eng.DeleteNode(ctx, "a"))

	_, err := eng.GetNode(ctx, "a")
	assert.True(t, IsNotFound(err))

	_, err = eng.GetEmbedding(ctx, "a")
	assert.True(t, IsNotFound(err))

	edges, err := eng.GetEdgesToNode(ctx, "b")
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestEmbeddingRoundTrip(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	vec := []float32{0.1, -0.2, 0.3, 0.4}
	require.NoError(t, eng.AddEmbedding(ctx, &model.Embedding{NodeID: "a", Vector: vec, Model: "test-model"}))

	got, err := eng.GetEmbedding(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, vec, got.Vector)
	assert.Equal(t, 4, got.Dimension)
	assert.Equal(t, "test-model", got.Model)
}

func TestEmbeddingDimensionMismatchRejected(t *testing.T) {
	eng := newTestEngine(t)
	err := eng.AddEmbedding(context.Background(), &model.Embedding{NodeID: "a", Vector: []float32{1, 2}, Dimension: 5})
	assert.Error(t, err)
}

func TestMetadataRoundTrip(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.SetMetadata(ctx, "embedding_model", "all-MiniLM-L6-v2"))
	val, err := eng.GetMetadata(ctx, "embedding_model")
	require.NoError(t, err)
	assert.Equal(t, "all-MiniLM-L6-v2", val)

	all, err := eng.GetAllMetadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, "all-MiniLM-L6-v2", all["embedding_model"])
}

func TestLogQueryAndRetrieve(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.LogQuery(ctx, &model.QueryLog{Query: "slack", Kind: "keyword", Results: 3}))
	require.NoError(t, eng.LogQuery(ctx, &model.QueryLog{Query: "http", Kind: "keyword", Results: 1}))

	logs, err := eng.GetQueryLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "http", logs[0].Query) // newest first
}

func TestUpdateHistoryWrittenWithMutation(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.AddNode(ctx, &model.Node{ID: "a", Label: "A"}))

	history, err := eng.GetUpdateHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, model.OpAdd, history[0].Operation)
	assert.Equal(t, "a", history[0].EntityID)
}

func TestGetStats(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.AddNode(ctx, &model.Node{ID: "a", Label: "A"}))
	stats, err := eng.GetStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.NodeCount)
	assert.Equal(t, CurrentSchemaVersion, stats.SchemaVersion)
}
