package query

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/n8n-mcp/graphindex/pkg/format"
	"github.com/n8n-mcp/graphindex/pkg/model"
	"github.com/n8n-mcp/graphindex/pkg/storage"
)

func newTestStore(t *testing.T) *storage.BadgerEngine {
	t.Helper()
	eng, err := storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
		DataDir:  t.TempDir(),
		InMemory: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func seedWorkflowGraph(t *testing.T, ctx context.Context, store storage.Engine) {
	t.Helper()
	nodes := []*model.Node{
		{ID: "httpRequest", Label: "HTTP Request", Category: "Core", Keywords: []string{"http", "request", "api"}},
		{ID: "set", Label: "Set", Category: "Core", Keywords: []string{"set", "transform"}},
		{ID: "slack", Label: "Slack", Category: "Communication", Keywords: []string{"slack", "message", "notify"}},
		{ID: "email", Label: "Email", Category: "Communication", Keywords: []string{"email", "notify"}},
	}
	for _, n := range nodes {
		require.NoError(t, store.AddNode(ctx, n))
	}
	require.NoError(t, store.AddEdge(ctx, &model.Edge{ID: "e1", SourceID: "httpRequest", TargetID: "set", Kind: model.CompatibleWith, Strength: 0.9}))
	require.NoError(t, store.AddEdge(ctx, &model.Edge{ID: "e2", SourceID: "set", TargetID: "slack", Kind: model.CompatibleWith, Strength: 0.9}))
	require.NoError(t, store.AddEdge(ctx, &model.Edge{ID: "e3", SourceID: "slack", TargetID: "email", Kind: model.SimilarTo, Strength: 0.8}))
}

func decodeResponse(t *testing.T, rendered string) format.Response {
	t.Helper()
	var r format.Response
	require.NoError(t, json.Unmarshal([]byte(rendered), &r))
	return r
}

func TestQuerySearchByKeyword(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedWorkflowGraph(t, ctx, store)
	e := NewEngine(store)

	out := e.Query(ctx, Request{Text: "slack", Kind: KindSearch, Limit: 5, IncludeExplanations: true})
	resp := decodeResponse(t, out)

	require.Equal(t, format.QueryTypeSearch, resp.QueryType)
	require.NotEmpty(t, resp.Results)
	require.Equal(t, "slack", resp.Results[0].NodeID)
	require.NotEmpty(t, resp.Explanations)
}

func TestQueryIntegrateFindsPath(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedWorkflowGraph(t, ctx, store)
	e := NewEngine(store)

	out := e.Query(ctx, Request{Text: "HTTP Request to Slack", Kind: KindIntegrate, IncludeExplanations: true})
	resp := decodeResponse(t, out)

	require.Equal(t, format.QueryTypeTraverse, resp.QueryType)
	require.NotEmpty(t, resp.Paths)
	require.NotEmpty(t, resp.Explanations)
}

func TestQueryIntegrateReportsErrorForUnknownNode(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedWorkflowGraph(t, ctx, store)
	e := NewEngine(store)

	out := e.Query(ctx, Request{Text: "Ghost Node to Slack", Kind: KindIntegrate})
	resp := decodeResponse(t, out)

	require.Equal(t, format.QueryTypeError, resp.QueryType)
	require.NotEmpty(t, resp.Error)
}

func TestQuerySuggestListsNeighbors(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedWorkflowGraph(t, ctx, store)
	e := NewEngine(store)

	out := e.Query(ctx, Request{Text: "slack", Kind: KindSuggest, IncludeExplanations: true})
	resp := decodeResponse(t, out)

	require.NotEmpty(t, resp.Results)
	ids := make([]string, len(resp.Results))
	for i, r := range resp.Results {
		ids[i] = r.NodeID
	}
	require.Contains(t, ids, "set")
	require.Contains(t, ids, "email")
}

func TestQueryValidateAlwaysValid(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	e := NewEngine(store)

	out := e.Query(ctx, Request{Text: "anything at all", Kind: KindValidate})
	resp := decodeResponse(t, out)
	require.Equal(t, "valid", resp.Status)
}

func TestQueryStatsTrackSuccessAndFailure(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedWorkflowGraph(t, ctx, store)
	e := NewEngine(store)

	e.Query(ctx, Request{Text: "slack", Kind: KindSearch, Limit: 5})
	e.Query(ctx, Request{Text: "Ghost to Slack", Kind: KindIntegrate})

	stats := e.Stats()
	require.EqualValues(t, 2, stats.TotalQueries)
	require.EqualValues(t, 1, stats.SuccessfulQueries)
	require.EqualValues(t, 1, stats.FailedQueries)
	require.InDelta(t, 0.5, stats.SuccessRate, 0.001)
}
