package explain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/n8n-mcp/graphindex/pkg/model"
	"github.com/n8n-mcp/graphindex/pkg/search"
	"github.com/n8n-mcp/graphindex/pkg/storage"
	"github.com/n8n-mcp/graphindex/pkg/traversal"
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

func TestExplainSearchResultSummarizesConfidence(t *testing.T) {
	g := NewGenerator(newTestStore(t))
	r := &search.Result{
		NodeID: "slack", NodeLabel: "Slack", Category: "Communication",
		Confidence: 0.82, SimilarityScore: 0.64,
	}
	exp := g.ExplainSearchResult(context.Background(), r)
	require.Equal(t, KindSearchMatch, exp.Kind)
	require.Contains(t, exp.Summary, "Slack")
	require.Equal(t, 0.82, exp.Confidence)
	require.NotEmpty(t, exp.ReasoningSteps)
}

func TestExplainSearchResultFlagsFailureModes(t *testing.T) {
	g := NewGenerator(newTestStore(t))
	r := &search.Result{NodeID: "x", NodeLabel: "X", Confidence: 0.3, FailureModes: []string{"rate limits apply"}}
	exp := g.ExplainSearchResult(context.Background(), r)
	require.Contains(t, exp.Caveats[0], "rate limits apply")
}

func TestExplainPathResolvesLabelsAndDegradesGracefully(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.AddNode(ctx, &model.Node{ID: "set", Label: "Set"}))
	g := NewGenerator(store)

	// Two-hop path: only single-hop paths are tried as a direct
	// integration, so this gets the generic path explanation.
	p := &traversal.Path{Nodes: []string{"httpRequest", "set", "slack"}, Edges: []string{"e1", "e2"}, Length: 2, TotalStrength: 0.9, Confidence: 0.9}
	exp := g.ExplainPath(ctx, p, "HTTP Request", "Slack")
	require.Equal(t, KindPathConnection, exp.Kind)
	require.Contains(t, exp.Detailed, "Set")
	// "slack"/"httpRequest" were never inserted as nodes; label falls back to raw id.
	require.Contains(t, exp.Detailed, "slack")
}

func TestExplainPathSingleHopBecomesIntegration(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.AddNode(ctx, &model.Node{ID: "httpRequest", Label: "HTTP Request"}))
	require.NoError(t, store.AddNode(ctx, &model.Node{ID: "slack", Label: "Slack"}))
	require.NoError(t, store.AddEdge(ctx, &model.Edge{ID: "e1", SourceID: "httpRequest", TargetID: "slack", Kind: model.CompatibleWith, Strength: 0.95}))
	g := NewGenerator(store)

	p := &traversal.Path{Nodes: []string{"httpRequest", "slack"}, Edges: []string{"e1"}, Length: 1, TotalStrength: 0.95, Confidence: 0.95}
	exp := g.ExplainPath(ctx, p, "HTTP Request", "Slack")
	require.Equal(t, KindIntegration, exp.Kind)
	require.Contains(t, exp.Detailed, "compatible_with")
}

func TestExplainAlternativesListsNeighborLabels(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.AddNode(ctx, &model.Node{ID: "slack", Label: "Slack"}))
	require.NoError(t, store.AddNode(ctx, &model.Node{ID: "email", Label: "Email"}))
	g := NewGenerator(store)

	exp := g.ExplainAlternatives(ctx, "slack", []string{"email"})
	require.Equal(t, KindAlternative, exp.Kind)
	require.Equal(t, 0.8, exp.Confidence)
	require.Equal(t, []string{"Email"}, exp.Examples)
}

func TestExplainWarningFlagsCycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.AddNode(ctx, &model.Node{ID: "x", Label: "X"}))
	g := NewGenerator(store)

	exp := g.ExplainWarning(ctx, "x", "circular dependency detected")
	require.Equal(t, KindWarning, exp.Kind)
	require.Contains(t, exp.Summary, "X")
	require.Equal(t, 1.0, exp.Confidence)
}

func TestExplainPatternAveragesConfidence(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	g := NewGenerator(store)

	paths := []*traversal.Path{
		{Confidence: 0.9},
		{Confidence: 0.7},
	}
	exp := g.ExplainPattern(ctx, "fan-out", paths)
	require.Equal(t, KindPattern, exp.Kind)
	require.Contains(t, exp.Summary, "fan-out")
	require.InDelta(t, 0.8, exp.Confidence, 1e-9)
}
