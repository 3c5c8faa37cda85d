package format

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/n8n-mcp/graphindex/pkg/explain"
	"github.com/n8n-mcp/graphindex/pkg/search"
	"github.com/n8n-mcp/graphindex/pkg/traversal"
)

func TestSearchStatusThresholds(t *testing.T) {
	require.Equal(t, "no_results", searchStatus(nil))
	four := make([]*search.Result, 4)
	require.Equal(t, "partial", searchStatus(four))
	five := make([]*search.Result, 5)
	require.Equal(t, "success", searchStatus(five))
}

func TestTraverseStatusThresholds(t *testing.T) {
	require.Equal(t, "no_paths", traverseStatus(nil))
	one := make([]*traversal.Path, 1)
	require.Equal(t, "partial", traverseStatus(one))
	two := make([]*traversal.Path, 2)
	require.Equal(t, "success", traverseStatus(two))
}

func TestRenderJSONRoundTrips(t *testing.T) {
	resp := NewSearchResponse("q1", "slack", []*search.Result{
		{NodeID: "slack", NodeLabel: "Slack", Confidence: 0.9},
	}, nil, map[string]any{"search_time_ms": 1.2})

	f := NewFormatter()
	out := f.Render(resp, FormatJSON)

	var decoded Response
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	require.Equal(t, "q1", decoded.QueryID)
	require.Equal(t, "partial", decoded.Status)
}

func TestRenderCompactIncludesTopResultAndShortestPath(t *testing.T) {
	resp := NewTraverseResponse("q2", "A to C", []*traversal.Path{
		{Nodes: []string{"a", "b", "c"}, Length: 2, Confidence: 0.8},
		{Nodes: []string{"a", "c"}, Length: 1, Confidence: 0.95},
	}, nil, nil)

	f := NewFormatter()
	out := f.Render(resp, FormatCompact)

	var c compactSummary
	require.NoError(t, json.Unmarshal([]byte(out), &c))
	require.Equal(t, "q2", c.QueryID)
	require.NotNil(t, c.ShortestPathLength)
	require.Equal(t, 1, *c.ShortestPathLength)
}

func TestRenderMarkdownSearchIncludesResultsAndExplanations(t *testing.T) {
	resp := NewSearchResponse("q3", "send message", []*search.Result{
		{NodeID: "slack", NodeLabel: "Slack", NodeType: "trigger", Category: "Communication", Confidence: 0.9},
	}, []*explain.Explanation{
		{Kind: explain.KindSearchMatch, Summary: "Recommended: Slack", Detailed: "because reasons"},
	}, nil)

	f := NewFormatter()
	out := f.Render(resp, FormatMarkdown)
	require.True(t, strings.HasPrefix(out, "# Search Results"))
	require.Contains(t, out, "Slack")
	require.Contains(t, out, "Recommended: Slack")
}

func TestRenderDetailedNeverElidesEmptySlices(t *testing.T) {
	resp := NewSearchResponse("q4", "nothing", nil, nil, nil)
	f := NewFormatter()
	out := f.Render(resp, FormatDetailed)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	require.Contains(t, decoded, "results")
	require.Contains(t, decoded, "explanations")
	require.Contains(t, decoded, "paths")
	require.Equal(t, []any{}, decoded["results"])
}

func TestNewErrorResponseRendersErrorField(t *testing.T) {
	resp := NewErrorResponse("q5", "bad query", "boom")
	f := NewFormatter()
	out := f.Render(resp, FormatJSON)
	require.Contains(t, out, "boom")
	require.Contains(t, out, `"status": "error"`)
}
