// Package format serializes query results into one of four forms agents
// and operators consume: canonical JSON, a minimal compact summary, a
// human-readable markdown report, or a fully elaborated detailed object.
// It is the last stage of the query pipeline and never touches storage.
package format

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/n8n-mcp/graphindex/pkg/explain"
	"github.com/n8n-mcp/graphindex/pkg/search"
	"github.com/n8n-mcp/graphindex/pkg/traversal"
)

// Format names one of the four output shapes a Response can be rendered as.
type Format string

const (
	FormatJSON     Format = "json"
	FormatCompact  Format = "compact"
	FormatMarkdown Format = "markdown"
	FormatDetailed Format = "detailed"
)

// QueryType names the kind of query a Response was built for, which
// determines how its status is derived (§4.5: non-empty search results are
// "partial" below 5, non-empty traversal results are "partial" at exactly 1).
type QueryType string

const (
	QueryTypeSearch   QueryType = "search"
	QueryTypeTraverse QueryType = "traverse"
	QueryTypeError    QueryType = "error"
)

// Response is the unified shape every query handler produces before
// formatting. Results and Paths are mutually exclusive in practice (a
// search response carries Results, a traverse response carries Paths) but
// both fields always exist so the formatter has one shape to dispatch on.
type Response struct {
	QueryID      string                 `json:"query_id"`
	QueryType    QueryType              `json:"query_type"`
	QueryText    string                 `json:"query_text"`
	Status       string                 `json:"status"`
	Results      []*search.Result       `json:"results"`
	Explanations []*explain.Explanation `json:"explanations"`
	Paths        []*traversal.Path      `json:"paths"`
	Stats        map[string]any         `json:"stats"`
	Confidence   float64                `json:"confidence"`
	Error        string                 `json:"error,omitempty"`
}

// NewSearchResponse builds a Response for a search/suggest query, deriving
// status and overall confidence from results.
func NewSearchResponse(queryID, queryText string, results []*search.Result, explanations []*explain.Explanation, stats map[string]any) *Response {
	return &Response{
		QueryID:      queryID,
		QueryType:    QueryTypeSearch,
		QueryText:    queryText,
		Status:       searchStatus(results),
		Results:      results,
		Explanations: explanations,
		Paths:        []*traversal.Path{},
		Stats:        stats,
		Confidence:   averageResultConfidence(results),
	}
}

// NewTraverseResponse builds a Response for an integrate query, deriving
// status and overall confidence from paths.
func NewTraverseResponse(queryID, queryText string, paths []*traversal.Path, explanations []*explain.Explanation, stats map[string]any) *Response {
	return &Response{
		QueryID:      queryID,
		QueryType:    QueryTypeTraverse,
		QueryText:    queryText,
		Status:       traverseStatus(paths),
		Results:      []*search.Result{},
		Explanations: explanations,
		Paths:        paths,
		Stats:        stats,
		Confidence:   averagePathConfidence(paths),
	}
}

// NewErrorResponse builds a Response carrying a single error message and
// zero-value results, used whenever a handler fails.
func NewErrorResponse(queryID, queryText, errMsg string) *Response {
	return &Response{
		QueryID:      queryID,
		QueryType:    QueryTypeError,
		QueryText:    queryText,
		Status:       "error",
		Results:      []*search.Result{},
		Explanations: []*explain.Explanation{},
		Paths:        []*traversal.Path{},
		Stats:        map[string]any{},
		Confidence:   0,
		Error:        errMsg,
	}
}

func searchStatus(results []*search.Result) string {
	switch {
	case len(results) == 0:
		return "no_results"
	case len(results) < 5:
		return "partial"
	default:
		return "success"
	}
}

func traverseStatus(paths []*traversal.Path) string {
	switch {
	case len(paths) == 0:
		return "no_paths"
	case len(paths) == 1:
		return "partial"
	default:
		return "success"
	}
}

func averageResultConfidence(results []*search.Result) float64 {
	if len(results) == 0 {
		return 0
	}
	var sum float64
	for _, r := range results {
		sum += r.Confidence
	}
	return sum / float64(len(results))
}

func averagePathConfidence(paths []*traversal.Path) float64 {
	if len(paths) == 0 {
		return 0
	}
	var sum float64
	for _, p := range paths {
		sum += p.Confidence
	}
	return sum / float64(len(paths))
}

// Formatter renders a Response into one of the four output forms.
// It holds no state of its own; rendering is a pure function of the
// Response and the requested Format.
type Formatter struct{}

// NewFormatter returns a Formatter.
func NewFormatter() *Formatter { return &Formatter{} }

// Render serializes r into the requested format. On a marshaling failure
// (which should not occur for well-formed Response values) it falls back
// to an inline error-shaped JSON object, per the formatter's own internal
// error contract: failures here never propagate as a Go error, since a
// formatting failure must still produce a line the JSON-RPC service can
// emit.
func (f *Formatter) Render(r *Response, format Format) string {
	switch format {
	case FormatCompact:
		return f.renderCompact(r)
	case FormatMarkdown:
		return f.renderMarkdown(r)
	case FormatDetailed:
		return f.renderDetailed(r)
	case FormatJSON:
		fallthrough
	default:
		return f.renderJSON(r)
	}
}

func (f *Formatter) renderJSON(r *Response) string {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errorJSON(err)
	}
	return string(data)
}

// compactSummary is the minimal shape §4.5 names: id, status, overall
// confidence rounded to 3 decimals, result/path counts, the top result's
// label and confidence, and the shortest path length.
type compactSummary struct {
	QueryID            string     `json:"query_id"`
	Status             string     `json:"status"`
	Confidence         float64    `json:"confidence"`
	ResultCount        int        `json:"result_count"`
	PathCount          int        `json:"path_count"`
	TopResult          *topResult `json:"top_result,omitempty"`
	ShortestPathLength *int       `json:"shortest_path_length,omitempty"`
}

type topResult struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

func (f *Formatter) renderCompact(r *Response) string {
	c := compactSummary{
		QueryID:     r.QueryID,
		Status:      r.Status,
		Confidence:  round3(r.Confidence),
		ResultCount: len(r.Results),
		PathCount:   len(r.Paths),
	}
	if len(r.Results) > 0 {
		c.TopResult = &topResult{Label: r.Results[0].NodeLabel, Confidence: r.Results[0].Confidence}
	}
	if len(r.Paths) > 0 {
		shortest := shortestLength(r.Paths)
		c.ShortestPathLength = &shortest
	}
	data, err := json.Marshal(c)
	if err != nil {
		return errorJSON(err)
	}
	return string(data)
}

func shortestLength(paths []*traversal.Path) int {
	sorted := append([]*traversal.Path(nil), paths...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Length < sorted[j].Length })
	return sorted[0].Length
}

func (f *Formatter) renderMarkdown(r *Response) string {
	switch r.QueryType {
	case QueryTypeTraverse:
		return renderMarkdownTraverse(r)
	case QueryTypeError:
		return fmt.Sprintf("# Error\n\n**Query:** %s\n\n%s\n", r.QueryText, r.Error)
	default:
		return renderMarkdownSearch(r)
	}
}

func renderMarkdownSearch(r *Response) string {
	var b strings.Builder
	b.WriteString("# Search Results\n\n")
	fmt.Fprintf(&b, "**Query:** %s\n", r.QueryText)
	fmt.Fprintf(&b, "**Status:** %s\n", r.Status)
	fmt.Fprintf(&b, "**Confidence:** %.0f%%\n\n", r.Confidence*100)

	if len(r.Results) > 0 {
		b.WriteString("## Results\n\n")
		for i, res := range r.Results {
			fmt.Fprintf(&b, "### %d. %s\n\n", i+1, res.NodeLabel)
			fmt.Fprintf(&b, "- **Type:** %s\n", res.NodeType)
			fmt.Fprintf(&b, "- **Category:** %s\n", res.Category)
			fmt.Fprintf(&b, "- **Confidence:** %.0f%%\n", res.Confidence*100)
			if res.Description != "" {
				fmt.Fprintf(&b, "- **Description:** %s\n", res.Description)
			}
			if len(res.UseCases) > 0 {
				fmt.Fprintf(&b, "- **Use Cases:** %s\n", strings.Join(res.UseCases, ", "))
			}
			if len(res.AgentTips) > 0 {
				fmt.Fprintf(&b, "- **Tips:** %s\n", strings.Join(res.AgentTips, ", "))
			}
			b.WriteString("\n")
		}
	}

	if len(r.Explanations) > 0 {
		b.WriteString("## Explanations\n\n")
		for _, exp := range r.Explanations {
			fmt.Fprintf(&b, "### %s\n\n", exp.Summary)
			fmt.Fprintf(&b, "%s\n\n", exp.Detailed)
			if len(exp.Caveats) > 0 {
				b.WriteString("**Important:**\n")
				for _, c := range exp.Caveats {
					fmt.Fprintf(&b, "- %s\n", c)
				}
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}

func renderMarkdownTraverse(r *Response) string {
	var b strings.Builder
	b.WriteString("# Integration Paths\n\n")
	fmt.Fprintf(&b, "**Query:** %s\n", r.QueryText)
	fmt.Fprintf(&b, "**Status:** %s\n", r.Status)
	fmt.Fprintf(&b, "**Confidence:** %.0f%%\n\n", r.Confidence*100)

	if len(r.Paths) > 0 {
		b.WriteString("## Paths Found\n\n")
		for i, p := range r.Paths {
			fmt.Fprintf(&b, "### Path %d (%d hops)\n\n", i+1, p.Length)
			fmt.Fprintf(&b, "- **Nodes:** %s\n", strings.Join(p.Nodes, " → "))
			fmt.Fprintf(&b, "- **Confidence:** %.0f%%\n", p.Confidence*100)
			fmt.Fprintf(&b, "- **Strength:** %.2f\n", p.TotalStrength)
			fmt.Fprintf(&b, "- **Reasoning:** %s\n\n", p.Reasoning)
		}
	}

	if len(r.Explanations) > 0 {
		b.WriteString("## Guidance\n\n")
		for _, exp := range r.Explanations {
			fmt.Fprintf(&b, "### %s\n\n", exp.Summary)
			fmt.Fprintf(&b, "%s\n\n", exp.Detailed)
			if len(exp.NextSteps) > 0 {
				b.WriteString("**Next Steps:**\n")
				for _, s := range exp.NextSteps {
					fmt.Fprintf(&b, "- %s\n", s)
				}
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}

// renderDetailed renders the same Response as renderJSON but guarantees
// every slice field is an explicit [] rather than elided by omitempty, so
// the output never requires the reader to distinguish "absent" from
// "empty" — "nothing elided", per §4.5.
func (f *Formatter) renderDetailed(r *Response) string {
	detailed := map[string]any{
		"query_id":     r.QueryID,
		"query_type":   r.QueryType,
		"query_text":   r.QueryText,
		"status":       r.Status,
		"confidence":   r.Confidence,
		"results":      nonNilResults(r.Results),
		"explanations": nonNilExplanations(r.Explanations),
		"paths":        nonNilPaths(r.Paths),
		"stats":        nonNilStats(r.Stats),
	}
	if r.Error != "" {
		detailed["error"] = r.Error
	}
	data, err := json.MarshalIndent(detailed, "", "  ")
	if err != nil {
		return errorJSON(err)
	}
	return string(data)
}

func nonNilResults(r []*search.Result) []*search.Result {
	if r == nil {
		return []*search.Result{}
	}
	return r
}

func nonNilExplanations(e []*explain.Explanation) []*explain.Explanation {
	if e == nil {
		return []*explain.Explanation{}
	}
	return e
}

func nonNilPaths(p []*traversal.Path) []*traversal.Path {
	if p == nil {
		return []*traversal.Path{}
	}
	return p
}

func nonNilStats(s map[string]any) map[string]any {
	if s == nil {
		return map[string]any{}
	}
	return s
}

func round3(v float64) float64 {
	return float64(int(v*1000+0.5)) / 1000
}

func errorJSON(err error) string {
	data, marshalErr := json.Marshal(map[string]string{
		"status": "error",
		"error":  err.Error(),
	})
	if marshalErr != nil {
		return `{"status":"error","error":"formatting failure"}`
	}
	return string(data)
}
