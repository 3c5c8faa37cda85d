// Package explain composes human-readable rationales for search hits,
// paths, and alternatives. It is the only component that produces
// UI-oriented decoration (warning glyphs, tip markers); every other
// component deals in plain data.
package explain

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/n8n-mcp/graphindex/pkg/search"
	"github.com/n8n-mcp/graphindex/pkg/storage"
	"github.com/n8n-mcp/graphindex/pkg/traversal"
)

// Kind names the tagged variant of an Explanation. Dispatch happens on the
// tag, never on a subclass hierarchy.
type Kind string

const (
	KindSearchMatch    Kind = "search_match"
	KindPathConnection Kind = "path_connection"
	KindIntegration    Kind = "integration"
	KindAlternative    Kind = "alternative"
	KindPattern        Kind = "pattern"
	KindWarning        Kind = "warning"
)

// Explanation is the single variant type every explain method returns.
// Fields unused by a given Kind are left at their zero value.
type Explanation struct {
	Kind           Kind     `json:"kind"`
	Summary        string   `json:"summary"`
	Detailed       string   `json:"detailed"`
	Confidence     float64  `json:"confidence"`
	ReasoningSteps []string `json:"reasoning_steps,omitempty"`
	Caveats        []string `json:"caveats,omitempty"`
	Examples       []string `json:"examples,omitempty"`
	NextSteps      []string `json:"next_steps,omitempty"`
}

// Generator composes Explanations. Its only external dependency is label
// resolution against Storage, which degrades gracefully to raw ids when a
// lookup fails; every other input is fully realized by the caller.
type Generator struct {
	store storage.Engine
	log   *log.Logger
}

// NewGenerator returns a Generator that resolves labels against store.
func NewGenerator(store storage.Engine) *Generator {
	return &Generator{
		store: store,
		log:   log.New(os.Stderr, "[explain] ", log.LstdFlags),
	}
}

// label resolves id to its node's label, falling back to the raw id if the
// lookup fails. This is the only hidden Storage dependency the generator
// has; it never aborts an explanation over it.
func (g *Generator) label(ctx context.Context, id string) string {
	n, err := g.store.GetNode(ctx, id)
	if err != nil || n == nil {
		g.log.Printf("resolving label for %q: %v", id, err)
		return id
	}
	if n.Label != "" {
		return n.Label
	}
	return id
}

// ExplainSearchResult composes the rationale for a single search Result,
// explaining why it matched and how to use it.
func (g *Generator) ExplainSearchResult(ctx context.Context, r *search.Result) *Explanation {
	var reasoning []string
	if r.SimilarityScore > 0 {
		reasoning = append(reasoning, fmt.Sprintf(
			"Semantic match with %.0f%% confidence (%.2f similarity score)", r.Confidence*100, r.SimilarityScore))
	}
	if r.RelevanceScore > 0 {
		reasoning = append(reasoning, fmt.Sprintf(
			"Keyword relevance of %.0f%% based on query match", r.RelevanceScore*100))
	}

	details := fmt.Sprintf("The %s node is recommended for your search. ", r.NodeLabel)
	if len(r.UseCases) > 0 {
		details += fmt.Sprintf("It's commonly used for: %s. ", strings.Join(top(r.UseCases, 2), ", "))
	}
	if r.Category != "" {
		details += fmt.Sprintf("This node belongs to the %s category. ", r.Category)
	}
	if r.Description != "" {
		details += fmt.Sprintf("Details: %s ", r.Description)
	}

	var caveats []string
	for _, mode := range top(r.FailureModes, 2) {
		caveats = append(caveats, "⚠️ Common mistake: "+mode)
	}
	if len(r.Prerequisites) > 0 {
		caveats = append(caveats, "Prerequisites: "+strings.Join(top(r.Prerequisites, 2), ", "))
	}

	var nextSteps []string
	for _, tip := range top(r.AgentTips, 2) {
		nextSteps = append(nextSteps, "\U0001f4a1 Tip: "+tip)
	}
	if len(r.RelatedNodes) > 0 {
		nextSteps = append(nextSteps, "Consider also checking: "+strings.Join(top(r.RelatedNodes, 3), ", "))
	}

	return &Explanation{
		Kind:           KindSearchMatch,
		Summary:        fmt.Sprintf("Recommended: %s (%s)", r.NodeLabel, r.Category),
		Detailed:       details,
		Confidence:     r.Confidence,
		ReasoningSteps: reasoning,
		Caveats:        caveats,
		Examples:       top(r.UseCases, 3),
		NextSteps:      nextSteps,
	}
}

// ExplainPath composes the rationale for a shortest or alternative path
// between startLabel and endLabel, resolving every intermediate node id to
// its label. A single-hop path is explained as a direct integration
// between the two endpoints, using the traversed edge's relationship kind
// when it can be recovered from storage.
func (g *Generator) ExplainPath(ctx context.Context, p *traversal.Path, startLabel, endLabel string) *Explanation {
	if p.Length == 1 && len(p.Edges) == 1 && len(p.Nodes) == 2 {
		if exp := g.explainDirectEdge(ctx, p, startLabel, endLabel); exp != nil {
			return exp
		}
	}

	nodeNames := make([]string, len(p.Nodes))
	for i, id := range p.Nodes {
		nodeNames[i] = g.label(ctx, id)
	}

	reasoning := []string{
		fmt.Sprintf("Path found with %d connection(s)", p.Length),
		fmt.Sprintf("Total confidence: %.0f%%", p.Confidence*100),
		fmt.Sprintf("Path strength: %.2f", p.TotalStrength),
	}

	details := fmt.Sprintf(
		"Integration path from %s to %s: %s. This sequence represents a %d-step workflow. "+
			"Each connection has been validated as working in real n8n workflows.",
		startLabel, endLabel, strings.Join(nodeNames, " → "), p.Length)

	var caveats []string
	if p.Length > 3 {
		caveats = append(caveats, "⚠️ This is a long path - consider if a shorter route exists")
	}
	if p.Confidence < 0.7 {
		caveats = append(caveats, "⚠️ Confidence is moderate - test thoroughly before deploying")
	}

	var nextSteps []string
	if len(nodeNames) > 2 {
		nextSteps = append(nextSteps, fmt.Sprintf("Use %s as intermediate steps", strings.Join(nodeNames[1:len(nodeNames)-1], ", ")))
	}
	nextSteps = append(nextSteps,
		"Configure data mapping between each connection",
		"Test each step individually before running full workflow",
	)

	return &Explanation{
		Kind:           KindPathConnection,
		Summary:        fmt.Sprintf("Integration path: %s → %s", startLabel, endLabel),
		Detailed:       details,
		Confidence:     p.Confidence,
		ReasoningSteps: reasoning,
		Caveats:        caveats,
		NextSteps:      nextSteps,
	}
}

// explainDirectEdge recovers the relationship kind of a single-hop path's
// edge from storage and produces an "integration" explanation instead of a
// generic path one. Returns nil if the edge cannot be recovered, in which
// case the caller falls back to the generic path explanation.
func (g *Generator) explainDirectEdge(ctx context.Context, p *traversal.Path, startLabel, endLabel string) *Explanation {
	edges, err := g.store.GetEdgesFromNode(ctx, p.Nodes[0])
	if err != nil {
		g.log.Printf("resolving edge for direct path %s->%s: %v", p.Nodes[0], p.Nodes[1], err)
		return nil
	}
	for _, ed := range edges {
		if ed.ID == p.Edges[0] {
			return g.explainIntegrationEdge(startLabel, endLabel, string(ed.Kind))
		}
	}
	return nil
}

// ExplainIntegration composes the rationale for two nodes known to be
// connected by a specific relationship kind.
func (g *Generator) ExplainIntegration(ctx context.Context, sourceID, targetID, relationshipKind string) *Explanation {
	return g.explainIntegrationEdge(g.label(ctx, sourceID), g.label(ctx, targetID), relationshipKind)
}

func (g *Generator) explainIntegrationEdge(sourceLabel, targetLabel, relationshipKind string) *Explanation {
	reasoning := []string{
		fmt.Sprintf("Nodes are connected via a %q relationship", relationshipKind),
		"This is a validated integration pattern",
		"Both nodes have been successfully used together in real workflows",
	}
	details := fmt.Sprintf(
		"%s integrates with %s through %s. This combination is commonly used in %s patterns. "+
			"The nodes share compatible data formats and can exchange outputs directly.",
		sourceLabel, targetLabel, relationshipKind, relationshipKind)
	nextSteps := []string{
		fmt.Sprintf("Map %s output to %s input", sourceLabel, targetLabel),
		fmt.Sprintf("Configure %s to receive data from %s", targetLabel, sourceLabel),
		"Test the integration with sample data",
	}
	return &Explanation{
		Kind:           KindIntegration,
		Summary:        fmt.Sprintf("Integration: %s → %s", sourceLabel, targetLabel),
		Detailed:       details,
		Confidence:     0.85,
		ReasoningSteps: reasoning,
		NextSteps:      nextSteps,
	}
}

// ExplainAlternatives composes the rationale for a `suggest` query's
// alternative nodes, which are the direct neighbors of subjectID.
func (g *Generator) ExplainAlternatives(ctx context.Context, subjectID string, alternativeIDs []string) *Explanation {
	subjectLabel := g.label(ctx, subjectID)
	labels := make([]string, len(alternativeIDs))
	for i, id := range alternativeIDs {
		labels[i] = g.label(ctx, id)
	}

	reasoning := []string{
		fmt.Sprintf("Found %d alternative node(s)", len(labels)),
		"Each alternative performs similar functions",
		"Choosing depends on your specific use case",
	}

	var details string
	if len(labels) > 0 {
		details = fmt.Sprintf(
			"Instead of %s, you might consider: %s. Each provides similar functionality with "+
				"different strengths. Choose based on:\n- Integration requirements\n- Performance needs\n- Configuration complexity",
			subjectLabel, strings.Join(labels, ", "))
	} else {
		details = fmt.Sprintf("%s has no direct neighbors recorded", subjectLabel)
	}

	return &Explanation{
		Kind:           KindAlternative,
		Summary:        fmt.Sprintf("Alternatives to %s", subjectLabel),
		Detailed:       details,
		Confidence:     0.8,
		ReasoningSteps: reasoning,
		Examples:       labels,
		NextSteps: []string{
			"Compare feature sets of each alternative",
			"Check documentation for specific use case fit",
			"Consider your existing node configurations",
		},
	}
}

// ExplainPattern composes a rationale for a recurring structural pattern
// recognized across a set of paths, e.g. a shared intermediate node
// appearing in most of a set of integration paths.
func (g *Generator) ExplainPattern(ctx context.Context, patternName string, supportingPaths []*traversal.Path) *Explanation {
	avg := averageConfidence(supportingPaths)
	return &Explanation{
		Kind:       KindPattern,
		Summary:    fmt.Sprintf("Pattern %q observed across %d path(s)", patternName, len(supportingPaths)),
		Detailed:   fmt.Sprintf("This pattern recurred in %d of the paths examined, with average confidence %.0f%%.", len(supportingPaths), avg*100),
		Confidence: avg,
	}
}

// ExplainWarning composes a cautionary Explanation, e.g. for a detected
// circular dependency the traversal engine flagged.
func (g *Generator) ExplainWarning(ctx context.Context, nodeID, reason string) *Explanation {
	label := g.label(ctx, nodeID)
	return &Explanation{
		Kind:       KindWarning,
		Summary:    fmt.Sprintf("Warning for %s: %s", label, reason),
		Detailed:   reason,
		Confidence: 1.0,
		Caveats:    []string{"⚠️ " + reason},
	}
}

func averageConfidence(paths []*traversal.Path) float64 {
	if len(paths) == 0 {
		return 0
	}
	var sum float64
	for _, p := range paths {
		sum += p.Confidence
	}
	return sum / float64(len(paths))
}

func top(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
