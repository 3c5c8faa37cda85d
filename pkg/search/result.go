// Package search implements the semantic, keyword, and hybrid search modes
// over the graph: ranking candidate nodes by vector similarity or text
// relevance and enriching the survivors with agent-oriented hints pulled
// from their metadata bags.
package search

import "github.com/n8n-mcp/graphindex/pkg/model"

// Mode names the ranking strategy that produced a Result, used both in
// stats counters and in the composed why-matched string.
type Mode string

const (
	ModeSemantic Mode = "semantic"
	ModeKeyword  Mode = "keyword"
	ModeHybrid   Mode = "hybrid"
)

// Result is a single ranked candidate returned by any of the three search
// entry points. Confidence is always in [0, 1] and is the field results are
// ordered by.
type Result struct {
	NodeID          string         `json:"node_id"`
	NodeLabel       string         `json:"node_label"`
	NodeType        string         `json:"node_type"`
	Category        string         `json:"category"`
	Description     string         `json:"description,omitempty"`
	Confidence      float64        `json:"confidence"`
	SimilarityScore float64        `json:"similarity_score"`
	RelevanceScore  float64        `json:"relevance_score"`
	Rank            int            `json:"rank"`
	UseCases        []string       `json:"use_cases"`
	AgentTips       []string       `json:"agent_tips"`
	Prerequisites   []string       `json:"prerequisites"`
	FailureModes    []string       `json:"failure_modes"`
	RelatedNodes    []string       `json:"related_nodes"`
	WhyMatch        string         `json:"why_match"`
	Metadata        model.Metadata `json:"metadata,omitempty"`
}

func top(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
