package search

import (
	"strings"

	"github.com/n8n-mcp/graphindex/pkg/model"
)

func toLower(s string) string { return strings.ToLower(s) }

// keywordRelevance scores n against the already-lower-cased query as the
// sum of weighted matches, each individually capped, then clamped to
// [0, 1]. The query is split on whitespace into terms, and a field matches
// when it contains any of those terms as a substring.
//
//	label match         weight 0.5  cap 0.5
//	description match   weight 0.2  cap 0.2
//	each keyword match  weight 0.1  cap 0.2 total
//	each use-case match weight 0.05 cap 0.1 total
func keywordRelevance(query string, n *model.Node) float64 {
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return 0
	}
	var score float64

	if containsAnyTerm(n.Label, terms) {
		score += 0.5
	}
	if n.Description != "" && containsAnyTerm(n.Description, terms) {
		score += 0.2
	}

	keywords := n.Keywords
	if len(keywords) == 0 {
		keywords = n.Metadata.StringSlice("keywords")
	}
	keywordMatches := 0
	for _, k := range keywords {
		if containsAnyTerm(k, terms) {
			keywordMatches++
		}
	}
	score += min(0.2, float64(keywordMatches)*0.1)

	useCaseMatches := 0
	for _, u := range n.Metadata.StringSlice("use_cases") {
		if containsAnyTerm(u, terms) {
			useCaseMatches++
		}
	}
	score += min(0.1, float64(useCaseMatches)*0.05)

	return min(1.0, score)
}

func containsAnyTerm(field string, terms []string) bool {
	field = toLower(field)
	for _, t := range terms {
		if strings.Contains(field, t) {
			return true
		}
	}
	return false
}
