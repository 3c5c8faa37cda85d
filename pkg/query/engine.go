// Package query orchestrates the Semantic Search, Graph Traversal, and
// Explanation Generator components into the four request shapes the
// JSON-RPC service exposes: search, integrate, suggest, and validate. It
// is the only component that knows how those shapes map onto the lower
// layers; everything below it is reusable in isolation.
package query

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/n8n-mcp/graphindex/pkg/explain"
	"github.com/n8n-mcp/graphindex/pkg/format"
	"github.com/n8n-mcp/graphindex/pkg/model"
	"github.com/n8n-mcp/graphindex/pkg/search"
	"github.com/n8n-mcp/graphindex/pkg/storage"
	"github.com/n8n-mcp/graphindex/pkg/traversal"
)

// Kind names one of the four query shapes the engine dispatches on.
type Kind string

const (
	KindSearch    Kind = "search"
	KindIntegrate Kind = "integrate"
	KindSuggest   Kind = "suggest"
	KindValidate  Kind = "validate"
)

// Request is the fully-specified input to a single query.
type Request struct {
	Text                string
	Kind                Kind
	Embedding           []float32
	Limit               int
	CategoryFilter      string
	TypeFilter          string
	MinConfidence       float64
	SemanticWeight      float64
	IncludeExplanations bool
	Format              format.Format
}

// Stats is an online summary of engine activity across every query kind,
// mirroring the original's get_stats() counters plus a derived success rate.
type Stats struct {
	TotalQueries      int64     `json:"total_queries"`
	SuccessfulQueries int64     `json:"successful_queries"`
	FailedQueries     int64     `json:"failed_queries"`
	AvgQueryTimeMs    float64   `json:"avg_query_time_ms"`
	SuccessRate       float64   `json:"success_rate"`
	LastQueryTime     time.Time `json:"last_query_time"`
}

// Engine dispatches queries to the search, traversal, and explanation
// components and renders the result through the response formatter. It
// holds no graph state; every call reads through store.
type Engine struct {
	store     storage.Engine
	search    *search.Engine
	traversal *traversal.Engine
	explain   *explain.Generator
	formatter *format.Formatter
	log       *log.Logger

	mu    sync.Mutex
	stats Stats
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithSearchEngine overrides the semantic/keyword search engine. Useful
// for tests that want to inject a pre-populated cache.
func WithSearchEngine(e *search.Engine) Option {
	return func(eng *Engine) { eng.search = e }
}

// WithLogger overrides the engine's diagnostic logger.
func WithLogger(l *log.Logger) Option {
	return func(eng *Engine) { eng.log = l }
}

// NewEngine returns a query Engine backed by store, building its own
// search, traversal, and explanation components unless overridden by an
// Option.
func NewEngine(store storage.Engine, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		search:    search.NewEngine(store),
		traversal: traversal.NewEngine(store),
		explain:   explain.NewGenerator(store),
		formatter: format.NewFormatter(),
		log:       log.New(os.Stderr, "[query] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Stats returns a snapshot of the engine's running counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	if s.TotalQueries > 0 {
		s.SuccessRate = roundTo(float64(s.SuccessfulQueries)/float64(s.TotalQueries), 3)
	}
	return s
}

func (e *Engine) recordStats(elapsedMs float64, success bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.TotalQueries++
	if success {
		e.stats.SuccessfulQueries++
	} else {
		e.stats.FailedQueries++
	}
	total := e.stats.TotalQueries
	e.stats.AvgQueryTimeMs = (e.stats.AvgQueryTimeMs*float64(total-1) + elapsedMs) / float64(total)
	e.stats.LastQueryTime = time.Now().UTC()
}

// Query executes req and returns the rendered response string. It never
// returns a Go error: every failure is captured as a formatted error
// response, matching the JSON-RPC service's requirement that every
// request produce exactly one response line.
func (e *Engine) Query(ctx context.Context, req Request) string {
	queryID := newQueryID()
	start := time.Now()

	var resp *format.Response
	switch req.Kind {
	case KindIntegrate:
		resp = e.handleIntegrate(ctx, queryID, req)
	case KindSuggest:
		resp = e.handleSuggest(ctx, queryID, req)
	case KindValidate:
		resp = e.handleValidate(queryID, req)
	default:
		resp = e.handleSearch(ctx, queryID, req)
	}

	success := resp.Error == ""
	e.recordStats(elapsedMs(start), success)

	f := req.Format
	if f == "" {
		f = format.FormatJSON
	}
	return e.formatter.Render(resp, f)
}

func (e *Engine) handleSearch(ctx context.Context, queryID string, req Request) *format.Response {
	searchStart := time.Now()
	var (
		results []*search.Result
		err     error
	)
	switch {
	case len(req.Embedding) > 0:
		results, err = e.search.SemanticSearch(ctx, req.Embedding, req.Limit, req.CategoryFilter, req.TypeFilter, req.MinConfidence)
	default:
		results, err = e.search.KeywordSearch(ctx, req.Text, req.Limit, req.CategoryFilter)
	}
	if err != nil {
		return format.NewErrorResponse(queryID, req.Text, err.Error())
	}
	searchMs := elapsedMs(searchStart)

	explainStart := time.Now()
	var explanations []*explain.Explanation
	if req.IncludeExplanations {
		for _, r := range top(results, 3) {
			explanations = append(explanations, e.explain.ExplainSearchResult(ctx, r))
		}
	}
	explainMs := elapsedMs(explainStart)

	stats := map[string]any{
		"search_time_ms":      round2(searchMs),
		"explanation_time_ms": round2(explainMs),
		"results_count":       len(results),
	}
	return format.NewSearchResponse(queryID, req.Text, results, explanations, stats)
}

// handleIntegrate parses "A to B", resolves each label by case-insensitive
// substring match over node labels (first match wins), and reports up to
// 3 alternative paths between them.
func (e *Engine) handleIntegrate(ctx context.Context, queryID string, req Request) *format.Response {
	parts := strings.SplitN(req.Text, " to ", 2)
	if len(parts) != 2 {
		return format.NewErrorResponse(queryID, req.Text, "integration query must be in format: 'Node1 to Node2'")
	}
	sourceLabel := strings.TrimSpace(parts[0])
	targetLabel := strings.TrimSpace(parts[1])

	source, target, err := e.resolveEndpoints(ctx, sourceLabel, targetLabel)
	if err != nil {
		return format.NewErrorResponse(queryID, req.Text, err.Error())
	}

	traverseStart := time.Now()
	paths, err := e.traversal.FindAllPaths(ctx, source.ID, target.ID, 4, 3)
	if err != nil {
		return format.NewErrorResponse(queryID, req.Text, err.Error())
	}
	traverseMs := elapsedMs(traverseStart)

	explainStart := time.Now()
	var explanations []*explain.Explanation
	if req.IncludeExplanations {
		for _, p := range top(paths, 2) {
			explanations = append(explanations, e.explain.ExplainPath(ctx, p, source.Label, target.Label))
		}
	}
	explainMs := elapsedMs(explainStart)

	stats := map[string]any{
		"traversal_time_ms":   round2(traverseMs),
		"explanation_time_ms": round2(explainMs),
		"paths_count":         len(paths),
	}
	return format.NewTraverseResponse(queryID, req.Text, paths, explanations, stats)
}

func (e *Engine) resolveEndpoints(ctx context.Context, sourceLabel, targetLabel string) (*model.Node, *model.Node, error) {
	nodes, err := e.store.GetNodes(ctx, 0, 0)
	if err != nil {
		return nil, nil, err
	}
	var source, target *model.Node
	sl, tl := strings.ToLower(sourceLabel), strings.ToLower(targetLabel)
	for _, n := range nodes {
		label := strings.ToLower(n.Label)
		if source == nil && strings.Contains(label, sl) {
			source = n
		}
		if target == nil && strings.Contains(label, tl) {
			target = n
		}
	}
	if source == nil || target == nil {
		return nil, nil, fmt.Errorf("could not find nodes matching %q or %q", sourceLabel, targetLabel)
	}
	return source, target, nil
}

// handleSuggest locates one node by substring match over labels and
// returns its direct neighbors as fixed-confidence alternatives.
func (e *Engine) handleSuggest(ctx context.Context, queryID string, req Request) *format.Response {
	target, err := e.resolveOne(ctx, req.Text)
	if err != nil {
		return format.NewErrorResponse(queryID, req.Text, err.Error())
	}

	alternativeIDs, err := e.directNeighbors(ctx, target.ID)
	if err != nil {
		return format.NewErrorResponse(queryID, req.Text, err.Error())
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	alternativeIDs = top(alternativeIDs, limit)

	var results []*search.Result
	for _, id := range alternativeIDs {
		n, err := e.store.GetNode(ctx, id)
		if err != nil || n == nil {
			e.log.Printf("suggest: skipping alternative %q: %v", id, err)
			continue
		}
		results = append(results, &search.Result{
			NodeID:        n.ID,
			NodeLabel:     n.Label,
			NodeType:      nonEmpty(n.Metadata.String("type"), "unknown"),
			Category:      nonEmpty(n.Category, "uncategorized"),
			Description:   n.Description,
			Confidence:    0.7,
			Rank:          len(results) + 1,
			UseCases:      top(n.Metadata.StringSlice("use_cases"), 3),
			AgentTips:     top(n.Metadata.StringSlice("agent_tips"), 2),
			Prerequisites: top(n.Metadata.StringSlice("prerequisites"), 2),
			FailureModes:  top(n.Metadata.StringSlice("failure_modes"), 2),
			WhyMatch:      "Alternative to " + target.Label,
			Metadata:      n.Metadata,
		})
	}

	var explanations []*explain.Explanation
	if req.IncludeExplanations && len(results) > 0 {
		ids := make([]string, 0, 3)
		for _, r := range top(results, 3) {
			ids = append(ids, r.NodeID)
		}
		explanations = append(explanations, e.explain.ExplainAlternatives(ctx, target.ID, ids))
	}

	stats := map[string]any{"alternatives_count": len(results)}
	return format.NewSearchResponse(queryID, req.Text, results, explanations, stats)
}

func (e *Engine) resolveOne(ctx context.Context, text string) (*model.Node, error) {
	nodes, err := e.store.GetNodes(ctx, 0, 0)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(text)
	for _, n := range nodes {
		if strings.Contains(strings.ToLower(n.Label), needle) {
			return n, nil
		}
	}
	return nil, fmt.Errorf("could not find node matching %q", text)
}

func (e *Engine) directNeighbors(ctx context.Context, nodeID string) ([]string, error) {
	out, err := e.store.GetEdgesFromNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	in, err := e.store.GetEdgesToNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if id == "" || id == nodeID || seen[id] {
			return
		}
		seen[id] = true
		ids = append(ids, id)
	}
	for _, ed := range out {
		add(ed.TargetID)
	}
	for _, ed := range in {
		add(ed.SourceID)
	}
	return ids, nil
}

// handleValidate is a placeholder: it always reports the query as valid
// without inspecting req.Text. A future workflow-structure validator
// would replace this handler; the shape is kept so callers never need to
// special-case it.
func (e *Engine) handleValidate(queryID string, req Request) *format.Response {
	resp := format.NewSearchResponse(queryID, req.Text, nil, nil, map[string]any{})
	resp.Status = "valid"
	return resp
}

func newQueryID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}

func round2(v float64) float64 { return roundTo(v, 2) }

func roundTo(v float64, places int) float64 {
	scale := 1.0
	for i := 0; i < places; i++ {
		scale *= 10
	}
	return float64(int(v*scale+0.5)) / scale
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func top[T any](s []T, n int) []T {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
