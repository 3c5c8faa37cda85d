package search

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/n8n-mcp/graphindex/pkg/cache"
	"github.com/n8n-mcp/graphindex/pkg/math/vector"
	"github.com/n8n-mcp/graphindex/pkg/model"
	"github.com/n8n-mcp/graphindex/pkg/storage"
)

// Stats is an online summary of engine activity, updated after every call.
// Updates are best-effort and may be slightly inconsistent under concurrent
// calls; this never affects ranking correctness, only the counters
// themselves.
type Stats struct {
	TotalSearches    int64     `json:"total_searches"`
	SemanticSearches int64     `json:"semantic_searches"`
	KeywordSearches  int64     `json:"keyword_searches"`
	HybridSearches   int64     `json:"hybrid_searches"`
	AvgQueryTimeMs   float64   `json:"avg_query_time_ms"`
	LastSearchTime   time.Time `json:"last_search_time"`
}

// Engine ranks candidate nodes against a query, by vector similarity, text
// relevance, or a weighted blend of both. It holds no graph state of its
// own; every candidate is read from Storage, optionally through a cache.
type Engine struct {
	store storage.Engine
	cache *cache.QueryCache
	log   *log.Logger

	// parallelThreshold is the candidate-count above which semantic
	// scoring fans out across goroutines instead of running inline. Below
	// it the fan-out overhead isn't worth paying.
	parallelThreshold int

	mu    sync.Mutex
	stats Stats
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithCache attaches a read-through cache for node and embedding lookups.
func WithCache(c *cache.QueryCache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithParallelThreshold overrides the candidate count above which
// per-candidate semantic scoring runs concurrently. Default 64.
func WithParallelThreshold(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.parallelThreshold = n
		}
	}
}

// WithLogger overrides the engine's diagnostic logger.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// NewEngine returns a search Engine backed by store.
func NewEngine(store storage.Engine, opts ...Option) *Engine {
	e := &Engine{
		store:             store,
		parallelThreshold: 64,
		log:               log.New(os.Stderr, "[search] ", log.LstdFlags),
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
	return e.stats
}

func (e *Engine) recordStats(mode Mode, elapsedMs float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.TotalSearches++
	switch mode {
	case ModeSemantic:
		e.stats.SemanticSearches++
	case ModeKeyword:
		e.stats.KeywordSearches++
	case ModeHybrid:
		e.stats.HybridSearches++
	}
	total := e.stats.TotalSearches
	e.stats.AvgQueryTimeMs = (e.stats.AvgQueryTimeMs*float64(total-1) + elapsedMs) / float64(total)
	e.stats.LastSearchTime = time.Now().UTC()
}

// SemanticSearch ranks nodes by cosine similarity of their stored embedding
// against queryVector. Results are sorted by confidence descending, ties
// broken by label then id, ranked from 1, and truncated to limit.
// min_confidence below 0 is treated as 0; candidates whose confidence falls
// below it are dropped before ranking.
func (e *Engine) SemanticSearch(ctx context.Context, queryVector []float32, limit int, categoryFilter, typeFilter string, minConfidence float64) ([]*Result, error) {
	start := time.Now()
	nodes, err := e.candidateNodes(ctx, categoryFilter, typeFilter)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		results []*Result
	)
	score := func(n *model.Node) {
		emb, embErr := e.getEmbedding(ctx, n.ID)
		if embErr != nil {
			e.log.Printf("skipping node %q: embedding unavailable: %v", n.ID, embErr)
			return
		}
		sim := vector.SemanticSimilarity(queryVector, emb.Vector)
		confidence := vector.Confidence(sim)
		if confidence < minConfidence {
			return
		}
		r := e.buildResult(ctx, n, confidence, sim, 0, ModeSemantic)
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	}

	if len(nodes) > e.parallelThreshold {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(8)
		for _, n := range nodes {
			n := n
			g.Go(func() error {
				if gctx.Err() != nil {
					return nil
				}
				score(n)
				return nil
			})
		}
		_ = g.Wait() // score() never returns an error; goroutines only skip candidates
	} else {
		for _, n := range nodes {
			score(n)
		}
	}

	results = rankAndTruncate(results, limit)
	e.recordStats(ModeSemantic, elapsedMs(start))
	return results, nil
}

// KeywordSearch ranks nodes by term-wise substring relevance of query
// against label, description, keywords, and use cases, per the weighted
// formula in relevance.go.
func (e *Engine) KeywordSearch(ctx context.Context, query string, limit int, categoryFilter string) ([]*Result, error) {
	start := time.Now()
	nodes, err := e.candidateNodes(ctx, categoryFilter, "")
	if err != nil {
		return nil, err
	}

	queryLower := toLower(query)
	var results []*Result
	for _, n := range nodes {
		relevance := keywordRelevance(queryLower, n)
		if relevance < 0.1 {
			continue
		}
		confidence := clamp(relevance*0.8, 0.2, 1.0)
		r := e.buildResult(ctx, n, confidence, 0, relevance, ModeKeyword)
		r.WhyMatch = fmt.Sprintf("Found '%s' matching keyword '%s' (%.0f%% match)", n.Label, query, relevance*100)
		results = append(results, r)
	}

	results = rankAndTruncate(results, limit)
	e.recordStats(ModeKeyword, elapsedMs(start))
	return results, nil
}

// HybridSearch runs both semantic and keyword search at a widened limit and
// merges their confidences as semanticWeight*c_sem + (1-semanticWeight)*c_kw,
// treating a missing side as 0. queryVector may be nil, in which case only
// keyword results contribute.
func (e *Engine) HybridSearch(ctx context.Context, query string, queryVector []float32, limit int, categoryFilter string, semanticWeight float64) ([]*Result, error) {
	start := time.Now()
	widened := limit * 2

	var semanticResults []*Result
	if len(queryVector) > 0 {
		var err error
		semanticResults, err = e.SemanticSearch(ctx, queryVector, widened, categoryFilter, "", 0.2)
		if err != nil {
			return nil, err
		}
	}
	keywordResults, err := e.KeywordSearch(ctx, query, widened, categoryFilter)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]*Result, len(semanticResults)+len(keywordResults))
	order := make([]string, 0, len(semanticResults)+len(keywordResults))
	for _, r := range semanticResults {
		r.Confidence = r.Confidence * semanticWeight
		merged[r.NodeID] = r
		order = append(order, r.NodeID)
	}
	for _, r := range keywordResults {
		if existing, ok := merged[r.NodeID]; ok {
			existing.Confidence += r.Confidence * (1 - semanticWeight)
			existing.RelevanceScore = r.RelevanceScore
			existing.WhyMatch = r.WhyMatch
			continue
		}
		r.Confidence = r.Confidence * (1 - semanticWeight)
		merged[r.NodeID] = r
		order = append(order, r.NodeID)
	}

	results := make([]*Result, 0, len(order))
	seen := make(map[string]bool, len(order))
	for _, id := range order {
		if seen[id] {
			continue
		}
		seen[id] = true
		results = append(results, merged[id])
	}

	results = rankAndTruncate(results, limit)
	e.recordStats(ModeHybrid, elapsedMs(start))
	return results, nil
}

// candidateNodes loads every node matching the optional category/type
// filters. typeFilter matches against the "type" metadata field, since
// node type is not a first-class column.
func (e *Engine) candidateNodes(ctx context.Context, categoryFilter, typeFilter string) ([]*model.Node, error) {
	var (
		nodes []*model.Node
		err   error
	)
	if categoryFilter != "" {
		nodes, err = e.store.GetNodesByCategory(ctx, categoryFilter)
	} else {
		nodes, err = e.store.GetNodes(ctx, 0, 0)
	}
	if err != nil {
		return nil, err
	}
	if typeFilter == "" {
		return nodes, nil
	}
	filtered := make([]*model.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.Metadata.String("type") == typeFilter {
			filtered = append(filtered, n)
		}
	}
	return filtered, nil
}

func (e *Engine) getEmbedding(ctx context.Context, nodeID string) (*model.Embedding, error) {
	if e.cache != nil {
		key := e.cache.Key("emb:"+nodeID, nil)
		if v, ok := e.cache.Get(key); ok {
			return v.(*model.Embedding), nil
		}
		emb, err := e.store.GetEmbedding(ctx, nodeID)
		if err != nil {
			return nil, err
		}
		e.cache.Put(key, emb)
		return emb, nil
	}
	return e.store.GetEmbedding(ctx, nodeID)
}

func (e *Engine) buildResult(ctx context.Context, n *model.Node, confidence, similarity, relevance float64, mode Mode) *Result {
	r := &Result{
		NodeID:          n.ID,
		NodeLabel:       n.Label,
		NodeType:        n.Metadata.String("type"),
		Category:        n.Category,
		Description:     n.Description,
		Confidence:      confidence,
		SimilarityScore: similarity,
		RelevanceScore:  relevance,
		UseCases:        top(n.Metadata.StringSlice("use_cases"), 3),
		AgentTips:       top(n.Metadata.StringSlice("agent_tips"), 2),
		Prerequisites:   top(n.Metadata.StringSlice("prerequisites"), 2),
		FailureModes:    top(n.Metadata.StringSlice("failure_modes"), 2),
		RelatedNodes:    e.relatedNodes(ctx, n.ID, 5),
		Metadata:        n.Metadata,
	}
	if r.NodeType == "" {
		r.NodeType = "unknown"
	}
	if r.Category == "" {
		r.Category = "uncategorized"
	}
	if mode == ModeSemantic {
		r.WhyMatch = fmt.Sprintf("Found '%s' with %.0f%% confidence based on semantic similarity", n.Label, confidence*100)
	}
	return r
}

// relatedNodes returns up to limit ids from n's direct in+out neighbors,
// deduplicated in first-seen (outgoing, then incoming) order.
func (e *Engine) relatedNodes(ctx context.Context, nodeID string, limit int) []string {
	out, err := e.store.GetEdgesFromNode(ctx, nodeID)
	if err != nil {
		e.log.Printf("related nodes for %q: %v", nodeID, err)
		return nil
	}
	in, err := e.store.GetEdgesToNode(ctx, nodeID)
	if err != nil {
		e.log.Printf("related nodes for %q: %v", nodeID, err)
		return nil
	}

	seen := make(map[string]bool)
	var related []string
	add := func(id string) {
		if id == "" || seen[id] || len(related) >= limit {
			return
		}
		seen[id] = true
		related = append(related, id)
	}
	for _, ed := range out {
		add(ed.TargetID)
	}
	for _, ed := range in {
		add(ed.SourceID)
	}
	return related
}

// rankAndTruncate sorts by confidence descending (ties by label, then id),
// truncates to limit, and assigns ranks from 1.
func rankAndTruncate(results []*Result, limit int) []*Result {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Confidence != results[j].Confidence {
			return results[i].Confidence > results[j].Confidence
		}
		if results[i].NodeLabel != results[j].NodeLabel {
			return results[i].NodeLabel < results[j].NodeLabel
		}
		return results[i].NodeID < results[j].NodeID
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	for i, r := range results {
		r.Rank = i + 1
	}
	return results
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
