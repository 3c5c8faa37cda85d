package traversal

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/n8n-mcp/graphindex/pkg/model"
	"github.com/n8n-mcp/graphindex/pkg/storage"
)

// Stats is an online summary of traversal activity.
type Stats struct {
	TotalTraversals    int64   `json:"total_traversals"`
	BFSTraversals      int64   `json:"bfs_traversals"`
	DFSTraversals      int64   `json:"dfs_traversals"`
	PathsFound         int64   `json:"paths_found"`
	AvgTraversalTimeMs float64 `json:"avg_traversal_time_ms"`
}

// Engine finds shortest and alternative paths between nodes, expands
// neighborhoods, and detects cycles, reading edges from Storage on demand.
type Engine struct {
	store storage.Engine
	log   *log.Logger

	mu    sync.Mutex
	stats Stats
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger overrides the engine's diagnostic logger.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// NewEngine returns a traversal Engine backed by store.
func NewEngine(store storage.Engine, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		log:   log.New(os.Stderr, "[traversal] ", log.LstdFlags),
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

func (e *Engine) recordStats(kind string, elapsed time.Duration, found bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.TotalTraversals++
	switch kind {
	case "bfs":
		e.stats.BFSTraversals++
	case "dfs":
		e.stats.DFSTraversals++
	}
	if found {
		e.stats.PathsFound++
	}
	total := e.stats.TotalTraversals
	ms := float64(elapsed) / float64(time.Millisecond)
	e.stats.AvgTraversalTimeMs = (e.stats.AvgTraversalTimeMs*float64(total-1) + ms) / float64(total)
}

type frontierNode struct {
	nodeID     string
	depth      int
	path       []string
	edges      []string
	confidence float64
}

// FindShortestPath runs an undirected BFS (both outgoing and incoming edges
// are expanded) bounded by maxHops, treating start == end as a length-0
// path with confidence 1. Returns nil, nil if no path exists within the
// bound.
func (e *Engine) FindShortestPath(ctx context.Context, start, end string, maxHops int) (*Path, error) {
	started := time.Now()

	if start == end {
		return &Path{
			Nodes:         []string{start},
			Edges:         []string{},
			Length:        0,
			TotalStrength: 1.0,
			Confidence:    1.0,
			Reasoning:     "Source and target are the same node",
		}, nil
	}

	queue := []frontierNode{{nodeID: start, depth: 0, path: []string{start}, edges: []string{}, confidence: 1.0}}
	visited := map[string]bool{start: true}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if current.depth >= maxHops {
			continue
		}

		outEdges, err := e.store.GetEdgesFromNode(ctx, current.nodeID)
		if err != nil {
			return nil, err
		}
		inEdges, err := e.store.GetEdgesToNode(ctx, current.nodeID)
		if err != nil {
			return nil, err
		}

		for _, ed := range outEdges {
			if ed.TargetID == end {
				p := finishPath(current, end, ed.ID, ed.Strength)
				e.recordStats("bfs", time.Since(started), true)
				return p, nil
			}
			if !visited[ed.TargetID] {
				visited[ed.TargetID] = true
				queue = append(queue, extend(current, ed.TargetID, ed.ID, ed.Strength))
			}
		}
		for _, ed := range inEdges {
			if ed.SourceID == end {
				p := finishPath(current, end, ed.ID, ed.Strength)
				e.recordStats("bfs", time.Since(started), true)
				return p, nil
			}
			if !visited[ed.SourceID] {
				visited[ed.SourceID] = true
				queue = append(queue, extend(current, ed.SourceID, ed.ID, ed.Strength))
			}
		}
	}

	e.recordStats("bfs", time.Since(started), false)
	return nil, nil
}

func extend(current frontierNode, nodeID, edgeID string, strength float64) frontierNode {
	path := append(append([]string(nil), current.path...), nodeID)
	edges := append(append([]string(nil), current.edges...), edgeID)
	return frontierNode{
		nodeID:     nodeID,
		depth:      current.depth + 1,
		path:       path,
		edges:      edges,
		confidence: current.confidence * strength,
	}
}

func finishPath(current frontierNode, end, edgeID string, strength float64) *Path {
	nodes := append(append([]string(nil), current.path...), end)
	edges := append(append([]string(nil), current.edges...), edgeID)
	total := current.confidence * strength
	hops := current.depth + 1
	return &Path{
		Nodes:         nodes,
		Edges:         edges,
		Length:        hops,
		TotalStrength: total,
		Confidence:    min1(total),
		Reasoning:     fmt.Sprintf("Path through %d connections: %s", hops, strings.Join(nodes, " -> ")),
	}
}

func min1(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	return v
}

// FindAllPaths enumerates up to maxPaths distinct paths between start and
// end via bounded depth-first search, each path tracking its own visited
// set so different branches may revisit shared intermediate nodes. Results
// are sorted by confidence descending. Because only edge ids (not their
// strengths) are threaded through the recursion, every returned path's
// strength is the conservative per-hop estimate, not the product of actual
// edge strengths.
func (e *Engine) FindAllPaths(ctx context.Context, start, end string, maxHops, maxPaths int) ([]*Path, error) {
	started := time.Now()
	var paths []*Path
	var walkErr error

	var dfs func(currentID string, path, edges []string, visited map[string]bool, depth int)
	dfs = func(currentID string, path, edges []string, visited map[string]bool, depth int) {
		if walkErr != nil || len(paths) >= maxPaths || depth > maxHops {
			return
		}
		if currentID == end {
			total := conservativePathStrength(len(edges))
			paths = append(paths, &Path{
				Nodes:         append([]string(nil), path...),
				Edges:         append([]string(nil), edges...),
				Length:        len(path) - 1,
				TotalStrength: total,
				Confidence:    min1(total),
				Reasoning:     fmt.Sprintf("Alternative path through %d connections", len(path)-1),
			})
			return
		}

		outEdges, err := e.store.GetEdgesFromNode(ctx, currentID)
		if err != nil {
			walkErr = err
			return
		}
		for _, ed := range outEdges {
			if len(paths) >= maxPaths {
				return
			}
			if !visited[ed.TargetID] {
				nextVisited := cloneVisited(visited)
				nextVisited[ed.TargetID] = true
				dfs(ed.TargetID, append(path, ed.TargetID), append(edges, ed.ID), nextVisited, depth+1)
			}
		}

		inEdges, err := e.store.GetEdgesToNode(ctx, currentID)
		if err != nil {
			walkErr = err
			return
		}
		for _, ed := range inEdges {
			if len(paths) >= maxPaths {
				return
			}
			if !visited[ed.SourceID] {
				nextVisited := cloneVisited(visited)
				nextVisited[ed.SourceID] = true
				dfs(ed.SourceID, append(path, ed.SourceID), append(edges, ed.ID), nextVisited, depth+1)
			}
		}
	}

	dfs(start, []string{start}, []string{}, map[string]bool{start: true}, 0)
	if walkErr != nil {
		return nil, walkErr
	}

	sortPathsByConfidenceDesc(paths)
	e.recordStats("dfs", time.Since(started), len(paths) > 0)
	return paths, nil
}

func cloneVisited(v map[string]bool) map[string]bool {
	out := make(map[string]bool, len(v)+1)
	for k := range v {
		out[k] = true
	}
	return out
}

func sortPathsByConfidenceDesc(paths []*Path) {
	for i := 1; i < len(paths); i++ {
		for j := i; j > 0 && paths[j-1].Confidence < paths[j].Confidence; j-- {
			paths[j-1], paths[j] = paths[j], paths[j-1]
		}
	}
}

// GetNeighbors returns the node ids reached at each level 0..depth, where
// level 0 is just nodeID. A level is omitted if it is empty. An optional
// kinds filter restricts which edges may be traversed. A node already
// present at level 0 is never re-added to a later level; nodes may
// otherwise appear at more than one level, matching the layered frontier
// expansion this mirrors.
func (e *Engine) GetNeighbors(ctx context.Context, nodeID string, depth int, kinds []model.RelationshipKind) (map[int][]string, error) {
	result := map[int][]string{0: {nodeID}}
	currentLevel := map[string]bool{nodeID: true}

	allowed := func(kind model.RelationshipKind) bool {
		if len(kinds) == 0 {
			return true
		}
		for _, k := range kinds {
			if k == kind {
				return true
			}
		}
		return false
	}
	inRoot := func(id string) bool {
		for _, r := range result[0] {
			if r == id {
				return true
			}
		}
		return false
	}

	for level := 1; level <= depth; level++ {
		nextLevel := map[string]bool{}
		for currentID := range currentLevel {
			outEdges, err := e.store.GetEdgesFromNode(ctx, currentID)
			if err != nil {
				return nil, err
			}
			for _, ed := range outEdges {
				if allowed(ed.Kind) && !inRoot(ed.TargetID) {
					nextLevel[ed.TargetID] = true
				}
			}
			inEdges, err := e.store.GetEdgesToNode(ctx, currentID)
			if err != nil {
				return nil, err
			}
			for _, ed := range inEdges {
				if allowed(ed.Kind) && !inRoot(ed.SourceID) {
					nextLevel[ed.SourceID] = true
				}
			}
		}
		if len(nextLevel) > 0 {
			ids := make([]string, 0, len(nextLevel))
			for id := range nextLevel {
				ids = append(ids, id)
			}
			result[level] = ids
		}
		currentLevel = nextLevel
	}

	return result, nil
}

// DetectCircularDependencies performs a depth-first traversal on outgoing
// edges only, using separate visited and on-stack sets, and reports true
// as soon as a back edge into the current recursion stack is found.
func (e *Engine) DetectCircularDependencies(ctx context.Context, nodeID string) (bool, error) {
	visited := map[string]bool{}
	onStack := map[string]bool{}
	var walkErr error

	var hasCycle func(currentID string) bool
	hasCycle = func(currentID string) bool {
		visited[currentID] = true
		onStack[currentID] = true

		outEdges, err := e.store.GetEdgesFromNode(ctx, currentID)
		if err != nil {
			walkErr = err
			return false
		}
		for _, ed := range outEdges {
			if !visited[ed.TargetID] {
				if hasCycle(ed.TargetID) {
					return true
				}
			} else if onStack[ed.TargetID] {
				return true
			}
			if walkErr != nil {
				return false
			}
		}

		onStack[currentID] = false
		return false
	}

	found := hasCycle(nodeID)
	if walkErr != nil {
		return false, walkErr
	}
	return found, nil
}
