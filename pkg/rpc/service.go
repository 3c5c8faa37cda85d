// Package rpc exposes the query engine over a line-delimited JSON-RPC 2.0
// transport on stdin/stdout, the wire contract the calling MCP bridge
// speaks: one JSON object in, one JSON object out, per line.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"strings"
	"time"

	"github.com/n8n-mcp/graphindex/pkg/cache"
	"github.com/n8n-mcp/graphindex/pkg/config"
	"github.com/n8n-mcp/graphindex/pkg/format"
	"github.com/n8n-mcp/graphindex/pkg/model"
	"github.com/n8n-mcp/graphindex/pkg/query"
	"github.com/n8n-mcp/graphindex/pkg/search"
	"github.com/n8n-mcp/graphindex/pkg/storage"
)

// request is the envelope every line on stdin is decoded into.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Service reads JSON-RPC requests from an input stream and writes one
// response per request to an output stream. It is safe to run exactly
// once per process; Serve blocks until the input stream closes.
type Service struct {
	store storage.Engine
	query *query.Engine
	log   *log.Logger
}

// NewService returns a Service backed by store, using default search and
// cache tuning.
func NewService(store storage.Engine) *Service {
	return NewServiceWithConfig(store, nil)
}

// NewServiceWithConfig returns a Service backed by store, wiring cfg's
// search-parallelism and node/embedding cache tuning into the search engine
// it builds. A nil cfg behaves like NewService.
func NewServiceWithConfig(store storage.Engine, cfg *config.Config) *Service {
	var searchOpts []search.Option
	if cfg != nil {
		if cfg.Cache.Enabled {
			qc := cache.NewQueryCache(cfg.Cache.MaxSize, cfg.Cache.TTL)
			searchOpts = append(searchOpts, search.WithCache(qc))
		}
		if cfg.Search.ParallelCandidates > 0 {
			searchOpts = append(searchOpts, search.WithParallelThreshold(cfg.Search.ParallelCandidates))
		} else {
			// A threshold of 0 disables parallel scoring.
			searchOpts = append(searchOpts, search.WithParallelThreshold(math.MaxInt))
		}
	}
	searchEngine := search.NewEngine(store, searchOpts...)

	return &Service{
		store: store,
		query: query.NewEngine(store, query.WithSearchEngine(searchEngine)),
		log:   log.New(os.Stderr, "[rpc] ", log.LstdFlags),
	}
}

// Serve runs the read-decode-dispatch-write loop until in is exhausted or
// ctx is canceled. It returns nil on a clean EOF.
func (s *Service) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	writer := bufio.NewWriter(out)
	defer writer.Flush()

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.handleLine(ctx, line, writer)
		if err := writer.Flush(); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (s *Service) handleLine(ctx context.Context, line string, w io.Writer) {
	var req request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		s.writeError(w, json.RawMessage("0"), -32603, fmt.Sprintf("parse error: %v", err))
		return
	}

	id := req.ID
	if len(id) == 0 {
		id = json.RawMessage("0")
	}

	var (
		result any
		err    error
	)
	switch req.Method {
	case "ping":
		result = map[string]any{"ok": true, "ts": time.Now().Unix()}
	case "query_graph":
		result, err = s.doQueryGraph(ctx, req.Params)
	case "apply_update":
		result, err = s.doApplyUpdate(ctx, req.Params)
	default:
		s.writeError(w, id, -32603, fmt.Sprintf("unknown method: %s", req.Method))
		return
	}

	if err != nil {
		s.writeError(w, id, -32603, err.Error())
		return
	}
	s.writeResult(w, id, result)
}

type queryGraphParams struct {
	Text      string    `json:"text"`
	TopK      int       `json:"top_k"`
	Embedding []float32 `json:"embedding"`
}

// doQueryGraph runs a semantic search (if an embedding is supplied) or a
// keyword search, and reduces the ranked results to the flat subgraph
// summary the bridge expects: a node list, one "related_to" edge from the
// top result to each other result, and a one-line human summary.
func (s *Service) doQueryGraph(ctx context.Context, raw json.RawMessage) (any, error) {
	var p queryGraphParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("invalid query_graph params: %w", err)
		}
	}
	if p.TopK <= 0 {
		p.TopK = 5
	}

	req := query.Request{
		Text:      p.Text,
		Kind:      query.KindSearch,
		Embedding: p.Embedding,
		Limit:     p.TopK,
		Format:    format.FormatJSON,
	}
	rendered := s.query.Query(ctx, req)

	var resp format.Response
	if err := json.Unmarshal([]byte(rendered), &resp); err != nil {
		return nil, fmt.Errorf("decoding internal search response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%s", resp.Error)
	}
	return subgraphSummary(p.Text, resp.Results), nil
}

func subgraphSummary(text string, results []*search.Result) map[string]any {
	nodes := make([]map[string]any, 0, len(results))
	for _, r := range results {
		nodes = append(nodes, map[string]any{
			"id":          r.NodeID,
			"label":       r.NodeLabel,
			"type":        r.NodeType,
			"description": r.Description,
			"score":       r.RelevanceScore,
			"confidence":  r.Confidence,
			"metadata":    r.Metadata,
		})
	}

	edges := make([]map[string]any, 0)
	if len(nodes) > 1 {
		root := results[0].NodeID
		for _, r := range results[1:] {
			edges = append(edges, map[string]any{
				"source": root,
				"target": r.NodeID,
				"type":   "related_to",
			})
		}
	}

	return map[string]any{
		"nodes":   nodes,
		"edges":   edges,
		"summary": fmt.Sprintf("Found %d node(s) related to %q.", len(nodes), text),
	}
}

type updateItem struct {
	ID          string         `json:"id"`
	Label       string         `json:"label"`
	Description string         `json:"description"`
	Category    string         `json:"category"`
	Keywords    []string       `json:"keywords"`
	Metadata    model.Metadata `json:"metadata"`
	Embedding   []float32      `json:"embedding"`
}

type applyUpdateParams struct {
	Added    []updateItem `json:"added"`
	Modified []updateItem `json:"modified"`
	Removed  []updateItem `json:"removed"`
}

// doApplyUpdate applies added and modified entries as node upserts
// (identical treatment, since storage already upserts by id) and removed
// entries as node deletes. A failing entry is logged and skipped so it does
// not block the rest of the batch; an error is returned only when no entry
// could be applied, otherwise the result counts the entries that were.
func (s *Service) doApplyUpdate(ctx context.Context, raw json.RawMessage) (any, error) {
	var p applyUpdateParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("invalid apply_update params: %w", err)
		}
	}

	applied := 0
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, item := range append(append([]updateItem{}, p.Added...), p.Modified...) {
		if item.ID == "" {
			continue
		}
		now := time.Now().UTC()
		n := &model.Node{
			ID:          item.ID,
			Label:       nonEmptyLabel(item.Label, item.ID),
			Description: item.Description,
			Category:    item.Category,
			Keywords:    item.Keywords,
			Metadata:    item.Metadata,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.store.AddNode(ctx, n); err != nil {
			s.log.Printf("apply_update: upserting %q: %v", item.ID, err)
			note(err)
			continue
		}
		if len(item.Embedding) > 0 {
			emb := &model.Embedding{
				NodeID:    item.ID,
				Vector:    item.Embedding,
				Dimension: len(item.Embedding),
			}
			if err := s.store.AddEmbedding(ctx, emb); err != nil {
				s.log.Printf("apply_update: storing embedding for %q: %v", item.ID, err)
				note(err)
				continue
			}
		}
		applied++
	}

	for _, item := range p.Removed {
		if item.ID == "" {
			continue
		}
		if err := s.store.DeleteNode(ctx, item.ID); err != nil && !storage.IsNotFound(err) {
			s.log.Printf("apply_update: removing %q: %v", item.ID, err)
			note(err)
			continue
		}
		applied++
	}

	if firstErr != nil && applied == 0 {
		return nil, firstErr
	}
	return map[string]any{"ok": true, "updates_applied": applied}, nil
}

func nonEmptyLabel(label, fallback string) string {
	if label != "" {
		return label
	}
	return fallback
}

func (s *Service) writeResult(w io.Writer, id json.RawMessage, result any) {
	s.writeLine(w, map[string]any{
		"jsonrpc": "2.0",
		"id":      json.RawMessage(id),
		"result":  result,
	})
}

func (s *Service) writeError(w io.Writer, id json.RawMessage, code int, message string) {
	s.writeLine(w, map[string]any{
		"jsonrpc": "2.0",
		"id":      json.RawMessage(id),
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

func (s *Service) writeLine(w io.Writer, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Printf("marshaling response: %v", err)
		data = []byte(`{"jsonrpc":"2.0","id":0,"error":{"code":-32603,"message":"internal marshaling failure"}}`)
	}
	w.Write(data)
	w.Write([]byte("\n"))
}
