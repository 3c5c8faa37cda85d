package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/n8n-mcp/graphindex/pkg/model"
)

// Key prefixes organize the single BadgerDB keyspace into the tables the
// declared schema names. A "table" here is a key prefix; an "index" is a
// secondary prefix whose value is empty and whose key embeds the id of the
// row it points back to.
const (
	prefixNode             = byte(0x01) // node:id -> JSON(Node)
	prefixEdge             = byte(0x02) // edge:id -> JSON(Edge)
	prefixEdgeBySource     = byte(0x03) // edgeBySource:sourceID\x00edgeID -> nil
	prefixEdgeByTarget     = byte(0x04) // edgeByTarget:targetID\x00edgeID -> nil
	prefixCategoryIndex    = byte(0x05) // category:categoryName\x00nodeID -> nil
	prefixEmbeddingVector  = byte(0x06) // embeddingVector:nodeID -> packed float32 LE
	prefixEmbeddingMeta    = byte(0x07) // embeddingMeta:nodeID -> JSON{Model,Dimension}
	prefixGraphMetadata    = byte(0x08) // metadata:key -> value
	prefixQueryLog         = byte(0x09) // queryLog:beID -> JSON(QueryLog)
	prefixUpdateHistory    = byte(0x0A) // updateHistory:beID -> JSON(UpdateHistory)
	prefixSchemaInfo       = byte(0x0B) // single key -> schema version string
	prefixSchemaVersionLog = byte(0x0C) // schemaVersionLog:beID -> JSON(migration step record)
)

const keySep = byte(0x00)

var (
	seqQueryLogKey      = []byte("seq:query_log")
	seqUpdateHistoryKey = []byte("seq:update_history")
	seqSchemaVersionKey = []byte("seq:schema_version")
)

func nodeKey(id string) []byte          { return append([]byte{prefixNode}, id...) }
func edgeKey(id string) []byte          { return append([]byte{prefixEdge}, id...) }
func embeddingVecKey(id string) []byte  { return append([]byte{prefixEmbeddingVector}, id...) }
func embeddingMetaKey(id string) []byte { return append([]byte{prefixEmbeddingMeta}, id...) }
func metadataKey(key string) []byte     { return append([]byte{prefixGraphMetadata}, key...) }

func edgeBySourceKey(sourceID, edgeID string) []byte {
	k := []byte{prefixEdgeBySource}
	k = append(k, sourceID...)
	k = append(k, keySep)
	return append(k, edgeID...)
}

func edgeByTargetKey(targetID, edgeID string) []byte {
	k := []byte{prefixEdgeByTarget}
	k = append(k, targetID...)
	k = append(k, keySep)
	return append(k, edgeID...)
}

func categoryIndexKey(category, nodeID string) []byte {
	k := []byte{prefixCategoryIndex}
	k = append(k, category...)
	k = append(k, keySep)
	return append(k, nodeID...)
}

func beUint64Key(prefix byte, seq uint64) []byte {
	k := make([]byte, 9)
	k[0] = prefix
	binary.BigEndian.PutUint64(k[1:], seq)
	return k
}

// BadgerEngine is the persistent Engine implementation, backed by an
// embedded BadgerDB instance. A bounded semaphore stands in for the
// connection pool the contract describes: every operation acquires a slot
// before touching the database and releases it on every exit path,
// including failure, so callers can share one Engine across goroutines
// freely.
type BadgerEngine struct {
	db     *badger.DB
	logger *log.Logger

	pool             chan struct{}
	operationTimeout time.Duration

	mu     sync.RWMutex
	closed bool

	querySeq  *badger.Sequence
	updateSeq *badger.Sequence
}

// BadgerOptions configures a BadgerEngine.
type BadgerOptions struct {
	// DataDir is the directory holding the database files. Required unless
	// InMemory is set.
	DataDir string
	// InMemory runs BadgerDB in memory-only mode, for tests.
	InMemory bool
	// SyncWrites forces fsync after each commit.
	SyncWrites bool
	// PoolSize bounds concurrent storage operations. Default 5.
	PoolSize int
	// OperationTimeout bounds the wait for a free connection slot when the
	// caller's context carries no deadline of its own; the operation itself
	// is not interrupted once it holds a slot. Default 30s.
	OperationTimeout time.Duration
	// Logger receives diagnostic output. Defaults to a stderr logger
	// prefixed "[storage] ".
	Logger *log.Logger
}

// NewBadgerEngine opens (or creates) a persistent graph store at dataDir
// using default pool and timeout settings.
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{DataDir: dataDir})
}

// NewBadgerEngineWithOptions opens a BadgerEngine with full control over
// pooling, durability, and logging. On open it verifies the schema and
// runs any pending migrations; a schema that cannot be verified or
// upgraded fails the open per the fatal error class in the service's
// error handling design.
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 5
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[storage] ", log.LstdFlags)
	}

	bopts := badger.DefaultOptions(opts.DataDir)
	bopts = bopts.WithSyncWrites(opts.SyncWrites)
	bopts = bopts.WithLogger(nil) // badger's own verbose logger is noise on stderr here
	if opts.InMemory {
		bopts = bopts.WithInMemory(true)
	} else if opts.DataDir == "" {
		return nil, newError(FailureInvalidInput, "data directory is required", nil)
	} else if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, newError(FailureIOError, "creating data directory", err)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, newError(FailureIOError, "opening database", err)
	}

	querySeq, err := db.GetSequence(seqQueryLogKey, 100)
	if err != nil {
		db.Close()
		return nil, newError(FailureIOError, "initializing query log sequence", err)
	}
	updateSeq, err := db.GetSequence(seqUpdateHistoryKey, 100)
	if err != nil {
		querySeq.Release()
		db.Close()
		return nil, newError(FailureIOError, "initializing update history sequence", err)
	}

	eng := &BadgerEngine{
		db:               db,
		logger:           opts.Logger,
		pool:             make(chan struct{}, opts.PoolSize),
		operationTimeout: opts.OperationTimeout,
		querySeq:         querySeq,
		updateSeq:        updateSeq,
	}

	migrator := NewMigrator(eng)
	if err := migrator.Migrate(context.Background()); err != nil {
		eng.Close()
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return eng, nil
}

// acquire checks out a connection slot, applying the engine's operation
// timeout if ctx carries no deadline of its own. The returned release
// function must be called exactly once, on every exit path.
func (e *BadgerEngine) acquire(ctx context.Context) (context.Context, func(), error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, func() {}, newError(FailureIOError, "storage engine is closed", nil)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.operationTimeout)
		select {
		case e.pool <- struct{}{}:
			return ctx, func() { <-e.pool; cancel() }, nil
		case <-ctx.Done():
			cancel()
			return nil, func() {}, newError(FailureIOError, "timed out acquiring storage connection", ctx.Err())
		}
	}

	select {
	case e.pool <- struct{}{}:
		return ctx, func() { <-e.pool }, nil
	case <-ctx.Done():
		return nil, func() {}, newError(FailureIOError, "timed out acquiring storage connection", ctx.Err())
	}
}

// writeUpdateHistory appends one audit row within txn, using the engine's
// monotonic sequence for the row id.
func (e *BadgerEngine) writeUpdateHistory(txn *badger.Txn, entityID, kind string, op model.UpdateOperation, oldValue, newValue string) error {
	seq, err := e.updateSeq.Next()
	if err != nil {
		return newError(FailureIOError, "allocating update history id", err)
	}
	entry := model.UpdateHistory{
		ID:        int64(seq),
		EntityID:  entityID,
		Kind:      kind,
		Operation: op,
		OldValue:  oldValue,
		NewValue:  newValue,
		Timestamp: time.Now().UTC(),
		Source:    "api",
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return newError(FailureInvalidInput, "encoding update history entry", err)
	}
	return txn.Set(beUint64Key(prefixUpdateHistory, seq), data)
}

// AddNode upserts a node, keyed on its id. Adding a node already present
// replaces it and leaves counts unchanged.
func (e *BadgerEngine) AddNode(ctx context.Context, n *model.Node) error {
	if n == nil || n.ID == "" {
		return newError(FailureInvalidInput, "node id is required", nil)
	}
	_, release, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	now := time.Now().UTC()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now

	return e.db.Update(func(txn *badger.Txn) error {
		var oldValue string
		if item, getErr := txn.Get(nodeKey(n.ID)); getErr == nil {
			var old model.Node
			_ = item.Value(func(v []byte) error { return json.Unmarshal(v, &old) })
			oldValue = old.Category
			if old.Category != n.Category && old.Category != "" {
				if delErr := txn.Delete(categoryIndexKey(old.Category, n.ID)); delErr != nil && delErr != badger.ErrKeyNotFound {
					return newError(FailureIOError, "updating category index", delErr)
				}
			}
		} else if getErr != badger.ErrKeyNotFound {
			return newError(FailureIOError, "reading existing node", getErr)
		}

		data, marshalErr := json.Marshal(n)
		if marshalErr != nil {
			return newError(FailureInvalidInput, "encoding node", marshalErr)
		}
		if setErr := txn.Set(nodeKey(n.ID), data); setErr != nil {
			return newError(FailureIOError, "writing node", setErr)
		}
		if n.Category != "" {
			if idxErr := txn.Set(categoryIndexKey(n.Category, n.ID), nil); idxErr != nil {
				return newError(FailureIOError, "writing category index", idxErr)
			}
		}
		return e.writeUpdateHistory(txn, n.ID, "node", model.OpAdd, oldValue, n.Category)
	})
}

// GetNode returns the node with id, or ErrNotFound if none exists.
func (e *BadgerEngine) GetNode(ctx context.Context, id string) (*model.Node, error) {
	_, release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var n model.Node
	err = e.db.View(func(txn *badger.Txn) error {
		item, getErr := txn.Get(nodeKey(id))
		if getErr == badger.ErrKeyNotFound {
			return newError(FailureNotFound, fmt.Sprintf("node %q not found", id), nil)
		} else if getErr != nil {
			return newError(FailureIOError, "reading node", getErr)
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &n) })
	})
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// GetNodes returns up to limit nodes, skipping the first offset, ordered by
// node id.
func (e *BadgerEngine) GetNodes(ctx context.Context, limit, offset int) ([]*model.Node, error) {
	_, release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var nodes []*model.Node
	err = e.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte{prefixNode}
		skipped := 0
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(nodes) >= limit {
				break
			}
			if skipped < offset {
				skipped++
				continue
			}
			var n model.Node
			if valErr := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &n) }); valErr != nil {
				return newError(FailureCorruptState, "decoding node", valErr)
			}
			nodes = append(nodes, &n)
		}
		return nil
	})
	return nodes, err
}

// GetNodesByCategory returns every node tagged with category.
func (e *BadgerEngine) GetNodesByCategory(ctx context.Context, category string) ([]*model.Node, error) {
	_, release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var nodes []*model.Node
	err = e.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := append([]byte{prefixCategoryIndex}, category...)
		prefix = append(prefix, keySep)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			nodeID := string(it.Item().Key()[len(prefix):])
			item, getErr := txn.Get(nodeKey(nodeID))
			if getErr != nil {
				continue
			}
			var n model.Node
			if valErr := item.Value(func(v []byte) error { return json.Unmarshal(v, &n) }); valErr != nil {
				return newError(FailureCorruptState, "decoding node", valErr)
			}
			nodes = append(nodes, &n)
		}
		return nil
	})
	return nodes, err
}

// DeleteNode removes the node and cascades to every incident edge and its
// embedding, recording one audit row for the node and one per removed edge;
// the embedding's removal writes no audit row.
func (e *BadgerEngine) DeleteNode(ctx context.Context, id string) error {
	_, release, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	return e.db.Update(func(txn *badger.Txn) error {
		item, getErr := txn.Get(nodeKey(id))
		if getErr == badger.ErrKeyNotFound {
			return newError(FailureNotFound, fmt.Sprintf("node %q not found", id), nil)
		} else if getErr != nil {
			return newError(FailureIOError, "reading node", getErr)
		}
		var n model.Node
		if valErr := item.Value(func(v []byte) error { return json.Unmarshal(v, &n) }); valErr != nil {
			return newError(FailureCorruptState, "decoding node", valErr)
		}

		if delErr := deleteIncidentEdges(e, txn, id); delErr != nil {
			return delErr
		}

		if _, embErr := txn.Get(embeddingVecKey(id)); embErr == nil {
			_ = txn.Delete(embeddingVecKey(id))
			_ = txn.Delete(embeddingMetaKey(id))
		}

		if n.Category != "" {
			if delErr := txn.Delete(categoryIndexKey(n.Category, id)); delErr != nil && delErr != badger.ErrKeyNotFound {
				return newError(FailureIOError, "removing category index", delErr)
			}
		}
		if delErr := txn.Delete(nodeKey(id)); delErr != nil {
			return newError(FailureIOError, "deleting node", delErr)
		}
		return e.writeUpdateHistory(txn, id, "node", model.OpDelete, n.Label, "")
	})
}

func deleteIncidentEdges(e *BadgerEngine, txn *badger.Txn, nodeID string) error {
	var edgeIDs []string

	collect := func(prefix []byte) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			edgeIDs = append(edgeIDs, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	}

	srcPrefix := append([]byte{prefixEdgeBySource}, nodeID...)
	srcPrefix = append(srcPrefix, keySep)
	if err := collect(srcPrefix); err != nil {
		return err
	}
	dstPrefix := append([]byte{prefixEdgeByTarget}, nodeID...)
	dstPrefix = append(dstPrefix, keySep)
	if err := collect(dstPrefix); err != nil {
		return err
	}

	for _, edgeID := range edgeIDs {
		item, getErr := txn.Get(edgeKey(edgeID))
		if getErr != nil {
			continue
		}
		var ed model.Edge
		if valErr := item.Value(func(v []byte) error { return json.Unmarshal(v, &ed) }); valErr != nil {
			continue
		}
		if err := removeEdgeKeys(txn, &ed); err != nil {
			return err
		}
		if err := e.writeUpdateHistory(txn, ed.ID, "edge", model.OpDeleteEdge, ed.SourceID+"->"+ed.TargetID, ""); err != nil {
			return err
		}
	}
	return nil
}

func removeEdgeKeys(txn *badger.Txn, ed *model.Edge) error {
	if err := txn.Delete(edgeKey(ed.ID)); err != nil && err != badger.ErrKeyNotFound {
		return newError(FailureIOError, "deleting edge", err)
	}
	if err := txn.Delete(edgeBySourceKey(ed.SourceID, ed.ID)); err != nil && err != badger.ErrKeyNotFound {
		return newError(FailureIOError, "deleting source index", err)
	}
	if err := txn.Delete(edgeByTargetKey(ed.TargetID, ed.ID)); err != nil && err != badger.ErrKeyNotFound {
		return newError(FailureIOError, "deleting target index", err)
	}
	return nil
}

// NodeCount returns the number of stored nodes.
func (e *BadgerEngine) NodeCount(ctx context.Context) (int64, error) {
	return e.countPrefix(ctx, prefixNode)
}

// AddEdge upserts an edge by its (source, target, kind) triple, which §3
// requires to stay unique: if an edge already connects source to target
// with the same kind, its id and data are replaced in place rather than
// inserting a second, duplicate edge. Storing a second edge with the same
// id also replaces the first.
func (e *BadgerEngine) AddEdge(ctx context.Context, ed *model.Edge) error {
	if ed == nil || ed.ID == "" || ed.SourceID == "" || ed.TargetID == "" {
		return newError(FailureInvalidInput, "edge id, source, and target are required", nil)
	}
	if !model.ValidRelationshipKind(ed.Kind) {
		return newError(FailureInvalidInput, fmt.Sprintf("unrecognized relationship kind %q", ed.Kind), nil)
	}
	_, release, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if ed.CreatedAt.IsZero() {
		ed.CreatedAt = time.Now().UTC()
	}

	return e.db.Update(func(txn *badger.Txn) error {
		existing, findErr := findEdgeByTriple(txn, ed.SourceID, ed.TargetID, ed.Kind)
		if findErr != nil {
			return findErr
		}
		if existing != nil && existing.ID != ed.ID {
			if delErr := removeEdgeKeys(txn, existing); delErr != nil {
				return delErr
			}
		}
		if item, getErr := txn.Get(edgeKey(ed.ID)); getErr == nil {
			var prev model.Edge
			if item.Value(func(v []byte) error { return json.Unmarshal(v, &prev) }) == nil &&
				(prev.SourceID != ed.SourceID || prev.TargetID != ed.TargetID) {
				if delErr := removeEdgeKeys(txn, &prev); delErr != nil {
					return delErr
				}
			}
		}

		data, marshalErr := json.Marshal(ed)
		if marshalErr != nil {
			return newError(FailureInvalidInput, "encoding edge", marshalErr)
		}
		if setErr := txn.Set(edgeKey(ed.ID), data); setErr != nil {
			return newError(FailureIOError, "writing edge", setErr)
		}
		if setErr := txn.Set(edgeBySourceKey(ed.SourceID, ed.ID), nil); setErr != nil {
			return newError(FailureIOError, "writing source index", setErr)
		}
		if setErr := txn.Set(edgeByTargetKey(ed.TargetID, ed.ID), nil); setErr != nil {
			return newError(FailureIOError, "writing target index", setErr)
		}
		return e.writeUpdateHistory(txn, ed.ID, "edge", model.OpAddEdge, "", ed.SourceID+"->"+ed.TargetID)
	})
}

// findEdgeByTriple scans the source index for an edge matching
// (sourceID, targetID, kind), returning nil if none exists.
func findEdgeByTriple(txn *badger.Txn, sourceID, targetID string, kind model.RelationshipKind) (*model.Edge, error) {
	prefix := append([]byte{prefixEdgeBySource}, sourceID...)
	prefix = append(prefix, keySep)

	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		edgeID := string(it.Item().Key()[len(prefix):])
		item, getErr := txn.Get(edgeKey(edgeID))
		if getErr != nil {
			continue
		}
		var candidate model.Edge
		if unmarshalErr := item.Value(func(v []byte) error { return json.Unmarshal(v, &candidate) }); unmarshalErr != nil {
			continue
		}
		if candidate.TargetID == targetID && candidate.Kind == kind {
			return &candidate, nil
		}
	}
	return nil, nil
}

// GetEdgesFromNode returns every edge whose source is nodeID.
func (e *BadgerEngine) GetEdgesFromNode(ctx context.Context, nodeID string) ([]*model.Edge, error) {
	return e.edgesByIndex(ctx, prefixEdgeBySource, nodeID)
}

// GetEdgesToNode returns every edge whose target is nodeID.
func (e *BadgerEngine) GetEdgesToNode(ctx context.Context, nodeID string) ([]*model.Edge, error) {
	return e.edgesByIndex(ctx, prefixEdgeByTarget, nodeID)
}

func (e *BadgerEngine) edgesByIndex(ctx context.Context, prefixByte byte, nodeID string) ([]*model.Edge, error) {
	_, release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var edges []*model.Edge
	err = e.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := append([]byte{prefixByte}, nodeID...)
		prefix = append(prefix, keySep)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			edgeID := string(it.Item().Key()[len(prefix):])
			item, getErr := txn.Get(edgeKey(edgeID))
			if getErr != nil {
				continue
			}
			var ed model.Edge
			if valErr := item.Value(func(v []byte) error { return json.Unmarshal(v, &ed) }); valErr != nil {
				return newError(FailureCorruptState, "decoding edge", valErr)
			}
			edges = append(edges, &ed)
		}
		return nil
	})
	return edges, err
}

// DeleteEdge removes a single edge and its two source/target index entries.
func (e *BadgerEngine) DeleteEdge(ctx context.Context, id string) error {
	_, release, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	return e.db.Update(func(txn *badger.Txn) error {
		item, getErr := txn.Get(edgeKey(id))
		if getErr == badger.ErrKeyNotFound {
			return newError(FailureNotFound, fmt.Sprintf("edge %q not found", id), nil)
		} else if getErr != nil {
			return newError(FailureIOError, "reading edge", getErr)
		}
		var ed model.Edge
		if valErr := item.Value(func(v []byte) error { return json.Unmarshal(v, &ed) }); valErr != nil {
			return newError(FailureCorruptState, "decoding edge", valErr)
		}
		if err := removeEdgeKeys(txn, &ed); err != nil {
			return err
		}
		return e.writeUpdateHistory(txn, id, "edge", model.OpDeleteEdge, ed.SourceID+"->"+ed.TargetID, "")
	})
}

// EdgeCount returns the number of stored edges.
func (e *BadgerEngine) EdgeCount(ctx context.Context) (int64, error) {
	return e.countPrefix(ctx, prefixEdge)
}

func (e *BadgerEngine) countPrefix(ctx context.Context, prefixByte byte) (int64, error) {
	_, release, err := e.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	var count int64
	err = e.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte{prefixByte}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// AddEmbedding stores e's vector as a packed little-endian float32 buffer,
// one-to-one with its node. A second call for the same node id replaces
// the vector.
func (e *BadgerEngine) AddEmbedding(ctx context.Context, emb *model.Embedding) error {
	if emb == nil || emb.NodeID == "" || len(emb.Vector) == 0 {
		return newError(FailureInvalidInput, "embedding node id and vector are required", nil)
	}
	if emb.Dimension == 0 {
		emb.Dimension = len(emb.Vector)
	}
	if emb.Dimension != len(emb.Vector) {
		return newError(FailureInvalidInput, "embedding dimension does not match vector length", nil)
	}
	_, release, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	buf := encodeFloat32LE(emb.Vector)
	meta := struct {
		Model     string `json:"model"`
		Dimension int    `json:"dimension"`
	}{emb.Model, emb.Dimension}
	metaData, marshalErr := json.Marshal(meta)
	if marshalErr != nil {
		return newError(FailureInvalidInput, "encoding embedding metadata", marshalErr)
	}

	return e.db.Update(func(txn *badger.Txn) error {
		if setErr := txn.Set(embeddingVecKey(emb.NodeID), buf); setErr != nil {
			return newError(FailureIOError, "writing embedding", setErr)
		}
		return txn.Set(embeddingMetaKey(emb.NodeID), metaData)
	})
}

// GetEmbedding returns the embedding stored for nodeID, or ErrNotFound.
func (e *BadgerEngine) GetEmbedding(ctx context.Context, nodeID string) (*model.Embedding, error) {
	_, release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var emb model.Embedding
	err = e.db.View(func(txn *badger.Txn) error {
		vecItem, getErr := txn.Get(embeddingVecKey(nodeID))
		if getErr == badger.ErrKeyNotFound {
			return newError(FailureNotFound, fmt.Sprintf("embedding for node %q not found", nodeID), nil)
		} else if getErr != nil {
			return newError(FailureIOError, "reading embedding", getErr)
		}
		var buf []byte
		if valErr := vecItem.Value(func(v []byte) error {
			buf = append([]byte(nil), v...)
			return nil
		}); valErr != nil {
			return newError(FailureCorruptState, "decoding embedding vector", valErr)
		}

		metaItem, metaErr := txn.Get(embeddingMetaKey(nodeID))
		if metaErr != nil {
			return newError(FailureCorruptState, "missing embedding metadata", metaErr)
		}
		var meta struct {
			Model     string `json:"model"`
			Dimension int    `json:"dimension"`
		}
		if valErr := metaItem.Value(func(v []byte) error { return json.Unmarshal(v, &meta) }); valErr != nil {
			return newError(FailureCorruptState, "decoding embedding metadata", valErr)
		}
		if len(buf) != meta.Dimension*4 {
			return newError(FailureCorruptState, "embedding byte length does not match dimension", nil)
		}

		emb = model.Embedding{
			NodeID:    nodeID,
			Vector:    decodeFloat32LE(buf),
			Model:     meta.Model,
			Dimension: meta.Dimension,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &emb, nil
}

// SetMetadata writes a single graph-wide metadata key/value pair.
func (e *BadgerEngine) SetMetadata(ctx context.Context, key, value string) error {
	_, release, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return e.db.Update(func(txn *badger.Txn) error {
		if setErr := txn.Set(metadataKey(key), []byte(value)); setErr != nil {
			return newError(FailureIOError, "writing metadata", setErr)
		}
		return nil
	})
}

// GetMetadata reads a single graph-wide metadata value.
func (e *BadgerEngine) GetMetadata(ctx context.Context, key string) (string, error) {
	_, release, err := e.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	var value string
	err = e.db.View(func(txn *badger.Txn) error {
		item, getErr := txn.Get(metadataKey(key))
		if getErr == badger.ErrKeyNotFound {
			return newError(FailureNotFound, fmt.Sprintf("metadata key %q not found", key), nil)
		} else if getErr != nil {
			return newError(FailureIOError, "reading metadata", getErr)
		}
		return item.Value(func(v []byte) error {
			value = string(v)
			return nil
		})
	})
	return value, err
}

// GetAllMetadata returns every graph-wide metadata key/value pair.
func (e *BadgerEngine) GetAllMetadata(ctx context.Context) (model.GraphMetadata, error) {
	_, release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	out := model.GraphMetadata{}
	err = e.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte{prefixGraphMetadata}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key()[1:])
			if valErr := it.Item().Value(func(v []byte) error {
				out[key] = string(v)
				return nil
			}); valErr != nil {
				return newError(FailureCorruptState, "decoding metadata", valErr)
			}
		}
		return nil
	})
	return out, err
}

// LogQuery appends a query log row.
func (e *BadgerEngine) LogQuery(ctx context.Context, q *model.QueryLog) error {
	if q == nil {
		return newError(FailureInvalidInput, "query log entry is required", nil)
	}
	_, release, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	seq, seqErr := e.querySeq.Next()
	if seqErr != nil {
		return newError(FailureIOError, "allocating query log id", seqErr)
	}
	q.ID = int64(seq)
	if q.Timestamp.IsZero() {
		q.Timestamp = time.Now().UTC()
	}
	data, marshalErr := json.Marshal(q)
	if marshalErr != nil {
		return newError(FailureInvalidInput, "encoding query log entry", marshalErr)
	}
	return e.db.Update(func(txn *badger.Txn) error {
		return txn.Set(beUint64Key(prefixQueryLog, seq), data)
	})
}

// GetQueryLogs returns up to limit most recent query log rows, newest
// first.
func (e *BadgerEngine) GetQueryLogs(ctx context.Context, limit int) ([]*model.QueryLog, error) {
	results, err := e.scanReverse(ctx, prefixQueryLog, limit, func(data []byte) (any, error) {
		var q model.QueryLog
		if err := json.Unmarshal(data, &q); err != nil {
			return nil, err
		}
		return &q, nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]*model.QueryLog, len(results))
	for i, r := range results {
		out[i] = r.(*model.QueryLog)
	}
	return out, nil
}

// GetUpdateHistory returns up to limit most recent audit rows, newest
// first.
func (e *BadgerEngine) GetUpdateHistory(ctx context.Context, limit int) ([]*model.UpdateHistory, error) {
	results, err := e.scanReverse(ctx, prefixUpdateHistory, limit, func(data []byte) (any, error) {
		var h model.UpdateHistory
		if err := json.Unmarshal(data, &h); err != nil {
			return nil, err
		}
		return &h, nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]*model.UpdateHistory, len(results))
	for i, r := range results {
		out[i] = r.(*model.UpdateHistory)
	}
	return out, nil
}

// scanReverse walks every key under prefixByte from the highest sequence
// down, decoding each value with decode and stopping once limit results
// have been collected (0 = unbounded).
func (e *BadgerEngine) scanReverse(ctx context.Context, prefixByte byte, limit int, decode func([]byte) (any, error)) ([]any, error) {
	_, release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var out []any
	err = e.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		upperBound := beUint64Key(prefixByte, math.MaxUint64)
		for it.Seek(upperBound); it.ValidForPrefix([]byte{prefixByte}); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var decoded any
			if valErr := it.Item().Value(func(v []byte) error {
				d, decErr := decode(v)
				decoded = d
				return decErr
			}); valErr != nil {
				return newError(FailureCorruptState, "decoding log entry", valErr)
			}
			out = append(out, decoded)
		}
		return nil
	})
	return out, err
}

// GetStats summarizes the current contents of the store.
func (e *BadgerEngine) GetStats(ctx context.Context) (Stats, error) {
	nodeCount, err := e.NodeCount(ctx)
	if err != nil {
		return Stats{}, err
	}
	edgeCount, err := e.EdgeCount(ctx)
	if err != nil {
		return Stats{}, err
	}
	embCount, err := e.countPrefix(ctx, prefixEmbeddingMeta)
	if err != nil {
		return Stats{}, err
	}
	queryCount, err := e.countPrefix(ctx, prefixQueryLog)
	if err != nil {
		return Stats{}, err
	}
	historyCount, err := e.countPrefix(ctx, prefixUpdateHistory)
	if err != nil {
		return Stats{}, err
	}
	version, err := e.schemaVersion(ctx)
	if err != nil && !IsNotFound(err) {
		return Stats{}, err
	}
	return Stats{
		NodeCount:          nodeCount,
		EdgeCount:          edgeCount,
		EmbeddingCount:     embCount,
		QueryLogCount:      queryCount,
		UpdateHistoryCount: historyCount,
		SchemaVersion:      version,
	}, nil
}

// Vacuum triggers BadgerDB value-log garbage collection. It is an explicit,
// operator-triggered action; the engine never calls it implicitly.
func (e *BadgerEngine) Vacuum(ctx context.Context) error {
	_, release, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	for {
		if gcErr := e.db.RunValueLogGC(0.5); gcErr != nil {
			if gcErr == badger.ErrNoRewrite {
				return nil
			}
			return newError(FailureIOError, "vacuuming value log", gcErr)
		}
	}
}

// Close releases the underlying database. Safe to call more than once.
func (e *BadgerEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.querySeq != nil {
		_ = e.querySeq.Release()
	}
	if e.updateSeq != nil {
		_ = e.updateSeq.Release()
	}
	if err := e.db.Close(); err != nil {
		return newError(FailureIOError, "closing database", err)
	}
	return nil
}

func encodeFloat32LE(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeFloat32LE(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
