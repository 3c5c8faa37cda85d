package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/n8n-mcp/graphindex/pkg/model"
)

func sampleNode(id string) *model.Node {
	return &model.Node{
		ID:          id,
		Label:       "HTTP Request",
		Description: "Makes an HTTP call to an external service",
		Category:    "integration",
	}
}

func sampleEmbedding(nodeID string, dim int) *model.Embedding {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(i) / float32(dim)
	}
	return &model.Embedding{NodeID: nodeID, Vector: v, Model: "test-embed", Dimension: dim}
}

func TestQueryCache_PutGet(t *testing.T) {
	c := NewQueryCache(10, time.Minute)

	key := c.Key("node:n1", nil)
	if _, ok := c.Get(key); ok {
		t.Fatal("expected miss before Put")
	}

	n1 := sampleNode("n1")
	c.Put(key, n1)

	v, ok := c.Get(key)
	if !ok {
		t.Fatal("expected hit after Put")
	}
	got, ok := v.(*model.Node)
	if !ok || got.ID != "n1" {
		t.Fatalf("expected node n1, got %+v", v)
	}
}

func TestQueryCache_KeyStability(t *testing.T) {
	c := NewQueryCache(10, 0)

	k1 := c.Key("emb:n1", nil)
	k2 := c.Key("emb:n1", nil)
	if k1 != k2 {
		t.Error("same name should hash to the same key")
	}

	k3 := c.Key("emb:n2", nil)
	if k1 == k3 {
		t.Error("different names should hash to different keys")
	}

	k4 := c.Key("node:n1", map[string]interface{}{"depth": 2})
	k5 := c.Key("node:n1", map[string]interface{}{"depth": 2})
	if k4 != k5 {
		t.Error("same name+params should hash to the same key")
	}
}

func TestQueryCache_Update(t *testing.T) {
	c := NewQueryCache(10, time.Minute)

	key := c.Key("emb:n1", nil)
	c.Put(key, sampleEmbedding("n1", 4))

	updated := sampleEmbedding("n1", 8)
	c.Put(key, updated)

	v, ok := c.Get(key)
	if !ok {
		t.Fatal("expected hit")
	}
	emb := v.(*model.Embedding)
	if emb.Dimension != 8 {
		t.Errorf("expected updated embedding with dimension 8, got %d", emb.Dimension)
	}
	if c.Len() != 1 {
		t.Errorf("update of existing key should not grow the cache, got len %d", c.Len())
	}
}

func TestQueryCache_TTLExpiry(t *testing.T) {
	c := NewQueryCache(10, 20*time.Millisecond)

	key := c.Key("node:n1", nil)
	c.Put(key, sampleNode("n1"))

	if _, ok := c.Get(key); !ok {
		t.Fatal("expected hit immediately after Put")
	}

	time.Sleep(40 * time.Millisecond)

	if _, ok := c.Get(key); ok {
		t.Fatal("expected miss after TTL expiry")
	}
}

func TestQueryCache_NoExpiryWhenTTLZero(t *testing.T) {
	c := NewQueryCache(10, 0)

	key := c.Key("node:n1", nil)
	c.Put(key, sampleNode("n1"))

	time.Sleep(10 * time.Millisecond)

	if _, ok := c.Get(key); !ok {
		t.Fatal("zero TTL should mean entries never expire")
	}
}

func TestQueryCache_LRUEviction(t *testing.T) {
	c := NewQueryCache(3, 0)

	keys := make([]uint64, 4)
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("n%d", i)
		keys[i] = c.Key("node:"+id, nil)
		c.Put(keys[i], sampleNode(id))
	}

	if c.Len() != 3 {
		t.Fatalf("expected cache capped at 3 entries, got %d", c.Len())
	}

	// n0 was inserted first and never touched again, so it should be the
	// one evicted when n3 pushed the cache over capacity.
	if _, ok := c.Get(keys[0]); ok {
		t.Error("expected n0 to be evicted as least recently used")
	}
	for _, i := range []int{1, 2, 3} {
		if _, ok := c.Get(keys[i]); !ok {
			t.Errorf("expected n%d to still be cached", i)
		}
	}
}

func TestQueryCache_LRUTouchOrder(t *testing.T) {
	c := NewQueryCache(2, 0)

	k0 := c.Key("node:n0", nil)
	k1 := c.Key("node:n1", nil)
	k2 := c.Key("node:n2", nil)

	c.Put(k0, sampleNode("n0"))
	c.Put(k1, sampleNode("n1"))

	// Touch n0 so it's no longer the least recently used.
	c.Get(k0)

	c.Put(k2, sampleNode("n2"))

	if _, ok := c.Get(k1); ok {
		t.Error("expected n1 to be evicted, it was least recently used")
	}
	if _, ok := c.Get(k0); !ok {
		t.Error("expected n0 to survive, it was touched before the eviction")
	}
}

func TestQueryCache_Remove(t *testing.T) {
	c := NewQueryCache(10, 0)

	key := c.Key("node:n1", nil)
	c.Put(key, sampleNode("n1"))
	c.Remove(key)

	if _, ok := c.Get(key); ok {
		t.Error("expected miss after Remove")
	}
	if c.Len() != 0 {
		t.Errorf("expected empty cache after Remove, got len %d", c.Len())
	}
}

func TestQueryCache_Clear(t *testing.T) {
	c := NewQueryCache(10, 0)

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("n%d", i)
		c.Put(c.Key("node:"+id, nil), sampleNode(id))
	}

	c.Clear()

	if c.Len() != 0 {
		t.Errorf("expected empty cache after Clear, got len %d", c.Len())
	}
}

func TestQueryCache_Stats(t *testing.T) {
	c := NewQueryCache(10, 0)

	key := c.Key("node:n1", nil)
	c.Put(key, sampleNode("n1"))

	c.Get(key)                    // hit
	c.Get(key)                    // hit
	c.Get(c.Key("node:n2", nil)) // miss

	stats := c.Stats()
	if stats.Hits != 2 {
		t.Errorf("expected 2 hits, got %d", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("expected 1 miss, got %d", stats.Misses)
	}
	if stats.Size != 1 {
		t.Errorf("expected size 1, got %d", stats.Size)
	}
	if stats.MaxSize != 10 {
		t.Errorf("expected max size 10, got %d", stats.MaxSize)
	}
	wantRate := float64(2) / float64(3) * 100
	if stats.HitRate < wantRate-0.001 || stats.HitRate > wantRate+0.001 {
		t.Errorf("expected hit rate %.3f, got %.3f", wantRate, stats.HitRate)
	}
}

func TestQueryCache_SetEnabled(t *testing.T) {
	c := NewQueryCache(10, 0)

	key := c.Key("node:n1", nil)
	c.Put(key, sampleNode("n1"))

	c.SetEnabled(false)

	if _, ok := c.Get(key); ok {
		t.Error("expected miss while disabled")
	}
	if c.Len() != 0 {
		t.Error("expected disabling the cache to drop entries")
	}

	c.Put(key, sampleNode("n1"))
	if _, ok := c.Get(key); ok {
		t.Error("Put should be a no-op while disabled")
	}

	c.SetEnabled(true)
	c.Put(key, sampleNode("n1"))
	if _, ok := c.Get(key); !ok {
		t.Error("expected hit after re-enabling the cache")
	}
}

func TestQueryCache_Concurrent(t *testing.T) {
	c := NewQueryCache(100, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("n%d", i%10)
			key := c.Key("emb:"+id, nil)
			c.Put(key, sampleEmbedding(id, 8))
			c.Get(key)
		}(i)
	}
	wg.Wait()

	stats := c.Stats()
	if stats.Size == 0 {
		t.Error("expected entries after concurrent puts")
	}
}

func BenchmarkQueryCache_Get(b *testing.B) {
	c := NewQueryCache(1000, 0)
	key := c.Key("node:n1", nil)
	c.Put(key, sampleNode("n1"))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Get(key)
	}
}

func BenchmarkQueryCache_Put(b *testing.B) {
	c := NewQueryCache(1000, 0)
	node := sampleNode("n1")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Put(c.Key(fmt.Sprintf("node:n%d", i%1000), nil), node)
	}
}
