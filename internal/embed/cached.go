package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache configuration constants.
const (
	// DefaultQueryCacheSize is the default number of query embeddings to keep
	// in memory, bounded by entry count.
	DefaultQueryCacheSize = 1000

	// DefaultChunkCacheBytes is the default byte budget for the chunk
	// embedding cache. At 768 dimensions * 4 bytes, this holds roughly
	// 65k chunk vectors before eviction kicks in.
	DefaultChunkCacheBytes = 200 * 1024 * 1024

	// DefaultEmbeddingCacheSize is kept for backwards compatibility with
	// callers that still pass a query cache size.
	DefaultEmbeddingCacheSize = DefaultQueryCacheSize
)

// byteBudgetCache is an approximate-LRU cache bounded by total value size in
// bytes rather than entry count. Recency order is delegated to the
// underlying lru.Cache; eviction just keeps popping the oldest entry until
// the running byte total is back under budget.
type byteBudgetCache struct {
	mu       sync.Mutex
	cache    *lru.Cache[string, []float32]
	sizes    map[string]int
	curBytes int
	maxBytes int
}

// unboundedEntries caps the underlying LRU's entry count far above anything
// the byte budget would ever allow, so eviction is effectively byte-driven.
const unboundedEntries = 1 << 20

func newByteBudgetCache(maxBytes int) *byteBudgetCache {
	cache, _ := lru.New[string, []float32](unboundedEntries)
	return &byteBudgetCache{
		cache:    cache,
		sizes:    make(map[string]int),
		maxBytes: maxBytes,
	}
}

func (c *byteBudgetCache) Get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Get(key)
}

func (c *byteBudgetCache) Add(key string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if oldSize, exists := c.sizes[key]; exists {
		c.curBytes -= oldSize
	}

	size := len(vec)*4 + len(key)
	c.cache.Add(key, vec)
	c.sizes[key] = size
	c.curBytes += size

	for c.curBytes > c.maxBytes {
		k, _, ok := c.cache.RemoveOldest()
		if !ok {
			break
		}
		if sz, exists := c.sizes[k]; exists {
			c.curBytes -= sz
			delete(c.sizes, k)
		}
	}
}

// CachedEmbedder wraps an Embedder with two independent caches:
//   - a byte-budgeted chunk cache, keyed by content hash, protecting the
//     model from re-embedding identical chunk text during indexing
//   - an entry-count-bounded query cache, keyed by the raw query string,
//     saving 50-200ms per repeated search
//
// The two caches are bounded differently because chunk volume scales with
// repo size while query volume scales with usage, and a single shared
// eviction policy would let one starve the other.
type CachedEmbedder struct {
	inner      Embedder
	chunkCache *byteBudgetCache
	queryCache *lru.Cache[string, []float32]
}

// NewCachedEmbedder creates a cached embedder wrapping the given embedder.
// queryCacheSize bounds the query cache by entry count; the chunk cache
// always uses DefaultChunkCacheBytes.
func NewCachedEmbedder(inner Embedder, queryCacheSize int) *CachedEmbedder {
	if queryCacheSize <= 0 {
		queryCacheSize = DefaultQueryCacheSize
	}
	queryCache, _ := lru.New[string, []float32](queryCacheSize)
	return &CachedEmbedder{
		inner:      inner,
		chunkCache: newByteBudgetCache(DefaultChunkCacheBytes),
		queryCache: queryCache,
	}
}

// NewCachedEmbedderWithDefaults creates a cached embedder with default settings.
func NewCachedEmbedderWithDefaults(inner Embedder) *CachedEmbedder {
	return NewCachedEmbedder(inner, DefaultQueryCacheSize)
}

// chunkCacheKey derives a content-hash key for the chunk cache. Prepared
// chunk text already folds in breadcrumbs, signature, and docstring, so
// hashing the text is equivalent to keying on the chunk's own content hash.
func (c *CachedEmbedder) chunkCacheKey(text string) string {
	combined := text + "\x00" + c.inner.ModelName()
	hash := sha256.Sum256([]byte(combined))
	return hex.EncodeToString(hash[:])
}

// Embed returns the cached query embedding if available, otherwise computes
// and caches it. Used for search-time query embedding.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := c.queryCache.Get(text); ok {
		return vec, nil
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	c.queryCache.Add(text, vec)
	return vec, nil
}

// EmbedBatch generates embeddings for multiple chunk texts, checking and
// populating the byte-budgeted chunk cache for each. Used for index-time
// chunk embedding, where identical content (duplicated files, unchanged
// chunks) is common and re-embedding it is wasted model time.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	uncachedIndices := make([]int, 0, len(texts))
	uncachedTexts := make([]string, 0, len(texts))
	keys := make([]string, len(texts))

	for i, text := range texts {
		key := c.chunkCacheKey(text)
		keys[i] = key
		if vec, ok := c.chunkCache.Get(key); ok {
			results[i] = vec
		} else {
			uncachedIndices = append(uncachedIndices, i)
			uncachedTexts = append(uncachedTexts, text)
		}
	}

	if len(uncachedTexts) == 0 {
		return results, nil
	}

	newEmbeddings, err := c.inner.EmbedBatch(ctx, uncachedTexts)
	if err != nil {
		return nil, err
	}

	for j, idx := range uncachedIndices {
		results[idx] = newEmbeddings[j]
		c.chunkCache.Add(keys[idx], newEmbeddings[j])
	}

	return results, nil
}

// Dimensions returns the embedding dimension (passthrough to inner).
func (c *CachedEmbedder) Dimensions() int {
	return c.inner.Dimensions()
}

// ModelName returns the model identifier (passthrough to inner).
func (c *CachedEmbedder) ModelName() string {
	return c.inner.ModelName()
}

// Available checks if the embedder is ready (passthrough to inner).
func (c *CachedEmbedder) Available(ctx context.Context) bool {
	return c.inner.Available(ctx)
}

// Close releases resources and closes the inner embedder. Both caches live
// outside the inner embedder's lifecycle, so closing and recreating the
// inner embedder for a periodic session reset does not lose cached entries.
func (c *CachedEmbedder) Close() error {
	return c.inner.Close()
}

// Inner returns the underlying embedder.
// This allows callers to access embedder-specific features like progress callbacks
// that are not part of the Embedder interface.
func (c *CachedEmbedder) Inner() Embedder {
	return c.inner
}

// SetBatchIndex passes through to the inner embedder for thermal timeout progression.
func (c *CachedEmbedder) SetBatchIndex(idx int) {
	c.inner.SetBatchIndex(idx)
}

// SetFinalBatch passes through to the inner embedder for final batch timeout boost.
func (c *CachedEmbedder) SetFinalBatch(isFinal bool) {
	c.inner.SetFinalBatch(isFinal)
}
