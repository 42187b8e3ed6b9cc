package search

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const defaultShardCount = 16

// MemoryIndex shards documents by product id hash. Each shard guards its
// documents with one lock, and every write rederives the computed fields
// before it lands, so readers never observe a document whose derived fields
// are stale. Per-document versions count writes; they back the tests and the
// stats surface.
type MemoryIndex struct {
	shards []*indexShard
	now    func() time.Time
}

type indexShard struct {
	mtx  sync.RWMutex
	docs map[string]*versionedDocument
}

type versionedDocument struct {
	version int64
	doc     *Document
}

var _ Index = (*MemoryIndex)(nil)

func NewMemoryIndex() *MemoryIndex {
	i := &MemoryIndex{
		shards: make([]*indexShard, defaultShardCount),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for n := range i.shards {
		i.shards[n] = &indexShard{docs: map[string]*versionedDocument{}}
	}
	return i
}

func (i *MemoryIndex) shardFor(productID string) *indexShard {
	return i.shards[xxhash.Sum64String(productID)%uint64(len(i.shards))]
}

func (i *MemoryIndex) Upsert(_ context.Context, doc *Document) error {
	next := cloneDocument(doc)
	if next.ID == "" {
		next.ID = next.ProductID
	}

	shard := i.shardFor(next.ProductID)
	shard.mtx.Lock()
	defer shard.mtx.Unlock()

	version := int64(1)
	if cur, ok := shard.docs[next.ProductID]; ok {
		// content write: the index keeps its counters
		next.ClickCount = cur.doc.ClickCount
		next.PurchaseCount = cur.doc.PurchaseCount
		version = cur.version + 1
	}
	next.recompute(i.now())
	shard.docs[next.ProductID] = &versionedDocument{version: version, doc: next}
	return nil
}

func (i *MemoryIndex) Merge(_ context.Context, productID string, patch DocumentPatch) error {
	shard := i.shardFor(productID)
	shard.mtx.Lock()
	defer shard.mtx.Unlock()

	version := int64(1)
	next := &Document{ID: productID, ProductID: productID}
	if cur, ok := shard.docs[productID]; ok {
		next = cloneDocument(cur.doc)
		version = cur.version + 1
	}
	patch.apply(next)
	next.recompute(i.now())
	shard.docs[productID] = &versionedDocument{version: version, doc: next}
	return nil
}

func (i *MemoryIndex) Delete(_ context.Context, productID string) error {
	shard := i.shardFor(productID)
	shard.mtx.Lock()
	defer shard.mtx.Unlock()

	delete(shard.docs, productID)
	return nil
}

func (i *MemoryIndex) IncrementCounters(_ context.Context, productID string, clicks, purchases int64) (*Document, error) {
	shard := i.shardFor(productID)
	shard.mtx.Lock()
	defer shard.mtx.Unlock()

	cur, ok := shard.docs[productID]
	if !ok {
		return nil, ErrDocumentNotFound
	}

	next := cloneDocument(cur.doc)
	next.ClickCount += clicks
	next.PurchaseCount += purchases
	next.recompute(i.now())
	shard.docs[productID] = &versionedDocument{version: cur.version + 1, doc: next}
	return cloneDocument(next), nil
}

func (i *MemoryIndex) Get(_ context.Context, productID string) (*Document, error) {
	shard := i.shardFor(productID)
	shard.mtx.RLock()
	defer shard.mtx.RUnlock()

	cur, ok := shard.docs[productID]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	return cloneDocument(cur.doc), nil
}

func (i *MemoryIndex) Count(_ context.Context) (int64, error) {
	var n int64
	for _, shard := range i.shards {
		shard.mtx.RLock()
		n += int64(len(shard.docs))
		shard.mtx.RUnlock()
	}
	return n, nil
}

func (i *MemoryIndex) All(_ context.Context, offset, limit int) ([]Document, error) {
	var all []Document
	for _, shard := range i.shards {
		shard.mtx.RLock()
		for _, cur := range shard.docs {
			all = append(all, *cloneDocument(cur.doc))
		}
		shard.mtx.RUnlock()
	}
	sort.Slice(all, func(a, b int) bool { return all[a].ProductID < all[b].ProductID })

	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// version reports how many writes the document has seen.
func (i *MemoryIndex) version(productID string) int64 {
	shard := i.shardFor(productID)
	shard.mtx.RLock()
	defer shard.mtx.RUnlock()

	cur, ok := shard.docs[productID]
	if !ok {
		return 0
	}
	return cur.version
}
