package storectx

import (
	"container/list"
	"sync"

	"github.com/boxstore/store/internal/storedir"
)

// dirCache is an LRU of recently-read directory objects keyed by
// object_id (§4.6 "Directory cache"). It is opportunistic: a miss simply
// means the caller reloads from disc, and entries are refreshed (not
// invalidated) by mutating calls: saveDirectory puts the new version.
type dirCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[int64]*list.Element
}

type dirCacheEntry struct {
	id  int64
	dir *storedir.Directory
}

func newDirCache(capacity int) *dirCache {
	if capacity <= 0 {
		capacity = 64
	}
	return &dirCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[int64]*list.Element),
	}
}

// get returns the cached directory for id, if present, moving it to the
// front of the recency list.
func (c *dirCache) get(id int64) (*storedir.Directory, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[id]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*dirCacheEntry).dir, true
}

// put inserts or replaces the cached directory for id.
func (c *dirCache) put(id int64, dir *storedir.Directory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[id]; ok {
		el.Value.(*dirCacheEntry).dir = dir
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&dirCacheEntry{id: id, dir: dir})
	c.items[id] = el
	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*dirCacheEntry).id)
	}
}

// invalidate evicts id's cached entry. Nothing in the package calls it;
// mutating calls refresh the entry through put instead.
func (c *dirCache) invalidate(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[id]; ok {
		c.ll.Remove(el)
		delete(c.items, id)
	}
}
