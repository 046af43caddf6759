package inventory

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultFileCacheSize = 1024

// FileCache keeps the file lists of recently used blocks, keyed by full block
// name. Each inventory owns its cache. It also remembers the last merged state
// of files whose block list is not loaded, so that merging the same file twice
// is detected as unchanged.
type FileCache struct {
	cache *lru.Cache[string, []*File]
	known *lru.Cache[string, fileState]
}

type fileState struct {
	block string
	size  int64
	id    int64
}

// NewFileCache returns a cache holding up to capacity file lists.
func NewFileCache(capacity int) *FileCache {
	if capacity <= 0 {
		capacity = DefaultFileCacheSize
	}
	// lru.New only fails on a non-positive size
	cache, _ := lru.New[string, []*File](capacity)
	known, _ := lru.New[string, fileState](capacity * 16)
	return &FileCache{cache: cache, known: known}
}

// Get returns the list and marks it recently used.
func (c *FileCache) Get(block string) ([]*File, bool) {
	return c.cache.Get(block)
}

// Peek returns the list without touching the recency order.
func (c *FileCache) Peek(block string) ([]*File, bool) {
	return c.cache.Peek(block)
}

func (c *FileCache) Put(block string, files []*File) {
	c.cache.Add(block, files)
}

func (c *FileCache) Remove(block string) {
	c.cache.Remove(block)
}

func (c *FileCache) Len() int {
	return c.cache.Len()
}

// Known reports whether f was last merged with the same block, size and ID.
func (c *FileCache) Known(f *File, block string) bool {
	st, ok := c.known.Get(f.LFN)
	return ok && st == fileState{block: block, size: f.Size, id: f.ID}
}

// Remember records the merged state of f.
func (c *FileCache) Remember(f *File, block string) {
	c.known.Add(f.LFN, fileState{block: block, size: f.Size, id: f.ID})
}

// Forget drops the merged state of the named file.
func (c *FileCache) Forget(lfn string) {
	c.known.Remove(lfn)
}
