package db

import (
	"math"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
)

// shardCacheSize covers the single-byte shard prefixes.
const shardCacheSize = 2 * math.MaxInt8

// handleCache keeps recently used FileRefs open, keyed by absolute
// path.  Each resident FileRef carries one reference owned by the
// cache; removing an entry for any reason drops that reference.
type handleCache struct {
	lru *simplelru.LRU[string, *FileRef]
}

func newHandleCache(size int) (c *handleCache, err error) {
	defer Return(&err)
	c = &handleCache{}
	c.lru, err = simplelru.NewLRU[string, *FileRef](size, dropCached)
	Ck(err)
	return
}

// dropCached is the removal hook.  It must not touch the cache.
func dropCached(abs string, ref *FileRef) {
	err := ref.uncache()
	if err != nil {
		log.WithError(err).Errorf("could not release cached handle %s", abs)
		return
	}
	log.Debugf("handle cache dropped %s", ref)
}

// get returns the resident FileRef for abs, retained for the caller.
func (c *handleCache) get(abs string) (ref *FileRef, ok bool) {
	ref, ok = c.lru.Get(abs)
	if ok {
		ref.Retain()
	}
	return
}

// add makes ref resident and gives the cache its own reference.  It
// may synchronously evict the least recently used entry.
func (c *handleCache) add(ref *FileRef) {
	Assert(!ref.cached, "double caching of %s", ref.Path.Abs)
	ref.refs++
	ref.cached = true
	c.lru.Add(ref.Path.Abs, ref)
}

// remove evicts ref if it is the resident entry for its path.
func (c *handleCache) remove(ref *FileRef) {
	cur, ok := c.lru.Peek(ref.Path.Abs)
	if ok && cur == ref {
		c.lru.Remove(ref.Path.Abs)
	}
}

func (c *handleCache) count() int {
	return c.lru.Len()
}

// purge drops every resident entry.
func (c *handleCache) purge() {
	c.lru.Purge()
}

// shardCache remembers the absolute directory of each shard prefix.
type shardCache struct {
	lru *simplelru.LRU[string, string]
}

func newShardCache() (c *shardCache, err error) {
	defer Return(&err)
	c = &shardCache{}
	c.lru, err = simplelru.NewLRU[string, string](shardCacheSize, nil)
	Ck(err)
	return
}

func (c *shardCache) get(shard string) (dir string, ok bool) {
	return c.lru.Get(shard)
}

func (c *shardCache) add(shard, dir string) {
	c.lru.Add(shard, dir)
}

func (c *shardCache) purge() {
	c.lru.Purge()
}
