package probe

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/hitushen/mcwatch/internal/models"
)

// DefaultCacheTTL 是查询结果的默认缓存时间。
const DefaultCacheTTL = 60 * time.Second

const cacheShards = 16

// Cache 是按目标键分片的 TTL 结果缓存，只保存成功的查询结果。
// nil 的 *Cache 表示不缓存。
type Cache struct {
	ttl    time.Duration
	now    func() time.Time
	shards [cacheShards]cacheShard
}

type cacheShard struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	snap    models.StatusSnapshot
	expires time.Time
}

// NewCache 创建一个缓存，ttl 不大于 0 时使用 DefaultCacheTTL。
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c := &Cache{ttl: ttl, now: time.Now}
	for i := range c.shards {
		c.shards[i].entries = make(map[string]cacheEntry)
	}
	return c
}

func (c *Cache) shard(key string) *cacheShard {
	return &c.shards[xxhash.Sum64String(key)%cacheShards]
}

// Get 返回未过期的缓存快照副本。
func (c *Cache) Get(key string) (models.StatusSnapshot, bool) {
	if c == nil {
		return models.StatusSnapshot{}, false
	}
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return models.StatusSnapshot{}, false
	}
	if !c.now().Before(e.expires) {
		delete(s.entries, key)
		return models.StatusSnapshot{}, false
	}
	return e.snap.Clone(), true
}

// Put 缓存一个快照。
func (c *Cache) Put(key string, snap models.StatusSnapshot) {
	if c == nil {
		return
	}
	s := c.shard(key)
	s.mu.Lock()
	s.entries[key] = cacheEntry{snap: snap.Clone(), expires: c.now().Add(c.ttl)}
	s.mu.Unlock()
}

// Purge 清除所有过期条目。
func (c *Cache) Purge() {
	if c == nil {
		return
	}
	now := c.now()
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for k, e := range s.entries {
			if !now.Before(e.expires) {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}

// Len 返回缓存中的条目数，包含尚未清除的过期条目。
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
