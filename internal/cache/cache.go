// Package cache is the node's coherent, fixed-capacity cache (spec §4.3):
// local LRU eviction plus broadcast invalidation for peer coherence.
//
// It is adapted from the teacher's internal/store.Store (a mutex-guarded
// map with a Get/Set/ErrorNotFound shape) generalized with a doubly-linked
// recency list for LRU, and with the WAL-backed durability dropped: spec
// §1 explicitly excludes persistent storage ("No persistent log on disk"),
// and the cache itself only ever needs to survive as long as the process.
package cache

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mathdee/coordnode/internal/metrics"
	"github.com/mathdee/coordnode/internal/rpcclient"
)

// ErrMiss is returned by Get when the key is not present.
var ErrMiss = errors.New("cache miss")

type entry struct {
	key   string
	value string
}

// Cache is a fixed-capacity, LRU-evicting key/value table with best-effort
// peer invalidation broadcast on every local Set (spec §4.3).
type Cache struct {
	selfID   string
	peers    map[string]string // node_id -> base URL, excludes self
	client   *rpcclient.Client
	met      *metrics.Registry
	log      zerolog.Logger
	capacity int

	mu      sync.Mutex
	index   map[string]*list.Element
	recency *list.List // front = most recently used
}

// New builds a Cache with the given fixed capacity (spec §3 invariant:
// |entries| <= capacity).
func New(selfID string, peers map[string]string, capacity int, met *metrics.Registry, log zerolog.Logger) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache{
		selfID:   selfID,
		peers:    peers,
		client:   rpcclient.New(),
		met:      met,
		log:      log.With().Str("component", "cache").Logger(),
		capacity: capacity,
		index:    make(map[string]*list.Element),
		recency:  list.New(),
	}
}

// Get returns the value for key, moving it to most-recently-used on a hit
// (spec §4.3 "get(key)").
func (c *Cache) Get(key string) (string, error) {
	start := time.Now()
	c.mu.Lock()
	el, ok := c.index[key]
	var val string
	if ok {
		c.recency.MoveToFront(el)
		val = el.Value.(*entry).value
	}
	c.mu.Unlock()

	c.met.Observe("cache_get", time.Since(start))
	if !ok {
		c.met.CacheMisses.Inc()
		return "", ErrMiss
	}
	c.met.CacheHits.Inc()
	return val, nil
}

// Set inserts or overwrites key, evicting the least-recently-used entry if
// the cache is full and key is new, then broadcasts an invalidation to
// peers outside the critical section (spec §4.3 "set(key, value)", §5
// "broadcast RPCs are issued outside the critical section").
func (c *Cache) Set(key, value string) {
	start := time.Now()
	c.mu.Lock()
	if el, ok := c.index[key]; ok {
		el.Value.(*entry).value = value
		c.recency.MoveToFront(el)
	} else {
		if c.recency.Len() >= c.capacity {
			c.evictOldestLocked()
		}
		el := c.recency.PushFront(&entry{key: key, value: value})
		c.index[key] = el
	}
	c.mu.Unlock()
	c.met.Observe("cache_set", time.Since(start))

	c.broadcastInvalidate(key)
}

func (c *Cache) evictOldestLocked() {
	oldest := c.recency.Back()
	if oldest == nil {
		return
	}
	c.recency.Remove(oldest)
	delete(c.index, oldest.Value.(*entry).key)
}

// Invalidate removes key locally if present; always succeeds, including
// when key is absent (spec §4.3 "invalidate(key)").
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		c.recency.Remove(el)
		delete(c.index, key)
	}
}

// broadcastInvalidate fires invalidation RPCs on their own detached context,
// not the request context that triggered Set: net/http cancels the request
// context the instant the handler returns, which would kill these
// goroutines before the RPC round-trip has a chance to complete. Each call
// still carries rpcclient's own fixed per-RPC timeout.
func (c *Cache) broadcastInvalidate(key string) {
	for id, url := range c.peers {
		go func(id, url string) {
			var reply rpcclient.SimpleReply
			if err := c.client.Call(context.Background(), url, "/cache/invalidate", rpcclient.InvalidateArgs{Key: key}, &reply); err != nil {
				c.log.Debug().Err(err).Str("peer", id).Str("key", key).Msg("invalidate broadcast failed, peer may read stale data until next write")
			}
		}(id, url)
	}
}

// Len reports the current entry count, for tests and /status.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recency.Len()
}
