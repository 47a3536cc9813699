package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marcelomtsv/telegram/internal/model"
	"github.com/marcelomtsv/telegram/internal/transport"
)

// LookupFunc performs the (possibly slow) entity lookup on a cache miss.
type LookupFunc func(ctx context.Context) (*transport.EntityInfo, error)

type entry struct {
	label    string
	storedAt time.Time
}

// EntityCache is a bounded, TTL-expiring cache of resolved sender labels,
// keyed by session id and remote entity reference. Eviction is by insertion
// order via an explicit key queue, not map iteration order.
type EntityCache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	entries    map[string]*entry
	order      []string
}

func New(ttl time.Duration, maxEntries int) *EntityCache {
	return &EntityCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]*entry),
	}
}

func key(sessionID, ref string) string {
	return sessionID + ":" + ref
}

// Resolve returns the cached label for (sessionID, ref) if a live entry
// exists, otherwise runs lookup, stores the result and returns it. Lookup
// failures are never surfaced; they degrade to the unknown-sender label,
// which is cached like any other result so a broken entity is not re-queried
// on every event.
func (c *EntityCache) Resolve(ctx context.Context, sessionID, ref string, lookup LookupFunc) string {
	k := key(sessionID, ref)
	now := time.Now()

	c.mu.Lock()
	if e, ok := c.entries[k]; ok && now.Sub(e.storedAt) <= c.ttl {
		label := e.label
		c.mu.Unlock()
		return label
	}
	c.mu.Unlock()

	// Lookup runs without the lock held; concurrent misses for the same key
	// may race, last write wins.
	label := model.UnknownSender
	info, err := lookup(ctx)
	if err != nil {
		log.Debug().
			Err(err).
			Str("sessionId", sessionID).
			Str("entityRef", ref).
			Msg("entity lookup failed, using unknown label")
	} else if info != nil {
		label = deriveLabel(info)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[k]; !exists {
		c.order = append(c.order, k)
	}
	c.entries[k] = &entry{label: label, storedAt: time.Now()}
	c.evictLocked()

	return label
}

// evictLocked removes oldest-inserted entries until the ceiling holds.
func (c *EntityCache) evictLocked() {
	for len(c.entries) > c.maxEntries && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		if _, ok := c.entries[oldest]; ok {
			delete(c.entries, oldest)
			log.Debug().Str("key", oldest).Msg("entity cache entry evicted")
		}
	}
}

// DeleteStale removes every entry older than the threshold and returns how
// many were removed. Called by the background sweep job.
func (c *EntityCache) DeleteStale(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if e.storedAt.Before(cutoff) {
			delete(c.entries, k)
			removed++
		}
	}

	if removed > 0 {
		kept := c.order[:0]
		for _, k := range c.order {
			if _, ok := c.entries[k]; ok {
				kept = append(kept, k)
			}
		}
		c.order = kept
	}

	return removed
}

// Clear drops every entry.
func (c *EntityCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.order = nil
}

func (c *EntityCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// deriveLabel prefers a personal name, then a group title, then a handle.
func deriveLabel(info *transport.EntityInfo) string {
	name := strings.TrimSpace(strings.TrimSpace(info.FirstName) + " " + strings.TrimSpace(info.LastName))
	if name != "" {
		return name
	}
	if info.Title != "" {
		return info.Title
	}
	if info.Username != "" {
		return info.Username
	}
	return model.UnknownSender
}
