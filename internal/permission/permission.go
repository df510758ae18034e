// Package permission answers whether the local client may manage the
// calls of a chat. Answers come synchronously from a cache and are
// refreshed asynchronously on demand.
package permission

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/callsync/internal/call"
)

// Checker is the boundary the engine queries.
type Checker interface {
	// CanManageCalls answers from cache; an unknown chat answers false
	// and schedules a background refresh.
	CanManageCalls(chat call.ChatRef) bool
}

// Resolver fetches the authoritative answer for one chat.
type Resolver func(ctx context.Context, chat call.ChatRef) (bool, error)

// DefaultTTL is how long a cached answer stays fresh.
const DefaultTTL = 5 * time.Minute

type entry struct {
	canManage bool
	fetchedAt time.Time
}

// Cache is a Checker backed by an in-memory map with asynchronous
// refresh through a Resolver. Thread-safe.
type Cache struct {
	resolver Resolver
	ttl      time.Duration
	logger   *slog.Logger

	mu         sync.RWMutex
	entries    map[call.ChatRef]entry
	refreshing map[call.ChatRef]bool
}

// NewCache creates a permission cache. A zero ttl uses DefaultTTL.
func NewCache(resolver Resolver, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		resolver:   resolver,
		ttl:        ttl,
		logger:     logger,
		entries:    make(map[call.ChatRef]entry),
		refreshing: make(map[call.ChatRef]bool),
	}
}

// CanManageCalls implements Checker. A missing or stale entry answers
// its last known value (false when never fetched) and triggers one
// background refresh.
func (c *Cache) CanManageCalls(chat call.ChatRef) bool {
	c.mu.RLock()
	e, ok := c.entries[chat]
	c.mu.RUnlock()

	if !ok || time.Since(e.fetchedAt) > c.ttl {
		c.refreshAsync(chat)
	}
	return ok && e.canManage
}

// Refresh synchronously re-resolves one chat and stores the answer.
func (c *Cache) Refresh(ctx context.Context, chat call.ChatRef) (bool, error) {
	canManage, err := c.resolver(ctx, chat)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	c.entries[chat] = entry{canManage: canManage, fetchedAt: time.Now()}
	c.mu.Unlock()
	return canManage, nil
}

// Invalidate drops the cached answer for chat so the next query
// re-resolves.
func (c *Cache) Invalidate(chat call.ChatRef) {
	c.mu.Lock()
	delete(c.entries, chat)
	c.mu.Unlock()
}

// Set stores an answer directly, bypassing the resolver. Used when the
// gateway pushes a rights update that already carries the answer.
func (c *Cache) Set(chat call.ChatRef, canManage bool) {
	c.mu.Lock()
	c.entries[chat] = entry{canManage: canManage, fetchedAt: time.Now()}
	c.mu.Unlock()
}

// refreshAsync starts at most one concurrent refresh per chat.
func (c *Cache) refreshAsync(chat call.ChatRef) {
	if c.resolver == nil {
		return
	}
	c.mu.Lock()
	if c.refreshing[chat] {
		c.mu.Unlock()
		return
	}
	c.refreshing[chat] = true
	c.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := c.Refresh(ctx, chat); err != nil {
			c.logger.Warn("permission refresh failed",
				slog.String("chat", string(chat)),
				slog.String("error", err.Error()))
		}
		c.mu.Lock()
		delete(c.refreshing, chat)
		c.mu.Unlock()
	}()
}

// Static is a Checker with a fixed answer for every chat. Useful in
// tests and for clients that never manage calls.
type Static bool

// CanManageCalls implements Checker.
func (s Static) CanManageCalls(call.ChatRef) bool { return bool(s) }
