package cache

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thingskit/go-cache/logger"
	"github.com/thingskit/go-cache/model"
)

type store[T any] struct {
	mu      sync.Mutex
	entries map[string]*Entry[T]
}

func newStore[T any]() store[T] {
	return store[T]{entries: make(map[string]*Entry[T])}
}

func (s *store[T]) put(key string, e *Entry[T]) {
	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
}

func (s *store[T]) remove(key string) bool {
	s.mu.Lock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	s.mu.Unlock()
	return ok
}

func (s *store[T]) clear() int {
	s.mu.Lock()
	n := len(s.entries)
	s.entries = make(map[string]*Entry[T])
	s.mu.Unlock()
	return n
}

func (s *store[T]) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// fresh reports whether key is cached, unexpired and not idle.
func (s *store[T]) fresh(key string, tti time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return ok && !e.Expired() && !e.Idle(tti)
}

func (s *store[T]) removeMatching(match func(*Entry[T]) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int
	for key, e := range s.entries {
		if match(e) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// sweep drops expired and idle entries, returning how many were removed.
func (s *store[T]) sweep(tti time.Duration) int {
	return s.removeMatching(func(e *Entry[T]) bool {
		return e.Expired() || e.Idle(tti)
	})
}

// MemoryCache is the in-process tier. It holds one store per entity kind so
// a task-heavy workload cannot evict project or area collections.
type MemoryCache struct {
	cfg    config
	log    logger.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	tasks         store[model.Task]
	projects      store[model.Project]
	areas         store[model.Area]
	searchResults store[model.Task]

	statsMu sync.Mutex
	stats   Stats

	warmingMu sync.Mutex
	warming   map[string]int
}

// NewMemoryCache returns a started MemoryCache. Call Close to stop the
// background warming loop.
func NewMemoryCache(opts ...Option) *MemoryCache {
	cfg := applyOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())
	c := &MemoryCache{
		cfg:           cfg,
		log:           cfg.log,
		ctx:           ctx,
		cancel:        cancel,
		tasks:         newStore[model.Task](),
		projects:      newStore[model.Project](),
		areas:         newStore[model.Area](),
		searchResults: newStore[model.Task](),
		warming:       make(map[string]int),
	}
	if cfg.warmingEnabled {
		for key, priority := range defaultWarmingKeys {
			c.warming[key] = priority
		}
		c.wg.Add(1)
		go c.run()
	}
	return c
}

// Close stops the warming loop. Safe to call more than once.
func (c *MemoryCache) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.wg.Wait()
	})
	return nil
}

// Tasks returns the cached task collection for key, fetching on a miss.
func (c *MemoryCache) Tasks(ctx context.Context, key string, fetch FetchFunc[model.Task]) ([]model.Task, error) {
	return getOrFetch(ctx, c, &c.tasks, key, fetch, TaskDependencies)
}

// Projects returns the cached project collection for key, fetching on a miss.
func (c *MemoryCache) Projects(ctx context.Context, key string, fetch FetchFunc[model.Project]) ([]model.Project, error) {
	return getOrFetch(ctx, c, &c.projects, key, fetch, ProjectDependencies)
}

// Areas returns the cached area collection for key, fetching on a miss.
func (c *MemoryCache) Areas(ctx context.Context, key string, fetch FetchFunc[model.Area]) ([]model.Area, error) {
	return getOrFetch(ctx, c, &c.areas, key, fetch, AreaDependencies)
}

// SearchResults returns the cached result set for a search key, fetching on
// a miss. Search results are tasks but live in their own store so clearing
// searches does not disturb view caches.
func (c *MemoryCache) SearchResults(ctx context.Context, key string, fetch FetchFunc[model.Task]) ([]model.Task, error) {
	return getOrFetch(ctx, c, &c.searchResults, key, fetch, TaskDependencies)
}

// getOrFetch is the shared read path. The hit check and access bump happen
// under the store lock; the fetch happens outside any lock.
func getOrFetch[T any](ctx context.Context, c *MemoryCache, s *store[T], key string, fetch FetchFunc[T], deps func([]T) []Dependency) ([]T, error) {
	s.mu.Lock()
	if e, ok := s.entries[key]; ok {
		if !e.Expired() && !e.Idle(c.cfg.tti) {
			e.LastAccessed = time.Now()
			e.AccessCount++
			data := e.Data
			count := e.AccessCount
			priority := e.WarmingPriority
			s.mu.Unlock()
			c.recordHit()
			if count > warmingThreshold {
				c.addToWarming(key, priority+1)
			}
			return data, nil
		}
		delete(s.entries, key)
	}
	s.mu.Unlock()

	c.recordMiss()
	data, err := fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache: fetch %s: %w", key, err)
	}
	e := newEntry(data, c.cfg.ttl, deps(data))
	e.WarmingPriority = namespacePriority(key)
	s.put(key, e)
	c.log.Debug("cached %s (%d items)", key, len(data))
	return data, nil
}

// Invalidate removes key from every store. Returns true if anything was removed.
func (c *MemoryCache) Invalidate(key string) bool {
	removed := c.tasks.remove(key)
	removed = c.projects.remove(key) || removed
	removed = c.areas.remove(key) || removed
	removed = c.searchResults.remove(key) || removed
	if removed {
		c.log.Debug("invalidated %s", key)
	}
	return removed
}

// InvalidateAll clears every store.
func (c *MemoryCache) InvalidateAll() {
	n := c.tasks.clear() + c.projects.clear() + c.areas.clear() + c.searchResults.clear()
	c.log.Debug("invalidated all entries (%d)", n)
}

// InvalidateByOperation clears the stores a write operation can affect.
// The mapping is deliberately coarse: correctness over hit rate.
func (c *MemoryCache) InvalidateByOperation(operation string) {
	switch operation {
	case model.OpTaskCreated, model.OpTaskUpdated, model.OpTaskDeleted, model.OpTaskCompleted:
		c.tasks.clear()
		c.searchResults.clear()
	case model.OpProjectCreated, model.OpProjectUpdated, model.OpProjectDeleted:
		c.projects.clear()
		c.tasks.clear()
	case model.OpAreaCreated, model.OpAreaUpdated, model.OpAreaDeleted:
		c.areas.clear()
		c.projects.clear()
		c.tasks.clear()
	default:
		c.InvalidateAll()
	}
	c.log.Debug("invalidated caches for operation %s", operation)
}

// InvalidateByEntity removes entries that declare a dependency on the given
// entity which lists operation among its invalidating operations. A nil id
// matches every dependency on the entity type.
func (c *MemoryCache) InvalidateByEntity(entityType string, id *uuid.UUID, operation string) int {
	match := func(deps []Dependency) bool {
		for _, dep := range deps {
			if dep.EntityType != entityType {
				continue
			}
			if id != nil && (dep.EntityID == nil || *dep.EntityID != *id) {
				continue
			}
			if operation == "" || contains(dep.InvalidatingOperations, operation) {
				return true
			}
		}
		return false
	}
	removed := c.tasks.removeMatching(func(e *Entry[model.Task]) bool { return match(e.Dependencies) })
	removed += c.projects.removeMatching(func(e *Entry[model.Project]) bool { return match(e.Dependencies) })
	removed += c.areas.removeMatching(func(e *Entry[model.Area]) bool { return match(e.Dependencies) })
	removed += c.searchResults.removeMatching(func(e *Entry[model.Task]) bool { return match(e.Dependencies) })
	if removed > 0 {
		c.log.Debug("invalidated %d entries for %s %s", removed, entityType, operation)
	}
	return removed
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Stats returns a snapshot of hit and miss counters across all stores.
func (c *MemoryCache) Stats() Stats {
	c.statsMu.Lock()
	stats := c.stats
	c.statsMu.Unlock()
	stats.Entries = uint64(c.tasks.size() + c.projects.size() + c.areas.size() + c.searchResults.size())
	stats.calculateHitRate()
	return stats
}

// ResetStats zeroes the hit and miss counters.
func (c *MemoryCache) ResetStats() {
	c.statsMu.Lock()
	c.stats = Stats{}
	c.statsMu.Unlock()
}

func (c *MemoryCache) recordHit() {
	c.statsMu.Lock()
	c.stats.Hits++
	c.statsMu.Unlock()
}

func (c *MemoryCache) recordMiss() {
	c.statsMu.Lock()
	c.stats.Misses++
	c.statsMu.Unlock()
}

// WarmingStats is a snapshot of the warming registry.
type WarmingStats struct {
	Enabled    bool           `json:"enabled"`
	Candidates int            `json:"candidates"`
	Keys       map[string]int `json:"keys"`
}

// WarmingStats returns the current warming candidates and their priorities.
func (c *MemoryCache) WarmingStats() WarmingStats {
	c.warmingMu.Lock()
	defer c.warmingMu.Unlock()
	keys := make(map[string]int, len(c.warming))
	for k, v := range c.warming {
		keys[k] = v
	}
	return WarmingStats{
		Enabled:    c.cfg.warmingEnabled,
		Candidates: len(keys),
		Keys:       keys,
	}
}

// RemoveFromWarming drops key from the warming registry, reporting whether
// it was registered.
func (c *MemoryCache) RemoveFromWarming(key string) bool {
	c.warmingMu.Lock()
	defer c.warmingMu.Unlock()
	_, ok := c.warming[key]
	delete(c.warming, key)
	return ok
}

// defaultWarmingKeys seeds the registry with the views worth keeping hot.
var defaultWarmingKeys = map[string]int{
	"inbox:all":    10,
	"today:all":    8,
	"projects:all": 7,
	"areas:all":    6,
}

func namespacePriority(key string) int {
	switch {
	case strings.HasPrefix(key, "inbox:"):
		return 10
	case strings.HasPrefix(key, "today:"):
		return 8
	case strings.HasPrefix(key, "projects:"):
		return 7
	case strings.HasPrefix(key, "areas:"):
		return 6
	case strings.HasPrefix(key, "search:"):
		return 4
	default:
		return 5
	}
}

// addToWarming registers key as a warming candidate. Existing candidates
// keep the higher of their current and the proposed priority.
func (c *MemoryCache) addToWarming(key string, priority int) {
	if !c.cfg.warmingEnabled {
		return
	}
	c.warmingMu.Lock()
	defer c.warmingMu.Unlock()
	if current, ok := c.warming[key]; ok {
		if priority > current {
			c.warming[key] = priority
		}
		return
	}
	if len(c.warming) >= c.cfg.maxWarmingEntries {
		return
	}
	c.warming[key] = priority
}

func (c *MemoryCache) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.warmingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.evictStale()
			c.warmCandidates()
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *MemoryCache) evictStale() {
	n := c.tasks.sweep(c.cfg.tti) + c.projects.sweep(c.cfg.tti) +
		c.areas.sweep(c.cfg.tti) + c.searchResults.sweep(c.cfg.tti)
	if n > 0 {
		c.log.Debug("evicted %d stale entries", n)
	}
}

// warmCandidates refreshes registered keys that are no longer fresh, highest
// priority first.
func (c *MemoryCache) warmCandidates() {
	if c.cfg.warmFn == nil {
		return
	}
	c.warmingMu.Lock()
	type candidate struct {
		key      string
		priority int
	}
	candidates := make([]candidate, 0, len(c.warming))
	for key, priority := range c.warming {
		candidates = append(candidates, candidate{key, priority})
	}
	c.warmingMu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority > candidates[j].priority
		}
		return candidates[i].key < candidates[j].key
	})
	if len(candidates) > c.cfg.maxWarmingEntries {
		candidates = candidates[:c.cfg.maxWarmingEntries]
	}
	for _, cand := range candidates {
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		if c.isFresh(cand.key) {
			continue
		}
		c.log.Trace("warming %s (priority %d)", cand.key, cand.priority)
		c.cfg.warmFn(c.ctx, cand.key)
	}
}

func (c *MemoryCache) isFresh(key string) bool {
	return c.tasks.fresh(key, c.cfg.tti) ||
		c.projects.fresh(key, c.cfg.tti) ||
		c.areas.fresh(key, c.cfg.tti) ||
		c.searchResults.fresh(key, c.cfg.tti)
}
