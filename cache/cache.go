// Package cache implements the in-process (L1) cache for task-management
// data. Each entity kind has its own keyed store with TTL and idle expiry,
// access tracking and a warming-candidate registry consumed by a background
// warming loop.
package cache

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/thingskit/go-cache/logger"
	"github.com/thingskit/go-cache/model"
)

// FetchFunc loads a collection from the backing store on a cache miss.
// It is invoked at most once per miss and never retried by the cache.
type FetchFunc[T any] func(ctx context.Context) ([]T, error)

// Dependency declares that a cached entry becomes invalid when any of the
// listed operations occurs on the given entity. A nil EntityID means the
// dependency covers the whole entity type.
type Dependency struct {
	EntityType             string     `json:"entity_type" msgpack:"entity_type"`
	EntityID               *uuid.UUID `json:"entity_id,omitempty" msgpack:"entity_id"`
	InvalidatingOperations []string   `json:"invalidating_operations" msgpack:"invalidating_operations"`
}

// Entry wraps a cached collection with expiry and access bookkeeping.
// Entries are replaced, not mutated, on refresh.
type Entry[T any] struct {
	Data            []T          `json:"data" msgpack:"data"`
	CachedAt        time.Time    `json:"cached_at" msgpack:"cached_at"`
	ExpiresAt       time.Time    `json:"expires_at" msgpack:"expires_at"`
	LastAccessed    time.Time    `json:"last_accessed" msgpack:"last_accessed"`
	AccessCount     uint64       `json:"access_count" msgpack:"access_count"`
	Dependencies    []Dependency `json:"dependencies" msgpack:"dependencies"`
	WarmingPriority int          `json:"warming_priority" msgpack:"warming_priority"`
}

func newEntry[T any](data []T, ttl time.Duration, deps []Dependency) *Entry[T] {
	now := time.Now()
	return &Entry[T]{
		Data:         data,
		CachedAt:     now,
		ExpiresAt:    now.Add(ttl),
		LastAccessed: now,
		Dependencies: deps,
	}
}

// Expired reports whether the entry has outlived its TTL.
func (e *Entry[T]) Expired() bool {
	return time.Now().After(e.ExpiresAt)
}

// Idle reports whether the entry has not been accessed within tti.
func (e *Entry[T]) Idle(tti time.Duration) bool {
	return time.Since(e.LastAccessed) > tti
}

// HasDependency reports whether the entry depends on the given entity.
// A nil id matches any dependency on the entity type.
func (e *Entry[T]) HasDependency(entityType string, id *uuid.UUID) bool {
	for _, dep := range e.Dependencies {
		if dep.EntityType != entityType {
			continue
		}
		if id == nil || (dep.EntityID != nil && *dep.EntityID == *id) {
			return true
		}
	}
	return false
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Entries uint64  `json:"entries"`
	HitRate float64 `json:"hit_rate"`
}

func (s *Stats) calculateHitRate() {
	total := s.Hits + s.Misses
	if total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	} else {
		s.HitRate = 0
	}
}

// WarmFunc is invoked by the warming loop for each candidate key. The
// implementation is expected to delegate to the same fetch contract the
// normal read path uses.
type WarmFunc func(ctx context.Context, key string)

// accesses beyond this count promote a key into the warming registry
const warmingThreshold = 3

// DefaultTTL is the default time to live for L1 entries.
const DefaultTTL = 5 * time.Minute

// DefaultIdleTTL is the default time to idle for L1 entries.
const DefaultIdleTTL = time.Minute

type config struct {
	ttl               time.Duration
	tti               time.Duration
	warmingEnabled    bool
	warmingInterval   time.Duration
	maxWarmingEntries int
	warmFn            WarmFunc
	log               logger.Logger
}

// Option configures a MemoryCache.
type Option func(*config)

func defaultConfig() config {
	return config{
		ttl:               DefaultTTL,
		tti:               DefaultIdleTTL,
		warmingEnabled:    true,
		warmingInterval:   time.Minute,
		maxWarmingEntries: 50,
		log:               logger.Nop(),
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithTTL sets the time to live for cached entries. Defaults to DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(c *config) { c.ttl = d }
}

// WithIdleTTL sets the time to idle after which an unread entry is treated
// as a miss. Defaults to DefaultIdleTTL.
func WithIdleTTL(d time.Duration) Option {
	return func(c *config) { c.tti = d }
}

// WithWarming enables or disables the background warming loop.
func WithWarming(enabled bool) Option {
	return func(c *config) { c.warmingEnabled = enabled }
}

// WithWarmingInterval sets how often the warming loop wakes. Defaults to 1 minute.
func WithWarmingInterval(d time.Duration) Option {
	return func(c *config) { c.warmingInterval = d }
}

// WithMaxWarmingEntries caps how many candidates each warming tick considers.
func WithMaxWarmingEntries(n int) Option {
	return func(c *config) { c.maxWarmingEntries = n }
}

// WithWarmFunc sets the callback the warming loop invokes per candidate key.
func WithWarmFunc(fn WarmFunc) Option {
	return func(c *config) { c.warmFn = fn }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(log logger.Logger) Option {
	return func(c *config) { c.log = log }
}

// TaskDependencies derives the invalidation dependencies of a task
// collection: each task itself, plus its project and area when present.
func TaskDependencies(tasks []model.Task) []Dependency {
	deps := make([]Dependency, 0, len(tasks))
	for i := range tasks {
		task := &tasks[i]
		id := task.UUID
		deps = append(deps, Dependency{
			EntityType:             model.EntityTask,
			EntityID:               &id,
			InvalidatingOperations: []string{model.OpTaskUpdated, model.OpTaskDeleted, model.OpTaskCompleted},
		})
		if task.ProjectUUID != nil {
			pid := *task.ProjectUUID
			deps = append(deps, Dependency{
				EntityType:             model.EntityProject,
				EntityID:               &pid,
				InvalidatingOperations: []string{model.OpProjectUpdated, model.OpProjectDeleted},
			})
		}
		if task.AreaUUID != nil {
			aid := *task.AreaUUID
			deps = append(deps, Dependency{
				EntityType:             model.EntityArea,
				EntityID:               &aid,
				InvalidatingOperations: []string{model.OpAreaUpdated, model.OpAreaDeleted},
			})
		}
	}
	return deps
}

// ProjectDependencies derives the invalidation dependencies of a project
// collection.
func ProjectDependencies(projects []model.Project) []Dependency {
	deps := make([]Dependency, 0, len(projects))
	for i := range projects {
		project := &projects[i]
		id := project.UUID
		deps = append(deps, Dependency{
			EntityType:             model.EntityProject,
			EntityID:               &id,
			InvalidatingOperations: []string{model.OpProjectUpdated, model.OpProjectDeleted},
		})
		if project.AreaUUID != nil {
			aid := *project.AreaUUID
			deps = append(deps, Dependency{
				EntityType:             model.EntityArea,
				EntityID:               &aid,
				InvalidatingOperations: []string{model.OpAreaUpdated, model.OpAreaDeleted},
			})
		}
	}
	return deps
}

// AreaDependencies derives the invalidation dependencies of an area collection.
func AreaDependencies(areas []model.Area) []Dependency {
	deps := make([]Dependency, 0, len(areas))
	for i := range areas {
		id := areas[i].UUID
		deps = append(deps, Dependency{
			EntityType:             model.EntityArea,
			EntityID:               &id,
			InvalidatingOperations: []string{model.OpAreaUpdated, model.OpAreaDeleted},
		})
	}
	return deps
}
