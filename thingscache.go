// Package thingscache composes the cache tiers for task-management data:
// an in-process memory tier, an SQLite disk tier, a query-result tier and
// the invalidation middleware that keeps them coherent. The Manager is the
// intended entry point; the tier packages remain usable on their own.
package thingscache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/thingskit/go-cache/cache"
	"github.com/thingskit/go-cache/config"
	"github.com/thingskit/go-cache/diskcache"
	"github.com/thingskit/go-cache/invalidation"
	"github.com/thingskit/go-cache/logger"
	"github.com/thingskit/go-cache/model"
	"github.com/thingskit/go-cache/querycache"
)

type options struct {
	log    logger.Logger
	warmFn cache.WarmFunc
}

// Option configures a Manager.
type Option func(*options)

// WithLogger sets the logger shared by all tiers. Defaults to a no-op logger.
func WithLogger(log logger.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithWarmFunc sets the callback the memory tier's warming loop uses to
// refresh candidate keys.
func WithWarmFunc(fn cache.WarmFunc) Option {
	return func(o *options) { o.warmFn = fn }
}

// Manager owns the three cache tiers and the invalidation middleware.
type Manager struct {
	cfg        config.Config
	log        logger.Logger
	memory     *cache.MemoryCache
	disk       *diskcache.DiskCache
	queries    *querycache.QueryCache
	middleware *invalidation.Middleware
}

// New builds a Manager from cfg, wires each tier into the invalidation
// middleware and installs the default invalidation rules.
func New(cfg config.Config, opts ...Option) (*Manager, error) {
	o := options{log: logger.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	memory := cache.NewMemoryCache(
		cache.WithTTL(cfg.MemoryTTL),
		cache.WithIdleTTL(cfg.MemoryIdleTTL),
		cache.WithWarming(cfg.Warming),
		cache.WithWarmingInterval(cfg.WarmingInterval),
		cache.WithWarmFunc(o.warmFn),
		cache.WithLogger(o.log.WithPrefix("[l1]")),
	)
	disk, err := diskcache.New(cfg.DBPath,
		diskcache.WithMaxSize(cfg.DiskMaxSize),
		diskcache.WithDefaultTTL(cfg.DiskTTL),
		diskcache.WithCompression(cfg.DiskCompression),
		diskcache.WithLogger(o.log.WithPrefix("[l2]")),
	)
	if err != nil {
		memory.Close()
		return nil, fmt.Errorf("thingscache: %w", err)
	}
	queries := querycache.New(
		querycache.WithTTL(cfg.QueryTTL),
		querycache.WithMaxResultSize(cfg.QueryMaxResultSize),
		querycache.WithLogger(o.log.WithPrefix("[l3]")),
	)
	middleware := invalidation.New(
		invalidation.WithCascade(cfg.Cascade),
		invalidation.WithMaxEvents(cfg.MaxEvents),
		invalidation.WithEventRetention(cfg.EventRetention),
		invalidation.WithLogger(o.log.WithPrefix("[invalidation]")),
	)
	middleware.RegisterHandler(invalidation.NewMemoryHandler(memory))
	middleware.RegisterHandler(invalidation.NewDiskHandler(disk))
	middleware.RegisterHandler(invalidation.NewQueryHandler(queries))
	for _, rule := range defaultRules() {
		middleware.AddRule(rule)
	}

	return &Manager{
		cfg:        cfg,
		log:        o.log,
		memory:     memory,
		disk:       disk,
		queries:    queries,
		middleware: middleware,
	}, nil
}

// defaultRules notifies every tier on any mutation of the three entity
// types, including the synthetic operations the middleware generates.
func defaultRules() []invalidation.Rule {
	synthetic := []string{invalidation.OpManualInvalidation, invalidation.OpCascadeInvalidation}
	allTiers := []string{invalidation.CacheL1, invalidation.CacheL2, invalidation.CacheL3}
	return []invalidation.Rule{
		{
			Name:        "task_invalidation",
			Description: "invalidate all tiers on task mutations",
			EntityType:  model.EntityTask,
			Operations: append([]string{
				model.OpTaskCreated, model.OpTaskUpdated, model.OpTaskDeleted, model.OpTaskCompleted,
			}, synthetic...),
			CacheTypes: allTiers,
			Strategy:   invalidation.InvalidateAll(),
			Enabled:    true,
		},
		{
			Name:        "project_invalidation",
			Description: "invalidate all tiers on project mutations",
			EntityType:  model.EntityProject,
			Operations: append([]string{
				model.OpProjectCreated, model.OpProjectUpdated, model.OpProjectDeleted,
			}, synthetic...),
			CacheTypes: allTiers,
			Strategy:   invalidation.InvalidateAll(),
			Enabled:    true,
		},
		{
			Name:        "area_invalidation",
			Description: "invalidate all tiers on area mutations",
			EntityType:  model.EntityArea,
			Operations: append([]string{
				model.OpAreaCreated, model.OpAreaUpdated, model.OpAreaDeleted,
			}, synthetic...),
			CacheTypes: allTiers,
			Strategy:   invalidation.InvalidateAll(),
			Enabled:    true,
		},
	}
}

// Close stops the background loops and releases the disk database.
func (m *Manager) Close() error {
	m.memory.Close()
	return m.disk.Close()
}

// Memory exposes the L1 tier.
func (m *Manager) Memory() *cache.MemoryCache { return m.memory }

// Disk exposes the L2 tier.
func (m *Manager) Disk() *diskcache.DiskCache { return m.disk }

// Queries exposes the L3 tier.
func (m *Manager) Queries() *querycache.QueryCache { return m.queries }

// Middleware exposes the invalidation middleware.
func (m *Manager) Middleware() *invalidation.Middleware { return m.middleware }

// readThrough wraps a source fetch so that L1 misses consult the disk tier
// before the source, and source reads repopulate the disk tier. Disk
// failures degrade to the source rather than failing the read.
func readThrough[T any](m *Manager, key, partition string, fetch cache.FetchFunc[T]) cache.FetchFunc[T] {
	return func(ctx context.Context) ([]T, error) {
		found, data, err := diskcache.Get[T](ctx, m.disk, key)
		if err != nil {
			m.log.Warn("disk read for %s failed: %s", key, err)
		} else if found {
			return data, nil
		}
		data, err = fetch(ctx)
		if err != nil {
			return nil, err
		}
		if err := diskcache.Put(ctx, m.disk, key, partition, data, m.cfg.DiskTTL); err != nil {
			m.log.Warn("disk write for %s failed: %s", key, err)
		}
		return data, nil
	}
}

// Inbox serves the inbox view through the cache tiers.
func (m *Manager) Inbox(ctx context.Context, limit *int, fetch cache.FetchFunc[model.Task]) ([]model.Task, error) {
	key := cache.InboxKey(limit)
	return m.memory.Tasks(ctx, key, readThrough(m, key, invalidation.DiskTypeTasks, fetch))
}

// Today serves the today view through the cache tiers.
func (m *Manager) Today(ctx context.Context, limit *int, fetch cache.FetchFunc[model.Task]) ([]model.Task, error) {
	key := cache.TodayKey(limit)
	return m.memory.Tasks(ctx, key, readThrough(m, key, invalidation.DiskTypeTasks, fetch))
}

// Projects serves the project list, optionally scoped to an area, through
// the cache tiers.
func (m *Manager) Projects(ctx context.Context, areaUUID *string, fetch cache.FetchFunc[model.Project]) ([]model.Project, error) {
	key := cache.ProjectsKey(areaUUID)
	return m.memory.Projects(ctx, key, readThrough(m, key, invalidation.DiskTypeProjects, fetch))
}

// Areas serves the area list through the cache tiers.
func (m *Manager) Areas(ctx context.Context, fetch cache.FetchFunc[model.Area]) ([]model.Area, error) {
	key := cache.AreasKey()
	return m.memory.Areas(ctx, key, readThrough(m, key, invalidation.DiskTypeAreas, fetch))
}

// Search serves search results through the cache tiers.
func (m *Manager) Search(ctx context.Context, query string, limit *int, fetch cache.FetchFunc[model.Task]) ([]model.Task, error) {
	key := cache.SearchKey(query, limit)
	return m.memory.SearchResults(ctx, key, readThrough(m, key, invalidation.DiskTypeSearch, fetch))
}

// NotifyChange reports a completed write so dependent cache entries are
// invalidated across tiers, including cascades to related entity types.
func (m *Manager) NotifyChange(ctx context.Context, eventType invalidation.EventType, entityType string, entityID *uuid.UUID, operation string) error {
	return m.middleware.ProcessEvent(ctx, invalidation.Event{
		Type:       eventType,
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  operation,
		Timestamp:  time.Now(),
	})
}

// ManualInvalidate drops cached data for an entity type (and optionally a
// single entity) from the named tiers, or every tier when cacheTypes is nil.
func (m *Manager) ManualInvalidate(ctx context.Context, entityType string, entityID *uuid.UUID, cacheTypes []string) error {
	return m.middleware.ManualInvalidate(ctx, entityType, entityID, cacheTypes)
}

// InvalidateByOperation clears everything a write operation can affect in
// every tier, bypassing the rule engine. Unknown operations clear all tiers
// completely.
func (m *Manager) InvalidateByOperation(ctx context.Context, operation string) error {
	m.memory.InvalidateByOperation(operation)
	m.queries.InvalidateByOperation(operation)

	entityType := strings.SplitN(operation, "_", 2)[0]
	switch entityType {
	case model.EntityTask, model.EntityProject, model.EntityArea:
		h := invalidation.NewDiskHandler(m.disk)
		return h.Invalidate(ctx, invalidation.Event{EntityType: entityType, Operation: operation})
	default:
		return m.disk.Clear(ctx)
	}
}

// Stats aggregates counters from every tier.
type Stats struct {
	Memory       cache.Stats        `json:"memory"`
	Disk         diskcache.Stats    `json:"disk"`
	Queries      querycache.Stats   `json:"queries"`
	Invalidation invalidation.Stats `json:"invalidation"`
}

// Stats returns a snapshot of every tier's counters.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	diskStats, err := m.disk.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Memory:       m.memory.Stats(),
		Disk:         diskStats,
		Queries:      m.queries.Stats(),
		Invalidation: m.middleware.Stats(),
	}, nil
}

// WarmingStats exposes the memory tier's warming registry.
func (m *Manager) WarmingStats() cache.WarmingStats {
	return m.memory.WarmingStats()
}
