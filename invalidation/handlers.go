package invalidation

import (
	"context"

	"github.com/thingskit/go-cache/cache"
	"github.com/thingskit/go-cache/diskcache"
	"github.com/thingskit/go-cache/model"
	"github.com/thingskit/go-cache/querycache"
)

func addressedTo(event Event, cacheType string) bool {
	if len(event.AffectedCaches) == 0 {
		return true
	}
	for _, ct := range event.AffectedCaches {
		if ct == cacheType {
			return true
		}
	}
	return false
}

// MemoryHandler adapts the memory tier to the Handler interface.
type MemoryHandler struct {
	cache *cache.MemoryCache
}

var _ Handler = (*MemoryHandler)(nil)

// NewMemoryHandler wires a MemoryCache into the middleware.
func NewMemoryHandler(c *cache.MemoryCache) *MemoryHandler {
	return &MemoryHandler{cache: c}
}

func (h *MemoryHandler) CacheType() string { return CacheL1 }

func (h *MemoryHandler) CanHandle(event Event) bool { return addressedTo(event, CacheL1) }

// Invalidate drops entries depending on the event's entity. Events without
// an entity id invalidate everything cached for the entity type.
func (h *MemoryHandler) Invalidate(ctx context.Context, event Event) error {
	if event.EntityID != nil {
		operation := event.Operation
		if event.Type == EventManual || event.Type == EventCascade {
			operation = ""
		}
		h.cache.InvalidateByEntity(event.EntityType, event.EntityID, operation)
		return nil
	}
	h.cache.InvalidateByEntity(event.EntityType, nil, "")
	return nil
}

// cache_type values the disk tier is partitioned by
const (
	DiskTypeTasks    = "tasks"
	DiskTypeProjects = "projects"
	DiskTypeAreas    = "areas"
	DiskTypeSearch   = "search"
)

// DiskHandler adapts the disk tier to the Handler interface.
type DiskHandler struct {
	cache *diskcache.DiskCache
}

var _ Handler = (*DiskHandler)(nil)

// NewDiskHandler wires a DiskCache into the middleware.
func NewDiskHandler(d *diskcache.DiskCache) *DiskHandler {
	return &DiskHandler{cache: d}
}

func (h *DiskHandler) CacheType() string { return CacheL2 }

func (h *DiskHandler) CanHandle(event Event) bool { return addressedTo(event, CacheL2) }

// Invalidate clears the disk partitions a change to the entity type can
// leave stale. Disk rows carry no per-entity dependency data, so the
// partition is the unit of invalidation.
func (h *DiskHandler) Invalidate(ctx context.Context, event Event) error {
	var partitions []string
	switch event.EntityType {
	case model.EntityTask:
		partitions = []string{DiskTypeTasks, DiskTypeSearch}
	case model.EntityProject:
		partitions = []string{DiskTypeProjects, DiskTypeTasks, DiskTypeSearch}
	case model.EntityArea:
		partitions = []string{DiskTypeAreas, DiskTypeProjects, DiskTypeTasks, DiskTypeSearch}
	default:
		return h.cache.Clear(ctx)
	}
	for _, partition := range partitions {
		if _, err := h.cache.ClearByType(ctx, partition); err != nil {
			return err
		}
	}
	return nil
}

// QueryHandler adapts the query-result tier to the Handler interface.
type QueryHandler struct {
	cache *querycache.QueryCache
}

var _ Handler = (*QueryHandler)(nil)

// NewQueryHandler wires a QueryCache into the middleware.
func NewQueryHandler(q *querycache.QueryCache) *QueryHandler {
	return &QueryHandler{cache: q}
}

func (h *QueryHandler) CacheType() string { return CacheL3 }

func (h *QueryHandler) CanHandle(event Event) bool { return addressedTo(event, CacheL3) }

// Invalidate drops query results depending on the tables backing the
// event's entity type.
func (h *QueryHandler) Invalidate(ctx context.Context, event Event) error {
	switch event.EntityType {
	case model.EntityTask:
		h.cache.InvalidateByTable(querycache.TableTask)
	case model.EntityProject:
		h.cache.InvalidateByTable(querycache.TableProject)
		h.cache.InvalidateByTable(querycache.TableTask)
	case model.EntityArea:
		h.cache.InvalidateByTable(querycache.TableArea)
		h.cache.InvalidateByTable(querycache.TableProject)
		h.cache.InvalidateByTable(querycache.TableTask)
	default:
		h.cache.InvalidateAll()
	}
	return nil
}
