package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/thingskit/go-cache/model"
)

func testTask(title string) model.Task {
	now := time.Now()
	return model.Task{
		UUID:     uuid.New(),
		Title:    title,
		TaskType: model.TypeTodo,
		Status:   model.StatusIncomplete,
		Created:  now,
		Modified: now,
	}
}

func testProject(title string) model.Project {
	now := time.Now()
	return model.Project{
		UUID:     uuid.New(),
		Title:    title,
		Status:   model.StatusIncomplete,
		Created:  now,
		Modified: now,
	}
}

func testArea(title string) model.Area {
	return model.Area{UUID: uuid.New(), Title: title}
}

func taskFetcher(calls *int32, tasks ...model.Task) FetchFunc[model.Task] {
	return func(ctx context.Context) ([]model.Task, error) {
		atomic.AddInt32(calls, 1)
		return tasks, nil
	}
}

func TestMemoryCacheHitAndMiss(t *testing.T) {
	c := NewMemoryCache(WithWarming(false))
	defer c.Close()
	ctx := context.Background()

	var calls int32
	fetch := taskFetcher(&calls, testTask("write report"))

	tasks, err := c.Tasks(ctx, InboxKey(nil), fetch)
	assert.NoError(t, err)
	assert.Len(t, tasks, 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	tasks, err = c.Tasks(ctx, InboxKey(nil), fetch)
	assert.NoError(t, err)
	assert.Len(t, tasks, 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), stats.Entries)
	assert.Equal(t, 0.5, stats.HitRate)
}

func TestMemoryCacheTTLExpiry(t *testing.T) {
	c := NewMemoryCache(WithWarming(false), WithTTL(10*time.Millisecond))
	defer c.Close()
	ctx := context.Background()

	var calls int32
	fetch := taskFetcher(&calls, testTask("a"))

	_, err := c.Tasks(ctx, InboxKey(nil), fetch)
	assert.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = c.Tasks(ctx, InboxKey(nil), fetch)
	assert.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestMemoryCacheIdleExpiry(t *testing.T) {
	c := NewMemoryCache(WithWarming(false), WithIdleTTL(10*time.Millisecond))
	defer c.Close()
	ctx := context.Background()

	var calls int32
	fetch := taskFetcher(&calls, testTask("a"))

	_, err := c.Tasks(ctx, TodayKey(nil), fetch)
	assert.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = c.Tasks(ctx, TodayKey(nil), fetch)
	assert.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestMemoryCacheFetchError(t *testing.T) {
	c := NewMemoryCache(WithWarming(false))
	defer c.Close()

	wantErr := errors.New("database locked")
	_, err := c.Tasks(context.Background(), InboxKey(nil), func(ctx context.Context) ([]model.Task, error) {
		return nil, wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	// a failed fetch must not poison the key
	var calls int32
	_, err = c.Tasks(context.Background(), InboxKey(nil), taskFetcher(&calls, testTask("a")))
	assert.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestMemoryCacheInvalidate(t *testing.T) {
	c := NewMemoryCache(WithWarming(false))
	defer c.Close()
	ctx := context.Background()

	var calls int32
	fetch := taskFetcher(&calls, testTask("a"))

	_, err := c.Tasks(ctx, InboxKey(nil), fetch)
	assert.NoError(t, err)
	assert.True(t, c.Invalidate(InboxKey(nil)))
	assert.False(t, c.Invalidate(InboxKey(nil)))

	_, err = c.Tasks(ctx, InboxKey(nil), fetch)
	assert.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestMemoryCacheInvalidateAll(t *testing.T) {
	c := NewMemoryCache(WithWarming(false))
	defer c.Close()
	ctx := context.Background()

	var taskCalls, areaCalls int32
	_, err := c.Tasks(ctx, InboxKey(nil), taskFetcher(&taskCalls, testTask("a")))
	assert.NoError(t, err)
	_, err = c.Areas(ctx, AreasKey(), func(ctx context.Context) ([]model.Area, error) {
		atomic.AddInt32(&areaCalls, 1)
		return []model.Area{testArea("work")}, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, uint64(2), c.Stats().Entries)

	c.InvalidateAll()
	assert.Equal(t, uint64(0), c.Stats().Entries)
}

func populateAllStores(t *testing.T, c *MemoryCache) {
	t.Helper()
	ctx := context.Background()
	var calls int32
	_, err := c.Tasks(ctx, InboxKey(nil), taskFetcher(&calls, testTask("a")))
	assert.NoError(t, err)
	_, err = c.Projects(ctx, ProjectsKey(nil), func(ctx context.Context) ([]model.Project, error) {
		return []model.Project{testProject("site redesign")}, nil
	})
	assert.NoError(t, err)
	_, err = c.Areas(ctx, AreasKey(), func(ctx context.Context) ([]model.Area, error) {
		return []model.Area{testArea("work")}, nil
	})
	assert.NoError(t, err)
	_, err = c.SearchResults(ctx, SearchKey("report", nil), taskFetcher(&calls, testTask("b")))
	assert.NoError(t, err)
}

func TestInvalidateByOperation(t *testing.T) {
	c := NewMemoryCache(WithWarming(false))
	defer c.Close()

	populateAllStores(t, c)
	c.InvalidateByOperation(model.OpTaskUpdated)
	// task views and searches cleared, projects and areas untouched
	assert.Equal(t, 0, c.tasks.size())
	assert.Equal(t, 0, c.searchResults.size())
	assert.Equal(t, 1, c.projects.size())
	assert.Equal(t, 1, c.areas.size())

	populateAllStores(t, c)
	c.InvalidateByOperation(model.OpProjectDeleted)
	assert.Equal(t, 0, c.projects.size())
	assert.Equal(t, 0, c.tasks.size())
	assert.Equal(t, 1, c.areas.size())

	populateAllStores(t, c)
	c.InvalidateByOperation(model.OpAreaUpdated)
	assert.Equal(t, 0, c.areas.size())
	assert.Equal(t, 0, c.projects.size())
	assert.Equal(t, 0, c.tasks.size())
	assert.Equal(t, 1, c.searchResults.size())

	populateAllStores(t, c)
	c.InvalidateByOperation("schema_migrated")
	assert.Equal(t, uint64(0), c.Stats().Entries)
}

func TestInvalidateByEntity(t *testing.T) {
	c := NewMemoryCache(WithWarming(false))
	defer c.Close()
	ctx := context.Background()

	target := testTask("a")
	other := testTask("b")
	var calls int32
	_, err := c.Tasks(ctx, InboxKey(nil), taskFetcher(&calls, target))
	assert.NoError(t, err)
	_, err = c.Tasks(ctx, TodayKey(nil), taskFetcher(&calls, other))
	assert.NoError(t, err)

	id := target.UUID
	removed := c.InvalidateByEntity(model.EntityTask, &id, model.OpTaskUpdated)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, c.tasks.size())

	// operation not in the dependency list does not invalidate
	oid := other.UUID
	removed = c.InvalidateByEntity(model.EntityTask, &oid, model.OpTaskCreated)
	assert.Equal(t, 0, removed)

	// nil id matches any dependency on the type
	removed = c.InvalidateByEntity(model.EntityTask, nil, model.OpTaskDeleted)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, c.tasks.size())
}

func TestWarmingRegistryPromotion(t *testing.T) {
	c := NewMemoryCache(WithWarmingInterval(time.Hour))
	defer c.Close()
	ctx := context.Background()

	stats := c.WarmingStats()
	assert.True(t, stats.Enabled)
	assert.Equal(t, 10, stats.Keys["inbox:all"])
	assert.Equal(t, 8, stats.Keys["today:all"])

	var calls int32
	key := SearchKey("report", nil)
	fetch := taskFetcher(&calls, testTask("a"))
	for i := 0; i < 5; i++ {
		_, err := c.SearchResults(ctx, key, fetch)
		assert.NoError(t, err)
	}

	// frequently accessed keys join the registry at priority+1
	stats = c.WarmingStats()
	assert.Equal(t, 5, stats.Keys[key])

	assert.True(t, c.RemoveFromWarming(key))
	assert.False(t, c.RemoveFromWarming(key))
	_, ok := c.WarmingStats().Keys[key]
	assert.False(t, ok)
}

func TestWarmingLoopRefreshesCandidates(t *testing.T) {
	warmed := make(chan string, 64)
	c := NewMemoryCache(
		WithWarmingInterval(10*time.Millisecond),
		WithWarmFunc(func(ctx context.Context, key string) {
			select {
			case warmed <- key:
			default:
			}
		}),
	)
	defer c.Close()

	select {
	case key := <-warmed:
		// highest priority seed comes first
		assert.Equal(t, "inbox:all", key)
	case <-time.After(time.Second):
		t.Fatal("warming loop never fired")
	}
}

func TestMemoryCacheResetStats(t *testing.T) {
	c := NewMemoryCache(WithWarming(false))
	defer c.Close()

	var calls int32
	_, err := c.Tasks(context.Background(), InboxKey(nil), taskFetcher(&calls, testTask("a")))
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), c.Stats().Misses)

	c.ResetStats()
	stats := c.Stats()
	assert.Equal(t, uint64(0), stats.Hits)
	assert.Equal(t, uint64(0), stats.Misses)
	assert.Equal(t, uint64(1), stats.Entries)
}

func TestMemoryCacheCloseIdempotent(t *testing.T) {
	c := NewMemoryCache()
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}
