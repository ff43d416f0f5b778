package thingscache

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thingskit/go-cache/cache"
	"github.com/thingskit/go-cache/config"
	"github.com/thingskit/go-cache/diskcache"
	"github.com/thingskit/go-cache/invalidation"
	"github.com/thingskit/go-cache/model"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	cfg := config.Default()
	cfg.DBPath = filepath.Join(t.TempDir(), "cache.db")
	cfg.Warming = false
	m, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func newTask(title string) model.Task {
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

func fetchTasks(calls *int32, tasks ...model.Task) cache.FetchFunc[model.Task] {
	return func(ctx context.Context) ([]model.Task, error) {
		atomic.AddInt32(calls, 1)
		return tasks, nil
	}
}

func TestManagerReadThrough(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var calls int32
	fetch := fetchTasks(&calls, newTask("write report"))

	tasks, err := m.Inbox(ctx, nil, fetch)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// second read is an L1 hit
	_, err = m.Inbox(ctx, nil, fetch)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// after dropping L1 the read is served from disk, not the source
	m.Memory().Invalidate(cache.InboxKey(nil))
	tasks, err = m.Inbox(ctx, nil, fetch)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestManagerViews(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var taskCalls int32
	_, err := m.Today(ctx, nil, fetchTasks(&taskCalls, newTask("standup")))
	require.NoError(t, err)

	_, err = m.Projects(ctx, nil, func(ctx context.Context) ([]model.Project, error) {
		return []model.Project{{UUID: uuid.New(), Title: "site redesign"}}, nil
	})
	require.NoError(t, err)

	_, err = m.Areas(ctx, func(ctx context.Context) ([]model.Area, error) {
		return []model.Area{{UUID: uuid.New(), Title: "work"}}, nil
	})
	require.NoError(t, err)

	results, err := m.Search(ctx, "standup", nil, fetchTasks(&taskCalls, newTask("standup")))
	require.NoError(t, err)
	assert.Len(t, results, 1)

	assert.Equal(t, uint64(4), m.Memory().Stats().Entries)
}

func TestManagerNotifyChangeInvalidates(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	task := newTask("write report")
	var calls int32
	_, err := m.Inbox(ctx, nil, fetchTasks(&calls, task))
	require.NoError(t, err)

	id := task.UUID
	require.NoError(t, m.NotifyChange(ctx, invalidation.EventUpdated, model.EntityTask, &id, model.OpTaskUpdated))

	// L1 and the disk partition are both gone, so the source is hit again
	_, err = m.Inbox(ctx, nil, fetchTasks(&calls, task))
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	// original event plus cascades to project and area
	stats := m.Middleware().Stats()
	assert.Equal(t, uint64(3), stats.TotalEvents)
	assert.Equal(t, uint64(2), stats.CascadeInvalidations)
}

func TestManagerManualInvalidateScopedToTier(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var calls int32
	_, err := m.Inbox(ctx, nil, fetchTasks(&calls, newTask("a")))
	require.NoError(t, err)

	require.NoError(t, m.ManualInvalidate(ctx, model.EntityTask, nil, []string{invalidation.CacheL1}))

	assert.Equal(t, uint64(0), m.Memory().Stats().Entries)
	found, _, err := diskcache.Get[model.Task](ctx, m.Disk(), cache.InboxKey(nil))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(1), m.Middleware().Stats().ManualInvalidations)
}

func TestManagerInvalidateByOperation(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var calls int32
	_, err := m.Inbox(ctx, nil, fetchTasks(&calls, newTask("a")))
	require.NoError(t, err)
	_, err = m.Areas(ctx, func(ctx context.Context) ([]model.Area, error) {
		return []model.Area{{UUID: uuid.New(), Title: "work"}}, nil
	})
	require.NoError(t, err)

	require.NoError(t, m.InvalidateByOperation(ctx, model.OpTaskCompleted))

	// task views cleared in memory and on disk, areas untouched
	assert.Equal(t, uint64(1), m.Memory().Stats().Entries)
	found, _, err := diskcache.Get[model.Task](ctx, m.Disk(), cache.InboxKey(nil))
	require.NoError(t, err)
	assert.False(t, found)
	found, _, err = diskcache.Get[model.Area](ctx, m.Disk(), cache.AreasKey())
	require.NoError(t, err)
	assert.True(t, found)
}

func TestManagerStats(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var calls int32
	_, err := m.Inbox(ctx, nil, fetchTasks(&calls, newTask("a")))
	require.NoError(t, err)
	_, err = m.Inbox(ctx, nil, fetchTasks(&calls, newTask("a")))
	require.NoError(t, err)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Memory.Hits)
	assert.Equal(t, uint64(1), stats.Memory.Misses)
	assert.Equal(t, int64(1), stats.Disk.Entries)
}

func TestManagerQueryTier(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var calls int32
	_, err := m.Queries().TaskQuery(ctx, "tasks_by_tag", 42, []string{"TMTask"},
		func(ctx context.Context) ([]model.Task, error) {
			atomic.AddInt32(&calls, 1)
			return []model.Task{newTask("a")}, nil
		})
	require.NoError(t, err)

	id := uuid.New()
	require.NoError(t, m.NotifyChange(ctx, invalidation.EventCompleted, model.EntityTask, &id, model.OpTaskCompleted))
	assert.Equal(t, 0, m.Queries().Stats().Entries)
}
