package querycache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thingskit/go-cache/logger"
	"github.com/thingskit/go-cache/model"
)

func testTasks(n int) []model.Task {
	now := time.Now()
	tasks := make([]model.Task, n)
	for i := range tasks {
		tasks[i] = model.Task{
			UUID:     uuid.New(),
			Title:    "task",
			TaskType: model.TypeTodo,
			Status:   model.StatusIncomplete,
			Created:  now,
			Modified: now,
		}
	}
	return tasks
}

func countingQuery(calls *int32, tasks []model.Task) QueryFunc[model.Task] {
	return func(ctx context.Context) ([]model.Task, error) {
		atomic.AddInt32(calls, 1)
		return tasks, nil
	}
}

func TestQueryCacheHitAndMiss(t *testing.T) {
	q := New()
	ctx := context.Background()
	hash := HashParams("incomplete", "25")

	var calls int32
	run := countingQuery(&calls, testTasks(2))

	got, err := q.TaskQuery(ctx, "tasks_by_status", hash, []string{TableTask}, run)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	got, err = q.TaskQuery(ctx, "tasks_by_status", hash, []string{TableTask}, run)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	stats := q.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), stats.TotalQueries)
	assert.Equal(t, 1, stats.Entries)
}

func TestQueryCacheParamsHashMismatch(t *testing.T) {
	q := New()
	ctx := context.Background()

	var calls int32
	run := countingQuery(&calls, testTasks(1))

	_, err := q.TaskQuery(ctx, "tasks_by_status", HashParams("incomplete"), []string{TableTask}, run)
	require.NoError(t, err)

	// same key, different parameters: the stale result must not serve
	_, err = q.TaskQuery(ctx, "tasks_by_status", HashParams("completed"), []string{TableTask}, run)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, 1, q.Stats().Entries)
}

func TestQueryCacheTTLExpiry(t *testing.T) {
	q := New(WithTTL(10 * time.Millisecond))
	ctx := context.Background()
	hash := HashParams("incomplete")

	var calls int32
	run := countingQuery(&calls, testTasks(1))

	_, err := q.TaskQuery(ctx, "tasks_by_status", hash, []string{TableTask}, run)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = q.TaskQuery(ctx, "tasks_by_status", hash, []string{TableTask}, run)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestQueryCacheOversizedResult(t *testing.T) {
	log := logger.NewTestLogger()
	q := New(WithMaxResultSize(128), WithLogger(log))
	ctx := context.Background()
	hash := HashParams("big")

	tasks := testTasks(1)
	tasks[0].Notes = strings.Repeat("x", 4096)

	var calls int32
	run := countingQuery(&calls, tasks)

	got, err := q.TaskQuery(ctx, "search", hash, []string{TableTask}, run)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	// the oversized result was served but never cached
	assert.Equal(t, 0, q.Stats().Entries)
	_, err = q.TaskQuery(ctx, "search", hash, []string{TableTask}, run)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	var warned bool
	for _, entry := range log.Entries() {
		if entry.Severity == "WARN" && strings.Contains(entry.Message, "too large") {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestQueryCacheQueryError(t *testing.T) {
	q := New()
	wantErr := errors.New("no such table")

	_, err := q.TaskQuery(context.Background(), "broken", HashParams(), []string{TableTask},
		func(ctx context.Context) ([]model.Task, error) {
			return nil, wantErr
		})
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 0, q.Stats().Entries)
}

func TestQueryCacheSingleflight(t *testing.T) {
	q := New()
	ctx := context.Background()
	hash := HashParams("incomplete")

	var calls int32
	run := func(c context.Context) ([]model.Task, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(50 * time.Millisecond)
		return testTasks(1), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.TaskQuery(ctx, "tasks_by_status", hash, []string{TableTask}, run)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestQueryCacheInvalidateByTable(t *testing.T) {
	q := New()
	ctx := context.Background()

	var calls int32
	_, err := q.TaskQuery(ctx, "inbox", HashParams(), []string{TableTask}, countingQuery(&calls, testTasks(1)))
	require.NoError(t, err)
	_, err = q.AreaQuery(ctx, "areas", HashParams(), []string{TableArea},
		func(ctx context.Context) ([]model.Area, error) {
			return []model.Area{{UUID: uuid.New(), Title: "work"}}, nil
		})
	require.NoError(t, err)

	assert.Equal(t, 1, q.InvalidateByTable(TableTask))
	assert.Equal(t, 1, q.Stats().Entries)
	assert.Equal(t, 0, q.InvalidateByTable(TableTask))
}

func TestQueryCacheInvalidateByOperation(t *testing.T) {
	q := New()
	ctx := context.Background()

	seed := func() {
		var calls int32
		_, err := q.TaskQuery(ctx, "inbox", HashParams(), []string{TableTask}, countingQuery(&calls, testTasks(1)))
		require.NoError(t, err)
		_, err = q.ProjectQuery(ctx, "projects", HashParams(), []string{TableProject},
			func(ctx context.Context) ([]model.Project, error) {
				return []model.Project{{UUID: uuid.New(), Title: "p"}}, nil
			})
		require.NoError(t, err)
		_, err = q.AreaQuery(ctx, "areas", HashParams(), []string{TableArea},
			func(ctx context.Context) ([]model.Area, error) {
				return []model.Area{{UUID: uuid.New(), Title: "work"}}, nil
			})
		require.NoError(t, err)
	}

	seed()
	q.InvalidateByOperation(model.OpTaskCompleted)
	assert.Equal(t, 2, q.Stats().Entries)

	seed()
	q.InvalidateByOperation(model.OpProjectUpdated)
	assert.Equal(t, 1, q.Stats().Entries)

	seed()
	q.InvalidateByOperation(model.OpAreaDeleted)
	assert.Equal(t, 0, q.Stats().Entries)

	seed()
	q.InvalidateByOperation("vacuumed")
	assert.Equal(t, 0, q.Stats().Entries)
}

func TestQueryCacheMaxEntriesEviction(t *testing.T) {
	q := New(WithMaxEntries(2))
	ctx := context.Background()

	var calls int32
	for _, key := range []string{"a", "b", "c"} {
		_, err := q.TaskQuery(ctx, key, HashParams(key), []string{TableTask}, countingQuery(&calls, testTasks(1)))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, q.tasks.size())
}

func TestHashParams(t *testing.T) {
	assert.Equal(t, HashParams("a", "b"), HashParams("a", "b"))
	assert.NotEqual(t, HashParams("a", "b"), HashParams("ab"))
	assert.NotEqual(t, HashParams("a", "bc"), HashParams("ab", "c"))
}

func TestQueryCacheExecutionTimeAverage(t *testing.T) {
	q := New()
	ctx := context.Background()

	for _, key := range []string{"a", "b"} {
		_, err := q.TaskQuery(ctx, key, HashParams(key), []string{TableTask},
			func(c context.Context) ([]model.Task, error) {
				time.Sleep(5 * time.Millisecond)
				return testTasks(1), nil
			})
		require.NoError(t, err)
	}
	stats := q.Stats()
	assert.Equal(t, uint64(2), stats.TotalQueries)
	assert.GreaterOrEqual(t, stats.AvgExecutionTime, 5*time.Millisecond)
}
