// Package querycache implements the query-result (L3) cache tier. Results
// are keyed by query name and validated against a hash of the query
// parameters, so a parameter change reads through instead of serving a
// stale result. Concurrent misses on the same key are collapsed into a
// single execution.
package querycache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/singleflight"

	"github.com/thingskit/go-cache/logger"
	"github.com/thingskit/go-cache/model"
)

// Backing tables a query result can depend on.
const (
	TableTask    = "TMTask"
	TableProject = "TMProject"
	TableArea    = "TMArea"
)

// QueryFunc executes the underlying query on a cache miss.
type QueryFunc[T any] func(ctx context.Context) ([]T, error)

// Result wraps one cached query result.
type Result[T any] struct {
	Data          []T           `json:"data" msgpack:"data"`
	ExecutedAt    time.Time     `json:"executed_at" msgpack:"executed_at"`
	ExpiresAt     time.Time     `json:"expires_at" msgpack:"expires_at"`
	ExecutionTime time.Duration `json:"execution_time" msgpack:"execution_time"`
	ParamsHash    uint64        `json:"params_hash" msgpack:"params_hash"`
	Dependencies  []string      `json:"dependencies" msgpack:"dependencies"`
	ResultSize    int           `json:"result_size" msgpack:"result_size"`
}

// valid reports whether the result can serve a read with the given hash.
func (r *Result[T]) valid(paramsHash uint64, now time.Time) bool {
	return now.Before(r.ExpiresAt) && r.ParamsHash == paramsHash
}

func (r *Result[T]) dependsOn(table string) bool {
	for _, dep := range r.Dependencies {
		if dep == table {
			return true
		}
	}
	return false
}

// HashParams derives a stable hash from query parameters. Parameters are
// joined with a separator that cannot occur in them, so ("a","bc") and
// ("ab","c") hash differently.
func HashParams(params ...string) uint64 {
	return xxhash.Sum64String(strings.Join(params, "\x1f"))
}

// Stats is a snapshot of query cache counters.
type Stats struct {
	Hits             uint64        `json:"hits"`
	Misses           uint64        `json:"misses"`
	Entries          int           `json:"entries"`
	TotalQueries     uint64        `json:"total_queries"`
	AvgExecutionTime time.Duration `json:"avg_execution_time"`
	HitRate          float64       `json:"hit_rate"`
}

// DefaultTTL is the default lifetime of a cached query result.
const DefaultTTL = 10 * time.Minute

// DefaultMaxResultSize is the default per-result size cap in bytes.
const DefaultMaxResultSize = 1024 * 1024

type config struct {
	ttl           time.Duration
	maxResultSize int
	maxEntries    int
	log           logger.Logger
}

// Option configures a QueryCache.
type Option func(*config)

func defaultConfig() config {
	return config{
		ttl:           DefaultTTL,
		maxResultSize: DefaultMaxResultSize,
		maxEntries:    500,
		log:           logger.Nop(),
	}
}

// WithTTL sets the lifetime of cached results. Defaults to DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(c *config) { c.ttl = d }
}

// WithMaxResultSize caps the encoded size of a cacheable result. Larger
// results are served but never cached.
func WithMaxResultSize(n int) Option {
	return func(c *config) { c.maxResultSize = n }
}

// WithMaxEntries caps how many results each store holds. When full, the
// oldest result is evicted.
func WithMaxEntries(n int) Option {
	return func(c *config) { c.maxEntries = n }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(log logger.Logger) Option {
	return func(c *config) { c.log = log }
}

type resultStore[T any] struct {
	mu      sync.Mutex
	results map[string]*Result[T]
}

func newResultStore[T any]() resultStore[T] {
	return resultStore[T]{results: make(map[string]*Result[T])}
}

func (s *resultStore[T]) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

func (s *resultStore[T]) remove(key string) bool {
	s.mu.Lock()
	_, ok := s.results[key]
	delete(s.results, key)
	s.mu.Unlock()
	return ok
}

func (s *resultStore[T]) clear() int {
	s.mu.Lock()
	n := len(s.results)
	s.results = make(map[string]*Result[T])
	s.mu.Unlock()
	return n
}

func (s *resultStore[T]) removeByTable(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int
	for key, r := range s.results {
		if r.dependsOn(table) {
			delete(s.results, key)
			removed++
		}
	}
	return removed
}

// put inserts a result, evicting the oldest execution when the store is at
// capacity.
func (s *resultStore[T]) put(key string, r *Result[T], maxEntries int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[key]; !ok && len(s.results) >= maxEntries {
		var oldestKey string
		var oldest time.Time
		for k, existing := range s.results {
			if oldestKey == "" || existing.ExecutedAt.Before(oldest) {
				oldestKey, oldest = k, existing.ExecutedAt
			}
		}
		delete(s.results, oldestKey)
	}
	s.results[key] = r
}

// QueryCache caches query results per entity kind. It is safe for
// concurrent use.
type QueryCache struct {
	cfg config
	log logger.Logger

	tasks    resultStore[model.Task]
	projects resultStore[model.Project]
	areas    resultStore[model.Area]

	flight singleflight.Group

	statsMu     sync.Mutex
	hits        uint64
	misses      uint64
	totalRuns   uint64
	avgExecTime time.Duration
}

// New returns a QueryCache.
func New(opts ...Option) *QueryCache {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &QueryCache{
		cfg:      cfg,
		log:      cfg.log,
		tasks:    newResultStore[model.Task](),
		projects: newResultStore[model.Project](),
		areas:    newResultStore[model.Area](),
	}
}

// TaskQuery serves a task query through the cache.
func (q *QueryCache) TaskQuery(ctx context.Context, key string, paramsHash uint64, tables []string, run QueryFunc[model.Task]) ([]model.Task, error) {
	return execute(ctx, q, &q.tasks, key, paramsHash, tables, run)
}

// ProjectQuery serves a project query through the cache.
func (q *QueryCache) ProjectQuery(ctx context.Context, key string, paramsHash uint64, tables []string, run QueryFunc[model.Project]) ([]model.Project, error) {
	return execute(ctx, q, &q.projects, key, paramsHash, tables, run)
}

// AreaQuery serves an area query through the cache.
func (q *QueryCache) AreaQuery(ctx context.Context, key string, paramsHash uint64, tables []string, run QueryFunc[model.Area]) ([]model.Area, error) {
	return execute(ctx, q, &q.areas, key, paramsHash, tables, run)
}

// execute is the shared read path. A result serves a hit only when it is
// unexpired and its parameter hash matches; otherwise the query runs, and
// concurrent misses for the same key share one execution.
func execute[T any](ctx context.Context, q *QueryCache, s *resultStore[T], key string, paramsHash uint64, tables []string, run QueryFunc[T]) ([]T, error) {
	now := time.Now()
	s.mu.Lock()
	if r, ok := s.results[key]; ok {
		if r.valid(paramsHash, now) {
			data := r.Data
			s.mu.Unlock()
			q.recordHit()
			return data, nil
		}
		delete(s.results, key)
	}
	s.mu.Unlock()
	q.recordMiss()

	flightKey := fmt.Sprintf("%s:%x", key, paramsHash)
	v, err, _ := q.flight.Do(flightKey, func() (interface{}, error) {
		start := time.Now()
		data, err := run(ctx)
		if err != nil {
			return nil, fmt.Errorf("querycache: execute %s: %w", key, err)
		}
		elapsed := time.Since(start)
		q.recordExecution(elapsed)

		size := encodedSize(data)
		if size > q.cfg.maxResultSize {
			q.log.Warn("result for %s too large to cache (%d bytes, cap %d)", key, size, q.cfg.maxResultSize)
			return data, nil
		}
		s.put(key, &Result[T]{
			Data:          data,
			ExecutedAt:    start,
			ExpiresAt:     start.Add(q.cfg.ttl),
			ExecutionTime: elapsed,
			ParamsHash:    paramsHash,
			Dependencies:  tables,
			ResultSize:    size,
		}, q.cfg.maxEntries)
		q.log.Trace("cached query %s (%d bytes, %s)", key, size, elapsed)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]T), nil
}

func encodedSize[T any](data []T) int {
	encoded, err := msgpack.Marshal(data)
	if err != nil {
		return 0
	}
	return len(encoded)
}

// Invalidate removes the result stored under key across all stores.
func (q *QueryCache) Invalidate(key string) bool {
	removed := q.tasks.remove(key)
	removed = q.projects.remove(key) || removed
	removed = q.areas.remove(key) || removed
	return removed
}

// InvalidateAll clears every store.
func (q *QueryCache) InvalidateAll() {
	n := q.tasks.clear() + q.projects.clear() + q.areas.clear()
	q.log.Debug("invalidated all query results (%d)", n)
}

// InvalidateByTable removes every result that depends on the given table.
func (q *QueryCache) InvalidateByTable(table string) int {
	n := q.tasks.removeByTable(table) + q.projects.removeByTable(table) + q.areas.removeByTable(table)
	if n > 0 {
		q.log.Debug("invalidated %d query results for table %s", n, table)
	}
	return n
}

// InvalidateByOperation maps a write operation to the tables it touches and
// invalidates dependent results. Unknown operations clear everything.
func (q *QueryCache) InvalidateByOperation(operation string) {
	switch operation {
	case model.OpTaskCreated, model.OpTaskUpdated, model.OpTaskDeleted, model.OpTaskCompleted:
		q.InvalidateByTable(TableTask)
	case model.OpProjectCreated, model.OpProjectUpdated, model.OpProjectDeleted:
		q.InvalidateByTable(TableProject)
		q.InvalidateByTable(TableTask)
	case model.OpAreaCreated, model.OpAreaUpdated, model.OpAreaDeleted:
		q.InvalidateByTable(TableArea)
		q.InvalidateByTable(TableProject)
		q.InvalidateByTable(TableTask)
	default:
		q.InvalidateAll()
	}
}

// Stats returns a snapshot of counters.
func (q *QueryCache) Stats() Stats {
	q.statsMu.Lock()
	stats := Stats{
		Hits:             q.hits,
		Misses:           q.misses,
		TotalQueries:     q.totalRuns,
		AvgExecutionTime: q.avgExecTime,
	}
	q.statsMu.Unlock()
	stats.Entries = q.tasks.size() + q.projects.size() + q.areas.size()
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// ResetStats zeroes all counters, including the execution time average.
func (q *QueryCache) ResetStats() {
	q.statsMu.Lock()
	q.hits, q.misses, q.totalRuns, q.avgExecTime = 0, 0, 0, 0
	q.statsMu.Unlock()
}

func (q *QueryCache) recordHit() {
	q.statsMu.Lock()
	q.hits++
	q.statsMu.Unlock()
}

func (q *QueryCache) recordMiss() {
	q.statsMu.Lock()
	q.misses++
	q.statsMu.Unlock()
}

// recordExecution folds a new sample into the running average without
// keeping the sample history.
func (q *QueryCache) recordExecution(elapsed time.Duration) {
	q.statsMu.Lock()
	q.totalRuns++
	n := q.totalRuns
	q.avgExecTime = (q.avgExecTime*time.Duration(n-1) + elapsed) / time.Duration(n)
	q.statsMu.Unlock()
}
