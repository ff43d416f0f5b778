// Package diskcache implements the persistent (L2) cache tier on SQLite.
// Values are msgpack encoded, gzip compressed past a size threshold, and
// evicted by a background loop that enforces TTL and an LRU size cap.
package diskcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"

	"github.com/thingskit/go-cache/logger"
)

const (
	// DefaultMaxSize is the default on-disk budget.
	DefaultMaxSize = 100 * 1024 * 1024

	// DefaultTTL is applied when Put is called with a non-positive ttl.
	DefaultTTL = time.Hour

	// entries are deleted oldest-first in batches of this size until the
	// cache is back under the cleanup target
	evictionBatchSize = 100

	// cleanup shrinks the cache to this fraction of the max size so every
	// overflow does not immediately trigger another pass
	cleanupTargetRatio = 0.8
)

type config struct {
	maxSizeBytes     int64
	defaultTTL       time.Duration
	cleanupInterval  time.Duration
	compression      bool
	compressionLimit int
	log              logger.Logger
}

// Option configures a DiskCache.
type Option func(*config)

func defaultConfig() config {
	return config{
		maxSizeBytes:     DefaultMaxSize,
		defaultTTL:       DefaultTTL,
		cleanupInterval:  5 * time.Minute,
		compression:      true,
		compressionLimit: 1024,
		log:              logger.Nop(),
	}
}

// WithMaxSize sets the on-disk size budget in bytes.
func WithMaxSize(n int64) Option {
	return func(c *config) { c.maxSizeBytes = n }
}

// WithDefaultTTL sets the TTL applied when Put receives a non-positive ttl.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *config) { c.defaultTTL = d }
}

// WithCleanupInterval sets how often the eviction loop wakes.
func WithCleanupInterval(d time.Duration) Option {
	return func(c *config) { c.cleanupInterval = d }
}

// WithCompression enables or disables gzip compression of stored payloads.
func WithCompression(enabled bool) Option {
	return func(c *config) { c.compression = enabled }
}

// WithCompressionLimit sets the payload size in bytes above which values
// are compressed. Only meaningful when compression is enabled.
func WithCompressionLimit(n int) Option {
	return func(c *config) { c.compressionLimit = n }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(log logger.Logger) Option {
	return func(c *config) { c.log = log }
}

// Stats is a snapshot of disk cache counters.
type Stats struct {
	Hits              uint64  `json:"hits"`
	Misses            uint64  `json:"misses"`
	Entries           int64   `json:"entries"`
	CompressedEntries int64   `json:"compressed_entries"`
	TotalSizeBytes    int64   `json:"total_size_bytes"`
	MaxSizeBytes      int64   `json:"max_size_bytes"`
	HitRate           float64 `json:"hit_rate"`
	Utilization       float64 `json:"utilization"`
}

// DiskCache is an SQLite-backed cache. It is safe for concurrent use.
type DiskCache struct {
	cfg    config
	log    logger.Logger
	db     *sql.DB
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	statsMu sync.Mutex
	hits    uint64
	misses  uint64
}

// New opens (creating if necessary) the cache database at path and starts
// the eviction loop. Call Close to stop the loop and release the database.
func New(path string, opts ...Option) (*DiskCache, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("diskcache: create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("diskcache: open %s: %w", path, err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("diskcache: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		last_accessed INTEGER NOT NULL,
		access_count INTEGER NOT NULL DEFAULT 0,
		size_bytes INTEGER NOT NULL,
		compressed INTEGER NOT NULL DEFAULT 0,
		cache_type TEXT NOT NULL,
		ttl INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("diskcache: create table: %w", err)
	}
	for _, index := range []string{
		"CREATE INDEX IF NOT EXISTS idx_cache_last_accessed ON cache_entries (last_accessed)",
		"CREATE INDEX IF NOT EXISTS idx_cache_type ON cache_entries (cache_type)",
	} {
		if _, err := db.Exec(index); err != nil {
			db.Close()
			return nil, fmt.Errorf("diskcache: create index: %w", err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &DiskCache{
		cfg:    cfg,
		log:    cfg.log,
		db:     db,
		ctx:    ctx,
		cancel: cancel,
	}
	d.wg.Add(1)
	go d.run()
	return d, nil
}

// Close stops the eviction loop and closes the database.
func (d *DiskCache) Close() error {
	var err error
	d.once.Do(func() {
		d.cancel()
		d.wg.Wait()
		err = d.db.Close()
	})
	return err
}

// Put stores val under key with the given cache type. A non-positive ttl
// uses the configured default.
func Put[T any](ctx context.Context, d *DiskCache, key, cacheType string, val []T, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = d.cfg.defaultTTL
	}
	payload, err := msgpack.Marshal(val)
	if err != nil {
		return fmt.Errorf("diskcache: encode %s: %w", key, err)
	}
	compressed := false
	if d.cfg.compression && len(payload) >= d.cfg.compressionLimit {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return fmt.Errorf("diskcache: compress %s: %w", key, err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("diskcache: compress %s: %w", key, err)
		}
		if buf.Len() < len(payload) {
			payload = buf.Bytes()
			compressed = true
		}
	}
	now := time.Now().Unix()
	_, err = d.db.ExecContext(ctx, `INSERT INTO cache_entries
		(key, data, created_at, last_accessed, access_count, size_bytes, compressed, cache_type, ttl)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			data = excluded.data,
			created_at = excluded.created_at,
			last_accessed = excluded.last_accessed,
			access_count = 0,
			size_bytes = excluded.size_bytes,
			compressed = excluded.compressed,
			cache_type = excluded.cache_type,
			ttl = excluded.ttl`,
		key, payload, now, now, len(payload), compressed, cacheType, int64(ttl.Seconds()))
	if err != nil {
		return fmt.Errorf("diskcache: store %s: %w", key, err)
	}
	d.log.Trace("stored %s (%d bytes, compressed=%t)", key, len(payload), compressed)
	return nil
}

// Get loads the value stored under key. It returns false without error when
// the key is absent or its TTL has lapsed. Expired rows are left for the
// eviction loop rather than deleted on the read path.
func Get[T any](ctx context.Context, d *DiskCache, key string) (bool, []T, error) {
	now := time.Now().Unix()
	var (
		payload    []byte
		compressed bool
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT data, compressed FROM cache_entries WHERE key = ? AND created_at + ttl > ?`,
		key, now).Scan(&payload, &compressed)
	if err == sql.ErrNoRows {
		d.recordMiss()
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("diskcache: load %s: %w", key, err)
	}
	if compressed {
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return false, nil, fmt.Errorf("diskcache: decompress %s: %w", key, err)
		}
		payload, err = io.ReadAll(zr)
		if err != nil {
			return false, nil, fmt.Errorf("diskcache: decompress %s: %w", key, err)
		}
		if err := zr.Close(); err != nil {
			return false, nil, fmt.Errorf("diskcache: decompress %s: %w", key, err)
		}
	}
	var val []T
	if err := msgpack.Unmarshal(payload, &val); err != nil {
		return false, nil, fmt.Errorf("diskcache: decode %s: %w", key, err)
	}
	if _, err := d.db.ExecContext(ctx,
		`UPDATE cache_entries SET last_accessed = ?, access_count = access_count + 1 WHERE key = ?`,
		now, key); err != nil {
		return false, nil, fmt.Errorf("diskcache: touch %s: %w", key, err)
	}
	d.recordHit()
	return true, val, nil
}

// Remove deletes key, reporting whether a row existed.
func (d *DiskCache) Remove(ctx context.Context, key string) (bool, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("diskcache: remove %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("diskcache: remove %s: %w", key, err)
	}
	return n > 0, nil
}

// Clear deletes every entry.
func (d *DiskCache) Clear(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("diskcache: clear: %w", err)
	}
	return nil
}

// ClearByType deletes every entry with the given cache type, returning the
// number of rows removed.
func (d *DiskCache) ClearByType(ctx context.Context, cacheType string) (int64, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_type = ?`, cacheType)
	if err != nil {
		return 0, fmt.Errorf("diskcache: clear type %s: %w", cacheType, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("diskcache: clear type %s: %w", cacheType, err)
	}
	return n, nil
}

// Size returns the total stored payload size in bytes.
func (d *DiskCache) Size(ctx context.Context) (int64, error) {
	var size int64
	err := d.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size_bytes), 0) FROM cache_entries`).Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("diskcache: size: %w", err)
	}
	return size, nil
}

// EntryCount returns the number of stored rows, expired ones included.
func (d *DiskCache) EntryCount(ctx context.Context) (int64, error) {
	var n int64
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("diskcache: count: %w", err)
	}
	return n, nil
}

// IsFull reports whether the stored size meets or exceeds the budget.
func (d *DiskCache) IsFull(ctx context.Context) (bool, error) {
	size, err := d.Size(ctx)
	if err != nil {
		return false, err
	}
	return size >= d.cfg.maxSizeBytes, nil
}

// Utilization returns the fraction of the size budget in use.
func (d *DiskCache) Utilization(ctx context.Context) (float64, error) {
	size, err := d.Size(ctx)
	if err != nil {
		return 0, err
	}
	if d.cfg.maxSizeBytes <= 0 {
		return 0, nil
	}
	return float64(size) / float64(d.cfg.maxSizeBytes), nil
}

// Stats returns a snapshot of counters and storage usage.
func (d *DiskCache) Stats(ctx context.Context) (Stats, error) {
	size, err := d.Size(ctx)
	if err != nil {
		return Stats{}, err
	}
	entries, err := d.EntryCount(ctx)
	if err != nil {
		return Stats{}, err
	}
	var compressed int64
	if err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cache_entries WHERE compressed = 1`).Scan(&compressed); err != nil {
		return Stats{}, fmt.Errorf("diskcache: count compressed: %w", err)
	}
	d.statsMu.Lock()
	hits, misses := d.hits, d.misses
	d.statsMu.Unlock()
	stats := Stats{
		Hits:              hits,
		Misses:            misses,
		Entries:           entries,
		CompressedEntries: compressed,
		TotalSizeBytes:    size,
		MaxSizeBytes:      d.cfg.maxSizeBytes,
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	if d.cfg.maxSizeBytes > 0 {
		stats.Utilization = float64(size) / float64(d.cfg.maxSizeBytes)
	}
	return stats, nil
}

// ResetStats zeroes the hit and miss counters.
func (d *DiskCache) ResetStats() {
	d.statsMu.Lock()
	d.hits, d.misses = 0, 0
	d.statsMu.Unlock()
}

func (d *DiskCache) recordHit() {
	d.statsMu.Lock()
	d.hits++
	d.statsMu.Unlock()
}

func (d *DiskCache) recordMiss() {
	d.statsMu.Lock()
	d.misses++
	d.statsMu.Unlock()
}

func (d *DiskCache) run() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := d.Cleanup(d.ctx); err != nil && d.ctx.Err() == nil {
				d.log.Error("cleanup failed: %s", err)
			}
		case <-d.ctx.Done():
			return
		}
	}
}

// Cleanup deletes expired rows, then evicts least-recently-accessed rows in
// batches until the cache is under the cleanup target. The loop also runs
// this periodically.
func (d *DiskCache) Cleanup(ctx context.Context) error {
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE created_at + ttl <= ?`, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("diskcache: expire: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		d.log.Debug("expired %d entries", n)
	}

	size, err := d.Size(ctx)
	if err != nil {
		return err
	}
	if size <= d.cfg.maxSizeBytes {
		return nil
	}
	target := int64(float64(d.cfg.maxSizeBytes) * cleanupTargetRatio)
	var evicted int64
	for size > target {
		res, err := d.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key IN (
			SELECT key FROM cache_entries ORDER BY last_accessed ASC LIMIT ?)`, evictionBatchSize)
		if err != nil {
			return fmt.Errorf("diskcache: evict: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("diskcache: evict: %w", err)
		}
		if n == 0 {
			break
		}
		evicted += n
		if size, err = d.Size(ctx); err != nil {
			return err
		}
	}
	if evicted > 0 {
		d.log.Info("evicted %d entries (size %d, target %d)", evicted, size, target)
	}
	return nil
}
