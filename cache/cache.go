// Package cache implements the local read cache for stored objects.
//
// Objects fetched from S3 are kept on disk, keyed by their storage key
// (msg/<hash> or att/<hash>), with a SQLite index tracking size and
// modification time. The index drives capacity-based purging and
// orphan cleanup against the object store.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/migadu/crake/pkg/metrics"
	_ "modernc.org/sqlite"
)

const DataDir = "data"
const IndexDB = "cache_index.db"
const PurgeBatchSize = 1000

// ErrObjectTooLarge is returned by Put when data exceeds the configured
// per-object size limit.
var ErrObjectTooLarge = errors.New("object too large for cache")

// ObjectChecker is the part of the object store the cache needs for
// orphan cleanup: deciding whether a cached key still exists upstream.
type ObjectChecker interface {
	Exists(ctx context.Context, key string) (bool, error)
}

type Cache struct {
	basePath         string
	capacity         int64
	maxObjectSize    int64
	purgeInterval    time.Duration
	orphanCleanupAge time.Duration
	db               *sql.DB
	mu               sync.Mutex
	store            ObjectChecker
	// Metrics - using atomic for thread-safe counters
	cacheHits   int64
	cacheMisses int64
	startTime   time.Time
}

// Close closes the cache database connection
func (c *Cache) Close() error {
	if c.db != nil {
		log.Println("[CACHE] closing cache database connection")
		return c.db.Close()
	}
	return nil
}

func New(basePath string, maxSizeBytes int64, maxObjectSize int64, purgeInterval time.Duration, orphanCleanupAge time.Duration, store ObjectChecker) (*Cache, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, fmt.Errorf("cache base path cannot be empty")
	}
	basePath = filepath.Clean(basePath)

	dataDir := filepath.Join(basePath, DataDir)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache data path %s: %w", dataDir, err)
	}

	dbPath := filepath.Join(basePath, IndexDB)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index DB: %w", err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		// Log the warning, but allow to proceed as WAL is an optimization.
		log.Printf("[CACHE] WARNING: failed to set PRAGMA journal_mode = WAL: %v", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS cache_index (
		path TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		mod_time TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cache_mod_time ON cache_index(mod_time);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create cache schema: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache DB ping failed: %w", err)
	}
	return &Cache{
		basePath:         basePath,
		capacity:         maxSizeBytes,
		maxObjectSize:    maxObjectSize,
		purgeInterval:    purgeInterval,
		orphanCleanupAge: orphanCleanupAge,
		db:               db,
		store:            store,
		startTime:        time.Now(),
	}, nil
}

func (c *Cache) Get(key string) ([]byte, error) {
	path := c.PathForKey(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			atomic.AddInt64(&c.cacheMisses, 1)
			metrics.CacheOperationsTotal.WithLabelValues("get", "miss").Inc()
		} else {
			metrics.CacheOperationsTotal.WithLabelValues("get", "error").Inc()
		}
		return nil, err
	}
	atomic.AddInt64(&c.cacheHits, 1)
	metrics.CacheOperationsTotal.WithLabelValues("get", "hit").Inc()
	return data, nil
}

func (c *Cache) Put(key string, data []byte) error {
	if int64(len(data)) > c.maxObjectSize {
		return fmt.Errorf("data size %d exceeds limit %d: %w", len(data), c.maxObjectSize, ErrObjectTooLarge)
	}

	path := c.PathForKey(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	// Write to a temporary file first to minimize time holding the lock.
	// This also helps prevent corruption if the write is interrupted.
	tempFile, err := os.CreateTemp(dir, "put-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary cache file: %w", err)
	}
	defer os.Remove(tempFile.Name()) // Ensure temp file is cleaned up on return

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close() // Attempt to close, but prioritize write error
		return fmt.Errorf("failed to write to temporary cache file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temporary cache file: %w", err)
	}

	// Atomically move the file into its final location.
	if err := os.Rename(tempFile.Name(), path); err != nil {
		// If rename fails because the file exists, it means another process cached it. This is not an error.
		if !os.IsExist(err) {
			metrics.CacheOperationsTotal.WithLabelValues("put", "error").Inc()
			return fmt.Errorf("failed to move temporary file to final cache location %s: %w", path, err)
		}
		log.Printf("[CACHE] file %s appeared during rename, assuming concurrent cache success", path)
	}

	// Now, acquire lock just to update the index.
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.trackFile(path); err != nil {
		// The file exists, but we failed to track it. The next purge/sync cycle might fix it.
		// We don't remove the file here because it might be a valid cache entry from a concurrent Put.
		metrics.CacheOperationsTotal.WithLabelValues("put", "error").Inc()
		return fmt.Errorf("failed to track cache file %s: %w", path, err)
	}
	metrics.CacheOperationsTotal.WithLabelValues("put", "success").Inc()
	return nil
}

func (c *Cache) Exists(key string) (bool, error) {
	path := c.PathForKey(key)
	c.mu.Lock()
	defer c.mu.Unlock()

	var count int
	// Querying the index is more reliable than checking the filesystem (avoids TOCTOU races)
	// and is generally faster.
	err := c.db.QueryRow(`SELECT COUNT(*) FROM cache_index WHERE path = ?`, path).Scan(&count)
	if err != nil {
		// This is an internal DB error, not a cache miss.
		log.Printf("[CACHE] failed to query index for existence of %s: %v", path, err)
		return false, fmt.Errorf("failed to query cache index: %w", err)
	}

	exists := count > 0
	if exists {
		atomic.AddInt64(&c.cacheHits, 1)
	} else {
		atomic.AddInt64(&c.cacheMisses, 1)
	}
	return exists, nil
}

func (c *Cache) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.PathForKey(key)
	if err := os.Remove(path); err != nil {
		// If the file doesn't exist, we can consider the delete successful for the cache's state.
		if !errors.Is(err, os.ErrNotExist) {
			log.Printf("[CACHE] failed to remove cache file %s: %v\n", path, err)
			return fmt.Errorf("failed to remove cache file %s: %w", path, err)
		}
	}
	// Always try to remove from index, even if file was already gone.
	if _, err := c.db.Exec(`DELETE FROM cache_index WHERE path = ?`, path); err != nil {
		// Log the error, as this means the index might be out of sync.
		log.Printf("[CACHE] failed to remove index entry for path %s: %v\n", path, err)
		return fmt.Errorf("failed to remove index entry for path %s: %w", path, err)
	}
	removeEmptyParents(path, filepath.Join(c.basePath, DataDir))
	metrics.CacheOperationsTotal.WithLabelValues("delete", "success").Inc()
	return nil
}

func (c *Cache) trackFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	_, err = c.db.Exec(`INSERT OR REPLACE INTO cache_index (path, size, mod_time) VALUES (?, ?, ?)`, path, info.Size(), info.ModTime())
	return err
}

func removeEmptyParents(path string, stopAt string) {
	for {
		dir := filepath.Dir(path)
		if dir == stopAt || dir == "." || dir == "/" {
			break
		}
		err := os.Remove(dir)
		if err != nil {
			// Not empty or permission denied, stop cleanup
			break
		}
		path = dir
	}
}

type fileStat struct {
	path    string
	size    int64
	modTime time.Time
}

func (c *Cache) SyncFromDisk() error {
	log.Println("[CACHE] starting disk sync")
	var files []fileStat

	// Phase 1: Walk disk and collect file info (no lock)
	dataDir := filepath.Join(c.basePath, DataDir)
	err := filepath.WalkDir(dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, statErr := d.Info()
			if statErr != nil {
				log.Printf("[CACHE] failed to get stat for %s during sync: %v", path, statErr)
				return nil // Continue walking
			}
			files = append(files, fileStat{path: path, size: info.Size(), modTime: info.ModTime()})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk cache directory: %w", err)
	}
	if len(files) > 0 {
		log.Printf("[CACHE] found %d files on disk, updating index...", len(files))
		// Phase 2: Update index in a single transaction (short lock)
		c.mu.Lock()
		tx, err := c.db.Begin()
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("failed to begin transaction for disk sync: %w", err)
		}

		stmt, err := tx.Prepare(`INSERT OR REPLACE INTO cache_index (path, size, mod_time) VALUES (?, ?, ?)`)
		if err != nil {
			tx.Rollback()
			c.mu.Unlock()
			return fmt.Errorf("failed to prepare statement for disk sync: %w", err)
		}
		defer stmt.Close()

		for _, f := range files {
			if _, err := stmt.Exec(f.path, f.size, f.modTime); err != nil {
				log.Printf("[CACHE] error tracking file %s during sync: %v", f.path, err)
				// Continue, try to sync as much as possible
			}
		}

		if err := tx.Commit(); err != nil {
			c.mu.Unlock()
			return fmt.Errorf("failed to commit disk sync transaction: %w", err)
		}
		c.mu.Unlock()
		log.Printf("[CACHE] index update complete")
	}
	// Phase 3: Clean up stale entries and directories (uses its own locking)
	ctx := context.Background()
	if err := c.RemoveStaleDBEntries(ctx); err != nil {
		return fmt.Errorf("failed to remove stale DB entries after sync: %w", err)
	}
	return c.cleanupStaleDirectories()
}

func (c *Cache) StartPurgeLoop(ctx context.Context) {
	go func() {
		// Run immediately on startup
		c.runPurgeCycle(ctx)

		ticker := time.NewTicker(c.purgeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.runPurgeCycle(ctx)
			}
		}
	}()
}

func (c *Cache) runPurgeCycle(ctx context.Context) {
	log.Println("[CACHE] running cache purge cycle")
	if err := c.PurgeIfNeeded(ctx); err != nil {
		log.Printf("[CACHE] WARNING: cache purge failed: %v\n", err)
	}
	if err := c.RemoveStaleDBEntries(ctx); err != nil {
		log.Printf("[CACHE] stale file cleanup error: %v\n", err)
	}
	if err := c.PurgeOrphanedObjects(ctx); err != nil {
		log.Printf("[CACHE] orphan cleanup error: %v\n", err)
	}
}

func (c *Cache) cleanupStaleDirectories() error {
	dataDir := filepath.Join(c.basePath, DataDir)
	return filepath.WalkDir(dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// The entry may disappear between listing and stat-ing; skip it and
			// continue the walk.
			var pathError *fs.PathError
			if errors.As(err, &pathError) && errors.Is(pathError.Err, os.ErrNotExist) && pathError.Path == path {
				log.Printf("[CACHE] path %s no longer exists, skipping: %v", path, err)
				return nil
			}
			log.Printf("[CACHE] error walking path %s: %v", path, err)
			return err // Propagate other errors
		}
		if !d.IsDir() || path == dataDir {
			return nil
		}

		// Try to remove the directory - only works if it's empty
		removeErr := os.Remove(path)
		if removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) && !isDirNotEmptyError(removeErr) {
			// Log unexpected errors during removal, but don't stop the walk.
			log.Printf("[CACHE] WARNING: unexpected error removing directory %s: %v", path, removeErr)
		}
		return nil
	})
}

// PurgeIfNeeded checks if the cache size exceeds its capacity and, if so,
// removes the oldest items until it's within limits.
func (c *Cache) PurgeIfNeeded(ctx context.Context) error {
	// Phase 1: Check size and get candidates for deletion (read-only, minimal lock).
	pathsToPurge, err := c.getPurgeCandidates(ctx)
	if err != nil {
		return fmt.Errorf("failed to get purge candidates: %w", err)
	}
	if len(pathsToPurge) == 0 {
		return nil // Nothing to do.
	}

	// Phase 2: Delete files from the filesystem (slow, no lock needed).
	successfullyRemovedPaths := c.deleteFiles(pathsToPurge)

	if len(successfullyRemovedPaths) == 0 {
		log.Println("[CACHE] attempted to purge files, but none were successfully removed from filesystem")
		return nil
	}

	// Phase 3: Remove entries from the database index in a single batch (write, short lock).
	if err := c.removeIndexEntries(ctx, successfullyRemovedPaths); err != nil {
		return fmt.Errorf("failed to remove purged files from index: %w", err)
	}

	metrics.CacheOperationsTotal.WithLabelValues("purge", "success").Add(float64(len(successfullyRemovedPaths)))

	// Cleanup empty parent directories.
	dataDir := filepath.Join(c.basePath, DataDir)
	for _, path := range successfullyRemovedPaths {
		removeEmptyParents(path, dataDir)
	}

	// Final cleanup of any other empty dirs that might have been left.
	if err := c.cleanupStaleDirectories(); err != nil {
		log.Printf("[CACHE] error during post-purge directory cleanup: %v", err)
	}

	return nil
}

// getPurgeCandidates identifies which files to purge to get back under capacity.
// It holds a lock only for the duration of the database query.
func (c *Cache) getPurgeCandidates(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var totalSize int64
	row := c.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM cache_index`)
	if err := row.Scan(&totalSize); err != nil {
		return nil, fmt.Errorf("failed to get total cache size: %w", err)
	}

	if totalSize <= c.capacity {
		return nil, nil // Cache is within capacity, nothing to do.
	}

	log.Printf("[CACHE] size: %d, exceeds capacity: %d. Identifying files to purge.", totalSize, c.capacity)
	amountToFree := totalSize - c.capacity

	// Query for the oldest files sufficient to free up the required space.
	rows, err := c.db.QueryContext(ctx, `SELECT path, size FROM cache_index ORDER BY mod_time ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query for purge candidates: %w", err)
	}
	defer rows.Close()

	var pathsToPurge []string
	var freedSoFar int64
	for rows.Next() {
		var path string
		var size int64
		if err := rows.Scan(&path, &size); err != nil {
			log.Printf("[CACHE] error scanning purge candidate: %v", err)
			continue
		}
		pathsToPurge = append(pathsToPurge, path)
		freedSoFar += size
		if freedSoFar >= amountToFree {
			break // We have enough candidates.
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating purge candidates: %w", err)
	}

	log.Printf("[CACHE] identified %d files to purge to free up at least %d bytes", len(pathsToPurge), amountToFree)
	return pathsToPurge, nil
}

// deleteFiles removes files from the filesystem and returns a slice of paths that were successfully removed.
func (c *Cache) deleteFiles(paths []string) []string {
	var successfullyRemoved []string
	for _, path := range paths {
		// os.Remove is idempotent on non-existent files if we check the error.
		if err := os.Remove(path); err == nil || os.IsNotExist(err) {
			successfullyRemoved = append(successfullyRemoved, path)
		} else {
			log.Printf("[CACHE] failed to remove file during purge: %s, error: %v", path, err)
		}
	}
	return successfullyRemoved
}

// removeIndexEntries removes a batch of paths from the cache index.
func (c *Cache) removeIndexEntries(ctx context.Context, paths []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(paths) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for index removal: %w", err)
	}
	defer tx.Rollback()

	// SQLite doesn't support array parameters, so we build a query with
	// placeholders. This is safe as paths are generated internally.
	query := `DELETE FROM cache_index WHERE path IN (?` + strings.Repeat(",?", len(paths)-1) + `)`
	args := make([]interface{}, len(paths))
	for i, p := range paths {
		args[i] = p
	}

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to batch delete from index: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit index deletions: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	log.Printf("[CACHE] removed %d entries from index", rowsAffected)
	return nil
}

// PurgeOrphanedObjects removes cached entries older than the orphan cleanup
// age whose backing object no longer exists in the object store. This
// reclaims space held by messages that were deleted upstream.
func (c *Cache) PurgeOrphanedObjects(ctx context.Context) error {
	if c.store == nil {
		return nil // No object store to check against.
	}

	// This runs without a lock initially to read from the DB. The lock is
	// acquired per-batch inside purgeKeyBatch during the write phase. This is
	// safe because WAL mode allows concurrent reads and writes.
	threshold := time.Now().Add(-c.orphanCleanupAge)
	rows, err := c.db.Query(`SELECT path FROM cache_index WHERE mod_time < ?`, threshold)
	if err != nil {
		return err
	}
	defer rows.Close()

	var keys []string
	var paths []string
	purged := 0

	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			log.Printf("[CACHE] error scanning path: %v", err)
			continue
		}

		key, ok := c.KeyForPath(path)
		if !ok {
			log.Printf("[CACHE] suspicious cache path, skipping orphan check: %s", path)
			continue
		}

		keys = append(keys, key)
		paths = append(paths, path)

		if len(keys) >= PurgeBatchSize {
			purged += c.purgeKeyBatch(ctx, keys, paths)
			keys = make([]string, 0, PurgeBatchSize)
			paths = make([]string, 0, PurgeBatchSize)
		}
	}

	if len(keys) > 0 {
		purged += c.purgeKeyBatch(ctx, keys, paths)
	}

	if purged > 0 {
		log.Printf("[CACHE] removed %d orphaned entries\n", purged)
	}

	return nil
}

func (c *Cache) purgeKeyBatch(ctx context.Context, keys []string, paths []string) int {
	// Phase 1: Check against the object store (slow network calls, no lock needed).
	var pathsToDelete []string
	for i, key := range keys {
		exists, err := c.store.Exists(ctx, key)
		if err != nil {
			log.Printf("[CACHE] error checking object store for %s: %v", key, err)
			continue // Keep the entry when in doubt.
		}
		if !exists {
			pathsToDelete = append(pathsToDelete, paths[i])
		}
	}

	if len(pathsToDelete) == 0 {
		return 0
	}

	// Phase 2: Perform local filesystem and DB modifications under a lock.
	c.mu.Lock()
	defer c.mu.Unlock()

	dataDir := filepath.Join(c.basePath, DataDir)
	var successfullyRemovedPaths []string

	// Delete files from filesystem first.
	for _, path := range pathsToDelete {
		if err := os.Remove(path); err == nil || os.IsNotExist(err) {
			successfullyRemovedPaths = append(successfullyRemovedPaths, path)
			if err == nil {
				removeEmptyParents(path, dataDir)
			}
		} else {
			log.Printf("[CACHE] error removing cached file %s: %v\n", path, err)
		}
	}

	if len(successfullyRemovedPaths) == 0 {
		return 0
	}

	// Batch delete from the SQLite index inside a transaction.
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("[CACHE] error beginning transaction: %v\n", err)
		return 0
	}
	defer tx.Rollback() // Rollback if not committed

	query := `DELETE FROM cache_index WHERE path IN (?` + strings.Repeat(",?", len(successfullyRemovedPaths)-1) + `)`
	args := make([]interface{}, len(successfullyRemovedPaths))
	for i, p := range successfullyRemovedPaths {
		args[i] = p
	}

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		log.Printf("[CACHE] error batch deleting from index: %v\n", err)
		return 0
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[CACHE] error committing transaction: %v\n", err)
		return 0
	}

	rowsAffected, _ := result.RowsAffected()
	return int(rowsAffected)
}

func (c *Cache) RemoveStaleDBEntries(ctx context.Context) error {
	// Phase 1: Get all indexed paths without holding the main lock.
	// This is safe due to SQLite's WAL mode allowing concurrent reads.
	rows, err := c.db.QueryContext(ctx, `SELECT path FROM cache_index`)
	if err != nil {
		return fmt.Errorf("failed to query cache_index: %w", err)
	}
	defer rows.Close()

	var allPaths []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			log.Printf("[CACHE] error scanning path during stale check: %v\n", err)
			continue
		}
		allPaths = append(allPaths, path)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating indexed paths: %w", err)
	}

	// Phase 2: Check which files are missing from the filesystem (slow I/O, no lock).
	var stalePaths []string
	for _, path := range allPaths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			stalePaths = append(stalePaths, path)
		}
	}

	if len(stalePaths) == 0 {
		return nil // Nothing to do.
	}

	// Phase 3: Remove stale entries from the index in a single batch (write, short lock).
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for stale entry removal: %w", err)
	}
	defer tx.Rollback()

	// Use the same batch delete pattern as other purge functions.
	query := `DELETE FROM cache_index WHERE path IN (?` + strings.Repeat(",?", len(stalePaths)-1) + `)`
	args := make([]interface{}, len(stalePaths))
	for i, p := range stalePaths {
		args[i] = p
	}

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to batch delete stale entries from index: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit stale entry deletions: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	log.Printf("[CACHE] removed %d stale entries from index\n", rowsAffected)
	return nil
}

// PathForKey maps a storage key like att/<hash> to its on-disk location.
// The hash is fanned out into two directory levels to keep directories small.
func (c *Cache) PathForKey(key string) string {
	prefix := filepath.Dir(key)
	hash := filepath.Base(key)
	if prefix == "." || prefix == "/" || len(hash) < 8 {
		// Not in the expected <kind>/<hash> form, store flat.
		return filepath.Join(c.basePath, DataDir, filepath.Base(key))
	}
	return filepath.Join(c.basePath, DataDir, prefix, hash[:2], hash[2:4], hash[4:])
}

// KeyForPath reverses PathForKey for entries in the fanned-out layout.
func (c *Cache) KeyForPath(path string) (string, bool) {
	dataDir := filepath.Join(c.basePath, DataDir)
	rel, err := filepath.Rel(dataDir, path)
	if err != nil {
		return "", false
	}
	parts := strings.Split(rel, string(filepath.Separator))
	// Expected: <kind>/<h[:2]>/<h[2:4]>/<h[4:]>
	if len(parts) != 4 || len(parts[1]) != 2 || len(parts[2]) != 2 {
		return "", false
	}
	hash := parts[1] + parts[2] + parts[3]
	if len(hash) < 32 || len(hash) > 128 {
		return "", false
	}
	return parts[0] + "/" + hash, true
}

// isDirNotEmptyError checks if an error is due to a directory not being empty.
// This is OS-dependent.
func isDirNotEmptyError(err error) bool {
	// syscall.ENOTEMPTY is common on POSIX systems.
	return errors.Is(err, syscall.ENOTEMPTY)
}

// CacheMetrics holds cache hit/miss metrics
type CacheMetrics struct {
	Hits      int64     `json:"hits"`
	Misses    int64     `json:"misses"`
	HitRate   float64   `json:"hit_rate"`
	TotalOps  int64     `json:"total_ops"`
	StartTime time.Time `json:"start_time"`
	Uptime    string    `json:"uptime"`
}

// GetStats returns the current object count and total size of the cache.
func (c *Cache) GetStats() (objectCount int64, totalSize int64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	row := c.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM cache_index`)
	if err := row.Scan(&objectCount, &totalSize); err != nil {
		return 0, 0, fmt.Errorf("failed to query cache statistics: %w", err)
	}
	return objectCount, totalSize, nil
}

// GetMetrics returns current cache hit/miss metrics
func (c *Cache) GetMetrics() *CacheMetrics {
	hits := atomic.LoadInt64(&c.cacheHits)
	misses := atomic.LoadInt64(&c.cacheMisses)
	totalOps := hits + misses

	var hitRate float64
	if totalOps > 0 {
		hitRate = float64(hits) / float64(totalOps) * 100
	}

	uptime := time.Since(c.startTime)

	return &CacheMetrics{
		Hits:      hits,
		Misses:    misses,
		HitRate:   hitRate,
		TotalOps:  totalOps,
		StartTime: c.startTime,
		Uptime:    uptime.String(),
	}
}

// ResetMetrics resets the hit/miss counters (useful for testing or periodic resets)
func (c *Cache) ResetMetrics() {
	atomic.StoreInt64(&c.cacheHits, 0)
	atomic.StoreInt64(&c.cacheMisses, 0)
	c.startTime = time.Now()
}

// PurgeAll removes all cached objects and clears the cache index
func (c *Cache) PurgeAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	log.Println("[CACHE] purging all cached objects and clearing index")

	// Atomically and efficiently remove the entire data directory.
	dataDir := filepath.Join(c.basePath, DataDir)
	if err := os.RemoveAll(dataDir); err != nil {
		// If removal fails, we should not proceed to clear the index.
		return fmt.Errorf("failed to remove cache data directory %s: %w", dataDir, err)
	}

	// Recreate the data directory for future use.
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to recreate cache data directory %s: %w", dataDir, err)
	}

	// Clear the cache index in a single operation.
	if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_index`); err != nil {
		return fmt.Errorf("failed to clear cache index: %w", err)
	}

	log.Println("[CACHE] purge complete")
	return nil
}
