package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lukechampine.com/blake3"
)

// mockObjectStore is a mock object store for orphan cleanup testing.
type mockObjectStore struct {
	mu           sync.Mutex
	existingKeys map[string]bool
}

func newMockObjectStore() *mockObjectStore {
	return &mockObjectStore{
		existingKeys: make(map[string]bool),
	}
}

func (m *mockObjectStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.existingKeys[key], nil
}

func (m *mockObjectStore) SetExistingKeys(keys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.existingKeys = make(map[string]bool)
	for _, k := range keys {
		m.existingKeys[k] = true
	}
}

// newTestCache is a test helper to create a cache instance in a temporary directory.
func newTestCache(t *testing.T, capacity int64, maxObjectSize int64) (*Cache, *mockObjectStore) {
	t.Helper()
	basePath := t.TempDir()
	store := newMockObjectStore()

	// Use short intervals for testing purge loops
	purgeInterval := 100 * time.Millisecond
	orphanCleanupAge := 1 * time.Second

	c, err := New(basePath, capacity, maxObjectSize, purgeInterval, orphanCleanupAge, store)
	require.NoError(t, err)

	t.Cleanup(func() {
		err := c.Close()
		assert.NoError(t, err)
	})

	return c, store
}

// randomDataAndKey generates random data and its att/<hash> storage key.
func randomDataAndKey(t *testing.T, size int) ([]byte, string) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	hash := blake3.Sum256(data)
	return data, "att/" + hex.EncodeToString(hash[:])
}

func TestNewCache(t *testing.T) {
	t.Run("successful creation", func(t *testing.T) {
		c, _ := newTestCache(t, 1024, 512)
		assert.NotNil(t, c)
		assert.NotNil(t, c.db)
		assert.DirExists(t, filepath.Join(c.basePath, DataDir))
		assert.FileExists(t, filepath.Join(c.basePath, IndexDB))
	})

	t.Run("empty base path", func(t *testing.T) {
		_, err := New("", 1024, 512, time.Minute, time.Hour, nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "cache base path cannot be empty")
	})
}

func TestPutGetExistsDelete(t *testing.T) {
	c, _ := newTestCache(t, 1024, 512)
	data, key := randomDataAndKey(t, 100)

	// 1. Get non-existent
	_, err := c.Get(key)
	assert.Error(t, err)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, int64(1), c.cacheMisses)

	// 2. Put
	err = c.Put(key, data)
	require.NoError(t, err)

	// 3. Get existent
	retrievedData, err := c.Get(key)
	require.NoError(t, err)
	assert.Equal(t, data, retrievedData)
	assert.Equal(t, int64(1), c.cacheHits)

	// 4. Exists
	exists, err := c.Exists(key)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, int64(2), c.cacheHits) // Exists also counts as a hit

	// 5. Delete
	err = c.Delete(key)
	require.NoError(t, err)

	// 6. Verify deleted
	exists, err = c.Exists(key)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, int64(2), c.cacheMisses) // Exists on non-existent is a miss

	_, err = c.Get(key)
	assert.Error(t, err)
}

func TestDelete_RemovesEmptyParents(t *testing.T) {
	c, _ := newTestCache(t, 1024, 512)

	// Use a crafted key to ensure a predictable directory structure.
	key := "att/aabb111111111111111111111111111111111111111111111111111111111111"
	data, _ := randomDataAndKey(t, 10)

	// Put a file, which creates parent directories.
	require.NoError(t, c.Put(key, data))
	path := c.PathForKey(key)

	// Delete the file.
	require.NoError(t, c.Delete(key))

	// The file's direct parent and its parent should be removed.
	dirLevel2 := filepath.Dir(path)
	dirLevel1 := filepath.Dir(dirLevel2)
	_, err := os.Stat(dirLevel1)
	assert.True(t, os.IsNotExist(err), "empty parent directories should be removed")
}

func TestPut_ObjectTooLarge(t *testing.T) {
	c, _ := newTestCache(t, 1024, 100)
	data, key := randomDataAndKey(t, 101)

	err := c.Put(key, data)
	assert.Error(t, err)
	assert.ErrorIs(t, err, ErrObjectTooLarge)
	assert.Contains(t, err.Error(), "exceeds limit")
}

func TestConcurrentPut(t *testing.T) {
	c, _ := newTestCache(t, 1024, 512)
	data, key := randomDataAndKey(t, 100)

	var wg sync.WaitGroup
	numGoroutines := 10
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			err := c.Put(key, data)
			// It's okay if some Puts fail with "file exists" during the rename, as the code handles this.
			// We just want to ensure no other errors occur.
			if err != nil {
				assert.Contains(t, err.Error(), "file exists")
			}
		}()
	}
	wg.Wait()

	// Verify the file is in the cache
	exists, err := c.Exists(key)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestPurgeIfNeeded(t *testing.T) {
	c, _ := newTestCache(t, 100, 50)
	ctx := context.Background()

	// Put two items, filling the cache
	data1, key1 := randomDataAndKey(t, 50)
	require.NoError(t, c.Put(key1, data1))
	time.Sleep(10 * time.Millisecond) // Ensure different mod_time

	data2, key2 := randomDataAndKey(t, 50)
	require.NoError(t, c.Put(key2, data2))

	// Cache is full, but not over capacity. Nothing should be purged.
	require.NoError(t, c.PurgeIfNeeded(ctx))
	exists, _ := c.Exists(key1)
	assert.True(t, exists)
	exists, _ = c.Exists(key2)
	assert.True(t, exists)

	// Put a third item, exceeding capacity
	data3, key3 := randomDataAndKey(t, 20)
	require.NoError(t, c.Put(key3, data3))

	// Now purge should run and remove the oldest item (key1)
	require.NoError(t, c.PurgeIfNeeded(ctx))

	// Verify key1 is gone, and others remain
	exists, _ = c.Exists(key1)
	assert.False(t, exists)
	exists, _ = c.Exists(key2)
	assert.True(t, exists)
	exists, _ = c.Exists(key3)
	assert.True(t, exists)
}

func TestPurgeIfNeeded_UpdateRecency(t *testing.T) {
	c, _ := newTestCache(t, 100, 50)
	ctx := context.Background()

	data1, key1 := randomDataAndKey(t, 50)
	data2, key2 := randomDataAndKey(t, 50)
	data3, key3 := randomDataAndKey(t, 20)

	// 1. Put key1, then key2. key1 is now the oldest.
	require.NoError(t, c.Put(key1, data1))
	time.Sleep(20 * time.Millisecond) // Ensure mod_time is different
	require.NoError(t, c.Put(key2, data2))
	time.Sleep(20 * time.Millisecond)

	// 2. Update key1 by putting it again. This should make it the newest of the first two.
	require.NoError(t, c.Put(key1, data1))

	// 3. Put key3, which will exceed capacity and should trigger a purge of the oldest item.
	require.NoError(t, c.Put(key3, data3))
	require.NoError(t, c.PurgeIfNeeded(ctx))

	// 4. Verify that key2 (now the oldest) was purged, not key1.
	assert.False(t, fileExists(c, key2), "key2 should be purged as it's the oldest")
	assert.True(t, fileExists(c, key1), "key1 should exist because it was updated")
	assert.True(t, fileExists(c, key3), "key3 should exist")
}

func TestPurgeOrphanedObjects(t *testing.T) {
	c, store := newTestCache(t, 1024, 512)
	c.orphanCleanupAge = 0 // Consider anything for cleanup
	ctx := context.Background()

	// Put 3 items in the cache
	data1, key1 := randomDataAndKey(t, 10) // Will be kept
	data2, key2 := randomDataAndKey(t, 10) // Will be orphaned
	data3, key3 := randomDataAndKey(t, 10) // Will be orphaned

	require.NoError(t, c.Put(key1, data1))
	require.NoError(t, c.Put(key2, data2))
	require.NoError(t, c.Put(key3, data3))

	// The object store only knows about key1
	store.SetExistingKeys(key1)

	// Run the orphan purge
	err := c.PurgeOrphanedObjects(ctx)
	require.NoError(t, err)

	// Verify that only the non-orphaned file remains
	exists, _ := c.Exists(key1)
	assert.True(t, exists, "key1 should exist")

	exists, _ = c.Exists(key2)
	assert.False(t, exists, "key2 should be purged")

	exists, _ = c.Exists(key3)
	assert.False(t, exists, "key3 should be purged")
}

func TestPurgeOrphanedObjects_WithAge(t *testing.T) {
	c, store := newTestCache(t, 1024, 512)
	ctx := context.Background()

	// Set a specific cleanup age
	c.orphanCleanupAge = 2 * time.Second

	// 1. Put an item that will be an old orphan
	dataOldOrphan, keyOldOrphan := randomDataAndKey(t, 10)
	require.NoError(t, c.Put(keyOldOrphan, dataOldOrphan))

	// 2. Put an item that will be old but still present in the object store
	dataOldKept, keyOldKept := randomDataAndKey(t, 10)
	require.NoError(t, c.Put(keyOldKept, dataOldKept))

	// 3. Wait for the orphan age to pass
	time.Sleep(3 * time.Second)

	// 4. Put an item that will be a new orphan (too new to be checked)
	dataNewOrphan, keyNewOrphan := randomDataAndKey(t, 10)
	require.NoError(t, c.Put(keyNewOrphan, dataNewOrphan))

	// 5. The object store only knows about the "kept" key
	store.SetExistingKeys(keyOldKept)

	// 6. Run the orphan purge
	require.NoError(t, c.PurgeOrphanedObjects(ctx))

	// 7. Verify results
	assert.False(t, fileExists(c, keyOldOrphan), "old orphan should be purged")
	assert.True(t, fileExists(c, keyOldKept), "old but known item should be kept")
	assert.True(t, fileExists(c, keyNewOrphan), "new orphan should not be purged yet")
}

func TestPurgeOrphanedObjects_NoStore(t *testing.T) {
	basePath := t.TempDir()
	c, err := New(basePath, 1024, 512, time.Minute, 0, nil)
	require.NoError(t, err)
	defer c.Close()

	data, key := randomDataAndKey(t, 10)
	require.NoError(t, c.Put(key, data))

	// Without an object store, orphan cleanup is a no-op.
	require.NoError(t, c.PurgeOrphanedObjects(context.Background()))
	assert.True(t, fileExists(c, key))
}

func TestSyncFromDiskAndStaleEntries(t *testing.T) {
	c, _ := newTestCache(t, 1024, 512)
	ctx := context.Background()

	// Manually create a file in the cache directory
	data, key := randomDataAndKey(t, 50)
	path := c.PathForKey(key)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))

	// At this point, the file is on disk but not in the index
	exists, _ := c.Exists(key)
	assert.False(t, exists)

	// Run sync
	require.NoError(t, c.SyncFromDisk())

	// Now it should exist in the index
	exists, _ = c.Exists(key)
	assert.True(t, exists)

	// Now, test stale entry removal. Add a fake entry to the index.
	_, err := c.db.Exec(`INSERT INTO cache_index (path, size, mod_time) VALUES (?, ?, ?)`, "fake/path", 123, time.Now())
	require.NoError(t, err)

	// Run RemoveStaleDBEntries (which is also called by SyncFromDisk)
	require.NoError(t, c.RemoveStaleDBEntries(ctx))

	// Verify the fake entry is gone
	var count int
	err = c.db.QueryRow(`SELECT COUNT(*) FROM cache_index WHERE path = ?`, "fake/path").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestPurgeAll(t *testing.T) {
	c, _ := newTestCache(t, 1024, 512)
	ctx := context.Background()

	// Add some files
	data1, key1 := randomDataAndKey(t, 50)
	require.NoError(t, c.Put(key1, data1))
	data2, key2 := randomDataAndKey(t, 50)
	require.NoError(t, c.Put(key2, data2))

	objectCount, _, err := c.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), objectCount)

	// Purge all
	require.NoError(t, c.PurgeAll(ctx))

	// Verify cache is empty
	objectCount, totalSize, err := c.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(0), objectCount)
	assert.Equal(t, int64(0), totalSize)

	// Verify data directory is empty
	dataDir := filepath.Join(c.basePath, DataDir)
	entries, err := os.ReadDir(dataDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPathForKey(t *testing.T) {
	c, _ := newTestCache(t, 1024, 1024)
	basePath := c.basePath

	tests := []struct {
		name string
		key  string
		want string
	}{
		{
			name: "attachment key",
			key:  "att/abcdef1234567890",
			want: filepath.Join(basePath, DataDir, "att", "ab", "cd", "ef1234567890"),
		},
		{
			name: "message key",
			key:  "msg/abcdef1234567890",
			want: filepath.Join(basePath, DataDir, "msg", "ab", "cd", "ef1234567890"),
		},
		{
			name: "bare key stored flat",
			key:  "abcdef1234567890",
			want: filepath.Join(basePath, DataDir, "abcdef1234567890"),
		},
		{
			name: "short hash stored flat",
			key:  "att/abc",
			want: filepath.Join(basePath, DataDir, "abc"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.PathForKey(tt.key)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKeyForPath(t *testing.T) {
	c, _ := newTestCache(t, 1024, 1024)

	key := "att/aabbccdd11223344556677889900aabbccdd11223344556677889900aabbccdd"
	path := c.PathForKey(key)

	roundTripped, ok := c.KeyForPath(path)
	require.True(t, ok)
	assert.Equal(t, key, roundTripped)

	// Paths outside the fanned-out layout are rejected.
	_, ok = c.KeyForPath(filepath.Join(c.basePath, DataDir, "flatfile"))
	assert.False(t, ok)

	_, ok = c.KeyForPath(filepath.Join(c.basePath, DataDir, "att", "ab", "cd", "tooshort"))
	assert.False(t, ok)
}

func TestGetMetrics(t *testing.T) {
	c, _ := newTestCache(t, 1024, 512)
	data, key := randomDataAndKey(t, 50)

	require.NoError(t, c.Put(key, data))

	// One hit, one miss.
	_, _ = c.Get(key)
	_, _ = c.Get("att/missingmissingmissingmissingmiss")

	m := c.GetMetrics()
	assert.Equal(t, int64(1), m.Hits)
	assert.Equal(t, int64(1), m.Misses)
	assert.Equal(t, int64(2), m.TotalOps)
	assert.InDelta(t, 50.0, m.HitRate, 0.01)

	c.ResetMetrics()
	m = c.GetMetrics()
	assert.Equal(t, int64(0), m.Hits)
	assert.Equal(t, int64(0), m.Misses)
}

func TestGet_FileOnDiskNotInIndex(t *testing.T) {
	c, _ := newTestCache(t, 1024, 512)

	// Manually create a file in the cache directory
	data, key := randomDataAndKey(t, 50)
	path := c.PathForKey(key)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))

	// At this point, the file is on disk but not in the index.
	// Exists() should fail.
	exists, err := c.Exists(key)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, int64(1), c.cacheMisses)

	// Get() should succeed because it reads directly from the filesystem.
	retrievedData, err := c.Get(key)
	require.NoError(t, err)
	assert.Equal(t, data, retrievedData)
	assert.Equal(t, int64(1), c.cacheHits) // Get() increments hits
}

// fileExists is a helper to check for file existence without affecting cache metrics.
func fileExists(c *Cache, key string) bool {
	_, err := os.Stat(c.PathForKey(key))
	return err == nil
}
