package cocoseo

import (
	"bytes"
	"hash/crc32"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time { return c.t }

func newTestCache(t *testing.T, ramMax int64, diskPath string, diskMax int64, clock *testClock) *DocumentCache {
	t.Helper()
	c, err := NewDocumentCache(ramMax, diskPath, diskMax, newRateLimitedLogger(zaptest.NewLogger(t), time.Minute), clock.Now)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCacheRoundTrip(t *testing.T) {
	clock := &testClock{t: testNow}
	c := newTestCache(t, 1<<20, "", 0, clock)

	body := []byte("<urlset/>")
	put, err := c.Put("post", body, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, crc32.ChecksumIEEE(body), put.Hash32)
	assert.Equal(t, testNow.Unix(), put.GeneratedAt)

	got, ok := c.Get("post")
	require.True(t, ok)
	assert.Equal(t, body, got.Body)
	assert.Equal(t, []string{"post"}, c.Keys())

	_, ok = c.Get("page")
	assert.False(t, ok)
}

func TestCacheExpiry(t *testing.T) {
	clock := &testClock{t: testNow}
	c := newTestCache(t, 1<<20, filepath.Join(t.TempDir(), "cache"), 1<<20, clock)

	_, err := c.Put("post", []byte("a"), time.Hour)
	require.NoError(t, err)
	_, err = c.Put("index", []byte("b"), 0)
	require.NoError(t, err)

	clock.t = testNow.Add(59 * time.Minute)
	_, ok := c.Get("post")
	assert.True(t, ok)

	clock.t = testNow.Add(time.Hour)
	_, ok = c.Get("post")
	assert.False(t, ok, "entry is absent once its ttl has elapsed")
	assert.Equal(t, []string{"index"}, c.Keys())

	clock.t = testNow.Add(1000 * time.Hour)
	_, ok = c.Get("index")
	assert.True(t, ok, "zero ttl never expires")
}

func TestCacheInvalidate(t *testing.T) {
	clock := &testClock{t: testNow}
	c := newTestCache(t, 1<<20, filepath.Join(t.TempDir(), "cache"), 1<<20, clock)

	for _, k := range []string{"index", "post", "page"} {
		_, err := c.Put(k, []byte(k), time.Hour)
		require.NoError(t, err)
	}

	c.Invalidate("post", "index")
	assert.Equal(t, []string{"page"}, c.Keys())
	_, ok := c.Get("post")
	assert.False(t, ok)

	c.InvalidateAll()
	assert.Empty(t, c.Keys())
	assert.Zero(t, c.ramSize())
	assert.Zero(t, c.diskSize())
}

func TestCachePersistsAcrossReopen(t *testing.T) {
	clock := &testClock{t: testNow}
	dir := filepath.Join(t.TempDir(), "cache")

	c, err := NewDocumentCache(1<<20, dir, 1<<20, nil, clock.Now)
	require.NoError(t, err)
	_, err = c.Put("post", []byte("persisted"), time.Hour)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c = newTestCache(t, 1<<20, dir, 1<<20, clock)
	got, ok := c.Get("post")
	require.True(t, ok)
	assert.Equal(t, []byte("persisted"), got.Body)
	assert.Positive(t, c.ramSize(), "disk hit is promoted to RAM")
}

func TestCacheTooLargeForRAM(t *testing.T) {
	clock := &testClock{t: testNow}
	big := bytes.Repeat([]byte("x"), 200)

	t.Run("ram only", func(t *testing.T) {
		c := newTestCache(t, 100, "", 0, clock)
		_, err := c.Put("post", big, time.Hour)
		require.ErrorIs(t, err, errTooLarge)
		_, ok := c.Get("post")
		assert.False(t, ok)
	})

	t.Run("with disk", func(t *testing.T) {
		c := newTestCache(t, 100, filepath.Join(t.TempDir(), "cache"), 1<<20, clock)
		_, err := c.Put("post", big, time.Hour)
		require.NoError(t, err)
		got, ok := c.Get("post")
		require.True(t, ok)
		assert.Equal(t, big, got.Body)
	})
}

func TestRAMCacheEvictsLeastRecentlyUsed(t *testing.T) {
	clock := &testClock{t: testNow}
	// Each 36 byte body accounts for 100 bytes.
	c := newTestCache(t, 250, "", 0, clock)
	body := bytes.Repeat([]byte("x"), 36)

	_, err := c.Put("a", body, 0)
	require.NoError(t, err)
	_, err = c.Put("b", body, 0)
	require.NoError(t, err)
	_, ok := c.Get("a")
	require.True(t, ok)

	_, err = c.Put("c", body, 0)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "c"}, c.Keys())
	assert.Equal(t, int64(200), c.ramSize())
}

func TestDiskCacheIndexMatchesStoreUnderConcurrency(t *testing.T) {
	d, err := newDiskCache(filepath.Join(t.TempDir(), "cache"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.close() })

	keys := []string{"index", "post", "page"}
	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				key := keys[(w+i)%len(keys)]
				if (w+i)%2 == 0 {
					assert.NoError(t, d.Put(key, CacheEntry{Body: bytes.Repeat([]byte("x"), i)}))
				} else {
					d.Delete(key)
				}
			}
		}()
	}
	wg.Wait()

	var total int64
	for _, k := range keys {
		_, inStore := d.Get(k)
		d.mu.Lock()
		meta, inIndex := d.index[k]
		d.mu.Unlock()
		assert.Equal(t, inStore, inIndex, "key %s", k)
		total += meta.Size
	}
	assert.Equal(t, total, d.TotalSize())
}

func TestDiskCacheEvictionSparesNewestKey(t *testing.T) {
	d, err := newDiskCache(filepath.Join(t.TempDir(), "cache"), 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.close() })

	require.NoError(t, d.Put("a", CacheEntry{Body: []byte("first")}))
	require.NoError(t, d.Put("b", CacheEntry{Body: []byte("second")}))

	assert.Equal(t, []string{"b"}, d.Keys())
	_, ok := d.Get("a")
	assert.False(t, ok)
	got, ok := d.Get("b")
	require.True(t, ok)
	assert.Equal(t, []byte("second"), got.Body)
}
