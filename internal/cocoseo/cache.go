package cocoseo

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var errTooLarge = errors.New("document exceeds the RAM cache budget")

// DocumentCache keeps rendered sitemap documents in a RAM LRU backed by an
// optional LevelDB store. Writes reach both tiers before returning.
type DocumentCache struct {
	ram  *ramCache
	disk *diskCache
	now  func() time.Time
}

// NewDocumentCache opens the cache. An empty diskPath keeps documents in RAM
// only.
func NewDocumentCache(ramMax int64, diskPath string, diskMax int64, evictLog *rateLimitedLogger, now func() time.Time) (*DocumentCache, error) {
	if now == nil {
		now = time.Now
	}
	c := &DocumentCache{ram: newRAMCache(ramMax, evictLog), now: now}
	if diskPath != "" {
		d, err := newDiskCache(diskPath, diskMax)
		if err != nil {
			return nil, fmt.Errorf("open disk cache %s: %w", diskPath, err)
		}
		c.disk = d
	}
	return c, nil
}

func (c *DocumentCache) Close() error {
	if c.disk == nil {
		return nil
	}
	return c.disk.close()
}

// Get returns the unexpired document stored under key.
func (c *DocumentCache) Get(key string) (CacheEntry, bool) {
	now := c.now()
	if ent, ok := c.ram.Get(key); ok {
		if !ent.expired(now) {
			return ent, true
		}
		c.Invalidate(key)
		return CacheEntry{}, false
	}
	if c.disk == nil {
		return CacheEntry{}, false
	}
	ent, ok := c.disk.Get(key)
	if !ok {
		return CacheEntry{}, false
	}
	if ent.expired(now) {
		c.disk.Delete(key)
		return CacheEntry{}, false
	}
	c.ram.Put(key, ent)
	return ent, true
}

// Put replaces the document under key. A ttl of zero never expires. The
// returned entry is valid even when err reports a failed disk write.
func (c *DocumentCache) Put(key string, body []byte, ttl time.Duration) (CacheEntry, error) {
	now := c.now()
	ent := CacheEntry{
		Body:        body,
		GeneratedAt: now.Unix(),
		Hash32:      crc32.ChecksumIEEE(body),
	}
	if ttl > 0 {
		ent.ExpiresAt = now.Add(ttl).UnixNano()
	}

	inRAM := c.ram.Put(key, ent)
	if c.disk == nil {
		if !inRAM {
			return ent, fmt.Errorf("cache %s: %w", key, errTooLarge)
		}
		return ent, nil
	}
	if err := c.disk.Put(key, ent); err != nil {
		return ent, fmt.Errorf("persist %s: %w", key, err)
	}
	return ent, nil
}

func (c *DocumentCache) Invalidate(keys ...string) {
	for _, k := range keys {
		c.ram.Delete(k)
		if c.disk != nil {
			c.disk.Delete(k)
		}
	}
}

func (c *DocumentCache) InvalidateAll() {
	c.ram.Clear()
	if c.disk != nil {
		c.disk.Clear()
	}
}

// Keys lists every stored key across both tiers, sorted.
func (c *DocumentCache) Keys() []string {
	m := map[string]struct{}{}
	for _, k := range c.ram.Keys() {
		m[k] = struct{}{}
	}
	if c.disk != nil {
		for _, k := range c.disk.Keys() {
			m[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (c *DocumentCache) ramSize() int64 { return c.ram.TotalSize() }

func (c *DocumentCache) diskSize() int64 {
	if c.disk == nil {
		return 0
	}
	return c.disk.TotalSize()
}

// ---- disk tier ----

type diskMeta struct {
	Size       int64
	LastAccess int64
}

type diskCache struct {
	maxBytes int64

	db *leveldb.DB

	mu        sync.Mutex
	index     map[string]diskMeta
	totalSize int64
}

func newDiskCache(path string, maxBytes int64) (*diskCache, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	d := &diskCache{maxBytes: maxBytes, db: db, index: map[string]diskMeta{}}
	if err := d.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *diskCache) close() error {
	return d.db.Close()
}

func entryKey(key string) []byte { return []byte("e:" + key) }
func metaKey(key string) []byte  { return []byte("m:" + key) }

func (d *diskCache) loadIndex() error {
	it := d.db.NewIterator(util.BytesPrefix([]byte("m:")), nil)
	defer it.Release()

	var total int64
	idx := map[string]diskMeta{}
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), []byte("m:")))
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[key] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return err
	}
	d.mu.Lock()
	d.index = idx
	d.totalSize = total
	d.mu.Unlock()
	return nil
}

func (d *diskCache) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

func (d *diskCache) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.index))
	for k := range d.index {
		out = append(out, k)
	}
	return out
}

func (d *diskCache) Get(key string) (CacheEntry, bool) {
	b, err := d.db.Get(entryKey(key), nil)
	if err != nil {
		return CacheEntry{}, false
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false
	}
	d.mu.Lock()
	if meta, ok := d.index[key]; ok {
		meta.LastAccess = time.Now().Unix()
		d.index[key] = meta
	}
	d.mu.Unlock()
	return ent, true
}

func (d *diskCache) Put(key string, ent CacheEntry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	meta := diskMeta{Size: int64(len(b)), LastAccess: time.Now().Unix()}
	mb, err := encodeGob(meta)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put(entryKey(key), b)
	batch.Put(metaKey(key), mb)

	d.mu.Lock()
	if err := d.db.Write(batch, nil); err != nil {
		d.mu.Unlock()
		return err
	}
	d.totalSize += meta.Size - d.index[key].Size
	d.index[key] = meta
	over := d.maxBytes > 0 && d.totalSize > d.maxBytes
	d.mu.Unlock()

	if over {
		d.evictSome(key)
	}
	return nil
}

func (d *diskCache) Delete(key string) {
	batch := new(leveldb.Batch)
	batch.Delete(entryKey(key))
	batch.Delete(metaKey(key))

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.db.Write(batch, nil); err != nil {
		return
	}
	if meta, ok := d.index[key]; ok {
		d.totalSize -= meta.Size
		delete(d.index, key)
	}
}

func (d *diskCache) Clear() {
	for _, k := range d.Keys() {
		d.Delete(k)
	}
}

// evictSome drops the least recently accessed tenth of the entries, sparing
// keep.
func (d *diskCache) evictSome(keep string) {
	type item struct {
		key string
		m   diskMeta
	}
	d.mu.Lock()
	items := make([]item, 0, len(d.index))
	for k, m := range d.index {
		if k != keep {
			items = append(items, item{k, m})
		}
	}
	d.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].m.LastAccess < items[j].m.LastAccess
	})

	n := max(len(items)/10, 1)
	for i := 0; i < n && i < len(items); i++ {
		d.Delete(items[i].key)
	}
}

// ---- ram tier ----

type ramItem struct {
	key  string
	ent  CacheEntry
	size int64
	prev *ramItem
	next *ramItem
}

type ramCache struct {
	maxBytes int64
	evictLog *rateLimitedLogger

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

func newRAMCache(maxBytes int64, evictLog *rateLimitedLogger) *ramCache {
	return &ramCache{maxBytes: maxBytes, evictLog: evictLog, items: map[string]*ramItem{}}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.items))
	for k := range c.items {
		out = append(out, k)
	}
	return out
}

func (c *ramCache) Get(key string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return CacheEntry{}, false
	}
	c.moveToFront(it)
	return it.ent, true
}

func (c *ramCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		c.removeLocked(it)
	}
}

func (c *ramCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = map[string]*ramItem{}
	c.head, c.tail = nil, nil
	c.total = 0
}

// Put stores ent and reports whether it fit within the budget.
func (c *ramCache) Put(key string, ent CacheEntry) bool {
	sz := int64(len(ent.Body)) + 64

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.items[key]; ok {
		c.removeLocked(old)
	}
	if c.maxBytes > 0 && sz > c.maxBytes {
		return false
	}

	evicted := 0
	for c.maxBytes > 0 && c.total+sz > c.maxBytes && c.tail != nil {
		c.removeLocked(c.tail)
		evicted++
	}
	if evicted > 0 && c.evictLog != nil {
		c.evictLog.Warn("RAM cache over budget, evicted documents", "evicted", evicted)
	}

	it := &ramItem{key: key, ent: ent, size: sz}
	c.items[key] = it
	c.addToFront(it)
	c.total += sz
	return true
}

func (c *ramCache) removeLocked(it *ramItem) {
	c.unlink(it)
	delete(c.items, it.key)
	c.total -= it.size
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) unlink(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.unlink(it)
	c.addToFront(it)
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
