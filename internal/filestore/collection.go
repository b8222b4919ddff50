package filestore

import (
	"fmt"
	"os"
	"sync"

	"neko/internal/jsonx"
)

// CollectionConfig configures a Collection.
type CollectionConfig struct {
	FilePath string      // empty = in-memory only
	Perm     os.FileMode // file permissions; default 0o600
	Name     string      // for error messages
}

// Collection is a generic in-memory map backed by a single JSON file.
// Every mutation rewrites the file atomically.
type Collection[K comparable, V any] struct {
	mu       sync.RWMutex
	items    map[K]V
	filePath string
	perm     os.FileMode
	name     string
}

// NewCollection creates a new Collection. Call Load to populate from disk.
func NewCollection[K comparable, V any](cfg CollectionConfig) *Collection[K, V] {
	perm := cfg.Perm
	if perm == 0 {
		perm = 0o600
	}
	return &Collection[K, V]{
		items:    make(map[K]V),
		filePath: cfg.FilePath,
		perm:     perm,
		name:     cfg.Name,
	}
}

// Load reads the backing file into the in-memory map. A missing file is not
// an error; an unparseable one is, and leaves the map untouched.
func (c *Collection[K, V]) Load() error {
	if c.filePath == "" {
		return nil
	}
	data, err := ReadFileOrEmpty(c.filePath)
	if err != nil {
		return fmt.Errorf("%s: read: %w", c.name, err)
	}
	if len(data) == 0 {
		return nil
	}

	var m map[K]V
	if err := jsonx.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("%s: decode %s: %w", c.name, c.filePath, err)
	}
	if m == nil {
		m = make(map[K]V)
	}

	c.mu.Lock()
	c.items = m
	c.mu.Unlock()
	return nil
}

// Get returns the value for key and whether it exists.
func (c *Collection[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key]
	return v, ok
}

// Put sets a key-value pair and persists.
func (c *Collection[K, V]) Put(key K, value V) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = value
	return c.persistLocked()
}

// Delete removes a key and persists.
func (c *Collection[K, V]) Delete(key K) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return c.persistLocked()
}

// Len returns the number of items.
func (c *Collection[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Snapshot returns a shallow copy of the in-memory map.
func (c *Collection[K, V]) Snapshot() map[K]V {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := make(map[K]V, len(c.items))
	for k, v := range c.items {
		snap[k] = v
	}
	return snap
}

// Mutate gives fn exclusive access to the live map, then persists.
// If fn returns an error the map is restored and nothing is written.
func (c *Collection[K, V]) Mutate(fn func(items map[K]V) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := make(map[K]V, len(c.items))
	for k, v := range c.items {
		snapshot[k] = v
	}
	if err := fn(c.items); err != nil {
		c.items = snapshot
		return err
	}
	return c.persistLocked()
}

func (c *Collection[K, V]) persistLocked() error {
	if c.filePath == "" {
		return nil
	}
	data, err := MarshalJSONIndent(c.items)
	if err != nil {
		return fmt.Errorf("%s: %w", c.name, err)
	}
	return AtomicWrite(c.filePath, data, c.perm)
}
