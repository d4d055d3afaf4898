package hsmstream

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/stanford-rc/hsm-action-stream/internal"
)

// CacheStore persists the published-state cache as a single JSON object
// keyed by the string form of each primary key.
type CacheStore struct {
	// Path of the cache file.
	Path string
}

// NewCacheStore returns a new instance of CacheStore.
func NewCacheStore(path string) *CacheStore {
	return &CacheStore{Path: path}
}

// Load reads the cache file from disk. A missing or unreadable file
// yields an empty cache so the next cycle re-announces everything as
// NEW; at-least-once delivery makes that safe.
func (cs *CacheStore) Load() Cache {
	buf, err := os.ReadFile(cs.Path)
	if os.IsNotExist(err) {
		log.Printf("no cache file at %s, starting empty", cs.Path)
		return make(Cache)
	} else if err != nil {
		log.Printf("cannot read cache file, starting empty: %s", err)
		return make(Cache)
	}

	var raw map[string]*CacheEntry
	if err := json.Unmarshal(buf, &raw); err != nil {
		log.Printf("cannot parse cache file, starting empty: %s", err)
		return make(Cache)
	}

	cache := make(Cache, len(raw))
	for s, entry := range raw {
		key, err := ParseKey(s)
		if err != nil {
			log.Printf("dropping malformed cache key: %s", err)
			continue
		}
		cache[key] = entry
	}
	return cache
}

// Commit atomically replaces the cache file with the given cache.
// The file is written to a temporary name, fsynced, renamed into
// place, and the parent directory is synced.
func (cs *CacheStore) Commit(cache Cache) error {
	raw := make(map[string]*CacheEntry, len(cache))
	for key, entry := range cache {
		raw[key.String()] = entry
	}

	buf, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}

	dir := filepath.Dir(cs.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("mkdir cache dir: %w", err)
	}

	tmp := cs.Path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("write temp cache file: %w", err)
	} else if err := f.Sync(); err != nil {
		return fmt.Errorf("sync temp cache file: %w", err)
	} else if err := f.Close(); err != nil {
		return fmt.Errorf("close temp cache file: %w", err)
	}

	if err := os.Rename(tmp, cs.Path); err != nil {
		return fmt.Errorf("rename cache file: %w", err)
	}
	return internal.Sync(dir)
}
