// Package querycache persists responses of authenticated queries on disk so a
// restarted client can render data before the network answers. Everything in
// it belongs to the signed-in user and is erased when the session ends.
package querycache

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/gravitational/trace"
	jsoniter "github.com/json-iterator/go"
	"github.com/peterbourgon/diskv/v3"
)

const (
	// cacheSizeMax max memory cache
	cacheSizeMax = 1 << 20
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Entry is one cached response.
type Entry struct {
	Key       string    `json:"key"`
	Body      []byte    `json:"body"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Cache is a disk-backed query cache.
type Cache struct {
	// dv is a diskv instance
	dv *diskv.Diskv
}

// New opens a cache rooted at dir.
func New(dir string) (*Cache, error) {
	if dir == "" {
		return nil, trace.BadParameter("cache dir is required")
	}

	// Simplest transform function: put all the data files into the base dir.
	flatTransform := func(s string) []string { return []string{} }

	dv := diskv.New(diskv.Options{
		BasePath:     dir,
		Transform:    flatTransform,
		CacheSizeMax: cacheSizeMax,
	})
	return &Cache{dv: dv}, nil
}

// Put stores body under key.
func (c *Cache) Put(key string, body []byte) error {
	b, err := json.Marshal(Entry{Key: key, Body: body, FetchedAt: time.Now().UTC()})
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(c.dv.Write(fileName(key), b))
}

// Get returns the entry for key, or a trace.NotFound error.
func (c *Cache) Get(key string) (*Entry, error) {
	name := fileName(key)
	if !c.dv.Has(name) {
		return nil, trace.NotFound("no cached entry for %q", key)
	}

	b, err := c.dv.Read(name)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, trace.Wrap(err, "decoding cached entry for %q", key)
	}
	return &e, nil
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	n := 0
	for range c.dv.Keys(nil) {
		n++
	}
	return n
}

// Purge erases every entry. Purging an empty cache is not an error.
func (c *Cache) Purge() error {
	return trace.Wrap(c.dv.EraseAll())
}

// fileName maps arbitrary query keys (URLs, paths) to flat file names.
func fileName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
