package cache

import (
	"context"
	"github.com/hauke96/sigolo/v2"
	"golang.org/x/sync/singleflight"
	"net/http"
	"time"
)

const (
	DefaultMaxAge        = time.Hour
	DefaultMaxEntries    = 50
	DefaultNamespace     = "geostream"
	DefaultSchemaVersion = 1
)

type Config struct {
	MaxAge        time.Duration
	MaxEntries    int
	Namespace     string
	SchemaVersion int
}

func DefaultConfig() Config {
	return Config{
		MaxAge:        DefaultMaxAge,
		MaxEntries:    DefaultMaxEntries,
		Namespace:     DefaultNamespace,
		SchemaVersion: DefaultSchemaVersion,
	}
}

// VersionLookup returns the current version tag of the data behind the given URL.
type VersionLookup func(ctx context.Context, url string) (string, error)

// LoadFunc performs the real request for the given URL and returns the body and its version tag (empty if unknown).
// Data which is not cacheable, e.g. an incomplete response, is returned to the caller but never stored.
type LoadFunc func(ctx context.Context, url string) (data []byte, version string, cacheable bool, err error)

type Result struct {
	Data      []byte
	Version   string
	FromCache bool
}

/*
VersionedCache stores responses locally and validates them before they're served: a cached entry with a version tag is
only returned when the server still reports the same version. Entries without version are trusted until they expire.

The cache never fails an operation because of its store. Storage errors are logged and treated as cache misses, a nil
store disables caching completely.
*/
type VersionedCache struct {
	store         Store
	config        Config
	now           func() time.Time
	client        *http.Client
	versionLookup VersionLookup

	// Concurrent validations of the same URL share one version request.
	versionRequests singleflight.Group
}

type Option func(*VersionedCache)

// WithClock replaces time.Now, which is used for entry timestamps and the age check.
func WithClock(now func() time.Time) Option {
	return func(c *VersionedCache) {
		c.now = now
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *VersionedCache) {
		c.client = client
	}
}

func WithVersionLookup(lookup VersionLookup) Option {
	return func(c *VersionedCache) {
		c.versionLookup = lookup
	}
}

func New(store Store, config Config, options ...Option) *VersionedCache {
	c := &VersionedCache{
		store:  store,
		config: config,
		now:    time.Now,
		client: http.DefaultClient,
	}
	for _, option := range options {
		option(c)
	}
	if c.versionLookup == nil {
		c.versionLookup = c.lookupVersion
	}
	if store == nil {
		sigolo.Debugf("No cache store given, caching is disabled")
	}
	return c
}

func (c *VersionedCache) Enabled() bool {
	return c.store != nil
}

// Get returns the entry for the key when it exists and isn't older than the configured max age.
func (c *VersionedCache) Get(ctx context.Context, key string) *Entry {
	if c.store == nil {
		return nil
	}

	entry, err := c.store.Get(ctx, key)
	if err != nil {
		sigolo.Warnf("%s", newStorageError("read", key, err))
		return nil
	}
	if entry == nil {
		sigolo.Debugf("Cache miss for %s", key)
		return nil
	}

	age := time.Duration(c.now().UTC().UnixMilli()-entry.Timestamp) * time.Millisecond
	if c.config.MaxAge > 0 && age > c.config.MaxAge {
		sigolo.Debugf("Cache entry for %s expired (age %s)", key, age)
		return nil
	}

	return entry
}

// Put stores the data under the key, replacing the previous entry. Afterward, the oldest entries are evicted when
// there are more than the configured maximum.
func (c *VersionedCache) Put(ctx context.Context, key string, data []byte, version string) {
	c.put(ctx, key, data, version, c.now())
}

// put stores the entry with the given time as timestamp. An entry with a newer timestamp is kept by the store.
func (c *VersionedCache) put(ctx context.Context, key string, data []byte, version string, timestamp time.Time) {
	if c.store == nil {
		return
	}

	err := c.store.Put(ctx, Entry{
		Key:       key,
		Data:      data,
		Timestamp: timestamp.UTC().UnixMilli(),
		Version:   version,
	})
	if err != nil {
		sigolo.Warnf("%s", newStorageError("write", key, err))
		return
	}
	sigolo.Debugf("Cached %d bytes for %s (version '%s')", len(data), key, version)

	c.evict(ctx)
}

func (c *VersionedCache) evict(ctx context.Context) {
	if c.config.MaxEntries <= 0 {
		return
	}

	evicted, err := c.store.Evict(ctx, c.config.MaxEntries)
	if err != nil {
		sigolo.Warnf("%s", newStorageError("evict", "", err))
		return
	}
	if evicted > 0 {
		sigolo.Debugf("Evicted %d cache entries", evicted)
	}
}

/*
FetchWithValidation returns the data for the URL, either from the cache or by calling load. An empty key is derived
from the URL with NormalizeKey.

A cached entry with version is validated with the version lookup first. A failing lookup is treated like a changed
version. Freshly loaded data is stored in the cache when load reports it as cacheable. The entry gets the time the load
started as timestamp, so of two concurrent loads of one key the one started later wins. Only errors of load are
returned.
*/
func (c *VersionedCache) FetchWithValidation(ctx context.Context, url string, key string, load LoadFunc) (*Result, error) {
	if key == "" {
		key = NormalizeKey(url)
	}

	entry := c.Get(ctx, key)
	if entry != nil {
		if entry.Version == "" {
			sigolo.Debugf("Use unversioned cache entry for %s", key)
			return &Result{Data: entry.Data, FromCache: true}, nil
		}

		currentVersion, err := c.currentVersion(ctx, url)
		if err != nil {
			sigolo.Warnf("Version check for %s failed, loading data again: %s", url, err)
		} else if currentVersion == entry.Version {
			sigolo.Debugf("Cache entry for %s is up to date (version '%s')", key, entry.Version)
			return &Result{Data: entry.Data, Version: entry.Version, FromCache: true}, nil
		} else {
			sigolo.Debugf("Cache entry for %s is outdated (version '%s', current '%s')", key, entry.Version, currentVersion)
		}
	}

	if load == nil {
		load = c.Load
	}

	loadStartTime := c.now()
	data, version, cacheable, err := load(ctx, url)
	if err != nil {
		return nil, err
	}

	if cacheable {
		c.put(ctx, key, data, version, loadStartTime)
	} else {
		sigolo.Debugf("Loaded data of %s is not cacheable", key)
	}

	return &Result{Data: data, Version: version, FromCache: false}, nil
}

func (c *VersionedCache) currentVersion(ctx context.Context, url string) (string, error) {
	version, err, shared := c.versionRequests.Do(url, func() (any, error) {
		v, lookupErr := c.versionLookup(ctx, url)
		return v, lookupErr
	})
	if shared {
		sigolo.Tracef("Shared version request for %s", url)
	}
	if err != nil {
		return "", err
	}
	return version.(string), nil
}

// Delete removes the entry of the key. Like Put, it never fails.
func (c *VersionedCache) Delete(ctx context.Context, key string) {
	if c.store == nil {
		return
	}

	err := c.store.Delete(ctx, key)
	if err != nil {
		sigolo.Warnf("%s", newStorageError("delete", key, err))
	}
}

func (c *VersionedCache) List(ctx context.Context) ([]Entry, error) {
	if c.store == nil {
		return nil, nil
	}
	return c.store.List(ctx)
}

func (c *VersionedCache) Clear(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	return c.store.Clear(ctx)
}

func (c *VersionedCache) Close() error {
	if c.store == nil {
		return nil
	}
	return c.store.Close()
}
