package fetch

import (
	"context"
	"geostream/cache"
	"geostream/feature"
	"geostream/loader"
	"geostream/parser"
	"github.com/hauke96/sigolo/v2"
	"github.com/paulmach/orb/geojson"
	"github.com/pkg/errors"
	"net/http"
	"sync"
	"time"
)

const DefaultTimeout = 120 * time.Second

var ErrTimedOut = errors.New("Request timed out")

type Result struct {
	Collection *geojson.FeatureCollection
	Version    string
	FromCache  bool
	// Truncated is true when the response ended before the collection was complete. Collection then contains every
	// feature received until then.
	Truncated bool
}

// HandlersFunc creates the handlers of a resource. It's called once per resource name.
type HandlersFunc func(resource string) parser.Handlers

type resourceLoader struct {
	loader   *loader.StreamingLoader
	handlers parser.Handlers
}

/*
Client loads GeoJSON resources through the versioned cache. A resource is a logical piece of data, for example "regions"
or "catchments". Every resource has its own loader, so starting a new request for a resource aborts the previous one of
the same resource, but never one of another resource.
*/
type Client struct {
	cache         *cache.VersionedCache
	httpClient    *http.Client
	handlers      HandlersFunc
	timeout       time.Duration
	concurrency   int
	loaderOptions []loader.Option

	mutex   sync.Mutex
	loaders map[string]*resourceLoader
}

type Option func(*Client)

// WithTimeout sets the ceiling for FetchMultiple.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithConcurrency limits the number of requests FetchMultiple runs at the same time. Zero or less means no limit.
func WithConcurrency(concurrency int) Option {
	return func(c *Client) {
		c.concurrency = concurrency
	}
}

func WithHandlers(handlers HandlersFunc) Option {
	return func(c *Client) {
		c.handlers = handlers
	}
}

func WithLoaderOptions(options ...loader.Option) Option {
	return func(c *Client) {
		c.loaderOptions = append(c.loaderOptions, options...)
	}
}

// New creates a client. A nil cache disables caching.
func New(versionedCache *cache.VersionedCache, httpClient *http.Client, options ...Option) *Client {
	if versionedCache == nil {
		versionedCache = cache.New(nil, cache.DefaultConfig())
	}

	c := &Client{
		cache:      versionedCache,
		httpClient: httpClient,
		handlers: func(string) parser.Handlers {
			return parser.Handlers{}
		},
		timeout: DefaultTimeout,
		loaders: map[string]*resourceLoader{},
	}
	for _, option := range options {
		option(c)
	}
	return c
}

func (c *Client) loaderFor(resource string) *resourceLoader {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	l, ok := c.loaders[resource]
	if !ok {
		handlers := c.handlers(resource).WithDefaults()
		l = &resourceLoader{
			loader:   loader.New(c.httpClient, handlers, c.loaderOptions...),
			handlers: handlers,
		}
		c.loaders[resource] = l
	}
	return l
}

// Abort cancels the running request of the resource, if any.
func (c *Client) Abort(resource string) {
	c.mutex.Lock()
	l, ok := c.loaders[resource]
	c.mutex.Unlock()

	if ok {
		l.loader.Abort()
	}
}

/*
FetchFeatures returns the feature collection behind the URL. A cached copy is used when its version is still current,
otherwise the collection is loaded (streamed for large responses) and cached.

The handlers of the resource see the same sequence of calls for cached data as for a small response: every feature,
one progress report and the completion. An aborted request returns parser.ErrAborted, which callers should ignore.
*/
func (c *Client) FetchFeatures(ctx context.Context, resource string, url string) (*Result, error) {
	l := c.loaderFor(resource)
	key := cache.NormalizeKey(url)

	var loaded *parser.Result
	load := func(ctx context.Context, url string) ([]byte, string, bool, error) {
		result, err := l.loader.Fetch(ctx, url)
		if err != nil {
			return nil, "", false, err
		}
		loaded = result

		data, err := feature.Marshal(result.Collection)
		if err != nil {
			return nil, "", false, errors.Wrapf(err, "Unable to serialize features of %s", url)
		}

		// An incomplete collection must not be served as the current version later on.
		return data, result.Version, !result.Truncated, nil
	}

	cached, err := c.cache.FetchWithValidation(ctx, url, key, load)
	if err != nil {
		return nil, err
	}

	if !cached.FromCache {
		sigolo.Infof("Loaded %s of %s from network", loaded.Progress(), resource)
		return &Result{
			Collection: loaded.Collection,
			Version:    loaded.Version,
			FromCache:  false,
			Truncated:  loaded.Truncated,
		}, nil
	}

	collection, err := feature.Normalize(cached.Data)
	if err != nil {
		sigolo.Warnf("Cached data of %s is unreadable, loading it again: %s", key, err)
		return c.reload(ctx, resource, l, url, key)
	}

	sigolo.Infof("Loaded %d features of %s from cache", len(collection.Features), resource)
	replay(l.handlers, collection, cached.Version)

	return &Result{
		Collection: collection,
		Version:    cached.Version,
		FromCache:  true,
	}, nil
}

// reload bypasses the cache lookup and replaces the cached entry.
func (c *Client) reload(ctx context.Context, resource string, l *resourceLoader, url string, key string) (*Result, error) {
	result, err := l.loader.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}

	data, err := feature.Marshal(result.Collection)
	if err == nil && !result.Truncated {
		c.cache.Put(ctx, key, data, result.Version)
	} else {
		// The unreadable entry is useless either way.
		c.cache.Delete(ctx, key)
	}

	sigolo.Infof("Loaded %s of %s from network", result.Progress(), resource)
	return &Result{
		Collection: result.Collection,
		Version:    result.Version,
		Truncated:  result.Truncated,
	}, nil
}

func replay(handlers parser.Handlers, collection *geojson.FeatureCollection, version string) {
	for _, f := range collection.Features {
		handlers.OnFeature(f)
	}
	handlers.OnProgress(len(collection.Features), len(collection.Features))
	handlers.OnComplete(collection, version)
}
