package cache

import (
	"context"
	"fmt"
	"geostream/util"
	"github.com/hauke96/sigolo/v2"
	"github.com/pkg/errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	current time.Time
}

func (c *fakeClock) now() time.Time {
	return c.current
}

func (c *fakeClock) advance(duration time.Duration) {
	c.current = c.current.Add(duration)
}

func newClock() *fakeClock {
	return &fakeClock{current: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
}

// dataServer serves a GeoJSON endpoint and its version endpoint and counts the requests to both.
type dataServer struct {
	server           *httptest.Server
	version          atomic.Value
	dataRequests     atomic.Int32
	versionRequests  atomic.Int32
	versionAvailable atomic.Bool
}

func newDataServer(t *testing.T) *dataServer {
	s := &dataServer{}
	s.version.Store("v1")
	s.versionAvailable.Store(true)

	mux := http.NewServeMux()
	mux.HandleFunc("/geojson/catchments", func(w http.ResponseWriter, r *http.Request) {
		s.dataRequests.Add(1)
		version := s.version.Load().(string)
		w.Header().Set(HeaderDataVersion, version)
		_, _ = fmt.Fprintf(w, `{"type":"FeatureCollection","features":[],"version":"%s"}`, version)
	})
	mux.HandleFunc("/version/catchments", func(w http.ResponseWriter, r *http.Request) {
		s.versionRequests.Add(1)
		if !s.versionAvailable.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = fmt.Fprintf(w, `{"version":"%s"}`, s.version.Load().(string))
	})

	s.server = httptest.NewServer(mux)
	t.Cleanup(s.server.Close)
	return s
}

func (s *dataServer) url() string {
	return s.server.URL + "/geojson/catchments?region=5"
}

func newTestCache(s *dataServer, clock *fakeClock) *VersionedCache {
	config := DefaultConfig()
	return New(NewMemoryStore(), config, WithClock(clock.now), WithHTTPClient(s.server.Client()))
}

func TestFetchWithValidation_unchangedVersionIsServedFromCache(t *testing.T) {
	sigolo.SetDefaultLogLevel(sigolo.LOG_TRACE)

	// Arrange
	s := newDataServer(t)
	c := newTestCache(s, newClock())
	ctx := context.Background()

	// Act
	first, err := c.FetchWithValidation(ctx, s.url(), "", nil)
	util.AssertNil(t, err)
	second, err := c.FetchWithValidation(ctx, s.url(), "", nil)
	util.AssertNil(t, err)

	// Assert
	util.AssertFalse(t, first.FromCache)
	util.AssertTrue(t, second.FromCache)
	util.AssertEqual(t, string(first.Data), string(second.Data))
	util.AssertEqual(t, "v1", second.Version)
	util.AssertEqual(t, int32(1), s.dataRequests.Load())
	util.AssertEqual(t, int32(1), s.versionRequests.Load())
}

func TestFetchWithValidation_changedVersionIsLoadedAgain(t *testing.T) {
	// Arrange
	s := newDataServer(t)
	clock := newClock()
	c := newTestCache(s, clock)
	ctx := context.Background()

	_, err := c.FetchWithValidation(ctx, s.url(), "", nil)
	util.AssertNil(t, err)
	s.version.Store("v2")
	clock.advance(time.Minute)

	// Act
	second, err := c.FetchWithValidation(ctx, s.url(), "", nil)

	// Assert
	util.AssertNil(t, err)
	util.AssertFalse(t, second.FromCache)
	util.AssertEqual(t, "v2", second.Version)
	util.AssertEqual(t, int32(2), s.dataRequests.Load())

	entry := c.Get(ctx, NormalizeKey(s.url()))
	util.AssertEqual(t, "v2", entry.Version)
	util.AssertEqual(t, clock.now().UnixMilli(), entry.Timestamp)
	util.AssertMatch(t, `"version":"v2"`, string(entry.Data))
}

func TestFetchWithValidation_failedVersionCheckLoadsAgain(t *testing.T) {
	// Arrange
	s := newDataServer(t)
	c := newTestCache(s, newClock())
	ctx := context.Background()

	_, err := c.FetchWithValidation(ctx, s.url(), "", nil)
	util.AssertNil(t, err)
	s.versionAvailable.Store(false)

	// Act
	second, err := c.FetchWithValidation(ctx, s.url(), "", nil)

	// Assert
	util.AssertNil(t, err)
	util.AssertFalse(t, second.FromCache)
	util.AssertEqual(t, int32(2), s.dataRequests.Load())
}

func TestFetchWithValidation_unversionedEntryIsTrusted(t *testing.T) {
	// Arrange
	s := newDataServer(t)
	c := newTestCache(s, newClock())
	ctx := context.Background()
	c.Put(ctx, NormalizeKey(s.url()), []byte(`{"type":"FeatureCollection","features":[]}`), "")

	// Act
	result, err := c.FetchWithValidation(ctx, s.url(), "", nil)

	// Assert
	util.AssertNil(t, err)
	util.AssertTrue(t, result.FromCache)
	util.AssertEqual(t, int32(0), s.dataRequests.Load())
	util.AssertEqual(t, int32(0), s.versionRequests.Load())
}

func TestFetchWithValidation_expiredEntryIsLoadedAgain(t *testing.T) {
	// Arrange
	s := newDataServer(t)
	clock := newClock()
	c := newTestCache(s, clock)
	ctx := context.Background()

	_, err := c.FetchWithValidation(ctx, s.url(), "", nil)
	util.AssertNil(t, err)
	clock.advance(DefaultMaxAge + time.Second)

	// Act
	second, err := c.FetchWithValidation(ctx, s.url(), "", nil)

	// Assert
	util.AssertNil(t, err)
	util.AssertFalse(t, second.FromCache)
	util.AssertEqual(t, int32(2), s.dataRequests.Load())
	util.AssertEqual(t, int32(0), s.versionRequests.Load())
}

func TestFetchWithValidation_customLoadAndKey(t *testing.T) {
	// Arrange
	clock := newClock()
	loads := 0
	load := func(ctx context.Context, url string) ([]byte, string, bool, error) {
		loads++
		return []byte("{}"), "", true, nil
	}
	c := New(NewMemoryStore(), DefaultConfig(), WithClock(clock.now))
	ctx := context.Background()

	// Act
	first, err := c.FetchWithValidation(ctx, "http://localhost/geojson/a", "my-key", load)
	util.AssertNil(t, err)
	second, err := c.FetchWithValidation(ctx, "http://localhost/geojson/a", "my-key", load)
	util.AssertNil(t, err)

	// Assert
	util.AssertFalse(t, first.FromCache)
	util.AssertTrue(t, second.FromCache)
	util.AssertEqual(t, 1, loads)
	util.AssertNotNil(t, c.Get(ctx, "my-key"))
}

func TestFetchWithValidation_uncacheableDataIsNotStored(t *testing.T) {
	// Arrange
	clock := newClock()
	config := DefaultConfig()
	config.MaxEntries = 2
	c := New(NewMemoryStore(), config, WithClock(clock.now))
	ctx := context.Background()
	c.Put(ctx, "a", []byte("{}"), "v1")
	clock.advance(time.Second)
	c.Put(ctx, "b", []byte("{}"), "v1")
	load := func(ctx context.Context, url string) ([]byte, string, bool, error) {
		return []byte(`{"partial":true}`), "v2", false, nil
	}

	// Act
	result, err := c.FetchWithValidation(ctx, "http://localhost/geojson/c", "c", load)

	// Assert
	util.AssertNil(t, err)
	util.AssertFalse(t, result.FromCache)
	util.AssertEqual(t, `{"partial":true}`, string(result.Data))
	util.AssertNil(t, c.Get(ctx, "c"))

	entries, err := c.List(ctx)
	util.AssertNil(t, err)
	util.AssertEqual(t, []string{"a", "b"}, []string{entries[0].Key, entries[1].Key})
}

func TestFetchWithValidation_laterStartedLoadWins(t *testing.T) {
	// Arrange
	clock := newClock()
	c := New(NewMemoryStore(), DefaultConfig(), WithClock(clock.now))
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)
	slowLoad := func(ctx context.Context, url string) ([]byte, string, bool, error) {
		close(started)
		<-release
		return []byte("first"), "", true, nil
	}
	fastLoad := func(ctx context.Context, url string) ([]byte, string, bool, error) {
		return []byte("second"), "", true, nil
	}

	go func() {
		_, err := c.FetchWithValidation(ctx, "http://localhost/geojson/a", "a", slowLoad)
		done <- err
	}()
	<-started
	clock.advance(time.Second)

	// Act
	_, err := c.FetchWithValidation(ctx, "http://localhost/geojson/a", "a", fastLoad)
	util.AssertNil(t, err)
	close(release)
	util.AssertNil(t, <-done)

	// Assert
	entry := c.Get(ctx, "a")
	util.AssertNotNil(t, entry)
	util.AssertEqual(t, "second", string(entry.Data))
}

func TestFetchWithValidation_loadErrorIsReturned(t *testing.T) {
	// Arrange
	c := New(NewMemoryStore(), DefaultConfig())
	load := func(ctx context.Context, url string) ([]byte, string, bool, error) {
		return nil, "", false, errors.New("connection refused")
	}

	// Act
	result, err := c.FetchWithValidation(context.Background(), "http://localhost/geojson/a", "", load)

	// Assert
	util.AssertNil(t, result)
	util.AssertError(t, "connection refused", err)
	util.AssertNil(t, c.Get(context.Background(), NormalizeKey("http://localhost/geojson/a")))
}

func TestFetchWithValidation_withoutStore(t *testing.T) {
	// Arrange
	s := newDataServer(t)
	c := New(nil, DefaultConfig(), WithHTTPClient(s.server.Client()))
	ctx := context.Background()

	// Act
	first, err := c.FetchWithValidation(ctx, s.url(), "", nil)
	util.AssertNil(t, err)
	second, err := c.FetchWithValidation(ctx, s.url(), "", nil)
	util.AssertNil(t, err)

	// Assert
	util.AssertFalse(t, c.Enabled())
	util.AssertFalse(t, first.FromCache)
	util.AssertFalse(t, second.FromCache)
	util.AssertEqual(t, int32(2), s.dataRequests.Load())
}

// failingStore fails every operation.
type failingStore struct{}

var errStoreBroken = errors.New("disk I/O error")

func (failingStore) Get(context.Context, string) (*Entry, error) { return nil, errStoreBroken }
func (failingStore) Put(context.Context, Entry) error { return errStoreBroken }
func (failingStore) Delete(context.Context, string) error { return errStoreBroken }
func (failingStore) Count(context.Context) (int, error) { return 0, errStoreBroken }
func (failingStore) Evict(context.Context, int) (int, error) { return 0, errStoreBroken }
func (failingStore) List(context.Context) ([]Entry, error) { return nil, errStoreBroken }
func (failingStore) Clear(context.Context) error { return errStoreBroken }
func (failingStore) Close() error { return errStoreBroken }

func TestFetchWithValidation_storageErrorsAreSwallowed(t *testing.T) {
	// Arrange
	s := newDataServer(t)
	c := New(failingStore{}, DefaultConfig(), WithHTTPClient(s.server.Client()))
	ctx := context.Background()

	// Act
	first, err := c.FetchWithValidation(ctx, s.url(), "", nil)
	util.AssertNil(t, err)
	second, err := c.FetchWithValidation(ctx, s.url(), "", nil)
	util.AssertNil(t, err)

	// Assert
	util.AssertFalse(t, first.FromCache)
	util.AssertFalse(t, second.FromCache)
	util.AssertEqual(t, int32(2), s.dataRequests.Load())
}

func TestPut_evictionBound(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		// Arrange
		clock := newClock()
		config := DefaultConfig()
		config.MaxEntries = 5
		c := New(store, config, WithClock(clock.now))
		ctx := context.Background()
		additional := 3

		// Act
		for i := 0; i < config.MaxEntries+additional; i++ {
			c.Put(ctx, fmt.Sprintf("key-%d", i), []byte("{}"), "v1")
			clock.advance(time.Millisecond)
		}

		// Assert
		count, err := store.Count(ctx)
		util.AssertNil(t, err)
		util.AssertEqual(t, config.MaxEntries, count)

		for i := 0; i < additional; i++ {
			util.AssertNil(t, c.Get(ctx, fmt.Sprintf("key-%d", i)))
		}
		for i := additional; i < config.MaxEntries+additional; i++ {
			util.AssertNotNil(t, c.Get(ctx, fmt.Sprintf("key-%d", i)))
		}
	})
}

func TestGet_maxAge(t *testing.T) {
	// Arrange
	clock := newClock()
	config := DefaultConfig()
	config.MaxAge = 10 * time.Minute
	c := New(NewMemoryStore(), config, WithClock(clock.now))
	ctx := context.Background()
	c.Put(ctx, "A", []byte("{}"), "v1")

	// Act & Assert
	clock.advance(10 * time.Minute)
	util.AssertNotNil(t, c.Get(ctx, "A"))

	clock.advance(time.Millisecond)
	util.AssertNil(t, c.Get(ctx, "A"))
}

func TestListAndClear(t *testing.T) {
	// Arrange
	clock := newClock()
	c := New(NewMemoryStore(), DefaultConfig(), WithClock(clock.now))
	ctx := context.Background()
	c.Put(ctx, "A", []byte("{}"), "v1")
	clock.advance(time.Second)
	c.Put(ctx, "B", []byte("{}"), "")

	// Act
	entries, err := c.List(ctx)

	// Assert
	util.AssertNil(t, err)
	util.AssertEqual(t, []string{"A", "B"}, keys(entries))

	util.AssertNil(t, c.Clear(ctx))
	entries, err = c.List(ctx)
	util.AssertNil(t, err)
	util.AssertLen(t, 0, entries)
}

func TestWithVersionLookup(t *testing.T) {
	// Arrange
	lookups := 0
	c := New(NewMemoryStore(), DefaultConfig(), WithVersionLookup(func(ctx context.Context, url string) (string, error) {
		lookups++
		return "v7", nil
	}))
	ctx := context.Background()
	c.Put(ctx, "key", []byte("{}"), "v7")

	// Act
	result, err := c.FetchWithValidation(ctx, "http://localhost/anything", "key", nil)

	// Assert
	util.AssertNil(t, err)
	util.AssertTrue(t, result.FromCache)
	util.AssertEqual(t, 1, lookups)
}

func TestLookupVersion_headerTakesPrecedence(t *testing.T) {
	// Arrange
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		util.AssertEqual(t, "/version/regions", r.URL.Path)
		w.Header().Set(HeaderDataVersion, "from-header")
		_, _ = w.Write([]byte(`{"version":"from-body"}`))
	}))
	defer server.Close()
	c := New(nil, DefaultConfig(), WithHTTPClient(server.Client()))

	// Act
	version, err := c.lookupVersion(context.Background(), server.URL+"/geojson/regions")

	// Assert
	util.AssertNil(t, err)
	util.AssertEqual(t, "from-header", version)
}

func TestLookupVersion_bodyWithoutVersion(t *testing.T) {
	// Arrange
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()
	c := New(nil, DefaultConfig(), WithHTTPClient(server.Client()))

	// Act
	_, err := c.lookupVersion(context.Background(), server.URL+"/geojson/regions")

	// Assert
	util.AssertNotNil(t, err)
}
