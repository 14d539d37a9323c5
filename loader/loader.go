package loader

import (
	"context"
	"geostream/parser"
	"geostream/util"
	"github.com/hauke96/sigolo/v2"
	"github.com/paulmach/orb/geojson"
	"github.com/pkg/errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	HeaderTotalCount  = "X-Total-Count"
	HeaderCacheStatus = "X-Cache-Status"
	HeaderDataVersion = "X-Data-Version"
	HeaderRetryAfter  = "Retry-After"

	CacheStatusStream = "STREAM"

	DefaultStreamThreshold = 100
	DefaultRetryAfter      = 60
)

// StreamingLoader fetches GeoJSON feature collections and reports their progress. Each loader handles one logical
// resource: starting a new fetch aborts the one still running, so a slow response can never overwrite a newer one.
type StreamingLoader struct {
	client          *http.Client
	handlers        parser.Handlers
	streamThreshold int
	chunkSize       int

	mutex      sync.Mutex
	cancel     context.CancelFunc
	generation uint64
}

type Option func(*StreamingLoader)

// WithStreamThreshold sets the number of features a streamed response must exceed to be parsed incrementally.
func WithStreamThreshold(threshold int) Option {
	return func(l *StreamingLoader) {
		l.streamThreshold = threshold
	}
}

func WithChunkSize(chunkSize int) Option {
	return func(l *StreamingLoader) {
		l.chunkSize = chunkSize
	}
}

func New(client *http.Client, handlers parser.Handlers, options ...Option) *StreamingLoader {
	if client == nil {
		client = http.DefaultClient
	}

	l := &StreamingLoader{
		client:          client,
		handlers:        handlers,
		streamThreshold: DefaultStreamThreshold,
		chunkSize:       parser.DefaultChunkSize,
	}
	for _, option := range options {
		option(l)
	}
	return l
}

// Abort cancels the running fetch, if any. Calling it several times or after the fetch finished has no effect.
func (l *StreamingLoader) Abort() {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.cancel != nil {
		sigolo.Debugf("Abort running GeoJSON request")
		l.cancel()
		l.cancel = nil
	}
}

func (l *StreamingLoader) begin(ctx context.Context) (context.Context, uint64) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.cancel != nil {
		sigolo.Debugf("Abort superseded GeoJSON request")
		l.cancel()
	}

	requestCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.generation++
	return requestCtx, l.generation
}

func (l *StreamingLoader) finish(generation uint64) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.generation == generation && l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
}

/*
Fetch requests the given URL and parses the response. Responses marked as streamed (X-Cache-Status: STREAM) with more
features than the stream threshold are parsed incrementally, all others at once.

An aborted fetch returns parser.ErrAborted and calls none of the handlers. HTTP 429 responses are reported as
*parser.RateLimitError, all other failures as *parser.TransportError.
*/
func (l *StreamingLoader) Fetch(ctx context.Context, url string) (*parser.Result, error) {
	requestCtx, generation := l.begin(ctx)
	defer l.finish(generation)

	handlers := guardHandlers(requestCtx, l.handlers)
	sigolo.Debugf("Fetch GeoJSON from %s", util.Shorten(url, 500))

	request, err := http.NewRequestWithContext(requestCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fail(handlers, parser.NewTransportError(0, err, "Invalid GeoJSON request"))
	}
	request.Header.Set("Accept", "application/geo+json, application/json")

	response, err := l.client.Do(request)
	if err != nil {
		if errors.Is(requestCtx.Err(), context.Canceled) {
			return nil, parser.ErrAborted
		}
		if errors.Is(requestCtx.Err(), context.DeadlineExceeded) {
			return nil, fail(handlers, parser.NewTransportError(0, requestCtx.Err(), "GeoJSON request timed out"))
		}
		return nil, fail(handlers, parser.NewTransportError(0, err, "GeoJSON request failed"))
	}
	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode == http.StatusTooManyRequests {
		return nil, fail(handlers, parser.NewRateLimitError(ParseRetryAfter(response.Header.Get(HeaderRetryAfter), time.Now())))
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return nil, fail(handlers, parser.NewTransportError(response.StatusCode, nil, "HTTP %d: %s", response.StatusCode, http.StatusText(response.StatusCode)))
	}

	totalCount, _ := strconv.Atoi(strings.TrimSpace(response.Header.Get(HeaderTotalCount)))
	cacheStatus := response.Header.Get(HeaderCacheStatus)
	if cacheStatus == "" {
		cacheStatus = "UNKNOWN"
	}
	contentLength := response.ContentLength
	if contentLength < 0 {
		contentLength = 0
	}
	version := response.Header.Get(HeaderDataVersion)

	sigolo.Infof("GeoJSON response: cache=%s, total=%d, contentLength=%d, version=%s", cacheStatus, totalCount, contentLength, version)

	options := parser.Options{
		ExpectedTotal:      totalCount,
		ExpectedByteLength: contentLength,
		Version:            version,
		ChunkSize:          l.chunkSize,
	}

	if cacheStatus != CacheStatusStream || totalCount <= l.streamThreshold {
		return parser.ParseWhole(requestCtx, response.Body, options, handlers)
	}
	return parser.Parse(requestCtx, response.Body, options, handlers)
}

func fail(handlers parser.Handlers, err error) error {
	handlers.OnError(err)
	return err
}

// guardHandlers drops every callback once the request got cancelled. The parser checks for cancellation between reads,
// this covers an abort from another goroutine while a chunk is being scanned.
func guardHandlers(ctx context.Context, handlers parser.Handlers) parser.Handlers {
	cancelled := func() bool {
		return errors.Is(ctx.Err(), context.Canceled)
	}

	return parser.Handlers{
		OnProgress: func(loaded, total int) {
			if !cancelled() && handlers.OnProgress != nil {
				handlers.OnProgress(loaded, total)
			}
		},
		OnFeature: func(f *geojson.Feature) {
			if !cancelled() && handlers.OnFeature != nil {
				handlers.OnFeature(f)
			}
		},
		OnComplete: func(collection *geojson.FeatureCollection, version string) {
			if !cancelled() && handlers.OnComplete != nil {
				handlers.OnComplete(collection, version)
			}
		},
		OnError: func(err error) {
			if cancelled() {
				return
			}
			if handlers.OnError != nil {
				handlers.OnError(err)
			} else {
				sigolo.Errorf("Loading GeoJSON failed: %s", err)
			}
		},
	}
}

// ParseRetryAfter reads the Retry-After header, which is either a number of seconds or an HTTP date. Missing or
// unreadable values result in DefaultRetryAfter.
func ParseRetryAfter(value string, now time.Time) int {
	value = strings.TrimSpace(value)
	if value == "" {
		return DefaultRetryAfter
	}

	seconds, err := strconv.Atoi(value)
	if err == nil {
		if seconds < 0 {
			return 0
		}
		return seconds
	}

	date, err := http.ParseTime(value)
	if err != nil {
		sigolo.Debugf("Unreadable Retry-After header '%s', using default", value)
		return DefaultRetryAfter
	}

	wait := int(date.Sub(now).Round(time.Second) / time.Second)
	if wait < 0 {
		return 0
	}
	return wait
}
