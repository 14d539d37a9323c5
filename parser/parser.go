package parser

import (
	"context"
	"encoding/json"
	"geostream/feature"
	"github.com/hauke96/sigolo/v2"
	"github.com/paulmach/orb/geojson"
	"github.com/pkg/errors"
	"io"
	"time"
)

const DefaultChunkSize = 32 * 1024

// Handlers are the callbacks a parse reports to. All of them are optional. OnComplete and OnError are terminal: at most
// one of them is called, and only once, per parse. Neither is called when the parse was aborted.
type Handlers struct {
	OnProgress func(loaded, total int)
	OnFeature  func(f *geojson.Feature)
	OnComplete func(collection *geojson.FeatureCollection, version string)
	OnError    func(err error)
}

// WithDefaults replaces missing handlers with no-ops. A missing OnError logs the error.
func (h Handlers) WithDefaults() Handlers {
	if h.OnProgress == nil {
		h.OnProgress = func(int, int) {}
	}
	if h.OnFeature == nil {
		h.OnFeature = func(*geojson.Feature) {}
	}
	if h.OnComplete == nil {
		h.OnComplete = func(*geojson.FeatureCollection, string) {}
	}
	if h.OnError == nil {
		h.OnError = func(err error) {
			sigolo.Errorf("Loading GeoJSON failed: %s", err)
		}
	}
	return h
}

type Options struct {
	// ExpectedTotal is the announced number of features. It is only used for progress reports.
	ExpectedTotal int
	// ExpectedByteLength is the announced body size or 0 if unknown. It is only used for progress estimation.
	ExpectedByteLength int64
	// Version is passed through to OnComplete and the result.
	Version string
	// ChunkSize is the maximum number of bytes read at once. Defaults to DefaultChunkSize.
	ChunkSize int
}

// Result summarizes a finished parse. Truncated results are still successful: they contain every feature that was
// complete before the stream ended. Callers that care should check Truncated or compare Loaded with Total.
type Result struct {
	Collection *geojson.FeatureCollection
	Version    string
	Loaded     int
	Total      int
	Skipped    int
	Truncated  bool
	Streamed   bool
	BytesRead  int64
	Duration   time.Duration
}

func (r *Result) Progress() feature.Progress {
	return feature.Progress{Loaded: r.Loaded, Total: r.Total}
}

/*
Parse reads a FeatureCollection from the reader and reports every feature as soon as its closing brace arrived.

Progress is reported once before the first read, at least once per chunk, once per parsed feature and once at the end.
Features that can't be decoded are logged and skipped. A stream ending in the middle of the document is not an error,
the features parsed so far are completed. Read errors, malformed documents and an expired context deadline are reported
to OnError and returned. A cancelled context returns ErrAborted without calling any further handler.
*/
func Parse(ctx context.Context, reader io.Reader, options Options, handlers Handlers) (*Result, error) {
	handlers = handlers.WithDefaults()
	startTime := time.Now()

	if err := interrupted(ctx, handlers); err != nil {
		return nil, err
	}

	progress := newProgressTracker(options, handlers.OnProgress)
	scanner := &FeatureScanner{}
	collection := geojson.NewFeatureCollection()
	result := &Result{
		Collection: collection,
		Version:    options.Version,
		Total:      options.ExpectedTotal,
		Streamed:   true,
	}

	emitFeature := func(raw []byte, offset int64) {
		f, err := decodeFeature(raw, offset)
		if err != nil {
			sigolo.Warnf("%s", err)
			result.Skipped++
			return
		}

		collection.Append(f)
		handlers.OnFeature(f)
		progress.report(len(collection.Features))
	}

	progress.report(0)

	chunkSize := options.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	chunk := make([]byte, chunkSize)
	chunkCount := 0

	for {
		n, readErr := reader.Read(chunk)

		// A read that was pending while the request got aborted may still deliver data, which must not be reported.
		if err := interrupted(ctx, handlers); err != nil {
			return nil, err
		}

		if n > 0 {
			chunkCount++
			result.BytesRead += int64(n)
			scanner.Scan(chunk[:n], emitFeature)

			if firstByte, invalid := scanner.InvalidStart(); invalid {
				err := NewTransportError(0, nil, "Response is not a GeoJSON object, it starts with '%c'", firstByte)
				handlers.OnError(err)
				return nil, err
			}

			progress.chunk(result.BytesRead, len(collection.Features), scanner.Started()-result.Skipped)
			sigolo.Tracef("Chunk %d: %d bytes, total %d bytes, %d features", chunkCount, n, result.BytesRead, len(collection.Features))
		}

		if readErr == io.EOF {
			break
		}
		if errors.Is(readErr, io.ErrUnexpectedEOF) {
			sigolo.Warnf("GeoJSON stream ended unexpectedly after %d bytes", result.BytesRead)
			break
		}
		if readErr != nil {
			err := NewTransportError(0, readErr, "Reading GeoJSON stream failed")
			handlers.OnError(err)
			return nil, err
		}
	}

	if result.BytesRead == 0 {
		err := NewTransportError(0, nil, "GeoJSON stream is empty")
		handlers.OnError(err)
		return nil, err
	}

	result.Truncated = !scanner.Complete()
	if result.Truncated {
		sigolo.Warnf("GeoJSON stream is truncated, completing with %d of %d features", len(collection.Features), options.ExpectedTotal)
	}

	result.Loaded = len(collection.Features)
	result.Duration = time.Since(startTime)

	progress.report(result.Loaded)
	handlers.OnComplete(collection, options.Version)

	sigolo.Debugf("Parsed %d features (%d skipped) from %d bytes in %s", result.Loaded, result.Skipped, result.BytesRead, result.Duration)

	return result, nil
}

/*
ParseWhole reads the complete document at once. It's meant for small or already cached responses, where incremental
parsing isn't worth it. The announced total is reported exactly once as (total, total) after all features have been
passed to OnFeature.
*/
func ParseWhole(ctx context.Context, reader io.Reader, options Options, handlers Handlers) (*Result, error) {
	handlers = handlers.WithDefaults()
	startTime := time.Now()

	if err := interrupted(ctx, handlers); err != nil {
		return nil, err
	}

	data, readErr := io.ReadAll(reader)
	if err := interrupted(ctx, handlers); err != nil {
		return nil, err
	}
	if readErr != nil {
		err := NewTransportError(0, readErr, "Reading GeoJSON response failed")
		handlers.OnError(err)
		return nil, err
	}

	collection, err := feature.Normalize(data)
	if err != nil {
		transportErr := NewTransportError(0, err, "Response is not valid GeoJSON")
		handlers.OnError(transportErr)
		return nil, transportErr
	}

	for _, f := range collection.Features {
		handlers.OnFeature(f)
	}

	total := options.ExpectedTotal
	if total <= 0 {
		total = len(collection.Features)
	}
	handlers.OnProgress(total, total)
	handlers.OnComplete(collection, options.Version)

	return &Result{
		Collection: collection,
		Version:    options.Version,
		Loaded:     len(collection.Features),
		Total:      total,
		BytesRead:  int64(len(data)),
		Duration:   time.Since(startTime),
	}, nil
}

// decodeFeature turns a captured feature candidate into a feature.
func decodeFeature(raw []byte, offset int64) (*geojson.Feature, error) {
	var typeOnly struct {
		Type string `json:"type"`
	}
	err := json.Unmarshal(raw, &typeOnly)
	if err != nil {
		return nil, NewFeatureParseError(offset, err, "invalid JSON")
	}
	if typeOnly.Type != feature.TypeFeature {
		return nil, NewFeatureParseError(offset, nil, "type is '%s' instead of '%s'", typeOnly.Type, feature.TypeFeature)
	}

	f, err := geojson.UnmarshalFeature(raw)
	if err != nil {
		return nil, NewFeatureParseError(offset, err, "invalid feature")
	}
	return f, nil
}

// interrupted checks the context. An expired deadline is a failure and reported to the handlers, a cancellation is an
// abort and stays silent.
func interrupted(ctx context.Context, handlers Handlers) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		transportErr := NewTransportError(0, err, "GeoJSON request timed out")
		handlers.OnError(transportErr)
		return transportErr
	}

	sigolo.Debugf("GeoJSON parsing aborted")
	return ErrAborted
}
