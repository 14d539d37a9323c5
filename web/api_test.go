package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"geostream/cache"
	"geostream/feature"
	"geostream/fetch"
	"geostream/loader"
	"geostream/util"
	"github.com/hauke96/sigolo/v2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func createCollection(featureCount int) *geojson.FeatureCollection {
	collection := geojson.NewFeatureCollection()
	for i := 0; i < featureCount; i++ {
		f := geojson.NewFeature(orb.Point{float64(i), 50})
		f.ID = fmt.Sprintf("site-%d", i)
		f.Properties["region"] = float64(i % 3)
		if i%2 == 0 {
			f.Properties["type"] = "recycling"
		} else {
			f.Properties["type"] = "landfill"
		}
		collection.Append(f)
	}
	return collection
}

func startServer(t *testing.T, config ServerConfig, collections map[string]*geojson.FeatureCollection) (*httptest.Server, *Datasets) {
	datasets := NewDatasets()
	for name, collection := range collections {
		_, err := datasets.Put(name, collection)
		util.AssertNil(t, err)
	}

	server := httptest.NewServer(NewServer(datasets, config).initRouter())
	t.Cleanup(server.Close)
	return server, datasets
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	response, err := http.Get(url)
	util.AssertNil(t, err)
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	util.AssertNil(t, err)
	return response, body
}

func readFeatures(t *testing.T, body []byte) []*geojson.Feature {
	collection, err := feature.Normalize(body)
	util.AssertNil(t, err)
	return collection.Features
}

func TestGeoJson_smallResponseIsSentAtOnce(t *testing.T) {
	sigolo.SetDefaultLogLevel(sigolo.LOG_TRACE)

	// Arrange
	server, datasets := startServer(t, DefaultServerConfig(), map[string]*geojson.FeatureCollection{
		"regions": createCollection(10),
	})
	dataset, _ := datasets.Get("regions")

	// Act
	response, body := get(t, server.URL+"/geojson/regions")

	// Assert
	util.AssertEqual(t, http.StatusOK, response.StatusCode)
	util.AssertEqual(t, ContentTypeGeoJson, response.Header.Get("Content-Type"))
	util.AssertEqual(t, CacheStatusHit, response.Header.Get(loader.HeaderCacheStatus))
	util.AssertEqual(t, "10", response.Header.Get(loader.HeaderTotalCount))
	util.AssertEqual(t, dataset.Version, response.Header.Get(loader.HeaderDataVersion))
	util.AssertEqual(t, int64(len(body)), response.ContentLength)
	util.AssertLen(t, 10, readFeatures(t, body))
}

func TestGeoJson_largeResponseIsStreamed(t *testing.T) {
	// Arrange
	config := DefaultServerConfig()
	config.FlushEvery = 7
	server, _ := startServer(t, config, map[string]*geojson.FeatureCollection{
		"catchments": createCollection(250),
	})

	// Act
	response, body := get(t, server.URL+"/geojson/catchments")

	// Assert
	util.AssertEqual(t, http.StatusOK, response.StatusCode)
	util.AssertEqual(t, loader.CacheStatusStream, response.Header.Get(loader.HeaderCacheStatus))
	util.AssertEqual(t, "250", response.Header.Get(loader.HeaderTotalCount))
	util.AssertEqual(t, int64(-1), response.ContentLength)

	features := readFeatures(t, body)
	util.AssertLen(t, 250, features)
	util.AssertEqual(t, "site-249", features[249].ID)
}

func TestGeoJson_emptySelection(t *testing.T) {
	// Arrange
	server, _ := startServer(t, DefaultServerConfig(), map[string]*geojson.FeatureCollection{
		"regions": createCollection(10),
	})

	// Act
	response, body := get(t, server.URL+"/geojson/regions?type=quarry")

	// Assert
	util.AssertEqual(t, "0", response.Header.Get(loader.HeaderTotalCount))
	util.AssertLen(t, 0, readFeatures(t, body))
}

func TestGeoJson_filters(t *testing.T) {
	server, _ := startServer(t, DefaultServerConfig(), map[string]*geojson.FeatureCollection{
		"regions": createCollection(12),
	})

	for query, expectedIds := range map[string][]any{
		"bbox=2.5,49,5.5,51":                      {"site-3", "site-4", "site-5"},
		"type=landfill&region=0":                  {"site-3", "site-9"},
		"region=1&region=2&bbox=0,50,2,50":        {"site-1", "site-2"},
		"type=recycling&scope=all&page=2&dv=abc&_": {"site-0", "site-2", "site-4", "site-6", "site-8", "site-10"},
	} {
		response, body := get(t, server.URL+"/geojson/regions?"+query)
		util.AssertEqual(t, http.StatusOK, response.StatusCode)

		var ids []any
		for _, f := range readFeatures(t, body) {
			ids = append(ids, f.ID)
		}
		util.AssertEqual(t, expectedIds, ids)
	}
}

func TestGeoJson_invalidBbox(t *testing.T) {
	// Arrange
	server, _ := startServer(t, DefaultServerConfig(), map[string]*geojson.FeatureCollection{
		"regions": createCollection(1),
	})

	// Act
	response, body := get(t, server.URL+"/geojson/regions?bbox=1,2,3")

	// Assert
	util.AssertEqual(t, http.StatusBadRequest, response.StatusCode)
	var errorResponse ErrorResponse
	util.AssertNil(t, json.Unmarshal(body, &errorResponse))
	util.AssertEqual(t, "Invalid filter", errorResponse.Error)
	util.AssertMatch(t, "bbox", errorResponse.Details)
}

func TestGeoJson_bboxOutOfRange(t *testing.T) {
	// Arrange
	server, _ := startServer(t, DefaultServerConfig(), map[string]*geojson.FeatureCollection{
		"regions": createCollection(1),
	})

	// Act
	response, _ := get(t, server.URL+"/geojson/regions?bbox=-1e10,-1e10,1e10,1e10")

	// Assert
	util.AssertEqual(t, http.StatusBadRequest, response.StatusCode)
}

func TestGeoJson_unknownDataset(t *testing.T) {
	// Arrange
	server, _ := startServer(t, DefaultServerConfig(), nil)

	// Act
	response, body := get(t, server.URL+"/geojson/parcels")

	// Assert
	util.AssertEqual(t, http.StatusNotFound, response.StatusCode)
	util.AssertJsonEqual(t, []byte(`{"error":"Unknown dataset 'parcels'"}`), bytes.TrimSpace(body))
}

func TestGeoJson_cooldown(t *testing.T) {
	// Arrange
	config := DefaultServerConfig()
	config.Cooldown = time.Minute
	server, _ := startServer(t, config, map[string]*geojson.FeatureCollection{
		"regions": createCollection(1),
	})

	// Act
	first, _ := get(t, server.URL+"/geojson/regions")
	second, _ := get(t, server.URL+"/geojson/regions")
	version, _ := get(t, server.URL+"/version/regions")

	// Assert
	util.AssertEqual(t, http.StatusOK, first.StatusCode)
	util.AssertEqual(t, http.StatusTooManyRequests, second.StatusCode)
	util.AssertEqual(t, "60", second.Header.Get(loader.HeaderRetryAfter))
	util.AssertEqual(t, http.StatusOK, version.StatusCode)
}

func TestVersion(t *testing.T) {
	// Arrange
	server, datasets := startServer(t, DefaultServerConfig(), map[string]*geojson.FeatureCollection{
		"regions": createCollection(3),
	})
	dataset, _ := datasets.Get("regions")

	// Act
	response, body := get(t, server.URL+"/version/regions")

	// Assert
	util.AssertEqual(t, http.StatusOK, response.StatusCode)
	util.AssertEqual(t, dataset.Version, response.Header.Get(loader.HeaderDataVersion))
	util.AssertJsonEqual(t, []byte(`{"version":"`+dataset.Version+`"}`), bytes.TrimSpace(body))
}

func TestDatasets_endpoint(t *testing.T) {
	// Arrange
	server, datasets := startServer(t, DefaultServerConfig(), map[string]*geojson.FeatureCollection{
		"regions":    createCollection(3),
		"catchments": createCollection(5),
	})
	regions, _ := datasets.Get("regions")
	catchments, _ := datasets.Get("catchments")

	// Act
	_, body := get(t, server.URL+"/datasets")

	// Assert
	util.AssertJsonEqual(t, []byte(`[`+
		`{"name":"catchments","version":"`+catchments.Version+`","featureCount":5},`+
		`{"name":"regions","version":"`+regions.Version+`","featureCount":3}]`), bytes.TrimSpace(body))
}

func TestDatasets_Put(t *testing.T) {
	// Arrange
	datasets := NewDatasets()

	// Act
	first, err := datasets.Put("regions", createCollection(3))
	util.AssertNil(t, err)
	same, err := datasets.Put("regions", createCollection(3))
	util.AssertNil(t, err)
	changed, err := datasets.Put("regions", createCollection(4))
	util.AssertNil(t, err)

	// Assert
	util.AssertMatch(t, "^[0-9a-f]{16}$", first.Version)
	util.AssertEqual(t, first.Version, same.Version)
	util.AssertTrue(t, first.Version != changed.Version)

	current, ok := datasets.Get("regions")
	util.AssertTrue(t, ok)
	util.AssertEqual(t, changed.Version, current.Version)
	util.AssertEqual(t, []string{"regions"}, datasets.Names())
}

func TestFetch_throughServer(t *testing.T) {
	sigolo.SetDefaultLogLevel(sigolo.LOG_TRACE)

	// Arrange
	server, datasets := startServer(t, DefaultServerConfig(), map[string]*geojson.FeatureCollection{
		"catchments": createCollection(300),
	})
	versionedCache := cache.New(cache.NewMemoryStore(), cache.DefaultConfig(), cache.WithHTTPClient(server.Client()))
	client := fetch.New(versionedCache, server.Client(), fetch.WithLoaderOptions(loader.WithChunkSize(512)))
	ctx := context.Background()
	url := server.URL + "/geojson/catchments?type=recycling&csrfmiddlewaretoken=abc"

	// Act
	streamed, err := client.FetchFeatures(ctx, "catchments", url)
	util.AssertNil(t, err)
	cached, err := client.FetchFeatures(ctx, "catchments", url)
	util.AssertNil(t, err)

	_, err = datasets.Put("catchments", createCollection(301))
	util.AssertNil(t, err)
	changed, err := client.FetchFeatures(ctx, "catchments", url)
	util.AssertNil(t, err)

	// Assert
	util.AssertFalse(t, streamed.FromCache)
	util.AssertLen(t, 150, streamed.Collection.Features)

	util.AssertTrue(t, cached.FromCache)
	util.AssertEqual(t, streamed.Version, cached.Version)
	util.AssertLen(t, 150, cached.Collection.Features)

	util.AssertFalse(t, changed.FromCache)
	util.AssertTrue(t, changed.Version != streamed.Version)
	util.AssertLen(t, 151, changed.Collection.Features)
}
