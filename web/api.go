package web

import (
	"encoding/json"
	"geostream/feature"
	"geostream/loader"
	"github.com/gorilla/mux"
	"github.com/hauke96/sigolo/v2"
	"github.com/paulmach/orb/geojson"
	"github.com/pkg/errors"
	"net/http"
	"strconv"
	"time"
)

const (
	DefaultPort       = "8080"
	DefaultFlushEvery = 50

	ContentTypeGeoJson = "application/geo+json"
	ContentTypeJson    = "application/json"

	CacheStatusHit = "HIT"
)

type ServerConfig struct {
	Port string

	// Responses with more features than this are streamed with X-Cache-Status STREAM.
	StreamThreshold int

	// Number of features written between two flushes of a streamed response.
	FlushEvery int

	// Minimum time between two GeoJSON requests of one client IP.
	Cooldown time.Duration
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:            DefaultPort,
		StreamThreshold: loader.DefaultStreamThreshold,
		FlushEvery:      DefaultFlushEvery,
	}
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func NewErrorResponse(message string, err error) *ErrorResponse {
	response := &ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	return response
}

type VersionResponse struct {
	Version string `json:"version"`
}

type DatasetResponse struct {
	Name         string `json:"name"`
	Version      string `json:"version"`
	FeatureCount int    `json:"featureCount"`
}

type Server struct {
	datasets *Datasets
	config   ServerConfig
	cooldown *Cooldown
}

func NewServer(datasets *Datasets, config ServerConfig) *Server {
	if config.FlushEvery <= 0 {
		config.FlushEvery = DefaultFlushEvery
	}
	return &Server{
		datasets: datasets,
		config:   config,
		cooldown: NewCooldown(config.Cooldown),
	}
}

func StartServer(datasets *Datasets, config ServerConfig) {
	s := NewServer(datasets, config)
	r := s.initRouter()
	sigolo.Infof("Start server on port %s with datasets %v", config.Port, datasets.Names())
	err := http.ListenAndServe(":"+config.Port, r)
	sigolo.FatalCheck(err)
}

func (s *Server) initRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/datasets", s.handleDatasets).Methods(http.MethodGet)
	r.HandleFunc("/geojson/{dataset}", s.handleGeoJson).Methods(http.MethodGet)
	r.HandleFunc("/version/{dataset}", s.handleVersion).Methods(http.MethodGet)
	return r
}

func (s *Server) handleDatasets(writer http.ResponseWriter, request *http.Request) {
	writer.Header().Set("Access-Control-Allow-Origin", "*")

	response := make([]DatasetResponse, 0)
	for _, name := range s.datasets.Names() {
		dataset, ok := s.datasets.Get(name)
		if !ok {
			continue
		}
		response = append(response, DatasetResponse{
			Name:         dataset.Name,
			Version:      dataset.Version,
			FeatureCount: len(dataset.Collection.Features),
		})
	}

	writeJson(writer, http.StatusOK, response)
}

func (s *Server) handleVersion(writer http.ResponseWriter, request *http.Request) {
	writer.Header().Set("Access-Control-Allow-Origin", "*")

	dataset, ok := s.dataset(writer, request)
	if !ok {
		return
	}

	writer.Header().Set(loader.HeaderDataVersion, dataset.Version)
	writeJson(writer, http.StatusOK, &VersionResponse{Version: dataset.Version})
}

func (s *Server) handleGeoJson(writer http.ResponseWriter, request *http.Request) {
	writer.Header().Set("Access-Control-Allow-Origin", "*")

	dataset, ok := s.dataset(writer, request)
	if !ok {
		return
	}

	ip := clientIp(request)
	allowed, retryAfter := s.cooldown.Acquire(ip)
	if !allowed {
		sigolo.Infof("Reject request of %s to dataset %s, retry after %d seconds", ip, dataset.Name, retryAfter)
		writer.Header().Set(loader.HeaderRetryAfter, strconv.Itoa(retryAfter))
		writeJson(writer, http.StatusTooManyRequests, NewErrorResponse("Too many requests", nil))
		return
	}

	filter, err := ParseFilter(request.URL.Query())
	if err != nil {
		sigolo.Errorf("Error parsing filter of request to %s: %+v", request.URL.Path, err)
		writeJson(writer, http.StatusBadRequest, NewErrorResponse("Invalid filter", err))
		return
	}

	features := dataset.Select(filter)
	sigolo.Debugf("Selected %d of %d features of dataset %s", len(features), len(dataset.Collection.Features), dataset.Name)

	writer.Header().Set("Content-Type", ContentTypeGeoJson)
	writer.Header().Set(loader.HeaderTotalCount, strconv.Itoa(len(features)))
	writer.Header().Set(loader.HeaderDataVersion, dataset.Version)

	if len(features) > s.config.StreamThreshold {
		err = s.writeStream(writer, features)
	} else {
		err = writeCollection(writer, features)
	}
	if err != nil {
		// The status is already sent at this point, the client sees a truncated body.
		sigolo.Errorf("Error writing features of dataset %s: %+v", dataset.Name, err)
	}
}

// dataset returns the dataset of the request or writes a 404 response.
func (s *Server) dataset(writer http.ResponseWriter, request *http.Request) (*Dataset, bool) {
	name := mux.Vars(request)["dataset"]
	dataset, ok := s.datasets.Get(name)
	if !ok {
		sigolo.Debugf("Request to unknown dataset '%s'", name)
		writeJson(writer, http.StatusNotFound, NewErrorResponse("Unknown dataset '"+name+"'", nil))
		return nil, false
	}
	return dataset, true
}

func writeCollection(writer http.ResponseWriter, features []*geojson.Feature) error {
	collection := geojson.NewFeatureCollection()
	collection.Features = features

	data, err := feature.Marshal(collection)
	if err != nil {
		writeJson(writer, http.StatusInternalServerError, NewErrorResponse("Unable to encode features", err))
		return err
	}

	writer.Header().Set(loader.HeaderCacheStatus, CacheStatusHit)
	writer.Header().Set("Content-Length", strconv.Itoa(len(data)))
	writer.WriteHeader(http.StatusOK)
	_, err = writer.Write(data)
	return errors.Wrap(err, "Unable to write feature collection")
}

// writeStream writes the features one after another and flushes the response regularly, so that clients can parse
// the collection while it's still being written.
func (s *Server) writeStream(writer http.ResponseWriter, features []*geojson.Feature) error {
	flusher, canFlush := writer.(http.Flusher)

	writer.Header().Set(loader.HeaderCacheStatus, loader.CacheStatusStream)
	writer.WriteHeader(http.StatusOK)

	_, err := writer.Write([]byte(`{"type":"FeatureCollection","features":[`))
	if err != nil {
		return errors.Wrap(err, "Unable to write start of feature collection")
	}

	for i, f := range features {
		data, err := f.MarshalJSON()
		if err != nil {
			return errors.Wrapf(err, "Unable to encode feature %d", i)
		}
		if i > 0 {
			data = append([]byte{','}, data...)
		}

		_, err = writer.Write(data)
		if err != nil {
			return errors.Wrapf(err, "Unable to write feature %d", i)
		}

		if canFlush && (i+1)%s.config.FlushEvery == 0 {
			flusher.Flush()
		}
	}

	_, err = writer.Write([]byte("]}"))
	if err != nil {
		return errors.Wrap(err, "Unable to write end of feature collection")
	}
	if canFlush {
		flusher.Flush()
	}
	return nil
}

func writeJson(writer http.ResponseWriter, status int, value any) {
	writer.Header().Set("Content-Type", ContentTypeJson)
	writer.WriteHeader(status)
	err := json.NewEncoder(writer).Encode(value)
	if err != nil {
		sigolo.Errorf("Error writing response: %+v", err)
	}
}
