package feature

import (
	"bytes"
	"encoding/json"
	"github.com/paulmach/orb/geojson"
	"github.com/pkg/errors"
)

const (
	TypeFeature           = "Feature"
	TypeFeatureCollection = "FeatureCollection"
)

// envelope is used to look at the outermost level of a document before deciding how to decode it. The decoder matches
// keys case-insensitive, so "geoJson", "geojson" and "GeoJSON" wrappers are all found.
type envelope struct {
	Type    string          `json:"type"`
	GeoJson json.RawMessage `json:"geoJson"`
}

// Normalize turns the different shapes of GeoJSON payloads servers respond with into one FeatureCollection. Accepted
// are a bare FeatureCollection, a single Feature, an array of Features and objects wrapping one of these in a "geoJson"
// member.
func Normalize(data []byte) (*geojson.FeatureCollection, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("Empty GeoJSON document")
	}

	if trimmed[0] == '[' {
		var rawFeatures []json.RawMessage
		err := json.Unmarshal(trimmed, &rawFeatures)
		if err != nil {
			return nil, errors.Wrap(err, "Unable to read GeoJSON feature array")
		}

		collection := geojson.NewFeatureCollection()
		for i, rawFeature := range rawFeatures {
			f, err := geojson.UnmarshalFeature(rawFeature)
			if err != nil {
				return nil, errors.Wrapf(err, "Unable to read feature %d of GeoJSON feature array", i)
			}
			collection.Append(f)
		}
		return collection, nil
	}

	var env envelope
	err := json.Unmarshal(trimmed, &env)
	if err != nil {
		return nil, errors.Wrap(err, "Unable to read GeoJSON document")
	}

	switch env.Type {
	case TypeFeatureCollection:
		collection, err := geojson.UnmarshalFeatureCollection(trimmed)
		if err != nil {
			return nil, errors.Wrap(err, "Unable to read GeoJSON feature collection")
		}
		if collection.Features == nil {
			collection.Features = []*geojson.Feature{}
		}
		return collection, nil
	case TypeFeature:
		f, err := geojson.UnmarshalFeature(trimmed)
		if err != nil {
			return nil, errors.Wrap(err, "Unable to read GeoJSON feature")
		}
		return geojson.NewFeatureCollection().Append(f), nil
	}

	if len(env.GeoJson) != 0 && string(env.GeoJson) != "null" {
		return Normalize(env.GeoJson)
	}

	return nil, errors.Errorf("Unsupported GeoJSON document of type '%s'", env.Type)
}

// Marshal encodes the collection. A nil collection is encoded as empty FeatureCollection so that cached entries always
// have the canonical shape.
func Marshal(collection *geojson.FeatureCollection) ([]byte, error) {
	if collection == nil {
		collection = geojson.NewFeatureCollection()
	}
	return collection.MarshalJSON()
}
