package source

import (
	"context"
	"geostream/feature"
	"github.com/hauke96/sigolo/v2"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmgeojson"
	"github.com/paulmach/osm/osmpbf"
	"github.com/paulmach/osm/osmxml"
	"github.com/pkg/errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Load reads a dataset file. GeoJSON files (.geojson, .json) may have any shape feature.Normalize accepts. OSM files
// (.osm, .pbf) are converted into one feature per element, with the OSM tags as properties.
func Load(filename string) (*geojson.FeatureCollection, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "Unable to open dataset file %s", filename)
	}
	defer file.Close()

	switch {
	case strings.HasSuffix(filename, ".geojson"), strings.HasSuffix(filename, ".json"):
		return ReadGeoJson(file)
	case strings.HasSuffix(filename, ".osm"):
		return ReadOsm(osmxml.New(context.Background(), file))
	case strings.HasSuffix(filename, ".pbf"):
		return ReadOsm(osmpbf.New(context.Background(), file, 1))
	}

	return nil, errors.Errorf("Unsupported dataset file %s: must be a .geojson, .json, .osm or .pbf file", filename)
}

// DatasetName returns the name a dataset file is served under: the file name without directory and extensions.
func DatasetName(filename string) string {
	name := filepath.Base(filename)
	return strings.SplitN(name, ".", 2)[0]
}

func ReadGeoJson(reader io.Reader) (*geojson.FeatureCollection, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, errors.Wrap(err, "Unable to read GeoJSON data")
	}
	return feature.Normalize(data)
}

// ReadOsm collects all elements of the scanner and converts them into features. The scanner is closed afterward.
func ReadOsm(scanner osm.Scanner) (*geojson.FeatureCollection, error) {
	defer scanner.Close()

	sigolo.Debug("Start processing OSM data")
	readStartTime := time.Now()

	o := &osm.OSM{}
	counts := map[feature.OsmObjectType]int{}

	for scanner.Scan() {
		obj := scanner.Object()
		counts[feature.OsmObjectTypeOf(obj)]++

		switch osmObj := obj.(type) {
		case *osm.Node:
			o.Nodes = append(o.Nodes, osmObj)
		case *osm.Way:
			o.Ways = append(o.Ways, osmObj)
		case *osm.Relation:
			o.Relations = append(o.Relations, osmObj)
		}
	}

	err := scanner.Err()
	if err != nil {
		return nil, errors.Wrap(err, "Unable to read OSM data")
	}

	sigolo.Debugf("Read %d nodes, %d ways, %d relations and %d other objects", counts[feature.OsmObjNode], counts[feature.OsmObjWay], counts[feature.OsmObjRelation], counts[feature.OsmObjOther])

	collection, err := osmgeojson.Convert(o, osmgeojson.NoMeta(true))
	if err != nil {
		return nil, errors.Wrap(err, "Unable to convert OSM data to GeoJSON")
	}

	for _, f := range collection.Features {
		flattenTags(f)
	}

	sigolo.Infof("Converted OSM data into %d features in %s", len(collection.Features), time.Since(readStartTime))

	return collection, nil
}

// flattenTags moves the OSM tags from the "tags" property to the top level of the properties, so that they can be
// filtered like the properties of any other feature. Existing properties are not overwritten.
func flattenTags(f *geojson.Feature) {
	tags := map[string]any{}
	switch t := f.Properties["tags"].(type) {
	case map[string]string:
		for key, value := range t {
			tags[key] = value
		}
	case map[string]any:
		tags = t
	default:
		return
	}

	for key, value := range tags {
		if _, exists := f.Properties[key]; !exists {
			f.Properties[key] = value
		}
	}
	delete(f.Properties, "tags")
}
