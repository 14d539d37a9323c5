package web

import (
	"fmt"
	"geostream/feature"
	"github.com/cespare/xxhash/v2"
	"github.com/hauke96/sigolo/v2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/pkg/errors"
	"sort"
	"sync"
)

type Dataset struct {
	Name       string
	Collection *geojson.FeatureCollection
	Version    string

	// Bounds of the feature geometries, same order as the features. Features without geometry have no bound.
	bounds []*orb.Bound
	grid   *gridIndex
}

// Datasets holds the served datasets by name. It's safe for concurrent use, replacing a dataset while it's served
// doesn't affect running responses.
type Datasets struct {
	mutex    sync.RWMutex
	datasets map[string]*Dataset
}

func NewDatasets() *Datasets {
	return &Datasets{datasets: map[string]*Dataset{}}
}

// Put adds the collection under the given name or replaces the existing dataset of that name. The version of the
// dataset is the xxhash of its JSON encoding, so equal data always gets the same version.
func (d *Datasets) Put(name string, collection *geojson.FeatureCollection) (*Dataset, error) {
	data, err := feature.Marshal(collection)
	if err != nil {
		return nil, errors.Wrapf(err, "Unable to encode dataset %s", name)
	}
	if collection == nil {
		collection = geojson.NewFeatureCollection()
	}

	dataset := &Dataset{
		Name:       name,
		Collection: collection,
		Version:    fmt.Sprintf("%016x", xxhash.Sum64(data)),
		bounds:     make([]*orb.Bound, len(collection.Features)),
	}
	for i, f := range collection.Features {
		if f.Geometry != nil {
			bound := f.Geometry.Bound()
			dataset.bounds[i] = &bound
		}
	}
	dataset.grid = newGridIndex(dataset.bounds, DefaultCellSize)

	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.datasets[name] = dataset

	sigolo.Infof("Serve dataset %s with %d features (version %s)", name, len(collection.Features), dataset.Version)

	return dataset, nil
}

func (d *Datasets) Get(name string) (*Dataset, bool) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	dataset, ok := d.datasets[name]
	return dataset, ok
}

func (d *Datasets) Names() []string {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	var names []string
	for name := range d.datasets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select returns all features matching the filter in their original order.
func (d *Dataset) Select(filter *Filter) []*geojson.Feature {
	selected := make([]*geojson.Feature, 0)

	if filter.Bound != nil {
		for _, i := range d.grid.candidates(*filter.Bound) {
			f := d.Collection.Features[i]
			if filter.Matches(f, d.bounds[i]) {
				selected = append(selected, f)
			}
		}
		return selected
	}

	for i, f := range d.Collection.Features {
		if filter.Matches(f, d.bounds[i]) {
			selected = append(selected, f)
		}
	}
	return selected
}
