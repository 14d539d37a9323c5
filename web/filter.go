package web

import (
	"fmt"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/pkg/errors"
	"math"
	"net/url"
	"strconv"
	"strings"
)

const ParameterBbox = "bbox"

// Parameters which are part of requests but never select features.
var ignoredParameters = map[string]bool{
	"csrfmiddlewaretoken": true,
	"scope":               true,
	"page":                true,
	"next":                true,
	"dv":                  true,
	"_":                   true,
}

// Filter selects features by bounding box and property values. A feature matches a property when the property has one
// of the requested values.
type Filter struct {
	Bound      *orb.Bound
	Properties map[string][]string
}

func ParseFilter(query url.Values) (*Filter, error) {
	filter := &Filter{Properties: map[string][]string{}}

	for name, values := range query {
		if ignoredParameters[name] {
			continue
		}

		if name == ParameterBbox {
			bound, err := parseBbox(values[0])
			if err != nil {
				return nil, err
			}
			filter.Bound = bound
			continue
		}

		for _, value := range values {
			if value != "" {
				filter.Properties[name] = append(filter.Properties[name], value)
			}
		}
	}

	return filter, nil
}

// parseBbox reads a "minLon,minLat,maxLon,maxLat" string.
func parseBbox(value string) (*orb.Bound, error) {
	parts := strings.Split(value, ",")
	if len(parts) != 4 {
		return nil, errors.Errorf("Invalid bbox '%s': expected minLon,minLat,maxLon,maxLat", value)
	}

	coordinates := make([]float64, 4)
	for i, part := range parts {
		coordinate, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, errors.Wrapf(err, "Invalid coordinate '%s' in bbox '%s'", part, value)
		}
		coordinates[i] = coordinate
	}

	for i, coordinate := range coordinates {
		limit := 180.0
		if i%2 == 1 {
			limit = 90
		}
		if math.IsNaN(coordinate) || coordinate < -limit || coordinate > limit {
			return nil, errors.Errorf("Invalid bbox '%s': coordinate %g is outside of [-%g, %g]", value, coordinate, limit, limit)
		}
	}

	if coordinates[0] > coordinates[2] || coordinates[1] > coordinates[3] {
		return nil, errors.Errorf("Invalid bbox '%s': minimum is larger than maximum", value)
	}

	return &orb.Bound{
		Min: orb.Point{coordinates[0], coordinates[1]},
		Max: orb.Point{coordinates[2], coordinates[3]},
	}, nil
}

// Matches checks the feature against the filter. The bound is the bound of the feature's geometry and nil when the
// feature has no geometry, such features never match a bbox.
func (f *Filter) Matches(feature *geojson.Feature, bound *orb.Bound) bool {
	if f.Bound != nil && (bound == nil || !f.Bound.Intersects(*bound)) {
		return false
	}

	for name, values := range f.Properties {
		property, ok := feature.Properties[name]
		if !ok || property == nil {
			return false
		}

		propertyValue := fmt.Sprint(property)
		found := false
		for _, value := range values {
			if value == propertyValue {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}
