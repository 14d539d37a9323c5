package web

import (
	"geostream/util"
	"github.com/paulmach/orb"
	"net/url"
	"testing"
)

func TestParseFilter(t *testing.T) {
	// Act
	filter, err := ParseFilter(url.Values{
		"bbox":                {"9.5,53.1,10.5,53.9"},
		"type":                {"recycling", ""},
		"csrfmiddlewaretoken": {"abc"},
		"page":                {"2"},
	})

	// Assert
	util.AssertNil(t, err)
	util.AssertEqual(t, &orb.Bound{Min: orb.Point{9.5, 53.1}, Max: orb.Point{10.5, 53.9}}, filter.Bound)
	util.AssertEqual(t, map[string][]string{"type": {"recycling"}}, filter.Properties)
}

func TestParseFilter_invalidBbox(t *testing.T) {
	for _, bbox := range []string{
		"1,2,3",
		"a,2,3,4",
		"3,2,1,4",
		"-1e10,-1e10,1e10,1e10",
		"-181,0,0,0",
		"0,0,10,91",
		"NaN,0,1,1",
	} {
		_, err := ParseFilter(url.Values{"bbox": {bbox}})
		util.AssertNotNil(t, err)
	}
}

func TestParseFilter_fullWorldBbox(t *testing.T) {
	filter, err := ParseFilter(url.Values{"bbox": {"-180,-90,180,90"}})
	util.AssertNil(t, err)
	util.AssertNotNil(t, filter.Bound)
}
