package feature

import (
	"geostream/util"
	"testing"
)

func TestProgress_percent(t *testing.T) {
	percent, ok := Progress{Loaded: 25, Total: 100}.Percent()
	util.AssertTrue(t, ok)
	util.AssertEqual(t, 25, percent)

	percent, ok = Progress{Loaded: 120, Total: 100}.Percent()
	util.AssertTrue(t, ok)
	util.AssertEqual(t, 100, percent)
}

func TestProgress_percentWithUnknownTotal(t *testing.T) {
	percent, ok := Progress{Loaded: 25, Total: 0}.Percent()
	util.AssertFalse(t, ok)
	util.AssertEqual(t, 0, percent)
}

func TestProgress_incomplete(t *testing.T) {
	util.AssertTrue(t, Progress{Loaded: 3, Total: 4}.Incomplete())
	util.AssertFalse(t, Progress{Loaded: 4, Total: 4}.Incomplete())
	util.AssertFalse(t, Progress{Loaded: 4, Total: 0}.Incomplete())
}

func TestProgress_string(t *testing.T) {
	util.AssertEqual(t, "1 / 4 features (25%)", Progress{Loaded: 1, Total: 4}.String())
	util.AssertEqual(t, "7 features", Progress{Loaded: 7}.String())
}
