package feature

import "fmt"

// Progress is a snapshot of how many features of a collection have been loaded. Total is zero when the server didn't
// announce the number of features.
type Progress struct {
	Loaded int
	Total  int
}

// Percent returns the loaded share in whole percent. The boolean is false when the total is unknown, in which case no
// percentage can be computed.
func (p Progress) Percent() (int, bool) {
	if p.Total <= 0 {
		return 0, false
	}
	percent := p.Loaded * 100 / p.Total
	if percent > 100 {
		percent = 100
	}
	return percent, true
}

// Incomplete is true when fewer features arrived than announced. Callers use this to warn about truncated responses.
func (p Progress) Incomplete() bool {
	return p.Total > 0 && p.Loaded < p.Total
}

func (p Progress) String() string {
	if percent, ok := p.Percent(); ok {
		return fmt.Sprintf("%d / %d features (%d%%)", p.Loaded, p.Total, percent)
	}
	return fmt.Sprintf("%d features", p.Loaded)
}
