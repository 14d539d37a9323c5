package cache

import (
	"github.com/pkg/errors"
	"net/url"
	"sort"
	"strings"
)

// volatileParameters change with every page load but don't change the response.
var volatileParameters = map[string]bool{
	"csrfmiddlewaretoken": true,
	"_":                   true,
}

/*
NormalizeKey turns a request URL into its cache key. Two URLs requesting the same data result in the same key:

  - query parameters are sorted by name, multiple values of one parameter by value
  - empty parameters and volatile parameters (CSRF token, "_" cache buster) are removed
  - the fragment is removed

A URL that can't be parsed is used as it is.
*/
func NormalizeKey(rawUrl string) string {
	rawUrl = strings.TrimSpace(rawUrl)

	parsedUrl, err := url.Parse(rawUrl)
	if err != nil {
		return rawUrl
	}

	normalizedQuery := url.Values{}
	for name, values := range parsedUrl.Query() {
		if volatileParameters[name] {
			continue
		}

		for _, value := range values {
			if value != "" {
				normalizedQuery[name] = append(normalizedQuery[name], value)
			}
		}
	}
	for _, values := range normalizedQuery {
		sort.Strings(values)
	}

	parsedUrl.RawQuery = normalizedQuery.Encode() // Encode sorts by key
	parsedUrl.ForceQuery = false
	parsedUrl.Fragment = ""
	parsedUrl.RawFragment = ""

	return parsedUrl.String()
}

// VersionURL derives the URL of the version endpoint by replacing the "/geojson/" path segment with "/version/". The
// query is kept.
func VersionURL(rawUrl string) (string, error) {
	parsedUrl, err := url.Parse(rawUrl)
	if err != nil {
		return "", errors.Wrapf(err, "Unable to parse URL %s", rawUrl)
	}

	if !strings.Contains(parsedUrl.Path, "/geojson/") {
		return "", errors.Errorf("URL %s has no /geojson/ path segment", rawUrl)
	}

	parsedUrl.Path = strings.Replace(parsedUrl.Path, "/geojson/", "/version/", 1)
	parsedUrl.RawPath = ""
	parsedUrl.Fragment = ""
	parsedUrl.RawFragment = ""

	return parsedUrl.String(), nil
}
