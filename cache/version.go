package cache

import (
	"context"
	"encoding/json"
	"github.com/hauke96/sigolo/v2"
	"github.com/pkg/errors"
	"io"
	"net/http"
	"strings"
)

const HeaderDataVersion = "X-Data-Version"

type versionResponse struct {
	Version string `json:"version"`
}

// lookupVersion asks the version endpoint of the URL for the current version. The X-Data-Version header takes
// precedence over the JSON body.
func (c *VersionedCache) lookupVersion(ctx context.Context, url string) (string, error) {
	versionUrl, err := VersionURL(url)
	if err != nil {
		return "", err
	}

	sigolo.Tracef("Check version at %s", versionUrl)

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, versionUrl, nil)
	if err != nil {
		return "", errors.Wrapf(err, "Unable to create version request for %s", versionUrl)
	}
	request.Header.Set("Accept", "application/json")

	response, err := c.client.Do(request)
	if err != nil {
		return "", errors.Wrapf(err, "Version request to %s failed", versionUrl)
	}
	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return "", errors.Errorf("Version request to %s returned HTTP %d", versionUrl, response.StatusCode)
	}

	version := strings.TrimSpace(response.Header.Get(HeaderDataVersion))
	if version != "" {
		return version, nil
	}

	var body versionResponse
	err = json.NewDecoder(response.Body).Decode(&body)
	if err != nil {
		return "", errors.Wrapf(err, "Unable to read version response of %s", versionUrl)
	}
	if body.Version == "" {
		return "", errors.Errorf("Version response of %s contains no version", versionUrl)
	}

	return body.Version, nil
}

// Load is the default LoadFunc. It reads the whole body of a GET request to the URL.
func (c *VersionedCache) Load(ctx context.Context, url string) ([]byte, string, bool, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", false, errors.Wrapf(err, "Unable to create request for %s", url)
	}
	request.Header.Set("Accept", "application/geo+json, application/json")

	response, err := c.client.Do(request)
	if err != nil {
		return nil, "", false, errors.Wrapf(err, "Request to %s failed", url)
	}
	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return nil, "", false, errors.Errorf("Request to %s returned HTTP %d", url, response.StatusCode)
	}

	data, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, "", false, errors.Wrapf(err, "Unable to read response of %s", url)
	}

	return data, response.Header.Get(HeaderDataVersion), true, nil
}
