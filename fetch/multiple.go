package fetch

import (
	"context"
	"github.com/hauke96/sigolo/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"net/url"
	"sort"
	"strings"
)

type Request struct {
	Resource string
	URL      string
}

// Outcome is the result of one request of FetchMultiple. Exactly one of Result and Err is set.
type Outcome struct {
	Request Request
	Result  *Result
	Err     error
}

/*
FetchMultiple runs all requests in parallel and waits until every one of them succeeded or failed. The whole set is
limited by the client's timeout: requests not finished by then fail with ErrTimedOut and ErrTimedOut is returned as
well. The outcomes are in the order of the requests.

Requests for the same resource abort each other, so only the last one of them can succeed.
*/
func (c *Client) FetchMultiple(ctx context.Context, requests []Request) ([]Outcome, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	outcomes := make([]Outcome, len(requests))

	var group errgroup.Group
	if c.concurrency > 0 {
		group.SetLimit(c.concurrency)
	}

	for i, request := range requests {
		group.Go(func() error {
			result, err := c.FetchFeatures(timeoutCtx, request.Resource, request.URL)
			outcomes[i] = Outcome{Request: request, Result: result, Err: err}
			return nil
		})
	}

	// Failures are part of the outcomes, the group itself never fails.
	_ = group.Wait()

	timedOut := false
	for i := range outcomes {
		if outcomes[i].Err != nil && errors.Is(outcomes[i].Err, context.DeadlineExceeded) && errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			outcomes[i].Err = ErrTimedOut
			timedOut = true
		}
	}

	if timedOut {
		sigolo.Errorf("Loading %d resources took longer than %s", len(requests), c.timeout)
		return outcomes, ErrTimedOut
	}
	return outcomes, nil
}

// BuildURL appends the parameters to the query of the base URL. Empty values are left out.
func BuildURL(base string, parameters url.Values) (string, error) {
	parsedUrl, err := url.Parse(base)
	if err != nil {
		return "", errors.Wrapf(err, "Unable to parse base URL %s", base)
	}

	query := parsedUrl.Query()

	names := make([]string, 0, len(parameters))
	for name := range parameters {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for _, value := range parameters[name] {
			if strings.TrimSpace(value) != "" {
				query.Add(name, value)
			}
		}
	}

	parsedUrl.RawQuery = query.Encode()
	return parsedUrl.String(), nil
}
