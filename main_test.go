package main

import (
	"geostream/fetch"
	"geostream/util"
	"net/url"
	"testing"
)

func TestFetchRequests(t *testing.T) {
	// Arrange
	urls := []string{
		"https://example.com/api/regions?format=json",
		"https://example.com/api/catchments",
		"https://other.example.com/regions",
	}
	parameters := url.Values{"bbox": []string{"9,53,10,54"}}

	// Act
	requests, err := fetchRequests(urls, parameters)

	// Assert
	util.AssertNil(t, err)
	util.AssertEqual(t, []fetch.Request{
		{Resource: "regions-1", URL: "https://example.com/api/regions?bbox=9%2C53%2C10%2C54&format=json"},
		{Resource: "catchments", URL: "https://example.com/api/catchments?bbox=9%2C53%2C10%2C54"},
		{Resource: "regions-3", URL: "https://other.example.com/regions?bbox=9%2C53%2C10%2C54"},
	}, requests)
}

func TestFetchRequests_invalidUrl(t *testing.T) {
	// Act
	requests, err := fetchRequests([]string{"https://example.com/regions", "://broken"}, url.Values{})

	// Assert
	util.AssertNotNil(t, err)
	util.AssertNil(t, requests)
}
