package util

import "testing"

func TestShorten(t *testing.T) {
	AssertEqual(t, "abc", Shorten("abc", 3))
	AssertEqual(t, "ab... [truncated]", Shorten("abc", 2))
	AssertEqual(t, "äö... [truncated]", Shorten("äöü", 2))
	AssertEqual(t, "", Shorten("", 5))
}
