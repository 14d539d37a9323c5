package util

import (
	"github.com/hauke96/sigolo/v2"
	"strings"
)

// SetupLogging sets the global log level. The "info" level uses the plain format without caller information, the more
// verbose levels keep the full format to make tracing easier.
func SetupLogging(level string) {
	switch strings.ToLower(level) {
	case "debug":
		sigolo.SetDefaultLogLevel(sigolo.LOG_DEBUG)
	case "trace":
		sigolo.SetDefaultLogLevel(sigolo.LOG_TRACE)
	case "info":
		sigolo.SetDefaultLogLevel(sigolo.LOG_INFO)
		sigolo.SetDefaultFormatFunctionAll(sigolo.LogPlain)
	default:
		sigolo.SetDefaultFormatFunctionAll(sigolo.LogPlain)
		sigolo.Fatalf("Unknown logging level '%s'", level)
	}
}

// Shorten cuts the given string to the given amount of runes and marks it as truncated. Used to keep logged response
// bodies and URLs readable.
func Shorten(s string, maxRunes int) string {
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes]) + "... [truncated]"
}
