package parser

import (
	"fmt"
	"github.com/pkg/errors"
	"runtime"
	"strings"
)

// ErrAborted is returned when a parse or request was cancelled by the caller. It is never passed to an error handler.
var ErrAborted = errors.New("GeoJSON request aborted")

type stack *[]uintptr

// getCurrentStack creates a new stack without the last three frames, because they are from the internal calls (e.g. to
// this function) and therefore irrelevant to the function creating the error.
func getCurrentStack() stack {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])
	var st = pcs[0:n]
	return &st
}

func getPrintableStackTrace(stack stack) string {
	var sb strings.Builder

	for _, pc := range *stack {
		f := runtime.FuncForPC(pc)
		if f == nil {
			continue
		}
		file, line := f.FileLine(pc)
		sb.WriteString(fmt.Sprintf("%s\n\t%s:%d\n", f.Name(), file, line))
	}

	return sb.String()
}

func formatWithStack(s fmt.State, verb rune, message string, stack stack) {
	switch verb {
	case 'v':
		fmt.Fprintf(s, "%s\n%s", message, getPrintableStackTrace(stack))
	case 's':
		fmt.Fprintf(s, "%s", message)
	}
}

// TransportError covers everything that prevents a response from being read as GeoJSON: network failures, unexpected
// status codes, timeouts and malformed top-level documents. StatusCode is 0 when no HTTP status was involved.
type TransportError struct {
	Message    string `json:"message"`
	StatusCode int    `json:"status-code,omitempty"`
	cause      error
	stack      stack
}

func NewTransportError(statusCode int, cause error, format string, args ...any) *TransportError {
	message := fmt.Sprintf(format, args...)
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}
	return &TransportError{
		Message:    message,
		StatusCode: statusCode,
		cause:      cause,
		stack:      getCurrentStack(),
	}
}

func (e *TransportError) Format(s fmt.State, verb rune) {
	formatWithStack(s, verb, e.Error(), e.stack)
}

func (e *TransportError) Error() string {
	return e.Message
}

func (e *TransportError) Unwrap() error {
	return e.cause
}

// RateLimitError is returned for HTTP 429 responses. RetryAfter is the number of seconds the server asked to wait.
type RateLimitError struct {
	Message    string `json:"message"`
	RetryAfter int    `json:"retry-after"`
	stack      stack
}

func NewRateLimitError(retryAfter int) *RateLimitError {
	return &RateLimitError{
		Message:    fmt.Sprintf("Rate limit exceeded. Please wait %d seconds before trying again.", retryAfter),
		RetryAfter: retryAfter,
		stack:      getCurrentStack(),
	}
}

func (e *RateLimitError) Format(s fmt.State, verb rune) {
	formatWithStack(s, verb, e.Error(), e.stack)
}

func (e *RateLimitError) Error() string {
	return e.Message
}

// IsRateLimited returns the number of seconds to wait when the given error (or one it wraps) is a RateLimitError.
func IsRateLimited(err error) (int, bool) {
	var rateLimitError *RateLimitError
	if errors.As(err, &rateLimitError) {
		return rateLimitError.RetryAfter, true
	}
	return 0, false
}

// FeatureParseError describes a single feature of a stream which couldn't be decoded. These errors are logged and the
// feature is skipped, they never end a parse.
type FeatureParseError struct {
	Message string `json:"message"`
	Offset  int64  `json:"offset"`
	cause   error
	stack   stack
}

func NewFeatureParseError(offset int64, cause error, format string, args ...any) *FeatureParseError {
	message := fmt.Sprintf("Skipping feature at byte %d: %s", offset, fmt.Sprintf(format, args...))
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}
	return &FeatureParseError{
		Message: message,
		Offset:  offset,
		cause:   cause,
		stack:   getCurrentStack(),
	}
}

func (e *FeatureParseError) Format(s fmt.State, verb rune) {
	formatWithStack(s, verb, e.Error(), e.stack)
}

func (e *FeatureParseError) Error() string {
	return e.Message
}

func (e *FeatureParseError) Unwrap() error {
	return e.cause
}
