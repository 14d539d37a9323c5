package parser

import (
	"fmt"
	"github.com/hauke96/sigolo/v2"
)

/*
FeatureScanner finds the boundaries of the features within a FeatureCollection document that arrives in arbitrary
chunks. The expected structure is

	{"type":"FeatureCollection","features":[{...},{...}]}

where brace depth 1 is the collection object and brace depth 2 inside a bracket is one feature. The scanner works on
bytes instead of runes: all structural characters are ASCII and can never be part of a UTF-8 multibyte sequence, so a
chunk boundary splitting a rune doesn't matter.

Only the bytes of the feature currently being captured are buffered. Everything between features (commas, whitespace,
the collection members) is looked at once and dropped.
*/
type FeatureScanner struct {
	inString     bool
	escapeNext   bool
	braceDepth   int
	bracketDepth int

	capturing    bool
	buffer       []byte
	featureStart int64 // Absolute offset of the first byte of the captured feature.

	offset    int64 // Absolute offset of the next byte to scan.
	started   int   // Number of features whose opening brace has been seen.
	sawRoot   bool
	rootDone  bool
	badStart  bool
	firstByte byte
}

// Scan processes the next chunk of the document and calls emit for every complete feature candidate. The slice given
// to emit is only valid during the call and must be copied if it is retained.
func (s *FeatureScanner) Scan(chunk []byte, emit func(raw []byte, offset int64)) {
	for _, char := range chunk {
		s.scanByte(char, emit)
		s.offset++
	}
}

func (s *FeatureScanner) scanByte(char byte, emit func(raw []byte, offset int64)) {
	if s.badStart {
		return
	}
	if s.capturing {
		s.buffer = append(s.buffer, char)
	}

	if !s.sawRoot {
		if isJsonWhitespace(char) {
			return
		}
		s.firstByte = char
		if char != '{' {
			s.badStart = true
			return
		}
		s.sawRoot = true
	}

	if s.escapeNext {
		s.escapeNext = false
		return
	}

	if s.inString {
		switch char {
		case '\\':
			s.escapeNext = true
		case '"':
			s.inString = false
		}
		return
	}

	switch char {
	case '"':
		s.inString = true
	case '[':
		s.bracketDepth++
	case ']':
		s.bracketDepth--
	case '{':
		s.braceDepth++
		if s.braceDepth == 2 && s.bracketDepth >= 1 {
			s.capturing = true
			s.buffer = append(s.buffer[:0], char)
			s.featureStart = s.offset
			s.started++
			s.tracef("Feature %d starts", s.started)
		}
	case '}':
		if s.braceDepth == 2 && s.bracketDepth >= 1 && s.capturing {
			s.tracef("Feature %d ends after %d bytes", s.started, len(s.buffer))
			emit(s.buffer, s.featureStart)
			s.capturing = false
			s.buffer = s.buffer[:0]
		}
		s.braceDepth--
		if s.braceDepth == 0 && s.sawRoot {
			s.rootDone = true
		}
	}
}

// Started returns the number of features whose opening brace has been scanned, including the one currently captured.
func (s *FeatureScanner) Started() int {
	return s.started
}

// Pending is true while the scanner is in the middle of a feature.
func (s *FeatureScanner) Pending() bool {
	return s.capturing
}

// Complete is true once the closing brace of the top-level object has been scanned.
func (s *FeatureScanner) Complete() bool {
	return s.rootDone
}

// InvalidStart returns true and the offending byte when the document doesn't start with an object.
func (s *FeatureScanner) InvalidStart() (byte, bool) {
	return s.firstByte, s.badStart
}

func isJsonWhitespace(char byte) bool {
	return char == ' ' || char == '\t' || char == '\n' || char == '\r'
}

func (s *FeatureScanner) tracef(format string, args ...any) {
	if !sigolo.ShouldLogTrace() {
		return
	}
	sigolo.Traceb(1, "[%d, depth %d/%d] %s", s.offset, s.braceDepth, s.bracketDepth, fmt.Sprintf(format, args...))
}
