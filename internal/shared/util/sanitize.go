package util

import (
	"errors"
	"strings"
	"unicode"
)

// MaxSegmentLen caps a sanitized key segment in bytes.
const MaxSegmentLen = 128

// ErrUnsafeSegment is returned for names that cannot become a single key or file name segment.
var ErrUnsafeSegment = errors.New("unsafe path segment")

// SafeSegment turns a caller supplied id into one object key or download file name segment.
// Separators become '_', quotes and control characters are dropped, and traversal patterns or
// names longer than MaxSegmentLen are rejected.
func SafeSegment(name string) (string, error) {
	if strings.Contains(name, "..") {
		return "", ErrUnsafeSegment
	}
	s := strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\':
			return '_'
		case r == '"' || unicode.IsControl(r):
			return -1
		}
		return r
	}, strings.TrimSpace(name))
	if s == "" || len(s) > MaxSegmentLen {
		return "", ErrUnsafeSegment
	}
	return s, nil
}
