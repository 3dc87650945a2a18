package util

import (
	"crypto/sha256"
	"encoding/hex"
)

// hashedSegmentLen is the number of hex characters kept by HashedSegment.
const hashedSegmentLen = 32

// HashedSegment stands in for an id that SafeSegment rejects. The "h-" prefix keeps it apart
// from ids that were usable as-is.
func HashedSegment(id string) string {
	sum := sha256.Sum256([]byte(id))
	return "h-" + hex.EncodeToString(sum[:])[:hashedSegmentLen]
}

// SegmentOrHash returns SafeSegment(id) when it succeeds and HashedSegment(id) otherwise.
func SegmentOrHash(id string) string {
	if s, err := SafeSegment(id); err == nil {
		return s
	}
	return HashedSegment(id)
}
