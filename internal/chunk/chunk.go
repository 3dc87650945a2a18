// Package chunk splits ordered collections into fixed-size batches.
package chunk

import (
	"errors"
	"fmt"
)

// ErrInvalidSize is returned when the batch size is not positive.
var ErrInvalidSize = errors.New("chunk: batch size must be positive")

// Split partitions items into ceil(len(items)/size) contiguous batches, preserving order.
// The last batch may be shorter than size. Batches share the backing array of items.
func Split[T any](items []T, size int) ([][]T, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSize, size)
	}
	out := make([][]T, 0, Count(len(items), size))
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end:end])
	}
	return out, nil
}

// Count returns the number of batches Split produces for n items, or 0 when size <= 0.
func Count(n, size int) int {
	if size <= 0 || n <= 0 {
		return 0
	}
	return (n + size - 1) / size
}
