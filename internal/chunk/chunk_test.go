package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitSizes(t *testing.T) {
	tests := []struct {
		name  string
		n     int
		size  int
		sizes []int
	}{
		{name: "empty", n: 0, size: 10, sizes: []int{}},
		{name: "selection scenario", n: 23, size: 10, sizes: []int{10, 10, 3}},
		{name: "refinement scenario", n: 5, size: 2, sizes: []int{2, 2, 1}},
		{name: "exact multiple", n: 20, size: 10, sizes: []int{10, 10}},
		{name: "smaller than size", n: 3, size: 10, sizes: []int{3}},
		{name: "size one", n: 3, size: 1, sizes: []int{1, 1, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items := seq(tt.n)
			batches, err := Split(items, tt.size)
			require.NoError(t, err)

			got := make([]int, 0, len(batches))
			for _, b := range batches {
				got = append(got, len(b))
			}
			assert.Equal(t, tt.sizes, got)
			assert.Equal(t, Count(tt.n, tt.size), len(batches))
		})
	}
}

func TestSplitPreservesOrder(t *testing.T) {
	for n := 0; n <= 40; n++ {
		for size := 1; size <= 12; size++ {
			items := seq(n)
			batches, err := Split(items, size)
			require.NoError(t, err)

			var joined []int
			for i, b := range batches {
				if i < len(batches)-1 {
					require.Len(t, b, size, "n=%d size=%d batch=%d", n, size, i)
				}
				joined = append(joined, b...)
			}
			if n == 0 {
				assert.Empty(t, joined)
				continue
			}
			assert.Equal(t, items, joined, "n=%d size=%d", n, size)
		}
	}
}

func TestSplitRejectsNonPositiveSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		_, err := Split([]string{"a"}, size)
		require.ErrorIs(t, err, ErrInvalidSize)
	}
}

func TestSplitBatchesDoNotAlias(t *testing.T) {
	batches, err := Split([]int{1, 2, 3, 4}, 2)
	require.NoError(t, err)

	first := append(batches[0], 99)
	assert.Equal(t, []int{1, 2, 99}, first)
	assert.Equal(t, []int{3, 4}, batches[1])
}

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
