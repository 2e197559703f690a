package markduplicates

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateLibrarySizeNoDuplicates(t *testing.T) {
	_, err := estimateLibrarySize(100, 100)
	assert.Error(t, err)
	_, err = estimateLibrarySize(0, 0)
	assert.Error(t, err)
}

func TestEstimateLibrarySizeConvergesOnKnownValues(t *testing.T) {
	// With half the pairs duplicated, the Lander-Waterman inversion puts
	// the library size near 1.25 times the unique pair count (about 627).
	size, err := estimateLibrarySize(1000, 500)
	require.NoError(t, err)
	assert.True(t, size > 550 && size < 700, "got %d", size)

	// A tiny duplicate fraction implies a library far larger than the
	// observed unique pairs.
	size, err = estimateLibrarySize(1000, 999)
	require.NoError(t, err)
	assert.True(t, size > 10000, "got %d", size)
}

func TestEstimateLibrarySizeMonotoneInUniquePairs(t *testing.T) {
	prev := uint64(0)
	for _, unique := range []uint64{500, 600, 700, 800, 900} {
		size, err := estimateLibrarySize(1000, unique)
		require.NoError(t, err)
		assert.True(t, size > prev, "unique %d gave %d after %d", unique, size, prev)
		prev = size
	}
}

func TestLibraryTableResolvesLBAndDefaults(t *testing.T) {
	header := headerWithReadGroups(t, map[string]string{
		"rg1": "libA",
		"rg2": "libA",
		"rg3": "",
	})
	libs := newLibraryTable(header)

	recA := recordWithRG(t, "rg1")
	libA, rgA := libs.lookup(recA)
	assert.Equal(t, "libA", libs.name(libA))
	assert.True(t, rgA >= 0)

	recShared := recordWithRG(t, "rg2")
	libShared, _ := libs.lookup(recShared)
	assert.Equal(t, libA, libShared, "read groups sharing an LB share a library id")

	recNoLB, _ := libs.lookup(recordWithRG(t, "rg3"))
	assert.Equal(t, int32(0), recNoLB)

	recUnknown, rgUnknown := libs.lookup(recordWithRG(t, "nosuch"))
	assert.Equal(t, int32(0), recUnknown)
	assert.Equal(t, int32(-1), rgUnknown)
}
