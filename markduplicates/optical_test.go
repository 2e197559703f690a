package markduplicates

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bio-tools/bammarkduplicates/internal/readend"
)

func opticalPair(tile, x, y int32) readend.Pair {
	p := testPair(100, 300, 100, 0, 1)
	p.Tile, p.X, p.Y = tile, x, y
	return p
}

func TestCountOpticalFlagsCloseNeighborsOnce(t *testing.T) {
	group := []readend.Pair{
		opticalPair(1101, 100, 200),
		opticalPair(1101, 150, 210),
		opticalPair(1101, 160, 215),
	}
	// All three sit within 100px of one another; the two later ones are
	// each flagged exactly once even though both are close to both
	// predecessors.
	assert.Equal(t, uint64(2), countOptical(group, 100))
}

func TestCountOpticalRespectsTileBoundaries(t *testing.T) {
	group := []readend.Pair{
		opticalPair(1101, 100, 200),
		opticalPair(1102, 100, 200),
	}
	assert.Equal(t, uint64(0), countOptical(group, 100))
}

func TestCountOpticalIgnoresUnparsedNames(t *testing.T) {
	group := []readend.Pair{
		opticalPair(0, 0, 0),
		opticalPair(0, 0, 0),
	}
	assert.Equal(t, uint64(0), countOptical(group, 100))
}

func TestCountOpticalSeparatesReadGroups(t *testing.T) {
	a := opticalPair(1101, 100, 200)
	a.ReadGroup = 0
	b := opticalPair(1101, 110, 205)
	b.ReadGroup = 1
	assert.Equal(t, uint64(0), countOptical([]readend.Pair{a, b}, 100))
}

func TestCountOpticalYDistanceAlsoBounded(t *testing.T) {
	group := []readend.Pair{
		opticalPair(1101, 100, 200),
		opticalPair(1101, 110, 500),
	}
	assert.Equal(t, uint64(0), countOptical(group, 100))
}

func TestCountOpticalMonotoneInPixelDistance(t *testing.T) {
	group := []readend.Pair{
		opticalPair(1101, 100, 200),
		opticalPair(1101, 130, 240),
		opticalPair(1101, 260, 180),
		opticalPair(1101, 700, 900),
		opticalPair(1102, 105, 205),
	}
	prev := uint64(0)
	for _, dist := range []int{0, 25, 50, 100, 200, 400, 1000} {
		got := countOptical(group, dist)
		assert.True(t, got >= prev, "count must not decrease: dist %d gave %d after %d", dist, got, prev)
		prev = got
	}
}
