package readend

import (
	"bytes"
	"testing"

	"github.com/biogo/hts/sam"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCigar(t *testing.T, s string) sam.Cigar {
	t.Helper()
	// Build a simple all-match CIGAR for tests, since sam.ParseCigar is not
	// exported uniformly across biogo/hts versions; tests only need a known
	// reference length.
	return sam.Cigar{sam.NewCigarOp(sam.CigarMatch, len(s))}
}

func newRecord(t *testing.T, name string, pos int, reverse bool, cigarLen int) *sam.Record {
	t.Helper()
	ref, err := sam.NewReference("chr1", "", "", 1000000, nil, nil)
	require.NoError(t, err)
	// Registering the reference in a header gives it id 0; a bare
	// reference reports id -1, the unmapped marker.
	_, err = sam.NewHeader(nil, []*sam.Reference{ref})
	require.NoError(t, err)
	r := &sam.Record{
		Name:  name,
		Ref:   ref,
		Pos:   pos,
		Cigar: sam.Cigar{sam.NewCigarOp(sam.CigarMatch, cigarLen)},
		Qual:  bytes.Repeat([]byte{30}, cigarLen),
	}
	if reverse {
		r.Flags |= sam.Reverse
	}
	return r
}

func TestFivePrimePositionForward(t *testing.T) {
	r := newRecord(t, "r1", 100, false, 50)
	assert.Equal(t, 100, FivePrimePosition(r))
}

func TestFivePrimePositionReverse(t *testing.T) {
	r := newRecord(t, "r1", 100, true, 50)
	assert.Equal(t, 149, FivePrimePosition(r))
}

func TestOrientationCanonicalizationRoundTrip(t *testing.T) {
	a := newRecord(t, "r1", 100, false, 50)
	b := newRecord(t, "r1", 300, true, 50)
	a.Flags |= sam.Read1
	b.Flags |= sam.Read2

	pairAB := NewPair(a, b, 0, -1, -1, 1, 2)
	pairBA := NewPair(b, a, 0, -1, -1, 2, 1)

	assert.Equal(t, pairAB.RefID, pairBA.RefID)
	assert.Equal(t, pairAB.Coord, pairBA.Coord)
	assert.Equal(t, pairAB.RefID2, pairBA.RefID2)
	assert.Equal(t, pairAB.Coord2, pairBA.Coord2)
	assert.Equal(t, pairAB.Orientation, pairBA.Orientation)
	assert.Equal(t, pairAB.Rank, pairBA.Rank)
	assert.Equal(t, pairAB.RightRank, pairBA.RightRank)
	assert.Equal(t, pairAB.R1Reversed, pairBA.R1Reversed)
}

func TestIsSimplePair(t *testing.T) {
	forward := newRecord(t, "r1", 100, false, 50)
	reverse := newRecord(t, "r1", 300, true, 50)
	assert.True(t, IsSimplePair(forward, reverse))
	assert.True(t, IsSimplePair(reverse, forward))

	sameStrand := newRecord(t, "r1", 300, false, 50)
	assert.False(t, IsSimplePair(forward, sameStrand))
}

func TestFragmentEncodeDecodeRoundTrip(t *testing.T) {
	f := Fragment{Library: 1, RefID: 2, Coord: 300, Orientation: R, Score: 123, ReadGroup: 4, Tile: 5, X: 6, Y: 7, Rank: 42, Paired: true}
	var buf bytes.Buffer
	require.NoError(t, f.Encode(&buf))
	got, err := DecodeFragment(&buf)
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func TestPairEncodeDecodeRoundTrip(t *testing.T) {
	p := Pair{
		Fragment:  Fragment{Library: 1, RefID: 2, Coord: 300, Orientation: FR, Score: 123, ReadGroup: 4, Tile: 5, X: 6, Y: 7, Rank: 42, Paired: true},
		RefID2:     2,
		Coord2:     500,
		RightRank:  43,
		R1Reversed: true,
	}
	var buf bytes.Buffer
	require.NoError(t, p.Encode(&buf))
	got, err := DecodePair(&buf)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestFragmentLessOrdersByLibraryThenRefThenCoord(t *testing.T) {
	a := Fragment{Library: 0, RefID: 0, Coord: 10}
	b := Fragment{Library: 0, RefID: 0, Coord: 20}
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))

	// Reference outranks coordinate, and library outranks both.
	c := Fragment{Library: 0, RefID: 1, Coord: 5}
	assert.True(t, b.Less(c))
	d := Fragment{Library: 1, RefID: 0, Coord: 0}
	assert.True(t, c.Less(d))
}

func TestAtMostOneKeeperPredicate(t *testing.T) {
	a := Fragment{Library: 0, RefID: 1, Coord: 100, Orientation: F}
	b := Fragment{Library: 0, RefID: 1, Coord: 100, Orientation: F}
	c := Fragment{Library: 0, RefID: 1, Coord: 101, Orientation: F}
	assert.True(t, a.SamePosition(b))
	assert.False(t, a.SamePosition(c))
}
