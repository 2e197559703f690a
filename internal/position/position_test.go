package position

import (
	"testing"

	"github.com/biogo/hts/sam"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRef(t *testing.T) *sam.Reference {
	t.Helper()
	ref, err := sam.NewReference("chr1", "", "", 1000000, nil, nil)
	require.NoError(t, err)
	return ref
}

func forwardRead(ref *sam.Reference, name string, pos, matePos int) *sam.Record {
	r := &sam.Record{Name: name, Ref: ref, Pos: pos, MateRef: ref, MatePos: matePos,
		Cigar: sam.Cigar{sam.NewCigarOp(sam.CigarMatch, 10)}}
	r.Flags |= sam.Paired
	return r
}

func reverseRead(ref *sam.Reference, name string, pos, matePos int) *sam.Record {
	r := forwardRead(ref, name, pos, matePos)
	r.Flags |= sam.Reverse
	return r
}

type recordingSink struct {
	pairs [][2]*sam.Record
}

func (s *recordingSink) EmitPair(forward, reverse *sam.Record, forwardRank, reverseRank uint64) {
	s.pairs = append(s.pairs, [2]*sam.Record{forward, reverse})
}

func TestPairFinishesAfterPositionAdvancesPastBucket(t *testing.T) {
	ref := newRef(t)
	sink := &recordingSink{}
	tr := New(4096, sink)

	fwd := forwardRead(ref, "r1", 100, 300)
	rev := reverseRead(ref, "r1", 300, 100)

	tr.Observe(fwd)
	tr.Observe(rev)

	ok := tr.AddPair(fwd, rev, 0, 1)
	assert.True(t, ok)
	assert.Empty(t, sink.pairs, "bucket should not finish until the input position passes its coordinate")

	// A later record at a further coordinate advances the watermark past
	// the bucket at 309 (the reverse mate's 5' end), so it can finish.
	tr.Observe(forwardRead(ref, "r2", 400, 500))
	assert.Len(t, sink.pairs, 1)
	assert.Equal(t, "r1", sink.pairs[0][0].Name)
}

func TestFreeListExhaustionExpungesOldestBucket(t *testing.T) {
	ref := newRef(t)
	sink := &recordingSink{}
	tr := New(1, sink)

	fwd1 := forwardRead(ref, "r1", 100, 300)
	rev1 := reverseRead(ref, "r1", 300, 100)
	tr.Observe(fwd1)
	tr.Observe(rev1)
	ok := tr.AddPair(fwd1, rev1, 0, 1)
	require.True(t, ok)
	require.Empty(t, sink.pairs)

	// r2's reads stay short of r1's bucket at 309, so that bucket is still
	// active when r2 arrives; its own bucket sits at 314.
	fwd2 := forwardRead(ref, "r2", 302, 305)
	rev2 := reverseRead(ref, "r2", 305, 302)
	tr.Observe(fwd2)
	tr.Observe(rev2)
	// Capacity 1: inserting r2's cell must first expunge r1's bucket.
	ok = tr.AddPair(fwd2, rev2, 2, 3)
	require.True(t, ok)

	require.Len(t, sink.pairs, 1)
	assert.Equal(t, "r1", sink.pairs[0][0].Name)
	assert.Equal(t, uint64(1), tr.Stats().Expunged)
}

func TestPairAtOrBeforeExpungePositionBypassesTracking(t *testing.T) {
	ref := newRef(t)
	sink := &recordingSink{}
	tr := New(1, sink)

	fwd1 := forwardRead(ref, "r1", 100, 300)
	rev1 := reverseRead(ref, "r1", 300, 100)
	tr.Observe(fwd1)
	tr.Observe(rev1)
	require.True(t, tr.AddPair(fwd1, rev1, 0, 1))

	fwd2 := forwardRead(ref, "r2", 302, 305)
	rev2 := reverseRead(ref, "r2", 305, 302)
	tr.Observe(fwd2)
	tr.Observe(rev2)
	require.True(t, tr.AddPair(fwd2, rev2, 2, 3)) // expunges r1's bucket, expunge watermark -> (refID,309)

	// A pair at or before the expunge watermark must bypass tracking.
	fwd3 := forwardRead(ref, "r3", 100, 300)
	rev3 := reverseRead(ref, "r3", 300, 100)
	ok := tr.AddPair(fwd3, rev3, 4, 5)
	assert.False(t, ok)
}

func TestFlushReleasesEveryRemainingBucket(t *testing.T) {
	ref := newRef(t)
	sink := &recordingSink{}
	tr := New(4096, sink)

	fwd := forwardRead(ref, "r1", 100, 300)
	rev := reverseRead(ref, "r1", 300, 100)
	tr.Observe(fwd)
	tr.Observe(rev)
	require.True(t, tr.AddPair(fwd, rev, 0, 1))
	require.Empty(t, sink.pairs)

	tr.Flush()
	assert.Len(t, sink.pairs, 1)
}
