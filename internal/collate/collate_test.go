package collate

import (
	"testing"

	"github.com/biogo/hts/sam"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHeader(t *testing.T) (*sam.Header, *sam.Reference) {
	t.Helper()
	header, err := sam.NewHeader(nil, nil)
	require.NoError(t, err)
	ref, err := sam.NewReference("chr1", "", "", 1000000, nil, nil)
	require.NoError(t, err)
	require.NoError(t, header.AddReference(ref))
	return header, ref
}

func newPairedRecord(t *testing.T, ref *sam.Reference, name string, pos int, read1 bool) *sam.Record {
	t.Helper()
	r := &sam.Record{
		Name:  name,
		Ref:   ref,
		Pos:   pos,
		Cigar: sam.Cigar{sam.NewCigarOp(sam.CigarMatch, 10)},
		Seq:   sam.NewSeq([]byte("ACGTACGTAC")),
	}
	r.Flags |= sam.Paired
	if read1 {
		r.Flags |= sam.Read1
	} else {
		r.Flags |= sam.Read2
	}
	return r
}

func TestPutPairsMatesArrivingWhileStillInTable(t *testing.T) {
	header, ref := newHeader(t)
	dir, cleanup := testutil.TempDir(t, "", "collate")
	defer cleanup()

	c := New(header, dir, "t", 64, 16, false)
	a := newPairedRecord(t, ref, "r1", 100, true)
	b := newPairedRecord(t, ref, "r1", 300, false)

	pair, err := c.Put(a)
	require.NoError(t, err)
	assert.Nil(t, pair)

	pair, err = c.Put(b)
	require.NoError(t, err)
	require.NotNil(t, pair)
	assert.Equal(t, "r1", pair.Primary.Name)
	assert.Equal(t, "r1", pair.Mate.Name)
	assert.Equal(t, uint64(0), pair.PrimaryRank)
	assert.Equal(t, uint64(1), pair.MateRank)

	rest, err := c.Finish()
	require.NoError(t, err)
	assert.Empty(t, rest)
}

func TestUnpairedRecordEmitsImmediatelyWithoutPairing(t *testing.T) {
	header, ref := newHeader(t)
	dir, cleanup := testutil.TempDir(t, "", "collate")
	defer cleanup()

	c := New(header, dir, "t", 64, 16, false)
	r := &sam.Record{Name: "single", Ref: ref, Pos: 5, Cigar: sam.Cigar{sam.NewCigarOp(sam.CigarMatch, 10)}, Seq: sam.NewSeq([]byte("ACGTACGTAC"))}

	pair, err := c.Put(r)
	require.NoError(t, err)
	require.NotNil(t, pair)
	assert.Nil(t, pair.Mate)
	assert.Equal(t, uint64(1), c.Stats().Unpaired)
}

func TestEvictionSpillsAndFinishReunitesMatesAcrossEviction(t *testing.T) {
	header, ref := newHeader(t)
	dir, cleanup := testutil.TempDir(t, "", "collate")
	defer cleanup()

	// Capacity 1 forces every second Put to evict the previous record.
	c := New(header, dir, "t", 1, 4, false)
	a := newPairedRecord(t, ref, "r1", 100, true)
	filler := newPairedRecord(t, ref, "filler", 200, true)
	b := newPairedRecord(t, ref, "r1", 300, false)

	pair, err := c.Put(a)
	require.NoError(t, err)
	assert.Nil(t, pair)

	// Evicts a's cell; a is spilled to disk.
	pair, err = c.Put(filler)
	require.NoError(t, err)
	assert.Nil(t, pair)

	// Evicts filler; b never finds a live match since a was already spilled.
	pair, err = c.Put(b)
	require.NoError(t, err)
	assert.Nil(t, pair)

	rest, err := c.Finish()
	require.NoError(t, err)

	byName := map[string]int{}
	var r1Pair *Pair
	for i := range rest {
		byName[rest[i].Primary.Name]++
		if rest[i].Primary.Name == "r1" {
			r1Pair = &rest[i]
		}
	}
	require.NotNil(t, r1Pair)
	assert.NotNil(t, r1Pair.Mate, "r1's two spilled ends must reunite as a pair in the name-sorted merge")
	assert.Equal(t, 1, byName["filler"])
}

func TestSecondaryRecordsBypassPairingWhenConfigured(t *testing.T) {
	header, ref := newHeader(t)
	dir, cleanup := testutil.TempDir(t, "", "collate")
	defer cleanup()

	c := New(header, dir, "t", 64, 16, true)
	r := newPairedRecord(t, ref, "r1", 100, true)
	r.Flags |= sam.Secondary

	pair, err := c.Put(r)
	require.NoError(t, err)
	require.NotNil(t, pair)
	assert.Nil(t, pair.Mate)
}

func TestObserverSeesEveryRecordBeforeTableInsertion(t *testing.T) {
	header, ref := newHeader(t)
	dir, cleanup := testutil.TempDir(t, "", "collate")
	defer cleanup()

	c := New(header, dir, "t", 64, 16, false)
	var seen []string
	c.RegisterObserver(ObserverFunc(func(r *sam.Record) { seen = append(seen, r.Name) }))

	a := newPairedRecord(t, ref, "r1", 100, true)
	b := newPairedRecord(t, ref, "r2", 200, true)
	_, err := c.Put(a)
	require.NoError(t, err)
	_, err = c.Put(b)
	require.NoError(t, err)

	assert.Equal(t, []string{"r1", "r2"}, seen)
}
