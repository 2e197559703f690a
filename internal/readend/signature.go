package readend

import (
	"encoding/binary"
	"io"

	"github.com/biogo/hts/sam"
)

// Fragment is the read-end signature of a single alignment considered in
// isolation: library id, reference and 5'-clipped coordinate, orientation,
// score, and the tie-breaker fields used for optical-duplicate detection
// and rank-based deduplication.
type Fragment struct {
	Library     int32
	RefID       int32
	Coord       int32
	Orientation Orientation
	Score       int32
	ReadGroup   int32 // index into a caller-owned read-group table, -1 if absent
	Tile        int32
	X           int32
	Y           int32
	Rank        uint64
	// Paired records whether the underlying alignment's mate is mapped, so
	// the Fragment pass can tell "every unpaired fragment in the group is
	// a duplicate" apart from "the group is all unpaired."
	Paired bool
}

// Pair is the read-end signature of a mapped, innie pair: a Fragment for
// the canonicalized left read, plus the right read's reference, coordinate
// and rank. Orientation holds one of FF, FR, RF, RR. Both ranks are kept
// so the Duplicate Rule Engine can mark both mates in the bitmap.
type Pair struct {
	Fragment
	RefID2    int32
	Coord2    int32
	RightRank uint64
	// R1Reversed records the strand of the read carrying the read1 flag,
	// independent of canonical order. It takes part in duplicate grouping
	// only when strand-specific marking is enabled.
	R1Reversed bool
}

// NewFragment builds the Fragment signature for r. library is the
// caller-resolved library id (0 for the synthetic default library);
// readGroup is an index into a caller-owned table, or -1 if r has no RG tag.
func NewFragment(r *sam.Record, library, readGroup int32, rank uint64, paired bool) Fragment {
	loc := ParseTileXY(r.Name)
	return Fragment{
		Library:     library,
		RefID:       int32(r.Ref.ID()),
		Coord:       int32(FivePrimePosition(r)),
		Orientation: SingleOrientation(IsReversed(r)),
		Score:       int32(BaseQScore(r)),
		ReadGroup:   readGroup,
		Tile:        int32(loc.Tile),
		X:           int32(loc.X),
		Y:           int32(loc.Y),
		Rank:        rank,
		Paired:      paired,
	}
}

// NewPair builds the canonicalized Pair signature from two mates, a and b,
// in either order: the record with the lexicographically smaller
// (ref, 5'-coord) becomes the left read; ties are broken by the read1 flag.
// aReadGroup/aRank describe a and bReadGroup/bRank describe b; NewPair
// swaps them along with the records, so the caller need not know which
// read ends up on the left. Score is the sum of both reads' BaseQScore.
func NewPair(a, b *sam.Record, library int32, aReadGroup, bReadGroup int32, aRank, bRank uint64) Pair {
	left, right := a, b
	leftRG, rightRG := aReadGroup, bReadGroup
	leftRank, rightRank := aRank, bRank
	if !lessForCanonicalOrder(a, b) {
		left, right = b, a
		leftRG, rightRG = bReadGroup, aReadGroup
		leftRank, rightRank = bRank, aRank
	}
	_ = rightRG // the right read's read-group is not needed once canonicalized: optical batching keys off the left read's RG.

	loc := ParseTileXY(left.Name)
	return Pair{
		Fragment: Fragment{
			Library:     library,
			RefID:       int32(left.Ref.ID()),
			Coord:       int32(FivePrimePosition(left)),
			Orientation: PairOrientation(IsReversed(left), IsReversed(right)),
			Score:       int32(BaseQScore(left) + BaseQScore(right)),
			ReadGroup:   leftRG,
			Tile:        int32(loc.Tile),
			X:           int32(loc.X),
			Y:           int32(loc.Y),
			Rank:        leftRank,
			Paired:      true,
		},
		RefID2:     int32(right.Ref.ID()),
		Coord2:     int32(FivePrimePosition(right)),
		RightRank:  rightRank,
		R1Reversed: r1Reversed(left, right),
	}
}

// r1Reversed returns the strand of whichever mate carries the read1 flag,
// falling back to the left read when neither does.
func r1Reversed(left, right *sam.Record) bool {
	if IsRead1(right) && !IsRead1(left) {
		return IsReversed(right)
	}
	return IsReversed(left)
}

// lessForCanonicalOrder implements the canonicalization invariant: a sorts
// before b when (ref, 5'-coord) is lexicographically smaller, or, on a tie,
// when a carries the read1 flag.
func lessForCanonicalOrder(a, b *sam.Record) bool {
	aRef, bRef := a.Ref.ID(), b.Ref.ID()
	if aRef != bRef {
		return aRef < bRef
	}
	aPos, bPos := FivePrimePosition(a), FivePrimePosition(b)
	if aPos != bPos {
		return aPos < bPos
	}
	return IsRead1(a)
}

// IsSimplePair reports whether a and b form a simple pair: both mapped to
// the same reference, opposite strands, with the reverse mate's 5'
// downstream of the forward mate's 5'.
func IsSimplePair(a, b *sam.Record) bool {
	if a.Ref.ID() != b.Ref.ID() || a.Ref.ID() < 0 {
		return false
	}
	if IsReversed(a) == IsReversed(b) {
		return false
	}
	forward, reverse := a, b
	if IsReversed(forward) {
		forward, reverse = b, a
	}
	return FivePrimePosition(reverse) >= FivePrimePosition(forward)
}

// Less orders fragments by the External-Sort Container's comparator:
// library, ref, coord, orientation, then rank for stability.
func (f Fragment) Less(other Fragment) bool {
	if f.Library != other.Library {
		return f.Library < other.Library
	}
	if f.RefID != other.RefID {
		return f.RefID < other.RefID
	}
	if f.Coord != other.Coord {
		return f.Coord < other.Coord
	}
	if f.Orientation != other.Orientation {
		return f.Orientation < other.Orientation
	}
	return f.Rank < other.Rank
}

// Less orders pairs by the same comparator, extended with the right read's
// reference and coordinate before the rank tie-breaker.
func (p Pair) Less(other Pair) bool {
	if p.Library != other.Library {
		return p.Library < other.Library
	}
	if p.RefID != other.RefID {
		return p.RefID < other.RefID
	}
	if p.Coord != other.Coord {
		return p.Coord < other.Coord
	}
	if p.Orientation != other.Orientation {
		return p.Orientation < other.Orientation
	}
	if p.RefID2 != other.RefID2 {
		return p.RefID2 < other.RefID2
	}
	if p.Coord2 != other.Coord2 {
		return p.Coord2 < other.Coord2
	}
	return p.Rank < other.Rank
}

// SamePosition implements the pair-duplicate predicate P: two pairs belong
// to the same equivalence class when library, both refs, both coords, and
// orientation all match.
func (p Pair) SamePosition(other Pair) bool {
	return p.Library == other.Library &&
		p.RefID == other.RefID && p.Coord == other.Coord &&
		p.RefID2 == other.RefID2 && p.Coord2 == other.Coord2 &&
		p.Orientation == other.Orientation
}

// SamePosition implements the fragment-duplicate predicate F.
func (f Fragment) SamePosition(other Fragment) bool {
	return f.Library == other.Library &&
		f.RefID == other.RefID && f.Coord == other.Coord &&
		f.Orientation == other.Orientation
}

// Encode writes f to w in the External-Sort Container's run-file format.
func (f Fragment) Encode(w io.Writer) error {
	var buf [8]byte
	for _, v := range []int64{
		int64(f.Library), int64(f.RefID), int64(f.Coord), int64(f.Orientation),
		int64(f.Score), int64(f.ReadGroup), int64(f.Tile), int64(f.X), int64(f.Y),
	} {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}
	binary.LittleEndian.PutUint64(buf[:], f.Rank)
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	paired := byte(0)
	if f.Paired {
		paired = 1
	}
	_, err := w.Write([]byte{paired})
	return err
}

// DecodeFragment reads one Fragment previously written by Encode.
func DecodeFragment(r io.Reader) (Fragment, error) {
	var f Fragment
	var buf [8]byte
	vals := make([]int64, 9)
	for i := range vals {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return f, err
		}
		vals[i] = int64(binary.LittleEndian.Uint64(buf[:]))
	}
	f.Library, f.RefID, f.Coord = int32(vals[0]), int32(vals[1]), int32(vals[2])
	f.Orientation = Orientation(vals[3])
	f.Score, f.ReadGroup, f.Tile, f.X, f.Y = int32(vals[4]), int32(vals[5]), int32(vals[6]), int32(vals[7]), int32(vals[8])
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return f, err
	}
	f.Rank = binary.LittleEndian.Uint64(buf[:])
	var pb [1]byte
	if _, err := io.ReadFull(r, pb[:]); err != nil {
		return f, err
	}
	f.Paired = pb[0] != 0
	return f, nil
}

// Encode writes p to w, reusing Fragment.Encode for the shared fields and
// appending the right read's reference and coordinate.
func (p Pair) Encode(w io.Writer) error {
	if err := p.Fragment.Encode(w); err != nil {
		return err
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(p.RefID2))
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(buf[:], uint64(p.Coord2))
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(buf[:], p.RightRank)
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	r1 := byte(0)
	if p.R1Reversed {
		r1 = 1
	}
	_, err := w.Write([]byte{r1})
	return err
}

// DecodePair reads one Pair previously written by Encode.
func DecodePair(r io.Reader) (Pair, error) {
	var p Pair
	f, err := DecodeFragment(r)
	if err != nil {
		return p, err
	}
	p.Fragment = f
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return p, err
	}
	p.RefID2 = int32(binary.LittleEndian.Uint64(buf[:]))
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return p, err
	}
	p.Coord2 = int32(binary.LittleEndian.Uint64(buf[:]))
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return p, err
	}
	p.RightRank = binary.LittleEndian.Uint64(buf[:])
	var r1 [1]byte
	if _, err := io.ReadFull(r, r1[:]); err != nil {
		return p, err
	}
	p.R1Reversed = r1[0] != 0
	return p, nil
}
