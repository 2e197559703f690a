// Package readend computes read-end signatures: the compact projection of
// one or two alignments onto the fields that determine duplicate
// equivalence (library, reference, unclipped 5' coordinate, orientation,
// score, and the optical-duplicate tie-breaker fields).
package readend

import (
	"github.com/biogo/hts/sam"
	"github.com/grailbio/base/simd"
)

// Orientation canonicalizes the strand arrangement of a fragment or pair.
// Single-read orientations (F, R) and pair orientations (FF, FR, RF, RR)
// share one type so a duplicateKey-equivalent can be built generically over
// both Fragment and Pair.
type Orientation uint8

const (
	F Orientation = iota
	R
	FF
	FR
	RF
	RR
)

// IsSingle reports whether o is a fragment (single-read) orientation.
func (o Orientation) IsSingle() bool {
	return o == F || o == R
}

// Left returns the orientation of the left read of a pair orientation.
func (o Orientation) Left() Orientation {
	switch o {
	case FF, FR:
		return F
	case RF, RR:
		return R
	default:
		panic("readend: Left() called on a non-pair orientation")
	}
}

// Right returns the orientation of the right read of a pair orientation.
func (o Orientation) Right() Orientation {
	switch o {
	case FF, RF:
		return F
	case FR, RR:
		return R
	default:
		panic("readend: Right() called on a non-pair orientation")
	}
}

// SingleOrientation returns F or R for a lone fragment given its strand.
func SingleOrientation(reversed bool) Orientation {
	if reversed {
		return R
	}
	return F
}

// PairOrientation returns the canonical pair orientation given the strand
// of the left and right reads after canonicalization.
func PairOrientation(leftReversed, rightReversed bool) Orientation {
	switch {
	case leftReversed && rightReversed:
		return RR
	case leftReversed:
		return RF
	case rightReversed:
		return FR
	default:
		return FF
	}
}

// FivePrimePosition returns the 5'-clipped coordinate of r: the leftmost
// reference position for a forward read, or the rightmost reference
// position (inclusive) for a reverse read. This must be bit-exact with
// Picard/biobambam's definition, since it is the coordinate half of the
// duplicate-equivalence key.
func FivePrimePosition(r *sam.Record) int {
	if r.Flags&sam.Reverse == 0 {
		return r.Pos
	}
	return r.Pos + referenceLength(r.Cigar) - 1
}

// referenceLength returns the number of reference bases consumed by cigar
// (M, D, N, =, X operations), i.e. the span of the alignment on the
// reference.
func referenceLength(cigar sam.Cigar) int {
	length := 0
	for _, op := range cigar {
		switch op.Type() {
		case sam.CigarMatch, sam.CigarDeletion, sam.CigarSkipped, sam.CigarEqual, sam.CigarMismatch:
			length += op.Len()
		}
	}
	return length
}

// IsQCFail reports whether r carries the qc-fail flag.
func IsQCFail(r *sam.Record) bool {
	return r.Flags&sam.QCFail != 0
}

// IsRead1 reports whether r is flagged as the first read of a pair.
func IsRead1(r *sam.Record) bool {
	return r.Flags&sam.Read1 != 0
}

var rgTag = sam.Tag{'R', 'G'}

// IsReversed reports whether r is flagged as aligned to the reverse strand.
func IsReversed(r *sam.Record) bool {
	return r.Flags&sam.Reverse != 0
}

// IsSimplePairEnd reports whether r, taken alone with its mate-describing
// flags (no second record needed), is one end of a simple pair: paired,
// both ends mapped, same reference as the mate, and exactly one of the two
// strands reversed. This is the single-record form of IsSimplePair, used
// by the Position Tracker which only observes one end at a time.
func IsSimplePairEnd(r *sam.Record) bool {
	if r.Flags&sam.Paired == 0 {
		return false
	}
	if r.Flags&(sam.Unmapped|sam.MateUnmapped) != 0 {
		return false
	}
	if r.Ref == nil || r.MateRef == nil || r.Ref.ID() != r.MateRef.ID() {
		return false
	}
	reverse := r.Flags&sam.Reverse != 0
	mateReverse := r.Flags&sam.MateReverse != 0
	return reverse != mateReverse
}

// ReadGroup returns the RG tag value of r, and whether it was present.
func ReadGroup(r *sam.Record) (string, bool) {
	aux := r.AuxFields.Get(rgTag)
	if aux == nil {
		return "", false
	}
	s, ok := aux.Value().(string)
	return s, ok
}

// BaseQScore sums the qualities of bases scoring at least 15, the score
// used as the keep/discard tie-breaker within an equivalence class.
// Counting rather than summing-then-clamping matches Picard's own
// ">=15" accounting and lets the sum of two mates' scores stay an int.
func BaseQScore(r *sam.Record) int {
	return simd.Accumulate8Greater(r.Qual, 14)
}
