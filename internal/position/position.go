// Package position implements the Position Tracker: it watches the
// Collator's input-order record stream and, for every simple (innie) pair,
// groups the pair into a coordinate bucket keyed by the reverse mate's
// reference and 5'-clipped coordinate. A bucket is finished, and its pairs
// released to the caller, once every pair expected at that coordinate has
// arrived and the input position has advanced past it.
//
// Buckets are held in both a FIFO (a coordinate-sorted doubly linked list,
// since input is ordinarily near coordinate-sorted and appends land at the
// back) and a balanced tree keyed the same way, for O(log n) lookup of the
// bucket a given pair belongs to. Pair cells themselves live in a
// fixed-capacity arena: once the arena is exhausted, the oldest bucket is
// expunged — its pairs are released early, out of coordinate order — so
// memory use never grows with a pathological run of straddling pairs.
package position

import (
	"container/list"

	"github.com/biogo/hts/sam"
	"github.com/biogo/store/llrb"

	"github.com/bio-tools/bammarkduplicates/internal/readend"
)

// Sink receives every pair cell the Tracker releases, whether by normal
// finish or by expunge-on-exhaustion. Ranks are the two records' input
// ranks, carried through so the caller can build read-end signatures.
type Sink interface {
	EmitPair(forward, reverse *sam.Record, forwardRank, reverseRank uint64)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(forward, reverse *sam.Record, forwardRank, reverseRank uint64)

// EmitPair calls f.
func (f SinkFunc) EmitPair(forward, reverse *sam.Record, forwardRank, reverseRank uint64) {
	f(forward, reverse, forwardRank, reverseRank)
}

type cellSlot struct {
	forward, reverse         *sam.Record
	forwardRank, reverseRank uint64
}

type bucket struct {
	refID, coord int32
	inCount      uint64
	outCount     uint64
	cellIdxs     []int
}

// posKey orders buckets by (refID, coord) and, when inserted into the
// lookup tree, carries the FIFO list element holding the bucket — the same
// key-plus-payload shape as the teacher's shard index.
type posKey struct {
	refID, coord int32
	elem         *list.Element
}

// Compare implements llrb.Comparable.
func (k posKey) Compare(c2 llrb.Comparable) int {
	k2 := c2.(posKey)
	if d := k.refID - k2.refID; d != 0 {
		return int(d)
	}
	return int(k.coord - k2.coord)
}

type watermark struct {
	refID, coord int32
}

// greater reports whether a sorts strictly after b under (refID, coord)
// order, treating refID -1 as "unset" exactly like the initial watermark.
func greater(a, b watermark) bool {
	if a.refID != b.refID {
		return a.refID > b.refID
	}
	return a.coord > b.coord
}

// Tracker is the Position Tracker. It is not safe for concurrent use.
type Tracker struct {
	sink Sink

	arena   []cellSlot
	freeIdx []int

	order *list.List
	index llrb.Tree

	position watermark
	expunge  watermark

	totalActive int64
	expungeCnt  uint64
	finishCnt   uint64
}

// New returns a Tracker whose pair-cell arena holds at most capacity live
// cells (the `freelistsize` budget; the teacher's default is 4096).
func New(capacity int, sink Sink) *Tracker {
	if capacity < 1 {
		capacity = 1
	}
	freeIdx := make([]int, capacity)
	for i := range freeIdx {
		freeIdx[i] = capacity - 1 - i
	}
	return &Tracker{
		sink:     sink,
		arena:    make([]cellSlot, capacity),
		freeIdx:  freeIdx,
		order:    list.New(),
		index:    llrb.Tree{},
		position: watermark{-1, -1},
		expunge:  watermark{-1, -1},
	}
}

// Observe implements collate.Observer. It is the Position Tracker's hook
// into the Collator's per-record, input-order callback. Secondary and
// supplementary records advance the position watermark but never open a
// bucket, since the collator excludes them from pairing.
func (t *Tracker) Observe(r *sam.Record) {
	refID := int32(-1)
	if r.Ref != nil {
		refID = int32(r.Ref.ID())
	}
	t.position = watermark{refID, int32(r.Pos)}
	t.checkFinished()

	if r.Flags&(sam.Secondary|sam.Supplementary) != 0 {
		return
	}
	if !readend.IsSimplePairEnd(r) || !readend.IsReversed(r) {
		return
	}
	coord := int32(readend.FivePrimePosition(r))
	t.upsertBucket(refID, coord)
	t.totalActive++
}

func (t *Tracker) upsertBucket(refID, coord int32) {
	key := posKey{refID: refID, coord: coord}
	if v := t.index.Get(key); v != nil {
		v.(posKey).elem.Value.(*bucket).inCount++
		return
	}

	b := &bucket{refID: refID, coord: coord, inCount: 1}
	var elem *list.Element
	if predV := t.index.Floor(key); predV != nil {
		elem = t.order.InsertAfter(b, predV.(posKey).elem)
	} else {
		elem = t.order.PushFront(b)
	}
	t.index.Insert(posKey{refID: refID, coord: coord, elem: elem})
}

// AddPair is called when the Collator has emitted a completed pair that
// IsSimplePair holds for. It returns ok=false when the pair's coordinate
// has already been expunged (or was never tracked because it arrived after
// its bucket's window closed): the caller must then route the pair
// straight to the pair External-Sort Container itself. When ok is true the
// Tracker has taken ownership of the pair and will hand it to the Sink
// itself, on finish or on a later expunge.
func (t *Tracker) AddPair(forward, reverse *sam.Record, forwardRank, reverseRank uint64) (ok bool) {
	refID := int32(reverse.Ref.ID())
	coord := int32(readend.FivePrimePosition(reverse))
	key := watermark{refID, coord}

	for {
		if !greater(key, t.expunge) {
			t.checkFinished()
			return false
		}
		if len(t.freeIdx) == 0 {
			t.expungeFront()
			t.checkFinished()
			continue
		}

		v := t.index.Get(posKey{refID: refID, coord: coord})
		if v == nil {
			// The reverse end was never observed as a simple-pair end
			// (inconsistent mate flags); route the pair around tracking.
			return false
		}
		b := v.(posKey).elem.Value.(*bucket)
		idx := t.popFree()
		t.arena[idx] = cellSlot{forward, reverse, forwardRank, reverseRank}
		b.cellIdxs = append(b.cellIdxs, idx)
		b.outCount++
		t.checkFinished()
		return true
	}
}

// checkFinished releases every bucket at the front of the FIFO that has
// seen as many pairs out as in, and whose coordinate the input stream has
// since passed.
func (t *Tracker) checkFinished() {
	for {
		elem := t.order.Front()
		if elem == nil {
			return
		}
		b := elem.Value.(*bucket)
		if greater(t.position, watermark{b.refID, b.coord}) && b.inCount == b.outCount {
			t.release(elem, false)
		} else {
			return
		}
	}
}

func (t *Tracker) expungeFront() {
	elem := t.order.Front()
	if elem == nil {
		return
	}
	t.release(elem, true)
}

// release removes elem's bucket from the FIFO and index, emits its pair
// cells to the Sink, and returns its arena slots to the free list.
// expunged marks whether this is an early release (advances t.expunge)
// rather than a normal finish.
func (t *Tracker) release(elem *list.Element, expunged bool) {
	b := elem.Value.(*bucket)
	t.order.Remove(elem)
	t.index.Delete(posKey{refID: b.refID, coord: b.coord})

	for _, idx := range b.cellIdxs {
		cell := t.arena[idx]
		t.sink.EmitPair(cell.forward, cell.reverse, cell.forwardRank, cell.reverseRank)
		t.pushFree(idx)
	}
	t.totalActive -= int64(b.inCount)

	if expunged {
		t.expunge = watermark{b.refID, b.coord}
		t.expungeCnt += uint64(len(b.cellIdxs))
	} else {
		t.finishCnt += uint64(len(b.cellIdxs))
	}
}

// Flush releases every remaining active bucket: those with balanced
// in/out counts are finished, any others are expunged. Call Flush exactly
// once, after the Collator has exhausted its input.
func (t *Tracker) Flush() {
	for {
		elem := t.order.Front()
		if elem == nil {
			return
		}
		b := elem.Value.(*bucket)
		t.release(elem, b.inCount != b.outCount)
	}
}

func (t *Tracker) popFree() int {
	idx := t.freeIdx[len(t.freeIdx)-1]
	t.freeIdx = t.freeIdx[:len(t.freeIdx)-1]
	return idx
}

func (t *Tracker) pushFree(idx int) {
	t.arena[idx] = cellSlot{}
	t.freeIdx = append(t.freeIdx, idx)
}

// Stats reports the Tracker's release counters.
type Stats struct {
	Finished    uint64
	Expunged    uint64
	TotalActive int64
}

// Stats returns the counters accumulated so far.
func (t *Tracker) Stats() Stats {
	return Stats{Finished: t.finishCnt, Expunged: t.expungeCnt, TotalActive: t.totalActive}
}
