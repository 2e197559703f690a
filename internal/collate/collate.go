// Package collate implements the Collator: it consumes a BAM record stream
// in arrival order and yields mate pairs by name, buffering reads whose
// mate has not yet been seen in a fixed-capacity circular table and
// spilling the table's oldest entries to disk once it fills.
//
// The table is a ring of cells filled round-robin: the cell the next
// insertion would overwrite is always the table's oldest live entry, so
// eviction is O(1) with no separate LRU bookkeeping. Evicted and
// end-of-stream leftover records are pushed into an external-sort
// container keyed by read name and drained in one name-sorted merge pass, the
// way the teacher's disk-backed mate shard defers unmatched mates to a
// second, name-indexed pass.
package collate

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/biogo/hts/sam"
	farm "github.com/dgryski/go-farm"
	"github.com/pkg/errors"

	gbam "github.com/bio-tools/bammarkduplicates/encoding/bam"
	"github.com/bio-tools/bammarkduplicates/internal/sortend"
)

// Observer is invoked once per record, in input order, before the record
// enters the collator's table. The Position Tracker registers as an
// Observer to build its coordinate-bucket FIFO from the same pass.
type Observer interface {
	Observe(r *sam.Record)
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(r *sam.Record)

// Observe calls f.
func (f ObserverFunc) Observe(r *sam.Record) { f(r) }

// Pair is one collated output: either both mates (Mate != nil) or a
// singleton record that is unpaired, flagged secondary/supplementary and
// dropped from pairing, or whose mate never arrived. PrimaryRank and
// MateRank carry each record's input rank through to the read-end
// signatures.
type Pair struct {
	Primary     *sam.Record
	Mate        *sam.Record
	PrimaryRank uint64
	MateRank    uint64
}

// Stats accumulates the counters the Collator feeds into the metrics
// report: unmapped and unpaired record counts observed during the pass.
type Stats struct {
	TotalRecords uint64
	Unmapped     uint64
	Unpaired     uint64
}

type cell struct {
	occupied bool
	nameHash uint64
	rec      *sam.Record
	rank     uint64
}

// Collator pairs mate reads from a single ordered input pass.
type Collator struct {
	header                     *sam.Header
	dropSecondarySupplementary bool

	cells   []cell
	index   map[uint64][]int
	next    int
	filled  int

	spill *sortend.Container
	rank  uint64
	stats Stats

	observers []Observer
}

// New returns a Collator with a table of capacityCells cells (the
// `collistsize` budget converted to a cell count by the caller) and a
// name-keyed spill container writing files named prefix_bamcollate_NNNN
// under scratchDir. hashBucketHint sizes the initial lookup map (the
// `colhashbits` option, as 1<<colhashbits).
func New(header *sam.Header, scratchDir, prefix string, capacityCells int, hashBucketHint int, dropSecondarySupplementary bool) *Collator {
	if capacityCells < 1 {
		capacityCells = 1
	}
	return &Collator{
		header:                     header,
		dropSecondarySupplementary: dropSecondarySupplementary,
		cells:                      make([]cell, capacityCells),
		index:                      make(map[uint64][]int, hashBucketHint),
		spill: sortend.NewContainer(scratchDir, prefix+"_bamcollate", 48<<20, estimatedSpillRecordBytes,
			makeDecoder(header)),
	}
}

const estimatedSpillRecordBytes = 512

// RegisterObserver adds o to the set of observers invoked on every record.
func (c *Collator) RegisterObserver(o Observer) {
	c.observers = append(c.observers, o)
}

// Stats returns the counters accumulated so far.
func (c *Collator) Stats() Stats { return c.stats }

// Rank returns the number of records Put so far, which is also the next
// rank to be assigned.
func (c *Collator) Rank() uint64 { return c.rank }

// Put feeds one record into the collator in input order. It returns a
// non-nil Pair immediately when r completes a pair (or is a singleton that
// bypasses pairing entirely); otherwise r is buffered and Put returns
// (nil, nil).
func (c *Collator) Put(r *sam.Record) (*Pair, error) {
	rank := c.rank
	c.rank++
	c.stats.TotalRecords++

	for _, ob := range c.observers {
		ob.Observe(r)
	}

	if r.Flags&sam.Unmapped != 0 {
		c.stats.Unmapped++
	}

	if c.dropSecondarySupplementary && r.Flags&(sam.Secondary|sam.Supplementary) != 0 {
		return &Pair{Primary: r, PrimaryRank: rank}, nil
	}

	if r.Flags&sam.Paired == 0 {
		c.stats.Unpaired++
		return &Pair{Primary: r, PrimaryRank: rank}, nil
	}

	h := farm.Hash64([]byte(r.Name))
	if idx, ok := c.findMatch(h, r.Name); ok {
		mate := c.cells[idx].rec
		mateRank := c.cells[idx].rank
		c.removeAt(h, idx)
		c.filled--
		return &Pair{Primary: mate, Mate: r, PrimaryRank: mateRank, MateRank: rank}, nil
	}

	if err := c.insert(h, r, rank); err != nil {
		return nil, err
	}
	return nil, nil
}

// findMatch returns the cell index holding the earlier-arrived mate of a
// record named name hashing to h, if one is currently buffered.
func (c *Collator) findMatch(h uint64, name string) (int, bool) {
	for _, idx := range c.index[h] {
		if c.cells[idx].occupied && c.cells[idx].rec.Name == name {
			return idx, true
		}
	}
	return 0, false
}

// insert places r at the next ring position, spilling whatever occupied
// that cell first.
func (c *Collator) insert(h uint64, r *sam.Record, rank uint64) error {
	idx := c.next
	c.next = (c.next + 1) % len(c.cells)

	if c.cells[idx].occupied {
		if err := c.evict(idx); err != nil {
			return err
		}
	} else {
		c.filled++
	}

	c.cells[idx] = cell{occupied: true, nameHash: h, rec: r, rank: rank}
	c.index[h] = append(c.index[h], idx)
	return nil
}

func (c *Collator) evict(idx int) error {
	old := c.cells[idx]
	c.removeAt(old.nameHash, idx)
	return c.spill.Put(&spillRecord{name: old.rec.Name, rank: old.rank, rec: old.rec, header: c.header})
}

func (c *Collator) removeAt(h uint64, idx int) {
	bucket := c.index[h]
	for i, v := range bucket {
		if v == idx {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(c.index, h)
	} else {
		c.index[h] = bucket
	}
	c.cells[idx] = cell{}
}

// Finish drains every cell still buffered plus every spilled record,
// merges them in name order, and returns the resulting pairs and
// singletons (mates that never arrived). Call Finish exactly once, after
// every Put.
func (c *Collator) Finish() ([]Pair, error) {
	for idx := range c.cells {
		if c.cells[idx].occupied {
			old := c.cells[idx]
			if err := c.spill.Put(&spillRecord{name: old.rec.Name, rank: old.rank, rec: old.rec, header: c.header}); err != nil {
				return nil, err
			}
		}
	}
	if err := c.spill.Flush(); err != nil {
		return nil, err
	}
	merged, err := c.spill.GetDecoder()
	if err != nil {
		return nil, err
	}

	var pairs []Pair
	var pending *spillRecord
	for {
		e, err := merged.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		sr := e.(*spillRecord)
		switch {
		case pending == nil:
			pending = sr
		case pending.name == sr.name:
			pairs = append(pairs, Pair{Primary: pending.rec, Mate: sr.rec,
				PrimaryRank: pending.rank, MateRank: sr.rank})
			pending = nil
		default:
			pairs = append(pairs, Pair{Primary: pending.rec, PrimaryRank: pending.rank})
			pending = sr
		}
	}
	if pending != nil {
		pairs = append(pairs, Pair{Primary: pending.rec, PrimaryRank: pending.rank})
	}
	if err := c.spill.Cleanup(); err != nil {
		return nil, errors.Wrap(err, "collate: removing spill files")
	}
	return pairs, nil
}

// spillRecord is the External-Sort Container Entry the Collator spills
// unmatched records as: sorted by name, with rank as a stable tie-break
// for records sharing a name (true duplicate-name collisions, or the rare
// pair where both mates were evicted independently).
type spillRecord struct {
	name   string
	rank   uint64
	rec    *sam.Record
	header *sam.Header
}

func (s *spillRecord) Less(other sortend.Entry) bool {
	o := other.(*spillRecord)
	if s.name != o.name {
		return s.name < o.name
	}
	return s.rank < o.rank
}

func (s *spillRecord) Encode(w io.Writer) error {
	if err := writeUvarint(w, uint64(len(s.name))); err != nil {
		return err
	}
	if _, err := io.WriteString(w, s.name); err != nil {
		return err
	}
	if err := writeUvarint(w, s.rank); err != nil {
		return err
	}
	// The marshalled record is self-framing: its leading block-length
	// word covers the rest, so no outer length prefix is needed.
	var buf bytes.Buffer
	if err := gbam.Marshal(s.rec, &buf); err != nil {
		return errors.Wrap(err, "collate: marshalling spilled record")
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func makeDecoder(header *sam.Header) sortend.Decoder {
	return func(r io.Reader) (sortend.Entry, error) {
		nameLen, err := readUvarint(r)
		if err != nil {
			return nil, err
		}
		nameBuf := make([]byte, nameLen)
		if _, err := io.ReadFull(r, nameBuf); err != nil {
			return nil, err
		}
		rank, err := readUvarint(r)
		if err != nil {
			return nil, err
		}
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, err
		}
		recBuf := make([]byte, binary.LittleEndian.Uint32(lenBuf[:]))
		if _, err := io.ReadFull(r, recBuf); err != nil {
			return nil, err
		}
		rec, err := gbam.Unmarshal(recBuf, header)
		if err != nil {
			return nil, errors.Wrap(err, "collate: unmarshalling spilled record")
		}
		return &spillRecord{name: string(nameBuf), rank: rank, rec: rec, header: header}, nil
	}
}

func writeUvarint(w io.Writer, v uint64) error {
	var buf [10]byte
	n := 0
	for v >= 0x80 {
		buf[n] = byte(v) | 0x80
		v >>= 7
		n++
	}
	buf[n] = byte(v)
	n++
	_, err := w.Write(buf[:n])
	return err
}

func readUvarint(r io.Reader) (uint64, error) {
	var result uint64
	var shift uint
	var b [1]byte
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		result |= uint64(b[0]&0x7f) << shift
		if b[0] < 0x80 {
			return result, nil
		}
		shift += 7
	}
}
