package markduplicates

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"io"
	"os"

	"github.com/minio/highwayhash"
	"github.com/willf/bitset"
)

// DupSink receives the ranks of records judged duplicates by the rule
// engine.
type DupSink interface {
	Mark(rank uint64)
}

// DupBitmap is the dense duplicate bit-vector, indexed by input rank.
type DupBitmap struct {
	bits *bitset.BitSet
}

// NewDupBitmap returns a bitmap sized for n input records.
func NewDupBitmap(n uint64) *DupBitmap {
	return &DupBitmap{bits: bitset.New(uint(n))}
}

// Mark implements DupSink.
func (b *DupBitmap) Mark(rank uint64) { b.bits.Set(uint(rank)) }

// IsDup reports whether the record at rank was marked.
func (b *DupBitmap) IsDup(rank uint64) bool { return b.bits.Test(uint(rank)) }

// Count returns the number of marked ranks.
func (b *DupBitmap) Count() uint64 { return uint64(b.bits.Count()) }

// dupDigestKey keys the duplicate-set digest. Fixed so two runs over the
// same input produce comparable digests.
var dupDigestKey = [32]byte{
	'b', 'a', 'm', 'm', 'a', 'r', 'k', 'd', 'u', 'p', 'l', 'i', 'c', 'a', 't', 'e',
	's', '.', 'd', 'u', 'p', 's', 'e', 't', '.', 'd', 'i', 'g', 'e', 's', 't', '1',
}

// Digest returns a keyed digest of the marked set, used to compare the
// duplicate decisions of two runs without retaining both bitmaps.
func (b *DupBitmap) Digest() string {
	h, err := highwayhash.New(dupDigestKey[:])
	if err != nil {
		panic(err)
	}
	var buf [8]byte
	for _, w := range b.bits.Bytes() {
		binary.LittleEndian.PutUint64(buf[:], w)
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// StreamingDupSink spools marked ranks to a file as 64-bit values and
// materializes the bitmap only at the end, for inputs where the expected
// duplicate count is small relative to the total record count.
type StreamingDupSink struct {
	f     *os.File
	w     *bufio.Writer
	count uint64
	err   error
}

// NewStreamingDupSink creates the rank spool at path.
func NewStreamingDupSink(path string) (*StreamingDupSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, wrapError(ResourceError, err, "creating duplicate rank spool")
	}
	return &StreamingDupSink{f: f, w: bufio.NewWriter(f)}, nil
}

// Mark implements DupSink. Write failures are latched and surfaced by
// Materialize.
func (s *StreamingDupSink) Mark(rank uint64) {
	if s.err != nil {
		return
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], rank)
	if _, err := s.w.Write(buf[:]); err != nil {
		s.err = err
		return
	}
	s.count++
}

// Materialize reads the spooled ranks back into a bitmap sized for n
// records, then closes and removes the spool file.
func (s *StreamingDupSink) Materialize(n uint64) (*DupBitmap, error) {
	defer func() {
		name := s.f.Name()
		s.f.Close()
		os.Remove(name)
	}()
	if s.err != nil {
		return nil, wrapError(IOError, s.err, "writing duplicate rank spool")
	}
	if err := s.w.Flush(); err != nil {
		return nil, wrapError(IOError, err, "flushing duplicate rank spool")
	}
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return nil, wrapError(IOError, err, "rewinding duplicate rank spool")
	}
	bitmap := NewDupBitmap(n)
	r := bufio.NewReader(s.f)
	var buf [8]byte
	for i := uint64(0); i < s.count; i++ {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, wrapError(IOError, err, "reading duplicate rank spool")
		}
		bitmap.Mark(binary.LittleEndian.Uint64(buf[:]))
	}
	return bitmap, nil
}
