// Package sortend implements the External-Sort Container: an append-only
// buffer of read-end records (fragment or pair signatures) that spills
// sorted runs to disk once its in-memory budget is exceeded, and merges
// every run back into one lexicographically ordered stream on read.
//
// The run-file format mirrors the teacher's disk-backed mate shard: a
// snappy-compressed sequence of length-prefixed records, with a trailing
// seahash digest of the compressed payload so a truncated or corrupted run
// is caught at merge time instead of silently corrupting the caller's
// duplicate bitmap.
package sortend

import (
	"bytes"
	"container/heap"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"blainsmith.com/go/seahash"
	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// Entry is one record an External-Sort Container can hold.
type Entry interface {
	// Less reports whether the receiver sorts before other under the
	// container's comparator.
	Less(other Entry) bool
	// Encode writes the entry's fields to w.
	Encode(w io.Writer) error
}

// Decoder reads one Entry from r. It returns io.EOF when r is exhausted.
type Decoder func(r io.Reader) (Entry, error)

// Container buffers Entry values of one kind (fragment or pair), spilling
// sorted runs to tmpDir once the buffered bytes reach budgetBytes.
type Container struct {
	budgetBytes int
	recordBytes int
	tmpDir      string
	prefix      string
	decode      Decoder

	buf      []Entry
	bufBytes int
	runPaths []string
	nextRun  int
}

// NewContainer returns a Container that spills to files named
// "<tmpDir>/<prefix>_NNNN" once the buffered records' estimated size
// (len(buf) * recordBytes) reaches budgetBytes.
func NewContainer(tmpDir, prefix string, budgetBytes, recordBytes int, decode Decoder) *Container {
	if recordBytes <= 0 {
		recordBytes = 1
	}
	return &Container{
		budgetBytes: budgetBytes,
		recordBytes: recordBytes,
		tmpDir:      tmpDir,
		prefix:      prefix,
		decode:      decode,
	}
}

// Put buffers e, spilling the buffer to a run file if it has grown past the
// container's byte budget. Put is total: it never rejects a record.
func (c *Container) Put(e Entry) error {
	c.buf = append(c.buf, e)
	c.bufBytes += c.recordBytes
	if c.bufBytes >= c.budgetBytes {
		return c.spill()
	}
	return nil
}

// Flush writes any buffered tail as a final run. Call Flush exactly once,
// after the last Put and before GetDecoder.
func (c *Container) Flush() error {
	return c.spill()
}

func (c *Container) spill() error {
	if len(c.buf) == 0 {
		return nil
	}
	sort.Slice(c.buf, func(i, j int) bool { return c.buf[i].Less(c.buf[j]) })

	var compressed bytes.Buffer
	sw := snappy.NewBufferedWriter(&compressed)
	var lenBuf [4]byte
	var rec bytes.Buffer
	for _, e := range c.buf {
		rec.Reset()
		if err := e.Encode(&rec); err != nil {
			return errors.Wrap(err, "sortend: encoding record")
		}
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(rec.Len()))
		if _, err := sw.Write(lenBuf[:]); err != nil {
			return errors.Wrap(err, "sortend: writing record length")
		}
		if _, err := sw.Write(rec.Bytes()); err != nil {
			return errors.Wrap(err, "sortend: writing record")
		}
	}
	if err := sw.Close(); err != nil {
		return errors.Wrap(err, "sortend: closing run buffer")
	}

	path := filepath.Join(c.tmpDir, fmt.Sprintf("%s_%04d", c.prefix, c.nextRun))
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "sortend: creating run file %s", path)
	}
	defer f.Close()

	if _, err := f.Write(compressed.Bytes()); err != nil {
		return errors.Wrapf(err, "sortend: writing run file %s", path)
	}
	digest := seahash.Sum64(compressed.Bytes())
	var digestBuf [8]byte
	binary.LittleEndian.PutUint64(digestBuf[:], digest)
	if _, err := f.Write(digestBuf[:]); err != nil {
		return errors.Wrapf(err, "sortend: writing checksum for %s", path)
	}

	c.runPaths = append(c.runPaths, path)
	c.nextRun++
	c.buf = c.buf[:0]
	c.bufBytes = 0
	return nil
}

// GetDecoder returns a MergeIterator over every spilled run, in the
// container's sort order. Call Flush first.
func (c *Container) GetDecoder() (*MergeIterator, error) {
	m := &MergeIterator{decode: c.decode}
	for _, path := range c.runPaths {
		cur, err := newRunCursor(path, c.decode)
		if err != nil {
			return nil, err
		}
		if cur != nil {
			m.cursors = append(m.cursors, cur)
		}
	}
	heap.Init(&m.cursors)
	return m, nil
}

// Cleanup removes every spilled run file. Runs are read fully into
// memory when the merge starts, so Cleanup may be called as soon as
// GetDecoder has returned.
func (c *Container) Cleanup() error {
	var firstErr error
	for _, path := range c.runPaths {
		if err := os.Remove(path); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "sortend: removing run file %s", path)
		}
	}
	c.runPaths = nil
	return firstErr
}

// runCursor holds one run's decompressed body plus its next-undecoded
// Entry, so the merge heap can compare cursors without re-decoding.
type runCursor struct {
	r    io.Reader
	next Entry
}

func newRunCursor(path string, decode Decoder) (*runCursor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "sortend: reading run file %s", path)
	}
	if len(raw) < 8 {
		return nil, errors.Errorf("sortend: run file %s is truncated", path)
	}
	payload, digestBytes := raw[:len(raw)-8], raw[len(raw)-8:]
	want := binary.LittleEndian.Uint64(digestBytes)
	got := seahash.Sum64(payload)
	if got != want {
		return nil, errors.Errorf("sortend: checksum mismatch in run file %s (corrupt or truncated spill)", path)
	}

	cur := &runCursor{r: snappy.NewReader(bytes.NewReader(payload))}
	if err := cur.advance(decode); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}
	return cur, nil
}

func (c *runCursor) advance(decode Decoder) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return io.EOF
		}
		return err
	}
	size := binary.LittleEndian.Uint32(lenBuf[:])
	body := io.LimitReader(c.r, int64(size))
	e, err := decode(body)
	if err != nil {
		return errors.Wrap(err, "sortend: decoding record")
	}
	c.next = e
	return nil
}

// runCursorHeap implements container/heap.Interface over live run cursors,
// ordered by each cursor's next undecoded Entry.
type runCursorHeap []*runCursor

func (h runCursorHeap) Len() int            { return len(h) }
func (h runCursorHeap) Less(i, j int) bool  { return h[i].next.Less(h[j].next) }
func (h runCursorHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *runCursorHeap) Push(x interface{}) { *h = append(*h, x.(*runCursor)) }
func (h *runCursorHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MergeIterator yields every Entry across a Container's spilled runs in
// sorted order, via a min-heap of per-run cursors.
type MergeIterator struct {
	cursors runCursorHeap
	decode  Decoder
}

// Next returns the next Entry in sorted order, or io.EOF when every run is
// exhausted.
func (m *MergeIterator) Next() (Entry, error) {
	if len(m.cursors) == 0 {
		return nil, io.EOF
	}
	cur := m.cursors[0]
	e := cur.next
	if err := cur.advance(m.decode); err != nil {
		if err != io.EOF {
			return nil, err
		}
		heap.Pop(&m.cursors)
	} else {
		heap.Fix(&m.cursors, 0)
	}
	return e, nil
}
