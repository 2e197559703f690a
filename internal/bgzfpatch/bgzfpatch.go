// Package bgzfpatch applies a duplicate bitmap onto a BGZF-framed BAM
// stream without decoding alignment records. Each BGZF block is
// inflated, a four-state scanner walks the record framing to locate the
// high byte of every flag word, the duplicate bit is OR-ed in for ranks
// present in the bitmap, and the block is re-deflated. Input block
// boundaries are preserved, except that the leading header block(s) are
// re-stitched so the output carries the augmented header.
//
// A single gzip member of a .bgzf file has a fixed 12-byte header, an
// Extra subfield carrying the compressed block size, a raw deflate
// payload of at most 64 KiB uncompressed, and the usual 8-byte gzip
// trailer. The framing constants below follow the SAM/BAM specification.
package bgzfpatch

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

const (
	// maxUncompressedBlockSize is the payload ceiling of one BGZF block.
	maxUncompressedBlockSize = 0x10000
	// defaultUncompressedBlockSize is the payload size this package
	// produces when it has to re-chunk data, the same value sambamba and
	// biogo choose so a worst-case deflate still fits the block ceiling.
	defaultUncompressedBlockSize = 0x0ff00
	// compressedBlockSize is the ceiling of one compressed block.
	compressedBlockSize = 0x10000
)

var (
	// bgzfExtra is the gzip Extra subfield (ids 66, 67, payload length
	// 2) whose payload holds the compressed block size minus one.
	bgzfExtra       = [...]byte{66, 67, 2, 0, 0, 0}
	bgzfExtraPrefix = [...]byte{66, 67, 2, 0}

	// terminator is the 28-byte BGZF EOF marker block.
	terminator = []byte{
		0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 0xff, 0x06, 0x00, 0x42, 0x43,
		0x02, 0x00, 0x1b, 0x00, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
)

// Opts configures Patch.
type Opts struct {
	// Level is the deflate level for re-compressed blocks: -1, 0, 1, or 9.
	Level int
	// Threads sizes the inflate and deflate worker pools. 1 runs the
	// whole patch on the calling goroutine.
	Threads int
	// NewHeader is the encoded replacement for the input's own header,
	// whose extent is parsed off the front of the stream.
	NewHeader []byte
	// IsDup reports whether the record at the given input rank is a
	// duplicate.
	IsDup func(rank uint64) bool
}

// Patch copies the BGZF stream src to dst with the duplicate flag bit
// OR-ed into every record whose rank IsDup reports, and the input's BAM
// header replaced by NewHeader. dst always ends with the BGZF
// terminator block.
func Patch(src io.Reader, dst io.Writer, opts Opts) error {
	if opts.Threads > 1 {
		return patchParallel(src, dst, opts)
	}
	return patchSerial(src, dst, opts)
}

func patchSerial(src io.Reader, dst io.Writer, opts Opts) error {
	br := newBlockReader(src)
	bw := newBlockWriter(dst, opts.Level)
	p := &patcher{isDup: opts.IsDup}
	hs := &headerScanner{}

	if err := bw.writeChunked(opts.NewHeader); err != nil {
		return err
	}
	for {
		raw, err := br.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		data, err := inflateBlock(raw)
		if err != nil {
			return err
		}
		data, err = hs.consume(data)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			continue
		}
		if err := p.patch(data); err != nil {
			return err
		}
		if err := bw.writeBlock(data); err != nil {
			return err
		}
	}
	if !hs.done {
		return errors.New("bgzfpatch: stream ended inside the BAM header")
	}
	if !p.atRecordBoundary() {
		return errors.New("bgzfpatch: stream ended mid-record")
	}
	return bw.close()
}

// bamMagic opens every BAM header.
var bamMagic = [4]byte{'B', 'A', 'M', 1}

// headerScanner consumes the input's own BAM header (magic, text,
// reference list) off the front of the uncompressed payload stream,
// measuring its extent from the stream itself rather than trusting a
// re-encode of the parsed header to be byte-identical.
type headerScanner struct {
	buf  []byte
	done bool
}

// consume absorbs header bytes from data and returns the suffix of data
// that lies beyond the header (nil while the header is still open).
func (h *headerScanner) consume(data []byte) ([]byte, error) {
	if h.done {
		return data, nil
	}
	h.buf = append(h.buf, data...)
	total, known, err := bamHeaderLen(h.buf)
	if err != nil {
		return nil, err
	}
	if !known || len(h.buf) < total {
		return nil, nil
	}
	rest := h.buf[total:]
	h.buf = nil
	h.done = true
	return rest, nil
}

// bamHeaderLen returns the full byte length of the BAM header opening
// b, with known=false when b is still too short to tell.
func bamHeaderLen(b []byte) (total int, known bool, err error) {
	if len(b) < 4 {
		return 0, false, nil
	}
	if !bytes.Equal(b[:4], bamMagic[:]) {
		return 0, false, errors.New("bgzfpatch: missing BAM magic")
	}
	if len(b) < 8 {
		return 0, false, nil
	}
	off := 8 + int(binary.LittleEndian.Uint32(b[4:8]))
	if len(b) < off+4 {
		return 0, false, nil
	}
	nRef := int(int32(binary.LittleEndian.Uint32(b[off:])))
	if nRef < 0 {
		return 0, false, errors.Errorf("bgzfpatch: negative reference count %d", nRef)
	}
	off += 4
	for i := 0; i < nRef; i++ {
		if len(b) < off+4 {
			return 0, false, nil
		}
		lName := int(int32(binary.LittleEndian.Uint32(b[off:])))
		if lName < 0 {
			return 0, false, errors.Errorf("bgzfpatch: negative reference name length %d", lName)
		}
		off += 4 + lName + 4
	}
	return off, true, nil
}

// blockReader yields raw BGZF blocks (gzip header through trailer) one
// at a time.
type blockReader struct {
	r *bufio.Reader
}

func newBlockReader(r io.Reader) *blockReader {
	return &blockReader{r: bufio.NewReaderSize(r, compressedBlockSize)}
}

func (br *blockReader) next() ([]byte, error) {
	head := make([]byte, 12)
	if _, err := io.ReadFull(br.r, head[:1]); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return nil, err
	}
	if _, err := io.ReadFull(br.r, head[1:]); err != nil {
		return nil, errors.Wrap(err, "bgzfpatch: truncated gzip header")
	}
	if head[0] != 0x1f || head[1] != 0x8b || head[2] != 8 || head[3]&0x04 == 0 {
		return nil, errors.New("bgzfpatch: not a BGZF stream (bad gzip magic or missing extra field)")
	}
	xlen := int(binary.LittleEndian.Uint16(head[10:12]))
	extra := make([]byte, xlen)
	if _, err := io.ReadFull(br.r, extra); err != nil {
		return nil, errors.Wrap(err, "bgzfpatch: truncated gzip extra field")
	}
	bsize, err := findBsize(extra)
	if err != nil {
		return nil, err
	}
	rest := bsize + 1 - len(head) - xlen
	if rest < 8 {
		return nil, errors.Errorf("bgzfpatch: implausible BSIZE %d", bsize)
	}
	raw := make([]byte, bsize+1)
	copy(raw, head)
	copy(raw[len(head):], extra)
	if _, err := io.ReadFull(br.r, raw[len(head)+xlen:]); err != nil {
		return nil, errors.Wrap(err, "bgzfpatch: truncated BGZF block")
	}
	return raw, nil
}

// findBsize scans the gzip extra subfields for the BGZF BC field.
func findBsize(extra []byte) (int, error) {
	for i := 0; i+4 <= len(extra); {
		slen := int(binary.LittleEndian.Uint16(extra[i+2 : i+4]))
		if extra[i] == 66 && extra[i+1] == 67 && slen == 2 {
			if i+6 > len(extra) {
				break
			}
			return int(binary.LittleEndian.Uint16(extra[i+4 : i+6])), nil
		}
		i += 4 + slen
	}
	return 0, errors.New("bgzfpatch: BGZF extra subfield not found")
}

// inflateBlock decompresses one raw block and verifies its trailer.
func inflateBlock(raw []byte) ([]byte, error) {
	xlen := int(binary.LittleEndian.Uint16(raw[10:12]))
	payload := raw[12+xlen : len(raw)-8]
	isize := binary.LittleEndian.Uint32(raw[len(raw)-4:])
	if isize > maxUncompressedBlockSize {
		return nil, errors.Errorf("bgzfpatch: block claims %d uncompressed bytes, max is %d",
			isize, maxUncompressedBlockSize)
	}
	fr := flate.NewReader(bytes.NewReader(payload))
	defer fr.Close()
	data := make([]byte, 0, isize)
	buf := bytes.NewBuffer(data)
	if _, err := io.Copy(buf, fr); err != nil {
		return nil, errors.Wrap(err, "bgzfpatch: inflating block")
	}
	out := buf.Bytes()
	if uint32(len(out)) != isize {
		return nil, errors.Errorf("bgzfpatch: block inflated to %d bytes, trailer says %d", len(out), isize)
	}
	if crc := crc32.ChecksumIEEE(out); crc != binary.LittleEndian.Uint32(raw[len(raw)-8:len(raw)-4]) {
		return nil, errors.New("bgzfpatch: block CRC mismatch")
	}
	return out, nil
}

// blockWriter frames uncompressed chunks as BGZF blocks on its way to
// the destination stream.
type blockWriter struct {
	w     io.Writer
	level int
	gz    *gzip.Writer
	buf   bytes.Buffer
}

func newBlockWriter(w io.Writer, level int) *blockWriter {
	return &blockWriter{w: w, level: level}
}

// writeBlock compresses data as one BGZF block (or several, if the
// compressed form will not fit the block ceiling) and writes it out.
func (bw *blockWriter) writeBlock(data []byte) error {
	raw, err := compressChunk(&bw.gz, &bw.buf, data, bw.level)
	if err != nil {
		return err
	}
	_, err = bw.w.Write(raw)
	return errors.Wrap(err, "bgzfpatch: writing block")
}

// writeChunked writes data as a sequence of blocks of at most the
// default payload size.
func (bw *blockWriter) writeChunked(data []byte) error {
	for len(data) > 0 {
		n := len(data)
		if n > defaultUncompressedBlockSize {
			n = defaultUncompressedBlockSize
		}
		if err := bw.writeBlock(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func (bw *blockWriter) close() error {
	_, err := bw.w.Write(terminator)
	return errors.Wrap(err, "bgzfpatch: writing terminator")
}

var errBlockTooBig = errors.New("bgzfpatch: compressed block exceeds ceiling")

// compressChunk deflates data as one block, splitting and retrying when
// the compressed form exceeds the block ceiling. The split can only
// happen for stored (level 0) blocks near the 64 KiB payload ceiling.
func compressChunk(gzp **gzip.Writer, buf *bytes.Buffer, data []byte, level int) ([]byte, error) {
	raw, err := deflateBlock(gzp, buf, data, level)
	if err != errBlockTooBig {
		return raw, err
	}
	half := len(data) / 2
	if half == 0 {
		return nil, errors.New("bgzfpatch: cannot split block further")
	}
	left, err := compressChunk(gzp, buf, data[:half], level)
	if err != nil {
		return nil, err
	}
	right, err := compressChunk(gzp, buf, data[half:], level)
	if err != nil {
		return nil, err
	}
	return append(left, right...), nil
}

// deflateBlock compresses data into one complete BGZF block, reusing
// *gzp and *buf across calls. The BSIZE field of the extra subfield is
// rewritten after compression, as the size is only known then.
func deflateBlock(gzp **gzip.Writer, buf *bytes.Buffer, data []byte, level int) ([]byte, error) {
	buf.Reset()
	if *gzp == nil {
		gz, err := gzip.NewWriterLevel(buf, level)
		if err != nil {
			return nil, errors.Wrap(err, "bgzfpatch: creating deflate writer")
		}
		*gzp = gz
	} else {
		(*gzp).Reset(buf)
	}
	gz := *gzp
	gz.Extra = make([]byte, len(bgzfExtra))
	copy(gz.Extra, bgzfExtra[:])
	gz.OS = 0xff
	if _, err := gz.Write(data); err != nil {
		return nil, errors.Wrap(err, "bgzfpatch: deflating block")
	}
	if err := gz.Close(); err != nil {
		return nil, errors.Wrap(err, "bgzfpatch: closing deflate writer")
	}

	b := buf.Bytes()
	const extraOffset = 12
	if len(b) < extraOffset+len(bgzfExtra) {
		return nil, errors.Errorf("bgzfpatch: compressed block implausibly short: %d bytes", len(b))
	}
	if !bytes.Equal(b[extraOffset:extraOffset+len(bgzfExtraPrefix)], bgzfExtraPrefix[:]) {
		return nil, errors.New("bgzfpatch: BGZF extra prefix missing from compressed header")
	}
	bsize := len(b) - 1
	if bsize >= compressedBlockSize {
		return nil, errBlockTooBig
	}
	b[extraOffset+4] = byte(bsize)
	b[extraOffset+5] = byte(bsize >> 8)
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}
