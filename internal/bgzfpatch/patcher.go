package bgzfpatch

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Record framing constants. A BAM record is a 4-byte block length
// followed by block-length bytes; the flag word sits at bytes 14-15 of
// the record body, so its high byte — the one carrying the duplicate
// bit 0x400 — is 15 bytes past the length word.
const (
	flagByteOffset = 15
	dupFlagBit     = 0x04
)

// patcher states.
const (
	stateBlockLen = iota
	statePreSkip
	stateMark
	statePostSkip
)

// patcher walks BAM record framing across arbitrarily chunked
// uncompressed data, OR-ing the duplicate bit into the flag byte of
// every record whose rank the bitmap holds. Records straddle block
// boundaries freely; the state machine carries its position from one
// chunk to the next.
type patcher struct {
	isDup func(rank uint64) bool

	state    int
	need     int
	rank     uint64
	lenBuf   [4]byte
	lenHave  int
	blockLen int
}

// patch advances the scanner over one chunk, mutating it in place.
func (p *patcher) patch(buf []byte) error {
	i := 0
	for i < len(buf) {
		switch p.state {
		case stateBlockLen:
			for p.lenHave < 4 && i < len(buf) {
				p.lenBuf[p.lenHave] = buf[i]
				p.lenHave++
				i++
			}
			if p.lenHave < 4 {
				return nil
			}
			p.lenHave = 0
			p.blockLen = int(binary.LittleEndian.Uint32(p.lenBuf[:]))
			if p.blockLen < flagByteOffset+1 {
				return errors.Errorf("bgzfpatch: implausible record length %d at rank %d", p.blockLen, p.rank)
			}
			p.state = statePreSkip
			p.need = flagByteOffset
		case statePreSkip:
			n := p.need
			if rest := len(buf) - i; n > rest {
				n = rest
			}
			i += n
			p.need -= n
			if p.need == 0 {
				p.state = stateMark
			}
		case stateMark:
			if p.isDup(p.rank) {
				buf[i] |= dupFlagBit
			}
			i++
			p.rank++
			p.state = statePostSkip
			p.need = p.blockLen - flagByteOffset - 1
			if p.need == 0 {
				p.state = stateBlockLen
			}
		case statePostSkip:
			n := p.need
			if rest := len(buf) - i; n > rest {
				n = rest
			}
			i += n
			p.need -= n
			if p.need == 0 {
				p.state = stateBlockLen
			}
		}
	}
	return nil
}

// atRecordBoundary reports whether the scanner sits exactly between
// records, as it must when the stream ends.
func (p *patcher) atRecordBoundary() bool {
	return p.state == stateBlockLen && p.lenHave == 0
}
