package bam

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/biogo/hts/sam"
)

// bamFixedBytes is the fixed-size part of a BAM record body: everything
// between the block-length word and the read name.
const bamFixedBytes = 32

// jumps gives the value size of each fixed-width aux field type;
// negative marks the variable-width types.
var jumps = [256]int{
	'A': 1,
	'c': 1, 'C': 1,
	's': 2, 'S': 2,
	'i': 4, 'I': 4,
	'f': 4,
	'Z': -1,
	'H': -1,
	'B': -1,
}

var (
	errCorruptAuxField = errors.New("bam: corrupt aux field")
	errRecordTooShort  = errors.New("bam: record too short")
)

// parseAux splits the tail of a record body into aux fields. Each field
// is copied, so the returned slice does not alias aux.
func parseAux(aux []byte) ([]sam.Aux, error) {
	var aa []sam.Aux
	for i := 0; i+2 < len(aux); {
		t := aux[i+2]
		var j int
		switch w := jumps[t]; {
		case w > 0:
			j = w + 3
		case w < 0:
			switch t {
			case 'Z', 'H':
				var v byte
				for j, v = range aux[i:] {
					if v == 0 { // C string termination
						break // Truncate terminal zero.
					}
				}
				if v != 0 {
					return nil, errCorruptAuxField
				}
			case 'B':
				if len(aux) < i+8 {
					return nil, errCorruptAuxField
				}
				length := binary.LittleEndian.Uint32(aux[i+4 : i+8])
				j = int(length)*jumps[aux[i+3]] + 8
			}
		default:
			return nil, errCorruptAuxField
		}
		if i+j > len(aux) {
			return nil, errCorruptAuxField
		}
		field := make(sam.Aux, j)
		copy(field, aux[i:i+j])
		aa = append(aa, field)
		if t == 'Z' || t == 'H' {
			i++ // the terminal zero is on the wire but not in sam.Aux
		}
		i += j
	}
	return aa, nil
}

// Unmarshal parses one serialized BAM record body (without its leading
// block-length word, which the caller has consumed as framing). All
// fields are copied out of b.
func Unmarshal(b []byte, header *sam.Header) (*sam.Record, error) {
	if len(b) < bamFixedBytes {
		return nil, errRecordTooShort
	}
	rec := &sam.Record{}
	// int(int32(uint32)) keeps the 2's complement extension of -1.
	refID := int(int32(binary.LittleEndian.Uint32(b)))
	rec.Pos = int(int32(binary.LittleEndian.Uint32(b[4:])))
	nLen := int(b[8])
	rec.MapQ = b[9]
	nCigar := int(binary.LittleEndian.Uint16(b[12:]))
	rec.Flags = sam.Flags(binary.LittleEndian.Uint16(b[14:]))
	lSeq := int(binary.LittleEndian.Uint32(b[16:]))
	nextRefID := int(int32(binary.LittleEndian.Uint32(b[20:])))
	rec.MatePos = int(int32(binary.LittleEndian.Uint32(b[24:])))
	rec.TempLen = int(int32(binary.LittleEndian.Uint32(b[28:])))

	nDoubletBytes := (lSeq + 1) >> 1
	auxOffset := bamFixedBytes + nLen + nCigar*4 + nDoubletBytes + lSeq
	if nLen < 1 || len(b) < auxOffset {
		return nil, fmt.Errorf("bam: corrupt record: %d bytes, aux offset %d", len(b), auxOffset)
	}

	offset := bamFixedBytes
	rec.Name = string(b[offset : offset+nLen-1]) // drop the trailing '\0'
	offset += nLen

	if nCigar > 0 {
		cigar := make(sam.Cigar, nCigar)
		for i := range cigar {
			cigar[i] = sam.CigarOp(binary.LittleEndian.Uint32(b[offset+i*4:]))
		}
		rec.Cigar = cigar
		offset += nCigar * 4
	}

	rec.Seq.Length = lSeq
	doublets := make([]sam.Doublet, nDoubletBytes)
	for i := range doublets {
		doublets[i] = sam.Doublet(b[offset+i])
	}
	rec.Seq.Seq = doublets
	offset += nDoubletBytes

	rec.Qual = make([]byte, lSeq)
	copy(rec.Qual, b[offset:offset+lSeq])
	offset += lSeq

	aux, err := parseAux(b[offset:])
	if err != nil {
		return nil, err
	}
	rec.AuxFields = aux

	refs := len(header.Refs())
	if refID != -1 {
		if refID < -1 || refID >= refs {
			return nil, fmt.Errorf("bam: reference id %v out of range", refID)
		}
		rec.Ref = header.Refs()[refID]
	}
	if nextRefID != -1 {
		if nextRefID < -1 || nextRefID >= refs {
			return nil, fmt.Errorf("bam: mate reference id %v out of range", nextRefID)
		}
		rec.MateRef = header.Refs()[nextRefID]
	}
	return rec, nil
}

// UnmarshalHeader parses a sam.Header encoded in BAM binary format.
func UnmarshalHeader(buf []byte) (*sam.Header, error) {
	header, err := sam.NewHeader(nil, nil)
	if err != nil {
		return nil, err
	}
	hr := bytes.NewReader(buf)
	if err := header.DecodeBinary(hr); err != nil {
		return nil, err
	}
	if hr.Len() > 0 {
		return nil, fmt.Errorf("bam: %d byte junk at the end of the header", hr.Len())
	}
	return header, nil
}
