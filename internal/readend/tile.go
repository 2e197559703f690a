package readend

import "strconv"

// TileXY is the subset of an Illumina read name's physical-location fields
// that the read-end signature carries as tie-breaker/optical fields. The
// full parse (lane, surface, swath, section) lives in the markduplicates
// package's optical detector; this is only what Fragment/Pair need to sort
// and to seed the optical batching key.
type TileXY struct {
	Tile int
	X    int
	Y    int
}

// ParseTileXY extracts tile, x, and y from an Illumina-style colon
// separated read name (5, 7, or 8 fields; last 3 or 4 fields are
// tile, x, y[, umi]). Names that do not match are given zero fields rather
// than failing: unparseable names simply fall outside optical-duplicate
// batching, which is the same fallback spec.md ties to `tile != 0`.
func ParseTileXY(qname string) TileXY {
	fields := splitColon(qname)
	var tileIdx int
	switch len(fields) {
	case 5:
		tileIdx = 2
	case 7:
		tileIdx = 4
	case 8:
		tileIdx = 4
	default:
		return TileXY{}
	}
	tile, err := strconv.Atoi(fields[tileIdx])
	if err != nil {
		return TileXY{}
	}
	x, err := strconv.Atoi(fields[tileIdx+1])
	if err != nil {
		return TileXY{}
	}
	y, err := strconv.Atoi(fields[tileIdx+2])
	if err != nil {
		return TileXY{}
	}
	return TileXY{Tile: tile, X: x, Y: y}
}

func splitColon(s string) []string {
	var fields []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			fields = append(fields, s[start:i])
			start = i + 1
		}
	}
	fields = append(fields, s[start:])
	return fields
}
