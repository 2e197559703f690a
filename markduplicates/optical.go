package markduplicates

import (
	"sort"

	"github.com/bio-tools/bammarkduplicates/internal/readend"
)

// countOptical scans one pair equivalence class for optical duplicates:
// members sequenced on the same read group and flow-cell tile whose well
// coordinates lie within maxPixelDif of each other on both axes. Reads
// whose names did not parse as Illumina coordinates carry tile 0 and are
// never optical candidates.
//
// The class is scanned in (read group, tile, x) order so each batch is a
// contiguous run and the inner comparison can stop as soon as the x
// distance alone exceeds the threshold. A member is counted at most once
// no matter how many neighbors it sits close to.
func countOptical(group []readend.Pair, maxPixelDif int) uint64 {
	if len(group) < 2 || maxPixelDif < 0 {
		return 0
	}
	sorted := make([]readend.Pair, len(group))
	copy(sorted, group)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := &sorted[i], &sorted[j]
		if a.ReadGroup != b.ReadGroup {
			return a.ReadGroup < b.ReadGroup
		}
		if a.Tile != b.Tile {
			return a.Tile < b.Tile
		}
		if a.X != b.X {
			return a.X < b.X
		}
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.Rank < b.Rank
	})

	flagged := make([]bool, len(sorted))
	var count uint64
	for start := 0; start < len(sorted); {
		end := start + 1
		for end < len(sorted) &&
			sorted[end].ReadGroup == sorted[start].ReadGroup &&
			sorted[end].Tile == sorted[start].Tile {
			end++
		}
		if sorted[start].Tile != 0 {
			for i := start; i < end; i++ {
				for j := i + 1; j < end; j++ {
					if int(sorted[j].X-sorted[i].X) > maxPixelDif {
						break
					}
					if flagged[j] {
						continue
					}
					if absInt32(sorted[j].Y-sorted[i].Y) <= maxPixelDif {
						flagged[j] = true
						count++
					}
				}
			}
		}
		start = end
	}
	return count
}

func absInt32(v int32) int {
	if v < 0 {
		return int(-v)
	}
	return int(v)
}
