package markduplicates

import (
	"github.com/biogo/hts/sam"

	"github.com/bio-tools/bammarkduplicates/internal/readend"
)

// defaultLibrary is the synthetic library (id 0) that reads with no read
// group, an unknown read group, or a read group without an LB attribute
// are accounted under.
const defaultLibrary = "unknown"

// libraryTable resolves read groups to dense library and read-group ids,
// built once from the input header.
type libraryTable struct {
	libByRG map[string]int32
	rgIndex map[string]int32
	names   []string
}

func newLibraryTable(header *sam.Header) *libraryTable {
	t := &libraryTable{
		libByRG: make(map[string]int32),
		rgIndex: make(map[string]int32),
		names:   []string{defaultLibrary},
	}
	libID := make(map[string]int32)
	for i, rg := range header.RGs() {
		t.rgIndex[rg.Name()] = int32(i)
		lb := rg.Library()
		if lb == "" {
			t.libByRG[rg.Name()] = 0
			continue
		}
		id, ok := libID[lb]
		if !ok {
			id = int32(len(t.names))
			t.names = append(t.names, lb)
			libID[lb] = id
		}
		t.libByRG[rg.Name()] = id
	}
	return t
}

// lookup returns the library id and read-group index of r. Records
// without an RG tag, or with an RG the header does not declare, map to
// the default library and read-group index -1.
func (t *libraryTable) lookup(r *sam.Record) (library, readGroup int32) {
	rg, ok := readend.ReadGroup(r)
	if !ok {
		return 0, -1
	}
	idx, ok := t.rgIndex[rg]
	if !ok {
		return 0, -1
	}
	return t.libByRG[rg], idx
}

// name returns the LB value of library id, or the default library name.
func (t *libraryTable) name(library int32) string {
	if library < 0 || int(library) >= len(t.names) {
		return defaultLibrary
	}
	return t.names[library]
}
