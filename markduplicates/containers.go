package markduplicates

import (
	"io"

	"github.com/bio-tools/bammarkduplicates/internal/readend"
	"github.com/bio-tools/bammarkduplicates/internal/sortend"
)

// fragEntry and pairEntry adapt the read-end signature types to the
// external-sort container's Entry interface.
type fragEntry struct{ readend.Fragment }

func (f fragEntry) Less(other sortend.Entry) bool {
	return f.Fragment.Less(other.(fragEntry).Fragment)
}

func (f fragEntry) Encode(w io.Writer) error { return f.Fragment.Encode(w) }

func decodeFragEntry(r io.Reader) (sortend.Entry, error) {
	f, err := readend.DecodeFragment(r)
	if err != nil {
		return nil, err
	}
	return fragEntry{f}, nil
}

type pairEntry struct{ readend.Pair }

func (p pairEntry) Less(other sortend.Entry) bool {
	return p.Pair.Less(other.(pairEntry).Pair)
}

func (p pairEntry) Encode(w io.Writer) error { return p.Pair.Encode(w) }

func decodePairEntry(r io.Reader) (sortend.Entry, error) {
	p, err := readend.DecodePair(r)
	if err != nil {
		return nil, err
	}
	return pairEntry{p}, nil
}

// On-disk record sizes used to convert the fragbufsize byte budget into a
// buffered entry count.
const (
	fragEntryBytes = 96
	pairEntryBytes = 128
)

func newFragContainer(tmpDir, prefix string, budgetBytes int) *sortend.Container {
	return sortend.NewContainer(tmpDir, prefix+"_readfrags", budgetBytes, fragEntryBytes, decodeFragEntry)
}

func newPairContainer(tmpDir, prefix string, budgetBytes int) *sortend.Container {
	return sortend.NewContainer(tmpDir, prefix+"_readpairs", budgetBytes, pairEntryBytes, decodePairEntry)
}
