package markduplicates

import (
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/grailbio/base/log"
	"github.com/guptarohit/asciigraph"
	"gonum.org/v1/gonum/floats"
)

// Metrics holds the duplicate accounting for one library.
type Metrics struct {
	// Unmapped is the number of unmapped primary records.
	Unmapped uint64
	// Unpaired is the number of mapped records without a mapped mate,
	// either because the read is unpaired or its mate is unmapped.
	Unpaired uint64
	// ReadPairsExamined is the number of mapped pairs examined.
	ReadPairsExamined uint64
	// SecondarySupplementary is the number of secondary or supplementary
	// records, which pass through unexamined.
	SecondarySupplementary uint64
	// UnpairedReadDuplicates is the number of unpaired records marked.
	UnpairedReadDuplicates uint64
	// ReadPairDuplicates is the number of pairs marked.
	ReadPairDuplicates uint64
	// OpticalDuplicates is the subset of ReadPairDuplicates attributed to
	// optical rather than PCR duplication.
	OpticalDuplicates uint64
}

// PercentDuplication returns the fraction of examined reads marked as
// duplicates.
func (m *Metrics) PercentDuplication() float64 {
	denom := m.Unpaired + 2*m.ReadPairsExamined
	if denom == 0 {
		return 0
	}
	return float64(m.UnpairedReadDuplicates+2*m.ReadPairDuplicates) / float64(denom)
}

// EstimatedLibrarySize returns the Lander-Waterman estimate of distinct
// molecules in the library, or 0 when it cannot be computed.
func (m *Metrics) EstimatedLibrarySize() uint64 {
	size, err := estimateLibrarySize(m.ReadPairsExamined-m.OpticalDuplicates,
		m.ReadPairsExamined-m.ReadPairDuplicates)
	if err != nil {
		return 0
	}
	return size
}

func (m *Metrics) row() string {
	return fmt.Sprintf("%d\t%d\t%d\t%d\t%d\t%d\t%d\t%0.6f\t%d",
		m.Unpaired, m.ReadPairsExamined, m.SecondarySupplementary, m.Unmapped,
		m.UnpairedReadDuplicates, m.ReadPairDuplicates, m.OpticalDuplicates,
		m.PercentDuplication(), m.EstimatedLibrarySize())
}

// MetricsCollection aggregates Metrics across libraries, plus the global
// counters that are not per-library.
type MetricsCollection struct {
	// MaxAlignDist is the largest observed distance between a record's
	// alignment start and its unclipped 5' coordinate.
	MaxAlignDist int

	libraries map[string]*Metrics
}

func newMetricsCollection() *MetricsCollection {
	return &MetricsCollection{libraries: make(map[string]*Metrics)}
}

// Get returns the Metrics for library, creating it on first use.
func (mc *MetricsCollection) Get(library string) *Metrics {
	m, ok := mc.libraries[library]
	if !ok {
		m = &Metrics{}
		mc.libraries[library] = m
	}
	return m
}

// DuplicateCount returns sum over libraries of the marked record count:
// unpaired duplicates plus two records per duplicate pair. It equals the
// popcount of the duplicate bitmap.
func (mc *MetricsCollection) DuplicateCount() uint64 {
	var n uint64
	for _, m := range mc.libraries {
		n += m.UnpairedReadDuplicates + 2*m.ReadPairDuplicates
	}
	return n
}

// Write renders the metrics report: a comment header, one tab-separated
// row per library in name order, and, when exactly one library is
// present, a saturation histogram of expected distinct-molecule coverage
// per sequencing multiple.
func (mc *MetricsCollection) Write(w io.Writer, commandLine string) error {
	if _, err := fmt.Fprintf(w, "# bammarkduplicates %s\n# %s\n# maximum 5' alignment distance: %d\n",
		Version, commandLine, mc.MaxAlignDist); err != nil {
		return wrapError(IOError, err, "writing metrics header")
	}
	if _, err := io.WriteString(w, "LIBRARY\tUNPAIRED_READS_EXAMINED\tREAD_PAIRS_EXAMINED\t"+
		"SECONDARY_OR_SUPPLEMENTARY_RDS\tUNMAPPED_READS\tUNPAIRED_READ_DUPLICATES\t"+
		"READ_PAIR_DUPLICATES\tREAD_PAIR_OPTICAL_DUPLICATES\tPERCENT_DUPLICATION\t"+
		"ESTIMATED_LIBRARY_SIZE\n"); err != nil {
		return wrapError(IOError, err, "writing metrics header")
	}

	names := make([]string, 0, len(mc.libraries))
	for name := range mc.libraries {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := fmt.Fprintf(w, "%s\t%s\n", name, mc.libraries[name].row()); err != nil {
			return wrapError(IOError, err, "writing metrics row")
		}
	}

	if len(names) != 1 {
		return nil
	}
	m := mc.libraries[names[0]]
	bins, values := m.saturationHistogram()
	if bins == nil {
		return nil
	}
	if _, err := io.WriteString(w, "\n## HISTOGRAM\nBIN\tVALUE\n"); err != nil {
		return wrapError(IOError, err, "writing histogram header")
	}
	for i := range bins {
		if _, err := fmt.Fprintf(w, "%.1f\t%0.6f\n", bins[i], values[i]); err != nil {
			return wrapError(IOError, err, "writing histogram row")
		}
	}
	return nil
}

const histogramBins = 100

// saturationHistogram returns, for each sequencing multiple x in
// [1, 100], the expected ratio of distinct molecules observed at x-fold
// the current depth to those observed at the current depth. Returns nils
// when the library has no pair duplicates to extrapolate from.
func (m *Metrics) saturationHistogram() (bins, values []float64) {
	librarySize := m.EstimatedLibrarySize()
	uniquePairs := m.ReadPairsExamined - m.ReadPairDuplicates
	if librarySize == 0 || uniquePairs == 0 {
		return nil, nil
	}
	bins = floats.Span(make([]float64, histogramBins), 1, histogramBins)
	values = make([]float64, histogramBins)
	size := float64(librarySize)
	pairs := float64(m.ReadPairsExamined)
	for i, x := range bins {
		values[i] = size * -math.Expm1(-x*pairs/size) / float64(uniquePairs)
	}
	return bins, values
}

// logHistogram renders the saturation histogram as an inline plot on the
// info log, for verbose runs with a single library.
func (mc *MetricsCollection) logHistogram() {
	if len(mc.libraries) != 1 {
		return
	}
	for name, m := range mc.libraries {
		_, values := m.saturationHistogram()
		if values == nil {
			return
		}
		log.Printf("library %s saturation:\n%s", name,
			asciigraph.Plot(values, asciigraph.Height(10), asciigraph.Width(60)))
	}
}
