package markduplicates

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercentDuplication(t *testing.T) {
	m := &Metrics{
		Unpaired:               2,
		ReadPairsExamined:      4,
		UnpairedReadDuplicates: 1,
		ReadPairDuplicates:     2,
	}
	// (1 + 2*2) / (2 + 2*4)
	assert.InDelta(t, 0.5, m.PercentDuplication(), 1e-9)
}

func TestPercentDuplicationEmptyLibrary(t *testing.T) {
	m := &Metrics{}
	assert.Equal(t, 0.0, m.PercentDuplication())
}

func TestMetricsReportSingleLibraryHasHistogram(t *testing.T) {
	mc := newMetricsCollection()
	m := mc.Get("lib1")
	m.ReadPairsExamined = 1000
	m.ReadPairDuplicates = 100

	var buf bytes.Buffer
	require.NoError(t, mc.Write(&buf, "bammarkduplicates I=in.bam"))
	out := buf.String()

	assert.Contains(t, out, "LIBRARY\tUNPAIRED_READS_EXAMINED")
	assert.Contains(t, out, "lib1\t")
	assert.Contains(t, out, "## HISTOGRAM")
	assert.Contains(t, out, "bammarkduplicates I=in.bam")

	// 100 bins, one per line.
	histogram := out[strings.Index(out, "## HISTOGRAM"):]
	assert.Equal(t, histogramBins, strings.Count(histogram, "\n")-2)
}

func TestMetricsReportMultipleLibrariesNoHistogram(t *testing.T) {
	mc := newMetricsCollection()
	mc.Get("lib1").ReadPairsExamined = 10
	mc.Get("lib2").ReadPairsExamined = 20

	var buf bytes.Buffer
	require.NoError(t, mc.Write(&buf, "cl"))
	out := buf.String()
	assert.NotContains(t, out, "## HISTOGRAM")

	// Rows come out in library name order.
	assert.True(t, strings.Index(out, "lib1") < strings.Index(out, "lib2"))
}

func TestDuplicateCountSumsAcrossLibraries(t *testing.T) {
	mc := newMetricsCollection()
	a := mc.Get("a")
	a.UnpairedReadDuplicates = 3
	a.ReadPairDuplicates = 2
	b := mc.Get("b")
	b.ReadPairDuplicates = 1
	assert.Equal(t, uint64(3+2*2+2*1), mc.DuplicateCount())
}

func TestSaturationHistogramNeedsDuplicates(t *testing.T) {
	m := &Metrics{ReadPairsExamined: 100}
	bins, values := m.saturationHistogram()
	assert.Nil(t, bins)
	assert.Nil(t, values)
}

func TestSaturationHistogramIsIncreasing(t *testing.T) {
	m := &Metrics{ReadPairsExamined: 1000, ReadPairDuplicates: 200}
	bins, values := m.saturationHistogram()
	require.Len(t, bins, histogramBins)
	for i := 1; i < len(values); i++ {
		assert.True(t, values[i] >= values[i-1], "bin %d", i)
	}
}
