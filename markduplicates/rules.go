package markduplicates

import (
	"io"

	"github.com/bio-tools/bammarkduplicates/internal/readend"
	"github.com/bio-tools/bammarkduplicates/internal/sortend"
)

// ruleEngine walks the sorted pair and fragment signature streams once,
// marking duplicate ranks into the sink and accumulating per-library
// metrics.
type ruleEngine struct {
	libs           *libraryTable
	metrics        *MetricsCollection
	sink           DupSink
	optMinPixelDif int
	strandSpecific bool
}

func newRuleEngine(libs *libraryTable, metrics *MetricsCollection, sink DupSink, opts *Opts) *ruleEngine {
	return &ruleEngine{
		libs:           libs,
		metrics:        metrics,
		sink:           sink,
		optMinPixelDif: opts.OptMinPixelDif,
		strandSpecific: opts.StrandSpecific,
	}
}

// markPairs runs the pair pass: consecutive pairs equal under the pair
// predicate (library, both refs, both coords, orientation) form one
// equivalence class.
func (e *ruleEngine) markPairs(it *sortend.MergeIterator) error {
	var group []readend.Pair
	for {
		entry, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return wrapError(IOError, err, "reading sorted pair stream")
		}
		p := entry.(pairEntry).Pair
		if len(group) > 0 && !group[0].SamePosition(p) {
			e.pairClass(group)
			group = group[:0]
		}
		group = append(group, p)
	}
	e.pairClass(group)
	return nil
}

func (e *ruleEngine) pairClass(group []readend.Pair) {
	if len(group) == 0 {
		return
	}
	if !e.strandSpecific {
		e.markPairClass(group)
		return
	}
	// Strand-specific marking splits each class by the strand of read1,
	// so pairs from opposite template strands never suppress each other.
	var fwd, rev []readend.Pair
	for _, p := range group {
		if p.R1Reversed {
			rev = append(rev, p)
		} else {
			fwd = append(fwd, p)
		}
	}
	e.markPairClass(fwd)
	e.markPairClass(rev)
}

func (e *ruleEngine) markPairClass(group []readend.Pair) {
	if len(group) == 0 {
		return
	}
	m := e.metrics.Get(e.libs.name(group[0].Library))
	m.ReadPairsExamined += uint64(len(group))
	if len(group) == 1 {
		return
	}

	// The keeper is the highest score; the merge stream is rank-ordered
	// within a class, so a strict comparison leaves the earliest rank as
	// the winner among ties.
	best := 0
	for i := 1; i < len(group); i++ {
		if group[i].Score > group[best].Score {
			best = i
		}
	}
	for i := range group {
		if i == best {
			continue
		}
		e.sink.Mark(group[i].Rank)
		e.sink.Mark(group[i].RightRank)
		m.ReadPairDuplicates++
	}
	m.OpticalDuplicates += countOptical(group, e.optMinPixelDif)
}

// markFragments runs the fragment pass: consecutive fragments equal
// under the fragment predicate (library, ref, coord, orientation) form
// one equivalence class.
func (e *ruleEngine) markFragments(it *sortend.MergeIterator) error {
	var group []readend.Fragment
	for {
		entry, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return wrapError(IOError, err, "reading sorted fragment stream")
		}
		f := entry.(fragEntry).Fragment
		if len(group) > 0 && !group[0].SamePosition(f) {
			e.fragClass(group)
			group = group[:0]
		}
		group = append(group, f)
	}
	e.fragClass(group)
	return nil
}

func (e *ruleEngine) fragClass(group []readend.Fragment) {
	if len(group) == 0 {
		return
	}
	m := e.metrics.Get(e.libs.name(group[0].Library))

	anyPaired := false
	for _, f := range group {
		if f.Paired {
			anyPaired = true
			break
		}
	}
	if anyPaired {
		// The pair pass already adjudicated the paired members; any
		// unpaired fragment colliding with a pair loses outright.
		for _, f := range group {
			if !f.Paired {
				e.sink.Mark(f.Rank)
				m.UnpairedReadDuplicates++
			}
		}
		return
	}
	if len(group) == 1 {
		return
	}
	best := 0
	for i := 1; i < len(group); i++ {
		if group[i].Score > group[best].Score {
			best = i
		}
	}
	for i := range group {
		if i == best {
			continue
		}
		e.sink.Mark(group[i].Rank)
		m.UnpairedReadDuplicates++
	}
}
