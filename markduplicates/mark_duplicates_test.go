package markduplicates

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/biogo/hts/bam"
	"github.com/biogo/hts/sam"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func headerWithReadGroups(t *testing.T, rgToLB map[string]string) *sam.Header {
	t.Helper()
	ref, err := sam.NewReference("chr1", "", "", 1000000, nil, nil)
	require.NoError(t, err)
	header, err := sam.NewHeader(nil, []*sam.Reference{ref})
	require.NoError(t, err)
	for name, lb := range rgToLB {
		rg, err := sam.NewReadGroup(name, "", "", lb, "", "ILLUMINA", "", "sample", "", "",
			time.Time{}, 0)
		require.NoError(t, err)
		require.NoError(t, header.AddReadGroup(rg))
	}
	return header
}

func recordWithRG(t *testing.T, rg string) *sam.Record {
	t.Helper()
	aux, err := sam.NewAux(sam.Tag{'R', 'G'}, rg)
	require.NoError(t, err)
	return &sam.Record{Name: "r", AuxFields: sam.AuxFields{aux}}
}

// e2eFixture builds a small BAM with a known duplicate structure:
//
//	rank 0: pairA read1 (forward, qual 30)   keeper pair
//	rank 1: pairB read1 (forward, qual 20)   duplicate pair
//	rank 2: single      (forward, qual 20)   unpaired duplicate of the pairs' 5'
//	rank 3: pairA read2 (reverse)
//	rank 4: pairB read2 (reverse)
//	rank 5: pairD read1 (forward)            distinct position, unmarked
//	rank 6: pairD read2 (reverse)
type e2eFixture struct {
	header *sam.Header
	ref    *sam.Reference
	path   string
}

func buildE2EFixture(t *testing.T, dir string) e2eFixture {
	t.Helper()
	ref, err := sam.NewReference("chr1", "", "", 1000000, nil, nil)
	require.NoError(t, err)
	header, err := sam.NewHeader(nil, []*sam.Reference{ref})
	require.NoError(t, err)
	rg, err := sam.NewReadGroup("rg1", "", "", "lib1", "", "ILLUMINA", "", "s", "", "",
		time.Time{}, 0)
	require.NoError(t, err)
	require.NoError(t, header.AddReadGroup(rg))

	mate := func(name string, pos, matePos int, qual byte, flags sam.Flags) *sam.Record {
		aux, err := sam.NewAux(sam.Tag{'R', 'G'}, "rg1")
		require.NoError(t, err)
		quals := make([]byte, 10)
		for i := range quals {
			quals[i] = qual
		}
		return &sam.Record{
			Name:      name,
			Ref:       ref,
			Pos:       pos,
			MapQ:      60,
			Cigar:     sam.Cigar{sam.NewCigarOp(sam.CigarMatch, 10)},
			Seq:       sam.NewSeq([]byte("ACGTACGTAC")),
			Qual:      quals,
			MateRef:   ref,
			MatePos:   matePos,
			Flags:     flags,
			AuxFields: sam.AuxFields{aux},
		}
	}
	fwd1 := sam.Paired | sam.Read1 | sam.MateReverse
	rev2 := sam.Paired | sam.Read2 | sam.Reverse

	records := []*sam.Record{
		mate("run1:1:1101:100:200", 100, 300, 30, fwd1),
		mate("run1:1:1101:900:900", 100, 300, 20, fwd1),
		mate("run1:1:1101:50:60", 100, 0, 20, 0),
		mate("run1:1:1101:100:200", 300, 100, 30, rev2),
		mate("run1:1:1101:900:900", 300, 100, 20, rev2),
		mate("run1:1:1101:10:20", 700, 900, 30, fwd1),
		mate("run1:1:1101:10:20", 900, 700, 30, rev2),
	}
	// The unpaired read has no mate fields.
	records[2].MateRef = nil
	records[2].MatePos = -1

	path := filepath.Join(dir, "in.bam")
	f, err := os.Create(path)
	require.NoError(t, err)
	w, err := bam.NewWriter(f, header, 1)
	require.NoError(t, err)
	for _, rec := range records {
		require.NoError(t, w.Write(rec))
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
	return e2eFixture{header: header, ref: ref, path: path}
}

func readAllBAM(t *testing.T, path string) (*sam.Header, []*sam.Record) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r, err := bam.NewReader(f, 1)
	require.NoError(t, err)
	var recs []*sam.Record
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	return r.Header(), recs
}

func e2eOpts(fix e2eFixture, dir, suffix string) Opts {
	opts := DefaultOpts()
	opts.InputPath = fix.path
	opts.OutputPath = filepath.Join(dir, "out"+suffix+".bam")
	opts.MetricsPath = filepath.Join(dir, "metrics"+suffix+".txt")
	opts.TmpPrefix = filepath.Join(dir, "scratch"+suffix)
	opts.Verbose = false
	opts.CommandLine = "bammarkduplicates test"
	return opts
}

var e2eDupRanks = map[int]bool{1: true, 2: true, 4: true}

func TestMarkEndToEndFlagsDuplicates(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "mark-e2e")
	defer cleanup()
	fix := buildE2EFixture(t, dir)
	opts := e2eOpts(fix, dir, "")

	require.NoError(t, Mark(context.Background(), &opts))

	header, recs := readAllBAM(t, opts.OutputPath)
	require.Len(t, recs, 7)
	for i, rec := range recs {
		if e2eDupRanks[i] {
			assert.NotZero(t, rec.Flags&sam.Duplicate, "rank %d should be a duplicate", i)
		} else {
			assert.Zero(t, rec.Flags&sam.Duplicate, "rank %d should not be a duplicate", i)
		}
	}

	found := false
	for _, prog := range header.Progs() {
		if strings.HasPrefix(prog.UID(), "bammarkduplicates") {
			found = true
		}
	}
	assert.True(t, found, "output header must carry the @PG line")

	metricsBytes, err := os.ReadFile(opts.MetricsPath)
	require.NoError(t, err)
	var libRow string
	for _, line := range strings.Split(string(metricsBytes), "\n") {
		if strings.HasPrefix(line, "lib1\t") {
			libRow = line
		}
	}
	require.NotEmpty(t, libRow, "metrics must have a lib1 row")
	fields := strings.Split(libRow, "\t")
	require.Len(t, fields, 10)
	assert.Equal(t, "1", fields[1], "UNPAIRED_READS_EXAMINED")
	assert.Equal(t, "3", fields[2], "READ_PAIRS_EXAMINED")
	assert.Equal(t, "0", fields[3], "SECONDARY_OR_SUPPLEMENTARY_RDS")
	assert.Equal(t, "0", fields[4], "UNMAPPED_READS")
	assert.Equal(t, "1", fields[5], "UNPAIRED_READ_DUPLICATES")
	assert.Equal(t, "1", fields[6], "READ_PAIR_DUPLICATES")
	assert.Equal(t, "0", fields[7], "READ_PAIR_OPTICAL_DUPLICATES")

	// Temporaries under the prefix are gone.
	leftover, err := filepath.Glob(opts.TmpPrefix + "_*")
	require.NoError(t, err)
	assert.Empty(t, leftover)
}

func TestMarkFastPatchMatchesFullRewriteDecisions(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "mark-e2e")
	defer cleanup()
	fix := buildE2EFixture(t, dir)

	rewrite := e2eOpts(fix, dir, "-rw")
	require.NoError(t, Mark(context.Background(), &rewrite))

	patch := e2eOpts(fix, dir, "-patch")
	patch.RewriteBam = RewriteBgzfCopy
	require.NoError(t, Mark(context.Background(), &patch))

	_, rwRecs := readAllBAM(t, rewrite.OutputPath)
	_, patchRecs := readAllBAM(t, patch.OutputPath)
	require.Equal(t, len(rwRecs), len(patchRecs))
	for i := range rwRecs {
		assert.Equal(t, rwRecs[i].Flags&sam.Duplicate, patchRecs[i].Flags&sam.Duplicate, "rank %d", i)
		assert.Equal(t, rwRecs[i].Name, patchRecs[i].Name, "rank %d", i)
	}
}

func TestMarkFastPatchParallelBGZF(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "mark-e2e")
	defer cleanup()
	fix := buildE2EFixture(t, dir)

	opts := e2eOpts(fix, dir, "-par")
	opts.RewriteBam = RewriteBgzf
	opts.MarkThreads = 3
	require.NoError(t, Mark(context.Background(), &opts))

	_, recs := readAllBAM(t, opts.OutputPath)
	require.Len(t, recs, 7)
	for i, rec := range recs {
		assert.Equal(t, e2eDupRanks[i], rec.Flags&sam.Duplicate != 0, "rank %d", i)
	}
}

func TestMarkRemoveDups(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "mark-e2e")
	defer cleanup()
	fix := buildE2EFixture(t, dir)

	opts := e2eOpts(fix, dir, "-rm")
	opts.RemoveDups = true
	require.NoError(t, Mark(context.Background(), &opts))

	_, recs := readAllBAM(t, opts.OutputPath)
	require.Len(t, recs, 4)
	for _, rec := range recs {
		assert.Zero(t, rec.Flags&sam.Duplicate)
	}
}

func TestMarkIdempotentOnOwnOutput(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "mark-e2e")
	defer cleanup()
	fix := buildE2EFixture(t, dir)

	first := e2eOpts(fix, dir, "-1")
	require.NoError(t, Mark(context.Background(), &first))

	second := e2eOpts(fix, dir, "-2")
	second.InputPath = first.OutputPath
	require.NoError(t, Mark(context.Background(), &second))

	_, firstRecs := readAllBAM(t, first.OutputPath)
	_, secondRecs := readAllBAM(t, second.OutputPath)
	require.Equal(t, len(firstRecs), len(secondRecs))
	for i := range firstRecs {
		assert.Equal(t, firstRecs[i].Flags, secondRecs[i].Flags, "rank %d", i)
	}
}

func TestMarkRejectsTruncatedInput(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "mark-e2e")
	defer cleanup()
	fix := buildE2EFixture(t, dir)

	raw, err := os.ReadFile(fix.path)
	require.NoError(t, err)
	truncated := filepath.Join(dir, "trunc.bam")
	require.NoError(t, os.WriteFile(truncated, raw[:len(raw)/2], 0644))

	opts := e2eOpts(fix, dir, "-trunc")
	opts.InputPath = truncated
	assert.Error(t, Mark(context.Background(), &opts))
}
