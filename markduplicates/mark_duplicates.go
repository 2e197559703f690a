package markduplicates

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/biogo/hts/bam"
	"github.com/biogo/hts/sam"
	"github.com/golang/snappy"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"

	gbam "github.com/bio-tools/bammarkduplicates/encoding/bam"
	"github.com/bio-tools/bammarkduplicates/internal/bgzfpatch"
	"github.com/bio-tools/bammarkduplicates/internal/collate"
	"github.com/bio-tools/bammarkduplicates/internal/position"
	"github.com/bio-tools/bammarkduplicates/internal/readend"
	"github.com/bio-tools/bammarkduplicates/internal/sortend"
)

// Mark runs the full duplicate-marking pipeline: one pass over the input
// collecting read-end signatures, the rule engine over the sorted
// signature streams, and a second pass applying the duplicate bitmap to
// the output.
func Mark(ctx context.Context, opts *Opts) (err error) {
	if err := opts.Validate(); err != nil {
		return err
	}

	tmp, err := newTempRegistry(opts.TmpPrefix)
	if err != nil {
		return err
	}
	defer tmp.removeAll()

	in, closeIn, err := openInput(ctx, opts)
	if err != nil {
		return err
	}
	defer closeIn()

	// When the bitmap will be fast-patched onto raw BGZF blocks, the
	// first pass must leave behind a BGZF image of the input: either a
	// byte-exact copy teed off the compressed stream, or a re-encode.
	usePatch := !opts.RemoveDups && opts.RewriteBam != RewriteSnappy

	var rawCopy *os.File
	src := in
	if usePatch && opts.RewriteBam == RewriteBgzfCopy {
		if rawCopy, err = tmp.create("_alignments"); err != nil {
			return err
		}
		src = io.TeeReader(in, rawCopy)
	}

	br, err := bam.NewReader(src, opts.MarkThreads)
	if err != nil {
		return wrapError(MalformedInput, err, "opening BAM input")
	}
	header := br.Header()

	p := &markPipeline{
		libs:    newLibraryTable(header),
		metrics: newMetricsCollection(),
		frags:   newFragContainer(tmp.dir, tmp.base, opts.FragBufSize),
		pairs:   newPairContainer(tmp.dir, tmp.base, opts.FragBufSize),
	}
	p.tracker = position.New(opts.FreeListSize, position.SinkFunc(p.emitPair))

	var store recordStore
	switch {
	case !usePatch:
		f, err := tmp.create("_alignments")
		if err != nil {
			return err
		}
		store = newSnappyStore(f)
	case opts.RewriteBam == RewriteBgzf:
		f, err := tmp.create("_alignments")
		if err != nil {
			return err
		}
		if store, err = newBgzfStore(f, header, opts.RewriteBamLevel, opts.MarkThreads); err != nil {
			return err
		}
	}

	collator := collate.New(header, tmp.dir, tmp.base, opts.ColListSize/collatorCellBytes,
		1<<uint(opts.ColHashBits), true)
	collator.RegisterObserver(p.tracker)
	if store != nil {
		collator.RegisterObserver(collate.ObserverFunc(func(r *sam.Record) {
			if p.storeErr == nil {
				p.storeErr = store.write(r)
			}
		}))
	}

	for {
		rec, err := br.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return wrapError(MalformedInput, err, "reading BAM record")
		}
		p.observe(rec)
		pair, err := collator.Put(rec)
		if err != nil {
			return wrapError(IOError, err, "collating record")
		}
		if pair != nil && pair.Mate != nil {
			p.handlePair(pair)
		}
		if opts.Verbose && p.nextRank%opts.Mod == 0 {
			log.Printf("processed %d records", p.nextRank)
		}
	}

	leftovers, err := collator.Finish()
	if err != nil {
		return wrapError(IOError, err, "draining collator")
	}
	for i := range leftovers {
		if leftovers[i].Mate != nil {
			p.handlePair(&leftovers[i])
		}
	}
	p.tracker.Flush()
	if p.err != nil {
		return p.err
	}
	if p.storeErr != nil {
		return wrapError(IOError, p.storeErr, "writing alignment store")
	}
	if store != nil {
		if err := store.finish(); err != nil {
			return wrapError(IOError, err, "closing alignment store")
		}
	}
	if err := p.frags.Flush(); err != nil {
		return wrapError(IOError, err, "flushing fragment container")
	}
	if err := p.pairs.Flush(); err != nil {
		return wrapError(IOError, err, "flushing pair container")
	}

	bitmap := NewDupBitmap(p.nextRank)
	engine := newRuleEngine(p.libs, p.metrics, bitmap, opts)
	pairIt, err := p.pairs.GetDecoder()
	if err != nil {
		return wrapError(IOError, err, "opening sorted pair stream")
	}
	if err := engine.markPairs(pairIt); err != nil {
		return err
	}
	if err := p.pairs.Cleanup(); err != nil {
		return wrapError(IOError, err, "removing pair runs")
	}
	fragIt, err := p.frags.GetDecoder()
	if err != nil {
		return wrapError(IOError, err, "opening sorted fragment stream")
	}
	if err := engine.markFragments(fragIt); err != nil {
		return err
	}
	if err := p.frags.Cleanup(); err != nil {
		return wrapError(IOError, err, "removing fragment runs")
	}

	if opts.Verbose {
		log.Printf("marked %d of %d records as duplicates (dupset digest %s)",
			bitmap.Count(), p.nextRank, bitmap.Digest())
		p.metrics.logHistogram()
	}

	outHeader, err := augmentHeader(header, opts.CommandLine)
	if err != nil {
		return err
	}
	out, closeOut, err := openOutput(ctx, opts)
	if err != nil {
		return err
	}
	if usePatch {
		var patchSrc io.Reader
		switch opts.RewriteBam {
		case RewriteBgzfCopy:
			if _, err := rawCopy.Seek(0, io.SeekStart); err != nil {
				closeOut()
				return wrapError(IOError, err, "rewinding raw BGZF copy")
			}
			patchSrc = rawCopy
		case RewriteBgzf:
			if patchSrc, err = store.(*bgzfStore).reader(); err != nil {
				closeOut()
				return err
			}
		}
		err = applyFastPatch(patchSrc, out, outHeader, bitmap, opts)
	} else {
		err = applyFullRewrite(store.(*snappyStore), header, outHeader, bitmap, out, opts)
	}
	if err != nil {
		closeOut()
		return err
	}
	if err := closeOut(); err != nil {
		return wrapError(IOError, err, "closing BAM output")
	}

	mw, closeMetrics, err := openMetrics(ctx, opts)
	if err != nil {
		return err
	}
	if err := p.metrics.Write(mw, opts.CommandLine); err != nil {
		closeMetrics()
		return err
	}
	if err := closeMetrics(); err != nil {
		return wrapError(IOError, err, "closing metrics output")
	}
	return nil
}

// collatorCellBytes converts the collistsize byte budget into a cell
// count, using the same per-record estimate as the collator's spill path.
const collatorCellBytes = 512

// markPipeline holds the first pass's moving parts: rank assignment,
// per-library metrics, signature emission, and the position tracker.
type markPipeline struct {
	libs    *libraryTable
	metrics *MetricsCollection
	frags   *sortend.Container
	pairs   *sortend.Container
	tracker *position.Tracker

	nextRank uint64
	err      error
	storeErr error
}

// observe assigns the record its rank and emits its fragment signature.
// Called once per record, in input order, before the collator sees it.
func (p *markPipeline) observe(r *sam.Record) {
	rank := p.nextRank
	p.nextRank++
	if p.err != nil {
		return
	}

	library, readGroup := p.libs.lookup(r)
	m := p.metrics.Get(p.libs.name(library))

	if r.Flags&(sam.Secondary|sam.Supplementary) != 0 {
		m.SecondarySupplementary++
		return
	}
	if r.Flags&sam.Unmapped != 0 {
		m.Unmapped++
		return
	}

	mateMapped := r.Flags&sam.Paired != 0 && r.Flags&sam.MateUnmapped == 0 &&
		r.MateRef != nil && r.MateRef.ID() >= 0
	if !mateMapped {
		m.Unpaired++
	}
	if dist := readend.FivePrimePosition(r) - r.Pos; dist > p.metrics.MaxAlignDist {
		p.metrics.MaxAlignDist = dist
	}
	frag := readend.NewFragment(r, library, readGroup, rank, mateMapped)
	if err := p.frags.Put(fragEntry{frag}); err != nil {
		p.err = wrapError(IOError, err, "spilling fragment signature")
	}
}

// handlePair routes one collated mate pair: simple pairs go through the
// position tracker's coordinate buckets, everything else (straddlers,
// same-strand pairs, outies) goes straight to the pair container.
func (p *markPipeline) handlePair(pair *collate.Pair) {
	if p.err != nil {
		return
	}
	a, b := pair.Primary, pair.Mate
	if a.Flags&(sam.Unmapped|sam.MateUnmapped) != 0 || b.Flags&(sam.Unmapped|sam.MateUnmapped) != 0 {
		return
	}
	if a.Ref == nil || b.Ref == nil || a.Ref.ID() < 0 || b.Ref.ID() < 0 {
		return
	}

	if readend.IsSimplePair(a, b) {
		forward, reverse := a, b
		forwardRank, reverseRank := pair.PrimaryRank, pair.MateRank
		if readend.IsReversed(forward) {
			forward, reverse = b, a
			forwardRank, reverseRank = pair.MateRank, pair.PrimaryRank
		}
		if p.tracker.AddPair(forward, reverse, forwardRank, reverseRank) {
			return
		}
		// Coordinate already expunged; bypass tracking.
		p.emitPair(forward, reverse, forwardRank, reverseRank)
		return
	}
	p.emitPair(a, b, pair.PrimaryRank, pair.MateRank)
}

// emitPair builds the canonicalized pair signature and spills it. Also
// the position tracker's release sink.
func (p *markPipeline) emitPair(a, b *sam.Record, aRank, bRank uint64) {
	if p.err != nil {
		return
	}
	library, aRG := p.libs.lookup(a)
	_, bRG := p.libs.lookup(b)
	sig := readend.NewPair(a, b, library, aRG, bRG, aRank, bRank)
	if err := p.pairs.Put(pairEntry{sig}); err != nil {
		p.err = wrapError(IOError, err, "spilling pair signature")
	}
}

// tempRegistry tracks the temporary files created under the tmpfile
// prefix so they can all be closed and removed on exit, normal or not.
type tempRegistry struct {
	dir, base string
	paths     []string
	files     []*os.File
}

func newTempRegistry(prefix string) (*tempRegistry, error) {
	if prefix == "" {
		prefix = fmt.Sprintf("bammarkduplicates_%d", os.Getpid())
	}
	dir, base := filepath.Split(prefix)
	if dir == "" {
		dir = "."
	}
	if base == "" {
		return nil, errorf(ConfigError, "tmpfile prefix %q has no file name component", prefix)
	}
	return &tempRegistry{dir: dir, base: base}, nil
}

func (t *tempRegistry) create(suffix string) (*os.File, error) {
	path := filepath.Join(t.dir, t.base+suffix)
	f, err := os.Create(path)
	if err != nil {
		return nil, wrapError(ResourceError, err, "creating temporary file "+path)
	}
	t.paths = append(t.paths, path)
	t.files = append(t.files, f)
	return f, nil
}

func (t *tempRegistry) removeAll() {
	for _, f := range t.files {
		f.Close()
	}
	t.files = nil
	for _, path := range t.paths {
		os.Remove(path)
	}
	t.paths = nil
	// The spill containers name their run files under the same prefix;
	// sweep those too so an error exit leaves nothing behind.
	if matches, err := filepath.Glob(filepath.Join(t.dir, t.base+"_*")); err == nil {
		for _, m := range matches {
			os.Remove(m)
		}
	}
}

func openInput(ctx context.Context, opts *Opts) (io.Reader, func() error, error) {
	if opts.InputPath == "" {
		return os.Stdin, func() error { return nil }, nil
	}
	f, err := file.Open(ctx, opts.InputPath)
	if err != nil {
		return nil, nil, wrapError(IOError, err, "opening input "+opts.InputPath)
	}
	return f.Reader(ctx), func() error { return f.Close(ctx) }, nil
}

func openOutput(ctx context.Context, opts *Opts) (io.Writer, func() error, error) {
	if opts.OutputPath == "" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := file.Create(ctx, opts.OutputPath)
	if err != nil {
		return nil, nil, wrapError(IOError, err, "creating output "+opts.OutputPath)
	}
	return f.Writer(ctx), func() error { return f.Close(ctx) }, nil
}

func openMetrics(ctx context.Context, opts *Opts) (io.Writer, func() error, error) {
	if opts.MetricsPath == "" {
		return os.Stderr, func() error { return nil }, nil
	}
	f, err := file.Create(ctx, opts.MetricsPath)
	if err != nil {
		return nil, nil, wrapError(IOError, err, "creating metrics output "+opts.MetricsPath)
	}
	return f.Writer(ctx), func() error { return f.Close(ctx) }, nil
}

// augmentHeader rebuilds h with one more @PG line recording this
// invocation, chained onto the previous last program. Going through the
// header text keeps the references, read groups, and existing program
// chain intact while sidestepping in-place program mutation.
func augmentHeader(h *sam.Header, commandLine string) (*sam.Header, error) {
	previous := ""
	seen := make(map[string]bool)
	for _, prog := range h.Progs() {
		seen[prog.UID()] = true
		previous = prog.UID()
	}
	const name = "bammarkduplicates"
	uid := name
	for i := 1; seen[uid]; i++ {
		uid = fmt.Sprintf("%s.%d", name, i)
	}

	line := "@PG\tID:" + uid + "\tPN:" + name
	if commandLine != "" {
		sanitized := strings.Map(func(r rune) rune {
			if r == '\t' || r == '\n' || r == '\r' {
				return ' '
			}
			return r
		}, commandLine)
		line += "\tCL:" + sanitized
	}
	if previous != "" {
		line += "\tPP:" + previous
	}
	line += "\tVN:" + Version + "\n"

	text, err := h.MarshalText()
	if err != nil {
		return nil, wrapError(MalformedInput, err, "marshalling header")
	}
	if len(text) > 0 && text[len(text)-1] != '\n' {
		text = append(text, '\n')
	}
	text = append(text, []byte(line)...)
	hdr, err := sam.NewHeader(text, nil)
	if err != nil {
		return nil, wrapError(MalformedInput, err, "rebuilding header with @PG line")
	}
	return hdr, nil
}

// recordStore preserves first-pass records for the second pass.
type recordStore interface {
	write(r *sam.Record) error
	finish() error
}

// snappyStore holds marshalled BAM records in a snappy stream, each
// framed by its own leading block-length word.
type snappyStore struct {
	f  *os.File
	sw *snappy.Writer
}

func newSnappyStore(f *os.File) *snappyStore {
	return &snappyStore{f: f, sw: snappy.NewBufferedWriter(f)}
}

// write appends the marshalled record; its leading block-length word is
// the only framing the reader needs.
func (s *snappyStore) write(r *sam.Record) error {
	var buf bytes.Buffer
	if err := gbam.Marshal(r, &buf); err != nil {
		return err
	}
	_, err := s.sw.Write(buf.Bytes())
	return err
}

func (s *snappyStore) finish() error { return s.sw.Close() }

// iterate returns an iterator that decodes the stored records in rank
// order, reading from the file's current offset.
func (s *snappyStore) iterate(header *sam.Header) *snappyStoreIter {
	return &snappyStoreIter{r: snappy.NewReader(s.f), header: header}
}

func (s *snappyStore) rewind() error {
	_, err := s.f.Seek(0, io.SeekStart)
	return err
}

type snappyStoreIter struct {
	r      *snappy.Reader
	header *sam.Header
}

func (it *snappyStoreIter) next() (*sam.Record, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(it.r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return nil, err
	}
	body := make([]byte, binary.LittleEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(it.r, body); err != nil {
		return nil, err
	}
	return gbam.Unmarshal(body, it.header)
}

// bgzfStore re-encodes first-pass records into a BGZF temporary so the
// second pass can fast-patch it.
type bgzfStore struct {
	f *os.File
	w *bam.Writer
}

func newBgzfStore(f *os.File, header *sam.Header, level, threads int) (*bgzfStore, error) {
	w, err := bam.NewWriterLevel(f, header, level, threads)
	if err != nil {
		return nil, wrapError(IOError, err, "creating BGZF alignment store")
	}
	return &bgzfStore{f: f, w: w}, nil
}

func (s *bgzfStore) write(r *sam.Record) error { return s.w.Write(r) }

func (s *bgzfStore) finish() error { return s.w.Close() }

func (s *bgzfStore) reader() (io.Reader, error) {
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return nil, wrapError(IOError, err, "rewinding BGZF alignment store")
	}
	return s.f, nil
}

// applyFastPatch rewrites src, a BGZF image of the input, onto out with
// the duplicate bits patched in place and the header replaced by the
// augmented one.
func applyFastPatch(src io.Reader, out io.Writer, newHeader *sam.Header, bitmap *DupBitmap, opts *Opts) error {
	newBytes, err := gbam.MarshalHeader(newHeader)
	if err != nil {
		return wrapError(MalformedInput, err, "encoding augmented header")
	}
	patchOpts := bgzfpatch.Opts{
		Level:     opts.Level,
		Threads:   opts.MarkThreads,
		NewHeader: newBytes,
		IsDup:     bitmap.IsDup,
	}
	if err := bgzfpatch.Patch(src, out, patchOpts); err != nil {
		return wrapError(IOError, err, "patching BGZF output")
	}
	return nil
}

// applyFullRewrite re-serializes every stored record with the duplicate
// flag recomputed, dropping duplicates entirely when RemoveDups is set.
func applyFullRewrite(store *snappyStore, origHeader, newHeader *sam.Header, bitmap *DupBitmap, out io.Writer, opts *Opts) error {
	if err := store.rewind(); err != nil {
		return wrapError(IOError, err, "rewinding alignment store")
	}
	w, err := bam.NewWriterLevel(out, newHeader, opts.Level, opts.MarkThreads)
	if err != nil {
		return wrapError(IOError, err, "creating BAM output writer")
	}
	it := store.iterate(origHeader)
	for rank := uint64(0); ; rank++ {
		rec, err := it.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return wrapError(IOError, err, "reading alignment store")
		}
		rec.Flags &^= sam.Duplicate
		if bitmap.IsDup(rank) {
			if opts.RemoveDups {
				continue
			}
			rec.Flags |= sam.Duplicate
		}
		if err := w.Write(rec); err != nil {
			return wrapError(IOError, err, "writing BAM record")
		}
	}
	if err := w.Close(); err != nil {
		return wrapError(IOError, err, "closing BAM output writer")
	}
	return nil
}
