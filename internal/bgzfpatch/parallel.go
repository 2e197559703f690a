package bgzfpatch

import (
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// patchParallel runs the same block-level patch as patchSerial, with the
// inflate and deflate stages fanned out over worker pools. Blocks flow
// through bounded queues sized 4x the thread count; a sequencer on each
// side of the single-threaded patch stage restores input order, so the
// output is byte-identical to the serial path.
func patchParallel(src io.Reader, dst io.Writer, opts Opts) error {
	threads := opts.Threads
	queue := 4 * threads

	var state pipelineState
	inflateCh := make(chan blockJob, queue)
	deflateCh := make(chan blockJob, queue)
	inflated := newSequencer()
	deflated := newSequencer()

	// Reader: raw blocks off the stream, in order.
	go func() {
		br := newBlockReader(src)
		for seq := 0; ; seq++ {
			raw, err := br.next()
			if err == io.EOF {
				break
			}
			if err != nil {
				state.fail(err)
				break
			}
			inflateCh <- blockJob{seq: seq, data: raw}
			if state.failed() {
				break
			}
		}
		close(inflateCh)
	}()

	// Inflate pool.
	var inflateWG sync.WaitGroup
	for i := 0; i < threads; i++ {
		inflateWG.Add(1)
		go func() {
			defer inflateWG.Done()
			for job := range inflateCh {
				if state.failed() {
					inflated.put(job.seq, nil)
					continue
				}
				data, err := inflateBlock(job.data)
				if err != nil {
					state.fail(err)
					inflated.put(job.seq, nil)
					continue
				}
				inflated.put(job.seq, data)
			}
		}()
	}
	go func() {
		inflateWG.Wait()
		inflated.close()
	}()

	// Patch stage: strictly sequential, one rank sequence across the
	// whole stream. Emits the replacement header first, then every
	// patched block, renumbered for the output sequencer.
	go func() {
		defer close(deflateCh)
		seqOut := 0
		header := opts.NewHeader
		for len(header) > 0 {
			n := len(header)
			if n > defaultUncompressedBlockSize {
				n = defaultUncompressedBlockSize
			}
			deflateCh <- blockJob{seq: seqOut, data: header[:n]}
			seqOut++
			header = header[n:]
		}

		p := &patcher{isDup: opts.IsDup}
		hs := &headerScanner{}
		for {
			data, ok := inflated.take()
			if !ok {
				break
			}
			if state.failed() {
				continue
			}
			data, err := hs.consume(data)
			if err != nil {
				state.fail(err)
				continue
			}
			if len(data) == 0 {
				continue
			}
			if err := p.patch(data); err != nil {
				state.fail(err)
				continue
			}
			deflateCh <- blockJob{seq: seqOut, data: data}
			seqOut++
		}
		if !state.failed() {
			if !hs.done {
				state.fail(errors.New("bgzfpatch: stream ended inside the BAM header"))
			} else if !p.atRecordBoundary() {
				state.fail(errors.New("bgzfpatch: stream ended mid-record"))
			}
		}
	}()

	// Deflate pool. Each worker owns its gzip writer and scratch buffer.
	var deflateWG sync.WaitGroup
	for i := 0; i < threads; i++ {
		deflateWG.Add(1)
		go func() {
			defer deflateWG.Done()
			var gz *gzip.Writer
			var buf bytes.Buffer
			for job := range deflateCh {
				if state.failed() {
					deflated.put(job.seq, nil)
					continue
				}
				raw, err := compressChunk(&gz, &buf, job.data, opts.Level)
				if err != nil {
					state.fail(err)
					deflated.put(job.seq, nil)
					continue
				}
				deflated.put(job.seq, raw)
			}
		}()
	}
	go func() {
		deflateWG.Wait()
		deflated.close()
	}()

	// Writer: drain in sequence on the calling goroutine.
	for {
		raw, ok := deflated.take()
		if !ok {
			break
		}
		if state.failed() {
			continue
		}
		if _, err := dst.Write(raw); err != nil {
			state.fail(errors.Wrap(err, "bgzfpatch: writing block"))
		}
	}
	if err := state.err(); err != nil {
		return err
	}
	_, err := dst.Write(terminator)
	return errors.Wrap(err, "bgzfpatch: writing terminator")
}

type blockJob struct {
	seq  int
	data []byte
}

// pipelineState latches the first error across the pipeline's
// goroutines.
type pipelineState struct {
	mu  sync.Mutex
	e   error
	bad bool
}

func (s *pipelineState) fail(err error) {
	s.mu.Lock()
	if !s.bad {
		s.bad = true
		s.e = err
	}
	s.mu.Unlock()
}

func (s *pipelineState) failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bad
}

func (s *pipelineState) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.e
}

// sequencer restores sequence order across a worker pool: items arrive
// tagged with their sequence number in any order and leave in order.
// In-flight item count is bounded by the upstream channel, so put never
// blocks.
type sequencer struct {
	mu      sync.Mutex
	cond    *sync.Cond
	next    int
	pending map[int][]byte
	done    bool
}

func newSequencer() *sequencer {
	s := &sequencer{pending: make(map[int][]byte)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *sequencer) put(seq int, data []byte) {
	s.mu.Lock()
	s.pending[seq] = data
	s.mu.Unlock()
	s.cond.Broadcast()
}

// take blocks until the next item in sequence is available, returning
// ok=false once the sequencer is closed and drained.
func (s *sequencer) take() (data []byte, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if d, found := s.pending[s.next]; found {
			delete(s.pending, s.next)
			s.next++
			return d, true
		}
		if s.done {
			return nil, false
		}
		s.cond.Wait()
	}
}

func (s *sequencer) close() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	s.cond.Broadcast()
}
