package markduplicates

// Version is reported by --version and recorded in the @PG line of every
// output header.
const Version = "1.0.0"

// Default buffer and table sizes, matching the sizes this tool has always
// shipped with.
const (
	DefaultColHashBits    = 20
	DefaultColListSize    = 32 << 20
	DefaultFragBufSize    = 48 << 20
	DefaultFreeListSize   = 4096
	DefaultOptMinPixelDif = 100
	DefaultMod            = 1048576
)

// Rewrite modes for the intermediate alignment store created during the
// first pass. Snappy is the cheapest to write but forces a full
// re-serialization on output; the BGZF modes allow in-place flag patching.
const (
	RewriteSnappy   = 0
	RewriteBgzf     = 1
	RewriteBgzfCopy = 2
)

// Opts configures Mark. The zero value is not usable; start from
// DefaultOpts.
type Opts struct {
	// InputPath is the input BAM. Empty means standard input.
	InputPath string
	// OutputPath is the output BAM. Empty means standard output.
	OutputPath string
	// MetricsPath receives the per-library metrics report. Empty means
	// standard error.
	MetricsPath string
	// TmpPrefix is the path prefix for temporary files. Empty means a
	// prefix in the current working directory.
	TmpPrefix string

	// Level is the BGZF compression level of the output: -1 (default),
	// 0, 1, or 9.
	Level int
	// MarkThreads is the BGZF codec worker count used while applying the
	// duplicate bitmap.
	MarkThreads int

	// Verbose enables progress reports, one every Mod records.
	Verbose bool
	Mod     uint64

	// RewriteBam selects the intermediate alignment store:
	// RewriteSnappy, RewriteBgzf, or RewriteBgzfCopy.
	RewriteBam int
	// RewriteBamLevel is the BGZF level of the intermediate store when
	// RewriteBam is RewriteBgzf.
	RewriteBamLevel int

	// RemoveDups drops duplicate records from the output instead of
	// flagging them.
	RemoveDups bool

	// ColHashBits is log2 of the collator's lookup table size.
	ColHashBits int
	// ColListSize is the byte budget of the collator's cell list.
	ColListSize int
	// FragBufSize is the byte budget of each external-sort buffer.
	FragBufSize int
	// FreeListSize is the position tracker's pair-cell arena capacity.
	FreeListSize int

	// OptMinPixelDif is the pixel distance at or under which two pairs on
	// the same tile are optical duplicates of each other.
	OptMinPixelDif int

	// StrandSpecific marks pairs as duplicates only when their read1
	// strands match, for stranded library preparations.
	StrandSpecific bool

	// CommandLine is recorded in the @PG line of the output header.
	CommandLine string
}

// DefaultOpts returns the option defaults from the CLI table.
func DefaultOpts() Opts {
	return Opts{
		Level:           -1,
		MarkThreads:     1,
		Verbose:         true,
		Mod:             DefaultMod,
		RewriteBam:      RewriteSnappy,
		RewriteBamLevel: -1,
		ColHashBits:     DefaultColHashBits,
		ColListSize:     DefaultColListSize,
		FragBufSize:     DefaultFragBufSize,
		FreeListSize:    DefaultFreeListSize,
		OptMinPixelDif:  DefaultOptMinPixelDif,
	}
}
