package main

/*
  bammarkduplicates marks (or removes) PCR and optical duplicates in a
  BAM stream and writes a per-library metrics report. For the pipeline
  description, see github.com/bio-tools/bammarkduplicates/markduplicates.
*/

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"

	md "github.com/bio-tools/bammarkduplicates/markduplicates"
)

var (
	inputPath       = flag.String("I", "", "Input BAM path. Empty reads standard input.")
	outputPath      = flag.String("O", "", "Output BAM path. Empty writes standard output.")
	metricsPath     = flag.String("M", "", "Metrics output path. Empty writes standard error.")
	tmpFile         = flag.String("tmpfile", "", "Prefix for temporary files. Empty uses a prefix in the working directory.")
	level           = flag.Int("level", -1, "Output BGZF compression level: -1, 0, 1, or 9")
	markThreads     = flag.Int("markthreads", 1, "BGZF codec worker count while applying the duplicate bitmap")
	verbose         = flag.Int("verbose", 1, "Print progress reports")
	mod             = flag.Uint64("mod", md.DefaultMod, "Progress report period, in records")
	rewriteBam      = flag.Int("rewritebam", 0, "Intermediate alignment store: 0=snappy, 1=bgzf re-encode, 2=bgzf raw-block copy")
	rewriteBamLevel = flag.Int("rewritebamlevel", -1, "BGZF level of the intermediate store when rewritebam=1")
	rmDup           = flag.Int("rmdup", 0, "Remove duplicates from the output instead of flagging them")
	colHashBits     = flag.Int("colhashbits", md.DefaultColHashBits, "log2 of the collator's lookup table size")
	colListSize     = flag.Int("collistsize", md.DefaultColListSize, "Byte budget of the collator's cell list")
	fragBufSize     = flag.Int("fragbufsize", md.DefaultFragBufSize, "Byte budget of each read-end sort buffer")
	freeListSize    = flag.Int("freelistsize", md.DefaultFreeListSize, "Position tracker pair-cell arena capacity")
	optMinPixelDif  = flag.Int("optminpixeldif", md.DefaultOptMinPixelDif, "Pixel distance at or under which same-tile pairs are optical duplicates")
	strandSpecific  = flag.Int("strandspecific", 0, "Mark pairs only when their read1 strands match")
	version         = flag.Bool("version", false, "Print the version and exit")
)

func main() {
	shutdown := grail.Init()
	defer shutdown()

	if *version {
		fmt.Printf("bammarkduplicates %s\n", md.Version)
		return
	}
	if flag.NArg() > 0 {
		a := flag.Args()
		log.Fatalf("unparsed arguments, please check flag syntax: '%s'", strings.Join(a, " "))
	}

	opts := md.Opts{
		InputPath:       *inputPath,
		OutputPath:      *outputPath,
		MetricsPath:     *metricsPath,
		TmpPrefix:       *tmpFile,
		Level:           *level,
		MarkThreads:     *markThreads,
		Verbose:         *verbose != 0,
		Mod:             *mod,
		RewriteBam:      *rewriteBam,
		RewriteBamLevel: *rewriteBamLevel,
		RemoveDups:      *rmDup != 0,
		ColHashBits:     *colHashBits,
		ColListSize:     *colListSize,
		FragBufSize:     *fragBufSize,
		FreeListSize:    *freeListSize,
		OptMinPixelDif:  *optMinPixelDif,
		StrandSpecific:  *strandSpecific != 0,
		CommandLine:     strings.Join(os.Args, " "),
	}

	ctx := vcontext.Background()
	if err := md.Mark(ctx, &opts); err != nil {
		log.Fatalf(err.Error())
	}
	log.Debug.Printf("exiting")
}
