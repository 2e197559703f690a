// Package markduplicates identifies PCR and optical duplicates in a BAM
// alignment stream and either flags or removes them.
//
// The pipeline makes a single pass over the input. A collator
// (internal/collate) reunites mate pairs arriving in arbitrary order,
// spilling half-seen pairs to disk when its table fills. A position
// tracker (internal/position) rides the same pass as a collator observer
// and buffers simple (innie) pairs in coordinate buckets so that pairs are
// emitted in stable groups even when the input is only approximately
// coordinate sorted. Every mapped record yields a fragment read-end
// signature, and every fully mapped pair yields a pair signature
// (internal/readend); both kinds are accumulated in external-sort
// containers (internal/sortend) that spill sorted runs to disk and merge
// them back on read.
//
// The rule engine then walks the two sorted signature streams once. Pairs
// sharing (library, both references, both unclipped 5' coordinates,
// orientation) form an equivalence class; the highest-scoring member is
// kept and the rest are marked, with ties broken by input rank. Classes
// are additionally scanned for optical duplicates: members on the same
// read group and flow-cell tile whose (x, y) pixel coordinates lie within
// OptMinPixelDif of each other. Fragments sharing (library, reference,
// coordinate, orientation) are handled analogously, except that an
// unpaired fragment colliding with any paired fragment is always a
// duplicate. The result is a bitmap indexed by input rank.
//
// A second pass applies the bitmap back onto the alignment stream. When
// the alignments were preserved as BGZF (RewriteBam 1 or 2, and duplicates
// are flagged rather than removed), internal/bgzfpatch flips the duplicate flag bit in place
// inside each block without re-decoding records. Otherwise the alignments
// are re-read from a snappy-framed temporary and fully re-serialized,
// which is also the path used when duplicates are removed rather than
// flagged. In both modes the output header gains one @PG line recording
// the invocation.
//
// Metrics are accumulated per library (resolved through each read group's
// LB attribute) and written as a tab-separated report, with a library
// saturation histogram appended when the input contains exactly one
// library.
package markduplicates
