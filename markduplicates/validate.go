package markduplicates

import "os"

// Validate checks opts for contradictions before any work starts.
func (opts *Opts) Validate() error {
	switch opts.Level {
	case -1, 0, 1, 9:
	default:
		return errorf(ConfigError, "level must be one of -1, 0, 1, 9, got %d", opts.Level)
	}
	switch opts.RewriteBamLevel {
	case -1, 0, 1, 9:
	default:
		return errorf(ConfigError, "rewritebamlevel must be one of -1, 0, 1, 9, got %d", opts.RewriteBamLevel)
	}
	if opts.RewriteBam < RewriteSnappy || opts.RewriteBam > RewriteBgzfCopy {
		return errorf(ConfigError, "rewritebam must be 0, 1, or 2, got %d", opts.RewriteBam)
	}
	if opts.MarkThreads < 1 {
		return errorf(ConfigError, "markthreads must be at least 1, got %d", opts.MarkThreads)
	}
	if opts.ColHashBits < 1 || opts.ColHashBits > 31 {
		return errorf(ConfigError, "colhashbits must be in [1,31], got %d", opts.ColHashBits)
	}
	if opts.ColListSize < 1 || opts.FragBufSize < 1 || opts.FreeListSize < 1 {
		return errorf(ConfigError, "collistsize, fragbufsize, and freelistsize must be positive")
	}
	if opts.Mod == 0 {
		return errorf(ConfigError, "mod must be positive")
	}
	if opts.InputPath == "" && isTerminal(os.Stdin) {
		return errorf(ConfigError, "refusing to read binary BAM data from a terminal; use I=<path> or redirect stdin")
	}
	if opts.OutputPath == "" && isTerminal(os.Stdout) {
		return errorf(ConfigError, "refusing to write binary BAM data to a terminal; use O=<path> or redirect stdout")
	}
	return nil
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
