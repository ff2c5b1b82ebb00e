package runtime

import (
	"log/slog"

	"github.com/ja7ad/gmr/internal/config"
	"github.com/ja7ad/gmr/pkg/guard"
	"github.com/ja7ad/gmr/pkg/mutex"
	"github.com/ja7ad/gmr/pkg/rma"
)

// ThreadLevel mirrors the substrate's declared thread support.
type ThreadLevel int

const (
	ThreadSingle ThreadLevel = iota
	ThreadMultiple
)

// Options is the process-wide configuration, populated by parsing
// recognized environment variables at Init. Unknown values are warnings,
// never a hard failure.
type Options struct {
	DebugAlloc       bool
	IOVMethod        rma.IOVMethod
	StridedMethod    rma.StridedMethod
	ShrBufMethod     guard.Policy
	MutexBackend     mutex.Backend
	RMAAtomicity     bool
	NoFlushLocal     bool
	DisableIOVChecks bool
	NoMPIBottom      bool
	Verbose          bool
	Profile          string
	ProfileOutput    string
	ThreadLevel      ThreadLevel
}

// ParseOptions reads the set of environment variables this runtime recognizes.
func ParseOptions() Options {
	opts := Options{
		ShrBufMethod: guard.CopyAlways,
		MutexBackend: mutex.Spinning,
	}

	if v, ok := config.OneOf("IOV_METHOD", []string{"AUTO", "SAFE", "ONELOCK", "DTYPE"}, "AUTO"); !ok {
		slog.Warn("gmr: unrecognized IOV_METHOD, using AUTO", "value", v)
	} else {
		switch v {
		case "SAFE":
			opts.IOVMethod = rma.IOVSafe
		case "ONELOCK":
			opts.IOVMethod = rma.IOVOneLock
		case "DTYPE":
			opts.IOVMethod = rma.IOVDtype
		default:
			opts.IOVMethod = rma.IOVAuto
		}
	}

	if v, ok := config.OneOf("STRIDED_METHOD", []string{"IOV", "DIRECT"}, "DIRECT"); !ok {
		slog.Warn("gmr: unrecognized STRIDED_METHOD, using DIRECT", "value", v)
	} else if v == "IOV" {
		opts.StridedMethod = rma.StridedIOV
	} else {
		opts.StridedMethod = rma.StridedDirect
	}

	if v, ok := config.OneOf("SHR_BUF_METHOD", []string{"COPY", "LOCK", "NOGUARD"}, "COPY"); !ok {
		slog.Warn("gmr: unrecognized SHR_BUF_METHOD, using COPY", "value", v)
	} else if p, ok := guard.ParsePolicy(v); ok {
		opts.ShrBufMethod = p
	}

	opts.DebugAlloc = config.Bool("DEBUG_ALLOC", false)
	opts.DisableIOVChecks = config.Bool("DISABLE_IOV_CHECKS", false)
	opts.NoMPIBottom = config.Bool("NO_MPI_BOTTOM", false)
	opts.Verbose = config.Bool("VERBOSE", false)

	if v, ok := config.OneOf("PROFILE", []string{"BASIC", "VERBOSE", "HISTOGRAM"}, ""); !ok {
		slog.Warn("gmr: unrecognized PROFILE, ignoring", "value", v)
	} else {
		opts.Profile = v
	}
	if v, ok := config.Lookup("PROFILE_OUTPUT"); ok {
		opts.ProfileOutput = v
	}

	return opts
}
