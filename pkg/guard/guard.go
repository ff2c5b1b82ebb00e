// Package guard decides whether a user-supplied origin pointer aliases
// memory inside some local GMR slice and, per the configured policy, either
// stages the transfer through a private scratch buffer or brackets it with a
// local-access lock instead of operating on the user's buffer directly.
//
// The package takes no dependency on pkg/gmr to avoid an import cycle with
// the RMA engine (which depends on both); callers inject an IsLocal
// predicate backed by the GMR registry's own lookup.
package guard

import (
	"unsafe"

	"github.com/ja7ad/gmr/internal/config"
	"github.com/ja7ad/gmr/pkg/gmrerr"
	"github.com/ja7ad/gmr/pkg/substrate"
)

// BaseOf returns the address of buf's first byte. Empty slices have no
// address to guard; callers must check len(buf) > 0 before relying on it.
func BaseOf(buf []byte) unsafe.Pointer {
	if len(buf) == 0 {
		return nil
	}
	return unsafe.Pointer(&buf[0])
}

// Policy selects how the origin-buffer guard behaves.
type Policy int

const (
	// CopyAlways always stages an aliasing origin through a private scratch
	// buffer before issuing RMA.
	CopyAlways Policy = iota
	// LockDirectLocalAccess grants the caller a local-access lock on the
	// owning GMR instead of copying, trusting the caller not to race the
	// in-flight RMA operation.
	LockDirectLocalAccess
	// NoGuard trusts the caller entirely; requires a unified memory model.
	NoGuard
)

func (p Policy) String() string {
	switch p {
	case CopyAlways:
		return "copy"
	case LockDirectLocalAccess:
		return "lock"
	case NoGuard:
		return "noguard"
	default:
		return "unknown"
	}
}

// ParsePolicy maps the SHR_BUF_METHOD environment values onto a Policy;
// unrecognized values return CopyAlways (the safe default) and ok=false so
// the caller can log a warning without failing.
func ParsePolicy(s string) (p Policy, ok bool) {
	switch s {
	case "COPY", "":
		return CopyAlways, true
	case "LOCK":
		return LockDirectLocalAccess, true
	case "NOGUARD":
		return NoGuard, true
	default:
		return CopyAlways, false
	}
}

// ValidateForModel rejects NoGuard against a separate-memory-model window:
// trusting the caller to read/write the remote side directly only makes
// sense when loads and stores are guaranteed to see the same bytes the
// substrate would transfer, which a separate model does not guarantee.
func ValidateForModel(p Policy, model substrate.MemoryModel) error {
	if p == NoGuard && model == substrate.Separate {
		return gmrerr.ErrSharedBufferConfigMismatch
	}
	return nil
}

// IsLocal reports whether addr aliases some local GMR slice. The RMA engine
// supplies this, backed by gmr.Registry.IsLocal for the calling process's
// own world rank.
type IsLocal func(addr uintptr) bool

// Stage is a private scratch buffer substituted for a user origin buffer
// that aliases a local GMR slice under CopyAlways policy.
type Stage struct {
	buf []byte
}

// NeedsStage reports whether policy and the origin's locality require
// staging through a scratch buffer for this transfer.
func NeedsStage(policy Policy, origin []byte, isLocal IsLocal) bool {
	if policy != CopyAlways || isLocal == nil || len(origin) == 0 {
		return false
	}
	return isLocal(uintptr(BaseOf(origin)))
}

// NeedsLocalAccessGuard reports whether the LockDirectLocalAccess policy
// requires bracketing this transfer with a local-access lock: the origin
// aliases a local GMR slice, so the in-flight RMA and the caller's own
// direct load/store of that same memory must be serialized against each
// other rather than left to race.
func NeedsLocalAccessGuard(policy Policy, origin []byte, isLocal IsLocal) bool {
	if policy != LockDirectLocalAccess || isLocal == nil || len(origin) == 0 {
		return false
	}
	return isLocal(uintptr(BaseOf(origin)))
}

// allocScratch returns a scratch buffer of exactly n bytes, backed by an
// array rounded up to a page-size boundary: scratch buffers are allocated
// and freed far more often than user buffers, so keeping them on
// page-aligned capacity avoids spreading them thin across partial pages
// under a long-running process's allocator.
func allocScratch(n int) []byte {
	page := config.PageSize()
	if page <= 0 {
		return make([]byte, n)
	}
	cap := ((n + page - 1) / page) * page
	if cap < n {
		cap = n
	}
	return make([]byte, n, cap)
}

// NewPutStage allocates a scratch buffer and copies origin's current
// contents into it, for use as the RMA operation's actual origin buffer.
func NewPutStage(origin []byte) *Stage {
	buf := allocScratch(len(origin))
	copy(buf, origin)
	return &Stage{buf: buf}
}

// NewGetStage allocates an empty scratch buffer sized like origin, to be
// filled by the RMA get and then copied back with CopyBack.
func NewGetStage(origin []byte) *Stage {
	return &Stage{buf: allocScratch(len(origin))}
}

// Buf returns the scratch buffer to use as the RMA operation's origin/result.
func (s *Stage) Buf() []byte { return s.buf }

// CopyBack copies the scratch buffer's contents into the user's original
// origin buffer, completing a staged get.
func (s *Stage) CopyBack(origin []byte) { copy(origin, s.buf) }
