// Package substrate declares the two-sided, group-based message-passing
// collaborator that the rest of gmr is layered over. Process launch, the
// wire transport, and topology queries are out of scope here — only the
// interface the RMA engine and collectives consume is defined. A single
// in-process mock implementation (mock.go) backs the package's own tests
// and the cmd/gmrctl demo; a real deployment would supply an implementation
// wrapping an actual MPI-like library.
package substrate

import "context"

// Rank identifies a process within a Comm. AnySource and GroupNone are
// reserved sentinel values, matching MPI's ANY_SOURCE and MPI_UNDEFINED.
type Rank = int

const (
	AnySource Rank = -1
	GroupNone Rank = -1
)

// Datatype enumerates the built-in datatypes the substrate can move and
// reduce natively. Complex variants are interleaved real/imag pairs.
type Datatype int

const (
	Byte Datatype = iota
	Int32
	Int64
	Float32
	Float64
	Complex64
	Complex128
)

// Size returns the datatype's element size in bytes.
func (d Datatype) Size() int {
	switch d {
	case Byte:
		return 1
	case Int32, Float32:
		return 4
	case Int64, Float64, Complex64:
		return 8
	case Complex128:
		return 16
	default:
		return 0
	}
}

// ReduceOp enumerates the associative operators usable in Allreduce and
// window Accumulate calls.
type ReduceOp int

const (
	Sum ReduceOp = iota
	Prod
	Min
	Max
	Replace
	NoOp
	AbsMin // reserved, not implemented
	AbsMax // reserved, not implemented
)

// MemoryModel records whether a window's public (RMA-visible) and private
// (load/store-visible) memory are guaranteed coherent without explicit sync.
type MemoryModel int

const (
	Unified MemoryModel = iota
	Separate
)

func (m MemoryModel) String() string {
	if m == Unified {
		return "unified"
	}
	return "separate"
}

// AccumulateOrdering selects the ordering guarantee requested for a window's
// accumulate operations.
type AccumulateOrdering int

const (
	OrderingFull AccumulateOrdering = iota
	OrderingNone
)

// WindowHints carries the allocation hints a window's Allocator may honor.
type WindowHints struct {
	AllocShm                bool
	SameDispUnit            bool
	AllocSharedNoncontig    bool
	AccumulateMaxBytes      int64
	AccumulateOrdering      AccumulateOrdering
	AccumulateOpsSameOpOnly bool
	EpochsUsedLockAll       bool
	AccumulateNoncontigDtype bool
}

// Comm wraps a group-based communicator: rank/size, duplication and
// splitting, collectives, and two-sided point-to-point messaging.
type Comm interface {
	Rank() Rank
	Size() int
	Dup(ctx context.Context) (Comm, error)
	Split(ctx context.Context, color, key int) (Comm, error)
	Incl(ctx context.Context, ranks []Rank) (Comm, error)

	Barrier(ctx context.Context) error
	Bcast(ctx context.Context, buf []byte, root Rank) error
	Allreduce(ctx context.Context, send, recv []byte, dt Datatype, op ReduceOp) error
	Allgather(ctx context.Context, send, recv []byte) error

	Send(ctx context.Context, buf []byte, dest Rank, tag int) error
	Recv(ctx context.Context, buf []byte, source Rank, tag int) (n int, from Rank, err error)

	// TranslateRanks maps ranks (members of this Comm) into the rank space
	// of other. A rank with no corresponding member in other yields GroupNone.
	TranslateRanks(ctx context.Context, ranks []Rank, other Comm) ([]Rank, error)
}

// Window exposes one-sided RMA over a collectively created allocation. Every
// Window is created under a single long access epoch (lock-all for its
// entire lifetime); operations complete via explicit flush, never by
// closing an epoch.
type Window interface {
	Comm() Comm
	MemoryModel() MemoryModel

	LockAll(ctx context.Context) error
	UnlockAll(ctx context.Context) error
	Flush(ctx context.Context, target Rank) error
	FlushAll(ctx context.Context) error
	FlushLocal(ctx context.Context, target Rank) error
	FlushLocalAll(ctx context.Context) error
	Sync(ctx context.Context) error

	Put(ctx context.Context, origin []byte, target Rank, targetDisp int64) error
	Get(ctx context.Context, origin []byte, target Rank, targetDisp int64) error
	Accumulate(ctx context.Context, origin []byte, target Rank, targetDisp int64, dt Datatype, op ReduceOp) error
	GetAccumulate(ctx context.Context, origin, result []byte, target Rank, targetDisp int64, dt Datatype, op ReduceOp) error
	FetchAndOp(ctx context.Context, originElem, resultElem []byte, target Rank, targetDisp int64, dt Datatype) error

	// PutTyped/GetTyped issue a strided (subarray-datatype) RMA operation in
	// one shot; impl details are up to the substrate. A Count of length 1
	// (no stride levels) means contiguous.
	PutTyped(ctx context.Context, d StridedXfer) error
	GetTyped(ctx context.Context, d StridedXfer) error

	// LocalBuffer returns this process's own window-backing buffer: real,
	// directly addressable memory (this module runs all simulated peers in
	// one address space, so "remote" slices are ordinary Go memory guarded
	// by the epoch/lock protocol rather than OS-level shared memory).
	LocalBuffer() []byte

	Free(ctx context.Context) error
}

// StridedXfer describes a single strided/subarray RMA transfer issued via
// Window.PutTyped/GetTyped: Count[0] is the contiguous leading-dimension
// byte length, Stride[i] is the byte distance between successive blocks at
// level i+1.
type StridedXfer struct {
	Origin      []byte
	Target      Rank
	TargetDisp  int64
	Stride      []int64
	Count       []int64
}

// AllocateWindow creates a window with a local buffer of localSize bytes on
// every member of comm, applying hints. A localSize of 0 is legal and yields
// a zero-length local buffer.
type Allocator interface {
	AllocateWindow(ctx context.Context, comm Comm, localSize int, hints WindowHints) (Window, error)
}
