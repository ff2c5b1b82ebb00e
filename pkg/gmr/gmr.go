// Package gmr implements the Global Memory Region registry: collective
// allocation, the process-wide doubly-linked list of live allocations, and
// pointer-to-allocation reverse lookup.
package gmr

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"unsafe"

	"github.com/ja7ad/gmr/pkg/group"
	"github.com/ja7ad/gmr/pkg/gmrerr"
	"github.com/ja7ad/gmr/pkg/guard"
	"github.com/ja7ad/gmr/pkg/substrate"
)

// GMR is a collective allocation. Slices is indexed by absolute (world)
// rank; entries for non-members of the allocating group are the zero Slice.
type GMR struct {
	Window   substrate.Window
	Group    *group.Group
	Slices   []Slice
	Unified  bool
	localBuf []byte

	elem *list.Element
}

// LocalBase returns the address of this process's own slice, or Nil if this
// process allocated zero bytes.
func (g *GMR) LocalBase() Addr {
	if len(g.localBuf) == 0 {
		return Nil
	}
	return Addr(uintptr(unsafe.Pointer(&g.localBuf[0])))
}

// LocalBuffer returns this process's own backing buffer for direct
// load/store access during a local-access epoch.
func (g *GMR) LocalBuffer() []byte { return g.localBuf }

// Registry is the process-wide list of live GMRs, an ownership-respecting
// container/list.List standing in for a hand-threaded prev/next pointer
// chain. Lookup is a linear scan.
type Registry struct {
	mu       sync.Mutex
	threaded bool
	list     *list.List
}

// NewRegistry creates an empty registry. threaded enables the process-wide
// mutex serializing insertion/removal; pass false when the substrate reports
// single-threaded support.
func NewRegistry(threaded bool) *Registry {
	return &Registry{threaded: threaded, list: list.New()}
}

func (r *Registry) lock() {
	if r.threaded {
		r.mu.Lock()
	}
}

func (r *Registry) unlock() {
	if r.threaded {
		r.mu.Unlock()
	}
}

// Create performs the collective allocation protocol: max-reduce the local
// size, allocate a window, check the resulting memory model against policy,
// lock-all, all-to-all the per-member {base,size} pairs into the dense Slices
// array, and splice the new GMR into the registry.
func (r *Registry) Create(ctx context.Context, alloc substrate.Allocator, world *group.Group, grp *group.Group, localSize int, hints substrate.WindowHints, policy guard.Policy) (*GMR, error) {
	if localSize < 0 {
		return nil, gmrerr.NewFatal("gmr.Create", fmt.Errorf("negative local size %d", localSize))
	}

	sizeBuf := make([]byte, 8)
	putInt64(sizeBuf, int64(localSize))
	maxBuf := make([]byte, 8)
	if err := grp.Comm().Allreduce(ctx, sizeBuf, maxBuf, substrate.Int64, substrate.Max); err != nil {
		return nil, gmrerr.Substrate("allreduce(max_local_size)", err)
	}
	maxLocal := getInt64(maxBuf)

	worldSize := world.Size()
	slices := make([]Slice, worldSize)

	if maxLocal == 0 {
		g := &GMR{Group: grp, Slices: slices, Unified: true}
		r.splice(g)
		return g, nil
	}

	win, err := alloc.AllocateWindow(ctx, grp.Comm(), localSize, hints)
	if err != nil {
		return nil, gmrerr.Substrate("allocate_window", err)
	}
	if err := guard.ValidateForModel(policy, win.MemoryModel()); err != nil {
		return nil, err
	}
	if err := win.LockAll(ctx); err != nil {
		return nil, gmrerr.Substrate("lock_all", err)
	}

	localBuf := win.LocalBuffer()
	var localBase Addr
	if len(localBuf) > 0 {
		localBase = Addr(uintptr(unsafe.Pointer(&localBuf[0])))
	}

	// All-to-all within grp of {base,size}: pack as 16 bytes/member (8 addr + 8 size).
	send := make([]byte, 16)
	putInt64(send[0:8], int64(localBase))
	putInt64(send[8:16], int64(localSize))
	recv := make([]byte, 16*grp.Size())
	if err := grp.Comm().Allgather(ctx, send, recv); err != nil {
		return nil, gmrerr.Substrate("allgather(base,size)", err)
	}
	for local := 0; local < grp.Size(); local++ {
		base := getInt64(recv[local*16 : local*16+8])
		size := getInt64(recv[local*16+8 : local*16+16])
		wr := grp.TranslateToWorld(local)
		if wr == group.None {
			continue
		}
		slices[wr] = Slice{Base: Addr(base), Size: size}
	}

	model := win.MemoryModel()
	unified := model == substrate.Unified

	g := &GMR{Window: win, Group: grp, Slices: slices, Unified: unified, localBuf: localBuf}
	r.splice(g)
	return g, nil
}

func (r *Registry) splice(g *GMR) {
	r.lock()
	defer r.unlock()
	g.elem = r.list.PushBack(g)
}

// Destroy removes g from the registry and releases its window. g may be nil:
// destroy is collective even when passed a null handle, via consensus on the
// allocation identity across the group.
func (r *Registry) Destroy(ctx context.Context, g *GMR, grp *group.Group) error {
	var worldRank int64 = -1
	if g != nil {
		worldRank = int64(grp.TranslateToWorld(grp.Rank()))
	}

	send := make([]byte, 8)
	putInt64(send, worldRank)
	recv := make([]byte, 8)
	// Reduce-by-max on world rank: whichever participant actually holds a
	// non-null handle (possibly several, if every process holds its own
	// copy of the same GMR) is elected; any handle-holder's tuple identifies
	// the same GMR, so the highest rank is as good as any.
	if err := grp.Comm().Allreduce(ctx, send, recv, substrate.Int64, substrate.Max); err != nil {
		return gmrerr.Substrate("allreduce(destroy_identity)", err)
	}
	winnerWorld := getInt64(recv)
	if winnerWorld < 0 {
		// Every participant passed nil: there is no handle to resolve, so
		// nothing is freed.
		return nil
	}

	winnerLocal := grp.TranslateFromWorld(int(winnerWorld))
	if winnerLocal == group.None {
		return gmrerr.NewFatal("gmr.Destroy", fmt.Errorf("elected world rank %d is not a member of the destroying group", winnerWorld))
	}

	baseBuf := make([]byte, 8)
	if g != nil && int64(grp.TranslateToWorld(grp.Rank())) == winnerWorld {
		putInt64(baseBuf, int64(g.LocalBase()))
	}
	if err := grp.Comm().Bcast(ctx, baseBuf, winnerLocal); err != nil {
		return gmrerr.Substrate("bcast(destroy_base)", err)
	}
	winnerBase := getInt64(baseBuf)

	target := g
	if target == nil {
		found := r.Lookup(Addr(winnerBase), int(winnerWorld))
		if found == nil {
			return gmrerr.NewFatal("gmr.Destroy", fmt.Errorf("no GMR matches consensus base 0x%x", winnerBase))
		}
		target = found
	}

	if target.Window != nil {
		if err := target.Window.UnlockAll(ctx); err != nil {
			return gmrerr.Substrate("unlock_all", err)
		}
		if err := target.Window.Free(ctx); err != nil {
			return gmrerr.Substrate("free_window", err)
		}
	}

	r.lock()
	defer r.unlock()
	if target.elem != nil {
		r.list.Remove(target.elem)
		target.elem = nil
	}
	return nil
}

// Lookup linearly scans for the GMR (if any) whose Slices[proc] contains
// addr. A zero-size slice matches only an exact base-pointer equality, the
// documented hack that lets callers address a peer that allocated nothing.
func (r *Registry) Lookup(addr Addr, proc int) *GMR {
	r.lock()
	defer r.unlock()
	for e := r.list.Front(); e != nil; e = e.Next() {
		g := e.Value.(*GMR)
		if proc < 0 || proc >= len(g.Slices) {
			continue
		}
		s := g.Slices[proc]
		if s.Size == 0 {
			if addr != Nil && addr == s.Base {
				return g
			}
			continue
		}
		if s.Contains(addr) {
			return g
		}
	}
	return nil
}

// IsLocal reports whether addr lies within this process's own slice of any
// registered GMR, for the origin-buffer guard (pkg/guard).
func (r *Registry) IsLocal(addr Addr, selfWorldRank int) bool {
	return r.Lookup(addr, selfWorldRank) != nil
}

// DestroyAll releases every remaining GMR in the registry without
// requiring a matching group (used by runtime.Finalize to report and
// reclaim leaks); returns the number of allocations freed.
func (r *Registry) DestroyAll(ctx context.Context) int {
	r.lock()
	var elems []*list.Element
	for e := r.list.Front(); e != nil; e = e.Next() {
		elems = append(elems, e)
	}
	r.unlock()

	n := 0
	for _, e := range elems {
		g := e.Value.(*GMR)
		if g.Window != nil {
			_ = g.Window.UnlockAll(ctx)
			_ = g.Window.Free(ctx)
		}
		r.lock()
		if g.elem != nil {
			r.list.Remove(g.elem)
			g.elem = nil
		}
		r.unlock()
		n++
	}
	return n
}

func putInt64(b []byte, v int64) {
	u := uint64(v)
	for i := 0; i < 8; i++ {
		b[i] = byte(u >> (8 * i))
	}
}

func getInt64(b []byte) int64 {
	var u uint64
	for i := 0; i < 8; i++ {
		u |= uint64(b[i]) << (8 * i)
	}
	return int64(u)
}
