// Package rma implements the RMA engine: contiguous and strided
// put/get/accumulate, the generalized I/O-vector dispatch, read-modify-write,
// local access epochs, and the nonblocking façade, all built on the GMR
// registry, the origin-buffer guard, and the accumulate scaler.
package rma

import (
	"context"
	"fmt"
	"sync"

	"github.com/ja7ad/gmr/pkg/accscale"
	"github.com/ja7ad/gmr/pkg/gmr"
	"github.com/ja7ad/gmr/pkg/gmrerr"
	"github.com/ja7ad/gmr/pkg/guard"
	"github.com/ja7ad/gmr/pkg/mutex"
	"github.com/ja7ad/gmr/pkg/substrate"
)

// Engine is the process-local RMA dispatcher. One Engine is created per
// process at runtime init and shared by every GMR that process touches.
type Engine struct {
	Registry *gmr.Registry
	Alloc    substrate.Allocator
	Policy   guard.Policy
	Self     substrate.Rank

	// Atomicity mirrors the rma_atomicity process-wide flag: when set, put/get
	// route through accumulate(REPLACE)/get_accumulate(NO_OP) instead of plain
	// put/get.
	Atomicity bool
	// NoFlushLocal mirrors no_flush_local: elide even the local flush that
	// normally follows every blocking RMA call.
	NoFlushLocal bool

	epochMu  sync.Mutex
	epoch    epochState
	epochGMR *gmr.GMR

	mu         sync.Mutex
	gmrMutexes map[*gmr.GMR]mutex.Group
}

type epochState int

const (
	epochClosed epochState = iota
	epochOpen
)

// NewEngine builds an Engine bound to registry, using policy for the
// origin-buffer guard and self as this process's world rank.
func NewEngine(registry *gmr.Registry, alloc substrate.Allocator, policy guard.Policy, self substrate.Rank) *Engine {
	return &Engine{Registry: registry, Alloc: alloc, Policy: policy, Self: self}
}

func (e *Engine) isLocal(addr uintptr) bool {
	return e.Registry.IsLocal(gmr.Addr(addr), e.Self)
}

// guardLocalAccess brackets fn with a local-access epoch when the
// LockDirectLocalAccess policy is active and origin aliases a local GMR
// slice, so the in-flight RMA and a concurrent direct load/store of that
// same memory are serialized against each other instead of racing.
func (e *Engine) guardLocalAccess(origin []byte, fn func() error) error {
	if !guard.NeedsLocalAccessGuard(e.Policy, origin, e.isLocal) {
		return fn()
	}
	ptr := gmr.Addr(uintptr(guard.BaseOf(origin)))
	if err := e.AccessBegin(ptr); err != nil {
		return err
	}
	err := fn()
	if endErr := e.AccessEnd(ptr); err == nil {
		err = endErr
	}
	return err
}

func (e *Engine) issuePut(ctx context.Context, win substrate.Window, origin []byte, target substrate.Rank, disp int64) error {
	var err error
	if e.Atomicity {
		err = win.Accumulate(ctx, origin, target, disp, substrate.Byte, substrate.Replace)
	} else {
		err = win.Put(ctx, origin, target, disp)
	}
	return gmrerr.Substrate("put", err)
}

func (e *Engine) issueGet(ctx context.Context, win substrate.Window, dst []byte, target substrate.Rank, disp int64) error {
	var err error
	if e.Atomicity {
		zero := make([]byte, len(dst))
		err = win.GetAccumulate(ctx, zero, dst, target, disp, substrate.Byte, substrate.NoOp)
	} else {
		err = win.Get(ctx, dst, target, disp)
	}
	return gmrerr.Substrate("get", err)
}

func (e *Engine) completeLocal(ctx context.Context, win substrate.Window, target substrate.Rank) error {
	if e.NoFlushLocal {
		return nil
	}
	return gmrerr.Substrate("flush_local", win.FlushLocal(ctx, target))
}

func (e *Engine) completeRemote(ctx context.Context, win substrate.Window, target substrate.Rank) error {
	return gmrerr.Substrate("flush", win.Flush(ctx, target))
}

// Put copies len(src) bytes from src into mreg's slice on target at dst.
// dst must lie within some registered GMR's slice on target.
func (e *Engine) Put(ctx context.Context, src []byte, dst gmr.Addr, target substrate.Rank) error {
	mreg := e.Registry.Lookup(dst, target)
	if mreg == nil {
		return gmrerr.ErrInvalidRemote
	}
	disp, ok := mreg.Slices[target].Disp(dst, int64(len(src)))
	if !ok {
		return gmrerr.ErrOutOfRange
	}
	if target == e.Self {
		local := mreg.LocalBuffer()
		if len(src) > 0 && (local == nil || disp+int64(len(src)) > int64(len(local))) {
			return gmrerr.ErrInvalidRemote
		}
		copy(local[disp:disp+int64(len(src))], src)
		return nil
	}
	if mreg.Window == nil {
		return gmrerr.ErrInvalidRemote
	}
	origin := src
	if guard.NeedsStage(e.Policy, src, e.isLocal) {
		stage := guard.NewPutStage(src)
		origin = stage.Buf()
	}
	return e.guardLocalAccess(src, func() error {
		if err := e.issuePut(ctx, mreg.Window, origin, target, disp); err != nil {
			return err
		}
		return e.completeLocal(ctx, mreg.Window, target)
	})
}

// Get copies len(dst) bytes from src (on target) into dst, the mirror image
// of Put.
func (e *Engine) Get(ctx context.Context, src gmr.Addr, dst []byte, target substrate.Rank) error {
	mreg := e.Registry.Lookup(src, target)
	if mreg == nil {
		return gmrerr.ErrInvalidRemote
	}
	disp, ok := mreg.Slices[target].Disp(src, int64(len(dst)))
	if !ok {
		return gmrerr.ErrOutOfRange
	}
	if target == e.Self {
		local := mreg.LocalBuffer()
		if len(dst) > 0 && (local == nil || disp+int64(len(dst)) > int64(len(local))) {
			return gmrerr.ErrInvalidRemote
		}
		copy(dst, local[disp:disp+int64(len(dst))])
		return nil
	}
	if mreg.Window == nil {
		return gmrerr.ErrInvalidRemote
	}
	return e.guardLocalAccess(dst, func() error {
		if guard.NeedsStage(e.Policy, dst, e.isLocal) {
			stage := guard.NewGetStage(dst)
			if err := e.issueGet(ctx, mreg.Window, stage.Buf(), target, disp); err != nil {
				return err
			}
			if err := e.completeRemote(ctx, mreg.Window, target); err != nil {
				return err
			}
			stage.CopyBack(dst)
			return nil
		}
		if err := e.issueGet(ctx, mreg.Window, dst, target, disp); err != nil {
			return err
		}
		return e.completeRemote(ctx, mreg.Window, target)
	})
}

// Acc accumulates len(src)/dt.Size() elements of src, scaled by scale, into
// dst's GMR slice on target under op. A non-identity scale is applied into a
// private staging buffer before the accumulate.
func (e *Engine) Acc(ctx context.Context, dt accscale.Datatype, scale accscale.Scale, op substrate.ReduceOp, src []byte, dst gmr.Addr, target substrate.Rank) error {
	sdt, err := dt.Substrate()
	if err != nil {
		return err
	}
	sz := dt.Size()
	if sz == 0 || len(src)%sz != 0 {
		return gmrerr.ErrMisalignedSize
	}
	mreg := e.Registry.Lookup(dst, target)
	if mreg == nil {
		return gmrerr.ErrInvalidRemote
	}
	disp, ok := mreg.Slices[target].Disp(dst, int64(len(src)))
	if !ok {
		return gmrerr.ErrOutOfRange
	}
	if mreg.Window == nil {
		return gmrerr.ErrInvalidRemote
	}

	origin := src
	if !scale.IsIdentity() {
		scaled := make([]byte, len(src))
		if err := accscale.Apply(scaled, src, dt, scale); err != nil {
			return err
		}
		origin = scaled
	}
	if guard.NeedsStage(e.Policy, origin, e.isLocal) {
		stage := guard.NewPutStage(origin)
		origin = stage.Buf()
	}
	// The locality check guards src, the user's own buffer, not origin: a
	// freshly scaled or staged buffer never aliases a local GMR slice.
	return e.guardLocalAccess(src, func() error {
		if err := mreg.Window.Accumulate(ctx, origin, target, disp, sdt, op); err != nil {
			return gmrerr.Substrate("accumulate", err)
		}
		return e.completeLocal(ctx, mreg.Window, target)
	})
}

// AccessBegin opens the single process-wide local-access epoch on ptr's
// owning GMR, for direct load/store by the caller.
func (e *Engine) AccessBegin(ptr gmr.Addr) error {
	e.epochMu.Lock()
	defer e.epochMu.Unlock()
	if e.epoch == epochOpen {
		return gmrerr.NewFatal("rma.AccessBegin", fmt.Errorf("a local access epoch is already open"))
	}
	mreg := e.Registry.Lookup(ptr, e.Self)
	if mreg == nil {
		return gmrerr.ErrInvalidRemote
	}
	e.epoch = epochOpen
	e.epochGMR = mreg
	return nil
}

// AccessEnd closes the local-access epoch opened by AccessBegin.
func (e *Engine) AccessEnd(ptr gmr.Addr) error {
	e.epochMu.Lock()
	defer e.epochMu.Unlock()
	if e.epoch != epochOpen {
		return gmrerr.NewFatal("rma.AccessEnd", fmt.Errorf("no local access epoch is open"))
	}
	mreg := e.Registry.Lookup(ptr, e.Self)
	if mreg == nil || mreg != e.epochGMR {
		return gmrerr.NewFatal("rma.AccessEnd", fmt.Errorf("access_end pointer does not match the open epoch"))
	}
	e.epoch = epochClosed
	e.epochGMR = nil
	return nil
}

// Fence forces completion of previously issued RMA to target on mreg; a
// no-op when NoFlushLocal is set, since the lock-all epoch plus substrate
// RMA already guarantees completion at operation return in that mode.
func (e *Engine) Fence(ctx context.Context, mreg *gmr.GMR, target substrate.Rank) error {
	if e.NoFlushLocal || mreg.Window == nil {
		return nil
	}
	return e.completeRemote(ctx, mreg.Window, target)
}

// AllFence forces completion of previously issued RMA to every target on mreg.
func (e *Engine) AllFence(ctx context.Context, mreg *gmr.GMR) error {
	if mreg.Window == nil {
		return nil
	}
	return gmrerr.Substrate("flush_all", mreg.Window.FlushAll(ctx))
}

func (e *Engine) gmrMutex(ctx context.Context, mreg *gmr.GMR) (mutex.Group, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gmrMutexes == nil {
		e.gmrMutexes = make(map[*gmr.GMR]mutex.Group)
	}
	if g, ok := e.gmrMutexes[mreg]; ok {
		return g, nil
	}
	g, err := mutex.Create(ctx, e.Alloc, mreg.Group, 1, mutex.Spinning)
	if err != nil {
		return nil, err
	}
	e.gmrMutexes[mreg] = g
	return g, nil
}
