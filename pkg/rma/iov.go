package rma

import (
	"context"
	"fmt"

	"github.com/ja7ad/gmr/pkg/gmr"
	"github.com/ja7ad/gmr/pkg/gmrerr"
	"github.com/ja7ad/gmr/pkg/iov"
	"github.com/ja7ad/gmr/pkg/substrate"
)

// IOVMethod selects among the three generalized I/O-vector dispatch
// strategies, chosen by the IOV_METHOD env var.
type IOVMethod int

const (
	IOVAuto IOVMethod = iota
	IOVSafe
	IOVOneLock
	IOVDtype
)

// Segment is one (origin bytes, remote address) pair of a vectored transfer;
// every segment in one PutVector/GetVector call must carry the same length.
type Segment struct {
	Src []byte
	Dst gmr.Addr
}

// PutVector issues a generalized scatter of segs into target, selecting
// among the safe, one-lock, and datatype-gather dispatch strategies.
// disableChecks skips both the overlap check and the same-allocation check
// (DISABLE_IOV_CHECKS).
func (e *Engine) PutVector(ctx context.Context, segs []Segment, target substrate.Rank, method IOVMethod, disableChecks bool) error {
	if len(segs) == 0 {
		return nil
	}
	mreg := e.Registry.Lookup(segs[0].Dst, target)
	if mreg == nil {
		return gmrerr.ErrInvalidRemote
	}
	if mreg.Window == nil {
		return gmrerr.ErrInvalidRemote
	}

	disps := make([]int64, len(segs))
	lens := make([]int64, len(segs))
	for i, s := range segs {
		if !disableChecks {
			g := e.Registry.Lookup(s.Dst, target)
			if g != mreg {
				return gmrerr.NewFatal("rma.PutVector", fmt.Errorf("segment %d targets a different allocation than segment 0", i))
			}
		}
		d, ok := mreg.Slices[target].Disp(s.Dst, int64(len(s.Src)))
		if !ok {
			return gmrerr.ErrOutOfRange
		}
		disps[i] = d
		lens[i] = int64(len(s.Src))
	}

	overlap := !disableChecks && iov.HasOverlap(disps, lens)

	use := method
	if use == IOVAuto {
		if overlap {
			use = IOVSafe
		} else {
			use = IOVOneLock
		}
	}
	if overlap {
		// Overlapping destinations are never safe to batch; force the
		// per-segment path regardless of what the caller requested.
		use = IOVSafe
	}

	switch use {
	case IOVSafe:
		for i, s := range segs {
			if err := e.guardLocalAccess(s.Src, func() error {
				if err := mreg.Window.Put(ctx, s.Src, target, disps[i]); err != nil {
					return gmrerr.Substrate("put(iov_safe)", err)
				}
				return e.completeLocal(ctx, mreg.Window, target)
			}); err != nil {
				return err
			}
		}
		return nil
	case IOVOneLock, IOVDtype:
		// The mock substrate has no native hindexed/indexed-block datatype to
		// gather into a single call, so IOVDtype issues the same per-segment
		// Puts as IOVOneLock under one shared completion; the segments are
		// not gathered into a single substrate call.
		for i, s := range segs {
			if err := e.guardLocalAccess(s.Src, func() error {
				return mreg.Window.Put(ctx, s.Src, target, disps[i])
			}); err != nil {
				return gmrerr.Substrate("put(iov)", err)
			}
		}
		return e.completeLocal(ctx, mreg.Window, target)
	default:
		return gmrerr.NewFatal("rma.PutVector", fmt.Errorf("unknown iov method %d", use))
	}
}

// GetVector is PutVector's mirror image: it gathers target's memory at each
// segment's Dst into that segment's Src buffer.
func (e *Engine) GetVector(ctx context.Context, segs []Segment, target substrate.Rank, method IOVMethod, disableChecks bool) error {
	if len(segs) == 0 {
		return nil
	}
	mreg := e.Registry.Lookup(segs[0].Dst, target)
	if mreg == nil {
		return gmrerr.ErrInvalidRemote
	}
	if mreg.Window == nil {
		return gmrerr.ErrInvalidRemote
	}

	disps := make([]int64, len(segs))
	lens := make([]int64, len(segs))
	for i, s := range segs {
		if !disableChecks {
			g := e.Registry.Lookup(s.Dst, target)
			if g != mreg {
				return gmrerr.NewFatal("rma.GetVector", fmt.Errorf("segment %d targets a different allocation than segment 0", i))
			}
		}
		d, ok := mreg.Slices[target].Disp(s.Dst, int64(len(s.Src)))
		if !ok {
			return gmrerr.ErrOutOfRange
		}
		disps[i] = d
		lens[i] = int64(len(s.Src))
	}

	overlap := !disableChecks && iov.HasOverlap(disps, lens)
	use := method
	if use == IOVAuto {
		if overlap {
			use = IOVSafe
		} else {
			use = IOVOneLock
		}
	}
	if overlap {
		use = IOVSafe
	}

	for i, s := range segs {
		err := e.guardLocalAccess(s.Src, func() error {
			if err := mreg.Window.Get(ctx, s.Src, target, disps[i]); err != nil {
				return gmrerr.Substrate("get(iov)", err)
			}
			if use == IOVSafe {
				return e.completeRemote(ctx, mreg.Window, target)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	if use != IOVSafe {
		return e.completeRemote(ctx, mreg.Window, target)
	}
	return nil
}
