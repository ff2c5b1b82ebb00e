package rma

import (
	"context"
	"encoding/binary"

	"github.com/ja7ad/gmr/pkg/accscale"
	"github.com/ja7ad/gmr/pkg/gmr"
	"github.com/ja7ad/gmr/pkg/gmrerr"
	"github.com/ja7ad/gmr/pkg/iov"
	"github.com/ja7ad/gmr/pkg/substrate"
)

// StridedMethod selects between the datatype-direct and flatten-to-IOV
// strided transfer algorithms, chosen by the STRIDED_METHOD env var.
type StridedMethod int

const (
	StridedAuto StridedMethod = iota
	StridedDirect
	StridedIOV
)

// StridedPut issues a strided put of desc's shape from src into dst's GMR
// slice on target.
func (e *Engine) StridedPut(ctx context.Context, desc iov.Descriptor, src []byte, dst gmr.Addr, target substrate.Rank, method StridedMethod) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	mreg := e.Registry.Lookup(dst, target)
	if mreg == nil {
		return gmrerr.ErrInvalidRemote
	}
	disp, ok := mreg.Slices[target].Disp(dst, desc.TotalBytes())
	if !ok {
		return gmrerr.ErrOutOfRange
	}
	if mreg.Window == nil {
		return gmrerr.ErrInvalidRemote
	}

	trimmed := iov.TrimTrailingOnes(desc)
	segs := iov.Flatten(iov.StridedOp{SrcStride: trimmed.Stride, DstStride: trimmed.Stride, Count: trimmed.Count})

	return e.guardLocalAccess(src, func() error {
		if method != StridedIOV {
			// PutTyped's mock substrate walks Origin contiguously (it has no
			// native non-contiguous datatype), so src must be densified into one
			// packed run before the call, matching StridedAcc's origin handling.
			dense := iov.Densify(src, segs)
			xfer := substrate.StridedXfer{Origin: dense, Target: target, TargetDisp: disp, Stride: trimmed.Stride, Count: trimmed.Count}
			if err := mreg.Window.PutTyped(ctx, xfer); err != nil {
				return gmrerr.Substrate("put_typed", err)
			}
			return e.completeLocal(ctx, mreg.Window, target)
		}

		for _, s := range segs {
			if err := mreg.Window.Put(ctx, src[s.SrcOff:s.SrcOff+s.Len], target, disp+s.DstOff); err != nil {
				return gmrerr.Substrate("put", err)
			}
		}
		return e.completeLocal(ctx, mreg.Window, target)
	})
}

// StridedGet is StridedPut's mirror image: it reads desc's shape from src's
// GMR slice on target into dst.
func (e *Engine) StridedGet(ctx context.Context, desc iov.Descriptor, src gmr.Addr, dst []byte, target substrate.Rank, method StridedMethod) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	mreg := e.Registry.Lookup(src, target)
	if mreg == nil {
		return gmrerr.ErrInvalidRemote
	}
	disp, ok := mreg.Slices[target].Disp(src, desc.TotalBytes())
	if !ok {
		return gmrerr.ErrOutOfRange
	}
	if mreg.Window == nil {
		return gmrerr.ErrInvalidRemote
	}

	trimmed := iov.TrimTrailingOnes(desc)
	segs := iov.Flatten(iov.StridedOp{SrcStride: trimmed.Stride, DstStride: trimmed.Stride, Count: trimmed.Count})

	return e.guardLocalAccess(dst, func() error {
		if method != StridedIOV {
			// GetTyped's mock substrate fills Origin contiguously; scatter the
			// packed result back into dst's real strided positions afterward.
			dense := make([]byte, desc.TotalBytes())
			xfer := substrate.StridedXfer{Origin: dense, Target: target, TargetDisp: disp, Stride: trimmed.Stride, Count: trimmed.Count}
			if err := mreg.Window.GetTyped(ctx, xfer); err != nil {
				return gmrerr.Substrate("get_typed", err)
			}
			off := int64(0)
			for _, s := range segs {
				copy(dst[s.SrcOff:s.SrcOff+s.Len], dense[off:off+s.Len])
				off += s.Len
			}
			return e.completeRemote(ctx, mreg.Window, target)
		}

		for _, s := range segs {
			if err := mreg.Window.Get(ctx, dst[s.SrcOff:s.SrcOff+s.Len], target, disp+s.DstOff); err != nil {
				return gmrerr.Substrate("get", err)
			}
		}
		return e.completeRemote(ctx, mreg.Window, target)
	})
}

// StridedAcc accumulates desc's shape from src into dst's GMR slice on
// target. A non-identity scale densifies the scaled source into one
// contiguous nested-row-major buffer before issuing per-block accumulates;
// the source is always described as a contiguous run while the destination
// retains its strided shape.
func (e *Engine) StridedAcc(ctx context.Context, desc iov.Descriptor, dt accscale.Datatype, scale accscale.Scale, src []byte, dst gmr.Addr, target substrate.Rank) error {
	sdt, err := dt.Substrate()
	if err != nil {
		return err
	}
	if err := desc.Validate(); err != nil {
		return err
	}
	mreg := e.Registry.Lookup(dst, target)
	if mreg == nil {
		return gmrerr.ErrInvalidRemote
	}
	disp, ok := mreg.Slices[target].Disp(dst, desc.TotalBytes())
	if !ok {
		return gmrerr.ErrOutOfRange
	}
	if mreg.Window == nil {
		return gmrerr.ErrInvalidRemote
	}

	trimmed := iov.TrimTrailingOnes(desc)
	origin := src
	if !scale.IsIdentity() {
		scaled := make([]byte, len(src))
		if err := accscale.Apply(scaled, src, dt, scale); err != nil {
			return err
		}
		origin = scaled
	}

	segs := iov.Flatten(iov.StridedOp{SrcStride: trimmed.Stride, DstStride: trimmed.Stride, Count: trimmed.Count})
	dense := iov.Densify(origin, segs)

	// The locality check guards src, the user's own buffer, not dense: a
	// freshly densified buffer never aliases a local GMR slice.
	return e.guardLocalAccess(src, func() error {
		off := int64(0)
		for _, s := range segs {
			chunk := dense[off : off+s.Len]
			off += s.Len
			if err := mreg.Window.Accumulate(ctx, chunk, target, disp+s.DstOff, sdt, substrate.Sum); err != nil {
				return gmrerr.Substrate("accumulate", err)
			}
		}
		return e.completeLocal(ctx, mreg.Window, target)
	})
}

// PutSFlag issues a strided put followed by a fence on target, followed by a
// single int32 put of value into flag. elideFence skips the middle fence, a
// policy decision valid only when the substrate is known to preserve RMA
// ordering between the two puts.
func (e *Engine) PutSFlag(ctx context.Context, desc iov.Descriptor, src []byte, dst gmr.Addr, flag gmr.Addr, value int32, target substrate.Rank, method StridedMethod, elideFence bool) error {
	if err := e.StridedPut(ctx, desc, src, dst, target, method); err != nil {
		return err
	}
	if !elideFence {
		if mreg := e.Registry.Lookup(dst, target); mreg != nil && mreg.Window != nil {
			if err := e.completeRemote(ctx, mreg.Window, target); err != nil {
				return err
			}
		}
	}
	valBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(valBuf, uint32(value))
	return e.Put(ctx, valBuf, flag, target)
}
