package rma

import (
	"context"

	"github.com/ja7ad/gmr/pkg/gmr"
	"github.com/ja7ad/gmr/pkg/gmrerr"
	"github.com/ja7ad/gmr/pkg/substrate"
)

// Handle is the nonblocking façade's RMA handle: the last-touched peer for a
// sequence of issued operations, used by later wait/test/flush calls.
type Handle struct {
	Target    substrate.Rank
	Aggregate bool
}

// NewHandle creates a handle tracking operations issued to target.
func NewHandle(target substrate.Rank) *Handle {
	return &Handle{Target: target}
}

// Touch records that another operation was issued through this handle;
// aggregate marks whether it was part of a batched (aggregated) request.
func (h *Handle) Touch(aggregate bool) {
	h.Aggregate = h.Aggregate || aggregate
}

// Wait blocks until every operation issued through h against mreg has
// completed. Every substrate call may itself block; the nonblocking façade
// defers that blocking to this explicit call.
func (e *Engine) Wait(ctx context.Context, mreg *gmr.GMR, h *Handle) error {
	if mreg.Window == nil {
		return nil
	}
	return e.completeRemote(ctx, mreg.Window, h.Target)
}

// Test reports whether h's operations against mreg have completed, without
// blocking. Every substrate call in this module's mock completes
// synchronously, so Test always reports done; a real deployment backed by a
// substrate with genuine nonblocking RMA would poll here instead.
func (e *Engine) Test(ctx context.Context, mreg *gmr.GMR, h *Handle) (bool, error) {
	return true, nil
}

// WaitAll blocks until every operation issued against mreg, to any target,
// has completed.
func (e *Engine) WaitAll(ctx context.Context, mreg *gmr.GMR, handles []*Handle) error {
	if mreg.Window == nil {
		return nil
	}
	return gmrerr.Substrate("flush_all(wait_all)", mreg.Window.FlushAll(ctx))
}

// FlushByProc completes all outstanding operations to target on mreg,
// independent of any particular Handle.
func (e *Engine) FlushByProc(ctx context.Context, mreg *gmr.GMR, target substrate.Rank) error {
	if mreg.Window == nil {
		return nil
	}
	return e.completeRemote(ctx, mreg.Window, target)
}
