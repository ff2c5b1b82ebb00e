// Package collective implements the minimal collective layer: barrier,
// broadcast, reductions, selection, and binary-tree topology, all layered
// over a group's substrate communicator.
package collective

import (
	"context"

	"github.com/ja7ad/gmr/pkg/gmrerr"
	"github.com/ja7ad/gmr/pkg/group"
	"github.com/ja7ad/gmr/pkg/substrate"
)

// Barrier blocks every member of grp until all have called it.
func Barrier(ctx context.Context, grp *group.Group) error {
	if err := grp.Comm().Barrier(ctx); err != nil {
		return gmrerr.Substrate("barrier", err)
	}
	return nil
}

// Broadcast distributes buf's contents from root to every member of grp.
// Non-root callers' buf must be the same length; its contents are
// overwritten on return.
func Broadcast(ctx context.Context, grp *group.Group, buf []byte, root substrate.Rank) error {
	if err := grp.Comm().Bcast(ctx, buf, root); err != nil {
		return gmrerr.Substrate("bcast", err)
	}
	return nil
}

// Reduce performs an all-to-all reduction ("gop") of send into recv under
// op, interpreting both buffers under dt. absmin/absmax are reserved for a
// future reduction operator and rejected with ErrUnknownReductionOperator.
func Reduce(ctx context.Context, grp *group.Group, send, recv []byte, dt substrate.Datatype, op substrate.ReduceOp) error {
	if op == substrate.AbsMin || op == substrate.AbsMax {
		return gmrerr.ErrUnknownReductionOperator
	}
	if err := grp.Comm().Allreduce(ctx, send, recv, dt, op); err != nil {
		return gmrerr.Substrate("allreduce", err)
	}
	return nil
}
