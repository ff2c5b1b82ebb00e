package rma

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/ja7ad/gmr/pkg/gmr"
	"github.com/ja7ad/gmr/pkg/gmrerr"
	"github.com/ja7ad/gmr/pkg/substrate"
)

// RMWOp selects among the four read-modify-write operations.
type RMWOp int

const (
	FetchAdd32 RMWOp = iota
	FetchAdd64
	Swap32
	Swap64
)

func (op RMWOp) size() int {
	switch op {
	case FetchAdd32, Swap32:
		return 4
	case FetchAdd64, Swap64:
		return 8
	default:
		return 0
	}
}

// RMW performs an atomic read-modify-write on prem (on target), returning
// the value observed before the update. It acquires mutex 0 of prem's owning
// GMR's own mutex group (the spinning algorithm, to break the cyclic
// allocator/window dependency a queue mutex group allocation would
// introduce here), issues a get, computes the update locally, and issues a
// put back.
func (e *Engine) RMW(ctx context.Context, op RMWOp, prem gmr.Addr, delta int64, target substrate.Rank) (int64, error) {
	sz := op.size()
	if sz == 0 {
		return 0, gmrerr.NewFatal("rma.RMW", fmt.Errorf("unknown rmw op %d", op))
	}
	mreg := e.Registry.Lookup(prem, target)
	if mreg == nil {
		return 0, gmrerr.ErrInvalidRemote
	}
	disp, ok := mreg.Slices[target].Disp(prem, int64(sz))
	if !ok {
		return 0, gmrerr.ErrOutOfRange
	}
	if mreg.Window == nil {
		return 0, gmrerr.ErrInvalidRemote
	}

	mg, err := e.gmrMutex(ctx, mreg)
	if err != nil {
		return 0, err
	}
	if err := mg.Lock(ctx, 0, target); err != nil {
		return 0, err
	}
	defer mg.Unlock(ctx, 0, target)

	tmp := make([]byte, sz)
	if err := mreg.Window.Get(ctx, tmp, target, disp); err != nil {
		return 0, gmrerr.Substrate("get(rmw)", err)
	}

	var cur int64
	if sz == 4 {
		cur = int64(int32(binary.LittleEndian.Uint32(tmp)))
	} else {
		cur = int64(binary.LittleEndian.Uint64(tmp))
	}

	var next int64
	switch op {
	case FetchAdd32, FetchAdd64:
		next = cur + delta
	case Swap32, Swap64:
		next = delta
	}

	out := make([]byte, sz)
	if sz == 4 {
		binary.LittleEndian.PutUint32(out, uint32(int32(next)))
	} else {
		binary.LittleEndian.PutUint64(out, uint64(next))
	}
	if err := mreg.Window.Put(ctx, out, target, disp); err != nil {
		return 0, gmrerr.Substrate("put(rmw)", err)
	}
	if err := e.completeLocal(ctx, mreg.Window, target); err != nil {
		return 0, err
	}
	return cur, nil
}
