package mutex

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/ja7ad/gmr/pkg/gmrerr"
	"github.com/ja7ad/gmr/pkg/substrate"
)

// spinGroup implements algorithm S: a per-process array of signed 64-bit
// cells, one per mutex, accumulated with +/- (rank+1) by claimants. Ranks
// are numbered 1..N so no claimant ever contributes zero.
type spinGroup struct {
	win   substrate.Window
	count int
	code  int64 // this process's rank+1
	n     int

	heldMu sync.Mutex
	held   map[mutexKey]bool
}

// mutexKey identifies one (mutex, target) lock this process may hold.
type mutexKey struct {
	m      int
	target substrate.Rank
}

func newSpinGroup(ctx context.Context, alloc substrate.Allocator, comm substrate.Comm, count int) (*spinGroup, error) {
	win, err := alloc.AllocateWindow(ctx, comm, count*8, substrate.WindowHints{
		EpochsUsedLockAll:  true,
		AccumulateOrdering: substrate.OrderingFull,
		SameDispUnit:       true,
	})
	if err != nil {
		return nil, gmrerr.Substrate("allocate_window(mutex_spin)", err)
	}
	if err := win.LockAll(ctx); err != nil {
		return nil, gmrerr.Substrate("lock_all(mutex_spin)", err)
	}
	return &spinGroup{win: win, count: count, code: int64(comm.Rank()) + 1, n: comm.Size(), held: make(map[mutexKey]bool)}, nil
}

func (g *spinGroup) Count() int { return g.count }

func (g *spinGroup) checkMutex(m int) error {
	if m < 0 || m >= g.count {
		return gmrerr.NewFatal("mutex.spinGroup", errMutexRange(m))
	}
	return nil
}

func (g *spinGroup) add(ctx context.Context, m int, target substrate.Rank, delta int64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(delta))
	if err := g.win.Accumulate(ctx, buf, target, int64(m)*8, substrate.Int64, substrate.Sum); err != nil {
		return gmrerr.Substrate("accumulate(mutex_spin)", err)
	}
	return nil
}

func (g *spinGroup) read(ctx context.Context, m int, target substrate.Rank) (int64, error) {
	buf := make([]byte, 8)
	if err := g.win.Get(ctx, buf, target, int64(m)*8); err != nil {
		return 0, gmrerr.Substrate("get(mutex_spin)", err)
	}
	return int64(binary.LittleEndian.Uint64(buf)), nil
}

func (g *spinGroup) Lock(ctx context.Context, m int, target substrate.Rank) error {
	if err := g.checkMutex(m); err != nil {
		return err
	}
	if err := g.add(ctx, m, target, g.code); err != nil {
		return err
	}
	bo := newBackoff(g.n)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		x, err := g.read(ctx, m, target)
		if err != nil {
			return err
		}
		if x == g.code {
			g.setHeld(m, target, true)
			return nil
		}
		if err := g.add(ctx, m, target, -g.code); err != nil {
			return err
		}
		bo.wait()
		if err := g.add(ctx, m, target, g.code); err != nil {
			return err
		}
	}
}

func (g *spinGroup) TryLock(ctx context.Context, m int, target substrate.Rank) (bool, error) {
	// The spinning backend this module is grounded on has no trylock; any
	// attempt is rejected with ErrOperationUnsupported rather than silently
	// blocking. The queue
	// backend instead aliases TryLock to Lock; algorithm S has no equivalent
	// fallback to offer.
	return false, gmrerr.ErrOperationUnsupported
}

func (g *spinGroup) setHeld(m int, target substrate.Rank, v bool) {
	g.heldMu.Lock()
	defer g.heldMu.Unlock()
	if v {
		g.held[mutexKey{m, target}] = true
	} else {
		delete(g.held, mutexKey{m, target})
	}
}

func (g *spinGroup) isHeld(m int, target substrate.Rank) bool {
	g.heldMu.Lock()
	defer g.heldMu.Unlock()
	return g.held[mutexKey{m, target}]
}

func (g *spinGroup) Unlock(ctx context.Context, m int, target substrate.Rank) error {
	if err := g.checkMutex(m); err != nil {
		return err
	}
	if !g.isHeld(m, target) {
		return gmrerr.ErrNotHolder
	}
	if err := g.add(ctx, m, target, -g.code); err != nil {
		return err
	}
	g.setHeld(m, target, false)
	return nil
}

func (g *spinGroup) Destroy(ctx context.Context) error {
	if err := g.win.UnlockAll(ctx); err != nil {
		return gmrerr.Substrate("unlock_all(mutex_spin)", err)
	}
	return g.win.Free(ctx)
}

type mutexRangeError int

func (e mutexRangeError) Error() string { return "mutex: mutex id out of range" }
func errMutexRange(m int) error         { return mutexRangeError(m) }
