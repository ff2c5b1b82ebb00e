package mutex

import (
	"context"
	"sync"

	"github.com/ja7ad/gmr/pkg/group"
	"github.com/ja7ad/gmr/pkg/gmrerr"
	"github.com/ja7ad/gmr/pkg/substrate"
)

// queueGroup implements algorithm Q: a count x nproc byte array per target,
// one flag per (mutex, waiter). Locking publishes the claimant's own flag
// and scans the rest of the row; if any other flag is already set, the
// claimant blocks for a two-sided wakeup sent by whichever holder unlocks
// next, rather than re-polling. Notification traffic runs over the group's
// reserved duplicated communicator so it never collides with the user's own
// point-to-point tag space.
type queueGroup struct {
	win    substrate.Window
	notify substrate.Comm
	count  int
	n      int
	self   substrate.Rank

	heldMu sync.Mutex
	held   map[mutexKey]bool
}

func newQueueGroup(ctx context.Context, alloc substrate.Allocator, grp *group.Group, count int) (*queueGroup, error) {
	n := grp.Size()
	win, err := alloc.AllocateWindow(ctx, grp.Comm(), count*n, substrate.WindowHints{
		EpochsUsedLockAll: true,
		SameDispUnit:      true,
	})
	if err != nil {
		return nil, gmrerr.Substrate("allocate_window(mutex_queue)", err)
	}
	if err := win.LockAll(ctx); err != nil {
		return nil, gmrerr.Substrate("lock_all(mutex_queue)", err)
	}
	return &queueGroup{
		win:    win,
		notify: grp.DupComm(),
		count:  count,
		n:      n,
		self:   grp.Rank(),
		held:   make(map[mutexKey]bool),
	}, nil
}

func (g *queueGroup) Count() int { return g.count }

func (g *queueGroup) checkMutex(m int) error {
	if m < 0 || m >= g.count {
		return gmrerr.NewFatal("mutex.queueGroup", errMutexRange(m))
	}
	return nil
}

// notifyTag packs (mutex, target) into one tag so that a process waiting on
// more than one queue mutex at once cannot be woken for the wrong one.
func (g *queueGroup) notifyTag(m int, target substrate.Rank) int {
	return m*g.n + target
}

func (g *queueGroup) rowOffset(m int) int64 { return int64(m) * int64(g.n) }

func (g *queueGroup) setFlag(ctx context.Context, target substrate.Rank, m int, v byte) error {
	if err := g.win.Put(ctx, []byte{v}, target, g.rowOffset(m)+int64(g.self)); err != nil {
		return gmrerr.Substrate("put(mutex_queue_flag)", err)
	}
	if err := g.win.Flush(ctx, target); err != nil {
		return gmrerr.Substrate("flush(mutex_queue_flag)", err)
	}
	return nil
}

func (g *queueGroup) readRow(ctx context.Context, target substrate.Rank, m int) ([]byte, error) {
	row := make([]byte, g.n)
	if err := g.win.Get(ctx, row, target, g.rowOffset(m)); err != nil {
		return nil, gmrerr.Substrate("get(mutex_queue_row)", err)
	}
	if err := g.win.Flush(ctx, target); err != nil {
		return nil, gmrerr.Substrate("flush(mutex_queue_row)", err)
	}
	return row, nil
}

func (g *queueGroup) Lock(ctx context.Context, m int, target substrate.Rank) error {
	if err := g.checkMutex(m); err != nil {
		return err
	}
	if err := g.setFlag(ctx, target, m, 1); err != nil {
		return err
	}
	row, err := g.readRow(ctx, target, m)
	if err != nil {
		return err
	}
	for i, b := range row {
		if i != g.self && b == 1 {
			buf := make([]byte, 1)
			if _, _, err := g.notify.Recv(ctx, buf, substrate.AnySource, g.notifyTag(m, target)); err != nil {
				return gmrerr.Substrate("recv(mutex_queue_notify)", err)
			}
			g.setHeld(m, target, true)
			return nil
		}
	}
	g.setHeld(m, target, true)
	return nil
}

func (g *queueGroup) setHeld(m int, target substrate.Rank, v bool) {
	g.heldMu.Lock()
	defer g.heldMu.Unlock()
	if v {
		g.held[mutexKey{m, target}] = true
	} else {
		delete(g.held, mutexKey{m, target})
	}
}

func (g *queueGroup) isHeld(m int, target substrate.Rank) bool {
	g.heldMu.Lock()
	defer g.heldMu.Unlock()
	return g.held[mutexKey{m, target}]
}

// TryLock mirrors the source algorithm this module is grounded on: the queue
// backend has no non-blocking variant, so TryLock behaves exactly like Lock
// and always returns (true, nil) once it returns at all.
func (g *queueGroup) TryLock(ctx context.Context, m int, target substrate.Rank) (bool, error) {
	if err := g.Lock(ctx, m, target); err != nil {
		return false, err
	}
	return true, nil
}

func (g *queueGroup) Unlock(ctx context.Context, m int, target substrate.Rank) error {
	if err := g.checkMutex(m); err != nil {
		return err
	}
	if !g.isHeld(m, target) {
		return gmrerr.ErrNotHolder
	}
	if err := g.setFlag(ctx, target, m, 0); err != nil {
		return err
	}
	g.setHeld(m, target, false)
	row, err := g.readRow(ctx, target, m)
	if err != nil {
		return err
	}
	for i := 1; i <= g.n; i++ {
		candidate := (g.self + i) % g.n
		if row[candidate] == 1 {
			if err := g.notify.Send(ctx, []byte{1}, candidate, g.notifyTag(m, target)); err != nil {
				return gmrerr.Substrate("send(mutex_queue_notify)", err)
			}
			break
		}
	}
	return nil
}

func (g *queueGroup) Destroy(ctx context.Context) error {
	if err := g.win.UnlockAll(ctx); err != nil {
		return gmrerr.Substrate("unlock_all(mutex_queue)", err)
	}
	return g.win.Free(ctx)
}
