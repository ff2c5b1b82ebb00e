// Package mutex implements two distributed mutex algorithms behind one
// shared interface, selected at group-creation time — a
// mutex-group-by-backend shape rather than a runtime switch per call.
package mutex

import (
	"context"

	"github.com/ja7ad/gmr/pkg/gmrerr"
	"github.com/ja7ad/gmr/pkg/group"
	"github.com/ja7ad/gmr/pkg/substrate"
)

// Backend selects between algorithm S (spinning) and algorithm Q (queue).
// The two are a mutually exclusive choice; Go has no preprocessor, so the
// choice is made when the Group is created instead, but never mixed within
// one Group's lifetime.
type Backend int

const (
	Spinning Backend = iota
	Queue
)

// Group is the shared {create, lock, trylock, unlock, destroy} interface
// both backends implement.
type Group interface {
	// Lock blocks until this process holds mutex m on target.
	Lock(ctx context.Context, m int, target substrate.Rank) error
	// TryLock attempts to acquire without blocking. The queue backend's
	// TryLock is a documented deviation: it blocks exactly like Lock. The
	// spinning backend has no trylock in the source this module is
	// grounded on, so it returns ErrOperationUnsupported.
	TryLock(ctx context.Context, m int, target substrate.Rank) (bool, error)
	// Unlock releases mutex m on target, previously acquired by this
	// process; it returns gmrerr.ErrNotHolder if this process does not
	// currently hold m on target.
	Unlock(ctx context.Context, m int, target substrate.Rank) error
	// Destroy frees the group's window(s). Collective on the group's comm.
	Destroy(ctx context.Context) error

	// Count returns the number of mutexes per process in this group.
	Count() int
}

// Create allocates a mutex group of count mutexes per process over grp,
// using the selected backend. Collective on grp's communicator. grp is
// required (rather than a bare substrate.Comm) because algorithm Q's
// notification traffic runs over the group's reserved duplicated
// communicator, keeping it out of the user's own tag space.
func Create(ctx context.Context, alloc substrate.Allocator, grp *group.Group, count int, backend Backend) (Group, error) {
	if count <= 0 {
		return nil, gmrerr.NewFatal("mutex.Create", errCount(count))
	}
	switch backend {
	case Spinning:
		return newSpinGroup(ctx, alloc, grp.Comm(), count)
	case Queue:
		return newQueueGroup(ctx, alloc, grp, count)
	default:
		return nil, gmrerr.NewFatal("mutex.Create", errBackend(backend))
	}
}

type errCount int

func (e errCount) Error() string { return "mutex: count must be > 0" }

type errBackend Backend

func (e errBackend) Error() string { return "mutex: unknown backend" }
