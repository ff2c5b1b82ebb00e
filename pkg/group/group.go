// Package group wraps a substrate communicator with cached rank-translation
// tables.
package group

import (
	"context"
	"fmt"

	"github.com/ja7ad/gmr/pkg/substrate"
)

// None is returned by Rank/TranslateToWorld/TranslateFromWorld when the
// querying process is not a member of the group being translated against.
const None = substrate.GroupNone

// Group is a handle over a substrate communicator plus a bidirectional
// rank-translation cache. Every constructor fills the cache, and
// translations read only the cache, never the substrate.
type Group struct {
	comm substrate.Comm

	world substrate.Comm // the world communicator this group was built against; nil for the world group itself

	// absToGrp[worldRank] = local rank in this group, or None.
	absToGrp []substrate.Rank
	// grpToAbs[localRank] = world rank.
	grpToAbs []substrate.Rank

	// dup is a duplicated communicator reserved for the noncollective
	// recursive-doubling construction path, so that it never collides in
	// tag space with ordinary group operations on comm.
	dup substrate.Comm
}

// NewWorld wraps comm as the default/world group with an identity
// translation cache.
func NewWorld(ctx context.Context, comm substrate.Comm) (*Group, error) {
	n := comm.Size()
	abs := make([]substrate.Rank, n)
	grp := make([]substrate.Rank, n)
	for i := 0; i < n; i++ {
		abs[i] = i
		grp[i] = i
	}
	dup, err := comm.Dup(ctx)
	if err != nil {
		return nil, fmt.Errorf("group: dup world comm: %w", err)
	}
	return &Group{comm: comm, absToGrp: abs, grpToAbs: grp, dup: dup}, nil
}

// CreateChild builds a Group over the given world ranks. Collective on
// parent's communicator (every member of parent, not just ranks, must call
// this). The returned Group's rank-translation cache is populated via the
// parent's substrate TranslateRanks.
func CreateChild(ctx context.Context, parent *Group, ranks []substrate.Rank) (*Group, error) {
	child, err := parent.comm.Incl(ctx, ranks)
	if err != nil {
		return nil, fmt.Errorf("group: create_child: %w", err)
	}
	return buildCache(ctx, parent.comm, child, ranks)
}

// Split partitions parent's members by color, ordering members that share a
// color by key, mirroring substrate Comm_split semantics.
func Split(ctx context.Context, parent *Group, color, key int) (*Group, error) {
	child, err := parent.comm.Split(ctx, color, key)
	if err != nil {
		return nil, fmt.Errorf("group: split: %w", err)
	}
	return buildCacheFromComm(ctx, parent.comm, child)
}

// Dup creates an independent duplicate of parent with its own duplicated
// communicator for noncollective operations.
func Dup(ctx context.Context, parent *Group) (*Group, error) {
	c, err := parent.comm.Dup(ctx)
	if err != nil {
		return nil, fmt.Errorf("group: dup: %w", err)
	}
	return buildCacheFromComm(ctx, parent.comm, c)
}

func buildCache(ctx context.Context, worldComm substrate.Comm, child substrate.Comm, ranks []substrate.Rank) (*Group, error) {
	n := worldComm.Size()
	absToGrp := make([]substrate.Rank, n)
	for i := range absToGrp {
		absToGrp[i] = None
	}
	for local, world := range ranks {
		absToGrp[world] = local
	}
	dup, err := child.Dup(ctx)
	if err != nil {
		return nil, fmt.Errorf("group: dup child comm: %w", err)
	}
	return &Group{comm: child, world: worldComm, absToGrp: absToGrp, grpToAbs: append([]substrate.Rank(nil), ranks...), dup: dup}, nil
}

func buildCacheFromComm(ctx context.Context, worldComm substrate.Comm, child substrate.Comm) (*Group, error) {
	n := child.Size()
	local := make([]substrate.Rank, n)
	for i := range local {
		local[i] = i
	}
	world, err := child.TranslateRanks(ctx, local, worldComm)
	if err != nil {
		return nil, fmt.Errorf("group: translate child ranks to world: %w", err)
	}
	return buildCache(ctx, worldComm, child, world)
}

// Free is a collective no-op placeholder: the underlying comm and its
// reserved duplicate are released for garbage collection once all
// references (including any GMRs built on this group) are gone. Kept as an
// explicit call so call sites mirror the substrate's own create/free
// discipline even though Go has no manual comm deallocation.
func Free(g *Group) {}

// Comm returns the underlying substrate communicator.
func (g *Group) Comm() substrate.Comm { return g.comm }

// Rank returns this process's rank within g, or None if not a member.
func (g *Group) Rank() substrate.Rank { return g.comm.Rank() }

// Size returns the number of members of g.
func (g *Group) Size() int { return g.comm.Size() }

// TranslateToWorld maps a local rank to its world rank via the cache, or
// None if local is out of range.
func (g *Group) TranslateToWorld(local substrate.Rank) substrate.Rank {
	if local < 0 || local >= len(g.grpToAbs) {
		return None
	}
	return g.grpToAbs[local]
}

// TranslateFromWorld maps a world rank to its local rank within g, or None
// if that process is not a member.
func (g *Group) TranslateFromWorld(world substrate.Rank) substrate.Rank {
	if world < 0 || world >= len(g.absToGrp) {
		return None
	}
	return g.absToGrp[world]
}

// DupComm returns the group's reserved duplicated communicator, used by the
// noncollective-group construction path and by algorithm Q's mutex groups to
// keep notification messages out of the user's own tag space.
func (g *Group) DupComm() substrate.Comm { return g.dup }
