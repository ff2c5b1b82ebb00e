package gmr

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ja7ad/gmr/pkg/group"
	"github.com/ja7ad/gmr/pkg/guard"
	"github.com/ja7ad/gmr/pkg/substrate"
)

func newWorldGroups(t *testing.T, n int) (*substrate.World, []*group.Group) {
	t.Helper()
	w := substrate.NewWorld(n)
	groups := make([]*group.Group, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			g, err := group.NewWorld(context.Background(), w.WorldComm(r))
			groups[r] = g
			errs[r] = err
		}(r)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	return w, groups
}

func TestRegistry_CreateAndLookup(t *testing.T) {
	ctx := context.Background()
	w, groups := newWorldGroups(t, 3)
	alloc := substrate.NewAllocator()

	gmrs := make([]*GMR, 3)
	regs := make([]*Registry, 3)
	errs := make([]error, 3)
	var wg sync.WaitGroup
	for r := 0; r < 3; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			reg := NewRegistry(false)
			regs[r] = reg
			g, err := reg.Create(ctx, alloc, groups[r], groups[r], 16, substrate.WindowHints{EpochsUsedLockAll: true}, guard.CopyAlways)
			gmrs[r] = g
			errs[r] = err
		}(r)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	_ = w
	for r, g := range gmrs {
		require.NotNil(t, g)
		assert.Len(t, g.Slices, 3)
		assert.Equal(t, int64(16), g.Slices[r].Size)
		assert.NotEqual(t, Nil, g.LocalBase())
		assert.Same(t, g, regs[r].Lookup(g.LocalBase(), r))
		assert.Same(t, g, regs[r].Lookup(g.LocalBase()+15, r))
		assert.Nil(t, regs[r].Lookup(g.LocalBase()+16, r))
	}
}

func TestRegistry_Lookup_OutOfRangeMiss(t *testing.T) {
	reg := NewRegistry(false)
	assert.Nil(t, reg.Lookup(Addr(0x1000), 0))
}

func TestRegistry_Create_ZeroSizeParticipant(t *testing.T) {
	ctx := context.Background()
	_, groups := newWorldGroups(t, 2)
	alloc := substrate.NewAllocator()

	gmrs := make([]*GMR, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			reg := NewRegistry(false)
			localSize := 0
			if r == 1 {
				localSize = 32
			}
			g, err := reg.Create(ctx, alloc, groups[r], groups[r], localSize, substrate.WindowHints{EpochsUsedLockAll: true}, guard.CopyAlways)
			gmrs[r] = g
			errs[r] = err
		}(r)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, Nil, gmrs[0].LocalBase())
	assert.Equal(t, int64(0), gmrs[0].Slices[0].Size)
	assert.Equal(t, int64(32), gmrs[0].Slices[1].Size)
}

func TestSlice_ContainsAndDisp(t *testing.T) {
	s := Slice{Base: 0x1000, Size: 16}
	assert.True(t, s.Contains(0x1000))
	assert.True(t, s.Contains(0x100f))
	assert.False(t, s.Contains(0x1010))
	assert.False(t, s.Contains(0x0fff))

	disp, ok := s.Disp(0x1004, 4)
	assert.True(t, ok)
	assert.Equal(t, int64(4), disp)

	_, ok = s.Disp(0x1010, 1)
	assert.False(t, ok)

	_, ok = s.Disp(0x0fff, 1)
	assert.False(t, ok)
}

func TestRegistry_DestroyAll_ReportsLeakCount(t *testing.T) {
	ctx := context.Background()
	_, groups := newWorldGroups(t, 2)
	alloc := substrate.NewAllocator()

	regs := make([]*Registry, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			reg := NewRegistry(false)
			_, err := reg.Create(ctx, alloc, groups[r], groups[r], 8, substrate.WindowHints{EpochsUsedLockAll: true}, guard.CopyAlways)
			regs[r] = reg
			errs[r] = err
		}(r)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	// Each simulated process owns its own registry; a never-destroyed
	// allocation is exactly one leak per process.
	for _, reg := range regs {
		assert.Equal(t, 1, reg.DestroyAll(ctx))
		assert.Equal(t, 0, reg.DestroyAll(ctx))
	}
}
