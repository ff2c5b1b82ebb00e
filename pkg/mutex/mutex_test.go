package mutex

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ja7ad/gmr/pkg/gmrerr"
	"github.com/ja7ad/gmr/pkg/group"
	"github.com/ja7ad/gmr/pkg/substrate"
)

func newWorldGroups(t *testing.T, n int) []*group.Group {
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
	return groups
}

func createGroups(t *testing.T, n, count int, backend Backend) []Group {
	t.Helper()
	ctx := context.Background()
	groups := newWorldGroups(t, n)
	alloc := substrate.NewAllocator()

	mgs := make([]Group, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			mg, err := Create(ctx, alloc, groups[r], count, backend)
			mgs[r] = mg
			errs[r] = err
		}(r)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	return mgs
}

func testMutualExclusion(t *testing.T, backend Backend) {
	ctx := context.Background()
	const n = 4
	mgs := createGroups(t, n, 1, backend)

	counter := 0
	var mu sync.Mutex // protects the test's own observation of the counter
	maxObserved := 0

	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				require.NoError(t, mgs[r].Lock(ctx, 0, 0))
				mu.Lock()
				counter++
				if counter > maxObserved {
					maxObserved = counter
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				counter--
				mu.Unlock()
				require.NoError(t, mgs[r].Unlock(ctx, 0, 0))
			}
		}(r)
	}
	wg.Wait()

	// Only one process ever holds mutex 0 on target 0 at a time.
	assert.Equal(t, 1, maxObserved)
}

func TestSpinning_MutualExclusion(t *testing.T) {
	testMutualExclusion(t, Spinning)
}

func TestQueue_MutualExclusion(t *testing.T) {
	testMutualExclusion(t, Queue)
}

func testLockUnlockRoundTrip(t *testing.T, backend Backend) {
	ctx := context.Background()
	mgs := createGroups(t, 2, 2, backend)

	require.NoError(t, mgs[0].Lock(ctx, 1, 1))
	require.NoError(t, mgs[0].Unlock(ctx, 1, 1))

	require.NoError(t, mgs[1].Lock(ctx, 0, 0))
	require.NoError(t, mgs[1].Unlock(ctx, 0, 0))

	assert.Equal(t, 2, mgs[0].Count())
}

func TestSpinning_LockUnlockRoundTrip(t *testing.T) {
	testLockUnlockRoundTrip(t, Spinning)
}

func TestQueue_LockUnlockRoundTrip(t *testing.T) {
	testLockUnlockRoundTrip(t, Queue)
}

func TestSpinning_TryLockUnsupported(t *testing.T) {
	ctx := context.Background()
	mgs := createGroups(t, 2, 1, Spinning)
	_, err := mgs[0].TryLock(ctx, 0, 1)
	assert.ErrorIs(t, err, gmrerr.ErrOperationUnsupported)
}

func testUnlockByNonHolder(t *testing.T, backend Backend) {
	ctx := context.Background()
	mgs := createGroups(t, 2, 1, backend)

	err := mgs[1].Unlock(ctx, 0, 0)
	assert.ErrorIs(t, err, gmrerr.ErrNotHolder)

	require.NoError(t, mgs[0].Lock(ctx, 0, 0))
	require.NoError(t, mgs[0].Unlock(ctx, 0, 0))
	err = mgs[0].Unlock(ctx, 0, 0)
	assert.ErrorIs(t, err, gmrerr.ErrNotHolder)
}

func TestSpinning_UnlockByNonHolder(t *testing.T) {
	testUnlockByNonHolder(t, Spinning)
}

func TestQueue_UnlockByNonHolder(t *testing.T) {
	testUnlockByNonHolder(t, Queue)
}

func TestCreate_RejectsZeroCount(t *testing.T) {
	ctx := context.Background()
	groups := newWorldGroups(t, 1)
	alloc := substrate.NewAllocator()
	_, err := Create(ctx, alloc, groups[0], 0, Spinning)
	assert.Error(t, err)
}

// TestQueue_FairnessOrderMatchesCircularScan exercises algorithm Q's
// deterministic handoff rule: Unlock scans circularly from (holder+1) mod n,
// so once both waiters have published their request flags, rank 1 is always
// serviced before rank 2, regardless of exactly when each Lock call blocked.
func TestQueue_FairnessOrderMatchesCircularScan(t *testing.T) {
	ctx := context.Background()
	mgs := createGroups(t, 3, 1, Queue)

	var mu sync.Mutex
	var order []int
	ready := make(chan struct{}, 2)
	release := make(chan struct{})

	require.NoError(t, mgs[0].Lock(ctx, 0, 0))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ready
		require.NoError(t, mgs[1].Lock(ctx, 0, 0))
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
		require.NoError(t, mgs[1].Unlock(ctx, 0, 0))
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ready
		// Publish rank 2's own request from a nested goroutine so this one
		// can still signal the release; the sleep gives the nested Lock
		// call, a synchronous in-memory put+flush, ample time to set its
		// flag before rank 0 unlocks.
		lockDone := make(chan error, 1)
		go func() { lockDone <- mgs[2].Lock(ctx, 0, 0) }()
		time.Sleep(20 * time.Millisecond)
		release <- struct{}{}
		require.NoError(t, <-lockDone)
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		require.NoError(t, mgs[2].Unlock(ctx, 0, 0))
	}()

	ready <- struct{}{}
	ready <- struct{}{}
	<-release
	require.NoError(t, mgs[0].Unlock(ctx, 0, 0))
	wg.Wait()

	assert.Equal(t, []int{1, 2}, order)
}
