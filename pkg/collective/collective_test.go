package collective

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"

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

func TestBarrier_ReleasesAllMembers(t *testing.T) {
	ctx := context.Background()
	groups := newWorldGroups(t, 4)
	errs := make([]error, 4)
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			errs[r] = Barrier(ctx, groups[r])
		}(r)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestBroadcast_FromRoot(t *testing.T) {
	ctx := context.Background()
	groups := newWorldGroups(t, 3)
	bufs := make([][]byte, 3)
	errs := make([]error, 3)
	var wg sync.WaitGroup
	for r := 0; r < 3; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			b := make([]byte, 4)
			if r == 2 {
				copy(b, []byte{1, 2, 3, 4})
			}
			errs[r] = Broadcast(ctx, groups[r], b, 2)
			bufs[r] = b
		}(r)
	}
	wg.Wait()
	for r, err := range errs {
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2, 3, 4}, bufs[r])
	}
}

func TestReduce_Sum(t *testing.T) {
	ctx := context.Background()
	groups := newWorldGroups(t, 4)
	recvs := make([][]byte, 4)
	errs := make([]error, 4)
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			send := make([]byte, 4)
			binary.LittleEndian.PutUint32(send, uint32(r+1))
			recv := make([]byte, 4)
			errs[r] = Reduce(ctx, groups[r], send, recv, substrate.Int32, substrate.Sum)
			recvs[r] = recv
		}(r)
	}
	wg.Wait()
	for r, err := range errs {
		require.NoError(t, err)
		assert.Equal(t, uint32(10), binary.LittleEndian.Uint32(recvs[r]))
	}
}

func TestReduce_RejectsAbsMinAbsMax(t *testing.T) {
	ctx := context.Background()
	groups := newWorldGroups(t, 1)
	send := make([]byte, 4)
	recv := make([]byte, 4)
	assert.ErrorIs(t, Reduce(ctx, groups[0], send, recv, substrate.Int32, substrate.AbsMin), gmrerr.ErrUnknownReductionOperator)
}

func TestSelect_MinWithTieBrokenByLowestRank(t *testing.T) {
	ctx := context.Background()
	groups := newWorldGroups(t, 4)
	results := make([]Record, 4)
	errs := make([]error, 4)
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			rec := Record{Contribute: true, Key: 5.0, Payload: []byte{byte(r)}}
			if r == 1 {
				rec.Key = 1.0
			}
			if r == 3 {
				rec.Key = 1.0 // ties rank 1; rank 1 must win (lower rank)
			}
			results[r], errs[r] = Select(ctx, groups[r], rec, Min)
		}(r)
	}
	wg.Wait()
	for r, err := range errs {
		require.NoError(t, err)
		assert.True(t, results[r].Contribute)
		assert.Equal(t, 1.0, results[r].Key)
		assert.Equal(t, []byte{1}, results[r].Payload)
	}
}

func TestSelect_NoContributorsYieldsAbstain(t *testing.T) {
	ctx := context.Background()
	groups := newWorldGroups(t, 2)
	results := make([]Record, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			results[r], errs[r] = Select(ctx, groups[r], Record{Contribute: false}, Max)
		}(r)
	}
	wg.Wait()
	for r, err := range errs {
		require.NoError(t, err)
		assert.False(t, results[r].Contribute)
	}
}

func TestBinaryTree(t *testing.T) {
	root := BinaryTree(0, 7)
	assert.False(t, root.HasUp)
	assert.Equal(t, substrate.Rank(1), root.Left)
	assert.Equal(t, substrate.Rank(2), root.Right)

	leaf := BinaryTree(6, 7)
	assert.True(t, leaf.HasUp)
	assert.Equal(t, substrate.Rank(2), leaf.Up)
	assert.False(t, leaf.HasLeft)
	assert.False(t, leaf.HasRight)

	mid := BinaryTree(2, 7)
	assert.Equal(t, substrate.Rank(0), mid.Up)
	assert.Equal(t, substrate.Rank(5), mid.Left)
	assert.Equal(t, substrate.Rank(6), mid.Right)
}
