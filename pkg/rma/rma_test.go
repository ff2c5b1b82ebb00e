package rma

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ja7ad/gmr/pkg/accscale"
	"github.com/ja7ad/gmr/pkg/gmr"
	"github.com/ja7ad/gmr/pkg/group"
	"github.com/ja7ad/gmr/pkg/guard"
	"github.com/ja7ad/gmr/pkg/iov"
	"github.com/ja7ad/gmr/pkg/substrate"
)

// rig bundles the per-process state a real runtime.State would normally
// wire together, built directly against Registry/Engine so these tests
// exercise pkg/rma in isolation.
type rig struct {
	grp      *group.Group
	registry *gmr.Registry
	engine   *Engine
	mreg     *gmr.GMR
}

func newRig(t *testing.T, n, localSize int) []*rig {
	t.Helper()
	ctx := context.Background()
	w := substrate.NewWorld(n)
	alloc := substrate.NewAllocator()

	rigs := make([]*rig, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			comm := w.WorldComm(r)
			grp, err := group.NewWorld(ctx, comm)
			if err != nil {
				errs[r] = err
				return
			}
			reg := gmr.NewRegistry(false)
			eng := NewEngine(reg, alloc, guard.CopyAlways, comm.Rank())
			mreg, err := reg.Create(ctx, alloc, grp, grp, localSize, substrate.WindowHints{EpochsUsedLockAll: true}, guard.CopyAlways)
			if err != nil {
				errs[r] = err
				return
			}
			rigs[r] = &rig{grp: grp, registry: reg, engine: eng, mreg: mreg}
		}(r)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	return rigs
}

func TestPutGet_RoundTrip(t *testing.T) {
	ctx := context.Background()
	rigs := newRig(t, 2, 16)

	want := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, rigs[0].engine.Put(ctx, want, rigs[0].mreg.Slices[1].Base, 1))

	got := make([]byte, 8)
	require.NoError(t, rigs[0].engine.Get(ctx, rigs[0].mreg.Slices[1].Base, got, 1))
	assert.Equal(t, want, got)
}

func TestPut_ToSelfBypassesWindow(t *testing.T) {
	ctx := context.Background()
	rigs := newRig(t, 1, 8)

	want := []byte{9, 9, 9, 9}
	require.NoError(t, rigs[0].engine.Put(ctx, want, rigs[0].mreg.Slices[0].Base, 0))
	got := make([]byte, 4)
	require.NoError(t, rigs[0].engine.Get(ctx, rigs[0].mreg.Slices[0].Base, got, 0))
	assert.Equal(t, want, got)
}

func TestPut_OutOfRangeRejected(t *testing.T) {
	ctx := context.Background()
	rigs := newRig(t, 2, 4)
	tooLong := make([]byte, 8)
	err := rigs[0].engine.Put(ctx, tooLong, rigs[0].mreg.Slices[1].Base, 1)
	assert.Error(t, err)
}

func TestAcc_IdentityScaleSum(t *testing.T) {
	ctx := context.Background()
	rigs := newRig(t, 2, 4)

	contrib := make([]byte, 4)
	binary.LittleEndian.PutUint32(contrib, 7)
	require.NoError(t, rigs[0].engine.Acc(ctx, accscale.Int32, accscale.Identity, substrate.Sum, contrib, rigs[0].mreg.Slices[1].Base, 1))
	require.NoError(t, rigs[0].engine.Acc(ctx, accscale.Int32, accscale.Identity, substrate.Sum, contrib, rigs[0].mreg.Slices[1].Base, 1))

	got := make([]byte, 4)
	require.NoError(t, rigs[0].engine.Get(ctx, rigs[0].mreg.Slices[1].Base, got, 1))
	assert.Equal(t, int32(14), int32(binary.LittleEndian.Uint32(got)))
}

func TestAcc_NonIdentityScale(t *testing.T) {
	ctx := context.Background()
	rigs := newRig(t, 2, 4)

	contrib := make([]byte, 4)
	binary.LittleEndian.PutUint32(contrib, 3)
	require.NoError(t, rigs[0].engine.Acc(ctx, accscale.Int32, accscale.Scale{Re: 2}, substrate.Sum, contrib, rigs[0].mreg.Slices[1].Base, 1))

	got := make([]byte, 4)
	require.NoError(t, rigs[0].engine.Get(ctx, rigs[0].mreg.Slices[1].Base, got, 1))
	assert.Equal(t, int32(6), int32(binary.LittleEndian.Uint32(got)))
}

func TestRMW_FetchAdd(t *testing.T) {
	ctx := context.Background()
	rigs := newRig(t, 2, 4)

	prev, err := rigs[0].engine.RMW(ctx, FetchAdd32, rigs[0].mreg.Slices[1].Base, 5, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), prev)

	prev, err = rigs[0].engine.RMW(ctx, FetchAdd32, rigs[0].mreg.Slices[1].Base, 5, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), prev)
}

func TestRMW_Swap(t *testing.T) {
	ctx := context.Background()
	rigs := newRig(t, 2, 8)

	prev, err := rigs[0].engine.RMW(ctx, Swap64, rigs[0].mreg.Slices[1].Base, 42, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), prev)

	prev, err = rigs[0].engine.RMW(ctx, Swap64, rigs[0].mreg.Slices[1].Base, 7, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(42), prev)
}

func TestRMW_ConcurrentFetchAddsAccountForEveryIncrement(t *testing.T) {
	ctx := context.Background()
	const n = 5
	const perRank = 50
	rigs := newRig(t, n, 4)

	var wg sync.WaitGroup
	errs := make([]error, n)
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			for i := 0; i < perRank; i++ {
				if _, err := rigs[r].engine.RMW(ctx, FetchAdd32, rigs[r].mreg.Slices[0].Base, 1, 0); err != nil {
					errs[r] = err
					return
				}
			}
		}(r)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	got := make([]byte, 4)
	require.NoError(t, rigs[0].engine.Get(ctx, rigs[0].mreg.Slices[0].Base, got, 0))
	assert.Equal(t, int32(n*perRank), int32(binary.LittleEndian.Uint32(got)))
}

func TestStridedPutGet_DirectAndIOV(t *testing.T) {
	ctx := context.Background()
	rigs := newRig(t, 2, 64)

	// A 4x4 int32 matrix, row-major: each row 16 bytes, of which only the
	// leading 8 bytes (2 ints) are ever touched by the strided transfer.
	src := make([]byte, 64)
	for i := 0; i < 16; i++ {
		binary.LittleEndian.PutUint32(src[i*4:i*4+4], uint32(i))
	}
	desc := iov.Descriptor{Stride: []int64{16}, Count: []int64{8, 4}}

	for _, method := range []StridedMethod{StridedDirect, StridedIOV} {
		require.NoError(t, rigs[0].engine.StridedPut(ctx, desc, src, rigs[0].mreg.Slices[1].Base, 1, method))

		dst := make([]byte, 64)
		require.NoError(t, rigs[0].engine.StridedGet(ctx, desc, rigs[0].mreg.Slices[1].Base, dst, 1, method))
		for row := 0; row < 4; row++ {
			want := src[row*16 : row*16+8]
			got := dst[row*16 : row*16+8]
			assert.Equal(t, want, got, "method %v row %d", method, row)
		}
	}
}

func TestStridedAcc_SumsIntoEachBlock(t *testing.T) {
	ctx := context.Background()
	rigs := newRig(t, 2, 64)

	// A 4-row, 16-byte-stride source; only the leading int32 of each row
	// (value 1) participates in the strided accumulate.
	src := make([]byte, 64)
	for row := 0; row < 4; row++ {
		binary.LittleEndian.PutUint32(src[row*16:row*16+4], 1)
	}
	desc := iov.Descriptor{Stride: []int64{16}, Count: []int64{4, 4}}

	require.NoError(t, rigs[0].engine.StridedAcc(ctx, desc, accscale.Int32, accscale.Identity, src, rigs[0].mreg.Slices[1].Base, 1))
	require.NoError(t, rigs[0].engine.StridedAcc(ctx, desc, accscale.Int32, accscale.Identity, src, rigs[0].mreg.Slices[1].Base, 1))

	dst := make([]byte, 64)
	require.NoError(t, rigs[0].engine.StridedGet(ctx, desc, rigs[0].mreg.Slices[1].Base, dst, 1, StridedDirect))
	for row := 0; row < 4; row++ {
		assert.Equal(t, int32(2), int32(binary.LittleEndian.Uint32(dst[row*16:row*16+4])))
	}
}

func TestPutVectorGetVector_NonOverlapping(t *testing.T) {
	ctx := context.Background()
	rigs := newRig(t, 2, 256)

	segs := make([]Segment, 4)
	want := make([][]byte, 4)
	for i := range segs {
		buf := make([]byte, 8)
		for j := range buf {
			buf[j] = byte(i*8 + j)
		}
		want[i] = buf
		segs[i] = Segment{Src: buf, Dst: rigs[0].mreg.Slices[1].Base + gmr.Addr(i*16)}
	}

	for _, method := range []IOVMethod{IOVSafe, IOVOneLock, IOVDtype} {
		require.NoError(t, rigs[0].engine.PutVector(ctx, segs, 1, method, false))

		readBack := make([]Segment, 4)
		for i := range readBack {
			readBack[i] = Segment{Src: make([]byte, 8), Dst: segs[i].Dst}
		}
		require.NoError(t, rigs[0].engine.GetVector(ctx, readBack, 1, method, false))
		for i := range readBack {
			assert.Equal(t, want[i], readBack[i].Src, "method %v segment %d", method, i)
		}
	}
}

func TestPutVector_OverlapForcesSafe(t *testing.T) {
	ctx := context.Background()
	rigs := newRig(t, 2, 64)

	base := rigs[0].mreg.Slices[1].Base
	segs := []Segment{
		{Src: []byte{1, 2, 3, 4}, Dst: base},
		{Src: []byte{5, 6, 7, 8}, Dst: base + 2}, // overlaps the first segment
	}
	require.NoError(t, rigs[0].engine.PutVector(ctx, segs, 1, IOVOneLock, false))

	got := make([]byte, 6)
	require.NoError(t, rigs[0].engine.Get(ctx, base, got, 1))
	// The later (second) segment's write wins on the overlapped bytes.
	assert.Equal(t, []byte{1, 2, 5, 6, 7, 8}, got)
}

func TestNonblocking_WaitTestFlush(t *testing.T) {
	ctx := context.Background()
	rigs := newRig(t, 2, 8)

	require.NoError(t, rigs[0].engine.Put(ctx, []byte{1, 2, 3, 4}, rigs[0].mreg.Slices[1].Base, 1))
	h := NewHandle(1)
	h.Touch(false)

	require.NoError(t, rigs[0].engine.Wait(ctx, rigs[0].mreg, h))
	done, err := rigs[0].engine.Test(ctx, rigs[0].mreg, h)
	require.NoError(t, err)
	assert.True(t, done)

	require.NoError(t, rigs[0].engine.WaitAll(ctx, rigs[0].mreg, []*Handle{h}))
	require.NoError(t, rigs[0].engine.FlushByProc(ctx, rigs[0].mreg, 1))
}

func TestAccessBeginEnd_RejectsDoubleOpen(t *testing.T) {
	rigs := newRig(t, 1, 8)
	ptr := rigs[0].mreg.Slices[0].Base

	require.NoError(t, rigs[0].engine.AccessBegin(ptr))
	assert.Error(t, rigs[0].engine.AccessBegin(ptr))
	require.NoError(t, rigs[0].engine.AccessEnd(ptr))
	assert.Error(t, rigs[0].engine.AccessEnd(ptr))
}

func TestFenceAndAllFence(t *testing.T) {
	ctx := context.Background()
	rigs := newRig(t, 2, 8)

	require.NoError(t, rigs[0].engine.Put(ctx, []byte{1, 2, 3, 4}, rigs[0].mreg.Slices[1].Base, 1))
	require.NoError(t, rigs[0].engine.Fence(ctx, rigs[0].mreg, 1))
	require.NoError(t, rigs[0].engine.AllFence(ctx, rigs[0].mreg))
}
