package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/ja7ad/gmr/pkg/collective"
	"github.com/ja7ad/gmr/pkg/gmr"
	"github.com/ja7ad/gmr/pkg/group"
	"github.com/ja7ad/gmr/pkg/iov"
	"github.com/ja7ad/gmr/pkg/mutex"
	"github.com/ja7ad/gmr/pkg/rma"
	"github.com/ja7ad/gmr/pkg/runtime"
	"github.com/ja7ad/gmr/pkg/substrate"
)

// scenarios S1..S6, run over the mock substrate.
var scenarios = []struct {
	name string
	run  func(ctx context.Context) error
}{
	{"S1 put/get round trip", selftestS1},
	{"S2 int32 accumulate", selftestS2},
	{"S3 strided put", selftestS3},
	{"S4 fetch-and-add", selftestS4},
	{"S5 mutex Q fairness", selftestS5},
	{"S6 IOV safe vs dtype-gather", selftestS6},
}

func newSelftestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "selftest",
		Short: "Run the end-to-end scenarios over the mock substrate",
		Long:  `selftest runs each of the S1-S6 end-to-end scenarios and reports pass/fail.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, s := range scenarios {
				err := s.run(cmd.Context())
				if err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "FAIL  %-32s %v\n", s.name, err)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "ok    %-32s\n", s.name)
				}
			}
			if failed > 0 {
				os.Exit(1)
			}
			return nil
		},
	}
}

// selftestS1: two processes, rank 0 writes 01..10 into its own slice then
// puts those 16 bytes into rank 1's slice; rank 1 reads back the same bytes.
func selftestS1(ctx context.Context) error {
	world := substrate.NewWorld(2)
	alloc := substrate.NewAllocator()

	want := make([]byte, 16)
	for i := range want {
		want[i] = byte(i + 1)
	}

	var got []byte
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			comm := world.WorldComm(r)
			st, err := runtime.Init(ctx, alloc, comm)
			if err != nil {
				errs[r] = err
				return
			}
			defer st.Finalize(ctx)

			mreg, err := st.Registry.Create(ctx, alloc, st.World, st.World, 16, substrate.WindowHints{EpochsUsedLockAll: true}, st.Options.ShrBufMethod)
			if err != nil {
				errs[r] = err
				return
			}
			defer st.Registry.Destroy(ctx, mreg, st.World)

			if r == 0 {
				copy(mreg.LocalBuffer(), want)
			}
			if err := collective.Barrier(ctx, st.World); err != nil {
				errs[r] = err
				return
			}
			if r == 0 {
				if err := st.Engine.Put(ctx, want, mreg.Slices[1].Base, 1); err != nil {
					errs[r] = err
					return
				}
				if err := st.Engine.AllFence(ctx, mreg); err != nil {
					errs[r] = err
					return
				}
			}
			if err := collective.Barrier(ctx, st.World); err != nil {
				errs[r] = err
				return
			}
			if r == 1 {
				got = append([]byte(nil), mreg.LocalBuffer()...)
			}
		}(r)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return bytesEqual(got, want)
}

// selftestS2: four processes, each rank r accumulates r+1 into the leading
// int32 of every peer's allocation; final value on every rank is 10.
func selftestS2(ctx context.Context) error {
	sums := make([]int32, 4)
	errs := make([]error, 4)
	world := substrate.NewWorld(4)
	alloc := substrate.NewAllocator()
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			errs[r] = demoRank(ctx, world, alloc, r, 4, sums)
		}(r)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	for r, v := range sums {
		if v != 10 {
			return fmt.Errorf("rank %d: got %d, want 10", r, v)
		}
	}
	return nil
}

// selftestS3: strided put of a 4x4 int32 matrix's leading two columns (8
// bytes/row, row stride 16) from rank 0 into rank 1 at a 2-int (8-byte)
// column offset.
func selftestS3(ctx context.Context) error {
	world := substrate.NewWorld(2)
	alloc := substrate.NewAllocator()

	src := make([]byte, 64)
	for i := 0; i < 16; i++ {
		binary.LittleEndian.PutUint32(src[i*4:i*4+4], uint32(i))
	}

	var got []byte
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			comm := world.WorldComm(r)
			st, err := runtime.Init(ctx, alloc, comm)
			if err != nil {
				errs[r] = err
				return
			}
			defer st.Finalize(ctx)

			mreg, err := st.Registry.Create(ctx, alloc, st.World, st.World, 64, substrate.WindowHints{EpochsUsedLockAll: true}, st.Options.ShrBufMethod)
			if err != nil {
				errs[r] = err
				return
			}
			defer st.Registry.Destroy(ctx, mreg, st.World)

			for i := range mreg.LocalBuffer() {
				mreg.LocalBuffer()[i] = 0
			}
			if err := collective.Barrier(ctx, st.World); err != nil {
				errs[r] = err
				return
			}
			if r == 0 {
				desc := iov.Descriptor{Stride: []int64{16}, Count: []int64{8, 4}}
				dst := gmr.Addr(uintptr(mreg.Slices[1].Base) + 8)
				if err := st.Engine.StridedPut(ctx, desc, src, dst, 1, rma.StridedDirect); err != nil {
					errs[r] = err
					return
				}
				if err := st.Engine.AllFence(ctx, mreg); err != nil {
					errs[r] = err
					return
				}
			}
			if err := collective.Barrier(ctx, st.World); err != nil {
				errs[r] = err
				return
			}
			if r == 1 {
				got = append([]byte(nil), mreg.LocalBuffer()...)
			}
		}(r)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	for row := 0; row < 4; row++ {
		wantRow := src[row*16 : row*16+8]
		gotRow := got[8+row*16 : 8+row*16+8]
		if err := bytesEqual(gotRow, wantRow); err != nil {
			return fmt.Errorf("row %d: %w", row, err)
		}
	}
	return nil
}

// selftestS4: ten processes, each issuing 1000 fetch-adds of 1 against
// rank 0's int32 cell starting at 0; final value on rank 0 is 10000.
func selftestS4(ctx context.Context) error {
	const n = 10
	const iters = 1000
	world := substrate.NewWorld(n)
	alloc := substrate.NewAllocator()

	final := make([]int32, 1)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			comm := world.WorldComm(r)
			st, err := runtime.Init(ctx, alloc, comm)
			if err != nil {
				errs[r] = err
				return
			}
			defer st.Finalize(ctx)

			mreg, err := st.Registry.Create(ctx, alloc, st.World, st.World, 4, substrate.WindowHints{EpochsUsedLockAll: true}, st.Options.ShrBufMethod)
			if err != nil {
				errs[r] = err
				return
			}
			defer st.Registry.Destroy(ctx, mreg, st.World)

			if err := collective.Barrier(ctx, st.World); err != nil {
				errs[r] = err
				return
			}
			cell := mreg.Slices[0].Base
			for i := 0; i < iters; i++ {
				if _, err := st.Engine.RMW(ctx, rma.FetchAdd32, cell, 1, 0); err != nil {
					errs[r] = err
					return
				}
			}
			if err := collective.Barrier(ctx, st.World); err != nil {
				errs[r] = err
				return
			}
			if r == 0 {
				out := make([]byte, 4)
				if err := st.Engine.Get(ctx, cell, out, 0); err != nil {
					errs[r] = err
					return
				}
				final[0] = int32(binary.LittleEndian.Uint32(out))
			}
		}(r)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	if final[0] != n*iters {
		return fmt.Errorf("got %d, want %d", final[0], n*iters)
	}
	return nil
}

// selftestS5: three processes, rank 0 holds mutex 0; ranks 1 and 2 publish
// their lock requests concurrently while rank 0 still holds (rank 2 waits a
// short delay after starting its own Lock before releasing rank 0), then
// rank 0 unlocks.
// Algorithm Q's unlock does a fixed circular scan starting at (holder+1) mod
// n, so once both successors have published, the handoff order is
// deterministic: rank 1 is serviced before rank 2, independent of exactly
// when each one's Lock call happened to block.
func selftestS5(ctx context.Context) error {
	const n = 3
	world := substrate.NewWorld(n)
	alloc := substrate.NewAllocator()

	var mu sync.Mutex
	var order []int
	errs := make([]error, n)
	ready := make(chan struct{}, n)
	release := make(chan struct{})

	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			comm := world.WorldComm(r)
			grp, err := group.NewWorld(ctx, comm)
			if err != nil {
				errs[r] = err
				return
			}
			mg, err := mutex.Create(ctx, alloc, grp, 1, mutex.Queue)
			if err != nil {
				errs[r] = err
				return
			}
			defer mg.Destroy(ctx)

			switch r {
			case 0:
				if err := mg.Lock(ctx, 0, 0); err != nil {
					errs[r] = err
					return
				}
				ready <- struct{}{}
				ready <- struct{}{}
				<-release
				if err := mg.Unlock(ctx, 0, 0); err != nil {
					errs[r] = err
					return
				}
			case 1:
				<-ready
				if err := mg.Lock(ctx, 0, 0); err != nil {
					errs[r] = err
					return
				}
				mu.Lock()
				order = append(order, 1)
				mu.Unlock()
				if err := mg.Unlock(ctx, 0, 0); err != nil {
					errs[r] = err
					return
				}
			case 2:
				<-ready
				// Publish rank 2's own request from a nested goroutine so this
				// one can still signal rank 0's release; the sleep gives the
				// nested Lock call, a synchronous in-memory put+flush, ample
				// time to set its flag before rank 0 unlocks.
				lockDone := make(chan error, 1)
				go func() { lockDone <- mg.Lock(ctx, 0, 0) }()
				time.Sleep(20 * time.Millisecond)
				release <- struct{}{}
				if err := <-lockDone; err != nil {
					errs[r] = err
					return
				}
				mu.Lock()
				order = append(order, 2)
				mu.Unlock()
				if err := mg.Unlock(ctx, 0, 0); err != nil {
					errs[r] = err
					return
				}
			}
		}(r)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		return fmt.Errorf("acquisition order %v, want [1 2]", order)
	}
	return nil
}

// selftestS6: 8 non-overlapping 128-byte segments put via the safe and
// datatype-gather dispatch paths produce byte-identical targets.
func selftestS6(ctx context.Context) error {
	world := substrate.NewWorld(2)
	alloc := substrate.NewAllocator()

	const segLen = 128
	const nseg = 8
	payload := make([][]byte, nseg)
	for i := range payload {
		payload[i] = make([]byte, segLen)
		for j := range payload[i] {
			payload[i][j] = byte(i*31 + j)
		}
	}

	var safeOut, dtypeOut []byte
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			comm := world.WorldComm(r)
			st, err := runtime.Init(ctx, alloc, comm)
			if err != nil {
				errs[r] = err
				return
			}
			defer st.Finalize(ctx)

			safeReg, err := st.Registry.Create(ctx, alloc, st.World, st.World, segLen*nseg, substrate.WindowHints{EpochsUsedLockAll: true}, st.Options.ShrBufMethod)
			if err != nil {
				errs[r] = err
				return
			}
			defer st.Registry.Destroy(ctx, safeReg, st.World)
			dtypeReg, err := st.Registry.Create(ctx, alloc, st.World, st.World, segLen*nseg, substrate.WindowHints{EpochsUsedLockAll: true}, st.Options.ShrBufMethod)
			if err != nil {
				errs[r] = err
				return
			}
			defer st.Registry.Destroy(ctx, dtypeReg, st.World)

			if err := collective.Barrier(ctx, st.World); err != nil {
				errs[r] = err
				return
			}
			if r == 0 {
				safeSegs := make([]rma.Segment, nseg)
				dtypeSegs := make([]rma.Segment, nseg)
				for i := 0; i < nseg; i++ {
					safeSegs[i] = rma.Segment{Src: payload[i], Dst: gmr.Addr(uintptr(safeReg.Slices[1].Base) + uintptr(i*segLen))}
					dtypeSegs[i] = rma.Segment{Src: payload[i], Dst: gmr.Addr(uintptr(dtypeReg.Slices[1].Base) + uintptr(i*segLen))}
				}
				if err := st.Engine.PutVector(ctx, safeSegs, 1, rma.IOVSafe, false); err != nil {
					errs[r] = err
					return
				}
				if err := st.Engine.PutVector(ctx, dtypeSegs, 1, rma.IOVDtype, false); err != nil {
					errs[r] = err
					return
				}
				if err := st.Engine.AllFence(ctx, safeReg); err != nil {
					errs[r] = err
					return
				}
				if err := st.Engine.AllFence(ctx, dtypeReg); err != nil {
					errs[r] = err
					return
				}
			}
			if err := collective.Barrier(ctx, st.World); err != nil {
				errs[r] = err
				return
			}
			if r == 1 {
				safeOut = append([]byte(nil), safeReg.LocalBuffer()...)
				dtypeOut = append([]byte(nil), dtypeReg.LocalBuffer()...)
			}
		}(r)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return bytesEqual(safeOut, dtypeOut)
}

func bytesEqual(got, want []byte) error {
	if len(got) != len(want) {
		return fmt.Errorf("length %d, want %d", len(got), len(want))
	}
	for i := range got {
		if got[i] != want[i] {
			return fmt.Errorf("byte %d: got 0x%02x, want 0x%02x", i, got[i], want[i])
		}
	}
	return nil
}
