package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/ja7ad/gmr/pkg/accscale"
	"github.com/ja7ad/gmr/pkg/collective"
	"github.com/ja7ad/gmr/pkg/runtime"
	"github.com/ja7ad/gmr/pkg/substrate"
)

func newRunCmd() *cobra.Command {
	var peers int
	var bench string
	var iters int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a small in-process demo over the mock substrate",
		Long: `run starts peers simulated peers as goroutines sharing one process's
address space, wires each one up through runtime.Init the way a real gmr
process would, and exercises a small accumulate-based demo: every peer
adds (rank+1) into every peer's single counter cell (its own included), and the final
counters are checked against the expected sum.

With --bench pingpong, run instead times iters put+get round trips between
rank 0 and rank 1 (peers must be exactly 2).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch bench {
			case "":
				if peers < 2 {
					return fmt.Errorf("run: --peers must be >= 2")
				}
				return runDemo(cmd.Context(), peers)
			case "pingpong":
				if peers != 2 {
					return fmt.Errorf("run: --bench pingpong requires --peers 2")
				}
				return runPingPong(cmd.Context(), iters)
			default:
				return fmt.Errorf("run: unknown --bench %q (want pingpong)", bench)
			}
		},
	}

	cmd.Flags().IntVar(&peers, "peers", 4, "number of simulated peers")
	cmd.Flags().StringVar(&bench, "bench", "", "benchmark to run instead of the default demo (pingpong)")
	cmd.Flags().IntVar(&iters, "iters", 1000, "round trips to run for --bench pingpong")
	return cmd
}

// runDemo has every rank accumulate (rank+1) into every peer's single int32
// counter cell, then checks each peer's final counter against the expected
// triangular sum.
func runDemo(ctx context.Context, n int) error {
	world := substrate.NewWorld(n)
	alloc := substrate.NewAllocator()

	sums := make([]int32, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			errs[r] = demoRank(ctx, world, alloc, r, n, sums)
		}(r)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	expected := int32(0)
	for r := 0; r < n; r++ {
		expected += int32(r + 1)
	}
	for r, got := range sums {
		status := "ok"
		if got != expected {
			status = "MISMATCH"
		}
		fmt.Printf("rank %d: accumulated sum=%d expected=%d [%s]\n", r, got, expected, status)
	}
	return nil
}

func demoRank(ctx context.Context, world *substrate.World, alloc substrate.Allocator, rank, n int, sums []int32) error {
	comm := world.WorldComm(rank)
	st, err := runtime.Init(ctx, alloc, comm)
	if err != nil {
		return err
	}
	defer st.Finalize(ctx)

	mreg, err := st.Registry.Create(ctx, alloc, st.World, st.World, 4, substrate.WindowHints{EpochsUsedLockAll: true, SameDispUnit: true}, st.Options.ShrBufMethod)
	if err != nil {
		return err
	}
	defer st.Registry.Destroy(ctx, mreg, st.World)

	if err := collective.Barrier(ctx, st.World); err != nil {
		return err
	}

	contrib := make([]byte, 4)
	binary.LittleEndian.PutUint32(contrib, uint32(rank+1))
	for target := 0; target < n; target++ {
		dst := mreg.Slices[target].Base
		if err := st.Engine.Acc(ctx, accscale.Int32, accscale.Identity, substrate.Sum, contrib, dst, target); err != nil {
			return err
		}
	}
	if err := st.Engine.AllFence(ctx, mreg); err != nil {
		return err
	}
	if err := collective.Barrier(ctx, st.World); err != nil {
		return err
	}

	out := make([]byte, 4)
	if err := st.Engine.Get(ctx, mreg.Slices[rank].Base, out, rank); err != nil {
		return err
	}
	sums[rank] = int32(binary.LittleEndian.Uint32(out))
	return nil
}

// runPingPong times iters put+get round trips between rank 0 and rank 1.
func runPingPong(ctx context.Context, iters int) error {
	world := substrate.NewWorld(2)
	alloc := substrate.NewAllocator()

	var elapsed time.Duration
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			d, err := pingPongRank(ctx, world, alloc, r, iters)
			errs[r] = err
			if r == 0 {
				elapsed = d
			}
		}(r)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	fmt.Printf("pingpong: %d round trips between rank 0 and rank 1\n", iters)
	fmt.Printf("total=%s avg=%s/round-trip\n", elapsed, elapsed/time.Duration(iters))
	return nil
}

func pingPongRank(ctx context.Context, world *substrate.World, alloc substrate.Allocator, rank, iters int) (time.Duration, error) {
	comm := world.WorldComm(rank)
	st, err := runtime.Init(ctx, alloc, comm)
	if err != nil {
		return 0, err
	}
	defer st.Finalize(ctx)

	mreg, err := st.Registry.Create(ctx, alloc, st.World, st.World, 8, substrate.WindowHints{EpochsUsedLockAll: true}, st.Options.ShrBufMethod)
	if err != nil {
		return 0, err
	}
	defer st.Registry.Destroy(ctx, mreg, st.World)

	if err := collective.Barrier(ctx, st.World); err != nil {
		return 0, err
	}

	other := 1 - rank
	target := mreg.Slices[other].Base
	buf := make([]byte, 8)

	start := time.Now()
	for i := 0; i < iters; i++ {
		binary.LittleEndian.PutUint64(buf, uint64(i))
		if err := st.Engine.Put(ctx, buf, target, other); err != nil {
			return 0, err
		}
		if err := st.Engine.Get(ctx, target, buf, other); err != nil {
			return 0, err
		}
	}
	elapsed := time.Since(start)

	if err := collective.Barrier(ctx, st.World); err != nil {
		return 0, err
	}
	return elapsed, nil
}
