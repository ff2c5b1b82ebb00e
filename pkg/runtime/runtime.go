// Package runtime implements process lifecycle: environment-option parsing,
// world-group creation, and registry teardown with leak reporting.
package runtime

import (
	"context"
	"log/slog"

	"github.com/ja7ad/gmr/pkg/gmr"
	"github.com/ja7ad/gmr/pkg/gmrerr"
	"github.com/ja7ad/gmr/pkg/group"
	"github.com/ja7ad/gmr/pkg/rma"
	"github.com/ja7ad/gmr/pkg/substrate"
)

// State is the process-wide runtime state: illegal to access before Init or
// after Finalize.
type State struct {
	Options Options

	World   *group.Group
	Default *group.Group

	Registry *gmr.Registry
	Engine   *rma.Engine

	initialized bool
}

// Init performs world-group creation and wires a fresh GMR registry and RMA
// engine, using opts parsed from the environment. Collective on comm.
func Init(ctx context.Context, alloc substrate.Allocator, comm substrate.Comm) (*State, error) {
	opts := ParseOptions()

	world, err := group.NewWorld(ctx, comm)
	if err != nil {
		return nil, gmrerr.Substrate("group.new_world", err)
	}

	registry := gmr.NewRegistry(opts.ThreadLevel == ThreadMultiple)
	engine := rma.NewEngine(registry, alloc, opts.ShrBufMethod, comm.Rank())
	engine.Atomicity = opts.RMAAtomicity
	engine.NoFlushLocal = opts.NoFlushLocal

	return &State{
		Options:     opts,
		World:       world,
		Default:     world,
		Registry:    registry,
		Engine:      engine,
		initialized: true,
	}, nil
}

// Initialized reports whether the state is between a successful Init and
// its matching Finalize.
func (s *State) Initialized() bool { return s.initialized }

func (s *State) requireInit() error {
	if !s.initialized {
		return gmrerr.ErrNotInitialized
	}
	return nil
}

// Finalize tears down the registry, freeing and counting any allocation the
// caller never explicitly destroyed, and logs a warning when it finds any.
func (s *State) Finalize(ctx context.Context) (leaked int, err error) {
	if err := s.requireInit(); err != nil {
		return 0, err
	}
	leaked = s.Registry.DestroyAll(ctx)
	if leaked > 0 {
		slog.Warn("gmr: finalize freed leaked allocations", "count", leaked)
	}
	s.initialized = false
	return leaked, nil
}
