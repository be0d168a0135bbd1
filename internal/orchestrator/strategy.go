package orchestrator

import (
	"context"
	"time"

	"github.com/cutoverd/cutover/internal/environment"
	"github.com/cutoverd/cutover/internal/registry"
	"github.com/cutoverd/cutover/internal/runtime"
)

// strategyExecutor is the strategy-specific slice of an attempt. The state
// machine stays identical across strategies; only how instances are started,
// promoted, and torn down differs.
type strategyExecutor interface {
	Name() string

	// Deploy starts the new instances. Runs in the deploying phase.
	Deploy(ctx context.Context, c runtime.Controller, env *environment.Environment, artifact *registry.ResolvedArtifact) error

	// NeedsCutover reports whether promotion is a distinct observable phase.
	NeedsCutover() bool

	// Promote makes the healthy new instances the serving ones. Runs after
	// health verification has passed.
	Promote(ctx context.Context, c runtime.Controller, env *environment.Environment, grace time.Duration) error

	// Teardown stops instances started by Deploy. Runs on the rollback path
	// before the restore, so a failed stack never lingers next to the
	// restored one.
	Teardown(ctx context.Context, c runtime.Controller, env *environment.Environment) error
}

func newStrategyExecutor(s runtime.Strategy) strategyExecutor {
	if s == runtime.StrategyBlueGreen {
		return blueGreenExecutor{}
	}
	return directExecutor{}
}

// directExecutor stops the old instances and starts the new ones in place.
// There is no separate cutover: once the new instances are healthy they are
// already serving.
type directExecutor struct{}

func (directExecutor) Name() string { return string(runtime.StrategyDirect) }

func (directExecutor) Deploy(ctx context.Context, c runtime.Controller, env *environment.Environment, artifact *registry.ResolvedArtifact) error {
	return c.Apply(ctx, env, artifact, runtime.StrategyDirect)
}

func (directExecutor) NeedsCutover() bool { return false }

func (directExecutor) Promote(context.Context, runtime.Controller, *environment.Environment, time.Duration) error {
	return nil
}

func (directExecutor) Teardown(context.Context, runtime.Controller, *environment.Environment) error {
	// The restore replaces the stack in place; nothing extra to stop.
	return nil
}

// blueGreenExecutor starts the new instances alongside the old ones, shifts
// traffic once they are healthy, waits out the grace period, and only then
// stops the old instances.
type blueGreenExecutor struct{}

func (blueGreenExecutor) Name() string { return string(runtime.StrategyBlueGreen) }

func (blueGreenExecutor) Deploy(ctx context.Context, c runtime.Controller, env *environment.Environment, artifact *registry.ResolvedArtifact) error {
	return c.Apply(ctx, env, artifact, runtime.StrategyBlueGreen)
}

func (blueGreenExecutor) NeedsCutover() bool { return true }

func (blueGreenExecutor) Promote(ctx context.Context, c runtime.Controller, env *environment.Environment, grace time.Duration) error {
	if err := c.ShiftTraffic(ctx, env); err != nil {
		return err
	}
	if grace > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(grace):
		}
	}
	return c.StopOld(ctx, env)
}

func (blueGreenExecutor) Teardown(ctx context.Context, c runtime.Controller, env *environment.Environment) error {
	return c.StopNew(ctx, env)
}
