package orchestrator

import (
	"context"
	"fmt"

	"github.com/cutoverd/cutover/internal/environment"
	"github.com/cutoverd/cutover/internal/runtime"
)

// Check is a predicate that must pass before an attempt may start mutating an
// environment. An empty check set passes trivially.
type Check interface {
	Name() string
	Run(ctx context.Context, env *environment.Environment) error
}

// CheckFunc adapts a function to the Check interface.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context, env *environment.Environment) error
}

func (c CheckFunc) Name() string { return c.CheckName }

func (c CheckFunc) Run(ctx context.Context, env *environment.Environment) error {
	return c.Fn(ctx, env)
}

// ControllerReachableCheck verifies the runtime controller can reach the
// environment's hosts before anything is touched.
func ControllerReachableCheck(c runtime.Controller) Check {
	return CheckFunc{
		CheckName: "controller-reachable",
		Fn: func(ctx context.Context, env *environment.Environment) error {
			return c.Ping(ctx, env)
		},
	}
}

// Pinger is the slice of a client needed for a reachability check. It is
// satisfied by *redis.Client's Ping(...).Err() via a small closure in the
// serve command.
type Pinger func(ctx context.Context) error

// DependencyReachableCheck verifies a named external dependency answers a
// ping, e.g. the job queue or a datastore the release needs.
func DependencyReachableCheck(name string, ping Pinger) Check {
	return CheckFunc{
		CheckName: name + "-reachable",
		Fn: func(ctx context.Context, _ *environment.Environment) error {
			if err := ping(ctx); err != nil {
				return fmt.Errorf("%s unreachable: %w", name, err)
			}
			return nil
		},
	}
}
