package runtime

import (
	"context"
	"fmt"

	"github.com/cutoverd/cutover/internal/environment"
	"github.com/cutoverd/cutover/internal/registry"
)

// Strategy selects how new instances replace old ones in an environment.
type Strategy string

const (
	// StrategyDirect stops the old instances and then starts the new ones.
	StrategyDirect Strategy = "direct"
	// StrategyBlueGreen starts the new instances alongside the old ones and
	// only tears the old ones down after traffic has been shifted.
	StrategyBlueGreen Strategy = "blue-green"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyDirect, StrategyBlueGreen:
		return Strategy(s), nil
	case "":
		return StrategyDirect, nil
	default:
		return "", fmt.Errorf("unknown deployment strategy: %q", s)
	}
}

// Controller abstracts the runtime that hosts an environment's instances so
// the orchestration logic stays implementation-agnostic. The production
// implementation drives Ansible playbooks; tests use an in-memory fake.
//
// All calls are blocking, fallible remote operations. The orchestrator does
// not retry them internally.
type Controller interface {
	// Ping verifies the controller can reach the environment's hosts.
	Ping(ctx context.Context, env *environment.Environment) error

	// Snapshot captures the environment's current runtime state and returns
	// an opaque backup reference that Restore accepts.
	Snapshot(ctx context.Context, env *environment.Environment) (backupRef string, err error)

	// Apply rolls the resolved artifact out to the environment. For
	// StrategyBlueGreen the new instances start alongside the old ones; for
	// StrategyDirect the old instances are stopped first.
	Apply(ctx context.Context, env *environment.Environment, artifact *registry.ResolvedArtifact, strategy Strategy) error

	// ShiftTraffic points the environment's ingress at the newly started
	// instances. Blue-green only.
	ShiftTraffic(ctx context.Context, env *environment.Environment) error

	// StopOld tears down the instances that were serving before Apply.
	StopOld(ctx context.Context, env *environment.Environment) error

	// StopNew tears down instances started by the current Apply. Used on
	// rollback so a failed stack does not linger next to the restored one.
	StopNew(ctx context.Context, env *environment.Environment) error

	// Restore brings the environment back to the state captured in backupRef.
	Restore(ctx context.Context, env *environment.Environment, backupRef string) error
}
