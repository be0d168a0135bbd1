package ansible

import (
	"bytes"
	"context"
	"fmt"

	results "github.com/apenella/go-ansible/v2/pkg/execute/result/json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cutoverd/cutover/internal/docker"
	"github.com/cutoverd/cutover/internal/environment"
	"github.com/cutoverd/cutover/internal/registry"
	"github.com/cutoverd/cutover/internal/runtime"
	"github.com/cutoverd/cutover/pkg/config"
)

// Controller is the production runtime.Controller. Every operation is one
// tagged playbook run against the environment's hosts; the playbook owns the
// docker compose mechanics, this type owns variable wiring and result
// handling. Operations are executed exactly once; retries and rollback are
// the orchestrator's business.
type Controller struct {
	ConfProv config.Provider
}

var _ runtime.Controller = (*Controller)(nil)

func (c *Controller) Ping(ctx context.Context, env *environment.Environment) error {
	return c.run(ctx, "ping", env, nil, nil)
}

func (c *Controller) Snapshot(ctx context.Context, env *environment.Environment) (string, error) {
	// The reference is minted here and handed to the playbook, so the
	// orchestrator can persist it before any snapshot bytes exist remotely.
	backupRef := "backup-" + env.Name + "-" + uuid.NewString()
	err := c.run(ctx, "snapshot", env, map[string]interface{}{
		"backup_ref": backupRef,
	}, nil)
	if err != nil {
		return "", err
	}
	return backupRef, nil
}

func (c *Controller) Apply(ctx context.Context, env *environment.Environment, artifact *registry.ResolvedArtifact, strategy runtime.Strategy) error {
	color := ""
	if strategy == runtime.StrategyBlueGreen {
		color = "green"
	}
	vars := map[string]interface{}{
		"image":            artifact.Image,
		"strategy":         string(strategy),
		"compose_project":  docker.BuildComposeProject(env.Name, color),
		"previous_project": docker.BuildComposeProject(env.Name, previousColor(strategy)),
	}

	var containers []ContainerInfo
	if err := c.run(ctx, "deploy", env, vars, &containers); err != nil {
		return err
	}
	if endpoints := DescribeEndpoints(containers, env.Name); endpoints != "" {
		zap.S().Infof("Environment %s new instances reachable at: %s", env.Name, endpoints)
	}
	return nil
}

func (c *Controller) ShiftTraffic(ctx context.Context, env *environment.Environment) error {
	return c.run(ctx, "shift", env, map[string]interface{}{
		"compose_project": docker.BuildComposeProject(env.Name, "green"),
	}, nil)
}

func (c *Controller) StopOld(ctx context.Context, env *environment.Environment) error {
	return c.run(ctx, "stop_old", env, map[string]interface{}{
		"compose_project": docker.BuildComposeProject(env.Name, "blue"),
	}, nil)
}

func (c *Controller) StopNew(ctx context.Context, env *environment.Environment) error {
	return c.run(ctx, "stop_new", env, map[string]interface{}{
		"compose_project": docker.BuildComposeProject(env.Name, "green"),
	}, nil)
}

func (c *Controller) Restore(ctx context.Context, env *environment.Environment, backupRef string) error {
	return c.run(ctx, "restore", env, map[string]interface{}{
		"backup_ref":      backupRef,
		"compose_project": docker.BuildComposeProject(env.Name, ""),
	}, nil)
}

// run executes one tagged play. When containers is non-nil the compose task
// results are parsed into it.
func (c *Controller) run(ctx context.Context, tag string, env *environment.Environment, extraVars map[string]interface{}, containers *[]ContainerInfo) error {
	conf := c.ConfProv.GetConfig()
	executor, resultsBuff := PreparePlaybook(conf, tag, env, extraVars)

	if err := executor.Execute(ctx); err != nil {
		output := resultsBuff.String()
		resultsBuff.Reset()
		logAnsibleErrorFromString(output, tag, err)
		return fmt.Errorf("ansible %s failed for environment %s: %w", tag, env.Name, err)
	}

	if containers != nil {
		parsed, err := ExtractContainerInfo(resultsBuff)
		resultsBuff.Reset()
		if err != nil {
			// The deploy itself succeeded; endpoint discovery is best effort.
			zap.S().Warnf("Failed to extract container info for %s: %v", env.Name, err)
			return nil
		}
		*containers = parsed
		return nil
	}

	resultsBuff.Reset()
	return nil
}

func previousColor(strategy runtime.Strategy) string {
	if strategy == runtime.StrategyBlueGreen {
		return "blue"
	}
	return ""
}

// logAnsibleErrorFromString logs Ansible errors from a string (used when the buffer is already converted)
func logAnsibleErrorFromString(output string, operation string, execErr error) {
	zap.S().Errorf("Ansible %s failed: %v", operation, execErr)
	res, err := results.ParseJSONResultsStream(bytes.NewBufferString(output))
	if err != nil {
		zap.S().Errorf("Failed to parse Ansible results: %v", err)
		return
	}
	errString := res.String()
	res = nil // Help GC
	zap.S().Errorf("Ansible %s fail reason: %s", operation, errString)
}
