package ansible

import (
	"bytes"
	"maps"
	"path"

	"github.com/apenella/go-ansible/v2/pkg/execute"
	"github.com/apenella/go-ansible/v2/pkg/execute/configuration"
	jsonresults "github.com/apenella/go-ansible/v2/pkg/execute/result/json"
	"github.com/apenella/go-ansible/v2/pkg/execute/result/transformer"
	"github.com/apenella/go-ansible/v2/pkg/playbook"

	"github.com/cutoverd/cutover/internal/environment"
	"github.com/cutoverd/cutover/pkg/config"
)

// PreparePlaybook builds an executor for one orchestration operation against
// env. The tag selects the play ("ping", "snapshot", "deploy", "shift",
// "stop_old", "stop_new", "restore"); extraVars carries operation-specific
// variables such as the pinned image or the backup reference.
func PreparePlaybook(conf *config.Config, tag string, env *environment.Environment, extraVars map[string]interface{}) (execute.Executor, *bytes.Buffer) {
	playbookOpts := &playbook.AnsiblePlaybookOptions{
		ExtraVars: map[string]interface{}{
			"ansible_python_interpreter": "/usr/bin/python3",
			"deprecation_warnings":       "False",
			"environment_name":           env.Name,
		},
		Inventory:   conf.Orchestrator.Ansible.Inventory,
		Connection:  "ssh",
		PrivateKey:  conf.Orchestrator.Ansible.PrivateKey,
		User:        conf.Orchestrator.Ansible.User,
		VerboseVVVV: true,
		Tags:        tag,
	}
	maps.Copy(playbookOpts.ExtraVars, env.DeployParameters)
	maps.Copy(playbookOpts.ExtraVars, conf.Orchestrator.ExtraDeployParameters)
	maps.Copy(playbookOpts.ExtraVars, extraVars)

	pbCmd := playbook.NewAnsiblePlaybookCmd(
		playbook.WithPlaybooks(path.Join(conf.Orchestrator.AnsibleDir, env.PlaybookName+".yaml")),
		playbook.WithPlaybookOptions(playbookOpts),
	)

	resultsBuff := bytes.NewBuffer([]byte{})

	defaultExecutor := execute.NewDefaultExecute(
		execute.WithCmd(pbCmd),
		execute.WithErrorEnrich(playbook.NewAnsiblePlaybookErrorEnrich()),
		execute.WithWrite(resultsBuff),
		execute.WithTransformers(
			transformer.Prepend("ansible-playbook"),
		),
	)
	defaultExecutor.Quiet()
	defaultExecutor.WithOutput(jsonresults.NewJSONStdoutCallbackResults())
	executor := configuration.NewAnsibleWithConfigurationSettingsExecute(
		defaultExecutor,
		configuration.WithAnsibleStdoutCallback("json"),
		configuration.WithoutAnsibleDeprecationWarnings(),
	)
	return executor, resultsBuff
}
