package environment

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	yaml "github.com/oasdiff/yaml3"
	"go.uber.org/zap"

	"github.com/cutoverd/cutover/pkg/metrics"
)

// Indexer is the interface for looking up and managing deployment environments.
// Consumers should depend on this interface rather than the concrete Index.
type Indexer interface {
	Get(name string) (*Environment, error)
	GetAll() []*Environment
	BuildIndex(baseDir string) error
}

// Compile-time check that Index implements Indexer.
var _ Indexer = (*Index)(nil)

type Index struct {
	mu   sync.RWMutex
	envs map[string]*Environment
}

// Environment is one deployment target, declared in an environment.yaml file.
// An orchestration run mutates exactly one Environment at a time.
type Environment struct {
	Name             string                 `yaml:"name"`
	Type             string                 `yaml:"type"`
	PlaybookName     string                 `yaml:"playbook_name"`
	HealthEndpoint   string                 `yaml:"health_endpoint"`
	Protected        bool                   `yaml:"protected"`
	DeployParameters map[string]interface{} `yaml:"deploy_parameters"`
}

func NewIndex(baseDir string) (*Index, error) {
	idx := &Index{
		envs: make(map[string]*Environment),
	}
	err := idx.BuildIndex(baseDir)
	if err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *Index) BuildIndex(baseDir string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.envs = make(map[string]*Environment)
	err := filepath.WalkDir(baseDir, func(path string, d fs.DirEntry, err error) error {
		if d.IsDir() && (d.Name() == ".git" || d.Name() == "node_modules" || d.Name() == "example") {
			return filepath.SkipDir
		}
		if err != nil || d.IsDir() || (d.Name() != "environment.yml" && d.Name() != "environment.yaml") {
			return err
		}
		env, err := parseEnvironment(path)
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if env.Type != "cutover" {
			return filepath.SkipDir
		}
		idx.envs[env.Name] = env
		zap.S().Infof("Registered environment: %s", env.Name)

		return filepath.SkipDir
	})
	if err != nil {
		return err
	}
	metrics.EnvironmentsIndexed.Set(float64(len(idx.envs)))
	return nil
}

func (idx *Index) Get(name string) (*Environment, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	env, ok := idx.envs[name]
	if !ok {
		return nil, fmt.Errorf("environment not found: %s", name)
	}
	return env, nil
}

func (idx *Index) GetAll() []*Environment {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	envs := make([]*Environment, 0, len(idx.envs))
	for _, env := range idx.envs {
		envs = append(envs, env)
	}
	return envs
}

func parseEnvironment(envFilePath string) (*Environment, error) {
	data, err := os.ReadFile(envFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read environment file: %w", err)
	}
	var env Environment
	err = yaml.Unmarshal(data, &env)
	if err != nil {
		return nil, fmt.Errorf("failed to parse environment file: %w", err)
	}
	if env.Name == "" {
		return nil, fmt.Errorf("environment file %s has no name", envFilePath)
	}
	if env.HealthEndpoint == "" {
		return nil, fmt.Errorf("environment %s has no health_endpoint", env.Name)
	}
	if env.PlaybookName == "" {
		env.PlaybookName = env.Name
	}
	return &env, nil
}
