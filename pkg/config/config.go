package config

import (
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Provider is the interface for obtaining configuration.
// Consumers should depend on this interface rather than calling the global Get() directly.
type Provider interface {
	GetConfig() *Config
}

// GlobalProvider implements Provider using the package-level singleton.
type GlobalProvider struct{}

func (GlobalProvider) GetConfig() *Config { return Get() }

// StaticProvider implements Provider with a fixed config value, useful for testing.
type StaticProvider struct {
	Cfg *Config
}

func (p *StaticProvider) GetConfig() *Config { return p.Cfg }

type Config struct {
	Auth         AuthConfig         `mapstructure:"auth"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type OrchestratorConfig struct {
	Ansible               AnsibleConfig          `mapstructure:"ansible"`                 // Ansible connection settings for the runtime controller
	ExtraDeployParameters map[string]interface{} `mapstructure:"extra_deploy_parameters"` // Extra variables passed to every playbook run
	AnsibleDir            string                 `mapstructure:"ansible_dir"`             // Directory where Ansible playbooks are located
	EnvironmentDir        string                 `mapstructure:"environment_dir"`         // Directory where environment definitions are stored
	DBPath                string                 `mapstructure:"db_path"`                 // Path to the database file
	RegistryHost          string                 `mapstructure:"registry_host"`           // OCI registry used to resolve artifact tags to digests

	HealthCheckTimeout    time.Duration `mapstructure:"health_check_timeout,omitempty"`     // Per-probe timeout
	HealthCheckMaxRetries int           `mapstructure:"health_check_max_retries,omitempty"` // Probes before declaring failure
	HealthCheckRetryDelay time.Duration `mapstructure:"health_check_retry_delay,omitempty"` // Delay between probes
	HealthCheckBackoff    string        `mapstructure:"health_check_backoff,omitempty"`     // "fixed" (default) or "exponential"
	PostCutoverGrace      time.Duration `mapstructure:"post_cutover_grace,omitempty"`       // Wait after traffic shift before stopping old instances
	AttemptTimeout        time.Duration `mapstructure:"attempt_timeout,omitempty"`          // Hard deadline for a whole attempt
	PreDeployChecks       []string      `mapstructure:"pre_deploy_checks,omitempty"`        // Names of checks that must pass before mutation

	Redis      RedisConfig `mapstructure:"redis"`                 // Redis configuration for job queue
	NumWorkers int         `mapstructure:"num_workers,omitempty"` // Number of deploy workers (default: 4)
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`     // Redis address (e.g., "localhost:6379")
	Password string `mapstructure:"password"` // Redis password (optional)
	DB       int    `mapstructure:"db"`       // Redis database number (default: 0)
}

type AnsibleConfig struct {
	Inventory  string `mapstructure:"inventory"`   // List of hosts or path to inventory file, e.g., "deployer_host,1.2.3.4,"
	PrivateKey string `mapstructure:"private_key"` // Path to the private key for SSH access
	User       string `mapstructure:"user"`        // SSH user
}

var (
	current *Config
	mu      sync.RWMutex
)

func Load() error {
	zap.S().Infof("Loading config from %s", viper.ConfigFileUsed())
	mu.Lock()
	defer mu.Unlock()

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return err
	}
	zap.S().Info("Config loaded successfully")
	current = cfg
	return nil
}

func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func Reload() error {
	return Load()
}

func LoadDefaults() error {
	mu.Lock()
	defer mu.Unlock()

	current = &Config{
		Auth: AuthConfig{
			JWTSecret: "defaultsecret",
		},
		Orchestrator: OrchestratorConfig{
			AnsibleDir:            "/opt/ansible",
			HealthCheckTimeout:    5 * time.Second,
			HealthCheckMaxRetries: 10,
			HealthCheckRetryDelay: 3 * time.Second,
			HealthCheckBackoff:    "fixed",
			PostCutoverGrace:      15 * time.Second,
			AttemptTimeout:        15 * time.Minute,
			NumWorkers:            4,
		},
	}
	return nil
}
