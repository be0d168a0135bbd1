package cmd

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/cutoverd/cutover/pkg/config"
)

var rootCmd = &cobra.Command{
	Use:   "cutover",
	Short: "Cutover deployment orchestrator",
	Long:  "Cutover is a deployment orchestrator with health-gated promotion and automatic rollback. It rolls artifacts out to environments over Ansible, verifies them against their health endpoint, and restores the pre-deployment backup when verification fails.",
}

var cfgFile string

var (
	lastReload time.Time
	reloadMu   sync.Mutex
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "An error occurred: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.AddCommand(serveCmd)
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	if cfgFile == "" {
		zap.S().Warn("No config file specified, using built-in defaults")
		if err := config.LoadDefaults(); err != nil {
			zap.S().Fatalf("Error loading default config: %v", err)
		}
		return
	}

	viper.SetConfigFile(cfgFile)
	viper.SetConfigType("yaml")

	viper.SetDefault("orchestrator.health_check_timeout", "5s")
	viper.SetDefault("orchestrator.health_check_max_retries", 10)
	viper.SetDefault("orchestrator.health_check_retry_delay", "3s")
	viper.SetDefault("orchestrator.health_check_backoff", "fixed")
	viper.SetDefault("orchestrator.post_cutover_grace", "15s")
	viper.SetDefault("orchestrator.attempt_timeout", "15m")
	viper.SetDefault("orchestrator.num_workers", 4)

	if err := viper.ReadInConfig(); err != nil {
		zap.S().Fatalf("Error reading config file: %v", err)
	}

	if err := config.Load(); err != nil {
		zap.S().Fatalf("Error loading config: %v", err)
	}

	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		handleConfigChange(e.Name)
	})
}

func handleConfigChange(filename string) {
	reloadMu.Lock()
	defer reloadMu.Unlock()

	if time.Since(lastReload) < 500*time.Millisecond {
		return // ignore duplicate events
	}
	lastReload = time.Now()
	zap.S().Infof("Config file %s changed", filename)

	if err := config.Reload(); err != nil {
		zap.S().Errorf("Error reloading config: %v", err)
		return
	}
	zap.S().Info("Config reloaded successfully")
}
