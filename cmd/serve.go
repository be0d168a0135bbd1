package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo-contrib/echoprometheus"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cutoverd/cutover/internal/ansible"
	"github.com/cutoverd/cutover/internal/auth"
	"github.com/cutoverd/cutover/internal/environment"
	"github.com/cutoverd/cutover/internal/orchestrator"
	"github.com/cutoverd/cutover/internal/probe"
	"github.com/cutoverd/cutover/internal/registry"
	"github.com/cutoverd/cutover/internal/retry"
	server "github.com/cutoverd/cutover/pkg"
	"github.com/cutoverd/cutover/pkg/api"
	"github.com/cutoverd/cutover/pkg/config"
	"github.com/cutoverd/cutover/pkg/metrics"
	"github.com/cutoverd/cutover/pkg/models"
	"github.com/cutoverd/cutover/pkg/scheduler"
	"github.com/cutoverd/cutover/pkg/utils"
	"github.com/cutoverd/cutover/pkg/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve [port]",
	Short: "Start the Cutover server",
	Long:  "Starts the Cutover server to handle deployment requests against the configured environments.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		portStr := args[0]
		if !validatePort(portStr) {
			fmt.Fprintf(os.Stderr, "Invalid port: %s\n", portStr)
			os.Exit(1)
		}

		e := echo.New()
		e.HideBanner = true
		e.HidePort = true

		skipper := func(c echo.Context) bool {
			// Skip health check endpoint
			return c.Request().URL.Path == "/health"
		}
		e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
			LogStatus:   true,
			LogMethod:   true,
			LogRemoteIP: true,
			LogURI:      true,
			Skipper:     skipper,
			LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
				zap.S().Infof("| %v | %v | %v | %v", v.RemoteIP, v.Method, v.URI, v.Status)
				return nil
			},
		}))
		e.Use(middleware.CORS())

		e.Use(echoprometheus.NewMiddleware("cutover"))
		e.GET("/metrics", echoprometheus.NewHandler())
		cfg := config.Get()

		// JWT secret strictly from env takes precedence over the config file
		jwtSecret := os.Getenv("JWT_SECRET")
		if jwtSecret == "" {
			jwtSecret = cfg.Auth.JWTSecret
		}
		if jwtSecret == "" {
			zap.S().Fatal("JWT_SECRET is required")
		}

		ansiblePath := os.Getenv("ANSIBLE_PATH")
		if ansiblePath == "" {
			ansiblePath = cfg.Orchestrator.AnsibleDir
		}
		if ansiblePath == "" {
			zap.S().Fatal("ANSIBLE_PATH is required")
		}

		jwtConfig := echojwt.Config{
			NewClaimsFunc: func(c echo.Context) jwt.Claims {
				return new(auth.Claims)
			},
			SigningKey: []byte(jwtSecret),
			Skipper: func(c echo.Context) bool {
				return c.Path() == "/health" || c.Path() == "/metrics"
			},
		}
		e.Use(echojwt.WithConfig(jwtConfig))
		if err := registerSSHHosts(); err != nil {
			zap.S().Fatalf("Failed to register SSH hosts: %v", err)
		}

		db, err := server.InitDB(cfg.Orchestrator.DBPath)
		if err != nil {
			zap.S().Fatalf("Failed to initialize database: %v", err)
		}

		// Attempts left open by a previous process cannot be resumed. Their
		// rows keep the backup reference for manual recovery.
		orphaned, err := models.FailOrphanedAttempts(db)
		if err != nil {
			zap.S().Fatalf("Failed to fail orphaned attempts: %v", err)
		}
		if orphaned > 0 {
			zap.S().Warnf("Marked %d orphaned attempts as failed", orphaned)
		}

		envIdx, err := environment.NewIndex(cfg.Orchestrator.EnvironmentDir)
		if err != nil {
			zap.S().Fatalf("Failed to build environment index: %v", err)
		}
		zap.S().Infof("Indexed %d environments, attempt timeout %s", len(envIdx.GetAll()), utils.FormatDuration(cfg.Orchestrator.AttemptTimeout))

		queue, err := worker.NewQueue(worker.QueueConfig{
			Addr:     cfg.Orchestrator.Redis.Addr,
			Password: cfg.Orchestrator.Redis.Password,
			DB:       cfg.Orchestrator.Redis.DB,
		}, zap.S())
		if err != nil {
			zap.S().Fatalf("Failed to connect to job queue: %v", err)
		}

		prometheus.MustRegister(metrics.NewAttemptCollector(db))
		prometheus.MustRegister(metrics.NewQueueCollector(queue))

		confProv := config.GlobalProvider{}
		controller := &ansible.Controller{ConfProv: confProv}

		var source registry.Source
		if cfg.Orchestrator.RegistryHost == "" {
			source = registry.StaticResolver{}
		} else {
			source = &registry.OCIResolver{DefaultRegistry: cfg.Orchestrator.RegistryHost}
		}

		checks := make([]orchestrator.Check, 0)
		for _, name := range cfg.Orchestrator.PreDeployChecks {
			switch name {
			case "controller":
				checks = append(checks, orchestrator.ControllerReachableCheck(controller))
			case "queue":
				checks = append(checks, orchestrator.DependencyReachableCheck("queue", queue.Ping))
			default:
				zap.S().Fatalf("Unknown pre-deploy check: %s", name)
			}
		}

		var healthPolicy retry.Policy
		switch cfg.Orchestrator.HealthCheckBackoff {
		case "", "fixed":
			// Left nil so the orchestrator rebuilds it from live config each run.
		case "exponential":
			healthPolicy = retry.Exponential{
				Attempts: cfg.Orchestrator.HealthCheckMaxRetries,
				Base:     cfg.Orchestrator.HealthCheckRetryDelay,
				Cap:      30 * time.Second,
			}
		default:
			zap.S().Fatalf("Unknown health check backoff: %s", cfg.Orchestrator.HealthCheckBackoff)
		}

		orch := orchestrator.New(orchestrator.Opts{
			DB:             db,
			Environments:   envIdx,
			Source:         source,
			Controller:     controller,
			Prober:         &probe.HTTPProber{},
			ConfigProvider: confProv,
			Checks:         checks,
			HealthPolicy:   healthPolicy,
		})

		sched := scheduler.NewDeadlineScheduler(db, orch, zap.S())

		srv := server.NewServerWithOpts(server.ServerOpts{
			DB:                 db,
			EnvironmentIndexer: envIdx,
			ConfigProvider:     confProv,
			Orchestration:      orch,
			Enqueuer:           queue,
			DeadlineScheduler:  sched,
		})
		api.RegisterHandlers(e, srv)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv.StartScheduler(ctx, sched)

		pool := worker.NewPool(worker.PoolConfig{
			NumWorkers: cfg.Orchestrator.NumWorkers,
			Queue:      queue,
			Runner:     orch,
			Logger:     zap.S(),
		})
		pool.Start(ctx)

		go func() {
			zap.S().Infof("Starting server on port %s", portStr)
			if err := e.Start(":" + portStr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zap.S().Fatalf("shutting down the server: %v", err)
			}
		}()
		// Wait for interrupt signal to gracefully shut down the server
		<-ctx.Done()
		zap.S().Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			zap.S().Fatalf("Failed to shutdown server: %v", err)
		}
		pool.Stop()
		if err := srv.Wait(shutdownCtx); err != nil {
			zap.S().Fatalf("Failed to wait for server shutdown: %v", err)
		}
		if err := queue.Close(); err != nil {
			zap.S().Errorf("Failed to close queue: %v", err)
		}
	},
}

func validatePort(port string) bool {
	if port == "" {
		return false
	}
	portInt, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	if portInt < 1 || portInt > 65535 {
		return false
	}
	return true
}

func registerSSHHosts() error {
	// Parse SSH hosts from config and register them using ssh package
	cfg := config.Get()
	hosts := strings.Split(strings.Trim(cfg.Orchestrator.Ansible.Inventory, ","), ",")
	home, _ := os.UserHomeDir()
	knownHostsPath := filepath.Join(home, ".ssh/known_hosts")

	for _, host := range hosts {
		if host == "" {
			continue
		}
		cmd := exec.Command("ssh-keygen", "-F", host, "-f", knownHostsPath)
		err := cmd.Run()
		if err == nil {
			// Host already exists in known_hosts
			zap.S().Infof("SSH host %s already registered", host)
			continue
		}

		zap.S().Infof("Registering SSH host %s", host)
		cmd = exec.Command("ssh-keyscan", "-H", host)
		output, err := cmd.Output()
		if err != nil {
			return fmt.Errorf("keyscan %s: %w", host, err)
		}

		f, err := os.OpenFile(knownHostsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return err
		}
		f.Write(output)
		f.Close()
	}

	return nil
}
