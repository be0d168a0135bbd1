package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/cutoverd/cutover/internal/loadtest"
)

func main() {
	var cfg loadtest.Config

	flag.StringVar(&cfg.BaseURL, "base-url", "http://localhost:8080", "Cutover base URL")
	flag.StringVar(&cfg.JWTSecret, "jwt-secret", os.Getenv("JWT_SECRET"), "JWT secret (defaults to JWT_SECRET env var)")
	flag.StringVar(&cfg.ArtifactRef, "artifact", "app:latest", "Artifact reference to deploy")
	flag.StringVar(&cfg.Strategy, "strategy", "direct", "Deployment strategy")
	flag.StringVar(&cfg.Role, "role", "deployer", "JWT role claim")
	flag.IntVar(&cfg.Environments, "environments", 100, "Number of environments to target")
	flag.IntVar(&cfg.Concurrency, "concurrency", 100, "Number of concurrent workers")
	flag.StringVar(&cfg.EnvPrefix, "env-prefix", "env-", "Environment name prefix")
	flag.IntVar(&cfg.EnvStart, "env-start", 1, "First environment number")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", 20*time.Second, "HTTP request timeout")
	flag.BoolVar(&cfg.InsecureTLS, "insecure", false, "Skip TLS verification")
	flag.StringVar(&cfg.PhasesCSV, "phases", "deploy", "Comma-separated phases: deploy,list,environments")

	flag.Parse()

	if err := loadtest.Run(context.Background(), cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "loadtest error: %v\n", err)
		os.Exit(1)
	}
}
