package main

import (
	"os"

	"go.uber.org/zap"

	"github.com/cutoverd/cutover/cmd"
	"github.com/cutoverd/cutover/pkg/logger"
)

func main() {
	dev := os.Getenv("DEVELOPMENT")
	if dev == "true" {
		logger.Init(true)
	} else {
		logger.Init(false)
	}
	defer zap.L().Sync()
	cmd.Execute()
}
