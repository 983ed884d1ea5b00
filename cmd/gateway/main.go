// Package main is the entry point for the resource gateway.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/nexusgate/resource-gateway/cmd/gateway/app"
	"github.com/nexusgate/resource-gateway/pkg/logger"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		logger.Errorf("error executing command: %v", err)
		os.Exit(1)
	}
}
