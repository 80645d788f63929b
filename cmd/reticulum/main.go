package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"reticulum/internal/cli"
	"reticulum/internal/config"
	"reticulum/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "reticulum:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.Setup(cfg)
	if err != nil {
		return err
	}

	app, err := cli.NewApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Warn("failed to close store", "error", err)
		}
	}()

	return cli.NewRootCmd(cli.NewRoot(app)).ExecuteContext(ctx)
}
