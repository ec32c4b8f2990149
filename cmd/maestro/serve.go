package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/substratelabs/maestro"
	"github.com/substratelabs/maestro/pkg/config"
	"github.com/substratelabs/maestro/pkg/runtime"
	"github.com/substratelabs/maestro/pkg/server"
)

// ServeCmd starts the HTTP adapter.
type ServeCmd struct {
	Host  string `help:"Host to bind. Overrides the config file."`
	Port  int    `help:"Port to listen on. Overrides the config file." default:"0"`
	Watch bool   `help:"Watch the config file for changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	loader := config.NewLoader(config.LoaderOptions{
		Path:  cli.Config,
		Watch: c.Watch && cli.Config != "",
		OnChange: func(cfg *config.Config) error {
			// Live reload would tear down running workers; flag the
			// change and let the operator restart at a safe point.
			slog.Warn("Configuration changed on disk; restart to apply")
			return nil
		},
	})
	defer loader.Stop()

	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	cleanup, err := initLogger(cli, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	rt, err := runtime.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("building runtime: %w", err)
	}
	defer rt.Close()

	srv, err := server.New(server.Options{
		Addr:           cfg.Server.Address(),
		Orchestrator:   rt.Orchestrator(),
		Collector:      rt.Collector(),
		Approvals:      rt.Approvals(),
		Registry:       rt.Registry(),
		DefaultProfile: cfg.Profile,
	})
	if err != nil {
		return err
	}

	addr := cfg.Server.Address()
	fmt.Printf("\nMaestro %s ready\n", maestro.Version)
	fmt.Printf("   Tasks:      POST http://%s/v1/tasks\n", addr)
	fmt.Printf("   Approvals:  http://%s/v1/approvals\n", addr)
	fmt.Printf("   Signals:    http://%s/v1/signals\n", addr)
	fmt.Printf("   Metrics:    http://%s/metrics\n", addr)
	fmt.Printf("   Health:     http://%s/health\n", addr)
	fmt.Printf("   Workers:    %d (profile %q)\n", len(rt.Orchestrator().Pool()), cfg.Profile)
	fmt.Printf("   Tools:      %d registered\n", rt.Registry().Count())
	fmt.Println("\nPress Ctrl+C to stop")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer stopCancel()
		if err := srv.Stop(stopCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}
