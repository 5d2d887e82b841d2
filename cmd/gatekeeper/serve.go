package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jobfinder/gatekeeper/pkg/config"
	"github.com/jobfinder/gatekeeper/pkg/config/provider"
	"github.com/jobfinder/gatekeeper/pkg/server"
)

// ServeCmd starts the admission server.
type ServeCmd struct {
	Config string `short:"c" help:"Configuration path (file path or remote key)." type:"path"`

	// Remote configuration options
	ConfigProvider  string   `name:"config-provider" help:"Configuration source: file, consul, etcd, zookeeper." default:"file" enum:"file,consul,etcd,zookeeper"`
	ConfigEndpoints []string `name:"config-endpoints" help:"Endpoints for remote configuration providers."`

	// Listener overrides
	Host string `help:"Listen host (overrides config)."`
	Port int    `help:"Listen port (overrides config)."`

	Watch bool `help:"Watch the configuration source and apply changes live."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, loader, err := c.loadConfig(ctx)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}

	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	srv, err := server.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if c.Watch && loader != nil {
		loader.SetOnChange(srv.ApplyConfig)
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Config watch error", "error", err)
			}
		}()
	}

	return srv.Run(ctx)
}

// loadConfig resolves the configuration source. With no --config flag the
// built-in defaults apply: memory counters, in-memory audit, no auth.
func (c *ServeCmd) loadConfig(ctx context.Context) (*config.Config, *config.Loader, error) {
	if c.Config == "" && c.ConfigProvider == "file" {
		slog.Info("No configuration file given, using defaults")
		return config.DefaultConfig(), nil, nil
	}

	providerType, err := provider.ParseType(c.ConfigProvider)
	if err != nil {
		return nil, nil, err
	}

	cfg, loader, err := config.LoadConfig(ctx, provider.ProviderConfig{
		Type:      providerType,
		Path:      c.Config,
		Endpoints: c.ConfigEndpoints,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, loader, nil
}
