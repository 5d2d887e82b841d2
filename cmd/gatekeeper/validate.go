package main

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/jobfinder/gatekeeper/pkg/config"
)

// ValidateCmd validates a configuration file and optionally prints the
// expanded result.
type ValidateCmd struct {
	Config      string `arg:"" name:"config" help:"Configuration file path." type:"path"`
	PrintConfig bool   `short:"p" name:"print-config" help:"Print the expanded configuration (defaults applied, env vars resolved)."`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, loader, err := config.LoadConfigFile(context.Background(), c.Config)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if loader != nil {
		defer loader.Close()
	}

	fmt.Printf("%s: OK\n", c.Config)

	if c.PrintConfig {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to render configuration: %w", err)
		}
		fmt.Println(string(out))
	}
	return nil
}
