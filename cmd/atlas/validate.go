package main

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/atlas-hass/atlas/pkg/config"
)

// ValidateCmd loads the effective configuration and reports whether it
// is usable.
type ValidateCmd struct {
	// PrintConfig prints the expanded configuration with defaults
	// applied and env vars resolved.
	PrintConfig bool `short:"p" name:"print-config" help:"Print the expanded configuration."`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	if c.PrintConfig {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to render configuration: %w", err)
		}
		fmt.Print(string(out))
		return nil
	}

	fmt.Println("Configuration OK")
	fmt.Println(cfg.Summary())
	if len(cfg.Extra) > 0 {
		fmt.Printf("Unrecognized profile keys: %d\n", len(cfg.Extra))
	}
	return nil
}
