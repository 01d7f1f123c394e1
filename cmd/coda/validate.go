package main

import (
	"fmt"

	"github.com/kadirpekel/coda/pkg/config"
)

// ValidateCmd checks that a configuration file parses and validates.
type ValidateCmd struct {
	Path string `arg:"" optional:"" help:"Config file to validate (defaults to --config)." type:"path"`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	path := c.Path
	if path == "" {
		path = cli.Config
	}
	if path == "" {
		return fmt.Errorf("no config file given")
	}

	if _, err := config.Load(path); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	fmt.Printf("%s is valid\n", path)
	return nil
}
