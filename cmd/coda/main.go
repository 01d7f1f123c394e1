// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command coda is the local-first coding agent server.
//
// Usage:
//
//	coda serve --config coda.yaml
//	coda chat
//	coda index --path .
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	coda "github.com/kadirpekel/coda"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the session server."`
	Chat     ChatCmd     `cmd:"" help:"Chat with the agent in this terminal."`
	Index    IndexCmd    `cmd:"" help:"Index a workspace and the knowledge modules."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Generate JSON Schema for the configuration."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose, json)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(coda.GetVersion().String())
	return nil
}

// printBanner prints the colored startup banner when stdout is a terminal.
func printBanner() {
	if fileInfo, err := os.Stdout.Stat(); err == nil {
		if (fileInfo.Mode() & os.ModeCharDevice) == 0 {
			return
		}
	} else {
		return
	}

	greenColor := "\033[38;2;16;185;129m"
	resetColor := "\033[0m"

	banner := `
 ██████╗ ██████╗ ██████╗  █████╗
██╔════╝██╔═══██╗██╔══██╗██╔══██╗
██║     ██║   ██║██║  ██║███████║
██║     ██║   ██║██║  ██║██╔══██║
╚██████╗╚██████╔╝██████╔╝██║  ██║
 ╚═════╝ ╚═════╝ ╚═════╝ ╚═╝  ╚═╝
`
	fmt.Printf("%s%s%s\n", greenColor, banner, resetColor)
}

// shouldSkipBanner reports whether the invoked command is informational.
func shouldSkipBanner(args []string) bool {
	for _, arg := range args[1:] {
		switch arg {
		case "version", "validate", "schema", "index":
			return true
		}
	}
	return false
}

func main() {
	if !shouldSkipBanner(os.Args) {
		printBanner()
	}

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("coda"),
		kong.Description("coda - local-first coding agent server"),
		kong.UsageOnError(),
	)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
