// Command atlas runs the ATLAS question-answering service for
// historical corpora.
//
// Usage:
//
//	atlas serve --config atlas.yaml
//	atlas worker --config atlas.yaml
//	atlas validate --config atlas.yaml
package main

import (
	"fmt"

	"github.com/alecthomas/kong"

	atlas "github.com/atlas-hass/atlas"
	"github.com/atlas-hass/atlas/pkg/config"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the HTTP API server."`
	Worker   WorkerCmd   `cmd:"" help:"Start an async queue worker."`
	Validate ValidateCmd `cmd:"" help:"Validate the effective configuration."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(atlas.GetVersion())
	return nil
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("atlas"),
		kong.Description("Question answering over historical corpora."),
		kong.UsageOnError(),
	)

	cleanup, err := initLoggerFromCLI(cli.LogLevel, cli.LogFile, cli.LogFormat)
	kctx.FatalIfErrorf(err)
	if cleanup != nil {
		defer cleanup()
	}

	// .env layers load before any command reads the environment.
	if err := config.LoadEnvFiles(); err != nil {
		kctx.FatalIfErrorf(err)
	}

	kctx.FatalIfErrorf(kctx.Run(&cli))
}
