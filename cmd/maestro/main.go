// Command maestro is the CLI for the Maestro orchestration substrate.
//
// Usage:
//
//	maestro serve --config maestro.yaml
//	maestro run "collect the failing checks and echo a summary"
//	maestro tools --config maestro.yaml
//	maestro validate --config maestro.yaml
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/substratelabs/maestro"
	"github.com/substratelabs/maestro/pkg/config"
	"github.com/substratelabs/maestro/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the HTTP adapter."`
	Run      RunCmd      `cmd:"" help:"Run one goal to completion and stream its stages."`
	Tools    ToolsCmd    `cmd:"" help:"List registered tools."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file and print the effective config."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error). Overrides the config file."`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (text or json)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(maestro.GetVersion().String())
	return nil
}

// loadConfig resolves the effective configuration: the given file when
// set, built-in defaults otherwise. Environment overrides apply either
// way.
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader(config.LoaderOptions{Path: path})
	return loader.Load()
}

// initLogger wires slog from CLI flags layered over config file
// settings. CLI flags win; empty values fall through to the config,
// then to the defaults.
func initLogger(cli *CLI, cfg *config.Config) (func(), error) {
	levelStr := firstNonEmpty(cli.LogLevel, cfg.Logging.Level, config.DefaultLogLevel)
	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		return nil, err
	}
	format := firstNonEmpty(cli.LogFormat, cfg.Logging.Format, config.DefaultLogFormat)

	output := os.Stderr
	cleanup := func() {}
	if path := firstNonEmpty(cli.LogFile, cfg.Logging.File); path != "" {
		file, closeFile, err := logger.OpenLogFile(path)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		output, cleanup = file, closeFile
	}
	logger.Init(level, output, format)
	return cleanup, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func main() {
	_ = godotenv.Load()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("maestro"),
		kong.Description("Maestro - orchestration substrate for multi-agent task execution"),
		kong.UsageOnError(),
	)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
