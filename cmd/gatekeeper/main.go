// Command gatekeeper runs the admission control server: per-tier rate
// limiting, websocket connection admission, and the audit trail API.
//
// Usage:
//
//	gatekeeper serve --config config.yaml
//	gatekeeper validate config.yaml
//	gatekeeper schema > config-schema.json
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/jobfinder/gatekeeper/pkg/config"
	"github.com/jobfinder/gatekeeper/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the admission server."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Generate JSON Schema for the configuration."`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (text or json)." default:"text" enum:"text,json"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("gatekeeper version %s\n", version)
	return nil
}

// initLogger configures the global logger from CLI flags, falling back to
// LOG_LEVEL / LOG_FILE / LOG_FORMAT environment variables.
func initLogger(cli *CLI) (func(), error) {
	level := cli.LogLevel
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	file := cli.LogFile
	if file == "" {
		file = os.Getenv("LOG_FILE")
	}
	format := cli.LogFormat
	if format == "" {
		format = os.Getenv("LOG_FORMAT")
	}

	output := os.Stderr
	var cleanup func()
	if file != "" {
		f, closeFn, err := logger.OpenLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = f
		cleanup = closeFn
	}

	logger.Init(logger.ParseLevel(level), output, format)
	return cleanup, nil
}

func main() {
	// .env files are optional; missing ones are not an error.
	_ = config.LoadEnvFiles()

	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("gatekeeper"),
		kong.Description("Admission control for the job services API: rate limiting, websocket connection caps, origin validation, and audit."),
		kong.UsageOnError(),
	)

	cleanup, err := initLogger(&cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	kctx.FatalIfErrorf(kctx.Run(&cli))
}
