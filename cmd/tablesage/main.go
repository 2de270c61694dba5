package main

import (
	"fmt"

	"github.com/alecthomas/kong"

	"github.com/tablesage/tablesage/internal/config"
	. "github.com/tablesage/tablesage/internal/logging"
)

const version = "0.1.0"

var cli struct {
	Config   string `short:"c" help:"Path to the config file (default: tablesage.json, then ~/.tablesage/tablesage.json)." type:"path"`
	LogLevel string `help:"Log level override (trace|debug|info|warn|error)."`

	Serve    ServeCmd    `cmd:"" help:"Run the gateway server."`
	Chat     ChatCmd     `cmd:"" help:"Ask questions from an interactive prompt."`
	History  HistoryCmd  `cmd:"" help:"Print one history layer of a session."`
	Sessions SessionsCmd `cmd:"" help:"List stored sessions."`
	Token    TokenCmd    `cmd:"" help:"Hash an audit token for the config file."`
	Version  VersionCmd  `cmd:"" help:"Print the version."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("tablesage"),
		kong.Description("Ask your business database questions in plain language. Cloud models only ever see redacted text and schema names; rows and identifiers stay local."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run())
}

// loadConfig loads the effective configuration and initializes logging from it.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if cli.Config != "" {
		cfg, err = config.LoadFrom(cli.Config)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	level := cfg.Logging.Level
	if cli.LogLevel != "" {
		level = cli.LogLevel
	}
	Init(&Config{
		Level:      ParseLevel(level),
		TimeFormat: "15:04:05",
		ShowCaller: cfg.Logging.ShowCaller == nil || *cfg.Logging.ShowCaller,
	})

	return cfg, nil
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (v *VersionCmd) Run() error {
	fmt.Printf("tablesage %s\n", version)
	return nil
}
