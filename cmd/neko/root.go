package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"neko/internal/config"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	blue   = color.New(color.FgBlue).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// isTTY checks if the current environment has a TTY available
func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// cli carries the persistent flags shared by every subcommand.
type cli struct {
	configPath string
	noColor    bool
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	rootCmd := &cobra.Command{
		Use:   "neko",
		Short: "Autonomous agent runtime with memory, tools and scheduled jobs",
		Long: fmt.Sprintf(`%s

Neko runs a model-driven agent loop with persistent markdown memory,
sandboxed tools, MCP servers, chat channels and cron-style jobs.

%s
  neko init                                   # Write config and workspace
  neko chat                                   # Talk to the agent in the terminal
  neko serve                                  # Run scheduler, channels and HTTP API
  neko cron add "summarize inbox" --schedule "0 9 * * *"
  neko memory search "deadline"`,
			bold("Neko "+version),
			bold("Examples:"),
		),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if c.noColor {
				color.NoColor = true
			}
		},
	}
	rootCmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "config file (default $NEKO_CONFIG_PATH or ~/.neko/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&c.noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(
		newInitCmd(c),
		newChatCmd(c),
		newMessageCmd(c),
		newServeCmd(c),
		newStatusCmd(c),
		newStopCmd(c),
		newLogsCmd(c),
		newCronCmd(c),
		newMemoryCmd(c),
		newSessionsCmd(c),
		newVersionCmd(),
	)
	return rootCmd
}

// loadConfig reads the configuration selected by --config.
func (c *cli) loadConfig() (config.Config, string, error) {
	var opts []config.Option
	if c.configPath != "" {
		opts = append(opts, config.WithConfigPath(c.configPath))
	}
	return config.Load(opts...)
}

// workspace paths derived from the configured root.
type layout struct {
	root string
}

func layoutFor(cfg config.Config) layout {
	return layout{root: cfg.Workspace}
}

func (l layout) jobs() string     { return filepath.Join(l.root, "cron", "jobs.json") }
func (l layout) history() string  { return filepath.Join(l.root, "cron", "history.jsonl") }
func (l layout) sessions() string { return filepath.Join(l.root, "sessions") }
func (l layout) pidFile() string  { return filepath.Join(l.root, "neko.pid") }
