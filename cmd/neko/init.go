package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"neko/internal/config"
	"neko/internal/filestore"
)

func newInitCmd(c *cli) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config template and create the workspace",
		Long: `Write a config template (unless one exists) and create the workspace
layout: memory/MEMORY.md, memory/recall/, sessions/, cron/ and logs/.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			path := c.configPath
			if path == "" {
				path = config.ResolveConfigPath(config.DefaultEnvLookup, os.UserHomeDir)
			}

			if !force && fileExists(path) && isTTY() {
				force = confirm(fmt.Sprintf("Config exists at %s. Overwrite", path))
			}
			written, err := config.WriteTemplate(path, force)
			if err != nil {
				return err
			}
			if written {
				fmt.Fprintf(out, "%s %s\n", green("Wrote config"), path)
			} else {
				fmt.Fprintf(out, "%s %s %s\n", yellow("Keeping existing config"), path, gray("(use --force to overwrite)"))
			}

			cfg, _, err := config.Load(config.WithConfigPath(path))
			if err != nil {
				return err
			}
			mem := openMemory(cfg)
			if err := mem.EnsureWorkspace(); err != nil {
				return err
			}
			l := layoutFor(cfg)
			dirs := []string{l.sessions(), filepath.Dir(l.jobs())}
			if logFile := cfg.LogFile(); logFile != "" {
				dirs = append(dirs, filepath.Dir(logFile))
			}
			for _, dir := range dirs {
				if err := filestore.EnsureDir(dir); err != nil {
					return fmt.Errorf("create %s: %w", dir, err)
				}
			}
			fmt.Fprintf(out, "%s %s\n", green("Workspace ready"), cfg.Workspace)
			if cfg.Agent.APIKey == "" {
				fmt.Fprintf(out, "%s set agent.api_key or OPENAI_API_KEY before running %s\n", yellow("Next:"), cyan("neko chat"))
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing config file")
	return cmd
}

// confirm asks a yes/no question. Anything but yes is no.
func confirm(label string) bool {
	prompt := promptui.Prompt{
		Label:     label,
		IsConfirm: true,
	}
	if _, err := prompt.Run(); err != nil {
		if !errors.Is(err, promptui.ErrAbort) && !errors.Is(err, promptui.ErrInterrupt) {
			fmt.Fprintln(os.Stderr, red("prompt failed: ")+err.Error())
		}
		return false
	}
	return true
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
