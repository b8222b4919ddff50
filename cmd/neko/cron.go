package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"neko/internal/scheduler"
)

const (
	timeLayout       = "2006-01-02 15:04"
	historyPreview   = 80
	defaultHistoryN  = 20
	announceFlagHelp = "deliver results to channel:recipient (\"none\" clears)"
)

func newCronCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs",
		Long: `Manage scheduled agent jobs stored in <workspace>/cron/jobs.json.

A running server reloads the job file on every tick, so changes made here
take effect without a restart.`,
	}
	cmd.AddCommand(
		newCronListCmd(c),
		newCronAddCmd(c),
		newCronEditCmd(c),
		newCronRemoveCmd(c),
		newCronHistoryCmd(c),
	)
	return cmd
}

func newCronListCmd(c *cli) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := c.loadConfig()
			if err != nil {
				return err
			}
			svc, _ := openJobs(cfg)
			jobs, err := svc.List(cmd.Context(), all)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No cron jobs configured.")
				return nil
			}
			printJobs(out, jobs)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include exhausted one-shot jobs")
	return cmd
}

func printJobs(out io.Writer, jobs []scheduler.Job) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATE\tSCHEDULE\tNEXT\tLAST\tFAILURES\tANNOUNCE")
	for _, job := range jobs {
		next := "-"
		if !job.NextRun.IsZero() && !job.Status.IsTerminal() && job.Status != scheduler.JobStatusDisabled {
			next = job.NextRun.Local().Format(timeLayout)
		}
		last := "never"
		if !job.LastRun.IsZero() {
			last = job.LastRun.Local().Format(timeLayout)
		}
		announce := "-"
		if job.Announce != nil {
			announce = job.Announce.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			job.ID, job.Name, colorState(job.State()), job.Schedule, next, last,
			job.Retry.ConsecutiveFailures, announce)
	}
	_ = tw.Flush()
}

func colorState(state string) string {
	switch state {
	case "scheduled":
		return green(state)
	case "backing-off", "running":
		return yellow(state)
	case "exhausted":
		return red(state)
	default:
		return gray(state)
	}
}

func newCronAddCmd(c *cli) *cobra.Command {
	var spec scheduler.JobSpec
	cmd := &cobra.Command{
		Use:   "add <prompt>",
		Short: "Create a job",
		Long: `Create a job that runs <prompt> through the agent.

Give either --schedule with a cron expression (5 fields, or 6 with seconds)
or --at with a local time (YYYY-MM-DD HH:MM[:SS], YYYY-MM-DDTHH:MM[:SS])
or an RFC3339 timestamp.`,
		Example: `  neko cron add "summarize my inbox" --schedule "0 9 * * 1-5" --announce telegram:12345
  neko cron add "remind me to stretch" --at "2026-11-01 15:00" --name stretch`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := c.loadConfig()
			if err != nil {
				return err
			}
			svc, _ := openJobs(cfg)
			spec.Prompt = strings.Join(args, " ")
			job, err := svc.Add(cmd.Context(), spec, nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", green("Created job"), bold(job.Name), gray(fmt.Sprintf("(%s, next %s)", job.ID, job.NextRun.Local().Format(timeLayout))))
			return nil
		},
	}
	cmd.Flags().StringVarP(&spec.Cron, "schedule", "s", "", "cron expression")
	cmd.Flags().StringVar(&spec.At, "at", "", "run once at this time")
	cmd.Flags().StringVarP(&spec.Name, "name", "n", "", "job name (defaults to the id)")
	cmd.Flags().StringVar(&spec.Announce, "announce", "", announceFlagHelp)
	cmd.Flags().BoolVar(&spec.KeepAfterRun, "keep", false, "keep a one-shot job after it succeeds")
	cmd.MarkFlagsMutuallyExclusive("schedule", "at")
	cmd.MarkFlagsOneRequired("schedule", "at")
	return cmd
}

func newCronEditCmd(c *cli) *cobra.Command {
	var (
		prompt, schedule, at, name, announce string
		enable, disable, keep                bool
	)
	cmd := &cobra.Command{
		Use:   "edit <id-or-name>",
		Short: "Change a job",
		Long:  "Change a job found by id or name. Enabling a job clears its failure count.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := c.loadConfig()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			var edit scheduler.JobEdit
			if flags.Changed("prompt") {
				edit.Prompt = &prompt
			}
			if flags.Changed("schedule") {
				edit.Cron = &schedule
			}
			if flags.Changed("at") {
				edit.At = &at
			}
			if flags.Changed("name") {
				edit.Name = &name
			}
			if flags.Changed("announce") {
				edit.Announce = &announce
			}
			if flags.Changed("keep") {
				edit.KeepAfterRun = &keep
			}
			switch {
			case enable:
				edit.Enabled = &enable
			case disable:
				enabled := false
				edit.Enabled = &enabled
			}
			if edit == (scheduler.JobEdit{}) {
				return fmt.Errorf("nothing to change; see `neko cron edit --help`")
			}

			svc, _ := openJobs(cfg)
			job, err := svc.Edit(cmd.Context(), args[0], edit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", green("Updated job"), bold(job.Name), gray("("+job.State()+")"))
			return nil
		},
	}
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "new prompt")
	cmd.Flags().StringVarP(&schedule, "schedule", "s", "", "new cron expression")
	cmd.Flags().StringVar(&at, "at", "", "new one-shot time")
	cmd.Flags().StringVarP(&name, "name", "n", "", "new name")
	cmd.Flags().StringVar(&announce, "announce", "", announceFlagHelp)
	cmd.Flags().BoolVar(&enable, "enable", false, "enable the job and reset its retry state")
	cmd.Flags().BoolVar(&disable, "disable", false, "disable the job")
	cmd.Flags().BoolVar(&keep, "keep", false, "keep a one-shot job after it succeeds")
	cmd.MarkFlagsMutuallyExclusive("schedule", "at")
	cmd.MarkFlagsMutuallyExclusive("enable", "disable")
	return cmd
}

func newCronRemoveCmd(c *cli) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:     "remove <id-or-name>",
		Aliases: []string{"rm"},
		Short:   "Delete a job",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := c.loadConfig()
			if err != nil {
				return err
			}
			svc, _ := openJobs(cfg)
			out := cmd.OutOrStdout()
			if !yes && isTTY() {
				job, err := svc.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !confirm(fmt.Sprintf("Remove job %s (%s)", job.Name, job.ID)) {
					fmt.Fprintln(out, "Cancelled.")
					return nil
				}
			}
			job, err := svc.Remove(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s %s\n", green("Removed job"), bold(job.Name))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func newCronHistoryCmd(c *cli) *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent job executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := c.loadConfig()
			if err != nil {
				return err
			}
			svc, _ := openJobs(cfg)
			entries, err := svc.History(cmd.Context(), lines)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No execution history.")
				return nil
			}
			printHistory(out, entries)
			return nil
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", defaultHistoryN, "number of entries to show")
	return cmd
}

func printHistory(out io.Writer, entries []scheduler.HistoryEntry) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, entry := range entries {
		name := entry.JobName
		if name == "" {
			name = entry.JobID
		}
		detail := entry.Error
		if entry.Outcome == scheduler.OutcomeSuccess {
			detail = firstLine(entry.Response, historyPreview)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.1fs\t%s\n",
			entry.StartedAt.Local().Format("2006-01-02 15:04:05"),
			name,
			colorOutcome(entry.Outcome),
			entry.Duration().Round(100*time.Millisecond).Seconds(),
			detail,
		)
	}
	_ = tw.Flush()
}

func colorOutcome(o scheduler.Outcome) string {
	switch o {
	case scheduler.OutcomeSuccess:
		return green("OK")
	case scheduler.OutcomeFailure:
		return yellow("FAIL")
	case scheduler.OutcomeExhausted:
		return red("EXHAUSTED")
	default:
		return gray(strings.ToUpper(string(o)))
	}
}

func firstLine(s string, limit int) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	runes := []rune(line)
	if len(runes) > limit {
		return string(runes[:limit]) + "..."
	}
	return line
}
