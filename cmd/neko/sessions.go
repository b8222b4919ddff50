package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"neko/internal/session"
)

func newSessionsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect conversation sessions",
	}
	cmd.AddCommand(newSessionsListCmd(c), newSessionsClearCmd(c))
	return cmd
}

func newSessionsListCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently active first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := c.loadConfig()
			if err != nil {
				return err
			}
			mgr, err := openSessions(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			list := mgr.List()
			if len(list) == 0 {
				fmt.Fprintln(out, "No active sessions.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tSESSION\tTURNS\tORIGIN\tNAME\tUPDATED")
			for _, s := range list {
				origin := "-"
				if !s.Origin.IsZero() {
					origin = s.Origin.String()
				}
				name := s.DisplayName
				if name == "" {
					name = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
					s.Key, shortID(s.ID), s.TurnCount, origin, name, s.UpdatedAt.Local().Format(timeLayout))
			}
			return tw.Flush()
		},
	}
}

func newSessionsClearCmd(c *cli) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear [key]",
		Short: "Delete one session, or every session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := c.loadConfig()
			if err != nil {
				return err
			}
			mgr, err := openSessions(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			var keys []session.Key
			if len(args) == 1 {
				keys = []session.Key{session.Key(args[0])}
			} else {
				for _, s := range mgr.List() {
					keys = append(keys, s.Key)
				}
			}
			if len(keys) == 0 {
				fmt.Fprintln(out, "No active sessions.")
				return nil
			}
			if !yes && isTTY() && !confirm(fmt.Sprintf("Delete %d session(s)", len(keys))) {
				fmt.Fprintln(out, "Cancelled.")
				return nil
			}
			for _, key := range keys {
				if err := mgr.Delete(cmd.Context(), key); err != nil {
					return err
				}
			}
			fmt.Fprintf(out, "%s %d session(s).\n", green("Cleared"), len(keys))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
