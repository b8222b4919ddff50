package main

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/glamour"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"neko/internal/memory"
)

func newMemoryCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect the agent's memory files",
	}
	cmd.AddCommand(newMemoryListCmd(c), newMemorySearchCmd(c), newMemoryShowCmd(c))
	return cmd
}

func newMemoryListCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List memory files, most recently changed first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := c.loadConfig()
			if err != nil {
				return err
			}
			files, err := openMemory(cfg).List(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(files) == 0 {
				fmt.Fprintf(out, "No memory files found. Run %s first.\n", cyan("neko init"))
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, f := range files {
				fmt.Fprintf(tw, "%s\t%s\t%d chars\t%s\n", f.Path, gray(f.Kind.String()), f.Chars, f.ModTime.Local().Format(timeLayout))
			}
			return tw.Flush()
		},
	}
}

func newMemorySearchCmd(c *cli) *cobra.Command {
	var opts memory.SearchOptions
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search memory files line by line",
		Long: `Search every memory file for lines containing <query>. Matching is a
case-insensitive substring unless --regex or --case-sensitive is given.
Results from the most recently changed files come first.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := c.loadConfig()
			if err != nil {
				return err
			}
			query := strings.Join(args, " ")
			hits, err := openMemory(cfg).Search(cmd.Context(), query, opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(hits) == 0 {
				fmt.Fprintf(out, "No matches found for %q.\n", query)
				return nil
			}
			highlight := matcher(query, opts)
			for _, hit := range hits {
				fmt.Fprintf(out, "%s:%s: %s\n", cyan(hit.File), gray(hit.Line), highlight(hit.Text))
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&opts.Regex, "regex", "r", false, "treat the query as a regular expression")
	cmd.Flags().BoolVar(&opts.CaseSensitive, "case-sensitive", false, "match case exactly")
	cmd.Flags().IntVarP(&opts.MaxResults, "max", "m", 0, "maximum number of results (0 for the default)")
	return cmd
}

var matchColor = color.New(color.FgYellow, color.Bold).SprintFunc()

// matcher returns a func that colors each match of query in a line.
func matcher(query string, opts memory.SearchOptions) func(string) string {
	if color.NoColor {
		return func(s string) string { return s }
	}
	pattern := query
	if !opts.Regex {
		pattern = regexp.QuoteMeta(query)
	}
	if !opts.CaseSensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return func(s string) string { return s }
	}
	return func(s string) string {
		return re.ReplaceAllStringFunc(s, func(m string) string { return matchColor(m) })
	}
}

func newMemoryShowCmd(c *cli) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "show [file]",
		Short: "Print a memory file (MEMORY.md, today, YYYY-MM-DD or recall/<name>)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := c.loadConfig()
			if err != nil {
				return err
			}
			name := "MEMORY.md"
			if len(args) == 1 {
				name = args[0]
			}
			target, err := memory.ParseTarget(name)
			if err != nil {
				return err
			}
			content, err := openMemory(cfg).Read(cmd.Context(), target)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if strings.TrimSpace(content) == "" {
				fmt.Fprintf(out, "%s is empty.\n", target)
				return nil
			}
			if raw || !isTTY() {
				_, err := io.WriteString(out, content)
				return err
			}
			rendered, err := renderGlamour(content)
			if err != nil {
				_, err := io.WriteString(out, content)
				return err
			}
			_, err = io.WriteString(out, rendered)
			return err
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print the markdown source")
	return cmd
}

// renderGlamour styles a whole document for the terminal.
func renderGlamour(content string) (string, error) {
	width := 80
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w - 4
		if width > 120 {
			width = 120
		}
	}
	style := glamour.WithStandardStyle("dark")
	if color.NoColor {
		style = glamour.WithStandardStyle("notty")
	}
	renderer, err := glamour.NewTermRenderer(
		style,
		glamour.WithWordWrap(width),
		glamour.WithEmoji(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create markdown renderer: %w", err)
	}
	return renderer.Render(content)
}
