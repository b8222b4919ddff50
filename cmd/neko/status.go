package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"neko/internal/httpclient"
	"neko/internal/jsonx"
)

const (
	statusTimeout  = 3 * time.Second
	stopPollEvery  = 200 * time.Millisecond
	stopPollRounds = 10
)

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the server is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := c.loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			pid, addr, running, stale := livePID(layoutFor(cfg).pidFile())
			switch {
			case stale:
				fmt.Fprintf(out, "Neko is not running %s\n", gray(fmt.Sprintf("(stale PID file for %d, cleaned up)", pid)))
				return nil
			case !running:
				fmt.Fprintln(out, "Neko is not running.")
				return nil
			}

			status, err := fetchStatus(cmd.Context(), addr, cfg.Server.APIToken)
			if err != nil {
				fmt.Fprintf(out, "%s process %d is running but %s did not answer: %v\n", yellow("Neko"), pid, addr, err)
				return nil
			}
			fmt.Fprintf(out, "%s (PID %d) on %s\n", green("Neko is running"), pid, cyan(addr))
			keys := make([]string, 0, len(status))
			for k := range status {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				value, _ := jsonx.Marshal(status[k])
				fmt.Fprintf(out, "  %-15s %s\n", k+":", value)
			}
			return nil
		},
	}
}

func fetchStatus(ctx context.Context, addr, token string) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/api/status", nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := httpclient.New(statusTimeout).Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := httpclient.ReadAllWithLimit(resp.Body, 1<<20)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	status := map[string]any{}
	if err := jsonx.Unmarshal(body, &status); err != nil {
		return nil, err
	}
	return status, nil
}

func newStopCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := c.loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			pidPath := layoutFor(cfg).pidFile()
			pid, _, running, stale := livePID(pidPath)
			switch {
			case stale:
				fmt.Fprintf(out, "Neko is not running %s\n", gray(fmt.Sprintf("(stale PID file for %d, cleaned up)", pid)))
				return nil
			case !running:
				fmt.Fprintln(out, "Neko is not running (no PID file found).")
				return nil
			}

			proc, err := os.FindProcess(pid)
			if err != nil {
				return err
			}
			if err := proc.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("signal PID %d: %w", pid, err)
			}
			fmt.Fprintf(out, "Sent stop signal to Neko (PID %d).\n", pid)
			for i := 0; i < stopPollRounds; i++ {
				time.Sleep(stopPollEvery)
				if !processRunning(pid) {
					_ = os.Remove(pidPath)
					fmt.Fprintln(out, green("Neko stopped."))
					return nil
				}
			}
			fmt.Fprintf(out, "Process %d is still running; it may take a moment to shut down.\n", pid)
			return nil
		},
	}
}

func newLogsCmd(c *cli) *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the tail of the server log file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := c.loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			path := cfg.LogFile()
			if path == "" {
				fmt.Fprintln(out, "File logging is disabled (observability.logging.file).")
				return nil
			}
			f, err := os.Open(path)
			if os.IsNotExist(err) {
				fmt.Fprintf(out, "No log file at %s. Start the server first: %s\n", path, cyan("neko serve"))
				return nil
			}
			if err != nil {
				return err
			}
			defer f.Close()
			return tailLines(out, f, lines)
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "number of lines to show")
	return cmd
}

func tailLines(out io.Writer, r io.Reader, n int) error {
	if n <= 0 {
		n = 50
	}
	ring := make([]string, 0, n)
	total := 0
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	for scanner.Scan() {
		total++
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	for _, line := range ring {
		fmt.Fprintln(out, line)
	}
	if total > len(ring) {
		fmt.Fprintln(out, gray(fmt.Sprintf("\n(showing last %d of %d lines)", len(ring), total)))
	}
	return nil
}
