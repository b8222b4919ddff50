package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"neko/internal/async"
	"neko/internal/channels"
	"neko/internal/config"
	"neko/internal/gateway"
	"neko/internal/logging"
	"neko/internal/observability"
	"neko/internal/scheduler"
	"neko/internal/server"
)

const telemetryFlushTimeout = 5 * time.Second

func newServeCmd(c *cli) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Run the scheduler, chat channels and HTTP API",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := c.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return runServe(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func runServe(parent context.Context, out io.Writer, cfg config.Config) error {
	l := layoutFor(cfg)
	if pid, _, running, _ := livePID(l.pidFile()); running {
		return fmt.Errorf("neko is already running (PID %d); use `neko stop` first", pid)
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	slogger, logCloser, err := logging.Setup(logging.Config{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
		File:   cfg.LogFile(),
	})
	if err != nil {
		return err
	}
	defer logCloser.Close()
	logger := logging.FromSlog(slogger, "serve")

	tracer, err := observability.NewTracerProvider(ctx, observability.TracingConfig{
		Enabled:        cfg.Observability.Tracing.Enabled,
		Exporter:       cfg.Observability.Tracing.Exporter,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SampleRate:     cfg.Observability.Tracing.SampleRate,
		ServiceName:    cfg.Observability.Tracing.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return err
	}
	metrics, err := observability.NewMetrics(cfg.Observability.Metrics.Enabled)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), telemetryFlushTimeout)
		defer cancel()
		if err := tracer.Shutdown(flushCtx); err != nil {
			logger.Warn("Tracer shutdown: %v", err)
		}
		if err := metrics.Shutdown(flushCtx); err != nil {
			logger.Warn("Metrics shutdown: %v", err)
		}
	}()

	st, err := buildStack(ctx, cfg, metrics)
	if err != nil {
		return err
	}
	defer st.Close()

	router := st.router
	router.Register("cli", channels.NewWriterDeliverer(out, "[neko] "))
	var telegram *channels.Telegram
	if cfg.Channels.Telegram.Enabled() {
		telegram = channels.NewTelegram(channels.TelegramConfig{
			Token:        cfg.Channels.Telegram.Token,
			APIBase:      cfg.Channels.Telegram.APIBase,
			AllowedChats: cfg.Channels.Telegram.AllowedChats,
			PollTimeout:  cfg.Channels.Telegram.PollTimeout,
		}, logging.NewComponentLogger("telegram"))
		router.Register("telegram", telegram)
	}

	sched := scheduler.New(scheduler.Config{
		Tick:          cfg.Scheduler.Tick,
		JobTimeout:    cfg.Scheduler.JobTimeout,
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		ShutdownGrace: cfg.Scheduler.ShutdownGrace,
	}, st.jobs.Store(), st.history, st.agent, logging.NewComponentLogger("scheduler"),
		scheduler.WithAnnouncer(router),
		scheduler.WithObserver(metrics),
	)

	gw := gateway.New(st.sessions, st.agent, st.memory, router, logging.NewComponentLogger("gateway"),
		gateway.WithObserver(metrics),
	)

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", cfg.Server.Addr, err)
	}
	pid := os.Getpid()
	if err := writePIDFile(l.pidFile(), pid, ln.Addr().String()); err != nil {
		_ = ln.Close()
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(l.pidFile())

	if err := sched.Start(ctx); err != nil {
		_ = ln.Close()
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	if telegram != nil {
		async.Go(logger, "telegram.poll", func() {
			if err := telegram.Poll(ctx, gw.Dispatch); err != nil {
				logger.Error("Telegram polling stopped: %v", err)
			}
		})
	}

	var metricsHandler http.Handler
	if metrics.Enabled() {
		metricsHandler = metrics.Handler()
	}
	srv := server.New(server.Config{
		Addr:        cfg.Server.Addr,
		CORSOrigins: cfg.Server.CORSOrigins,
		APIToken:    cfg.Server.APIToken,
		Version:     version,
	}, server.Deps{
		Jobs:     st.jobs,
		Memory:   st.memory,
		Messages: gw,
		Metrics:  metricsHandler,
		Status: func(ctx context.Context) any {
			return map[string]any{
				"pid":            pid,
				"version":        version,
				"workspace":      cfg.Workspace,
				"model":          cfg.Agent.Model,
				"channels":       router.Channels(),
				"jobs_in_flight": sched.InFlight(),
				"sessions":       len(st.sessions.List()),
				"tools":          st.tools.Len(),
				"mcp":            st.mcp.Status(),
			}
		},
	}, logging.NewComponentLogger("http"))

	printBanner(out, cfg, ln.Addr().String(), pid, telegram != nil)
	err = srv.Serve(ctx, ln)

	fmt.Fprintln(out, gray("Shutting down..."))
	stop()
	gw.Wait()
	sched.Stop()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "Neko stopped.")
	return nil
}

func printBanner(out io.Writer, cfg config.Config, addr string, pid int, telegram bool) {
	fmt.Fprintf(out, "%s started\n", bold("Neko "+version))
	fmt.Fprintf(out, "  Bind:      %s\n", cyan(addr))
	fmt.Fprintf(out, "  Workspace: %s\n", cfg.Workspace)
	fmt.Fprintf(out, "  Model:     %s (%s)\n", cfg.Agent.Model, cfg.Agent.Endpoint)
	fmt.Fprintf(out, "  PID:       %d\n", pid)
	if logFile := cfg.LogFile(); logFile != "" {
		fmt.Fprintf(out, "  Log:       %s\n", logFile)
	}
	if telegram {
		fmt.Fprintf(out, "  Telegram:  %s\n", green("enabled"))
	}
	if servers := cfg.MCPServers(); len(servers) > 0 {
		fmt.Fprintf(out, "  MCP:       %d servers\n", len(servers))
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, gray("Press Ctrl+C to stop."))
}
