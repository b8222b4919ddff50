package main

import (
	"context"
	"fmt"
	"path/filepath"

	"neko/internal/agent"
	"neko/internal/channels"
	"neko/internal/config"
	"neko/internal/filestore"
	"neko/internal/llm"
	"neko/internal/logging"
	"neko/internal/mcp"
	"neko/internal/memory"
	"neko/internal/scheduler"
	"neko/internal/session"
	"neko/internal/toolregistry"
	"neko/internal/tools/builtin"
)

// newModel builds the model client. Tests swap it for a scripted model.
var newModel = func(cfg config.Config) agent.Model {
	return llm.NewClient(llm.Config{
		Endpoint: cfg.Agent.Endpoint,
		APIKey:   cfg.Agent.APIKey,
		Model:    cfg.Agent.Model,
		Timeout:  cfg.Agent.Timeout,
		Logger:   logging.NewComponentLogger("llm"),
	})
}

// stack is everything an agent turn needs, wired from one Config.
type stack struct {
	cfg      config.Config
	layout   layout
	memory   *memory.Store
	history  *scheduler.HistoryLog
	jobs     *scheduler.Service
	tools    *toolregistry.Registry
	procs    *builtin.ProcessManager
	router   *channels.Router
	mcp      *mcp.Manager
	sessions *session.Manager
	agent    *agent.Agent
}

// openJobs wires the job service alone, for commands that never run the
// agent.
func openJobs(cfg config.Config) (*scheduler.Service, *scheduler.HistoryLog) {
	l := layoutFor(cfg)
	history := scheduler.NewHistoryLog(l.history())
	svc := scheduler.NewService(
		scheduler.NewFileJobStore(l.jobs()),
		history,
		logging.NewComponentLogger("scheduler"),
	)
	return svc, history
}

func openMemory(cfg config.Config) *memory.Store {
	return memory.NewStore(cfg.Workspace,
		memory.WithCoreCap(cfg.Memory.CoreCap),
		memory.WithLogger(logging.NewComponentLogger("memory")),
	)
}

func openSessions(ctx context.Context, cfg config.Config) (*session.Manager, error) {
	mgr := session.NewManager(layoutFor(cfg).sessions(), session.Config{
		ResetMode:   session.ResetMode(cfg.Session.ResetMode),
		ResetHour:   cfg.Session.ResetHour,
		IdleMinutes: cfg.Session.IdleMinutes,
		DMScope:     session.DMScope(cfg.Session.DMScope),
		MaxHistory:  cfg.Session.MaxHistory,
	}, session.WithLogger(logging.NewComponentLogger("session")))
	if err := mgr.Load(ctx); err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	return mgr, nil
}

// buildStack prepares the workspace, registers builtin and MCP tools and
// creates the agent. observer may be nil. Callers register their channels
// on the returned router.
func buildStack(ctx context.Context, cfg config.Config, observer toolregistry.Observer) (*stack, error) {
	l := layoutFor(cfg)
	mem := openMemory(cfg)
	if err := mem.EnsureWorkspace(); err != nil {
		return nil, err
	}
	for _, dir := range []string{l.sessions(), filepath.Dir(l.jobs())} {
		if err := filestore.EnsureDir(dir); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	jobs, history := openJobs(cfg)

	reg := toolregistry.New(toolregistry.Config{
		DefaultTimeout: cfg.Tools.DefaultTimeout,
		Timeouts:       cfg.Tools.Timeouts,
		Observer:       observer,
		Logger:         logging.NewComponentLogger("tools"),
	})
	ws, err := builtin.NewWorkspace(cfg.Workspace)
	if err != nil {
		return nil, err
	}
	router := channels.NewRouter(logging.NewComponentLogger("channels"))
	procs := builtin.NewProcessManager()
	if err := builtin.Register(reg, builtin.Config{
		Workspace: ws,
		Processes: procs,
		Memory:    mem,
		Scheduler: jobs,
		Files:     router,
		Exec: builtin.ExecConfig{
			Allowlist: cfg.Tools.Exec.Allowlist,
			Timeout:   cfg.Tools.Exec.Timeout,
			Yield:     cfg.Tools.Exec.Yield,
			Shell:     cfg.Tools.Exec.Shell,
		},
		HTTP: builtin.HTTPConfig{AllowedDomains: cfg.Tools.HTTP.AllowedDomains},
		Script: builtin.ScriptConfig{
			MaxSteps: cfg.Tools.Script.MaxSteps,
			Timeout:  cfg.Tools.Script.Timeout,
		},
	}); err != nil {
		return nil, fmt.Errorf("register builtin tools: %w", err)
	}

	servers := cfg.MCPServers()
	mcpManager := mcp.NewManager(reg, logging.NewComponentLogger("mcp"))
	if len(servers) > 0 {
		specs := make([]mcp.ServerConfig, 0, len(servers))
		for _, srv := range servers {
			specs = append(specs, mcp.ServerConfig{
				Name:    srv.Name,
				Command: srv.Command,
				Args:    srv.Args,
				Env:     srv.Env,
			})
		}
		mcpManager.Start(ctx, specs)
	}

	sessions, err := openSessions(ctx, cfg)
	if err != nil {
		mcpManager.Stop()
		procs.Stop()
		return nil, err
	}

	runner := agent.New(newModel(cfg), reg, mem, agent.Config{
		MaxIterations:   cfg.Agent.MaxIterations,
		MaxOutputTokens: cfg.Agent.MaxOutputTokens,
		Instructions:    cfg.Agent.Instructions,
	}, logging.NewComponentLogger("agent"))

	return &stack{
		cfg:      cfg,
		layout:   l,
		memory:   mem,
		history:  history,
		jobs:     jobs,
		tools:    reg,
		procs:    procs,
		router:   router,
		mcp:      mcpManager,
		sessions: sessions,
		agent:    runner,
	}, nil
}

// Close stops MCP servers and background exec sessions.
func (s *stack) Close() {
	s.mcp.Stop()
	s.procs.Stop()
}
