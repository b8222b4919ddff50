// Package builtin provides the tools compiled into neko.
package builtin

import (
	"fmt"

	"neko/internal/memory"
	"neko/internal/scheduler"
	"neko/internal/toolregistry"
)

// Config wires the built-in tools to their backing services. Memory,
// Scheduler and Files are optional; the tools that need them are skipped
// when nil. A nil Processes gets a private manager.
type Config struct {
	Workspace *Workspace
	Processes *ProcessManager
	Memory    *memory.Store
	Scheduler *scheduler.Service
	Files     FileSender
	Exec      ExecConfig
	HTTP      HTTPConfig
	Script    ScriptConfig
}

// Register adds every built-in tool to reg.
func Register(reg *toolregistry.Registry, cfg Config) error {
	if cfg.Workspace == nil {
		return fmt.Errorf("builtin: workspace is required")
	}
	procs := cfg.Processes
	if procs == nil {
		procs = NewProcessManager()
	}
	tools := []toolregistry.Tool{
		NewReadFile(cfg.Workspace),
		NewWriteFile(cfg.Workspace),
		NewListFiles(cfg.Workspace),
		NewChangeDir(cfg.Workspace),
		NewExec(cfg.Workspace, procs, cfg.Exec),
		NewProcess(procs),
		NewHTTPRequest(cfg.HTTP),
		NewRunScript(cfg.Script),
	}
	if cfg.Memory != nil {
		tools = append(tools,
			NewMemoryWrite(cfg.Memory),
			NewMemoryReplace(cfg.Memory),
			NewMemorySearch(cfg.Memory),
		)
	}
	if cfg.Scheduler != nil {
		tools = append(tools, NewCronManage(cfg.Scheduler))
	}
	if cfg.Files != nil {
		tools = append(tools, NewSendFile(cfg.Workspace, cfg.Files))
	}
	for _, tool := range tools {
		if err := reg.Register(tool); err != nil {
			return err
		}
	}
	return nil
}
