package builtin

import (
	"context"
	"fmt"
	"strings"
	"time"

	nerrors "neko/internal/errors"
	"neko/internal/toolregistry"
)

const (
	defaultExecTimeout = 30 * time.Second
	defaultExecYield   = 10 * time.Second
	maxExecOutput      = 10_000
)

// shellMeta are the characters that chain, substitute or redirect commands.
// They are refused while an allowlist is active, since only the first word
// is checked against it.
const shellMeta = ";&|$`<>\n\r"

// ExecConfig configures the exec tool. Allowlist restricts the first word
// of each command; empty allows all. Yield is how long exec waits before
// moving a command to the background.
type ExecConfig struct {
	Allowlist []string
	Timeout   time.Duration
	Yield     time.Duration
	Shell     string
}

type execTool struct {
	ws        *Workspace
	procs     *ProcessManager
	allowlist map[string]bool
	timeout   time.Duration
	yield     time.Duration
	shell     string
}

// NewExec returns the exec tool. Commands run in the session's working
// directory; long runners are handed to procs.
func NewExec(ws *Workspace, procs *ProcessManager, cfg ExecConfig) toolregistry.Tool {
	allow := make(map[string]bool, len(cfg.Allowlist))
	for _, name := range cfg.Allowlist {
		if name = strings.TrimSpace(name); name != "" {
			allow[name] = true
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	yield := cfg.Yield
	if yield <= 0 {
		yield = defaultExecYield
	}
	shell := cfg.Shell
	if shell == "" {
		shell = "sh"
	}
	return &execTool{ws: ws, procs: procs, allowlist: allow, timeout: timeout, yield: yield, shell: shell}
}

func (t *execTool) Definition() toolregistry.Definition {
	desc := "Execute a shell command in the current directory and return its output and exit code. " +
		"Commands still running after " + t.yield.String() + " continue in the background; use the process tool to poll them."
	if len(t.allowlist) > 0 {
		desc += " Only allowlisted programs may run, and shell operators (; & | $ ` < > newlines) are rejected."
	}
	return toolregistry.Definition{
		Name:        "exec",
		Description: desc,
		Parameters: toolregistry.ParameterSchema{
			Type: "object",
			Properties: map[string]toolregistry.Property{
				"command": {Type: "string", Description: "Shell command to execute"},
				"timeout": {Type: "integer", Description: "Optional timeout in seconds (overrides default)"},
			},
			Required: []string{"command"},
		},
		// exec never blocks longer than the yield window.
		Timeout: t.yield + 5*time.Second,
		Source:  "builtin",
	}
}

func (t *execTool) Execute(ctx context.Context, call toolregistry.Call) (*toolregistry.Result, error) {
	command := toolregistry.StringArg(call.Arguments, "command")
	if command == "" {
		return nil, nerrors.New(nerrors.KindInvalidArguments, "exec", "command cannot be empty")
	}
	if err := t.checkAllowlist(command); err != nil {
		return nil, err
	}

	timeout := t.timeout
	if secs := toolregistry.IntArg(call.Arguments, "timeout", 0); secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	p, err := t.procs.start(t.ws.Cwd(call.SessionKey), t.shell, command, timeout)
	if err != nil {
		return nil, err
	}

	// A command whose timeout ends inside the yield window never backgrounds.
	var yield <-chan time.Time
	if t.yield < timeout {
		timer := time.NewTimer(t.yield)
		defer timer.Stop()
		yield = timer.C
	}
	select {
	case <-p.done:
	case <-yield:
		return t.background(call, p), nil
	case <-ctx.Done():
		p.kill()
		return nil, ctx.Err()
	}

	if p.timedOut {
		return nil, nerrors.New(nerrors.KindExecutionTimeout, "exec", "command timed out after %s", timeout)
	}
	stdout, stderr := p.output.split()
	var out strings.Builder
	out.WriteString(truncateOutput(stdout))
	if stderr != "" {
		if out.Len() > 0 {
			out.WriteString("\n")
		}
		out.WriteString("[stderr]\n")
		out.WriteString(truncateOutput(stderr))
	}
	if p.exitCode != 0 {
		fmt.Fprintf(&out, "\n[exit code %d]", p.exitCode)
	}

	result := &toolregistry.Result{
		CallID:  call.ID,
		Content: out.String(),
		Metadata: map[string]any{
			"command":   command,
			"exit_code": p.exitCode,
			"success":   p.exitCode == 0,
		},
	}
	if p.exitCode != 0 {
		result.Error = fmt.Errorf("command exited with code %d", p.exitCode)
	}
	return result, nil
}

func (t *execTool) checkAllowlist(command string) error {
	if len(t.allowlist) == 0 {
		return nil
	}
	if i := strings.IndexAny(command, shellMeta); i >= 0 {
		return nerrors.New(nerrors.KindInvalidArguments, "exec",
			"shell operator %q is not allowed while the exec allowlist is active", command[i:i+1])
	}
	name := strings.Fields(command)[0]
	if !t.allowlist[name] {
		return nerrors.New(nerrors.KindInvalidArguments, "exec", "command %q is not in the exec allowlist", name)
	}
	return nil
}

func (t *execTool) background(call toolregistry.Call, p *process) *toolregistry.Result {
	id := t.procs.adopt(p)
	content := fmt.Sprintf("Command backgrounded as %s (still running).\nUse `process` tool with action \"poll\" to check output.", id)
	if sofar := p.unread(); sofar != "" {
		content += "\n\nOutput so far:\n" + truncateOutput(sofar)
	}
	return &toolregistry.Result{
		CallID:  call.ID,
		Content: content,
		Metadata: map[string]any{
			"command":    p.command,
			"session_id": id,
			"background": true,
		},
	}
}

func truncateOutput(s string) string {
	if len(s) <= maxExecOutput {
		return s
	}
	return s[:maxExecOutput] + fmt.Sprintf("... [truncated, %d total bytes]", len(s))
}
