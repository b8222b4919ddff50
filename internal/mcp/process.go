package mcp

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"neko/internal/async"
	"neko/internal/logging"
)

// ProcessConfig describes how to spawn one MCP server.
type ProcessConfig struct {
	Command string
	Args    []string
	// Env is layered over the parent environment.
	Env map[string]string
}

// Process owns one MCP server subprocess and its stdio pipes.
type Process struct {
	cfg    ProcessConfig
	logger logging.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	running bool
	done    chan struct{}
	exitErr error
}

// NewProcess prepares a process; nothing is spawned until Start.
func NewProcess(cfg ProcessConfig, logger logging.Logger) *Process {
	return &Process{cfg: cfg, logger: logging.OrNop(logger)}
}

// Start spawns the server. The process outlives the caller's context; use
// Stop to end it.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("process already running")
	}
	resolved, err := resolveExecutable(p.cfg.Command)
	if err != nil {
		return err
	}

	cmd := exec.Command(resolved, p.cfg.Args...)
	cmd.Env = mergeEnv(os.Environ(), p.cfg.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	// A plain pipe rather than StdoutPipe: Wait must not close the read end
	// while the client is still draining buffered frames.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stdoutW.Close()
		return fmt.Errorf("start %s: %w", p.cfg.Command, err)
	}
	_ = stdoutW.Close()

	p.cmd = cmd
	p.stdin = stdin
	p.stdout = stdout
	p.running = true
	p.exitErr = nil
	done := make(chan struct{})
	p.done = done
	p.logger.Info("MCP server started: %s (pid %d)", p.cfg.Command, cmd.Process.Pid)

	async.Go(p.logger, "mcp.stderr", func() { p.drainStderr(stderr) })
	async.Go(p.logger, "mcp.wait", func() { p.wait(cmd, done) })
	return nil
}

func (p *Process) wait(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()

	p.mu.Lock()
	wasRunning := p.running && p.cmd == cmd
	if p.cmd == cmd {
		p.running = false
		p.exitErr = err
	}
	p.mu.Unlock()
	close(done)

	if wasRunning {
		p.logger.Warn("MCP server %s exited unexpectedly: %v", p.cfg.Command, err)
	}
}

func (p *Process) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.logger.Debug("[stderr] %s", scanner.Text())
	}
}

// Stop closes stdin and waits up to timeout before killing the process.
func (p *Process) Stop(timeout time.Duration) error {
	return p.stopRun(nil, timeout)
}

// stopRun stops the process only if run (a Done channel) still identifies
// the current run. A nil run matches any.
func (p *Process) stopRun(run <-chan struct{}, timeout time.Duration) error {
	p.mu.Lock()
	if !p.running || (run != nil && run != p.done) {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cmd, stdin, done := p.cmd, p.stdin, p.done
	p.mu.Unlock()

	_ = stdin.Close()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		p.logger.Warn("MCP server %s did not exit within %s, killing", p.cfg.Command, timeout)
		if err := cmd.Process.Kill(); err != nil {
			return fmt.Errorf("kill: %w", err)
		}
		<-done
		return nil
	}
}

// Write sends one frame to the server's stdin.
func (p *Process) Write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return fmt.Errorf("process not running")
	}
	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// Stdout returns the server's stdout stream for the current run. It reaches
// EOF when the server exits; the reader closes it.
func (p *Process) Stdout() io.ReadCloser {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdout
}

// Done is closed when the current run exits.
func (p *Process) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// IsRunning reports whether the subprocess is alive.
func (p *Process) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// ExitErr returns the wait error of the last run, if any.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func resolveExecutable(command string) (string, error) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return "", fmt.Errorf("command is required")
	}
	if strings.Contains(trimmed, "\x00") {
		return "", fmt.Errorf("command contains invalid characters")
	}
	resolved, err := exec.LookPath(trimmed)
	if err != nil {
		return "", fmt.Errorf("command not found: %w", err)
	}
	return resolved, nil
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, overridden := overrides[key]; !overridden {
			env = append(env, kv)
		}
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}
