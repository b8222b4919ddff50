package builtin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	nerrors "neko/internal/errors"
	"neko/internal/toolregistry"
)

const (
	maxProcessOutput = 1 << 20
	exitedRetention  = 5 * time.Minute
)

// ProcessManager owns commands started by exec. A command that is still
// running when exec stops waiting is adopted as a background session
// (bg_1, bg_2, ...) and killed once its own timeout passes.
type ProcessManager struct {
	mu       sync.Mutex
	sessions map[string]*process
	nextID   int
	now      func() time.Time
}

// NewProcessManager returns an empty manager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{
		sessions: make(map[string]*process),
		now:      time.Now,
	}
}

type process struct {
	id      string
	command string
	started time.Time
	cancel  context.CancelFunc
	stdin   io.WriteCloser
	output  *processOutput
	done    chan struct{}

	// set before done is closed
	exitCode int
	timedOut bool
	exitedAt time.Time

	mu     sync.Mutex
	cursor int
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// unread returns output appended since the last call.
func (p *process) unread() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	text, next := p.output.since(p.cursor)
	p.cursor = next
	return text
}

func (p *process) kill() {
	p.cancel()
	<-p.done
}

// start launches command under shell in dir. The command is bound to its
// own timeout rather than the caller's context so it can outlive the call.
func (m *ProcessManager) start(dir, shell, command string, timeout time.Duration) (*process, error) {
	runCtx, cancel := context.WithTimeout(context.Background(), timeout)
	cmd := exec.CommandContext(runCtx, shell, "-c", command)
	cmd.Dir = dir
	// Background children may hold the output pipes open after sh is killed.
	cmd.WaitDelay = time.Second
	out := &processOutput{}
	cmd.Stdout = out.stream(false)
	cmd.Stderr = out.stream(true)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, nerrors.Wrap(nerrors.KindExecutionError, "exec", err)
	}

	p := &process{
		command: command,
		started: m.now(),
		cancel:  cancel,
		stdin:   stdin,
		output:  out,
		done:    make(chan struct{}),
	}
	go func() {
		waitErr := cmd.Wait()
		p.timedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded)
		p.exitCode = 0
		if waitErr != nil {
			p.exitCode = -1
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				p.exitCode = exitErr.ExitCode()
			}
		}
		p.exitedAt = m.now()
		cancel()
		close(p.done)
	}()
	return p, nil
}

// adopt registers p as a background session and returns its id.
func (m *ProcessManager) adopt(p *process) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	m.nextID++
	p.id = fmt.Sprintf("bg_%d", m.nextID)
	m.sessions[p.id] = p
	return p.id
}

func (m *ProcessManager) get(id string) (*process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.sessions[id]
	if !ok {
		return nil, nerrors.New(nerrors.KindNotFound, "process", "Session '%s' not found", id)
	}
	return p, nil
}

func (m *ProcessManager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

func (m *ProcessManager) list() []*process {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	out := make([]*process, 0, len(m.sessions))
	for _, p := range m.sessions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].started.Before(out[j].started) })
	return out
}

// pruneLocked drops sessions that exited more than exitedRetention ago
// without being polled.
func (m *ProcessManager) pruneLocked() {
	cutoff := m.now().Add(-exitedRetention)
	for id, p := range m.sessions {
		if p.exited() && p.exitedAt.Before(cutoff) {
			delete(m.sessions, id)
		}
	}
}

// Stop kills every background session.
func (m *ProcessManager) Stop() {
	m.mu.Lock()
	sessions := make([]*process, 0, len(m.sessions))
	for id, p := range m.sessions {
		sessions = append(sessions, p)
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	for _, p := range sessions {
		p.kill()
	}
}

// processOutput keeps stdout and stderr apart for foreground results and
// interleaved, with stderr lines tagged, for polling.
type processOutput struct {
	mu        sync.Mutex
	stdout    bytes.Buffer
	stderr    bytes.Buffer
	log       bytes.Buffer
	midLine   bool
	truncated bool
}

type outputStream struct {
	out    *processOutput
	stderr bool
}

func (o *processOutput) stream(stderr bool) io.Writer {
	return &outputStream{out: o, stderr: stderr}
}

func (s *outputStream) Write(b []byte) (int, error) {
	o := s.out
	o.mu.Lock()
	defer o.mu.Unlock()
	if s.stderr {
		appendCapped(&o.stderr, b)
	} else {
		appendCapped(&o.stdout, b)
	}
	if o.log.Len() >= maxProcessOutput {
		o.truncated = true
		return len(b), nil
	}
	if !s.stderr {
		o.log.Write(b)
		o.midLine = len(b) > 0 && b[len(b)-1] != '\n'
		return len(b), nil
	}
	for _, line := range bytes.SplitAfter(b, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		if !o.midLine {
			o.log.WriteString("[stderr] ")
		}
		o.log.Write(line)
		o.midLine = line[len(line)-1] != '\n'
	}
	return len(b), nil
}

func appendCapped(buf *bytes.Buffer, b []byte) {
	if room := maxProcessOutput - buf.Len(); room > 0 {
		if len(b) > room {
			b = b[:room]
		}
		buf.Write(b)
	}
}

func (o *processOutput) since(cursor int) (string, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data := o.log.Bytes()
	if cursor >= len(data) {
		return "", cursor
	}
	text := string(data[cursor:])
	if o.truncated && len(data) >= maxProcessOutput {
		text += "\n[output truncated]"
	}
	return text, len(data)
}

func (o *processOutput) split() (string, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stdout.String(), o.stderr.String()
}

type processTool struct {
	procs *ProcessManager
}

// NewProcess returns the process tool, which manages commands exec moved
// to the background.
func NewProcess(procs *ProcessManager) toolregistry.Tool {
	return &processTool{procs: procs}
}

func (t *processTool) Definition() toolregistry.Definition {
	return toolregistry.Definition{
		Name: "process",
		Description: "Manage background exec sessions. Actions: list (all sessions), poll (new output and status), " +
			"input (write to stdin, optionally closing it with eof), kill (terminate a session).",
		Parameters: toolregistry.ParameterSchema{
			Type: "object",
			Properties: map[string]toolregistry.Property{
				"action":     {Type: "string", Description: "Action to perform", Enum: []any{"list", "poll", "input", "kill"}},
				"session_id": {Type: "string", Description: "Background session id, e.g. bg_1 (poll, input, kill)"},
				"data":       {Type: "string", Description: "Text to write to stdin (input). A trailing newline is added if missing."},
				"eof":        {Type: "boolean", Description: "Close stdin after writing (input)"},
			},
			Required: []string{"action"},
		},
		Source: "builtin",
	}
}

func (t *processTool) Execute(_ context.Context, call toolregistry.Call) (*toolregistry.Result, error) {
	action := toolregistry.StringArg(call.Arguments, "action")
	if action == "list" {
		return &toolregistry.Result{CallID: call.ID, Content: t.list()}, nil
	}

	id := toolregistry.StringArg(call.Arguments, "session_id")
	if id == "" {
		return nil, nerrors.New(nerrors.KindInvalidArguments, "process", "session_id is required for %s", action)
	}
	p, err := t.procs.get(id)
	if err != nil {
		return nil, err
	}

	var content string
	switch action {
	case "poll":
		content = t.poll(p)
	case "input":
		content, err = t.input(p, toolregistry.RawStringArg(call.Arguments, "data"), toolregistry.BoolArg(call.Arguments, "eof", false))
	case "kill":
		p.kill()
		t.procs.remove(p.id)
		content = fmt.Sprintf("Session %s killed.", p.id)
		if rest := p.unread(); rest != "" {
			content += "\n\n" + rest
		}
	default:
		return nil, nerrors.New(nerrors.KindInvalidArguments, "process", "unknown action %q", action)
	}
	if err != nil {
		return nil, err
	}
	return &toolregistry.Result{
		CallID:   call.ID,
		Content:  content,
		Metadata: map[string]any{"session_id": p.id, "action": action},
	}, nil
}

func (t *processTool) list() string {
	sessions := t.procs.list()
	if len(sessions) == 0 {
		return "No background sessions."
	}
	now := t.procs.now()
	var b strings.Builder
	for _, p := range sessions {
		status := "running"
		if p.exited() {
			status = fmt.Sprintf("exited (code %d)", p.exitCode)
		}
		fmt.Fprintf(&b, "%s: `%s` - %s (%ds)\n", p.id, p.command, status, int(now.Sub(p.started).Seconds()))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (t *processTool) poll(p *process) string {
	exited := p.exited()
	text := p.unread()
	if text == "" {
		text = "(no new output)"
	}
	if !exited {
		return "[still running]\n" + text
	}
	t.procs.remove(p.id)
	if p.timedOut {
		return fmt.Sprintf("[timed out, exit code %d]\n%s", p.exitCode, text)
	}
	return fmt.Sprintf("[exited with code %d]\n%s", p.exitCode, text)
}

func (t *processTool) input(p *process, data string, eof bool) (string, error) {
	if p.exited() {
		return "", nerrors.New(nerrors.KindExecutionError, "process", "session %s has already exited", p.id)
	}
	if data != "" {
		if !strings.HasSuffix(data, "\n") {
			data += "\n"
		}
		if _, err := io.WriteString(p.stdin, data); err != nil {
			return "", nerrors.Wrap(nerrors.KindExecutionError, "process: write stdin", err)
		}
	}
	msg := "Input sent."
	if eof {
		if err := p.stdin.Close(); err != nil {
			return "", nerrors.Wrap(nerrors.KindExecutionError, "process: close stdin", err)
		}
		msg += " stdin closed (EOF)."
	}
	return msg, nil
}
