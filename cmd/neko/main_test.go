package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neko/internal/agent"
	"neko/internal/config"
	"neko/internal/jsonx"
	"neko/internal/llm"
	"neko/internal/memory"
	"neko/internal/scheduler"
)

// stubModel answers every request with the same text.
type stubModel struct {
	mu    sync.Mutex
	text  string
	calls int
}

func (m *stubModel) Create(_ context.Context, _ llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return &llm.Response{
		ID:     fmt.Sprintf("resp_%d", m.calls),
		Status: "completed",
		Output: []llm.OutputItem{{
			Type:    "message",
			Role:    "assistant",
			Content: []llm.ContentPart{{Type: "output_text", Text: m.text}},
		}},
		Usage: llm.Usage{InputTokens: 10, OutputTokens: 2, TotalTokens: 12},
	}, nil
}

func useStubModel(t *testing.T, text string) *stubModel {
	t.Helper()
	model := &stubModel{text: text}
	prev := newModel
	newModel = func(config.Config) agent.Model { return model }
	t.Cleanup(func() { newModel = prev })
	return model
}

type testEnv struct {
	configPath string
	workspace  string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	env := testEnv{
		configPath: filepath.Join(dir, "config.yaml"),
		workspace:  filepath.Join(dir, "workspace"),
	}
	body := fmt.Sprintf(`workspace: %s
agent:
  api_key: test-key
scheduler:
  shutdown_grace: 1s
server:
  addr: 127.0.0.1:0
observability:
  logging:
    level: error
    file: "-"
  metrics:
    enabled: true
`, env.workspace)
	require.NoError(t, os.WriteFile(env.configPath, []byte(body), 0o600))
	return env
}

func (e testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return e.runContext(context.Background(), t, args...)
}

func (e testEnv) runContext(ctx context.Context, t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", e.configPath, "--no-color"}, args...))
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func (e testEnv) config(t *testing.T) config.Config {
	t.Helper()
	cfg, _, err := config.Load(config.WithConfigPath(e.configPath))
	require.NoError(t, err)
	return cfg
}

func TestVersion(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.run(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "neko "+version))
}

func TestInitKeepsExistingConfigAndCreatesWorkspace(t *testing.T) {
	env := newTestEnv(t)
	before, err := os.ReadFile(env.configPath)
	require.NoError(t, err)

	out, err := env.run(t, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Keeping existing config")
	assert.Contains(t, out, "Workspace ready")

	after, err := os.ReadFile(env.configPath)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))

	core, err := os.ReadFile(filepath.Join(env.workspace, "memory", "MEMORY.md"))
	require.NoError(t, err)
	assert.Contains(t, string(core), "# Memory")
	for _, dir := range []string{"sessions", "cron", filepath.Join("memory", "recall")} {
		info, err := os.Stat(filepath.Join(env.workspace, dir))
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir(), dir)
	}

	// Running twice changes nothing.
	_, err = env.run(t, "init")
	require.NoError(t, err)
	again, err := os.ReadFile(filepath.Join(env.workspace, "memory", "MEMORY.md"))
	require.NoError(t, err)
	assert.Equal(t, string(core), string(again))
}

func TestInitWritesTemplate(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := filepath.Join(home, "fresh", "config.yaml")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"--config", path, "--no-color", "init"})
	require.NoError(t, root.Execute())

	assert.Contains(t, out.String(), "Wrote config")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, config.Template, string(data))
	_, err = os.Stat(filepath.Join(home, ".neko", "workspace", "memory", "MEMORY.md"))
	assert.NoError(t, err)
}

func TestCronLifecycle(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "cron", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No cron jobs configured.")

	out, err = env.run(t, "cron", "add", "summarize", "headlines",
		"--schedule", "0 9 * * *", "--name", "news", "--announce", "telegram:42")
	require.NoError(t, err)
	assert.Contains(t, out, "Created job news")

	_, err = env.run(t, "cron", "add", "no schedule")
	require.Error(t, err)

	_, err = env.run(t, "cron", "add", "both", "--schedule", "0 9 * * *", "--at", "2030-01-01 09:00")
	require.Error(t, err)

	_, err = env.run(t, "cron", "add", "bad", "--schedule", "not a cron")
	require.Error(t, err)

	out, err = env.run(t, "cron", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "news")
	assert.Contains(t, out, "scheduled")
	assert.Contains(t, out, "cron 0 9 * * *")
	assert.Contains(t, out, "telegram:42")

	_, err = env.run(t, "cron", "edit", "news")
	require.Error(t, err)

	out, err = env.run(t, "cron", "edit", "news", "--disable", "--announce", "none")
	require.NoError(t, err)
	assert.Contains(t, out, "disabled")

	svc, _ := openJobs(env.config(t))
	job, err := svc.Get(context.Background(), "news")
	require.NoError(t, err)
	assert.Equal(t, scheduler.JobStatusDisabled, job.Status)
	assert.Nil(t, job.Announce)

	out, err = env.run(t, "cron", "edit", job.ID, "--enable", "--prompt", "summarize the news")
	require.NoError(t, err)
	assert.Contains(t, out, "scheduled")

	job, err = svc.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "summarize the news", job.Prompt)
	assert.Equal(t, scheduler.JobStatusActive, job.Status)

	out, err = env.run(t, "cron", "remove", "news", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed job news")

	_, err = env.run(t, "cron", "remove", "news", "--yes")
	require.Error(t, err)

	out, err = env.run(t, "cron", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No cron jobs configured.")
}

func TestCronAddOneShot(t *testing.T) {
	env := newTestEnv(t)
	at := time.Now().Add(48 * time.Hour).Format("2006-01-02 15:04")
	out, err := env.run(t, "cron", "add", "stretch", "--at", at, "--keep")
	require.NoError(t, err)
	assert.Contains(t, out, "Created job")

	svc, _ := openJobs(env.config(t))
	jobs, err := svc.List(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].Schedule.IsOneShot())
	assert.True(t, jobs[0].KeepAfterRun)
	assert.Equal(t, jobs[0].ID, jobs[0].Name)
}

func TestCronHistory(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "cron", "history")
	require.NoError(t, err)
	assert.Contains(t, out, "No execution history.")

	_, history := openJobs(env.config(t))
	require.NoError(t, os.MkdirAll(filepath.Join(env.workspace, "cron"), 0o755))
	started := time.Date(2026, 10, 18, 9, 0, 0, 0, time.Local)
	require.NoError(t, history.Append(context.Background(), scheduler.HistoryEntry{
		JobID: "aaaa1111", JobName: "first", StartedAt: started, FinishedAt: started.Add(time.Second),
		DurationMS: 1000, Outcome: scheduler.OutcomeFailure, Error: "model down",
	}))
	require.NoError(t, history.Append(context.Background(), scheduler.HistoryEntry{
		JobID: "bbbb2222", JobName: "second", StartedAt: started.Add(time.Minute), FinishedAt: started.Add(time.Minute + 1500*time.Millisecond),
		DurationMS: 1500, Outcome: scheduler.OutcomeSuccess, Response: "line one\nline two",
	}))

	out, err = env.run(t, "cron", "history")
	require.NoError(t, err)
	assert.Contains(t, out, "first")
	assert.Contains(t, out, "FAIL")
	assert.Contains(t, out, "model down")
	assert.Contains(t, out, "OK")
	assert.Contains(t, out, "line one")
	assert.NotContains(t, out, "line two")
	assert.Contains(t, out, "1.5s")

	out, err = env.run(t, "cron", "history", "--lines", "1")
	require.NoError(t, err)
	assert.NotContains(t, out, "first")
	assert.Contains(t, out, "second")
}

func TestMemoryCommands(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "memory", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No memory files found.")

	mem := openMemory(env.config(t))
	require.NoError(t, mem.EnsureWorkspace())
	_, err = mem.Write(context.Background(), memory.Core(), "- Favorite color: teal", memory.ModeAppend)
	require.NoError(t, err)

	out, err = env.run(t, "memory", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "memory/MEMORY.md")

	out, err = env.run(t, "memory", "search", "TEAL")
	require.NoError(t, err)
	assert.Contains(t, out, "memory/MEMORY.md:")
	assert.Contains(t, out, "Favorite color: teal")

	out, err = env.run(t, "memory", "search", "TEAL", "--case-sensitive")
	require.NoError(t, err)
	assert.Contains(t, out, "No matches found")

	out, err = env.run(t, "memory", "search", "color: t.al", "--regex")
	require.NoError(t, err)
	assert.Contains(t, out, "teal")

	_, err = env.run(t, "memory", "search", "(", "--regex")
	require.Error(t, err)

	out, err = env.run(t, "memory", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "- Favorite color: teal")

	_, err = env.run(t, "memory", "show", "../etc/passwd")
	require.Error(t, err)
}

func TestMessageRunsThroughGateway(t *testing.T) {
	env := newTestEnv(t)
	model := useStubModel(t, "pong")

	out, err := env.run(t, "message", "ping")
	require.NoError(t, err)
	assert.Equal(t, "pong\n", out)
	assert.Equal(t, 1, model.calls)

	out, err = env.run(t, "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "neko:main")
	assert.Contains(t, out, "cli:")

	out, err = env.run(t, "memory", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "memory/recall/")

	out, err = env.run(t, "sessions", "clear", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "Cleared 1 session(s).")

	out, err = env.run(t, "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No active sessions.")
}

func TestStatusAndStopWhenNotRunning(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Neko is not running.")

	out, err = env.run(t, "stop")
	require.NoError(t, err)
	assert.Contains(t, out, "no PID file found")

	pidPath := filepath.Join(env.workspace, "neko.pid")
	require.NoError(t, writePIDFile(pidPath, 4194000, "127.0.0.1:1"))
	out, err = env.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "stale PID file")
	_, err = os.Stat(pidPath)
	assert.True(t, os.IsNotExist(err))
}

func TestServeEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	useStubModel(t, "pong")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	var serveOut string
	go func() {
		out, err := env.runContext(ctx, t, "serve")
		serveOut = out
		done <- err
	}()

	pidPath := filepath.Join(env.workspace, "neko.pid")
	var addr string
	require.Eventually(t, func() bool {
		pid, a, ok := readPIDFile(pidPath)
		if !ok || pid != os.Getpid() {
			return false
		}
		addr = a
		return true
	}, 10*time.Second, 20*time.Millisecond)

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post("http://"+addr+"/api/messages", "application/json",
		strings.NewReader(`{"channel":"api","sender":"ada","text":"ping"}`))
	require.NoError(t, err)
	var reply map[string]any
	require.NoError(t, jsonx.NewDecoder(resp.Body).Decode(&reply))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", reply["response"])

	resp, err = http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	out, err := env.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Neko is running")
	assert.Contains(t, out, "tools:")

	_, err = env.run(t, "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not stop")
	}
	assert.Contains(t, serveOut, "started")
	assert.Contains(t, serveOut, "Neko stopped.")
	_, err = os.Stat(pidPath)
	assert.True(t, os.IsNotExist(err))
}

func TestTailLines(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, tailLines(&out, strings.NewReader("a\nb\nc\nd\n"), 2))
	assert.Equal(t, "c\nd\n\n(showing last 2 of 4 lines)\n", out.String())
}

func TestPIDFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "neko.pid")
	require.NoError(t, writePIDFile(path, 4242, "127.0.0.1:3000"))
	pid, addr, ok := readPIDFile(path)
	require.True(t, ok)
	assert.Equal(t, 4242, pid)
	assert.Equal(t, "127.0.0.1:3000", addr)

	require.NoError(t, os.WriteFile(path, []byte("garbage\n"), 0o644))
	_, _, ok = readPIDFile(path)
	assert.False(t, ok)

	assert.True(t, processRunning(os.Getpid()))
}
