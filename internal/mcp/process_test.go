package mcp

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"neko/internal/logging"
)

func TestProcessRestartsAfterStop(t *testing.T) {
	p := NewProcess(ProcessConfig{Command: "sleep", Args: []string{"5"}}, logging.Nop())

	if err := p.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	first := p.Done()
	if err := p.Start(); err == nil {
		t.Fatal("second start while running should fail")
	}
	if err := p.Stop(100 * time.Millisecond); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	select {
	case <-first:
	default:
		t.Fatal("expected first run to be finished after stop")
	}

	if err := p.Start(); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if p.Done() == first {
		t.Fatal("expected a fresh done channel for the new run")
	}
	_ = p.Stop(100 * time.Millisecond)
}

func TestProcessStopRunIgnoresStaleRun(t *testing.T) {
	p := NewProcess(ProcessConfig{Command: "sleep", Args: []string{"5"}}, logging.Nop())
	if err := p.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	stale := p.Done()
	_ = p.Stop(100 * time.Millisecond)
	if err := p.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer p.Stop(100 * time.Millisecond)

	if err := p.stopRun(stale, 100*time.Millisecond); err != nil {
		t.Fatalf("stopRun: %v", err)
	}
	if !p.IsRunning() {
		t.Fatal("stopping a stale run must not touch the current process")
	}
}

func TestProcessInheritsEnvironmentWithOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	scriptPath := filepath.Join(tmpDir, "run.sh")

	// Without the inherited PATH, /usr/bin/env cannot locate sh.
	script := "#!/usr/bin/env sh\n[ \"$TEST_VAR\" = test ] || exit 4\nexit 0\n"
	if err := os.WriteFile(scriptPath, []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	p := NewProcess(ProcessConfig{Command: scriptPath, Env: map[string]string{"TEST_VAR": "test"}}, logging.Nop())
	if err := p.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for script to exit")
	}
	if err := p.ExitErr(); err != nil {
		t.Fatalf("expected script to exit 0, got %v", err)
	}
}

func TestMergeEnvOverridesKeys(t *testing.T) {
	env := mergeEnv([]string{"A=1", "B=2"}, map[string]string{"B": "3", "C": "4"})
	want := []string{"A=1", "B=3", "C=4"}
	if len(env) != len(want) {
		t.Fatalf("got %v", env)
	}
	for i := range want {
		if env[i] != want[i] {
			t.Fatalf("got %v, want %v", env, want)
		}
	}
}

func TestResolveExecutableRejectsEmpty(t *testing.T) {
	if _, err := resolveExecutable("  "); err == nil {
		t.Fatal("expected error for empty command")
	}
	if _, err := resolveExecutable("/definitely/not/here"); err == nil {
		t.Fatal("expected error for missing command")
	}
}
