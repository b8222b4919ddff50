package toolregistry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	nerrors "neko/internal/errors"
	"neko/internal/logging"
)

// MCPPrefix namespaces tools discovered from MCP servers.
const MCPPrefix = "mcp__"

// DefaultTimeout applies to tools without their own timeout.
const DefaultTimeout = 60 * time.Second

// MCPToolName returns the registered name of an MCP server's tool.
func MCPToolName(server, tool string) string {
	return MCPPrefix + server + "__" + tool
}

// IsMCPTool reports whether name was registered from an MCP server.
func IsMCPTool(name string) bool {
	return strings.HasPrefix(name, MCPPrefix)
}

// Observer receives one callback per dispatched call.
type Observer interface {
	ObserveToolCall(ctx context.Context, tool, outcome string, duration time.Duration)
}

// Config configures a Registry.
type Config struct {
	DefaultTimeout time.Duration
	// Timeouts overrides the timeout per tool name.
	Timeouts map[string]time.Duration
	Observer Observer
	Logger   logging.Logger
}

// Registry maps tool names to tools and dispatches calls with validation,
// timeouts and typed failures.
type Registry struct {
	mu       sync.RWMutex
	builtin  map[string]Tool
	mcp      map[string]Tool
	timeouts map[string]time.Duration
	timeout  time.Duration
	observer Observer
	logger   logging.Logger
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timeouts := make(map[string]time.Duration, len(cfg.Timeouts))
	for name, d := range cfg.Timeouts {
		timeouts[name] = d
	}
	return &Registry{
		builtin:  make(map[string]Tool),
		mcp:      make(map[string]Tool),
		timeouts: timeouts,
		timeout:  timeout,
		observer: cfg.Observer,
		logger:   logging.OrNop(cfg.Logger),
	}
}

// Register adds a tool. Names must be unique across built-in and MCP tools.
func (r *Registry) Register(tool Tool) error {
	name := strings.TrimSpace(tool.Definition().Name)
	if name == "" {
		return fmt.Errorf("tool name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.builtin[name]; exists {
		return fmt.Errorf("tool already exists: %s", name)
	}
	if _, exists := r.mcp[name]; exists {
		return fmt.Errorf("tool already exists: %s", name)
	}
	if IsMCPTool(name) {
		r.mcp[name] = tool
	} else {
		r.builtin[name] = tool
	}
	return nil
}

// MustRegister registers tool and panics on conflict. For startup wiring.
func (r *Registry) MustRegister(tool Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

// Unregister removes an MCP tool. Built-in tools cannot be removed.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.builtin[name]; ok {
		return fmt.Errorf("cannot unregister built-in tool: %s", name)
	}
	delete(r.mcp, name)
	return nil
}

// UnregisterServer removes every tool registered from the named MCP server.
func (r *Registry) UnregisterServer(server string) int {
	prefix := MCPPrefix + server + "__"
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for name := range r.mcp {
		if strings.HasPrefix(name, prefix) {
			delete(r.mcp, name)
			removed++
		}
	}
	return removed
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tool, ok := r.builtin[name]; ok {
		return tool, nil
	}
	if tool, ok := r.mcp[name]; ok {
		return tool, nil
	}
	return nil, nerrors.New(nerrors.KindToolNotFound, "registry", "tool not found: %s", name)
}

// List returns all definitions sorted by name, built-in tools first.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.builtin)+len(r.mcp))
	for _, tool := range r.builtin {
		defs = append(defs, tool.Definition())
	}
	for _, tool := range r.mcp {
		defs = append(defs, tool.Definition())
	}
	sort.Slice(defs, func(i, j int) bool {
		mi, mj := IsMCPTool(defs[i].Name), IsMCPTool(defs[j].Name)
		if mi != mj {
			return !mi
		}
		return defs[i].Name < defs[j].Name
	})
	return defs
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.builtin) + len(r.mcp)
}

// TimeoutFor returns the effective timeout of the named tool.
func (r *Registry) TimeoutFor(name string, def Definition) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.timeouts[name]; ok && d > 0 {
		return d
	}
	if def.Timeout > 0 {
		return def.Timeout
	}
	return r.timeout
}

// Dispatch validates and executes call. Failures come back as typed errors:
// ToolNotFound, InvalidArguments, ExecutionTimeout, ExecutionError,
// ConnectionLost or ProtocolError. Panics inside tools are recovered.
func (r *Registry) Dispatch(ctx context.Context, call Call) (*Result, error) {
	ctx, span := otel.Tracer("neko/toolregistry").Start(ctx, "tool.dispatch",
		trace.WithAttributes(attribute.String("tool.name", call.Name)))
	defer span.End()

	start := time.Now()
	result, err := r.dispatch(ctx, call)
	outcome := "success"
	if err != nil {
		kind, _ := nerrors.KindOf(err)
		outcome = string(kind)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Warn("Tool %s failed: %v", call.Name, err)
	}
	if r.observer != nil {
		r.observer.ObserveToolCall(ctx, call.Name, outcome, time.Since(start))
	}
	return result, err
}

func (r *Registry) dispatch(ctx context.Context, call Call) (*Result, error) {
	tool, err := r.Get(call.Name)
	if err != nil {
		return nil, err
	}
	def := tool.Definition()
	if call.Arguments == nil {
		call.Arguments = map[string]any{}
	}
	if err := Validate(def.Parameters, call.Arguments); err != nil {
		return nil, err
	}

	timeout := r.TimeoutFor(call.Name, def)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: nerrors.New(nerrors.KindExecutionError, call.Name, "tool panicked: %v", p)}
			}
		}()
		res, err := tool.Execute(callCtx, call)
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return out.result, classify(callCtx, call.Name, out.err, timeout)
		}
		if out.result == nil {
			out.result = &Result{}
		}
		if out.result.CallID == "" {
			out.result.CallID = call.ID
		}
		return out.result, nil
	case <-callCtx.Done():
		// The tool goroutine is abandoned; its context is already cancelled.
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, nerrors.New(nerrors.KindExecutionTimeout, call.Name, "tool exceeded its %s timeout", timeout)
		}
		return nil, nerrors.Wrap(nerrors.KindExecutionError, call.Name, ctx.Err())
	}
}

// classify maps a tool error onto the taxonomy. Already-tagged errors keep
// their kind so MCP protocol failures stay distinct from tool failures.
func classify(ctx context.Context, name string, err error, timeout time.Duration) error {
	if _, tagged := nerrors.KindOf(err); tagged {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nerrors.Wrap(nerrors.KindExecutionTimeout, name, fmt.Errorf("tool exceeded its %s timeout: %w", timeout, err))
	}
	return nerrors.Wrap(nerrors.KindExecutionError, name, err)
}

// FormatError renders a dispatch failure as tool output the model can
// reason about.
func FormatError(err error) string {
	if err == nil {
		return ""
	}
	kind, ok := nerrors.KindOf(err)
	if !ok {
		return "Error: " + err.Error()
	}
	return fmt.Sprintf("Error (%s): %s", kind, err.Error())
}
