package builtin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	starlarkjson "go.starlark.net/lib/json"
	starlarkmath "go.starlark.net/lib/math"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	nerrors "neko/internal/errors"
	"neko/internal/toolregistry"
)

const (
	defaultScriptSteps   = 10_000_000
	maxScriptOutput      = 10_000
	defaultScriptTimeout = 10 * time.Second
)

// ScriptConfig configures the run_script tool.
type ScriptConfig struct {
	MaxSteps uint64
	Timeout  time.Duration
}

type runScript struct {
	maxSteps uint64
	timeout  time.Duration
}

// NewRunScript returns the run_script tool: a Starlark interpreter with no
// file, network or process access. Scripts see an `args` dict, sum() and
// the json and math modules; print output and a top-level `result` are returned.
func NewRunScript(cfg ScriptConfig) toolregistry.Tool {
	steps := cfg.MaxSteps
	if steps == 0 {
		steps = defaultScriptSteps
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultScriptTimeout
	}
	return &runScript{maxSteps: steps, timeout: timeout}
}

func (t *runScript) Definition() toolregistry.Definition {
	return toolregistry.Definition{
		Name: "run_script",
		Description: "Run a Starlark (Python-like) script for calculations or data transformation. " +
			"Use print() for output or assign the final value to `result`. " +
			"The `args` dict holds the provided arguments; json and math modules and sum() are available.",
		Parameters: toolregistry.ParameterSchema{
			Type: "object",
			Properties: map[string]toolregistry.Property{
				"script": {Type: "string", Description: "Starlark source code"},
				"args":   {Type: "object", Description: "Values exposed to the script as `args`"},
			},
			Required: []string{"script"},
		},
		Timeout: t.timeout,
		Source:  "builtin",
	}
}

func (t *runScript) Execute(ctx context.Context, call toolregistry.Call) (*toolregistry.Result, error) {
	src := toolregistry.RawStringArg(call.Arguments, "script")
	if strings.TrimSpace(src) == "" {
		return nil, nerrors.New(nerrors.KindInvalidArguments, "run_script", "script cannot be empty")
	}
	args, _ := call.Arguments["args"].(map[string]any)

	var out strings.Builder
	thread := &starlark.Thread{
		Name: "run_script",
		Print: func(_ *starlark.Thread, msg string) {
			if out.Len() < maxScriptOutput {
				out.WriteString(msg)
				out.WriteByte('\n')
			}
		},
	}
	thread.SetMaxExecutionSteps(t.maxSteps)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	predeclared := starlark.StringDict{
		"args": toStarlarkValue(args),
		"json": starlarkjson.Module,
		"math": starlarkmath.Module,
		"sum":  starlark.NewBuiltin("sum", scriptSum),
	}
	globals, err := starlark.ExecFileOptions(&syntax.FileOptions{}, thread, "script.star", src, predeclared)
	if err != nil {
		return nil, scriptError(ctx, err)
	}

	content := out.String()
	if len(content) > maxScriptOutput {
		content = content[:maxScriptOutput] + "... [truncated]"
	}
	if result, ok := globals["result"]; ok {
		if content != "" {
			content += "\n"
		}
		content += "result = " + result.String()
	}
	if content == "" {
		content = "(no output; assign to `result` or call print)"
	}

	names := make([]string, 0, len(globals))
	for name := range globals {
		names = append(names, name)
	}
	sort.Strings(names)
	return &toolregistry.Result{
		CallID:   call.ID,
		Content:  content,
		Metadata: map[string]any{"steps": thread.ExecutionSteps(), "globals": names},
	}, nil
}

// scriptSum is Python's sum(iterable, start=0) over numbers.
func scriptSum(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var iterable starlark.Iterable
	var total starlark.Value = starlark.MakeInt(0)
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &iterable, &total); err != nil {
		return nil, err
	}
	iter := iterable.Iterate()
	defer iter.Done()
	var x starlark.Value
	for iter.Next(&x) {
		next, err := starlark.Binary(syntax.PLUS, total, x)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		total = next
	}
	return total, nil
}

func scriptError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return nerrors.New(nerrors.KindExecutionTimeout, "run_script", "script cancelled: %v", ctxErr)
		}
		return ctxErr
	}
	var syntaxErr syntax.Error
	if errors.As(err, &syntaxErr) {
		return nerrors.New(nerrors.KindInvalidArguments, "run_script", "syntax error: %s", syntaxErr.Error())
	}
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return nerrors.New(nerrors.KindExecutionError, "run_script", "%s", evalErr.Backtrace())
	}
	return nerrors.Wrap(nerrors.KindExecutionError, "run_script", err)
}

func toStarlarkValue(v any) starlark.Value {
	switch v := v.(type) {
	case nil:
		return starlark.None
	case bool:
		return starlark.Bool(v)
	case string:
		return starlark.String(v)
	case int:
		return starlark.MakeInt(v)
	case int64:
		return starlark.MakeInt64(v)
	case float64:
		if v == float64(int64(v)) && v < 1<<53 && v > -(1<<53) {
			return starlark.MakeInt64(int64(v))
		}
		return starlark.Float(v)
	case []any:
		elems := make([]starlark.Value, len(v))
		for i, e := range v {
			elems[i] = toStarlarkValue(e)
		}
		return starlark.NewList(elems)
	case map[string]any:
		d := starlark.NewDict(len(v))
		for k, val := range v {
			_ = d.SetKey(starlark.String(k), toStarlarkValue(val))
		}
		return d
	}
	return starlark.String(fmt.Sprint(v))
}
