package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neko/internal/channels"
	nerrors "neko/internal/errors"
	"neko/internal/jsonx"
	"neko/internal/llm"
	"neko/internal/memory"
	"neko/internal/scheduler"
	"neko/internal/session"
	"neko/internal/toolregistry"
)

var fixedNow = time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)

// scriptedModel replays canned responses and records every request.
type scriptedModel struct {
	mu        sync.Mutex
	responses []*llm.Response
	requests  []llm.Request
	err       error
}

func (m *scriptedModel) Create(_ context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		return nil, errors.New("no scripted response left")
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

func textResponse(id, text string) *llm.Response {
	return &llm.Response{ID: id, Status: "completed", Output: []llm.OutputItem{{
		Type: "message", Role: "assistant",
		Content: []llm.ContentPart{{Type: "output_text", Text: text}},
	}}}
}

func callResponse(id string, calls ...llm.OutputItem) *llm.Response {
	for i := range calls {
		calls[i].Type = "function_call"
	}
	return &llm.Response{ID: id, Status: "completed", Output: calls}
}

type echoTool struct {
	mu    sync.Mutex
	calls []toolregistry.Call
}

func (t *echoTool) Definition() toolregistry.Definition {
	return toolregistry.Definition{
		Name:        "echo",
		Description: "echo text",
		Parameters: toolregistry.ParameterSchema{
			Type:       "object",
			Properties: map[string]toolregistry.Property{"text": {Type: "string"}},
			Required:   []string{"text"},
		},
	}
}

func (t *echoTool) Execute(_ context.Context, call toolregistry.Call) (*toolregistry.Result, error) {
	t.mu.Lock()
	t.calls = append(t.calls, call)
	t.mu.Unlock()
	return &toolregistry.Result{Content: "echo: " + toolregistry.StringArg(call.Arguments, "text")}, nil
}

func newRegistry(t *testing.T) (*toolregistry.Registry, *echoTool) {
	t.Helper()
	reg := toolregistry.New(toolregistry.Config{DefaultTimeout: 5 * time.Second})
	tool := &echoTool{}
	reg.MustRegister(tool)
	return reg, tool
}

func lastOutput(t *testing.T, req llm.Request) map[string]any {
	t.Helper()
	data, err := jsonx.Marshal(req.Input[len(req.Input)-1])
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, jsonx.Unmarshal(data, &out))
	return out
}

func TestRunTurnExecutesToolsUntilAnswer(t *testing.T) {
	reg, tool := newRegistry(t)
	model := &scriptedModel{responses: []*llm.Response{
		callResponse("r1", llm.OutputItem{ID: "fc1", CallID: "c1", Name: "echo", Arguments: `{"text": "hi",}`}),
		textResponse("r2", "done"),
	}}
	a := New(model, reg, nil, Config{}, nil, WithClock(func() time.Time { return fixedNow }))

	origin := &channels.Address{Channel: "telegram", Recipient: "42"}
	res, err := a.RunTurn(context.Background(), TurnRequest{
		SessionKey: "neko:telegram:dm:42",
		Origin:     origin,
		History: []session.Message{
			{Role: "user", Content: "earlier"},
			{Role: "assistant", Content: "reply"},
		},
		Text: "say hi",
	})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Text)
	assert.Equal(t, "r2", res.ResponseID)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, 1, res.ToolCalls)

	require.Len(t, model.requests, 2)
	first := model.requests[0]
	assert.Len(t, first.Input, 3, "history plus the new message")
	assert.Equal(t, "auto", first.ToolChoice)
	require.Len(t, first.Tools, 1)
	assert.Equal(t, "function", first.Tools[0].Type)

	second := model.requests[1]
	assert.Len(t, second.Input, 5, "function call and its output are replayed")
	assert.Equal(t, map[string]any{"type": "function_call_output", "call_id": "c1", "output": "echo: hi"}, lastOutput(t, second))

	require.Len(t, tool.calls, 1)
	assert.Equal(t, "neko:telegram:dm:42", tool.calls[0].SessionKey)
	assert.Equal(t, origin, tool.calls[0].Origin)
}

func TestToolFailuresBecomeToolOutput(t *testing.T) {
	reg, _ := newRegistry(t)
	model := &scriptedModel{responses: []*llm.Response{
		callResponse("r1",
			llm.OutputItem{CallID: "c1", Name: "missing", Arguments: `{}`},
			llm.OutputItem{CallID: "c2", Name: "echo", Arguments: `{}`},
		),
		textResponse("r2", "sorry"),
	}}
	a := New(model, reg, nil, Config{}, nil)

	res, err := a.RunTurn(context.Background(), TurnRequest{Text: "go"})
	require.NoError(t, err)
	assert.Equal(t, "sorry", res.Text)

	input := model.requests[1].Input
	outputs := []map[string]any{}
	for _, item := range input {
		if item.Type == "function_call_output" {
			outputs = append(outputs, map[string]any{"call_id": item.CallID, "output": item.Output})
		}
	}
	require.Len(t, outputs, 2)
	assert.Contains(t, outputs[0]["output"], "Error (tool_not_found)")
	assert.Contains(t, outputs[1]["output"], "Error (invalid_arguments)")
}

func TestRunTurnStopsAtMaxIterations(t *testing.T) {
	reg, _ := newRegistry(t)
	loop := func() *llm.Response {
		return callResponse("r", llm.OutputItem{CallID: "c", Name: "echo", Arguments: `{"text":"x"}`})
	}
	model := &scriptedModel{responses: []*llm.Response{loop(), loop(), loop()}}
	a := New(model, reg, nil, Config{MaxIterations: 3}, nil)

	_, err := a.RunTurn(context.Background(), TurnRequest{Text: "spin"})
	require.Error(t, err)
	assert.True(t, nerrors.Is(err, nerrors.KindExecutionError))
	assert.Contains(t, err.Error(), "3 iterations")
	assert.Len(t, model.requests, 3)
}

func TestModelErrorsFailTheTurn(t *testing.T) {
	model := &scriptedModel{err: errors.New("api down")}
	a := New(model, nil, nil, Config{}, nil)

	_, err := a.RunTurn(context.Background(), TurnRequest{Text: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api down")
	assert.Empty(t, model.requests[0].ToolChoice, "no tools, no tool choice")
}

func TestInstructionsIncludeMemoryAndContext(t *testing.T) {
	mem := memory.NewStore(t.TempDir(), memory.WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, mem.EnsureWorkspace())
	_, err := mem.Write(context.Background(), memory.Core(), "- Prefers tea", memory.ModeAppend)
	require.NoError(t, err)

	a := New(&scriptedModel{}, nil, mem, Config{}, nil, WithClock(func() time.Time { return fixedNow }))
	text, err := a.Instructions(context.Background(), TurnRequest{
		SessionKey: "cron:abc",
		Origin:     &channels.Address{Channel: "telegram", Recipient: "42"},
		JobName:    "news",
	})
	require.NoError(t, err)

	assert.Contains(t, text, "You are Neko")
	assert.Contains(t, text, "## Persistent Memory")
	assert.Contains(t, text, "- Prefers tea")
	assert.Contains(t, text, "- Time: 2026-10-18 09:30 (Sunday) UTC")
	assert.Contains(t, text, `Running scheduled job "news"`)
	assert.Contains(t, text, "announced to telegram:42")
	assert.Contains(t, text, "- Session: cron:abc")
}

func TestCustomInstructionsReplaceDefault(t *testing.T) {
	a := New(&scriptedModel{}, nil, nil, Config{Instructions: "Be a pirate."}, nil)
	text, err := a.Instructions(context.Background(), TurnRequest{})
	require.NoError(t, err)
	assert.True(t, len(text) > 0)
	assert.NotContains(t, text, "You are Neko")
	assert.Contains(t, text, "Be a pirate.")
}

func TestRunSatisfiesScheduler(t *testing.T) {
	reg, tool := newRegistry(t)
	model := &scriptedModel{responses: []*llm.Response{
		callResponse("r1", llm.OutputItem{CallID: "c1", Name: "echo", Arguments: `{"text":"x"}`}),
		textResponse("r2", "summary"),
	}}
	a := New(model, reg, nil, Config{}, nil)

	var runner scheduler.AgentRunner = a
	origin := &channels.Address{Channel: "telegram", Recipient: "7"}
	out, err := runner.Run(context.Background(), scheduler.RunRequest{
		JobID: "abcd1234", JobName: "digest", Prompt: "summarize", SessionKey: "cron:abcd1234", Origin: origin,
	})
	require.NoError(t, err)
	assert.Equal(t, "summary", out)
	require.Len(t, tool.calls, 1)
	assert.Equal(t, origin, tool.calls[0].Origin)
	assert.Contains(t, model.requests[0].Instructions, `"digest"`)
}
