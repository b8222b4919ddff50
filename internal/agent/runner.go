// Package agent drives the model/tool loop for one invocation.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"neko/internal/channels"
	nerrors "neko/internal/errors"
	"neko/internal/llm"
	"neko/internal/logging"
	"neko/internal/memory"
	"neko/internal/scheduler"
	"neko/internal/session"
	"neko/internal/toolregistry"
)

const (
	DefaultMaxIterations = 10
	tracerName           = "neko/agent"
	toolLogPreview       = 200
)

// Model is the part of the LLM client the loop needs.
type Model interface {
	Create(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Config tunes the loop.
type Config struct {
	MaxIterations   int
	MaxOutputTokens int
	// Instructions replaces DefaultInstructions when set.
	Instructions string
}

// Agent runs turns against a model with the registry's tools.
type Agent struct {
	model  Model
	tools  *toolregistry.Registry
	memory *memory.Store
	cfg    Config
	logger logging.Logger
	now    func() time.Time
}

// Option configures an Agent.
type Option func(*Agent)

// WithClock injects the time source used in instructions.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

// New creates an agent. mem may be nil, in which case no memory context is
// injected.
func New(model Model, tools *toolregistry.Registry, mem *memory.Store, cfg Config, logger logging.Logger, opts ...Option) *Agent {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	a := &Agent{
		model:  model,
		tools:  tools,
		memory: mem,
		cfg:    cfg,
		logger: logging.OrNop(logger),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// TurnRequest is one invocation of the loop.
type TurnRequest struct {
	SessionKey string
	Origin     *channels.Address
	History    []session.Message
	Text       string
	// JobName is set when a scheduled job drives the turn.
	JobName string
}

// TurnResult is the outcome of a completed turn.
type TurnResult struct {
	Text       string
	ResponseID string
	Iterations int
	ToolCalls  int
	Usage      llm.Usage
}

// RunTurn sends the request, executes requested tools and loops until the
// model answers without tool calls or MaxIterations is reached.
func (a *Agent) RunTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "agent.turn",
		trace.WithAttributes(attribute.String("session.key", req.SessionKey)))
	defer span.End()

	result, err := a.runTurn(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("agent.iterations", result.Iterations),
		attribute.Int("agent.tool_calls", result.ToolCalls),
	)
	return result, nil
}

func (a *Agent) runTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	instructions, err := a.Instructions(ctx, req)
	if err != nil {
		return nil, err
	}
	input := historyItems(req.History)
	input = append(input, llm.UserMessage(req.Text))
	tools := a.toolDefinitions()

	result := &TurnResult{}
	for iteration := 1; iteration <= a.cfg.MaxIterations; iteration++ {
		a.logger.Debug("Agent loop iteration %d (%s)", iteration, req.SessionKey)
		llmReq := llm.Request{
			Input:           input,
			Instructions:    instructions,
			Tools:           tools,
			MaxOutputTokens: a.cfg.MaxOutputTokens,
		}
		if len(tools) > 0 {
			llmReq.ToolChoice = "auto"
		}
		resp, err := a.model.Create(ctx, llmReq)
		if err != nil {
			return nil, fmt.Errorf("model call: %w", err)
		}
		result.Iterations = iteration
		result.ResponseID = resp.ID
		result.Usage.InputTokens += resp.Usage.InputTokens
		result.Usage.OutputTokens += resp.Usage.OutputTokens
		result.Usage.TotalTokens += resp.Usage.TotalTokens

		for _, out := range resp.Output {
			if item, ok := out.AsInput(); ok {
				input = append(input, item)
			}
		}

		calls := resp.FunctionCalls()
		if len(calls) == 0 {
			result.Text = resp.Text()
			return result, nil
		}

		a.logger.Info("Executing %d tool call(s)", len(calls))
		for _, call := range calls {
			result.ToolCalls++
			output := a.executeTool(ctx, req, call)
			input = append(input, llm.FunctionCallOutput(call.CallID, output))
		}
	}
	return nil, nerrors.New(nerrors.KindExecutionError, "agent",
		"no final answer after %d iterations", a.cfg.MaxIterations)
}

// executeTool never fails the turn: errors become tool output the model
// can react to.
func (a *Agent) executeTool(ctx context.Context, req TurnRequest, call llm.FunctionCall) string {
	args, err := toolregistry.DecodeArguments(call.Arguments)
	if err != nil {
		return toolregistry.FormatError(err)
	}
	res, err := a.tools.Dispatch(ctx, toolregistry.Call{
		ID:         call.CallID,
		Name:       call.Name,
		Arguments:  args,
		SessionKey: req.SessionKey,
		Origin:     req.Origin,
	})
	if err != nil {
		return toolregistry.FormatError(err)
	}
	output := res.Content
	if res.Error != nil {
		a.logger.Warn("Tool %s returned error: %s", call.Name, preview(res.ErrorText(), toolLogPreview))
		if !strings.HasPrefix(output, "Error") {
			output = "Error: " + res.ErrorText() + "\n" + output
		}
	}
	a.logger.Debug("Tool %s returned %d bytes", call.Name, len(output))
	return output
}

func (a *Agent) toolDefinitions() []llm.ToolDefinition {
	if a.tools == nil {
		return nil
	}
	defs := a.tools.List()
	out := make([]llm.ToolDefinition, 0, len(defs))
	for _, def := range defs {
		params := def.Parameters
		if params.Type == "" {
			params.Type = "object"
		}
		if params.Properties == nil {
			params.Properties = map[string]toolregistry.Property{}
		}
		out = append(out, llm.ToolDefinition{
			Type:        "function",
			Name:        def.Name,
			Description: def.Description,
			Parameters:  params,
		})
	}
	return out
}

func historyItems(history []session.Message) []llm.Item {
	items := make([]llm.Item, 0, len(history)+1)
	for _, msg := range history {
		switch msg.Role {
		case "user":
			items = append(items, llm.UserMessage(msg.Content))
		case "assistant":
			if msg.Content != "" {
				items = append(items, llm.AssistantMessage(msg.Content))
			}
		}
	}
	return items
}

// Run executes a scheduled job's prompt. It satisfies scheduler.AgentRunner.
func (a *Agent) Run(ctx context.Context, req scheduler.RunRequest) (string, error) {
	name := req.JobName
	if name == "" {
		name = req.JobID
	}
	res, err := a.RunTurn(ctx, TurnRequest{
		SessionKey: req.SessionKey,
		Origin:     req.Origin,
		Text:       req.Prompt,
		JobName:    name,
	})
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

var _ scheduler.AgentRunner = (*Agent)(nil)

func preview(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
