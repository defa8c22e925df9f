// Package agent implements the tool-using reason-act loop over the
// multi-provider LLM client. Each iteration sends the transcript to the
// model, extracts an action directive from the reply, dispatches the named
// tool and feeds its result back as a user message, until the model finishes
// or the run budget is spent.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/quillframe/quill/pkg/llms"
	"github.com/quillframe/quill/pkg/logger"
	"github.com/quillframe/quill/pkg/observability"
)

const (
	DefaultMaxIterations = 10
	DefaultTimeout       = 2 * time.Minute
)

// ToolParam describes one parameter of a tool for the prompt table.
type ToolParam struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// Tool is a capability the model may invoke. Handler serves natively
// registered tools; tools defined as document fragments go through the
// agent-level Executor instead.
type Tool struct {
	Name        string
	Description string
	Params      []ToolParam
	Handler     func(ctx context.Context, args map[string]any) (any, error)
}

// ToolExecutor runs a tool that has no native handler.
type ToolExecutor func(ctx context.Context, name string, args map[string]any) (any, error)

type Config struct {
	Name          string
	Instruction   string
	Tools         []Tool
	LLM           llms.Config
	MaxIterations int
	Timeout       time.Duration
	Executor      ToolExecutor
}

// ActionRecord is one executed tool call in a run's history.
type ActionRecord struct {
	Tool   string
	Args   map[string]any
	Result any
	Error  string
}

// Result is the outcome of one agent run. Failures are carried in the result
// so document bindings always see a uniform shape.
type Result struct {
	Success       bool
	Result        string
	Error         string
	ExecutionTime time.Duration
	Iterations    int
	ActionCount   int
	Actions       []ActionRecord
	TokenUsage    llms.Usage
}

func (r *Result) ToValue() map[string]any {
	actions := make([]any, 0, len(r.Actions))
	for _, a := range r.Actions {
		rec := map[string]any{
			"tool": a.Tool,
			"args": a.Args,
		}
		if a.Error != "" {
			rec["error"] = a.Error
		} else {
			rec["result"] = a.Result
		}
		actions = append(actions, rec)
	}
	out := map[string]any{
		"success":           r.Success,
		"result":            r.Result,
		"execution_time_ms": r.ExecutionTime.Milliseconds(),
		"iterations":        int64(r.Iterations),
		"action_count":      int64(r.ActionCount),
		"actions":           actions,
		"token_usage": map[string]any{
			"prompt":     int64(r.TokenUsage.PromptTokens),
			"completion": int64(r.TokenUsage.CompletionTokens),
			"total":      int64(r.TokenUsage.TotalTokens),
		},
	}
	if r.Error != "" {
		out["error"] = r.Error
	}
	return out
}

type Agent struct {
	cfg    Config
	client *llms.Client
	log    *slog.Logger
}

func New(cfg Config, client *llms.Client) *Agent {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Agent{
		cfg:    cfg,
		client: client,
		log:    logger.GetLogger("agent"),
	}
}

// Run executes the reason-act loop for one task. extra is optional context
// appended to the task message.
func (a *Agent) Run(ctx context.Context, task, extra string) *Result {
	start := time.Now()

	tracer := observability.GetTracer("quill.agent")
	ctx, span := tracer.Start(ctx, observability.SpanAgentRun,
		trace.WithAttributes(attribute.String(observability.AttrAgentName, a.cfg.Name)),
	)
	defer span.End()

	deadline := start.Add(a.cfg.Timeout)

	userMessage := task
	if extra != "" {
		userMessage = task + "\n\nContext:\n" + extra
	}
	transcript := []llms.Message{
		{Role: llms.RoleSystem, Content: a.systemPrompt()},
		{Role: llms.RoleUser, Content: userMessage},
	}

	result := &Result{}
	finish := func(err string) *Result {
		result.Error = err
		result.ExecutionTime = time.Since(start)
		if err != "" {
			span.SetStatus(codes.Error, err)
		} else {
			span.SetStatus(codes.Ok, "success")
		}
		span.SetAttributes(attribute.Int(observability.AttrAgentIterations, result.Iterations))
		observability.GetGlobalMetrics().RecordAgentRun(ctx, a.cfg.Name, result.ExecutionTime, errOrNil(err))
		return result
	}

	var lastAssistant string

	for result.Iterations < a.cfg.MaxIterations {
		// the timeout gates new LLM calls, not one already in flight
		if time.Now().After(deadline) {
			a.salvage(result, lastAssistant)
			return finish(fmt.Sprintf("agent %q timed out after %s", a.cfg.Name, a.cfg.Timeout))
		}

		response := a.client.Chat(ctx, a.cfg.LLM, transcript)
		result.Iterations++
		result.TokenUsage.PromptTokens += response.Usage.PromptTokens
		result.TokenUsage.CompletionTokens += response.Usage.CompletionTokens
		result.TokenUsage.TotalTokens += response.Usage.TotalTokens

		if !response.Success {
			return finish(fmt.Sprintf("agent %q: LLM call failed: %s", a.cfg.Name, response.Error))
		}

		lastAssistant = response.Content
		transcript = append(transcript, llms.Message{Role: llms.RoleAssistant, Content: response.Content})

		action := ExtractAction(response.Content)
		if action == nil {
			transcript = append(transcript, llms.Message{
				Role:    llms.RoleUser,
				Content: "Error: Could not find a JSON action in your response. Respond with exactly one JSON action object.",
			})
			continue
		}

		if action.IsFinish() {
			result.Success = true
			result.Result = action.Result
			return finish("")
		}

		tool := a.tool(action.Name)
		if tool == nil {
			a.log.Debug("unknown tool requested", "agent", a.cfg.Name, "tool", action.Name)
			transcript = append(transcript, llms.Message{
				Role:    llms.RoleUser,
				Content: fmt.Sprintf("Error: Unknown tool '%s'. Available tools: %s. Use one of the listed tools, or finish.", action.Name, a.toolNames()),
			})
			continue
		}

		value, err := a.dispatch(ctx, tool, action.Args)
		record := ActionRecord{Tool: tool.Name, Args: action.Args, Result: value}
		if err != nil {
			record.Error = err.Error()
		}
		result.Actions = append(result.Actions, record)
		result.ActionCount++

		transcript = append(transcript, llms.Message{
			Role:    llms.RoleUser,
			Content: toolResultMessage(tool.Name, value, err),
		})
	}

	a.salvage(result, lastAssistant)
	return finish(fmt.Sprintf("agent %q reached maximum iterations (%d) without finishing", a.cfg.Name, a.cfg.MaxIterations))
}

func (a *Agent) dispatch(ctx context.Context, tool *Tool, args map[string]any) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %q panicked: %v", tool.Name, r)
		}
	}()

	if tool.Handler != nil {
		return tool.Handler(ctx, args)
	}
	if a.cfg.Executor != nil {
		return a.cfg.Executor(ctx, tool.Name, args)
	}
	return nil, fmt.Errorf("tool %q has no handler and no executor is configured", tool.Name)
}

// salvage keeps the last assistant message as a best-effort result when the
// run ends without an explicit finish, provided it doesn't look like an
// unfinished tool deliberation.
func (a *Agent) salvage(result *Result, lastAssistant string) {
	if lastAssistant == "" {
		return
	}
	lower := strings.ToLower(lastAssistant)
	for _, tool := range a.cfg.Tools {
		if strings.Contains(lower, strings.ToLower(tool.Name)) {
			return
		}
	}
	if strings.Contains(lower, `"action"`) {
		return
	}
	result.Result = lastAssistant
}

func (a *Agent) tool(name string) *Tool {
	for i := range a.cfg.Tools {
		if a.cfg.Tools[i].Name == name {
			return &a.cfg.Tools[i]
		}
	}
	return nil
}

func (a *Agent) toolNames() string {
	names := make([]string, len(a.cfg.Tools))
	for i, t := range a.cfg.Tools {
		names[i] = t.Name
	}
	return strings.Join(names, ", ")
}

func (a *Agent) systemPrompt() string {
	var b strings.Builder
	if a.cfg.Instruction != "" {
		b.WriteString(a.cfg.Instruction)
		b.WriteString("\n\n")
	}

	if len(a.cfg.Tools) > 0 {
		b.WriteString("You can use the following tools:\n\n")
		for _, tool := range a.cfg.Tools {
			fmt.Fprintf(&b, "- %s: %s\n", tool.Name, tool.Description)
			for _, p := range tool.Params {
				required := "optional"
				if p.Required {
					required = "required"
				}
				fmt.Fprintf(&b, "    - %s (%s, %s): %s\n", p.Name, p.Type, required, p.Description)
			}
		}
		b.WriteString("\n")
	}

	b.WriteString("To use a tool, respond with a single JSON object:\n")
	b.WriteString("{\"action\": \"<tool_name>\", \"args\": {...}}\n\n")
	b.WriteString("When you have the final answer, respond with:\n")
	b.WriteString("{\"action\": \"finish\", \"result\": \"<your answer>\"}\n\n")
	b.WriteString("Respond with exactly one JSON action per turn.")
	return b.String()
}

func toolResultMessage(name string, value any, err error) string {
	if err != nil {
		return fmt.Sprintf("Tool '%s' failed with error: %s", name, err)
	}
	encoded, marshalErr := json.Marshal(value)
	if marshalErr != nil {
		return fmt.Sprintf("Tool '%s' returned: %v", name, value)
	}
	return fmt.Sprintf("Tool '%s' returned: %s", name, encoded)
}

func errOrNil(message string) error {
	if message == "" {
		return nil
	}
	return fmt.Errorf("%s", message)
}
