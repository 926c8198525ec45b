// Package tools implements the function-calling surface offered to the
// dialogue model: a registry of named tools plus the route planning and web
// search executors the kiosk ships with.
//
// Tool failures are part of the conversation, not of the program: executors
// report problems as JSON error payloads in the result string so the model
// can phrase an apology, and Execute never returns a Go error to the engine.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hananetworks/kiost-1/internal/llm"
	"github.com/hananetworks/kiost-1/internal/observe"
)

// Handler executes one tool call. args is the raw JSON arguments object from
// the model; the returned string is the tool-result message content.
type Handler func(ctx context.Context, args json.RawMessage) string

// Tool couples a model-facing definition with its executor.
type Tool struct {
	// Definition is offered to the model on every dialogue request.
	Definition llm.ToolDefinition

	// Cacheable reports whether responses produced through this tool may be
	// replayed from the dialogue cache. Live data (directions, search) must
	// not be.
	Cacheable bool

	// Handler runs the tool.
	Handler Handler
}

// Registry maps tool names to tools. Registration happens at startup;
// lookups afterwards are read-only, so no locking is needed.
type Registry struct {
	tools   map[string]Tool
	metrics *observe.Metrics
	log     *slog.Logger
}

// NewRegistry returns an empty registry. metrics may be nil.
func NewRegistry(metrics *observe.Metrics, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:   make(map[string]Tool),
		metrics: metrics,
		log:     logger,
	}
}

// Register adds t to the registry. Duplicate names are an error.
func (r *Registry) Register(t Tool) error {
	name := t.Definition.Name
	if name == "" {
		return fmt.Errorf("tools: tool definition has no name")
	}
	if _, ok := r.tools[name]; ok {
		return fmt.Errorf("tools: duplicate tool %q", name)
	}
	r.tools[name] = t
	return nil
}

// Definitions returns all registered tool definitions in name order.
func (r *Registry) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Cacheable reports whether name's responses may be cached. Unknown tools are
// not cacheable.
func (r *Registry) Cacheable(name string) bool {
	t, ok := r.tools[name]
	return ok && t.Cacheable
}

// Execute runs the named tool and returns its result string. An unknown name
// becomes a JSON error payload rather than a Go error.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) string {
	t, ok := r.tools[name]
	if !ok {
		r.log.Warn("unknown tool requested", "tool", name)
		if r.metrics != nil {
			r.metrics.RecordToolCall(ctx, name, "unknown")
		}
		return errorResult(fmt.Sprintf("알 수 없는 함수입니다: %s", name))
	}

	start := time.Now()
	result := t.Handler(ctx, args)
	elapsed := time.Since(start)

	status := "ok"
	var probe struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(result), &probe); err == nil && probe.Error != "" {
		status = "error"
	}

	r.log.Info("tool executed", "tool", name, "status", status, "duration", elapsed)
	if r.metrics != nil {
		r.metrics.RecordToolCall(ctx, name, status)
		r.metrics.ToolExecutionDuration.Record(ctx, elapsed.Seconds())
	}
	return result
}

// errorResult encodes msg as the conventional {"error": ...} payload.
func errorResult(msg string) string {
	data, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return `{"error":"internal error"}`
	}
	return string(data)
}
