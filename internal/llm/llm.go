// Package llm defines the Provider interface for Large Language Model
// backends used by the dialogue engine and the transcript corrector.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import "context"

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call
	// this responds to.
	ToolCallID string
}

// ToolCall represents a fully assembled tool invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string

	// Name is the tool/function name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolCallDelta is one streamed fragment of a tool call. Fragments for the
// same call share an Index; ID and Name arrive on the first fragment and
// Arguments accumulates across fragments. Assembly is the caller's job.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any
}

// CompletionRequest carries everything the model needs to produce a response.
type CompletionRequest struct {
	// SystemPrompt is injected before the conversation history.
	SystemPrompt string

	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []Message

	// Tools is the set of tool definitions offered to the model.
	Tools []ToolDefinition

	// Temperature controls output randomness. Zero means provider default.
	Temperature float64

	// MaxTokens caps completion length. Zero means provider default.
	MaxTokens int
}

// Chunk is a single fragment emitted by a streaming completion. A chunk may
// carry text, tool-call fragments, a finish signal, or any combination.
type Chunk struct {
	// Text is the incremental text content of this chunk.
	Text string

	// ToolCalls holds tool-call fragments carried by this chunk.
	ToolCalls []ToolCallDelta

	// FinishReason is set on the final chunk: "stop" (natural end),
	// "tool_calls" (model wants tools executed), "length" (token cap), or
	// "error" (stream failed; Text holds the error message). Empty on
	// non-final chunks.
	FinishReason string
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// ToolCalls lists all tool invocations requested by the model.
	ToolCalls []ToolCall
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only channel
	// that emits Chunk values as they arrive. The channel is closed by the
	// implementation when generation finishes or when ctx is cancelled.
	//
	// Callers must drain the channel to avoid goroutine leaks. Errors after
	// the stream opens surface as a Chunk with FinishReason "error"; the
	// error return is non-nil only for failures that prevent the stream from
	// starting. The returned channel is never nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req and waits for the full response. Used by callers
	// that do not need incremental output, such as transcript correction.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
