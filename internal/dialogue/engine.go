// Package dialogue turns a conversation history into a streamed assistant
// response, executing at most one round of tool calls per user turn.
//
// The flow mirrors the model API's function-calling contract: a primary
// stream either completes with text or requests tools; requested tool calls
// are assembled from fragments, executed, and a secondary stream produces the
// final answer from the tool results. Successful responses are cached by
// conversation history unless they were produced through a non-cacheable
// tool.
package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hananetworks/kiost-1/internal/llm"
	"github.com/hananetworks/kiost-1/internal/observe"
	"github.com/hananetworks/kiost-1/internal/tools"
)

// ErrBusy is returned by Respond while another completion is in flight for
// the same engine. The conversation history is single-writer; a second
// submission must wait for the first to finish.
var ErrBusy = errors.New("dialogue: completion already in flight")

const (
	primaryMaxTokens   = 350
	secondaryMaxTokens = 250
	defaultTemperature = 0.2

	// Cache replay granularity: cached responses are re-emitted in small
	// fixed-size chunks so downstream consumers see the same chunk/end
	// protocol as a live stream.
	replayChunkRunes = 5
	replayDelay      = 10 * time.Millisecond
)

// Listener receives the outward response events for one turn. Exactly one of
// OnEnd or OnError terminates the turn; no chunks follow the terminal event.
type Listener interface {
	OnChunk(text string)
	OnEnd()
	OnError(message string)
}

// Config holds engine construction parameters.
type Config struct {
	// Provider is the streaming model backend. Required.
	Provider llm.Provider

	// Tools is the function-calling registry. Required.
	Tools *tools.Registry

	// Prompt is the system instruction set. Zero value means
	// [DefaultPrompt].
	Prompt SystemPrompt

	// CacheSize bounds the response cache. Default 50.
	CacheSize int

	// Metrics records latencies and cache lookups. May be nil.
	Metrics *observe.Metrics

	// Logger for engine events. Default slog.Default().
	Logger *slog.Logger
}

// Engine is the streaming dialogue engine. Safe for concurrent use; only one
// Respond call runs at a time.
type Engine struct {
	provider llm.Provider
	registry *tools.Registry
	prompt   SystemPrompt
	cache    *responseCache
	metrics  *observe.Metrics
	log      *slog.Logger
	busy     atomic.Bool
}

// New creates an Engine from cfg.
func New(cfg Config) *Engine {
	prompt := cfg.Prompt
	if prompt == (SystemPrompt{}) {
		prompt = DefaultPrompt()
	}
	size := cfg.CacheSize
	if size == 0 {
		size = 50
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		provider: cfg.Provider,
		registry: cfg.Tools,
		prompt:   prompt,
		cache:    newResponseCache(size),
		metrics:  cfg.Metrics,
		log:      log,
	}
}

// Respond produces the assistant's reply to history, emitting it through l.
// It blocks until the turn terminates; callers stream concurrently by running
// it on its own goroutine. Returns ErrBusy if a turn is already in flight.
//
// history must not be mutated while Respond runs.
func (e *Engine) Respond(ctx context.Context, history []llm.Message, l Listener) error {
	if !e.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer e.busy.Store(false)

	start := time.Now()
	key := cacheKey(history)

	if cached, ok := e.cache.Get(key); ok {
		if e.metrics != nil {
			e.metrics.RecordCacheLookup(ctx, true)
		}
		e.log.Info("dialogue cache hit", "turns", len(history))
		return e.replay(ctx, cached, l)
	}
	if e.metrics != nil {
		e.metrics.RecordCacheLookup(ctx, false)
	}

	full, calledTools, err := e.stream(ctx, history, l, start)
	if err != nil {
		return err
	}

	l.OnEnd()
	if e.metrics != nil {
		e.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	}

	if full != "" && e.cacheableTurn(calledTools) {
		e.cache.Put(key, full)
	}
	return nil
}

// stream runs the primary stream and, when tools were requested, the tool
// round trip plus secondary stream. Returns the accumulated response text and
// the names of executed tools.
func (e *Engine) stream(ctx context.Context, history []llm.Message, l Listener, start time.Time) (string, []string, error) {
	// The rules block always travels last so the model reads it after the
	// user's turn.
	base := make([]llm.Message, 0, len(history)+1)
	base = append(base, history...)
	base = append(base, llm.Message{Role: "system", Content: e.prompt.Rules})

	req := llm.CompletionRequest{
		SystemPrompt: e.prompt.Persona + "\n\n" + e.prompt.Knowledge,
		Messages:     base,
		Tools:        e.registry.Definitions(),
		Temperature:  defaultTemperature,
		MaxTokens:    primaryMaxTokens,
	}

	ch, err := e.provider.StreamCompletion(ctx, req)
	if err != nil {
		l.OnError("AI 응답을 시작하지 못했습니다.")
		return "", nil, fmt.Errorf("dialogue: primary stream: %w", err)
	}

	var full string
	firstToken := false
	assembly := map[int]*llm.ToolCall{}

	for chunk := range ch {
		if chunk.FinishReason == "error" {
			l.OnError("AI 응답 중 오류가 발생했습니다.")
			return "", nil, fmt.Errorf("dialogue: primary stream failed: %s", chunk.Text)
		}
		if chunk.Text != "" {
			if !firstToken {
				firstToken = true
				if e.metrics != nil {
					e.metrics.LLMFirstTokenDuration.Record(ctx, time.Since(start).Seconds())
				}
			}
			full += chunk.Text
			l.OnChunk(chunk.Text)
		}
		for _, d := range chunk.ToolCalls {
			tc, ok := assembly[d.Index]
			if !ok {
				tc = &llm.ToolCall{}
				assembly[d.Index] = tc
			}
			if d.ID != "" {
				tc.ID = d.ID
			}
			tc.Name += d.Name
			tc.Arguments += d.Arguments
		}
	}
	if err := ctx.Err(); err != nil {
		l.OnError("AI 응답이 중단되었습니다.")
		return "", nil, err
	}

	if len(assembly) == 0 {
		return full, nil, nil
	}

	// Tool round trip: any text from the primary stream is not the answer.
	calls := assembledCalls(assembly)
	names := make([]string, len(calls))
	results := make([]llm.Message, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			names[i] = call.Name
			content := e.registry.Execute(gctx, call.Name, json.RawMessage(call.Arguments))
			results[i] = llm.Message{Role: "tool", Content: content, ToolCallID: call.ID}
			return nil
		})
	}
	_ = g.Wait()

	second := make([]llm.Message, 0, len(base)+1+len(results))
	second = append(second, base...)
	second = append(second, llm.Message{Role: "assistant", ToolCalls: calls})
	second = append(second, results...)

	finalText, err := e.secondaryStream(ctx, second, l)
	if err != nil {
		return "", nil, err
	}
	return finalText, names, nil
}

// secondaryStream produces the final answer from tool results. No tools are
// offered; one round of calls per turn.
func (e *Engine) secondaryStream(ctx context.Context, messages []llm.Message, l Listener) (string, error) {
	req := llm.CompletionRequest{
		SystemPrompt: e.prompt.Persona + "\n\n" + e.prompt.Knowledge,
		Messages:     messages,
		Temperature:  defaultTemperature,
		MaxTokens:    secondaryMaxTokens,
	}

	ch, err := e.provider.StreamCompletion(ctx, req)
	if err != nil {
		l.OnError("AI 응답을 시작하지 못했습니다.")
		return "", fmt.Errorf("dialogue: secondary stream: %w", err)
	}

	var full string
	for chunk := range ch {
		if chunk.FinishReason == "error" {
			l.OnError("AI 응답 중 오류가 발생했습니다.")
			return "", fmt.Errorf("dialogue: secondary stream failed: %s", chunk.Text)
		}
		if chunk.Text != "" {
			full += chunk.Text
			l.OnChunk(chunk.Text)
		}
	}
	if err := ctx.Err(); err != nil {
		l.OnError("AI 응답이 중단되었습니다.")
		return "", err
	}
	return full, nil
}

// replay re-emits a cached response in small chunks.
func (e *Engine) replay(ctx context.Context, text string, l Listener) error {
	runes := []rune(text)
	for i := 0; i < len(runes); i += replayChunkRunes {
		end := min(i+replayChunkRunes, len(runes))
		l.OnChunk(string(runes[i:end]))
		select {
		case <-time.After(replayDelay):
		case <-ctx.Done():
			l.OnError("AI 응답이 중단되었습니다.")
			return ctx.Err()
		}
	}
	l.OnEnd()
	return nil
}

// cacheableTurn reports whether a turn that called the given tools may be
// cached. Turns with no tool calls always may.
func (e *Engine) cacheableTurn(calledTools []string) bool {
	for _, name := range calledTools {
		if !e.registry.Cacheable(name) {
			return false
		}
	}
	return true
}

// assembledCalls orders the assembly map by stream index.
func assembledCalls(assembly map[int]*llm.ToolCall) []llm.ToolCall {
	indexes := make([]int, 0, len(assembly))
	for i := range assembly {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	calls := make([]llm.ToolCall, 0, len(indexes))
	for _, i := range indexes {
		calls = append(calls, *assembly[i])
	}
	return calls
}

// cacheKey serialises history. Marshal failure falls back to a non-colliding
// key so the turn simply skips the cache.
func cacheKey(history []llm.Message) string {
	data, err := json.Marshal(history)
	if err != nil {
		return fmt.Sprintf("uncacheable-%d", time.Now().UnixNano())
	}
	return string(data)
}
