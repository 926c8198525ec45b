package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hananetworks/kiost-1/internal/llm"
	"github.com/hananetworks/kiost-1/internal/tools"
)

// scriptedProvider replays one chunk script per StreamCompletion call and
// records every request it receives.
type scriptedProvider struct {
	mu      sync.Mutex
	scripts [][]llm.Chunk
	reqs    []llm.CompletionRequest
	calls   int
	gate    chan struct{} // when non-nil, streams stay open until closed
}

func (p *scriptedProvider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	idx := p.calls
	p.calls++
	var script []llm.Chunk
	if idx < len(p.scripts) {
		script = p.scripts[idx]
	}
	gate := p.gate
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(script)+1)
	go func() {
		defer close(ch)
		if gate != nil {
			<-gate
		}
		for _, c := range script {
			ch <- c
		}
	}()
	return ch, nil
}

func (p *scriptedProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return nil, errors.New("not scripted")
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

var _ llm.Provider = (*scriptedProvider)(nil)

// recorder collects listener events.
type recorder struct {
	mu     sync.Mutex
	chunks []string
	ends   int
	errs   []string
}

func (r *recorder) OnChunk(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, text)
}

func (r *recorder) OnEnd() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ends++
}

func (r *recorder) OnError(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, message)
}

func (r *recorder) text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.chunks, "")
}

func newTestEngine(t *testing.T, provider llm.Provider, reg *tools.Registry) *Engine {
	t.Helper()
	if reg == nil {
		reg = tools.NewRegistry(nil, nil)
	}
	return New(Config{Provider: provider, Tools: reg})
}

func userTurn(text string) []llm.Message {
	return []llm.Message{{Role: "user", Content: text}}
}

func TestRespond_PlainText(t *testing.T) {
	p := &scriptedProvider{scripts: [][]llm.Chunk{{
		{Text: "안녕"},
		{Text: "하세요."},
		{FinishReason: "stop"},
	}}}
	e := newTestEngine(t, p, nil)
	r := &recorder{}

	if err := e.Respond(context.Background(), userTurn("안녕"), r); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if got := r.text(); got != "안녕하세요." {
		t.Errorf("text = %q, want %q", got, "안녕하세요.")
	}
	if r.ends != 1 {
		t.Errorf("OnEnd count = %d, want 1", r.ends)
	}
	if len(r.errs) != 0 {
		t.Errorf("unexpected errors: %v", r.errs)
	}
	if p.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1", p.callCount())
	}
}

func TestRespond_RulesMessageTravelsLast(t *testing.T) {
	p := &scriptedProvider{scripts: [][]llm.Chunk{{{Text: "답", FinishReason: "stop"}}}}
	e := newTestEngine(t, p, nil)

	if err := e.Respond(context.Background(), userTurn("질문"), &recorder{}); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	req := p.reqs[0]
	if req.SystemPrompt == "" {
		t.Error("system prompt is empty")
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "system" || !strings.Contains(last.Content, "최종 답변 규칙") {
		t.Errorf("last message = %+v, want trailing rules system message", last)
	}
}

func TestRespond_ToolRoundTrip(t *testing.T) {
	// One tool call whose arguments arrive split across three fragments.
	p := &scriptedProvider{scripts: [][]llm.Chunk{
		{
			{ToolCalls: []llm.ToolCallDelta{{Index: 0, ID: "call_1", Name: "plan_tourist_route", Arguments: `{"de`}}},
			{ToolCalls: []llm.ToolCallDelta{{Index: 0, Arguments: `stination":`}}},
			{ToolCalls: []llm.ToolCallDelta{{Index: 0, Arguments: `"X"}`}}},
			{FinishReason: "tool_calls"},
		},
		{
			{Text: "경로를 안내해 드릴게요."},
			{FinishReason: "stop"},
		},
	}}

	var execMu sync.Mutex
	var execArgs []string
	reg := tools.NewRegistry(nil, nil)
	reg.Register(tools.Tool{
		Definition: llm.ToolDefinition{Name: "plan_tourist_route"},
		Handler: func(ctx context.Context, args json.RawMessage) string {
			execMu.Lock()
			execArgs = append(execArgs, string(args))
			execMu.Unlock()
			return `{"summary":"ok"}`
		},
	})

	e := newTestEngine(t, p, reg)
	r := &recorder{}

	if err := e.Respond(context.Background(), userTurn("독립기념관 가는 길"), r); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	if len(execArgs) != 1 {
		t.Fatalf("tool executions = %d, want 1", len(execArgs))
	}
	var parsed map[string]string
	if err := json.Unmarshal([]byte(execArgs[0]), &parsed); err != nil {
		t.Fatalf("assembled arguments %q not valid JSON: %v", execArgs[0], err)
	}
	if parsed["destination"] != "X" {
		t.Errorf("destination = %q, want X", parsed["destination"])
	}

	if got := r.text(); got != "경로를 안내해 드릴게요." {
		t.Errorf("text = %q, want secondary stream text only", got)
	}
	if r.ends != 1 {
		t.Errorf("OnEnd count = %d, want 1", r.ends)
	}

	// The secondary request carries the assistant's tool call and the result.
	if p.callCount() != 2 {
		t.Fatalf("provider calls = %d, want 2", p.callCount())
	}
	second := p.reqs[1]
	var sawAssistant, sawTool bool
	for _, m := range second.Messages {
		switch m.Role {
		case "assistant":
			if len(m.ToolCalls) == 1 && m.ToolCalls[0].Arguments == `{"destination":"X"}` {
				sawAssistant = true
			}
		case "tool":
			if m.ToolCallID == "call_1" && m.Content == `{"summary":"ok"}` {
				sawTool = true
			}
		}
	}
	if !sawAssistant || !sawTool {
		t.Errorf("secondary messages missing tool round trip: assistant=%v tool=%v", sawAssistant, sawTool)
	}
	if len(second.Tools) != 0 {
		t.Errorf("secondary request offers tools, want none")
	}
}

func TestRespond_CacheHitSkipsProvider(t *testing.T) {
	p := &scriptedProvider{scripts: [][]llm.Chunk{{
		{Text: "독립기념관은 "},
		{Text: "천안의 제1경입니다."},
		{FinishReason: "stop"},
	}}}
	e := newTestEngine(t, p, nil)
	history := userTurn("독립기념관 알려줘")

	r1 := &recorder{}
	if err := e.Respond(context.Background(), history, r1); err != nil {
		t.Fatalf("first Respond: %v", err)
	}
	r2 := &recorder{}
	if err := e.Respond(context.Background(), history, r2); err != nil {
		t.Fatalf("second Respond: %v", err)
	}

	if p.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1 (second turn replayed from cache)", p.callCount())
	}
	if r2.text() != r1.text() {
		t.Errorf("replayed text = %q, want %q", r2.text(), r1.text())
	}
	if r2.ends != 1 {
		t.Errorf("replay OnEnd count = %d, want 1", r2.ends)
	}
	if len(r2.chunks) < 2 {
		t.Errorf("replay chunks = %d, want multiple small chunks", len(r2.chunks))
	}
}

func TestRespond_NonCacheableToolNeverCached(t *testing.T) {
	script := func() []llm.Chunk {
		return []llm.Chunk{
			{ToolCalls: []llm.ToolCallDelta{{Index: 0, ID: "c", Name: "search_web_for_info", Arguments: `{"query":"날씨"}`}}},
			{FinishReason: "tool_calls"},
		}
	}
	answer := []llm.Chunk{{Text: "맑습니다.", FinishReason: "stop"}}
	p := &scriptedProvider{scripts: [][]llm.Chunk{script(), answer, script(), answer}}

	reg := tools.NewRegistry(nil, nil)
	reg.Register(tools.Tool{
		Definition: llm.ToolDefinition{Name: "search_web_for_info"},
		Cacheable:  false,
		Handler: func(ctx context.Context, args json.RawMessage) string {
			return `{"searchResults":"맑음"}`
		},
	})
	e := newTestEngine(t, p, reg)
	history := userTurn("오늘 날씨 어때?")

	for i := 0; i < 2; i++ {
		if err := e.Respond(context.Background(), history, &recorder{}); err != nil {
			t.Fatalf("Respond %d: %v", i, err)
		}
	}

	if p.callCount() != 4 {
		t.Errorf("provider calls = %d, want 4 (no caching across turns)", p.callCount())
	}
}

func TestRespond_ToolFailureStillAnswers(t *testing.T) {
	p := &scriptedProvider{scripts: [][]llm.Chunk{
		{
			{ToolCalls: []llm.ToolCallDelta{{Index: 0, ID: "c", Name: "plan_tourist_route", Arguments: `{}`}}},
			{FinishReason: "tool_calls"},
		},
		{{Text: "죄송합니다, 경로를 찾지 못했어요.", FinishReason: "stop"}},
	}}
	reg := tools.NewRegistry(nil, nil)
	reg.Register(tools.Tool{
		Definition: llm.ToolDefinition{Name: "plan_tourist_route"},
		Handler: func(ctx context.Context, args json.RawMessage) string {
			return `{"error":"경로 탐색 중 오류가 발생했습니다."}`
		},
	})
	e := newTestEngine(t, p, reg)
	r := &recorder{}

	if err := e.Respond(context.Background(), userTurn("가는 길"), r); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if r.ends != 1 || len(r.errs) != 0 {
		t.Errorf("ends = %d errs = %v, want clean end", r.ends, r.errs)
	}

	// The error payload reached the model as a tool result.
	second := p.reqs[1]
	var sawErrorResult bool
	for _, m := range second.Messages {
		if m.Role == "tool" && strings.Contains(m.Content, "오류가 발생했습니다") {
			sawErrorResult = true
		}
	}
	if !sawErrorResult {
		t.Error("tool error payload missing from secondary request")
	}
}

func TestRespond_StreamErrorIsTerminal(t *testing.T) {
	p := &scriptedProvider{scripts: [][]llm.Chunk{{
		{Text: "부분 답변"},
		{FinishReason: "error", Text: "rate limited"},
	}}}
	e := newTestEngine(t, p, nil)
	r := &recorder{}

	err := e.Respond(context.Background(), userTurn("질문"), r)
	if err == nil {
		t.Fatal("Respond returned nil, want error")
	}
	if len(r.errs) != 1 {
		t.Errorf("OnError count = %d, want 1", len(r.errs))
	}
	if r.ends != 0 {
		t.Errorf("OnEnd count = %d, want 0 after error", r.ends)
	}

	// A failed turn must not poison the cache.
	if _, ok := e.cache.Get(cacheKey(userTurn("질문"))); ok {
		t.Error("failed turn was cached")
	}
}

func TestRespond_Busy(t *testing.T) {
	gate := make(chan struct{})
	p := &scriptedProvider{
		scripts: [][]llm.Chunk{{{Text: "ok", FinishReason: "stop"}}},
		gate:    gate,
	}
	e := newTestEngine(t, p, nil)

	done := make(chan error, 1)
	go func() {
		done <- e.Respond(context.Background(), userTurn("긴 질문"), &recorder{})
	}()

	// Wait for the first turn to hold the engine.
	for p.callCount() == 0 {
		time.Sleep(time.Millisecond)
	}

	if err := e.Respond(context.Background(), userTurn("새 질문"), &recorder{}); !errors.Is(err, ErrBusy) {
		t.Errorf("second Respond = %v, want ErrBusy", err)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Errorf("first Respond: %v", err)
	}
}

func TestResponseCache_OldestEviction(t *testing.T) {
	c := newResponseCache(2)
	c.Put("a", "1")
	c.Put("b", "2")
	c.Put("c", "3")

	if _, ok := c.Get("a"); ok {
		t.Error("oldest entry survived eviction")
	}
	if v, ok := c.Get("b"); !ok || v != "2" {
		t.Errorf("Get(b) = %q,%v", v, ok)
	}
	if v, ok := c.Get("c"); !ok || v != "3" {
		t.Errorf("Get(c) = %q,%v", v, ok)
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
}
