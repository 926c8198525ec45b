package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/hananetworks/kiost-1/internal/llm"
)

func staticTool(name string, cacheable bool, result string) Tool {
	return Tool{
		Definition: llm.ToolDefinition{Name: name, Description: name},
		Cacheable:  cacheable,
		Handler: func(ctx context.Context, args json.RawMessage) string {
			return result
		},
	}
}

func TestRegistry_RegisterAndExecute(t *testing.T) {
	r := NewRegistry(nil, nil)
	if err := r.Register(staticTool("echo", true, `{"ok":true}`)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	result := r.Execute(context.Background(), "echo", json.RawMessage(`{}`))
	if result != `{"ok":true}` {
		t.Errorf("Execute = %s", result)
	}
}

func TestRegistry_DuplicateName(t *testing.T) {
	r := NewRegistry(nil, nil)
	if err := r.Register(staticTool("echo", false, "{}")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(staticTool("echo", false, "{}")); err == nil {
		t.Error("expected error for duplicate name, got nil")
	}
}

func TestRegistry_UnknownToolBecomesErrorPayload(t *testing.T) {
	r := NewRegistry(nil, nil)
	result := r.Execute(context.Background(), "nope", json.RawMessage(`{}`))
	if !strings.Contains(result, `"error"`) || !strings.Contains(result, "nope") {
		t.Errorf("Execute = %s, want error payload naming the tool", result)
	}
}

func TestRegistry_Cacheable(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Register(staticTool("static_info", true, "{}"))
	r.Register(staticTool("live_info", false, "{}"))

	if !r.Cacheable("static_info") {
		t.Error("Cacheable(static_info) = false, want true")
	}
	if r.Cacheable("live_info") {
		t.Error("Cacheable(live_info) = true, want false")
	}
	if r.Cacheable("unknown") {
		t.Error("Cacheable(unknown) = true, want false")
	}
}

func TestRegistry_DefinitionsSorted(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Register(staticTool("search_web_for_info", false, "{}"))
	r.Register(staticTool("plan_tourist_route", false, "{}"))

	defs := r.Definitions()
	if len(defs) != 2 {
		t.Fatalf("len(defs) = %d, want 2", len(defs))
	}
	if defs[0].Name != "plan_tourist_route" || defs[1].Name != "search_web_for_info" {
		t.Errorf("defs order = [%s, %s], want name-sorted", defs[0].Name, defs[1].Name)
	}
}
