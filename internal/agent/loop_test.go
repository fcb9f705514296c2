package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"lanebot/internal/capability"
	"lanebot/internal/domain"
	"lanebot/internal/history"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedProvider answers Chat calls from a test-supplied function and
// records every request it sees.
type scriptedProvider struct {
	mu       sync.Mutex
	requests []domain.ChatRequest
	chatFn   func(call int, req domain.ChatRequest) (*domain.ChatResponse, error)
}

func (p *scriptedProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	call := len(p.requests)
	p.mu.Unlock()
	return p.chatFn(call, req)
}

func (p *scriptedProvider) Name() string                      { return "scripted" }
func (p *scriptedProvider) Models() []string                  { return []string{"test-model"} }
func (p *scriptedProvider) SupportsToolCalling() bool         { return true }
func (p *scriptedProvider) Healthy(ctx context.Context) error { return nil }

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedProvider) request(i int) domain.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

func textResponse(s string) *domain.ChatResponse {
	return &domain.ChatResponse{Content: s, FinishReason: "stop"}
}

func toolResponse(id, name string, args map[string]any) *domain.ChatResponse {
	return &domain.ChatResponse{
		ToolCalls:    []domain.ToolCall{{ID: id, Name: name, Arguments: args}},
		FinishReason: "tool_calls",
	}
}

// echoCapability counts invocations and echoes its text argument.
type echoCapability struct {
	mu    sync.Mutex
	calls int
}

func (e *echoCapability) Name() string        { return "echo" }
func (e *echoCapability) Description() string { return "echoes the given text" }
func (e *echoCapability) Parameters() map[string]any {
	return capability.Schema(map[string]capability.Param{
		"text": {Type: "string", Description: "text to echo"},
	}, []string{"text"})
}
func (e *echoCapability) Execute(ctx context.Context, args map[string]any) (string, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	text, _ := args["text"].(string)
	return "echo: " + text, nil
}
func (e *echoCapability) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func newEchoRegistry(t *testing.T) (*capability.Registry, *echoCapability) {
	t.Helper()
	reg := capability.NewRegistry(testLogger())
	echo := &echoCapability{}
	reg.Register(echo)
	return reg, echo
}

func assistantRole() domain.RoleProfile {
	return domain.RoleProfile{
		Name:         "assistant",
		SystemPrompt: "You are a test assistant.",
	}
}

// --- Run ---

func TestRun_DirectAnswer(t *testing.T) {
	reg, _ := newEchoRegistry(t)
	provider := &scriptedProvider{chatFn: func(call int, req domain.ChatRequest) (*domain.ChatResponse, error) {
		return textResponse("Paris."), nil
	}}
	loop := NewLoop(LoopConfig{Provider: provider, Registry: reg, Logger: testLogger()})

	result, err := loop.Run(context.Background(), assistantRole(), "Capital of France?", "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result != "Paris." {
		t.Fatalf("expected 'Paris.', got %q", result)
	}
	if provider.callCount() != 1 {
		t.Fatalf("expected 1 chat call, got %d", provider.callCount())
	}

	req := provider.request(0)
	if req.Messages[0].Role != "system" || req.Messages[1].Role != "user" {
		t.Fatalf("unexpected message roles: %+v", req.Messages)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "echo" {
		t.Fatalf("unrestricted role should be offered all capabilities, got %+v", req.Tools)
	}
}

func TestRun_ToolRoundThenAnswer(t *testing.T) {
	reg, echo := newEchoRegistry(t)
	provider := &scriptedProvider{chatFn: func(call int, req domain.ChatRequest) (*domain.ChatResponse, error) {
		if call == 1 {
			return toolResponse("tc-1", "echo", map[string]any{"text": "hi"}), nil
		}
		return textResponse("done"), nil
	}}
	loop := NewLoop(LoopConfig{Provider: provider, Registry: reg, Logger: testLogger()})

	result, err := loop.Run(context.Background(), assistantRole(), "say hi", "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result != "done" {
		t.Fatalf("expected 'done', got %q", result)
	}
	if echo.callCount() != 1 {
		t.Fatalf("expected 1 capability invocation, got %d", echo.callCount())
	}

	// Second request must carry the assistant tool-call turn and the result.
	req := provider.request(1)
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "tool" || last.Content != "echo: hi" || last.ToolCallID != "tc-1" {
		t.Fatalf("unexpected tool turn: %+v", last)
	}
	assistant := req.Messages[len(req.Messages)-2]
	if assistant.Role != "assistant" || len(assistant.ToolCalls) != 1 {
		t.Fatalf("unexpected assistant turn: %+v", assistant)
	}
}

func TestRun_WhitelistDeniesCall(t *testing.T) {
	reg, echo := newEchoRegistry(t)
	provider := &scriptedProvider{chatFn: func(call int, req domain.ChatRequest) (*domain.ChatResponse, error) {
		if call == 1 {
			return toolResponse("tc-1", "echo", map[string]any{"text": "hi"}), nil
		}
		return textResponse("understood"), nil
	}}
	loop := NewLoop(LoopConfig{Provider: provider, Registry: reg, Logger: testLogger()})

	role := domain.RoleProfile{
		Name:         "writer",
		SystemPrompt: "text only",
		Capabilities: []string{},
	}

	result, err := loop.Run(context.Background(), role, "say hi", "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result != "understood" {
		t.Fatalf("expected 'understood', got %q", result)
	}
	if echo.callCount() != 0 {
		t.Fatal("denied capability must not be executed")
	}

	if tools := provider.request(0).Tools; len(tools) != 0 {
		t.Fatalf("restricted role should be offered no capabilities, got %+v", tools)
	}
	last := provider.request(1).Messages
	denial := last[len(last)-1]
	if denial.Content != "[DENIED] capability 'echo' not permitted for this role" {
		t.Fatalf("unexpected denial text: %q", denial.Content)
	}
}

func TestRun_DeniedCallAudited(t *testing.T) {
	store, err := history.NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"), testLogger())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer store.Close()

	reg, _ := newEchoRegistry(t)
	provider := &scriptedProvider{chatFn: func(call int, req domain.ChatRequest) (*domain.ChatResponse, error) {
		if call == 1 {
			return toolResponse("tc-1", "echo", nil), nil
		}
		return textResponse("ok"), nil
	}}
	loop := NewLoop(LoopConfig{Provider: provider, Registry: reg, Audit: store, Logger: testLogger()})

	role := domain.RoleProfile{Name: "writer", Capabilities: []string{}}
	if _, err := loop.Run(context.Background(), role, "x", ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	entries, err := store.RecentAudit(context.Background(), 5)
	if err != nil {
		t.Fatalf("RecentAudit: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}
	if entries[0].Action != "capability_denied" || entries[0].Capability != "echo" {
		t.Fatalf("unexpected audit entry: %+v", entries[0])
	}
}

func TestRun_RoundCapEndsWithoutTools(t *testing.T) {
	reg, echo := newEchoRegistry(t)
	provider := &scriptedProvider{chatFn: func(call int, req domain.ChatRequest) (*domain.ChatResponse, error) {
		if req.Tools == nil {
			return textResponse("wrapped up"), nil
		}
		return toolResponse(fmt.Sprintf("tc-%d", call), "echo", map[string]any{"text": "again"}), nil
	}}
	loop := NewLoop(LoopConfig{Provider: provider, Registry: reg, Logger: testLogger(), MaxRounds: 2})

	result, err := loop.Run(context.Background(), assistantRole(), "keep going", "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result != "wrapped up" {
		t.Fatalf("expected 'wrapped up', got %q", result)
	}
	// initial + 2 tool rounds + final no-tools call
	if provider.callCount() != 4 {
		t.Fatalf("expected 4 chat calls, got %d", provider.callCount())
	}
	if echo.callCount() != 2 {
		t.Fatalf("expected 2 capability invocations, got %d", echo.callCount())
	}
	if tools := provider.request(3).Tools; tools != nil {
		t.Fatalf("final call must not offer tools, got %+v", tools)
	}
}

func TestRun_EmbeddedJSONToolCall(t *testing.T) {
	reg, echo := newEchoRegistry(t)
	provider := &scriptedProvider{chatFn: func(call int, req domain.ChatRequest) (*domain.ChatResponse, error) {
		if call == 1 {
			return textResponse(`{"name": "echo", "arguments": {"text": "hi"}}`), nil
		}
		return textResponse("done"), nil
	}}
	loop := NewLoop(LoopConfig{Provider: provider, Registry: reg, Logger: testLogger()})

	result, err := loop.Run(context.Background(), assistantRole(), "say hi", "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result != "done" {
		t.Fatalf("expected 'done', got %q", result)
	}
	if echo.callCount() != 1 {
		t.Fatalf("embedded call should execute once, got %d", echo.callCount())
	}
}

func TestRun_EmptyContentFallback(t *testing.T) {
	reg, _ := newEchoRegistry(t)
	provider := &scriptedProvider{chatFn: func(call int, req domain.ChatRequest) (*domain.ChatResponse, error) {
		return textResponse(""), nil
	}}
	loop := NewLoop(LoopConfig{Provider: provider, Registry: reg, Logger: testLogger()})

	result, err := loop.Run(context.Background(), assistantRole(), "x", "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result != fallbackResponse {
		t.Fatalf("expected fallback, got %q", result)
	}
}

func TestRun_StripsLeakedRolePrefix(t *testing.T) {
	reg, _ := newEchoRegistry(t)
	provider := &scriptedProvider{chatFn: func(call int, req domain.ChatRequest) (*domain.ChatResponse, error) {
		return textResponse("assistant\nHello"), nil
	}}
	loop := NewLoop(LoopConfig{Provider: provider, Registry: reg, Logger: testLogger()})

	result, err := loop.Run(context.Background(), assistantRole(), "x", "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result != "Hello" {
		t.Fatalf("expected 'Hello', got %q", result)
	}
}

func TestRun_ContextHintInSystemPrompt(t *testing.T) {
	reg, _ := newEchoRegistry(t)
	provider := &scriptedProvider{chatFn: func(call int, req domain.ChatRequest) (*domain.ChatResponse, error) {
		return textResponse("ok"), nil
	}}
	loop := NewLoop(LoopConfig{Provider: provider, Registry: reg, Logger: testLogger()})

	hint := "User: what is 2+2\nAssistant: 4"
	if _, err := loop.Run(context.Background(), assistantRole(), "and 3+3?", hint); err != nil {
		t.Fatalf("Run: %v", err)
	}

	system := provider.request(0).Messages[0].Content
	if !strings.Contains(system, "## Context") || !strings.Contains(system, hint) {
		t.Fatalf("system prompt missing context hint: %q", system)
	}
}

func TestRun_ChatErrorPropagates(t *testing.T) {
	reg, _ := newEchoRegistry(t)
	provider := &scriptedProvider{chatFn: func(call int, req domain.ChatRequest) (*domain.ChatResponse, error) {
		return nil, fmt.Errorf("connection refused")
	}}
	loop := NewLoop(LoopConfig{Provider: provider, Registry: reg, Logger: testLogger()})

	_, err := loop.Run(context.Background(), assistantRole(), "x", "")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "model error") {
		t.Fatalf("expected wrapped model error, got %v", err)
	}
}

// fakeResolver resolves named providers for per-role pinning tests.
type fakeResolver map[string]domain.Provider

func (f fakeResolver) Get(name string) (domain.Provider, error) {
	if p, ok := f[name]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("provider %q not found", name)
}

func TestRun_RolePinnedProvider(t *testing.T) {
	reg, _ := newEchoRegistry(t)
	def := &scriptedProvider{chatFn: func(call int, req domain.ChatRequest) (*domain.ChatResponse, error) {
		return textResponse("from default"), nil
	}}
	alt := &scriptedProvider{chatFn: func(call int, req domain.ChatRequest) (*domain.ChatResponse, error) {
		return textResponse("from alt"), nil
	}}
	loop := NewLoop(LoopConfig{
		Provider:  def,
		Providers: fakeResolver{"alt": alt},
		Registry:  reg,
		Logger:    testLogger(),
	})

	role := domain.RoleProfile{Name: "pinned", Provider: "alt"}
	result, err := loop.Run(context.Background(), role, "x", "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result != "from alt" {
		t.Fatalf("expected pinned provider response, got %q", result)
	}
	if def.callCount() != 0 {
		t.Fatal("default provider should not have been called")
	}
}

func TestRun_UnknownPinnedProviderFallsBack(t *testing.T) {
	reg, _ := newEchoRegistry(t)
	def := &scriptedProvider{chatFn: func(call int, req domain.ChatRequest) (*domain.ChatResponse, error) {
		return textResponse("from default"), nil
	}}
	loop := NewLoop(LoopConfig{
		Provider:  def,
		Providers: fakeResolver{},
		Registry:  reg,
		Logger:    testLogger(),
	})

	role := domain.RoleProfile{Name: "pinned", Provider: "missing"}
	result, err := loop.Run(context.Background(), role, "x", "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result != "from default" {
		t.Fatalf("expected default provider response, got %q", result)
	}
}
