package agent

import (
	"context"
	"strings"
	"testing"

	"lanebot/internal/domain"
)

func newTestSpawner(t *testing.T, chatFn func(call int, req domain.ChatRequest) (*domain.ChatResponse, error)) (*Spawner, *RoleRegistry) {
	t.Helper()
	reg, _ := newEchoRegistry(t)
	roles := NewRoleRegistry(testLogger())
	roles.RegisterBuiltins()
	provider := &scriptedProvider{chatFn: chatFn}
	loop := NewLoop(LoopConfig{Provider: provider, Registry: reg, Logger: testLogger()})
	return NewSpawner(loop, roles, testLogger()), roles
}

func TestDelegate_FramesResultWithRoleLabel(t *testing.T) {
	spawner, _ := newTestSpawner(t, func(call int, req domain.ChatRequest) (*domain.ChatResponse, error) {
		return textResponse("The Rhine is 1,233 km long."), nil
	})

	result := spawner.Delegate(context.Background(), "researcher", "length of the Rhine")

	rule := strings.Repeat("─", 40)
	want := "[Researcher]\n" + rule + "\nThe Rhine is 1,233 km long.\n" + rule
	if result != want {
		t.Fatalf("unexpected frame:\n%q\nwant:\n%q", result, want)
	}
}

func TestDelegate_UnknownRole(t *testing.T) {
	spawner, roles := newTestSpawner(t, func(call int, req domain.ChatRequest) (*domain.ChatResponse, error) {
		t.Fatal("loop should not run for an unknown role")
		return nil, nil
	})

	result := spawner.Delegate(context.Background(), "pilot", "fly")
	if !strings.HasPrefix(result, "Error: unknown role 'pilot'.") {
		t.Fatalf("unexpected result: %q", result)
	}
	for _, name := range roles.Names() {
		if !strings.Contains(result, name) {
			t.Fatalf("result should list role %q: %q", name, result)
		}
	}
}

func TestDelegate_NestedDelegationBlocked(t *testing.T) {
	spawner, _ := newTestSpawner(t, func(call int, req domain.ChatRequest) (*domain.ChatResponse, error) {
		return textResponse("should not matter"), nil
	})

	ctx := context.WithValue(context.Background(), delegationKey{}, true)
	result := spawner.Delegate(ctx, "researcher", "recurse")
	if result != "Error: nested delegation is not allowed." {
		t.Fatalf("unexpected result: %q", result)
	}
}

func TestDelegate_DelegatedRoleKeepsItsWhitelist(t *testing.T) {
	var offered []domain.CapabilityDefinition
	spawner, _ := newTestSpawner(t, func(call int, req domain.ChatRequest) (*domain.ChatResponse, error) {
		offered = req.Tools
		return textResponse("done"), nil
	})

	// writer has an empty whitelist, so the delegated loop must offer nothing.
	spawner.Delegate(context.Background(), "writer", "draft a note")
	if len(offered) != 0 {
		t.Fatalf("writer should be offered no capabilities, got %+v", offered)
	}
}

func TestDelegateCapability_Execute(t *testing.T) {
	spawner, roles := newTestSpawner(t, func(call int, req domain.ChatRequest) (*domain.ChatResponse, error) {
		return textResponse("ok"), nil
	})
	dc := NewDelegateCapability(spawner, roles)

	if dc.Name() != "delegate" {
		t.Fatalf("unexpected name %q", dc.Name())
	}
	if !strings.Contains(dc.Description(), "researcher") {
		t.Fatalf("description should list available roles: %q", dc.Description())
	}

	result, err := dc.Execute(context.Background(), map[string]any{
		"role":    "writer",
		"mission": "say ok",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(result, "ok") {
		t.Fatalf("unexpected result: %q", result)
	}

	if _, err := dc.Execute(context.Background(), map[string]any{"role": "writer"}); err == nil {
		t.Fatal("expected error for missing mission")
	}
	if _, err := dc.Execute(context.Background(), map[string]any{"mission": "x"}); err == nil {
		t.Fatal("expected error for missing role")
	}
}
