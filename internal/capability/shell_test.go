package capability

import (
	"context"
	"strings"
	"testing"
)

func TestNewShellCapability_Defaults(t *testing.T) {
	s := NewShellCapability(ShellConfig{})
	if s == nil {
		t.Fatal("NewShellCapability returned nil")
	}
	if s.Name() != "shell" {
		t.Errorf("Name: got %q", s.Name())
	}
	if s.Description() == "" {
		t.Error("Description should not be empty")
	}
	if s.Parameters() == nil {
		t.Fatal("Parameters returned nil")
	}
}

func TestShellCapability_Execute_EmptyCommand_Error(t *testing.T) {
	s := NewShellCapability(ShellConfig{TimeoutSeconds: 5, MaxOutputBytes: 4096})
	ctx := context.Background()

	out, err := s.Execute(ctx, map[string]any{})
	if err == nil {
		t.Fatal("expected error for missing command")
	}
	if out != "" {
		t.Errorf("expected empty output, got %q", out)
	}

	out, err = s.Execute(ctx, map[string]any{"command": "   "})
	if err == nil {
		t.Fatal("expected error for whitespace-only command")
	}
	if out != "" {
		t.Errorf("expected empty output, got %q", out)
	}
}

func TestShellCapability_Execute_Echo_Success(t *testing.T) {
	s := NewShellCapability(ShellConfig{TimeoutSeconds: 5, MaxOutputBytes: 4096})
	out, err := s.Execute(context.Background(), map[string]any{"command": "echo hello"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "hello") {
		t.Errorf("output should contain 'hello', got %q", out)
	}
}

func TestShellCapability_Execute_ExitNonZero_ReportedInText(t *testing.T) {
	s := NewShellCapability(ShellConfig{TimeoutSeconds: 5, MaxOutputBytes: 4096})
	out, err := s.Execute(context.Background(), map[string]any{"command": "echo oops >&2; exit 3"})
	if err != nil {
		t.Fatalf("exit failures should come back as text, got error: %v", err)
	}
	if !strings.Contains(out, "oops") {
		t.Errorf("output should carry stderr, got %q", out)
	}
	if !strings.Contains(out, "exit") {
		t.Errorf("output should note the exit failure, got %q", out)
	}
}

func TestShellCapability_Execute_OutputTruncated(t *testing.T) {
	s := NewShellCapability(ShellConfig{TimeoutSeconds: 5, MaxOutputBytes: 64})
	out, err := s.Execute(context.Background(), map[string]any{"command": "yes x | head -n 200"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "(output truncated)") {
		t.Errorf("expected truncation marker, got %q", out)
	}
}

func TestShellCapability_Execute_Timeout(t *testing.T) {
	s := NewShellCapability(ShellConfig{TimeoutSeconds: 1})
	_, err := s.Execute(context.Background(), map[string]any{"command": "sleep 5"})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("expected timeout in error, got %v", err)
	}
}
