package agent

import (
	"os"
	"path/filepath"
	"testing"

	"lanebot/internal/domain"
)

func TestRegisterBuiltins(t *testing.T) {
	reg := NewRoleRegistry(testLogger())
	reg.RegisterBuiltins()

	for _, name := range []string{"assistant", "researcher", "coder", "writer", "sysadmin"} {
		if _, ok := reg.Get(name); !ok {
			t.Fatalf("builtin role %q missing", name)
		}
	}

	assistant, _ := reg.Get("assistant")
	if assistant.Capabilities != nil {
		t.Fatal("assistant should be unrestricted (nil capabilities)")
	}
	writer, _ := reg.Get("writer")
	if writer.Capabilities == nil || len(writer.Capabilities) != 0 {
		t.Fatal("writer should have an empty, non-nil whitelist")
	}
}

func TestRegister_ReplacesByName(t *testing.T) {
	reg := NewRoleRegistry(testLogger())
	reg.Register(domain.RoleProfile{Name: "coder", SystemPrompt: "first"})
	reg.Register(domain.RoleProfile{Name: "coder", SystemPrompt: "second"})

	p, ok := reg.Get("coder")
	if !ok || p.SystemPrompt != "second" {
		t.Fatalf("expected replacement to win, got %+v", p)
	}
	if len(reg.Names()) != 1 {
		t.Fatalf("expected 1 role, got %v", reg.Names())
	}
}

func TestNames_Sorted(t *testing.T) {
	reg := NewRoleRegistry(testLogger())
	reg.Register(domain.RoleProfile{Name: "zeta"})
	reg.Register(domain.RoleProfile{Name: "alpha"})
	reg.Register(domain.RoleProfile{Name: "mid"})

	names := reg.Names()
	if len(names) != 3 || names[0] != "alpha" || names[1] != "mid" || names[2] != "zeta" {
		t.Fatalf("expected sorted names, got %v", names)
	}
}

func TestLoadFromDirectory(t *testing.T) {
	dir := t.TempDir()

	valid := `name: translator
display_name: Translator
system_prompt: You translate between languages.
capabilities:
  - web_fetch
keywords:
  - translate
  - translation
`
	if err := os.WriteFile(filepath.Join(dir, "translator.yaml"), []byte(valid), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: [unclosed\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	reg := NewRoleRegistry(testLogger())
	if loaded := reg.LoadFromDirectory(dir); loaded != 1 {
		t.Fatalf("expected 1 profile loaded, got %d", loaded)
	}

	p, ok := reg.Get("translator")
	if !ok {
		t.Fatal("translator not registered")
	}
	if p.DisplayName != "Translator" || len(p.Capabilities) != 1 || p.Capabilities[0] != "web_fetch" {
		t.Fatalf("unexpected profile: %+v", p)
	}
	if _, ok := reg.Get("broken"); ok {
		t.Fatal("malformed file must not register a role")
	}
}

func TestLoadFromDirectory_NameDefaultsFromFilename(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "helper.yml"), []byte("system_prompt: hi\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	reg := NewRoleRegistry(testLogger())
	reg.LoadFromDirectory(dir)
	if _, ok := reg.Get("helper"); !ok {
		t.Fatalf("expected role named after file, have %v", reg.Names())
	}
}

func TestLoadFromDirectory_OverridesBuiltin(t *testing.T) {
	dir := t.TempDir()
	override := `name: writer
system_prompt: Custom writer instructions.
capabilities:
  - read_file
`
	if err := os.WriteFile(filepath.Join(dir, "writer.yaml"), []byte(override), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	reg := NewRoleRegistry(testLogger())
	reg.RegisterBuiltins()
	reg.LoadFromDirectory(dir)

	p, _ := reg.Get("writer")
	if p.SystemPrompt != "Custom writer instructions." {
		t.Fatalf("expected user profile to override builtin, got %q", p.SystemPrompt)
	}
	if len(p.Capabilities) != 1 || p.Capabilities[0] != "read_file" {
		t.Fatalf("unexpected capabilities: %v", p.Capabilities)
	}
}

func TestLoadFromDirectory_MissingDir(t *testing.T) {
	reg := NewRoleRegistry(testLogger())
	if loaded := reg.LoadFromDirectory(filepath.Join(t.TempDir(), "nope")); loaded != 0 {
		t.Fatalf("expected 0, got %d", loaded)
	}
}
