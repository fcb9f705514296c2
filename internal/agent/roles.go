package agent

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"lanebot/internal/domain"
)

// RoleRegistry holds the role profiles available for routing and delegation.
type RoleRegistry struct {
	mu     sync.RWMutex
	roles  map[string]domain.RoleProfile
	logger *slog.Logger
}

func NewRoleRegistry(logger *slog.Logger) *RoleRegistry {
	return &RoleRegistry{
		roles:  make(map[string]domain.RoleProfile),
		logger: logger,
	}
}

// Register adds or replaces a role profile.
func (r *RoleRegistry) Register(profile domain.RoleProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.roles[profile.Name]; exists {
		r.logger.Debug("role replaced", "role", profile.Name)
	}
	r.roles[profile.Name] = profile
}

// Get returns the profile for a role name.
func (r *RoleRegistry) Get(name string) (domain.RoleProfile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.roles[name]
	return p, ok
}

// Names returns all registered role names, sorted.
func (r *RoleRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.roles))
	for name := range r.roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns all profiles sorted by name.
func (r *RoleRegistry) List() []domain.RoleProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	profiles := make([]domain.RoleProfile, 0, len(r.roles))
	for _, p := range r.roles {
		profiles = append(profiles, p)
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].Name < profiles[j].Name })
	return profiles
}

// RegisterBuiltins installs the default role set. User roles loaded later
// from the roles directory may override these by name.
func (r *RoleRegistry) RegisterBuiltins() {
	for _, p := range builtinRoles() {
		r.Register(p)
	}
}

func builtinRoles() []domain.RoleProfile {
	return []domain.RoleProfile{
		{
			Name:        "assistant",
			DisplayName: "Assistant",
			Description: "General-purpose assistant with access to every capability",
			SystemPrompt: `You are a capable personal assistant with access to tools.
Use the appropriate tool when the user asks you to do something instead of
claiming you cannot. Present tool results clearly and do not mention tool
names to the user. Respond in the language the user writes in. For work that
fits a specialist better, use the delegate tool.`,
			// nil capabilities: unrestricted
		},
		{
			Name:        "researcher",
			DisplayName: "Researcher",
			Description: "Finds and summarizes information from the web",
			SystemPrompt: `You are a research specialist. Search the web, fetch and read
pages, and distill what you find into a clear, sourced answer. Quote or link
the pages you used. Say so explicitly when the sources disagree or when you
could not find an answer.`,
			Capabilities: []string{"web_search", "web_fetch", "browse"},
			Keywords:     []string{"research", "search", "look up", "find out", "investigate", "sources"},
		},
		{
			Name:        "coder",
			DisplayName: "Coder",
			Description: "Writes and runs code in the workspace",
			SystemPrompt: `You are a software engineer working inside a workspace directory.
Read existing files before editing them, keep changes minimal, and verify your
work by running it with the shell tool where possible. Report what you changed
and what you observed.`,
			Capabilities: []string{"shell", "read_file", "write_file", "list_dir"},
			Keywords:     []string{"code", "bug", "script", "compile", "refactor", "implement", "program"},
		},
		{
			Name:        "writer",
			DisplayName: "Writer",
			Description: "Drafts and edits prose, no tool access",
			SystemPrompt: `You are a writing specialist. Produce clear, well-structured prose
in the requested tone and length. Work only from the material in the request.`,
			Capabilities: []string{},
			Keywords:     []string{"write", "draft", "essay", "summarize", "rewrite", "proofread"},
		},
		{
			Name:        "sysadmin",
			DisplayName: "Sysadmin",
			Description: "Inspects and manages the local system",
			SystemPrompt: `You are a systems administrator. Inspect the machine with the
available tools before drawing conclusions, prefer read-only commands, and
explain the risk before suggesting anything destructive.`,
			Capabilities: []string{"shell", "sysinfo", "list_dir"},
			Keywords:     []string{"server", "disk", "process", "memory usage", "cpu", "uptime"},
		},
	}
}

// LoadFromDirectory loads YAML role profiles from dir, one file per role.
// Malformed files are skipped with a warning so one bad profile cannot take
// down the rest. Returns the number of profiles loaded.
func (r *RoleRegistry) LoadFromDirectory(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("cannot read roles directory", "dir", dir, "error", err)
		}
		return 0
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			r.logger.Warn("cannot read role file", "file", name, "error", err)
			continue
		}

		var profile domain.RoleProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			r.logger.Warn("skipping malformed role file", "file", name, "error", err)
			continue
		}
		if profile.Name == "" {
			profile.Name = strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
		}

		r.Register(profile)
		r.logger.Info("loaded role profile", "role", profile.Name, "file", name)
		loaded++
	}
	return loaded
}
