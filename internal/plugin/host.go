// Package plugin hosts single-file executable plugins that extend the
// assistant with new capabilities at runtime.
//
// A plugin is one executable in the plugins directory carrying a
// "# plugin: <name>" header line. It must answer two verbs:
//
//	<file> describe          prints a manifest JSON to stdout
//	<file> execute           reads {"action","args"} JSON on stdin,
//	                         prints its result to stdout
//
// Each loaded plugin registers one capability named after itself, so the
// model can call it like any built-in.
package plugin

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"lanebot/internal/capability"
	"lanebot/internal/domain"
)

const (
	defaultRunTimeoutSeconds = 30
	defaultMaxConcurrent     = 4

	headerPrefix      = "# plugin:"
	headerSearchLines = 10
	describeTimeout   = 10 * time.Second
)

var pluginNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

type loadedPlugin struct {
	manifest Manifest
	path     string
}

// Host discovers, runs, and manages plugins in a single directory.
type Host struct {
	dir         string
	manifestDir string
	registry    *capability.Registry
	audit       domain.HistoryStore
	logger      *slog.Logger
	client      *http.Client
	runTimeout  time.Duration
	sem         chan struct{}

	mu      sync.RWMutex
	plugins map[string]loadedPlugin
}

type HostConfig struct {
	Dir            string
	Registry       *capability.Registry
	Audit          domain.HistoryStore // optional: nil disables audit records
	Logger         *slog.Logger
	TimeoutSeconds int // wall-clock limit per plugin run
	MaxConcurrent  int // host-wide concurrent plugin processes
}

func NewHost(cfg HostConfig) (*Host, error) {
	if cfg.Dir == "" {
		home, _ := os.UserHomeDir()
		cfg.Dir = filepath.Join(home, ".lanebot", "plugins")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create plugins directory: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = defaultRunTimeoutSeconds
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	return &Host{
		dir:         cfg.Dir,
		manifestDir: filepath.Join(cfg.Dir, ".manifests"),
		registry:    cfg.Registry,
		audit:       cfg.Audit,
		logger:      cfg.Logger,
		client:      &http.Client{Timeout: 30 * time.Second},
		runTimeout:  time.Duration(cfg.TimeoutSeconds) * time.Second,
		sem:         make(chan struct{}, cfg.MaxConcurrent),
		plugins:     make(map[string]loadedPlugin),
	}, nil
}

// Dir returns the directory the host watches for plugins.
func (h *Host) Dir() string { return h.dir }

// Discover scans the plugin directory and loads everything it can. A broken
// plugin is skipped with a warning and never takes down its siblings.
// Entries starting with "_" or "." are ignored. Returns the number loaded.
func (h *Host) Discover(ctx context.Context) int {
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		h.logger.Warn("cannot read plugins directory", "dir", h.dir, "error", err)
		return 0
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") {
			continue
		}
		if _, err := h.load(ctx, filepath.Join(h.dir, name)); err != nil {
			h.logger.Warn("skipping plugin", "file", name, "error", err)
			continue
		}
		loaded++
	}
	if loaded > 0 {
		h.logger.Info("plugins discovered", "count", loaded)
	}
	return loaded
}

// load validates one plugin file, probes its manifest, and registers its
// capability. Re-loading an already known plugin replaces it; the enabled
// flag from the previous manifest is preserved.
func (h *Host) load(ctx context.Context, path string) (Manifest, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	name, err := parseHeader(src)
	if err != nil {
		return Manifest{}, err
	}
	if !declaresExecute(src) {
		return Manifest{}, fmt.Errorf("plugin %q has no execute entry point", name)
	}

	manifest, err := h.probe(ctx, path)
	if err != nil {
		return Manifest{}, fmt.Errorf("describe probe: %w", err)
	}
	manifest.Name = name // the header is authoritative
	manifest.LoadedAt = time.Now().UTC()
	manifest.Enabled = true
	if prev, err := loadManifest(h.manifestDir, name); err == nil {
		manifest.Enabled = prev.Enabled
		if manifest.Source == "" {
			manifest.Source = prev.Source
		}
	}

	h.mu.Lock()
	h.plugins[name] = loadedPlugin{manifest: manifest, path: path}
	h.mu.Unlock()

	if manifest.Enabled {
		h.registry.Register(&pluginCapability{host: h, manifest: manifest})
	} else {
		h.registry.Unregister(name)
	}

	if err := saveManifest(h.manifestDir, manifest); err != nil {
		h.logger.Warn("manifest not persisted", "plugin", name, "error", err)
	}
	if missing := manifest.MissingEnv(); len(missing) > 0 {
		h.logger.Warn("plugin missing environment variables",
			"plugin", name,
			"missing", strings.Join(missing, ","),
		)
	}
	h.logger.Info("plugin loaded", "name", name, "version", manifest.Version, "actions", len(manifest.Actions))
	return manifest, nil
}

// Reload re-reads a plugin's current on-disk file. On failure the previous
// version keeps serving.
func (h *Host) Reload(ctx context.Context, name string) (Manifest, error) {
	h.mu.RLock()
	lp, ok := h.plugins[name]
	h.mu.RUnlock()
	if !ok {
		return Manifest{}, fmt.Errorf("plugin %q not loaded", name)
	}
	return h.load(ctx, lp.path)
}

// ReloadAll re-runs discovery over the plugin directory.
func (h *Host) ReloadAll(ctx context.Context) int {
	return h.Discover(ctx)
}

// runPayload is the JSON a plugin reads on stdin for the execute verb.
type runPayload struct {
	Action string         `json:"action"`
	Args   map[string]any `json:"args,omitempty"`
}

// Run executes one plugin action and returns a string the model can read.
// Failures and timeouts come back as text, never as an error. On timeout
// the subprocess is not killed: the slot stays taken and a goroutine reaps
// the process whenever it finishes.
func (h *Host) Run(ctx context.Context, name string, args map[string]any) string {
	h.mu.RLock()
	lp, ok := h.plugins[name]
	h.mu.RUnlock()
	if !ok {
		return fmt.Sprintf("Error: plugin '%s' not loaded.", name)
	}
	if !lp.manifest.Enabled {
		return fmt.Sprintf("Error: plugin '%s' is disabled.", name)
	}

	input, err := json.Marshal(runPayload{
		Action: capability.ArgsString(args, "action"),
		Args:   capability.ArgsMap(args, "args"),
	})
	if err != nil {
		return fmt.Sprintf("Error: could not encode arguments for plugin '%s': %s", name, err)
	}

	select {
	case h.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Sprintf("Error: plugin '%s' canceled before start.", name)
	}

	cmd := exec.Command(lp.path, "execute")
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// The worker owns the semaphore slot. An abandoned run keeps its slot
	// until the subprocess actually exits, which is what bounds the number
	// of live plugin processes.
	done := make(chan error, 1)
	go func() {
		defer func() { <-h.sem }()
		done <- cmd.Run()
	}()

	timer := time.NewTimer(h.runTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = err.Error()
			}
			return fmt.Sprintf("Error in plugin '%s': %s", name, msg)
		}
		return strings.TrimSpace(stdout.String())
	case <-timer.C:
		h.logger.Warn("plugin run timed out, abandoning worker",
			"plugin", name,
			"timeout", h.runTimeout,
		)
		return fmt.Sprintf("Timeout: plugin '%s' did not finish within %s", name, h.runTimeout)
	case <-ctx.Done():
		return fmt.Sprintf("Error: plugin '%s' canceled: %s", name, ctx.Err())
	}
}

// Status is one plugin's manifest plus computed readiness.
type Status struct {
	Manifest   Manifest `json:"manifest"`
	Path       string   `json:"path"`
	Ready      bool     `json:"ready"`
	MissingEnv []string `json:"missingEnv,omitempty"`
}

// List returns the status of every loaded plugin, sorted by name. A plugin
// is ready when it is enabled and none of its required environment
// variables are missing.
func (h *Host) List() []Status {
	h.mu.RLock()
	defer h.mu.RUnlock()

	statuses := make([]Status, 0, len(h.plugins))
	for _, lp := range h.plugins {
		missing := lp.manifest.MissingEnv()
		statuses = append(statuses, Status{
			Manifest:   lp.manifest,
			Path:       lp.path,
			Ready:      lp.manifest.Enabled && len(missing) == 0,
			MissingEnv: missing,
		})
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Manifest.Name < statuses[j].Manifest.Name
	})
	return statuses
}

// Enable registers the plugin's capability and persists the flag.
func (h *Host) Enable(name string) error { return h.setEnabled(name, true) }

// Disable unregisters the plugin's capability and persists the flag.
func (h *Host) Disable(name string) error { return h.setEnabled(name, false) }

func (h *Host) setEnabled(name string, enabled bool) error {
	h.mu.Lock()
	lp, ok := h.plugins[name]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("plugin %q not loaded", name)
	}
	lp.manifest.Enabled = enabled
	h.plugins[name] = lp
	h.mu.Unlock()

	if enabled {
		h.registry.Register(&pluginCapability{host: h, manifest: lp.manifest})
	} else {
		h.registry.Unregister(name)
	}
	if err := saveManifest(h.manifestDir, lp.manifest); err != nil {
		return fmt.Errorf("persist manifest: %w", err)
	}
	h.logger.Info("plugin state changed", "plugin", name, "enabled", enabled)
	return nil
}

func (h *Host) recordAudit(ctx context.Context, entry domain.AuditEntry) {
	if h.audit == nil {
		return
	}
	if err := h.audit.LogAudit(ctx, entry); err != nil {
		h.logger.Warn("audit write failed", "action", entry.Action, "error", err)
	}
}

// probe runs the describe verb and parses the printed manifest.
func (h *Host) probe(ctx context.Context, path string) (Manifest, error) {
	probeCtx, cancel := context.WithTimeout(ctx, describeTimeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, path, "describe")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if probeCtx.Err() != nil {
			return Manifest{}, fmt.Errorf("describe timed out after %s", describeTimeout)
		}
		return Manifest{}, fmt.Errorf("describe failed: %v: %s", err, strings.TrimSpace(stderr.String()))
	}

	var desc struct {
		DisplayName string   `json:"displayName"`
		Description string   `json:"description"`
		Version     string   `json:"version"`
		Author      string   `json:"author"`
		Actions     []string `json:"actions"`
		RequiresEnv []string `json:"requiresEnv"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &desc); err != nil {
		return Manifest{}, fmt.Errorf("describe output is not valid JSON: %w", err)
	}
	return Manifest{
		DisplayName: desc.DisplayName,
		Description: desc.Description,
		Version:     desc.Version,
		Author:      desc.Author,
		Actions:     desc.Actions,
		RequiresEnv: desc.RequiresEnv,
	}, nil
}

// parseHeader finds the plugin name in a "# plugin: <name>" line near the
// top of the file. Searching past the first line keeps shebang scripts valid.
func parseHeader(src []byte) (string, error) {
	scanner := bufio.NewScanner(bytes.NewReader(src))
	for line := 0; scanner.Scan() && line < headerSearchLines; line++ {
		text := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(text, headerPrefix) {
			continue
		}
		name := strings.TrimSpace(strings.TrimPrefix(text, headerPrefix))
		if !pluginNamePattern.MatchString(name) {
			return "", fmt.Errorf("invalid plugin name %q", name)
		}
		return name, nil
	}
	return "", fmt.Errorf("missing '%s <name>' header", headerPrefix)
}

// declaresExecute checks textually that the source mentions the execute
// verb at all, which catches describe-only stubs before the probe runs.
func declaresExecute(src []byte) bool {
	return bytes.Contains(src, []byte("execute"))
}

// pluginCapability adapts one loaded plugin into the capability interface.
type pluginCapability struct {
	host     *Host
	manifest Manifest
}

var _ domain.Capability = (*pluginCapability)(nil)

func (p *pluginCapability) Name() string { return p.manifest.Name }

func (p *pluginCapability) Description() string {
	var b strings.Builder
	if p.manifest.Description != "" {
		b.WriteString(p.manifest.Description)
	} else {
		b.WriteString("Runs the " + p.manifest.Name + " plugin.")
	}
	if len(p.manifest.Actions) > 0 {
		b.WriteString(" Available actions: ")
		b.WriteString(strings.Join(p.manifest.Actions, ", "))
	}
	return b.String()
}

func (p *pluginCapability) Parameters() map[string]any {
	return capability.Schema(
		map[string]capability.Param{
			"action": {Type: "string", Description: "Which plugin action to run"},
			"args":   {Type: "object", Description: "Arguments for the action, as an object"},
		},
		[]string{"action"},
	)
}

// Execute never returns a Go error: plugin failures come back as text so
// the model can read them and adjust.
func (p *pluginCapability) Execute(ctx context.Context, args map[string]any) (string, error) {
	return p.host.Run(ctx, p.manifest.Name, args), nil
}
