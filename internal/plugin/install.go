package plugin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"lanebot/internal/domain"
)

// maxPluginBytes bounds a plugin download. Plugins are single scripts;
// anything past 1MB is suspect.
const maxPluginBytes = 1 << 20

var safeFilenamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// InstallFromURL downloads a single-file plugin, validates it, and loads it.
// GitHub blob URLs are rewritten to their raw form so installs paste
// straight from the browser. Nothing touches disk until the source passes
// the header and entry point checks.
func (h *Host) InstallFromURL(ctx context.Context, rawURL string) (Manifest, error) {
	fetchURL := normalizeSourceURL(rawURL)

	parsed, err := url.Parse(fetchURL)
	if err != nil {
		return Manifest{}, fmt.Errorf("invalid url: %w", err)
	}
	filename := path.Base(parsed.Path)
	if !safeFilenamePattern.MatchString(filename) ||
		strings.HasPrefix(filename, "_") || strings.HasPrefix(filename, ".") {
		return Manifest{}, fmt.Errorf("unsafe plugin filename %q", filename)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return Manifest{}, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return Manifest{}, fmt.Errorf("fetch plugin: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Manifest{}, fmt.Errorf("fetch plugin: status %d from %s", resp.StatusCode, fetchURL)
	}

	src, err := io.ReadAll(io.LimitReader(resp.Body, maxPluginBytes))
	if err != nil {
		return Manifest{}, fmt.Errorf("read plugin body: %w", err)
	}

	// Validate before anything is persisted.
	name, err := parseHeader(src)
	if err != nil {
		return Manifest{}, fmt.Errorf("validate plugin: %w", err)
	}
	if !declaresExecute(src) {
		return Manifest{}, fmt.Errorf("validate plugin: %q has no execute entry point", name)
	}

	dest := filepath.Join(h.dir, filename)
	if err := os.WriteFile(dest, src, 0o755); err != nil {
		return Manifest{}, fmt.Errorf("write plugin: %w", err)
	}

	manifest, err := h.load(ctx, dest)
	if err != nil {
		// The probe rejected what the textual checks let through.
		if rmErr := os.Remove(dest); rmErr != nil {
			h.logger.Warn("could not remove rejected plugin file", "path", dest, "error", rmErr)
		}
		return Manifest{}, fmt.Errorf("load installed plugin: %w", err)
	}

	manifest = h.setSource(name, rawURL)

	h.logger.Info("plugin installed", "name", name, "source", rawURL)
	h.recordAudit(ctx, domain.AuditEntry{
		Action:     "plugin_installed",
		Capability: name,
		Detail:     rawURL,
		Result:     "ok",
	})
	return manifest, nil
}

// setSource stamps where a plugin came from and persists the manifest.
func (h *Host) setSource(name, source string) Manifest {
	h.mu.Lock()
	lp, ok := h.plugins[name]
	if ok {
		lp.manifest.Source = source
		h.plugins[name] = lp
	}
	h.mu.Unlock()
	if !ok {
		return Manifest{}
	}
	if err := saveManifest(h.manifestDir, lp.manifest); err != nil {
		h.logger.Warn("manifest not persisted", "plugin", name, "error", err)
	}
	return lp.manifest
}

// normalizeSourceURL rewrites github.com blob links to their raw content
// host. Other URLs pass through unchanged.
func normalizeSourceURL(rawURL string) string {
	if !strings.Contains(rawURL, "github.com/") || !strings.Contains(rawURL, "/blob/") {
		return rawURL
	}
	out := strings.Replace(rawURL, "github.com/", "raw.githubusercontent.com/", 1)
	return strings.Replace(out, "/blob/", "/", 1)
}
