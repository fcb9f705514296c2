package capability

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"lanebot/internal/domain"
)

// resolvePath resolves a file path relative to the workspace and prevents
// directory traversal out of it.
func resolvePath(workspace, path string) (string, error) {
	path = strings.TrimSpace(path)
	if !filepath.IsAbs(path) && workspace != "" {
		path = filepath.Join(workspace, path)
	}
	resolved, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if workspace != "" {
		wsAbs, err := filepath.Abs(workspace)
		if err != nil {
			return "", fmt.Errorf("resolve workspace: %w", err)
		}
		if !strings.HasPrefix(resolved, wsAbs+string(filepath.Separator)) && resolved != wsAbs {
			return "", fmt.Errorf("path %q is outside workspace %q", resolved, wsAbs)
		}
	}
	return resolved, nil
}

// --- ReadFileCapability ---

// ReadFileCapability reads the contents of a file inside the workspace.
type ReadFileCapability struct {
	workspace string
}

func NewReadFileCapability(workspace string) *ReadFileCapability {
	return &ReadFileCapability{workspace: workspace}
}

func (c *ReadFileCapability) Name() string { return "read_file" }
func (c *ReadFileCapability) Description() string {
	return "Read the contents of a file. Provide the file path relative to workspace or absolute."
}
func (c *ReadFileCapability) Parameters() map[string]any {
	return Schema(
		map[string]Param{
			"path": {Type: "string", Description: "File path to read (relative to workspace or absolute)"},
		},
		[]string{"path"},
	)
}

func (c *ReadFileCapability) Execute(ctx context.Context, args map[string]any) (string, error) {
	path := ArgsString(args, "path")
	if path == "" {
		return "", fmt.Errorf("missing argument: path")
	}
	resolved, err := resolvePath(c.workspace, path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	return string(data), nil
}

// --- WriteFileCapability ---

// WriteFileCapability writes content to a file, creating parent directories
// as needed.
type WriteFileCapability struct {
	workspace string
}

func NewWriteFileCapability(workspace string) *WriteFileCapability {
	return &WriteFileCapability{workspace: workspace}
}

func (c *WriteFileCapability) Name() string { return "write_file" }
func (c *WriteFileCapability) Description() string {
	return "Write content to a file. Creates the file if it does not exist; overwrites if it exists."
}
func (c *WriteFileCapability) Parameters() map[string]any {
	return Schema(
		map[string]Param{
			"path":    {Type: "string", Description: "File path to write (relative to workspace or absolute)"},
			"content": {Type: "string", Description: "Content to write to the file"},
		},
		[]string{"path", "content"},
	)
}

func (c *WriteFileCapability) Execute(ctx context.Context, args map[string]any) (string, error) {
	path := ArgsString(args, "path")
	content := ArgsString(args, "content")
	if path == "" {
		return "", fmt.Errorf("missing argument: path")
	}
	resolved, err := resolvePath(c.workspace, path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), resolved), nil
}

// --- ListDirCapability ---

// ListDirCapability lists files and directories at a given path.
type ListDirCapability struct {
	workspace string
}

func NewListDirCapability(workspace string) *ListDirCapability {
	return &ListDirCapability{workspace: workspace}
}

func (c *ListDirCapability) Name() string { return "list_dir" }
func (c *ListDirCapability) Description() string {
	return "List files and directories at the given path. Use '.' or empty for current directory."
}
func (c *ListDirCapability) Parameters() map[string]any {
	return Schema(
		map[string]Param{
			"path": {Type: "string", Description: "Directory path to list (use '.' for current directory)"},
		},
		nil,
	)
}

func (c *ListDirCapability) Execute(ctx context.Context, args map[string]any) (string, error) {
	path := ArgsString(args, "path")
	if path == "" {
		path = "."
	}
	resolved, err := resolvePath(c.workspace, path)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return "", fmt.Errorf("list dir: %w", err)
	}
	var lines []string
	for _, e := range entries {
		if e.IsDir() {
			lines = append(lines, e.Name()+"/")
			continue
		}
		info, err := e.Info()
		if err == nil && info != nil {
			lines = append(lines, fmt.Sprintf("%s %d", e.Name(), info.Size()))
		} else {
			lines = append(lines, e.Name())
		}
	}
	return strings.Join(lines, "\n"), nil
}

// Compile-time interface checks.
var (
	_ domain.Capability = (*ReadFileCapability)(nil)
	_ domain.Capability = (*WriteFileCapability)(nil)
	_ domain.Capability = (*ListDirCapability)(nil)
)
