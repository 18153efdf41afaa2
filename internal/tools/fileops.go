package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const maxFileReadBytes = 50000

// FileReadTool reads a file under a configured workspace root.
type FileReadTool struct {
	Root string
}

func (t *FileReadTool) Name() string { return "file_read" }

func (t *FileReadTool) Schema() Schema {
	return Schema{
		Name:           "file_read",
		Description:    "Read a file from the workspace.",
		TimeoutSeconds: 10,
		Parameters: []ParamSpec{
			{Name: "path", Type: "string", Description: "File path relative to the workspace root", Required: true},
		},
	}
}

func (t *FileReadTool) Execute(ctx context.Context, params map[string]any) Result {
	path := stringParam(params, "path", "")
	full, err := resolveInRoot(t.Root, path)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	content, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Success: false, Error: fmt.Sprintf("file not found: %s", path)}
		}
		return Result{Success: false, Error: err.Error()}
	}
	out := string(content)
	if len(out) > maxFileReadBytes {
		out = out[:maxFileReadBytes] + "\n\n[...truncated...]"
	}
	return Result{Success: true, Output: out}
}

// FileWriteTool writes a file under a configured workspace root, creating
// parent directories as needed.
type FileWriteTool struct {
	Root string
}

func (t *FileWriteTool) Name() string { return "file_write" }

func (t *FileWriteTool) Schema() Schema {
	return Schema{
		Name:           "file_write",
		Description:    "Write content to a file in the workspace, creating parent directories as needed.",
		TimeoutSeconds: 10,
		Parameters: []ParamSpec{
			{Name: "path", Type: "string", Description: "File path relative to the workspace root", Required: true},
			{Name: "content", Type: "string", Description: "Content to write", Required: true},
		},
	}
}

func (t *FileWriteTool) Execute(ctx context.Context, params map[string]any) Result {
	path := stringParam(params, "path", "")
	content := stringParam(params, "content", "")
	full, err := resolveInRoot(t.Root, path)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	return Result{Success: true, Output: fmt.Sprintf("written %d bytes to %s", len(content), path)}
}

// FileListTool lists directory entries under a configured workspace root.
type FileListTool struct {
	Root string
}

func (t *FileListTool) Name() string { return "file_list" }

func (t *FileListTool) Schema() Schema {
	return Schema{
		Name:           "file_list",
		Description:    "List files in a directory under the workspace root.",
		TimeoutSeconds: 10,
		Parameters: []ParamSpec{
			{Name: "path", Type: "string", Description: "Directory path relative to the workspace root"},
		},
	}
}

func (t *FileListTool) Execute(ctx context.Context, params map[string]any) Result {
	path := stringParam(params, "path", "")
	full, err := resolveInRoot(t.Root, path)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	if len(entries) == 0 {
		return Result{Success: true, Output: "(empty directory)"}
	}
	var lines []string
	for _, e := range entries {
		if e.IsDir() {
			lines = append(lines, fmt.Sprintf("%10s %s", "[DIR]", e.Name()))
			continue
		}
		info, err := e.Info()
		size := int64(0)
		if err == nil {
			size = info.Size()
		}
		lines = append(lines, fmt.Sprintf("%9dB %s", size, e.Name()))
	}
	return Result{Success: true, Output: strings.Join(lines, "\n")}
}

// resolveInRoot resolves path against root and rejects anything that would
// escape it, mirroring the path-allowlist check the safety validator also
// applies at the plan-validation stage — this is the executor's own
// belt-and-braces enforcement of the same boundary.
func resolveInRoot(root, path string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("no workspace root configured")
	}
	joined := filepath.Join(root, filepath.Clean("/"+path))
	resolved, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if resolved != absRoot && !strings.HasPrefix(resolved, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path outside allowed directory: %s", path)
	}
	return resolved, nil
}
