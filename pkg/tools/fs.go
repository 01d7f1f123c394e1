// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// maxReadSize caps how much of a file the read tool returns to the model.
const maxReadSize = 256 * 1024

// resolveWorkspacePath joins a workspace-relative path and rejects
// anything escaping the root.
func resolveWorkspacePath(root, rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return "", fmt.Errorf("path is empty")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path must be workspace-relative: %s", rel)
	}

	abs := filepath.Join(root, rel)
	cleanRoot := filepath.Clean(root)
	if abs != cleanRoot && !strings.HasPrefix(abs, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the workspace: %s", rel)
	}
	return abs, nil
}

// ReadFileTool reads a file inside the workspace.
type ReadFileTool struct {
	Root string
}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read a file from the workspace. Returns the full content."
}

func (t *ReadFileTool) Parameters() map[string]any {
	return objectSchema(map[string]any{
		"path": map[string]any{"type": "string", "description": "Workspace-relative file path"},
	}, "path")
}

func (t *ReadFileTool) RequiresApproval() bool { return false }

func (t *ReadFileTool) ApprovalPrompt(args map[string]any) string {
	return fmt.Sprintf("Read file %s?", optionalString(args, "path", "?"))
}

func (t *ReadFileTool) Execute(_ context.Context, args map[string]any) (*Result, error) {
	rel, err := stringArg(args, "path")
	if err != nil {
		return Failure("%v", err), nil
	}
	abs, err := resolveWorkspacePath(t.Root, rel)
	if err != nil {
		return Failure("%v", err), nil
	}

	info, err := os.Stat(abs)
	if err != nil {
		return Failure("cannot read %s: %v", rel, err), nil
	}
	if info.IsDir() {
		return Failure("%s is a directory", rel), nil
	}
	if info.Size() > maxReadSize {
		return Failure("%s is too large to read (%d bytes)", rel, info.Size()), nil
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		return Failure("cannot read %s: %v", rel, err), nil
	}

	return &Result{
		Success: true,
		Output:  string(content),
		Data: map[string]any{
			"path":  rel,
			"lines": strings.Count(string(content), "\n") + 1,
			"bytes": len(content),
		},
	}, nil
}

// WriteFileTool writes a file inside the workspace. Always gated.
type WriteFileTool struct {
	Root string
}

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Write content to a file in the workspace, creating parent directories as needed."
}

func (t *WriteFileTool) Parameters() map[string]any {
	return objectSchema(map[string]any{
		"path":    map[string]any{"type": "string", "description": "Workspace-relative file path"},
		"content": map[string]any{"type": "string", "description": "Full file content to write"},
	}, "path", "content")
}

func (t *WriteFileTool) RequiresApproval() bool { return true }

func (t *WriteFileTool) ApprovalPrompt(args map[string]any) string {
	return fmt.Sprintf("Write %d bytes to %s?",
		len(optionalString(args, "content", "")), optionalString(args, "path", "?"))
}

func (t *WriteFileTool) Execute(_ context.Context, args map[string]any) (*Result, error) {
	rel, err := stringArg(args, "path")
	if err != nil {
		return Failure("%v", err), nil
	}
	content, err := stringArg(args, "content")
	if err != nil {
		return Failure("%v", err), nil
	}
	abs, err := resolveWorkspacePath(t.Root, rel)
	if err != nil {
		return Failure("%v", err), nil
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return Failure("cannot create directories for %s: %v", rel, err), nil
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return Failure("cannot write %s: %v", rel, err), nil
	}

	return &Result{
		Success: true,
		Output:  fmt.Sprintf("wrote %d bytes to %s", len(content), rel),
		Data:    map[string]any{"path": rel, "bytes": len(content)},
	}, nil
}

// ListFilesTool lists a workspace directory.
type ListFilesTool struct {
	Root string
}

func (t *ListFilesTool) Name() string { return "list_files" }

func (t *ListFilesTool) Description() string {
	return "List files and directories under a workspace directory."
}

func (t *ListFilesTool) Parameters() map[string]any {
	return objectSchema(map[string]any{
		"directory": map[string]any{"type": "string", "description": "Workspace-relative directory, defaults to the root"},
		"recursive": map[string]any{"type": "boolean", "description": "Recurse into subdirectories"},
	})
}

func (t *ListFilesTool) RequiresApproval() bool { return false }

func (t *ListFilesTool) ApprovalPrompt(args map[string]any) string {
	return fmt.Sprintf("List files in %s?", optionalString(args, "directory", "."))
}

func (t *ListFilesTool) Execute(_ context.Context, args map[string]any) (*Result, error) {
	dir := optionalString(args, "directory", ".")
	abs, err := resolveWorkspacePath(t.Root, dir)
	if err != nil {
		return Failure("%v", err), nil
	}

	var files []string
	if optionalBool(args, "recursive") {
		err = filepath.WalkDir(abs, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			name := d.Name()
			if d.IsDir() && (name == ".git" || name == "node_modules") {
				return filepath.SkipDir
			}
			rel, relErr := filepath.Rel(t.Root, path)
			if relErr != nil || rel == "." {
				return nil
			}
			if d.IsDir() {
				rel += "/"
			}
			files = append(files, filepath.ToSlash(rel))
			return nil
		})
		if err != nil {
			return Failure("cannot list %s: %v", dir, err), nil
		}
	} else {
		entries, readErr := os.ReadDir(abs)
		if readErr != nil {
			return Failure("cannot list %s: %v", dir, readErr), nil
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() {
				name += "/"
			}
			files = append(files, name)
		}
	}
	sort.Strings(files)

	return &Result{
		Success: true,
		Output:  strings.Join(files, "\n"),
		Data: map[string]any{
			"directory": dir,
			"files":     files,
			"count":     len(files),
		},
	}, nil
}
