package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/coda/pkg/config"
)

func TestResolveWorkspacePath(t *testing.T) {
	root := t.TempDir()

	t.Run("relative path resolves under root", func(t *testing.T) {
		abs, err := resolveWorkspacePath(root, "src/main.go")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(root, "src", "main.go"), abs)
	})

	t.Run("rejects empty path", func(t *testing.T) {
		_, err := resolveWorkspacePath(root, "  ")
		assert.Error(t, err)
	})

	t.Run("rejects absolute path", func(t *testing.T) {
		_, err := resolveWorkspacePath(root, "/etc/passwd")
		assert.Error(t, err)
	})

	t.Run("rejects escape via dotdot", func(t *testing.T) {
		_, err := resolveWorkspacePath(root, "../outside.txt")
		assert.Error(t, err)

		_, err = resolveWorkspacePath(root, "a/../../outside.txt")
		assert.Error(t, err)
	})
}

func TestReadWriteListTools(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	write := &WriteFileTool{Root: root}
	result, err := write.Execute(ctx, map[string]any{
		"path":    "pkg/util/strings.go",
		"content": "package util\n",
	})
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)

	read := &ReadFileTool{Root: root}
	result, err = read.Execute(ctx, map[string]any{"path": "pkg/util/strings.go"})
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)
	assert.Equal(t, "package util\n", result.Output)

	t.Run("read missing file fails softly", func(t *testing.T) {
		result, err := read.Execute(ctx, map[string]any{"path": "nope.go"})
		require.NoError(t, err)
		assert.False(t, result.Success)
	})

	t.Run("read directory fails softly", func(t *testing.T) {
		result, err := read.Execute(ctx, map[string]any{"path": "pkg"})
		require.NoError(t, err)
		assert.False(t, result.Success)
	})

	list := &ListFilesTool{Root: root}
	t.Run("recursive listing", func(t *testing.T) {
		result, err := list.Execute(ctx, map[string]any{"recursive": true})
		require.NoError(t, err)
		require.True(t, result.Success, result.Error)
		files := result.Data["files"].([]string)
		assert.Contains(t, files, "pkg/util/strings.go")
		assert.Contains(t, files, "pkg/")
	})

	t.Run("flat listing marks directories", func(t *testing.T) {
		result, err := list.Execute(ctx, map[string]any{})
		require.NoError(t, err)
		require.True(t, result.Success, result.Error)
		assert.Equal(t, []string{"pkg/"}, result.Data["files"])
	})
}

func TestCommandTool(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hi"), 0o644))
	ctx := context.Background()

	t.Run("runs in workspace root", func(t *testing.T) {
		tool := NewCommandTool(root, nil)
		result, err := tool.Execute(ctx, map[string]any{"command": "ls"})
		require.NoError(t, err)
		require.True(t, result.Success, result.Error)
		assert.Contains(t, result.Output, "hello.txt")
		assert.Equal(t, 0, result.Data["exit_code"])
	})

	t.Run("non-zero exit reported not errored", func(t *testing.T) {
		tool := NewCommandTool(root, nil)
		result, err := tool.Execute(ctx, map[string]any{"command": "false"})
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Equal(t, 1, result.Data["exit_code"])
	})

	t.Run("denied command is blocked", func(t *testing.T) {
		cfg := &config.CommandToolConfig{}
		cfg.SetDefaults()
		tool := NewCommandTool(root, cfg)
		result, err := tool.Execute(ctx, map[string]any{"command": "sudo rm -rf /"})
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "denied")
	})

	t.Run("deny list catches pipeline segments", func(t *testing.T) {
		cfg := &config.CommandToolConfig{}
		cfg.SetDefaults()
		tool := NewCommandTool(root, cfg)
		result, err := tool.Execute(ctx, map[string]any{"command": "echo x | sudo tee /etc/x"})
		require.NoError(t, err)
		assert.False(t, result.Success)
	})

	t.Run("whitelist blocks everything else", func(t *testing.T) {
		cfg := &config.CommandToolConfig{AllowedCommands: []string{"echo"}}
		cfg.SetDefaults()
		tool := NewCommandTool(root, cfg)

		result, err := tool.Execute(ctx, map[string]any{"command": "echo ok"})
		require.NoError(t, err)
		assert.True(t, result.Success)

		result, err = tool.Execute(ctx, map[string]any{"command": "cat hello.txt"})
		require.NoError(t, err)
		assert.False(t, result.Success)
	})

	t.Run("env assignment prefix is skipped", func(t *testing.T) {
		bases := baseCommands("FOO=bar baz --flag")
		assert.Equal(t, []string{"baz"}, bases)
	})

	t.Run("output truncation", func(t *testing.T) {
		cfg := &config.CommandToolConfig{MaxOutputSize: 10}
		cfg.SetDefaults()
		tool := NewCommandTool(root, cfg)
		result, err := tool.Execute(ctx, map[string]any{"command": "echo aaaaaaaaaaaaaaaaaaaaaaaa"})
		require.NoError(t, err)
		assert.Contains(t, result.Output, "output truncated")
	})

	t.Run("timeout", func(t *testing.T) {
		cfg := &config.CommandToolConfig{MaxExecutionTime: "100ms"}
		cfg.SetDefaults()
		tool := NewCommandTool(root, cfg)
		result, err := tool.Execute(ctx, map[string]any{"command": "sleep 5"})
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "timed out")
	})
}

func TestTodoTool(t *testing.T) {
	tool := &TodoTool{}
	ctx := context.Background()

	result, err := tool.Execute(ctx, map[string]any{
		"todos": []any{
			map[string]any{"content": "write tests", "status": "in_progress"},
			map[string]any{"content": "refactor", "status": "pending"},
		},
	})
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)
	assert.Contains(t, result.Output, "[>] write tests")
	assert.Contains(t, result.Output, "[ ] refactor")
	assert.Len(t, tool.Items(), 2)

	t.Run("replaces whole list", func(t *testing.T) {
		_, err := tool.Execute(ctx, map[string]any{
			"todos": []any{map[string]any{"content": "done", "status": "completed"}},
		})
		require.NoError(t, err)
		items := tool.Items()
		require.Len(t, items, 1)
		assert.Equal(t, "completed", items[0].Status)
	})

	t.Run("invalid status rejected", func(t *testing.T) {
		result, err := tool.Execute(ctx, map[string]any{
			"todos": []any{map[string]any{"content": "x", "status": "someday"}},
		})
		require.NoError(t, err)
		assert.False(t, result.Success)
	})
}

type staticTool struct {
	name string
	fn   func(ctx context.Context, args map[string]any) (*Result, error)
}

func (t *staticTool) Name() string                        { return t.name }
func (t *staticTool) Description() string                 { return "static test tool" }
func (t *staticTool) Parameters() map[string]any          { return objectSchema(map[string]any{}) }
func (t *staticTool) RequiresApproval() bool              { return false }
func (t *staticTool) ApprovalPrompt(map[string]any) string { return "?" }
func (t *staticTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	return t.fn(ctx, args)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&staticTool{name: "beta", fn: func(context.Context, map[string]any) (*Result, error) {
		return &Result{Success: true, Output: "ok"}, nil
	}}))
	require.NoError(t, reg.Register(&staticTool{name: "alpha", fn: func(context.Context, map[string]any) (*Result, error) {
		return nil, fmt.Errorf("boom")
	}}))

	t.Run("definitions in name order", func(t *testing.T) {
		defs := reg.Definitions()
		require.Len(t, defs, 2)
		assert.Equal(t, "alpha", defs[0].Name)
		assert.Equal(t, "beta", defs[1].Name)
	})

	t.Run("unknown tool becomes failed result", func(t *testing.T) {
		result := reg.Execute(context.Background(), "missing", nil)
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "unknown tool")
	})

	t.Run("infrastructure error becomes failed result", func(t *testing.T) {
		result := reg.Execute(context.Background(), "alpha", nil)
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "boom")
	})

	t.Run("duplicate registration rejected", func(t *testing.T) {
		err := reg.Register(&staticTool{name: "alpha"})
		assert.Error(t, err)
	})
}

func TestDisplayResult(t *testing.T) {
	t.Run("read_file truncates lines", func(t *testing.T) {
		content := strings.Repeat("line\n", 80)
		out := DisplayResult("read_file", &Result{Success: true, Output: content})
		assert.Equal(t, true, out["truncated"])
		display := out["output"].(string)
		assert.LessOrEqual(t, strings.Count(display, "\n"), displayMaxLines+1)
	})

	t.Run("read_file truncates chars", func(t *testing.T) {
		content := strings.Repeat("a", 5000)
		out := DisplayResult("read_file", &Result{Success: true, Output: content})
		assert.Equal(t, true, out["truncated"])
		assert.Less(t, len(out["output"].(string)), len(content))
	})

	t.Run("short read passes through", func(t *testing.T) {
		out := DisplayResult("read_file", &Result{Success: true, Output: "short"})
		assert.Equal(t, "short", out["output"])
		_, truncated := out["truncated"]
		assert.False(t, truncated)
	})

	t.Run("list_files shows first files with totals", func(t *testing.T) {
		files := make([]string, 30)
		for i := range files {
			files[i] = fmt.Sprintf("file%02d.go", i)
		}
		out := DisplayResult("list_files", &Result{
			Success: true,
			Output:  strings.Join(files, "\n"),
			Data:    map[string]any{"files": files, "count": len(files)},
		})
		display := out["output"].(string)
		assert.Contains(t, display, "file00.go")
		assert.Contains(t, display, "and 10 more (30 total)")
		assert.NotContains(t, display, "file25.go")
	})

	t.Run("generic output capped", func(t *testing.T) {
		out := DisplayResult("run_command", &Result{Success: true, Output: strings.Repeat("x", displayCap+100)})
		assert.Equal(t, true, out["truncated"])
	})

	t.Run("error surfaces", func(t *testing.T) {
		out := DisplayResult("write_file", Failure("denied"))
		assert.Equal(t, false, out["success"])
		assert.Equal(t, "denied", out["error"])
	})
}

func TestExtractSSEData(t *testing.T) {
	body := "event: message\ndata: {\"jsonrpc\":\"2.0\",\ndata: \"id\":1}\n\n"
	data := extractSSEData([]byte(body))
	assert.Equal(t, `{"jsonrpc":"2.0","id":1}`, string(data))
}
