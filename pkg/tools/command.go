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
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kadirpekel/coda/pkg/config"
)

// CommandTool runs shell commands in the workspace root. Execution is
// gated by the workspace approval policy and filtered through the
// allow/deny lists before it ever reaches the shell.
type CommandTool struct {
	Root string
	cfg  *config.CommandToolConfig

	timeout time.Duration
}

// NewCommandTool creates the shell tool.
func NewCommandTool(root string, cfg *config.CommandToolConfig) *CommandTool {
	if cfg == nil {
		cfg = &config.CommandToolConfig{}
		cfg.SetDefaults()
	}
	timeout, err := time.ParseDuration(cfg.MaxExecutionTime)
	if err != nil || timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &CommandTool{Root: root, cfg: cfg, timeout: timeout}
}

func (t *CommandTool) Name() string { return "run_command" }

func (t *CommandTool) Description() string {
	return "Run a shell command in the workspace root and return its combined output."
}

func (t *CommandTool) Parameters() map[string]any {
	return objectSchema(map[string]any{
		"command": map[string]any{"type": "string", "description": "Shell command to run"},
	}, "command")
}

func (t *CommandTool) RequiresApproval() bool { return true }

func (t *CommandTool) ApprovalPrompt(args map[string]any) string {
	return fmt.Sprintf("Run command: %s", optionalString(args, "command", "?"))
}

func (t *CommandTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	command, err := stringArg(args, "command")
	if err != nil {
		return Failure("%v", err), nil
	}
	command = strings.TrimSpace(command)
	if command == "" {
		return Failure("command is empty"), nil
	}

	if reason := t.blocked(command); reason != "" {
		return Failure("command blocked: %s", reason), nil
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = t.Root
	output, runErr := cmd.CombinedOutput()

	if len(output) > t.cfg.MaxOutputSize {
		output = append(output[:t.cfg.MaxOutputSize], []byte("\n... (output truncated)")...)
	}

	if ctx.Err() == context.DeadlineExceeded {
		return Failure("command timed out after %s", t.timeout), nil
	}
	if runErr != nil {
		return &Result{
			Success: false,
			Output:  string(output),
			Error:   runErr.Error(),
			Data:    map[string]any{"command": command, "exit_code": cmd.ProcessState.ExitCode()},
		}, nil
	}

	return &Result{
		Success: true,
		Output:  string(output),
		Data:    map[string]any{"command": command, "exit_code": 0},
	}, nil
}

// blocked checks every base command in the pipeline against the deny list
// and, when configured, the allow list.
func (t *CommandTool) blocked(command string) string {
	for _, base := range baseCommands(command) {
		for _, denied := range t.cfg.DeniedCommands {
			if base == denied {
				return fmt.Sprintf("%q is denied", base)
			}
		}
		if len(t.cfg.AllowedCommands) > 0 && !contains(t.cfg.AllowedCommands, base) {
			return fmt.Sprintf("%q is not in the allowed commands", base)
		}
	}
	return ""
}

// baseCommands extracts the leading executable of each segment of a
// pipeline or command list (separators: |, &&, ||, ;).
func baseCommands(command string) []string {
	replacer := strings.NewReplacer("&&", "\n", "||", "\n", "|", "\n", ";", "\n")
	var bases []string
	for _, segment := range strings.Split(replacer.Replace(command), "\n") {
		fields := strings.Fields(segment)
		if len(fields) == 0 {
			continue
		}
		base := filepath.Base(fields[0])
		// Skip leading env assignments like FOO=bar cmd.
		for _, field := range fields {
			if !strings.Contains(field, "=") {
				base = filepath.Base(field)
				break
			}
		}
		bases = append(bases, base)
	}
	return bases
}

func contains(list []string, item string) bool {
	for _, candidate := range list {
		if candidate == item {
			return true
		}
	}
	return false
}
