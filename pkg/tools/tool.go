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

// Package tools provides the agent's tool surface: built-in filesystem,
// shell, search, and todo tools, plus tools discovered from external MCP
// servers, all behind one registry.
package tools

import (
	"context"
	"fmt"

	"github.com/kadirpekel/coda/pkg/llms"
	"github.com/kadirpekel/coda/pkg/registry"
)

// Result is the outcome of a tool execution. The full result is fed back
// to the model; the transport layer separately derives a display-sized
// rendition.
type Result struct {
	Success bool           `json:"success"`
	Output  string         `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Failure builds a failed result from an error message.
func Failure(format string, args ...any) *Result {
	return &Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Tool is one capability offered to the model.
type Tool interface {
	// Name is the identifier the model calls the tool by.
	Name() string

	// Description tells the model what the tool does.
	Description() string

	// Parameters is the JSON schema of the tool's arguments.
	Parameters() map[string]any

	// RequiresApproval reports whether execution is gated by the
	// workspace approval policy.
	RequiresApproval() bool

	// ApprovalPrompt renders the question shown to the user when approval
	// is needed.
	ApprovalPrompt(args map[string]any) string

	// Execute runs the tool. Tool-level failures are reported in the
	// Result; an error return is reserved for infrastructure faults.
	Execute(ctx context.Context, args map[string]any) (*Result, error)
}

// Registry holds the tools available to a session.
type Registry struct {
	reg *registry.BaseRegistry[Tool]
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{reg: registry.NewBaseRegistry[Tool]()}
}

// Register adds a tool.
func (r *Registry) Register(t Tool) error {
	return r.reg.Register(t.Name(), t)
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	return r.reg.Get(name)
}

// Names lists registered tool names, sorted.
func (r *Registry) Names() []string {
	return r.reg.Names()
}

// Definitions renders every tool for the LLM request, in name order.
func (r *Registry) Definitions() []llms.ToolDefinition {
	names := r.reg.Names()
	defs := make([]llms.ToolDefinition, 0, len(names))
	for _, name := range names {
		t, ok := r.reg.Get(name)
		if !ok {
			continue
		}
		defs = append(defs, llms.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}

// Execute runs a named tool, turning unknown names and infrastructure
// errors into failed results so the model can react.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) *Result {
	t, ok := r.reg.Get(name)
	if !ok {
		return Failure("unknown tool: %s", name)
	}
	result, err := t.Execute(ctx, args)
	if err != nil {
		return Failure("%s failed: %v", name, err)
	}
	if result == nil {
		return Failure("%s returned no result", name)
	}
	return result
}

// stringArg reads a required string argument.
func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	return s, nil
}

// optionalString reads an optional string argument with a default.
func optionalString(args map[string]any, key, fallback string) string {
	if s, ok := args[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

// optionalBool reads an optional bool argument.
func optionalBool(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

// objectSchema builds a JSON schema for an object with the given
// properties and required names.
func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
