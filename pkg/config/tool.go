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

package config

import "fmt"

// CommandToolConfig configures the shell command tool.
type CommandToolConfig struct {
	// AllowedCommands is a whitelist of allowed base commands. Empty means
	// any command not denied.
	AllowedCommands []string `yaml:"allowed_commands,omitempty" json:"allowed_commands,omitempty" jsonschema:"title=Allowed Commands,description=Whitelist of allowed base commands"`

	// DeniedCommands is a blacklist of denied base commands.
	DeniedCommands []string `yaml:"denied_commands,omitempty" json:"denied_commands,omitempty" jsonschema:"title=Denied Commands,description=Blacklist of denied base commands"`

	// MaxExecutionTime limits command duration as a duration string.
	MaxExecutionTime string `yaml:"max_execution_time,omitempty" json:"max_execution_time,omitempty" jsonschema:"title=Max Execution Time,description=Command execution deadline,default=2m"`

	// MaxOutputSize truncates combined output beyond this many bytes.
	MaxOutputSize int `yaml:"max_output_size,omitempty" json:"max_output_size,omitempty" jsonschema:"title=Max Output Size,description=Output truncation limit (bytes),minimum=1,default=262144"`
}

// SetDefaults applies default values.
func (c *CommandToolConfig) SetDefaults() {
	if len(c.DeniedCommands) == 0 {
		c.DeniedCommands = []string{"sudo", "shutdown", "reboot", "mkfs", "dd"}
	}
	if c.MaxExecutionTime == "" {
		c.MaxExecutionTime = "2m"
	}
	if c.MaxOutputSize == 0 {
		c.MaxOutputSize = 256 * 1024
	}
}

// MCPServerConfig declares one MCP server whose tools are exposed to the
// agent.
type MCPServerConfig struct {
	// Name prefixes the discovered tool names.
	Name string `yaml:"name" json:"name" jsonschema:"title=Name,description=Server name (prefixes tool names)"`

	// Transport specifies the MCP transport (stdio, sse, streamable-http).
	Transport string `yaml:"transport,omitempty" json:"transport,omitempty" jsonschema:"title=Transport,description=MCP transport,enum=stdio,enum=sse,enum=streamable-http"`

	// Command launches a stdio server.
	Command string `yaml:"command,omitempty" json:"command,omitempty" jsonschema:"title=Command,description=Executable for stdio transport"`

	// Args for the stdio command.
	Args []string `yaml:"args,omitempty" json:"args,omitempty" jsonschema:"title=Args,description=Arguments for the stdio command"`

	// Env for the stdio command, as KEY=VALUE pairs.
	Env []string `yaml:"env,omitempty" json:"env,omitempty" jsonschema:"title=Env,description=Environment for the stdio command"`

	// URL of an sse or streamable-http server.
	URL string `yaml:"url,omitempty" json:"url,omitempty" jsonschema:"title=URL,description=Endpoint for sse/streamable-http transports"`

	// Headers sent with sse/streamable-http requests.
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty" jsonschema:"title=Headers,description=Headers for HTTP transports"`

	// RequiresApproval gates every tool from this server.
	RequiresApproval bool `yaml:"requires_approval,omitempty" json:"requires_approval,omitempty" jsonschema:"title=Requires Approval,description=Gate all tools from this server"`
}

// SetDefaults applies default values.
func (c *MCPServerConfig) SetDefaults() {
	if c.Transport == "" {
		if c.URL != "" {
			c.Transport = "sse"
		} else {
			c.Transport = "stdio"
		}
	}
}

// Validate checks the MCP server configuration.
func (c *MCPServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("mcp server name is required")
	}

	switch c.Transport {
	case "stdio":
		if c.Command == "" {
			return fmt.Errorf("mcp server %q: command is required for stdio transport", c.Name)
		}
	case "sse", "streamable-http":
		if c.URL == "" {
			return fmt.Errorf("mcp server %q: url is required for %s transport", c.Name, c.Transport)
		}
	default:
		return fmt.Errorf("mcp server %q: invalid transport %q (valid: stdio, sse, streamable-http)", c.Name, c.Transport)
	}

	return nil
}

// ToolsConfig configures the built-in tools and MCP servers.
type ToolsConfig struct {
	// Command configures the shell tool.
	Command CommandToolConfig `yaml:"command,omitempty" json:"command,omitempty" jsonschema:"title=Command,description=Shell command tool settings"`

	// MCP lists external MCP servers.
	MCP []MCPServerConfig `yaml:"mcp,omitempty" json:"mcp,omitempty" jsonschema:"title=MCP,description=MCP servers"`
}

// SetDefaults applies default values.
func (c *ToolsConfig) SetDefaults() {
	c.Command.SetDefaults()
	for i := range c.MCP {
		c.MCP[i].SetDefaults()
	}
}

// Validate checks the tools configuration.
func (c *ToolsConfig) Validate() error {
	seen := make(map[string]bool, len(c.MCP))
	for i := range c.MCP {
		if err := c.MCP[i].Validate(); err != nil {
			return err
		}
		if seen[c.MCP[i].Name] {
			return fmt.Errorf("duplicate mcp server name %q", c.MCP[i].Name)
		}
		seen[c.MCP[i].Name] = true
	}
	return nil
}
