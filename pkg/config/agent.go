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

// CommandApproval values for the workspace policy default.
const (
	CommandApprovalNever  = "never"
	CommandApprovalAlways = "always"
	CommandApprovalPrompt = "prompt"
)

// AgentConfig configures the turn loop and the default approval policy
// applied to workspaces that have no stored policy of their own.
type AgentConfig struct {
	// MaxIterations caps tool-call rounds per turn.
	MaxIterations int `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty" jsonschema:"title=Max Iterations,description=Tool-call rounds per turn,minimum=1,default=10"`

	// SystemPrompt overrides the built-in system prompt.
	SystemPrompt string `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty" jsonschema:"title=System Prompt,description=Custom system prompt"`

	// AutoApproveTools lists tool names approved without prompting.
	AutoApproveTools []string `yaml:"auto_approve_tools,omitempty" json:"auto_approve_tools,omitempty" jsonschema:"title=Auto-Approve Tools,description=Tools approved without prompting"`

	// CommandApproval controls shell command gating (never, always, prompt).
	CommandApproval string `yaml:"command_approval,omitempty" json:"command_approval,omitempty" jsonschema:"title=Command Approval,description=Shell command gating,enum=never,enum=always,enum=prompt,default=prompt"`
}

// SetDefaults applies default values.
func (c *AgentConfig) SetDefaults() {
	if c.MaxIterations == 0 {
		c.MaxIterations = 10
	}
	if c.CommandApproval == "" {
		c.CommandApproval = CommandApprovalPrompt
	}
}

// Validate checks the agent configuration.
func (c *AgentConfig) Validate() error {
	if c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be at least 1")
	}
	switch c.CommandApproval {
	case CommandApprovalNever, CommandApprovalAlways, CommandApprovalPrompt:
	default:
		return fmt.Errorf("invalid command_approval %q (valid: never, always, prompt)", c.CommandApproval)
	}
	return nil
}

// ACEConfig configures playbook learning.
type ACEConfig struct {
	// Enabled turns on learning from completed turns.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty" jsonschema:"title=Enabled,description=Learn from completed turns,default=true"`

	// MaxBullets triggers dedup and pruning when the playbook grows past it.
	MaxBullets int `yaml:"max_bullets,omitempty" json:"max_bullets,omitempty" jsonschema:"title=Max Bullets,description=Playbook size before maintenance,minimum=1,default=50"`

	// MaxReflectionRounds bounds retries when the reflector returns
	// incomplete JSON.
	MaxReflectionRounds int `yaml:"max_reflection_rounds,omitempty" json:"max_reflection_rounds,omitempty" jsonschema:"title=Max Reflection Rounds,description=Reflector retry budget,minimum=1,default=3"`

	// HarmfulThreshold prunes bullets once their harmful count reaches it.
	HarmfulThreshold int `yaml:"harmful_threshold,omitempty" json:"harmful_threshold,omitempty" jsonschema:"title=Harmful Threshold,description=Harmful count that evicts a bullet,minimum=1,default=3"`
}

// SetDefaults applies default values.
func (c *ACEConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}
	if c.MaxBullets == 0 {
		c.MaxBullets = 50
	}
	if c.MaxReflectionRounds == 0 {
		c.MaxReflectionRounds = 3
	}
	if c.HarmfulThreshold == 0 {
		c.HarmfulThreshold = 3
	}
}

// Validate checks the ACE configuration.
func (c *ACEConfig) Validate() error {
	if c.MaxBullets < 1 {
		return fmt.Errorf("max_bullets must be at least 1")
	}
	if c.MaxReflectionRounds < 1 {
		return fmt.Errorf("max_reflection_rounds must be at least 1")
	}
	return nil
}

// RetrievalConfig tunes context injection at the start of each turn.
type RetrievalConfig struct {
	// KnowledgeLimit caps knowledge results injected per turn.
	KnowledgeLimit int `yaml:"knowledge_limit,omitempty" json:"knowledge_limit,omitempty" jsonschema:"title=Knowledge Limit,description=Knowledge results per turn,minimum=0,default=5"`

	// KnowledgeThreshold is the minimum similarity score for knowledge.
	KnowledgeThreshold float64 `yaml:"knowledge_threshold,omitempty" json:"knowledge_threshold,omitempty" jsonschema:"title=Knowledge Threshold,description=Minimum knowledge similarity,minimum=0,maximum=1,default=0.6"`

	// PlaybookLimit caps playbook bullets injected per turn.
	PlaybookLimit int `yaml:"playbook_limit,omitempty" json:"playbook_limit,omitempty" jsonschema:"title=Playbook Limit,description=Playbook bullets per turn,minimum=0,default=5"`

	// PlaybookThreshold is the minimum similarity score for bullets.
	PlaybookThreshold float64 `yaml:"playbook_threshold,omitempty" json:"playbook_threshold,omitempty" jsonschema:"title=Playbook Threshold,description=Minimum bullet similarity,minimum=0,maximum=1,default=0.5"`

	// ContextBudget is the token budget for packed retrieval context.
	ContextBudget int `yaml:"context_budget,omitempty" json:"context_budget,omitempty" jsonschema:"title=Context Budget,description=Token budget for packed context,minimum=1,default=4096"`
}

// SetDefaults applies default values.
func (c *RetrievalConfig) SetDefaults() {
	if c.KnowledgeLimit == 0 {
		c.KnowledgeLimit = 5
	}
	if c.KnowledgeThreshold == 0 {
		c.KnowledgeThreshold = 0.6
	}
	if c.PlaybookLimit == 0 {
		c.PlaybookLimit = 5
	}
	if c.PlaybookThreshold == 0 {
		c.PlaybookThreshold = 0.5
	}
	if c.ContextBudget == 0 {
		c.ContextBudget = 4096
	}
}

// Validate checks the retrieval configuration.
func (c *RetrievalConfig) Validate() error {
	if c.KnowledgeThreshold < 0 || c.KnowledgeThreshold > 1 {
		return fmt.Errorf("knowledge_threshold must be between 0 and 1")
	}
	if c.PlaybookThreshold < 0 || c.PlaybookThreshold > 1 {
		return fmt.Errorf("playbook_threshold must be between 0 and 1")
	}
	if c.ContextBudget < 1 {
		return fmt.Errorf("context_budget must be positive")
	}
	return nil
}
