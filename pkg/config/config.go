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

// Package config defines the configuration tree for the coda server. Configs
// load from YAML with ${VAR} environment expansion; every section applies
// its own defaults so an empty file yields a working local setup.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	// Server configures the HTTP/WebSocket listener.
	Server ServerConfig `yaml:"server,omitempty" json:"server,omitempty" jsonschema:"title=Server,description=HTTP/WebSocket listener"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging,omitempty" json:"logging,omitempty" jsonschema:"title=Logging,description=Structured logging"`

	// Auth configures JWT validation.
	Auth AuthConfig `yaml:"auth,omitempty" json:"auth,omitempty" jsonschema:"title=Auth,description=JWT validation"`

	// Observability configures metrics and tracing.
	Observability ObservabilityConfig `yaml:"observability,omitempty" json:"observability,omitempty" jsonschema:"title=Observability,description=Metrics and tracing"`

	// Model configures the active LLM.
	Model ModelConfig `yaml:"model,omitempty" json:"model,omitempty" jsonschema:"title=Model,description=Active LLM"`

	// Embedder configures the embedding model.
	Embedder EmbedderConfig `yaml:"embedder,omitempty" json:"embedder,omitempty" jsonschema:"title=Embedder,description=Embedding model"`

	// Vector configures the vector store.
	Vector VectorConfig `yaml:"vector,omitempty" json:"vector,omitempty" jsonschema:"title=Vector,description=Vector store"`

	// Store configures the relational store.
	Store StoreConfig `yaml:"store,omitempty" json:"store,omitempty" jsonschema:"title=Store,description=Relational store"`

	// Agent configures the turn loop and approval defaults.
	Agent AgentConfig `yaml:"agent,omitempty" json:"agent,omitempty" jsonschema:"title=Agent,description=Turn loop and approvals"`

	// ACE configures playbook learning.
	ACE ACEConfig `yaml:"ace,omitempty" json:"ace,omitempty" jsonschema:"title=ACE,description=Playbook learning"`

	// Retrieval tunes context injection.
	Retrieval RetrievalConfig `yaml:"retrieval,omitempty" json:"retrieval,omitempty" jsonschema:"title=Retrieval,description=Context injection"`

	// Indexing tunes the workspace indexer and watcher.
	Indexing IndexingConfig `yaml:"indexing,omitempty" json:"indexing,omitempty" jsonschema:"title=Indexing,description=Indexer and watcher"`

	// Tools configures built-in tools and MCP servers.
	Tools ToolsConfig `yaml:"tools,omitempty" json:"tools,omitempty" jsonschema:"title=Tools,description=Built-in tools and MCP servers"`

	// Knowledge lists knowledge modules.
	Knowledge KnowledgeConfig `yaml:"knowledge,omitempty" json:"knowledge,omitempty" jsonschema:"title=Knowledge,description=Knowledge modules"`
}

// SetDefaults applies defaults to every section.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Logging.SetDefaults()
	c.Observability.SetDefaults()
	c.Model.SetDefaults()
	c.Embedder.SetDefaults()
	c.Vector.SetDefaults()
	c.Store.SetDefaults()
	c.Agent.SetDefaults()
	c.ACE.SetDefaults()
	c.Retrieval.SetDefaults()
	c.Indexing.SetDefaults()
	c.Tools.SetDefaults()
}

// Validate checks every section.
func (c *Config) Validate() error {
	validators := []struct {
		name string
		fn   func() error
	}{
		{"server", c.Server.Validate},
		{"logging", c.Logging.Validate},
		{"auth", c.Auth.Validate},
		{"observability", c.Observability.Validate},
		{"model", c.Model.Validate},
		{"embedder", c.Embedder.Validate},
		{"vector", c.Vector.Validate},
		{"store", c.Store.Validate},
		{"agent", c.Agent.Validate},
		{"ace", c.ACE.Validate},
		{"retrieval", c.Retrieval.Validate},
		{"indexing", c.Indexing.Validate},
		{"tools", c.Tools.Validate},
		{"knowledge", c.Knowledge.Validate},
	}

	for _, v := range validators {
		if err := v.fn(); err != nil {
			return fmt.Errorf("%s: %w", v.name, err)
		}
	}

	return nil
}

// Load reads a config file, expands environment variables, applies defaults,
// and validates. An empty path yields the all-defaults config.
func Load(path string) (*Config, error) {
	if err := LoadEnvFiles(); err != nil {
		return nil, err
	}

	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Parse decodes YAML bytes into cfg with environment expansion. Defaults and
// validation are the caller's concern.
func Parse(data []byte, cfg *Config) error {
	var rawMap map[string]any
	if err := yaml.Unmarshal(data, &rawMap); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	expanded, _ := ExpandEnvVarsInData(rawMap).(map[string]any)

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(expanded); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}

	return nil
}

// BoolPtr returns a pointer to the given bool value.
func BoolPtr(b bool) *bool {
	return &b
}

// IntPtr returns a pointer to the given int value.
func IntPtr(i int) *int {
	return &i
}

// defaultDataPath resolves a subdirectory under the coda data root,
// ~/.coda by default.
func defaultDataPath(sub string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".coda", sub)
	}
	return filepath.Join(home, ".coda", sub)
}
