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

// EmbedderProvider identifies the embedding provider type.
type EmbedderProvider string

const (
	EmbedderProviderOllama EmbedderProvider = "ollama"
	EmbedderProviderOpenAI EmbedderProvider = "openai"
)

// EmbedderConfig configures the embedding model used for indexing and
// retrieval. All collections share one embedder, so changing the model or
// its dimensions requires a reindex.
type EmbedderConfig struct {
	// Provider type (ollama, openai).
	Provider EmbedderProvider `yaml:"provider,omitempty" json:"provider,omitempty" jsonschema:"title=Provider,description=Embedding provider,enum=ollama,enum=openai,default=ollama"`

	// Model name (e.g., "nomic-embed-text").
	Model string `yaml:"model,omitempty" json:"model,omitempty" jsonschema:"title=Model,description=Embedding model identifier"`

	// Host overrides the provider endpoint.
	Host string `yaml:"host,omitempty" json:"host,omitempty" jsonschema:"title=Host,description=Provider endpoint URL"`

	// APIKey for authentication. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty" jsonschema:"title=API Key,description=API key for authentication"`

	// Dimensions of the embedding vectors.
	Dimensions int `yaml:"dimensions,omitempty" json:"dimensions,omitempty" jsonschema:"title=Dimensions,description=Embedding vector dimensions,minimum=1,default=768"`

	// BatchSize caps how many texts are embedded per request.
	BatchSize int `yaml:"batch_size,omitempty" json:"batch_size,omitempty" jsonschema:"title=Batch Size,description=Texts embedded per request,minimum=1,default=64"`

	// MaxRetries for transient embedding failures.
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty" jsonschema:"title=Max Retries,description=Retry attempts for transient failures,minimum=0,default=3"`

	// Timeout is the per-request timeout as a duration string.
	Timeout string `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"title=Timeout,description=Per-request timeout,default=2m"`
}

// SetDefaults applies default values.
func (c *EmbedderConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = EmbedderProviderOllama
	}

	if c.Model == "" {
		switch c.Provider {
		case EmbedderProviderOllama:
			c.Model = "nomic-embed-text"
		case EmbedderProviderOpenAI:
			c.Model = "text-embedding-3-small"
		}
	}

	if c.Host == "" && c.Provider == EmbedderProviderOllama {
		c.Host = "http://localhost:11434"
	}

	if c.Dimensions == 0 {
		switch c.Model {
		case "text-embedding-3-small":
			c.Dimensions = 1536
		case "text-embedding-3-large":
			c.Dimensions = 3072
		default:
			c.Dimensions = 768
		}
	}

	if c.BatchSize == 0 {
		c.BatchSize = 64
	}

	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}

	if c.Timeout == "" {
		c.Timeout = "2m"
	}
}

// Validate checks the embedder configuration.
func (c *EmbedderConfig) Validate() error {
	switch c.Provider {
	case EmbedderProviderOllama, EmbedderProviderOpenAI:
	default:
		return fmt.Errorf("invalid embedder provider %q (valid: ollama, openai)", c.Provider)
	}

	if c.Provider == EmbedderProviderOpenAI && c.APIKey == "" {
		return fmt.Errorf("api_key is required for embedder provider %q", c.Provider)
	}

	if c.Dimensions <= 0 {
		return fmt.Errorf("dimensions must be positive")
	}

	return nil
}
