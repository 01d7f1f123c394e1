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

import (
	"fmt"
	"os"

	"github.com/kadirpekel/coda/pkg/httpclient"
)

// ModelProvider identifies the LLM provider type.
type ModelProvider string

const (
	ModelProviderOllama    ModelProvider = "ollama"
	ModelProviderOpenAI    ModelProvider = "openai"
	ModelProviderAnthropic ModelProvider = "anthropic"
	ModelProviderGemini    ModelProvider = "gemini"
)

// ModelConfig configures the active LLM. Local-first: the zero value resolves
// to an Ollama model on localhost.
type ModelConfig struct {
	// Provider type (ollama, openai, anthropic, gemini).
	Provider ModelProvider `yaml:"provider,omitempty" json:"provider,omitempty" jsonschema:"title=Provider,description=LLM provider,enum=ollama,enum=openai,enum=anthropic,enum=gemini,default=ollama"`

	// Model name (e.g., "qwen2.5-coder:7b", "claude-sonnet-4-20250514").
	Model string `yaml:"model,omitempty" json:"model,omitempty" jsonschema:"title=Model,description=Model identifier"`

	// Host overrides the provider endpoint. For ollama this is the daemon
	// address; for the hosted providers it replaces the default base URL.
	Host string `yaml:"host,omitempty" json:"host,omitempty" jsonschema:"title=Host,description=Provider endpoint URL"`

	// APIKey for authentication. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty" jsonschema:"title=API Key,description=API key for authentication (use ${ENV_VAR})"`

	// ContextWindow is the prompt context size requested from the model.
	ContextWindow int `yaml:"context_window,omitempty" json:"context_window,omitempty" jsonschema:"title=Context Window,description=Context window in tokens,minimum=512,default=8192"`

	// Temperature for generation.
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty" jsonschema:"title=Temperature,description=Sampling temperature,minimum=0,maximum=2,default=0.7"`

	// MaxTokens limits response length.
	MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty" jsonschema:"title=Max Tokens,description=Maximum tokens to generate,minimum=1,default=4096"`

	// Timeout is the per-request timeout as a duration string. Local models
	// on modest hardware can take minutes to answer, so the default is long.
	Timeout string `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"title=Timeout,description=Per-request timeout,default=10m"`

	// TLS carries optional TLS overrides for self-hosted endpoints.
	TLS *httpclient.TLSConfig `yaml:"tls,omitempty" json:"tls,omitempty" jsonschema:"title=TLS,description=TLS overrides for the provider endpoint"`
}

// SetDefaults applies default values.
func (c *ModelConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = ModelProviderOllama
	}

	if c.Model == "" {
		switch c.Provider {
		case ModelProviderOllama:
			c.Model = "qwen2.5-coder:7b"
		case ModelProviderOpenAI:
			c.Model = "gpt-4o"
		case ModelProviderAnthropic:
			c.Model = "claude-sonnet-4-20250514"
		case ModelProviderGemini:
			c.Model = "gemini-2.0-flash"
		}
	}

	if c.Host == "" && c.Provider == ModelProviderOllama {
		c.Host = "http://localhost:11434"
	}

	if c.APIKey == "" {
		c.APIKey = apiKeyFromEnv(c.Provider)
	}

	if c.ContextWindow == 0 {
		c.ContextWindow = 8192
	}

	if c.Temperature == nil {
		temp := 0.7
		c.Temperature = &temp
	}

	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}

	if c.Timeout == "" {
		c.Timeout = "10m"
	}
}

// Validate checks the model configuration.
func (c *ModelConfig) Validate() error {
	validProviders := map[ModelProvider]bool{
		ModelProviderOllama:    true,
		ModelProviderOpenAI:    true,
		ModelProviderAnthropic: true,
		ModelProviderGemini:    true,
	}

	if !validProviders[c.Provider] {
		return fmt.Errorf("invalid model provider %q (valid: ollama, openai, anthropic, gemini)", c.Provider)
	}

	// Ollama doesn't require an API key
	if c.Provider != ModelProviderOllama && c.APIKey == "" {
		return fmt.Errorf("api_key is required for provider %q", c.Provider)
	}

	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2")
	}

	if c.ContextWindow < 0 {
		return fmt.Errorf("context_window must be positive")
	}

	return nil
}

// Equal reports whether two configs address the same loaded model. Context
// window and sampling settings are deliberately excluded: they apply to a
// running model without a reload.
func (c *ModelConfig) Equal(other *ModelConfig) bool {
	if other == nil {
		return false
	}
	return c.Provider == other.Provider &&
		c.Model == other.Model &&
		c.Host == other.Host
}

// apiKeyFromEnv resolves the provider's conventional environment variable.
func apiKeyFromEnv(provider ModelProvider) string {
	switch provider {
	case ModelProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	case ModelProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	case ModelProviderGemini:
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			return key
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}
