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

// VectorProvider identifies the vector store backend.
type VectorProvider string

const (
	VectorProviderQdrant  VectorProvider = "qdrant"
	VectorProviderChromem VectorProvider = "chromem"
)

// VectorConfig configures the vector store backing workspace, knowledge, and
// playbook collections. Chromem is the embedded zero-dependency default;
// qdrant is for setups that already run one.
type VectorConfig struct {
	// Provider type (qdrant, chromem).
	Provider VectorProvider `yaml:"provider,omitempty" json:"provider,omitempty" jsonschema:"title=Provider,description=Vector store backend,enum=qdrant,enum=chromem,default=chromem"`

	// Host of the qdrant server.
	Host string `yaml:"host,omitempty" json:"host,omitempty" jsonschema:"title=Host,description=Qdrant host,default=localhost"`

	// Port of the qdrant gRPC endpoint.
	Port int `yaml:"port,omitempty" json:"port,omitempty" jsonschema:"title=Port,description=Qdrant gRPC port,default=6334"`

	// APIKey for qdrant cloud.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty" jsonschema:"title=API Key,description=Qdrant API key"`

	// UseTLS enables TLS for the qdrant connection.
	UseTLS bool `yaml:"use_tls,omitempty" json:"use_tls,omitempty" jsonschema:"title=Use TLS,description=Enable TLS for qdrant"`

	// Path is the persistence directory for chromem. Empty means in-memory.
	Path string `yaml:"path,omitempty" json:"path,omitempty" jsonschema:"title=Path,description=Chromem persistence directory (empty for in-memory)"`

	// Compress enables gzip compression for chromem persistence.
	Compress bool `yaml:"compress,omitempty" json:"compress,omitempty" jsonschema:"title=Compress,description=Gzip-compress chromem files"`
}

// SetDefaults applies default values.
func (c *VectorConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = VectorProviderChromem
	}

	if c.Provider == VectorProviderQdrant {
		if c.Host == "" {
			c.Host = "localhost"
		}
		if c.Port == 0 {
			c.Port = 6334
		}
	}

	if c.Provider == VectorProviderChromem && c.Path == "" {
		c.Path = defaultDataPath("vectors")
	}
}

// Validate checks the vector store configuration.
func (c *VectorConfig) Validate() error {
	switch c.Provider {
	case VectorProviderQdrant, VectorProviderChromem:
	default:
		return fmt.Errorf("invalid vector provider %q (valid: qdrant, chromem)", c.Provider)
	}

	if c.Provider == VectorProviderQdrant && c.Host == "" {
		return fmt.Errorf("host is required for qdrant")
	}

	return nil
}
