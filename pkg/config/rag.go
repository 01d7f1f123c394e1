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

// DefaultIgnorePatterns are skipped during indexing regardless of workspace
// configuration.
var DefaultIgnorePatterns = []string{
	".git/**",
	".hg/**",
	".svn/**",
	"node_modules/**",
	"vendor/**",
	"dist/**",
	"build/**",
	"target/**",
	"__pycache__/**",
	".venv/**",
	"venv/**",
	".idea/**",
	".vscode/**",
	"*.min.js",
	"*.min.css",
	"*.lock",
	"*.sum",
}

// IndexingConfig tunes the workspace indexer and file watcher.
type IndexingConfig struct {
	// IgnorePatterns are glob patterns skipped during indexing, merged with
	// the built-in defaults.
	IgnorePatterns []string `yaml:"ignore_patterns,omitempty" json:"ignore_patterns,omitempty" jsonschema:"title=Ignore Patterns,description=Glob patterns to skip"`

	// MaxFileSize skips files larger than this many bytes.
	MaxFileSize int64 `yaml:"max_file_size,omitempty" json:"max_file_size,omitempty" jsonschema:"title=Max File Size,description=Skip files larger than this (bytes),minimum=1,default=10485760"`

	// ChunkWindow is the sliding-window size in lines for non-AST chunking.
	ChunkWindow int `yaml:"chunk_window,omitempty" json:"chunk_window,omitempty" jsonschema:"title=Chunk Window,description=Sliding window size in lines,minimum=1,default=50"`

	// ChunkOverlap is the line overlap between consecutive windows.
	ChunkOverlap int `yaml:"chunk_overlap,omitempty" json:"chunk_overlap,omitempty" jsonschema:"title=Chunk Overlap,description=Line overlap between windows,minimum=0,default=10"`

	// EmbedBatchSize caps chunks embedded per request.
	EmbedBatchSize int `yaml:"embed_batch_size,omitempty" json:"embed_batch_size,omitempty" jsonschema:"title=Embed Batch Size,description=Chunks embedded per request,minimum=1,default=64"`

	// DebounceInterval collapses rapid file events, as a duration string.
	DebounceInterval string `yaml:"debounce_interval,omitempty" json:"debounce_interval,omitempty" jsonschema:"title=Debounce Interval,description=File event debounce window,default=500ms"`

	// QueueSize bounds the watcher event queue.
	QueueSize int `yaml:"queue_size,omitempty" json:"queue_size,omitempty" jsonschema:"title=Queue Size,description=Watcher event queue capacity,minimum=1,default=256"`
}

// SetDefaults applies default values.
func (c *IndexingConfig) SetDefaults() {
	if c.MaxFileSize == 0 {
		c.MaxFileSize = 10 * 1024 * 1024
	}
	if c.ChunkWindow == 0 {
		c.ChunkWindow = 50
	}
	if c.ChunkOverlap == 0 {
		c.ChunkOverlap = 10
	}
	if c.EmbedBatchSize == 0 {
		c.EmbedBatchSize = 64
	}
	if c.DebounceInterval == "" {
		c.DebounceInterval = "500ms"
	}
	if c.QueueSize == 0 {
		c.QueueSize = 256
	}
}

// Validate checks the indexing configuration.
func (c *IndexingConfig) Validate() error {
	if c.ChunkOverlap >= c.ChunkWindow {
		return fmt.Errorf("chunk_overlap (%d) must be smaller than chunk_window (%d)", c.ChunkOverlap, c.ChunkWindow)
	}
	if c.MaxFileSize < 1 {
		return fmt.Errorf("max_file_size must be positive")
	}
	return nil
}

// AllIgnorePatterns returns the built-in ignore set merged with the
// configured extras.
func (c *IndexingConfig) AllIgnorePatterns() []string {
	patterns := make([]string, 0, len(DefaultIgnorePatterns)+len(c.IgnorePatterns))
	patterns = append(patterns, DefaultIgnorePatterns...)
	patterns = append(patterns, c.IgnorePatterns...)
	return patterns
}

// KnowledgeModuleConfig declares one knowledge module indexed into its own
// collection at startup.
type KnowledgeModuleConfig struct {
	// ID names the module; its collection becomes rag_<id>.
	ID string `yaml:"id" json:"id" jsonschema:"title=ID,description=Module identifier"`

	// Paths are files or directories to index.
	Paths []string `yaml:"paths,omitempty" json:"paths,omitempty" jsonschema:"title=Paths,description=Files or directories to index"`

	// Include restricts indexing to matching globs (empty means all
	// supported document types).
	Include []string `yaml:"include,omitempty" json:"include,omitempty" jsonschema:"title=Include,description=Glob patterns to include"`

	// Shared mirrors this module into the shared knowledge collection.
	Shared bool `yaml:"shared,omitempty" json:"shared,omitempty" jsonschema:"title=Shared,description=Mirror into the shared collection"`
}

// Validate checks the knowledge module configuration.
func (c *KnowledgeModuleConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("knowledge module id is required")
	}
	if len(c.Paths) == 0 {
		return fmt.Errorf("knowledge module %q has no paths", c.ID)
	}
	return nil
}

// KnowledgeConfig lists the knowledge modules available to retrieval.
type KnowledgeConfig struct {
	// Modules to index at startup.
	Modules []KnowledgeModuleConfig `yaml:"modules,omitempty" json:"modules,omitempty" jsonschema:"title=Modules,description=Knowledge modules"`
}

// Validate checks the knowledge configuration.
func (c *KnowledgeConfig) Validate() error {
	seen := make(map[string]bool, len(c.Modules))
	for i := range c.Modules {
		if err := c.Modules[i].Validate(); err != nil {
			return err
		}
		if seen[c.Modules[i].ID] {
			return fmt.Errorf("duplicate knowledge module id %q", c.Modules[i].ID)
		}
		seen[c.Modules[i].ID] = true
	}
	return nil
}
