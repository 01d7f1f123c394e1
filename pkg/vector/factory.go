// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vector

import (
	"fmt"

	"github.com/kadirpekel/coda/pkg/config"
)

// New creates a vector provider from configuration.
func New(cfg *config.VectorConfig) (Provider, error) {
	switch cfg.Provider {
	case config.VectorProviderChromem:
		return NewChromemProvider(cfg.Path, cfg.Compress)
	case config.VectorProviderQdrant:
		return NewQdrantProvider(cfg)
	default:
		return nil, fmt.Errorf("unknown vector provider: %s", cfg.Provider)
	}
}
