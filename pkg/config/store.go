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
	"path/filepath"
)

// StoreDriver identifies the relational store backend.
type StoreDriver string

const (
	StoreDriverSQLite   StoreDriver = "sqlite"
	StoreDriverPostgres StoreDriver = "postgres"
	StoreDriverMySQL    StoreDriver = "mysql"
)

// StoreConfig configures the relational store holding workspaces, sessions,
// file metadata, and the embedding cache.
type StoreConfig struct {
	// Driver type (sqlite, postgres, mysql).
	Driver StoreDriver `yaml:"driver,omitempty" json:"driver,omitempty" jsonschema:"title=Driver,description=SQL backend,enum=sqlite,enum=postgres,enum=mysql,default=sqlite"`

	// Path to the sqlite database file.
	Path string `yaml:"path,omitempty" json:"path,omitempty" jsonschema:"title=Path,description=SQLite database file path"`

	// DSN for postgres or mysql connections.
	DSN string `yaml:"dsn,omitempty" json:"dsn,omitempty" jsonschema:"title=DSN,description=Connection string for postgres/mysql"`

	// MaxOpenConns caps the connection pool size.
	MaxOpenConns int `yaml:"max_open_conns,omitempty" json:"max_open_conns,omitempty" jsonschema:"title=Max Open Connections,description=Connection pool size,minimum=1,default=10"`

	// MaxIdleConns caps idle pooled connections.
	MaxIdleConns int `yaml:"max_idle_conns,omitempty" json:"max_idle_conns,omitempty" jsonschema:"title=Max Idle Connections,description=Idle pooled connections,minimum=0,default=5"`
}

// SetDefaults applies default values.
func (c *StoreConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = StoreDriverSQLite
	}

	if c.Driver == StoreDriverSQLite && c.Path == "" {
		c.Path = filepath.Join(defaultDataPath(""), "coda.db")
	}

	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 10
	}

	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
}

// Validate checks the store configuration.
func (c *StoreConfig) Validate() error {
	switch c.Driver {
	case StoreDriverSQLite:
		if c.Path == "" {
			return fmt.Errorf("path is required for sqlite")
		}
	case StoreDriverPostgres, StoreDriverMySQL:
		if c.DSN == "" {
			return fmt.Errorf("dsn is required for driver %q", c.Driver)
		}
	default:
		return fmt.Errorf("invalid store driver %q (valid: sqlite, postgres, mysql)", c.Driver)
	}

	return nil
}
