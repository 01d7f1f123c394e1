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

// Package store is the relational layer: workspaces, sessions, transcripts,
// indexed file metadata, and the embedding cache. SQLite is the default;
// postgres and mysql are supported for shared deployments.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kadirpekel/coda/pkg/config"
	"github.com/kadirpekel/coda/pkg/protocol"
)

// Store wraps the SQL database with dialect-aware queries.
type Store struct {
	db     *sql.DB
	driver config.StoreDriver
	fts    bool
}

// Open connects to the configured database and ensures the schema exists.
func Open(cfg *config.StoreConfig) (*Store, error) {
	driverName, dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	// SQLite serializes writers; a second connection just produces
	// SQLITE_BUSY under load.
	if cfg.Driver == config.StoreDriverSQLite {
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping database: %v", protocol.ErrStorageUnavailable, err)
	}

	s := &Store{db: db, driver: cfg.Driver}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Driver returns the configured dialect.
func (s *Store) Driver() config.StoreDriver {
	return s.driver
}

func buildDSN(cfg *config.StoreConfig) (driverName, dsn string, err error) {
	switch cfg.Driver {
	case config.StoreDriverSQLite:
		if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", "", fmt.Errorf("create database directory: %w", err)
			}
		}
		return "sqlite3", cfg.Path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_loc=UTC", nil

	case config.StoreDriverPostgres:
		return "postgres", cfg.DSN, nil

	case config.StoreDriverMySQL:
		dsn := cfg.DSN
		if !strings.Contains(dsn, "parseTime=") {
			sep := "?"
			if strings.Contains(dsn, "?") {
				sep = "&"
			}
			dsn += sep + "parseTime=true&loc=UTC"
		}
		return "mysql", dsn, nil

	default:
		return "", "", fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}
}

// rebind rewrites ? placeholders to the dialect's format. Queries are
// written with ? throughout; only postgres needs $n.
func (s *Store) rebind(query string) string {
	if s.driver != config.StoreDriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func now() time.Time {
	return time.Now().UTC()
}
