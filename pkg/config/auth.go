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

// AuthConfig configures JWT validation for the HTTP and WebSocket surfaces.
// Disabled by default: the server binds to loopback and local single-user
// setups don't need tokens.
type AuthConfig struct {
	// Enabled turns on JWT validation.
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty" jsonschema:"title=Enabled,description=Require JWT authentication"`

	// JWKSURL is the JSON Web Key Set endpoint for signature verification.
	JWKSURL string `yaml:"jwks_url,omitempty" json:"jwks_url,omitempty" jsonschema:"title=JWKS URL,description=JWKS endpoint for token verification"`

	// Issuer is the expected token issuer.
	Issuer string `yaml:"issuer,omitempty" json:"issuer,omitempty" jsonschema:"title=Issuer,description=Expected iss claim"`

	// Audience is the expected token audience.
	Audience string `yaml:"audience,omitempty" json:"audience,omitempty" jsonschema:"title=Audience,description=Expected aud claim"`
}

// Validate checks the auth configuration.
func (c *AuthConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.JWKSURL == "" {
		return fmt.Errorf("jwks_url is required when auth is enabled")
	}
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required when auth is enabled")
	}
	return nil
}
