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

package config

import "fmt"

// AuthConfig configures bearer-token validation and the authorization
// grants the HTTP surface enforces per request.
type AuthConfig struct {
	// Enabled turns authentication on. When false every request runs as
	// the anonymous principal; local development only.
	Enabled bool `yaml:"enabled,omitempty"`

	// JWKSURL is the JSON Web Key Set endpoint tokens are validated
	// against.
	JWKSURL string `yaml:"jwks_url,omitempty"`

	// Issuer is the expected `iss` claim; empty skips the check.
	Issuer string `yaml:"issuer,omitempty"`

	// Audience is the expected `aud` claim; empty skips the check.
	Audience string `yaml:"audience,omitempty"`

	// GrantsFile is the YAML document mapping principals (emails or
	// domains) to their org/project/flow grants.
	GrantsFile string `yaml:"grants_file,omitempty"`

	// Org and Project name the deployment's own tenancy coordinates:
	// every request is authorized against (org, project, flow).
	Org     string `yaml:"org,omitempty"`
	Project string `yaml:"project,omitempty"`
}

// SetDefaults applies default values.
func (c *AuthConfig) SetDefaults() {
	if c.Org == "" {
		c.Org = "default"
	}
	if c.Project == "" {
		c.Project = "default"
	}
}

// Validate checks the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Enabled && c.JWKSURL == "" {
		return fmt.Errorf("auth.jwks_url is required when auth is enabled")
	}
	if c.Enabled && c.GrantsFile == "" {
		return fmt.Errorf("auth.grants_file is required when auth is enabled")
	}
	return nil
}
