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

// ServerConfig configures the HTTP/SSE surface.
type ServerConfig struct {
	// Host to bind.
	Host string `yaml:"host,omitempty"`

	// Port to bind.
	Port int `yaml:"port,omitempty"`

	// CORSAllowOrigins lists origins allowed to open SSE connections.
	CORSAllowOrigins []string `yaml:"cors_allow_origins,omitempty"`

	// ReadTimeoutSeconds bounds request header reads.
	ReadTimeoutSeconds int `yaml:"read_timeout_seconds,omitempty"`

	// ShutdownGraceSeconds bounds how long Shutdown waits for in-flight
	// SSE streams to drain before the process exits.
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds,omitempty"`
}

// SetDefaults applies default values.
func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ReadTimeoutSeconds == 0 {
		c.ReadTimeoutSeconds = 30
	}
	if c.ShutdownGraceSeconds == 0 {
		c.ShutdownGraceSeconds = 20
	}
	if c.CORSAllowOrigins == nil {
		c.CORSAllowOrigins = []string{"*"}
	}
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	return nil
}

// Addr returns the host:port listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
