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

// LoggerConfig is the logger section. At boot only File is applied; the
// level and format come from the --log-level and --log-format CLI flags,
// so Level and Format here are defaulted and validated but not used to
// configure the logger, and no LOG_LEVEL or LOG_FORMAT environment
// variable is read for them.
type LoggerConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level,omitempty"`

	// Format is simple (level and message) or verbose (timestamped).
	Format string `yaml:"format,omitempty"`

	// File, when set, receives the log instead of stderr.
	File string `yaml:"file,omitempty"`
}

var logLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

// SetDefaults fills the zero fields.
func (c *LoggerConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

// Validate rejects level typos early; a misspelled level silently
// becoming info is the kind of mistake that only surfaces during an
// incident.
func (c *LoggerConfig) Validate() error {
	if c.Level != "" && !logLevels[c.Level] {
		return fmt.Errorf("logger: unknown level %q (debug, info, warn, or error)", c.Level)
	}
	if c.Format != "" && c.Format != "simple" && c.Format != "verbose" {
		return fmt.Errorf("logger: unknown format %q (simple or verbose)", c.Format)
	}
	return nil
}
