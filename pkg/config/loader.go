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

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Load reads the config file at path (if it exists), expands ${VAR}
// references against the process environment, decodes the result into a
// Config, applies defaults, and validates it.
//
// A missing path is not an error: an empty document still receives
// defaults, so the process can run from environment variables alone.
func Load(path string) (*Config, error) {
	LoadDotEnv()

	var raw map[string]any

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			parsed, perr := parseBytes(data)
			if perr != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, perr)
			}
			raw = parsed
		case os.IsNotExist(err):
			raw = map[string]any{}
		default:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		raw = map[string]any{}
	}

	expanded, ok := expandTree(raw).(map[string]any)
	if !ok {
		expanded = raw
	}

	cfg := &Config{}
	if err := decodeConfig(expanded, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// parseBytes parses raw bytes into a map. Supports YAML (primary) and
// JSON (fallback, since YAML is not a strict superset of all JSON corner
// cases in some decoders).
func parseBytes(data []byte) (map[string]any, error) {
	var result map[string]any

	if err := yaml.Unmarshal(data, &result); err == nil {
		return result, nil
	}

	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse as YAML or JSON: %w", err)
	}

	return result, nil
}

// decodeConfig decodes a map into a Config struct using mapstructure.
func decodeConfig(input map[string]any, output *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           output,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(input); err != nil {
		return fmt.Errorf("failed to decode: %w", err)
	}

	return nil
}
