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
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv folds .env.local and .env into the process environment
// before expansion, .env.local winning. Missing files are fine; a
// deployment that configures purely through real environment variables
// never ships either.
func LoadDotEnv() {
	for _, file := range []string{".env.local", ".env"} {
		// godotenv.Load never overwrites variables that are already
		// set, which is exactly the precedence we want: real
		// environment > .env.local > .env.
		_ = godotenv.Load(file)
	}
}

// expandString substitutes $VAR and ${VAR} from the environment, with
// ${VAR:-fallback} supplying a value when VAR is unset or empty.
// Built on os.Expand rather than regexes: the stdlib already knows the
// two dollar forms, so only the fallback syntax is ours.
func expandString(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	return os.Expand(s, func(name string) string {
		name, fallback, hasFallback := strings.Cut(name, ":-")
		if val := os.Getenv(name); val != "" {
			return val
		}
		if hasFallback {
			return fallback
		}
		return ""
	})
}

// retype re-reads an expanded string as the YAML scalar it would have
// parsed as: `port: ${PORT:-8080}` should decode as an int, not the
// string "8080". Only strings that were actually substituted are
// retyped; literals keep their authored type.
func retype(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// expandTree walks a parsed YAML/JSON document and expands every
// string in place, descending through maps and lists.
func expandTree(node any) any {
	switch v := node.(type) {
	case string:
		expanded := expandString(v)
		if expanded != v {
			return retype(expanded)
		}
		return v
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, child := range v {
			out[key] = expandTree(child)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = expandTree(child)
		}
		return out
	default:
		return node
	}
}
