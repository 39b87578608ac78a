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

package ratelimit

import (
	"context"
	"fmt"

	"github.com/kadirpekel/flowcore/pkg/config"
)

// FromConfig builds the Limiter from the rate_limiting config section,
// or nil when the section is absent or disabled. The sql backend
// shares the DBPool's connection with the checkpoint and thread
// stores, so all three land in one database.
func FromConfig(ctx context.Context, cfg *config.Config, pool *config.DBPool) (*Limiter, error) {
	rc := cfg.RateLimiting
	if rc == nil || !rc.Enabled {
		return nil, nil
	}

	quotas := make([]Quota, 0, len(rc.Quotas))
	for _, q := range rc.Quotas {
		w, err := ParseWindow(q.Window)
		if err != nil {
			return nil, err
		}
		quotas = append(quotas, Quota{Window: w, Requests: q.Requests, Tokens: q.Tokens})
	}

	var store Store
	switch rc.Backend {
	case "", "memory":
		store = NewMemoryStore()
	case "sql":
		if pool == nil {
			return nil, fmt.Errorf("ratelimit: sql backend needs a database pool")
		}
		dbCfg, ok := cfg.GetDatabase(rc.Database)
		if !ok {
			return nil, fmt.Errorf("ratelimit: database %q not configured", rc.Database)
		}
		db, err := pool.Get(dbCfg)
		if err != nil {
			return nil, fmt.Errorf("ratelimit: open database %q: %w", rc.Database, err)
		}
		store, err = NewSQLStore(ctx, db, dbCfg.Dialect())
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("ratelimit: unknown backend %q (memory or sql)", rc.Backend)
	}

	return New(store, quotas...), nil
}
