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
	"sync"
	"time"
)

type counterKey struct {
	principal string
	window    Window
}

// memoryStore is the process-local Store: one mutex, one small map.
// Counters die with the process, which is the right trade for a
// single-instance deployment; multi-instance deployments share the
// SQL store instead.
type memoryStore struct {
	mu       sync.Mutex
	counters map[counterKey]*Counters
}

// NewMemoryStore returns an in-process Store.
func NewMemoryStore() Store {
	return &memoryStore{counters: make(map[counterKey]*Counters)}
}

// live returns the counters for the window containing now, recycling
// the slot in place when the stored window has lapsed.
func (s *memoryStore) live(k counterKey, w Window, now time.Time, create bool) *Counters {
	c, ok := s.counters[k]
	if ok && c.WindowEnd.After(now) {
		return c
	}
	if !create {
		return nil
	}
	c = &Counters{WindowEnd: windowEnd(w, now)}
	s.counters[k] = c
	return c
}

func (s *memoryStore) Bump(_ context.Context, principal string, w Window, now time.Time, requests, tokens int64) (Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.live(counterKey{principal, w}, w, now, true)
	c.Requests += requests
	c.Tokens += tokens
	return *c, nil
}

func (s *memoryStore) Peek(_ context.Context, principal string, w Window, now time.Time) (Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c := s.live(counterKey{principal, w}, w, now, false); c != nil {
		return *c, nil
	}
	return Counters{WindowEnd: windowEnd(w, now)}, nil
}

func (s *memoryStore) Forget(_ context.Context, principal string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k := range s.counters {
		if k.principal == principal {
			delete(s.counters, k)
		}
	}
	return nil
}

func (s *memoryStore) Sweep(_ context.Context, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, c := range s.counters {
		if !c.WindowEnd.After(cutoff) {
			delete(s.counters, k)
		}
	}
	return nil
}

func (s *memoryStore) Close() error { return nil }

var _ Store = (*memoryStore)(nil)
