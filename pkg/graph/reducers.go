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

package graph

// Reducer merges an incoming delta value into the existing channel
// value. The flow's Schema declares one reducer per state key; the
// runtime applies it after every node (or dispatch-instance) completes.
type Reducer func(old, update any) any

// Schema declares the reducer for every state key a flow uses. Keys
// absent from the schema default to LastWrite.
type Schema map[string]Reducer

// reducerFor returns the declared reducer for key, defaulting to
// LastWrite.
func (s Schema) reducerFor(key string) Reducer {
	if r, ok := s[key]; ok {
		return r
	}
	return LastWrite
}

// Apply merges delta into state in place using the schema's reducers.
func (s Schema) Apply(state State, delta map[string]any) {
	for k, v := range delta {
		reducer := s.reducerFor(k)
		state[k] = reducer(state[k], v)
	}
}

// LastWrite replaces old with update unconditionally. The default
// reducer for any state key not given Append semantics.
func LastWrite(_ any, update any) any {
	return update
}

// Append concatenates update onto old, treating both as slices. A nil
// old is treated as empty; a non-slice update is appended as one
// element. Used for append-only channels: chat messages, report
// chapters, report logs.
func Append(old, update any) any {
	oldSlice := toSlice(old)
	updateSlice := toSlice(update)
	out := make([]any, 0, len(oldSlice)+len(updateSlice))
	out = append(out, oldSlice...)
	out = append(out, updateSlice...)
	return out
}

func toSlice(v any) []any {
	if v == nil {
		return nil
	}
	if s, ok := v.([]any); ok {
		return s
	}
	return []any{v}
}
