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

package flows

import (
	"encoding/json"

	"github.com/kadirpekel/flowcore/pkg/graph"
)

// State keys shared by both flows.
const (
	KeyMessages = "messages"
)

// State keys specific to the report flow.
const (
	KeyChapters         = "chapters"
	KeyRawProcedures    = "raw_procedures"
	KeyClustersAll      = "clusters_all"
	KeyPendingClusters  = "pending_clusters"
	KeyClusterStatus    = "cluster_status"
	KeyChaptersByFileID = "chapters_by_file_id"
	KeyFailedChapterIDs = "failed_chapter_ids"
	KeyFinalReport      = "final_report"
	KeyLogs             = "logs"
)

// Cluster is one splitter_node output group: the procedures sharing a
// department/topic classification, keyed by FileID for the chapter
// they produce.
type Cluster struct {
	FileID     string            `json:"file_id"`
	Department string            `json:"department_name"`
	Topic      string            `json:"topic_name"`
	Procedures []ProcedureRecord `json:"procedures"`
}

// ClusterStatus tracks one cluster's progress through the analyst/
// batch_processor loop, including how many retry attempts it has used.
type ClusterStatus struct {
	Status  string `json:"status"` // "pending" | "running" | "completed" | "failed"
	Retries int    `json:"retries"`
}

const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ChatSchema is the state reducer schema for the chat flow: messages
// accumulate, nothing else is tracked.
func ChatSchema() graph.Schema {
	return graph.Schema{
		KeyMessages: graph.Append,
	}
}

// ReportSchema is the state reducer schema for the report flow.
func ReportSchema() graph.Schema {
	return graph.Schema{
		KeyChapters:         graph.Append,
		KeyLogs:             graph.Append,
		KeyChaptersByFileID: mergeChapterMap,
		KeyClusterStatus:    mergeClusterStatusMap,
		KeyFailedChapterIDs: mergeFailedChapterIDs,
	}
}

// mergeChapterMap merges update's file_id -> chapter-text entries into
// old, overwriting any existing entry for the same file_id.
func mergeChapterMap(old, update any) any {
	merged := toChapterMap(old)
	for k, v := range toChapterMap(update) {
		merged[k] = v
	}
	return merged
}

// decodeAs coerces a state value back to its concrete type. Values
// still live in process pass the type assertion untouched; values that
// round-tripped through a checkpoint store's JSON encoding are
// re-marshalled into T, so a resumed run reads the same shapes a fresh
// one writes.
func decodeAs[T any](v any) (T, bool) {
	var zero T
	if v == nil {
		return zero, false
	}
	if t, ok := v.(T); ok {
		return t, true
	}
	data, err := json.Marshal(v)
	if err != nil {
		return zero, false
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, false
	}
	return out, true
}

func toChapterMap(v any) map[string]string {
	if m, ok := decodeAs[map[string]string](v); ok {
		out := make(map[string]string, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	return make(map[string]string)
}

// mergeClusterStatusMap merges update's file_id -> ClusterStatus
// entries into old, overwriting per file_id; the latest status for a
// cluster always wins, never accumulates.
func mergeClusterStatusMap(old, update any) any {
	merged := toClusterStatusMap(old)
	for k, v := range toClusterStatusMap(update) {
		merged[k] = v
	}
	return merged
}

func toClusterStatusMap(v any) map[string]ClusterStatus {
	if m, ok := decodeAs[map[string]ClusterStatus](v); ok {
		out := make(map[string]ClusterStatus, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	return make(map[string]ClusterStatus)
}

// FailedChapterDelta mutates the failed_chapter_ids channel: Add marks
// a cluster's chapter failed, Remove clears it once a retry completed
// the chapter. The channel therefore always equals the set of
// currently-failed clusters, so at editor time
// len(chapters) + len(failed_chapter_ids) == len(clusters_all).
type FailedChapterDelta struct {
	Add    []string `json:"add,omitempty"`
	Remove []string `json:"remove,omitempty"`
}

// mergeFailedChapterIDs applies a FailedChapterDelta to the current id
// set, deduplicating additions and preserving first-failure order. A
// bare id list merges as additions.
func mergeFailedChapterIDs(old, update any) any {
	delta, ok := decodeAs[FailedChapterDelta](update)
	if !ok {
		delta = FailedChapterDelta{Add: toStringSlice(update)}
	}

	drop := make(map[string]bool, len(delta.Remove))
	for _, id := range delta.Remove {
		drop[id] = true
	}

	seen := make(map[string]bool)
	var out []string
	ids := append(append([]string(nil), toStringSlice(old)...), delta.Add...)
	for _, id := range ids {
		if drop[id] || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func toStringSlice(v any) []string {
	s, _ := decodeAs[[]string](v)
	return s
}
