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

package checkpoint

import "crypto/sha256"

// hashBytes derives a stable blob version from its content so repeated
// writes of an unchanged large value are deduplicated by the
// ON CONFLICT DO NOTHING in sqlStore.Put.
func hashBytes(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}
