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

package auth

import "errors"

// Token validation failures, distinguished so the HTTP surface can
// word its 401s. ErrAccessDenied (a validated principal without a
// grant, a 403) lives with the grant resolver in grants.go.
var (
	// ErrTokenInvalid covers a bad signature, malformed token, or an
	// issuer/audience mismatch.
	ErrTokenInvalid = errors.New("auth: token invalid")

	// ErrTokenExpired is a structurally valid token past its exp.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrNoIdentity is a valid token with neither an email claim nor a
	// subject - nothing to key a principal on.
	ErrNoIdentity = errors.New("auth: token carries no usable identity")
)
