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

// Package auth validates bearer tokens against the identity provider's
// JWKS and resolves the authenticated principal's org/project/flow
// grants. The HTTP surface owns the request plumbing; this package
// only answers "whose token is this" and "what may they run".
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// jwksRefreshInterval is the floor on how often the provider's key set
// is re-fetched, so key rotation propagates without a restart.
const jwksRefreshInterval = 15 * time.Minute

// Claims is the identity this service reads off a validated token.
// Only the claims the surface actually keys on are extracted; anything
// else the provider stuffs into the token is ignored.
type Claims struct {
	Subject string
	Email   string
}

// Principal returns the identity string the rest of the service keys
// threads, grants, and quotas on: the email claim when the provider
// set one, else the token subject.
func (c *Claims) Principal() string {
	if c.Email != "" {
		return c.Email
	}
	return c.Subject
}

// JWTValidator checks token signatures against a cached JWKS and
// enforces the configured issuer/audience.
type JWTValidator struct {
	jwksURL string
	keys    *jwk.Cache
	parse   []jwt.ParseOption
	stop    context.CancelFunc
}

// NewJWTValidator builds a validator for the given JWKS endpoint. The
// key set is fetched once up front, so a misconfigured URL fails at
// boot rather than on the first request. An empty issuer or audience
// skips that check, for providers that don't stamp the claim.
func NewJWTValidator(jwksURL, issuer, audience string) (*JWTValidator, error) {
	refreshCtx, stop := context.WithCancel(context.Background())

	keys := jwk.NewCache(refreshCtx)
	if err := keys.Register(jwksURL, jwk.WithMinRefreshInterval(jwksRefreshInterval)); err != nil {
		stop()
		return nil, fmt.Errorf("auth: register JWKS url: %w", err)
	}
	if _, err := keys.Refresh(refreshCtx, jwksURL); err != nil {
		stop()
		return nil, fmt.Errorf("auth: fetch JWKS from %s: %w", jwksURL, err)
	}

	parse := []jwt.ParseOption{jwt.WithValidate(true)}
	if issuer != "" {
		parse = append(parse, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		parse = append(parse, jwt.WithAudience(audience))
	}

	return &JWTValidator{jwksURL: jwksURL, keys: keys, parse: parse, stop: stop}, nil
}

// ValidateToken verifies raw's signature, expiry, and the configured
// issuer/audience, and returns the claims the surface needs. A token
// that validates but names nobody is rejected here, not downstream.
func (v *JWTValidator) ValidateToken(ctx context.Context, raw string) (*Claims, error) {
	keyset, err := v.keys.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("auth: JWKS unavailable: %w", err)
	}

	opts := append([]jwt.ParseOption{jwt.WithKeySet(keyset)}, v.parse...)
	token, err := jwt.Parse([]byte(raw), opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired()) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims := &Claims{Subject: token.Subject()}
	if email, ok := token.Get("email"); ok {
		if s, ok := email.(string); ok {
			claims.Email = s
		}
	}
	if claims.Principal() == "" {
		return nil, ErrNoIdentity
	}
	return claims, nil
}

// Close stops the background JWKS refresh.
func (v *JWTValidator) Close() {
	v.stop()
}
