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

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestValidator(t *testing.T) (*JWTValidator, *signingAuthority) {
	t.Helper()
	authority := newSigningAuthority(t)
	validator, err := NewJWTValidator(authority.JWKSURL, authority.Issuer, authority.Audience)
	require.NoError(t, err)
	t.Cleanup(validator.Close)
	return validator, authority
}

func TestValidateToken_ExtractsIdentity(t *testing.T) {
	validator, authority := newTestValidator(t)

	raw := authority.mint(t, tokenSpec{Subject: "u1", Email: "alice@example.com"})
	claims, err := validator.ValidateToken(context.Background(), raw)
	require.NoError(t, err)

	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, "alice@example.com", claims.Email)
	assert.Equal(t, "alice@example.com", claims.Principal())
}

func TestValidateToken_PrincipalFallsBackToSubject(t *testing.T) {
	validator, authority := newTestValidator(t)

	raw := authority.mint(t, tokenSpec{Subject: "u1"})
	claims, err := validator.ValidateToken(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Principal())
}

func TestValidateToken_RejectsExpired(t *testing.T) {
	validator, authority := newTestValidator(t)

	raw := authority.mint(t, tokenSpec{Subject: "u1", TTL: -time.Minute})
	_, err := validator.ValidateToken(context.Background(), raw)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestValidateToken_RejectsWrongIssuer(t *testing.T) {
	validator, authority := newTestValidator(t)

	raw := authority.mint(t, tokenSpec{Subject: "u1", Issuer: "https://somewhere-else.test"})
	_, err := validator.ValidateToken(context.Background(), raw)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestValidateToken_RejectsWrongAudience(t *testing.T) {
	validator, authority := newTestValidator(t)

	raw := authority.mint(t, tokenSpec{Subject: "u1", Audience: "some-other-service"})
	_, err := validator.ValidateToken(context.Background(), raw)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestValidateToken_RejectsForeignSignature(t *testing.T) {
	validator, authority := newTestValidator(t)

	// A token minted by a different authority with the same issuer and
	// audience strings must still fail: its key is not in the JWKS.
	imposter := newSigningAuthority(t)
	imposter.Issuer = authority.Issuer
	imposter.Audience = authority.Audience

	raw := imposter.mint(t, tokenSpec{Subject: "u1"})
	_, err := validator.ValidateToken(context.Background(), raw)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestValidateToken_RejectsGarbage(t *testing.T) {
	validator, _ := newTestValidator(t)

	_, err := validator.ValidateToken(context.Background(), "not-a-jwt")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestValidateToken_RejectsIdentityFreeToken(t *testing.T) {
	validator, authority := newTestValidator(t)

	raw := authority.mint(t, tokenSpec{})
	_, err := validator.ValidateToken(context.Background(), raw)
	assert.ErrorIs(t, err, ErrNoIdentity)
}

func TestNewJWTValidator_FailsFastOnBadJWKSURL(t *testing.T) {
	_, err := NewJWTValidator("http://127.0.0.1:1/jwks.json", "", "")
	assert.Error(t, err)
}
