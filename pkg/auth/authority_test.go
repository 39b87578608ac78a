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
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// signingAuthority is a fake identity provider for tests: it serves a
// JWKS over an httptest server and mints tokens signed with the
// matching private key.
type signingAuthority struct {
	key      jwk.Key
	JWKSURL  string
	Issuer   string
	Audience string
}

// newSigningAuthority spins up the fake provider. The JWKS server is
// torn down with the test.
func newSigningAuthority(t testing.TB) *signingAuthority {
	t.Helper()

	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	key, err := jwk.FromRaw(raw)
	if err != nil {
		t.Fatalf("wrap key: %v", err)
	}
	if err := key.Set(jwk.KeyIDKey, "test-key"); err != nil {
		t.Fatalf("set kid: %v", err)
	}

	public, err := jwk.FromRaw(&raw.PublicKey)
	if err != nil {
		t.Fatalf("wrap public key: %v", err)
	}
	if err := public.Set(jwk.KeyIDKey, "test-key"); err != nil {
		t.Fatalf("set kid: %v", err)
	}
	if err := public.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		t.Fatalf("set alg: %v", err)
	}
	keyset := jwk.NewSet()
	if err := keyset.AddKey(public); err != nil {
		t.Fatalf("add key: %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		buf, err := json.Marshal(keyset)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(buf)
	}))
	t.Cleanup(server.Close)

	return &signingAuthority{
		key:      key,
		JWKSURL:  server.URL + "/jwks.json",
		Issuer:   "https://issuer.test",
		Audience: "executioncore",
	}
}

// tokenSpec tweaks one minted token away from the defaults.
type tokenSpec struct {
	Subject  string
	Email    string
	Issuer   string // defaults to the authority's issuer
	Audience string // defaults to the authority's audience
	TTL      time.Duration
}

// mint signs a token for spec. A negative TTL produces an expired
// token.
func (a *signingAuthority) mint(t testing.TB, spec tokenSpec) string {
	t.Helper()

	if spec.Issuer == "" {
		spec.Issuer = a.Issuer
	}
	if spec.Audience == "" {
		spec.Audience = a.Audience
	}
	if spec.TTL == 0 {
		spec.TTL = time.Hour
	}

	builder := jwt.NewBuilder().
		Issuer(spec.Issuer).
		Audience([]string{spec.Audience}).
		Subject(spec.Subject).
		IssuedAt(time.Now().Add(-time.Minute)).
		Expiration(time.Now().Add(spec.TTL))
	if spec.Email != "" {
		builder = builder.Claim("email", spec.Email)
	}
	token, err := builder.Build()
	if err != nil {
		t.Fatalf("build token: %v", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, a.key))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return string(signed)
}
