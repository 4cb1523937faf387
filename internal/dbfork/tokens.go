// Copyright 2025 AUTHORS
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

// Package dbfork implements ProdDb and BranchDb: one libSQL-compatible
// DB server container per project, copy-on-first-build forks per
// branch deployment, and Ed25519-signed access tokens.
package dbfork

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role is the access level encoded in a minted token.
type Role string

const (
	RoleReadOnly  Role = "read"
	RoleReadWrite Role = "write"
)

// KeyPair is a project- (or branch-) scoped Ed25519 signing key. Tokens
// minted from one KeyPair never validate against another: each DB
// server only trusts its own public key.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh key pair, generated once on first
// creation and persisted thereafter.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

type tokenClaims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// PermanentToken mints a no-expiry read-write token, injected into
// deployment containers as DB_AUTH_TOKEN so the running app never has
// to refresh its own DB credential.
func (k KeyPair) PermanentToken() (string, error) {
	return k.mint(RoleReadWrite, 0)
}

// ExpiringToken mints a 24h token for the given role. Unlike
// PermanentToken, this is the credential handed to external callers
// that reach the DB server over the proxy's `*-libsql` hostnames, so it
// can't be replayed indefinitely if leaked.
func (k KeyPair) ExpiringToken(role Role) (string, error) {
	return k.mint(role, 24*time.Hour)
}

func (k KeyPair) mint(role Role, ttl time.Duration) (string, error) {
	claims := tokenClaims{Role: role, RegisteredClaims: jwt.RegisteredClaims{
		IssuedAt: jwt.NewNumericDate(time.Now()),
	}}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := tok.SignedString(k.Private)
	if err != nil {
		return "", fmt.Errorf("failed to sign db token: %w", err)
	}
	return signed, nil
}

// Verify validates a token against this key pair's public key.
func (k KeyPair) Verify(token string) (Role, error) {
	var claims tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodEdDSA {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return k.Public, nil
	})
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("invalid db token: %w", err)
	}
	return claims.Role, nil
}
