// Copyright 2026 The OpenTrusty Authors
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

// Package token reads the self-declared expiry of bearer credentials.
//
// Signatures are not verified here. The authority and the API it protects
// remain the only judges of a credential's validity; this package only decides
// whether a credential is close enough to its exp claim to be renewed first.
package token

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/blake2b"
)

// ExpirySkew is the margin before exp at which a credential stops being handed
// out, so that no request starts with a token that expires mid-flight.
const ExpirySkew = 120 * time.Second

var (
	ErrMalformed = errors.New("token malformed")
	ErrNoExpiry  = errors.New("token has no exp claim")
)

var parser = jwt.NewParser()

// ExpiresAt decodes the exp claim of a JWT without checking its signature.
func ExpiresAt(raw string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if exp == nil {
		return time.Time{}, ErrNoExpiry
	}
	return exp.Time, nil
}

// Expiring reports whether a credential expiring at expiresAt is within
// ExpirySkew of now. A zero expiresAt is always expiring.
func Expiring(expiresAt, now time.Time) bool {
	if expiresAt.IsZero() {
		return true
	}
	return !now.Before(expiresAt.Add(-ExpirySkew))
}

// Fingerprint returns a short stable digest of raw, safe to log.
func Fingerprint(raw string) string {
	if raw == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:6])
}
