// Copyright 2025 Tom Barlow
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

package rpc

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

var (
	// ErrAuthenticationFailed is returned when credential validation fails.
	ErrAuthenticationFailed = errors.New("rpc: authentication failed")

	// ErrRateLimitExceeded is returned when a client has exceeded its
	// allotted authentication attempts.
	ErrRateLimitExceeded = errors.New("rpc: rate limit exceeded")
)

// AuthMode selects which credential an Authenticator accepts.
type AuthMode string

const (
	AuthSharedSecret AuthMode = "shared_secret"
	AuthJWT          AuthMode = "jwt"
	AuthDual         AuthMode = "dual"
)

// Authenticator validates inbound WebSocket upgrade requests before the
// connection is accepted, replacing a hand-rolled map[ip]*rateLimitEntry
// token bucket with golang.org/x/time/rate, one
// limiter per remote IP. Limiters are kept for the Authenticator's
// lifetime; none is ever removed.
type Authenticator struct {
	mode      AuthMode
	secret    string
	jwtSecret []byte
	jwtIssuer string

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewAuthenticator builds an Authenticator. secret is required for
// AuthSharedSecret and AuthDual; jwtSecret is required for AuthJWT and
// AuthDual.
func NewAuthenticator(mode AuthMode, secret string, jwtSecret []byte, jwtIssuer string) (*Authenticator, error) {
	switch mode {
	case AuthSharedSecret:
		if secret == "" {
			return nil, fmt.Errorf("rpc: shared secret auth requires a non-empty secret")
		}
	case AuthJWT:
		if len(jwtSecret) == 0 {
			return nil, fmt.Errorf("rpc: jwt auth requires a non-empty signing key")
		}
	case AuthDual:
		if secret == "" || len(jwtSecret) == 0 {
			return nil, fmt.Errorf("rpc: dual auth requires both a shared secret and a jwt signing key")
		}
	default:
		return nil, fmt.Errorf("rpc: unknown auth mode %q", mode)
	}
	return &Authenticator{
		mode:      mode,
		secret:    secret,
		jwtSecret: jwtSecret,
		jwtIssuer: jwtIssuer,
		limiters:  make(map[string]*rate.Limiter),
	}, nil
}

// failedAttemptLimiter returns the per-IP limiter tracking failed
// authentication attempts, allowing 5 failures then refilling one every
// 12 seconds (5 per minute).
func (a *Authenticator) failedAttemptLimiter(ip string) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.limiters[ip]
	if !ok {
		l = rate.NewLimiter(rate.Every(12_000_000_000), 5) // nanoseconds
		a.limiters[ip] = l
	}
	return l
}

// Authenticate validates an incoming WebSocket upgrade request's
// credentials against the configured mode, rate-limiting repeated
// failures per remote IP.
func (a *Authenticator) Authenticate(r *http.Request) (err error) {
	ip := remoteIP(r)
	limiter := a.failedAttemptLimiter(ip)
	if limiter.Tokens() < 1 {
		return ErrRateLimitExceeded
	}
	// Only a failed attempt draws a token from the per-IP budget.
	defer func() {
		if err != nil {
			limiter.Allow()
		}
	}()

	token := bearerToken(r)
	switch a.mode {
	case AuthSharedSecret:
		if !constantTimeEqual(token, a.secret) {
			return ErrAuthenticationFailed
		}
	case AuthJWT:
		if err := a.validateJWT(token); err != nil {
			return err
		}
	case AuthDual:
		if constantTimeEqual(token, a.secret) {
			return nil
		}
		if err := a.validateJWT(token); err != nil {
			return ErrAuthenticationFailed
		}
	}
	return nil
}

func (a *Authenticator) validateJWT(token string) error {
	if token == "" {
		return ErrAuthenticationFailed
	}
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil || !parsed.Valid {
		return ErrAuthenticationFailed
	}
	if a.jwtIssuer != "" && claims.Issuer != a.jwtIssuer {
		return ErrAuthenticationFailed
	}
	return nil
}

func constantTimeEqual(a, b string) bool {
	if a == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	if tok := r.Header.Get("X-Auth-Token"); tok != "" {
		return tok
	}
	return r.URL.Query().Get("token")
}

func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
