// Package server implements the agent's command endpoint: a framed
// request/response protocol over unix-domain and optional TCP listeners,
// with size, logging, and authentication middleware in front of the
// request router.
package server

import (
	"crypto/subtle"
	"encoding/base64"
	"strings"

	"github.com/probing-io/probing/internal/proto"
)

// AuthConfig controls request authentication. Authentication is active iff
// Token is non-empty.
type AuthConfig struct {
	Token    string
	Username string // expected basic-auth username
	Realm    string // advertised to browsers on basic-auth failure
	// PublicPrefixes bypass authentication entirely.
	PublicPrefixes []string
}

// DefaultAuthConfig returns the standard public-prefix list.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		Username:       "admin",
		Realm:          "probing",
		PublicPrefixes: []string{"/static/", "/favicon.ico"},
	}
}

// Enabled reports whether authentication is active.
func (a AuthConfig) Enabled() bool { return a.Token != "" }

// Public reports whether the path bypasses authentication.
func (a AuthConfig) Public(path string) bool {
	if path == "/" {
		return true
	}
	for _, prefix := range a.PublicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Authenticate checks the request headers. It accepts basic credentials,
// bearer credentials, or the X-Probing-Token header; every comparison
// against the stored token is constant-time.
func (a AuthConfig) Authenticate(headers map[string]string) error {
	if !a.Enabled() {
		return nil
	}
	if tok, ok := headers["X-Probing-Token"]; ok {
		if tokenEqual(tok, a.Token) {
			return nil
		}
		return proto.Errorf(proto.CatForbidden, "invalid token")
	}
	authz, ok := headers["Authorization"]
	if !ok {
		return proto.Errorf(proto.CatAuthRequired,
			"credentials required (realm %q)", a.Realm)
	}
	switch {
	case strings.HasPrefix(authz, "Bearer "):
		if tokenEqual(strings.TrimPrefix(authz, "Bearer "), a.Token) {
			return nil
		}
	case strings.HasPrefix(authz, "Basic "):
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(authz, "Basic "))
		if err != nil {
			return proto.Errorf(proto.CatBadRequest, "malformed basic credentials")
		}
		user, pass, found := strings.Cut(string(raw), ":")
		if found && user == a.Username && tokenEqual(pass, a.Token) {
			return nil
		}
	default:
		return proto.Errorf(proto.CatBadRequest, "unsupported authorization scheme")
	}
	return proto.Errorf(proto.CatForbidden, "invalid credentials")
}

// tokenEqual compares a presented token with the stored one in constant
// time.
func tokenEqual(presented, stored string) bool {
	return subtle.ConstantTimeCompare([]byte(presented), []byte(stored)) == 1
}
