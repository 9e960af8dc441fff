package skclient

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Scopes.
const (
	ScopeRead  = "read"
	ScopeWrite = "write"
)

// ErrAuthMissing means no credential resolves for the requested scope. It is
// a configuration error and fails fast at startup.
var ErrAuthMissing = errors.New("super-kanban auth missing")

// HeaderPair is a raw "Name: value" override for one scope (or legacy global).
type HeaderPair struct {
	Name  string
	Value string
}

// ParseHeaderPair splits a "Name: value" string. Returns nil on malformed
// input.
func ParseHeaderPair(s string) *HeaderPair {
	name, value, ok := strings.Cut(s, ":")
	if !ok {
		return nil
	}
	name = strings.TrimSpace(name)
	value = strings.TrimSpace(value)
	if name == "" || value == "" {
		return nil
	}
	return &HeaderPair{Name: name, Value: value}
}

// Auth resolves credentials per scope.
//
// Resolution order for a scope:
//  1. the per-scope header override
//  2. the legacy global header override (when neither scope header is set)
//  3. read: bearer token, else API key
//     write: API key, else bearer token
//  4. ErrAuthMissing
type Auth struct {
	BearerToken string
	APIKey      string

	ReadHeader   *HeaderPair
	WriteHeader  *HeaderPair
	LegacyHeader *HeaderPair
}

// scopeFor classifies an HTTP method: anything that is not GET/HEAD/OPTIONS
// is a write.
func scopeFor(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return ScopeRead
	}
	return ScopeWrite
}

// Apply sets the auth header for the request's scope.
func (a *Auth) Apply(req *http.Request) error {
	scope := scopeFor(req.Method)

	var override *HeaderPair
	if scope == ScopeRead {
		override = a.ReadHeader
	} else {
		override = a.WriteHeader
	}
	if override != nil {
		req.Header.Set(override.Name, override.Value)
		return nil
	}
	if a.ReadHeader == nil && a.WriteHeader == nil && a.LegacyHeader != nil {
		req.Header.Set(a.LegacyHeader.Name, a.LegacyHeader.Value)
		return nil
	}

	if scope == ScopeRead {
		if a.BearerToken != "" {
			req.Header.Set("Authorization", "Bearer "+a.BearerToken)
			return nil
		}
		if a.APIKey != "" {
			req.Header.Set("X-Api-Key", a.APIKey)
			return nil
		}
	} else {
		if a.APIKey != "" {
			req.Header.Set("X-Api-Key", a.APIKey)
			return nil
		}
		if a.BearerToken != "" {
			req.Header.Set("Authorization", "Bearer "+a.BearerToken)
			return nil
		}
	}
	return fmt.Errorf("%w: scope %s", ErrAuthMissing, scope)
}

// Check verifies that both scopes can be satisfied. Called at startup so a
// misconfigured credential fails before any tick runs.
func (a *Auth) Check() error {
	for _, method := range []string{http.MethodGet, http.MethodPost} {
		req, err := http.NewRequest(method, "http://check.invalid/", nil)
		if err != nil {
			return err
		}
		if err := a.Apply(req); err != nil {
			return err
		}
	}
	return nil
}
