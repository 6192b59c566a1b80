package api

import (
	"net/http"
	"sync"

	"github.com/skyvernhq/skyvern-go/internal/errors"
	"github.com/skyvernhq/skyvern-go/internal/ratelimit"
)

// Org is the resolved caller identity.
type Org struct {
	ID   string
	Tier ratelimit.Tier
}

// Authenticator resolves an opaque API key to an organization.
type Authenticator interface {
	Authenticate(apiKey string) (Org, error)
}

// StaticAuth maps API keys to organizations from configuration. An empty
// map with AllowAnonymous set admits every caller as the default org,
// which keeps single-tenant deployments keyless.
type StaticAuth struct {
	mu             sync.RWMutex
	keys           map[string]Org
	AllowAnonymous bool
	DefaultOrg     Org
}

// NewStaticAuth builds an authenticator over a fixed key set.
func NewStaticAuth(keys map[string]Org) *StaticAuth {
	if keys == nil {
		keys = make(map[string]Org)
	}
	return &StaticAuth{keys: keys}
}

// Add registers one API key.
func (a *StaticAuth) Add(apiKey string, org Org) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys[apiKey] = org
}

// Authenticate implements Authenticator.
func (a *StaticAuth) Authenticate(apiKey string) (Org, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if org, ok := a.keys[apiKey]; ok {
		return org, nil
	}
	if a.AllowAnonymous {
		org := a.DefaultOrg
		if org.ID == "" {
			org.ID = "default"
		}
		return org, nil
	}
	return Org{}, errors.ErrUnauthorized()
}

// apiKeyFrom pulls the key from the x-api-key header or a bearer token.
func apiKeyFrom(r *http.Request) string {
	if k := r.Header.Get("x-api-key"); k != "" {
		return k
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}
