// Package secrets resolves secret references such as proxy credentials
// from external backends. A reference is a URI whose scheme picks the
// backend: env://NAME, keyring://service/user, secretsmanager://region/id.
package secrets

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
)

// Resolver resolves a secret reference to its plaintext value.
type Resolver interface {
	// Scheme returns the URI scheme this resolver handles (e.g., "env").
	Scheme() string

	// Resolve fetches the secret value for the given reference, which is
	// the full URI.
	Resolve(ctx context.Context, reference string) (string, error)
}

var (
	resolvers = make(map[string]Resolver)
	mu        sync.RWMutex
)

// Register adds a resolver to the registry, replacing any resolver for the
// same scheme.
func Register(r Resolver) {
	mu.Lock()
	defer mu.Unlock()
	resolvers[r.Scheme()] = r
}

// Resolve dispatches to the appropriate resolver based on URI scheme.
func Resolve(ctx context.Context, reference string) (string, error) {
	scheme := parseScheme(reference)
	if scheme == "" {
		return "", &InvalidReferenceError{Reference: reference, Want: "scheme://..."}
	}

	mu.RLock()
	r, ok := resolvers[scheme]
	supported := slices.Sorted(maps.Keys(resolvers))
	mu.RUnlock()

	if !ok {
		return "", &UnsupportedSchemeError{Scheme: scheme, Supported: supported}
	}

	return r.Resolve(ctx, reference)
}

// ResolveOptional resolves reference, returning "" without error when the
// reference is empty.
func ResolveOptional(ctx context.Context, reference string) (string, error) {
	if reference == "" {
		return "", nil
	}
	return Resolve(ctx, reference)
}

// parseScheme extracts the scheme from a URI (e.g., "env" from "env://NAME").
func parseScheme(ref string) string {
	idx := strings.Index(ref, "://")
	if idx < 1 {
		return ""
	}
	return ref[:idx]
}

func init() {
	Register(&EnvResolver{})
	Register(&KeyringResolver{})
	Register(NewSecretsManagerResolver(nil))
}
