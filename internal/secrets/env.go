package secrets

import (
	"context"
	"os"
	"strings"
)

// EnvResolver reads env://NAME from the process environment.
type EnvResolver struct {
	// Lookup defaults to os.LookupEnv.
	Lookup func(string) (string, bool)
}

// Scheme returns "env".
func (r *EnvResolver) Scheme() string { return "env" }

// Resolve returns the variable's value. An unset variable is NotFoundError;
// a set but empty one resolves to "".
func (r *EnvResolver) Resolve(_ context.Context, reference string) (string, error) {
	name := strings.TrimPrefix(reference, "env://")
	if name == "" || strings.Contains(name, "/") {
		return "", &InvalidReferenceError{Reference: reference, Want: "env://NAME"}
	}
	lookup := r.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(name)
	if !ok {
		return "", &NotFoundError{Reference: reference, Backend: BackendEnv}
	}
	return v, nil
}
