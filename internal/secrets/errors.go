package secrets

import (
	"fmt"
	"strings"
)

// Backend names a store that proxy credentials can live in.
type Backend string

const (
	BackendEnv            Backend = "env"
	BackendKeyring        Backend = "keyring"
	BackendSecretsManager Backend = "secretsmanager"
)

// hint tells an operator how to make a missing secret resolvable.
func (b Backend) hint() string {
	switch b {
	case BackendEnv:
		return "export the variable in the environment of buildfleet serve"
	case BackendKeyring:
		return "store it in the keychain of the user running buildfleet serve"
	case BackendSecretsManager:
		return "create the secret, or point handshake.proxy_credentials at one that exists"
	}
	return ""
}

// UnsupportedSchemeError is a reference whose scheme has no resolver.
type UnsupportedSchemeError struct {
	Scheme    string
	Supported []string
}

func (e *UnsupportedSchemeError) Error() string {
	return fmt.Sprintf("secret scheme %q is not supported (want one of %s)", e.Scheme, strings.Join(e.Supported, ", "))
}

// InvalidReferenceError is a reference its backend cannot parse. Want is
// the accepted form.
type InvalidReferenceError struct {
	Reference string
	Want      string
}

func (e *InvalidReferenceError) Error() string {
	return fmt.Sprintf("malformed secret reference %q: want %s", e.Reference, e.Want)
}

// NotFoundError is a well-formed reference that names no secret.
type NotFoundError struct {
	Reference string
	Backend   Backend
}

func (e *NotFoundError) Error() string {
	if e.Backend == "" {
		return fmt.Sprintf("no secret at %s", e.Reference)
	}
	return fmt.Sprintf("%s: no secret at %s (%s)", e.Backend, e.Reference, e.Backend.hint())
}

// BackendError is any other failure of a backend. Fix, when set, is shown
// on its own line.
type BackendError struct {
	Backend   Backend
	Reference string
	Err       error
	Fix       string
}

func (e *BackendError) Error() string {
	msg := fmt.Sprintf("resolving %s from %s: %v", e.Reference, e.Backend, e.Err)
	if e.Fix != "" {
		msg += "\n  " + e.Fix
	}
	return msg
}

func (e *BackendError) Unwrap() error { return e.Err }
