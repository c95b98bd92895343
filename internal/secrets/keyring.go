package secrets

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/zalando/go-keyring"
)

// KeyringResolver reads keyring://service/user from the system keychain.
type KeyringResolver struct{}

// Scheme returns "keyring".
func (r *KeyringResolver) Scheme() string { return "keyring" }

// Resolve fetches the secret stored for service and user.
func (r *KeyringResolver) Resolve(ctx context.Context, reference string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	service, user, err := parseKeyringReference(reference)
	if err != nil {
		return "", err
	}
	v, err := keyring.Get(service, user)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", &NotFoundError{Reference: reference, Backend: BackendKeyring}
	}
	if err != nil {
		return "", &BackendError{
			Backend:   BackendKeyring,
			Reference: reference,
			Err:       err,
			Fix:       "On a headless Linux host, run a Secret Service provider or use env:// or secretsmanager:// instead.",
		}
	}
	return v, nil
}

func parseKeyringReference(ref string) (service, user string, err error) {
	u, err := url.Parse(ref)
	if err != nil || u.Scheme != "keyring" {
		return "", "", &InvalidReferenceError{Reference: ref, Want: "keyring://service/user"}
	}
	user = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || user == "" || strings.Contains(user, "/") {
		return "", "", &InvalidReferenceError{Reference: ref, Want: "keyring://service/user"}
	}
	return u.Host, user, nil
}
