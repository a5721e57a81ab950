package remote

import "github.com/google/go-containerregistry/pkg/authn"

// basicKeychain hands the same credentials to every registry.
type basicKeychain struct {
	auth authn.Authenticator
}

func (k basicKeychain) Resolve(authn.Resource) (authn.Authenticator, error) {
	return k.auth, nil
}

// BasicKeychain returns a keychain answering every registry with username
// and password. An empty username resolves to anonymous access.
func BasicKeychain(username, password string) authn.Keychain {
	if username == "" {
		return basicKeychain{auth: authn.Anonymous}
	}
	return basicKeychain{auth: &authn.Basic{Username: username, Password: password}}
}
