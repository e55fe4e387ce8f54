package oauth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/giantswarm/oidc-authserver/server"
	"github.com/giantswarm/oidc-authserver/storage"
)

// ErrUnauthenticated is returned by an Authenticator when the request carries
// no valid login.
var ErrUnauthenticated = errors.New("resource owner is not authenticated")

// Authenticator establishes the resource owner at the authorization and
// consent endpoints.
type Authenticator interface {
	// Authenticate returns the logged-in principal, ErrUnauthenticated, or
	// another error when the check itself failed.
	Authenticate(r *http.Request) (*storage.Principal, error)

	// Challenge asks the user agent to log in.
	Challenge(w http.ResponseWriter, r *http.Request)
}

// BasicAuthenticator logs principals in with HTTP Basic credentials checked
// against the server's principal store.
type BasicAuthenticator struct {
	Server *server.Server
	Realm  string
}

// NewBasicAuthenticator creates a BasicAuthenticator for srv.
func NewBasicAuthenticator(srv *server.Server, realm string) *BasicAuthenticator {
	if realm == "" {
		realm = DefaultRealm
	}
	return &BasicAuthenticator{Server: srv, Realm: realm}
}

// Authenticate implements Authenticator.
func (a *BasicAuthenticator) Authenticate(r *http.Request) (*storage.Principal, error) {
	name, password, ok := r.BasicAuth()
	if !ok || name == "" {
		return nil, ErrUnauthenticated
	}
	principal, err := a.Server.AuthenticatePrincipal(r.Context(), name, password)
	if err != nil {
		if errors.Is(err, server.ErrAccessDenied) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	return principal, nil
}

// Challenge implements Authenticator.
func (a *BasicAuthenticator) Challenge(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Basic realm=%q, charset="UTF-8"`, a.Realm))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte("authentication required\n"))
}
