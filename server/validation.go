package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/giantswarm/oidc-authserver/internal/util"
	"github.com/giantswarm/oidc-authserver/storage"
)

// RFC 7636 section 4.1 code_verifier length bounds
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
)

var (
	errVerifierMissing    = errors.New("code_verifier is required when code_challenge is present")
	errVerifierUnexpected = errors.New("code_verifier sent but no code_challenge was stored")
	errVerifierMismatch   = errors.New("code_verifier does not match code_challenge")
)

// validateChallengeMethod checks the method of an authorization request.
// An empty method defaults to plain per RFC 7636, so it is only accepted
// when plain is.
func (s *Server) validateChallengeMethod(method string) (string, error) {
	switch method {
	case storage.PKCEMethodS256:
		return method, nil
	case storage.PKCEMethodPlain, "":
		if !s.Config.AllowPlainPKCE {
			return "", fmt.Errorf("code_challenge_method plain is not allowed, use S256")
		}
		return storage.PKCEMethodPlain, nil
	default:
		return "", fmt.Errorf("unsupported code_challenge_method %q", method)
	}
}

// validateCodeChallenge checks challenge syntax: the same charset and length
// as a verifier, which an S256 challenge satisfies with 43 characters.
func validateCodeChallenge(challenge string) error {
	if len(challenge) < MinCodeVerifierLength || len(challenge) > MaxCodeVerifierLength {
		return fmt.Errorf("code_challenge must be %d-%d characters", MinCodeVerifierLength, MaxCodeVerifierLength)
	}
	if !isUnreserved(challenge) {
		return fmt.Errorf("code_challenge contains invalid characters")
	}
	return nil
}

// validatePKCE checks verifier against the challenge stored with a code
// (RFC 7636 section 4.6).
func (s *Server) validatePKCE(challenge, method, verifier string) error {
	if challenge == "" {
		if verifier != "" {
			return errVerifierUnexpected
		}
		return nil
	}
	if verifier == "" {
		return errVerifierMissing
	}

	if len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters", MinCodeVerifierLength)
	}
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters", MaxCodeVerifierLength)
	}
	if !isUnreserved(verifier) {
		return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
	}

	var computed string
	switch method {
	case storage.PKCEMethodS256:
		hash := sha256.Sum256([]byte(verifier))
		computed = base64.RawURLEncoding.EncodeToString(hash[:])
	case storage.PKCEMethodPlain:
		// Codes with a plain challenge can outlive a config change.
		if !s.Config.AllowPlainPKCE {
			return fmt.Errorf("code_challenge_method plain is not allowed")
		}
		computed = verifier
	default:
		return fmt.Errorf("unsupported code_challenge_method %q", method)
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return errVerifierMismatch
	}
	return nil
}

// isUnreserved reports whether v only holds [A-Za-z0-9-._~].
func isUnreserved(v string) bool {
	for _, ch := range v {
		ok := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !ok {
			return false
		}
	}
	return true
}

// validateClientScopes requires requested to be a subset of the client's
// registered scopes. The error does not name the offending scope.
func validateClientScopes(requested, clientScopes []string) error {
	if !util.ContainsAll(clientScopes, requested) {
		return fmt.Errorf("client is not authorized for one or more requested scopes")
	}
	return nil
}
