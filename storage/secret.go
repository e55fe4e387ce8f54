package storage

import "golang.org/x/crypto/bcrypt"

// dummySecretHash is compared against when the client is unknown or public so
// that every ValidateClientSecret call costs one bcrypt comparison.
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// VerifyClientSecret implements ValidateClientSecret for backends. client and
// lookupErr are the result of the backend's own GetClient.
func VerifyClientSecret(client *Client, lookupErr error, secret string) error {
	hash := dummySecretHash
	known := lookupErr == nil && client != nil && client.ClientSecretHash != ""
	if known {
		hash = client.ClientSecretHash
	}

	cmpErr := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
	if !known || cmpErr != nil {
		return ErrInvalidClientCredentials
	}
	return nil
}

// VerifyPassword compares password against a principal's bcrypt hash with the
// same constant-cost behaviour as VerifyClientSecret.
func VerifyPassword(principal *Principal, lookupErr error, password string) bool {
	hash := dummySecretHash
	known := lookupErr == nil && principal != nil && principal.PasswordHash != ""
	if known {
		hash = principal.PasswordHash
	}
	cmpErr := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return known && cmpErr == nil
}
