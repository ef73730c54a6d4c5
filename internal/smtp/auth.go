// Package smtp implements the capture server's SMTP listener: the
// per-connection protocol state machine, STARTTLS against the
// certificate store, and the listener lifecycle including restarts on
// certificate changes.
package smtp

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Authenticator verifies SMTP AUTH attempts against the single
// configured username/password pair. The session records the verified
// identity but authentication never gates the envelope commands.
type Authenticator struct {
	username string
	password string
}

// NewAuthenticator creates an Authenticator with the given credentials.
// If either is empty, authentication is disabled.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{
		username: username,
		password: password,
	}
}

// Enabled returns true if authentication credentials are configured.
func (a *Authenticator) Enabled() bool {
	return a.username != "" && a.password != ""
}

// Credentials returns the configured pair for the connection-info
// endpoint. The second return is false when auth is disabled.
func (a *Authenticator) Credentials() (user, pass string, ok bool) {
	if !a.Enabled() {
		return "", "", false
	}
	return a.username, a.password, true
}

// VerifyPlain decodes and verifies an AUTH PLAIN response
// (base64 of \0username\0password) and returns the verified username.
// The error never reveals which field was wrong.
func (a *Authenticator) VerifyPlain(encoded string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("invalid base64 encoding")
	}

	// AUTH PLAIN format: authzid\0authcid\0password
	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return "", fmt.Errorf("invalid AUTH PLAIN format")
	}

	// parts[0] is authorization identity (ignored)
	user := parts[1]
	pass := parts[2]

	if user != a.username || pass != a.password {
		return "", fmt.Errorf("authentication failed")
	}

	return user, nil
}

// VerifyLogin verifies AUTH LOGIN credentials after the
// challenge-response flow and returns the verified username.
// Both inputs are base64-encoded.
func (a *Authenticator) VerifyLogin(encodedUser, encodedPass string) (string, error) {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return "", fmt.Errorf("invalid base64 username")
	}

	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return "", fmt.Errorf("invalid base64 password")
	}

	if string(user) != a.username || string(pass) != a.password {
		return "", fmt.Errorf("authentication failed")
	}

	return string(user), nil
}
