// Package socks5 implements the SOCKS5 proxy server for Reitti Rele.
package socks5

import (
	"crypto/subtle"
	"errors"
	"net"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Authentication method constants per RFC 1928.
const (
	AuthMethodNoAuth       = 0x00
	AuthMethodGSSAPI       = 0x01
	AuthMethodUserPass     = 0x02
	AuthMethodNoAcceptable = 0xFF
)

// Auth status for username/password auth (RFC 1929).
const (
	AuthStatusSuccess = 0x00
	AuthStatusFailure = 0x01
)

// ErrAuthFailed is returned when the client's credentials are rejected.
var ErrAuthFailed = errors.New("socks5: authentication failed")

// Authenticator handles one SOCKS5 authentication method. Authenticate runs
// after the server has selected the method and sent its method choice; it is
// invoked at most once per connection.
type Authenticator interface {
	// Authenticate performs the method's sub-negotiation on conn and
	// returns the username if successful.
	Authenticate(conn net.Conn, idleTimeout time.Duration) (string, error)

	// GetMethod returns the authentication method code.
	GetMethod() byte
}

// NoAuthAuthenticator allows connections without authentication.
type NoAuthAuthenticator struct{}

// Authenticate always succeeds for no-auth; there is no sub-negotiation.
func (a *NoAuthAuthenticator) Authenticate(net.Conn, time.Duration) (string, error) {
	return "", nil
}

// GetMethod returns the no-auth method.
func (a *NoAuthAuthenticator) GetMethod() byte {
	return AuthMethodNoAuth
}

// CredentialStore validates credentials.
type CredentialStore interface {
	Valid(username, password string) bool
}

// CredentialFunc adapts a plain predicate into a CredentialStore. The
// predicate must be pure; it is called at most once per connection.
type CredentialFunc func(username, password string) bool

// Valid calls the predicate.
func (f CredentialFunc) Valid(username, password string) bool {
	return f(username, password)
}

// StaticCredentials is a static credential store with plaintext passwords.
// Comparison is constant-time.
type StaticCredentials map[string]string

// Valid checks if the username/password combination is valid.
func (s StaticCredentials) Valid(username, password string) bool {
	storedPass, ok := s[username]
	if !ok {
		// Dummy comparison to keep timing uniform for unknown usernames.
		subtle.ConstantTimeCompare([]byte(password), []byte(password))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(storedPass), []byte(password)) == 1
}

// HashedCredentials stores username to bcrypt hash mappings. This is the
// recommended credential store for production use.
type HashedCredentials map[string]string

// dummyHash is a pre-computed bcrypt hash compared against when the username
// doesn't exist, to keep timing uniform.
var dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Valid checks if the username/password combination is valid. bcrypt
// comparison is inherently constant-time.
func (h HashedCredentials) Valid(username, password string) bool {
	storedHash, ok := h[username]
	if !ok {
		bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password)) == nil
}

// HashPassword creates a bcrypt hash of the password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// MustHashPassword creates a bcrypt hash and panics on error.
// For use in tests and initialization.
func MustHashPassword(password string) string {
	hash, err := HashPassword(password)
	if err != nil {
		panic(err)
	}
	return hash
}

// UserPassAuthenticator handles username/password authentication (RFC 1929).
type UserPassAuthenticator struct {
	Credentials CredentialStore
}

// NewUserPassAuthenticator creates a new username/password authenticator.
func NewUserPassAuthenticator(creds CredentialStore) *UserPassAuthenticator {
	return &UserPassAuthenticator{Credentials: creds}
}

// GetMethod returns the username/password method.
func (a *UserPassAuthenticator) GetMethod() byte {
	return AuthMethodUserPass
}

// Authenticate runs the RFC 1929 sub-negotiation: it reads the
// username/password request, consults the credential store, and writes the
// status response.
func (a *UserPassAuthenticator) Authenticate(conn net.Conn, idleTimeout time.Duration) (string, error) {
	req, err := ReadUserAuthRequest(conn, idleTimeout)
	if err != nil {
		return "", err
	}

	if !a.Credentials.Valid(string(req.Username), string(req.Password)) {
		conn.Write(UserAuthResponse{Status: AuthStatusFailure}.Encode())
		return "", ErrAuthFailed
	}

	if _, err := conn.Write(UserAuthResponse{Status: AuthStatusSuccess}.Encode()); err != nil {
		return "", err
	}
	return string(req.Username), nil
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	Enabled bool
	// Users maps username to password (plaintext, deprecated).
	Users map[string]string
	// HashedUsers maps username to bcrypt password hash (recommended).
	HashedUsers map[string]string
	// Validate overrides the built-in credential stores when set.
	Validate CredentialFunc
}

// CreateAuthenticators creates authenticators based on config. When
// authentication is enabled only username/password is offered; otherwise
// only no-auth is offered.
func CreateAuthenticators(cfg AuthConfig) []Authenticator {
	if !cfg.Enabled {
		return []Authenticator{&NoAuthAuthenticator{}}
	}

	var creds CredentialStore
	switch {
	case cfg.Validate != nil:
		creds = cfg.Validate
	case len(cfg.HashedUsers) > 0:
		creds = HashedCredentials(cfg.HashedUsers)
	default:
		creds = StaticCredentials(cfg.Users)
	}
	return []Authenticator{NewUserPassAuthenticator(creds)}
}
