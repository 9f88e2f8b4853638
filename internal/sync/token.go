package sync

import (
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenProvider supplies the bearer credential issued by the (out-of-scope)
// auth flow. Valid must be cheap: it is consulted before every drain so an
// expired credential short-circuits the whole batch without network calls.
type TokenProvider interface {
	Token() (string, error)
	Valid() bool
}

// FileTokenSource reads the token from a file the auth flow writes.
type FileTokenSource struct {
	Path string
}

func (f *FileTokenSource) Token() (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Valid reports whether a token exists and, when it parses as a JWT, whether
// its expiry has not passed. The signature is not verified here; the server
// remains the authority, this only avoids futile submissions.
func (f *FileTokenSource) Valid() bool {
	token, err := f.Token()
	if err != nil || token == "" {
		return false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		// Opaque non-JWT token; let the server decide.
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return exp.After(time.Now())
}

// StaticTokenSource holds a fixed token, used in tests.
type StaticTokenSource struct {
	Value string
}

func (s *StaticTokenSource) Token() (string, error) { return s.Value, nil }
func (s *StaticTokenSource) Valid() bool            { return s.Value != "" }
