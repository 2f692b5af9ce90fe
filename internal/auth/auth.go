// Package auth verifies the bearer tokens that guard the deployment API.
// Tokens are issued by the platform's identity service and signed with keys
// whose public halves are distributed as a PEM bundle.
package auth

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Scopes the API enforces.
const (
	ScopeTrigger = "deploy:trigger"
	ScopeApprove = "deploy:approve"
)

var ErrUnauthorized = errors.New("authentication required")

// Verifier validates bearer tokens against a set of trusted public keys.
// Keys are tried in order because PEM bundles carry no key IDs.
type Verifier struct {
	keys []interface{}
}

// NewVerifier loads trusted public keys from a PEM file. The file may hold
// PUBLIC KEY blocks or certificates; other blocks are skipped.
func NewVerifier(keysFile string) (*Verifier, error) {
	data, err := os.ReadFile(keysFile)
	if err != nil {
		return nil, fmt.Errorf("read keys file: %w", err)
	}
	keys, err := parseKeys(data)
	if err != nil {
		return nil, fmt.Errorf("parse keys file %s: %w", keysFile, err)
	}
	return &Verifier{keys: keys}, nil
}

// NewVerifierFromPEM builds a verifier from in-memory PEM bytes.
func NewVerifierFromPEM(data []byte) (*Verifier, error) {
	keys, err := parseKeys(data)
	if err != nil {
		return nil, err
	}
	return &Verifier{keys: keys}, nil
}

func parseKeys(data []byte) ([]interface{}, error) {
	var keys []interface{}
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			cert, certErr := x509.ParseCertificate(block.Bytes)
			if certErr != nil {
				continue
			}
			key = cert.PublicKey
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no public keys found")
	}
	return keys, nil
}

// VerifyRequest checks the request's bearer token and requires the given
// scope in its "scope" claim (space-separated) or "roles" claim (array).
func (v *Verifier) VerifyRequest(r *http.Request, scope string) error {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ErrUnauthorized
	}
	return v.verifyToken(strings.TrimPrefix(header, "Bearer "), scope)
}

func (v *Verifier) verifyToken(tokenStr, scope string) error {
	var (
		token   *jwt.Token
		lastErr error
	)
	for _, key := range v.keys {
		t, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			return key, nil
		})
		if err == nil && t.Valid {
			token = t
			break
		}
		lastErr = err
	}
	if token == nil {
		return fmt.Errorf("token invalid: %w", lastErr)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return errors.New("token has no claims")
	}
	if !hasScope(claims, scope) {
		return fmt.Errorf("token missing scope %q", scope)
	}
	return nil
}

func hasScope(claims jwt.MapClaims, scope string) bool {
	if raw, ok := claims["scope"].(string); ok {
		for _, s := range strings.Fields(raw) {
			if s == scope {
				return true
			}
		}
	}
	if roles, ok := claims["roles"].([]interface{}); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok && s == scope {
				return true
			}
		}
	}
	return false
}
