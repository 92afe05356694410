// Package auth verifies the bearer tokens presented on the realtime
// handshake. Issuing tokens is the job of the identity service.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var ErrMissingToken = errors.New("missing token")

// Claims are the token claims the realtime tier reads.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

type TokenConfig struct {
	// SigningKey is the shared HS256 secret.
	SigningKey []byte
	Issuer     string
	Audience   string
}

// Verifier validates HS256 tokens and returns their subject.
type Verifier struct {
	key  []byte
	opts []jwt.ParserOption
}

func NewVerifier(cfg TokenConfig) *Verifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Verifier{key: cfg.SigningKey, opts: opts}
}

// Parse validates tokenStr and returns its claims.
func (v *Verifier) Parse(tokenStr string) (*Claims, error) {
	if tokenStr == "" {
		return nil, ErrMissingToken
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	}, v.opts...)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("parse token: no subject")
	}
	return claims, nil
}

// Verify validates tokenStr and returns the subject.
func (v *Verifier) Verify(tokenStr string) (string, error) {
	claims, err := v.Parse(tokenStr)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}
