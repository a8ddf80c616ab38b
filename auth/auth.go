// Package auth verifies handshake credentials and resolves them to an
// identity. Token issuance lives outside this service.
package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Jingxuan97/Pneumatic/errors"
)

// TokenVerifier resolves a bearer credential to an identity. The rest of
// the core only ever sees the resolved identity.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (identity string, err error)
}

// ErrInvalidToken is returned for any credential that fails verification.
// Callers get no detail about why; the reason is logged server-side only.
var ErrInvalidToken = errors.New("invalid token")

// JWTVerifier verifies HS256-signed JWTs and resolves the subject claim
// as the identity.
type JWTVerifier struct {
	secret []byte
	issuer string
}

// JWTOption configures a JWTVerifier.
type JWTOption func(*JWTVerifier)

// WithIssuer additionally requires a matching iss claim.
func WithIssuer(issuer string) JWTOption {
	return func(v *JWTVerifier) { v.issuer = issuer }
}

// NewJWTVerifier creates a verifier over a shared HMAC secret.
func NewJWTVerifier(secret []byte, opts ...JWTOption) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, errors.WrapValidation(
			errors.New("empty signing secret"),
			"auth.JWTVerifier", "NewJWTVerifier", "check secret")
	}
	v := &JWTVerifier{secret: secret}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify parses and validates the token, returning the subject claim.
func (v *JWTVerifier) Verify(_ context.Context, tokenString string) (string, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, parserOpts...)
	if err != nil || !token.Valid {
		return "", errors.WrapPermission(ErrInvalidToken, "auth.JWTVerifier", "Verify", "validate token")
	}
	if claims.Subject == "" {
		return "", errors.WrapPermission(ErrInvalidToken, "auth.JWTVerifier", "Verify", "resolve subject")
	}
	return claims.Subject, nil
}

// StaticVerifier maps fixed tokens to identities. Test and development
// use only.
type StaticVerifier map[string]string

// Verify looks the token up in the static table.
func (v StaticVerifier) Verify(_ context.Context, token string) (string, error) {
	identity, ok := v[token]
	if !ok {
		return "", errors.WrapPermission(ErrInvalidToken, "auth.StaticVerifier", "Verify", "look up token")
	}
	return identity, nil
}
