// Package auth validates the bearer tokens presented at connection time. The
// relay never issues tokens for real clients; it only verifies tokens signed
// by the external Token Issuer with a shared HS256 secret.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any missing, malformed, expired or
// badly-signed token. Callers must not leak the underlying cause to clients.
var ErrInvalidToken = errors.New("auth: invalid token")

// Identity is the authenticated principal bound to a connection.
type Identity struct {
	UserID string
	Email  string
}

// Verifier resolves a bearer token into an Identity.
type Verifier interface {
	Verify(token string) (Identity, error)
}

// Claims mirrors the payload issued by the Token Issuer.
type Claims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies HS256 tokens.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTVerifier returns a verifier for tokens signed with secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Verify parses and validates token. Any failure is reported as
// ErrInvalidToken with the cause attached for logging.
func (v *JWTVerifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	var claims Claims
	parsed, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	if claims.UserID == "" {
		return Identity{}, fmt.Errorf("%w: missing userId claim", ErrInvalidToken)
	}

	return Identity{UserID: claims.UserID, Email: claims.Email}, nil
}

// Issue signs a token for id valid for ttl. The relay uses it only in tests
// and tooling; production tokens come from the Token Issuer.
func (v *JWTVerifier) Issue(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: id.UserID,
		Email:  id.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// TokenFromRequest extracts the bearer token from the upgrade request, either
// the token query parameter or an Authorization: Bearer header.
func TokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
