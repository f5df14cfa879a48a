package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTVerifier_RoundTrip(t *testing.T) {
	v := NewJWTVerifier("s3cret")
	tok, err := v.Issue(Identity{UserID: "alice", Email: "alice@example.com"}, time.Minute)
	require.NoError(t, err)

	id, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.UserID)
	assert.Equal(t, "alice@example.com", id.Email)
}

func TestJWTVerifier_Rejects(t *testing.T) {
	v := NewJWTVerifier("s3cret")

	expired, err := v.Issue(Identity{UserID: "alice"}, -time.Minute)
	require.NoError(t, err)

	otherKey, err := NewJWTVerifier("different").Issue(Identity{UserID: "alice"}, time.Minute)
	require.NoError(t, err)

	noUser, err := v.Issue(Identity{}, time.Minute)
	require.NoError(t, err)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{UserID: "alice"}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
		UserID:           "alice",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))},
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	cases := map[string]string{
		"empty":        "",
		"garbage":      "not.a.jwt",
		"expired":      expired,
		"wrong secret": otherKey,
		"no user id":   noUser,
		"no expiry":    noExp,
		"wrong alg":    hs512,
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(tok)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=abc", nil)
	assert.Equal(t, "abc", TokenFromRequest(r))

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer xyz")
	assert.Equal(t, "xyz", TokenFromRequest(r))

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Basic xyz")
	assert.Empty(t, TokenFromRequest(r))

	r = httptest.NewRequest("GET", "/ws?token=q", nil)
	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "q", TokenFromRequest(r), "query parameter wins")
}
