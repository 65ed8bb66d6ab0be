package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	tokens, err := NewTokens("secret", "bookstore")
	require.NoError(t, err)

	token, err := tokens.Issue(User{ID: "42", Username: "reader", Email: "r@example.com"}, time.Hour)
	require.NoError(t, err)

	user, err := tokens.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, User{ID: "42", Username: "reader", Email: "r@example.com"}, user)
}

func TestVerifyRejectsForeignSecretAndIssuer(t *testing.T) {
	tokens, err := NewTokens("secret", "bookstore")
	require.NoError(t, err)
	other, err := NewTokens("other", "bookstore")
	require.NoError(t, err)
	wrongIssuer, err := NewTokens("secret", "someone-else")
	require.NoError(t, err)

	forged, err := other.Issue(User{ID: "42"}, time.Hour)
	require.NoError(t, err)
	_, err = tokens.Verify(forged)
	assert.ErrorIs(t, err, ErrInvalidToken)

	foreign, err := wrongIssuer.Issue(User{ID: "42"}, time.Hour)
	require.NoError(t, err)
	_, err = tokens.Verify(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpiredAndAlgNone(t *testing.T) {
	tokens, err := NewTokens("secret", "")
	require.NoError(t, err)

	expired, err := tokens.Issue(User{ID: "42"}, -time.Hour)
	require.NoError(t, err)
	_, err = tokens.Verify(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = tokens.Verify(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	_, err := BearerToken(req)
	assert.ErrorIs(t, err, ErrMissingToken)

	req.Header.Set("Authorization", "Basic abc")
	_, err = BearerToken(req)
	assert.ErrorIs(t, err, ErrInvalidToken)

	req.Header.Set("Authorization", "Bearer abc.def.ghi")
	token, err := BearerToken(req)
	require.NoError(t, err)
	assert.Equal(t, "abc.def.ghi", token)
}

func TestContextUser(t *testing.T) {
	assert.True(t, FromContext(context.Background()).IsAnonymous())

	ctx := WithUser(context.Background(), User{ID: "7"})
	assert.Equal(t, "7", FromContext(ctx).ID)
}
