package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerflow.dev/ingest/model"
)

func TestTokenService_RoundTrip(t *testing.T) {
	svc := NewTokenService("secret", time.Hour)
	user := &model.User{ID: 42, Email: "a@example.com", Active: true}

	token, err := svc.GenerateToken(user)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", claims.Email)

	owner, err := claims.OwnerID()
	require.NoError(t, err)
	assert.Equal(t, int64(42), owner)
}

func TestValidateToken_WrongSecret(t *testing.T) {
	token, err := NewTokenService("secret-one", time.Hour).GenerateToken(&model.User{ID: 1})
	require.NoError(t, err)

	_, err = NewTokenService("secret-two", time.Hour).ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateToken_Expired(t *testing.T) {
	token, err := NewTokenService("secret", -time.Minute).GenerateToken(&model.User{ID: 1})
	require.NoError(t, err)

	_, err = NewTokenService("secret", -time.Minute).ValidateToken(token)
	require.Error(t, err)
}

func TestHashAndValidatePassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery")
	require.NoError(t, err)
	require.NoError(t, ValidatePassword("correct horse battery", hash))
	require.Error(t, ValidatePassword("wrong", hash))
}

func TestHashPassword_EmptyRejected(t *testing.T) {
	_, err := HashPassword("")
	assert.ErrorIs(t, err, ErrEmptyPassword)
}

func TestValidateEmail(t *testing.T) {
	require.NoError(t, ValidateEmail("user@example.com"))
	require.Error(t, ValidateEmail("not-an-email"))
	require.Error(t, ValidateEmail(""))
}
