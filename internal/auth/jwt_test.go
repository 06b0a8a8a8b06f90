package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTService_SignAndVerify(t *testing.T) {
	svc := NewJWTService("test-secret")

	token, err := svc.SignAdminToken("ops@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := svc.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", claims.Operator)
	assert.Equal(t, "ops@example.com", claims.Subject)
}

func TestJWTService_RejectsWrongSecret(t *testing.T) {
	token, err := NewJWTService("secret-a").SignAdminToken("ops@example.com")
	require.NoError(t, err)

	_, err = NewJWTService("secret-b").VerifyToken(token)
	assert.Error(t, err)
}

func TestJWTService_RejectsGarbage(t *testing.T) {
	_, err := NewJWTService("test-secret").VerifyToken("not.a.token")
	assert.Error(t, err)
}
