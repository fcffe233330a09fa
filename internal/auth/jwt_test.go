package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat_gateway/internal/models"
)

var testSecret = []byte("test-secret-key")

func testUser(role string) *models.User {
	return &models.User{
		ID:    uuid.New(),
		Email: "alex@example.com",
		Role:  role,
	}
}

func TestSessionTokenRoundTrip(t *testing.T) {
	user := testUser("user")

	token, expiresAt, err := GenerateSessionToken(user, testSecret)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Greater(t, expiresAt, time.Now().Unix())

	claims, err := ValidateSessionToken(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, user.ID.String(), claims.UserID)
	assert.Equal(t, "user", claims.Role)
}

func TestValidateSessionToken_WrongSecret(t *testing.T) {
	token, _, err := GenerateSessionToken(testUser("user"), testSecret)
	require.NoError(t, err)

	_, err = ValidateSessionToken(token, []byte("other-secret"))
	assert.Error(t, err)
}

func TestValidateSessionToken_Expired(t *testing.T) {
	claims := SessionClaims{
		UserID: uuid.NewString(),
		Role:   "user",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)

	_, err = ValidateSessionToken(token, testSecret)
	assert.Error(t, err)
}

func TestValidateSessionToken_WrongSigningMethod(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, SessionClaims{UserID: uuid.NewString()})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = ValidateSessionToken(signed, testSecret)
	assert.Error(t, err)
}

func TestRolePermissions(t *testing.T) {
	tests := []struct {
		role     Role
		required Role
		want     bool
	}{
		{RoleAdmin, RoleAdmin, true},
		{RoleAdmin, RoleUser, true},
		{RoleUser, RoleUser, true},
		{RoleUser, RoleAdmin, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.role.HasPermission(tt.required),
			"%s vs %s", tt.role, tt.required)
	}

	assert.True(t, RoleAdmin.IsValid())
	assert.True(t, RoleUser.IsValid())
	assert.False(t, Role("viewer").IsValid())
}
