package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-moran/grading-app-sub002/internal/models"
	appErrors "github.com/code-moran/grading-app-sub002/pkg/errors"
)

type mockAuthRepo struct {
	users map[string]*models.User
	err   error
}

func (m *mockAuthRepo) FindByID(ctx context.Context, id string) (*models.User, error) {
	if m.err != nil {
		return nil, m.err
	}
	user, ok := m.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return user, nil
}

func newTestAuthService(users ...*models.User) *AuthService {
	repo := &mockAuthRepo{users: map[string]*models.User{}}
	for _, u := range users {
		repo.users[u.ID] = u
	}
	return NewAuthService(repo, nil, AuthConfig{AccessTokenSecret: "secret", AccessTokenExpiry: time.Minute, Issuer: "enrollment-api"})
}

func TestIssueAndValidateToken(t *testing.T) {
	svc := newTestAuthService(&models.User{ID: "user-1", Email: "t@example.com", Role: models.RoleTeacher, Active: true})

	token, expiresAt, err := svc.IssueAccessToken(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, models.RoleTeacher, claims.Role)
}

func TestIssueAccessTokenRejectsUnknownAndInactiveUsers(t *testing.T) {
	svc := newTestAuthService(&models.User{ID: "user-2", Role: models.RoleStudent, Active: false})

	_, _, err := svc.IssueAccessToken(context.Background(), "missing")
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))

	_, _, err = svc.IssueAccessToken(context.Background(), "user-2")
	assert.True(t, errors.Is(err, appErrors.ErrForbidden))
}

func TestValidateTokenRejectsForeignIssuerAndSecret(t *testing.T) {
	svc := newTestAuthService()

	claims := &models.JWTClaims{
		UserID: "user-1",
		Role:   models.RoleStudent,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	foreign, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = svc.ValidateToken(foreign)
	assert.True(t, errors.Is(err, appErrors.ErrUnauthorized))

	claims.Issuer = "enrollment-api"
	wrongKey, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("other"))
	require.NoError(t, err)
	_, err = svc.ValidateToken(wrongKey)
	assert.True(t, errors.Is(err, appErrors.ErrUnauthorized))
}
