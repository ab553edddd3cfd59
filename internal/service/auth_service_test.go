package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/edumatrix/exam-marks-api/internal/models"
	"github.com/edumatrix/exam-marks-api/pkg/config"
	appErrors "github.com/edumatrix/exam-marks-api/pkg/errors"
)

type fakeUserRepo struct {
	users      map[string]models.User
	lastLogins []int64
	logs       []models.AuditLog
}

func (f *fakeUserRepo) FindByEmail(_ context.Context, email string) (*models.User, error) {
	user, ok := f.users[email]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &user, nil
}

func (f *fakeUserRepo) FindByID(_ context.Context, id int64) (*models.User, error) {
	for _, user := range f.users {
		if user.ID == id {
			return &user, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *fakeUserRepo) UpdateLastLogin(_ context.Context, id int64) error {
	f.lastLogins = append(f.lastLogins, id)
	return nil
}

func (f *fakeUserRepo) CreateAuditLog(_ context.Context, log *models.AuditLog) error {
	f.logs = append(f.logs, *log)
	return nil
}

func newAuthFixture(t *testing.T) (*AuthService, *fakeUserRepo) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret-pass"), bcrypt.MinCost)
	require.NoError(t, err)
	repo := &fakeUserRepo{users: map[string]models.User{
		"admin@school.test": {
			ID: 1, Email: "admin@school.test", PasswordHash: string(hash),
			FullName: "Head Admin", Role: models.RoleAdmin, Active: true,
		},
		"retired@school.test": {
			ID: 2, Email: "retired@school.test", PasswordHash: string(hash),
			FullName: "Old Account", Role: models.RoleTeacher, Active: false,
		},
	}}
	svc := NewAuthService(repo, config.JWTConfig{
		Secret:     "test-secret",
		Expiration: time.Hour,
		Issuer:     "exam-marks-api",
	}, nil, nil)
	return svc, repo
}

func TestLoginIssuesToken(t *testing.T) {
	svc, repo := newAuthFixture(t)

	resp, err := svc.Login(context.Background(), models.LoginRequest{
		Email: "admin@school.test", Password: "s3cret-pass",
	}, "10.0.0.1", "test-agent")
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
	assert.Equal(t, int64(3600), resp.ExpiresIn)
	assert.Equal(t, models.RoleAdmin, resp.User.Role)

	claims, err := svc.ValidateToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, int64(1), claims.UserID)
	assert.Equal(t, models.RoleAdmin, claims.Role)

	require.Len(t, repo.lastLogins, 1)
	require.Len(t, repo.logs, 1)
	assert.Equal(t, models.AuditActionLogin, repo.logs[0].Action)
	assert.Equal(t, "10.0.0.1", repo.logs[0].IPAddress)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc, _ := newAuthFixture(t)

	_, err := svc.Login(context.Background(), models.LoginRequest{
		Email: "admin@school.test", Password: "wrong",
	}, "", "")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidCredentials.Code))

	_, err = svc.Login(context.Background(), models.LoginRequest{
		Email: "nobody@school.test", Password: "s3cret-pass",
	}, "", "")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidCredentials.Code))
}

func TestLoginRejectsInactiveAccount(t *testing.T) {
	svc, _ := newAuthFixture(t)

	_, err := svc.Login(context.Background(), models.LoginRequest{
		Email: "retired@school.test", Password: "s3cret-pass",
	}, "", "")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInactiveAccount.Code))
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	svc, _ := newAuthFixture(t)

	_, err := svc.ValidateToken("not-a-token")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrUnauthorized.Code))
}
