package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *AuthService {
	t.Helper()
	svc, err := NewAuthService(AuthConfig{Store: StoreConfig{Path: ":memory:"}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestCreateInitialAdminThenBasicLogin(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, NewCLIHelper(svc).CreateInitialAdmin(ctx, "root", "hunter2"))

	result, err := svc.Authenticate(ctx, LoginRequest{Method: AuthMethodBasic, Username: "root", Password: "hunter2"})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "root", result.Username)
	require.NotNil(t, result.Token)
}

func TestCreateInitialAdminRefusesSecondCall(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	cli := NewCLIHelper(svc)

	require.NoError(t, cli.CreateInitialAdmin(ctx, "root", "hunter2"))
	require.Error(t, cli.CreateInitialAdmin(ctx, "someone-else", "whatever"))
}

func TestBasicLoginRejectsWrongPassword(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.CreateUser(ctx, "root", "hunter2"))

	result, err := svc.Authenticate(ctx, LoginRequest{Method: AuthMethodBasic, Username: "root", Password: "wrong"})
	require.ErrorIs(t, err, ErrInvalidCredentials)
	require.False(t, result.Success)
}

func TestJWTRoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.CreateUser(ctx, "root", "hunter2"))

	login, err := svc.Authenticate(ctx, LoginRequest{Method: AuthMethodBasic, Username: "root", Password: "hunter2"})
	require.NoError(t, err)
	require.NotNil(t, login.Token)

	result, err := svc.Authenticate(ctx, LoginRequest{Method: AuthMethodJWT, Token: login.Token.Value})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "root", result.Username)
}

func TestJWTRejectsGarbageToken(t *testing.T) {
	svc := newTestService(t)
	result, err := svc.Authenticate(context.Background(), LoginRequest{Method: AuthMethodJWT, Token: "not-a-token"})
	require.ErrorIs(t, err, ErrInvalidCredentials)
	require.False(t, result.Success)
}
