package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/creditgate/internal/clock"
	identitydomain "github.com/smallbiznis/creditgate/internal/identity/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupIdentityTest(t *testing.T) identitydomain.Service {
	t.Helper()

	conn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&identitydomain.APIKey{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	return NewService(Params{DB: conn, Log: zap.NewNop(), GenID: node, Clock: fake})
}

func TestCreateKeyAndAuthenticate(t *testing.T) {
	svc := setupIdentityTest(t)
	ctx := context.Background()

	created, err := svc.CreateKey(ctx, identitydomain.CreateKeyRequest{UserID: "user-1", Name: "ci"})
	require.NoError(t, err)
	require.NotEmpty(t, created.RawKey)
	assert.Equal(t, identitydomain.HashAPIKey(created.RawKey), created.Key.KeyHash)

	principal, err := svc.Authenticate(ctx, created.RawKey)
	require.NoError(t, err)
	assert.Equal(t, "user-1", principal.UserID)
	assert.Equal(t, created.Key.ID.String(), principal.KeyID)
}

func TestAuthenticate_UnknownKey(t *testing.T) {
	svc := setupIdentityTest(t)

	_, err := svc.Authenticate(context.Background(), "cg_not_a_real_key")
	assert.ErrorIs(t, err, identitydomain.ErrUnauthorized)

	_, err = svc.Authenticate(context.Background(), "")
	assert.ErrorIs(t, err, identitydomain.ErrUnauthorized)
}

func TestRevokeKey(t *testing.T) {
	svc := setupIdentityTest(t)
	ctx := context.Background()

	created, err := svc.CreateKey(ctx, identitydomain.CreateKeyRequest{UserID: "user-1"})
	require.NoError(t, err)

	require.NoError(t, svc.RevokeKey(ctx, "user-1", created.Key.ID.String()))

	// Revoking twice or revoking someone else's key is not found.
	assert.ErrorIs(t, svc.RevokeKey(ctx, "user-1", created.Key.ID.String()), identitydomain.ErrNotFound)
	assert.ErrorIs(t, svc.RevokeKey(ctx, "user-2", created.Key.ID.String()), identitydomain.ErrNotFound)
}

func TestAuthenticate_RevokedKeyNotCached(t *testing.T) {
	svc := setupIdentityTest(t)
	ctx := context.Background()

	created, err := svc.CreateKey(ctx, identitydomain.CreateKeyRequest{UserID: "user-1"})
	require.NoError(t, err)
	require.NoError(t, svc.RevokeKey(ctx, "user-1", created.Key.ID.String()))

	// Never authenticated before revocation, so no cached principal.
	_, err = svc.Authenticate(ctx, created.RawKey)
	assert.ErrorIs(t, err, identitydomain.ErrUnauthorized)
}
