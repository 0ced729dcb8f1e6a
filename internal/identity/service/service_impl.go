package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/creditgate/internal/cache"
	"github.com/smallbiznis/creditgate/internal/clock"
	identitydomain "github.com/smallbiznis/creditgate/internal/identity/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const principalCacheTTL = 30 * time.Second

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock

	// byHash caches key-hash lookups so the hot path does not hit the
	// database on every request. Revocation takes effect within the TTL.
	byHash cache.Cache[string, identitydomain.Principal]
}

func NewService(p Params) identitydomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("identity.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		byHash: cache.NewTTLCache[string, identitydomain.Principal](),
	}
}

func (s *Service) Authenticate(ctx context.Context, rawKey string) (*identitydomain.Principal, error) {
	rawKey = strings.TrimSpace(rawKey)
	if rawKey == "" {
		return nil, identitydomain.ErrUnauthorized
	}
	hash := identitydomain.HashAPIKey(rawKey)

	if principal, ok := s.byHash.Get(hash); ok {
		return &principal, nil
	}

	var key identitydomain.APIKey
	err := s.db.WithContext(ctx).
		Where("key_hash = ? AND revoked_at IS NULL", hash).
		First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, identitydomain.ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}

	principal := identitydomain.Principal{
		UserID: key.UserID,
		KeyID:  key.ID.String(),
	}
	s.byHash.Set(hash, principal, principalCacheTTL)
	return &principal, nil
}

func (s *Service) CreateKey(ctx context.Context, req identitydomain.CreateKeyRequest) (*identitydomain.CreateKeyResult, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, identitydomain.ErrInvalidUser
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "default"
	}

	rawKey := fmt.Sprintf("cg_%s", strings.ReplaceAll(uuid.NewString(), "-", ""))
	key := identitydomain.APIKey{
		ID:        s.genID.Generate(),
		UserID:    userID,
		Name:      name,
		KeyHash:   identitydomain.HashAPIKey(rawKey),
		CreatedAt: s.clock.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&key).Error; err != nil {
		return nil, err
	}

	s.log.Info("api key created",
		zap.String("user_id", userID),
		zap.String("key_id", key.ID.String()),
	)
	return &identitydomain.CreateKeyResult{Key: key, RawKey: rawKey}, nil
}

func (s *Service) RevokeKey(ctx context.Context, userID, keyID string) error {
	id, err := snowflake.ParseString(keyID)
	if err != nil {
		return identitydomain.ErrNotFound
	}

	now := s.clock.Now()
	result := s.db.WithContext(ctx).
		Model(&identitydomain.APIKey{}).
		Where("id = ? AND user_id = ? AND revoked_at IS NULL", id, userID).
		Update("revoked_at", now)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return identitydomain.ErrNotFound
	}
	return nil
}
