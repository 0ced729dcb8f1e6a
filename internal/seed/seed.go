// Package seed bootstraps a demo user so a fresh deployment can serve
// requests immediately.
package seed

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	identitydomain "github.com/smallbiznis/creditgate/internal/identity/domain"
	plandomain "github.com/smallbiznis/creditgate/internal/plan/domain"
	"gorm.io/gorm"
)

const (
	// DemoUserID is the principal seeded for local and demo environments.
	DemoUserID = "demo-user"

	defaultDemoKey = "cg_demo_0000000000000000"
	demoKeyName    = "demo"
)

// EnsureDemoUser seeds the demo API key and a Free plan row. Idempotent;
// safe to run on every startup.
func EnsureDemoUser(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	rawKey := strings.TrimSpace(os.Getenv("DEMO_API_KEY"))
	if rawKey == "" {
		rawKey = defaultDemoKey
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureDemoKeyTx(ctx, tx, node, rawKey); err != nil {
			return err
		}
		return ensureDemoPlanTx(ctx, tx)
	})
}

func ensureDemoKeyTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, rawKey string) error {
	hash := identitydomain.HashAPIKey(rawKey)

	var existing identitydomain.APIKey
	err := tx.WithContext(ctx).Where("key_hash = ?", hash).First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	key := identitydomain.APIKey{
		ID:        node.Generate(),
		UserID:    DemoUserID,
		Name:      demoKeyName,
		KeyHash:   hash,
		CreatedAt: time.Now().UTC(),
	}
	return tx.WithContext(ctx).Create(&key).Error
}

func ensureDemoPlanTx(ctx context.Context, tx *gorm.DB) error {
	var existing plandomain.UserPlan
	err := tx.WithContext(ctx).Where("user_id = ?", DemoUserID).First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	now := time.Now().UTC()
	row := plandomain.UserPlan{
		UserID:      DemoUserID,
		PlanID:      plandomain.PlanFree,
		PeriodStart: now,
		UpdatedAt:   now,
	}
	return tx.WithContext(ctx).Create(&row).Error
}
