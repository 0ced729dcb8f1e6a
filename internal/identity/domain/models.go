// Package domain contains API key models for request authentication.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/bwmarrin/snowflake"
)

// APIKey maps a hashed bearer credential to a user. Only the SHA-256 of
// the raw key is stored; the raw key is shown once at creation time.
type APIKey struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	UserID    string       `gorm:"column:user_id;type:text;not null;index" json:"user_id"`
	Name      string       `gorm:"type:text;not null" json:"name"`
	KeyHash   string       `gorm:"column:key_hash;type:text;not null;uniqueIndex:ux_api_keys_key_hash" json:"-"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	RevokedAt *time.Time   `gorm:"column:revoked_at" json:"revoked_at,omitempty"`
}

// TableName sets the database table name.
func (APIKey) TableName() string { return "api_keys" }

// HashAPIKey returns the hex-encoded SHA-256 of a raw API key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
