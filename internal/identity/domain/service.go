package domain

import (
	"context"
	"errors"
)

// Principal is the authenticated caller attached to the request context.
type Principal struct {
	UserID string
	KeyID  string
}

type CreateKeyRequest struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

// CreateKeyResult carries the raw key exactly once; it is not recoverable
// afterwards.
type CreateKeyResult struct {
	Key    APIKey `json:"key"`
	RawKey string `json:"raw_key"`
}

type Service interface {
	// Authenticate resolves a raw bearer token to a Principal. Returns
	// ErrUnauthorized for unknown or revoked keys.
	Authenticate(ctx context.Context, rawKey string) (*Principal, error)
	CreateKey(ctx context.Context, req CreateKeyRequest) (*CreateKeyResult, error)
	RevokeKey(ctx context.Context, userID, keyID string) error
}

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidUser  = errors.New("invalid_user")
	ErrNotFound     = errors.New("not_found")
)
