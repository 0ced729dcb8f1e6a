package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	creditsdomain "github.com/smallbiznis/creditgate/internal/credits/domain"
	identitydomain "github.com/smallbiznis/creditgate/internal/identity/domain"
	"github.com/smallbiznis/creditgate/internal/migration"
	"github.com/smallbiznis/creditgate/internal/seed"
)

type adminAllocateRequest struct {
	UserID          string `json:"user_id" binding:"required"`
	Key             string `json:"key" binding:"required"`
	Amount          int64  `json:"amount" binding:"required"`
	TransactionType string `json:"transaction_type"`
	Source          string `json:"source"`
	SourceID        string `json:"source_id"`
	IdempotencyKey  string `json:"idempotency_key"`
	Description     string `json:"description"`
}

// AdminAllocate credits a user's balance manually (top-ups, refunds,
// support adjustments).
func (s *Server) AdminAllocate(c *gin.Context) {
	var req adminAllocateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	balance, err := s.creditsSvc.Allocate(c.Request.Context(), creditsdomain.AllocateRequest{
		UserID:          req.UserID,
		Key:             req.Key,
		Amount:          req.Amount,
		TransactionType: creditsdomain.TransactionType(req.TransactionType),
		Source:          creditsdomain.Source(req.Source),
		SourceID:        req.SourceID,
		IdempotencyKey:  req.IdempotencyKey,
		Description:     req.Description,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id": req.UserID,
		"key":     req.Key,
		"balance": balance,
	})
}

type adminSetPlanRequest struct {
	UserID string `json:"user_id" binding:"required"`
	PlanID string `json:"plan_id" binding:"required"`
}

// AdminSetPlan assigns a plan without going through the subscription
// endpoint, for support tooling.
func (s *Server) AdminSetPlan(c *gin.Context) {
	var req adminSetPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.planSvc.SetPlan(c.Request.Context(), req.UserID, req.PlanID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id": req.UserID,
		"plan_id": req.PlanID,
	})
}

type adminCreateKeyRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Name   string `json:"name"`
}

// AdminCreateKey issues an API key for a user. The raw key is returned
// once and never stored.
func (s *Server) AdminCreateKey(c *gin.Context) {
	var req adminCreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.identitySvc.CreateKey(c.Request.Context(), identitydomain.CreateKeyRequest{
		UserID: req.UserID,
		Name:   req.Name,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

// AdminNuke drops the schema and reseeds. Demo environments only; guarded
// by NUKE_ENABLED on top of the admin token.
func (s *Server) AdminNuke(c *gin.Context) {
	if !s.cfg.NukeEnabled {
		AbortWithError(c, ErrForbidden)
		return
	}

	if err := migration.Reset(s.db, s.cfg); err != nil {
		AbortWithError(c, err)
		return
	}
	if err := seed.EnsureDemoUser(s.db); err != nil {
		AbortWithError(c, err)
		return
	}

	s.log.Warn("database nuked and reseeded")
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}
