package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	creditsdomain "github.com/smallbiznis/creditgate/internal/credits/domain"
	"github.com/smallbiznis/creditgate/pkg/db/pagination"
)

type creditEntry struct {
	Key        string `json:"key"`
	Balance    int64  `json:"balance"`
	Allocation int64  `json:"allocation"`
}

type listCreditsResponse struct {
	UserID  string        `json:"user_id"`
	PlanID  string        `json:"plan_id"`
	Credits []creditEntry `json:"credits"`
}

// ListCredits returns the balance for every feature the user's plan
// grants.
func (s *Server) ListCredits(c *gin.Context) {
	ctx := c.Request.Context()
	userID := s.currentUserID(c)

	plan, _, err := s.planSvc.PlanForUser(ctx, userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	keys := plan.FeatureKeys()
	credits := make([]creditEntry, 0, len(keys))
	for _, key := range keys {
		info, err := s.creditsSvc.GetBalance(ctx, userID, key)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		credits = append(credits, creditEntry{
			Key:        key,
			Balance:    info.Balance,
			Allocation: info.Allocation,
		})
	}

	c.JSON(http.StatusOK, listCreditsResponse{
		UserID:  userID,
		PlanID:  plan.ID,
		Credits: credits,
	})
}

// GetCredits returns the balance for a single feature key.
func (s *Server) GetCredits(c *gin.Context) {
	userID := s.currentUserID(c)
	key := strings.TrimSpace(c.Param("key"))

	info, err := s.creditsSvc.GetBalance(c.Request.Context(), userID, key)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, creditEntry{
		Key:        key,
		Balance:    info.Balance,
		Allocation: info.Allocation,
	})
}

// ListLedger pages through the user's ledger for one feature key, newest
// first.
func (s *Server) ListLedger(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.creditsSvc.ListLedger(c.Request.Context(), creditsdomain.ListLedgerRequest{
		UserID:     s.currentUserID(c),
		Key:        strings.TrimSpace(c.Param("key")),
		Pagination: page,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
