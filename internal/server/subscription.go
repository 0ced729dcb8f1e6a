package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	creditsdomain "github.com/smallbiznis/creditgate/internal/credits/domain"
	plandomain "github.com/smallbiznis/creditgate/internal/plan/domain"
)

type subscriptionResponse struct {
	UserID      string          `json:"user_id"`
	Plan        plandomain.Plan `json:"plan"`
	PeriodStart time.Time       `json:"period_start"`
}

// ListPlans exposes the plan catalog. Public so a pricing page can render
// without credentials.
func (s *Server) ListPlans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"plans": s.planSvc.Plans()})
}

// GetSubscription returns the caller's current plan and billing period.
func (s *Server) GetSubscription(c *gin.Context) {
	userID := s.currentUserID(c)

	plan, assignment, err := s.planSvc.PlanForUser(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, subscriptionResponse{
		UserID:      userID,
		Plan:        plan,
		PeriodStart: assignment.PeriodStart,
	})
}

type changeSubscriptionRequest struct {
	PlanID string `json:"plan_id" binding:"required"`
}

// ChangeSubscription switches the caller's plan and grants the new plan's
// allocations immediately. Grants are bounded to one per plan and calendar
// month, so retries replay and toggling between plans does not farm
// credits.
func (s *Server) ChangeSubscription(c *gin.Context) {
	var req changeSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	ctx := c.Request.Context()
	userID := s.currentUserID(c)

	plan, err := s.planSvc.GetPlan(req.PlanID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.planSvc.SetPlan(ctx, userID, plan.ID); err != nil {
		AbortWithError(c, err)
		return
	}

	// The tag is the calendar month, not the assignment's period start: a
	// plan switch restarts the period, so keying on period_start would
	// re-grant on every toggle.
	periodTag := time.Now().UTC().Format("2006-01")

	for key, grant := range plan.Features {
		if grant.Allocation <= 0 {
			continue
		}
		_, err := s.creditsSvc.Allocate(ctx, creditsdomain.AllocateRequest{
			UserID:          userID,
			Key:             key,
			Amount:          grant.Allocation,
			TransactionType: creditsdomain.TransactionTypeAllocation,
			Source:          creditsdomain.SourceSubscriptionRenewal,
			SourceID:        periodTag,
			IdempotencyKey:  fmt.Sprintf("plan_change:%s:%s:%s:%s", userID, key, plan.ID, periodTag),
			Description:     fmt.Sprintf("%s plan allocation", plan.Name),
		})
		if err != nil {
			AbortWithError(c, err)
			return
		}
	}

	s.GetSubscription(c)
}
