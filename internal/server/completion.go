package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	plandomain "github.com/smallbiznis/creditgate/internal/plan/domain"
)

type completionRequest struct {
	Snippet string `json:"snippet" binding:"required"`
}

type completionResponse struct {
	Completion       string `json:"completion"`
	CreditsRemaining int64  `json:"credits_remaining"`
}

// Completion serves one tab completion behind the credit gate.
func (s *Server) Completion(c *gin.Context) {
	var req completionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	output, gate, ok := s.runGated(c, plandomain.FeatureTabCompletion, 1, func() string {
		return s.responder.Complete(req.Snippet)
	})
	if !ok {
		return
	}

	c.JSON(http.StatusOK, completionResponse{
		Completion:       output,
		CreditsRemaining: gate.BalanceAfter,
	})
}
