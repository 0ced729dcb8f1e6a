package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	plandomain "github.com/smallbiznis/creditgate/internal/plan/domain"
)

type chatRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

type chatResponse struct {
	Response         string `json:"response"`
	CreditsRemaining int64  `json:"credits_remaining"`
}

// Chat serves one AI chat turn behind the credit gate. One request costs
// one credit.
func (s *Server) Chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	output, gate, ok := s.runGated(c, plandomain.FeatureAIChat, 1, func() string {
		return s.responder.Chat(req.Prompt)
	})
	if !ok {
		return
	}

	c.JSON(http.StatusOK, chatResponse{
		Response:         output,
		CreditsRemaining: gate.BalanceAfter,
	})
}
