package server

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	creditsdomain "github.com/smallbiznis/creditgate/internal/credits/domain"
	usagedomain "github.com/smallbiznis/creditgate/internal/usageevent/domain"
	"go.uber.org/zap"
)

// gateResult is the outcome of running one gated action.
type gateResult struct {
	BalanceAfter int64
	Charged      bool
}

// runGated wraps an action in the credit gate: advisory pre-check, do the
// work, then the authoritative atomic debit. The pre-check keeps free work
// rare; it is not a reservation. If the debit loses a race after the work
// already ran, the result is delivered uncharged rather than throwing the
// work away.
func (s *Server) runGated(c *gin.Context, key string, amount int64, action func() string) (string, *gateResult, bool) {
	ctx := c.Request.Context()
	userID := s.currentUserID(c)
	c.Set("feature_key", key)

	ok, err := s.creditsSvc.HasCredits(ctx, userID, key, amount)
	if err != nil {
		AbortWithError(c, err)
		return "", nil, false
	}
	if !ok {
		AbortWithError(c, creditsdomain.ErrInsufficientCredits)
		return "", nil, false
	}

	output := action()

	result, err := s.creditsSvc.Consume(ctx, creditsdomain.ConsumeRequest{
		UserID:         userID,
		Key:            key,
		Amount:         amount,
		IdempotencyKey: s.consumeIdempotencyKey(c),
		Description:    fmt.Sprintf("%s request", key),
		Metadata: map[string]any{
			"request_id": c.GetString("request_id"),
			"route":      c.FullPath(),
		},
	})
	if err != nil {
		AbortWithError(c, err)
		return "", nil, false
	}

	if !result.Allowed {
		s.log.Warn("post-work debit denied, delivering uncharged",
			zap.String("user_id", userID),
			zap.String("key", key),
		)
		return output, &gateResult{BalanceAfter: result.BalanceAfter, Charged: false}, true
	}

	if !result.Replayed {
		s.recordUsage(c, userID, key, float64(amount))
	}
	return output, &gateResult{BalanceAfter: result.BalanceAfter, Charged: true}, true
}

// consumeIdempotencyKey mints the debit's idempotency key server-side.
// The request ID echoes the client's X-Request-Id header for log
// correlation, so keying the debit on it would let a resent header
// replay the charge for free; the key must never come from the client.
func (s *Server) consumeIdempotencyKey(c *gin.Context) string {
	return fmt.Sprintf("consume:%s", uuid.NewString())
}

// recordUsage is best effort: the ledger already committed, so a failed
// usage event must not fail the request.
func (s *Server) recordUsage(c *gin.Context, userID, key string, amount float64) {
	if _, err := s.usageSvc.Record(c.Request.Context(), usagedomain.RecordRequest{
		UserID: userID,
		Key:    key,
		Amount: amount,
	}); err != nil {
		s.log.Warn("record usage event",
			zap.String("user_id", userID),
			zap.String("key", key),
			zap.Error(err),
		)
	}
}
