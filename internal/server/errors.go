package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	creditsdomain "github.com/smallbiznis/creditgate/internal/credits/domain"
	identitydomain "github.com/smallbiznis/creditgate/internal/identity/domain"
	plandomain "github.com/smallbiznis/creditgate/internal/plan/domain"
	usagedomain "github.com/smallbiznis/creditgate/internal/usageevent/domain"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

// insufficientCreditsResponse is the 402 contract. Flat on purpose so
// clients can read upgradeUrl without unwrapping an envelope.
type insufficientCreditsResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	UpgradeURL string `json:"upgradeUrl"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
)

// ErrorHandlingMiddleware turns errors collected on the context into the
// JSON error contract. Handlers call AbortWithError and return.
func ErrorHandlingMiddleware(upgradeURL string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		if errors.Is(lastErr.Err, creditsdomain.ErrInsufficientCredits) {
			c.Header("Content-Type", "application/json")
			c.AbortWithStatusJSON(http.StatusPaymentRequired, insufficientCreditsResponse{
				Error:      "insufficient_credits",
				Message:    "You have run out of credits for this feature.",
				UpgradeURL: upgradeURL,
			})
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, identitydomain.ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}
	case errors.Is(err, plandomain.ErrUnknownFeature),
		errors.Is(err, creditsdomain.ErrUnknownFeature):
		// A feature key outside the plan catalog is a deployment
		// misconfiguration, not a client error.
		return http.StatusInternalServerError, errorPayload{
			Type:    "configuration_error",
			Message: "feature is not configured",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, creditsdomain.ErrIdempotencyConflict):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "idempotency key is already in use",
		}
	case errors.Is(err, creditsdomain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "credit store is unavailable, retry with the same idempotency key",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, creditsdomain.ErrInvalidUser),
		errors.Is(err, creditsdomain.ErrInvalidKey),
		errors.Is(err, creditsdomain.ErrInvalidAmount),
		errors.Is(err, creditsdomain.ErrInvalidTransaction),
		errors.Is(err, creditsdomain.ErrInvalidPageToken),
		errors.Is(err, plandomain.ErrInvalidUser),
		errors.Is(err, plandomain.ErrUnknownPlan),
		errors.Is(err, usagedomain.ErrInvalidUser),
		errors.Is(err, usagedomain.ErrInvalidKey),
		errors.Is(err, usagedomain.ErrInvalidAmount),
		errors.Is(err, identitydomain.ErrInvalidUser):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, identitydomain.ErrNotFound),
		errors.Is(err, usagedomain.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

// classifyErrorForLog feeds the request logger's error fields.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	if errors.Is(err, creditsdomain.ErrInsufficientCredits) {
		return "insufficient_credits", "insufficient_credits"
	}
	_, payload := mapError(err)
	return payload.Type, err.Error()
}
