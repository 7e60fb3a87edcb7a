package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/trustgate/internal/logging"
	"github.com/mbd888/trustgate/internal/ratelimit"
	"github.com/mbd888/trustgate/internal/receipts"
	"github.com/mbd888/trustgate/internal/trustscore"
	"github.com/mbd888/trustgate/internal/validation"
	"github.com/mbd888/trustgate/pkg/x402"
)

// Handler provides HTTP endpoints for paid trust scores.
type Handler struct {
	service *Service
}

// NewHandler creates a new gateway handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the paid and discovery routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/trust-score/:accountId", validation.AccountParamMiddleware(), h.GetTrustScore)
	r.GET("/supported", h.ListSupported)
}

// ScoreResponse is the 200 body: the score fields plus the receipt.
type ScoreResponse struct {
	*trustscore.TrustScore
	Receipt *receipts.Receipt `json:"receipt"`
}

// GetTrustScore handles GET /v1/trust-score/:accountId
func (h *Handler) GetTrustScore(c *gin.Context) {
	ctx := c.Request.Context()
	res, err := h.service.Score(ctx, ScoreRequest{
		AccountID: c.Param("accountId"),
		Resource:  c.Request.URL.Path,
		Payment:   c.GetHeader(x402.HeaderPayment),
		ClientKey: c.ClientIP(),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	if res.Settlement != nil {
		if header, err := x402.EncodeHeader(res.Settlement.Response()); err == nil {
			c.Header(x402.HeaderPaymentResponse, header)
		} else {
			logging.L(ctx).Error("failed to encode settlement response", "error", err)
		}
	}
	c.JSON(http.StatusOK, ScoreResponse{TrustScore: res.Score, Receipt: res.Receipt})
}

// ListSupported handles GET /v1/supported
func (h *Handler) ListSupported(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"kinds": h.service.Supported()})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var payErr *PaymentError
	var rlErr *RateLimitError

	switch {
	case errors.As(err, &payErr):
		body := x402.PaymentRequiredResponse{
			Error:       "payment_required",
			Message:     "Payment required. Send an X-PAYMENT header satisfying one of accepts.",
			X402Version: x402.Version,
			Accepts:     []x402.PaymentRequirements{payErr.Requirements},
		}
		if payErr.Reason != "" {
			body.Error = "payment_verification_failed"
			body.Message = "Payment proof was rejected"
			body.Reason = string(payErr.Reason)
		}
		c.JSON(http.StatusPaymentRequired, body)
	case errors.As(err, &rlErr):
		ratelimit.Reject(c, rlErr.RPM)
	case errors.Is(err, ErrAnalyticsUnavailable):
		logging.L(c.Request.Context()).Error("scoring failed after payment verified", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "analytics_unavailable",
			"message": "Account analytics are temporarily unavailable. The payment was not settled.",
		})
	default:
		logging.L(c.Request.Context()).Error("trust score request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
	}
}
