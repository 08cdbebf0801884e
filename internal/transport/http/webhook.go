package http

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/starktol/vtu-platform/internal/recon"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Webhook-Signature"

// webhookHandler accepts one provider's notifications. Status mapping:
// 200 accepted (including duplicate and unknown-reference rejections, which
// the provider must not redeliver), 401 bad signature, 400 malformed payload
// or amount mismatch, 500 store failure (provider redelivers).
func webhookHandler(pipeline *recon.Pipeline, provider string, verifier *recon.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}
		sig := c.GetHeader(SignatureHeader)

		res, err := pipeline.Process(c.Request.Context(), provider, raw, sig, verifier)
		if err != nil {
			switch {
			case errors.Is(err, recon.ErrInvalidSignature):
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			case errors.Is(err, recon.ErrMalformedPayload), errors.Is(err, recon.ErrAmountMismatch):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			case errors.Is(err, recon.ErrUnknownReference):
				c.JSON(http.StatusOK, gin.H{"status": "rejected", "reason": "unknown reference"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed"})
			}
			return
		}

		if res.Duplicate {
			c.JSON(http.StatusOK, gin.H{"status": "ok", "duplicate": true})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"reference": res.Transaction.PaymentReference,
			"final":     res.Transaction.Status,
		})
	}
}
