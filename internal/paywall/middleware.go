package paywall

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/thisyearnofear/imperfectcoach-sub004/internal/logging"
	"github.com/thisyearnofear/imperfectcoach-sub004/internal/metrics"
	"github.com/thisyearnofear/imperfectcoach-sub004/pkg/x402"
)

const proofContextKey = "payment_proof"

// PriceFunc resolves the expected charge for the request being paid
// for. Returning an empty string waives payment for this request.
type PriceFunc func(c *gin.Context) string

// Middleware gates a route behind payment. Requests without a payment
// header get the 402 challenge; requests with one proceed only once
// every verification check passes.
func Middleware(v *Verifier, description string, price PriceFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		amount := price(c)
		if amount == "" {
			c.Next()
			return
		}

		header := c.GetHeader(x402.Header)
		if header == "" {
			challenge, err := v.Challenge(amount, description)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to issue payment challenge"})
				return
			}
			metrics.PaymentChallengesTotal.Inc()
			c.Header("X-Payment-Required", "true")
			c.JSON(http.StatusPaymentRequired, challenge)
			c.Abort()
			return
		}

		proof, err := x402.DecodeHeader(header)
		if err != nil {
			metrics.PaymentVerificationsTotal.WithLabelValues("decode_failed").Inc()
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
				"hint":  "The payment header must be base64-encoded JSON",
			})
			return
		}

		if err := v.Verify(proof, amount); err != nil {
			var check *CheckError
			if errors.As(err, &check) {
				metrics.PaymentVerificationsTotal.WithLabelValues(check.Check + "_failed").Inc()
				logging.L(c.Request.Context()).Warn("payment rejected",
					"check", check.Check,
					"signer", proof.Signer,
				)
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error": err.Error(),
					"hint":  "Obtain a fresh challenge and sign the payment message exactly as issued",
				})
				return
			}
			// Verification errors are caller-correctable by contract;
			// anything else here is a bug, but still never a 500.
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		metrics.PaymentVerificationsTotal.WithLabelValues("verified").Inc()
		c.Set(proofContextKey, proof)
		c.Next()
	}
}

// FixedPrice is a PriceFunc for routes with a constant charge.
func FixedPrice(amount string) PriceFunc {
	return func(*gin.Context) string { return amount }
}

// ProofFrom returns the verified payment proof stored by Middleware.
func ProofFrom(c *gin.Context) *x402.PaymentProof {
	if proof, exists := c.Get(proofContextKey); exists {
		return proof.(*x402.PaymentProof)
	}
	return nil
}
