package paywall

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thisyearnofear/imperfectcoach-sub004/pkg/x402"
)

func paidRouter(t *testing.T, v *Verifier, price PriceFunc) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.POST("/paid", Middleware(v, "test operation", price), func(c *gin.Context) {
		signer := ""
		if proof := ProofFrom(c); proof != nil {
			signer = proof.Signer
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "signer": signer})
	})
	return r
}

func TestMiddleware_ChallengesUnpaidRequest(t *testing.T) {
	v := newTestVerifier(t)
	r := paidRouter(t, v, FixedPrice("0.02"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/paid", nil))

	require.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "true", w.Header().Get("X-Payment-Required"))

	var challenge x402.Challenge
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &challenge))
	assert.Equal(t, "0.02", challenge.Accepts[0].Amount)
	assert.Equal(t, "test operation", challenge.Description)
}

func TestMiddleware_AcceptsValidProof(t *testing.T) {
	v := newTestVerifier(t)
	r := paidRouter(t, v, FixedPrice("0.02"))

	proof, _ := signedProof(t, v, "0.02")
	header, err := proof.EncodeHeader()
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/paid", nil)
	req.Header.Set(x402.Header, header)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), proof.Signer, "handler sees the verified proof")
}

func TestMiddleware_RejectsGarbageHeader(t *testing.T) {
	v := newTestVerifier(t)
	r := paidRouter(t, v, FixedPrice("0.02"))

	req := httptest.NewRequest("POST", "/paid", nil)
	req.Header.Set(x402.Header, "!!not base64!!")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// Verification failures are caller-correctable: always 4xx, never 5xx.
func TestMiddleware_VerificationFailureIs400(t *testing.T) {
	v := newTestVerifier(t)
	r := paidRouter(t, v, FixedPrice("0.05"))

	proof, _ := signedProof(t, v, "0.01") // underpays
	header, err := proof.EncodeHeader()
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/paid", nil)
	req.Header.Set(x402.Header, header)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "amount")
}

func TestMiddleware_EmptyPriceWaivesPayment(t *testing.T) {
	v := newTestVerifier(t)
	r := paidRouter(t, v, func(*gin.Context) string { return "" })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/paid", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}
