package booking

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thisyearnofear/imperfectcoach-sub004/internal/chainsig"
	"github.com/thisyearnofear/imperfectcoach-sub004/internal/paywall"
	"github.com/thisyearnofear/imperfectcoach-sub004/internal/registry"
	"github.com/thisyearnofear/imperfectcoach-sub004/internal/reputation"
	"github.com/thisyearnofear/imperfectcoach-sub004/pkg/x402"
)

const testPayTo = "0xfeed000000000000000000000000000000000001"

func setupBookingAPI(t *testing.T) (*gin.Engine, *registry.Store, *paywall.Verifier) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := testStore(t)
	manager := NewManager(store, Options{})
	payments := paywall.NewVerifier(paywall.Config{
		Recipients: []paywall.Recipient{
			{Chain: "evm", Network: "base-sepolia", PayTo: testPayTo},
		},
	}, chainsig.NewRegistry())

	h := NewHandler(manager, store, payments, reputation.NewTracker(store, nil))

	r := gin.New()
	h.RegisterRoutes(r.Group("/api/v1"))
	return r, store, payments
}

func postJSON(r *gin.Engine, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(body)
	req := httptest.NewRequest("POST", path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// payChallenge signs the EVM accept entry of a 402 challenge the way a
// wallet-backed client would and returns the encoded payment header.
func payChallenge(t *testing.T, key *ecdsa.PrivateKey, challenge x402.Challenge) string {
	t.Helper()

	var accept *x402.Accept
	for i := range challenge.Accepts {
		if challenge.Accepts[i].Chain == "evm" {
			accept = &challenge.Accepts[i]
		}
	}
	require.NotNil(t, accept, "challenge must offer an evm option")

	now := time.Now().Unix()
	message := x402.PaymentMessage(accept.Scheme, accept.Network, accept.Asset, accept.Amount, accept.PayTo, challenge.Nonce, now)

	sig, err := crypto.Sign(chainsig.HashPersonalMessage(message), key)
	require.NoError(t, err)
	sig[64] += 27

	proof := &x402.PaymentProof{
		Scheme:    accept.Scheme,
		Network:   accept.Network,
		Asset:     accept.Asset,
		Amount:    accept.Amount,
		PayTo:     accept.PayTo,
		Signer:    strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()),
		Timestamp: now,
		Nonce:     challenge.Nonce,
		Signature: "0x" + hex.EncodeToString(sig),
		Message:   message,
	}
	header, err := proof.EncodeHeader()
	require.NoError(t, err)
	return header
}

func TestBookEndpoint_PaidFlow(t *testing.T) {
	r, store, payments := setupBookingAPI(t)

	body := map[string]interface{}{
		"tier":        "pro",
		"capability":  "form_analysis",
		"requestData": map[string]string{"video": "squat.mp4"},
	}

	// First attempt carries no payment and gets the 402 challenge.
	w := postJSON(r, "/api/v1/agents/coach-1/book", body, nil)
	require.Equal(t, http.StatusPaymentRequired, w.Code, w.Body.String())
	assert.Equal(t, "true", w.Header().Get("X-Payment-Required"))

	var challenge x402.Challenge
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &challenge))
	require.NotEmpty(t, challenge.Nonce)
	require.Len(t, challenge.Accepts, 1)
	assert.Equal(t, "0.03", challenge.Accepts[0].Amount, "challenge quotes the tiered price")

	// Pay and retry.
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	header := payChallenge(t, key, challenge)

	w = postJSON(r, "/api/v1/agents/coach-1/book", body, map[string]string{x402.Header: header})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Success   bool               `json:"success"`
		BookingID string             `json:"bookingId"`
		Tier      registry.Tier      `json:"tier"`
		Pricing   registry.TierPrice `json:"pricing"`
		SLA       SLASnapshot        `json:"sla"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.True(t, created.Success)
	assert.NotEmpty(t, created.BookingID)
	assert.Equal(t, "0.03", created.Pricing.BaseFee)
	assert.Equal(t, int64(2000), created.SLA.ResponseSLA)

	// Complete with a settlement report: the slot frees, reputation
	// moves, and the settlement is recorded against the nonce.
	w = postJSON(r, "/api/v1/agents/coach-1/booking/"+created.BookingID+"/complete", map[string]interface{}{
		"actualMs":        1500,
		"transactionHash": "0xsettled",
		"paymentNonce":    challenge.Nonce,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var completed struct {
		Success         bool           `json:"success"`
		Performance     SLAPerformance `json:"performance"`
		ReputationScore int            `json:"reputationScore"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &completed))
	assert.True(t, completed.Performance.WithinSLA)
	assert.Equal(t, registry.DefaultReputation+reputation.DeltaWithinSLA, completed.ReputationScore)

	agent, err := store.GetByID("coach-1")
	require.NoError(t, err)
	assert.Zero(t, agent.ServiceAvailability[registry.TierPro].SlotsFilled)

	tx, ok := payments.Settled(challenge.Nonce)
	assert.True(t, ok)
	assert.Equal(t, "0xsettled", tx)
}

// A replayed payment header must be rejected: the nonce is one-time use.
func TestBookEndpoint_ReplayedPaymentRejected(t *testing.T) {
	r, _, _ := setupBookingAPI(t)

	body := map[string]interface{}{"tier": "basic", "capability": "form_analysis"}

	w := postJSON(r, "/api/v1/agents/coach-1/book", body, nil)
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	var challenge x402.Challenge
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &challenge))

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	header := payChallenge(t, key, challenge)

	w = postJSON(r, "/api/v1/agents/coach-1/book", body, map[string]string{x402.Header: header})
	require.Equal(t, http.StatusCreated, w.Code)

	w = postJSON(r, "/api/v1/agents/coach-1/book", body, map[string]string{x402.Header: header})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "nonce")
}

func TestBookEndpoint_UnknownAgentIs404NotPaywalled(t *testing.T) {
	r, _, _ := setupBookingAPI(t)

	w := postJSON(r, "/api/v1/agents/ghost/book", map[string]interface{}{
		"tier": "basic", "capability": "form_analysis",
	}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "no payment demanded for an agent that does not exist")
}

func TestBookEndpoint_MalformedBodySkipsPaywall(t *testing.T) {
	r, _, _ := setupBookingAPI(t)

	req := httptest.NewRequest("POST", "/api/v1/agents/coach-1/book", bytes.NewBufferString("{broken"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBookEndpoint_CapacityConflict(t *testing.T) {
	r, store, _ := setupBookingAPI(t)

	// Fill the pro tier directly so the paid request hits the conflict.
	m := NewManager(store, Options{})
	for i := 0; i < 2; i++ {
		_, err := m.Book(context.Background(), "coach-1", registry.TierPro, "form_analysis", nil)
		require.NoError(t, err)
	}

	body := map[string]interface{}{"tier": "pro", "capability": "form_analysis"}
	w := postJSON(r, "/api/v1/agents/coach-1/book", body, nil)
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	var challenge x402.Challenge
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &challenge))

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	w = postJSON(r, "/api/v1/agents/coach-1/book", body, map[string]string{x402.Header: payChallenge(t, key, challenge)})

	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())

	var conflict struct {
		Error         string        `json:"error"`
		Tier          registry.Tier `json:"tier"`
		NextAvailable int64         `json:"nextAvailable"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &conflict))
	assert.Equal(t, "no slots available", conflict.Error)
	assert.Equal(t, int64(1700000123000), conflict.NextAvailable)
}

func TestGetBookingEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := testStore(t)
	manager := NewManager(store, Options{})
	payments := paywall.NewVerifier(paywall.Config{}, chainsig.NewRegistry())
	h := NewHandler(manager, store, payments, reputation.NewTracker(store, nil))

	r := gin.New()
	h.RegisterRoutes(r.Group("/api/v1"))

	b, err := manager.Book(context.Background(), "coach-1", registry.TierBasic, "form_analysis", nil)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/api/v1/agents/coach-1/booking/"+b.BookingID, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), b.BookingID)

	req = httptest.NewRequest("GET", "/api/v1/agents/coach-1/booking/bk_missing", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
