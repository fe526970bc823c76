package paywall

import (
	"crypto/ecdsa"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thisyearnofear/imperfectcoach-sub004/internal/chainsig"
	"github.com/thisyearnofear/imperfectcoach-sub004/pkg/x402"
)

const payTo = "0xfeed000000000000000000000000000000000001"

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	return NewVerifier(Config{
		Recipients: []Recipient{
			{Chain: "evm", Network: "base-sepolia", PayTo: payTo},
			{Chain: "solana", Network: "solana-devnet", PayTo: "8FybPqhLUWDJAfHfY7j2Vv5XQs9rTm4kNcE6pGdZwBuA"},
		},
	}, chainsig.NewRegistry())
}

// signedProof builds a fully valid EVM proof for a freshly issued
// challenge at the given amount.
func signedProof(t *testing.T, v *Verifier, amount string) (*x402.PaymentProof, *ecdsa.PrivateKey) {
	t.Helper()

	challenge, err := v.Challenge(amount, "test operation")
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	now := time.Now().Unix()
	message := x402.PaymentMessage("exact", "base-sepolia", "USDC", amount, payTo, challenge.Nonce, now)

	sig, err := crypto.Sign(chainsig.HashPersonalMessage(message), key)
	require.NoError(t, err)
	sig[64] += 27

	return &x402.PaymentProof{
		Scheme:    "exact",
		Network:   "base-sepolia",
		Asset:     "USDC",
		Amount:    amount,
		PayTo:     payTo,
		Signer:    strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()),
		Timestamp: now,
		Nonce:     challenge.Nonce,
		Signature: "0x" + hex.EncodeToString(sig),
		Message:   message,
	}, key
}

func TestChallenge_OffersEveryRecipient(t *testing.T) {
	v := newTestVerifier(t)

	challenge, err := v.Challenge("0.03", "booking")
	require.NoError(t, err)

	assert.Equal(t, 1, challenge.Version)
	assert.NotEmpty(t, challenge.Nonce)
	require.Len(t, challenge.Accepts, 2)
	for _, a := range challenge.Accepts {
		assert.Equal(t, "exact", a.Scheme)
		assert.Equal(t, "USDC", a.Asset)
		assert.Equal(t, "0.03", a.Amount)
	}
	assert.Equal(t, "evm", challenge.Accepts[0].Chain)
	assert.Equal(t, "solana", challenge.Accepts[1].Chain)
}

func TestChallenge_NoncesAreUnique(t *testing.T) {
	v := newTestVerifier(t)

	a, err := v.Challenge("0.01", "")
	require.NoError(t, err)
	b, err := v.Challenge("0.01", "")
	require.NoError(t, err)
	assert.NotEqual(t, a.Nonce, b.Nonce)
}

func TestVerify_ValidProof(t *testing.T) {
	v := newTestVerifier(t)
	proof, _ := signedProof(t, v, "0.03")

	assert.NoError(t, v.Verify(proof, "0.03"))
}

func TestVerify_OverpaymentAccepted(t *testing.T) {
	v := newTestVerifier(t)
	proof, _ := signedProof(t, v, "0.05")

	assert.NoError(t, v.Verify(proof, "0.03"))
}

// Each failing check must be named so the caller knows what to fix.
func TestVerify_NamesTheFailingCheck(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(p *x402.PaymentProof)
		wantCheck string
	}{
		{"missing fields", func(p *x402.PaymentProof) { p.Asset = "" }, "structure"},
		{"unknown network", func(p *x402.PaymentProof) { p.Network = "mainnet" }, "network"},
		{"wrong recipient", func(p *x402.PaymentProof) { p.PayTo = "0x0000000000000000000000000000000000000bad" }, "payTo"},
		{"wrong asset", func(p *x402.PaymentProof) { p.Asset = "DAI" }, "asset"},
		{"underpayment", func(p *x402.PaymentProof) { p.Amount = "0.01" }, "amount"},
		{"garbage amount", func(p *x402.PaymentProof) { p.Amount = "lots" }, "amount"},
		{"stale timestamp", func(p *x402.PaymentProof) { p.Timestamp = time.Now().Add(-time.Hour).Unix() }, "timestamp"},
		{"future timestamp", func(p *x402.PaymentProof) { p.Timestamp = time.Now().Add(time.Hour).Unix() }, "timestamp"},
		{"foreign nonce", func(p *x402.PaymentProof) { p.Nonce = "never-issued" }, "nonce"},
		{"tampered message", func(p *x402.PaymentProof) { p.Message = p.Message + "x" }, "message"},
		{"message encodes a different amount", func(p *x402.PaymentProof) {
			p.Message = x402.PaymentMessage(p.Scheme, p.Network, p.Asset, "99.00", p.PayTo, p.Nonce, p.Timestamp)
		}, "message"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestVerifier(t)
			proof, _ := signedProof(t, v, "0.03")
			tt.mutate(proof)

			err := v.Verify(proof, "0.03")
			var check *CheckError
			require.ErrorAs(t, err, &check, "expected a named check failure")
			assert.Equal(t, tt.wantCheck, check.Check)
		})
	}
}

// A signature is only an authorization of the proof's own fields. A
// valid signature by the claimed signer over any other text must not
// verify, no matter how well-formed the rest of the proof is.
func TestVerify_SignatureMustCoverTheProofFields(t *testing.T) {
	v := newTestVerifier(t)
	proof, key := signedProof(t, v, "0.03")

	unrelated := "hello, definitely not a payment authorization"
	sig, err := crypto.Sign(chainsig.HashPersonalMessage(unrelated), key)
	require.NoError(t, err)
	sig[64] += 27

	proof.Message = unrelated
	proof.Signature = "0x" + hex.EncodeToString(sig)

	verr := v.Verify(proof, "0.03")
	var check *CheckError
	require.ErrorAs(t, verr, &check, "signature over an unrelated message must not verify")
	assert.Equal(t, "message", check.Check)
}

func TestVerify_NonceIsOneTimeUse(t *testing.T) {
	v := newTestVerifier(t)
	proof, _ := signedProof(t, v, "0.03")

	require.NoError(t, v.Verify(proof, "0.03"))

	err := v.Verify(proof, "0.03")
	var check *CheckError
	require.ErrorAs(t, err, &check)
	assert.Equal(t, "nonce", check.Check)
}

func TestVerify_SignatureFromWrongKey(t *testing.T) {
	v := newTestVerifier(t)
	proof, _ := signedProof(t, v, "0.03")

	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	proof.Signer = strings.ToLower(crypto.PubkeyToAddress(other.PublicKey).Hex())

	verr := v.Verify(proof, "0.03")
	var check *CheckError
	require.ErrorAs(t, verr, &check)
	assert.Equal(t, "signature", check.Check)
}

// The purge horizon follows the configured skew window, so a nonce
// that is still consumable is never dropped by housekeeping.
func TestNonceStore_PurgeHonorsSkewWindow(t *testing.T) {
	skew := 20 * time.Minute
	v := NewVerifier(Config{
		Recipients: []Recipient{{Chain: "evm", Network: "base-sepolia", PayTo: payTo}},
		SkewWindow: skew,
	}, chainsig.NewRegistry())

	challenge, err := v.Challenge("0.03", "")
	require.NoError(t, err)

	// Age the nonce to 15 minutes, inside the skew window, then
	// trigger housekeeping by issuing another nonce.
	v.nonces.mu.Lock()
	v.nonces.nonces[challenge.Nonce] = time.Now().Add(-15 * time.Minute)
	v.nonces.mu.Unlock()

	_, err = v.Challenge("0.03", "")
	require.NoError(t, err)

	assert.True(t, v.nonces.consume(challenge.Nonce, skew),
		"a nonce inside the skew window must survive the purge")
}

func TestSettlement_RecordedForAudit(t *testing.T) {
	v := newTestVerifier(t)

	_, ok := v.Settled("n1")
	assert.False(t, ok)

	v.RecordSettlement("n1", "0xdeadbeef")
	tx, ok := v.Settled("n1")
	assert.True(t, ok)
	assert.Equal(t, "0xdeadbeef", tx)
}

func TestCheckError_Message(t *testing.T) {
	err := &CheckError{Check: "amount", Detail: "too low"}
	assert.Equal(t, "payment verification failed at amount: too low", err.Error())
}
