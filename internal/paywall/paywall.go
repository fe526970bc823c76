// Package paywall implements the HTTP 402 challenge/response flow that
// gates paid registry operations.
//
// Per paid operation the flow is a four-state machine:
// NONE → CHALLENGED → VERIFIED → SETTLED. A request with no payment
// header is in NONE and gets a 402 challenge; a request with a header
// moves to VERIFIED only if every structural and cryptographic check
// passes; SETTLED is an external fact recorded when a caller reports
// the on-chain transaction hash.
package paywall

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/thisyearnofear/imperfectcoach-sub004/internal/chainsig"
	"github.com/thisyearnofear/imperfectcoach-sub004/internal/usdc"
	"github.com/thisyearnofear/imperfectcoach-sub004/pkg/x402"
)

// Recipient is one payment destination the service accepts.
type Recipient struct {
	Chain   string // signature scheme family: "evm" or "solana"
	Network string // settlement network, e.g. "base-sepolia"
	PayTo   string // receiving identity on that network
}

// Config configures the verifier.
type Config struct {
	// Recipients are the simultaneously offered payment options, one
	// per chain.
	Recipients []Recipient

	// Asset is the accepted asset (USDC).
	Asset string

	// SkewWindow bounds how old (or future-dated) a proof's timestamp
	// may be. Defaults to 5 minutes.
	SkewWindow time.Duration

	// Scheme is the x402 payment scheme offered. Defaults to "exact".
	Scheme string
}

// Verifier constructs challenges and verifies inbound proofs.
type Verifier struct {
	cfg     Config
	sigs    *chainsig.Registry
	nonces  *nonceStore
	mu      sync.Mutex
	settled map[string]string // nonce -> txHash, audit only
}

// NewVerifier creates a payment verifier.
func NewVerifier(cfg Config, sigs *chainsig.Registry) *Verifier {
	if cfg.SkewWindow == 0 {
		cfg.SkewWindow = 5 * time.Minute
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "exact"
	}
	if cfg.Asset == "" {
		cfg.Asset = "USDC"
	}
	return &Verifier{
		cfg:     cfg,
		sigs:    sigs,
		nonces:  newNonceStore(2 * cfg.SkewWindow),
		settled: make(map[string]string),
	}
}

// Challenge builds the 402 body for an operation priced at amount,
// issuing a fresh one-time nonce.
func (v *Verifier) Challenge(amount, description string) (*x402.Challenge, error) {
	nonce, err := generateNonce()
	if err != nil {
		return nil, err
	}
	v.nonces.issue(nonce)

	accepts := make([]x402.Accept, 0, len(v.cfg.Recipients))
	for _, r := range v.cfg.Recipients {
		accepts = append(accepts, x402.Accept{
			Scheme:  v.cfg.Scheme,
			Network: r.Network,
			Asset:   v.cfg.Asset,
			Amount:  amount,
			PayTo:   r.PayTo,
			Chain:   r.Chain,
		})
	}

	return &x402.Challenge{
		Version:     1,
		Error:       "payment required",
		Accepts:     accepts,
		Nonce:       nonce,
		Description: description,
	}, nil
}

// Verify runs every check against a decoded proof, in order, and names
// the first failing one. A nil return means the operation is VERIFIED.
// Verification failures are caller-correctable by construction: they
// must map to 4xx, never 5xx.
func (v *Verifier) Verify(proof *x402.PaymentProof, expectedAmount string) error {
	if missing := proof.MissingFields(); len(missing) > 0 {
		return &CheckError{Check: "structure", Detail: "missing fields: " + strings.Join(missing, ", ")}
	}

	recipient, ok := v.recipientFor(proof.Network)
	if !ok {
		return &CheckError{Check: "network", Detail: fmt.Sprintf("network %q is not accepted", proof.Network)}
	}
	if !strings.EqualFold(proof.PayTo, recipient.PayTo) {
		return &CheckError{Check: "payTo", Detail: "payment is not addressed to this service"}
	}
	if !strings.EqualFold(proof.Asset, v.cfg.Asset) {
		return &CheckError{Check: "asset", Detail: fmt.Sprintf("asset %q is not accepted", proof.Asset)}
	}

	want, okWant := usdc.Parse(expectedAmount)
	got, okGot := usdc.Parse(proof.Amount)
	if !okWant || !okGot {
		return &CheckError{Check: "amount", Detail: "amount is not a valid decimal"}
	}
	if got.Cmp(want) < 0 {
		return &CheckError{Check: "amount", Detail: fmt.Sprintf("amount %s is below the required %s", proof.Amount, expectedAmount)}
	}

	age := time.Since(time.Unix(proof.Timestamp, 0))
	if age > v.cfg.SkewWindow || age < -v.cfg.SkewWindow {
		return &CheckError{Check: "timestamp", Detail: "proof timestamp outside the acceptable skew window"}
	}

	if !v.nonces.consume(proof.Nonce, v.cfg.SkewWindow) {
		return &CheckError{Check: "nonce", Detail: "nonce was not issued by this service, already used, or expired"}
	}

	// The signature is only meaningful if the signed text is the
	// canonical encoding of this proof's own fields. Without this
	// binding a signature over any unrelated string would pass.
	canonical := x402.PaymentMessage(proof.Scheme, proof.Network, proof.Asset, proof.Amount, proof.PayTo, proof.Nonce, proof.Timestamp)
	if proof.Message != canonical {
		return &CheckError{Check: "message", Detail: "signed message does not match the proof fields"}
	}

	res := v.sigs.Verify(recipient.Chain, proof.Signer, proof.Message, proof.Signature)
	if !res.Verified {
		return &CheckError{Check: "signature", Detail: res.Reason}
	}

	return nil
}

// RecordSettlement records an out-of-band settlement report for audit.
// The registry never observes the chain itself.
func (v *Verifier) RecordSettlement(nonce, txHash string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.settled[nonce] = txHash
}

// Settled returns the recorded transaction hash for a nonce, if any.
func (v *Verifier) Settled(nonce string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	tx, ok := v.settled[nonce]
	return tx, ok
}

func (v *Verifier) recipientFor(network string) (Recipient, bool) {
	for _, r := range v.cfg.Recipients {
		if strings.EqualFold(r.Network, network) {
			return r, true
		}
	}
	return Recipient{}, false
}

// CheckError names the specific failing verification check so callers
// can surface it as an actionable 4xx hint.
type CheckError struct {
	Check  string
	Detail string
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("payment verification failed at %s: %s", e.Check, e.Detail)
}

// -----------------------------------------------------------------------------
// Nonce store
// -----------------------------------------------------------------------------

// nonceStore tracks issued nonces for one-time use, bounding replay.
// retention must exceed the verifier's skew window so a still-valid
// nonce is never purged before it can be consumed.
type nonceStore struct {
	mu        sync.Mutex
	retention time.Duration
	nonces    map[string]time.Time // nonce -> issued-at
}

func newNonceStore(retention time.Duration) *nonceStore {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &nonceStore{retention: retention, nonces: make(map[string]time.Time)}
}

func (ns *nonceStore) issue(nonce string) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.nonces[nonce] = time.Now()

	// Purge expired entries while we hold the lock.
	cutoff := time.Now().Add(-ns.retention)
	for k, t := range ns.nonces {
		if t.Before(cutoff) {
			delete(ns.nonces, k)
		}
	}
}

func (ns *nonceStore) consume(nonce string, maxAge time.Duration) bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	issued, ok := ns.nonces[nonce]
	if !ok {
		return false
	}
	delete(ns.nonces, nonce) // one-time use
	return time.Since(issued) <= maxAge
}

func generateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}
