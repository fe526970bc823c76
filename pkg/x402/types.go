// Package x402 implements the HTTP 402 challenge/response micropayment
// protocol types shared by the registry and its clients.
//
// A request without a payment header receives a 402 with a Challenge
// body naming the acceptable {scheme, network, asset, amount, payTo}
// combinations. The caller signs a payment authorization out-of-band,
// base64-encodes it as JSON, and resubmits it in the X-Payment header.
package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
)

// Header is the request header carrying the encoded payment proof.
const Header = "X-Payment"

// PaymentProof is a decoded payment authorization. Validity is a pure
// function of these fields plus the expected amount/network for the
// operation being paid for; the proof carries no mutable state.
type PaymentProof struct {
	Scheme    string `json:"scheme"`  // e.g. "exact"
	Network   string `json:"network"` // e.g. "base-sepolia", "solana-devnet"
	Asset     string `json:"asset"`   // e.g. "USDC"
	Amount    string `json:"amount"`  // decimal string
	PayTo     string `json:"payTo"`   // recipient identity
	Signer    string `json:"signer"`  // payer identity (address or pubkey)
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
	Message   string `json:"message"` // the exact string that was signed

	// TxHash is set only when an out-of-band caller reports on-chain
	// settlement; the registry never observes settlement itself.
	TxHash string `json:"txHash,omitempty"`
}

// Accept is one acceptable payment option in a 402 challenge.
type Accept struct {
	Scheme  string `json:"scheme"`
	Network string `json:"network"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
	PayTo   string `json:"payTo"`
	Chain   string `json:"chain"` // signature scheme family: "evm" or "solana"
}

// Challenge is the machine-readable 402 response body. Multiple chains
// may be offered simultaneously.
type Challenge struct {
	Version     int      `json:"x402Version"`
	Error       string   `json:"error"`
	Accepts     []Accept `json:"accepts"`
	Nonce       string   `json:"nonce,omitempty"`
	Description string   `json:"description,omitempty"`
}

// PaymentMessage is the canonical string the payer signs.
// Format: "x402|{scheme}|{network}|{asset}|{amount}|{payTo}|{nonce}|{timestamp}"
func PaymentMessage(scheme, network, asset, amount, payTo, nonce string, timestamp int64) string {
	return fmt.Sprintf("x402|%s|%s|%s|%s|%s|%s|%d", scheme, network, asset, amount, payTo, nonce, timestamp)
}

// EncodeHeader serializes the proof to the base64 JSON wire form.
func (p *PaymentProof) EncodeHeader() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payment proof: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeHeader parses a base64 JSON payment header. Encode and decode
// are exact inverses field for field.
func DecodeHeader(header string) (*PaymentProof, error) {
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("payment header is not valid base64: %w", err)
	}
	var proof PaymentProof
	if err := json.Unmarshal(data, &proof); err != nil {
		return nil, fmt.Errorf("payment header is not valid JSON: %w", err)
	}
	return &proof, nil
}

// MissingFields returns the names of structurally required fields that
// are empty, in a stable order.
func (p *PaymentProof) MissingFields() []string {
	var missing []string
	check := func(name, value string) {
		if value == "" {
			missing = append(missing, name)
		}
	}
	check("scheme", p.Scheme)
	check("network", p.Network)
	check("asset", p.Asset)
	check("amount", p.Amount)
	check("payTo", p.PayTo)
	check("signer", p.Signer)
	check("nonce", p.Nonce)
	check("signature", p.Signature)
	check("message", p.Message)
	if p.Timestamp == 0 {
		missing = append(missing, "timestamp")
	}
	return missing
}

// Is402Response reports whether resp is a 402 Payment Required.
func Is402Response(resp *http.Response) bool {
	return resp.StatusCode == http.StatusPaymentRequired
}

// ParseChallenge extracts the challenge body from a 402 response.
func ParseChallenge(resp *http.Response) (*Challenge, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("not a 402 response: got %d", resp.StatusCode)
	}
	var ch Challenge
	if err := json.NewDecoder(resp.Body).Decode(&ch); err != nil {
		return nil, fmt.Errorf("parse payment challenge: %w", err)
	}
	return &ch, nil
}
