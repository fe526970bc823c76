package x402

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Signer produces a detached signature over a payment message. The
// concrete implementation holds the caller's key material; the client
// never sees a private key.
type Signer interface {
	// Identity is the chain-native identity proofs verify against.
	Identity() string
	// Chain is the signature scheme family ("evm" or "solana").
	Chain() string
	// Sign returns the encoded signature over message.
	Sign(message string) (string, error)
}

// Client wraps http.Client with automatic 402 handling: on a payment
// challenge it picks the accept entry matching the signer's chain,
// signs the payment message, and retries once with the proof attached.
type Client struct {
	httpClient *http.Client
	signer     Signer

	// MaxRetries bounds payment retries (default 1).
	MaxRetries int
	// AutoPay disables the automatic flow when false; the raw 402 is
	// returned to the caller.
	AutoPay bool

	// OnPayment is called before each retry with the accepted option
	// and the proof about to be sent.
	OnPayment func(accept Accept, proof *PaymentProof)
}

// NewClient creates a 402-aware HTTP client backed by the signer.
func NewClient(signer Signer) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		signer:     signer,
		MaxRetries: 1,
		AutoPay:    true,
	}
}

// Do performs the request, transparently answering one 402 challenge.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.DoContext(req.Context(), req)
}

// DoContext performs the request with ctx, transparently answering 402
// challenges up to MaxRetries times.
func (c *Client) DoContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		_ = req.Body.Close()
	}

	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		resp, err := c.httpClient.Do(req.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}

		if resp.StatusCode != http.StatusPaymentRequired || !c.AutoPay {
			return resp, nil
		}

		challenge, err := ParseChallenge(resp)
		_ = resp.Body.Close()
		if err != nil {
			return nil, err
		}

		proof, accept, err := c.buildProof(challenge)
		if err != nil {
			return nil, err
		}

		if c.OnPayment != nil {
			c.OnPayment(accept, proof)
		}

		header, err := proof.EncodeHeader()
		if err != nil {
			return nil, err
		}
		req.Header.Set(Header, header)
	}

	return nil, fmt.Errorf("max payment retries exceeded")
}

// buildProof signs the challenge's accept entry matching the signer's
// chain.
func (c *Client) buildProof(challenge *Challenge) (*PaymentProof, Accept, error) {
	var accept *Accept
	for i := range challenge.Accepts {
		if challenge.Accepts[i].Chain == c.signer.Chain() {
			accept = &challenge.Accepts[i]
			break
		}
	}
	if accept == nil {
		return nil, Accept{}, fmt.Errorf("challenge offers no accept entry for chain %q", c.signer.Chain())
	}

	now := time.Now().Unix()
	message := PaymentMessage(accept.Scheme, accept.Network, accept.Asset, accept.Amount, accept.PayTo, challenge.Nonce, now)

	signature, err := c.signer.Sign(message)
	if err != nil {
		return nil, Accept{}, fmt.Errorf("sign payment message: %w", err)
	}

	return &PaymentProof{
		Scheme:    accept.Scheme,
		Network:   accept.Network,
		Asset:     accept.Asset,
		Amount:    accept.Amount,
		PayTo:     accept.PayTo,
		Signer:    c.signer.Identity(),
		Timestamp: now,
		Nonce:     challenge.Nonce,
		Signature: signature,
		Message:   message,
	}, *accept, nil
}
