package chainsig

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"github.com/mr-tron/base58"
)

// SolanaVerifier checks Ed25519 detached signatures. The identity is a
// base58-encoded 32-byte public key; the signature is a 64-byte
// detached signature over the UTF-8 bytes of the message, encoded as
// base64 or base58. No recovery: the check is direct.
type SolanaVerifier struct{}

// Verify implements Verifier.
func (SolanaVerifier) Verify(message, signature, identity string) Result {
	pubKey, err := base58.Decode(identity)
	if err != nil {
		return fail("identity is not valid base58: %v", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return fail("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pubKey))
	}

	sig, err := decodeSolanaSignature(signature)
	if err != nil {
		return fail("%v", err)
	}

	if !ed25519.Verify(ed25519.PublicKey(pubKey), []byte(message), sig) {
		return fail("ed25519 verification failed")
	}
	return ok()
}

// decodeSolanaSignature accepts base64 (what web wallets emit) and
// falls back to base58 (what CLI tooling emits).
func decodeSolanaSignature(signature string) ([]byte, error) {
	sig, b64Err := base64.StdEncoding.DecodeString(signature)
	if b64Err != nil {
		var b58Err error
		sig, b58Err = base58.Decode(signature)
		if b58Err != nil {
			return nil, fmt.Errorf("signature is neither valid base64 nor base58")
		}
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, fmt.Errorf("signature must be %d bytes, got %d", ed25519.SignatureSize, len(sig))
	}
	return sig, nil
}
