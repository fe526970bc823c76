package chainsig

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// EVMVerifier checks EIP-191 personal-message signatures by recovering
// the signing address and comparing it, case-insensitively, to the
// claimed identity.
type EVMVerifier struct{}

// HashPersonalMessage hashes message with the "\x19Ethereum Signed
// Message:\n{len}" prefix wallets apply for personal_sign.
func HashPersonalMessage(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix + message))
}

// RecoverAddress recovers the signer address from a hex-encoded 65-byte
// r||s||v signature over message.
func RecoverAddress(message, signatureHex string) (string, error) {
	sigHex := strings.TrimPrefix(signatureHex, "0x")
	signature, err := hex.DecodeString(sigHex)
	if err != nil {
		return "", fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(signature) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}

	// Wallets produce v = 27 or 28; Ecrecover wants 0 or 1. Copy first,
	// the caller's slice is not ours to rewrite.
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pubKeyBytes, err := crypto.Ecrecover(HashPersonalMessage(message), sig)
	if err != nil {
		return "", fmt.Errorf("recover public key: %w", err)
	}
	pubKey, err := crypto.UnmarshalPubkey(pubKeyBytes)
	if err != nil {
		return "", fmt.Errorf("unmarshal public key: %w", err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pubKey).Hex()), nil
}

// Verify implements Verifier.
func (EVMVerifier) Verify(message, signature, identity string) Result {
	if !isHexAddress(identity) {
		return fail("identity is not a valid EVM address")
	}
	recovered, err := RecoverAddress(message, signature)
	if err != nil {
		return fail("invalid signature: %v", err)
	}
	if !strings.EqualFold(recovered, identity) {
		return fail("recovered signer %s does not match %s", recovered, strings.ToLower(identity))
	}
	return ok()
}

func isHexAddress(addr string) bool {
	if !strings.HasPrefix(addr, "0x") || len(addr) != 42 {
		return false
	}
	for _, c := range addr[2:] {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
