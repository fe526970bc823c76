// Package chainsig verifies signed messages against chain-native
// identities. One Verifier per chain family; adding a chain means
// adding an implementation here, not touching callers.
//
// Verifiers are pure: they never mutate state and never panic past the
// caller. Every failure mode (bad encoding, wrong length, mismatch)
// collapses to Result{Verified: false, Reason: ...} so HTTP callers can
// answer 4xx with a hint instead of crashing.
package chainsig

import (
	"fmt"
	"sort"
	"strings"
)

// Result is the outcome of a signature check.
type Result struct {
	Verified bool   `json:"verified"`
	Reason   string `json:"reason,omitempty"`
}

// Verifier checks a detached signature over message for the claimed
// identity (address or public key, chain-dependent encoding).
type Verifier interface {
	Verify(message, signature, identity string) Result
}

// Registry dispatches verification by chain name.
type Registry struct {
	verifiers map[string]Verifier
}

// NewRegistry creates a registry with the default EVM and Solana
// verifiers installed.
func NewRegistry() *Registry {
	return &Registry{
		verifiers: map[string]Verifier{
			"evm":    EVMVerifier{},
			"solana": SolanaVerifier{},
		},
	}
}

// Register installs or replaces the verifier for a chain.
func (r *Registry) Register(chain string, v Verifier) {
	r.verifiers[strings.ToLower(chain)] = v
}

// Verify dispatches to the chain's verifier. Unknown chains are a
// verification failure, not an error.
func (r *Registry) Verify(chain, identity, message, signature string) Result {
	v, ok := r.verifiers[strings.ToLower(chain)]
	if !ok {
		return Result{Verified: false, Reason: fmt.Sprintf("unsupported chain %q (supported: %s)", chain, strings.Join(r.Chains(), ", "))}
	}
	return v.Verify(message, signature, identity)
}

// Chains lists the supported chain names, sorted.
func (r *Registry) Chains() []string {
	out := make([]string, 0, len(r.verifiers))
	for name := range r.verifiers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func fail(format string, args ...interface{}) Result {
	return Result{Verified: false, Reason: fmt.Sprintf(format, args...)}
}

func ok() Result {
	return Result{Verified: true}
}
