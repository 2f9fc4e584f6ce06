// Package registry holds per-channel policy: which signers are required,
// whether attestations are mandatory, and whether timestamps must be
// monotone. Policies are mutated only through explicit control events,
// never implicitly by the act of appending.
package registry

import (
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/ealedger/pkg/crypto"
)

// Policy governs one channel.
type Policy struct {
	MinSigners              int
	AllowedSigners          []string // hex ed25519 public keys; empty means "any signer"
	RequireAttestations     bool
	EnforceTimestampOrdering bool
	AcceptedSchemaVersions  []string // empty means "accept any"

	// SignerKeyRing, if set, makes AllowsSigner revocation-aware: a
	// signer must both pass the static AllowedSigners check and still be
	// a non-revoked member of the ring. This is how a channel's allowed
	// signer set changes over time (key rotation, compromise response)
	// without rewriting AllowedSigners itself. Nil means the flat list
	// above is the whole answer.
	SignerKeyRing *crypto.KeyRing
}

// AllowsSchemaVersion reports whether v is acceptable under this policy.
func (p Policy) AllowsSchemaVersion(v string) bool {
	if len(p.AcceptedSchemaVersions) == 0 {
		return true
	}
	for _, a := range p.AcceptedSchemaVersions {
		if a == v {
			return true
		}
	}
	return false
}

// AllowsSigner reports whether pubKeyHex may count toward min_signers.
// An empty AllowedSigners set means any signer is accepted. When a
// SignerKeyRing is attached, a signer must also still be a non-revoked
// member of that ring: the ring can withdraw a previously allowed key
// without the caller re-Set-ing the policy.
func (p Policy) AllowsSigner(pubKeyHex string) bool {
	if len(p.AllowedSigners) > 0 {
		var listed bool
		for _, a := range p.AllowedSigners {
			if a == pubKeyHex {
				listed = true
				break
			}
		}
		if !listed {
			return false
		}
	}
	if p.SignerKeyRing != nil {
		return p.SignerKeyRing.IsAllowed(pubKeyHex)
	}
	return true
}

// ErrUnknownChannel is returned when a channel has no registered policy.
var ErrUnknownChannel = fmt.Errorf("registry: unknown channel")

// Registry maps channel name to its Policy. Created at configuration time;
// mutated only via Set/Remove, which callers are expected to drive from
// explicit control events rather than from ordinary envelope traffic.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{policies: make(map[string]Policy)}
}

// Set installs or replaces the policy for a channel.
func (r *Registry) Set(channel string, p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[channel] = p
}

// Remove deletes a channel's policy.
func (r *Registry) Remove(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.policies, channel)
}

// Get looks up a channel's policy.
func (r *Registry) Get(channel string) (Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[channel]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	return p, nil
}

// Channels lists all registered channel names.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.policies))
	for c := range r.policies {
		out = append(out, c)
	}
	return out
}
