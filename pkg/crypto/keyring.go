package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
)

// KeyRing holds a set of signers under rotation, keyed by KeyID. It is
// used by hosts that need to sign with "whichever key is currently active"
// without the caller tracking rotation state, and by verifiers that need
// to resolve a KeyID to a public key after a signer has been revoked.
type KeyRing struct {
	mu      sync.RWMutex
	signers map[string]Signer
	revoked map[string]bool
}

// NewKeyRing returns an empty KeyRing.
func NewKeyRing() *KeyRing {
	return &KeyRing{
		signers: make(map[string]Signer),
		revoked: make(map[string]bool),
	}
}

// Add registers a signer under its own KeyID.
func (k *KeyRing) Add(s Signer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.signers[s.KeyID()] = s
}

// Revoke marks a key as no longer usable for signing or verification.
// The key's entry is kept (not deleted) so lookups can distinguish
// "unknown key" from "revoked key".
func (k *KeyRing) Revoke(keyID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.revoked[keyID] = true
}

// activeKeyIDsLocked returns non-revoked key IDs in deterministic
// (lexicographic) order. Caller must hold at least a read lock.
func (k *KeyRing) activeKeyIDsLocked() []string {
	ids := make([]string, 0, len(k.signers))
	for id := range k.signers {
		if k.revoked[id] {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Active returns the deterministically selected "current" signer: the
// lexicographically last non-revoked KeyID. Rotation is expressed by
// adding a new, lexicographically later key and revoking the old one.
func (k *KeyRing) Active() (Signer, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ids := k.activeKeyIDsLocked()
	if len(ids) == 0 {
		return nil, fmt.Errorf("crypto: keyring has no active signers")
	}
	return k.signers[ids[len(ids)-1]], nil
}

// Sign signs data with the active key and returns (key id, signature).
func (k *KeyRing) Sign(data []byte) (string, []byte, error) {
	s, err := k.Active()
	if err != nil {
		return "", nil, err
	}
	return s.KeyID(), s.Sign(data), nil
}

// PublicKey resolves a KeyID to its public key, failing if the key is
// unknown or has been revoked.
func (k *KeyRing) PublicKey(keyID string) (ed25519.PublicKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.revoked[keyID] {
		return nil, fmt.Errorf("crypto: key %q is revoked", keyID)
	}
	s, ok := k.signers[keyID]
	if !ok {
		return nil, fmt.Errorf("crypto: unknown key %q", keyID)
	}
	return s.PublicKey(), nil
}

// Verify checks a signature against the named key, failing closed if the
// key is unknown or revoked rather than falling back to any other key.
func (k *KeyRing) Verify(keyID string, data, sig []byte) (bool, error) {
	pub, err := k.PublicKey(keyID)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, data, sig), nil
}

// IsAllowed reports whether pubKeyHex belongs to some key currently held
// in the ring and not revoked. Channel policies consult this to resolve
// allowed_signers dynamically: adding or revoking a key here changes the
// answer immediately, without rewriting the policy's static signer list.
func (k *KeyRing) IsAllowed(pubKeyHex string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	for _, id := range k.activeKeyIDsLocked() {
		if hex.EncodeToString(k.signers[id].PublicKey()) == pubKeyHex {
			return true
		}
	}
	return false
}
