package capsule

import (
	"crypto/sha256"
	"encoding/binary"
	"hash"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/Mindburn-Labs/ealedger/pkg/crypto"
)

func sha256New() hash.Hash { return sha256.New() }

// DomainLabels are the HKDF info strings that separate the profile-key
// and session-key derivations from one another and from every other
// domain-separated hash in the ledgered substrate. Changing either value
// breaks interoperability with any party still deriving against the old
// label, which is the point: third parties interoperate if and only if
// these are reproduced exactly.
type DomainLabels struct {
	HKDFProfile []byte
	HKDFSession []byte
}

// DefaultDomainLabels returns the wire-contract labels. Callers that need
// a private, incompatible derivation (tests, isolated environments) may
// build their own DomainLabels instead.
func DefaultDomainLabels() DomainLabels {
	return DomainLabels{
		HKDFProfile: []byte("IHP_PROFILE_KEY:v1"),
		HKDFSession: []byte("IHP_SESSION_KEY:v1"),
	}
}

func hkdfExpand(info, salt, ikm []byte) ([KeyBytes]byte, error) {
	r := hkdf.New(sha256New, ikm, salt, info)
	var out [KeyBytes]byte
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, newErr(KindKeyDerivation, err.Error())
	}
	return out, nil
}

// DeriveProfileKey computes ProfileKey = HKDF(salt=server_env_hash,
// ikm=master, info=labels.HKDFProfile).
func DeriveProfileKey(master MasterKey, serverEnvHash crypto.Hash, labels DomainLabels) (ProfileKey, error) {
	b, err := hkdfExpand(labels.HKDFProfile, serverEnvHash.Bytes(), master.expose())
	if err != nil {
		return ProfileKey{}, err
	}
	return newProfileKey(b), nil
}

// SessionDerivation bundles the per-connection inputs to the session key.
type SessionDerivation struct {
	TLSExporterKey   []byte
	ClientNonce      ClientNonce
	NetworkContext   NetworkContext
	ServerProfileID  ServerProfileID
}

// DeriveSessionKey computes SessionKey = HKDF(salt=profile_key,
// ikm=tls_exporter, info=labels.HKDFSession || client_nonce(12) ||
// rtt_bucket(1) || path_hint(2 LE) || server_profile_id(8 LE)).
func DeriveSessionKey(profile ProfileKey, d SessionDerivation, labels DomainLabels) (SessionKey, error) {
	if err := d.NetworkContext.Validate(); err != nil {
		return SessionKey{}, err
	}
	info := make([]byte, 0, len(labels.HKDFSession)+NonceLen+1+2+8)
	info = append(info, labels.HKDFSession...)
	info = append(info, d.ClientNonce[:]...)
	info = append(info, d.NetworkContext.RTTBucket)
	var pathHint [2]byte
	binary.LittleEndian.PutUint16(pathHint[:], d.NetworkContext.PathHint)
	info = append(info, pathHint[:]...)
	var profileID [8]byte
	binary.LittleEndian.PutUint64(profileID[:], uint64(d.ServerProfileID))
	info = append(info, profileID[:]...)

	b, err := hkdfExpand(info, profile.expose(), d.TLSExporterKey)
	if err != nil {
		return SessionKey{}, err
	}
	return newSessionKey(b), nil
}

// ServerProfileID references a stored server environment hash.
type ServerProfileID uint64

// NetworkContext carries the per-session network hints mixed into the
// session key derivation and the AEAD AAD.
type NetworkContext struct {
	RTTBucket byte
	PathHint  uint16
}

// Validate rejects a zero path hint, the one invariant the wire contract
// places on network context.
func (n NetworkContext) Validate() error {
	if n.PathHint == 0 {
		return newErr(KindCodecError, "path_hint must be non-zero")
	}
	return nil
}

// EnvironmentProfile fingerprints the host a profile key is bound to.
type EnvironmentProfile struct {
	CPUFingerprint       string
	NICFingerprint       string
	OSFingerprint        string
	AppBuildFingerprint  string
	TPMQuote             []byte // nil if unavailable
}

// MaxFingerprintBytes bounds each fingerprint field and the TPM quote.
const MaxFingerprintBytes = 1024

func (p EnvironmentProfile) validate(maxLen int) error {
	fields := []string{p.CPUFingerprint, p.NICFingerprint, p.OSFingerprint, p.AppBuildFingerprint}
	for _, f := range fields {
		if len(f) > maxLen {
			return newErr(KindCodecError, "server fingerprint too long")
		}
	}
	if len(p.TPMQuote) > maxLen {
		return newErr(KindCodecError, "tpm quote too long")
	}
	return nil
}

// ComputeServerEnvHash hashes the profile's fields in fixed order, each
// separated by a 0 byte, with a trailing 1/0 flag marking whether a TPM
// quote was present. This is a bare BLAKE3 digest with no domain tag:
// server_env_hash is a cross-implementation wire value feeding both the
// profile-key HKDF salt and the AEAD AAD, so it must match byte-for-byte
// against a peer that never prepends this package's own domain tags.
func ComputeServerEnvHash(p EnvironmentProfile) (crypto.Hash, error) {
	return computeServerEnvHashWithLimit(p, MaxFingerprintBytes)
}

func computeServerEnvHashWithLimit(p EnvironmentProfile, maxLen int) (crypto.Hash, error) {
	if err := p.validate(maxLen); err != nil {
		return crypto.Hash{}, err
	}
	sep := []byte{0}
	parts := [][]byte{
		[]byte(p.CPUFingerprint), sep,
		[]byte(p.NICFingerprint), sep,
		[]byte(p.OSFingerprint), sep,
		[]byte(p.AppBuildFingerprint), sep,
	}
	if p.TPMQuote != nil {
		parts = append(parts, []byte{1}, p.TPMQuote)
	} else {
		parts = append(parts, []byte{0})
	}
	return crypto.SumRaw(parts...), nil
}
