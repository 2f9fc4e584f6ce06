package capsule

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/Mindburn-Labs/ealedger/pkg/crypto"
)

// ProtocolVersion gates which capsule wire versions a context accepts.
type ProtocolVersion uint8

// DefaultProtocolVersion is the sole version this implementation emits.
const DefaultProtocolVersion ProtocolVersion = 1

func protocolVersionFromWire(v uint8) (ProtocolVersion, bool) {
	if v == uint8(DefaultProtocolVersion) {
		return ProtocolVersion(v), true
	}
	return 0, false
}

// AADDomain is the domain separator prepended to every capsule AAD.
var AADDomain = []byte("IHP_CAPSULE_AAD:v1")

// MaxPayloadBytes bounds the password material carried in a capsule.
const MaxPayloadBytes = 64 * 1024

// DefaultMaxTimestampDriftSeconds is the default allowance for clock skew
// between capsule creation and decryption.
const DefaultMaxTimestampDriftSeconds = 300

// MaxAllowedDriftSeconds is the hard ceiling a Config's drift may not
// exceed, regardless of caller configuration.
const MaxAllowedDriftSeconds = 86_400

// MaxDrift is a validated, bounded timestamp-drift allowance.
type MaxDrift struct{ seconds int64 }

// NewMaxDrift validates seconds against [0, MaxAllowedDriftSeconds].
func NewMaxDrift(seconds int64) (MaxDrift, error) {
	if seconds < 0 || seconds > MaxAllowedDriftSeconds {
		return MaxDrift{}, newErr(KindInvalidTimestamp, "drift seconds out of range")
	}
	return MaxDrift{seconds: seconds}, nil
}

// Seconds returns the drift allowance.
func (d MaxDrift) Seconds() int64 { return d.seconds }

// Timestamp documents a capsule's creation time in Unix seconds.
type Timestamp struct{ v int64 }

// NewTimestamp validates ts (only int64 minimum is rejected, matching the
// sentinel the upstream protocol reserves for "unset").
func NewTimestamp(ts int64) (Timestamp, error) {
	if ts == -1<<63 {
		return Timestamp{}, newErr(KindInvalidTimestamp, "sentinel timestamp rejected")
	}
	return Timestamp{v: ts}, nil
}

// Value returns the Unix-second timestamp.
func (t Timestamp) Value() int64 { return t.v }

// PasswordMaterial is bound-checked payload content.
type PasswordMaterial struct{ b []byte }

// NewPasswordMaterial validates b against MaxPayloadBytes and copies it.
func NewPasswordMaterial(b []byte) (PasswordMaterial, error) {
	if len(b) > MaxPayloadBytes {
		return PasswordMaterial{}, newErr(KindCodecError, "password material too large")
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return PasswordMaterial{b: cp}, nil
}

// Bytes returns the password material.
func (p PasswordMaterial) Bytes() []byte { return p.b }

// AeadAlgorithm enumerates the supported AEAD ciphers. AES-256-GCM is the
// only member today; the type exists so a future algorithm addition is a
// data change, not a signature change.
type AeadAlgorithm int

const AeadAES256GCM AeadAlgorithm = 0

// Config is the explicit, validated configuration passed to every
// encrypt/decrypt call.
type Config struct {
	MaxTimestampDrift   MaxDrift
	AllowedVersions     map[ProtocolVersion]struct{}
	Algorithm           AeadAlgorithm
	MaxPayloadBytes     int
	MaxFingerprintBytes int
}

// DefaultConfig returns the conservative defaults: version 1 only, 300s
// drift, 64KiB payload, 1KiB fingerprints.
func DefaultConfig() Config {
	drift, _ := NewMaxDrift(DefaultMaxTimestampDriftSeconds)
	return Config{
		MaxTimestampDrift:   drift,
		AllowedVersions:     map[ProtocolVersion]struct{}{DefaultProtocolVersion: {}},
		Algorithm:           AeadAES256GCM,
		MaxPayloadBytes:     MaxPayloadBytes,
		MaxFingerprintBytes: MaxFingerprintBytes,
	}
}

// IsVersionAllowed reports whether v is in the configured allow-set.
func (c Config) IsVersionAllowed(v ProtocolVersion) bool {
	_, ok := c.AllowedVersions[v]
	return ok
}

// Validate rejects an empty allow-set, an out-of-range drift, or a
// zero/oversized payload or fingerprint bound.
func (c Config) Validate() error {
	if len(c.AllowedVersions) == 0 {
		return newErr(KindConfigRejected, "no protocol versions allowed")
	}
	if c.MaxTimestampDrift.seconds < 0 || c.MaxTimestampDrift.seconds > MaxAllowedDriftSeconds {
		return newErr(KindConfigRejected, "timestamp drift out of bounds")
	}
	if c.MaxPayloadBytes <= 0 || c.MaxPayloadBytes > MaxPayloadBytes {
		return newErr(KindConfigRejected, "payload length out of bounds")
	}
	if c.MaxFingerprintBytes <= 0 || c.MaxFingerprintBytes > MaxFingerprintBytes {
		return newErr(KindConfigRejected, "fingerprint length out of bounds")
	}
	return nil
}

// Capsule is the ciphertext container for IHP metadata and its protected
// payload. Version, ServerProfileID and NetworkContext (with the server
// environment hash) are bound through the AAD; HeaderID is bound through
// the encrypted plaintext; ClientNonce is the AEAD nonce.
type Capsule struct {
	Version         uint8
	HeaderID        uint64
	ClientNonce     [NonceLen]byte
	ServerProfileID ServerProfileID
	NetworkContext  NetworkContext
	Payload         []byte
}

// Plaintext is the decrypted content carried inside a Capsule.
type Plaintext struct {
	PasswordMaterial PasswordMaterial
	Timestamp        Timestamp
	HeaderID         uint64
}

func buildAAD(version ProtocolVersion, profileID ServerProfileID, nc NetworkContext, envHash crypto.Hash) []byte {
	aad := make([]byte, 0, len(AADDomain)+1+8+1+2+crypto.Size)
	aad = append(aad, AADDomain...)
	aad = append(aad, byte(version))
	var idBuf [8]byte
	binary.LittleEndian.PutUint64(idBuf[:], uint64(profileID))
	aad = append(aad, idBuf[:]...)
	aad = append(aad, nc.RTTBucket)
	var pathBuf [2]byte
	binary.LittleEndian.PutUint16(pathBuf[:], nc.PathHint)
	aad = append(aad, pathBuf[:]...)
	aad = append(aad, envHash.Bytes()...)
	return aad
}

func encodePlaintext(pw PasswordMaterial, ts Timestamp, headerID uint64, maxPayloadBytes int) ([]byte, error) {
	if len(pw.b) > maxPayloadBytes {
		return nil, newErr(KindCodecError, "password material too large")
	}
	out := make([]byte, 0, 4+len(pw.b)+8+8)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(pw.b)))
	out = append(out, lenBuf[:]...)
	out = append(out, pw.b...)
	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], uint64(ts.v))
	out = append(out, tsBuf[:]...)
	var idBuf [8]byte
	binary.LittleEndian.PutUint64(idBuf[:], headerID)
	out = append(out, idBuf[:]...)
	return out, nil
}

func decodePlaintext(b []byte, maxPayloadBytes int) (Plaintext, error) {
	if len(b) < 4+8+8 {
		return Plaintext{}, newErr(KindCodecError, "buffer too short")
	}
	pwLen := int(binary.LittleEndian.Uint32(b[0:4]))
	expected := 4 + pwLen + 8 + 8
	if pwLen > maxPayloadBytes || len(b) != expected {
		return Plaintext{}, newErr(KindCodecError, "length mismatch")
	}
	pw, err := NewPasswordMaterial(b[4 : 4+pwLen])
	if err != nil {
		return Plaintext{}, err
	}
	tsOffset := 4 + pwLen
	ts, err := NewTimestamp(int64(binary.LittleEndian.Uint64(b[tsOffset : tsOffset+8])))
	if err != nil {
		return Plaintext{}, err
	}
	headerID := binary.LittleEndian.Uint64(b[tsOffset+8:])
	return Plaintext{PasswordMaterial: pw, Timestamp: ts, HeaderID: headerID}, nil
}

func selectAEAD(algorithm AeadAlgorithm, key SessionKey) (cipher.AEAD, error) {
	switch algorithm {
	case AeadAES256GCM:
		block, err := aes.NewCipher(key.expose())
		if err != nil {
			return nil, newErr(KindKeyDerivation, err.Error())
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, newErr(KindKeyDerivation, err.Error())
		}
		return aead, nil
	default:
		return nil, newErr(KindConfigRejected, fmt.Sprintf("unsupported aead algorithm %d", algorithm))
	}
}

// Encrypt seals passwordMaterial into a Capsule bound to version,
// serverProfileID, networkContext and serverEnvHash via the AAD, and to
// headerID via the plaintext layout.
func Encrypt(
	version ProtocolVersion,
	config Config,
	headerID uint64,
	clientNonce ClientNonce,
	serverProfileID ServerProfileID,
	networkContext NetworkContext,
	serverEnvHash crypto.Hash,
	sessionKey SessionKey,
	passwordMaterial PasswordMaterial,
	timestamp Timestamp,
) (Capsule, error) {
	if err := networkContext.Validate(); err != nil {
		return Capsule{}, err
	}
	if err := config.Validate(); err != nil {
		return Capsule{}, err
	}
	if !config.IsVersionAllowed(version) {
		return Capsule{}, newErr(KindInvalidVersion, fmt.Sprintf("version %d not in allow-set", version))
	}

	plaintext, err := encodePlaintext(passwordMaterial, timestamp, headerID, config.MaxPayloadBytes)
	if err != nil {
		return Capsule{}, err
	}

	aad := buildAAD(version, serverProfileID, networkContext, serverEnvHash)
	aead, err := selectAEAD(config.Algorithm, sessionKey)
	if err != nil {
		return Capsule{}, err
	}
	ciphertext := aead.Seal(nil, clientNonce[:], plaintext, aad)

	return Capsule{
		Version:         uint8(version),
		HeaderID:        headerID,
		ClientNonce:     [NonceLen]byte(clientNonce),
		ServerProfileID: serverProfileID,
		NetworkContext:  networkContext,
		Payload:         ciphertext,
	}, nil
}

// Decrypt opens a Capsule and validates every protocol invariant: version
// allow-set membership, network context shape, AEAD tag, header_id
// agreement (constant time), and timestamp drift.
func Decrypt(
	c Capsule,
	serverEnvHash crypto.Hash,
	sessionKey SessionKey,
	now Timestamp,
	config Config,
) (Plaintext, error) {
	if err := config.Validate(); err != nil {
		return Plaintext{}, err
	}
	version, ok := protocolVersionFromWire(c.Version)
	if !ok {
		return Plaintext{}, newErr(KindInvalidVersion, fmt.Sprintf("wire version %d unrecognized", c.Version))
	}
	if err := c.NetworkContext.Validate(); err != nil {
		return Plaintext{}, err
	}
	if !config.IsVersionAllowed(version) {
		return Plaintext{}, newErr(KindInvalidVersion, fmt.Sprintf("version %d not in allow-set", version))
	}

	aad := buildAAD(version, c.ServerProfileID, c.NetworkContext, serverEnvHash)
	aead, err := selectAEAD(config.Algorithm, sessionKey)
	if err != nil {
		return Plaintext{}, err
	}
	decrypted, err := aead.Open(nil, c.ClientNonce[:], c.Payload, aad)
	if err != nil {
		return Plaintext{}, newErr(KindInvalidAeadTag, "")
	}

	plaintext, err := decodePlaintext(decrypted, config.MaxPayloadBytes)
	if err != nil {
		return Plaintext{}, err
	}

	var gotID, wantID [8]byte
	binary.LittleEndian.PutUint64(gotID[:], plaintext.HeaderID)
	binary.LittleEndian.PutUint64(wantID[:], c.HeaderID)
	if subtle.ConstantTimeCompare(gotID[:], wantID[:]) != 1 {
		return Plaintext{}, newErr(KindHeaderIDMismatch, "")
	}

	drift := now.v - plaintext.Timestamp.v
	if drift < 0 {
		drift = -drift
	}
	if drift > config.MaxTimestampDrift.seconds {
		return Plaintext{}, newErr(KindStaleTimestamp, "")
	}

	return plaintext, nil
}
