package capsule

import "fmt"

// TelemetryCode is a reason code safe to attach to metrics and logs: it
// never carries the secret context behind an error, only a stable label.
type TelemetryCode string

const (
	TelemetryAeadTagInvalid     TelemetryCode = "aead_tag_invalid"
	TelemetryTimestampStale     TelemetryCode = "timestamp_stale"
	TelemetryHeaderIDMismatch   TelemetryCode = "header_id_mismatch"
	TelemetryVersionUnsupported TelemetryCode = "version_unsupported"
	TelemetryKeyLength          TelemetryCode = "key_length"
	TelemetryConfigRejected     TelemetryCode = "config_rejected"
	TelemetryCodecError         TelemetryCode = "codec_error"
	TelemetryNonceReuse         TelemetryCode = "nonce_reuse"
	TelemetryNonceCollision     TelemetryCode = "nonce_collision"
)

// Kind enumerates the capsule error taxonomy. Every Error carries exactly
// one Kind, and Kind alone determines ToTelemetry's output — the detail
// string is for operators reading logs, never for branching logic.
type Kind int

const (
	KindInvalidAeadTag Kind = iota
	KindStaleTimestamp
	KindHeaderIDMismatch
	KindInvalidVersion
	KindKeyLength
	KindConfigRejected
	KindCodecError
	KindNonceReuse
	KindNonceCollision
	KindKeyDerivation
	KindInvalidNonceLength
	KindInvalidTimestamp
)

// Error is the sole error type surfaced by this package. Its Error()
// string never includes secret material; callers that want a safe label
// for metrics should use ToTelemetry() instead of inspecting Detail.
type Error struct {
	Kind   Kind
	Detail string
}

func (e *Error) Error() string {
	msg := kindMessages[e.Kind]
	if e.Detail == "" {
		return fmt.Sprintf("capsule: %s", msg)
	}
	return fmt.Sprintf("capsule: %s: %s", msg, e.Detail)
}

var kindMessages = map[Kind]string{
	KindInvalidAeadTag:     "AEAD authentication failed",
	KindStaleTimestamp:     "capsule timestamp outside allowed drift",
	KindHeaderIDMismatch:   "plaintext header_id mismatch",
	KindInvalidVersion:     "capsule version not supported",
	KindKeyLength:          "invalid key length",
	KindConfigRejected:     "configuration rejected",
	KindCodecError:         "encoding or decoding failure",
	KindNonceReuse:         "nonce reuse detected",
	KindNonceCollision:     "nonce collision detected",
	KindKeyDerivation:      "hkdf expansion failed",
	KindInvalidNonceLength: "nonce length mismatch",
	KindInvalidTimestamp:   "timestamp out of range",
}

// ToTelemetry maps an error to a stable reason code, never leaking Detail.
func (e *Error) ToTelemetry() TelemetryCode {
	switch e.Kind {
	case KindInvalidAeadTag:
		return TelemetryAeadTagInvalid
	case KindStaleTimestamp:
		return TelemetryTimestampStale
	case KindHeaderIDMismatch:
		return TelemetryHeaderIDMismatch
	case KindInvalidVersion:
		return TelemetryVersionUnsupported
	case KindKeyLength, KindKeyDerivation:
		return TelemetryKeyLength
	case KindConfigRejected:
		return TelemetryConfigRejected
	case KindCodecError:
		return TelemetryCodecError
	case KindNonceReuse:
		return TelemetryNonceReuse
	case KindNonceCollision:
		return TelemetryNonceCollision
	case KindInvalidNonceLength, KindInvalidTimestamp:
		return TelemetryConfigRejected
	default:
		return TelemetryConfigRejected
	}
}

func newErr(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}
