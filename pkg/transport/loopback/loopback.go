// Package loopback implements the in-process Transport adapter: a thin,
// thread-safe wrapper over an AppendLog with an optional attestation
// handshake verified once at construction time.
package loopback

import (
	"fmt"

	"github.com/Mindburn-Labs/ealedger/pkg/ledger"
	"github.com/Mindburn-Labs/ealedger/pkg/transport"
)

// Loopback is the simplest Transport: every call is a direct, unbuffered
// pass-through to the wrapped AppendLog, which is itself already
// safe for concurrent use.
type Loopback struct {
	transport.LogTransport
}

// New constructs a Loopback transport over log. If handshake is
// non-nil, it is verified immediately; construction fails if it does
// not satisfy VerifyHandshake, matching the "construction enforces its
// handshake before any data flows" rule shared by every adapter.
func New(log ledger.AppendLog, handshake *transport.AttestationHandshake) (*Loopback, error) {
	if handshake != nil {
		if err := transport.VerifyHandshake(*handshake); err != nil {
			return nil, fmt.Errorf("loopback: %w", err)
		}
	}
	return &Loopback{LogTransport: transport.LogTransport{Log: log}}, nil
}

var _ transport.Transport = (*Loopback)(nil)
