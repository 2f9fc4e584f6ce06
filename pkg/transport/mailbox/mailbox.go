// Package mailbox implements the Mailbox Transport adapter: a bounded
// ring of fixed-size slots wrapping an AppendLog, with an optional
// Redis-backed counter so several mailbox replicas can share one
// distributed backpressure budget.
package mailbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/ealedger/pkg/envelope"
	"github.com/Mindburn-Labs/ealedger/pkg/ledger"
	"github.com/Mindburn-Labs/ealedger/pkg/merkle"
	"github.com/Mindburn-Labs/ealedger/pkg/transport"
)

// SlotCounter claims and releases ring slots. InMemoryCounter is the
// default; RedisCounter (counter_redis.go) shares the budget across
// replicas.
type SlotCounter interface {
	// TryClaim attempts to reserve one slot, returning false if the ring
	// is already at capacity.
	TryClaim(ctx context.Context) (bool, error)
	// Release returns a previously claimed slot to the ring.
	Release(ctx context.Context) error
}

// InMemoryCounter is a process-local SlotCounter backed by a buffered
// channel used purely as a semaphore.
type InMemoryCounter struct {
	sem chan struct{}
}

// NewInMemoryCounter builds a counter with ringSize slots.
func NewInMemoryCounter(ringSize int) *InMemoryCounter {
	return &InMemoryCounter{sem: make(chan struct{}, ringSize)}
}

func (c *InMemoryCounter) TryClaim(ctx context.Context) (bool, error) {
	select {
	case c.sem <- struct{}{}:
		return true, nil
	default:
		return false, nil
	}
}

func (c *InMemoryCounter) Release(ctx context.Context) error {
	select {
	case <-c.sem:
	default:
	}
	return nil
}

// ErrSlotTooLarge is returned when an envelope's encoded size exceeds
// SlotBytes.
var ErrSlotTooLarge = fmt.Errorf("mailbox: envelope exceeds slot size")

// ErrRingFull is returned when every slot is claimed.
var ErrRingFull = fmt.Errorf("mailbox: ring is full")

// Mailbox is the bounded-ring Transport: every Append claims a slot
// before delegating to the wrapped AppendLog and releases it once the
// append (successful or not) completes.
type Mailbox struct {
	log       ledger.AppendLog
	slotBytes int
	counter   SlotCounter
	encode    func(envelope.Envelope) ([]byte, error)
}

// New constructs a Mailbox over log with the given slot size and ring
// capacity. counter may be nil, in which case an InMemoryCounter sized
// to ringSize is used.
func New(log ledger.AppendLog, slotBytes, ringSize int, counter SlotCounter, handshake *transport.AttestationHandshake) (*Mailbox, error) {
	if handshake != nil {
		if err := transport.VerifyHandshake(*handshake); err != nil {
			return nil, fmt.Errorf("mailbox: %w", err)
		}
	}
	if counter == nil {
		counter = NewInMemoryCounter(ringSize)
	}
	return &Mailbox{
		log:       log,
		slotBytes: slotBytes,
		counter:   counter,
		encode:    defaultEncode,
	}, nil
}

func defaultEncode(env envelope.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Append claims a slot, delegating to the wrapped log only if the
// envelope fits and a slot is available.
func (m *Mailbox) Append(ctx context.Context, env envelope.Envelope) (int, merkle.Receipt, error) {
	encoded, err := m.encode(env)
	if err != nil {
		return 0, merkle.Receipt{}, fmt.Errorf("mailbox: encode envelope: %w", err)
	}
	if len(encoded) > m.slotBytes {
		return 0, merkle.Receipt{}, ErrSlotTooLarge
	}

	claimed, err := m.counter.TryClaim(ctx)
	if err != nil {
		return 0, merkle.Receipt{}, fmt.Errorf("mailbox: claim slot: %w", err)
	}
	if !claimed {
		return 0, merkle.Receipt{}, ErrRingFull
	}
	defer func() { _ = m.counter.Release(ctx) }()

	return m.log.Append(ctx, env)
}

func (m *Mailbox) Read(ctx context.Context, offset, limit int) ([]envelope.Envelope, error) {
	return m.log.Read(ctx, offset, limit)
}

func (m *Mailbox) Subscribe(queueDepth int) (*ledger.Subscription, error) {
	return m.log.Subscribe(queueDepth)
}

var _ transport.Transport = (*Mailbox)(nil)
