// Package ledger implements the AppendLog contract: hash-chained,
// replay-validated, Merkle-checkpointed append, with a bounded
// broadcast bus that refuses to silently drop subscribers.
package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/ealedger/pkg/crypto"
	"github.com/Mindburn-Labs/ealedger/pkg/envelope"
	"github.com/Mindburn-Labs/ealedger/pkg/merkle"
	"github.com/Mindburn-Labs/ealedger/pkg/registry"
	"github.com/Mindburn-Labs/ealedger/pkg/replay"
)

// ErrBackpressure is returned when appending would overflow a
// subscriber's bounded queue. It is a load-shedding signal: the append
// is rejected in full, nothing is committed.
var ErrBackpressure = fmt.Errorf("ledger: backpressure")

// AppendLog is the uniform contract shared by the in-memory and
// WAL-backed implementations, and by every transport that wraps one.
type AppendLog interface {
	Append(ctx context.Context, env envelope.Envelope) (index int, receipt merkle.Receipt, err error)
	Read(ctx context.Context, offset, limit int) ([]envelope.Envelope, error)
	ReceiptFor(index int) (merkle.Receipt, bool)
	Subscribe(queueDepth int) (*Subscription, error)
	Len() int
	Root() crypto.Hash
}

// Subscription is a bounded, per-subscriber view of append order. Late
// subscribers receive no backfill; they must Read to catch up first.
type Subscription struct {
	ch     chan envelope.Envelope
	closed chan struct{}
	once   sync.Once
}

// Envelopes returns the channel of newly appended envelopes.
func (s *Subscription) Envelopes() <-chan envelope.Envelope { return s.ch }

// Close releases the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { close(s.closed) })
}

func (s *Subscription) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// InMemoryLog is the in-process AppendLog implementation: every
// operation is synchronous and protected by a single reader/writer lock,
// matching the concurrency model's "no operation yields while holding
// the writer lease" requirement.
type InMemoryLog struct {
	mu       sync.RWMutex
	registry *registry.Registry
	envs     []envelope.Envelope
	leaves   []crypto.Hash
	states   map[string]replay.ChannelState
	subs     []*Subscription
}

// NewInMemoryLog constructs an empty log bound to reg.
func NewInMemoryLog(reg *registry.Registry) *InMemoryLog {
	return &InMemoryLog{
		registry: reg,
		states:   make(map[string]replay.ChannelState),
	}
}

// Append validates env against the channel's current state, and only if
// every subscriber has room does it commit the entry and broadcast it.
func (l *InMemoryLog) Append(ctx context.Context, env envelope.Envelope) (int, merkle.Receipt, error) {
	select {
	case <-ctx.Done():
		return 0, merkle.Receipt{}, ctx.Err()
	default:
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.states[env.Header.Channel]
	newState, err := replay.ValidateEnvelope(env, l.registry, prev)
	if err != nil {
		return 0, merkle.Receipt{}, err
	}

	l.subs = LiveSubs(l.subs)
	if !HasRoom(l.subs) {
		return 0, merkle.Receipt{}, ErrBackpressure
	}

	index := len(l.envs)
	l.envs = append(l.envs, env)
	l.leaves = append(l.leaves, newState.LastHash)
	l.states[env.Header.Channel] = newState

	receipt, ok := merkle.ReceiptFor(l.leaves, index)
	if !ok {
		return 0, merkle.Receipt{}, fmt.Errorf("ledger: failed to compute receipt for index %d", index)
	}

	Broadcast(l.subs, env)

	return index, receipt, nil
}

// Read returns an ordered slice [offset, offset+limit). A cancelled
// context returns whatever slice has been computed so far, which for
// this synchronous implementation is the full requested slice or empty.
func (l *InMemoryLog) Read(ctx context.Context, offset, limit int) ([]envelope.Envelope, error) {
	select {
	case <-ctx.Done():
		return nil, nil
	default:
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if offset < 0 || offset > len(l.envs) {
		return nil, fmt.Errorf("ledger: offset %d out of range [0,%d]", offset, len(l.envs))
	}
	end := offset + limit
	if limit < 0 || end > len(l.envs) {
		end = len(l.envs)
	}
	out := make([]envelope.Envelope, end-offset)
	copy(out, l.envs[offset:end])
	return out, nil
}

// ReceiptFor recomputes the inclusion path for index over the current
// leaf set.
func (l *InMemoryLog) ReceiptFor(index int) (merkle.Receipt, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return merkle.ReceiptFor(l.leaves, index)
}

// NewSubscription constructs a bounded subscription with the given queue
// depth. Exported so other AppendLog implementations (e.g. the WAL-backed
// store) can reuse the same bus primitive.
func NewSubscription(queueDepth int) (*Subscription, error) {
	if queueDepth < 1 {
		return nil, fmt.Errorf("ledger: queueDepth must be >= 1")
	}
	return &Subscription{
		ch:     make(chan envelope.Envelope, queueDepth),
		closed: make(chan struct{}),
	}, nil
}

// Subscribe registers a new bounded subscriber. queueDepth must be >= 1.
func (l *InMemoryLog) Subscribe(queueDepth int) (*Subscription, error) {
	sub, err := NewSubscription(queueDepth)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs = append(l.subs, sub)
	return sub, nil
}

// Broadcast delivers env to every live subscriber in subs, assuming
// capacity has already been verified by HasRoom. Exported as a helper for
// other AppendLog implementations that share this bus primitive.
func Broadcast(subs []*Subscription, env envelope.Envelope) {
	for _, s := range subs {
		if !s.isClosed() {
			s.ch <- env
		}
	}
}

// HasRoom reports whether every live subscriber in subs has queue
// capacity for one more entry.
func HasRoom(subs []*Subscription) bool {
	for _, s := range subs {
		if !s.isClosed() && len(s.ch) == cap(s.ch) {
			return false
		}
	}
	return true
}

// LiveSubs returns the subset of subs that have not been closed,
// compacting the backing slice in place.
func LiveSubs(subs []*Subscription) []*Subscription {
	live := subs[:0]
	for _, s := range subs {
		if !s.isClosed() {
			live = append(live, s)
		}
	}
	return live
}

// Len returns the current committed length.
func (l *InMemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.envs)
}

// Root returns the current Merkle root.
func (l *InMemoryLog) Root() crypto.Hash {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return merkle.Root(l.leaves)
}

var _ AppendLog = (*InMemoryLog)(nil)
