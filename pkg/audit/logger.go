// Package audit is the ambient structured-log surface for operational
// detail. In this repository only cmd/ledgerd writes through it (one boot
// event); appends, transport handshakes and lifecycle transitions do not
// log here. It is separate from the cryptographic ledger itself
// (pkg/ledger and pkg/events already
// provide a signed, replayable audit trail; this package is for ordinary
// operational logging, not for anything a signature is meant to cover).
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes an operational log line.
type EventType string

const (
	EventAccess    EventType = "ACCESS"
	EventMutation  EventType = "MUTATION"
	EventSystem    EventType = "SYSTEM"
	EventPolicy    EventType = "POLICY"
	EventHandshake EventType = "HANDSHAKE"
)

// actorKey is the context key an embedding process can set to identify
// the actor a Record call should attribute to, in place of the teacher's
// auth.Principal — this repository has no request-scoped principal of
// its own, so callers that want attribution set one explicitly.
type actorKey struct{}

// WithActor returns a context Record will attribute subsequent calls to,
// instead of the default "system" actor.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

func actorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return "system"
}

// Event is a structured operational log record.
type Event struct {
	ID        string                 `json:"id"`
	ActorID   string                 `json:"actor_id"`
	Type      EventType              `json:"type"`
	Action    string                 `json:"action"`
	Resource  string                 `json:"resource"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Logger records operational events as newline-delimited JSON.
type Logger interface {
	Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]interface{}) error
}

type logger struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to w, for tests and
// custom sinks.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &logger{writer: w}
}

func (l *logger) Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]interface{}) error {
	event := Event{
		ID:        uuid.New().String(),
		ActorID:   actorFromContext(ctx),
		Type:      eventType,
		Action:    action,
		Resource:  resource,
		Timestamp: time.Now(),
		Metadata:  metadata,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(body, '\n')...))
	return err
}
