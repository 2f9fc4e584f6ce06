package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/ealedger/pkg/events"
)

// KindLifecycleUpdate and KindLifecycleError name the two event kinds a
// transition can produce on the lifecycle channel.
const (
	KindLifecycleUpdate events.Kind = "LifecycleUpdate"
	KindLifecycleError  events.Kind = "LifecycleError"
)

// Apply runs cmd through mgr and emits the correlated follow-up event via
// orch: a LifecycleUpdate on success, a LifecycleError on rejection — with
// one exception, matching the invocation admission rule: a successful
// InvocationRequest produces no envelope at all (silent pass-through).
// source is the event whose id correlates as parent on the follow-up.
func Apply(ctx context.Context, mgr *Manager, orch *events.Orchestrator, source events.LedgerEvent, cmd Command) (*Record, error) {
	rec, rejection := mgr.Handle(ctx, cmd)
	if rejection != nil {
		payload, err := json.Marshal(rejection)
		if err != nil {
			return nil, fmt.Errorf("lifecycle: marshal rejection: %w", err)
		}
		if _, _, _, emitErr := orch.Emit(ctx, KindLifecycleError, "", "", source.ID, payload); emitErr != nil {
			return nil, fmt.Errorf("lifecycle: emit rejection event: %w", emitErr)
		}
		return nil, rejection
	}

	if cmd.Kind == CommandInvocationRequest {
		return rec, nil
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: marshal record: %w", err)
	}
	if _, _, _, emitErr := orch.Emit(ctx, KindLifecycleUpdate, "", "", source.ID, payload); emitErr != nil {
		return nil, fmt.Errorf("lifecycle: emit update event: %w", emitErr)
	}
	return rec, nil
}
