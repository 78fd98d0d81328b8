package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"lpguard/internal/domain"
)

// Logic is one strategy type's event handler. Config and local state
// cross the runtime boundary as opaque serialized blobs; each logic owns
// the codec for its own types, so no untyped values leak through.
type Logic interface {
	// Type names the strategy type this logic serves.
	Type() domain.StrategyType

	// InitialState builds the serialized local state for a freshly
	// created strategy from its config.
	InitialState(config json.RawMessage) (json.RawMessage, error)

	// Handle processes one event against the current config and local
	// state and returns the successor state plus any effects to execute.
	Handle(ctx context.Context, in HandleInput) (*HandleOutput, error)
}

// HandleInput is the per-event input to a Logic.
type HandleInput struct {
	StrategyID string
	Config     json.RawMessage
	Local      json.RawMessage
	Event      *domain.StrategyEvent
}

// HandleOutput is the result of handling one event.
type HandleOutput struct {
	// Local is the successor local state. Nil means unchanged.
	Local json.RawMessage

	// Effects are external actions to execute after the state persists.
	Effects []domain.Effect
}

// Registry maps strategy types to their logic. The set is closed at
// startup; dispatch on an unregistered type is a validation error.
type Registry struct {
	logics map[domain.StrategyType]Logic
}

// NewRegistry creates a registry over the given logics.
func NewRegistry(logics ...Logic) (*Registry, error) {
	r := &Registry{logics: make(map[domain.StrategyType]Logic, len(logics))}
	for _, l := range logics {
		t := l.Type()
		if !t.Valid() {
			return nil, fmt.Errorf("%w: logic has unknown type %q", domain.ErrValidation, t)
		}
		if _, dup := r.logics[t]; dup {
			return nil, fmt.Errorf("%w: duplicate logic for type %q", domain.ErrValidation, t)
		}
		r.logics[t] = l
	}
	return r, nil
}

// Lookup resolves the logic for a strategy type.
func (r *Registry) Lookup(t domain.StrategyType) (Logic, error) {
	l, ok := r.logics[t]
	if !ok {
		return nil, fmt.Errorf("%w: no logic registered for strategy type %q", domain.ErrValidation, t)
	}
	return l, nil
}
