package domain

import (
	"encoding/json"
	"fmt"
)

// EffectKind names a strategy-initiated external action.
type EffectKind string

// Effect kinds.
const (
	EffectClosePosition EffectKind = "close-position"
	EffectCollectFees   EffectKind = "collect-fees"
	EffectCancelOrder   EffectKind = "cancel-order"
)

// Valid reports whether k is a known effect kind.
func (k EffectKind) Valid() bool {
	switch k {
	case EffectClosePosition, EffectCollectFees, EffectCancelOrder:
		return true
	default:
		return false
	}
}

// Effect is an external action a strategy wants executed. Its result is
// reported back to the strategy as an effect-result event.
type Effect struct {
	ID         string
	StrategyID string
	Kind       EffectKind
	OrderKey   string
	Payload    json.RawMessage
}

// Validate checks the effect is well formed.
func (e *Effect) Validate() error {
	if e.ID == "" || e.StrategyID == "" {
		return fmt.Errorf("%w: effect missing id or strategy id", ErrValidation)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown effect kind %q", ErrValidation, e.Kind)
	}
	return nil
}
