package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// StrategyType selects which logic implementation handles a strategy's
// events. The set is closed; adding a type means adding code.
type StrategyType string

// Strategy types.
const (
	StrategyRangeExit  StrategyType = "range-exit"
	StrategyFeeHarvest StrategyType = "fee-harvest"
	StrategySimulated  StrategyType = "simulated"
)

// Valid reports whether t is a known strategy type.
func (t StrategyType) Valid() bool {
	switch t {
	case StrategyRangeExit, StrategyFeeHarvest, StrategySimulated:
		return true
	default:
		return false
	}
}

// Authorization is the operator grant a strategy acts under. Effects are
// refused once the grant expires or when the wallet does not match.
type Authorization struct {
	Wallet    string    `json:"wallet"`
	Scope     string    `json:"scope"`
	ExpiresAt time.Time `json:"expires_at"`
	Signature string    `json:"signature"`
}

// Expired reports whether the grant has lapsed at t.
func (a *Authorization) Expired(t time.Time) bool {
	return !a.ExpiresAt.IsZero() && t.After(a.ExpiresAt)
}

// StrategyRecord is the persisted form of one strategy instance. Config is
// the immutable creation-time configuration; Local is the logic's private
// state, opaque to everything but the owning logic type's codec.
type StrategyRecord struct {
	StrategyID    string
	Type          StrategyType
	Config        json.RawMessage
	Local         json.RawMessage
	Authorization Authorization
	Wallet        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Validate checks identity and type.
func (r *StrategyRecord) Validate() error {
	if r.StrategyID == "" {
		return fmt.Errorf("%w: strategy record missing id", ErrValidation)
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown strategy type %q", ErrValidation, r.Type)
	}
	return nil
}
