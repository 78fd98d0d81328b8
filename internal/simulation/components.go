package simulation

import "fmt"

// PositionComponent values a concentrated-liquidity position across the
// price path. It declares no triggers; PnL simply tracks the price.
type PositionComponent struct {
	Params PositionParams
}

type positionState struct{}

// Name implements Component.
func (c *PositionComponent) Name() string { return "position" }

// InitialState implements Component.
func (c *PositionComponent) InitialState() State { return positionState{} }

// Triggers implements Component.
func (c *PositionComponent) Triggers(State) []Trigger { return nil }

// Simulate implements Component.
func (c *PositionComponent) Simulate(step Step, state State) (StepResult, State, error) {
	if _, ok := state.(positionState); !ok {
		return StepResult{}, nil, fmt.Errorf("position: unexpected state %T", state)
	}
	curve := make([]float64, len(step.Axis))
	for i, p := range step.Axis {
		curve[i] = c.Params.PnL(p)
	}
	return StepResult{PnL: c.Params.PnL(step.Price), Curve: curve}, state, nil
}

// guardState tracks whether a protective trigger has fired and the price
// it locked in.
type guardState struct {
	Triggered   bool
	LockedPrice float64
}

// StopLossComponent freezes the aggregate once price crosses below its
// trigger: after firing it contributes the offsetting PnL between the
// locked exit price and the current price, so position plus stop-loss
// sums to the exit value.
type StopLossComponent struct {
	Position     PositionParams
	TriggerPrice float64
}

// Name implements Component.
func (c *StopLossComponent) Name() string { return "stop-loss" }

// InitialState implements Component.
func (c *StopLossComponent) InitialState() State { return guardState{} }

// Triggers implements Component.
func (c *StopLossComponent) Triggers(state State) []Trigger {
	if s, ok := state.(guardState); ok && s.Triggered {
		return nil
	}
	return []Trigger{{Price: c.TriggerPrice, Direction: DirectionBelow}}
}

// Simulate implements Component.
func (c *StopLossComponent) Simulate(step Step, state State) (StepResult, State, error) {
	s, ok := state.(guardState)
	if !ok {
		return StepResult{}, nil, fmt.Errorf("stop-loss: unexpected state %T", state)
	}
	return simulateGuard(c.Position, c.TriggerPrice, step, s)
}

// TakeProfitComponent freezes the aggregate once price crosses above its
// trigger, locking in the gain the same way StopLossComponent locks in
// the loss.
type TakeProfitComponent struct {
	Position     PositionParams
	TriggerPrice float64
}

// Name implements Component.
func (c *TakeProfitComponent) Name() string { return "take-profit" }

// InitialState implements Component.
func (c *TakeProfitComponent) InitialState() State { return guardState{} }

// Triggers implements Component.
func (c *TakeProfitComponent) Triggers(state State) []Trigger {
	if s, ok := state.(guardState); ok && s.Triggered {
		return nil
	}
	return []Trigger{{Price: c.TriggerPrice, Direction: DirectionAbove}}
}

// Simulate implements Component.
func (c *TakeProfitComponent) Simulate(step Step, state State) (StepResult, State, error) {
	s, ok := state.(guardState)
	if !ok {
		return StepResult{}, nil, fmt.Errorf("take-profit: unexpected state %T", state)
	}
	return simulateGuard(c.Position, c.TriggerPrice, step, s)
}

// simulateGuard implements the shared freeze behavior of protective
// components. Before the trigger fires it contributes nothing; after, it
// offsets the position's movement away from the locked price.
func simulateGuard(pos PositionParams, triggerPrice float64, step Step, s guardState) (StepResult, State, error) {
	if !s.Triggered && len(step.Crossed) > 0 {
		s.Triggered = true
		s.LockedPrice = triggerPrice
	}

	curve := make([]float64, len(step.Axis))
	if !s.Triggered {
		return StepResult{Curve: curve}, s, nil
	}

	locked := pos.Value(s.LockedPrice)
	for i, p := range step.Axis {
		curve[i] = locked - pos.Value(p)
	}
	return StepResult{PnL: locked - pos.Value(step.Price), Curve: curve}, s, nil
}
