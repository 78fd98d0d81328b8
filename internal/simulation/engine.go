// Package simulation projects aggregate PnL across a price axis for a
// set of independent components sharing one axis. Components declare
// price triggers; the engine detects crossings between consecutive
// prices and feeds them into each component's step.
package simulation

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Engine errors.
var (
	// ErrAxisMismatch is returned when a component produces a curve whose
	// length differs from the shared price axis.
	ErrAxisMismatch = errors.New("component curve does not match price axis")
)

// Direction is the side from which a trigger must be crossed.
type Direction string

// Trigger directions.
const (
	DirectionAbove Direction = "above"
	DirectionBelow Direction = "below"
)

// Trigger is a price threshold a component wants crossing notifications for.
type Trigger struct {
	Price     float64
	Direction Direction
}

// Crossed reports whether moving from prev to cur crossed the trigger.
// The inequality is strict on both sides: touching the threshold without
// passing it does not fire.
func (t Trigger) Crossed(prev, cur float64) bool {
	switch t.Direction {
	case DirectionBelow:
		return prev > t.Price && cur < t.Price
	case DirectionAbove:
		return prev < t.Price && cur > t.Price
	default:
		return false
	}
}

// Step is one evaluation point handed to a component.
type Step struct {
	Index int
	Price float64

	// Crossed lists this component's triggers crossed between the
	// previous price and Price. Empty on the first step.
	Crossed []Trigger

	// Axis is the shared price axis curves are evaluated over.
	Axis []float64
}

// StepResult is a component's output for one step. Curve must have one
// value per axis point.
type StepResult struct {
	PnL   float64
	Curve []float64
}

// State is a component's opaque per-run state. The engine threads it
// through steps without inspecting it; each component type asserts its
// own concrete type.
type State any

// Component is one independently simulated element of a scenario.
type Component interface {
	// Name identifies the component in results and logs.
	Name() string

	// InitialState creates the state threaded through the run.
	InitialState() State

	// Triggers lists the price thresholds to watch given current state.
	Triggers(state State) []Trigger

	// Simulate evaluates one step and returns the successor state.
	Simulate(step Step, state State) (StepResult, State, error)
}

// StepOutcome is the aggregate result of one engine step.
type StepOutcome struct {
	Price float64

	// PnL is the sum of all components' PnL at this step.
	PnL float64

	// Curve sums the components' curve values per axis index.
	Curve []float64
}

// RunResult is the outcome of stepping through a full price path.
type RunResult struct {
	Axis  []float64
	Steps []StepOutcome

	// States holds each component's final state, indexed like the
	// engine's component list.
	States []State
}

// Engine composes components over a shared price axis.
type Engine struct {
	components []Component
	axis       []float64
	logger     *zap.Logger
}

// Options configures an Engine.
type Options struct {
	Components []Component

	// Axis is the shared price axis curves are evaluated over.
	Axis []float64

	Logger *zap.Logger
}

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	if len(opts.Components) == 0 {
		return nil, errors.New("simulation: at least one component is required")
	}
	if len(opts.Axis) == 0 {
		return nil, errors.New("simulation: price axis is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{
		components: opts.Components,
		axis:       opts.Axis,
		logger:     opts.Logger,
	}, nil
}

// Run steps through the price path. At each price it determines, per
// component, which of that component's triggers were crossed since the
// previous price, invokes the component, and aggregates PnL and curves.
// Components never observe each other's state.
func (e *Engine) Run(prices []float64) (*RunResult, error) {
	if len(prices) == 0 {
		return nil, errors.New("simulation: price path is empty")
	}

	states := make([]State, len(e.components))
	for i, c := range e.components {
		states[i] = c.InitialState()
	}

	result := &RunResult{
		Axis:  e.axis,
		Steps: make([]StepOutcome, 0, len(prices)),
	}

	for i, price := range prices {
		outcome := StepOutcome{
			Price: price,
			Curve: make([]float64, len(e.axis)),
		}

		for ci, c := range e.components {
			var crossed []Trigger
			if i > 0 {
				prev := prices[i-1]
				for _, trig := range c.Triggers(states[ci]) {
					if trig.Crossed(prev, price) {
						crossed = append(crossed, trig)
					}
				}
			}

			step := Step{Index: i, Price: price, Crossed: crossed, Axis: e.axis}
			stepResult, next, err := c.Simulate(step, states[ci])
			if err != nil {
				return nil, fmt.Errorf("simulation: component %s at step %d: %w", c.Name(), i, err)
			}
			if len(stepResult.Curve) != len(e.axis) {
				return nil, fmt.Errorf("%w: component %s produced %d points, axis has %d",
					ErrAxisMismatch, c.Name(), len(stepResult.Curve), len(e.axis))
			}

			states[ci] = next
			outcome.PnL += stepResult.PnL
			for ai, v := range stepResult.Curve {
				outcome.Curve[ai] += v
			}

			if len(crossed) > 0 {
				e.logger.Debug("trigger crossed",
					zap.String("component", c.Name()),
					zap.Int("step", i),
					zap.Float64("price", price))
			}
		}

		result.Steps = append(result.Steps, outcome)
	}

	result.States = states
	return result, nil
}

// PriceAxis builds a uniform axis of numPoints prices over [low, high].
func PriceAxis(low, high float64, numPoints int) []float64 {
	if numPoints < 2 {
		return []float64{low}
	}
	axis := make([]float64, numPoints)
	step := (high - low) / float64(numPoints-1)
	for i := range axis {
		axis[i] = low + float64(i)*step
	}
	return axis
}
