package simulation

import (
	"errors"
	"math"
	"testing"

	"go.uber.org/zap"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestTriggerCrossing(t *testing.T) {
	below := Trigger{Price: 900, Direction: DirectionBelow}
	above := Trigger{Price: 1100, Direction: DirectionAbove}

	tests := []struct {
		name    string
		trigger Trigger
		prev    float64
		cur     float64
		want    bool
	}{
		{"below touch does not fire", below, 950, 900, false},
		{"below cross fires", below, 950, 899, true},
		{"below from threshold does not fire", below, 900, 899, false},
		{"below no movement", below, 950, 950, false},
		{"above touch does not fire", above, 1050, 1100, false},
		{"above cross fires", above, 1050, 1101, true},
		{"above wrong direction", above, 1150, 1050, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.trigger.Crossed(tt.prev, tt.cur); got != tt.want {
				t.Fatalf("Crossed(%v, %v) = %v, want %v", tt.prev, tt.cur, got, tt.want)
			}
		})
	}
}

func testPosition() PositionParams {
	return PositionParams{
		Liquidity:  1000,
		PriceLower: 800,
		PriceUpper: 1200,
		EntryPrice: 1000,
	}
}

func TestPositionValueMonotonic(t *testing.T) {
	pos := testPosition()
	prev := pos.Value(800)
	for p := 810.0; p <= 1200; p += 10 {
		v := pos.Value(p)
		if v <= prev {
			t.Fatalf("value not increasing at %v: %v <= %v", p, v, prev)
		}
		prev = v
	}
}

func TestPositionValueClampsOutsideRange(t *testing.T) {
	pos := testPosition()
	if !almostEqual(pos.Value(700), pos.Value(800)) {
		t.Fatal("value below range must clamp to lower bound")
	}
	if !almostEqual(pos.Value(1300), pos.Value(1200)) {
		t.Fatal("value above range must clamp to upper bound")
	}
}

func TestPositionPnLZeroAtEntry(t *testing.T) {
	pos := testPosition()
	if got := pos.PnL(pos.EntryPrice); !almostEqual(got, 0) {
		t.Fatalf("pnl at entry = %v, want 0", got)
	}
}

func newEngine(t *testing.T, components ...Component) *Engine {
	t.Helper()
	e, err := New(Options{
		Components: components,
		Axis:       PriceAxis(800, 1200, 41),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestStopLossDoesNotFireOnTouch(t *testing.T) {
	pos := testPosition()
	e := newEngine(t,
		&PositionComponent{Params: pos},
		&StopLossComponent{Position: pos, TriggerPrice: 900},
	)

	result, err := e.Run([]float64{950, 900})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	final := result.States[1].(guardState)
	if final.Triggered {
		t.Fatal("touching the trigger price must not fire the stop loss")
	}
}

func TestStopLossFiresOnCross(t *testing.T) {
	pos := testPosition()
	e := newEngine(t,
		&PositionComponent{Params: pos},
		&StopLossComponent{Position: pos, TriggerPrice: 900},
	)

	result, err := e.Run([]float64{950, 899, 850})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	final := result.States[1].(guardState)
	if !final.Triggered {
		t.Fatal("crossing below the trigger must fire the stop loss")
	}

	// After the stop fires, aggregate PnL freezes at the exit value even
	// as price keeps falling.
	exitPnL := pos.Value(900) - pos.Value(pos.EntryPrice)
	for _, step := range result.Steps[1:] {
		if !almostEqual(step.PnL, exitPnL) {
			t.Fatalf("aggregate pnl at price %v = %v, want frozen %v", step.Price, step.PnL, exitPnL)
		}
	}
}

func TestTakeProfitLocksGain(t *testing.T) {
	pos := testPosition()
	e := newEngine(t,
		&PositionComponent{Params: pos},
		&TakeProfitComponent{Position: pos, TriggerPrice: 1100},
	)

	result, err := e.Run([]float64{1000, 1101, 1150, 1050})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	lockedPnL := pos.Value(1100) - pos.Value(pos.EntryPrice)
	last := result.Steps[len(result.Steps)-1]
	if !almostEqual(last.PnL, lockedPnL) {
		t.Fatalf("pnl after take-profit = %v, want locked %v", last.PnL, lockedPnL)
	}
	if lockedPnL <= 0 {
		t.Fatalf("locked pnl = %v, want positive gain", lockedPnL)
	}
}

func TestAggregationSumsComponents(t *testing.T) {
	pos := testPosition()
	e := newEngine(t, &PositionComponent{Params: pos}, &PositionComponent{Params: pos})

	result, err := e.Run([]float64{1050})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	single := pos.PnL(1050)
	if !almostEqual(result.Steps[0].PnL, 2*single) {
		t.Fatalf("aggregate pnl = %v, want %v", result.Steps[0].PnL, 2*single)
	}
	for i, p := range result.Axis {
		want := 2 * pos.PnL(p)
		if !almostEqual(result.Steps[0].Curve[i], want) {
			t.Fatalf("curve[%d] = %v, want %v", i, result.Steps[0].Curve[i], want)
		}
	}
}

// shortCurveComponent returns a curve shorter than the axis.
type shortCurveComponent struct{}

func (shortCurveComponent) Name() string             { return "short-curve" }
func (shortCurveComponent) InitialState() State      { return struct{}{} }
func (shortCurveComponent) Triggers(State) []Trigger { return nil }
func (shortCurveComponent) Simulate(Step, State) (StepResult, State, error) {
	return StepResult{Curve: []float64{1, 2}}, struct{}{}, nil
}

func TestAxisMismatchIsError(t *testing.T) {
	e := newEngine(t, shortCurveComponent{})
	_, err := e.Run([]float64{1000})
	if !errors.Is(err, ErrAxisMismatch) {
		t.Fatalf("got %v, want axis mismatch error", err)
	}
}

// spyComponent records the states it has been handed.
type spyComponent struct {
	name string
	seen *[]State
}

func (c spyComponent) Name() string             { return c.name }
func (c spyComponent) InitialState() State      { return c.name + "-0" }
func (c spyComponent) Triggers(State) []Trigger { return nil }
func (c spyComponent) Simulate(step Step, state State) (StepResult, State, error) {
	*c.seen = append(*c.seen, state)
	return StepResult{Curve: make([]float64, len(step.Axis))}, state.(string) + "+", nil
}

func TestComponentStateIsolation(t *testing.T) {
	var seenA, seenB []State
	e := newEngine(t,
		spyComponent{name: "a", seen: &seenA},
		spyComponent{name: "b", seen: &seenB},
	)

	if _, err := e.Run([]float64{1000, 1010}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if seenA[0] != "a-0" || seenA[1] != "a-0+" {
		t.Fatalf("component a saw states %v", seenA)
	}
	if seenB[0] != "b-0" || seenB[1] != "b-0+" {
		t.Fatalf("component b saw states %v", seenB)
	}
}

func TestPriceAxis(t *testing.T) {
	axis := PriceAxis(800, 1200, 5)
	want := []float64{800, 900, 1000, 1100, 1200}
	if len(axis) != len(want) {
		t.Fatalf("got %d points, want %d", len(axis), len(want))
	}
	for i := range want {
		if !almostEqual(axis[i], want[i]) {
			t.Fatalf("axis[%d] = %v, want %v", i, axis[i], want[i])
		}
	}
}
