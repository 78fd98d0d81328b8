// Package strategy implements the strategy logics dispatched by the
// runtime. Each logic owns the codec for its config and local state;
// nothing untyped crosses the runtime boundary.
package strategy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"lpguard/internal/domain"
	"lpguard/internal/ledger"
	"lpguard/internal/poolmath"
	"lpguard/internal/runtime"
)

// RangeExitConfig is the immutable configuration of a range-exit
// strategy: close the position once the pool tick leaves the band.
type RangeExitConfig struct {
	PositionID string `json:"position_id"`
	Pool       string `json:"pool"`
	TickLower  int32  `json:"tick_lower"`
	TickUpper  int32  `json:"tick_upper"`
	Currency   string `json:"currency"`
}

// rangeExitState is the logic's private state.
type rangeExitState struct {
	Liquidity            *uint256.Int `json:"liquidity,omitempty"`
	FeeGrowthInside0Last *uint256.Int `json:"fee_growth_inside0_last,omitempty"`
	FeeGrowthInside1Last *uint256.Int `json:"fee_growth_inside1_last,omitempty"`
	ExitRequested        bool         `json:"exit_requested"`
	Closed               bool         `json:"closed"`
}

// RangeExit closes a position when price leaves its configured band and
// books every cash-flow-affecting event to the ledger.
type RangeExit struct {
	ledger *ledger.Ledger
}

var _ runtime.Logic = (*RangeExit)(nil)

// NewRangeExit creates the range-exit logic.
func NewRangeExit(l *ledger.Ledger) *RangeExit {
	return &RangeExit{ledger: l}
}

// Type implements runtime.Logic.
func (s *RangeExit) Type() domain.StrategyType { return domain.StrategyRangeExit }

// InitialState implements runtime.Logic.
func (s *RangeExit) InitialState(config json.RawMessage) (json.RawMessage, error) {
	var cfg RangeExitConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return nil, fmt.Errorf("%w: range-exit config: %v", domain.ErrValidation, err)
	}
	if cfg.PositionID == "" || cfg.TickLower >= cfg.TickUpper {
		return nil, fmt.Errorf("%w: range-exit config needs a position and a non-empty band", domain.ErrValidation)
	}
	return json.Marshal(rangeExitState{})
}

// Handle implements runtime.Logic.
func (s *RangeExit) Handle(ctx context.Context, in runtime.HandleInput) (*runtime.HandleOutput, error) {
	var cfg RangeExitConfig
	if err := json.Unmarshal(in.Config, &cfg); err != nil {
		return nil, fmt.Errorf("%w: range-exit config: %v", domain.ErrValidation, err)
	}
	var state rangeExitState
	if len(in.Local) > 0 {
		if err := json.Unmarshal(in.Local, &state); err != nil {
			return nil, fmt.Errorf("%w: range-exit state: %v", domain.ErrValidation, err)
		}
	}

	out := &runtime.HandleOutput{}
	switch in.Event.Type {
	case domain.EventPosition:
		if err := s.onPosition(ctx, cfg, &state, in); err != nil {
			return nil, err
		}
	case domain.EventFunding:
		if err := s.onFunding(ctx, cfg, &state, in); err != nil {
			return nil, err
		}
	case domain.EventOHLC:
		s.onOHLC(cfg, &state, in, out)
	case domain.EventEffectResult:
		if in.Event.EffectResult.Kind == domain.EffectClosePosition && in.Event.EffectResult.Success {
			state.Closed = true
		}
		if !in.Event.EffectResult.Success {
			// Allow another exit attempt on the next out-of-band tick.
			state.ExitRequested = false
		}
	}

	local, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	out.Local = local
	return out, nil
}

func (s *RangeExit) onPosition(ctx context.Context, cfg RangeExitConfig, state *rangeExitState, in runtime.HandleInput) error {
	p := in.Event.Position
	if p.PositionID != cfg.PositionID {
		return nil
	}

	switch p.Change {
	case domain.PositionCreated, domain.PositionIncreased:
		state.Liquidity = p.Liquidity
		cost := p.Amount1.Add(p.Amount0)
		_, err := s.ledger.Post(ctx, eventRef(in, "position"), "position opened",
			ledger.OpenPositionLines(cfg.PositionID, cost, cfg.Currency))
		return err
	case domain.PositionClosed:
		state.Closed = true
		balances, err := s.ledger.PositionBalances(ctx, cfg.PositionID)
		if err != nil {
			return err
		}
		carrying := balances[domain.AccountPositionCostBasis]
		proceeds := p.Amount1.Add(p.Amount0)
		_, err = s.ledger.Post(ctx, eventRef(in, "position"), "position closed",
			ledger.ClosePositionLines(cfg.PositionID, carrying, proceeds, cfg.Currency))
		return err
	}
	return nil
}

func (s *RangeExit) onFunding(ctx context.Context, cfg RangeExitConfig, state *rangeExitState, in runtime.HandleInput) error {
	f := in.Event.Funding
	if f.PositionID != cfg.PositionID || state.Liquidity == nil || state.Liquidity.IsZero() {
		return nil
	}

	result := poolmath.ApplyFunding(poolmath.PositionFeeState{
		Liquidity:            state.Liquidity,
		FeeGrowthInside0Last: orZero(state.FeeGrowthInside0Last),
		FeeGrowthInside1Last: orZero(state.FeeGrowthInside1Last),
	}, poolmath.FundingInputs{
		TickLower:   cfg.TickLower,
		TickUpper:   cfg.TickUpper,
		TickCurrent: f.TickCurrent,
		Global0:     f.FeeGrowthGlobal0,
		Global1:     f.FeeGrowthGlobal1,
		Outside0:    poolmath.FeeGrowthOutside{Lower: f.FeeGrowthOutsideL0, Upper: f.FeeGrowthOutsideU0},
		Outside1:    poolmath.FeeGrowthOutside{Lower: f.FeeGrowthOutsideL1, Upper: f.FeeGrowthOutsideU1},
	})

	state.FeeGrowthInside0Last = result.FeeGrowthInside0
	state.FeeGrowthInside1Last = result.FeeGrowthInside1

	earned := rawToDecimal(result.Earned0).Add(rawToDecimal(result.Earned1))
	if earned.IsZero() {
		return nil
	}
	_, err := s.ledger.Post(ctx, eventRef(in, "funding"), "fees accrued",
		ledger.AccrueFeesLines(cfg.PositionID, earned, cfg.Currency))
	return err
}

func (s *RangeExit) onOHLC(cfg RangeExitConfig, state *rangeExitState, in runtime.HandleInput, out *runtime.HandleOutput) {
	if state.Closed || state.ExitRequested {
		return
	}
	tick := in.Event.OHLC.Tick
	if tick >= cfg.TickLower && tick <= cfg.TickUpper {
		return
	}

	state.ExitRequested = true
	payload, _ := json.Marshal(map[string]any{
		"position_id": cfg.PositionID,
		"pool":        cfg.Pool,
		"tick":        tick,
	})
	out.Effects = append(out.Effects, domain.Effect{
		ID:         uuid.NewString(),
		StrategyID: in.StrategyID,
		Kind:       domain.EffectClosePosition,
		Payload:    payload,
	})
}

// eventRef derives the idempotency key a journal entry is tagged with.
func eventRef(in runtime.HandleInput, kind string) string {
	return fmt.Sprintf("%s:%s:%d", in.StrategyID, kind, in.Event.Timestamp.UnixNano())
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return uint256.NewInt(0)
	}
	return v
}

// rawToDecimal converts a raw token amount to a decimal for ledger use.
func rawToDecimal(v *uint256.Int) decimal.Decimal {
	return decimal.NewFromBigInt(v.ToBig(), 0)
}
