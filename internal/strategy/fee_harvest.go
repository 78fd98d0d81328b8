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

// FeeHarvestConfig configures a fee-harvest strategy: accrue fees from
// funding observations and collect once the uncollected balance crosses
// the threshold.
type FeeHarvestConfig struct {
	PositionID string          `json:"position_id"`
	Pool       string          `json:"pool"`
	TickLower  int32           `json:"tick_lower"`
	TickUpper  int32           `json:"tick_upper"`
	Threshold  decimal.Decimal `json:"threshold"`
	Currency   string          `json:"currency"`
}

type feeHarvestState struct {
	Liquidity            *uint256.Int    `json:"liquidity,omitempty"`
	FeeGrowthInside0Last *uint256.Int    `json:"fee_growth_inside0_last,omitempty"`
	FeeGrowthInside1Last *uint256.Int    `json:"fee_growth_inside1_last,omitempty"`
	Uncollected          decimal.Decimal `json:"uncollected"`
	HarvestInFlight      bool            `json:"harvest_in_flight"`
}

// FeeHarvest accrues fees to the ledger and periodically collects them.
type FeeHarvest struct {
	ledger *ledger.Ledger
}

var _ runtime.Logic = (*FeeHarvest)(nil)

// NewFeeHarvest creates the fee-harvest logic.
func NewFeeHarvest(l *ledger.Ledger) *FeeHarvest {
	return &FeeHarvest{ledger: l}
}

// Type implements runtime.Logic.
func (s *FeeHarvest) Type() domain.StrategyType { return domain.StrategyFeeHarvest }

// InitialState implements runtime.Logic.
func (s *FeeHarvest) InitialState(config json.RawMessage) (json.RawMessage, error) {
	var cfg FeeHarvestConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return nil, fmt.Errorf("%w: fee-harvest config: %v", domain.ErrValidation, err)
	}
	if cfg.PositionID == "" || !cfg.Threshold.IsPositive() {
		return nil, fmt.Errorf("%w: fee-harvest config needs a position and a positive threshold", domain.ErrValidation)
	}
	return json.Marshal(feeHarvestState{})
}

// Handle implements runtime.Logic.
func (s *FeeHarvest) Handle(ctx context.Context, in runtime.HandleInput) (*runtime.HandleOutput, error) {
	var cfg FeeHarvestConfig
	if err := json.Unmarshal(in.Config, &cfg); err != nil {
		return nil, fmt.Errorf("%w: fee-harvest config: %v", domain.ErrValidation, err)
	}
	var state feeHarvestState
	if len(in.Local) > 0 {
		if err := json.Unmarshal(in.Local, &state); err != nil {
			return nil, fmt.Errorf("%w: fee-harvest state: %v", domain.ErrValidation, err)
		}
	}

	out := &runtime.HandleOutput{}
	switch in.Event.Type {
	case domain.EventPosition:
		p := in.Event.Position
		if p.PositionID == cfg.PositionID {
			state.Liquidity = p.Liquidity
		}
	case domain.EventFunding:
		if err := s.onFunding(ctx, cfg, &state, in, out); err != nil {
			return nil, err
		}
	case domain.EventEffectResult:
		if err := s.onEffectResult(ctx, cfg, &state, in); err != nil {
			return nil, err
		}
	}

	local, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	out.Local = local
	return out, nil
}

func (s *FeeHarvest) onFunding(ctx context.Context, cfg FeeHarvestConfig, state *feeHarvestState, in runtime.HandleInput, out *runtime.HandleOutput) error {
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
	if _, err := s.ledger.Post(ctx, eventRef(in, "funding"), "fees accrued",
		ledger.AccrueFeesLines(cfg.PositionID, earned, cfg.Currency)); err != nil {
		return err
	}
	state.Uncollected = state.Uncollected.Add(earned)

	if state.Uncollected.GreaterThanOrEqual(cfg.Threshold) && !state.HarvestInFlight {
		state.HarvestInFlight = true
		payload, _ := json.Marshal(map[string]any{
			"position_id": cfg.PositionID,
			"pool":        cfg.Pool,
			"amount":      state.Uncollected,
		})
		out.Effects = append(out.Effects, domain.Effect{
			ID:         uuid.NewString(),
			StrategyID: in.StrategyID,
			Kind:       domain.EffectCollectFees,
			Payload:    payload,
		})
	}
	return nil
}

func (s *FeeHarvest) onEffectResult(ctx context.Context, cfg FeeHarvestConfig, state *feeHarvestState, in runtime.HandleInput) error {
	r := in.Event.EffectResult
	if r.Kind != domain.EffectCollectFees {
		return nil
	}
	state.HarvestInFlight = false
	if !r.Success {
		return nil
	}

	collected := state.Uncollected
	state.Uncollected = decimal.Zero
	_, err := s.ledger.Post(ctx, eventRef(in, "collect"), "fees collected",
		ledger.CollectFeesLines(cfg.PositionID, collected, cfg.Currency))
	return err
}
