package strategy

import (
	"context"
	"encoding/json"
	"fmt"

	"lpguard/internal/domain"
	"lpguard/internal/runtime"
	"lpguard/internal/simulation"
)

// PaperConfig configures a simulated strategy: it holds no real position
// and tracks projected PnL over the live price feed, honoring an
// optional stop-loss.
type PaperConfig struct {
	Pool       string  `json:"pool"`
	Liquidity  float64 `json:"liquidity"`
	PriceLower float64 `json:"price_lower"`
	PriceUpper float64 `json:"price_upper"`
	EntryPrice float64 `json:"entry_price"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
}

type paperState struct {
	LastPrice   float64 `json:"last_price"`
	PnL         float64 `json:"pnl"`
	StopFired   bool    `json:"stop_fired"`
	LockedPrice float64 `json:"locked_price,omitempty"`
}

// Paper is the simulated strategy logic. It drives the same valuation
// math as the simulation engine, one live price at a time.
type Paper struct{}

var _ runtime.Logic = (*Paper)(nil)

// NewPaper creates the simulated logic.
func NewPaper() *Paper { return &Paper{} }

// Type implements runtime.Logic.
func (s *Paper) Type() domain.StrategyType { return domain.StrategySimulated }

// InitialState implements runtime.Logic.
func (s *Paper) InitialState(config json.RawMessage) (json.RawMessage, error) {
	var cfg PaperConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return nil, fmt.Errorf("%w: paper config: %v", domain.ErrValidation, err)
	}
	if cfg.Liquidity <= 0 || cfg.PriceLower >= cfg.PriceUpper {
		return nil, fmt.Errorf("%w: paper config needs liquidity and a non-empty price range", domain.ErrValidation)
	}
	return json.Marshal(paperState{})
}

// Handle implements runtime.Logic.
func (s *Paper) Handle(_ context.Context, in runtime.HandleInput) (*runtime.HandleOutput, error) {
	if in.Event.Type != domain.EventOHLC {
		return &runtime.HandleOutput{}, nil
	}

	var cfg PaperConfig
	if err := json.Unmarshal(in.Config, &cfg); err != nil {
		return nil, fmt.Errorf("%w: paper config: %v", domain.ErrValidation, err)
	}
	var state paperState
	if len(in.Local) > 0 {
		if err := json.Unmarshal(in.Local, &state); err != nil {
			return nil, fmt.Errorf("%w: paper state: %v", domain.ErrValidation, err)
		}
	}

	price, _ := in.Event.OHLC.Close.Float64()
	pos := simulation.PositionParams{
		Liquidity:  cfg.Liquidity,
		PriceLower: cfg.PriceLower,
		PriceUpper: cfg.PriceUpper,
		EntryPrice: cfg.EntryPrice,
	}

	if !state.StopFired && cfg.StopLoss > 0 && state.LastPrice > 0 {
		trigger := simulation.Trigger{Price: cfg.StopLoss, Direction: simulation.DirectionBelow}
		if trigger.Crossed(state.LastPrice, price) {
			state.StopFired = true
			state.LockedPrice = cfg.StopLoss
		}
	}

	if state.StopFired {
		state.PnL = pos.PnL(state.LockedPrice)
	} else {
		state.PnL = pos.PnL(price)
	}
	state.LastPrice = price

	local, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	return &runtime.HandleOutput{Local: local}, nil
}
