package strategy

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"lpguard/internal/domain"
	"lpguard/internal/ledger"
	"lpguard/internal/runtime"
	"lpguard/internal/storage/memory"
)

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.New(ledger.Options{Store: memory.NewJournalStore()})
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	return l
}

func rangeExitConfig(t *testing.T) json.RawMessage {
	t.Helper()
	cfg, err := json.Marshal(RangeExitConfig{
		PositionID: "pos-1",
		Pool:       "0xpool",
		TickLower:  -1000,
		TickUpper:  1000,
		Currency:   "USDC",
	})
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	return cfg
}

func handle(t *testing.T, logic runtime.Logic, config, local json.RawMessage, ev *domain.StrategyEvent) (*runtime.HandleOutput, json.RawMessage) {
	t.Helper()
	out, err := logic.Handle(context.Background(), runtime.HandleInput{
		StrategyID: "strat-1",
		Config:     config,
		Local:      local,
		Event:      ev,
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	next := local
	if out.Local != nil {
		next = out.Local
	}
	return out, next
}

func positionCreated(liquidity uint64, amount string) *domain.StrategyEvent {
	return &domain.StrategyEvent{
		StrategyID: "strat-1",
		Type:       domain.EventPosition,
		Timestamp:  time.Unix(1000, 0),
		Position: &domain.PositionPayload{
			PositionID: "pos-1",
			Change:     domain.PositionCreated,
			Liquidity:  uint256.NewInt(liquidity),
			TickLower:  -1000,
			TickUpper:  1000,
			Amount1:    decimal.RequireFromString(amount),
			Block:      1,
		},
	}
}

func ohlcAt(tick int32, ts int64) *domain.StrategyEvent {
	return &domain.StrategyEvent{
		StrategyID: "strat-1",
		Type:       domain.EventOHLC,
		Timestamp:  time.Unix(ts, 0),
		OHLC:       &domain.OHLCPayload{Pool: "0xpool", Tick: tick, Close: decimal.RequireFromString("1000")},
	}
}

func TestRangeExitOpensPositionOnLedger(t *testing.T) {
	l := newLedger(t)
	logic := NewRangeExit(l)
	cfg := rangeExitConfig(t)

	local, err := logic.InitialState(cfg)
	if err != nil {
		t.Fatalf("InitialState: %v", err)
	}
	_, local = handle(t, logic, cfg, local, positionCreated(500, "1000"))

	balances, err := l.PositionBalances(context.Background(), "pos-1")
	if err != nil {
		t.Fatalf("PositionBalances: %v", err)
	}
	if got := balances[domain.AccountPositionCostBasis]; !got.Equal(decimal.RequireFromString("1000")) {
		t.Fatalf("cost basis = %s, want 1000", got)
	}

	var state rangeExitState
	if err := json.Unmarshal(local, &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.Liquidity == nil || state.Liquidity.Uint64() != 500 {
		t.Fatalf("liquidity not captured: %+v", state.Liquidity)
	}
}

func TestRangeExitAccruesFees(t *testing.T) {
	l := newLedger(t)
	logic := NewRangeExit(l)
	cfg := rangeExitConfig(t)

	local, _ := logic.InitialState(cfg)
	_, local = handle(t, logic, cfg, local, positionCreated(5, "1000"))

	q128 := new(uint256.Int).Lsh(uint256.NewInt(1), 128)
	funding := &domain.StrategyEvent{
		StrategyID: "strat-1",
		Type:       domain.EventFunding,
		Timestamp:  time.Unix(2000, 0),
		Funding: &domain.FundingPayload{
			PositionID:         "pos-1",
			TickCurrent:        0,
			FeeGrowthGlobal0:   new(uint256.Int).Mul(uint256.NewInt(3), q128),
			FeeGrowthGlobal1:   uint256.NewInt(0),
			FeeGrowthOutsideL0: uint256.NewInt(0),
			FeeGrowthOutsideL1: uint256.NewInt(0),
			FeeGrowthOutsideU0: uint256.NewInt(0),
			FeeGrowthOutsideU1: uint256.NewInt(0),
			Block:              2,
		},
	}
	_, local = handle(t, logic, cfg, local, funding)

	// inside0 = 3 * 2^128, delta * liquidity / 2^128 = 3 * 5 = 15.
	balances, err := l.PositionBalances(context.Background(), "pos-1")
	if err != nil {
		t.Fatalf("PositionBalances: %v", err)
	}
	if got := balances[domain.AccountFeesReceivable]; !got.Equal(decimal.RequireFromString("15")) {
		t.Fatalf("fees receivable = %s, want 15", got)
	}

	var state rangeExitState
	if err := json.Unmarshal(local, &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.FeeGrowthInside0Last == nil || !state.FeeGrowthInside0Last.Eq(new(uint256.Int).Mul(uint256.NewInt(3), q128)) {
		t.Fatal("inside snapshot not persisted")
	}
}

func TestRangeExitEmitsCloseEffectOutsideBand(t *testing.T) {
	l := newLedger(t)
	logic := NewRangeExit(l)
	cfg := rangeExitConfig(t)

	local, _ := logic.InitialState(cfg)
	_, local = handle(t, logic, cfg, local, positionCreated(5, "1000"))

	// In band: no effect.
	out, local := handle(t, logic, cfg, local, ohlcAt(500, 3000))
	if len(out.Effects) != 0 {
		t.Fatalf("in-band tick emitted %d effects", len(out.Effects))
	}

	// Out of band: one close effect.
	out, local = handle(t, logic, cfg, local, ohlcAt(-1500, 3001))
	if len(out.Effects) != 1 || out.Effects[0].Kind != domain.EffectClosePosition {
		t.Fatalf("out-of-band tick effects = %+v, want one close-position", out.Effects)
	}

	// Exit already requested: no duplicate effect.
	out, _ = handle(t, logic, cfg, local, ohlcAt(-1600, 3002))
	if len(out.Effects) != 0 {
		t.Fatalf("duplicate close effect emitted")
	}
}

func TestRangeExitRetriesAfterFailedClose(t *testing.T) {
	l := newLedger(t)
	logic := NewRangeExit(l)
	cfg := rangeExitConfig(t)

	local, _ := logic.InitialState(cfg)
	_, local = handle(t, logic, cfg, local, positionCreated(5, "1000"))
	out, local := handle(t, logic, cfg, local, ohlcAt(-1500, 3000))
	effectID := out.Effects[0].ID

	failure := &domain.StrategyEvent{
		StrategyID: "strat-1",
		Type:       domain.EventEffectResult,
		Timestamp:  time.Unix(3100, 0),
		EffectResult: &domain.EffectResultPayload{
			EffectID: effectID,
			Kind:     domain.EffectClosePosition,
			Success:  false,
			Error:    "execution reverted",
		},
	}
	_, local = handle(t, logic, cfg, local, failure)

	out, _ = handle(t, logic, cfg, local, ohlcAt(-1700, 3200))
	if len(out.Effects) != 1 {
		t.Fatalf("no retry effect after failed close, got %d", len(out.Effects))
	}
}
