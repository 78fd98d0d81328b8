package domain

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// EventType discriminates StrategyEvent payloads.
type EventType string

// Event types.
const (
	EventOHLC         EventType = "ohlc"
	EventFunding      EventType = "funding"
	EventPosition     EventType = "position"
	EventEffectResult EventType = "effect-result"
	EventAction       EventType = "action"
)

// StrategyEvent is the only input to strategy logic. Exactly one payload
// pointer is set, matching Type. Ordering within a strategy is significant.
type StrategyEvent struct {
	StrategyID string
	Type       EventType
	Timestamp  time.Time

	OHLC         *OHLCPayload
	Funding      *FundingPayload
	Position     *PositionPayload
	EffectResult *EffectResultPayload
	Action       *ActionPayload
}

// OHLCPayload carries a pool price observation.
type OHLCPayload struct {
	Pool   string
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Tick   int32
	Volume decimal.Decimal
}

// FundingPayload carries a fee-growth observation for a managed position.
// Accumulators are raw on-chain uint256 values and may have wrapped.
type FundingPayload struct {
	PositionID         string
	TickCurrent        int32
	FeeGrowthGlobal0   *uint256.Int
	FeeGrowthGlobal1   *uint256.Int
	FeeGrowthOutsideL0 *uint256.Int
	FeeGrowthOutsideL1 *uint256.Int
	FeeGrowthOutsideU0 *uint256.Int
	FeeGrowthOutsideU1 *uint256.Int
	Block              uint64
}

// PositionChange names what happened to a position.
type PositionChange string

// Position changes.
const (
	PositionCreated   PositionChange = "created"
	PositionIncreased PositionChange = "increased"
	PositionDecreased PositionChange = "decreased"
	PositionClosed    PositionChange = "closed"
)

// PositionPayload carries a position lifecycle change.
type PositionPayload struct {
	PositionID string
	Change     PositionChange
	Liquidity  *uint256.Int
	TickLower  int32
	TickUpper  int32
	Amount0    decimal.Decimal
	Amount1    decimal.Decimal
	Block      uint64
}

// EffectResultPayload reports the outcome of a previously issued effect.
type EffectResultPayload struct {
	EffectID string
	Kind     EffectKind
	Success  bool
	TxHash   string
	Error    string
}

// ActionPayload carries an operator-initiated command.
type ActionPayload struct {
	Name   string
	Params map[string]string
}

// Validate checks that the event is well formed: a known type, a strategy
// id, and exactly the payload matching the type.
func (e *StrategyEvent) Validate() error {
	if e.StrategyID == "" {
		return fmt.Errorf("%w: event missing strategy id", ErrValidation)
	}

	set := 0
	for _, p := range []bool{
		e.OHLC != nil, e.Funding != nil, e.Position != nil,
		e.EffectResult != nil, e.Action != nil,
	} {
		if p {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: event must carry exactly one payload, has %d", ErrValidation, set)
	}

	var ok bool
	switch e.Type {
	case EventOHLC:
		ok = e.OHLC != nil
	case EventFunding:
		ok = e.Funding != nil
	case EventPosition:
		ok = e.Position != nil
	case EventEffectResult:
		ok = e.EffectResult != nil
	case EventAction:
		ok = e.Action != nil
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrValidation, e.Type)
	}
	if !ok {
		return fmt.Errorf("%w: payload does not match event type %q", ErrValidation, e.Type)
	}
	return nil
}
