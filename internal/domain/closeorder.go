package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// CloseOrderStatus is the authoritative lifecycle field of a close order.
// It never regresses out of a terminal value.
type CloseOrderStatus string

// Close order statuses.
const (
	OrderPending     CloseOrderStatus = "pending"
	OrderRegistering CloseOrderStatus = "registering"
	OrderActive      CloseOrderStatus = "active"
	OrderTriggering  CloseOrderStatus = "triggering"
	OrderExecuted    CloseOrderStatus = "executed"
	OrderFailed      CloseOrderStatus = "failed"
	OrderCancelled   CloseOrderStatus = "cancelled"
	OrderExpired     CloseOrderStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s CloseOrderStatus) Terminal() bool {
	switch s {
	case OrderExecuted, OrderFailed, OrderCancelled, OrderExpired:
		return true
	default:
		return false
	}
}

// MonitorState is the off-chain monitoring sub-state, invisible on-chain.
type MonitorState string

// Monitor states.
const (
	MonitorIdle       MonitorState = "idle"
	MonitorMonitoring MonitorState = "monitoring"
	MonitorTriggered  MonitorState = "triggered"
	// MonitorSuspended is reached when the retry budget is exhausted and
	// requires operator intervention to resume.
	MonitorSuspended MonitorState = "suspended"
)

// CloseOrder is a standing instruction to exit a position when price
// reaches a configured trigger. Identity and Config are immutable once
// registered; State fields are refreshed from chain reads.
type CloseOrder struct {
	// Identity
	Protocol   Protocol
	ChainID    uint64
	PositionID string
	Side       TriggerSide

	// Config (immutable after registration)
	Contract string
	Pool     string

	// State (refreshed from chain)
	Status       CloseOrderStatus
	Monitor      MonitorState
	TriggerTick  int32
	TriggerPrice decimal.Decimal
	SlippageBps  uint32
	Payout       string
	Operator     string
	Owner        string
	ValidUntil   time.Time
	SwapToQuote  bool
	LastSyncBlock uint64

	// Retry accounting for execution attempts.
	RetryCount  int
	RetryBudget int

	StrategyID string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Key returns the composite identity used as the storage key.
func (o *CloseOrder) Key() string {
	return OrderKey(o.Protocol, o.ChainID, o.PositionID, o.Side)
}

// OrderKey composes the close-order identity tuple into a stable key.
func OrderKey(p Protocol, chainID uint64, positionID string, side TriggerSide) string {
	return fmt.Sprintf("%s:%d:%s:%s", p, chainID, positionID, side)
}

// Validate checks identity fields and enum values.
func (o *CloseOrder) Validate() error {
	if !o.Protocol.Valid() {
		return fmt.Errorf("%w: unknown protocol %q", ErrValidation, o.Protocol)
	}
	if !o.Side.Valid() {
		return fmt.Errorf("%w: unknown trigger side %q", ErrValidation, o.Side)
	}
	if o.ChainID == 0 || o.PositionID == "" {
		return fmt.Errorf("%w: close order missing chain id or position id", ErrValidation)
	}
	return nil
}

// ExecutionStatus tracks one execution attempt of a close order.
type ExecutionStatus string

// Execution statuses.
const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionExecuting ExecutionStatus = "executing"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// CloseOrderExecution is one attempt to execute a close order. Attempts
// are append-only; retries create new rows. At most one attempt per order
// reaches completed.
type CloseOrderExecution struct {
	ID       string
	OrderKey string
	Attempt  int

	// Trigger context captured at detection time.
	TriggerTick  int32
	TriggerPrice decimal.Decimal

	Status ExecutionStatus

	// Post-execution results.
	TxHash        string
	RealizedPrice decimal.Decimal
	Amount0Out    decimal.Decimal
	Amount1Out    decimal.Decimal
	Error         string

	StartedAt  time.Time
	FinishedAt time.Time
}
