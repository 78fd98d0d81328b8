package closeorder

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"lpguard/internal/domain"
)

// ChainOrderState is the on-chain order struct as read from the
// contract. A not-yet-mined registration reads back as the zero value
// with Registered false.
type ChainOrderState struct {
	Registered bool
	Executed   bool
	Cancelled  bool

	TriggerTick int32
	SlippageBps uint32
	Payout      string
	Operator    string
	Owner       string
	ValidUntil  time.Time
	SwapToQuote bool

	// Block is the height the state was read at.
	Block uint64
}

// ExecutionResult carries the outcome of a confirmed close transaction.
type ExecutionResult struct {
	TxHash        string
	RealizedPrice decimal.Decimal
	Amount0Out    decimal.Decimal
	Amount1Out    decimal.Decimal
}

// OrderUpdate carries a partial config change for one of the contract
// setters. Nil fields are left untouched.
type OrderUpdate struct {
	TriggerTick *int32
	SlippageBps *uint32
	Payout      *string
	Operator    *string
	ValidUntil  *time.Time
}

// Contract is the close-order contract surface the machine drives. The
// EVM implementation lives in internal/evm; tests use a fake.
type Contract interface {
	// RegisterOrder submits the registration transaction and returns its
	// hash without waiting for it to mine.
	RegisterOrder(ctx context.Context, o *domain.CloseOrder) (string, error)

	// CancelOrder submits the cancellation transaction.
	CancelOrder(ctx context.Context, o *domain.CloseOrder) (string, error)

	// UpdateOrder submits the setter transactions for the non-nil fields.
	UpdateOrder(ctx context.Context, o *domain.CloseOrder, u OrderUpdate) (string, error)

	// ExecuteOrder submits the close transaction with the captured
	// trigger price and waits for the receipt. A reverted transaction is
	// returned as an error.
	ExecuteOrder(ctx context.Context, o *domain.CloseOrder, triggerPrice decimal.Decimal) (*ExecutionResult, error)

	// ReadOrder reads the current on-chain order struct.
	ReadOrder(ctx context.Context, o *domain.CloseOrder) (*ChainOrderState, error)
}
