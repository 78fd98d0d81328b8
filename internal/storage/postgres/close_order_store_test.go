package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"lpguard/internal/domain"
	"lpguard/internal/storage"
)

func testCloseOrder(positionID string) *domain.CloseOrder {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &domain.CloseOrder{
		Protocol:     domain.ProtocolUniswapV3,
		ChainID:      8453,
		PositionID:   positionID,
		Side:         domain.TriggerLower,
		Contract:     "0xcontract",
		Pool:         "0xpool",
		Status:       domain.OrderPending,
		Monitor:      domain.MonitorIdle,
		TriggerTick:  -1000,
		TriggerPrice: decimal.RequireFromString("950"),
		SlippageBps:  50,
		Payout:       "0xpayout",
		Operator:     "0xoperator",
		Owner:        "0xowner",
		ValidUntil:   now.Add(24 * time.Hour),
		SwapToQuote:  true,
		RetryBudget:  3,
		StrategyID:   "strat-1",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestCloseOrderStoreInsertGet(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	store := NewCloseOrderStore(pool)
	ctx := context.Background()

	o := testCloseOrder("11111")
	require.NoError(t, store.Insert(ctx, o))

	got, err := store.GetByKey(ctx, o.Key())
	require.NoError(t, err)
	require.Equal(t, o.PositionID, got.PositionID)
	require.Equal(t, domain.OrderPending, got.Status)
	require.True(t, got.TriggerPrice.Equal(o.TriggerPrice))
	require.Equal(t, o.SlippageBps, got.SlippageBps)

	require.ErrorIs(t, store.Insert(ctx, o), storage.ErrDuplicateKey)

	_, err = store.GetByKey(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCloseOrderStoreInsertWithOutbox(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	store := NewCloseOrderStore(pool)
	outbox := NewOutboxStore(pool)
	ctx := context.Background()

	o := testCloseOrder("22222")
	ev := &storage.OutboxEvent{
		ID:        uuid.NewString(),
		Topic:     "closeorder.registered",
		Payload:   []byte(`{"order_key":"` + o.Key() + `"}`),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.InsertWithOutbox(ctx, o, ev))

	events, err := outbox.ListUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "closeorder.registered", events[0].Topic)

	// A duplicate order rolls back the whole transaction: no second event.
	ev2 := &storage.OutboxEvent{ID: uuid.NewString(), Topic: "closeorder.registered", Payload: ev.Payload, CreatedAt: time.Now().UTC()}
	require.ErrorIs(t, store.InsertWithOutbox(ctx, o, ev2), storage.ErrDuplicateKey)

	events, err = outbox.ListUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestCloseOrderStoreUpdateTerminalGuard(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	store := NewCloseOrderStore(pool)
	ctx := context.Background()

	o := testCloseOrder("33333")
	require.NoError(t, store.Insert(ctx, o))

	o.Status = domain.OrderActive
	o.Monitor = domain.MonitorMonitoring
	require.NoError(t, store.Update(ctx, o))

	o.Status = domain.OrderExecuted
	require.NoError(t, store.Update(ctx, o))

	// Terminal orders accept no further writes.
	o.Status = domain.OrderActive
	require.ErrorIs(t, store.Update(ctx, o), storage.ErrTerminalState)

	missing := testCloseOrder("99999")
	require.ErrorIs(t, store.Update(ctx, missing), storage.ErrNotFound)
}

func TestCloseOrderStoreListActive(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	store := NewCloseOrderStore(pool)
	ctx := context.Background()

	active := testCloseOrder("1")
	active.Status = domain.OrderActive
	done := testCloseOrder("2")
	done.Status = domain.OrderExecuted
	other := testCloseOrder("3")
	other.StrategyID = "strat-2"

	require.NoError(t, store.Insert(ctx, active))
	require.NoError(t, store.Insert(ctx, done))
	require.NoError(t, store.Insert(ctx, other))

	got, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)

	byStrategy, err := store.ListByStrategy(ctx, "strat-2")
	require.NoError(t, err)
	require.Len(t, byStrategy, 1)
	require.Equal(t, "3", byStrategy[0].PositionID)
}

func TestExecutionStoreLifecycle(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	orders := NewCloseOrderStore(pool)
	store := NewExecutionStore(pool)
	ctx := context.Background()

	o := testCloseOrder("44444")
	require.NoError(t, orders.Insert(ctx, o))

	e := &domain.CloseOrderExecution{
		ID:           uuid.NewString(),
		OrderKey:     o.Key(),
		Attempt:      1,
		TriggerTick:  -1000,
		TriggerPrice: decimal.RequireFromString("949"),
		Status:       domain.ExecutionPending,
		StartedAt:    time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, store.Insert(ctx, e))
	require.ErrorIs(t, store.Insert(ctx, e), storage.ErrDuplicateKey)

	e.Status = domain.ExecutionCompleted
	e.TxHash = "0xabc"
	e.RealizedPrice = decimal.RequireFromString("948.5")
	e.FinishedAt = time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.Update(ctx, e))

	got, err := store.GetByID(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionCompleted, got.Status)
	require.Equal(t, "0xabc", got.TxHash)

	second := &domain.CloseOrderExecution{
		ID:        uuid.NewString(),
		OrderKey:  o.Key(),
		Attempt:   2,
		Status:    domain.ExecutionFailed,
		Error:     "execution reverted",
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Insert(ctx, second))

	attempts, err := store.ListByOrder(ctx, o.Key())
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	require.Equal(t, 1, attempts[0].Attempt)
	require.Equal(t, 2, attempts[1].Attempt)
}

func TestOutboxStoreMarkPublished(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	store := NewOutboxStore(pool)
	ctx := context.Background()

	ev := &storage.OutboxEvent{
		ID:        uuid.NewString(),
		Topic:     "closeorder.registered",
		Payload:   []byte(`{}`),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Insert(ctx, ev))

	events, err := store.ListUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)

	require.NoError(t, store.MarkPublished(ctx, ev.ID))

	events, err = store.ListUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, events)

	require.ErrorIs(t, store.MarkPublished(ctx, "missing"), storage.ErrNotFound)
}

func TestDeadLetterStore(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	store := NewDeadLetterStore(pool)
	ctx := context.Background()

	d := &storage.DeadLetter{
		ID:         uuid.NewString(),
		StrategyID: "strat-1",
		Payload:    []byte(`{"type":"ohlc"}`),
		Reason:     "validation: unknown pool",
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.Insert(ctx, d))
	require.ErrorIs(t, store.Insert(ctx, d), storage.ErrDuplicateKey)

	letters, err := store.ListByStrategy(ctx, "strat-1")
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.Equal(t, "validation: unknown pool", letters[0].Reason)

	letters, err = store.ListByStrategy(ctx, "other")
	require.NoError(t, err)
	require.Empty(t, letters)
}
