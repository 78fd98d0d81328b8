package closeorder

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"lpguard/internal/domain"
	"lpguard/internal/observability"
	"lpguard/internal/storage/memory"
)

// fakeContract implements Contract with scripted behavior.
type fakeContract struct {
	registerCalls int
	executeCalls  int
	cancelCalls   int

	executeErrs []error // consumed per call; nil slice means always succeed
	readState   *ChainOrderState
	readErr     error
}

func (f *fakeContract) RegisterOrder(context.Context, *domain.CloseOrder) (string, error) {
	f.registerCalls++
	return fmt.Sprintf("0xreg%d", f.registerCalls), nil
}

func (f *fakeContract) CancelOrder(context.Context, *domain.CloseOrder) (string, error) {
	f.cancelCalls++
	return "0xcancel", nil
}

func (f *fakeContract) UpdateOrder(context.Context, *domain.CloseOrder, OrderUpdate) (string, error) {
	return "0xupdate", nil
}

func (f *fakeContract) ExecuteOrder(_ context.Context, _ *domain.CloseOrder, price decimal.Decimal) (*ExecutionResult, error) {
	f.executeCalls++
	if len(f.executeErrs) > 0 {
		err := f.executeErrs[0]
		f.executeErrs = f.executeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &ExecutionResult{
		TxHash:        fmt.Sprintf("0xexec%d", f.executeCalls),
		RealizedPrice: price,
		Amount0Out:    decimal.RequireFromString("1.5"),
		Amount1Out:    decimal.RequireFromString("1200"),
	}, nil
}

func (f *fakeContract) ReadOrder(context.Context, *domain.CloseOrder) (*ChainOrderState, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	if f.readState == nil {
		return &ChainOrderState{}, nil
	}
	return f.readState, nil
}

type fixture struct {
	machine    *Machine
	orders     *memory.CloseOrderStore
	executions *memory.ExecutionStore
	outbox     *memory.OutboxStore
	contract   *fakeContract
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	outbox := memory.NewOutboxStore()
	orders := memory.NewCloseOrderStore(outbox)
	executions := memory.NewExecutionStore()
	contract := &fakeContract{}
	m, err := New(Options{
		Orders:     orders,
		Executions: executions,
		Contract:   contract,
		Now:        func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{machine: m, orders: orders, executions: executions, outbox: outbox, contract: contract}
}

func testOrder() *domain.CloseOrder {
	return &domain.CloseOrder{
		Protocol:    domain.ProtocolUniswapV3,
		ChainID:     8453,
		PositionID:  "12345",
		Side:        domain.TriggerLower,
		Contract:    "0xcontract",
		Pool:        "0xpool",
		TriggerTick: -1000,
		SlippageBps: 50,
		StrategyID:  "strat-1",
	}
}

func TestRegisterIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.machine.Register(ctx, testOrder())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if first.Status != domain.OrderRegistering {
		t.Fatalf("status = %s, want registering", first.Status)
	}

	second, err := f.machine.Register(ctx, testOrder())
	if err != nil {
		t.Fatalf("re-Register: %v", err)
	}
	if second.Key() != first.Key() {
		t.Fatalf("got different order back: %s", second.Key())
	}
	if f.contract.registerCalls != 1 {
		t.Fatalf("register tx submitted %d times, want 1", f.contract.registerCalls)
	}
}

func TestRegisterWritesOutboxEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.machine.Register(ctx, testOrder()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	events, err := f.outbox.ListUnpublished(ctx, 10)
	if err != nil {
		t.Fatalf("ListUnpublished: %v", err)
	}
	if len(events) != 1 || events[0].Topic != TopicOrderRegistered {
		t.Fatalf("got %d outbox events, want 1 registration event", len(events))
	}
}

func TestRefreshToleratesUnminedRegistration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	registered, err := f.machine.Register(ctx, testOrder())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Contract returns zero state: registration not mined yet.
	refreshed, err := f.machine.RefreshFromChain(ctx, registered.Key())
	if err != nil {
		t.Fatalf("RefreshFromChain: %v", err)
	}
	if refreshed.Status != domain.OrderRegistering {
		t.Fatalf("status = %s, want registering untouched", refreshed.Status)
	}
	if refreshed.TriggerTick != -1000 {
		t.Fatalf("stored state corrupted: trigger tick = %d", refreshed.TriggerTick)
	}
}

func TestRefreshActivatesMinedRegistration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	registered, err := f.machine.Register(ctx, testOrder())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	f.contract.readState = &ChainOrderState{
		Registered:  true,
		TriggerTick: -1000,
		SlippageBps: 50,
		Payout:      "0xpayout",
		Operator:    "0xoperator",
		Owner:       "0xowner",
		Block:       4242,
	}
	refreshed, err := f.machine.RefreshFromChain(ctx, registered.Key())
	if err != nil {
		t.Fatalf("RefreshFromChain: %v", err)
	}
	if refreshed.Status != domain.OrderActive {
		t.Fatalf("status = %s, want active", refreshed.Status)
	}
	if refreshed.Monitor != domain.MonitorMonitoring {
		t.Fatalf("monitor = %s, want monitoring", refreshed.Monitor)
	}
	if refreshed.LastSyncBlock != 4242 {
		t.Fatalf("last sync block = %d, want 4242", refreshed.LastSyncBlock)
	}
	if refreshed.Payout != "0xpayout" {
		t.Fatalf("payout not folded in: %q", refreshed.Payout)
	}
}

func TestDetectTrigger(t *testing.T) {
	lower := &domain.CloseOrder{Side: domain.TriggerLower, TriggerTick: -1000}
	upper := &domain.CloseOrder{Side: domain.TriggerUpper, TriggerTick: 2000}

	tests := []struct {
		name  string
		order *domain.CloseOrder
		tick  int32
		want  bool
	}{
		{"lower above trigger", lower, -500, false},
		{"lower at trigger", lower, -1000, true},
		{"lower below trigger", lower, -1200, true},
		{"upper below trigger", upper, 1999, false},
		{"upper at trigger", upper, 2000, true},
		{"upper above trigger", upper, 2500, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectTrigger(tt.order, tt.tick); got != tt.want {
				t.Fatalf("DetectTrigger(%d) = %v, want %v", tt.tick, got, tt.want)
			}
		})
	}
}

// activate registers an order and walks it to active via a mined chain read.
func activate(t *testing.T, f *fixture) *domain.CloseOrder {
	t.Helper()
	ctx := context.Background()
	registered, err := f.machine.Register(ctx, testOrder())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	f.contract.readState = &ChainOrderState{
		Registered:  true,
		TriggerTick: registered.TriggerTick,
		SlippageBps: registered.SlippageBps,
		Block:       100,
	}
	active, err := f.machine.RefreshFromChain(ctx, registered.Key())
	if err != nil {
		t.Fatalf("RefreshFromChain: %v", err)
	}
	return active
}

func TestTickSequenceExecutesExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := activate(t, f)

	price := decimal.RequireFromString("905.5")
	ticks := []int32{-500, -1000, -1200}
	wantTriggered := []bool{false, true, true}
	for i, tick := range ticks {
		if got := DetectTrigger(order, tick); got != wantTriggered[i] {
			t.Fatalf("DetectTrigger(%d) = %v, want %v", tick, got, wantTriggered[i])
		}
		var err error
		order, err = f.machine.HandleTick(ctx, order.Key(), tick, price)
		if err != nil {
			t.Fatalf("HandleTick(%d): %v", tick, err)
		}
	}

	if order.Status != domain.OrderExecuted {
		t.Fatalf("status = %s, want executed", order.Status)
	}
	attempts, err := f.executions.ListByOrder(ctx, order.Key())
	if err != nil {
		t.Fatalf("ListByOrder: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("got %d execution attempts, want exactly 1", len(attempts))
	}
	if attempts[0].Status != domain.ExecutionCompleted {
		t.Fatalf("attempt status = %s, want completed", attempts[0].Status)
	}
	if attempts[0].TriggerTick != -1000 {
		t.Fatalf("attempt captured tick %d, want -1000 (first trigger)", attempts[0].TriggerTick)
	}
	if f.contract.executeCalls != 1 {
		t.Fatalf("execute tx submitted %d times, want 1", f.contract.executeCalls)
	}
}

func TestHandleTickResumesPersistedTrigger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := activate(t, f)

	// An order can be persisted as triggering without an attempt row when
	// the process dies between the two writes. Seed that state directly.
	order.Status = domain.OrderTriggering
	order.Monitor = domain.MonitorTriggered
	if err := f.orders.Update(ctx, order); err != nil {
		t.Fatalf("seed triggering order: %v", err)
	}

	price := decimal.RequireFromString("900")
	order, err := f.machine.HandleTick(ctx, order.Key(), -1100, price)
	if err != nil {
		t.Fatalf("HandleTick: %v", err)
	}
	if order.Status != domain.OrderExecuted {
		t.Fatalf("status = %s, want executed (order must not stay in triggering)", order.Status)
	}

	// Further satisfying ticks must not produce additional attempts.
	for i := 0; i < 4; i++ {
		order, err = f.machine.HandleTick(ctx, order.Key(), -1100, price)
		if err != nil {
			t.Fatalf("HandleTick after execution: %v", err)
		}
	}

	attempts, err := f.executions.ListByOrder(ctx, order.Key())
	if err != nil {
		t.Fatalf("ListByOrder: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("got %d execution attempts, want 1", len(attempts))
	}
	if attempts[0].Status != domain.ExecutionCompleted {
		t.Fatalf("attempt status = %s, want completed", attempts[0].Status)
	}
	if f.contract.executeCalls != 1 {
		t.Fatalf("execute tx submitted %d times, want 1", f.contract.executeCalls)
	}
}

func TestHandleTickResumedFailureConsumesBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := activate(t, f)

	order.Status = domain.OrderTriggering
	order.Monitor = domain.MonitorTriggered
	if err := f.orders.Update(ctx, order); err != nil {
		t.Fatalf("seed triggering order: %v", err)
	}
	f.contract.executeErrs = []error{fmt.Errorf("rpc: %w", domain.ErrUpstreamUnavailable)}

	order, err := f.machine.HandleTick(ctx, order.Key(), -1100, decimal.RequireFromString("900"))
	if err != nil {
		t.Fatalf("HandleTick: %v", err)
	}
	if order.Status != domain.OrderActive || order.Monitor != domain.MonitorMonitoring {
		t.Fatalf("after resumed transient failure: status=%s monitor=%s, want active/monitoring", order.Status, order.Monitor)
	}
	if order.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", order.RetryCount)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := activate(t, f)

	f.contract.executeErrs = []error{
		fmt.Errorf("rpc: %w", domain.ErrUpstreamUnavailable),
		nil,
	}

	price := decimal.RequireFromString("900")
	order, err := f.machine.HandleTick(ctx, order.Key(), -1100, price)
	if err != nil {
		t.Fatalf("HandleTick: %v", err)
	}
	if order.Status != domain.OrderActive || order.Monitor != domain.MonitorMonitoring {
		t.Fatalf("after transient failure: status=%s monitor=%s, want active/monitoring", order.Status, order.Monitor)
	}
	if order.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", order.RetryCount)
	}

	order, err = f.machine.HandleTick(ctx, order.Key(), -1100, price)
	if err != nil {
		t.Fatalf("HandleTick retry: %v", err)
	}
	if order.Status != domain.OrderExecuted {
		t.Fatalf("status = %s, want executed after retry", order.Status)
	}

	attempts, _ := f.executions.ListByOrder(ctx, order.Key())
	if len(attempts) != 2 {
		t.Fatalf("got %d attempts, want 2", len(attempts))
	}
	if attempts[0].Status != domain.ExecutionFailed || attempts[1].Status != domain.ExecutionCompleted {
		t.Fatalf("attempt statuses = %s, %s", attempts[0].Status, attempts[1].Status)
	}
}

func TestRetryBudgetExhaustionSuspends(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := activate(t, f)

	transient := fmt.Errorf("rpc: %w", domain.ErrUpstreamUnavailable)
	f.contract.executeErrs = []error{transient, transient, transient}

	price := decimal.RequireFromString("900")
	var err error
	for i := 0; i < 3; i++ {
		order, err = f.machine.HandleTick(ctx, order.Key(), -1100, price)
		if err != nil {
			t.Fatalf("HandleTick %d: %v", i, err)
		}
	}

	if order.Status != domain.OrderFailed {
		t.Fatalf("status = %s, want failed after budget exhaustion", order.Status)
	}
	if order.Monitor != domain.MonitorSuspended {
		t.Fatalf("monitor = %s, want suspended", order.Monitor)
	}

	// Suspended order ignores further ticks.
	order, err = f.machine.HandleTick(ctx, order.Key(), -1100, price)
	if err != nil {
		t.Fatalf("HandleTick on failed order: %v", err)
	}
	attempts, _ := f.executions.ListByOrder(ctx, order.Key())
	if len(attempts) != 3 {
		t.Fatalf("got %d attempts, want 3", len(attempts))
	}
}

func TestPermanentErrorFailsImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := activate(t, f)

	f.contract.executeErrs = []error{errors.New("execution reverted: order expired")}

	order, err := f.machine.HandleTick(ctx, order.Key(), -1100, decimal.RequireFromString("900"))
	if err != nil {
		t.Fatalf("HandleTick: %v", err)
	}
	if order.Status != domain.OrderFailed {
		t.Fatalf("status = %s, want failed on permanent error", order.Status)
	}
	attempts, _ := f.executions.ListByOrder(ctx, order.Key())
	if len(attempts) != 1 {
		t.Fatalf("got %d attempts, want 1 (no retry of permanent errors)", len(attempts))
	}
}

func TestTerminalStateRejectsTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := activate(t, f)

	order, err := f.machine.HandleTick(ctx, order.Key(), -1100, decimal.RequireFromString("900"))
	if err != nil {
		t.Fatalf("HandleTick: %v", err)
	}
	if order.Status != domain.OrderExecuted {
		t.Fatalf("status = %s, want executed", order.Status)
	}

	if _, err := f.machine.Cancel(ctx, order.Key()); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("Cancel on executed order: got %v, want conflict", err)
	}
	tick := int32(-2000)
	if _, err := f.machine.UpdateConfig(ctx, order.Key(), OrderUpdate{TriggerTick: &tick}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("UpdateConfig on executed order: got %v, want conflict", err)
	}
}

func TestCancelFromActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := activate(t, f)

	cancelled, err := f.machine.Cancel(ctx, order.Key())
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != domain.OrderCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}
	if f.contract.cancelCalls != 1 {
		t.Fatalf("cancel tx submitted %d times, want 1", f.contract.cancelCalls)
	}
}

func TestUpdateConfigOnlyPendingOrActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Order in registering: updates rejected.
	registered, err := f.machine.Register(ctx, testOrder())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	slip := uint32(100)
	if _, err := f.machine.UpdateConfig(ctx, registered.Key(), OrderUpdate{SlippageBps: &slip}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("UpdateConfig while registering: got %v, want conflict", err)
	}

	// Active: updates apply.
	f.contract.readState = &ChainOrderState{Registered: true, TriggerTick: -1000, Block: 1}
	if _, err := f.machine.RefreshFromChain(ctx, registered.Key()); err != nil {
		t.Fatalf("RefreshFromChain: %v", err)
	}
	updated, err := f.machine.UpdateConfig(ctx, registered.Key(), OrderUpdate{SlippageBps: &slip})
	if err != nil {
		t.Fatalf("UpdateConfig while active: %v", err)
	}
	if updated.SlippageBps != 100 {
		t.Fatalf("slippage = %d, want 100", updated.SlippageBps)
	}
}

func TestMachineMetrics(t *testing.T) {
	// Own namespace: metric registration on the default registry is global.
	metrics := observability.NewMetrics("closeorder_machine_test")
	outbox := memory.NewOutboxStore()
	orders := memory.NewCloseOrderStore(outbox)
	executions := memory.NewExecutionStore()
	contract := &fakeContract{}
	m, err := New(Options{
		Orders:     orders,
		Executions: executions,
		Contract:   contract,
		Metrics:    metrics,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	registered, err := m.Register(ctx, testOrder())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	contract.readState = &ChainOrderState{Registered: true, TriggerTick: -1000, Block: 1}
	if _, err := m.RefreshFromChain(ctx, registered.Key()); err != nil {
		t.Fatalf("RefreshFromChain: %v", err)
	}
	if _, err := m.HandleTick(ctx, registered.Key(), -1100, decimal.RequireFromString("900")); err != nil {
		t.Fatalf("HandleTick: %v", err)
	}

	if got := promtestutil.ToFloat64(metrics.OrdersRegistered); got != 1 {
		t.Fatalf("orders registered = %v, want 1", got)
	}
	if got := promtestutil.ToFloat64(metrics.OrdersTriggered); got != 1 {
		t.Fatalf("orders triggered = %v, want 1", got)
	}
	if got := promtestutil.ToFloat64(metrics.ExecutionAttempts.WithLabelValues("completed")); got != 1 {
		t.Fatalf("completed attempts = %v, want 1", got)
	}
	if got := promtestutil.ToFloat64(metrics.ExecutionAttempts.WithLabelValues("failed")); got != 0 {
		t.Fatalf("failed attempts = %v, want 0", got)
	}
}

func TestCheckTransitionEdges(t *testing.T) {
	if err := checkTransition(domain.OrderActive, domain.OrderTriggering); err != nil {
		t.Fatalf("active -> triggering: %v", err)
	}
	if err := checkTransition(domain.OrderPending, domain.OrderCancelled); err != nil {
		t.Fatalf("pending -> cancelled: %v", err)
	}
	if err := checkTransition(domain.OrderPending, domain.OrderExecuted); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("pending -> executed: got %v, want validation error", err)
	}
	if err := checkTransition(domain.OrderExecuted, domain.OrderCancelled); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("executed -> cancelled: got %v, want conflict", err)
	}
}
