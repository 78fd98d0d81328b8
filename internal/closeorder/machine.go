package closeorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"lpguard/internal/domain"
	"lpguard/internal/observability"
	"lpguard/internal/storage"
)

const (
	defaultRetryBudget = 3
	defaultExecTimeout = 2 * time.Minute

	// TopicOrderRegistered is the outbox topic for registration events.
	TopicOrderRegistered = "close-order.registered"
)

// Machine drives close orders through their lifecycle. One machine
// serves all orders; per-order execution is serialized by the owning
// strategy loop.
type Machine struct {
	orders      storage.CloseOrderStore
	executions  storage.ExecutionStore
	contract    Contract
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time
	execTimeout time.Duration
	retryBudget int
}

// Options configures a Machine.
type Options struct {
	Orders     storage.CloseOrderStore
	Executions storage.ExecutionStore
	Contract   Contract
	Logger     *zap.Logger
	Metrics    *observability.Metrics

	// ExecTimeout bounds one execution attempt. Zero means 2 minutes.
	ExecTimeout time.Duration

	// RetryBudget is the default attempt budget for orders that do not
	// carry their own. Zero means 3.
	RetryBudget int

	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time
}

// New creates a Machine.
func New(opts Options) (*Machine, error) {
	if opts.Orders == nil || opts.Executions == nil {
		return nil, errors.New("closeorder: order and execution stores are required")
	}
	if opts.Contract == nil {
		return nil, errors.New("closeorder: contract is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.DefaultMetrics
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = defaultExecTimeout
	}
	if opts.RetryBudget <= 0 {
		opts.RetryBudget = defaultRetryBudget
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Machine{
		orders:      opts.Orders,
		executions:  opts.Executions,
		contract:    opts.Contract,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		now:         opts.Now,
		execTimeout: opts.ExecTimeout,
		retryBudget: opts.RetryBudget,
	}, nil
}

// Register submits a new close order. Registration is idempotent: an
// order that already exists in a non-terminal state is returned as-is.
// The stored order and its registration event commit atomically.
func (m *Machine) Register(ctx context.Context, o *domain.CloseOrder) (*domain.CloseOrder, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	key := o.Key()

	existing, err := m.orders.GetByKey(ctx, key)
	switch {
	case err == nil:
		if existing.Status.Terminal() {
			return nil, fmt.Errorf("%w: order %s already finished as %s", domain.ErrConflict, key, existing.Status)
		}
		m.logger.Debug("close order already registered", zap.String("order", key))
		return existing, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("closeorder: lookup %s: %w", key, err)
	}

	txHash, err := m.contract.RegisterOrder(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("closeorder: register %s on chain: %w", key, err)
	}

	now := m.now().UTC()
	stored := *o
	stored.Status = domain.OrderRegistering
	stored.Monitor = domain.MonitorIdle
	if stored.RetryBudget <= 0 {
		stored.RetryBudget = m.retryBudget
	}
	stored.CreatedAt = now
	stored.UpdatedAt = now

	payload, err := json.Marshal(map[string]any{
		"order_key":   key,
		"strategy_id": stored.StrategyID,
		"tx_hash":     txHash,
	})
	if err != nil {
		return nil, fmt.Errorf("closeorder: encode registration event: %w", err)
	}
	ev := &storage.OutboxEvent{
		ID:        uuid.NewString(),
		Topic:     TopicOrderRegistered,
		Payload:   payload,
		CreatedAt: now,
	}
	if err := m.orders.InsertWithOutbox(ctx, &stored, ev); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			// Lost a registration race; the winner's row is authoritative.
			return m.orders.GetByKey(ctx, key)
		}
		return nil, fmt.Errorf("closeorder: store %s: %w", key, err)
	}

	m.metrics.OrdersRegistered.Inc()
	m.logger.Info("close order registered",
		zap.String("order", key),
		zap.String("tx_hash", txHash),
		zap.Int32("trigger_tick", stored.TriggerTick),
		zap.String("side", string(stored.Side)))
	return &stored, nil
}

// RefreshFromChain reads the on-chain order struct and folds it into the
// stored State. Config fields are never touched. A not-yet-mined
// registration reads back as zero state and leaves the stored order
// unchanged. Terminal orders are returned as-is.
func (m *Machine) RefreshFromChain(ctx context.Context, key string) (*domain.CloseOrder, error) {
	o, err := m.orders.GetByKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("closeorder: lookup %s: %w", key, err)
	}
	if o.Status.Terminal() {
		return o, nil
	}

	chain, err := m.contract.ReadOrder(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("closeorder: read %s from chain: %w", key, err)
	}
	if !chain.Registered {
		// Registration not mined yet; nothing trustworthy to fold in.
		return o, nil
	}

	o.TriggerTick = chain.TriggerTick
	o.SlippageBps = chain.SlippageBps
	o.Payout = chain.Payout
	o.Operator = chain.Operator
	o.Owner = chain.Owner
	o.ValidUntil = chain.ValidUntil
	o.SwapToQuote = chain.SwapToQuote
	o.LastSyncBlock = chain.Block
	o.UpdatedAt = m.now().UTC()

	// Chain flags are authoritative for absorbing outcomes.
	switch {
	case chain.Cancelled:
		o.Status = domain.OrderCancelled
		o.Monitor = domain.MonitorIdle
	case chain.Executed:
		o.Status = domain.OrderExecuted
		o.Monitor = domain.MonitorIdle
	case o.Status == domain.OrderRegistering:
		o.Status = domain.OrderActive
		o.Monitor = domain.MonitorMonitoring
	case !o.ValidUntil.IsZero() && m.now().After(o.ValidUntil):
		o.Status = domain.OrderExpired
		o.Monitor = domain.MonitorIdle
	}

	if err := m.orders.Update(ctx, o); err != nil {
		return nil, fmt.Errorf("closeorder: persist refresh of %s: %w", key, err)
	}
	return o, nil
}

// DetectTrigger reports whether the current tick satisfies the order's
// trigger. Monitoring compares levels, not crossings, because chain
// state is sampled rather than streamed.
func DetectTrigger(o *domain.CloseOrder, currentTick int32) bool {
	switch o.Side {
	case domain.TriggerLower:
		return currentTick <= o.TriggerTick
	case domain.TriggerUpper:
		return currentTick >= o.TriggerTick
	default:
		return false
	}
}

// HandleTick feeds one sampled tick into monitoring. When the trigger is
// satisfied on an active order, exactly one execution attempt is made
// before the next tick can be observed for this order. An order found
// already in triggering status resumes execution directly.
func (m *Machine) HandleTick(ctx context.Context, key string, tick int32, price decimal.Decimal) (*domain.CloseOrder, error) {
	o, err := m.orders.GetByKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("closeorder: lookup %s: %w", key, err)
	}
	if o.Monitor == domain.MonitorSuspended {
		return o, nil
	}
	if o.Status == domain.OrderTriggering {
		// The trigger committed but no attempt followed it, so a prior
		// HandleTick stopped between the two writes. The persisted status
		// is the trigger decision; pick execution back up from it.
		return m.execute(ctx, o, tick, price)
	}
	if o.Status != domain.OrderActive {
		return o, nil
	}
	if o.Monitor == domain.MonitorIdle {
		o.Monitor = domain.MonitorMonitoring
	}

	if !DetectTrigger(o, tick) {
		o.UpdatedAt = m.now().UTC()
		if err := m.orders.Update(ctx, o); err != nil {
			return nil, fmt.Errorf("closeorder: persist monitor state of %s: %w", key, err)
		}
		return o, nil
	}

	if err := checkTransition(o.Status, domain.OrderTriggering); err != nil {
		return nil, err
	}
	o.Status = domain.OrderTriggering
	o.Monitor = domain.MonitorTriggered
	o.UpdatedAt = m.now().UTC()
	if err := m.orders.Update(ctx, o); err != nil {
		return nil, fmt.Errorf("closeorder: persist trigger of %s: %w", key, err)
	}

	m.metrics.OrdersTriggered.Inc()
	m.logger.Info("close order triggered",
		zap.String("order", key),
		zap.Int32("tick", tick),
		zap.Int32("trigger_tick", o.TriggerTick),
		zap.String("side", string(o.Side)))

	return m.execute(ctx, o, tick, price)
}

// execute runs one execution attempt for an order in triggering status.
// Failure consumes retry budget; exhaustion fails the order and suspends
// monitoring until an operator resumes it.
func (m *Machine) execute(ctx context.Context, o *domain.CloseOrder, tick int32, price decimal.Decimal) (*domain.CloseOrder, error) {
	attempt := &domain.CloseOrderExecution{
		ID:           uuid.NewString(),
		OrderKey:     o.Key(),
		Attempt:      o.RetryCount + 1,
		TriggerTick:  tick,
		TriggerPrice: price,
		Status:       domain.ExecutionPending,
		StartedAt:    m.now().UTC(),
	}
	if err := m.executions.Insert(ctx, attempt); err != nil {
		return nil, fmt.Errorf("closeorder: record attempt for %s: %w", o.Key(), err)
	}

	attempt.Status = domain.ExecutionExecuting
	if err := m.executions.Update(ctx, attempt); err != nil {
		return nil, fmt.Errorf("closeorder: mark attempt executing for %s: %w", o.Key(), err)
	}

	execCtx, cancel := context.WithTimeout(ctx, m.execTimeout)
	defer cancel()
	result, execErr := m.contract.ExecuteOrder(execCtx, o, price)

	attempt.FinishedAt = m.now().UTC()
	if execErr != nil {
		m.metrics.ExecutionAttempts.WithLabelValues("failed").Inc()
		attempt.Status = domain.ExecutionFailed
		attempt.Error = execErr.Error()
		if err := m.executions.Update(ctx, attempt); err != nil {
			return nil, fmt.Errorf("closeorder: record failed attempt for %s: %w", o.Key(), err)
		}

		o.RetryCount++
		o.UpdatedAt = m.now().UTC()
		// Timeouts are retryable like transient upstream failures;
		// reverts and other permanent errors are not.
		retryable := domain.Retryable(execErr) || errors.Is(execErr, context.DeadlineExceeded)
		if o.RetryCount >= o.RetryBudget || !retryable {
			o.Status = domain.OrderFailed
			o.Monitor = domain.MonitorSuspended
			m.logger.Error("close order failed",
				zap.String("order", o.Key()),
				zap.Int("attempts", o.RetryCount),
				zap.Error(execErr))
		} else {
			// Budget remains; return to monitoring for the next tick.
			o.Status = domain.OrderActive
			o.Monitor = domain.MonitorMonitoring
			m.logger.Warn("close order attempt failed, will retry",
				zap.String("order", o.Key()),
				zap.Int("attempt", o.RetryCount),
				zap.Int("budget", o.RetryBudget),
				zap.Error(execErr))
		}
		if err := m.orders.Update(ctx, o); err != nil {
			return nil, fmt.Errorf("closeorder: persist failed attempt of %s: %w", o.Key(), err)
		}
		return o, nil
	}

	m.metrics.ExecutionAttempts.WithLabelValues("completed").Inc()
	m.metrics.ExecutionLatency.Observe(attempt.FinishedAt.Sub(attempt.StartedAt).Seconds())

	attempt.Status = domain.ExecutionCompleted
	attempt.TxHash = result.TxHash
	attempt.RealizedPrice = result.RealizedPrice
	attempt.Amount0Out = result.Amount0Out
	attempt.Amount1Out = result.Amount1Out
	if err := m.executions.Update(ctx, attempt); err != nil {
		return nil, fmt.Errorf("closeorder: record completed attempt for %s: %w", o.Key(), err)
	}

	o.Status = domain.OrderExecuted
	o.Monitor = domain.MonitorIdle
	o.UpdatedAt = m.now().UTC()
	if err := m.orders.Update(ctx, o); err != nil {
		return nil, fmt.Errorf("closeorder: persist execution of %s: %w", o.Key(), err)
	}

	m.logger.Info("close order executed",
		zap.String("order", o.Key()),
		zap.String("tx_hash", result.TxHash),
		zap.String("realized_price", result.RealizedPrice.String()))
	return o, nil
}

// Cancel cancels a non-terminal order on chain and in the store.
func (m *Machine) Cancel(ctx context.Context, key string) (*domain.CloseOrder, error) {
	o, err := m.orders.GetByKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("closeorder: lookup %s: %w", key, err)
	}
	if err := checkTransition(o.Status, domain.OrderCancelled); err != nil {
		return nil, err
	}

	txHash, err := m.contract.CancelOrder(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("closeorder: cancel %s on chain: %w", key, err)
	}

	o.Status = domain.OrderCancelled
	o.Monitor = domain.MonitorIdle
	o.UpdatedAt = m.now().UTC()
	if err := m.orders.Update(ctx, o); err != nil {
		return nil, fmt.Errorf("closeorder: persist cancel of %s: %w", key, err)
	}

	m.logger.Info("close order cancelled",
		zap.String("order", key),
		zap.String("tx_hash", txHash))
	return o, nil
}

// MarkExpired transitions a non-terminal order past its validity window
// to expired without touching the chain.
func (m *Machine) MarkExpired(ctx context.Context, key string) (*domain.CloseOrder, error) {
	o, err := m.orders.GetByKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("closeorder: lookup %s: %w", key, err)
	}
	if err := checkTransition(o.Status, domain.OrderExpired); err != nil {
		return nil, err
	}
	if o.ValidUntil.IsZero() || m.now().Before(o.ValidUntil) {
		return nil, fmt.Errorf("%w: order %s is still within its validity window", domain.ErrValidation, key)
	}

	o.Status = domain.OrderExpired
	o.Monitor = domain.MonitorIdle
	o.UpdatedAt = m.now().UTC()
	if err := m.orders.Update(ctx, o); err != nil {
		return nil, fmt.Errorf("closeorder: persist expiry of %s: %w", key, err)
	}
	return o, nil
}

// UpdateConfig applies setter changes. Updates are permitted only while
// the order is pending or active.
func (m *Machine) UpdateConfig(ctx context.Context, key string, u OrderUpdate) (*domain.CloseOrder, error) {
	o, err := m.orders.GetByKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("closeorder: lookup %s: %w", key, err)
	}
	if o.Status != domain.OrderPending && o.Status != domain.OrderActive {
		return nil, fmt.Errorf("%w: order %s is %s, updates require pending or active", domain.ErrConflict, key, o.Status)
	}

	txHash, err := m.contract.UpdateOrder(ctx, o, u)
	if err != nil {
		return nil, fmt.Errorf("closeorder: update %s on chain: %w", key, err)
	}

	if u.TriggerTick != nil {
		o.TriggerTick = *u.TriggerTick
	}
	if u.SlippageBps != nil {
		o.SlippageBps = *u.SlippageBps
	}
	if u.Payout != nil {
		o.Payout = *u.Payout
	}
	if u.Operator != nil {
		o.Operator = *u.Operator
	}
	if u.ValidUntil != nil {
		o.ValidUntil = *u.ValidUntil
	}
	o.UpdatedAt = m.now().UTC()
	if err := m.orders.Update(ctx, o); err != nil {
		return nil, fmt.Errorf("closeorder: persist update of %s: %w", key, err)
	}

	m.logger.Info("close order updated",
		zap.String("order", key),
		zap.String("tx_hash", txHash))
	return o, nil
}
