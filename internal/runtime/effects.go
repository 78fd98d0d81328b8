package runtime

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"lpguard/internal/domain"
)

// Default effect executor configuration.
const (
	DefaultEffectRetries     = 3
	DefaultEffectRetryDelay  = 1 * time.Second
	DefaultEffectMaxDelay    = 10 * time.Second
	DefaultEffectBackoffMult = 2.0
)

// EffectHandler performs one effect kind against the outside world and
// returns the resulting transaction hash.
type EffectHandler func(ctx context.Context, effect domain.Effect) (string, error)

// ResultFunc receives the effect-result event once an effect settles.
// The runtime wires it to the owning strategy's mailbox so the outcome
// re-enters the loop as an ordinary event.
type ResultFunc func(ev *domain.StrategyEvent)

// Executor runs effects synchronously with bounded retries and reports
// every outcome, success or failure, back as an effect-result event.
type Executor struct {
	handlers    map[domain.EffectKind]EffectHandler
	logger      *zap.Logger
	maxRetries  int
	retryDelay  time.Duration
	maxDelay    time.Duration
	backoffMult float64
	now         func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithEffectRetries sets the maximum retry attempts per effect.
func WithEffectRetries(n int) ExecutorOption {
	return func(e *Executor) {
		e.maxRetries = n
	}
}

// WithEffectRetryDelay sets the initial retry delay.
func WithEffectRetryDelay(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.retryDelay = d
	}
}

// WithEffectLogger sets the executor logger.
func WithEffectLogger(logger *zap.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithClock overrides the executor clock.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		e.now = now
	}
}

// NewExecutor creates an Executor over the given per-kind handlers.
func NewExecutor(handlers map[domain.EffectKind]EffectHandler, opts ...ExecutorOption) *Executor {
	e := &Executor{
		handlers:    handlers,
		logger:      zap.NewNop(),
		maxRetries:  DefaultEffectRetries,
		retryDelay:  DefaultEffectRetryDelay,
		maxDelay:    DefaultEffectMaxDelay,
		backoffMult: DefaultEffectBackoffMult,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one effect to completion and delivers the outcome through
// result. Transient failures are retried with exponential backoff;
// permanent failures are reported after the first attempt.
func (e *Executor) Execute(ctx context.Context, effect domain.Effect, result ResultFunc) {
	txHash, err := e.run(ctx, effect)

	payload := &domain.EffectResultPayload{
		EffectID: effect.ID,
		Kind:     effect.Kind,
		Success:  err == nil,
		TxHash:   txHash,
	}
	if err != nil {
		payload.Error = err.Error()
		e.logger.Warn("effect failed",
			zap.String("effect_id", effect.ID),
			zap.String("kind", string(effect.Kind)),
			zap.String("strategy_id", effect.StrategyID),
			zap.Error(err))
	} else {
		e.logger.Info("effect executed",
			zap.String("effect_id", effect.ID),
			zap.String("kind", string(effect.Kind)),
			zap.String("tx_hash", txHash))
	}

	result(&domain.StrategyEvent{
		StrategyID:   effect.StrategyID,
		Type:         domain.EventEffectResult,
		Timestamp:    e.now().UTC(),
		EffectResult: payload,
	})
}

func (e *Executor) run(ctx context.Context, effect domain.Effect) (string, error) {
	if err := effect.Validate(); err != nil {
		return "", err
	}
	handler, ok := e.handlers[effect.Kind]
	if !ok {
		return "", fmt.Errorf("%w: no handler for effect kind %q", domain.ErrValidation, effect.Kind)
	}

	delay := e.retryDelay
	var lastErr error

	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * e.backoffMult)
			if delay > e.maxDelay {
				delay = e.maxDelay
			}
		}

		txHash, err := handler(ctx, effect)
		if err == nil {
			return txHash, nil
		}
		lastErr = err
		if !domain.Retryable(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("effect %s exhausted retries: %w", effect.ID, lastErr)
}
