package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lpguard/internal/domain"
	"lpguard/internal/observability"
	"lpguard/internal/storage"
)

// Runtime is one strategy's sequential processing loop. It owns the
// strategy's mailbox and runtime state exclusively; exactly one event is
// in flight at a time.
type Runtime struct {
	record     *domain.StrategyRecord
	logic      Logic
	mailbox    *Mailbox
	strategies storage.StrategyStore
	deadLetter storage.DeadLetterStore
	executor   *Executor
	logger     *zap.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

// RuntimeOptions configures a Runtime.
type RuntimeOptions struct {
	Record     *domain.StrategyRecord
	Registry   *Registry
	Strategies storage.StrategyStore
	DeadLetter storage.DeadLetterStore
	Executor   *Executor
	Logger     *zap.Logger
	Metrics    *observability.Metrics

	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time
}

// NewRuntime creates a Runtime for one strategy record.
func NewRuntime(opts RuntimeOptions) (*Runtime, error) {
	if opts.Record == nil {
		return nil, errors.New("runtime: strategy record is required")
	}
	if err := opts.Record.Validate(); err != nil {
		return nil, err
	}
	if opts.Registry == nil || opts.Strategies == nil {
		return nil, errors.New("runtime: registry and strategy store are required")
	}
	logic, err := opts.Registry.Lookup(opts.Record.Type)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.DefaultMetrics
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Runtime{
		record:     opts.Record,
		logic:      logic,
		mailbox:    NewMailbox(),
		strategies: opts.Strategies,
		deadLetter: opts.DeadLetter,
		executor:   opts.Executor,
		logger:     opts.Logger.With(zap.String("strategy_id", opts.Record.StrategyID)),
		metrics:    opts.Metrics,
		now:        opts.Now,
	}, nil
}

// StrategyID returns the owning strategy's id.
func (r *Runtime) StrategyID() string {
	return r.record.StrategyID
}

// Enqueue appends an envelope to the strategy's mailbox.
func (r *Runtime) Enqueue(env Envelope) error {
	if err := r.mailbox.Enqueue(env); err != nil {
		return err
	}
	r.metrics.MailboxDepth.WithLabelValues(r.record.StrategyID).Set(float64(r.mailbox.Len()))
	return nil
}

// EnqueueEvent wraps a bare event in an envelope with no delivery
// callbacks. Used for internally produced events such as effect results.
func (r *Runtime) EnqueueEvent(ev *domain.StrategyEvent) error {
	return r.Enqueue(Envelope{Event: ev})
}

// Run processes events until ctx is cancelled or the mailbox closes.
// Shutdown is graceful: the in-flight event finishes before Run returns.
// A failing event is isolated: it is dead-lettered and the loop moves on.
func (r *Runtime) Run(ctx context.Context) error {
	r.logger.Info("strategy runtime started", zap.String("type", string(r.record.Type)))

	for {
		env, err := r.mailbox.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrMailboxClosed) {
				r.logger.Info("strategy runtime stopped")
				return nil
			}
			return err
		}
		r.metrics.MailboxDepth.WithLabelValues(r.record.StrategyID).Set(float64(r.mailbox.Len()))

		r.processOne(ctx, env)
	}
}

// processOne handles a single envelope end to end: logic, persistence,
// effects, acknowledgement.
func (r *Runtime) processOne(ctx context.Context, env Envelope) {
	started := r.now()
	eventType := "unknown"
	if env.Event != nil {
		eventType = string(env.Event.Type)
	}

	if err := r.handle(ctx, env.Event); err != nil {
		class := domain.Classify(err)
		r.metrics.EventsFailed.WithLabelValues(eventType, string(class)).Inc()
		r.logger.Error("event processing failed",
			zap.String("event_type", eventType),
			zap.String("error_class", string(class)),
			zap.Error(err))
		r.reject(ctx, env, err)
		return
	}

	r.metrics.EventsProcessed.WithLabelValues(eventType).Inc()
	r.metrics.EventLatency.WithLabelValues(eventType).Observe(r.now().Sub(started).Seconds())
	r.metrics.LastEventProcessed.SetToCurrentTime()
	if env.Ack != nil {
		env.Ack()
	}
}

func (r *Runtime) handle(ctx context.Context, ev *domain.StrategyEvent) error {
	if ev == nil {
		return fmt.Errorf("%w: nil event", domain.ErrValidation)
	}
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.StrategyID != r.record.StrategyID {
		return fmt.Errorf("%w: event for strategy %s delivered to %s",
			domain.ErrValidation, ev.StrategyID, r.record.StrategyID)
	}

	out, err := r.logic.Handle(ctx, HandleInput{
		StrategyID: r.record.StrategyID,
		Config:     r.record.Config,
		Local:      r.record.Local,
		Event:      ev,
	})
	if err != nil {
		return fmt.Errorf("strategy logic: %w", err)
	}

	// Persist before executing effects so a crash between the two never
	// loses the state the effects were derived from.
	if out.Local != nil {
		r.record.Local = out.Local
	}
	r.record.UpdatedAt = r.now().UTC()
	if err := r.strategies.Update(ctx, r.record); err != nil {
		return fmt.Errorf("persist strategy state: %w", err)
	}

	for _, effect := range out.Effects {
		if err := r.authorize(effect); err != nil {
			return err
		}
		r.runEffect(ctx, effect)
	}
	return nil
}

// authorize refuses effects once the strategy's grant has lapsed.
func (r *Runtime) authorize(effect domain.Effect) error {
	if r.record.Authorization.Expired(r.now()) {
		return fmt.Errorf("%w: authorization for strategy %s expired at %s",
			domain.ErrValidation, r.record.StrategyID, r.record.Authorization.ExpiresAt)
	}
	if effect.StrategyID != r.record.StrategyID {
		return fmt.Errorf("%w: effect %s belongs to strategy %s",
			domain.ErrValidation, effect.ID, effect.StrategyID)
	}
	return nil
}

// runEffect executes one effect synchronously and feeds the result back
// into this strategy's mailbox as an effect-result event.
func (r *Runtime) runEffect(ctx context.Context, effect domain.Effect) {
	if r.executor == nil {
		r.logger.Warn("no effect executor configured, dropping effect",
			zap.String("effect_id", effect.ID),
			zap.String("kind", string(effect.Kind)))
		return
	}
	r.executor.Execute(ctx, effect, func(result *domain.StrategyEvent) {
		outcome := "success"
		if !result.EffectResult.Success {
			outcome = "failure"
		}
		r.metrics.EffectsExecuted.WithLabelValues(string(effect.Kind), outcome).Inc()
		if err := r.EnqueueEvent(result); err != nil {
			r.logger.Warn("failed to enqueue effect result",
				zap.String("effect_id", effect.ID),
				zap.Error(err))
		}
	})
}

// reject removes a poison event from circulation: the delivery is
// rejected without requeue and the payload lands in the dead-letter
// store for inspection.
func (r *Runtime) reject(ctx context.Context, env Envelope, cause error) {
	if env.Reject != nil {
		env.Reject(cause.Error())
	}
	if r.deadLetter == nil {
		return
	}

	payload := []byte("{}")
	if env.Event != nil {
		if encoded, err := encodeEvent(env.Event); err == nil {
			payload = encoded
		}
	}
	d := &storage.DeadLetter{
		ID:         uuid.NewString(),
		StrategyID: r.record.StrategyID,
		Payload:    payload,
		Reason:     cause.Error(),
		CreatedAt:  r.now().UTC(),
	}
	if err := r.deadLetter.Insert(ctx, d); err != nil {
		r.logger.Warn("failed to store dead letter", zap.Error(err))
		return
	}
	r.metrics.EventsDeadLetter.Inc()
}
