package runtime

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"lpguard/internal/domain"
	"lpguard/internal/observability"
	"lpguard/internal/storage"
)

// Manager owns one Runtime per strategy. Different strategies run fully
// in parallel; a slow external call in one loop never delays another.
type Manager struct {
	registry   *Registry
	strategies storage.StrategyStore
	deadLetter storage.DeadLetterStore
	executor   *Executor
	logger     *zap.Logger
	metrics    *observability.Metrics

	mu       sync.RWMutex
	runtimes map[string]*Runtime
	cancels  map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Registry   *Registry
	Strategies storage.StrategyStore
	DeadLetter storage.DeadLetterStore
	Executor   *Executor
	Logger     *zap.Logger
	Metrics    *observability.Metrics
}

// NewManager creates a Manager.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Registry == nil || opts.Strategies == nil {
		return nil, fmt.Errorf("runtime: registry and strategy store are required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.DefaultMetrics
	}
	return &Manager{
		registry:   opts.Registry,
		strategies: opts.Strategies,
		deadLetter: opts.DeadLetter,
		executor:   opts.Executor,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		runtimes:   make(map[string]*Runtime),
		cancels:    make(map[string]context.CancelFunc),
	}, nil
}

// Start creates and launches the runtime for one strategy record. A
// strategy can have at most one running loop.
func (m *Manager) Start(ctx context.Context, record *domain.StrategyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runtimes[record.StrategyID]; exists {
		return fmt.Errorf("%w: strategy %s already running", domain.ErrConflict, record.StrategyID)
	}

	rt, err := NewRuntime(RuntimeOptions{
		Record:     record,
		Registry:   m.registry,
		Strategies: m.strategies,
		DeadLetter: m.deadLetter,
		Executor:   m.executor,
		Logger:     m.logger,
		Metrics:    m.metrics,
	})
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.runtimes[record.StrategyID] = rt
	m.cancels[record.StrategyID] = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := rt.Run(loopCtx); err != nil {
			m.logger.Error("strategy runtime exited with error",
				zap.String("strategy_id", record.StrategyID),
				zap.Error(err))
		}
	}()
	return nil
}

// StartAll launches runtimes for every stored strategy.
func (m *Manager) StartAll(ctx context.Context) error {
	records, err := m.strategies.List(ctx)
	if err != nil {
		return fmt.Errorf("runtime: list strategies: %w", err)
	}
	for _, record := range records {
		if err := m.Start(ctx, record); err != nil {
			return err
		}
	}
	return nil
}

// Dispatch routes an envelope to its strategy's mailbox.
func (m *Manager) Dispatch(env Envelope) error {
	if env.Event == nil {
		return fmt.Errorf("%w: envelope has no event", domain.ErrValidation)
	}

	m.mu.RLock()
	rt, ok := m.runtimes[env.Event.StrategyID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: no runtime for strategy %s", domain.ErrNotFound, env.Event.StrategyID)
	}
	return rt.Enqueue(env)
}

// Shutdown stops all runtimes gracefully: mailboxes stop accepting new
// events, each loop drains its queue and finishes its in-flight event,
// and only then are the loop contexts released.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for id, rt := range m.runtimes {
		rt.mailbox.Close()
		delete(m.runtimes, id)
	}
	cancels := make([]context.CancelFunc, 0, len(m.cancels))
	for id, cancel := range m.cancels {
		cancels = append(cancels, cancel)
		delete(m.cancels, id)
	}
	m.mu.Unlock()

	m.wg.Wait()
	for _, cancel := range cancels {
		cancel()
	}
	m.logger.Info("all strategy runtimes stopped")
}
