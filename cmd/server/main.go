// Package main runs the lpguard daemon: one runtime loop per managed
// strategy fed by the pool tick feed, the close-order machine against
// the chain and signer, the double-entry ledger, and scheduled
// valuation snapshots.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"lpguard/internal/bus"
	"lpguard/internal/closeorder"
	"lpguard/internal/domain"
	"lpguard/internal/evm"
	"lpguard/internal/feed"
	"lpguard/internal/ledger"
	"lpguard/internal/observability"
	"lpguard/internal/runtime"
	"lpguard/internal/storage"
	chstore "lpguard/internal/storage/clickhouse"
	"lpguard/internal/storage/memory"
	"lpguard/internal/storage/migrations"
	pgstore "lpguard/internal/storage/postgres"
	"lpguard/internal/strategy"
)

func main() {
	_ = godotenv.Load()

	feedEndpoint := flag.String("feed-endpoint", os.Getenv("FEED_ENDPOINT"), "Pool tick feed WebSocket endpoint")
	rpcEndpoint := flag.String("rpc-endpoint", os.Getenv("RPC_ENDPOINT"), "EVM JSON-RPC HTTP endpoint")
	signerURL := flag.String("signer-url", os.Getenv("SIGNER_URL"), "External signer service base URL")
	signerKeyID := flag.String("signer-key-id", envOr("SIGNER_KEY_ID", "operator"), "Operator key id at the signer service")
	chainID := flag.Uint64("chain-id", envUint64("CHAIN_ID", 8453), "Chain id transactions are signed for")
	positionManager := flag.String("position-manager", os.Getenv("POSITION_MANAGER_ADDRESS"), "NFT position manager contract address")
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	clickhouseDSN := flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL and ClickHouse")
	metricsAddr := flag.String("metrics-addr", ":9090", "HTTP address for /health, /metrics and /status")
	outboxInterval := flag.Duration("outbox-interval", time.Second, "Outbox publication interval")
	refreshInterval := flag.Duration("refresh-interval", 30*time.Second, "Chain refresh interval for active close orders")
	valuationInterval := flag.Duration("valuation-interval", time.Minute, "Valuation snapshot interval")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *feedEndpoint == "" || *rpcEndpoint == "" || *signerURL == "" {
		logger.Fatal("--feed-endpoint, --rpc-endpoint and --signer-url are required")
	}
	if *positionManager == "" {
		logger.Fatal("--position-manager is required")
	}
	if !*useMemory && (*postgresDSN == "" || *clickhouseDSN == "") {
		logger.Fatal("--postgres-dsn and --clickhouse-dsn are required (use --use-memory for in-memory storage)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stores, cleanup, err := createStores(ctx, *postgresDSN, *clickhouseDSN, *useMemory)
	if err != nil {
		logger.Fatal("create stores", zap.Error(err))
	}
	defer cleanup()

	client, err := evm.Dial(*rpcEndpoint, evm.WithLogger(logger))
	if err != nil {
		logger.Fatal("dial rpc endpoint", zap.Error(err))
	}
	signer := evm.NewSigner(*signerURL)
	orderContract, err := evm.NewOrderContract(evm.OrderContractOptions{
		Client: client,
		Signer: signer,
		KeyID:  *signerKeyID,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("create order contract", zap.Error(err))
	}
	positions, err := evm.NewPositionManager(evm.PositionManagerOptions{
		Client:  client,
		Signer:  signer,
		KeyID:   *signerKeyID,
		ChainID: *chainID,
		Address: *positionManager,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("create position manager", zap.Error(err))
	}

	machine, err := closeorder.New(closeorder.Options{
		Orders:     stores.closeOrders,
		Executions: stores.executions,
		Contract:   orderContract,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("create close-order machine", zap.Error(err))
	}

	led, err := ledger.New(ledger.Options{Store: stores.journal, Logger: logger})
	if err != nil {
		logger.Fatal("create ledger", zap.Error(err))
	}
	registry, err := strategy.NewRegistry(led)
	if err != nil {
		logger.Fatal("create strategy registry", zap.Error(err))
	}

	executor := runtime.NewExecutor(
		effectHandlers(stores, machine, positions),
		runtime.WithEffectLogger(logger),
	)
	manager, err := runtime.NewManager(runtime.ManagerOptions{
		Registry:   registry,
		Strategies: stores.strategies,
		DeadLetter: stores.deadLetters,
		Executor:   executor,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("create runtime manager", zap.Error(err))
	}

	messageBus := bus.New(bus.Options{
		Logger: logger,
		OnReject: func(topic string, payload []byte, reason string) {
			d := &storage.DeadLetter{
				ID:        uuid.NewString(),
				Payload:   payload,
				Reason:    fmt.Sprintf("%s: %s", topic, reason),
				CreatedAt: time.Now().UTC(),
			}
			if err := stores.deadLetters.Insert(context.Background(), d); err != nil {
				logger.Warn("failed to store rejected delivery", zap.Error(err))
			}
		},
	})

	srv := &server{
		stores:    stores,
		manager:   manager,
		machine:   machine,
		bus:       messageBus,
		ledger:    led,
		logger:    logger,
		startedAt: time.Now().UTC(),
	}
	if err := srv.loadStrategies(ctx); err != nil {
		logger.Fatal("load strategies", zap.Error(err))
	}
	if err := manager.StartAll(ctx); err != nil {
		logger.Fatal("start strategy runtimes", zap.Error(err))
	}
	if err := srv.registerProtections(ctx); err != nil {
		logger.Fatal("register close orders", zap.Error(err))
	}

	priceFeed, err := feed.New(ctx, *feedEndpoint, srv.handleTick, nil, logger)
	if err != nil {
		logger.Fatal("connect price feed", zap.Error(err))
	}
	if pools := srv.pools(); len(pools) > 0 {
		if err := priceFeed.Subscribe(pools...); err != nil {
			logger.Fatal("subscribe pools", zap.Error(err))
		}
	}

	go srv.auditLoop()
	go srv.outboxLoop(ctx, *outboxInterval)
	go srv.refreshLoop(ctx, *refreshInterval)
	go srv.valuationLoop(ctx, *valuationInterval)
	go srv.uptimeLoop(ctx)
	go srv.startHTTPServer(*metricsAddr)

	logger.Info("lpguard daemon started",
		zap.Uint64("chain_id", *chainID),
		zap.Int("strategies", len(srv.poolIndex)),
		zap.Bool("use_memory", *useMemory))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))

	done := make(chan struct{})
	go func() {
		priceFeed.Close()
		manager.Shutdown()
		messageBus.Close()
		cancel()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case sig := <-sigCh:
		logger.Warn("second signal, forcing exit", zap.String("signal", sig.String()))
		os.Exit(1)
	case <-time.After(30 * time.Second):
		logger.Warn("graceful shutdown timed out after 30s, forcing exit")
		os.Exit(1)
	}
}

// serverStores holds every storage implementation the daemon uses.
type serverStores struct {
	strategies  storage.StrategyStore
	journal     storage.JournalStore
	closeOrders storage.CloseOrderStore
	executions  storage.ExecutionStore
	outbox      storage.OutboxStore
	deadLetters storage.DeadLetterStore
	valuations  storage.ValuationStore
}

// createStores builds either the in-memory stack or the
// postgres+clickhouse stack with migrations applied.
func createStores(ctx context.Context, postgresDSN, clickhouseDSN string, useMemory bool) (*serverStores, func(), error) {
	if useMemory {
		outbox := memory.NewOutboxStore()
		stores := &serverStores{
			strategies:  memory.NewStrategyStore(),
			journal:     memory.NewJournalStore(),
			closeOrders: memory.NewCloseOrderStore(outbox),
			executions:  memory.NewExecutionStore(),
			outbox:      outbox,
			deadLetters: memory.NewDeadLetterStore(),
			valuations:  memory.NewValuationStore(),
		}
		return stores, func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, postgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("apply postgres migrations: %w", err)
	}

	chConn, err := migrations.RunClickhouseMigrations(ctx, clickhouseDSN)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("apply clickhouse migrations: %w", err)
	}

	stores := &serverStores{
		strategies:  pgstore.NewStrategyStore(pool),
		journal:     pgstore.NewJournalStore(pool),
		closeOrders: pgstore.NewCloseOrderStore(pool),
		executions:  pgstore.NewExecutionStore(pool),
		outbox:      pgstore.NewOutboxStore(pool),
		deadLetters: pgstore.NewDeadLetterStore(pool),
		valuations:  chstore.NewValuationSnapshotStore(chConn),
	}
	cleanup := func() {
		chConn.Close()
		pool.Close()
	}
	return stores, cleanup, nil
}

// server ties the long-running loops together and serves /status.
type server struct {
	stores  *serverStores
	manager *runtime.Manager
	machine *closeorder.Machine
	bus     *bus.Bus
	ledger  *ledger.Ledger
	logger  *zap.Logger

	mu         sync.Mutex
	startedAt  time.Time
	lastEvent  time.Time
	eventsSeen int64
	poolIndex  map[string][]string
	positions  map[string][]string
	orders     map[string][]*domain.CloseOrder
}

// strategyConfig is the slice of a strategy's config the daemon needs
// for routing and protection wiring. Strategy logics own the full codec.
type strategyConfig struct {
	Pool       string          `json:"pool"`
	PositionID string          `json:"position_id"`
	CloseOrder *closeOrderSpec `json:"close_order,omitempty"`
}

// closeOrderSpec declares the protective close order a strategy wants
// registered on chain.
type closeOrderSpec struct {
	Protocol     string    `json:"protocol"`
	ChainID      uint64    `json:"chain_id"`
	Side         string    `json:"side"`
	Contract     string    `json:"contract"`
	TriggerTick  int32     `json:"trigger_tick"`
	TriggerPrice string    `json:"trigger_price"`
	SlippageBps  uint32    `json:"slippage_bps"`
	Payout       string    `json:"payout"`
	Operator     string    `json:"operator"`
	Owner        string    `json:"owner"`
	ValidUntil   time.Time `json:"valid_until"`
	SwapToQuote  bool      `json:"swap_to_quote"`
}

// loadStrategies indexes stored strategies by pool and position for
// routing and valuation.
func (s *server) loadStrategies(ctx context.Context) error {
	records, err := s.stores.strategies.List(ctx)
	if err != nil {
		return err
	}

	poolIndex := make(map[string][]string)
	positions := make(map[string][]string)
	orders := make(map[string][]*domain.CloseOrder)
	for _, record := range records {
		var cfg strategyConfig
		if err := json.Unmarshal(record.Config, &cfg); err != nil {
			return fmt.Errorf("%w: strategy %s config: %v", domain.ErrValidation, record.StrategyID, err)
		}
		if cfg.Pool != "" {
			poolIndex[cfg.Pool] = append(poolIndex[cfg.Pool], record.StrategyID)
		}
		if cfg.PositionID != "" {
			positions[record.StrategyID] = append(positions[record.StrategyID], cfg.PositionID)
		}
		if spec := cfg.CloseOrder; spec != nil {
			price := decimal.Zero
			if spec.TriggerPrice != "" {
				price, err = decimal.NewFromString(spec.TriggerPrice)
				if err != nil {
					return fmt.Errorf("%w: strategy %s trigger price: %v", domain.ErrValidation, record.StrategyID, err)
				}
			}
			orders[record.StrategyID] = append(orders[record.StrategyID], &domain.CloseOrder{
				Protocol:     domain.Protocol(spec.Protocol),
				ChainID:      spec.ChainID,
				PositionID:   cfg.PositionID,
				Side:         domain.TriggerSide(spec.Side),
				Contract:     spec.Contract,
				Pool:         cfg.Pool,
				TriggerTick:  spec.TriggerTick,
				TriggerPrice: price,
				SlippageBps:  spec.SlippageBps,
				Payout:       spec.Payout,
				Operator:     spec.Operator,
				Owner:        spec.Owner,
				ValidUntil:   spec.ValidUntil,
				SwapToQuote:  spec.SwapToQuote,
				StrategyID:   record.StrategyID,
			})
		}
	}

	s.mu.Lock()
	s.poolIndex = poolIndex
	s.positions = positions
	s.orders = orders
	s.mu.Unlock()
	return nil
}

// registerProtections registers each configured close order on chain.
// Registration is idempotent, so a restart re-walks the config safely.
func (s *server) registerProtections(ctx context.Context) error {
	s.mu.Lock()
	var pending []*domain.CloseOrder
	for _, list := range s.orders {
		pending = append(pending, list...)
	}
	s.mu.Unlock()

	for _, o := range pending {
		if _, err := s.machine.Register(ctx, o); err != nil {
			return fmt.Errorf("register order %s: %w", o.Key(), err)
		}
	}
	return nil
}

// pools returns the set of pools any strategy listens on.
func (s *server) pools() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]string, 0, len(s.poolIndex))
	for pool := range s.poolIndex {
		list = append(list, pool)
	}
	return list
}

// handleTick fans one feed event out to every strategy on its pool. The
// feed delivers events without a strategy id; routing happens here.
func (s *server) handleTick(ev *domain.StrategyEvent) {
	if ev.OHLC == nil {
		return
	}
	s.mu.Lock()
	ids := append([]string(nil), s.poolIndex[ev.OHLC.Pool]...)
	s.lastEvent = time.Now().UTC()
	s.eventsSeen++
	s.mu.Unlock()

	for _, id := range ids {
		routed := *ev
		routed.StrategyID = id
		err := s.manager.Dispatch(runtime.Envelope{
			Event: &routed,
			Reject: func(reason string) {
				s.logger.Warn("tick rejected",
					zap.String("pool", ev.OHLC.Pool),
					zap.String("reason", reason))
			},
		})
		if err != nil {
			s.logger.Warn("dispatch failed",
				zap.String("strategy_id", id),
				zap.Error(err))
		}
	}
}

// auditLoop consumes close-order domain events off the bus for the audit
// log. Every delivery is acknowledged; the log line is the consumption.
func (s *server) auditLoop() {
	deliveries, err := s.bus.Subscribe("close-order.#")
	if err != nil {
		s.logger.Warn("audit subscription failed", zap.Error(err))
		return
	}
	for d := range deliveries {
		s.logger.Info("domain event published",
			zap.String("topic", d.Topic),
			zap.ByteString("payload", d.Payload))
		d.Ack()
	}
}

// outboxLoop publishes staged outbox events to the bus, oldest first. An
// event is marked published only after the bus accepted it.
func (s *server) outboxLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		events, err := s.stores.outbox.ListUnpublished(ctx, 100)
		if err != nil {
			s.logger.Warn("list outbox events", zap.Error(err))
			continue
		}
		for _, ev := range events {
			if err := s.bus.Publish(ctx, ev.Topic, ev.Payload); err != nil {
				s.logger.Warn("publish outbox event",
					zap.String("topic", ev.Topic),
					zap.Error(err))
				break
			}
			if err := s.stores.outbox.MarkPublished(ctx, ev.ID); err != nil {
				s.logger.Warn("mark outbox event published",
					zap.String("event_id", ev.ID),
					zap.Error(err))
			}
		}
	}
}

// refreshLoop folds chain state into every active close order. Expiry
// and externally executed or cancelled orders are absorbed here.
func (s *server) refreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		orders, err := s.stores.closeOrders.ListActive(ctx)
		if err != nil {
			s.logger.Warn("list active orders", zap.Error(err))
			continue
		}
		for _, o := range orders {
			if _, err := s.machine.RefreshFromChain(ctx, o.Key()); err != nil {
				s.logger.Warn("refresh order from chain",
					zap.String("order", o.Key()),
					zap.Error(err))
			}
		}
	}
}

// valuationLoop computes one NAV snapshot per strategy per interval and
// writes the batch to the analytics store.
func (s *server) valuationLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		positions := make(map[string][]string, len(s.positions))
		for id, list := range s.positions {
			positions[id] = append([]string(nil), list...)
		}
		s.mu.Unlock()

		var snaps []*domain.ValuationSnapshot
		for id, positionIDs := range positions {
			snap, err := s.ledger.Snapshot(ctx, id, positionIDs)
			if err != nil {
				s.logger.Warn("compute valuation snapshot",
					zap.String("strategy_id", id),
					zap.Error(err))
				continue
			}
			snaps = append(snaps, snap)
		}
		if len(snaps) == 0 {
			continue
		}
		if err := s.stores.valuations.InsertBulk(ctx, snaps); err != nil {
			s.logger.Warn("store valuation snapshots", zap.Error(err))
		}
	}
}

// uptimeLoop advances the uptime counter once a second.
func (s *server) uptimeLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			observability.DefaultMetrics.UptimeSeconds.Inc()
		}
	}
}

// startHTTPServer serves health, metrics and status.
func (s *server) startHTTPServer(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", observability.Handler())
	mux.HandleFunc("/status", s.handleStatus)

	s.logger.Info("http server listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		s.logger.Error("http server", zap.Error(err))
	}
}

// statusResponse is the JSON shape of /status.
type statusResponse struct {
	Status       string    `json:"status"`
	Uptime       string    `json:"uptime"`
	Strategies   int       `json:"strategies"`
	ActiveOrders int       `json:"active_orders"`
	EventsSeen   int64     `json:"events_seen"`
	LastEvent    time.Time `json:"last_event,omitzero"`
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	records, err := s.stores.strategies.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	active, err := s.stores.closeOrders.ListActive(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	resp := statusResponse{
		Status:       "running",
		Uptime:       time.Since(s.startedAt).String(),
		Strategies:   len(records),
		ActiveOrders: len(active),
		EventsSeen:   s.eventsSeen,
		LastEvent:    s.lastEvent,
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envUint64(key string, fallback uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseUint(v, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
