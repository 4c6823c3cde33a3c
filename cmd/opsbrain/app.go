/*
Файл app.go — сборка процесса (Dependency Injection) и упорядоченная остановка.

Порядок остановки сверху вниз: HTTP -> планировщики -> оркестратор (подписка на шину) ->
слушатель политик -> шина -> журнал аудита -> gRPC -> Redis -> Postgres.
Каждый шаг дожидается завершения, прежде чем начнется следующий.
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/xela07ax/opsbrain/internal/audit"
	"github.com/xela07ax/opsbrain/internal/bus"
	"github.com/xela07ax/opsbrain/internal/capability"
	"github.com/xela07ax/opsbrain/internal/connectors"
	"github.com/xela07ax/opsbrain/internal/executor"
	"github.com/xela07ax/opsbrain/internal/infra"
	"github.com/xela07ax/opsbrain/internal/infra/auth"
	"github.com/xela07ax/opsbrain/internal/jobs"
	"github.com/xela07ax/opsbrain/internal/metrics"
	"github.com/xela07ax/opsbrain/internal/policy"
	"github.com/xela07ax/opsbrain/internal/repository/postgres"
	"github.com/xela07ax/opsbrain/internal/repository/redisstore"
	"github.com/xela07ax/opsbrain/internal/server"
	"github.com/xela07ax/opsbrain/internal/store"
	"github.com/xela07ax/opsbrain/internal/swarm"
)

const pingTimeout = 5 * time.Second

type app struct {
	cfg    *infra.Config
	logger *zap.Logger

	pool     *pgxpool.Pool
	rdb      *redis.Client
	robot    *grpc.ClientConn
	ledger   *audit.Ledger
	bus      *bus.Bus
	orch     *swarm.Orchestrator
	policy   *policy.Cache
	sched    []*jobs.Scheduler
	httpSrv  *http.Server
	appCtx   context.Context
	cancel   context.CancelFunc
	listenWG sync.WaitGroup
}

// build поднимает все зависимости. При ошибке уже открытые ресурсы закрываются.
func build(ctx context.Context, cfg *infra.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	a.appCtx, a.cancel = context.WithCancel(ctx)
	defer func() {
		if err != nil {
			a.release()
		}
	}()

	// 1. Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 2. Хранилища: Postgres или память
	var (
		events    store.EventStore
		proposals store.ProposalStore
		policies  store.PolicyStore
		states    store.StateStore
	)
	if cfg.Database.URL != "" {
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		a.pool, err = postgres.NewPool(pctx, postgres.PoolConfig{
			URL:             cfg.Database.URL,
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
		})
		cancel()
		if err != nil {
			return nil, err
		}
		a.ledger = audit.NewLedger(postgres.NewEventRepo(a.pool), audit.Config{
			BufferSize:    cfg.Audit.BufferSize,
			BatchSize:     cfg.Audit.BatchSize,
			FlushInterval: cfg.Audit.FlushInterval,
		}, cfg.Audit.Retry.Policy(), m, logger)
		a.ledger.Start()
		events = a.ledger
		proposals = postgres.NewProposalRepo(a.pool)
		policies = postgres.NewPolicyRepo(a.pool)
		states = postgres.NewStateRepo(a.pool)
	} else {
		logger.Warn("database.url is empty: using in-memory stores, state is lost on restart")
		events = store.NewMemoryEvents()
		proposals = store.NewMemoryProposals()
		policies = store.NewMemoryPolicy()
		states = store.NewMemoryState()
	}

	// 3. Redis: шина, квоты и сигналы политик
	if cfg.Redis.Addr != "" {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:                  cfg.Redis.Addr,
			Password:              cfg.Redis.Password,
			DB:                    cfg.Redis.DB,
			ContextTimeoutEnabled: true,
		})
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		err = a.rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			return nil, fmt.Errorf("redis: ping %s: %w", cfg.Redis.Addr, err)
		}
	}

	// 4. Политики: холодная загрузка до приема запросов
	a.policy = policy.NewCache(policies, a.rdb, infra.RedisChanPolicyUpdate, logger)
	if err = a.policy.Refresh(ctx); err != nil {
		return nil, err
	}

	var quota store.QuotaStore = store.NewMemoryQuota(time.Now)
	if cfg.Quota.Backend == "redis" {
		quota = redisstore.NewQuotaStore(a.rdb, infra.RedisKeyQuotaPrefix, time.Now)
	}

	// 5. Шина и оркестратор
	var (
		streamLog bus.Log
		cursors   store.CursorStore
	)
	if cfg.Bus.Backend == "redis" {
		streamLog = bus.NewRedisLog(a.rdb, cfg.Bus.Stream, cfg.Bus.MaxLen)
		cursors = redisstore.NewCursorStore(a.rdb, infra.RedisKeyBusCursors)
	} else {
		streamLog = bus.NewMemoryLog()
		cursors = store.NewMemoryCursors()
	}
	a.bus = bus.New(streamLog, bus.Config{
		Consumer:       cfg.Bus.Consumer,
		PollInterval:   cfg.Bus.PollInterval,
		BatchSize:      cfg.Bus.BatchSize,
		CommandTimeout: cfg.Bus.CommandTimeout,
		StartID:        cfg.Bus.StartID,
	}, bus.Deps{Cursors: cursors, Policy: cfg.Bus.Retry.Policy(), Metrics: m, Logger: logger})

	a.orch = swarm.New(a.bus, swarm.Config{SwarmID: cfg.Swarm.SwarmID, ActorID: cfg.Swarm.ActorID}, logger)
	a.orch.On(swarm.AnyEvent, func(_ context.Context, e bus.Envelope) error {
		logger.Debug("bus event", zap.String("type", e.Type), zap.String("actor", e.ActorID), zap.String("run_id", e.RunID))
		return nil
	})
	a.orch.On("proposal.created", func(_ context.Context, e bus.Envelope) error {
		logger.Info("proposal awaits approval", zap.String("event_id", e.ID), zap.String("actor", e.ActorID))
		return nil
	})

	// 6. Коннекторы: каждый за breaker + retry
	registry, err := a.buildConnectors(m)
	if err != nil {
		return nil, err
	}

	// 7. Внешний исполнитель записи (опционально)
	var (
		writer    capability.WriteExecutor
		execState server.ExecutorState
	)
	if cfg.Executor.URL != "" {
		client := executor.New(executor.Config{
			URL:            cfg.Executor.URL,
			Token:          cfg.Executor.Token,
			RatePerSecond:  cfg.Executor.RatePerSecond,
			Burst:          cfg.Executor.Burst,
			AttemptTimeout: cfg.Executor.Timeout,
			CBMaxRequests:  cfg.Executor.CBMaxRequests,
			CBInterval:     cfg.Executor.CBInterval,
			CBTimeout:      cfg.Executor.CBTimeout,
			CBFailures:     cfg.Executor.CBFailures,
		}, &http.Client{}, cfg.Executor.Retry.Policy(), logger)
		writer, execState = client, client
	} else {
		logger.Warn("executor.url is empty: write capabilities are disabled")
	}

	// 8. Capability Runtime
	catalog, err := capability.NewCatalog(cfg.Capabilities)
	if err != nil {
		return nil, err
	}
	rt := capability.New(capability.Deps{
		Catalog:   catalog,
		Proposals: proposals,
		Events:    events,
		Quota:     quota,
		Policy:    a.policy,
		Invoker:   capability.NewRouter(registry, writer),
		Notifier:  a.orch,
		Metrics:   m,
		Logger:    logger,
	})

	// 9. Джобы и планировщики
	runner := jobs.NewRunner(events, m, logger)
	if err = runner.Register(jobs.DeviceSnapshotJob, jobs.DeviceSnapshot(registry, states, a.orch, nil)); err != nil {
		return nil, err
	}
	retention := jobs.RetentionConfig{Enabled: cfg.Retention.Enabled, Days: cfg.Retention.Days}
	if err = runner.Register(jobs.SnapshotRetentionJob, jobs.SnapshotRetention(states, retention, nil)); err != nil {
		return nil, err
	}
	schedule := map[string]infra.JobSchedule{
		jobs.DeviceSnapshotJob:    cfg.Scheduler.Snapshot,
		jobs.SnapshotRetentionJob: cfg.Scheduler.Retention,
	}
	var statuses []server.SchedulerStatus
	for _, name := range runner.Names() {
		sc, ok := schedule[name]
		if !ok || !sc.Enabled {
			continue
		}
		s := jobs.NewScheduler(name, runner, jobs.ScheduleConfig{
			Interval:     sc.Interval,
			Jitter:       sc.Jitter,
			InitialDelay: sc.InitialDelay,
		}, logger)
		a.sched = append(a.sched, s)
		statuses = append(statuses, s)
	}

	// 10. Идентичность акторов: RS256 при наличии ключа
	var validator auth.TokenValidator
	if len(cfg.Auth.PublicKey) > 0 {
		pub, perr := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if perr != nil {
			return nil, perr
		}
		validator = auth.NewValidator(pub)
	} else {
		logger.Warn("auth public key is not configured: admin token holders act as staff")
	}

	// 11. HTTP
	srv := server.New(server.Config{
		AdminTokenHash: cfg.Auth.AdminTokenHash,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
		MaxSnapshotAge: cfg.Readiness.MaxSnapshotAge,
		Retention:      retention,
	}, server.Deps{
		Runtime:    rt,
		States:     states,
		Policy:     a.policy,
		Events:     events,
		Jobs:       runner,
		Schedulers: statuses,
		Bus:        a.bus,
		Connectors: registry,
		Executor:   execState,
		Validator:  validator,
		Metrics:    m,
		Gatherer:   reg,
		Logger:     logger,
	})
	a.httpSrv = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return a, nil
}

func (a *app) buildConnectors(m *metrics.Metrics) (*connectors.Registry, error) {
	cfg := a.cfg.Connectors
	registry := connectors.NewRegistry()
	breaker := connectors.NewCircuitBreaker(cfg.Breaker.Threshold, cfg.Breaker.Cooldown, time.Now)
	guard := func(c connectors.Connector) error {
		return registry.Register(connectors.NewGuarded(c, breaker, cfg.Retry.Policy(), m, a.logger))
	}

	if cfg.Hub.Enabled {
		hub := connectors.NewHubAdapter(connectors.HubConfig{
			BaseURL:    cfg.Hub.BaseURL,
			Token:      cfg.Hub.Token,
			Timeout:    cfg.Hub.Timeout,
			StaleAfter: cfg.Hub.StaleAfter,
		}, &http.Client{})
		if err := guard(hub); err != nil {
			return nil, err
		}
	}
	if cfg.Robot.Enabled {
		conn, err := grpc.NewClient(cfg.Robot.Target, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("robot: dial %s: %w", cfg.Robot.Target, err)
		}
		a.robot = conn
		robot := connectors.NewRobotAdapter(connectors.RobotConfig{
			Timeout:    cfg.Robot.Timeout,
			StaleAfter: cfg.Robot.StaleAfter,
		}, conn)
		if err := guard(robot); err != nil {
			return nil, err
		}
	}
	if cfg.Simulated.Enabled {
		name := cfg.Simulated.Name
		if name == "" {
			name = "simulated"
		}
		if err := guard(connectors.NewSimulated(name, cfg.Simulated.MaxLatency)); err != nil {
			return nil, err
		}
	}
	if len(registry.Names()) == 0 {
		a.logger.Warn("no connectors enabled: device snapshots will be empty")
	}
	return registry, nil
}

// run запускает фоновые циклы и HTTP, блокирует до сигнала или падения сервера.
func (a *app) run(sigCtx context.Context) error {
	// 1. Подписка на сигналы политик
	a.listenWG.Add(1)
	go func() {
		defer a.listenWG.Done()
		a.policy.StartListener(a.appCtx)
	}()

	// 2. Прогон оркестратора и планировщики
	if err := a.orch.Start(a.appCtx); err != nil {
		a.shutdown()
		return err
	}
	for _, s := range a.sched {
		s.Start(a.appCtx)
	}

	// 3. HTTP
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", a.httpSrv.Addr))
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-sigCtx.Done():
		a.logger.Info("shutdown signal received")
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http: %w", err)
			a.logger.Error("http server failed", zap.Error(err))
		}
	}

	a.shutdown()
	return runErr
}

// shutdown — остановка сверху вниз, каждый шаг ограничен общим таймаутом.
func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	// 1. Перестаем принимать запросы
	if err := a.httpSrv.Shutdown(ctx); err != nil {
		a.logger.Warn("http shutdown", zap.Error(err))
	}

	// 2. Новые прогоны джобов не стартуют, текущие дорабатывают
	for _, s := range a.sched {
		s.Stop()
	}

	// 3. Оркестратор дожидается начатой обработки и объявляет остановку
	if err := a.orch.Stop(ctx); err != nil {
		a.logger.Warn("orchestrator stop", zap.Error(err))
	}

	// 4. Слушатель политик
	a.cancel()
	a.listenWG.Wait()

	a.release()
	a.logger.Info("shutdown complete")
}

// release закрывает ресурсы нижнего уровня: шина, аудит, gRPC, Redis, Postgres.
func (a *app) release() {
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.logger.Warn("bus close", zap.Error(err))
		}
	}
	if a.ledger != nil {
		a.ledger.Stop()
	}
	if a.robot != nil {
		_ = a.robot.Close()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.logger.Warn("redis close", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	a.cancel()
}
