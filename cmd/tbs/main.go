package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/xela07ax/tbs-engine/internal/browser"
	"github.com/xela07ax/tbs-engine/internal/catalog"
	"github.com/xela07ax/tbs-engine/internal/command"
	"github.com/xela07ax/tbs-engine/internal/console/handler"
	"github.com/xela07ax/tbs-engine/internal/console/server"
	"github.com/xela07ax/tbs-engine/internal/console/service"
	"github.com/xela07ax/tbs-engine/internal/domain"
	"github.com/xela07ax/tbs-engine/internal/engine"
	"github.com/xela07ax/tbs-engine/internal/infra"
	"github.com/xela07ax/tbs-engine/internal/infra/auth"
	"github.com/xela07ax/tbs-engine/internal/notify"
	"github.com/xela07ax/tbs-engine/internal/repository/memory"
	"github.com/xela07ax/tbs-engine/internal/repository/postgres"
	"github.com/xela07ax/tbs-engine/internal/task"
	"github.com/xela07ax/tbs-engine/internal/task/game"
)

func main() {
	// .env — только для локального запуска, в проде переменные приходят из окружения
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("engine stopped with error", zap.Error(err))
	}
	logger.Info("engine exited properly")
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	// Контекст процесса: SIGINT/SIGTERM останавливает фоновые горутины
	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// 2. Хранилища: Postgres, если задан URL, иначе память
	var (
		repo      engine.AccountRepository = memory.NewAccountRepo()
		operators service.OperatorProvider = service.NewStaticOperators(cfg.Auth.Operators)
		eventRepo *postgres.EventRepo
		sinks     []notify.Sink
	)
	if cfg.Database.URL != "" {
		pool, err := postgres.Connect(appCtx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := postgres.Migrate(appCtx, pool); err != nil {
			return err
		}
		repo = postgres.NewAccountRepo(pool)
		eventRepo = postgres.NewEventRepo(pool)
		sinks = append(sinks, eventRepo)
		if len(cfg.Auth.Operators) == 0 {
			operators = postgres.NewOperatorRepo(pool)
		}
		logger.Info("postgres storage enabled")
	} else {
		logger.Warn("database.url is empty, accounts are kept in memory")
	}

	// 3. Redis: уведомления наружу и канал управления
	var (
		rdb       *redis.Client
		redisSink *notify.RedisSink
	)
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		redisSink = notify.NewRedisSink(rdb, infra.RedisChanEvents, infra.RedisKeyAccountStatus)
		sinks = append(sinks, redisSink)
	}

	bus := notify.NewBus(logger, 1000, sinks...)
	bus.Start()
	defer bus.Stop()

	// 4. Каталог user-agent'ов и браузер
	uaStore := catalog.NewFileStore(cfg.Catalog.Path)
	uaPool := catalog.NewPool(
		uaStore,
		catalog.NewHTTPSource(cfg.Catalog.SourceURL, cfg.Catalog.FetchTimeout, logger),
		logger,
		catalog.WithMinSize(cfg.Catalog.MinSize),
		catalog.WithRegistry(reg),
	)
	if err := uaPool.Load(appCtx); err != nil {
		// Без каталога аккаунты не стартуют, но API и метрики поднимаем
		logger.Error("user-agent catalog is not available",
			zap.String("path", uaStore.Path()), zap.Error(err))
	}

	driver := browser.NewPlaywrightDriver(cfg.Browser.DriverDir, cfg.Browser.Install, logger)
	if err := driver.Initialize(); err != nil {
		return fmt.Errorf("browser driver: %w", err)
	}
	defer func() {
		if err := driver.Shutdown(); err != nil {
			logger.Warn("browser driver shutdown failed", zap.Error(err))
		}
	}()

	// 5. Ядро
	mgr := engine.New(cfg.Engine, engine.Deps{
		Repo:    repo,
		Pool:    uaPool,
		Driver:  driver,
		Events:  bus,
		Metrics: metrics,
		Logger:  logger,
		Session: cfg.Session,
	})

	registry := task.NewRegistry()
	game.Register(registry, &game.Env{
		Commands:  command.NewSet(mgr, nil),
		Directory: mgr,
	})

	if err := mgr.LoadAccounts(appCtx); err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}

	if rdb != nil {
		statuses := make(map[domain.AccountID]domain.Status)
		for _, a := range mgr.Accounts() {
			statuses[a.ID] = a.Status
		}
		if err := redisSink.Warmup(appCtx, logger, statuses); err != nil {
			logger.Warn("status warmup failed", zap.Error(err))
		}
		go mgr.ListenControl(appCtx, rdb, infra.RedisChanControl, registry, cfg.Server.ShutdownTimeout)
	}

	// 6. Control API
	pubKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		return fmt.Errorf("auth public key: %w", err)
	}
	privKey, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		return fmt.Errorf("auth private key: %w", err)
	}
	validator := auth.NewValidator(pubKey, cfg.Auth.Issuer)

	var eventH *handler.EventHandler
	if eventRepo != nil {
		eventH = handler.NewEventHandler(service.NewEventService(eventRepo))
	}
	console := server.NewConsoleServer(
		logger,
		validator,
		handler.NewAuthHandler(service.NewAuthService(operators, privKey, cfg.Auth.Issuer, cfg.Auth.TokenTTL)),
		handler.NewAccountHandler(service.NewAccountService(mgr, registry, logger), logger),
		eventH,
	)

	srv := &http.Server{
		Addr:        cfg.Server.Addr(),
		Handler:     console,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout не ставим: поток логов по WebSocket живет долго
	}
	go func() {
		logger.Info("control api started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("control api failed", zap.Error(err))
			stop()
		}
	}()

	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	// 7. gRPC health-check аккаунтов
	var grpcSrv *grpc.Server
	if cfg.GRPC.Enabled {
		health := server.NewAccountHealth(logger)
		for _, a := range mgr.Accounts() {
			health.Set(a.ID, a.Status)
		}
		events, unsubscribe := bus.Subscribe(256)
		defer unsubscribe()
		go health.Run(appCtx, events)

		grpcSrv = server.NewGRPCServer(validator, health, logger)
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
		go func() {
			logger.Info("grpc health server started", zap.Int("port", cfg.GRPC.Port))
			if err := grpcSrv.Serve(lis); err != nil {
				logger.Error("grpc server failed", zap.Error(err))
			}
		}()
	}

	// 8. Graceful Shutdown
	<-appCtx.Done()
	logger.Info("engine stopping...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("control api shutdown failed", zap.Error(err))
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Warn("accounts did not stop in time", zap.Error(err))
	}
	_ = metricsSrv.Shutdown(shutdownCtx)
	return nil
}
