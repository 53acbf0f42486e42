package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/wyfcoding/perpetual/internal/collateral/infrastructure/custody"
	fundingapp "github.com/wyfcoding/perpetual/internal/funding/application"
	funding "github.com/wyfcoding/perpetual/internal/funding/domain"
	fundingmysql "github.com/wyfcoding/perpetual/internal/funding/infrastructure/persistence/mysql"
	"github.com/wyfcoding/perpetual/internal/funding/infrastructure/pricefeed"
	"github.com/wyfcoding/perpetual/internal/position/application"
	"github.com/wyfcoding/perpetual/internal/position/domain"
	"github.com/wyfcoding/perpetual/internal/position/infrastructure/messaging"
	"github.com/wyfcoding/perpetual/internal/position/infrastructure/persistence/mysql"
	positionredis "github.com/wyfcoding/perpetual/internal/position/infrastructure/persistence/redis"
	http_server "github.com/wyfcoding/perpetual/internal/position/interfaces/http"
	"github.com/wyfcoding/perpetual/internal/position/interfaces/ws"
	riskapp "github.com/wyfcoding/perpetual/internal/risk/application"
	"github.com/wyfcoding/perpetual/pkg/cache"
	"github.com/wyfcoding/perpetual/pkg/config"
	"github.com/wyfcoding/perpetual/pkg/db"
	"github.com/wyfcoding/perpetual/pkg/logger"
	"github.com/wyfcoding/perpetual/pkg/metrics"
	"github.com/wyfcoding/perpetual/pkg/middleware"
	"github.com/wyfcoding/perpetual/pkg/mq"
	"github.com/wyfcoding/perpetual/pkg/ratelimit"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "configs/perpengine.toml", "path to config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, configPath); err != nil {
		slog.Error("perpengine exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	// 1. Config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// 2. Logger
	if err := logger.Init(cfg.Logger); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	log := logger.Get().With("service", cfg.ServiceName, "market", cfg.Market.Symbol)
	ctx = logger.WithMarket(ctx, cfg.Market.Symbol)

	// 3. Database
	database, err := db.Init(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := database.Migrate(&mysql.SnapshotModel{}, &messaging.OutboxMessage{}, &funding.FundingRate{}); err != nil {
		return fmt.Errorf("migrate db: %w", err)
	}

	// 4. Redis：读模型与市场租约
	var readRepo domain.PositionReadRepository
	var lease *cache.Lease
	var limiter ratelimit.RateLimiter
	if cfg.Redis.Host != "" {
		rc, err := cache.New(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rc.Close()
		lease, err = rc.AcquireLease(ctx, "perp:engine:"+cfg.Market.Symbol, cfg.InstanceID, cfg.Keeper.LeaseTTL)
		if err != nil {
			return err
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				log.Warn("failed to release lease", "error", err)
			}
		}()
		readRepo = positionredis.NewPositionRedisRepository(rc.Client(), cfg.Market.Symbol)
		limiter = ratelimit.NewRedisRateLimiter(rc.Client(), "perp:ratelimit:")
	}

	// 5. Kafka：事件投递与指数价格
	var (
		producer  *mq.KafkaProducer
		consumer  *mq.KafkaConsumer
		feed      funding.PriceFeed
		markFeed  *pricefeed.MarkFeed
		kafkaFeed *pricefeed.KafkaIndexFeed
	)
	if cfg.Kafka.Enabled() {
		producer, err = mq.NewProducer(cfg.Kafka.KafkaConfig)
		if err != nil {
			return err
		}
		defer producer.Close()
		consumer, err = mq.NewConsumer(cfg.Kafka.KafkaConfig, cfg.Kafka.PriceTopic)
		if err != nil {
			return err
		}
		defer consumer.Close()
		dlq := mq.NewDeadLetterQueue(producer, cfg.Kafka.DeadLetter)
		kafkaFeed = pricefeed.NewKafkaIndexFeed(cfg.Market.Symbol, consumer, dlq, log)
		feed = kafkaFeed
	} else {
		log.Warn("kafka disabled, using mark price as index price")
		markFeed = pricefeed.NewMarkFeed(time.Now)
		feed = markFeed
	}

	// 6. Custody：进程内托管，金库在快照恢复时按账本重建
	vault := custody.NewMemoryCustody()

	// 7. Engine
	m := metrics.New(cfg.Market.Symbol)
	outbox := messaging.NewOutboxEventPublisher(database.DB, cfg.Kafka.EventsTopic)
	publishers := &messaging.FanoutPublisher{}
	if cfg.Kafka.Enabled() {
		*publishers = append(*publishers, outbox)
	}
	hub := ws.NewEventHub(log)
	*publishers = append(*publishers, hub)
	var projector *messaging.PositionProjector
	if readRepo != nil {
		projector = messaging.NewPositionProjector(readRepo)
		*publishers = append(*publishers, projector)
	}

	engine, err := application.NewEngine(engineConfig(cfg), vault, feed,
		application.WithPublisher(publishers),
		application.WithRecorder(m),
	)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	if markFeed != nil {
		markFeed.Bind(engine.MarkPrice)
	}

	fundingService := fundingapp.NewFundingService(engine, fundingmysql.NewFundingRateRepository(database.DB), cfg.Keeper.FundingInterval, log)
	*publishers = append(*publishers, fundingService)

	// 8. 从快照恢复
	checkpoint := application.NewCheckpointJob(engine, mysql.NewSnapshotRepository(database.DB),
		cfg.Keeper.CheckpointInterval, cfg.Keeper.SnapshotRetention, log).WithRecorder(m)
	recovered, err := checkpoint.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover engine: %w", err)
	}
	// 开发余额只在全新启动时预置，恢复后不重复入账
	if !recovered {
		for account, amount := range cfg.DevFunding {
			vault.Fund(account, config.Decimal(amount))
		}
	}
	if projector != nil {
		if err := projector.Rebuild(ctx, engine.ForEachPosition); err != nil {
			log.Warn("failed to rebuild position read model", "error", err)
		}
	}
	log.Info("engine ready", "recovered", recovered, "sequence", engine.Sequence(), "paused", engine.Paused())

	// 9. Interfaces
	gin.SetMode(gin.ReleaseMode)
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metricsHandler = m.Handler()
	}
	router := http_server.NewRouter(http_server.NewPositionHandler(engine, readRepo).WithFundingHistory(fundingService), cfg.Metrics.Path, metricsHandler, m,
		middleware.RateLimit(limiter, cfg.HTTP.RateLimit))
	router.GET("/ws/events", hub.ServeWS)
	server := &http.Server{Addr: cfg.HTTP.Addr(), Handler: router, ReadHeaderTimeout: 5 * time.Second}

	// 10. Start
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("HTTP server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	liquidations := riskapp.NewLiquidationEngine(engine, cfg.Keeper.Liquidator, cfg.Keeper.LiquidationInterval, cfg.Keeper.LiquidationBatch, log)
	g.Go(func() error { return liquidations.Start(gctx) })
	g.Go(func() error { return fundingService.Start(gctx) })
	g.Go(func() error { return checkpoint.Start(gctx) })
	g.Go(func() error { return hub.Run(gctx) })

	if kafkaFeed != nil {
		relay := messaging.NewOutboxRelay(outbox, producer, cfg.Keeper.OutboxInterval, cfg.Keeper.OutboxBatch, cfg.Keeper.OutboxRetention, log).
			OnRun(func(err error) { m.RecordJob("outbox_relay", err) })
		g.Go(func() error { return relay.Start(gctx) })
		g.Go(func() error { return kafkaFeed.Start(gctx) })
	}
	if lease != nil {
		g.Go(func() error { return lease.Keep(gctx) })
	}

	err = g.Wait()
	log.Info("perpengine stopped", "sequence", engine.Sequence())
	return err
}

func engineConfig(cfg *config.Config) application.Config {
	return application.Config{
		Market: cfg.Market.Symbol,
		Params: domain.RiskParameters{
			MaxLeverage:          cfg.Risk.MaxLeverage,
			MaintenanceMarginBps: cfg.Risk.MaintenanceMarginBps,
			TradingFeeBps:        cfg.Risk.TradingFeeBps,
			LiquidationFeeBps:    cfg.Risk.LiquidationFeeBps,
			MinCollateral:        config.Decimal(cfg.Risk.MinCollateral),
			MaxPositionSize:      config.Decimal(cfg.Risk.MaxPositionSize),
			MaxPositionsPerUser:  cfg.Risk.MaxPositionsPerUser,
			FeeRecipient:         cfg.Risk.FeeRecipient,
		},
		Funding: funding.Params{
			Interval:     cfg.Funding.Interval,
			Coefficient:  config.Decimal(cfg.Funding.Coefficient),
			MinRate:      config.Decimal(cfg.Funding.MinRate),
			MaxRate:      config.Decimal(cfg.Funding.MaxRate),
			MaxStaleness: cfg.Funding.MaxStaleness,
		},
		BaseReserve:       config.Decimal(cfg.Market.BaseReserve),
		QuoteReserve:      config.Decimal(cfg.Market.QuoteReserve),
		MaxPriceImpactBps: cfg.Market.MaxPriceImpactBps,
	}
}
